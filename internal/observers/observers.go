package observers

import (
	"context"
	"sync"
)

// Registry keeps callbacks interested in values of type T.
type Registry[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	callbacks map[uint64]func(ctx context.Context, v T)
}

// Subscribe registers the callback. Returned function unregisters it.
func (r *Registry[T]) Subscribe(fn func(ctx context.Context, v T)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.callbacks == nil {
		r.callbacks = map[uint64]func(ctx context.Context, v T){}
	}
	r.nextID++
	cbID := r.nextID
	r.callbacks[cbID] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		delete(r.callbacks, cbID)
	}
}

// Notify calls every registered callback. Callbacks are invoked outside the lock so they may
// subscribe or unsubscribe.
func (r *Registry[T]) Notify(ctx context.Context, v T) {
	for _, fn := range r.snapshot() {
		fn(ctx, v)
	}
}

// Len returns the number of registered callbacks.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.callbacks)
}

func (r *Registry[T]) snapshot() []func(ctx context.Context, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fns := make([]func(ctx context.Context, v T), 0, len(r.callbacks))
	for _, fn := range r.callbacks {
		fns = append(fns, fn)
	}
	return fns
}
