package proxy

import (
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/outofforest/parley/id"
)

// AnyEvent is implemented by every Event regardless of its arguments type.
type AnyEvent interface {
	// ArgsType returns type of event arguments.
	ArgsType() reflect.Type

	// SubscribeAny attaches handler receiving arguments as untyped value.
	SubscribeAny(fn func(sender id.EndpointID, args any)) func()

	// RaiseEncoded decodes arguments and raises the event.
	RaiseEncoded(sender id.EndpointID, data []byte) error

	// Subscribers returns the number of attached handlers.
	Subscribers() int
}

// Event is the notification carrying arguments of type T.
type Event[T any] struct {
	// hookMu serializes calls to onFirst and onLast.
	hookMu  sync.Mutex
	onFirst func()
	onLast  func()

	mu       sync.Mutex
	nextID   uint64
	handlers map[uint64]func(sender id.EndpointID, args T)
}

// NewEvent creates event.
func NewEvent[T any]() *Event[T] {
	return &Event[T]{
		handlers: map[uint64]func(sender id.EndpointID, args T){},
	}
}

// Subscribe attaches handler. Returned function detaches it.
func (e *Event[T]) Subscribe(fn func(args T)) func() {
	return e.SubscribeFrom(func(_ id.EndpointID, args T) {
		fn(args)
	})
}

// SubscribeFrom attaches handler receiving also the endpoint which raised the event.
// Returned function detaches it.
func (e *Event[T]) SubscribeFrom(fn func(sender id.EndpointID, args T)) func() {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()

	e.mu.Lock()
	e.nextID++
	handlerID := e.nextID
	e.handlers[handlerID] = fn
	first := len(e.handlers) == 1
	e.mu.Unlock()

	if first && e.onFirst != nil {
		e.onFirst()
	}

	return func() {
		e.hookMu.Lock()
		defer e.hookMu.Unlock()

		e.mu.Lock()
		_, exists := e.handlers[handlerID]
		delete(e.handlers, handlerID)
		last := exists && len(e.handlers) == 0
		e.mu.Unlock()

		if last && e.onLast != nil {
			e.onLast()
		}
	}
}

// SubscribeAny attaches handler receiving arguments as untyped value.
func (e *Event[T]) SubscribeAny(fn func(sender id.EndpointID, args any)) func() {
	return e.SubscribeFrom(func(sender id.EndpointID, args T) {
		fn(sender, args)
	})
}

// Raise calls every attached handler.
func (e *Event[T]) Raise(args T) {
	e.RaiseFrom(id.EndpointID{}, args)
}

// RaiseFrom calls every attached handler passing the endpoint which raised the event.
func (e *Event[T]) RaiseFrom(sender id.EndpointID, args T) {
	e.mu.Lock()
	handlers := make([]func(sender id.EndpointID, args T), 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h(sender, args)
	}
}

// RaiseEncoded decodes arguments and raises the event.
func (e *Event[T]) RaiseEncoded(sender id.EndpointID, data []byte) error {
	var args T
	if err := cbor.Unmarshal(data, &args); err != nil {
		return errors.WithStack(err)
	}
	e.RaiseFrom(sender, args)
	return nil
}

// Subscribers returns the number of attached handlers.
func (e *Event[T]) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.handlers)
}

// ArgsType returns type of event arguments.
func (e *Event[T]) ArgsType() reflect.Type {
	return TypeOf[T]()
}

func (e *Event[T]) setHooks(onFirst, onLast func()) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()

	e.onFirst = onFirst
	e.onLast = onLast
}
