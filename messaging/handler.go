package messaging

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/wire"
)

var (
	// ErrCancelled is returned by Promise.Wait if response never arrives.
	ErrCancelled = errors.New("response cancelled")

	// ErrNoResponseExpected is returned if response is requested for id.None.
	ErrNoResponseExpected = errors.New("no response expected")
)

// Filter decides if action should be executed for the message.
type Filter func(msg wire.Message) bool

// Action is executed for every message accepted by the filter.
type Action func(ctx context.Context, msg wire.Message)

type filterEntry struct {
	filter Filter
	action Action
}

// Handler correlates responses with requests and dispatches other messages to registered actions.
type Handler struct {
	mu       sync.Mutex
	pending  map[id.MessageID]*Promise
	nextID   uint64
	handlers map[uint64]filterEntry
}

// NewHandler creates message handler.
func NewHandler() *Handler {
	return &Handler{
		pending:  map[id.MessageID]*Promise{},
		handlers: map[uint64]filterEntry{},
	}
}

// ForwardResponse returns promise fulfilled by the response to the message sent to the receiver.
// If promise already exists it is returned.
func (h *Handler) ForwardResponse(receiver id.EndpointID, inResponseTo id.MessageID) (*Promise, error) {
	if inResponseTo == id.None {
		return nil, errors.WithStack(ErrNoResponseExpected)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if p, exists := h.pending[inResponseTo]; exists {
		return p, nil
	}
	p := newPromise(receiver, inResponseTo)
	h.pending[inResponseTo] = p
	return p, nil
}

// Abandon removes promise without completing it.
func (h *Handler) Abandon(msgID id.MessageID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.pending, msgID)
}

// Pending returns the number of promises waiting for response.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.pending)
}

// ActOnArrival registers action executed for every incoming message accepted by filter.
// Returned function unregisters it.
func (h *Handler) ActOnArrival(filter Filter, action Action) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	entryID := h.nextID
	h.handlers[entryID] = filterEntry{filter: filter, action: action}

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.handlers, entryID)
	}
}

// ProcessMessage processes incoming message.
func (h *Handler) ProcessMessage(ctx context.Context, msg wire.Message) {
	if msg.InResponseTo != id.None {
		h.mu.Lock()
		p := h.pending[msg.InResponseTo]
		delete(h.pending, msg.InResponseTo)
		h.mu.Unlock()

		if p != nil {
			p.fulfill(msg)
		}
	} else {
		for _, e := range h.filters() {
			if e.filter(msg) {
				e.action(ctx, msg)
			}
		}
	}

	if _, ok := msg.Payload.(*wire.EndpointDisconnect); ok {
		h.CancelFor(msg.Sender)
	}
}

// CancelFor cancels every promise waiting for response from the endpoint.
func (h *Handler) CancelFor(endpoint id.EndpointID) {
	var cancelled []*Promise

	h.mu.Lock()
	for msgID, p := range h.pending {
		if p.receiver == endpoint {
			cancelled = append(cancelled, p)
			delete(h.pending, msgID)
		}
	}
	h.mu.Unlock()

	for _, p := range cancelled {
		p.cancel("endpoint disconnected")
	}
}

// OnLocalChannelClosed cancels every pending promise.
func (h *Handler) OnLocalChannelClosed() {
	h.mu.Lock()
	pending := h.pending
	h.pending = map[id.MessageID]*Promise{}
	h.mu.Unlock()

	for _, p := range pending {
		p.cancel("local channel closed")
	}
}

func (h *Handler) filters() []filterEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := make([]filterEntry, 0, len(h.handlers))
	for _, e := range h.handlers {
		entries = append(entries, e)
	}
	return entries
}
