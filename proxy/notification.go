package proxy

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/wire"
)

// NotificationLink connects events of the notification set stand-in to the endpoint raising them.
type NotificationLink struct {
	ctx       context.Context
	requester Requester
	endpoint  id.EndpointID
	desc      *NotificationSetDescriptor

	mu       sync.Mutex
	events   map[string]AnyEvent
	released bool
}

// NewNotificationLink creates link to the notification set raised by the endpoint.
// Subscription messages are sent using ctx.
func NewNotificationLink(
	ctx context.Context,
	requester Requester,
	endpoint id.EndpointID,
	desc *NotificationSetDescriptor,
) *NotificationLink {
	return &NotificationLink{
		ctx:       ctx,
		requester: requester,
		endpoint:  endpoint,
		desc:      desc,
		events:    map[string]AnyEvent{},
	}
}

// Endpoint returns the endpoint raising events.
func (nl *NotificationLink) Endpoint() id.EndpointID {
	return nl.endpoint
}

// RemoteEvent creates event raised by the remote endpoint. First subscriber registers for the notification,
// the last one unregisters.
func RemoteEvent[T any](nl *NotificationLink, name string) *Event[T] {
	e := NewEvent[T]()
	event := wire.SerializedEvent{
		Type:  nl.desc.Serialized,
		Event: name,
	}
	e.setHooks(func() {
		nl.send(&wire.RegisterForNotification{Event: event})
	}, func() {
		nl.send(&wire.UnregisterFromNotification{Event: event})
	})

	nl.mu.Lock()
	defer nl.mu.Unlock()

	nl.events[name] = e
	return e
}

// Dispatch raises the event reported by the remote endpoint.
func (nl *NotificationLink) Dispatch(sender id.EndpointID, raised *wire.NotificationRaised) error {
	if raised.Event.Type != nl.desc.Serialized {
		return errors.Errorf("event of %s dispatched to %s", raised.Event.Type, nl.desc.Serialized)
	}

	nl.mu.Lock()
	e := nl.events[raised.Event.Event]
	released := nl.released
	nl.mu.Unlock()

	if released {
		return nil
	}
	if e == nil {
		return errors.Errorf("event %s does not exist in %s", raised.Event.Event, nl.desc.Serialized)
	}
	return e.RaiseEncoded(sender, raised.Args)
}

// Release stops dispatching events and sending subscriptions.
func (nl *NotificationLink) Release() {
	nl.mu.Lock()
	defer nl.mu.Unlock()

	nl.released = true
}

func (nl *NotificationLink) send(payload wire.Payload) {
	nl.mu.Lock()
	released := nl.released
	nl.mu.Unlock()

	if released {
		return
	}

	if _, err := nl.requester.SendMessageTo(nl.ctx, nl.endpoint, payload); err != nil {
		logger.Get(nl.ctx).Error("Sending subscription failed", zap.Stringer("endpoint", nl.endpoint),
			zap.Stringer("type", nl.desc.Serialized), zap.Error(err))
	}
}
