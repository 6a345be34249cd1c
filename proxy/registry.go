package proxy

import (
	"context"
	"reflect"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/wire"
)

// ErrUnableToLoadProxyType is returned if there is no stand-in registered for the type.
var ErrUnableToLoadProxyType = errors.New("unable to load proxy type")

type commandFactory struct {
	desc  *CommandSetDescriptor
	build func(ci *CommandInvoker) any
	err   error
}

type notificationFactory struct {
	desc  *NotificationSetDescriptor
	build func(nl *NotificationLink) any
	err   error
}

var registry = struct {
	mu            sync.RWMutex
	commands      map[wire.SerializedType]commandFactory
	notifications map[wire.SerializedType]notificationFactory
}{
	commands:      map[wire.SerializedType]commandFactory{},
	notifications: map[wire.SerializedType]notificationFactory{},
}

// RegisterCommandProxy registers stand-in of the command set. It is called by generated code.
func RegisterCommandProxy[T CommandSet](build func(ci *CommandInvoker) T) {
	t := TypeOf[T]()
	desc, err := CommandSetOf(t)

	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.commands[SerializedTypeOf(t)] = commandFactory{
		desc: desc,
		build: func(ci *CommandInvoker) any {
			return build(ci)
		},
		err: err,
	}
}

// RegisterNotificationProxy registers stand-in of the notification set. It is called by generated code.
func RegisterNotificationProxy[T NotificationSet](build func(nl *NotificationLink) T) {
	t := TypeOf[T]()
	desc, err := NotificationSetOf(t)

	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.notifications[SerializedTypeOf(t)] = notificationFactory{
		desc: desc,
		build: func(nl *NotificationLink) any {
			return build(nl)
		},
		err: err,
	}
}

// CommandProxy is the stand-in of the command set implemented by remote endpoint.
type CommandProxy struct {
	Type    wire.SerializedType
	Value   any
	invoker *CommandInvoker
}

// Release makes stand-in unusable.
func (p *CommandProxy) Release() {
	p.invoker.Release()
}

// NotificationProxy is the stand-in of the notification set raised by remote endpoint.
type NotificationProxy struct {
	Type  wire.SerializedType
	Value any
	link  *NotificationLink
}

// Dispatch raises the event reported by the remote endpoint.
func (p *NotificationProxy) Dispatch(sender id.EndpointID, raised *wire.NotificationRaised) error {
	return p.link.Dispatch(sender, raised)
}

// Release makes stand-in unusable.
func (p *NotificationProxy) Release() {
	p.link.Release()
}

// BuildCommandProxy builds stand-in of the command set implemented by the endpoint.
func BuildCommandProxy(requester Requester, endpoint id.EndpointID, t wire.SerializedType) (*CommandProxy, error) {
	registry.mu.RLock()
	f, exists := registry.commands[t]
	registry.mu.RUnlock()

	if !exists {
		return nil, errors.Wrapf(ErrUnableToLoadProxyType, "command set %s", t)
	}
	if f.err != nil {
		return nil, f.err
	}

	ci := NewCommandInvoker(requester, endpoint, f.desc)
	return &CommandProxy{
		Type:    t,
		Value:   f.build(ci),
		invoker: ci,
	}, nil
}

// BuildNotificationProxy builds stand-in of the notification set raised by the endpoint.
func BuildNotificationProxy(
	ctx context.Context,
	requester Requester,
	endpoint id.EndpointID,
	t wire.SerializedType,
) (*NotificationProxy, error) {
	registry.mu.RLock()
	f, exists := registry.notifications[t]
	registry.mu.RUnlock()

	if !exists {
		return nil, errors.Wrapf(ErrUnableToLoadProxyType, "notification set %s", t)
	}
	if f.err != nil {
		return nil, f.err
	}

	nl := NewNotificationLink(ctx, requester, endpoint, f.desc)
	return &NotificationProxy{
		Type:  t,
		Value: f.build(nl),
		link:  nl,
	}, nil
}

// IsCommandProxyRegistered tells if stand-in exists for the command set.
func IsCommandProxyRegistered(t reflect.Type) bool {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	_, exists := registry.commands[SerializedTypeOf(t)]
	return exists
}

// IsNotificationProxyRegistered tells if stand-in exists for the notification set.
func IsNotificationProxyRegistered(t reflect.Type) bool {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	_, exists := registry.notifications[SerializedTypeOf(t)]
	return exists
}
