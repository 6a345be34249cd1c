package hub

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parley/comm"
	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/proxy"
	"github.com/outofforest/parley/wire"
)

// CommandHub keeps stand-ins of command sets implemented by remote endpoints.
type CommandHub = Hub[*proxy.CommandProxy]

// NotificationHub keeps stand-ins of notification sets raised by remote endpoints.
type NotificationHub = Hub[*proxy.NotificationProxy]

// NewCommandHub creates command hub.
func NewCommandHub(layer *comm.Layer) *CommandHub {
	return New[*proxy.CommandProxy](layer, commandStrategy{layer: layer})
}

// NewNotificationHub creates notification hub. Notifications raised by remote endpoints are dispatched
// to their stand-ins.
func NewNotificationHub(layer *comm.Layer) *NotificationHub {
	h := New[*proxy.NotificationProxy](layer, notificationStrategy{layer: layer})

	unsub := layer.ActOnArrival(func(msg wire.Message) bool {
		_, ok := msg.Payload.(*wire.NotificationRaised)
		return ok
	}, func(ctx context.Context, msg wire.Message) {
		raised := msg.Payload.(*wire.NotificationRaised)
		p, exists := h.Proxy(msg.Sender, raised.Event.Type)
		if !exists {
			logger.Get(ctx).Debug("Dropping notification without proxy", zap.Stringer("endpoint", msg.Sender),
				zap.Stringer("type", raised.Event.Type), zap.String("event", raised.Event.Event))
			return
		}
		if err := p.Dispatch(msg.Sender, raised); err != nil {
			logger.Get(ctx).Error("Dispatching notification failed", zap.Stringer("endpoint", msg.Sender),
				zap.Stringer("type", raised.Event.Type), zap.String("event", raised.Event.Event), zap.Error(err))
		}
	})

	h.mu.Lock()
	h.unsubs = append(h.unsubs, unsub)
	h.mu.Unlock()

	return h
}

type commandStrategy struct {
	layer *comm.Layer
}

func (s commandStrategy) Kind() string {
	return "commands"
}

func (s commandStrategy) Request() wire.Payload {
	return &wire.CommandInformationRequest{}
}

func (s commandStrategy) Types(resp wire.Message) ([]wire.SerializedType, error) {
	p, ok := resp.Payload.(*wire.CommandInformationResponse)
	if !ok {
		return nil, errors.Wrapf(proxy.ErrRemoteOperationFailed, "unexpected response %T", resp.Payload)
	}
	return p.Types, nil
}

func (s commandStrategy) Announced(msg wire.Message) (wire.SerializedType, bool) {
	p, ok := msg.Payload.(*wire.NewCommandRegistered)
	if !ok {
		return wire.SerializedType{}, false
	}
	return p.Type, true
}

func (s commandStrategy) Build(endpoint id.EndpointID, t wire.SerializedType) (*proxy.CommandProxy, error) {
	return proxy.BuildCommandProxy(s.layer, endpoint, t)
}

type notificationStrategy struct {
	layer *comm.Layer
}

func (s notificationStrategy) Kind() string {
	return "notifications"
}

func (s notificationStrategy) Request() wire.Payload {
	return &wire.NotificationInformationRequest{}
}

func (s notificationStrategy) Types(resp wire.Message) ([]wire.SerializedType, error) {
	p, ok := resp.Payload.(*wire.NotificationInformationResponse)
	if !ok {
		return nil, errors.Wrapf(proxy.ErrRemoteOperationFailed, "unexpected response %T", resp.Payload)
	}
	return p.Types, nil
}

func (s notificationStrategy) Announced(msg wire.Message) (wire.SerializedType, bool) {
	p, ok := msg.Payload.(*wire.NewNotificationRegistered)
	if !ok {
		return wire.SerializedType{}, false
	}
	return p.Type, true
}

func (s notificationStrategy) Build(endpoint id.EndpointID, t wire.SerializedType) (*proxy.NotificationProxy, error) {
	return proxy.BuildNotificationProxy(s.layer.Context(), s.layer, endpoint, t)
}
