package provider

import (
	"context"
	"reflect"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parley/comm"
	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/proxy"
	"github.com/outofforest/parley/wire"
)

type notificationSet struct {
	desc   *proxy.NotificationSetDescriptor
	unsubs []func()
}

// NotificationCollection keeps local implementations of notification sets and forwards raised events
// to subscribed remote endpoints.
type NotificationCollection struct {
	layer *comm.Layer

	mu            sync.RWMutex
	sets          map[wire.SerializedType]notificationSet
	subscriptions map[wire.SerializedEvent]mapset.Set[id.EndpointID]
	unsubs        []func()
}

// NewNotificationCollection creates notification collection attached to the layer.
func NewNotificationCollection(layer *comm.Layer) *NotificationCollection {
	c := &NotificationCollection{
		layer:         layer,
		sets:          map[wire.SerializedType]notificationSet{},
		subscriptions: map[wire.SerializedEvent]mapset.Set[id.EndpointID]{},
	}
	c.unsubs = []func(){
		layer.ActOnArrival(func(msg wire.Message) bool {
			_, ok := msg.Payload.(*wire.NotificationInformationRequest)
			return ok
		}, c.answerInformationRequest),
		layer.ActOnArrival(func(msg wire.Message) bool {
			switch msg.Payload.(type) {
			case *wire.RegisterForNotification, *wire.UnregisterFromNotification:
				return true
			default:
				return false
			}
		}, c.subscriptionChanged),
		layer.OnEndpointSignedOut(c.endpointSignedOut),
	}
	return c
}

// Close detaches collection from the layer and from registered events.
func (c *NotificationCollection) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	for _, s := range c.sets {
		unsubs = append(unsubs, s.unsubs...)
	}
	c.unsubs = nil
	c.sets = map[wire.SerializedType]notificationSet{}
	c.subscriptions = map[wire.SerializedEvent]mapset.Set[id.EndpointID]{}
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// RegisterNotifications registers implementation of the notification set T.
func RegisterNotifications[T proxy.NotificationSet](ctx context.Context, c *NotificationCollection, impl T) error {
	desc, err := proxy.NotificationSetOf(proxy.TypeOf[T]())
	if err != nil {
		return err
	}
	return c.Register(ctx, desc, impl)
}

// Register registers implementation of the notification set. Events raised by the implementation are
// forwarded to subscribed endpoints. If layer is signed in, known endpoints are notified.
func (c *NotificationCollection) Register(
	ctx context.Context,
	desc *proxy.NotificationSetDescriptor,
	impl any,
) error {
	value := reflect.ValueOf(impl)
	if !value.IsValid() || !value.Type().Implements(desc.Type) {
		return errors.Errorf("%T does not implement %s", impl, desc.Type)
	}

	c.mu.Lock()
	if _, exists := c.sets[desc.Serialized]; exists {
		c.mu.Unlock()
		return errors.Wrapf(ErrNotificationAlreadyRegistered, "notification set %s", desc.Serialized)
	}

	set := notificationSet{desc: desc}
	for name := range desc.Events {
		e, ok := value.MethodByName(name).Call(nil)[0].Interface().(proxy.AnyEvent)
		if !ok || reflect.ValueOf(e).IsNil() {
			c.mu.Unlock()
			for _, unsub := range set.unsubs {
				unsub()
			}
			return errors.Errorf("event %s of %s is nil", name, desc.Serialized)
		}

		event := wire.SerializedEvent{Type: desc.Serialized, Event: name}
		set.unsubs = append(set.unsubs, e.SubscribeAny(func(_ id.EndpointID, args any) {
			c.forward(event, args)
		}))
	}
	c.sets[desc.Serialized] = set
	c.mu.Unlock()

	announce(ctx, c.layer, &wire.NewNotificationRegistered{Type: desc.Serialized})
	return nil
}

// IsRegistered tells if implementation of the notification set is registered.
func (c *NotificationCollection) IsRegistered(t wire.SerializedType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, exists := c.sets[t]
	return exists
}

// Types returns registered notification sets.
func (c *NotificationCollection) Types() []wire.SerializedType {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return sortedTypes(c.sets)
}

// Subscribers returns endpoints subscribed to the event.
func (c *NotificationCollection) Subscribers(event wire.SerializedEvent) []id.EndpointID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	subs := c.subscriptions[event]
	if subs == nil {
		return nil
	}
	return subs.ToSlice()
}

func (c *NotificationCollection) answerInformationRequest(ctx context.Context, msg wire.Message) {
	if err := c.layer.SendResponseTo(ctx, msg.Sender, msg.ID, &wire.NotificationInformationResponse{
		Types: c.Types(),
	}); err != nil {
		logger.Get(ctx).Error("Answering notification information request failed",
			zap.Stringer("endpoint", msg.Sender), zap.Error(err))
	}
}

func (c *NotificationCollection) subscriptionChanged(ctx context.Context, msg wire.Message) {
	var event wire.SerializedEvent
	var subscribe bool
	switch p := msg.Payload.(type) {
	case *wire.RegisterForNotification:
		event, subscribe = p.Event, true
	case *wire.UnregisterFromNotification:
		event = p.Event
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	set, exists := c.sets[event.Type]
	if !exists {
		logger.Get(ctx).Warn("Subscription to unknown notification set", zap.Stringer("endpoint", msg.Sender),
			zap.Stringer("type", event.Type))
		return
	}
	if _, exists := set.desc.Events[event.Event]; !exists {
		logger.Get(ctx).Warn("Subscription to unknown event", zap.Stringer("endpoint", msg.Sender),
			zap.Stringer("type", event.Type), zap.String("event", event.Event))
		return
	}

	subs := c.subscriptions[event]
	if subscribe {
		if subs == nil {
			subs = mapset.NewThreadUnsafeSet[id.EndpointID]()
			c.subscriptions[event] = subs
		}
		subs.Add(msg.Sender)
		return
	}
	if subs != nil {
		subs.Remove(msg.Sender)
		if subs.Cardinality() == 0 {
			delete(c.subscriptions, event)
		}
	}
}

func (c *NotificationCollection) endpointSignedOut(_ context.Context, endpoint id.EndpointID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for event, subs := range c.subscriptions {
		subs.Remove(endpoint)
		if subs.Cardinality() == 0 {
			delete(c.subscriptions, event)
		}
	}
}

func (c *NotificationCollection) forward(event wire.SerializedEvent, args any) {
	endpoints := c.Subscribers(event)
	if len(endpoints) == 0 {
		return
	}

	ctx := c.layer.Context()
	log := logger.Get(ctx)

	data, err := cbor.Marshal(args)
	if err != nil {
		log.Error("Encoding notification failed", zap.Stringer("type", event.Type), zap.String("event", event.Event),
			zap.Error(err))
		return
	}

	for _, endpoint := range endpoints {
		if _, err := c.layer.SendMessageTo(ctx, endpoint, &wire.NotificationRaised{
			Event: event,
			Args:  data,
		}); err != nil {
			log.Warn("Forwarding notification failed", zap.Stringer("endpoint", endpoint),
				zap.Stringer("type", event.Type), zap.String("event", event.Event), zap.Error(err))
		}
	}
}
