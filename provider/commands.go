package provider

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parley/comm"
	"github.com/outofforest/parley/proxy"
	"github.com/outofforest/parley/wire"
)

var (
	// ErrCommandAlreadyRegistered is returned if implementation of the command set is already registered.
	ErrCommandAlreadyRegistered = errors.New("command set already registered")

	// ErrNotificationAlreadyRegistered is returned if implementation of the notification set is already registered.
	ErrNotificationAlreadyRegistered = errors.New("notification set already registered")

	// ErrCommandNotSupported is reported to the caller invoking unknown command.
	ErrCommandNotSupported = errors.New("command not supported")
)

type commandSet struct {
	desc  *proxy.CommandSetDescriptor
	value reflect.Value
}

// CommandCollection keeps local implementations of command sets and executes commands invoked by
// remote endpoints.
type CommandCollection struct {
	layer *comm.Layer

	mu     sync.RWMutex
	sets   map[wire.SerializedType]commandSet
	unsubs []func()
}

// NewCommandCollection creates command collection attached to the layer.
func NewCommandCollection(layer *comm.Layer) *CommandCollection {
	c := &CommandCollection{
		layer: layer,
		sets:  map[wire.SerializedType]commandSet{},
	}
	c.unsubs = []func(){
		layer.ActOnArrival(func(msg wire.Message) bool {
			_, ok := msg.Payload.(*wire.CommandInformationRequest)
			return ok
		}, c.answerInformationRequest),
		layer.ActOnArrival(func(msg wire.Message) bool {
			_, ok := msg.Payload.(*wire.CommandInvoked)
			return ok
		}, c.commandInvoked),
	}
	return c
}

// Close detaches collection from the layer.
func (c *CommandCollection) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// RegisterCommands registers implementation of the command set T.
func RegisterCommands[T proxy.CommandSet](ctx context.Context, c *CommandCollection, impl T) error {
	desc, err := proxy.CommandSetOf(proxy.TypeOf[T]())
	if err != nil {
		return err
	}
	return c.Register(ctx, desc, impl)
}

// Register registers implementation of the command set. If layer is signed in, known endpoints are notified.
func (c *CommandCollection) Register(ctx context.Context, desc *proxy.CommandSetDescriptor, impl any) error {
	value := reflect.ValueOf(impl)
	if !value.IsValid() || !value.Type().Implements(desc.Type) {
		return errors.Errorf("%T does not implement %s", impl, desc.Type)
	}

	c.mu.Lock()
	if _, exists := c.sets[desc.Serialized]; exists {
		c.mu.Unlock()
		return errors.Wrapf(ErrCommandAlreadyRegistered, "command set %s", desc.Serialized)
	}
	c.sets[desc.Serialized] = commandSet{desc: desc, value: value}
	c.mu.Unlock()

	announce(ctx, c.layer, &wire.NewCommandRegistered{Type: desc.Serialized})
	return nil
}

// IsRegistered tells if implementation of the command set is registered.
func (c *CommandCollection) IsRegistered(t wire.SerializedType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, exists := c.sets[t]
	return exists
}

// Types returns registered command sets.
func (c *CommandCollection) Types() []wire.SerializedType {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return sortedTypes(c.sets)
}

func (c *CommandCollection) answerInformationRequest(ctx context.Context, msg wire.Message) {
	if err := c.layer.SendResponseTo(ctx, msg.Sender, msg.ID, &wire.CommandInformationResponse{
		Types: c.Types(),
	}); err != nil {
		logger.Get(ctx).Error("Answering command information request failed", zap.Stringer("endpoint", msg.Sender),
			zap.Error(err))
	}
}

func (c *CommandCollection) commandInvoked(ctx context.Context, msg wire.Message) {
	invocation := msg.Payload.(*wire.CommandInvoked).Invocation

	c.layer.Spawn("command", func(ctx context.Context) error {
		resp := c.execute(ctx, invocation)
		if resp == nil {
			return nil
		}
		if err := c.layer.SendResponseTo(ctx, msg.Sender, msg.ID, resp); err != nil {
			logger.Get(ctx).Error("Sending command result failed", zap.Stringer("endpoint", msg.Sender),
				zap.Stringer("type", invocation.Type), zap.String("method", invocation.Method), zap.Error(err))
		}
		return nil
	})
}

// execute runs the command. It returns nil if command is one-way.
func (c *CommandCollection) execute(ctx context.Context, invocation wire.SerializedMethodInvocation) (resp wire.Payload) {
	c.mu.RLock()
	set, exists := c.sets[invocation.Type]
	c.mu.RUnlock()

	if !exists {
		return failure(errors.Wrapf(ErrCommandNotSupported, "command set %s", invocation.Type))
	}
	md, exists := set.desc.Methods[invocation.Method]
	if !exists {
		return failure(errors.Wrapf(ErrCommandNotSupported, "method %s.%s", invocation.Type, invocation.Method))
	}
	if len(invocation.Parameters) != len(md.Params) {
		return failure(errors.Errorf("method %s.%s expects %d arguments, %d received", invocation.Type,
			invocation.Method, len(md.Params), len(invocation.Parameters)))
	}

	args := make([]reflect.Value, 0, len(md.Params)+1)
	args = append(args, reflect.ValueOf(ctx))
	for i, p := range invocation.Parameters {
		v, err := proxy.DecodeValue(md.Params[i], p)
		if err != nil {
			return failure(errors.Wrapf(err, "decoding argument %d of %s.%s failed", i, invocation.Type,
				invocation.Method))
		}
		args = append(args, v)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Get(ctx).Error("Command panicked", zap.Stringer("type", invocation.Type),
				zap.String("method", invocation.Method), zap.Any("panic", r))
			resp = failure(errors.Errorf("command panicked: %v", r))
			if md.OneWay {
				resp = nil
			}
		}
	}()

	results := set.value.MethodByName(invocation.Method).Call(args)

	switch {
	case md.OneWay:
		return nil
	case md.Result == nil:
		if err, _ := results[0].Interface().(error); err != nil {
			return failure(err)
		}
		return &wire.Success{}
	default:
		if err, _ := results[1].Interface().(error); err != nil {
			return failure(err)
		}
		result, err := proxy.EncodeValue(md.Result, results[0].Interface())
		if err != nil {
			return failure(err)
		}
		return &wire.CommandInvokedResponse{Result: result}
	}
}

func failure(err error) *wire.Failure {
	return &wire.Failure{Error: err.Error()}
}

func announce(ctx context.Context, layer *comm.Layer, payload wire.Payload) {
	if !layer.IsSignedIn() {
		return
	}

	log := logger.Get(ctx)
	for _, endpoint := range layer.KnownEndpoints() {
		if _, err := layer.SendMessageTo(ctx, endpoint, payload); err != nil {
			log.Warn("Announcing registration failed", zap.Stringer("endpoint", endpoint), zap.Error(err))
		}
	}
}

func sortedTypes[T any](sets map[wire.SerializedType]T) []wire.SerializedType {
	types := make([]wire.SerializedType, 0, len(sets))
	for t := range sets {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		return types[i].String() < types[j].String()
	})
	return types
}
