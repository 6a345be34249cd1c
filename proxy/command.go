package proxy

import (
	"context"
	"reflect"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/wire"
)

var (
	// ErrCommandInvocationFailed is returned if remote implementation of the command failed.
	ErrCommandInvocationFailed = errors.New("command invocation failed")

	// ErrRemoteOperationFailed is returned if remote endpoint didn't respond as expected.
	ErrRemoteOperationFailed = errors.New("remote operation failed")
)

// Requester sends messages to remote endpoints.
type Requester interface {
	SendMessageTo(ctx context.Context, endpoint id.EndpointID, payload wire.Payload) (wire.Message, error)
	Request(ctx context.Context, endpoint id.EndpointID, payload wire.Payload) (wire.Message, error)
}

// CommandInvoker sends invocations of command set methods to the endpoint implementing it.
type CommandInvoker struct {
	requester Requester
	endpoint  id.EndpointID
	desc      *CommandSetDescriptor
	released  atomic.Bool
}

// NewCommandInvoker creates invoker of the command set implemented by the endpoint.
func NewCommandInvoker(requester Requester, endpoint id.EndpointID, desc *CommandSetDescriptor) *CommandInvoker {
	return &CommandInvoker{
		requester: requester,
		endpoint:  endpoint,
		desc:      desc,
	}
}

// Endpoint returns the endpoint executing commands.
func (ci *CommandInvoker) Endpoint() id.EndpointID {
	return ci.endpoint
}

// Release makes all the future invocations fail.
func (ci *CommandInvoker) Release() {
	ci.released.Store(true)
}

// Invoke invokes method returning no value.
func Invoke(ctx context.Context, ci *CommandInvoker, method string, args ...any) error {
	resp, err := ci.request(ctx, method, args)
	if err != nil {
		return err
	}

	switch p := resp.Payload.(type) {
	case *wire.Success, *wire.CommandInvokedResponse:
		return nil
	case *wire.Failure:
		return errors.Wrapf(ErrCommandInvocationFailed, "%s.%s: %s", ci.desc.Serialized, method, p.Error)
	default:
		return errors.Wrapf(ErrRemoteOperationFailed, "%s.%s: unexpected response %T", ci.desc.Serialized, method,
			resp.Payload)
	}
}

// InvokeWithResult invokes method returning value of type T.
func InvokeWithResult[T any](ctx context.Context, ci *CommandInvoker, method string, args ...any) (T, error) {
	var result T

	resp, err := ci.request(ctx, method, args)
	if err != nil {
		return result, err
	}

	switch p := resp.Payload.(type) {
	case *wire.CommandInvokedResponse:
		if err := cbor.Unmarshal(p.Result.Value, &result); err != nil {
			return result, errors.Wrapf(ErrRemoteOperationFailed, "%s.%s: decoding result failed: %s",
				ci.desc.Serialized, method, err)
		}
		return result, nil
	case *wire.Failure:
		return result, errors.Wrapf(ErrCommandInvocationFailed, "%s.%s: %s", ci.desc.Serialized, method, p.Error)
	default:
		return result, errors.Wrapf(ErrRemoteOperationFailed, "%s.%s: unexpected response %T",
			ci.desc.Serialized, method, resp.Payload)
	}
}

// InvokeOneWay invokes method without waiting for its completion.
func InvokeOneWay(ctx context.Context, ci *CommandInvoker, method string, args ...any) {
	invocation, err := ci.invocation(method, args)
	if err == nil {
		_, err = ci.requester.SendMessageTo(ctx, ci.endpoint, &wire.CommandInvoked{Invocation: invocation})
	}
	if err != nil {
		logger.Get(ctx).Error("One-way command not sent", zap.Stringer("endpoint", ci.endpoint),
			zap.Stringer("type", ci.desc.Serialized), zap.String("method", method), zap.Error(err))
	}
}

func (ci *CommandInvoker) request(ctx context.Context, method string, args []any) (wire.Message, error) {
	invocation, err := ci.invocation(method, args)
	if err != nil {
		return wire.Message{}, err
	}

	resp, err := ci.requester.Request(ctx, ci.endpoint, &wire.CommandInvoked{Invocation: invocation})
	if err != nil {
		return wire.Message{}, errors.Wrapf(err, "invoking %s.%s on %s", ci.desc.Serialized, method, ci.endpoint)
	}
	return resp, nil
}

func (ci *CommandInvoker) invocation(method string, args []any) (wire.SerializedMethodInvocation, error) {
	if ci.released.Load() {
		return wire.SerializedMethodInvocation{}, errors.Wrapf(ErrRemoteOperationFailed,
			"proxy of %s on %s has been released", ci.desc.Serialized, ci.endpoint)
	}

	md, exists := ci.desc.Methods[method]
	if !exists {
		return wire.SerializedMethodInvocation{}, errors.Errorf("method %s does not exist in %s", method,
			ci.desc.Serialized)
	}
	if len(args) != len(md.Params) {
		return wire.SerializedMethodInvocation{}, errors.Errorf("method %s.%s expects %d arguments, %d given",
			ci.desc.Serialized, method, len(md.Params), len(args))
	}

	invocation := wire.SerializedMethodInvocation{
		Type:       ci.desc.Serialized,
		Method:     method,
		Parameters: make([]wire.SerializedParameter, 0, len(args)),
	}
	for i, arg := range args {
		p, err := EncodeValue(md.Params[i], arg)
		if err != nil {
			return wire.SerializedMethodInvocation{}, err
		}
		invocation.Parameters = append(invocation.Parameters, p)
	}
	return invocation, nil
}

// EncodeValue serializes the value of type t.
func EncodeValue(t reflect.Type, v any) (wire.SerializedParameter, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return wire.SerializedParameter{}, errors.WithStack(err)
	}
	return wire.SerializedParameter{
		Type:  t.String(),
		Value: data,
	}, nil
}

// DecodeValue deserializes value of type t.
func DecodeValue(t reflect.Type, p wire.SerializedParameter) (reflect.Value, error) {
	if p.Type != t.String() {
		return reflect.Value{}, errors.Errorf("value of type %s expected, %s received", t, p.Type)
	}
	v := reflect.New(t)
	if err := cbor.Unmarshal(p.Value, v.Interface()); err != nil {
		return reflect.Value{}, errors.WithStack(err)
	}
	return v.Elem(), nil
}
