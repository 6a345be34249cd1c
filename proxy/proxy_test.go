package proxy_test

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/proxy"
	"github.com/outofforest/parley/test/sets"
	"github.com/outofforest/parley/wire"
	"github.com/outofforest/qa"
)

type fakeRequester struct {
	respond func(payload wire.Payload) (wire.Payload, error)

	mu   sync.Mutex
	sent []wire.Payload
}

func (r *fakeRequester) SendMessageTo(
	_ context.Context,
	endpoint id.EndpointID,
	payload wire.Payload,
) (wire.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sent = append(r.sent, payload)
	return wire.NewMessage(endpoint, "", id.None, payload), nil
}

func (r *fakeRequester) Request(
	ctx context.Context,
	endpoint id.EndpointID,
	payload wire.Payload,
) (wire.Message, error) {
	msg, _ := r.SendMessageTo(ctx, endpoint, payload)
	resp, err := r.respond(payload)
	if err != nil {
		return wire.Message{}, err
	}
	return wire.NewMessage(endpoint, "", msg.ID, resp), nil
}

func (r *fakeRequester) payloads() []wire.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]wire.Payload{}, r.sent...)
}

func newEndpoint(requireT *require.Assertions) id.EndpointID {
	e, err := id.NewEndpointID()
	requireT.NoError(err)
	return e
}

func encode(requireT *require.Assertions, v any) []byte {
	data, err := cbor.Marshal(v)
	requireT.NoError(err)
	return data
}

func respondWith(payload wire.Payload) func(wire.Payload) (wire.Payload, error) {
	return func(wire.Payload) (wire.Payload, error) {
		return payload, nil
	}
}

func buildCalculator(
	requireT *require.Assertions,
	requester proxy.Requester,
	endpoint id.EndpointID,
) (sets.Calculator, *proxy.CommandProxy) {
	p, err := proxy.BuildCommandProxy(requester, endpoint,
		proxy.SerializedTypeOf(proxy.TypeOf[sets.Calculator]()))
	requireT.NoError(err)
	calc, ok := p.Value.(sets.Calculator)
	requireT.True(ok)
	return calc, p
}

func TestCommandRoundTripSuccess(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := &fakeRequester{
		respond: respondWith(&wire.CommandInvokedResponse{
			Result: wire.SerializedParameter{Type: "int", Value: encode(requireT, 5)},
		}),
	}
	endpoint := newEndpoint(requireT)
	calc, _ := buildCalculator(requireT, r, endpoint)

	sum, err := calc.Add(ctx, 2, 3)
	requireT.NoError(err)
	requireT.Equal(5, sum)

	sent := r.payloads()
	requireT.Len(sent, 1)
	invoked, ok := sent[0].(*wire.CommandInvoked)
	requireT.True(ok)
	requireT.Equal(wire.SerializedType{
		Package: "github.com/outofforest/parley/test/sets",
		Name:    "Calculator",
	}, invoked.Invocation.Type)
	requireT.Equal("Add", invoked.Invocation.Method)
	requireT.Equal([]wire.SerializedParameter{
		{Type: "int", Value: encode(requireT, 2)},
		{Type: "int", Value: encode(requireT, 3)},
	}, invoked.Invocation.Parameters)
}

func TestCommandStructResult(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := &fakeRequester{
		respond: respondWith(&wire.CommandInvokedResponse{
			Result: wire.SerializedParameter{Type: "sets.Point", Value: encode(requireT, sets.Point{X: 2, Y: 4})},
		}),
	}
	calc, _ := buildCalculator(requireT, r, newEndpoint(requireT))

	p, err := calc.Scale(ctx, sets.Point{X: 1, Y: 2}, 2)
	requireT.NoError(err)
	requireT.Equal(sets.Point{X: 2, Y: 4}, p)

	invoked := r.payloads()[0].(*wire.CommandInvoked)
	requireT.Equal("sets.Point", invoked.Invocation.Parameters[0].Type)
}

func TestCommandWithoutResult(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	calc, _ := buildCalculator(requireT, &fakeRequester{respond: respondWith(&wire.Success{})},
		newEndpoint(requireT))
	requireT.NoError(calc.Reset(ctx))
}

func TestCommandRoundTripFailure(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	calc, _ := buildCalculator(requireT, &fakeRequester{respond: respondWith(&wire.Failure{Error: "boom"})},
		newEndpoint(requireT))

	requireT.ErrorIs(calc.Reset(ctx), proxy.ErrCommandInvocationFailed)
	_, err := calc.Add(ctx, 1, 1)
	requireT.ErrorIs(err, proxy.ErrCommandInvocationFailed)
	requireT.ErrorContains(err, "boom")
}

func TestCommandUnexpectedResponse(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	calc, _ := buildCalculator(requireT, &fakeRequester{respond: respondWith(&wire.Success{})},
		newEndpoint(requireT))
	_, err := calc.Add(ctx, 1, 1)
	requireT.ErrorIs(err, proxy.ErrRemoteOperationFailed)

	calc, _ = buildCalculator(requireT,
		&fakeRequester{respond: respondWith(&wire.CommandInformationRequest{})},
		newEndpoint(requireT))
	requireT.ErrorIs(calc.Reset(ctx), proxy.ErrRemoteOperationFailed)
}

func TestCommandTransportFailure(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	calc, _ := buildCalculator(requireT, &fakeRequester{respond: func(wire.Payload) (wire.Payload, error) {
		return nil, context.DeadlineExceeded
	}}, newEndpoint(requireT))
	requireT.ErrorIs(calc.Reset(ctx), context.DeadlineExceeded)
}

func TestOneWayCommand(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := &fakeRequester{}
	calc, _ := buildCalculator(requireT, r, newEndpoint(requireT))
	calc.Ping(ctx, "hello")

	sent := r.payloads()
	requireT.Len(sent, 1)
	invoked := sent[0].(*wire.CommandInvoked)
	requireT.Equal("Ping", invoked.Invocation.Method)
	requireT.Equal([]wire.SerializedParameter{{Type: "string", Value: encode(requireT, "hello")}},
		invoked.Invocation.Parameters)
}

func TestReleasedCommandProxy(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := &fakeRequester{respond: respondWith(&wire.Success{})}
	calc, p := buildCalculator(requireT, r, newEndpoint(requireT))
	p.Release()

	requireT.ErrorIs(calc.Reset(ctx), proxy.ErrRemoteOperationFailed)
	requireT.Empty(r.payloads())
}

func TestUnknownProxyType(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	_, err := proxy.BuildCommandProxy(&fakeRequester{}, newEndpoint(requireT),
		wire.SerializedType{Package: "example.com/missing", Name: "Calculator"})
	requireT.ErrorIs(err, proxy.ErrUnableToLoadProxyType)

	_, err = proxy.BuildNotificationProxy(ctx, &fakeRequester{}, newEndpoint(requireT),
		proxy.SerializedTypeOf(proxy.TypeOf[sets.Calculator]()))
	requireT.ErrorIs(err, proxy.ErrUnableToLoadProxyType)
}

func TestNotificationSubscriptions(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := &fakeRequester{}
	endpoint := newEndpoint(requireT)
	setType := proxy.SerializedTypeOf(proxy.TypeOf[sets.Ticker]())
	p, err := proxy.BuildNotificationProxy(ctx, r, endpoint, setType)
	requireT.NoError(err)
	ticker := p.Value.(sets.Ticker)

	var mu sync.Mutex
	var ticks1, ticks2 []uint64
	var senders []id.EndpointID
	unsubscribe1 := ticker.OnTick().Subscribe(func(args sets.TickArgs) {
		mu.Lock()
		defer mu.Unlock()

		ticks1 = append(ticks1, args.Seq)
	})
	unsubscribe2 := ticker.OnTick().SubscribeFrom(func(sender id.EndpointID, args sets.TickArgs) {
		mu.Lock()
		defer mu.Unlock()

		ticks2 = append(ticks2, args.Seq)
		senders = append(senders, sender)
	})

	event := wire.SerializedEvent{Type: setType, Event: "OnTick"}
	requireT.Equal([]wire.Payload{&wire.RegisterForNotification{Event: event}}, r.payloads())

	requireT.NoError(p.Dispatch(endpoint, &wire.NotificationRaised{
		Event: event,
		Args:  encode(requireT, sets.TickArgs{Seq: 7, At: time.Unix(100, 0)}),
	}))
	requireT.Equal([]uint64{7}, ticks1)
	requireT.Equal([]uint64{7}, ticks2)
	requireT.Equal([]id.EndpointID{endpoint}, senders)

	unsubscribe1()
	unsubscribe1()
	requireT.Len(r.payloads(), 1)

	unsubscribe2()
	requireT.Equal([]wire.Payload{
		&wire.RegisterForNotification{Event: event},
		&wire.UnregisterFromNotification{Event: event},
	}, r.payloads())

	requireT.Error(p.Dispatch(endpoint, &wire.NotificationRaised{
		Event: wire.SerializedEvent{Type: setType, Event: "OnMissing"},
	}))
}

func TestReleasedNotificationProxy(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := &fakeRequester{}
	setType := proxy.SerializedTypeOf(proxy.TypeOf[sets.Ticker]())
	p, err := proxy.BuildNotificationProxy(ctx, r, newEndpoint(requireT), setType)
	requireT.NoError(err)
	p.Release()

	ticker := p.Value.(sets.Ticker)
	var stopped bool
	ticker.OnStop().Subscribe(func(reason string) {
		stopped = true
	})
	requireT.Empty(r.payloads())

	requireT.NoError(p.Dispatch(newEndpoint(requireT), &wire.NotificationRaised{
		Event: wire.SerializedEvent{Type: setType, Event: "OnStop"},
		Args:  encode(requireT, "done"),
	}))
	requireT.False(stopped)
}

func TestLocalEvent(t *testing.T) {
	requireT := require.New(t)

	e := proxy.NewEvent[int]()
	var sum int
	unsubscribe := e.Subscribe(func(v int) {
		sum += v
	})
	e.Raise(2)
	e.Raise(3)
	requireT.Equal(5, sum)
	requireT.Equal(1, e.Subscribers())
	requireT.Equal(reflect.TypeOf(0), e.ArgsType())

	unsubscribe()
	e.Raise(3)
	requireT.Equal(5, sum)
	requireT.Zero(e.Subscribers())
}
