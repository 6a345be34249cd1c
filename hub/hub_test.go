package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/parley/comm"
	"github.com/outofforest/parley/discovery"
	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/proxy"
	"github.com/outofforest/parley/test/sets"
	"github.com/outofforest/parley/transport"
	"github.com/outofforest/parley/transport/inproc"
	"github.com/outofforest/parley/wire"
	"github.com/outofforest/qa"
)

const waitTimeout = 5 * time.Second

var (
	calculatorType = proxy.SerializedTypeOf(proxy.TypeOf[sets.Calculator]())
	tickerType     = proxy.SerializedTypeOf(proxy.TypeOf[sets.Ticker]())
)

type env struct {
	local     *comm.Layer
	remote    *comm.Layer
	discovery *discovery.Manual
}

func newEnv(ctx context.Context, t *testing.T) *env {
	requireT := require.New(t)

	bus := inproc.NewBus()
	m := discovery.NewManual()
	local, err := comm.New(comm.Config{
		Transports: []transport.ChannelType{inproc.New(bus, transport.Config{})},
		Discovery:  []discovery.Source{m},
	})
	requireT.NoError(err)
	remote, err := comm.New(comm.Config{
		Transports: []transport.ChannelType{inproc.New(bus, transport.Config{})},
	})
	requireT.NoError(err)

	requireT.NoError(local.SignIn(ctx))
	requireT.NoError(remote.SignIn(ctx))
	t.Cleanup(func() {
		requireT.NoError(local.SignOut(ctx))
		requireT.NoError(remote.SignOut(ctx))
	})

	return &env{
		local:     local,
		remote:    remote,
		discovery: m,
	}
}

func (e *env) announceRemote(requireT *require.Assertions) {
	info, ok := e.remote.ConnectionInformation(inproc.Tag)
	requireT.True(ok)
	e.discovery.Announce(info)
}

// respond makes remote endpoint answer type enumeration requests.
func (e *env) respond(requireT *require.Assertions, commands, notifications []wire.SerializedType) {
	e.remote.ActOnArrival(func(msg wire.Message) bool {
		switch msg.Payload.(type) {
		case *wire.CommandInformationRequest, *wire.NotificationInformationRequest:
			return true
		default:
			return false
		}
	}, func(ctx context.Context, msg wire.Message) {
		var resp wire.Payload = &wire.CommandInformationResponse{Types: commands}
		if _, ok := msg.Payload.(*wire.NotificationInformationRequest); ok {
			resp = &wire.NotificationInformationResponse{Types: notifications}
		}
		requireT.NoError(e.remote.SendResponseTo(ctx, msg.Sender, msg.ID, resp))
	})
}

type counter struct {
	mu     sync.Mutex
	counts map[id.EndpointID]int
}

func (c *counter) inc(_ context.Context, endpoint id.EndpointID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counts == nil {
		c.counts = map[id.EndpointID]int{}
	}
	c.counts[endpoint]++
}

func (c *counter) get(endpoint id.EndpointID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.counts[endpoint]
}

func TestSignInBuildsProxies(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(ctx, t)
	e.respond(requireT, []wire.SerializedType{calculatorType}, nil)

	h := NewCommandHub(e.local)
	defer h.Close()
	signedIn := &counter{}
	h.OnEndpointSignedIn(signedIn.inc)

	remote := e.remote.LocalEndpoint()
	e.announceRemote(requireT)

	requireT.Eventually(func() bool {
		return h.HasProxiesFor(remote)
	}, waitTimeout, 10*time.Millisecond)
	requireT.False(h.IsPending(remote))
	requireT.Equal(1, signedIn.get(remote))

	p, exists := h.Proxy(remote, calculatorType)
	requireT.True(exists)
	_, ok := p.Value.(sets.Calculator)
	requireT.True(ok)
	requireT.Len(h.Proxies(remote), 1)
	requireT.Contains(h.ProxiesOf(calculatorType), remote)
}

func TestSignOffTearsDownProxies(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(ctx, t)
	e.respond(requireT, []wire.SerializedType{calculatorType}, nil)

	h := NewCommandHub(e.local)
	defer h.Close()
	signedOff := &counter{}
	h.OnEndpointSignedOff(signedOff.inc)

	remote := e.remote.LocalEndpoint()
	e.announceRemote(requireT)
	requireT.Eventually(func() bool {
		return h.HasProxiesFor(remote)
	}, waitTimeout, 10*time.Millisecond)
	p, _ := h.Proxy(remote, calculatorType)

	e.discovery.Withdraw(remote)

	requireT.False(h.HasProxiesFor(remote))
	requireT.Empty(h.Proxies(remote))
	requireT.Equal(1, signedOff.get(remote))

	// Released proxy refuses to send.
	requireT.ErrorIs(p.Value.(sets.Calculator).Reset(ctx), proxy.ErrRemoteOperationFailed)
}

func TestUnknownTypeLeavesEndpointWithoutProxies(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(ctx, t)
	e.respond(requireT, []wire.SerializedType{
		calculatorType,
		{Package: "example.com/missing", Name: "Set"},
	}, nil)

	h := NewCommandHub(e.local)
	defer h.Close()

	remote := e.remote.LocalEndpoint()
	e.announceRemote(requireT)

	requireT.Eventually(func() bool {
		return !h.IsPending(remote)
	}, waitTimeout, 10*time.Millisecond)
	requireT.False(h.HasProxiesFor(remote))
}

func TestAnnouncedTypeIsAdded(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(ctx, t)
	e.respond(requireT, nil, nil)

	h := NewCommandHub(e.local)
	defer h.Close()
	signedIn := &counter{}
	h.OnEndpointSignedIn(signedIn.inc)

	var mu sync.Mutex
	var added []wire.SerializedType
	h.OnProxyAdded(func(ctx context.Context, a Added[*proxy.CommandProxy]) {
		mu.Lock()
		defer mu.Unlock()

		added = append(added, a.Type)
	})

	remote := e.remote.LocalEndpoint()
	e.announceRemote(requireT)
	requireT.Eventually(func() bool {
		return !h.IsPending(remote)
	}, waitTimeout, 10*time.Millisecond)
	requireT.False(h.HasProxiesFor(remote))

	_, err := e.remote.SendMessageTo(ctx, e.local.LocalEndpoint(), &wire.NewCommandRegistered{Type: calculatorType})
	requireT.NoError(err)

	requireT.Eventually(func() bool {
		return h.HasProxiesFor(remote)
	}, waitTimeout, 10*time.Millisecond)
	requireT.Equal(1, signedIn.get(remote))

	mu.Lock()
	defer mu.Unlock()
	requireT.Equal([]wire.SerializedType{calculatorType}, added)
}

func TestNotificationsAreDispatched(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(ctx, t)
	e.respond(requireT, nil, []wire.SerializedType{tickerType})

	registered := make(chan wire.SerializedEvent, 1)
	e.remote.ActOnArrival(func(msg wire.Message) bool {
		_, ok := msg.Payload.(*wire.RegisterForNotification)
		return ok
	}, func(ctx context.Context, msg wire.Message) {
		registered <- msg.Payload.(*wire.RegisterForNotification).Event
	})

	h := NewNotificationHub(e.local)
	defer h.Close()

	remote := e.remote.LocalEndpoint()
	e.announceRemote(requireT)
	requireT.Eventually(func() bool {
		return h.HasProxiesFor(remote)
	}, waitTimeout, 10*time.Millisecond)

	p, exists := h.Proxy(remote, tickerType)
	requireT.True(exists)
	ticks := make(chan uint64, 1)
	p.Value.(sets.Ticker).OnTick().Subscribe(func(args sets.TickArgs) {
		ticks <- args.Seq
	})

	var event wire.SerializedEvent
	select {
	case event = <-registered:
	case <-time.After(waitTimeout):
		requireT.Fail("registration not received")
	}
	requireT.Equal(wire.SerializedEvent{Type: tickerType, Event: "OnTick"}, event)

	args, err := cbor.Marshal(sets.TickArgs{Seq: 3})
	requireT.NoError(err)
	_, err = e.remote.SendMessageTo(ctx, e.local.LocalEndpoint(), &wire.NotificationRaised{
		Event: event,
		Args:  args,
	})
	requireT.NoError(err)

	select {
	case seq := <-ticks:
		requireT.EqualValues(3, seq)
	case <-time.After(waitTimeout):
		requireT.Fail("notification not received")
	}
}

func TestStaleEnumerationKeepsPendingMark(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	// Layer is not signed in so every enumeration fails.
	layer, err := comm.New(comm.Config{
		Transports: []transport.ChannelType{inproc.New(inproc.NewBus(), transport.Config{})},
	})
	requireT.NoError(err)
	h := NewCommandHub(layer)
	t.Cleanup(h.Close)

	endpoint, err := id.NewEndpointID()
	requireT.NoError(err)

	first, ok := h.begin(endpoint)
	requireT.True(ok)
	h.endpointSignedOut(ctx, endpoint)
	requireT.False(h.IsPending(endpoint))

	second, ok := h.begin(endpoint)
	requireT.True(ok)
	requireT.NotEqual(first, second)

	h.enumerate(ctx, endpoint, first)
	requireT.True(h.IsPending(endpoint))

	h.enumerate(ctx, endpoint, second)
	requireT.False(h.IsPending(endpoint))
}
