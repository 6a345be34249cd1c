package inproc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/transport"
	"github.com/outofforest/parley/wire"
)

// Tag is the name of the transport.
const Tag transport.Tag = "inproc"

const queueSize = 100

var (
	// ErrNoHost is returned if nothing listens on the address.
	ErrNoHost = errors.New("no host listening on address")

	// ErrHostFaulted is the reason of hosts stopped by Bus.Fault.
	ErrHostFaulted = errors.New("host faulted")

	errHostStopped = errors.New("host stopped")
)

// Bus connects hosts of one process.
type Bus struct {
	mu         sync.RWMutex
	hosts      map[string]*host
	receptions map[string]*reception
}

// NewBus creates new bus.
func NewBus() *Bus {
	return &Bus{
		hosts:      map[string]*host{},
		receptions: map[string]*reception{},
	}
}

// Fault stops the host listening on the address with an error.
func (b *Bus) Fault(address string) bool {
	h := b.host(address)
	if h == nil {
		return false
	}
	h.shutdown(ErrHostFaulted)
	return true
}

func (b *Bus) host(address string) *host {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.hosts[address]
}

func (b *Bus) addHost(h *host) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.hosts[h.address]; exists {
		return errors.Errorf("address %q is already in use", h.address)
	}
	b.hosts[h.address] = h
	return nil
}

func (b *Bus) removeHost(h *host) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hosts[h.address] == h {
		delete(b.hosts, h.address)
	}
}

// ChannelType is the in-process transport.
type ChannelType struct {
	bus    *Bus
	config transport.Config
}

// New creates in-process transport attached to the bus.
func New(bus *Bus, config transport.Config) *ChannelType {
	return &ChannelType{
		bus:    bus,
		config: config.WithDefaults("parley"),
	}
}

// Tag returns the name of the transport.
func (ct *ChannelType) Tag() transport.Tag {
	return Tag
}

// Config returns the binding configuration.
func (ct *ChannelType) Config() transport.Config {
	return ct.config
}

// NewChannelURI generates fresh address to listen on.
func (ct *ChannelType) NewChannelURI() (string, error) {
	sub := ct.config.SubAddress
	if sub == "" {
		sub = ct.NewSubAddress()
	}
	return ct.config.BaseAddress + "/" + sub, nil
}

// NewSubAddress generates fresh sub-address.
func (ct *ChannelType) NewSubAddress() string {
	return uuid.NewString()
}

// Listen starts host receiving messages on the uri.
func (ct *ChannelType) Listen(
	ctx context.Context,
	local id.EndpointID,
	uri string,
	handler transport.Handler,
) (transport.Host, error) {
	h := &host{
		bus:     ct.bus,
		address: uri,
		local:   local,
		handler: handler,
		queue:   make(chan wire.Message, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := ct.bus.addHost(h); err != nil {
		return nil, err
	}

	go h.run(ctx)
	return h, nil
}

// Dial creates connection to the remote host.
func (ct *ChannelType) Dial(
	_ context.Context,
	_ id.EndpointID,
	info wire.ChannelConnectionInformation,
) (transport.Conn, error) {
	if info.ChannelType != Tag {
		return nil, errors.Errorf("unsupported channel type %q", info.ChannelType)
	}

	c := &conn{
		bus:      ct.bus,
		address:  info.Address,
		endpoint: info.Endpoint,
	}
	c.state.Store(int32(transport.StateOpen))
	return c, nil
}

type host struct {
	bus     *Bus
	address string
	local   id.EndpointID
	handler transport.Handler
	queue   chan wire.Message

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	err      error
}

func (h *host) Address() string {
	return h.address
}

func (h *host) Done() <-chan struct{} {
	return h.done
}

func (h *host) Err() error {
	return h.err
}

func (h *host) Close() error {
	h.shutdown(nil)
	return nil
}

func (h *host) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown(nil)
			return
		case <-h.stop:
			return
		case msg := <-h.queue:
			h.handler(ctx, msg)
		}
	}
}

func (h *host) deliver(ctx context.Context, msg wire.Message) error {
	select {
	case <-h.stop:
		return errors.WithStack(errHostStopped)
	default:
	}

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-h.stop:
		return errors.WithStack(errHostStopped)
	case h.queue <- msg:
		return nil
	}
}

func (h *host) shutdown(err error) {
	h.stopOnce.Do(func() {
		h.err = err
		h.bus.removeHost(h)
		close(h.stop)
	})
}

type conn struct {
	bus      *Bus
	address  string
	endpoint id.EndpointID
	state    atomic.Int32
}

func (c *conn) Send(ctx context.Context, msg wire.Message) error {
	if c.State() == transport.StateClosed {
		return errors.Wrap(transport.ErrConnectionFaulted, "connection closed")
	}

	h := c.bus.host(c.address)
	if h == nil {
		c.state.CompareAndSwap(int32(transport.StateOpen), int32(transport.StateFaulted))
		return errors.Wrapf(ErrNoHost, "address %q", c.address)
	}
	if h.local != c.endpoint {
		return errors.Errorf("host at %q belongs to %s, expected %s", c.address, h.local, c.endpoint)
	}

	// Payload goes through the codec so both sides never share values.
	data, err := wire.EncodePayload(msg.Payload)
	if err != nil {
		return err
	}
	msg.Header.Kind = msg.Payload.Kind()
	msg.Payload, err = wire.DecodePayload(msg.Header.Kind, data)
	if err != nil {
		return err
	}

	if err := h.deliver(ctx, msg); err != nil {
		if errors.Is(err, errHostStopped) {
			c.state.CompareAndSwap(int32(transport.StateOpen), int32(transport.StateFaulted))
			return errors.Wrapf(transport.ErrRemoteFault, "host at %q stopped", c.address)
		}
		return err
	}
	return nil
}

func (c *conn) State() transport.State {
	return transport.State(c.state.Load())
}

func (c *conn) Close() error {
	c.state.Store(int32(transport.StateClosed))
	return nil
}
