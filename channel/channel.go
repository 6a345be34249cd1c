package channel

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/internal/observers"
	"github.com/outofforest/parley/transport"
	"github.com/outofforest/parley/wire"
)

const restoreRetryDelay = time.Second

var (
	// ErrFailedToSend is returned if message could not be delivered to the remote endpoint.
	ErrFailedToSend = errors.New("failed to send message")

	// ErrChannelClosed is returned when operation requires open channel.
	ErrChannelClosed = errors.New("channel closed")
)

// Channel owns the receiving host of one transport and outbound links to remote endpoints.
type Channel struct {
	chType    transport.ChannelType
	local     id.EndpointID
	onReceive transport.Handler
	closed    observers.Registry[wire.ChannelConnectionInformation]

	mu       sync.Mutex
	listener *listener
	info     wire.ChannelConnectionInformation
	remotes  map[id.EndpointID]wire.ChannelConnectionInformation
	senders  map[id.EndpointID]*RestoringSender
}

// New creates channel of the transport. Inbound messages are passed to onReceive.
func New(chType transport.ChannelType, local id.EndpointID, onReceive transport.Handler) *Channel {
	return &Channel{
		chType:    chType,
		local:     local,
		onReceive: onReceive,
		remotes:   map[id.EndpointID]wire.ChannelConnectionInformation{},
		senders:   map[id.EndpointID]*RestoringSender{},
	}
}

// Tag returns the name of the transport.
func (c *Channel) Tag() transport.Tag {
	return c.chType.Tag()
}

// Open starts receiving host. If channel is already open, host is restarted and outbound links are
// recreated on next send.
func (c *Channel) Open(ctx context.Context) (wire.ChannelConnectionInformation, error) {
	c.mu.Lock()
	old := c.listener
	senders := c.senders
	c.listener = nil
	c.senders = map[id.EndpointID]*RestoringSender{}
	c.mu.Unlock()

	// Senders live in the context of the listener group.
	for _, s := range senders {
		s.Dispose()
	}
	if old != nil {
		old.stop()
	}

	uri, err := c.chType.NewChannelURI()
	if err != nil {
		return wire.ChannelConnectionInformation{}, err
	}

	group := parallel.NewGroup(ctx)
	host, err := c.chType.Listen(group.Context(), c.local, uri, c.onReceive)
	if err != nil {
		group.Exit(nil)
		_ = group.Wait()
		return wire.ChannelConnectionInformation{}, err
	}

	l := &listener{
		group: group,
		host:  host,
	}
	group.Spawn("watchdog", parallel.Continue, func(ctx context.Context) error {
		c.watch(ctx, l)
		return nil
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	c.listener = l
	c.info = wire.ChannelConnectionInformation{
		Endpoint:    c.local,
		ChannelType: c.chType.Tag(),
		Address:     host.Address(),
	}
	return c.info, nil
}

// ConnectionInformation returns information used by remote endpoints to reach this channel.
func (c *Channel) ConnectionInformation() (wire.ChannelConnectionInformation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.info, c.listener != nil
}

// IsOpen tells if channel is open.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.listener != nil
}

// ConnectTo records where the remote endpoint is reachable. Existing record is replaced.
func (c *Channel) ConnectTo(info wire.ChannelConnectionInformation) error {
	if info.ChannelType != c.chType.Tag() {
		return errors.Errorf("channel of type %q can't connect to %q", c.chType.Tag(), info.ChannelType)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listener == nil {
		return errors.WithStack(ErrChannelClosed)
	}

	if existing, exists := c.remotes[info.Endpoint]; exists && existing == info {
		return nil
	}
	c.remotes[info.Endpoint] = info
	if s := c.senders[info.Endpoint]; s != nil {
		delete(c.senders, info.Endpoint)
		s.Dispose()
	}
	return nil
}

// IsConnectedTo tells if the remote endpoint is known to the channel.
func (c *Channel) IsConnectedTo(endpoint id.EndpointID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.remotes[endpoint]
	return exists
}

// RemoteInformation returns connection information recorded for the remote endpoint.
func (c *Channel) RemoteInformation(endpoint id.EndpointID) (wire.ChannelConnectionInformation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, exists := c.remotes[endpoint]
	return info, exists
}

// DisconnectFrom forgets the remote endpoint and closes outbound link to it.
func (c *Channel) DisconnectFrom(endpoint id.EndpointID) {
	c.mu.Lock()
	s := c.senders[endpoint]
	delete(c.senders, endpoint)
	delete(c.remotes, endpoint)
	c.mu.Unlock()

	if s != nil {
		s.Dispose()
	}
}

// Send sends message to the remote endpoint. Outbound link is created on first use.
func (c *Channel) Send(ctx context.Context, endpoint id.EndpointID, msg wire.Message) error {
	s, err := c.sender(endpoint)
	if err != nil {
		return err
	}
	return s.Send(ctx, msg)
}

// OnClosed registers callback called when channel is closed.
func (c *Channel) OnClosed(fn func(ctx context.Context, info wire.ChannelConnectionInformation)) func() {
	return c.closed.Subscribe(fn)
}

// Close notifies every connected endpoint, stops the host and drops all the outbound links.
func (c *Channel) Close(ctx context.Context) {
	c.mu.Lock()
	l := c.listener
	if l == nil {
		c.mu.Unlock()
		return
	}
	c.listener = nil
	info := c.info
	senders := c.senders
	c.senders = map[id.EndpointID]*RestoringSender{}
	c.remotes = map[id.EndpointID]wire.ChannelConnectionInformation{}
	c.mu.Unlock()

	log := logger.Get(ctx)
	for endpoint, s := range senders {
		sendCtx, cancel := context.WithTimeout(ctx, c.chType.Config().ReceiveTimeout)
		err := s.Send(sendCtx, wire.NewMessage(c.local, "", id.None, &wire.EndpointDisconnect{}))
		cancel()
		if err != nil {
			log.Debug("Disconnect notification not delivered", zap.Stringer("endpoint", endpoint), zap.Error(err))
		}
		s.Dispose()
	}

	l.stop()

	c.closed.Notify(ctx, info)
}

// PrepareForDataReception prepares to receive a byte stream appended to the local file.
func (c *Channel) PrepareForDataReception(
	ctx context.Context,
	localFile string,
	progress transport.Progress,
) (transport.Reception, error) {
	return c.chType.PrepareForDataReception(ctx, localFile, progress)
}

// TransferData sends the local file to the reception waiting on the address.
func (c *Channel) TransferData(ctx context.Context, address, localFile string, progress transport.Progress) error {
	return c.chType.TransferData(ctx, address, localFile, progress)
}

func (c *Channel) sender(endpoint id.EndpointID) (*RestoringSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listener == nil {
		return nil, errors.WithStack(ErrChannelClosed)
	}
	if s := c.senders[endpoint]; s != nil {
		return s, nil
	}
	info, exists := c.remotes[endpoint]
	if !exists {
		return nil, errors.Wrapf(ErrFailedToSend, "endpoint %s is not connected", endpoint)
	}
	s := NewRestoringSender(c.listener.group.Context(), c.chType, c.local, info)
	c.senders[endpoint] = s
	return s, nil
}

func (c *Channel) watch(ctx context.Context, l *listener) {
	log := logger.Get(ctx).With(zap.String("transport", string(c.chType.Tag())))
	host := l.current()
	address := host.Address()

	for {
		select {
		case <-ctx.Done():
			return
		case <-host.Done():
		}

		if host.Err() == nil {
			return
		}
		log.Warn("Host faulted, restoring", zap.String("address", address), zap.Error(host.Err()))

		for {
			var err error
			host, err = c.chType.Listen(ctx, c.local, address, c.onReceive)
			if err == nil {
				break
			}

			log.Error("Restoring host failed", zap.String("address", address), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(restoreRetryDelay):
			}
		}
		l.replace(host)

		log.Info("Host restored", zap.String("address", address))
	}
}

type listener struct {
	group *parallel.Group

	mu   sync.Mutex
	host transport.Host
}

func (l *listener) current() transport.Host {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.host
}

func (l *listener) replace(host transport.Host) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.host = host
}

func (l *listener) stop() {
	l.group.Exit(nil)
	_ = l.group.Wait()
	_ = l.current().Close()
}
