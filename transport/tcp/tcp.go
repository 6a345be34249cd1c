package tcp

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/transport"
	"github.com/outofforest/parley/wire"
	"github.com/outofforest/resonance"
)

// Tag is the name of the transport.
const Tag transport.Tag = "tcp"

var (
	errSameEndpoint    = errors.New("connected to myself")
	errTooManyConns    = errors.New("too many connections")
	errUnexpectedHello = errors.New("hello message expected")
)

// ChannelType is the TCP transport.
type ChannelType struct {
	config transport.Config
}

// New creates TCP transport.
func New(config transport.Config) *ChannelType {
	return &ChannelType{
		config: config.WithDefaults("127.0.0.1"),
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

// NewChannelURI generates address to listen on.
func (ct *ChannelType) NewChannelURI() (string, error) {
	return net.JoinHostPort(ct.config.BaseAddress, strconv.Itoa(int(ct.config.Port))), nil
}

// NewSubAddress generates fresh sub-address. TCP addresses have no local part so it is informational only.
func (ct *ChannelType) NewSubAddress() string {
	return uuid.NewString()
}

func (ct *ChannelType) resonanceConfig() resonance.Config {
	return resonance.Config{
		MaxMessageSize: ct.config.MaxMessageSize,
	}
}

// Listen starts host receiving messages on the uri.
func (ct *ChannelType) Listen(
	ctx context.Context,
	local id.EndpointID,
	uri string,
	handler transport.Handler,
) (transport.Host, error) {
	ls, err := net.Listen("tcp", uri)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &host{
		address: ls.Addr().String(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	connSem := make(chan struct{}, ct.config.MaxConnections)
	go func() {
		defer close(h.done)

		err := resonance.RunServer(ctx, ls, ct.resonanceConfig(),
			func(ctx context.Context, c *resonance.Connection) error {
				select {
				case connSem <- struct{}{}:
				default:
					c.Close()
					return errors.WithStack(errTooManyConns)
				}
				defer func() {
					<-connSem
				}()

				return ct.runInboundConn(ctx, local, c, handler)
			})
		if ctx.Err() == nil {
			if err == nil {
				err = errors.New("listener stopped unexpectedly")
			}
			h.err = err
		}
	}()

	return h, nil
}

func (ct *ChannelType) runInboundConn(
	ctx context.Context,
	local id.EndpointID,
	c *resonance.Connection,
	handler transport.Handler,
) error {
	m := wire.NewMarshaller()

	remote, err := ct.handshake(c, m, local)
	if err != nil {
		return err
	}

	log := logger.Get(ctx).With(zap.Stringer("remote", remote))

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			for {
				msg, err := c.ReceiveProton(m)
				if err != nil {
					return err
				}

				header, ok := msg.(*wire.Header)
				if !ok {
					return errors.New("header message expected")
				}

				content, err := c.ReceiveBytes()
				if err != nil {
					return err
				}

				payload, err := wire.DecodePayload(header.Kind, content)
				if err != nil {
					log.Error("Dropping undecodable message", zap.Stringer("id", header.ID), zap.Error(err))
					continue
				}

				handler(ctx, wire.Message{
					Header:  *header,
					Payload: payload,
				})
			}
		})
		spawn("closer", parallel.Continue, func(ctx context.Context) error {
			<-ctx.Done()
			c.Close()
			return errors.WithStack(ctx.Err())
		})

		return nil
	})
}

func (ct *ChannelType) handshake(c *resonance.Connection, m wire.Marshaller, local id.EndpointID) (id.EndpointID, error) {
	timer := time.AfterFunc(ct.config.ReceiveTimeout, func() {
		c.Close()
	})
	defer timer.Stop()

	if err := c.SendProton(&wire.Hello{
		Endpoint: local,
	}, m); err != nil {
		return id.EndpointID{}, err
	}

	msg, err := c.ReceiveProton(m)
	if err != nil {
		return id.EndpointID{}, err
	}

	hello, ok := msg.(*wire.Hello)
	if !ok {
		return id.EndpointID{}, errors.WithStack(errUnexpectedHello)
	}

	if hello.Endpoint == local {
		return id.EndpointID{}, errors.WithStack(errSameEndpoint)
	}

	return hello.Endpoint, nil
}

// Dial creates connection to the remote host.
func (ct *ChannelType) Dial(
	ctx context.Context,
	local id.EndpointID,
	info wire.ChannelConnectionInformation,
) (transport.Conn, error) {
	if info.ChannelType != Tag {
		return nil, errors.Errorf("unsupported channel type %q", info.ChannelType)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &conn{
		queue:  make(chan outgoing),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.state.Store(int32(transport.StateOpening))

	go func() {
		defer close(c.done)

		err := resonance.RunClient(ctx, info.Address, ct.resonanceConfig(),
			func(ctx context.Context, rc *resonance.Connection) error {
				return ct.runOutboundConn(ctx, local, info.Endpoint, rc, c)
			})

		if ctx.Err() != nil {
			c.state.Store(int32(transport.StateClosed))
			c.err = errors.Wrap(transport.ErrConnectionFaulted, "connection closed")
			return
		}

		if err == nil {
			err = errors.New("connection closed by remote side")
		}
		logger.Get(ctx).Debug("Outbound connection failed",
			zap.Stringer("remote", info.Endpoint), zap.String("address", info.Address), zap.Error(err))
		c.err = errors.Wrapf(transport.ErrConnectionFaulted, "connection failed: %s", err)
		c.state.Store(int32(transport.StateFaulted))
	}()

	return c, nil
}

func (ct *ChannelType) runOutboundConn(
	ctx context.Context,
	local, remote id.EndpointID,
	rc *resonance.Connection,
	c *conn,
) error {
	m := wire.NewMarshaller()

	endpoint, err := ct.handshake(rc, m, local)
	if err != nil {
		return err
	}
	if endpoint != remote {
		return errors.Errorf("remote endpoint %s found, %s expected", endpoint, remote)
	}

	c.state.Store(int32(transport.StateOpen))

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case o := <-c.queue:
					err := send(rc, m, o.msg)
					o.result <- err
					if err != nil {
						return err
					}
				}
			}
		})
		spawn("watchdog", parallel.Fail, func(ctx context.Context) error {
			// Remote side never sends anything after hello so receiving returns only when connection is broken.
			if _, err := rc.ReceiveProton(m); err != nil {
				return err
			}
			return errors.New("unexpected message received")
		})
		spawn("closer", parallel.Continue, func(ctx context.Context) error {
			<-ctx.Done()
			rc.Close()
			return errors.WithStack(ctx.Err())
		})

		return nil
	})
}

func send(rc *resonance.Connection, m wire.Marshaller, msg wire.Message) error {
	content, err := wire.EncodePayload(msg.Payload)
	if err != nil {
		return err
	}

	header := msg.Header
	header.Kind = msg.Payload.Kind()
	if err := rc.SendProton(&header, m); err != nil {
		return err
	}
	return rc.SendBytes(content)
}

type host struct {
	address string
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
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
	h.cancel()
	<-h.done
	return nil
}

type outgoing struct {
	msg    wire.Message
	result chan error
}

type conn struct {
	queue  chan outgoing
	cancel context.CancelFunc
	state  atomic.Int32

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func (c *conn) Send(ctx context.Context, msg wire.Message) error {
	select {
	case <-c.done:
		return c.err
	default:
	}

	o := outgoing{
		msg:    msg,
		result: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-c.done:
		return c.err
	case c.queue <- o:
	}

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case err := <-o.result:
		return err
	case <-c.done:
		select {
		case err := <-o.result:
			return err
		default:
			return c.err
		}
	}
}

func (c *conn) State() transport.State {
	return transport.State(c.state.Load())
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
	})
	return nil
}
