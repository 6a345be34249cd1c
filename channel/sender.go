package channel

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/transport"
	"github.com/outofforest/parley/wire"
)

// RestoringSender is the outbound link to one remote endpoint. Underlying connection is created on first
// use and recreated whenever it is found faulted.
type RestoringSender struct {
	ctx    context.Context
	chType transport.ChannelType
	local  id.EndpointID
	remote wire.ChannelConnectionInformation

	mu       sync.RWMutex
	conn     transport.Conn
	disposed bool
}

// NewRestoringSender creates sender. Connections live no longer than ctx.
func NewRestoringSender(
	ctx context.Context,
	chType transport.ChannelType,
	local id.EndpointID,
	remote wire.ChannelConnectionInformation,
) *RestoringSender {
	return &RestoringSender{
		ctx:    ctx,
		chType: chType,
		local:  local,
		remote: remote,
	}
}

// Remote returns connection information of the remote endpoint.
func (s *RestoringSender) Remote() wire.ChannelConnectionInformation {
	return s.remote
}

// Send sends message to the remote endpoint.
func (s *RestoringSender) Send(ctx context.Context, msg wire.Message) error {
	conn, err := s.ensureConn()
	if err != nil {
		return errors.Wrapf(ErrFailedToSend, "connecting to %s at %q failed: %s",
			s.remote.Endpoint, s.remote.Address, err)
	}

	if err := conn.Send(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return errors.Wrapf(ErrFailedToSend, "sending message %s to %s failed: %s", msg.ID, s.remote.Endpoint, err)
	}
	return nil
}

// Dispose closes the connection. It is safe to call it many times.
func (s *RestoringSender) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disposed = true
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *RestoringSender) ensureConn() (transport.Conn, error) {
	s.mu.RLock()
	conn, disposed := s.conn, s.disposed
	s.mu.RUnlock()

	if disposed {
		return nil, errors.New("sender disposed")
	}
	if usable(conn) {
		return conn, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, errors.New("sender disposed")
	}
	if usable(s.conn) {
		return s.conn, nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	conn, err := s.chType.Dial(s.ctx, s.local, s.remote)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func usable(conn transport.Conn) bool {
	if conn == nil {
		return false
	}
	switch conn.State() {
	case transport.StateFaulted, transport.StateClosed:
		return false
	default:
		return true
	}
}
