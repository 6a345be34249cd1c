package transport

import (
	"context"

	"github.com/pkg/errors"

	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/wire"
)

var (
	// ErrRemoteFault is returned by Conn.Send when the remote side refused the message.
	ErrRemoteFault = errors.New("remote fault")

	// ErrConnectionFaulted is returned by Conn.Send when the connection is no longer usable.
	ErrConnectionFaulted = errors.New("connection faulted")
)

// Tag names a transport.
type Tag = wire.ChannelTypeTag

// Handler receives inbound messages. It may be called concurrently.
type Handler func(ctx context.Context, msg wire.Message)

// Progress is called with the number of bytes of the file already present on the receiving side.
type Progress func(transferred uint64)

// State is the state of an outbound connection.
type State int

// Connection states.
const (
	StateOpening State = iota
	StateOpen
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Host is the running receive side of a transport.
type Host interface {
	// Address returns the address peers use to reach the host.
	Address() string

	// Done is closed when host stops.
	Done() <-chan struct{}

	// Err returns the reason of the stop. It is nil if host was closed.
	Err() error

	// Close stops the host.
	Close() error
}

// Conn is an outbound connection to a remote host.
type Conn interface {
	Send(ctx context.Context, msg wire.Message) error
	State() State
	Close() error
}

// Reception is the receive side of a bulk data transfer.
type Reception interface {
	// Address is passed to the sending side.
	Address() string

	// Done is closed once the transfer completes, fails or the reception is closed.
	Done() <-chan struct{}

	// Err returns the reason of an unsuccessful transfer.
	Err() error

	Close() error
}

// ChannelType is implemented by every transport.
type ChannelType interface {
	// Tag returns the name of the transport.
	Tag() Tag

	// Config returns the binding configuration used by the transport.
	Config() Config

	// NewChannelURI generates fresh address to listen on.
	NewChannelURI() (string, error)

	// NewSubAddress generates fresh local sub-address.
	NewSubAddress() string

	// Listen starts host receiving messages on the uri.
	Listen(ctx context.Context, local id.EndpointID, uri string, handler Handler) (Host, error)

	// Dial creates outbound connection to remote endpoint.
	Dial(ctx context.Context, local id.EndpointID, info wire.ChannelConnectionInformation) (Conn, error)

	// PrepareForDataReception prepares to receive a byte stream appended to the local file.
	PrepareForDataReception(ctx context.Context, localFile string, progress Progress) (Reception, error)

	// TransferData sends the local file to the reception waiting on the address.
	TransferData(ctx context.Context, address, localFile string, progress Progress) error
}
