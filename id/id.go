package id

import (
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/xid"
)

// EndpointID identifies the communication presence of one process instance.
type EndpointID struct {
	Host    string
	Process [16]byte
}

// NewEndpointID creates endpoint ID for the current process.
func NewEndpointID() (EndpointID, error) {
	host, err := os.Hostname()
	if err != nil {
		return EndpointID{}, errors.WithStack(err)
	}
	process, err := uuid.NewRandom()
	if err != nil {
		return EndpointID{}, errors.WithStack(err)
	}
	return EndpointID{
		Host:    host,
		Process: process,
	}, nil
}

// ParseEndpointID parses endpoint ID produced by String.
func ParseEndpointID(s string) (EndpointID, error) {
	pos := strings.LastIndex(s, "/")
	if pos < 0 {
		return EndpointID{}, errors.Errorf("invalid endpoint ID %q", s)
	}
	process, err := uuid.Parse(s[pos+1:])
	if err != nil {
		return EndpointID{}, errors.Wrapf(err, "invalid endpoint ID %q", s)
	}
	return EndpointID{
		Host:    s[:pos],
		Process: process,
	}, nil
}

// IsZero returns true if ID has not been set.
func (e EndpointID) IsZero() bool {
	return e == EndpointID{}
}

func (e EndpointID) String() string {
	return e.Host + "/" + uuid.UUID(e.Process).String()
}

// MessageID identifies a single message.
type MessageID [12]byte

// None is used in place of the ID of a request when message is not a response.
var None MessageID

// NewMessageID generates new message ID.
func NewMessageID() MessageID {
	return MessageID(xid.New())
}

func (m MessageID) String() string {
	if m == None {
		return "none"
	}
	return xid.ID(m).String()
}

// ConversationToken groups messages originating from one request sequence of an endpoint.
type ConversationToken string

// NewConversationToken creates conversation token for endpoint.
func NewConversationToken(endpoint EndpointID) ConversationToken {
	return ConversationToken(endpoint.String() + ":" + uuid.NewString())
}
