package wire

import (
	"github.com/outofforest/parley/id"
)

// PayloadKind tells which payload follows the header.
type PayloadKind uint64

// Hello is the message exchanged by peers when transport connection is established.
type Hello struct {
	Endpoint id.EndpointID
}

// Header describes the following payload.
type Header struct {
	ID           id.MessageID
	InResponseTo id.MessageID
	Sender       id.EndpointID
	Conversation id.ConversationToken
	Kind         PayloadKind
}

// StreamOffset is exchanged by the sides of a bulk data transfer.
type StreamOffset struct {
	Offset uint64
}
