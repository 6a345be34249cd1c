package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/parley/id"
)

func TestHeaderMarshalling(t *testing.T) {
	requireT := require.New(t)

	sender, err := id.NewEndpointID()
	requireT.NoError(err)

	header := &Header{
		ID:           id.NewMessageID(),
		InResponseTo: id.NewMessageID(),
		Sender:       sender,
		Conversation: id.NewConversationToken(sender),
		Kind:         KindNotificationRaised,
	}

	m := NewMarshaller()
	size, err := m.Size(header)
	requireT.NoError(err)

	buf := make([]byte, size)
	msgID, n, err := m.Marshal(header, buf)
	requireT.NoError(err)
	requireT.Equal(size, n)

	msg, n, err := m.Unmarshal(msgID, buf)
	requireT.NoError(err)
	requireT.Equal(size, n)
	requireT.Equal(header, msg)
}

func TestPayloadDecoding(t *testing.T) {
	requireT := require.New(t)

	sender, err := id.NewEndpointID()
	requireT.NoError(err)

	msg := NewMessage(sender, "conversation", id.None, &CommandInvoked{
		Invocation: SerializedMethodInvocation{
			Type:   SerializedType{Package: "example.com/sets", Name: "Calculator"},
			Method: "Add",
			Parameters: []SerializedParameter{
				{Type: "int", Value: []byte{0x01}},
			},
		},
	})
	requireT.Equal(KindCommandInvoked, msg.Header.Kind)
	requireT.Equal(id.None, msg.Header.InResponseTo)
	requireT.NotEqual(id.None, msg.Header.ID)

	data, err := EncodePayload(msg.Payload)
	requireT.NoError(err)

	payload, err := DecodePayload(msg.Header.Kind, data)
	requireT.NoError(err)
	requireT.Equal(msg.Payload, payload)

	_, err = DecodePayload(KindSuccess+1000, data)
	requireT.Error(err)
}
