package wire

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/outofforest/parley/id"
)

// Payload kinds.
const (
	KindEndpointConnect PayloadKind = iota + 1
	KindEndpointDisconnect
	KindCommandInformationRequest
	KindCommandInformationResponse
	KindNotificationInformationRequest
	KindNotificationInformationResponse
	KindCommandInvoked
	KindCommandInvokedResponse
	KindSuccess
	KindFailure
	KindRegisterForNotification
	KindUnregisterFromNotification
	KindNotificationRaised
	KindNewCommandRegistered
	KindNewNotificationRegistered
)

// Payload is the content carried by a message.
type Payload interface {
	Kind() PayloadKind
}

// Message is the header together with decoded payload.
type Message struct {
	Header
	Payload Payload
}

// NewMessage creates message with fresh ID.
func NewMessage(
	sender id.EndpointID,
	conversation id.ConversationToken,
	inResponseTo id.MessageID,
	payload Payload,
) Message {
	return Message{
		Header: Header{
			ID:           id.NewMessageID(),
			InResponseTo: inResponseTo,
			Sender:       sender,
			Conversation: conversation,
			Kind:         payload.Kind(),
		},
		Payload: payload,
	}
}

// EncodePayload encodes payload.
func EncodePayload(p Payload) ([]byte, error) {
	b, err := cbor.Marshal(p)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return b, nil
}

// DecodePayload decodes payload of the given kind.
func DecodePayload(kind PayloadKind, data []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindEndpointConnect:
		p = &EndpointConnect{}
	case KindEndpointDisconnect:
		p = &EndpointDisconnect{}
	case KindCommandInformationRequest:
		p = &CommandInformationRequest{}
	case KindCommandInformationResponse:
		p = &CommandInformationResponse{}
	case KindNotificationInformationRequest:
		p = &NotificationInformationRequest{}
	case KindNotificationInformationResponse:
		p = &NotificationInformationResponse{}
	case KindCommandInvoked:
		p = &CommandInvoked{}
	case KindCommandInvokedResponse:
		p = &CommandInvokedResponse{}
	case KindSuccess:
		p = &Success{}
	case KindFailure:
		p = &Failure{}
	case KindRegisterForNotification:
		p = &RegisterForNotification{}
	case KindUnregisterFromNotification:
		p = &UnregisterFromNotification{}
	case KindNotificationRaised:
		p = &NotificationRaised{}
	case KindNewCommandRegistered:
		p = &NewCommandRegistered{}
	case KindNewNotificationRegistered:
		p = &NewNotificationRegistered{}
	default:
		return nil, errors.Errorf("unknown payload kind %d", kind)
	}

	if err := cbor.Unmarshal(data, p); err != nil {
		return nil, errors.Wrapf(err, "decoding payload of kind %d failed", kind)
	}
	return p, nil
}

// ChannelTypeTag names a transport.
type ChannelTypeTag string

// ChannelConnectionInformation describes how to reach an endpoint over a transport.
type ChannelConnectionInformation struct {
	Endpoint    id.EndpointID  `cbor:"1,keyasint"`
	ChannelType ChannelTypeTag `cbor:"2,keyasint"`
	Address     string         `cbor:"3,keyasint"`
}

// SerializedType describes a declared interface by name.
type SerializedType struct {
	Package string `cbor:"1,keyasint"`
	Name    string `cbor:"2,keyasint"`
}

func (t SerializedType) String() string {
	return t.Package + "." + t.Name
}

// SerializedParameter is one encoded value together with the name of its type.
type SerializedParameter struct {
	Type  string `cbor:"1,keyasint"`
	Value []byte `cbor:"2,keyasint"`
}

// SerializedMethodInvocation describes a method call.
type SerializedMethodInvocation struct {
	Type       SerializedType        `cbor:"1,keyasint"`
	Method     string                `cbor:"2,keyasint"`
	Parameters []SerializedParameter `cbor:"3,keyasint"`
}

// SerializedEvent describes an event of a notification set.
type SerializedEvent struct {
	Type  SerializedType `cbor:"1,keyasint"`
	Event string         `cbor:"2,keyasint"`
}

// EndpointConnect announces that sender connected and how it may be reached back.
type EndpointConnect struct {
	Info ChannelConnectionInformation `cbor:"1,keyasint"`
}

// Kind returns payload kind.
func (EndpointConnect) Kind() PayloadKind { return KindEndpointConnect }

// EndpointDisconnect announces that sender disconnects.
type EndpointDisconnect struct{}

// Kind returns payload kind.
func (EndpointDisconnect) Kind() PayloadKind { return KindEndpointDisconnect }

// CommandInformationRequest asks for the command sets provided by the receiver.
type CommandInformationRequest struct{}

// Kind returns payload kind.
func (CommandInformationRequest) Kind() PayloadKind { return KindCommandInformationRequest }

// CommandInformationResponse lists the command sets provided by the sender.
type CommandInformationResponse struct {
	Types []SerializedType `cbor:"1,keyasint"`
}

// Kind returns payload kind.
func (CommandInformationResponse) Kind() PayloadKind { return KindCommandInformationResponse }

// NotificationInformationRequest asks for the notification sets provided by the receiver.
type NotificationInformationRequest struct{}

// Kind returns payload kind.
func (NotificationInformationRequest) Kind() PayloadKind { return KindNotificationInformationRequest }

// NotificationInformationResponse lists the notification sets provided by the sender.
type NotificationInformationResponse struct {
	Types []SerializedType `cbor:"1,keyasint"`
}

// Kind returns payload kind.
func (NotificationInformationResponse) Kind() PayloadKind { return KindNotificationInformationResponse }

// CommandInvoked requests execution of a command.
type CommandInvoked struct {
	Invocation SerializedMethodInvocation `cbor:"1,keyasint"`
}

// Kind returns payload kind.
func (CommandInvoked) Kind() PayloadKind { return KindCommandInvoked }

// CommandInvokedResponse carries the value returned by a command.
type CommandInvokedResponse struct {
	Result SerializedParameter `cbor:"1,keyasint"`
}

// Kind returns payload kind.
func (CommandInvokedResponse) Kind() PayloadKind { return KindCommandInvokedResponse }

// Success acknowledges the request.
type Success struct{}

// Kind returns payload kind.
func (Success) Kind() PayloadKind { return KindSuccess }

// Failure reports that the request failed.
type Failure struct {
	Error string `cbor:"1,keyasint"`
}

// Kind returns payload kind.
func (Failure) Kind() PayloadKind { return KindFailure }

// RegisterForNotification subscribes sender to an event.
type RegisterForNotification struct {
	Event SerializedEvent `cbor:"1,keyasint"`
}

// Kind returns payload kind.
func (RegisterForNotification) Kind() PayloadKind { return KindRegisterForNotification }

// UnregisterFromNotification unsubscribes sender from an event.
type UnregisterFromNotification struct {
	Event SerializedEvent `cbor:"1,keyasint"`
}

// Kind returns payload kind.
func (UnregisterFromNotification) Kind() PayloadKind { return KindUnregisterFromNotification }

// NotificationRaised delivers a fired event.
type NotificationRaised struct {
	Event SerializedEvent `cbor:"1,keyasint"`
	Args  []byte          `cbor:"2,keyasint"`
}

// Kind returns payload kind.
func (NotificationRaised) Kind() PayloadKind { return KindNotificationRaised }

// NewCommandRegistered announces command set registered after sign in.
type NewCommandRegistered struct {
	Type SerializedType `cbor:"1,keyasint"`
}

// Kind returns payload kind.
func (NewCommandRegistered) Kind() PayloadKind { return KindNewCommandRegistered }

// NewNotificationRegistered announces notification set registered after sign in.
type NewNotificationRegistered struct {
	Type SerializedType `cbor:"1,keyasint"`
}

// Kind returns payload kind.
func (NewNotificationRegistered) Kind() PayloadKind { return KindNewNotificationRegistered }
