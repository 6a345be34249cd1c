package wire

import (
	"reflect"
	"unsafe"

	"github.com/outofforest/parley/id"
	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id1 uint64 = iota + 1
	id2
	id3
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Hello{},
		Header{},
		StreamOffset{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Hello:
		return id1, nil
	case *Header:
		return id2, nil
	case *StreamOffset:
		return id3, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Hello:
		return size1(msg2), nil
	case *Header:
		return size2(msg2), nil
	case *StreamOffset:
		return size3(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return id1, marshal1(msg2, buf), nil
	case *Header:
		return id2, marshal2(msg2, buf), nil
	case *StreamOffset:
		return id3, marshal3(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id1:
		msg := &Hello{}
		return msg, unmarshal1(msg, buf), nil
	case id2:
		msg := &Header{}
		return msg, unmarshal2(msg, buf), nil
	case id3:
		msg := &StreamOffset{}
		return msg, unmarshal3(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Hello:
		return id1, makePatch1(msg2, msgSrc.(*Hello), buf), nil
	case *Header:
		return id2, makePatch2(msg2, msgSrc.(*Header), buf), nil
	case *StreamOffset:
		return id3, makePatch3(msg2, msgSrc.(*StreamOffset), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return applyPatch1(msg2, buf), nil
	case *Header:
		return applyPatch2(msg2, buf), nil
	case *StreamOffset:
		return applyPatch3(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size0(m *id.EndpointID) uint64 {
	var n uint64 = 17
	{
		// Host

		{
			l := uint64(len(m.Host))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal0(m *id.EndpointID, b []byte) uint64 {
	var o uint64
	{
		// Host

		{
			l := uint64(len(m.Host))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Host)
			o += l
		}
	}
	{
		// Process

		copy(b[o:o+16], unsafe.Slice(&m.Process[0], 16))
		o += 16
	}

	return o
}

func unmarshal0(m *id.EndpointID, b []byte) uint64 {
	var o uint64
	{
		// Host

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Host = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Process

		copy(unsafe.Slice(&m.Process[0], 16), b[o:o+16])
		o += 16
	}

	return o
}

func size1(m *Hello) uint64 {
	var n uint64
	{
		// Endpoint

		n += size0(&m.Endpoint)
	}
	return n
}

func marshal1(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// Endpoint

		o += marshal0(&m.Endpoint, b[o:])
	}

	return o
}

func unmarshal1(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// Endpoint

		o += unmarshal0(&m.Endpoint, b[o:])
	}

	return o
}

func makePatch1(m, mSrc *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// Endpoint

		if reflect.DeepEqual(m.Endpoint, mSrc.Endpoint) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			o += marshal0(&m.Endpoint, b[o:])
		}
	}

	return o
}

func applyPatch1(m *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// Endpoint

		if b[0]&0x01 != 0 {
			o += unmarshal0(&m.Endpoint, b[o:])
		}
	}

	return o
}

func size2(m *Header) uint64 {
	var n uint64 = 26
	{
		// Sender

		n += size0(&m.Sender)
	}
	{
		// Conversation

		{
			l := uint64(len(m.Conversation))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Kind

		helpers.UInt64Size(m.Kind, &n)
	}
	return n
}

func marshal2(m *Header, b []byte) uint64 {
	var o uint64
	{
		// ID

		copy(b[o:o+12], unsafe.Slice(&m.ID[0], 12))
		o += 12
	}
	{
		// InResponseTo

		copy(b[o:o+12], unsafe.Slice(&m.InResponseTo[0], 12))
		o += 12
	}
	{
		// Sender

		o += marshal0(&m.Sender, b[o:])
	}
	{
		// Conversation

		{
			l := uint64(len(m.Conversation))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Conversation)
			o += l
		}
	}
	{
		// Kind

		helpers.UInt64Marshal(m.Kind, b, &o)
	}

	return o
}

func unmarshal2(m *Header, b []byte) uint64 {
	var o uint64
	{
		// ID

		copy(unsafe.Slice(&m.ID[0], 12), b[o:o+12])
		o += 12
	}
	{
		// InResponseTo

		copy(unsafe.Slice(&m.InResponseTo[0], 12), b[o:o+12])
		o += 12
	}
	{
		// Sender

		o += unmarshal0(&m.Sender, b[o:])
	}
	{
		// Conversation

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Conversation = id.ConversationToken(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Kind

		helpers.UInt64Unmarshal(&m.Kind, b, &o)
	}

	return o
}

func makePatch2(m, mSrc *Header, b []byte) uint64 {
	var o uint64 = 1
	{
		// ID

		if reflect.DeepEqual(m.ID, mSrc.ID) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			copy(b[o:o+12], unsafe.Slice(&m.ID[0], 12))
			o += 12
		}
	}
	{
		// InResponseTo

		if reflect.DeepEqual(m.InResponseTo, mSrc.InResponseTo) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			copy(b[o:o+12], unsafe.Slice(&m.InResponseTo[0], 12))
			o += 12
		}
	}
	{
		// Sender

		if reflect.DeepEqual(m.Sender, mSrc.Sender) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			o += marshal0(&m.Sender, b[o:])
		}
	}
	{
		// Conversation

		if reflect.DeepEqual(m.Conversation, mSrc.Conversation) {
			b[0] &= 0xF7
		} else {
			b[0] |= 0x08
			{
				l := uint64(len(m.Conversation))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Conversation)
				o += l
			}
		}
	}
	{
		// Kind

		if reflect.DeepEqual(m.Kind, mSrc.Kind) {
			b[0] &= 0xEF
		} else {
			b[0] |= 0x10
			helpers.UInt64Marshal(m.Kind, b, &o)
		}
	}

	return o
}

func applyPatch2(m *Header, b []byte) uint64 {
	var o uint64 = 1
	{
		// ID

		if b[0]&0x01 != 0 {
			copy(unsafe.Slice(&m.ID[0], 12), b[o:o+12])
			o += 12
		}
	}
	{
		// InResponseTo

		if b[0]&0x02 != 0 {
			copy(unsafe.Slice(&m.InResponseTo[0], 12), b[o:o+12])
			o += 12
		}
	}
	{
		// Sender

		if b[0]&0x04 != 0 {
			o += unmarshal0(&m.Sender, b[o:])
		}
	}
	{
		// Conversation

		if b[0]&0x08 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Conversation = id.ConversationToken(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Kind

		if b[0]&0x10 != 0 {
			helpers.UInt64Unmarshal(&m.Kind, b, &o)
		}
	}

	return o
}

func size3(m *StreamOffset) uint64 {
	var n uint64 = 1
	{
		// Offset

		helpers.UInt64Size(m.Offset, &n)
	}
	return n
}

func marshal3(m *StreamOffset, b []byte) uint64 {
	var o uint64
	{
		// Offset

		helpers.UInt64Marshal(m.Offset, b, &o)
	}

	return o
}

func unmarshal3(m *StreamOffset, b []byte) uint64 {
	var o uint64
	{
		// Offset

		helpers.UInt64Unmarshal(&m.Offset, b, &o)
	}

	return o
}

func makePatch3(m, mSrc *StreamOffset, b []byte) uint64 {
	var o uint64 = 1
	{
		// Offset

		if reflect.DeepEqual(m.Offset, mSrc.Offset) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Offset, b, &o)
		}
	}

	return o
}

func applyPatch3(m *StreamOffset, b []byte) uint64 {
	var o uint64 = 1
	{
		// Offset

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Offset, b, &o)
		}
	}

	return o
}
