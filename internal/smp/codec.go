package smp

import (
	"encoding/binary"
	"errors"
)

// Decode errors. Both mean "not enough bytes yet" to a streaming
// caller; they are surfaced only so the caller can tell a short header
// from a short payload.
var (
	ErrTruncatedHeader  = errors.New("smp: truncated header")
	ErrTruncatedPayload = errors.New("smp: truncated payload")
)

// Header is the fixed 8-byte SMP message header. All multi-byte fields
// are big-endian on the wire.
type Header struct {
	Op    uint8  // OpRead, OpReadRsp, OpWrite or OpWriteRsp
	Flags uint8  // reserved, passed through untouched
	Len   uint16 // payload length in bytes
	Group uint16 // management command group
	Seq   uint8  // request/response correlation value, opaque here
	ID    uint8  // command ID within the group
}

// NewHeader builds a header with op masked to its significant 2 bits.
func NewHeader(op uint8, group uint16, id uint8) Header {
	return Header{Op: op & opMask, Group: group, ID: id}
}

// Encode serializes the header into its 8-byte wire form.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Op & opMask
	buf[1] = h.Flags
	binary.BigEndian.PutUint16(buf[2:4], h.Len)
	binary.BigEndian.PutUint16(buf[4:6], h.Group)
	buf[6] = h.Seq
	buf[7] = h.ID
	return buf
}

// DecodeHeader parses the fixed header from the front of data.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrTruncatedHeader
	}
	return Header{
		Op:    data[0] & opMask,
		Flags: data[1],
		Len:   binary.BigEndian.Uint16(data[2:4]),
		Group: binary.BigEndian.Uint16(data[4:6]),
		Seq:   data[6],
		ID:    data[7],
	}, nil
}

// Message is a single SMP message: header plus opaque payload.
// The payload is semantically opaque to this package; command bodies
// are CBOR maps by convention but nothing here depends on that.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds an empty message for the given op, group and
// command ID.
func NewMessage(op uint8, group uint16, id uint8) *Message {
	return &Message{Header: NewHeader(op, group, id)}
}

// SetPayload replaces the payload and keeps Header.Len in sync.
func (m *Message) SetPayload(p []byte) {
	m.Payload = p
	m.Header.Len = uint16(len(p))
}

// Size returns the full encoded size: header plus payload.
func (m *Message) Size() int {
	return HeaderSize + len(m.Payload)
}

// Encode serializes the message. Header.Len is taken from the actual
// payload length, so the declared length is always consistent.
func Encode(m *Message) []byte {
	h := m.Header
	h.Len = uint16(len(m.Payload))
	buf := make([]byte, 0, HeaderSize+len(m.Payload))
	buf = append(buf, h.Encode()...)
	buf = append(buf, m.Payload...)
	return buf
}

// Decode parses one message from the front of data and reports how
// many bytes it consumed. Trailing bytes beyond the declared payload
// length are not consumed; they belong to the next message and stay
// with the caller. The declared length in a received header is not
// trusted until checked against the bytes actually present.
func Decode(data []byte) (*Message, int, error) {
	hdr, err := DecodeHeader(data)
	if err != nil {
		return nil, 0, err
	}
	if len(data)-HeaderSize < int(hdr.Len) {
		return nil, 0, ErrTruncatedPayload
	}

	payload := make([]byte, hdr.Len)
	copy(payload, data[HeaderSize:HeaderSize+int(hdr.Len)])
	return &Message{Header: hdr, Payload: payload}, HeaderSize + int(hdr.Len), nil
}
