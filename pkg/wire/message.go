// Package wire implements the kadnet datagram format.
//
// Every datagram is a fixed header followed by a type-specific payload:
//
//	type(1) seq(2, big-endian) originator(20) flag(1) length(2, big-endian) payload(length)
//
// The flag byte is 0 for requests and 1 for responses.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/WebFirstLanguage/kadnet/pkg/constants"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
)

// Type identifies the RPC a message belongs to
type Type uint8

const (
	TypePing      Type = constants.TypePing
	TypeFindNode  Type = constants.TypeFindNode
	TypeFindValue Type = constants.TypeFindValue
	TypeCanStore  Type = constants.TypeCanStore
	TypeStore     Type = constants.TypeStore
)

// String returns the string representation of the type
func (t Type) String() string {
	switch t {
	case TypePing:
		return "PING"
	case TypeFindNode:
		return "FIND_NODE"
	case TypeFindValue:
		return "FIND_VALUE"
	case TypeCanStore:
		return "CAN_STORE"
	case TypeStore:
		return "STORE"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the defined message types
func (t Type) Valid() bool {
	return t <= TypeStore
}

// Message is one decoded datagram
type Message struct {
	Type       Type
	Seq        uint16
	Originator kad.ID
	IsRequest  bool
	Payload    []byte
}

// NewRequest creates a request message. The transport assigns Seq when sending.
func NewRequest(t Type, originator kad.ID, payload []byte) *Message {
	return &Message{
		Type:       t,
		Originator: originator,
		IsRequest:  true,
		Payload:    payload,
	}
}

// Reply creates a response to m that reuses its sequence number
func (m *Message) Reply(t Type, originator kad.ID, payload []byte) *Message {
	return &Message{
		Type:       t,
		Seq:        m.Seq,
		Originator: originator,
		IsRequest:  false,
		Payload:    payload,
	}
}

// Size returns the encoded length of the message
func (m *Message) Size() int {
	return constants.HeaderSize + len(m.Payload)
}

// Validate performs basic validation on the message
func (m *Message) Validate() error {
	if !m.Type.Valid() {
		return ErrUnknownType(byte(m.Type))
	}
	if m.Size() > constants.MaxDatagramSize {
		return ErrOversize(m.Size())
	}
	return nil
}

// Marshal encodes the message into a new byte slice
func (m *Message) Marshal() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, m.Size())
	buf[0] = byte(m.Type)
	binary.BigEndian.PutUint16(buf[1:3], m.Seq)
	copy(buf[3:3+constants.IDLength], m.Originator[:])

	off := 3 + constants.IDLength
	if m.IsRequest {
		buf[off] = constants.FlagRequest
	} else {
		buf[off] = constants.FlagResponse
	}
	binary.BigEndian.PutUint16(buf[off+1:off+3], uint16(len(m.Payload)))
	copy(buf[constants.HeaderSize:], m.Payload)

	return buf, nil
}

// Unmarshal decodes a datagram. The payload is copied so data may be reused by the caller.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) < constants.HeaderSize {
		return nil, ErrTruncated("header", constants.HeaderSize, len(data))
	}

	t := Type(data[0])
	if !t.Valid() {
		return nil, ErrUnknownType(data[0])
	}

	m := &Message{
		Type: t,
		Seq:  binary.BigEndian.Uint16(data[1:3]),
	}
	copy(m.Originator[:], data[3:3+constants.IDLength])

	off := 3 + constants.IDLength
	switch data[off] {
	case constants.FlagRequest:
		m.IsRequest = true
	case constants.FlagResponse:
		m.IsRequest = false
	default:
		return nil, ErrBadPayload(fmt.Sprintf("invalid request flag %d", data[off]))
	}

	length := int(binary.BigEndian.Uint16(data[off+1 : off+3]))
	rest := len(data) - constants.HeaderSize
	if rest < length {
		return nil, ErrTruncated("payload", length, rest)
	}
	if rest > length {
		return nil, ErrLengthMismatch(length, rest)
	}

	m.Payload = make([]byte, length)
	copy(m.Payload, data[constants.HeaderSize:])
	return m, nil
}

// String returns a string representation of the message
func (m *Message) String() string {
	kind := "response"
	if m.IsRequest {
		kind = "request"
	}
	return fmt.Sprintf("%s %s seq=%d from=%s len=%d", m.Type, kind, m.Seq, m.Originator.Short(), len(m.Payload))
}
