package wire

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/WebFirstLanguage/kadnet/pkg/constants"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_MarshalUnmarshal(t *testing.T) {
	originator := kad.MustRandomID()

	tests := []struct {
		name string
		msg  *Message
	}{
		{"ping request", &Message{Type: TypePing, Seq: 1, Originator: originator, IsRequest: true}},
		{"find node response", &Message{Type: TypeFindNode, Seq: 65535, Originator: originator, Payload: make([]byte, 56)}},
		{"store request", &Message{Type: TypeStore, Seq: 300, Originator: originator, IsRequest: true, Payload: []byte("abc")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Marshal()
			require.NoError(t, err)
			assert.Len(t, data, constants.HeaderSize+len(tt.msg.Payload))

			decoded, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Type, decoded.Type)
			assert.Equal(t, tt.msg.Seq, decoded.Seq)
			assert.Equal(t, tt.msg.Originator, decoded.Originator)
			assert.Equal(t, tt.msg.IsRequest, decoded.IsRequest)
			assert.Equal(t, len(tt.msg.Payload), len(decoded.Payload))
		})
	}
}

func TestMessage_HeaderLayout(t *testing.T) {
	var originator kad.ID
	originator[0] = 0xAA
	msg := &Message{Type: TypeCanStore, Seq: 0x0102, Originator: originator, IsRequest: true, Payload: []byte{9}}

	data, err := msg.Marshal()
	require.NoError(t, err)

	assert.Equal(t, byte(3), data[0], "type")
	assert.Equal(t, []byte{0x01, 0x02}, data[1:3], "big-endian seq")
	assert.Equal(t, byte(0xAA), data[3], "originator")
	assert.Equal(t, byte(constants.FlagRequest), data[23], "request flag")
	assert.Equal(t, []byte{0x00, 0x01}, data[24:26], "payload length")
	assert.Equal(t, byte(9), data[26])
}

func TestUnmarshal_Rejects(t *testing.T) {
	valid, err := (&Message{Type: TypeFindValue, Seq: 7, IsRequest: true, Payload: make([]byte, 20)}).Marshal()
	require.NoError(t, err)

	unknownType := append([]byte{}, valid...)
	unknownType[0] = 42

	badFlag := append([]byte{}, valid...)
	badFlag[23] = 7

	tests := []struct {
		name string
		data []byte
		code uint16
	}{
		{"empty", nil, constants.ErrorTruncated},
		{"short header", valid[:10], constants.ErrorTruncated},
		{"short payload", valid[:len(valid)-1], constants.ErrorTruncated},
		{"trailing bytes", append(append([]byte{}, valid...), 0), constants.ErrorLengthMismatch},
		{"unknown type", unknownType, constants.ErrorUnknownType},
		{"bad flag", badFlag, constants.ErrorBadPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, kad.ErrProtocol)

			var perr *ProtocolError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.code, perr.Code)
		})
	}
}

func TestMessage_Reply(t *testing.T) {
	req := NewRequest(TypeFindValue, kad.MustRandomID(), EncodeID(kad.MustRandomID()))
	req.Seq = 99

	self := kad.MustRandomID()
	resp := req.Reply(TypeFindNode, self, nil)
	assert.Equal(t, uint16(99), resp.Seq)
	assert.False(t, resp.IsRequest)
	assert.Equal(t, TypeFindNode, resp.Type)
	assert.Equal(t, self, resp.Originator)
}

func TestContacts_RoundTrip(t *testing.T) {
	contacts := []kad.Contact{
		{ID: kad.MustRandomID(), Addr: netip.MustParseAddrPort("127.0.0.1:4000")},
		{ID: kad.MustRandomID(), Addr: netip.MustParseAddrPort("10.1.2.3:65535")},
	}

	payload, err := EncodeContacts(contacts)
	require.NoError(t, err)
	assert.Len(t, payload, 2*constants.ContactRecordSize)

	decoded, err := DecodeContacts(payload)
	require.NoError(t, err)
	assert.Equal(t, contacts, decoded)

	empty, err := DecodeContacts(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodeContacts(payload[:30])
	assert.ErrorIs(t, err, kad.ErrProtocol)
}

func TestContacts_RejectIPv6(t *testing.T) {
	_, err := EncodeContacts([]kad.Contact{{ID: kad.MustRandomID(), Addr: netip.MustParseAddrPort("[::1]:4000")}})
	assert.ErrorIs(t, err, kad.ErrInvalidInput)
}

func TestValue_RoundTrip(t *testing.T) {
	v := kad.Value{Key: kad.MustRandomID(), Timestamp: time.UnixMilli(1700000000123), Data: []byte("hello")}

	decoded, err := DecodeValue(EncodeValue(v))
	require.NoError(t, err)
	assert.Equal(t, v.Key, decoded.Key)
	assert.True(t, v.Timestamp.Equal(decoded.Timestamp))
	assert.Equal(t, v.Data, decoded.Data)

	_, err = DecodeValue(make([]byte, constants.ValueHeaderSize-1))
	assert.ErrorIs(t, err, kad.ErrProtocol)
}

func TestBool_RoundTrip(t *testing.T) {
	for _, b := range []bool{true, false} {
		decoded, err := DecodeBool(EncodeBool(b))
		require.NoError(t, err)
		assert.Equal(t, b, decoded)
	}

	_, err := DecodeBool(nil)
	assert.ErrorIs(t, err, kad.ErrProtocol)
}

func TestDecodeID(t *testing.T) {
	id := kad.MustRandomID()
	decoded, err := DecodeID(EncodeID(id))
	require.NoError(t, err)
	assert.Equal(t, id, decoded)

	_, err = DecodeID([]byte{1, 2, 3})
	assert.ErrorIs(t, err, kad.ErrProtocol)
}
