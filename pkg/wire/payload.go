package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/WebFirstLanguage/kadnet/pkg/constants"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
)

// MaxContactsPerMessage bounds a contact list so the datagram stays within the size limit
const MaxContactsPerMessage = (constants.MaxDatagramSize - constants.HeaderSize) / constants.ContactRecordSize

// EncodeID encodes a single identifier payload (FIND_NODE / FIND_VALUE requests)
func EncodeID(id kad.ID) []byte {
	return id.Bytes()
}

// DecodeID decodes a single identifier payload
func DecodeID(payload []byte) (kad.ID, error) {
	if len(payload) != constants.IDLength {
		return kad.ID{}, ErrTruncated("id payload", constants.IDLength, len(payload))
	}
	return kad.ParseID(payload)
}

// EncodeContacts encodes a contact list as fixed 28-byte records. Only IPv4
// endpoints can be represented.
func EncodeContacts(contacts []kad.Contact) ([]byte, error) {
	if len(contacts) > MaxContactsPerMessage {
		return nil, ErrOversize(constants.HeaderSize + len(contacts)*constants.ContactRecordSize)
	}

	buf := make([]byte, len(contacts)*constants.ContactRecordSize)
	for i, c := range contacts {
		addr := c.Addr.Addr().Unmap()
		if !addr.Is4() {
			return nil, fmt.Errorf("%w: contact %s is not an IPv4 endpoint", kad.ErrInvalidInput, c)
		}

		rec := buf[i*constants.ContactRecordSize:]
		copy(rec[:constants.IDLength], c.ID[:])
		ip := addr.As4()
		copy(rec[constants.IDLength:constants.IDLength+4], ip[:])
		binary.BigEndian.PutUint32(rec[constants.IDLength+4:constants.ContactRecordSize], uint32(c.Addr.Port()))
	}
	return buf, nil
}

// DecodeContacts decodes a contact list payload
func DecodeContacts(payload []byte) ([]kad.Contact, error) {
	if len(payload)%constants.ContactRecordSize != 0 {
		return nil, ErrBadPayload(fmt.Sprintf("contact list length %d is not a multiple of %d",
			len(payload), constants.ContactRecordSize))
	}

	contacts := make([]kad.Contact, 0, len(payload)/constants.ContactRecordSize)
	for off := 0; off < len(payload); off += constants.ContactRecordSize {
		rec := payload[off : off+constants.ContactRecordSize]

		var c kad.Contact
		copy(c.ID[:], rec[:constants.IDLength])

		var ip [4]byte
		copy(ip[:], rec[constants.IDLength:constants.IDLength+4])
		port := binary.BigEndian.Uint32(rec[constants.IDLength+4:])
		if port > 0xFFFF {
			return nil, ErrBadPayload(fmt.Sprintf("port %d out of range", port))
		}
		c.Addr = netip.AddrPortFrom(netip.AddrFrom4(ip), uint16(port))

		contacts = append(contacts, c)
	}
	return contacts, nil
}

// EncodeValue encodes a stored value: key, 8-byte millisecond timestamp, then raw data
func EncodeValue(v kad.Value) []byte {
	buf := make([]byte, constants.ValueHeaderSize+len(v.Data))
	copy(buf[:constants.IDLength], v.Key[:])
	binary.BigEndian.PutUint64(buf[constants.IDLength:constants.ValueHeaderSize], uint64(v.Timestamp.UnixMilli()))
	copy(buf[constants.ValueHeaderSize:], v.Data)
	return buf
}

// DecodeValue decodes a stored value payload
func DecodeValue(payload []byte) (kad.Value, error) {
	if len(payload) < constants.ValueHeaderSize {
		return kad.Value{}, ErrTruncated("value payload", constants.ValueHeaderSize, len(payload))
	}

	var v kad.Value
	copy(v.Key[:], payload[:constants.IDLength])
	ms := int64(binary.BigEndian.Uint64(payload[constants.IDLength:constants.ValueHeaderSize]))
	v.Timestamp = time.UnixMilli(ms)
	v.Data = make([]byte, len(payload)-constants.ValueHeaderSize)
	copy(v.Data, payload[constants.ValueHeaderSize:])
	return v, nil
}

// EncodeBool encodes a one-byte boolean payload
func EncodeBool(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeBool decodes a one-byte boolean payload
func DecodeBool(payload []byte) (bool, error) {
	if len(payload) < 1 {
		return false, ErrTruncated("bool payload", 1, len(payload))
	}
	return payload[0] != 0, nil
}
