package kad

import (
	"fmt"
	"net/netip"
)

// Contact is a known peer: its identifier and UDP endpoint
type Contact struct {
	ID   ID
	Addr netip.AddrPort
}

// NewContact creates a contact from an ID and an endpoint string such as "127.0.0.1:4000"
func NewContact(id ID, addr string) (Contact, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return Contact{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return Contact{ID: id, Addr: ap}, nil
}

// String returns a string representation of the contact
func (c Contact) String() string {
	return fmt.Sprintf("%s@%s", c.ID.Short(), c.Addr)
}
