// Package kad defines the Kademlia keyspace: 160-bit identifiers, contacts and stored values.
package kad

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"

	"github.com/WebFirstLanguage/kadnet/pkg/constants"
	"lukechampine.com/blake3"
)

// ID is a 160-bit identifier shared by nodes and stored values
type ID [constants.IDLength]byte

// ParseID creates an ID from exactly IDLength bytes
func ParseID(b []byte) (ID, error) {
	var id ID
	if len(b) != constants.IDLength {
		return id, fmt.Errorf("%w: id must be %d bytes, got %d", ErrInvalidInput, constants.IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseHex decodes a 40-character hex string into an ID
func ParseHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return ParseID(b)
}

// RandomID returns an identifier drawn from a cryptographically secure source
func RandomID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return id, nil
}

// MustRandomID is RandomID for callers that cannot recover from an entropy failure
func MustRandomID() ID {
	id, err := RandomID()
	if err != nil {
		panic(err)
	}
	return id
}

// HashKey maps arbitrary key material into the keyspace using BLAKE3
func HashKey(data []byte) ID {
	var id ID
	h := blake3.New(constants.IDLength, nil)
	h.Write(data)
	h.Sum(id[:0])
	return id
}

// Distance calculates the XOR distance between two IDs
func (id ID) Distance(other ID) ID {
	var result ID
	for i := range id {
		result[i] = id[i] ^ other[i]
	}
	return result
}

// Cmp compares two IDs as unsigned big-endian integers
func (id ID) Cmp(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Less reports whether id < other
func (id ID) Less(other ID) bool { return id.Cmp(other) < 0 }

// LessOrEqual reports whether id <= other
func (id ID) LessOrEqual(other ID) bool { return id.Cmp(other) <= 0 }

// Greater reports whether id > other
func (id ID) Greater(other ID) bool { return id.Cmp(other) > 0 }

// GreaterOrEqual reports whether id >= other
func (id ID) GreaterOrEqual(other ID) bool { return id.Cmp(other) >= 0 }

// Equal reports whether both IDs hold the same bytes
func (id ID) Equal(other ID) bool { return id == other }

// IsZero returns true if the ID is all zeros
func (id ID) IsZero() bool {
	return id == ID{}
}

// BitLen returns the position of the highest set bit plus one, 0 for the zero ID
func (id ID) BitLen() int {
	for i, b := range id {
		if b != 0 {
			return (len(id)-i-1)*8 + bits.Len8(b)
		}
	}
	return 0
}

// Bytes returns a copy of the ID as a byte slice
func (id ID) Bytes() []byte {
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

// String returns the hex representation of the ID
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated hex form for logs
func (id ID) Short() string {
	return id.String()[:8]
}

// BucketIndex returns floor(log2(owner XOR id)), the index of the k-bucket that
// holds id in owner's routing table. It returns -1 when the IDs are equal.
func BucketIndex(owner, id ID) int {
	return owner.Distance(id).BitLen() - 1
}

// DistanceCmp returns a comparator ordering IDs by their XOR distance to target
func DistanceCmp(target ID) func(a, b ID) int {
	return func(a, b ID) int {
		return a.Distance(target).Cmp(b.Distance(target))
	}
}

// Closer reports whether a is strictly closer to target than b
func Closer(target, a, b ID) bool {
	return a.Distance(target).Less(b.Distance(target))
}

// RandomIDInBucket returns a random identifier that falls in bucket index of
// owner's routing table, i.e. whose distance to owner has its highest set bit
// at position index.
func RandomIDInBucket(owner ID, index int) (ID, error) {
	if index < 0 || index >= constants.IDBits {
		return ID{}, fmt.Errorf("%w: bucket index %d out of range", ErrInvalidInput, index)
	}

	dist, err := RandomID()
	if err != nil {
		return ID{}, err
	}

	// byte holding the top bit; bytes before it are cleared
	pos := len(dist) - 1 - index/8
	for i := 0; i < pos; i++ {
		dist[i] = 0
	}
	bit := byte(1) << (index % 8)
	dist[pos] = dist[pos]&(bit-1) | bit

	return owner.Distance(dist), nil
}
