package kad

import (
	"fmt"
	"time"
)

// Value is a stored key/value pair. Timestamp records when it was last
// published and drives expiration.
type Value struct {
	Key       ID
	Timestamp time.Time
	Data      []byte
}

// NewValue creates a value stamped with the current time
func NewValue(key ID, data []byte) Value {
	return Value{Key: key, Timestamp: time.Now(), Data: data}
}

// WithTimestamp returns a copy of v carrying ts
func (v Value) WithTimestamp(ts time.Time) Value {
	v.Timestamp = ts
	return v
}

// Clone returns a deep copy of v
func (v Value) Clone() Value {
	data := make([]byte, len(v.Data))
	copy(data, v.Data)
	v.Data = data
	return v
}

// String returns a string representation of the value
func (v Value) String() string {
	return fmt.Sprintf("Value{Key: %s, Timestamp: %s, Size: %d}",
		v.Key.Short(), v.Timestamp.Format(time.RFC3339), len(v.Data))
}
