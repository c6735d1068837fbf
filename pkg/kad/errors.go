package kad

import "errors"

// Error taxonomy shared by every layer. Callers match with errors.Is; concrete
// errors wrap one of these with context.
var (
	// ErrInvalidInput reports a malformed identifier, address or argument
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound reports a missing contact or value
	ErrNotFound = errors.New("not found")

	// ErrFull reports that a value store has reached its capacity
	ErrFull = errors.New("storage full")

	// ErrDuplicate reports that a value with the same key is already stored
	ErrDuplicate = errors.New("duplicate value")

	// ErrProtocol reports a datagram that does not follow the wire format
	ErrProtocol = errors.New("protocol error")
)
