package wire

import (
	"fmt"

	"github.com/WebFirstLanguage/kadnet/pkg/constants"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
)

// ProtocolError reports a datagram that violates the wire format
type ProtocolError struct {
	Code   uint16 // Error code
	Reason string // Human-readable error message
}

// NewError creates a new protocol error
func NewError(code uint16, reason string) *ProtocolError {
	return &ProtocolError{
		Code:   code,
		Reason: reason,
	}
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("kadnet protocol error %s: %s", ErrorCodeName(e.Code), e.Reason)
}

// Is lets errors.Is match any protocol error against kad.ErrProtocol
func (e *ProtocolError) Is(target error) bool {
	return target == kad.ErrProtocol
}

// ErrorCodeName returns the human-readable name for an error code
func ErrorCodeName(code uint16) string {
	switch code {
	case constants.ErrorTruncated:
		return "TRUNCATED"
	case constants.ErrorLengthMismatch:
		return "LENGTH_MISMATCH"
	case constants.ErrorUnknownType:
		return "UNKNOWN_TYPE"
	case constants.ErrorBadPayload:
		return "BAD_PAYLOAD"
	case constants.ErrorOversize:
		return "OVERSIZE"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}

// Common error constructors

// ErrTruncated creates an error for input shorter than the structure it should hold
func ErrTruncated(what string, want, got int) *ProtocolError {
	return NewError(constants.ErrorTruncated,
		fmt.Sprintf("%s needs %d bytes, got %d", what, want, got))
}

// ErrLengthMismatch creates an error for a header length that disagrees with the datagram
func ErrLengthMismatch(declared, actual int) *ProtocolError {
	return NewError(constants.ErrorLengthMismatch,
		fmt.Sprintf("header declares %d payload bytes, datagram carries %d", declared, actual))
}

// ErrUnknownType creates an error for an unrecognised message type byte
func ErrUnknownType(t byte) *ProtocolError {
	return NewError(constants.ErrorUnknownType, fmt.Sprintf("unknown message type %d", t))
}

// ErrBadPayload creates an error for a payload that cannot be decoded
func ErrBadPayload(reason string) *ProtocolError {
	return NewError(constants.ErrorBadPayload, reason)
}

// ErrOversize creates an error for a message that cannot fit in one datagram
func ErrOversize(size int) *ProtocolError {
	return NewError(constants.ErrorOversize,
		fmt.Sprintf("encoded size %d exceeds datagram limit %d", size, constants.MaxDatagramSize))
}
