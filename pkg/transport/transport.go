// Package transport defines the datagram request/response abstraction the DHT node runs on.
// Implementations own a socket, correlate responses to outstanding requests and dispatch
// inbound requests to a Handler.
package transport

import (
	"context"
	"net/netip"
	"time"

	"github.com/WebFirstLanguage/kadnet/pkg/constants"
	"github.com/WebFirstLanguage/kadnet/pkg/wire"
	"go.uber.org/zap"
)

// Handler receives inbound requests. HandleRequest runs on the receive loop and
// must not block on network round trips.
type Handler interface {
	HandleRequest(msg *wire.Message, from netip.AddrPort)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(msg *wire.Message, from netip.AddrPort)

// HandleRequest calls f(msg, from)
func (f HandlerFunc) HandleRequest(msg *wire.Message, from netip.AddrPort) {
	f(msg, from)
}

// Exchange is the outcome of one request. Response is nil when the peer did not
// answer before the timeout; that is a normal result, not an error.
type Exchange struct {
	Request  *wire.Message
	To       netip.AddrPort
	Response *wire.Message
	RTT      time.Duration
}

// Answered reports whether a response arrived
func (e *Exchange) Answered() bool {
	return e != nil && e.Response != nil
}

// Transport sends correlated requests and uncorrelated responses
type Transport interface {
	// SendRequest assigns a sequence number to msg, sends it to the peer and waits
	// for the matching response or the timeout. Errors are local failures only.
	SendRequest(ctx context.Context, to netip.AddrPort, msg *wire.Message, timeout time.Duration) (*Exchange, error)

	// SendResponse sends msg as-is. It rejects messages flagged as requests.
	SendResponse(to netip.AddrPort, msg *wire.Message) error

	// LocalAddr returns the bound socket address
	LocalAddr() netip.AddrPort

	// Close stops the receive loop and releases the socket
	Close() error
}

// Config holds transport configuration
type Config struct {
	// Window in which a repeated (peer, seq) request is ignored
	DuplicateWindow time.Duration

	// Maximum number of remembered inbound requests
	DuplicateCapacity int

	// Read buffer size; datagrams larger than this are truncated and dropped
	ReadBufferSize int

	Logger *zap.Logger
}

// DefaultConfig returns a default transport configuration
func DefaultConfig() *Config {
	return &Config{
		DuplicateWindow:   constants.DuplicateWindow,
		DuplicateCapacity: 4096,
		ReadBufferSize:    constants.MaxDatagramSize,
	}
}
