// Package udp implements the kadnet transport over a single UDP socket.
//
// One goroutine reads datagrams. Responses are matched to waiting requests by
// (peer endpoint, sequence number); anything else that is a request goes to the
// Handler, at most once per key within the duplicate window.
package udp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WebFirstLanguage/kadnet/internal/logger"
	"github.com/WebFirstLanguage/kadnet/pkg/constants"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"github.com/WebFirstLanguage/kadnet/pkg/transport"
	"github.com/WebFirstLanguage/kadnet/pkg/wire"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// ErrClosed is returned when sending on a closed transport
var ErrClosed = errors.New("transport closed")

// correlation identifies one request/response exchange with one peer
type correlation struct {
	peer netip.AddrPort
	seq  uint16
}

// Transport implements transport.Transport over UDP
type Transport struct {
	conn    *net.UDPConn
	handler transport.Handler
	log     *zap.Logger

	seq     atomic.Uint32
	pending sync.Map // correlation -> chan *wire.Message
	seen    *expirable.LRU[correlation, struct{}]

	bufSize   int
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// Listen binds an IPv4 UDP socket on addr and starts the receive loop
func Listen(addr string, handler transport.Handler, config *transport.Config) (*Transport, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", kad.ErrInvalidInput)
	}
	if config == nil {
		config = transport.DefaultConfig()
	}
	defaults := transport.DefaultConfig()
	if config.DuplicateWindow <= 0 {
		config.DuplicateWindow = defaults.DuplicateWindow
	}
	if config.DuplicateCapacity <= 0 {
		config.DuplicateCapacity = defaults.DuplicateCapacity
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = defaults.ReadBufferSize
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}

	t := &Transport{
		conn:    conn,
		handler: handler,
		log:     logger.OrNop(config.Logger),
		seen:    expirable.NewLRU[correlation, struct{}](config.DuplicateCapacity, nil, config.DuplicateWindow),
		bufSize: config.ReadBufferSize,
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	// A restarted node on the same endpoint must not reuse sequence numbers
	// its peers still hold in their duplicate windows
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to seed sequence numbers: %w", err)
	}
	t.seq.Store(binary.BigEndian.Uint32(seed[:]))

	go t.receiveLoop()

	t.log.Debug("transport listening", zap.Stringer("addr", t.LocalAddr()))
	return t, nil
}

// LocalAddr returns the bound socket address
func (t *Transport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// nextSeq returns the next sequence number in 1..MaxSeq
func (t *Transport) nextSeq() uint16 {
	n := t.seq.Add(1)
	return uint16((n-1)%constants.MaxSeq + 1)
}

// SendRequest sends msg to the peer and waits for the correlated response
func (t *Transport) SendRequest(ctx context.Context, to netip.AddrPort, msg *wire.Message, timeout time.Duration) (*transport.Exchange, error) {
	if !msg.IsRequest {
		return nil, fmt.Errorf("%w: SendRequest needs a request message", kad.ErrInvalidInput)
	}
	select {
	case <-t.closed:
		return nil, ErrClosed
	default:
	}

	to = normalize(to)
	req := *msg
	reply := make(chan *wire.Message, 1)

	var key correlation
	for {
		req.Seq = t.nextSeq()
		key = correlation{peer: to, seq: req.Seq}
		if _, loaded := t.pending.LoadOrStore(key, reply); !loaded {
			break
		}
	}
	defer t.pending.CompareAndDelete(key, reply)

	data, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", req.Type, err)
	}

	ex := &transport.Exchange{Request: &req, To: to}
	start := time.Now()
	if _, err := t.conn.WriteToUDPAddrPort(data, to); err != nil {
		return nil, fmt.Errorf("failed to send %s to %s: %w", req.Type, to, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		ex.Response = resp
		ex.RTT = time.Since(start)
	case <-timer.C:
		t.log.Debug("request timed out",
			zap.Stringer("type", req.Type),
			zap.Uint16("seq", req.Seq),
			zap.Stringer("peer", to))
	case <-t.closed:
	case <-ctx.Done():
		return ex, ctx.Err()
	}

	return ex, nil
}

// SendResponse sends a response datagram without waiting for anything
func (t *Transport) SendResponse(to netip.AddrPort, msg *wire.Message) error {
	if msg.IsRequest {
		return fmt.Errorf("%w: SendResponse cannot send a request", kad.ErrInvalidInput)
	}

	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode %s response: %w", msg.Type, err)
	}

	if _, err := t.conn.WriteToUDPAddrPort(data, normalize(to)); err != nil {
		return fmt.Errorf("failed to send %s response to %s: %w", msg.Type, to, err)
	}
	return nil
}

// Close stops the receive loop, releases the socket and wakes pending requests
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
		<-t.done
	})
	return err
}

// receiveLoop reads datagrams until the socket is closed
func (t *Transport) receiveLoop() {
	defer close(t.done)

	buf := make([]byte, t.bufSize)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warn("read failed", zap.Error(err))
			continue
		}

		from = normalize(from)
		msg, err := wire.Unmarshal(buf[:n])
		if err != nil {
			t.log.Debug("dropping malformed datagram",
				zap.Stringer("peer", from),
				zap.Int("size", n),
				zap.Error(err))
			continue
		}

		t.dispatch(msg, from)
	}
}

// dispatch routes one decoded message
func (t *Transport) dispatch(msg *wire.Message, from netip.AddrPort) {
	key := correlation{peer: from, seq: msg.Seq}

	if !msg.IsRequest {
		if v, ok := t.pending.LoadAndDelete(key); ok {
			v.(chan *wire.Message) <- msg
			return
		}
		t.log.Debug("dropping uncorrelated response",
			zap.Stringer("type", msg.Type),
			zap.Uint16("seq", msg.Seq),
			zap.Stringer("peer", from))
		return
	}

	if t.seen.Contains(key) {
		t.log.Debug("ignoring duplicate request",
			zap.Stringer("type", msg.Type),
			zap.Uint16("seq", msg.Seq),
			zap.Stringer("peer", from))
		return
	}
	t.seen.Add(key, struct{}{})

	t.handler.HandleRequest(msg, from)
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
