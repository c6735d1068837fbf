// Package control implements the kadnet local control API: JSON requests and
// responses, one per line, over a TCP connection to a running node.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/WebFirstLanguage/kadnet/internal/dht"
	"github.com/WebFirstLanguage/kadnet/internal/logger"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"go.uber.org/zap"
)

// Method names
const (
	MethodInfo  = "info"
	MethodPeers = "peers"
	MethodPut   = "put"
	MethodGet   = "get"
	MethodPing  = "ping"
)

// Request represents a control API request
type Request struct {
	Method string                 `json:"method"`
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Response represents a control API response
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// InfoResult describes the running node
type InfoResult struct {
	ID           string      `json:"id"`
	Address      string      `json:"address"`
	State        string      `json:"state"`
	Bootstrapped bool        `json:"bootstrapped"`
	Contacts     int         `json:"contacts"`
	Buckets      map[int]int `json:"buckets"`
	Values       int         `json:"values"`
	OwnerValues  int         `json:"owner_values"`
	Capacity     int         `json:"capacity"`
}

// Peer is one routing table entry
type Peer struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Bucket  int    `json:"bucket"`
}

// PeersResult lists the routing table
type PeersResult struct {
	Peers []Peer `json:"peers"`
}

// PutResult reports a publish
type PutResult struct {
	Key      string `json:"key"`
	Accepted int    `json:"accepted"`
}

// GetResult carries a found value
type GetResult struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// PingResult reports whether a peer answered
type PingResult struct {
	Alive bool   `json:"alive"`
	ID    string `json:"id,omitempty"`
	RTTMs int64  `json:"rtt_ms,omitempty"`
}

// Backend is the DHT engine the API drives
type Backend interface {
	Node() *dht.Node
	Store(ctx context.Context, v kad.Value) (int, error)
	FindValue(ctx context.Context, key kad.ID) (kad.Value, error)
	IsBootstrapped() bool
}

// Server implements the control API server
type Server struct {
	mu      sync.RWMutex
	backend Backend
	state   func() string
	log     *zap.Logger
}

// NewServer creates a new control API server. state reports the owner's
// lifecycle state and may be nil.
func NewServer(backend Backend, state func() string, log *zap.Logger) *Server {
	if state == nil {
		state = func() string { return "running" }
	}
	return &Server{
		backend: backend,
		state:   state,
		log:     logger.OrNop(log),
	}
}

// ParseKey turns user input into a key: 40 hex characters are taken as an
// identifier, anything else is hashed
func ParseKey(s string) kad.ID {
	if len(s) == 2*len(kad.ID{}) {
		if id, err := kad.ParseHex(s); err == nil {
			return id
		}
	}
	return kad.HashKey([]byte(s))
}

// Serve accepts connections on listener until ctx is cancelled. The listener
// is closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()
	defer listener.Close()

	s.log.Info("control API listening", zap.Stringer("addr", listener.Addr()))

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Debug("accept failed", zap.Error(err))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection handles a single client connection
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var request Request
		if err := decoder.Decode(&request); err != nil {
			// Connection closed or invalid JSON
			return
		}

		response := s.handleRequest(ctx, request)

		if err := encoder.Encode(response); err != nil {
			s.log.Debug("failed to send response", zap.String("method", request.Method), zap.Error(err))
			return
		}
	}
}

// handleRequest processes a single API request
func (s *Server) handleRequest(ctx context.Context, request Request) Response {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		result interface{}
		err    error
	)
	switch request.Method {
	case MethodInfo:
		result = s.handleInfo()
	case MethodPeers:
		result = s.handlePeers()
	case MethodPut:
		result, err = s.handlePut(ctx, request.Params)
	case MethodGet:
		result, err = s.handleGet(ctx, request.Params)
	case MethodPing:
		result, err = s.handlePing(ctx, request.Params)
	default:
		err = fmt.Errorf("unknown method: %s", request.Method)
	}

	if err != nil {
		return Response{ID: request.ID, Error: err.Error()}
	}
	return Response{ID: request.ID, Result: result}
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	v, ok := params[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s parameter is required and must be a string", name)
	}
	return v, nil
}

func (s *Server) handleInfo() InfoResult {
	n := s.backend.Node()
	return InfoResult{
		ID:           n.ID().String(),
		Address:      n.Addr().String(),
		State:        s.state(),
		Bootstrapped: s.backend.IsBootstrapped(),
		Contacts:     n.Table().Size(),
		Buckets:      n.Table().BucketInfo(),
		Values:       len(n.Store().Values()),
		OwnerValues:  len(n.Store().OwnerValues()),
		Capacity:     n.Store().Capacity(),
	}
}

func (s *Server) handlePeers() PeersResult {
	n := s.backend.Node()
	contacts := n.Table().Contacts()

	peers := make([]Peer, len(contacts))
	for i, c := range contacts {
		peers[i] = Peer{
			ID:      c.ID.String(),
			Address: c.Addr.String(),
			Bucket:  kad.BucketIndex(n.ID(), c.ID),
		}
	}
	return PeersResult{Peers: peers}
}

func (s *Server) handlePut(ctx context.Context, params map[string]interface{}) (PutResult, error) {
	k, err := stringParam(params, "key")
	if err != nil {
		return PutResult{}, err
	}
	value, ok := params["value"].(string)
	if !ok {
		return PutResult{}, fmt.Errorf("value parameter is required and must be a string")
	}

	key := ParseKey(k)
	accepted, err := s.backend.Store(ctx, kad.NewValue(key, []byte(value)))
	if err != nil {
		return PutResult{}, fmt.Errorf("failed to store value: %w", err)
	}
	return PutResult{Key: key.String(), Accepted: accepted}, nil
}

func (s *Server) handleGet(ctx context.Context, params map[string]interface{}) (GetResult, error) {
	k, err := stringParam(params, "key")
	if err != nil {
		return GetResult{}, err
	}

	key := ParseKey(k)
	v, err := s.backend.FindValue(ctx, key)
	if err != nil {
		return GetResult{}, err
	}
	return GetResult{Key: key.String(), Value: string(v.Data), Timestamp: v.Timestamp}, nil
}

func (s *Server) handlePing(ctx context.Context, params map[string]interface{}) (PingResult, error) {
	a, err := stringParam(params, "addr")
	if err != nil {
		return PingResult{}, err
	}
	addr, err := netip.ParseAddrPort(a)
	if err != nil {
		return PingResult{}, fmt.Errorf("invalid address %q: %w", a, err)
	}

	start := time.Now()
	resp, err := s.backend.Node().Ping(ctx, addr)
	if err != nil {
		return PingResult{}, err
	}
	if resp == nil {
		return PingResult{Alive: false}, nil
	}
	return PingResult{
		Alive: true,
		ID:    resp.Originator.String(),
		RTTMs: time.Since(start).Milliseconds(),
	}, nil
}
