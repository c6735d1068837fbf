// Package dht implements a Kademlia distributed hash table node: the routing
// table, the RPC facade over the UDP transport and the lookup engine with its
// periodic maintenance.
package dht

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/WebFirstLanguage/kadnet/internal/logger"
	"github.com/WebFirstLanguage/kadnet/internal/store"
	"github.com/WebFirstLanguage/kadnet/pkg/constants"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"github.com/WebFirstLanguage/kadnet/pkg/transport"
	"github.com/WebFirstLanguage/kadnet/pkg/transport/udp"
	"github.com/WebFirstLanguage/kadnet/pkg/wire"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// spoofBlock is how long a peer that claims our own identifier is refused
const spoofBlock = 10 * time.Minute

// NodeConfig holds node configuration
type NodeConfig struct {
	ID      kad.ID // zero means generate a random ID
	Address string // UDP listen address, "host:port"

	BucketSize      int
	RPCTimeout      time.Duration
	ValueExpiration time.Duration

	// Store defaults to an in-memory store of DHTStorageCapacity values
	Store store.Store

	Transport *transport.Config

	// RateLimit enables per-peer inbound rate limiting when set
	RateLimit *RateLimiterConfig

	Logger *zap.Logger
}

// Node is one DHT participant: it owns the routing table, the value store and
// the transport, issues the five RPCs and answers them.
type Node struct {
	id        kad.ID
	table     *RoutingTable
	store     store.Store
	transport transport.Transport
	admission *Admission
	log       *zap.Logger

	rpcTimeout      time.Duration
	valueExpiration time.Duration

	ready chan struct{}
}

// FindResult is the outcome of a FIND_NODE or FIND_VALUE call. Answered is
// false when the peer did not respond in time.
type FindResult struct {
	Answered bool
	Contacts []kad.Contact
	Value    *kad.Value
}

// NewNode creates a node and binds its UDP socket
func NewNode(config *NodeConfig) (*Node, error) {
	return newNode(config, func(h transport.Handler) (transport.Transport, error) {
		addr := config.Address
		if addr == "" {
			addr = constants.DefaultListenAddress
		}
		tcfg := config.Transport
		if tcfg == nil {
			tcfg = transport.DefaultConfig()
		}
		if tcfg.Logger == nil {
			tcfg.Logger = config.Logger
		}
		return udp.Listen(addr, h, tcfg)
	})
}

func newNode(config *NodeConfig, listen func(transport.Handler) (transport.Transport, error)) (*Node, error) {
	if config == nil {
		config = &NodeConfig{}
	}

	id := config.ID
	if id.IsZero() {
		var err error
		if id, err = kad.RandomID(); err != nil {
			return nil, err
		}
	}

	rpcTimeout := config.RPCTimeout
	if rpcTimeout <= 0 {
		rpcTimeout = constants.RPCTimeout
	}
	expiration := config.ValueExpiration
	if expiration <= 0 {
		expiration = constants.ValueExpiration
	}
	st := config.Store
	if st == nil {
		st = store.NewMemory(constants.DHTStorageCapacity)
	}

	n := &Node{
		id:              id,
		table:           NewRoutingTable(id, config.BucketSize),
		store:           st,
		admission:       NewAdmission(config.RateLimit),
		log:             logger.OrNop(config.Logger).With(zap.String("node", id.Short())),
		rpcTimeout:      rpcTimeout,
		valueExpiration: expiration,
		ready:           make(chan struct{}),
	}

	tr, err := listen(n)
	if err != nil {
		return nil, fmt.Errorf("failed to start transport: %w", err)
	}
	n.transport = tr
	close(n.ready)

	n.log.Info("node started", zap.Stringer("addr", tr.LocalAddr()), zap.Stringer("id", id))
	return n, nil
}

// ID returns the node's identifier
func (n *Node) ID() kad.ID {
	return n.id
}

// Addr returns the bound UDP endpoint
func (n *Node) Addr() netip.AddrPort {
	return n.transport.LocalAddr()
}

// Contact returns the node as a contact other nodes can store
func (n *Node) Contact() kad.Contact {
	return kad.Contact{ID: n.id, Addr: n.Addr()}
}

// Table returns the routing table
func (n *Node) Table() *RoutingTable {
	return n.table
}

// Store returns the value store
func (n *Node) Store() store.Store {
	return n.store
}

// Admission returns the inbound admission policy
func (n *Node) Admission() *Admission {
	return n.admission
}

// RPCTimeout returns the per-request timeout
func (n *Node) RPCTimeout() time.Duration {
	return n.rpcTimeout
}

// Close stops the transport and closes the store
func (n *Node) Close() error {
	return multierr.Append(n.transport.Close(), n.store.Close())
}

// request sends one RPC and marks the responder seen if it answered
func (n *Node) request(ctx context.Context, to netip.AddrPort, t wire.Type, payload []byte) (*transport.Exchange, error) {
	ex, err := n.transport.SendRequest(ctx, to, wire.NewRequest(t, n.id, payload), n.rpcTimeout)
	if err != nil {
		return nil, err
	}
	if ex.Answered() {
		n.markSeen(kad.Contact{ID: ex.Response.Originator, Addr: to})
	}
	return ex, nil
}

// markSeen refreshes a contact that is already in the routing table
func (n *Node) markSeen(c kad.Contact) {
	if c.ID == n.id {
		return
	}
	if err := n.table.MarkSeen(c); err != nil && !errors.Is(err, kad.ErrNotFound) {
		n.log.Debug("failed to mark contact seen", zap.Stringer("contact", c), zap.Error(err))
	}
}

// Ping checks whether a peer is alive. It returns the response, or nil when the
// peer did not answer.
func (n *Node) Ping(ctx context.Context, addr netip.AddrPort) (*wire.Message, error) {
	ex, err := n.request(ctx, addr, wire.TypePing, nil)
	if err != nil {
		return nil, err
	}
	return ex.Response, nil
}

// FindNode asks c for the contacts it knows closest to target
func (n *Node) FindNode(ctx context.Context, c kad.Contact, target kad.ID) (FindResult, error) {
	ex, err := n.request(ctx, c.Addr, wire.TypeFindNode, wire.EncodeID(target))
	if err != nil || !ex.Answered() {
		return FindResult{}, err
	}

	contacts, err := wire.DecodeContacts(ex.Response.Payload)
	if err != nil {
		n.log.Debug("bad FIND_NODE response", zap.Stringer("peer", c), zap.Error(err))
		return FindResult{}, nil
	}
	return FindResult{Answered: true, Contacts: contacts}, nil
}

// FindValue asks c for the value stored under key. A peer that does not hold
// the value answers with contacts instead.
func (n *Node) FindValue(ctx context.Context, c kad.Contact, key kad.ID) (FindResult, error) {
	ex, err := n.request(ctx, c.Addr, wire.TypeFindValue, wire.EncodeID(key))
	if err != nil || !ex.Answered() {
		return FindResult{}, err
	}

	resp := ex.Response
	if resp.Type == wire.TypeFindValue {
		v, err := wire.DecodeValue(resp.Payload)
		if err != nil || v.Key != key {
			n.log.Debug("bad FIND_VALUE response", zap.Stringer("peer", c), zap.Error(err))
			return FindResult{}, nil
		}
		return FindResult{Answered: true, Value: &v}, nil
	}

	contacts, err := wire.DecodeContacts(resp.Payload)
	if err != nil {
		n.log.Debug("bad FIND_VALUE contact list", zap.Stringer("peer", c), zap.Error(err))
		return FindResult{}, nil
	}
	return FindResult{Answered: true, Contacts: contacts}, nil
}

// StoreValue asks c to keep a replica of v. It reports whether c accepted it.
func (n *Node) StoreValue(ctx context.Context, c kad.Contact, v kad.Value) (bool, error) {
	return n.boolRPC(ctx, c, wire.TypeStore, wire.EncodeValue(v))
}

// CanStoreValue asks c whether it has room for another value
func (n *Node) CanStoreValue(ctx context.Context, c kad.Contact) (bool, error) {
	return n.boolRPC(ctx, c, wire.TypeCanStore, nil)
}

func (n *Node) boolRPC(ctx context.Context, c kad.Contact, t wire.Type, payload []byte) (bool, error) {
	ex, err := n.request(ctx, c.Addr, t, payload)
	if err != nil || !ex.Answered() {
		return false, err
	}
	ok, err := wire.DecodeBool(ex.Response.Payload)
	if err != nil {
		n.log.Debug("bad boolean response", zap.Stringer("type", t), zap.Stringer("peer", c), zap.Error(err))
		return false, nil
	}
	return ok, nil
}
