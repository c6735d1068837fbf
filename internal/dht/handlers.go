package dht

import (
	"errors"
	"net/netip"

	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"github.com/WebFirstLanguage/kadnet/pkg/wire"
	"go.uber.org/zap"
)

// HandleRequest answers one inbound request. It runs on the transport's receive
// loop, so it only touches local state and never waits on the network.
func (n *Node) HandleRequest(msg *wire.Message, from netip.AddrPort) {
	<-n.ready

	if msg.Originator == n.id {
		n.log.Warn("peer claims our identifier, blocking", zap.Stringer("peer", from))
		n.admission.Block(from.Addr(), spoofBlock)
		return
	}
	if !n.admission.Allow(from.Addr()) {
		n.log.Debug("request refused by admission policy", zap.Stringer("peer", from), zap.Stringer("type", msg.Type))
		return
	}

	var (
		resp *wire.Message
		err  error
	)
	switch msg.Type {
	case wire.TypePing:
		resp = msg.Reply(wire.TypePing, n.id, nil)
	case wire.TypeFindNode:
		resp, err = n.handleFindNode(msg)
	case wire.TypeFindValue:
		resp, err = n.handleFindValue(msg)
	case wire.TypeCanStore:
		resp = msg.Reply(wire.TypeCanStore, n.id, wire.EncodeBool(!n.store.IsFull()))
	case wire.TypeStore:
		resp, err = n.handleStore(msg)
	}

	if err != nil {
		n.log.Debug("dropping bad request",
			zap.Stringer("type", msg.Type),
			zap.Stringer("peer", from),
			zap.Error(err))
	} else if resp != nil {
		if err := n.transport.SendResponse(from, resp); err != nil {
			n.log.Debug("failed to send response", zap.Stringer("peer", from), zap.Error(err))
		}
	}

	n.markSeen(kad.Contact{ID: msg.Originator, Addr: from})
}

func (n *Node) handleFindNode(msg *wire.Message) (*wire.Message, error) {
	target, err := wire.DecodeID(msg.Payload)
	if err != nil {
		return nil, err
	}
	return n.contactsReply(msg, target)
}

func (n *Node) contactsReply(msg *wire.Message, target kad.ID) (*wire.Message, error) {
	closest := n.table.Closest(target, n.table.BucketSize())
	payload, err := wire.EncodeContacts(closest)
	if err != nil {
		return nil, err
	}
	return msg.Reply(wire.TypeFindNode, n.id, payload), nil
}

func (n *Node) handleFindValue(msg *wire.Message) (*wire.Message, error) {
	key, err := wire.DecodeID(msg.Payload)
	if err != nil {
		return nil, err
	}

	if v, err := n.store.Get(key); err == nil {
		return msg.Reply(wire.TypeFindValue, n.id, wire.EncodeValue(v)), nil
	}
	return n.contactsReply(msg, key)
}

func (n *Node) handleStore(msg *wire.Message) (*wire.Message, error) {
	v, err := wire.DecodeValue(msg.Payload)
	if err != nil {
		return nil, err
	}
	return msg.Reply(wire.TypeStore, n.id, wire.EncodeBool(n.acceptReplica(v))), nil
}

// acceptReplica stores v as a replica. A value already held counts as accepted
// and its timestamp moves forward if v is newer.
func (n *Node) acceptReplica(v kad.Value) bool {
	if n.store.Contains(v.Key) {
		return n.store.Refresh(v.Key, v.Timestamp) == nil
	}
	if n.store.IsFull() {
		return false
	}

	err := n.store.Put(v)
	switch {
	case err == nil:
		return true
	case errors.Is(err, kad.ErrDuplicate):
		return n.store.Refresh(v.Key, v.Timestamp) == nil
	default:
		return false
	}
}
