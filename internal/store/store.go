// Package store holds the values a node is responsible for, either as their
// publisher (owner values) or as a replica.
package store

import (
	"time"

	"github.com/WebFirstLanguage/kadnet/pkg/kad"
)

// Store is a capacity-bounded value store. Implementations are safe for concurrent use.
type Store interface {
	// Put inserts a replica value. It fails with kad.ErrFull or kad.ErrDuplicate.
	Put(v kad.Value) error

	// PutOwned inserts a value published by this node, with the same failure modes as Put
	PutOwned(v kad.Value) error

	// Get returns the value stored under key or kad.ErrNotFound
	Get(key kad.ID) (kad.Value, error)

	// Remove deletes the value and its owner mark, or returns kad.ErrNotFound
	Remove(key kad.ID) error

	// Refresh moves the stored timestamp forward to ts. Older timestamps are ignored.
	Refresh(key kad.ID, ts time.Time) error

	Contains(key kad.ID) bool
	IsOwned(key kad.ID) bool
	IsFull() bool
	Len() int
	Capacity() int

	// Values returns a snapshot of the replica values
	Values() []kad.Value

	// OwnerValues returns a snapshot of the owner values, disjoint from Values
	OwnerValues() []kad.Value

	Close() error
}
