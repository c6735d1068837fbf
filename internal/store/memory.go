package store

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WebFirstLanguage/kadnet/pkg/kad"
)

// Memory is an in-process Store. Values live in a sync.Map; a slot counter
// enforces the capacity without a global lock and a small mutex guards the
// owner set.
type Memory struct {
	data     sync.Map // kad.ID -> *kad.Value, never mutated in place
	size     atomic.Int64
	capacity int

	ownerMu sync.RWMutex
	owned   map[kad.ID]struct{}
}

var _ Store = (*Memory)(nil)

// NewMemory creates an in-memory store holding at most capacity values
func NewMemory(capacity int) *Memory {
	return &Memory{
		capacity: capacity,
		owned:    make(map[kad.ID]struct{}),
	}
}

// reserve claims one slot, or fails when the store is at capacity
func (m *Memory) reserve() bool {
	for {
		n := m.size.Load()
		if n >= int64(m.capacity) {
			return false
		}
		if m.size.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Put inserts a replica value
func (m *Memory) Put(v kad.Value) error {
	return m.put(v)
}

// PutOwned inserts a value published by this node. The owner mark is set
// under the same lock readers of the owner set hold, so the value is never
// visible as a replica.
func (m *Memory) PutOwned(v kad.Value) error {
	m.ownerMu.Lock()
	defer m.ownerMu.Unlock()

	if err := m.put(v); err != nil {
		return err
	}
	m.owned[v.Key] = struct{}{}
	return nil
}

func (m *Memory) put(v kad.Value) error {
	if m.Contains(v.Key) {
		return fmt.Errorf("%w: %s", kad.ErrDuplicate, v.Key)
	}
	if !m.reserve() {
		return fmt.Errorf("%w: capacity %d", kad.ErrFull, m.capacity)
	}
	c := v.Clone()
	if _, loaded := m.data.LoadOrStore(v.Key, &c); loaded {
		m.size.Add(-1)
		return fmt.Errorf("%w: %s", kad.ErrDuplicate, v.Key)
	}
	return nil
}

// Get returns the value stored under key
func (m *Memory) Get(key kad.ID) (kad.Value, error) {
	v, ok := m.data.Load(key)
	if !ok {
		return kad.Value{}, fmt.Errorf("%w: value %s", kad.ErrNotFound, key)
	}
	return v.(*kad.Value).Clone(), nil
}

// Remove deletes the value stored under key
func (m *Memory) Remove(key kad.ID) error {
	m.ownerMu.Lock()
	delete(m.owned, key)
	m.ownerMu.Unlock()

	if _, ok := m.data.LoadAndDelete(key); !ok {
		return fmt.Errorf("%w: value %s", kad.ErrNotFound, key)
	}
	m.size.Add(-1)
	return nil
}

// Refresh moves the timestamp of a stored value forward
func (m *Memory) Refresh(key kad.ID, ts time.Time) error {
	for {
		cur, ok := m.data.Load(key)
		if !ok {
			return fmt.Errorf("%w: value %s", kad.ErrNotFound, key)
		}
		old := cur.(*kad.Value)
		if !ts.After(old.Timestamp) {
			return nil
		}
		next := old.WithTimestamp(ts)
		if m.data.CompareAndSwap(key, cur, &next) {
			return nil
		}
	}
}

// Contains reports whether a value is stored under key
func (m *Memory) Contains(key kad.ID) bool {
	_, ok := m.data.Load(key)
	return ok
}

// IsOwned reports whether key was published by this node
func (m *Memory) IsOwned(key kad.ID) bool {
	m.ownerMu.RLock()
	defer m.ownerMu.RUnlock()
	_, ok := m.owned[key]
	return ok
}

// IsFull reports whether the store has reached its capacity
func (m *Memory) IsFull() bool {
	return m.size.Load() >= int64(m.capacity)
}

// Len returns the number of stored values
func (m *Memory) Len() int {
	return int(m.size.Load())
}

// Capacity returns the maximum number of values
func (m *Memory) Capacity() int {
	return m.capacity
}

// Values returns a snapshot of the replica values
func (m *Memory) Values() []kad.Value {
	return m.collect(false)
}

// OwnerValues returns a snapshot of the owner values
func (m *Memory) OwnerValues() []kad.Value {
	return m.collect(true)
}

func (m *Memory) collect(owned bool) []kad.Value {
	m.ownerMu.RLock()
	defer m.ownerMu.RUnlock()

	var values []kad.Value
	m.data.Range(func(k, v any) bool {
		if _, isOwned := m.owned[k.(kad.ID)]; isOwned == owned {
			values = append(values, v.(*kad.Value).Clone())
		}
		return true
	})
	return values
}

// Close is a no-op for the in-memory store
func (m *Memory) Close() error {
	return nil
}
