package dht

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/WebFirstLanguage/kadnet/pkg/kad"
)

// PutResult is the outcome of adding a contact to a bucket
type PutResult int

const (
	// Inserted means the contact was new and added
	Inserted PutResult = iota
	// Refreshed means the contact was known and is now most recently seen
	Refreshed
	// BucketFull means the contact was new but the bucket has no room
	BucketFull
)

// String returns the string representation of the result
func (r PutResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Refreshed:
		return "refreshed"
	case BucketFull:
		return "bucket_full"
	default:
		return "unknown"
	}
}

type entry struct {
	contact  kad.Contact
	lastSeen time.Time
}

// before orders entries by last-seen time, breaking ties by identifier
func (e entry) before(other entry) bool {
	if !e.lastSeen.Equal(other.lastSeen) {
		return e.lastSeen.Before(other.lastSeen)
	}
	return e.contact.ID.Less(other.contact.ID)
}

// Bucket represents a k-bucket in the Kademlia routing table
type Bucket struct {
	mu       sync.Mutex
	index    int
	capacity int

	// Least recently seen first
	entries []entry

	// Time of the last insertion or eviction
	lastUpdated time.Time
}

func newBucket(index, capacity int) *Bucket {
	return &Bucket{
		index:       index,
		capacity:    capacity,
		entries:     make([]entry, 0, capacity),
		lastUpdated: time.Now(),
	}
}

// Index returns the bucket's position in the routing table
func (b *Bucket) Index() int {
	return b.index
}

// Put adds the contact, refreshes it if already present, or reports BucketFull
func (b *Bucket) Put(c kad.Contact) PutResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.find(c.ID); i >= 0 {
		b.touch(i, c)
		return Refreshed
	}

	if len(b.entries) >= b.capacity {
		return BucketFull
	}

	now := time.Now()
	b.insert(entry{contact: c, lastSeen: now})
	b.lastUpdated = now
	return Inserted
}

// Replace evicts oldID and puts c in its place. When c carries the same
// identifier this only refreshes its last-seen time and address.
func (b *Bucket) Replace(oldID kad.ID, c kad.Contact) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.find(oldID)
	if i < 0 {
		return fmt.Errorf("%w: contact %s", kad.ErrNotFound, oldID.Short())
	}

	if oldID == c.ID {
		b.touch(i, c)
		return nil
	}

	b.remove(i)
	now := time.Now()
	if j := b.find(c.ID); j >= 0 {
		b.touch(j, c)
	} else {
		b.insert(entry{contact: c, lastSeen: now})
	}
	b.lastUpdated = now
	return nil
}

// MarkSeen moves a known contact to the most recently seen position
func (b *Bucket) MarkSeen(c kad.Contact) error {
	return b.Replace(c.ID, c)
}

// LeastSeen returns the contact that has gone longest without being seen
func (b *Bucket) LeastSeen() (kad.Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return kad.Contact{}, false
	}
	return b.entries[0].contact, true
}

// Get retrieves a contact by ID
func (b *Bucket) Get(id kad.ID) (kad.Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.find(id); i >= 0 {
		return b.entries[i].contact, true
	}
	return kad.Contact{}, false
}

// Contains reports whether the bucket holds id
func (b *Bucket) Contains(id kad.ID) bool {
	_, ok := b.Get(id)
	return ok
}

// Contacts returns the bucket's contacts, least recently seen first
func (b *Bucket) Contacts() []kad.Contact {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]kad.Contact, len(b.entries))
	for i, e := range b.entries {
		result[i] = e.contact
	}
	return result
}

// Len returns the number of contacts in the bucket
func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// IsFull returns true if the bucket is at maximum capacity
func (b *Bucket) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries) >= b.capacity
}

// LastUpdated returns the time of the last structural change
func (b *Bucket) LastUpdated() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdated
}

func (b *Bucket) find(id kad.ID) int {
	for i, e := range b.entries {
		if e.contact.ID == id {
			return i
		}
	}
	return -1
}

// touch marks entry i as seen now, updating its address from c
func (b *Bucket) touch(i int, c kad.Contact) {
	e := b.entries[i]
	b.remove(i)
	e.contact = c
	e.lastSeen = time.Now()
	b.insert(e)
}

func (b *Bucket) remove(i int) {
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
}

// insert places e keeping entries ordered by (lastSeen, ID)
func (b *Bucket) insert(e entry) {
	pos := sort.Search(len(b.entries), func(j int) bool {
		return e.before(b.entries[j])
	})
	b.entries = append(b.entries, entry{})
	copy(b.entries[pos+1:], b.entries[pos:])
	b.entries[pos] = e
}
