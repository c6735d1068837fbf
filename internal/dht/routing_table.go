package dht

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/WebFirstLanguage/kadnet/pkg/constants"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
)

// RoutingTable implements a Kademlia routing table with up to 160 buckets.
// Buckets are created on first use; each bucket carries its own lock so
// unrelated buckets never contend.
type RoutingTable struct {
	self       kad.ID
	bucketSize int
	buckets    sync.Map // int -> *Bucket
}

// NewRoutingTable creates a new routing table for the given local node ID
func NewRoutingTable(self kad.ID, bucketSize int) *RoutingTable {
	if bucketSize <= 0 {
		bucketSize = constants.DHTBucketSize
	}
	return &RoutingTable{
		self:       self,
		bucketSize: bucketSize,
	}
}

// Self returns the owner's identifier
func (rt *RoutingTable) Self() kad.ID {
	return rt.self
}

// BucketSize returns k, the capacity of every bucket
func (rt *RoutingTable) BucketSize() int {
	return rt.bucketSize
}

// Bucket returns the bucket responsible for id, creating it if needed
func (rt *RoutingTable) Bucket(id kad.ID) (*Bucket, error) {
	idx := kad.BucketIndex(rt.self, id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: the owner id has no bucket", kad.ErrInvalidInput)
	}
	return rt.bucketAt(idx), nil
}

func (rt *RoutingTable) bucketAt(idx int) *Bucket {
	if b, ok := rt.buckets.Load(idx); ok {
		return b.(*Bucket)
	}
	b, _ := rt.buckets.LoadOrStore(idx, newBucket(idx, rt.bucketSize))
	return b.(*Bucket)
}

// existing returns the bucket at idx without creating it
func (rt *RoutingTable) existing(idx int) *Bucket {
	if b, ok := rt.buckets.Load(idx); ok {
		return b.(*Bucket)
	}
	return nil
}

// Put adds a contact to the appropriate bucket
func (rt *RoutingTable) Put(c kad.Contact) (PutResult, error) {
	b, err := rt.Bucket(c.ID)
	if err != nil {
		return BucketFull, err
	}
	return b.Put(c), nil
}

// Replace evicts oldID from its bucket in favour of c
func (rt *RoutingTable) Replace(oldID kad.ID, c kad.Contact) error {
	idx := kad.BucketIndex(rt.self, oldID)
	if idx < 0 {
		return fmt.Errorf("%w: contact %s", kad.ErrNotFound, oldID.Short())
	}
	b := rt.existing(idx)
	if b == nil {
		return fmt.Errorf("%w: contact %s", kad.ErrNotFound, oldID.Short())
	}
	return b.Replace(oldID, c)
}

// MarkSeen refreshes a known contact. It returns kad.ErrNotFound for unknown contacts.
func (rt *RoutingTable) MarkSeen(c kad.Contact) error {
	return rt.Replace(c.ID, c)
}

// Get retrieves a contact by ID
func (rt *RoutingTable) Get(id kad.ID) (kad.Contact, bool) {
	idx := kad.BucketIndex(rt.self, id)
	if idx < 0 {
		return kad.Contact{}, false
	}
	if b := rt.existing(idx); b != nil {
		return b.Get(id)
	}
	return kad.Contact{}, false
}

// Contains reports whether the table knows id
func (rt *RoutingTable) Contains(id kad.ID) bool {
	_, ok := rt.Get(id)
	return ok
}

// Closest returns up to count contacts ordered by ascending distance to target.
//
// Buckets are visited outward from the target's bucket b: bucket b first, then
// all buckets below b as one group, then b+1, b+2 and so on. Every contact in
// an earlier group is strictly closer to target than any contact in a later
// one, so the scan stops as soon as enough contacts have been gathered.
func (rt *RoutingTable) Closest(target kad.ID, count int) []kad.Contact {
	if count <= 0 {
		return nil
	}

	byDistance := func(a, b kad.Contact) int {
		return a.ID.Distance(target).Cmp(b.ID.Distance(target))
	}

	var result []kad.Contact
	appendGroup := func(group []kad.Contact) bool {
		slices.SortFunc(group, byDistance)
		result = append(result, group...)
		return len(result) >= count
	}

	b := kad.BucketIndex(rt.self, target)
	if b >= 0 {
		var group []kad.Contact
		if bucket := rt.existing(b); bucket != nil {
			group = bucket.Contacts()
		}
		if appendGroup(group) {
			return result[:count]
		}

		group = nil
		for i := 0; i < b; i++ {
			if bucket := rt.existing(i); bucket != nil {
				group = append(group, bucket.Contacts()...)
			}
		}
		if appendGroup(group) {
			return result[:count]
		}
	}

	for i := b + 1; i < constants.IDBits; i++ {
		if bucket := rt.existing(i); bucket != nil {
			if appendGroup(bucket.Contacts()) {
				return result[:count]
			}
		}
	}

	return result
}

// Buckets returns the buckets created so far, ordered by index
func (rt *RoutingTable) Buckets() []*Bucket {
	var buckets []*Bucket
	rt.buckets.Range(func(_, v any) bool {
		buckets = append(buckets, v.(*Bucket))
		return true
	})
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Index() < buckets[j].Index()
	})
	return buckets
}

// BucketsByLastUpdated returns the buckets ordered from least to most recently
// updated, ties broken by index
func (rt *RoutingTable) BucketsByLastUpdated() []*Bucket {
	type stamped struct {
		bucket  *Bucket
		updated int64
	}

	buckets := rt.Buckets()
	list := make([]stamped, len(buckets))
	for i, b := range buckets {
		list[i] = stamped{bucket: b, updated: b.LastUpdated().UnixNano()}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].updated < list[j].updated
	})

	for i, s := range list {
		buckets[i] = s.bucket
	}
	return buckets
}

// Contacts returns all contacts in the routing table
func (rt *RoutingTable) Contacts() []kad.Contact {
	var contacts []kad.Contact
	for _, b := range rt.Buckets() {
		contacts = append(contacts, b.Contacts()...)
	}
	return contacts
}

// Size returns the total number of contacts in the routing table
func (rt *RoutingTable) Size() int {
	total := 0
	for _, b := range rt.Buckets() {
		total += b.Len()
	}
	return total
}

// BucketInfo returns the number of contacts per non-empty bucket
func (rt *RoutingTable) BucketInfo() map[int]int {
	info := make(map[int]int)
	for _, b := range rt.Buckets() {
		if n := b.Len(); n > 0 {
			info[b.Index()] = n
		}
	}
	return info
}

// CountNearer returns how many known contacts are closer to the owner than id is
func (rt *RoutingTable) CountNearer(id kad.ID) int {
	b := kad.BucketIndex(rt.self, id)
	if b < 0 {
		return 0
	}

	count := 0
	for i := 0; i < b; i++ {
		if bucket := rt.existing(i); bucket != nil {
			count += bucket.Len()
		}
	}

	if bucket := rt.existing(b); bucket != nil {
		limit := rt.self.Distance(id)
		for _, c := range bucket.Contacts() {
			if rt.self.Distance(c.ID).Less(limit) {
				count++
			}
		}
	}
	return count
}
