package dht

import (
	"math"
	"time"

	"github.com/WebFirstLanguage/kadnet/pkg/kad"
)

// IsExpired applies the density-scaled expiration rule to v. With c contacts
// nearer to this node than the key, a value expires immediately when c is 0,
// after the base period when c exceeds the store capacity, and otherwise after
// base * e^(capacity/c).
func (n *Node) IsExpired(v kad.Value) bool {
	c := n.table.CountNearer(v.Key)
	if c == 0 {
		return true
	}

	elapsed := time.Since(v.Timestamp)
	capacity := n.store.Capacity()
	if c > capacity {
		return elapsed >= n.valueExpiration
	}

	limit := n.valueExpiration.Seconds() * math.Exp(float64(capacity)/float64(c))
	return elapsed.Seconds() >= limit
}
