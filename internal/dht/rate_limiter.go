package dht

import (
	"net/netip"
	"sync"
	"time"
)

// RateLimiter implements a per-peer token bucket for inbound requests
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[netip.Addr]*tokens
	capacity int           // Maximum tokens in bucket
	refill   time.Duration // Time to refill one token
	cleanup  time.Duration // How often to clean up old buckets

	lastCleanup time.Time
}

type tokens struct {
	available int
	lastSeen  time.Time
}

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	Capacity int           // Maximum burst of requests per peer
	Refill   time.Duration // Time to refill one token
	Cleanup  time.Duration // How often to clean up idle peers
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimiterConfig) *RateLimiter {
	capacity, refill, cleanup := config.Capacity, config.Refill, config.Cleanup
	if capacity <= 0 {
		capacity = 200
	}
	if refill <= 0 {
		refill = 50 * time.Millisecond
	}
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}

	return &RateLimiter{
		buckets:     make(map[netip.Addr]*tokens),
		capacity:    capacity,
		refill:      refill,
		cleanup:     cleanup,
		lastCleanup: time.Now(),
	}
}

// Allow checks if a request from the given peer should be allowed
func (rl *RateLimiter) Allow(peer netip.Addr) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCleanup) > rl.cleanup {
		rl.performCleanup(now)
		rl.lastCleanup = now
	}

	b, exists := rl.buckets[peer]
	if !exists {
		rl.buckets[peer] = &tokens{available: rl.capacity - 1, lastSeen: now}
		return true
	}

	// Only whole refill periods count, the remainder carries over
	gained := int(now.Sub(b.lastSeen) / rl.refill)
	if gained > 0 {
		b.available += gained
		if b.available > rl.capacity {
			b.available = rl.capacity
		}
		b.lastSeen = b.lastSeen.Add(time.Duration(gained) * rl.refill)
	}

	if b.available > 0 {
		b.available--
		return true
	}
	return false
}

// Tokens returns the current number of tokens for a peer
func (rl *RateLimiter) Tokens(peer netip.Addr) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[peer]
	if !exists {
		return rl.capacity
	}

	n := b.available + int(time.Since(b.lastSeen)/rl.refill)
	if n > rl.capacity {
		n = rl.capacity
	}
	return n
}

// Reset forgets the state for a peer
func (rl *RateLimiter) Reset(peer netip.Addr) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, peer)
}

// performCleanup removes peers that haven't sent anything for an hour
func (rl *RateLimiter) performCleanup(now time.Time) {
	cutoff := now.Add(-1 * time.Hour)
	for peer, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, peer)
		}
	}
}

// Admission decides whether an inbound request is served: blocked peers are
// refused until their block expires, everyone else is rate limited.
type Admission struct {
	limiter *RateLimiter

	mu      sync.RWMutex
	blocked map[netip.Addr]time.Time // peer -> expiry
}

// NewAdmission creates an admission policy. A nil config disables rate limiting
// but keeps blocking.
func NewAdmission(config *RateLimiterConfig) *Admission {
	a := &Admission{blocked: make(map[netip.Addr]time.Time)}
	if config != nil {
		a.limiter = NewRateLimiter(config)
	}
	return a
}

// Allow checks if a request from the given peer should be served
func (a *Admission) Allow(peer netip.Addr) bool {
	if a.IsBlocked(peer) {
		return false
	}
	if a.limiter == nil {
		return true
	}
	return a.limiter.Allow(peer)
}

// Block refuses requests from peer for the given duration
func (a *Admission) Block(peer netip.Addr, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocked[peer] = time.Now().Add(d)
}

// IsBlocked reports whether peer is currently blocked
func (a *Admission) IsBlocked(peer netip.Addr) bool {
	a.mu.RLock()
	expiry, exists := a.blocked[peer]
	a.mu.RUnlock()

	if !exists {
		return false
	}
	if time.Now().Before(expiry) {
		return true
	}

	a.mu.Lock()
	if e, ok := a.blocked[peer]; ok && !time.Now().Before(e) {
		delete(a.blocked, peer)
	}
	a.mu.Unlock()
	return false
}
