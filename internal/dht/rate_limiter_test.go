package dht

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestRateLimiting tests the rate limiting functionality
func TestRateLimiting(t *testing.T) {
	config := &RateLimiterConfig{
		Capacity: 2,               // 2 requests max
		Refill:   1 * time.Second, // 1 request per second
		Cleanup:  1 * time.Minute, // Cleanup every minute
	}

	rateLimiter := NewRateLimiter(config)
	peer := netip.MustParseAddr("10.0.0.1")

	// First two requests should be allowed
	assert.True(t, rateLimiter.Allow(peer), "first request should be allowed")
	assert.True(t, rateLimiter.Allow(peer), "second request should be allowed")

	// Third request should be denied
	assert.False(t, rateLimiter.Allow(peer), "third request should be denied")

	// Other peers have their own bucket
	assert.True(t, rateLimiter.Allow(netip.MustParseAddr("10.0.0.2")))

	// Wait for refill and try again
	time.Sleep(1100 * time.Millisecond)
	assert.True(t, rateLimiter.Allow(peer), "request after refill should be allowed")

	rateLimiter.Reset(peer)
	assert.Equal(t, 2, rateLimiter.Tokens(peer))
}

// TestAdmissionBlock tests that blocked peers are refused until the block expires
func TestAdmissionBlock(t *testing.T) {
	a := NewAdmission(nil)
	peer := netip.MustParseAddr("10.0.0.1")

	assert.True(t, a.Allow(peer))

	a.Block(peer, 50*time.Millisecond)
	assert.True(t, a.IsBlocked(peer))
	assert.False(t, a.Allow(peer))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, a.IsBlocked(peer))
	assert.True(t, a.Allow(peer))
}

// TestAdmissionRateLimit tests that admission applies the configured limiter
func TestAdmissionRateLimit(t *testing.T) {
	a := NewAdmission(&RateLimiterConfig{Capacity: 1, Refill: time.Hour})
	peer := netip.MustParseAddr("10.0.0.1")

	assert.True(t, a.Allow(peer))
	assert.False(t, a.Allow(peer))
}
