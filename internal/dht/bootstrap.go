package dht

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/WebFirstLanguage/kadnet/pkg/constants"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var errNoAnswer = errors.New("seed did not answer")

// bootstrapState records the outcome of the last bootstrap
type bootstrapState struct {
	mu            sync.RWMutex
	bootstrapped  bool
	lastBootstrap time.Time
}

// Bootstrap joins the network through seed addresses. Each seed is pinged
// with exponential backoff; a seed that answers is added to the routing table
// under the identifier it reports. Once at least one seed is known the
// owner's own neighbourhood is looked up.
func (d *DHT) Bootstrap(ctx context.Context, seeds []netip.AddrPort) error {
	if len(seeds) == 0 {
		return fmt.Errorf("%w: no seed nodes configured", kad.ErrInvalidInput)
	}

	d.log.Info("starting bootstrap", zap.Int("seeds", len(seeds)))

	connected := 0
	for _, addr := range seeds {
		c, err := d.pingSeed(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Warn("failed to reach seed", zap.Stringer("seed", addr), zap.Error(err))
			continue
		}

		res, err := d.node.Table().Put(c)
		if err != nil {
			d.log.Debug("seed rejected by routing table", zap.Stringer("seed", c), zap.Error(err))
			continue
		}
		if res == BucketFull {
			if _, err := d.TryReplaceLeastSeen(ctx, c); err != nil {
				return err
			}
		}
		connected++
	}

	if connected == 0 {
		return fmt.Errorf("failed to connect to any seed nodes")
	}
	d.log.Info("connected to seed nodes", zap.Int("connected", connected))

	if err := d.RefreshBucket(ctx, d.node.ID()); err != nil {
		return fmt.Errorf("peer discovery failed: %w", err)
	}

	d.bootstrap.mu.Lock()
	d.bootstrap.bootstrapped = true
	d.bootstrap.lastBootstrap = time.Now()
	d.bootstrap.mu.Unlock()

	d.log.Info("bootstrap completed", zap.Int("contacts", d.node.Table().Size()))
	return nil
}

// pingSeed pings addr until it answers or the retry budget is spent
func (d *DHT) pingSeed(ctx context.Context, addr netip.AddrPort) (kad.Contact, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = constants.BootstrapInitialDelay

	var contact kad.Contact
	op := func() error {
		resp, err := d.node.Ping(ctx, addr)
		if err != nil {
			return backoff.Permanent(err)
		}
		if resp == nil {
			return errNoAnswer
		}
		contact = kad.Contact{ID: resp.Originator, Addr: addr}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		d.log.Debug("retrying seed", zap.Stringer("seed", addr), zap.Duration("wait", wait), zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, constants.BootstrapMaxRetries), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return kad.Contact{}, err
	}
	return contact, nil
}

// IsBootstrapped returns whether a bootstrap has completed
func (d *DHT) IsBootstrapped() bool {
	d.bootstrap.mu.RLock()
	defer d.bootstrap.mu.RUnlock()
	return d.bootstrap.bootstrapped
}

// LastBootstrap returns the time of the last successful bootstrap
func (d *DHT) LastBootstrap() time.Time {
	d.bootstrap.mu.RLock()
	defer d.bootstrap.mu.RUnlock()
	return d.bootstrap.lastBootstrap
}
