package dht

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// replicate pushes v to the closest known peers, at most alpha at a time.
// Peers that refuse or do not answer are skipped.
func (d *DHT) replicate(ctx context.Context, v kad.Value) (int, error) {
	targets := d.node.Table().Closest(v.Key, d.replicationCount)

	var accepted atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.alpha)
	for _, c := range targets {
		c := c
		g.Go(func() error {
			ok, err := d.node.StoreValue(gctx, c, v)
			if err != nil {
				if gctx.Err() != nil {
					return err
				}
				d.log.Debug("replication target failed", zap.Stringer("peer", c), zap.Error(err))
				return nil
			}
			if ok {
				accepted.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(accepted.Load()), err
}

// Replicate pushes every stored value, replicas and owner values alike, to
// the current closest peers for its key. Expired replicas are only dropped
// when a read finds them.
func (d *DHT) Replicate(ctx context.Context) error {
	st := d.node.Store()

	values := append(st.Values(), st.OwnerValues()...)
	for _, v := range values {
		if _, err := d.replicate(ctx, v); err != nil {
			return err
		}
	}

	d.log.Debug("replication pass", zap.Int("pushed", len(values)))
	return nil
}

// Republish stamps every owner value with the current time and replicates it
func (d *DHT) Republish(ctx context.Context) error {
	st := d.node.Store()

	var errs error
	for _, v := range st.OwnerValues() {
		now := time.Now()
		if err := st.Refresh(v.Key, now); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if _, err := d.replicate(ctx, v.WithTimestamp(now)); err != nil {
			return multierr.Append(errs, err)
		}
	}
	return errs
}

// RefreshStale refreshes every bucket that has not changed within the
// refresh interval. Buckets are visited oldest first, so the scan stops at
// the first fresh one.
func (d *DHT) RefreshStale(ctx context.Context) error {
	owner := d.node.ID()
	for _, b := range d.node.Table().BucketsByLastUpdated() {
		if time.Since(b.LastUpdated()) <= d.refreshInterval {
			break
		}
		id, err := kad.RandomIDInBucket(owner, b.Index())
		if err != nil {
			return err
		}
		d.log.Debug("refreshing stale bucket", zap.Int("bucket", b.Index()))
		if err := d.RefreshBucket(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RefreshBucket looks up id and offers every contact found to the routing
// table. When a bucket is full its least recently seen entry is probed and
// replaced if it no longer answers.
func (d *DHT) RefreshBucket(ctx context.Context, id kad.ID) error {
	contacts, err := d.LookupNode(ctx, id)
	if err != nil {
		return err
	}

	table := d.node.Table()
	for _, c := range contacts {
		res, err := table.Put(c)
		if err != nil {
			continue
		}
		if res == BucketFull {
			if _, err := d.TryReplaceLeastSeen(ctx, c); err != nil {
				return err
			}
		}
	}
	return nil
}

// TryReplaceLeastSeen pings the least recently seen contact of c's bucket and
// swaps c in when the incumbent does not answer. It reports whether c was added.
func (d *DHT) TryReplaceLeastSeen(ctx context.Context, c kad.Contact) (bool, error) {
	bucket, err := d.node.Table().Bucket(c.ID)
	if err != nil {
		return false, err
	}
	least, ok := bucket.LeastSeen()
	if !ok {
		return bucket.Put(c) != BucketFull, nil
	}

	resp, err := d.node.Ping(ctx, least.Addr)
	if err != nil {
		return false, err
	}
	if resp != nil {
		return false, nil
	}

	if err := bucket.Replace(least.ID, c); err != nil {
		if errors.Is(err, kad.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	d.log.Debug("replaced unresponsive contact", zap.Stringer("old", least), zap.Stringer("new", c))
	return true, nil
}
