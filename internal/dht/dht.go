package dht

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/WebFirstLanguage/kadnet/internal/logger"
	"github.com/WebFirstLanguage/kadnet/pkg/constants"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DHT is the lookup engine on top of a Node: iterative lookups, publishing
// and the periodic replicate, republish and bucket refresh jobs.
type DHT struct {
	mu   sync.Mutex
	node *Node
	log  *zap.Logger

	// Configuration
	alpha             int // Concurrency parameter for iterative operations
	replicationCount  int
	replicateInterval time.Duration
	republishInterval time.Duration
	refreshInterval   time.Duration
	seeds             []netip.AddrPort

	bootstrap *bootstrapState

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron
}

// Config holds DHT configuration
type Config struct {
	Node *Node

	Alpha            int // Concurrency parameter (default: 3)
	ReplicationCount int // Peers a value is pushed to (default: 20)

	ReplicateInterval time.Duration
	RepublishInterval time.Duration
	RefreshInterval   time.Duration

	// Seeds are pinged on Start to join the network
	Seeds []netip.AddrPort

	Logger *zap.Logger
}

// New creates a new DHT instance
func New(config *Config) (*DHT, error) {
	if config == nil || config.Node == nil {
		return nil, fmt.Errorf("%w: node is required", kad.ErrInvalidInput)
	}

	alpha := config.Alpha
	if alpha <= 0 {
		alpha = constants.DHTAlpha
	}
	replication := config.ReplicationCount
	if replication <= 0 {
		replication = constants.DHTReplicationCount
	}

	d := &DHT{
		node:              config.Node,
		log:               logger.OrNop(config.Logger).With(zap.String("node", config.Node.ID().Short())),
		alpha:             alpha,
		replicationCount:  replication,
		replicateInterval: orDefault(config.ReplicateInterval, constants.ReplicateInterval),
		republishInterval: orDefault(config.RepublishInterval, constants.RepublishInterval),
		refreshInterval:   orDefault(config.RefreshInterval, constants.RefreshInterval),
		seeds:             config.Seeds,
		bootstrap:         &bootstrapState{},
	}
	return d, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Node returns the underlying node
func (d *DHT) Node() *Node {
	return d.node
}

// Alpha returns the lookup concurrency
func (d *DHT) Alpha() int {
	return d.alpha
}

// ReplicationCount returns how many peers a value is pushed to
func (d *DHT) ReplicationCount() int {
	return d.replicationCount
}

// Start joins the network through the configured seeds, refreshes the
// owner's neighbourhood and schedules the maintenance jobs
func (d *DHT) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx != nil {
		return fmt.Errorf("DHT is already running")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	// Bootstrap refreshes the owner's bucket itself once a seed answers
	joined := false
	if len(d.seeds) > 0 {
		if err := d.Bootstrap(d.ctx, d.seeds); err != nil {
			d.log.Warn("bootstrap failed, continuing with the current routing table", zap.Error(err))
		} else {
			joined = true
		}
	}
	if !joined {
		if err := d.RefreshBucket(d.ctx, d.node.ID()); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warn("initial refresh failed", zap.Error(err))
		}
	}

	c := cron.New(
		cron.WithLogger(logger.Cron(d.log)),
		cron.WithChain(cron.SkipIfStillRunning(logger.Cron(d.log))),
	)
	d.schedule(c, "replicate", d.replicateInterval, d.Replicate)
	d.schedule(c, "republish", d.republishInterval, d.Republish)
	d.schedule(c, "refresh", d.refreshInterval, d.RefreshStale)
	c.Start()
	d.cron = c

	d.log.Info("DHT started",
		zap.Int("contacts", d.node.Table().Size()),
		zap.Duration("replicate", d.replicateInterval),
		zap.Duration("republish", d.republishInterval),
		zap.Duration("refresh", d.refreshInterval))
	return nil
}

// schedule registers a maintenance job that runs against the DHT's context
func (d *DHT) schedule(c *cron.Cron, name string, every time.Duration, job func(context.Context) error) {
	ctx := d.ctx
	c.Schedule(cron.Every(every), cron.FuncJob(func() {
		start := time.Now()
		if err := job(ctx); err != nil {
			if ctx.Err() == nil {
				d.log.Warn("maintenance job failed", zap.String("job", name), zap.Error(err))
			}
			return
		}
		d.log.Info("maintenance job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	}))
}

// Stop cancels running jobs and waits for them to return
func (d *DHT) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return nil
	}
	d.cancel()
	if d.cron != nil {
		<-d.cron.Stop().Done()
		d.cron = nil
	}
	d.ctx, d.cancel = nil, nil

	d.log.Info("DHT stopped")
	return nil
}

// Store publishes v as an owner value and pushes it to the closest known
// peers. It returns how many of them accepted a replica.
func (d *DHT) Store(ctx context.Context, v kad.Value) (int, error) {
	st := d.node.Store()
	if st.Contains(v.Key) {
		if err := st.Remove(v.Key); err != nil && !errors.Is(err, kad.ErrNotFound) {
			return 0, err
		}
	}
	if err := st.PutOwned(v); err != nil {
		return 0, fmt.Errorf("failed to store value locally: %w", err)
	}
	return d.replicate(ctx, v)
}

// StoreKey publishes data under key with the current time as its timestamp
func (d *DHT) StoreKey(ctx context.Context, key kad.ID, data []byte) (int, error) {
	return d.Store(ctx, kad.NewValue(key, data))
}

// FindValue returns the value stored under key. The local store is consulted
// first; expired replicas found there are dropped. On a network hit the value
// is cached at the closest peer that lacked it and kept here as a replica.
func (d *DHT) FindValue(ctx context.Context, key kad.ID) (kad.Value, error) {
	st := d.node.Store()
	if v, err := st.Get(key); err == nil {
		if st.IsOwned(key) || !d.node.IsExpired(v) {
			return v, nil
		}
		d.log.Debug("dropping expired replica", zap.String("key", key.Short()))
		if err := st.Remove(key); err != nil && !errors.Is(err, kad.ErrNotFound) {
			return kad.Value{}, err
		}
	}

	v, forward, err := d.lookupValue(ctx, key)
	if err != nil {
		return kad.Value{}, err
	}
	if v == nil {
		return kad.Value{}, fmt.Errorf("%w: value %s", kad.ErrNotFound, key)
	}

	if forward != nil {
		if _, err := d.node.StoreValue(ctx, *forward, *v); err != nil {
			d.log.Debug("failed to cache value at peer", zap.Stringer("peer", forward), zap.Error(err))
		}
	}
	if err := st.Put(*v); err != nil && !errors.Is(err, kad.ErrDuplicate) && !errors.Is(err, kad.ErrFull) {
		d.log.Debug("failed to keep local replica", zap.String("key", key.Short()), zap.Error(err))
	}
	return *v, nil
}
