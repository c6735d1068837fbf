// Package agent runs a kadnet node: it assembles the store, node, DHT and
// control server from configuration and manages their lifecycle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/WebFirstLanguage/kadnet/internal/config"
	"github.com/WebFirstLanguage/kadnet/internal/dht"
	"github.com/WebFirstLanguage/kadnet/internal/logger"
	"github.com/WebFirstLanguage/kadnet/internal/snapshot"
	"github.com/WebFirstLanguage/kadnet/pkg/control"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State represents the current state of the agent
type State int

const (
	// StateStopped indicates the agent is not running
	StateStopped State = iota
	// StateStarting indicates the agent is in the process of starting
	StateStarting
	// StateRunning indicates the agent is running normally
	StateRunning
	// StateStopping indicates the agent is in the process of stopping
	StateStopping
	// StateError indicates the agent encountered an error
	StateError
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Option configures an Agent
type Option func(*Agent)

// WithFs sets the filesystem used for the disk store and snapshots
func WithFs(fs afero.Fs) Option {
	return func(a *Agent) { a.fs = fs }
}

// WithLogger sets the agent's logger
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// Agent represents a kadnet node with lifecycle management
type Agent struct {
	mu    sync.RWMutex
	state State
	cfg   *config.Config
	fs    afero.Fs
	log   *zap.Logger

	node     *dht.Node
	dht      *dht.DHT
	listener net.Listener

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new agent for cfg
func New(cfg *config.Config, opts ...Option) *Agent {
	a := &Agent{
		state: StateStopped,
		cfg:   cfg,
		fs:    afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logger.New("agent")
	}
	return a
}

// State returns the current state of the agent
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// setState sets the agent state (internal use)
func (a *Agent) setState(state State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
}

// Node returns the running node, or nil
func (a *Agent) Node() *dht.Node {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.node
}

// DHT returns the running DHT, or nil
func (a *Agent) DHT() *dht.DHT {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dht
}

// ControlAddr returns the control API address, or nil when it is disabled
func (a *Agent) ControlAddr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Start starts the agent. An agent in the error state releases what is left
// of its previous run first.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateRunning:
		return fmt.Errorf("agent is already running")
	case StateStarting:
		return fmt.Errorf("agent is already starting")
	case StateStopping:
		return fmt.Errorf("agent is stopping")
	case StateError:
		if err := a.release(); err != nil {
			a.log.Warn("failed to release previous run", zap.Error(err))
		}
	}

	a.state = StateStarting

	// Create context for agent lifecycle
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.done = nil

	if err := a.build(); err != nil {
		a.cancel()
		a.state = StateError
		return err
	}

	if err := a.dht.Start(a.ctx); err != nil {
		a.cancel()
		a.state = StateError
		return fmt.Errorf("failed to start DHT: %w", err)
	}

	var server *control.Server
	if a.cfg.Control.Enabled {
		listener, err := net.Listen("tcp", a.cfg.Control.Address)
		if err != nil {
			a.cancel()
			a.state = StateError
			return fmt.Errorf("failed to listen for control API: %w", err)
		}
		a.listener = listener
		server = control.NewServer(a.dht, func() string { return a.State().String() }, a.log.Named("control"))
	}

	a.done = make(chan struct{})
	go a.run(a.ctx, a.done, server, a.listener)

	a.state = StateRunning
	a.log.Info("agent started",
		zap.Stringer("id", a.node.ID()),
		zap.Stringer("addr", a.node.Addr()),
		zap.Bool("bootstrapped", a.dht.IsBootstrapped()))
	return nil
}

// build assembles the store, node and DHT from configuration
func (a *Agent) build() error {
	if a.cfg.General.Debug {
		logger.SetDebug(true)
	}

	st, err := a.cfg.OpenStore(a.fs)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	nc, err := a.cfg.NodeConfig(a.log.Named("node"))
	if err != nil {
		st.Close()
		return err
	}
	nc.Store = st

	node, err := a.openNode(nc)
	if err != nil {
		st.Close()
		return err
	}

	dc, err := a.cfg.DHTConfig(node, a.log.Named("dht"))
	if err != nil {
		node.Close()
		return err
	}
	d, err := dht.New(dc)
	if err != nil {
		node.Close()
		return fmt.Errorf("failed to create DHT: %w", err)
	}

	a.node = node
	a.dht = d
	return nil
}

// openNode restores the node from its snapshot when one exists
func (a *Agent) openNode(nc *dht.NodeConfig) (*dht.Node, error) {
	path := a.cfg.SnapshotPath()
	if path == "" {
		return dht.NewNode(nc)
	}

	state, err := snapshot.Load(a.fs, path)
	if errors.Is(err, kad.ErrNotFound) {
		return dht.NewNode(nc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	node, err := snapshot.Reconstruct(state, nc)
	if node == nil {
		return nil, fmt.Errorf("failed to restore snapshot: %w", err)
	}
	if err != nil {
		a.log.Warn("snapshot entries skipped", zap.String("path", path), zap.Error(err))
	}
	a.log.Info("node restored from snapshot",
		zap.String("path", path),
		zap.Int("contacts", node.Table().Size()),
		zap.Int("values", node.Store().Len()))
	return node, nil
}

// Stop stops the agent, saving its snapshot first
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()

	if a.state == StateStopped {
		a.mu.Unlock()
		return fmt.Errorf("agent is already stopped")
	}

	if a.state == StateStopping {
		a.mu.Unlock()
		return fmt.Errorf("agent is already stopping")
	}

	a.state = StateStopping
	done := a.done
	err := a.release()

	// Unlock before waiting
	a.mu.Unlock()

	// Wait for the control server to finish
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("timeout waiting for agent to stop"))
		}
	}

	a.setState(StateStopped)
	a.log.Info("agent stopped")
	return err
}

// release saves the snapshot and tears down the DHT, node and control
// listener. The caller holds a.mu.
func (a *Agent) release() error {
	var errs error
	if a.node != nil {
		errs = multierr.Append(errs, a.saveSnapshot())
	}
	if a.dht != nil {
		errs = multierr.Append(errs, a.dht.Stop())
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.listener != nil {
		if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	if a.node != nil {
		errs = multierr.Append(errs, a.node.Close())
	}

	a.node, a.dht, a.listener = nil, nil, nil
	return errs
}

func (a *Agent) saveSnapshot() error {
	path := a.cfg.SnapshotPath()
	if path == "" {
		return nil
	}
	if err := snapshot.Save(a.fs, path, snapshot.Materialize(a.node)); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	a.log.Debug("snapshot saved", zap.String("path", path))
	return nil
}

// run serves the control API until ctx ends. Losing the control listener
// while running puts the agent in the error state.
func (a *Agent) run(ctx context.Context, done chan struct{}, server *control.Server, listener net.Listener) {
	defer close(done)

	if server == nil {
		<-ctx.Done()
		return
	}

	err := server.Serve(ctx, listener)
	if ctx.Err() != nil {
		return
	}
	a.log.Error("control server stopped unexpectedly", zap.Error(err))

	a.mu.Lock()
	if a.state == StateRunning {
		a.state = StateError
	}
	a.mu.Unlock()
}
