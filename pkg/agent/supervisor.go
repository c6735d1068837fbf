package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// SupervisorConfig holds configuration for the supervisor
type SupervisorConfig struct {
	// MaxRetries is the maximum number of restart attempts per failure
	MaxRetries int
	// RetryDelay is the initial delay between restart attempts
	RetryDelay time.Duration
	// HealthCheckInterval is how often to check agent health
	HealthCheckInterval time.Duration
}

// DefaultSupervisorConfig returns default supervisor configuration
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRetries:          3,
		RetryDelay:          5 * time.Second,
		HealthCheckInterval: 10 * time.Second,
	}
}

// Supervisor restarts an agent that falls into the error state
type Supervisor struct {
	mu     sync.RWMutex
	agent  *Agent
	config SupervisorConfig

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
	restarts int
}

// NewSupervisor creates a new supervisor for the given agent
func NewSupervisor(agent *Agent) *Supervisor {
	return NewSupervisorWithConfig(agent, DefaultSupervisorConfig())
}

// NewSupervisorWithConfig creates a new supervisor with custom configuration
func NewSupervisorWithConfig(agent *Agent, config SupervisorConfig) *Supervisor {
	return &Supervisor{
		agent:  agent,
		config: config,
	}
}

// Start starts the agent and begins watching it
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("supervisor is already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.agent.Start(s.ctx); err != nil {
		s.cancel()
		return fmt.Errorf("failed to start agent: %w", err)
	}

	s.running = true
	s.done = make(chan struct{})
	go s.supervise(s.done)
	return nil
}

// Stop stops the supervisor and the managed agent
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is not running")
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	// Wait for the watch loop so it cannot restart the agent behind us
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for supervisor to stop")
	}

	if err := s.agent.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop agent: %w", err)
	}
	return nil
}

// IsRunning returns whether the supervisor is running
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Restarts returns how many times the agent has been restarted
func (s *Supervisor) Restarts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

// Done is closed when the supervisor stops watching, either on Stop or after
// giving up on the agent
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// supervise is the main supervisor loop
func (s *Supervisor) supervise(done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkAgentHealth(); err != nil {
				s.agent.log.Error("supervisor giving up on agent", zap.Error(err))
				return
			}
		}
	}
}

// checkAgentHealth restarts the agent if it is in the error state
func (s *Supervisor) checkAgentHealth() error {
	if state := s.agent.State(); state != StateError {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.config.MaxRetries)), s.ctx)

	restart := func() error {
		if err := s.agent.Start(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return backoff.Permanent(s.ctx.Err())
			}
			return err
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.agent.log.Warn("agent restart failed", zap.Error(err), zap.Duration("retry_in", next))
	}

	s.agent.log.Warn("agent unhealthy, restarting")
	if err := backoff.RetryNotify(restart, policy, notify); err != nil {
		return fmt.Errorf("failed to restart agent: %w", err)
	}

	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	s.agent.log.Info("agent restarted")
	return nil
}
