package agent

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/WebFirstLanguage/kadnet/internal/config"
	"github.com/WebFirstLanguage/kadnet/pkg/control"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.General.DataDir = "/data"
	cfg.Node.ListenAddress = "127.0.0.1:0"
	cfg.Node.RPCTimeout = 300 * time.Millisecond
	cfg.Control.Address = "127.0.0.1:0"
	return cfg
}

func newTestAgent(t *testing.T, cfg *config.Config, fs afero.Fs) *Agent {
	t.Helper()
	a := New(cfg, WithFs(fs), WithLogger(zap.NewNop()))
	t.Cleanup(func() {
		if a.State() != StateStopped {
			a.Stop(context.Background())
		}
	})
	return a
}

// dropControl closes the control listener out from under a running agent
func dropControl(t *testing.T, a *Agent) {
	t.Helper()
	a.mu.RLock()
	l := a.listener
	a.mu.RUnlock()
	require.NotNil(t, l)
	require.NoError(t, l.Close())
}

// TestAgentStates tests the agent state machine transitions
func TestAgentStates(t *testing.T) {
	tests := []struct {
		name          string
		initialState  State
		action        func(*Agent) error
		expectedState State
		expectError   bool
	}{
		{
			name:          "start_from_stopped",
			initialState:  StateStopped,
			action:        func(a *Agent) error { return a.Start(context.Background()) },
			expectedState: StateRunning,
		},
		{
			name:          "stop_from_running",
			initialState:  StateRunning,
			action:        func(a *Agent) error { return a.Stop(context.Background()) },
			expectedState: StateStopped,
		},
		{
			name:          "start_already_running",
			initialState:  StateRunning,
			action:        func(a *Agent) error { return a.Start(context.Background()) },
			expectedState: StateRunning,
			expectError:   true,
		},
		{
			name:          "stop_already_stopped",
			initialState:  StateStopped,
			action:        func(a *Agent) error { return a.Stop(context.Background()) },
			expectedState: StateStopped,
			expectError:   true,
		},
		{
			name:          "stop_while_stopping",
			initialState:  StateStopping,
			action:        func(a *Agent) error { return a.Stop(context.Background()) },
			expectedState: StateStopping,
			expectError:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAgent(t, testConfig(t), afero.NewMemMapFs())
			a.state = tt.initialState

			err := tt.action(a)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedState, a.State())

			if a.State() == StateStopping {
				a.setState(StateStopped)
			}
		})
	}
}

// TestStateString tests state names
func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "unknown", State(42).String())
}

// TestAgentLifecycle tests the complete agent lifecycle
func TestAgentLifecycle(t *testing.T) {
	a := newTestAgent(t, testConfig(t), afero.NewMemMapFs())
	assert.Nil(t, a.Node())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, a.Start(ctx))
	assert.Equal(t, StateRunning, a.State())
	require.NotNil(t, a.Node())
	require.NotNil(t, a.DHT())
	require.NotNil(t, a.ControlAddr())

	client, err := control.Dial(ctx, a.ControlAddr().String())
	require.NoError(t, err)
	defer client.Close()

	info, err := client.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.Node().ID().String(), info.ID)
	assert.Equal(t, "running", info.State)

	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, StateStopped, a.State())
	assert.Nil(t, a.Node())
	assert.Nil(t, a.ControlAddr())
}

// TestAgentWithoutControl tests an agent with the control API disabled
func TestAgentWithoutControl(t *testing.T) {
	cfg := testConfig(t)
	cfg.Control.Enabled = false
	a := newTestAgent(t, cfg, afero.NewMemMapFs())

	require.NoError(t, a.Start(context.Background()))
	assert.Nil(t, a.ControlAddr())
	require.NoError(t, a.Stop(context.Background()))
}

// TestAgentSnapshotRoundTrip tests that identity, contacts and values survive a restart
func TestAgentSnapshotRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t)
	cfg.Store.Backend = config.BackendDisk
	ctx := context.Background()

	first := newTestAgent(t, cfg, fs)
	require.NoError(t, first.Start(ctx))

	id := first.Node().ID()
	key := kad.HashKey([]byte("kept"))
	_, err := first.DHT().StoreKey(ctx, key, []byte("across restarts"))
	require.NoError(t, err)

	peer := kad.Contact{ID: kad.MustRandomID(), Addr: netip.MustParseAddrPort("192.0.2.1:4000")}
	_, err = first.Node().Table().Put(peer)
	require.NoError(t, err)

	require.NoError(t, first.Stop(ctx))

	exists, err := afero.Exists(fs, cfg.SnapshotPath())
	require.NoError(t, err)
	require.True(t, exists)

	second := newTestAgent(t, cfg, fs)
	require.NoError(t, second.Start(ctx))

	assert.Equal(t, id, second.Node().ID())
	assert.True(t, second.Node().Table().Contains(peer.ID))
	assert.True(t, second.Node().Store().IsOwned(key))

	v, err := second.DHT().FindValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("across restarts"), v.Data)
}

// TestAgentJoinsSeed tests that a configured seed is bootstrapped on start
func TestAgentJoinsSeed(t *testing.T) {
	ctx := context.Background()

	seed := newTestAgent(t, testConfig(t), afero.NewMemMapFs())
	require.NoError(t, seed.Start(ctx))

	cfg := testConfig(t)
	cfg.DHT.Seeds = []string{seed.Node().Addr().String()}
	joiner := newTestAgent(t, cfg, afero.NewMemMapFs())
	require.NoError(t, joiner.Start(ctx))

	assert.True(t, joiner.DHT().IsBootstrapped())
	assert.True(t, joiner.Node().Table().Contains(seed.Node().ID()))
}

// TestAgentStartFailure tests that a bad configuration leaves the agent in the error state
func TestAgentStartFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.ListenAddress = "not an address"
	a := newTestAgent(t, cfg, afero.NewMemMapFs())

	assert.Error(t, a.Start(context.Background()))
	assert.Equal(t, StateError, a.State())
	assert.NoError(t, a.Stop(context.Background()))
}

// TestAgentControlLoss tests that losing the control listener is reported as an error
func TestAgentControlLoss(t *testing.T) {
	a := newTestAgent(t, testConfig(t), afero.NewMemMapFs())
	require.NoError(t, a.Start(context.Background()))

	dropControl(t, a)
	require.Eventually(t, func() bool { return a.State() == StateError }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, StateStopped, a.State())
}

// TestAgentSupervisor tests the supervisor lifecycle
func TestAgentSupervisor(t *testing.T) {
	a := newTestAgent(t, testConfig(t), afero.NewMemMapFs())
	supervisor := NewSupervisor(a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, supervisor.Start(ctx))
	assert.True(t, supervisor.IsRunning())
	assert.Equal(t, StateRunning, a.State())
	assert.Error(t, supervisor.Start(ctx))

	require.NoError(t, supervisor.Stop(ctx))
	assert.False(t, supervisor.IsRunning())
	assert.Equal(t, StateStopped, a.State())
	assert.Error(t, supervisor.Stop(ctx))
}

// TestSupervisorRestartsAgent tests the supervisor retry logic
func TestSupervisorRestartsAgent(t *testing.T) {
	a := newTestAgent(t, testConfig(t), afero.NewMemMapFs())
	supervisor := NewSupervisorWithConfig(a, SupervisorConfig{
		MaxRetries:          3,
		RetryDelay:          10 * time.Millisecond,
		HealthCheckInterval: 20 * time.Millisecond,
	})

	ctx := context.Background()
	require.NoError(t, supervisor.Start(ctx))
	id := a.Node().ID()

	dropControl(t, a)
	require.Eventually(t, func() bool {
		return supervisor.Restarts() == 1 && a.State() == StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	// The restarted node comes back from its snapshot
	assert.Equal(t, id, a.Node().ID())
	require.NoError(t, supervisor.Stop(ctx))
}
