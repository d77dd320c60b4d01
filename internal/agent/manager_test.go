package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/svid"
)

type fakeProcess struct {
	startErr     error
	stopErr      error
	registerOK   bool
	healthy      bool
	alive        bool
	joinToken    string
	starts       int
	stops        int
	registration *svid.WorkloadEntry
}

func (f *fakeProcess) Start(context.Context) error {
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.alive = true
	return nil
}

func (f *fakeProcess) Stop(context.Context) error {
	f.stops++
	f.alive = false
	return f.stopErr
}

func (f *fakeProcess) Alive() bool              { return f.alive }
func (f *fakeProcess) SocketPath() string       { return "/tmp/fake.sock" }
func (f *fakeProcess) SetJoinToken(token string) { f.joinToken = token }
func (f *fakeProcess) Mode() Mode                { return ModeMock }

func (f *fakeProcess) RegisterWorkload(_ context.Context, entry svid.WorkloadEntry) bool {
	f.registration = &entry
	return f.registerOK
}

func (f *fakeProcess) Healthy(context.Context) bool { return f.healthy }

func newTestManager(process AgentProcess) *Manager {
	return NewManager(process, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestManager_StartStopLifecycle(t *testing.T) {
	process := &fakeProcess{}
	manager := newTestManager(process)
	ctx := context.Background()

	assert.Equal(t, StateStopped, manager.State())

	require.NoError(t, manager.Start(ctx))
	assert.Equal(t, StateRunning, manager.State())
	assert.Equal(t, 1, process.starts)

	// Starting twice is a state error.
	assert.Error(t, manager.Start(ctx))

	require.NoError(t, manager.Stop(ctx))
	assert.Equal(t, StateStopped, manager.State())

	// Stop is idempotent.
	require.NoError(t, manager.Stop(ctx))
	assert.Equal(t, 1, process.stops)
}

func TestManager_FailedStartReturnsToStopped(t *testing.T) {
	process := &fakeProcess{startErr: errors.New("socket never appeared")}
	manager := newTestManager(process)

	err := manager.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, manager.State())

	// The manager is usable again after the failure.
	process.startErr = nil
	require.NoError(t, manager.Start(context.Background()))
	assert.Equal(t, StateRunning, manager.State())
}

func TestManager_AttestNode(t *testing.T) {
	ctx := context.Background()

	t.Run("only join token is implemented", func(t *testing.T) {
		manager := newTestManager(&fakeProcess{})
		for _, strategy := range []svid.AttestationStrategy{
			svid.AttestAWSIID, svid.AttestK8sPSAT, svid.AttestX509PoP,
		} {
			err := manager.AttestNode(ctx, strategy, map[string]string{"join_token": "tok"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "not implemented")
		}
	})

	t.Run("missing token is a contract violation", func(t *testing.T) {
		manager := newTestManager(&fakeProcess{})
		err := manager.AttestNode(ctx, svid.AttestJoinToken, nil)
		assert.True(t, svid.IsContractViolation(err))

		err = manager.AttestNode(ctx, svid.AttestJoinToken, map[string]string{"join_token": ""})
		assert.True(t, svid.IsContractViolation(err))
	})

	t.Run("stopped agent records token for next start", func(t *testing.T) {
		process := &fakeProcess{}
		manager := newTestManager(process)

		require.NoError(t, manager.AttestNode(ctx, svid.AttestJoinToken,
			map[string]string{"join_token": "tok-1"}))
		assert.Equal(t, "tok-1", process.joinToken)
		assert.Equal(t, 0, process.starts)
		assert.Equal(t, StateStopped, manager.State())
	})

	t.Run("running agent restarts to apply token", func(t *testing.T) {
		process := &fakeProcess{}
		manager := newTestManager(process)
		require.NoError(t, manager.Start(ctx))

		require.NoError(t, manager.AttestNode(ctx, svid.AttestJoinToken,
			map[string]string{"join_token": "tok-2"}))
		assert.Equal(t, "tok-2", process.joinToken)
		assert.Equal(t, 1, process.stops)
		assert.Equal(t, 2, process.starts)
		assert.Equal(t, StateRunning, manager.State())
	})
}

func TestManager_RegisterWorkload(t *testing.T) {
	entry := svid.WorkloadEntry{
		SPIFFEID: "spiffe://x0tta6bl4.mesh/workload/api",
		ParentID: "spiffe://x0tta6bl4.mesh/node/a",
		TTL:      3600,
	}

	process := &fakeProcess{registerOK: true}
	assert.True(t, newTestManager(process).RegisterWorkload(context.Background(), entry))
	require.NotNil(t, process.registration)
	assert.Equal(t, entry.SPIFFEID, process.registration.SPIFFEID)
	assert.Equal(t, 3600, process.registration.TTL)

	process = &fakeProcess{registerOK: false}
	assert.False(t, newTestManager(process).RegisterWorkload(context.Background(), entry))
}

func TestManager_HealthCheck(t *testing.T) {
	ctx := context.Background()

	process := &fakeProcess{healthy: true}
	manager := newTestManager(process)

	// Not running yet.
	assert.False(t, manager.HealthCheck(ctx))

	require.NoError(t, manager.Start(ctx))
	assert.True(t, manager.HealthCheck(ctx))

	process.healthy = false
	assert.False(t, manager.HealthCheck(ctx))
}

// serializedProcess counts overlapping strategy calls; the manager is
// expected to never let two run at once.
type serializedProcess struct {
	fakeProcess
	inUse    atomic.Int32
	overlaps atomic.Int32
}

func (s *serializedProcess) enter() func() {
	if s.inUse.Add(1) != 1 {
		s.overlaps.Add(1)
	}
	return func() { s.inUse.Add(-1) }
}

func (s *serializedProcess) Stop(ctx context.Context) error {
	defer s.enter()()
	time.Sleep(time.Millisecond)
	return s.fakeProcess.Stop(ctx)
}

func (s *serializedProcess) Healthy(ctx context.Context) bool {
	defer s.enter()()
	time.Sleep(time.Millisecond)
	return s.fakeProcess.Healthy(ctx)
}

func (s *serializedProcess) RegisterWorkload(ctx context.Context, entry svid.WorkloadEntry) bool {
	defer s.enter()()
	return s.fakeProcess.RegisterWorkload(ctx, entry)
}

func TestManager_SerializesProcessAccess(t *testing.T) {
	process := &serializedProcess{fakeProcess: fakeProcess{registerOK: true, healthy: true}}
	manager := newTestManager(process)
	ctx := context.Background()
	require.NoError(t, manager.Start(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				manager.HealthCheck(ctx)
				manager.RegisterWorkload(ctx, svid.WorkloadEntry{SPIFFEID: "spiffe://x0tta6bl4.mesh/w"})
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Stop(ctx))
	}()
	wg.Wait()

	assert.Zero(t, process.overlaps.Load(), "strategy calls overlapped")
}

func TestManager_StateMachineProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		process := &fakeProcess{registerOK: true, healthy: true}
		manager := newTestManager(process)
		ctx := context.Background()

		runningModel := false

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			action := rapid.SampledFrom([]string{"Start", "Stop", "Attest", "Health"}).Draw(t, "action")
			switch action {
			case "Start":
				err := manager.Start(ctx)
				if runningModel {
					if err == nil {
						t.Fatalf("second start succeeded while running")
					}
				} else if err == nil {
					runningModel = true
				}
			case "Stop":
				if err := manager.Stop(ctx); err != nil {
					t.Fatalf("stop failed: %v", err)
				}
				runningModel = false
			case "Attest":
				if err := manager.AttestNode(ctx, svid.AttestJoinToken,
					map[string]string{"join_token": "tok"}); err != nil {
					t.Fatalf("attest failed: %v", err)
				}
				// Attestation preserves the running state either way.
			case "Health":
				_ = manager.HealthCheck(ctx)
			}

			state := manager.State()
			if runningModel && state != StateRunning {
				t.Fatalf("model running but state is %s", state)
			}
			if !runningModel && state != StateStopped {
				t.Fatalf("model stopped but state is %s", state)
			}
		}
	})
}
