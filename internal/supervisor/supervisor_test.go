package supervisor

import (
	"context"
	"log/slog"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phasegate/phasegate/internal/workflow"
	"github.com/phasegate/phasegate/pkg/cerr"
	"github.com/phasegate/phasegate/pkg/storage"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	ls, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.DiscardHandler)
	return New(NewRecordStore(ls), logger, 2*time.Second, 50*time.Millisecond)
}

func TestLaunchAndWait(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	h, err := s.Launch(ctx, Spec{
		Name: "true-runner",
		Role: RoleAgent,
		Mode: workflow.ModeRegular,
		Argv: []string{"true"},
	})
	require.NoError(t, err)
	require.NotZero(t, h.PID)

	code, err := s.Wait(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestLaunchFailureIsSynchronousAndDeregistered(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	_, err := s.Launch(ctx, Spec{
		Name: "missing",
		Role: RoleAgent,
		Mode: workflow.ModeRegular,
		Argv: []string{"/nonexistent/phasegate-test-binary"},
	})
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Internal))
	assert.Empty(t, s.Processes(workflow.ModeRegular), "failed launch must not stay registered")

	records, err := s.records.List(ctx, workflow.ModeRegular)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestWaitReportsNonZeroExit(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	h, err := s.Launch(ctx, Spec{
		Name: "false-runner",
		Role: RoleAgent,
		Mode: workflow.ModeRegular,
		Argv: []string{"false"},
	})
	require.NoError(t, err)

	code, err := s.Wait(ctx, h)
	require.Error(t, err)
	assert.Equal(t, 1, code)
}

func TestTerminateConfirmsDeathAndDeregisters(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	h, err := s.Launch(ctx, Spec{
		Name: "sleeper",
		Role: RoleAPIServer,
		Mode: workflow.ModeRegular,
		Argv: []string{"sleep", "60"},
	})
	require.NoError(t, err)

	require.NoError(t, s.Terminate(ctx, h))
	assert.True(t, h.Exited())
	assert.Empty(t, s.Processes(workflow.ModeRegular))

	records, err := s.records.List(ctx, workflow.ModeRegular)
	require.NoError(t, err)
	assert.Empty(t, records, "record removed only after confirmed death")
}

func TestHealthCheckDetectsExternallyKilledProcess(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	h, err := s.Launch(ctx, Spec{
		Name: "server",
		Role: RoleAPIServer,
		Mode: workflow.ModeRegular,
		Argv: []string{"sleep", "60"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Terminate(ctx, h) })

	assert.True(t, s.HealthCheck(h).Alive)

	// Kill behind the supervisor's back, as a crashed server would.
	require.NoError(t, syscall.Kill(h.PID, syscall.SIGKILL))
	require.Eventually(t, func() bool {
		return !s.HealthCheck(h).Alive
	}, 5*time.Second, 20*time.Millisecond)

	health := s.HealthCheck(h)
	assert.True(t, health.Exited)
	assert.NotEqual(t, 0, health.ExitCode)
}

func TestStopNamespaceIsolation(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	regular, err := s.Launch(ctx, Spec{
		Name: "regular-server",
		Role: RoleAPIServer,
		Mode: workflow.ModeRegular,
		Argv: []string{"sleep", "60"},
	})
	require.NoError(t, err)
	meta, err := s.Launch(ctx, Spec{
		Name: "meta-server",
		Role: RoleAPIServer,
		Mode: workflow.ModeMeta,
		Argv: []string{"sleep", "60"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Terminate(ctx, meta) })

	require.NoError(t, s.StopNamespace(ctx, workflow.ModeRegular))

	assert.True(t, regular.Exited(), "regular process should be stopped")
	assert.False(t, meta.Exited(), "meta process must not be touched")
	assert.True(t, s.HealthCheck(meta).Alive)
	assert.Empty(t, s.Processes(workflow.ModeRegular))
	assert.Len(t, s.Processes(workflow.ModeMeta), 1)
}

func TestStopNamespaceCleansOrphanRecords(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	// A record for a pid that no longer exists, as left by a crashed run.
	require.NoError(t, s.records.Add(ctx, Record{
		ID:        "stale",
		PID:       1 << 30,
		Name:      "dead-server",
		Role:      RoleAPIServer,
		Mode:      workflow.ModeRegular,
		StartedAt: time.Now().Add(-time.Hour),
	}))

	require.NoError(t, s.StopNamespace(ctx, workflow.ModeRegular))

	records, err := s.records.List(ctx, workflow.ModeRegular)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
		wantErr  bool
	}{
		{
			name:     "plain command",
			input:    "claude --dangerously-skip-permissions",
			expected: []string{"claude", "--dangerously-skip-permissions"},
		},
		{
			name:     "quoted argument",
			input:    `runner --prompt "do the thing"`,
			expected: []string{"runner", "--prompt", "do the thing"},
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitCommand(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
