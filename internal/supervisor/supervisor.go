package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc"

	"github.com/phasegate/phasegate/internal/workflow"
	"github.com/phasegate/phasegate/pkg/cerr"
)

type Role string

const (
	// RoleAgent runs one work phase and exits; tracked by wait only.
	RoleAgent Role = "agent"
	// RoleAPIServer is long-lived and health-checked.
	RoleAPIServer Role = "api-server"
)

func (r Role) LongLived() bool {
	return r == RoleAPIServer
}

// Spec describes a process to launch. Argv is exec'd directly with no shell
// in between.
type Spec struct {
	Name string
	Role Role
	Mode workflow.Mode
	Argv []string
	Dir  string
	Env  []string
}

// Handle tracks one launched process until its death is confirmed.
type Handle struct {
	ID        string
	Spec      Spec
	PID       int
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	waitErr  error
	exitCode int
}

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode is only meaningful after Exited reports true.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

type Health struct {
	Alive     bool
	Exited    bool
	ExitCode  int
	CheckedAt time.Time
}

// Supervisor launches and tracks subprocesses. Processes are registered
// before they start so a crash during startup is still tracked for cleanup,
// and deregistered only after confirmed death.
type Supervisor struct {
	records        *RecordStore
	logger         *slog.Logger
	gracePeriod    time.Duration
	healthInterval time.Duration

	mu    sync.Mutex
	procs map[string]*Handle

	wg     conc.WaitGroup
	stopCh chan struct{}
}

func New(records *RecordStore, logger *slog.Logger, gracePeriod, healthInterval time.Duration) *Supervisor {
	return &Supervisor{
		records:        records,
		logger:         logger,
		gracePeriod:    gracePeriod,
		healthInterval: healthInterval,
		procs:          make(map[string]*Handle),
		stopCh:         make(chan struct{}),
	}
}

// Launch registers and starts the process. A start failure deregisters the
// record and is surfaced synchronously; there is no silent retry.
func (s *Supervisor) Launch(ctx context.Context, spec Spec) (*Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, cerr.NewError(cerr.InvalidArgument, "empty command", nil)
	}

	h := &Handle{
		ID:        ulid.Make().String(),
		Spec:      spec,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	h.cmd = cmd

	// Register before starting so even a crash mid-startup is tracked.
	s.mu.Lock()
	s.procs[h.ID] = h
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		s.deregister(ctx, h)
		return nil, cerr.NewError(cerr.Internal,
			fmt.Sprintf("failed to start %s (%s mode)", spec.Name, spec.Mode),
			fmt.Errorf("exec %s: %w", spec.Argv[0], err))
	}
	h.PID = cmd.Process.Pid

	if err := s.records.Add(ctx, Record{
		ID:        h.ID,
		PID:       h.PID,
		Name:      spec.Name,
		Role:      spec.Role,
		Mode:      spec.Mode,
		StartedAt: h.StartedAt,
	}); err != nil {
		s.logger.WarnContext(ctx, "failed to persist pid record",
			slog.String("name", spec.Name), slog.Any("error", err))
	}

	s.wg.Go(func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.waitErr = err
		h.exitCode = cmd.ProcessState.ExitCode()
		h.mu.Unlock()
		close(h.done)
	})

	s.logger.InfoContext(ctx, "process started",
		slog.String("name", spec.Name),
		slog.String("role", string(spec.Role)),
		slog.String("mode", spec.Mode.String()),
		slog.Int("pid", h.PID))
	return h, nil
}

// Wait blocks until the process exits or the context is done. The handle
// stays registered; callers that are finished with the process terminate it
// or let StopNamespace clean up.
func (s *Supervisor) Wait(ctx context.Context, h *Handle) (int, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitCode, h.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// HealthCheck probes a process without touching it: exit state first, then
// signal 0.
func (s *Supervisor) HealthCheck(h *Handle) Health {
	now := time.Now()
	if h.Exited() {
		return Health{Alive: false, Exited: true, ExitCode: h.ExitCode(), CheckedAt: now}
	}
	if err := h.cmd.Process.Signal(syscall.Signal(0)); err != nil {
		return Health{Alive: false, CheckedAt: now}
	}
	return Health{Alive: true, CheckedAt: now}
}

// Terminate sends SIGTERM, waits up to the grace period, force-kills, and
// deregisters only after the process is confirmed dead.
func (s *Supervisor) Terminate(ctx context.Context, h *Handle) error {
	if !h.Exited() {
		s.logger.InfoContext(ctx, "terminating process",
			slog.String("name", h.Spec.Name), slog.Int("pid", h.PID))
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.logger.DebugContext(ctx, "SIGTERM failed, process may have exited",
				slog.Int("pid", h.PID), slog.Any("error", err))
		}
		select {
		case <-h.done:
		case <-time.After(s.gracePeriod):
			s.logger.WarnContext(ctx, "grace period expired, sending SIGKILL",
				slog.String("name", h.Spec.Name), slog.Int("pid", h.PID))
			if err := h.cmd.Process.Kill(); err != nil {
				s.logger.WarnContext(ctx, "SIGKILL failed",
					slog.Int("pid", h.PID), slog.Any("error", err))
			}
			<-h.done
		}
	}
	s.deregister(ctx, h)
	return nil
}

func (s *Supervisor) deregister(ctx context.Context, h *Handle) {
	s.mu.Lock()
	delete(s.procs, h.ID)
	s.mu.Unlock()
	if err := s.records.Remove(ctx, h.Spec.Mode, h.ID); err != nil {
		s.logger.WarnContext(ctx, "failed to remove pid record",
			slog.String("id", h.ID), slog.Any("error", err))
	}
}

// Processes returns the live handles registered under the mode.
func (s *Supervisor) Processes(mode workflow.Mode) []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Handle
	for _, h := range s.procs {
		if h.Spec.Mode == mode {
			out = append(out, h)
		}
	}
	return out
}

// StopNamespace terminates every process registered under the mode and no
// others. Orphans known only from persisted records (a previous run died
// without cleanup) are stopped by pid.
func (s *Supervisor) StopNamespace(ctx context.Context, mode workflow.Mode) error {
	for _, h := range s.Processes(mode) {
		if err := s.Terminate(ctx, h); err != nil {
			return err
		}
	}

	records, err := s.records.List(ctx, mode)
	if err != nil {
		return err
	}
	for _, rec := range records {
		s.stopOrphan(ctx, rec)
	}
	return nil
}

// stopOrphan applies the same graceful-then-forced policy to a process we
// did not launch ourselves, confirming death via signal 0 polling. A process
// that survives SIGKILL is reported, not silently dropped.
func (s *Supervisor) stopOrphan(ctx context.Context, rec Record) {
	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		s.removeRecord(ctx, rec)
		return
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		// Already dead, just drop the stale record.
		s.removeRecord(ctx, rec)
		return
	}

	s.logger.InfoContext(ctx, "stopping orphan process",
		slog.String("name", rec.Name), slog.Int("pid", rec.PID),
		slog.String("mode", rec.Mode.String()))
	_ = proc.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(s.gracePeriod)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			s.removeRecord(ctx, rec)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = proc.Kill()
	time.Sleep(100 * time.Millisecond)
	if err := proc.Signal(syscall.Signal(0)); err == nil {
		s.logger.ErrorContext(ctx, "process survived SIGKILL",
			slog.String("name", rec.Name), slog.Int("pid", rec.PID))
		return
	}
	s.removeRecord(ctx, rec)
}

func (s *Supervisor) removeRecord(ctx context.Context, rec Record) {
	if err := s.records.Remove(ctx, rec.Mode, rec.ID); err != nil {
		s.logger.WarnContext(ctx, "failed to remove pid record",
			slog.String("id", rec.ID), slog.Any("error", err))
	}
}

// StartHealthLoop checks long-lived processes on a fixed interval until the
// context is cancelled or Shutdown is called. A dead server is logged as a
// warning; escalation is the operator's call.
func (s *Supervisor) StartHealthLoop(ctx context.Context) {
	s.wg.Go(func() {
		ticker := time.NewTicker(s.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.checkAll(ctx)
			}
		}
	})
}

func (s *Supervisor) checkAll(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.procs))
	for _, h := range s.procs {
		if h.Spec.Role.LongLived() {
			handles = append(handles, h)
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		health := s.HealthCheck(h)
		if !health.Alive {
			s.logger.WarnContext(ctx, "health check failed",
				slog.String("name", h.Spec.Name),
				slog.String("mode", h.Spec.Mode.String()),
				slog.Int("pid", h.PID),
				slog.Bool("exited", health.Exited),
				slog.Int("exit_code", health.ExitCode))
		} else {
			s.logger.DebugContext(ctx, "health check ok",
				slog.String("name", h.Spec.Name), slog.Int("pid", h.PID))
		}
	}
}

// Shutdown stops the health loop and terminates everything in both
// namespaces.
func (s *Supervisor) Shutdown(ctx context.Context) {
	close(s.stopCh)
	for _, mode := range []workflow.Mode{workflow.ModeRegular, workflow.ModeMeta} {
		for _, h := range s.Processes(mode) {
			if err := s.Terminate(ctx, h); err != nil {
				s.logger.WarnContext(ctx, "failed to terminate process",
					slog.String("name", h.Spec.Name), slog.Any("error", err))
			}
		}
	}
	s.wg.Wait()
}
