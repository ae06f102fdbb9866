package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/phasegate/phasegate/internal/artifact"
	"github.com/phasegate/phasegate/internal/gate"
	"github.com/phasegate/phasegate/internal/task"
	"github.com/phasegate/phasegate/internal/workflow"
)

// EntryStatus values follow the dashboard's vocabulary.
const (
	EntryPending    = "pending"
	EntryInProgress = "in-progress"
	EntryCompleted  = "completed"
)

type Entry struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Type   string `json:"type"`
	Size   int64  `json:"size,omitempty"`
}

type GateView struct {
	Kind    workflow.GateKind `json:"kind"`
	Options []string          `json:"options"`
}

// Snapshot is the derived status view. It is computed fresh from the
// artifact store on every request (modulo a short, documented cache) and is
// never the write-of-record.
type Snapshot struct {
	Mode             workflow.Mode                `json:"mode"`
	CurrentTask      string                       `json:"currentTask"`
	Workflow         []Entry                      `json:"workflow"`
	PendingGates     []string                     `json:"pendingGates"`
	ActiveGate       *GateView                    `json:"activeGate,omitempty"`
	Verification     *workflow.VerificationResult `json:"verification,omitempty"`
	WorkflowComplete bool                         `json:"workflowComplete"`
	LastUpdated      time.Time                    `json:"lastUpdated"`
}

// cacheTTL bounds snapshot staleness for HTTP pollers. Reads through the
// CLI and the engine share the same bound, which is acceptable because
// every mutation goes through this process and invalidates the cache.
const cacheTTL = 2 * time.Second

type cached struct {
	snapshot *Snapshot
	at       time.Time
}

// Service is the single status-computation path shared by the CLI, the HTTP
// server and the engine. Constructed once per process and injected.
type Service struct {
	artifacts *artifact.Store
	gates     *gate.Controller
	tasks     task.Repository
	logger    *slog.Logger

	mu      sync.Mutex
	cache   map[workflow.Mode]cached
	watcher *fsnotify.Watcher
}

func NewService(artifacts *artifact.Store, gates *gate.Controller, tasks task.Repository, logger *slog.Logger) *Service {
	return &Service{
		artifacts: artifacts,
		gates:     gates,
		tasks:     tasks,
		logger:    logger,
		cache:     make(map[workflow.Mode]cached),
	}
}

// Snapshot returns the current status view for the namespace, serving from
// the cache when it is fresh.
func (s *Service) Snapshot(ctx context.Context, mode workflow.Mode) (*Snapshot, error) {
	s.mu.Lock()
	if c, ok := s.cache[mode]; ok && time.Since(c.at) < cacheTTL {
		s.mu.Unlock()
		return c.snapshot, nil
	}
	s.mu.Unlock()

	snap, err := s.compute(ctx, mode)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[mode] = cached{snapshot: snap, at: time.Now()}
	s.mu.Unlock()
	return snap, nil
}

// Invalidate drops cached snapshots so the next read recomputes. Called by
// the engine after every mutation and by the file watcher.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[workflow.Mode]cached)
	s.mu.Unlock()
}

func (s *Service) compute(ctx context.Context, mode workflow.Mode) (*Snapshot, error) {
	snap := &Snapshot{
		Mode:         mode,
		Workflow:     make([]Entry, 0, len(workflow.Phases())),
		PendingGates: []string{},
		LastUpdated:  time.Now(),
	}

	currentSeen := false
	for _, phase := range workflow.Phases() {
		size, _, present, err := s.artifacts.Info(ctx, mode, phase)
		if err != nil {
			return nil, err
		}

		entry := Entry{
			Name: phase.DisplayName(),
			Type: "agent",
		}
		if phase.IsGate() {
			entry.Type = "gate"
		}

		switch {
		case present:
			entry.Status = EntryCompleted
			entry.Size = size
		case !currentSeen:
			currentSeen = true
			entry.Status = EntryInProgress
			if phase.IsGate() {
				kind := phase.GateKind()
				gs, err := s.gates.Status(ctx, mode, kind)
				if err != nil {
					return nil, err
				}
				if !gs.Decided {
					snap.PendingGates = append(snap.PendingGates, string(kind))
					snap.ActiveGate = &GateView{Kind: kind, Options: kind.Options()}
				}
			}
		default:
			entry.Status = EntryPending
		}
		snap.Workflow = append(snap.Workflow, entry)
	}

	if _, _, present, err := s.artifacts.Info(ctx, mode, workflow.PhaseVerify); err == nil && present {
		if data, err := s.artifacts.Read(ctx, mode, workflow.PhaseVerify); err == nil {
			if result, ok := workflow.ParseOverallStatus(string(data)); ok {
				snap.Verification = &result
			}
		}
	}

	approved, err := s.artifacts.Exists(ctx, mode, workflow.PhaseCompletionGate)
	if err != nil {
		return nil, err
	}
	if approved {
		snap.WorkflowComplete = true
	} else {
		allDone, err := s.tasks.AllComplete(ctx, mode)
		if err != nil {
			return nil, err
		}
		snap.WorkflowComplete = allDone
	}

	current, err := s.tasks.Current(ctx, mode)
	if err != nil {
		return nil, err
	}
	switch {
	case current != nil:
		snap.CurrentTask = current.Description
	case snap.WorkflowComplete:
		snap.CurrentTask = "All tasks complete"
	default:
		snap.CurrentTask = "No active task"
	}

	return snap, nil
}

// Watch invalidates the cache on file-system changes under the project
// root. Only meaningful for local storage; S3-backed deployments rely on
// the TTL alone.
func (s *Service) Watch(ctx context.Context, basePath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	// Watch the namespace roots that exist now; directories created later
	// surface as events on the parent.
	_ = watcher.Add(basePath)
	for _, mode := range []workflow.Mode{workflow.ModeRegular, workflow.ModeMeta} {
		_ = watcher.Add(basePath + "/" + mode.Root())
		_ = watcher.Add(basePath + "/" + mode.OutputsDir())
		_ = watcher.Add(basePath + "/" + mode.GatesDir())
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op.Has(fsnotify.Create) {
					// A new directory may be a namespace dir we could not
					// watch at startup.
					_ = watcher.Add(event.Name)
				}
				s.Invalidate()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.WarnContext(ctx, "status watcher error", slog.Any("error", err))
			}
		}
	}()
	return nil
}
