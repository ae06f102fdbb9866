package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phasegate/phasegate/internal/workflow"
	"github.com/phasegate/phasegate/pkg/cerr"
	"github.com/phasegate/phasegate/pkg/storage"
)

// Store is the output artifact store. It is the sole persisted record of
// workflow progress; nothing here keeps authoritative in-memory state.
// Artifact content is opaque to the core, presence is the completion signal.
type Store struct {
	storage storage.Storage
}

func NewStore(s storage.Storage) *Store {
	return &Store{storage: s}
}

func (s *Store) Exists(ctx context.Context, mode workflow.Mode, phase workflow.Phase) (bool, error) {
	name := phase.ArtifactName()
	if name == "" {
		return false, nil
	}
	ok, err := s.storage.Exists(ctx, mode.ArtifactPath(name))
	if err != nil {
		return false, cerr.WrapStorageReadError(name, err)
	}
	return ok, nil
}

func (s *Store) Read(ctx context.Context, mode workflow.Mode, phase workflow.Phase) ([]byte, error) {
	name := phase.ArtifactName()
	data, err := s.storage.Read(ctx, mode.ArtifactPath(name))
	if err != nil {
		return nil, cerr.WrapStorageReadError(name, err)
	}
	return data, nil
}

// Write makes the artifact durably visible. The underlying storage writes
// atomically, so a reader never observes a partially written artifact.
func (s *Store) Write(ctx context.Context, mode workflow.Mode, phase workflow.Phase, content []byte) error {
	name := phase.ArtifactName()
	if name == "" {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("phase %s has no artifact", phase), nil)
	}
	if err := s.storage.Write(ctx, mode.ArtifactPath(name), content); err != nil {
		return cerr.WrapStorageWriteError(name, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, mode workflow.Mode, phase workflow.Phase) error {
	name := phase.ArtifactName()
	err := s.storage.Delete(ctx, mode.ArtifactPath(name))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return cerr.WrapStorageDeleteError(name, err)
	}
	return nil
}

// Info reports size and modification time for status display. The second
// return value is false when the artifact does not exist.
func (s *Store) Info(ctx context.Context, mode workflow.Mode, phase workflow.Phase) (size int64, modTime time.Time, ok bool, err error) {
	name := phase.ArtifactName()
	info, err := s.storage.Stat(ctx, mode.ArtifactPath(name))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, time.Time{}, false, nil
		}
		return 0, time.Time{}, false, cerr.WrapStorageReadError(name, err)
	}
	return info.Size, info.ModTime, true, nil
}

// WritePrompt stores a non-phase file in the outputs directory, such as a
// gate prompt or a modification request.
func (s *Store) WritePrompt(ctx context.Context, mode workflow.Mode, name string, content []byte) error {
	if err := s.storage.Write(ctx, mode.ArtifactPath(name), content); err != nil {
		return cerr.WrapStorageWriteError(name, err)
	}
	return nil
}

func (s *Store) DeletePrompt(ctx context.Context, mode workflow.Mode, name string) error {
	err := s.storage.Delete(ctx, mode.ArtifactPath(name))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return cerr.WrapStorageDeleteError(name, err)
	}
	return nil
}

func (s *Store) PromptExists(ctx context.Context, mode workflow.Mode, name string) (bool, error) {
	ok, err := s.storage.Exists(ctx, mode.ArtifactPath(name))
	if err != nil {
		return false, cerr.WrapStorageReadError(name, err)
	}
	return ok, nil
}

// Truncate removes every phase artifact from the given phase onward,
// leaving earlier artifacts untouched. Used when a retry decision rewinds
// the workflow.
func (s *Store) Truncate(ctx context.Context, mode workflow.Mode, from workflow.Phase) error {
	for _, phase := range workflow.PhasesFrom(from) {
		if err := s.Delete(ctx, mode, phase); err != nil {
			return err
		}
	}
	return nil
}

// Clean removes every known artifact and prompt file for the namespace.
// Foreign files in the outputs directory are never touched.
func (s *Store) Clean(ctx context.Context, mode workflow.Mode) error {
	for _, phase := range workflow.Phases() {
		if err := s.Delete(ctx, mode, phase); err != nil {
			return err
		}
	}
	for _, name := range []string{
		"current-criteria-gate.md",
		"current-completion-gate.md",
		"criteria-modification-request.md",
	} {
		if err := s.DeletePrompt(ctx, mode, name); err != nil {
			return err
		}
	}
	return nil
}
