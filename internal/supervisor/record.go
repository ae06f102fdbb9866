package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phasegate/phasegate/internal/workflow"
	"github.com/phasegate/phasegate/pkg/cerr"
	"github.com/phasegate/phasegate/pkg/storage"
)

// Record is the persisted trace of a managed process. The in-memory registry
// is authoritative while the supervisor runs; records exist so a later
// invocation can find and stop processes a crashed run left behind.
type Record struct {
	ID        string        `yaml:"id"`
	PID       int           `yaml:"pid"`
	Name      string        `yaml:"name"`
	Role      Role          `yaml:"role"`
	Mode      workflow.Mode `yaml:"mode"`
	StartedAt time.Time     `yaml:"started_at"`
}

type recordFile struct {
	Records []Record `yaml:"records"`
}

// RecordStore persists pid records per namespace. Each mode has its own
// file, so cleanup in one namespace never sees the other's processes.
type RecordStore struct {
	storage storage.Storage

	mu sync.Mutex
}

func NewRecordStore(s storage.Storage) *RecordStore {
	return &RecordStore{storage: s}
}

func (r *RecordStore) load(ctx context.Context, mode workflow.Mode) (*recordFile, error) {
	data, err := r.storage.Read(ctx, mode.PidRecordsPath())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &recordFile{}, nil
		}
		return nil, cerr.WrapStorageReadError("pid records", err)
	}
	var f recordFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal pid records: %w", err))
	}
	return &f, nil
}

func (r *RecordStore) save(ctx context.Context, mode workflow.Mode, f *recordFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal pid records: %w", err))
	}
	if err := r.storage.Write(ctx, mode.PidRecordsPath(), data); err != nil {
		return cerr.WrapStorageWriteError("pid records", err)
	}
	return nil
}

func (r *RecordStore) List(ctx context.Context, mode workflow.Mode) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load(ctx, mode)
	if err != nil {
		return nil, err
	}
	return f.Records, nil
}

func (r *RecordStore) Add(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load(ctx, rec.Mode)
	if err != nil {
		return err
	}
	f.Records = append(f.Records, rec)
	return r.save(ctx, rec.Mode, f)
}

func (r *RecordStore) Remove(ctx context.Context, mode workflow.Mode, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load(ctx, mode)
	if err != nil {
		return err
	}
	kept := f.Records[:0]
	for _, rec := range f.Records {
		if rec.ID != id {
			kept = append(kept, rec)
		}
	}
	f.Records = kept
	return r.save(ctx, mode, f)
}
