package repositoryimpl

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/phasegate/phasegate/internal/gate"
	"github.com/phasegate/phasegate/internal/workflow"
	"github.com/phasegate/phasegate/pkg/cerr"
	"github.com/phasegate/phasegate/pkg/storage"
)

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(mode workflow.Mode, kind workflow.GateKind) string {
	return mode.GatePath(fmt.Sprintf("%s.yaml", kind))
}

func (r *YAMLRepository) Get(ctx context.Context, mode workflow.Mode, kind workflow.GateKind) (*gate.Gate, error) {
	data, err := r.storage.Read(ctx, path(mode, kind))
	if err != nil {
		return nil, cerr.WrapStorageReadError("gate", err)
	}
	var g gate.Gate
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal gate: %w", err))
	}
	return &g, nil
}

func (r *YAMLRepository) Save(ctx context.Context, g *gate.Gate) error {
	data, err := yaml.Marshal(g)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal gate: %w", err))
	}
	if err := r.storage.Write(ctx, path(g.Mode, g.Kind), data); err != nil {
		return cerr.WrapStorageWriteError("gate", err)
	}
	return nil
}

func (r *YAMLRepository) Delete(ctx context.Context, mode workflow.Mode, kind workflow.GateKind) error {
	err := r.storage.Delete(ctx, path(mode, kind))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return cerr.WrapStorageDeleteError("gate", err)
	}
	return nil
}
