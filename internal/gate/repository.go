package gate

import (
	"context"

	"github.com/phasegate/phasegate/internal/workflow"
)

type Repository interface {
	// Get returns the record for the gate kind, or a NotFound error when
	// the gate has never been opened in this namespace.
	Get(ctx context.Context, mode workflow.Mode, kind workflow.GateKind) (*Gate, error)
	Save(ctx context.Context, g *Gate) error
	Delete(ctx context.Context, mode workflow.Mode, kind workflow.GateKind) error
}
