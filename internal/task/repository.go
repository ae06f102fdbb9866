package task

import (
	"context"

	"github.com/phasegate/phasegate/internal/workflow"
)

type Repository interface {
	// Current returns the first unchecked checklist entry, or nil when the
	// checklist is missing or fully checked.
	Current(ctx context.Context, mode workflow.Mode) (*Task, error)
	List(ctx context.Context, mode workflow.Mode) ([]*Task, error)
	// AllComplete reports whether the checklist has at least one entry and
	// every entry is checked.
	AllComplete(ctx context.Context, mode workflow.Mode) (bool, error)
	// MarkComplete checks the entry and stamps it with a completion time.
	MarkComplete(ctx context.Context, mode workflow.Mode, description string) error
	// MarkAttempted stamps the entry with an attempt time, leaving it
	// unchecked so it is picked up again.
	MarkAttempted(ctx context.Context, mode workflow.Mode, description string) error
	// UpdateStatus records a free-form phase annotation in the status
	// tracking file.
	UpdateStatus(ctx context.Context, mode workflow.Mode, description, status string) error
}
