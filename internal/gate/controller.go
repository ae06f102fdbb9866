package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/phasegate/phasegate/internal/workflow"
	"github.com/phasegate/phasegate/pkg/cerr"
)

// Controller validates and records human gate decisions. It only mutates
// gate records; the effect of a decision on artifacts belongs to the driver.
// The mutex serializes concurrent decisions so exactly one valid decision
// wins and a reader never observes a half-decided gate.
type Controller struct {
	repo   Repository
	logger *slog.Logger

	mu sync.Mutex
}

func NewController(repo Repository, logger *slog.Logger) *Controller {
	return &Controller{
		repo:   repo,
		logger: logger,
	}
}

// Open ensures an awaiting record exists for the gate. Idempotent: an
// existing record, awaiting or decided, is left untouched.
func (c *Controller) Open(ctx context.Context, mode workflow.Mode, kind workflow.GateKind) (*Gate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.repo.Get(ctx, mode, kind)
	if err == nil {
		return existing, nil
	}
	if !cerr.IsCode(err, cerr.NotFound) {
		return nil, err
	}

	g := &Gate{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Mode:      mode,
		State:     StateAwaiting,
		CreatedAt: time.Now(),
	}
	if err := c.repo.Save(ctx, g); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "gate awaiting decision",
		slog.String("gate", string(kind)),
		slog.String("mode", mode.String()))
	return g, nil
}

// Decide applies a decision to an awaiting gate. An invalid option is
// rejected with no state change. A decision against an already decided
// gate is rejected with AlreadyExists, and a decision against a gate the
// workflow has not reached is rejected with FailedPrecondition.
func (c *Controller) Decide(ctx context.Context, mode workflow.Mode, kind workflow.GateKind, decisionType, modifications string) (*Gate, error) {
	d, err := ParseDecision(kind, decisionType, modifications)
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, err.Error(), nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	g, err := c.repo.Get(ctx, mode, kind)
	if err != nil {
		if cerr.IsCode(err, cerr.NotFound) {
			return nil, cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("%s gate is not awaiting a decision", kind), nil)
		}
		return nil, err
	}
	if g.State == StateDecided {
		return nil, cerr.NewError(cerr.AlreadyExists,
			fmt.Sprintf("%s gate already decided: %s", kind, g.Decision), nil)
	}

	now := time.Now()
	g.State = StateDecided
	g.Decision = d.Type
	g.Modifications = d.Modifications
	g.DecidedAt = &now
	if err := c.repo.Save(ctx, g); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "gate decided",
		slog.String("gate", string(kind)),
		slog.String("mode", mode.String()),
		slog.String("decision", d.Type))
	return g, nil
}

// Reset removes the gate record entirely. Used by retry truncation and
// clean; the gate re-opens in the awaiting state when the workflow reaches
// it again.
func (c *Controller) Reset(ctx context.Context, mode workflow.Mode, kind workflow.GateKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repo.Delete(ctx, mode, kind)
}

// Status implements the state machine's gate lookup.
func (c *Controller) Status(ctx context.Context, mode workflow.Mode, kind workflow.GateKind) (workflow.GateStatus, error) {
	g, err := c.repo.Get(ctx, mode, kind)
	if err != nil {
		if cerr.IsCode(err, cerr.NotFound) {
			return workflow.GateStatus{}, nil
		}
		return workflow.GateStatus{}, err
	}
	gs := workflow.GateStatus{
		Present:       true,
		Decided:       g.State == StateDecided,
		Decision:      g.Decision,
		Modifications: g.Modifications,
	}
	if gs.Decided {
		d := Decision{Kind: kind, Type: g.Decision, Modifications: g.Modifications}
		if from, ok := d.IsRetry(); ok {
			gs.Retry = true
			gs.RetryFrom = from
		}
	}
	return gs, nil
}

// statusAdapter exposes Controller.Status under the name the machine
// expects.
type statusAdapter struct {
	c *Controller
}

func (a statusAdapter) GateStatus(ctx context.Context, mode workflow.Mode, kind workflow.GateKind) (workflow.GateStatus, error) {
	return a.c.Status(ctx, mode, kind)
}

// Lookup returns a workflow.GateLookup backed by this controller.
func (c *Controller) Lookup() workflow.GateLookup {
	return statusAdapter{c: c}
}
