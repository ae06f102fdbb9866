package workflow

import (
	"context"
	"fmt"

	"github.com/phasegate/phasegate/pkg/cerr"
)

// ArtifactStore is the slice of the artifact repository the machine needs.
// Presence of a phase's artifact is the only completion oracle; content is
// never inspected here, and a zero-byte file counts as present.
type ArtifactStore interface {
	Exists(ctx context.Context, mode Mode, phase Phase) (bool, error)
}

// GateStatus is the machine's read-only view of one gate record.
type GateStatus struct {
	Present       bool
	Decided       bool
	Decision      string
	Retry         bool
	RetryFrom     Phase
	Modifications string
}

// GateLookup resolves the current record for a gate kind. Implemented by the
// gate repository.
type GateLookup interface {
	GateStatus(ctx context.Context, mode Mode, kind GateKind) (GateStatus, error)
}

// Action is what the driver should do next. Exactly one concrete type is
// returned per evaluation.
type Action interface {
	isAction()
}

// RunPhase asks the driver to launch the phase's external agent.
// Modifications carries the payload of a modify decision on the gate
// immediately before this phase, empty otherwise.
type RunPhase struct {
	Phase         Phase
	Modifications string
}

// GatePending reports that execution is blocked on a human decision.
type GatePending struct {
	Kind    GateKind
	Options []string
}

// ApplyGate reports a decided gate whose effect has not been made durable
// yet. The driver applies the effect (writing the gate's approval artifact)
// and re-evaluates.
type ApplyGate struct {
	Kind          GateKind
	Decision      string
	Modifications string
}

// RetryPending reports a retry decision. The driver truncates artifacts and
// gate records from RetryFrom onward and re-evaluates.
type RetryPending struct {
	Kind      GateKind
	RetryFrom Phase
}

// Complete reports that every phase artifact exists and completion was
// approved.
type Complete struct{}

func (RunPhase) isAction()     {}
func (GatePending) isAction()  {}
func (ApplyGate) isAction()    {}
func (RetryPending) isAction() {}
func (Complete) isAction()     {}

// Machine computes the next action purely from observable state. It holds no
// state of its own, so every call re-reads the store and gate records.
type Machine struct {
	artifacts ArtifactStore
	gates     GateLookup
}

func NewMachine(artifacts ArtifactStore, gates GateLookup) *Machine {
	return &Machine{
		artifacts: artifacts,
		gates:     gates,
	}
}

// NextAction scans the phase sequence in order and returns the action for
// the first phase whose artifact is absent. A decided modify on a passed
// gate travels to the phase directly after it.
func (m *Machine) NextAction(ctx context.Context, mode Mode) (Action, error) {
	modifications := ""
	for _, phase := range phaseOrder {
		present, err := m.artifacts.Exists(ctx, mode, phase)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s artifact: %w", phase, err)
		}
		if present {
			if phase.IsGate() {
				gs, err := m.gates.GateStatus(ctx, mode, phase.GateKind())
				if err != nil {
					return nil, fmt.Errorf("failed to read %s gate: %w", phase.GateKind(), err)
				}
				modifications = gs.Modifications
			} else {
				modifications = ""
			}
			continue
		}

		if !phase.IsGate() {
			return RunPhase{Phase: phase, Modifications: modifications}, nil
		}

		kind := phase.GateKind()
		gs, err := m.gates.GateStatus(ctx, mode, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s gate: %w", kind, err)
		}
		if !gs.Decided {
			return GatePending{Kind: kind, Options: kind.Options()}, nil
		}
		if gs.Retry {
			return RetryPending{Kind: kind, RetryFrom: gs.RetryFrom}, nil
		}
		return ApplyGate{Kind: kind, Decision: gs.Decision, Modifications: gs.Modifications}, nil
	}
	return Complete{}, nil
}

// CurrentPhase returns the first phase whose artifact is absent, or
// PhaseDone when all artifacts exist.
func (m *Machine) CurrentPhase(ctx context.Context, mode Mode) (Phase, error) {
	for _, phase := range phaseOrder {
		present, err := m.artifacts.Exists(ctx, mode, phase)
		if err != nil {
			return phase, fmt.Errorf("failed to check %s artifact: %w", phase, err)
		}
		if !present {
			return phase, nil
		}
	}
	return PhaseDone, nil
}

// CheckPreconditions verifies every phase before the requested one has its
// artifact. A caller bypassing the sequence is a fatal error, never repaired
// silently.
func (m *Machine) CheckPreconditions(ctx context.Context, mode Mode, phase Phase) error {
	for _, prior := range phaseOrder {
		if prior == phase {
			return nil
		}
		present, err := m.artifacts.Exists(ctx, mode, prior)
		if err != nil {
			return fmt.Errorf("failed to check %s artifact: %w", prior, err)
		}
		if !present {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("%s requires %s, but %s is missing", phase, prior, prior.ArtifactName()),
				nil)
		}
	}
	return nil
}
