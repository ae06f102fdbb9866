package workflow

import "fmt"

// Phase is one step in the fixed workflow sequence. Transitions are strictly
// linear except for retry decisions, which jump backward.
type Phase int

const (
	PhaseExplore Phase = iota
	PhaseCriteriaGate
	PhasePlan
	PhaseCode
	PhaseDocument
	PhaseVerify
	PhaseCompletionGate
	PhaseDone
)

// phaseOrder lists every phase that leaves an artifact, in execution order.
// PhaseDone is derived, not scanned.
var phaseOrder = []Phase{
	PhaseExplore,
	PhaseCriteriaGate,
	PhasePlan,
	PhaseCode,
	PhaseDocument,
	PhaseVerify,
	PhaseCompletionGate,
}

func (p Phase) String() string {
	switch p {
	case PhaseExplore:
		return "explore"
	case PhaseCriteriaGate:
		return "criteria-gate"
	case PhasePlan:
		return "plan"
	case PhaseCode:
		return "code"
	case PhaseDocument:
		return "document"
	case PhaseVerify:
		return "verify"
	case PhaseCompletionGate:
		return "completion-gate"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// ArtifactName is the file whose presence marks the phase complete.
// Gate phases complete through their decision effect, which writes the
// gate's approval artifact.
func (p Phase) ArtifactName() string {
	switch p {
	case PhaseExplore:
		return "exploration.md"
	case PhaseCriteriaGate:
		return "success-criteria.md"
	case PhasePlan:
		return "plan.md"
	case PhaseCode:
		return "changes.md"
	case PhaseDocument:
		return "documentation.md"
	case PhaseVerify:
		return "verification.md"
	case PhaseCompletionGate:
		return "completion-approved.md"
	default:
		return ""
	}
}

// AgentRole names the external agent responsible for a work phase.
func (p Phase) AgentRole() string {
	switch p {
	case PhaseExplore:
		return "explorer"
	case PhasePlan:
		return "planner"
	case PhaseCode:
		return "coder"
	case PhaseDocument:
		return "scribe"
	case PhaseVerify:
		return "verifier"
	default:
		return ""
	}
}

// DisplayName is the human-facing label used in status output.
func (p Phase) DisplayName() string {
	switch p {
	case PhaseExplore:
		return "Explorer"
	case PhaseCriteriaGate:
		return "Criteria Gate"
	case PhasePlan:
		return "Planner"
	case PhaseCode:
		return "Coder"
	case PhaseDocument:
		return "Scribe"
	case PhaseVerify:
		return "Verifier"
	case PhaseCompletionGate:
		return "Completion Gate"
	default:
		return p.String()
	}
}

func (p Phase) IsGate() bool {
	return p == PhaseCriteriaGate || p == PhaseCompletionGate
}

func (p Phase) GateKind() GateKind {
	switch p {
	case PhaseCriteriaGate:
		return GateCriteria
	case PhaseCompletionGate:
		return GateCompletion
	default:
		return ""
	}
}

// Phases returns the scanned phase sequence. Callers must not mutate it.
func Phases() []Phase {
	return phaseOrder
}

// PhasesFrom returns the suffix of the sequence starting at p. A retry
// decision truncates exactly this suffix.
func PhasesFrom(p Phase) []Phase {
	for i, ph := range phaseOrder {
		if ph == p {
			return phaseOrder[i:]
		}
	}
	return nil
}

// GateKind identifies which of the two decision checkpoints a record
// belongs to.
type GateKind string

const (
	GateCriteria   GateKind = "criteria"
	GateCompletion GateKind = "completion"
)

func (k GateKind) Phase() Phase {
	if k == GateCompletion {
		return PhaseCompletionGate
	}
	return PhaseCriteriaGate
}

// Options is the fixed decision set for the gate kind. Anything outside the
// set is rejected at the boundary.
func (k GateKind) Options() []string {
	switch k {
	case GateCriteria:
		return []string{"approve-criteria", "modify-criteria", "retry-explorer"}
	case GateCompletion:
		return []string{"approve-completion", "retry-explorer", "retry-from-planner", "retry-from-coder", "retry-from-verifier"}
	default:
		return nil
	}
}
