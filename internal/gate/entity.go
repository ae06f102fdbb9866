package gate

import (
	"fmt"
	"time"

	"github.com/phasegate/phasegate/internal/workflow"
)

type State string

const (
	StateAwaiting State = "awaiting"
	StateDecided  State = "decided"
)

// Gate is one decision checkpoint record. A record is created in the
// awaiting state when the workflow reaches the gate and is decided exactly
// once; re-opening happens only through a retry decision removing the
// record.
type Gate struct {
	ID            string            `yaml:"id"`
	Kind          workflow.GateKind `yaml:"kind"`
	Mode          workflow.Mode     `yaml:"mode"`
	State         State             `yaml:"state"`
	Decision      string            `yaml:"decision,omitempty"`
	Modifications string            `yaml:"modifications,omitempty"`
	CreatedAt     time.Time         `yaml:"created_at"`
	DecidedAt     *time.Time        `yaml:"decided_at,omitempty"`
}

// Decision is a validated member of a gate's fixed option set.
type Decision struct {
	Kind          workflow.GateKind
	Type          string
	Modifications string
}

// IsRetry reports whether the decision rewinds the workflow, and to which
// phase.
func (d Decision) IsRetry() (workflow.Phase, bool) {
	switch d.Type {
	case "retry-explorer":
		return workflow.PhaseExplore, true
	case "retry-from-planner":
		return workflow.PhasePlan, true
	case "retry-from-coder":
		return workflow.PhaseCode, true
	case "retry-from-verifier":
		return workflow.PhaseVerify, true
	default:
		return 0, false
	}
}

func (d Decision) IsModify() bool {
	return d.Type == "modify-criteria"
}

func (d Decision) IsApprove() bool {
	return d.Type == "approve-criteria" || d.Type == "approve-completion"
}

// ParseDecision validates decisionType against the gate kind's option set.
// Unknown options are rejected without side effects. A modify decision
// requires a payload; other decisions must not carry one.
func ParseDecision(kind workflow.GateKind, decisionType, modifications string) (Decision, error) {
	valid := false
	for _, opt := range kind.Options() {
		if opt == decisionType {
			valid = true
			break
		}
	}
	if !valid {
		return Decision{}, fmt.Errorf("unknown decision %q for %s gate (valid: %v)", decisionType, kind, kind.Options())
	}
	d := Decision{Kind: kind, Type: decisionType, Modifications: modifications}
	if d.IsModify() && modifications == "" {
		return Decision{}, fmt.Errorf("%s requires a modifications payload", decisionType)
	}
	if !d.IsModify() && modifications != "" {
		return Decision{}, fmt.Errorf("%s does not accept a modifications payload", decisionType)
	}
	return d, nil
}
