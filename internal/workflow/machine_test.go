package workflow

import (
	"context"
	"testing"

	"github.com/phasegate/phasegate/pkg/cerr"
)

type fakeArtifacts struct {
	present map[Phase]bool
}

func (f *fakeArtifacts) Exists(_ context.Context, _ Mode, phase Phase) (bool, error) {
	return f.present[phase], nil
}

type fakeGates struct {
	status map[GateKind]GateStatus
}

func (f *fakeGates) GateStatus(_ context.Context, _ Mode, kind GateKind) (GateStatus, error) {
	return f.status[kind], nil
}

func newTestMachine(present map[Phase]bool, gates map[GateKind]GateStatus) *Machine {
	if gates == nil {
		gates = map[GateKind]GateStatus{}
	}
	return NewMachine(&fakeArtifacts{present: present}, &fakeGates{status: gates})
}

func TestNextActionEmptyStore(t *testing.T) {
	m := newTestMachine(map[Phase]bool{}, nil)
	action, err := m.NextAction(context.Background(), ModeRegular)
	if err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	run, ok := action.(RunPhase)
	if !ok {
		t.Fatalf("expected RunPhase, got %T", action)
	}
	if run.Phase != PhaseExplore {
		t.Errorf("expected explore, got %s", run.Phase)
	}
}

func TestNextActionCriteriaGatePending(t *testing.T) {
	m := newTestMachine(map[Phase]bool{PhaseExplore: true}, nil)
	action, err := m.NextAction(context.Background(), ModeRegular)
	if err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	pending, ok := action.(GatePending)
	if !ok {
		t.Fatalf("expected GatePending, got %T", action)
	}
	if pending.Kind != GateCriteria {
		t.Errorf("expected criteria gate, got %s", pending.Kind)
	}
	want := []string{"approve-criteria", "modify-criteria", "retry-explorer"}
	if len(pending.Options) != len(want) {
		t.Fatalf("expected %d options, got %d", len(want), len(pending.Options))
	}
	for i, opt := range want {
		if pending.Options[i] != opt {
			t.Errorf("option %d: expected %s, got %s", i, opt, pending.Options[i])
		}
	}
}

func TestNextActionDecidedGateNeedsEffect(t *testing.T) {
	m := newTestMachine(
		map[Phase]bool{PhaseExplore: true},
		map[GateKind]GateStatus{
			GateCriteria: {Present: true, Decided: true, Decision: "approve-criteria"},
		},
	)
	action, err := m.NextAction(context.Background(), ModeRegular)
	if err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	apply, ok := action.(ApplyGate)
	if !ok {
		t.Fatalf("expected ApplyGate, got %T", action)
	}
	if apply.Kind != GateCriteria {
		t.Errorf("expected criteria gate, got %s", apply.Kind)
	}
	if apply.Decision != "approve-criteria" {
		t.Errorf("expected approve-criteria, got %s", apply.Decision)
	}
}

func TestNextActionAfterCriteriaApproval(t *testing.T) {
	m := newTestMachine(
		map[Phase]bool{PhaseExplore: true, PhaseCriteriaGate: true},
		map[GateKind]GateStatus{
			GateCriteria: {Present: true, Decided: true, Decision: "approve-criteria"},
		},
	)
	action, err := m.NextAction(context.Background(), ModeRegular)
	if err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	run, ok := action.(RunPhase)
	if !ok {
		t.Fatalf("expected RunPhase, got %T", action)
	}
	if run.Phase != PhasePlan {
		t.Errorf("expected plan, got %s", run.Phase)
	}
	if run.Modifications != "" {
		t.Errorf("expected no modifications, got %q", run.Modifications)
	}
}

func TestNextActionModifyPayloadReachesPlanner(t *testing.T) {
	m := newTestMachine(
		map[Phase]bool{PhaseExplore: true, PhaseCriteriaGate: true},
		map[GateKind]GateStatus{
			GateCriteria: {
				Present:       true,
				Decided:       true,
				Decision:      "modify-criteria",
				Modifications: "focus only on the session-timeout path",
			},
		},
	)
	action, err := m.NextAction(context.Background(), ModeRegular)
	if err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	run, ok := action.(RunPhase)
	if !ok {
		t.Fatalf("expected RunPhase, got %T", action)
	}
	if run.Phase != PhasePlan {
		t.Errorf("expected plan, got %s", run.Phase)
	}
	if run.Modifications != "focus only on the session-timeout path" {
		t.Errorf("modifications not carried: %q", run.Modifications)
	}
}

func TestNextActionModifyPayloadDoesNotLeakPastPlanner(t *testing.T) {
	m := newTestMachine(
		map[Phase]bool{PhaseExplore: true, PhaseCriteriaGate: true, PhasePlan: true},
		map[GateKind]GateStatus{
			GateCriteria: {
				Present:       true,
				Decided:       true,
				Decision:      "modify-criteria",
				Modifications: "focus only on the session-timeout path",
			},
		},
	)
	action, err := m.NextAction(context.Background(), ModeRegular)
	if err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	run, ok := action.(RunPhase)
	if !ok {
		t.Fatalf("expected RunPhase, got %T", action)
	}
	if run.Phase != PhaseCode {
		t.Errorf("expected code, got %s", run.Phase)
	}
	if run.Modifications != "" {
		t.Errorf("modifications leaked past planner: %q", run.Modifications)
	}
}

func TestNextActionRetryPending(t *testing.T) {
	present := map[Phase]bool{
		PhaseExplore: true, PhaseCriteriaGate: true, PhasePlan: true,
		PhaseCode: true, PhaseDocument: true, PhaseVerify: true,
	}
	m := newTestMachine(present, map[GateKind]GateStatus{
		GateCompletion: {Present: true, Decided: true, Decision: "retry-from-coder", Retry: true, RetryFrom: PhaseCode},
	})
	action, err := m.NextAction(context.Background(), ModeRegular)
	if err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	retry, ok := action.(RetryPending)
	if !ok {
		t.Fatalf("expected RetryPending, got %T", action)
	}
	if retry.RetryFrom != PhaseCode {
		t.Errorf("expected retry from code, got %s", retry.RetryFrom)
	}
}

func TestNextActionComplete(t *testing.T) {
	present := map[Phase]bool{}
	for _, p := range Phases() {
		present[p] = true
	}
	m := newTestMachine(present, map[GateKind]GateStatus{
		GateCompletion: {Present: true, Decided: true, Decision: "approve-completion"},
	})
	action, err := m.NextAction(context.Background(), ModeRegular)
	if err != nil {
		t.Fatalf("NextAction failed: %v", err)
	}
	if _, ok := action.(Complete); !ok {
		t.Fatalf("expected Complete, got %T", action)
	}
}

func TestCurrentPhase(t *testing.T) {
	tests := []struct {
		name     string
		present  []Phase
		expected Phase
	}{
		{name: "empty", present: nil, expected: PhaseExplore},
		{name: "explored", present: []Phase{PhaseExplore}, expected: PhaseCriteriaGate},
		{name: "mid workflow", present: []Phase{PhaseExplore, PhaseCriteriaGate, PhasePlan}, expected: PhaseCode},
		{name: "all done", present: Phases(), expected: PhaseDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			present := map[Phase]bool{}
			for _, p := range tt.present {
				present[p] = true
			}
			m := newTestMachine(present, nil)
			phase, err := m.CurrentPhase(context.Background(), ModeRegular)
			if err != nil {
				t.Fatalf("CurrentPhase failed: %v", err)
			}
			if phase != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, phase)
			}
		})
	}
}

func TestCheckPreconditions(t *testing.T) {
	m := newTestMachine(map[Phase]bool{PhaseExplore: true, PhaseCriteriaGate: true}, nil)
	ctx := context.Background()

	if err := m.CheckPreconditions(ctx, ModeRegular, PhasePlan); err != nil {
		t.Errorf("plan preconditions should hold: %v", err)
	}

	err := m.CheckPreconditions(ctx, ModeRegular, PhaseCode)
	if err == nil {
		t.Fatal("code without plan.md should fail preconditions")
	}
	if !cerr.IsCode(err, cerr.FailedPrecondition) {
		t.Errorf("expected FailedPrecondition, got %v", err)
	}
}

func TestPhasesFrom(t *testing.T) {
	from := PhasesFrom(PhaseCode)
	if len(from) != 4 {
		t.Fatalf("expected 4 phases from code, got %d", len(from))
	}
	if from[0] != PhaseCode || from[3] != PhaseCompletionGate {
		t.Errorf("unexpected truncation range: %v", from)
	}
	if PhasesFrom(PhaseDone) != nil {
		t.Error("done has no truncation range")
	}
}
