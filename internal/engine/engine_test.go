package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phasegate/phasegate/internal/artifact"
	"github.com/phasegate/phasegate/internal/eventbus"
	"github.com/phasegate/phasegate/internal/gate"
	gateimpl "github.com/phasegate/phasegate/internal/gate/repositoryimpl"
	"github.com/phasegate/phasegate/internal/status"
	"github.com/phasegate/phasegate/internal/supervisor"
	taskimpl "github.com/phasegate/phasegate/internal/task/repositoryimpl"
	"github.com/phasegate/phasegate/internal/workflow"
	"github.com/phasegate/phasegate/pkg/cerr"
	"github.com/phasegate/phasegate/pkg/storage"
)

// fakeAgent writes the artifact the engine expects, standing in for the
// external coding agent.
const fakeAgent = `sh -c 'mkdir -p "$(dirname "$PHASEGATE_OUTPUT")" && echo done > "$PHASEGATE_OUTPUT"'`

type fixture struct {
	engine    *Engine
	artifacts *artifact.Store
	gates     *gate.Controller
	storage   storage.Storage
	dir       string
}

func newFixture(t *testing.T, agentCommand string, timeout time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()
	ls, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	logger := slog.New(slog.DiscardHandler)

	artifacts := artifact.NewStore(ls)
	gates := gate.NewController(gateimpl.NewYAMLRepository(ls), logger)
	tasks := taskimpl.NewMarkdownRepository(ls)
	machine := workflow.NewMachine(artifacts, gates.Lookup())
	sup := supervisor.New(supervisor.NewRecordStore(ls), logger, 2*time.Second, time.Minute)
	bus := eventbus.New()
	statusSvc := status.NewService(artifacts, gates, tasks, logger)

	eng := New(machine, artifacts, gates, tasks, sup, bus, statusSvc, logger, Config{
		AgentCommand: agentCommand,
		PhaseTimeout: timeout,
		WorkDir:      dir,
	})
	return &fixture{engine: eng, artifacts: artifacts, gates: gates, storage: ls, dir: dir}
}

func (f *fixture) seedChecklist(t *testing.T, content string) {
	t.Helper()
	err := f.storage.Write(context.Background(), workflow.ModeRegular.ChecklistPath(), []byte(content))
	require.NoError(t, err)
}

func TestRunWithoutTasks(t *testing.T) {
	f := newFixture(t, fakeAgent, time.Minute)
	result, err := f.engine.Run(context.Background(), workflow.ModeRegular)
	require.NoError(t, err)
	assert.Equal(t, "no_task", result.State)
}

func TestRunStopsAtCriteriaGate(t *testing.T) {
	f := newFixture(t, fakeAgent, time.Minute)
	f.seedChecklist(t, "- [ ] Fix login bug\n")
	ctx := context.Background()

	result, err := f.engine.Run(ctx, workflow.ModeRegular)
	require.NoError(t, err)
	assert.Equal(t, "gate_pending", result.State)
	assert.Equal(t, workflow.GateCriteria, result.Gate)
	assert.Equal(t, []string{"approve-criteria", "modify-criteria", "retry-explorer"}, result.Options)

	// The explorer ran and its artifact exists.
	present, err := f.artifacts.Exists(ctx, workflow.ModeRegular, workflow.PhaseExplore)
	require.NoError(t, err)
	assert.True(t, present)

	// The awaiting state is durable: gate record plus prompt file.
	gs, err := f.gates.Status(ctx, workflow.ModeRegular, workflow.GateCriteria)
	require.NoError(t, err)
	assert.True(t, gs.Present)
	assert.False(t, gs.Decided)
	promptPresent, err := f.artifacts.PromptExists(ctx, workflow.ModeRegular, "current-criteria-gate.md")
	require.NoError(t, err)
	assert.True(t, promptPresent)
}

// The gate prompt lives with the phase artifacts; the path the CLI prints
// for an awaiting gate must match where openGate writes it.
func TestGatePromptStoredInOutputsDir(t *testing.T) {
	f := newFixture(t, fakeAgent, time.Minute)
	f.seedChecklist(t, "- [ ] Fix login bug\n")
	ctx := context.Background()

	result, err := f.engine.Run(ctx, workflow.ModeRegular)
	require.NoError(t, err)
	require.Equal(t, "gate_pending", result.State)

	path := workflow.ModeRegular.ArtifactPath(GatePromptName(workflow.GateCriteria))
	present, err := f.storage.Exists(ctx, path)
	require.NoError(t, err)
	assert.True(t, present, "prompt missing at %s", path)
}

func TestRunContinuesAfterApprovalToCompletionGate(t *testing.T) {
	f := newFixture(t, fakeAgent, time.Minute)
	f.seedChecklist(t, "- [ ] Fix login bug\n")
	ctx := context.Background()

	result, err := f.engine.Run(ctx, workflow.ModeRegular)
	require.NoError(t, err)
	require.Equal(t, "gate_pending", result.State)

	_, err = f.gates.Decide(ctx, workflow.ModeRegular, workflow.GateCriteria, "approve-criteria", "")
	require.NoError(t, err)

	result, err = f.engine.Run(ctx, workflow.ModeRegular)
	require.NoError(t, err)
	assert.Equal(t, "gate_pending", result.State)
	assert.Equal(t, workflow.GateCompletion, result.Gate)

	// Criteria extraction produced the approval artifact, and the work
	// phases all ran.
	for _, p := range []workflow.Phase{
		workflow.PhaseCriteriaGate, workflow.PhasePlan, workflow.PhaseCode,
		workflow.PhaseDocument, workflow.PhaseVerify,
	} {
		present, err := f.artifacts.Exists(ctx, workflow.ModeRegular, p)
		require.NoError(t, err)
		assert.True(t, present, "%s should be present", p)
	}
	// The criteria prompt is gone once decided.
	promptPresent, err := f.artifacts.PromptExists(ctx, workflow.ModeRegular, "current-criteria-gate.md")
	require.NoError(t, err)
	assert.False(t, promptPresent)
}

func TestRunCompletesAfterApproval(t *testing.T) {
	f := newFixture(t, fakeAgent, time.Minute)
	f.seedChecklist(t, "- [ ] Fix login bug\n")
	ctx := context.Background()

	_, err := f.engine.Run(ctx, workflow.ModeRegular)
	require.NoError(t, err)
	_, err = f.gates.Decide(ctx, workflow.ModeRegular, workflow.GateCriteria, "approve-criteria", "")
	require.NoError(t, err)
	_, err = f.engine.Run(ctx, workflow.ModeRegular)
	require.NoError(t, err)
	_, err = f.gates.Decide(ctx, workflow.ModeRegular, workflow.GateCompletion, "approve-completion", "")
	require.NoError(t, err)

	result, err := f.engine.Run(ctx, workflow.ModeRegular)
	require.NoError(t, err)
	assert.Equal(t, "complete", result.State)

	present, err := f.artifacts.Exists(ctx, workflow.ModeRegular, workflow.PhaseCompletionGate)
	require.NoError(t, err)
	assert.True(t, present)

	data, err := f.storage.Read(ctx, workflow.ModeRegular.ChecklistPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "- [x] Fix login bug (Completed:")
}

func TestRetryTruncatesForwardArtifactsOnly(t *testing.T) {
	f := newFixture(t, fakeAgent, time.Minute)
	f.seedChecklist(t, "- [ ] Fix login bug\n")
	ctx := context.Background()

	_, err := f.engine.Run(ctx, workflow.ModeRegular)
	require.NoError(t, err)
	_, err = f.gates.Decide(ctx, workflow.ModeRegular, workflow.GateCriteria, "approve-criteria", "")
	require.NoError(t, err)
	_, err = f.engine.Run(ctx, workflow.ModeRegular)
	require.NoError(t, err)
	_, err = f.gates.Decide(ctx, workflow.ModeRegular, workflow.GateCompletion, "retry-from-coder", "")
	require.NoError(t, err)

	// Before re-running, the retry has not been applied yet: apply it by
	// running. The run rewinds, re-executes coder onward and stops at the
	// completion gate again.
	result, err := f.engine.Run(ctx, workflow.ModeRegular)
	require.NoError(t, err)
	assert.Equal(t, "gate_pending", result.State)
	assert.Equal(t, workflow.GateCompletion, result.Gate)

	// Earlier artifacts survived the rewind.
	for _, p := range []workflow.Phase{workflow.PhaseExplore, workflow.PhaseCriteriaGate, workflow.PhasePlan} {
		present, err := f.artifacts.Exists(ctx, workflow.ModeRegular, p)
		require.NoError(t, err)
		assert.True(t, present, "%s must survive retry-from-coder", p)
	}
	// The criteria gate stayed decided while the completion gate re-opened.
	criteriaStatus, err := f.gates.Status(ctx, workflow.ModeRegular, workflow.GateCriteria)
	require.NoError(t, err)
	assert.True(t, criteriaStatus.Decided)
	completionStatus, err := f.gates.Status(ctx, workflow.ModeRegular, workflow.GateCompletion)
	require.NoError(t, err)
	assert.True(t, completionStatus.Present)
	assert.False(t, completionStatus.Decided)
}

func TestModifyPayloadReachesPlannerEnvironment(t *testing.T) {
	// The agent dumps its environment into the artifact so the test can
	// observe what the planner was launched with.
	envAgent := `sh -c 'mkdir -p "$(dirname "$PHASEGATE_OUTPUT")" && env > "$PHASEGATE_OUTPUT"'`
	f := newFixture(t, envAgent, time.Minute)
	f.seedChecklist(t, "- [ ] Fix login bug\n")
	ctx := context.Background()

	_, err := f.engine.Run(ctx, workflow.ModeRegular)
	require.NoError(t, err)
	_, err = f.gates.Decide(ctx, workflow.ModeRegular, workflow.GateCriteria, "modify-criteria", "focus only on the session-timeout path")
	require.NoError(t, err)
	_, err = f.engine.Run(ctx, workflow.ModeRegular)
	require.NoError(t, err)

	plan, err := f.artifacts.Read(ctx, workflow.ModeRegular, workflow.PhasePlan)
	require.NoError(t, err)
	assert.Contains(t, string(plan), "PHASEGATE_GATE_MODIFICATIONS=focus only on the session-timeout path")

	// Later phases do not inherit the payload.
	changes, err := f.artifacts.Read(ctx, workflow.ModeRegular, workflow.PhaseCode)
	require.NoError(t, err)
	assert.NotContains(t, string(changes), "PHASEGATE_GATE_MODIFICATIONS")

	// The modification request is recorded alongside the outputs.
	present, err := f.artifacts.PromptExists(ctx, workflow.ModeRegular, "criteria-modification-request.md")
	require.NoError(t, err)
	assert.True(t, present)
}

func TestTimeoutKillsAgentAndLeavesNoArtifact(t *testing.T) {
	f := newFixture(t, "sleep 60", 300*time.Millisecond)
	f.seedChecklist(t, "- [ ] Fix login bug\n")
	ctx := context.Background()

	_, err := f.engine.Run(ctx, workflow.ModeRegular)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.DeadlineExceeded))

	present, existsErr := f.artifacts.Exists(ctx, workflow.ModeRegular, workflow.PhaseExplore)
	require.NoError(t, existsErr)
	assert.False(t, present, "a cancelled run must not leave an artifact behind")
}

func TestAgentExitingWithoutArtifactIsAnError(t *testing.T) {
	f := newFixture(t, "true", time.Minute)
	f.seedChecklist(t, "- [ ] Fix login bug\n")

	_, err := f.engine.Run(context.Background(), workflow.ModeRegular)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Internal))
}

func TestMarkFailedKeepsTaskOpen(t *testing.T) {
	f := newFixture(t, fakeAgent, time.Minute)
	f.seedChecklist(t, "- [ ] Fix login bug\n")
	ctx := context.Background()

	require.NoError(t, f.engine.MarkFailed(ctx, workflow.ModeRegular))

	data, err := f.storage.Read(ctx, workflow.ModeRegular.ChecklistPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "(Attempted:")

	tasksFile, err := f.storage.Read(ctx, workflow.ModeRegular.TaskStatusPath())
	require.NoError(t, err)
	assert.Contains(t, string(tasksFile), "NEEDS REVIEW")
}

func TestCleanResetsWorkflow(t *testing.T) {
	f := newFixture(t, fakeAgent, time.Minute)
	f.seedChecklist(t, "- [ ] Fix login bug\n")
	ctx := context.Background()

	_, err := f.engine.Run(ctx, workflow.ModeRegular)
	require.NoError(t, err)
	require.NoError(t, f.engine.Clean(ctx, workflow.ModeRegular))

	present, err := f.artifacts.Exists(ctx, workflow.ModeRegular, workflow.PhaseExplore)
	require.NoError(t, err)
	assert.False(t, present)
	gs, err := f.gates.Status(ctx, workflow.ModeRegular, workflow.GateCriteria)
	require.NoError(t, err)
	assert.False(t, gs.Present)
}
