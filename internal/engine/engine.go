package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phasegate/phasegate/internal/artifact"
	"github.com/phasegate/phasegate/internal/eventbus"
	"github.com/phasegate/phasegate/internal/gate"
	"github.com/phasegate/phasegate/internal/status"
	"github.com/phasegate/phasegate/internal/supervisor"
	"github.com/phasegate/phasegate/internal/task"
	"github.com/phasegate/phasegate/internal/workflow"
	"github.com/phasegate/phasegate/pkg/cerr"
)

// Result reports why a Run invocation stopped making progress.
type Result struct {
	State   string // "gate_pending", "complete" or "no_task"
	Gate    workflow.GateKind
	Options []string
}

// Config carries the knobs the engine needs to launch agents.
type Config struct {
	AgentCommand string
	PhaseTimeout time.Duration
	WorkDir      string
}

// Engine is the workflow driver: it asks the state machine for the next
// action and performs it until execution blocks on a gate or completes.
// It is the only component that applies gate effects and retry truncation;
// the gate controller records decisions, the engine makes them durable.
type Engine struct {
	machine   *workflow.Machine
	artifacts *artifact.Store
	gates     *gate.Controller
	tasks     task.Repository
	sup       *supervisor.Supervisor
	bus       *eventbus.Bus
	statusSvc *status.Service
	logger    *slog.Logger
	config    Config
}

func New(
	machine *workflow.Machine,
	artifacts *artifact.Store,
	gates *gate.Controller,
	tasks task.Repository,
	sup *supervisor.Supervisor,
	bus *eventbus.Bus,
	statusSvc *status.Service,
	logger *slog.Logger,
	config Config,
) *Engine {
	return &Engine{
		machine:   machine,
		artifacts: artifacts,
		gates:     gates,
		tasks:     tasks,
		sup:       sup,
		bus:       bus,
		statusSvc: statusSvc,
		logger:    logger,
		config:    config,
	}
}

// Run drives the workflow until it blocks or finishes. Blocking on a gate
// is a normal outcome reported in the result, never an error.
func (e *Engine) Run(ctx context.Context, mode workflow.Mode) (*Result, error) {
	current, err := e.tasks.Current(ctx, mode)
	if err != nil {
		return nil, err
	}
	if current == nil {
		done, err := e.tasks.AllComplete(ctx, mode)
		if err != nil {
			return nil, err
		}
		if done {
			return &Result{State: "complete"}, nil
		}
		return &Result{State: "no_task"}, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		action, err := e.machine.NextAction(ctx, mode)
		if err != nil {
			return nil, err
		}

		switch a := action.(type) {
		case workflow.RunPhase:
			if err := e.runPhase(ctx, mode, current.Description, a); err != nil {
				return nil, err
			}

		case workflow.GatePending:
			if err := e.openGate(ctx, mode, a.Kind); err != nil {
				return nil, err
			}
			return &Result{State: "gate_pending", Gate: a.Kind, Options: a.Options}, nil

		case workflow.ApplyGate:
			if err := e.applyGateEffect(ctx, mode, current.Description, a); err != nil {
				return nil, err
			}

		case workflow.RetryPending:
			if err := e.applyRetry(ctx, mode, current.Description, a); err != nil {
				return nil, err
			}

		case workflow.Complete:
			return &Result{State: "complete"}, nil

		default:
			return nil, cerr.NewError(cerr.Internal, "server error",
				fmt.Errorf("unhandled action %T", action))
		}
	}
}

func (e *Engine) runPhase(ctx context.Context, mode workflow.Mode, taskDesc string, a workflow.RunPhase) error {
	if err := e.machine.CheckPreconditions(ctx, mode, a.Phase); err != nil {
		return err
	}

	argv, err := supervisor.SplitCommand(e.config.AgentCommand)
	if err != nil {
		return cerr.NewError(cerr.InvalidArgument, "invalid agent command", err)
	}

	if err := e.tasks.UpdateStatus(ctx, mode, taskDesc, "RUNNING "+strings.ToUpper(a.Phase.AgentRole())); err != nil {
		return err
	}
	e.bus.PublishNew(eventbus.EventPhaseStarted, mode, a.Phase.String(), "", nil)
	e.statusSvc.Invalidate()

	env := []string{
		"PHASEGATE_PHASE=" + a.Phase.AgentRole(),
		"PHASEGATE_MODE=" + mode.String(),
		"PHASEGATE_TASK=" + taskDesc,
		"PHASEGATE_OUTPUT=" + mode.ArtifactPath(a.Phase.ArtifactName()),
	}
	if a.Modifications != "" {
		env = append(env, "PHASEGATE_GATE_MODIFICATIONS="+a.Modifications)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.config.PhaseTimeout)
	defer cancel()

	handle, err := e.sup.Launch(ctx, supervisor.Spec{
		Name: a.Phase.AgentRole(),
		Role: supervisor.RoleAgent,
		Mode: mode,
		Argv: argv,
		Dir:  e.config.WorkDir,
		Env:  env,
	})
	if err != nil {
		return err
	}

	code, waitErr := e.sup.Wait(runCtx, handle)
	if errors.Is(waitErr, context.DeadlineExceeded) || errors.Is(waitErr, context.Canceled) {
		// Kill the agent and drop a half-finished artifact so the machine
		// does not mistake it for a completed phase.
		_ = e.sup.Terminate(ctx, handle)
		if err := e.artifacts.Delete(ctx, mode, a.Phase); err != nil {
			e.logger.WarnContext(ctx, "failed to remove artifact of cancelled run",
				slog.String("phase", a.Phase.String()), slog.Any("error", err))
		}
		e.statusSvc.Invalidate()
		if errors.Is(waitErr, context.DeadlineExceeded) {
			return cerr.NewError(cerr.DeadlineExceeded,
				fmt.Sprintf("%s phase exceeded the %s timeout", a.Phase, e.config.PhaseTimeout), waitErr)
		}
		return waitErr
	}
	_ = e.sup.Terminate(ctx, handle)

	if code != 0 {
		return cerr.NewError(cerr.Internal,
			fmt.Sprintf("%s agent exited with code %d", a.Phase.AgentRole(), code), waitErr)
	}

	present, err := e.artifacts.Exists(ctx, mode, a.Phase)
	if err != nil {
		return err
	}
	if !present {
		return cerr.NewError(cerr.Internal,
			fmt.Sprintf("%s agent exited cleanly but wrote no %s", a.Phase.AgentRole(), a.Phase.ArtifactName()), nil)
	}

	e.bus.PublishNew(eventbus.EventPhaseFinished, mode, a.Phase.String(), "", nil)
	e.statusSvc.Invalidate()
	e.logger.InfoContext(ctx, "phase finished",
		slog.String("phase", a.Phase.String()), slog.String("mode", mode.String()))
	return nil
}

// openGate makes the awaiting state durable: the gate record, the prompt
// file describing the options, and an event that becomes a push
// notification.
func (e *Engine) openGate(ctx context.Context, mode workflow.Mode, kind workflow.GateKind) error {
	g, err := e.gates.Open(ctx, mode, kind)
	if err != nil {
		return err
	}
	if g.State == gate.StateDecided {
		// Decided between the machine's read and ours; the next Run picks
		// the decision up.
		return nil
	}

	prompt, err := e.buildGatePrompt(ctx, mode, kind)
	if err != nil {
		return err
	}
	if err := e.artifacts.WritePrompt(ctx, mode, GatePromptName(kind), []byte(prompt)); err != nil {
		return err
	}

	e.bus.PublishNew(eventbus.EventGateAwaiting, mode, string(kind), "", nil)
	e.statusSvc.Invalidate()
	return nil
}

func (e *Engine) applyGateEffect(ctx context.Context, mode workflow.Mode, taskDesc string, a workflow.ApplyGate) error {
	d := gate.Decision{Kind: a.Kind, Type: a.Decision, Modifications: a.Modifications}
	switch {
	case a.Kind == workflow.GateCriteria:
		if err := e.applyCriteriaDecision(ctx, mode, taskDesc, d); err != nil {
			return err
		}
	case a.Kind == workflow.GateCompletion && d.IsApprove():
		if err := e.applyCompletionApproval(ctx, mode, taskDesc); err != nil {
			return err
		}
	default:
		return cerr.NewError(cerr.Internal, "server error",
			fmt.Errorf("no effect for %s decision %q", a.Kind, a.Decision))
	}

	if err := e.artifacts.DeletePrompt(ctx, mode, GatePromptName(a.Kind)); err != nil {
		return err
	}
	e.bus.PublishNew(eventbus.EventGateDecided, mode, string(a.Kind), a.Decision, nil)
	e.statusSvc.Invalidate()
	return nil
}

func (e *Engine) applyCriteriaDecision(ctx context.Context, mode workflow.Mode, taskDesc string, d gate.Decision) error {
	exploration, err := e.artifacts.Read(ctx, mode, workflow.PhaseExplore)
	if err != nil {
		return err
	}
	criteria := workflow.ExtractCriteriaSection(string(exploration))
	if criteria == "" {
		criteria = "No criteria found in " + workflow.PhaseExplore.ArtifactName()
	}

	content := "# Approved Success Criteria\n\n" + criteria + "\n"
	if d.IsModify() {
		content += "\n## Requested Modifications\n\n" + d.Modifications + "\n"
		request := fmt.Sprintf("# Criteria Modification Request\n\nTask: %s\n\n%s\n", taskDesc, d.Modifications)
		if err := e.artifacts.WritePrompt(ctx, mode, "criteria-modification-request.md", []byte(request)); err != nil {
			return err
		}
		if err := e.tasks.UpdateStatus(ctx, mode, taskDesc, "MODIFYING CRITERIA"); err != nil {
			return err
		}
	}
	return e.artifacts.Write(ctx, mode, workflow.PhaseCriteriaGate, []byte(content))
}

func (e *Engine) applyCompletionApproval(ctx context.Context, mode workflow.Mode, taskDesc string) error {
	content := fmt.Sprintf("# Completion Approved\n\nTask: %s\nApproved at: %s\n",
		taskDesc, time.Now().Format(time.RFC3339))
	if err := e.artifacts.Write(ctx, mode, workflow.PhaseCompletionGate, []byte(content)); err != nil {
		return err
	}
	if err := e.tasks.MarkComplete(ctx, mode, taskDesc); err != nil {
		return err
	}
	if err := e.tasks.UpdateStatus(ctx, mode, taskDesc, "COMPLETE"); err != nil {
		return err
	}
	e.bus.PublishNew(eventbus.EventWorkflowDone, mode, taskDesc, "", nil)
	return nil
}

// applyRetry performs the truncation a retry decision asks for: artifacts
// from the target phase onward, the gate records at or after it, and the
// retried gate's own record so the gate re-opens when reached again.
func (e *Engine) applyRetry(ctx context.Context, mode workflow.Mode, taskDesc string, a workflow.RetryPending) error {
	e.logger.InfoContext(ctx, "retrying workflow",
		slog.String("from", a.RetryFrom.String()), slog.String("mode", mode.String()))

	if err := e.artifacts.Truncate(ctx, mode, a.RetryFrom); err != nil {
		return err
	}
	for _, phase := range workflow.PhasesFrom(a.RetryFrom) {
		if !phase.IsGate() {
			continue
		}
		kind := phase.GateKind()
		if err := e.gates.Reset(ctx, mode, kind); err != nil {
			return err
		}
		if err := e.artifacts.DeletePrompt(ctx, mode, GatePromptName(kind)); err != nil {
			return err
		}
	}
	// The deciding gate itself always rewinds, even when it sits before
	// the retry target in the sequence.
	if err := e.gates.Reset(ctx, mode, a.Kind); err != nil {
		return err
	}
	if err := e.artifacts.DeletePrompt(ctx, mode, GatePromptName(a.Kind)); err != nil {
		return err
	}

	if err := e.tasks.UpdateStatus(ctx, mode, taskDesc, "RESTARTING FROM "+strings.ToUpper(a.RetryFrom.AgentRole())); err != nil {
		return err
	}
	e.statusSvc.Invalidate()
	return nil
}

func (e *Engine) buildGatePrompt(ctx context.Context, mode workflow.Mode, kind workflow.GateKind) (string, error) {
	var b strings.Builder
	switch kind {
	case workflow.GateCriteria:
		exploration, err := e.artifacts.Read(ctx, mode, workflow.PhaseExplore)
		if err != nil {
			return "", err
		}
		criteria := workflow.ExtractCriteriaSection(string(exploration))
		if criteria == "" {
			criteria = "No criteria found in " + workflow.PhaseExplore.ArtifactName()
		}
		b.WriteString("# Criteria Gate\n\nReview the suggested success criteria below.\n\n")
		b.WriteString(criteria)
		b.WriteString("\n")
	case workflow.GateCompletion:
		verification, err := e.artifacts.Read(ctx, mode, workflow.PhaseVerify)
		if err != nil {
			return "", err
		}
		statusLine := "Status not found"
		if result, ok := workflow.ParseOverallStatus(string(verification)); ok {
			statusLine = result.Status
			if result.Summary != "" {
				statusLine += " - " + result.Summary
			}
		}
		b.WriteString("# Completion Gate\n\nVerification result: ")
		b.WriteString(statusLine)
		b.WriteString("\n")
	}
	b.WriteString("\n## Options\n\n")
	for _, opt := range kind.Options() {
		b.WriteString("- " + opt + "\n")
	}
	return b.String(), nil
}

// GatePromptName is the decision prompt file for a gate, stored alongside
// the phase artifacts in the namespace's outputs directory.
func GatePromptName(kind workflow.GateKind) string {
	return fmt.Sprintf("current-%s-gate.md", kind)
}

// MarkComplete finalizes the current task without running the workflow,
// used by the CLI complete command.
func (e *Engine) MarkComplete(ctx context.Context, mode workflow.Mode) error {
	current, err := e.tasks.Current(ctx, mode)
	if err != nil {
		return err
	}
	if current == nil {
		return cerr.NewError(cerr.NotFound, "no active task", nil)
	}
	if err := e.tasks.MarkComplete(ctx, mode, current.Description); err != nil {
		return err
	}
	if err := e.tasks.UpdateStatus(ctx, mode, current.Description, "COMPLETE"); err != nil {
		return err
	}
	e.statusSvc.Invalidate()
	return nil
}

// MarkFailed flags the current task for review and stamps the attempt.
func (e *Engine) MarkFailed(ctx context.Context, mode workflow.Mode) error {
	current, err := e.tasks.Current(ctx, mode)
	if err != nil {
		return err
	}
	if current == nil {
		return cerr.NewError(cerr.NotFound, "no active task", nil)
	}
	if err := e.tasks.MarkAttempted(ctx, mode, current.Description); err != nil {
		return err
	}
	if err := e.tasks.UpdateStatus(ctx, mode, current.Description, "NEEDS REVIEW"); err != nil {
		return err
	}
	e.statusSvc.Invalidate()
	return nil
}

// Clean removes the namespace's artifacts and gate records so the next run
// starts from explore.
func (e *Engine) Clean(ctx context.Context, mode workflow.Mode) error {
	if err := e.artifacts.Clean(ctx, mode); err != nil {
		return err
	}
	for _, kind := range []workflow.GateKind{workflow.GateCriteria, workflow.GateCompletion} {
		if err := e.gates.Reset(ctx, mode, kind); err != nil {
			return err
		}
	}
	e.statusSvc.Invalidate()
	return nil
}
