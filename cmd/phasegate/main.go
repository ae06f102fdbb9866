package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/phasegate/phasegate/internal/artifact"
	"github.com/phasegate/phasegate/internal/config"
	"github.com/phasegate/phasegate/internal/engine"
	"github.com/phasegate/phasegate/internal/eventbus"
	"github.com/phasegate/phasegate/internal/gate"
	gaterepo "github.com/phasegate/phasegate/internal/gate/repositoryimpl"
	"github.com/phasegate/phasegate/internal/notify"
	"github.com/phasegate/phasegate/internal/pushsubscription"
	pushsubrepo "github.com/phasegate/phasegate/internal/pushsubscription/repositoryimpl"
	"github.com/phasegate/phasegate/internal/server"
	"github.com/phasegate/phasegate/internal/status"
	"github.com/phasegate/phasegate/internal/supervisor"
	"github.com/phasegate/phasegate/internal/task"
	taskrepo "github.com/phasegate/phasegate/internal/task/repositoryimpl"
	"github.com/phasegate/phasegate/internal/workflow"
	"github.com/phasegate/phasegate/pkg/clog"
	"github.com/phasegate/phasegate/pkg/storage"
)

var (
	app  = kingpin.New("phasegate", "Artifact-driven multi-phase workflow orchestrator with human decision gates")
	meta = app.Flag("meta", "Operate on the meta workflow namespace").Bool()

	startCmd    = app.Command("start", "Start the status API server and drive the workflow")
	continueCmd = app.Command("continue", "Resume the workflow after a gate decision or interruption")

	statusCmd  = app.Command("status", "Show workflow status")
	statusJSON = statusCmd.Flag("json", "Print the raw status snapshot as JSON").Bool()

	cleanCmd    = app.Command("clean", "Remove phase artifacts, gate records and prompt files")
	completeCmd = app.Command("complete", "Mark the current checklist task complete")
	failCmd     = app.Command("fail", "Mark the current checklist task attempted")
	stopCmd     = app.Command("stop", "Stop every managed process in the namespace")
	serveCmd    = app.Command("serve", "Run the status API server in the foreground")

	approveCriteriaCmd = app.Command("approve-criteria", "Approve the suggested success criteria")

	modifyCriteriaCmd  = app.Command("modify-criteria", "Approve the criteria with modifications")
	modifyCriteriaText = modifyCriteriaCmd.Arg("modifications", "Modification text for the planning phase").Required().String()

	approveCompletionCmd = app.Command("approve-completion", "Approve completion of the current task")
	retryExplorerCmd     = app.Command("retry-explorer", "Retry from the exploration phase")
	retryPlannerCmd      = app.Command("retry-from-planner", "Retry from the planning phase")
	retryCoderCmd        = app.Command("retry-from-coder", "Retry from the coding phase")
	retryVerifierCmd     = app.Command("retry-from-verifier", "Retry from the verification phase")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	mode := workflow.ModeRegular
	if *meta {
		mode = workflow.ModeMeta
	}

	d, err := buildDeps(env)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case startCmd.FullCommand():
		err = runStart(ctx, d, mode)
	case continueCmd.FullCommand():
		err = runContinue(ctx, d, mode)
	case statusCmd.FullCommand():
		err = runStatus(ctx, d, mode, *statusJSON)
	case cleanCmd.FullCommand():
		err = runClean(ctx, d, mode)
	case completeCmd.FullCommand():
		err = d.engine.MarkComplete(ctx, mode)
	case failCmd.FullCommand():
		err = d.engine.MarkFailed(ctx, mode)
	case stopCmd.FullCommand():
		err = runStop(ctx, d, mode)
	case serveCmd.FullCommand():
		err = runServe(ctx, d)
	case approveCriteriaCmd.FullCommand():
		err = runDecision(ctx, d, mode, "approve-criteria", "")
	case modifyCriteriaCmd.FullCommand():
		err = runDecision(ctx, d, mode, "modify-criteria", *modifyCriteriaText)
	case approveCompletionCmd.FullCommand():
		err = runDecision(ctx, d, mode, "approve-completion", "")
	case retryExplorerCmd.FullCommand():
		err = runDecision(ctx, d, mode, "retry-explorer", "")
	case retryPlannerCmd.FullCommand():
		err = runDecision(ctx, d, mode, "retry-from-planner", "")
	case retryCoderCmd.FullCommand():
		err = runDecision(ctx, d, mode, "retry-from-coder", "")
	case retryVerifierCmd.FullCommand():
		err = runDecision(ctx, d, mode, "retry-from-verifier", "")
	}
	if err != nil {
		slog.Error("command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

// deps is the one wiring point: every command shares the same storage,
// controller and status service instances.
type deps struct {
	env       *config.Env
	localBase string // empty when storage is remote
	artifacts *artifact.Store
	gates     *gate.Controller
	tasks     task.Repository
	subs      pushsubscription.Repository
	bus       *eventbus.Bus
	records   *supervisor.RecordStore
	sup       *supervisor.Supervisor
	statusSvc *status.Service
	engine    *engine.Engine
}

func buildDeps(env *config.Env) (*deps, error) {
	logger := slog.Default()

	// Setup storage
	var store storage.Storage
	var localBase string
	switch env.StorageEnv.Type {
	case "s3":
		s3, err := storage.NewS3Storage(context.Background(), env.S3Bucket, env.S3Prefix, env.S3Region)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 storage: %w", err)
		}
		store = s3
	default:
		local, err := storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create local storage: %w", err)
		}
		store = local
		localBase = local.BasePath()
	}

	artifacts := artifact.NewStore(store)
	gates := gate.NewController(gaterepo.NewYAMLRepository(store), logger)
	tasks := taskrepo.NewMarkdownRepository(store)
	subs := pushsubrepo.NewYAMLRepository(store)
	bus := eventbus.New()

	supEnv := config.SupervisorEnvFromEnv(env)
	records := supervisor.NewRecordStore(store)
	sup := supervisor.New(records, logger, supEnv.GracePeriod, supEnv.HealthInterval)

	statusSvc := status.NewService(artifacts, gates, tasks, logger)

	agentEnv := config.AgentEnvFromEnv(env)
	workDir := agentEnv.WorkDir
	if workDir == "" {
		workDir = env.StorageEnv.BaseDir
	}
	machine := workflow.NewMachine(artifacts, gates.Lookup())
	eng := engine.New(machine, artifacts, gates, tasks, sup, bus, statusSvc, logger, engine.Config{
		AgentCommand: agentEnv.Command,
		PhaseTimeout: agentEnv.PhaseTimeout,
		WorkDir:      workDir,
	})

	return &deps{
		env:       env,
		localBase: localBase,
		artifacts: artifacts,
		gates:     gates,
		tasks:     tasks,
		subs:      subs,
		bus:       bus,
		records:   records,
		sup:       sup,
		statusSvc: statusSvc,
		engine:    eng,
	}, nil
}

func runStart(ctx context.Context, d *deps, mode workflow.Mode) error {
	if err := ensureAPIServer(ctx, d, mode); err != nil {
		return err
	}
	// The api-server handle lives in this process, so the periodic health
	// checks must run here too.
	d.sup.StartHealthLoop(ctx)

	err := runContinue(ctx, d, mode)
	if ctx.Err() != nil {
		// Interrupted: take the managed processes down with us.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		d.sup.Shutdown(shutdownCtx)
	}
	return err
}

func runContinue(ctx context.Context, d *deps, mode workflow.Mode) error {
	res, err := d.engine.Run(ctx, mode)
	if err != nil {
		return err
	}
	renderResult(mode, res)
	return nil
}

// ensureAPIServer launches this binary's serve command as a supervised
// subprocess unless a previously recorded server is still alive.
func ensureAPIServer(ctx context.Context, d *deps, mode workflow.Mode) error {
	for _, h := range d.sup.Processes(mode) {
		if h.Spec.Role == supervisor.RoleAPIServer {
			return nil
		}
	}
	if pid, ok := recordedServerPID(ctx, d, mode); ok {
		slog.InfoContext(ctx, "api server already running", "pid", pid)
		return nil
	}

	argv, err := serveArgv()
	if err != nil {
		return err
	}
	port, err := probePort(d.env.HTTPHost, d.env.HTTPPort)
	if err != nil {
		return err
	}

	_, err = d.sup.Launch(ctx, supervisor.Spec{
		Name: "phasegate-serve",
		Role: supervisor.RoleAPIServer,
		Mode: mode,
		Argv: argv,
		Dir:  d.env.StorageEnv.BaseDir,
		Env:  append(os.Environ(), "PHASEGATE_HTTP_PORT="+port),
	})
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "api server started", "port", port)
	return nil
}

// serveArgv builds the command line for the supervised api-server
// subprocess. A variable so tests can substitute a stand-in process.
var serveArgv = func() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return []string{exe, "serve"}, nil
}

func recordedServerPID(ctx context.Context, d *deps, mode workflow.Mode) (int, bool) {
	list, err := d.records.List(ctx, mode)
	if err != nil {
		return 0, false
	}
	for _, rec := range list {
		if rec.Role != supervisor.RoleAPIServer {
			continue
		}
		if proc, err := os.FindProcess(rec.PID); err == nil && proc.Signal(syscall.Signal(0)) == nil {
			return rec.PID, true
		}
	}
	return 0, false
}

// probePort returns the configured port when it is free, otherwise the
// first free port above it.
func probePort(host, base string) (string, error) {
	start, err := strconv.Atoi(base)
	if err != nil {
		return "", fmt.Errorf("invalid port %q: %w", base, err)
	}
	for p := start; p < start+50; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		ln.Close()
		return strconv.Itoa(p), nil
	}
	return "", errors.New("no free port found")
}

func runServe(ctx context.Context, d *deps) error {
	logger := slog.Default()
	baseEnv := config.BaseEnvFromEnv(d.env)
	pushEnv := config.PushEnvFromEnv(d.env)

	sender := notify.NewSender(pushEnv, d.subs, logger)
	dispatcher := notify.NewDispatcher(d.bus, sender, logger)
	go dispatcher.Start(ctx)

	if d.localBase != "" {
		if err := d.statusSvc.Watch(ctx, d.localBase); err != nil {
			logger.WarnContext(ctx, "file watch unavailable, relying on cache TTL", "error", err)
		}
	}

	srv := server.NewServer(baseEnv, pushEnv, d.statusSvc, d.gates, d.subs, d.bus, logger)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runStop(ctx context.Context, d *deps, mode workflow.Mode) error {
	if err := d.sup.StopNamespace(ctx, mode); err != nil {
		return err
	}
	fmt.Printf("Stopped all %s processes\n", mode)
	return nil
}

func runClean(ctx context.Context, d *deps, mode workflow.Mode) error {
	if err := d.engine.Clean(ctx, mode); err != nil {
		return err
	}
	fmt.Printf("Cleaned %s workflow state\n", mode)
	return nil
}

// runDecision records a gate decision. The artifacts and truncation the
// decision implies are applied by the next continue run.
func runDecision(ctx context.Context, d *deps, mode workflow.Mode, decision, modifications string) error {
	kind, err := resolveGateKind(ctx, d, mode, decision)
	if err != nil {
		return err
	}
	g, err := d.gates.Decide(ctx, mode, kind, decision, modifications)
	if err != nil {
		return err
	}
	d.statusSvc.Invalidate()
	d.bus.PublishNew(eventbus.EventGateDecided, mode, string(g.Kind), g.Decision, nil)

	color.Green("Recorded %s on the %s gate", g.Decision, g.Kind)
	fmt.Println("Run 'phasegate continue' to resume the workflow")
	return nil
}

// resolveGateKind maps a decision to its gate. retry-explorer belongs to
// both gates, so the open record decides.
func resolveGateKind(ctx context.Context, d *deps, mode workflow.Mode, decision string) (workflow.GateKind, error) {
	switch decision {
	case "approve-criteria", "modify-criteria":
		return workflow.GateCriteria, nil
	case "approve-completion", "retry-from-planner", "retry-from-coder", "retry-from-verifier":
		return workflow.GateCompletion, nil
	case "retry-explorer":
		gs, err := d.gates.Status(ctx, mode, workflow.GateCompletion)
		if err != nil {
			return "", err
		}
		if gs.Present && !gs.Decided {
			return workflow.GateCompletion, nil
		}
		return workflow.GateCriteria, nil
	default:
		return "", fmt.Errorf("unknown decision %q", decision)
	}
}

func runStatus(ctx context.Context, d *deps, mode workflow.Mode, asJSON bool) error {
	snap, err := d.statusSvc.Snapshot(ctx, mode)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	bold := color.New(color.Bold)
	bold.Printf("Mode: %s\n", snap.Mode)
	bold.Printf("Task: %s\n", snap.CurrentTask)
	fmt.Println()

	for _, entry := range snap.Workflow {
		switch entry.Status {
		case status.EntryCompleted:
			color.Green("  ✓ %s (%d bytes)", entry.Name, entry.Size)
		case status.EntryInProgress:
			if entry.Type == "gate" && snap.ActiveGate != nil {
				color.Yellow("  ⏳ %s (awaiting decision: %s)", entry.Name, optionList(snap.ActiveGate.Options))
			} else {
				color.Cyan("  🔄 %s (in progress)", entry.Name)
			}
		default:
			fmt.Printf("  ⏳ %s\n", entry.Name)
		}
	}

	if tasks, err := d.tasks.List(ctx, mode); err == nil && len(tasks) > 0 {
		fmt.Println()
		bold.Println("Checklist:")
		completionAwaiting := snap.ActiveGate != nil && snap.ActiveGate.Kind == workflow.GateCompletion
		for i, st := range displayTaskStatuses(tasks, completionAwaiting) {
			switch st {
			case task.StatusComplete:
				color.Green("  ✓ %s", tasks[i].Description)
			case task.StatusNeedsReview:
				color.Yellow("  🔄 %s (needs review)", tasks[i].Description)
			case task.StatusActive:
				color.Cyan("  🔄 %s (active)", tasks[i].Description)
			default:
				fmt.Printf("  ⏳ %s\n", tasks[i].Description)
			}
		}
	}

	if snap.Verification != nil {
		fmt.Println()
		switch snap.Verification.Status {
		case "PASS":
			color.Green("Verification: %s - %s", snap.Verification.Status, snap.Verification.Summary)
		case "FAIL":
			color.Red("Verification: %s - %s", snap.Verification.Status, snap.Verification.Summary)
		default:
			color.Yellow("Verification: %s - %s", snap.Verification.Status, snap.Verification.Summary)
		}
	}
	if snap.WorkflowComplete {
		fmt.Println()
		color.Green("Workflow complete")
	}
	return nil
}

// displayTaskStatuses maps checklist entries to display statuses. The first
// unchecked entry is the one in flight: active while its phases run,
// needs_review while the completion gate awaits a decision.
func displayTaskStatuses(tasks []*task.Task, completionAwaiting bool) []task.Status {
	statuses := make([]task.Status, len(tasks))
	currentSeen := false
	for i, tk := range tasks {
		statuses[i] = tk.Status
		if tk.Status == task.StatusPending && !currentSeen {
			currentSeen = true
			if completionAwaiting {
				statuses[i] = task.StatusNeedsReview
			} else {
				statuses[i] = task.StatusActive
			}
		}
	}
	return statuses
}

func renderResult(mode workflow.Mode, res *engine.Result) {
	switch res.State {
	case "gate_pending":
		color.Yellow("Workflow paused at the %s gate", res.Gate)
		fmt.Printf("Decide with one of: %s\n", optionList(res.Options))
		fmt.Printf("Gate details: %s\n", mode.ArtifactPath(engine.GatePromptName(res.Gate)))
	case "complete":
		color.Green("Workflow complete")
	case "no_task":
		fmt.Printf("No pending task in %s\n", mode.ChecklistPath())
	}
}

func optionList(options []string) string {
	out := ""
	for i, o := range options {
		if i > 0 {
			out += " | "
		}
		out += o
	}
	return out
}
