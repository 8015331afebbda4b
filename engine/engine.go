// Package engine implements the Ingress API (§4.8, §6.3): the single
// process-scope facade mediating every external call — workflow
// registration, run triggering, inspection, resume, cancellation, event
// publication, and the state KV surface — into the mutex-guarded state
// graph formed by runstate.Registry, dispatcher.Dispatcher,
// controlflow.Engine, hooks.Runner, and trigger.Registry.
package engine

import (
	"context"
	"sync"
	"time"

	flow "goa.design/flow"
	"goa.design/flow/clock"
	"goa.design/flow/controlflow"
	"goa.design/flow/definition"
	"goa.design/flow/dispatcher"
	"goa.design/flow/flowerrors"
	"goa.design/flow/hooks"
	"goa.design/flow/runstate"
	"goa.design/flow/statekv"
	"goa.design/flow/store"
	"goa.design/flow/store/memstore"
	"goa.design/flow/store/sqlite"
	"goa.design/flow/telemetry"
	"goa.design/flow/trigger"
)

// Config enumerates Start's tunables (§6.3).
type Config struct {
	// DBPath selects the storage backend: empty uses an in-memory store
	// (package memstore), any non-empty path opens a SQLite file (package
	// store/sqlite).
	DBPath string
	// WorkerCount bounds the dispatcher's concurrent step attempts. Zero
	// means unbounded.
	WorkerCount int
	// DefaultStepTimeout is accepted but not applied: a step that declares
	// no timeout of its own runs with no deadline.
	DefaultStepTimeout time.Duration
	// ShutdownGracePeriod is accepted but not read: Stop does not wait for
	// in-flight dispatcher work.
	ShutdownGracePeriod time.Duration
	// RateLimit optionally caps dispatcher attempts/second per workflow.
	RateLimit float64
	// CronEnabled drives the cron scheduling loop (trigger.Registry.DueSchedules)
	// off a ticker while the engine runs.
	CronEnabled bool
	// CronPollInterval sets how often the cron loop checks for due
	// schedules. Defaults to one second.
	CronPollInterval time.Duration
}

// RunView is the caller-facing snapshot of a run's execution state (§6.3
// Inspect).
type RunView struct {
	RunID       string
	WorkflowID  string
	Status      flow.RunStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Steps       map[string]flow.StepState
	Output      []byte
	Error       string
}

// Ingress is the process-wide facade described in §4.8/§6.3. The zero value
// is not usable; construct with New.
type Ingress struct {
	mu      sync.Mutex
	started bool

	store      store.Store
	clock      clock.Clock
	log        telemetry.Logger
	metrics    telemetry.Metrics

	invoker flow.Invoker
	schemas trigger.SchemaResolver

	runs       *runstate.Registry
	dispatch   *dispatcher.Dispatcher
	control    *controlflow.Engine
	hookRunner *hooks.Runner
	triggers   *trigger.Registry
	kv         *statekv.KV

	workflows map[string]flow.Workflow

	cronStop chan struct{}
	cronDone chan struct{}
}

// Deps bundles the collaborators New needs beyond Config. Invoker is
// mandatory; the rest have sensible defaults (a noop logger/metrics, the
// system clock).
type Deps struct {
	Invoker flow.Invoker
	Clock   clock.Clock
	Log     telemetry.Logger
	Metrics telemetry.Metrics
	// OnSuccess/OnFailure are the user-registered lifecycle hooks (§4.7).
	OnSuccess hooks.OnSuccess
	OnFailure hooks.OnFailure
	// OnPause notifies external callers a human-in-the-loop step is
	// awaiting action (§4.3).
	OnPause controlflow.OnPause
	// Schemas resolves a WebhookTrigger.SchemaRef to its JSON schema
	// document for body validation (§4.6, §6.1).
	Schemas trigger.SchemaResolver
}

// New constructs an Ingress facade wiring every collaborator together. Call
// Start before Register/Trigger.
func New(deps Deps) *Ingress {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := deps.Log
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	ing := &Ingress{
		clock:     clk,
		log:       log,
		metrics:   metrics,
		invoker:   deps.Invoker,
		schemas:   deps.Schemas,
		workflows: make(map[string]flow.Workflow),
	}

	ing.runs = runstate.NewRegistry(runstate.Deps{Clock: clk, Log: log})
	ing.control = controlflow.New(controlflow.Deps{
		Registry: ing.runs,
		Invoker:  deps.Invoker,
		Clock:    clk,
		Log:      log,
		OnPause:  deps.OnPause,
	})
	ing.hookRunner = hooks.New(hooks.Deps{OnSuccess: deps.OnSuccess, OnFailure: deps.OnFailure, Log: log})
	ing.runs.SetControlHandler(ing.control)
	ing.runs.SetHookSink(ing.hookRunner)

	return ing
}

// Start opens the configured store, wires the dispatcher and trigger
// registry (which need it), and begins the cron scheduling loop if enabled
// (§6.3).
func (ing *Ingress) Start(ctx context.Context, cfg Config) error {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.started {
		return flowerrors.New(flowerrors.Validation, "engine already started")
	}

	var st store.Store
	if cfg.DBPath == "" {
		st = memstore.New()
	} else {
		s, err := sqlite.New(sqlite.Config{Path: cfg.DBPath})
		if err != nil {
			return flowerrors.Wrap(flowerrors.Store, "open store", err)
		}
		st = s
	}
	ing.store = st
	ing.runs.SetStore(st)
	ing.kv = statekv.New(st.KV())

	var maxConcurrent int64
	if cfg.WorkerCount > 0 {
		maxConcurrent = int64(cfg.WorkerCount)
	}
	ing.dispatch = dispatcher.New(dispatcher.Deps{
		Invoker:  ing.invoker,
		Registry: ing.runs,
		Store:    st,
		Clock:    ing.clock,
		Log:      ing.log,
	}, dispatcher.Config{MaxConcurrent: maxConcurrent, RateLimit: cfg.RateLimit})
	ing.runs.SetJobSink(ing.dispatch)

	ing.triggers = trigger.New(trigger.Deps{
		Runs:    ing.runs,
		Store:   st,
		Clock:   ing.clock,
		Schemas: ing.schemas,
		Log:     ing.log,
	})

	// Crash-recovery reconciliation scan (§9): resume every run that was not
	// terminal when the process last stopped.
	pending, err := st.ListPendingRuns(ctx)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Store, "list pending runs", err)
	}
	for _, wf := range mustListWorkflows(ctx, st) {
		if err := ing.runs.RegisterWorkflow(wf); err != nil {
			return err
		}
		ing.dispatch.RegisterWorkflow(wf)
		ing.workflows[wf.ID] = wf
		if err := ing.triggers.RegisterWorkflowTriggers(ctx, wf); err != nil {
			return err
		}
	}
	for _, run := range pending {
		if err := ing.runs.Resume(ctx, run.ID); err != nil {
			ing.log.Error(ctx, "resume pending run failed", "run", run.ID, "err", err)
		}
	}

	if cfg.CronEnabled {
		interval := cfg.CronPollInterval
		if interval <= 0 {
			interval = time.Second
		}
		ing.startCronLoop(interval)
	}

	ing.started = true
	return nil
}

func mustListWorkflows(ctx context.Context, st store.Store) []flow.Workflow {
	wfs, err := st.ListWorkflows(ctx)
	if err != nil {
		return nil
	}
	return wfs
}

// startCronLoop polls trigger.Registry.DueSchedules on the given interval
// and fires each due trigger, running on the real wall clock rather than
// the injected Clock: cron dispatch is wall-time bound by nature, and tests
// exercise HandleCronFire directly rather than through this loop.
func (ing *Ingress) startCronLoop(interval time.Duration) {
	ing.cronStop = make(chan struct{})
	ing.cronDone = make(chan struct{})
	go func() {
		defer close(ing.cronDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ing.cronStop:
				return
			case <-ticker.C:
				ctx := context.Background()
				due, err := ing.triggers.DueSchedules(ctx)
				if err != nil {
					ing.log.Error(ctx, "cron: list due schedules failed", "err", err)
					continue
				}
				for _, id := range due {
					if _, err := ing.triggers.HandleCronFire(ctx, id); err != nil {
						ing.log.Error(ctx, "cron fire failed", "trigger", id, "err", err)
					}
				}
			}
		}
	}()
}

// Stop halts the cron loop (if running) and closes the store. It neither
// waits for nor cancels in-flight dispatcher goroutines, and it does not
// read ShutdownGracePeriod.
func (ing *Ingress) Stop(ctx context.Context) error {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if !ing.started {
		return nil
	}
	if ing.cronStop != nil {
		close(ing.cronStop)
		<-ing.cronDone
	}
	ing.started = false
	return ing.store.Close()
}

// Register parses and validates a workflow definition document, compiles
// its Plan, and registers its triggers (§6.3).
func (ing *Ingress) Register(ctx context.Context, workflowJSON []byte) error {
	wf, err := definition.Parse(workflowJSON)
	if err != nil {
		return err
	}
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if err := ing.store.PutWorkflow(ctx, wf); err != nil {
		return err
	}
	if err := ing.runs.RegisterWorkflow(wf); err != nil {
		return err
	}
	ing.dispatch.RegisterWorkflow(wf)
	if err := ing.triggers.RegisterWorkflowTriggers(ctx, wf); err != nil {
		return err
	}
	ing.workflows[wf.ID] = wf
	return nil
}

// Trigger starts a run of workflowID with payload as the initial Context
// payload (§6.3; equivalent to trigger.Registry.HandleManual).
func (ing *Ingress) Trigger(ctx context.Context, workflowID string, payload []byte) (string, error) {
	return ing.triggers.HandleManual(ctx, workflowID, payload)
}

// HandleWebhook delegates to trigger.Registry.HandleWebhook (§4.6); exposed
// here so the webhook HTTP adapter (package webhook) has a single call
// surface into the engine.
func (ing *Ingress) HandleWebhook(ctx context.Context, path, method string, headers map[string]string, body []byte) (string, error) {
	return ing.triggers.HandleWebhook(ctx, path, method, headers, body)
}

// Inspect returns a point-in-time view of a run (§6.3).
func (ing *Ingress) Inspect(ctx context.Context, runID string) (RunView, error) {
	snap, err := ing.runs.Inspect(ctx, runID)
	if err != nil {
		return RunView{}, err
	}
	return RunView{
		RunID: snap.RunID, WorkflowID: snap.WorkflowID, Status: snap.Status,
		StartedAt: snap.StartedAt, CompletedAt: snap.CompletedAt,
		Steps: snap.StepStates, Output: snap.Output, Error: snap.Error,
	}, nil
}

// Resume completes a pause by token (§6.3).
func (ing *Ingress) Resume(ctx context.Context, token string, payload []byte) error {
	return ing.triggers.Resume(ctx, token, payload)
}

// CancelRun force-terminates a run (§6.3). reason is only logged; it is not
// stored on the run and does not change cancellation semantics.
func (ing *Ingress) CancelRun(ctx context.Context, runID string, reason string) error {
	if err := ing.runs.CancelRun(ctx, runID); err != nil {
		return err
	}
	if reason != "" {
		ing.log.Info(ctx, "run cancelled", "run", runID, "reason", reason)
	}
	return nil
}

// PublishEvent resumes every paused step awaiting name (§6.3).
func (ing *Ingress) PublishEvent(ctx context.Context, name string, payload []byte) (int, error) {
	return ing.triggers.PublishEvent(ctx, name, payload)
}

// KV returns the global-namespace state KV facade (§4.5, §6.3).
func (ing *Ingress) KV() *statekv.KV { return ing.kv }

// WorkflowKV returns the state KV facade scoped to one workflow's namespace.
func (ing *Ingress) WorkflowKV(workflowID string) (*statekv.KV, string) {
	return ing.kv, statekv.WorkflowNamespace(workflowID)
}
