package runstate

import (
	"context"
	"sync"
	"time"

	"goa.design/flow/clock"
	flow "goa.design/flow"
	"goa.design/flow/flowerrors"
	"goa.design/flow/store"
	"goa.design/flow/telemetry"
)

// Registry owns one Machine per in-flight run, the compiled Plan per
// registered workflow, and the shared collaborators every Machine calls
// back into. It is the entry point dispatcher, controlflow, hooks, and the
// top-level engine package drive runs through.
type Registry struct {
	mu       sync.Mutex
	machines map[string]*Machine
	plans    map[string]*Plan

	// concurrencyLimit and concurrencyCount enforce Workflow.Concurrency
	// (§4.1): at most concurrencyLimit[id] runs of workflow id may be
	// non-terminal at once. A workflow absent from concurrencyLimit (or
	// mapped to 0) is unbounded.
	concurrencyLimit map[string]int
	concurrencyCount map[string]int

	store store.Store
	clock clock.Clock
	jobs  JobSink
	control ControlHandler
	hooks HookSink
	log   telemetry.Logger
}

// Deps bundles the Registry's collaborators (§4.2).
type Deps struct {
	Store   store.Store
	Clock   clock.Clock
	Jobs    JobSink
	Control ControlHandler
	Hooks   HookSink
	Log     telemetry.Logger
}

// NewRegistry constructs a Registry. Jobs/Control/Hooks may be wired after
// construction via SetJobSink/SetControlHandler/SetHookSink to break
// construction-order cycles between the engine and its collaborators.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		machines:         make(map[string]*Machine),
		plans:            make(map[string]*Plan),
		concurrencyLimit: make(map[string]int),
		concurrencyCount: make(map[string]int),
		store:            deps.Store,
		clock:            deps.Clock,
		jobs:             deps.Jobs,
		control:          deps.Control,
		hooks:            deps.Hooks,
		log:              deps.Log,
	}
}

func (r *Registry) SetJobSink(s JobSink)               { r.jobs = s }
func (r *Registry) SetControlHandler(h ControlHandler) { r.control = h }
func (r *Registry) SetHookSink(h HookSink)             { r.hooks = h }

// SetStore wires the durable Store once it is opened. The engine package
// constructs the Registry before the Store exists (the Store's path/backend
// comes from Start's Config), so this breaks that construction-order cycle
// the same way SetJobSink/SetControlHandler/SetHookSink do.
func (r *Registry) SetStore(s store.Store) { r.store = s }

// RegisterWorkflow compiles and caches the static Plan for a workflow
// definition. It must be called once before any run of that workflow is
// started or resumed.
func (r *Registry) RegisterWorkflow(wf flow.Workflow) error {
	plan, err := Compile(wf)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[wf.ID] = plan
	if wf.Concurrency != nil && *wf.Concurrency > 0 {
		r.concurrencyLimit[wf.ID] = *wf.Concurrency
	} else {
		delete(r.concurrencyLimit, wf.ID)
	}
	return nil
}

func (r *Registry) planFor(workflowID string) (*Plan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[workflowID]
	return p, ok
}

// acquireSlot reserves one concurrency slot for workflowID, rejecting the
// call if the workflow's declared limit is already saturated.
func (r *Registry) acquireSlot(workflowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit, capped := r.concurrencyLimit[workflowID]
	if capped && r.concurrencyCount[workflowID] >= limit {
		return false
	}
	r.concurrencyCount[workflowID]++
	return true
}

// accountSlot reserves one concurrency slot unconditionally, used when
// resuming a run that was already in flight (crash recovery) rather than
// admitting a new one: it must count against the limit without being
// subject to rejection.
func (r *Registry) accountSlot(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.concurrencyCount[workflowID]++
}

// releaseSlot frees a workflow's concurrency slot, called once a run that
// previously acquired or accounted for one either fails to start or reaches
// a terminal state.
func (r *Registry) releaseSlot(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.concurrencyCount[workflowID] > 0 {
		r.concurrencyCount[workflowID]--
	}
}

// StartRun creates a durable Run row and its in-memory Machine, then kicks
// off the initial readiness pass. It enforces Workflow.Concurrency (§4.1):
// a workflow with N runs already in flight rejects the N+1th until one of
// the existing runs reaches a terminal state.
func (r *Registry) StartRun(ctx context.Context, workflowID string, payload []byte) (flow.Run, error) {
	plan, ok := r.planFor(workflowID)
	if !ok {
		return flow.Run{}, flowerrors.New(flowerrors.Validation, "workflow not registered: "+workflowID)
	}
	if !r.acquireSlot(workflowID) {
		return flow.Run{}, flowerrors.New(flowerrors.ConcurrencyLimit, "workflow at concurrency limit: "+workflowID)
	}
	run, err := r.store.CreateRun(ctx, workflowID, payload)
	if err != nil {
		r.releaseSlot(workflowID)
		return flow.Run{}, err
	}
	run.Status = flow.RunRunning
	if err := r.store.UpdateRunStatus(ctx, run.ID, flow.RunRunning, r.clock.Now(), ""); err != nil {
		r.releaseSlot(workflowID)
		return flow.Run{}, err
	}
	run.StartedAt = r.clock.Now()

	m := newMachine(r, run, plan)
	r.mu.Lock()
	r.machines[run.ID] = m
	r.mu.Unlock()

	m.mu.Lock()
	m.recompute(ctx)
	m.persist(ctx)
	m.mu.Unlock()

	return run, nil
}

// Resume reactivates a run from its persisted state — used both for the
// crash-recovery reconciliation scan on engine startup and for restoring a
// Machine that was evicted from memory.
func (r *Registry) Resume(ctx context.Context, runID string) error {
	r.mu.Lock()
	if _, ok := r.machines[runID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	plan, ok := r.planFor(run.WorkflowID)
	if !ok {
		return flowerrors.New(flowerrors.Validation, "workflow not registered: "+run.WorkflowID)
	}
	m := newMachine(r, run, plan)
	r.mu.Lock()
	r.machines[runID] = m
	r.mu.Unlock()

	if run.Status.IsTerminal() {
		return nil
	}
	r.accountSlot(run.WorkflowID)
	m.mu.Lock()
	m.recompute(ctx)
	m.persist(ctx)
	m.mu.Unlock()
	return nil
}

// machineFor returns the in-memory Machine for a run, lazily resuming it
// from storage if it is not currently held in memory.
func (r *Registry) machineFor(ctx context.Context, runID string) (*Machine, error) {
	r.mu.Lock()
	m, ok := r.machines[runID]
	r.mu.Unlock()
	if ok {
		return m, nil
	}
	if err := r.Resume(ctx, runID); err != nil {
		return nil, err
	}
	r.mu.Lock()
	m = r.machines[runID]
	r.mu.Unlock()
	if m == nil {
		return nil, flowerrors.New(flowerrors.NotFound, "run not found: "+runID)
	}
	return m, nil
}

// ReportOutcome admits a step attempt's final outcome (§4.4 propagation
// policy: the dispatcher calls this only once per attempt, with either
// success or a retry-exhausted failure).
func (r *Registry) ReportOutcome(ctx context.Context, runID, stepID string, attempt int, outcome flow.Outcome) {
	m, err := r.machineFor(ctx, runID)
	if err != nil {
		r.log.Error(ctx, "report outcome: machine lookup failed", "run", runID, "step", stepID, "err", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admitOutcome(ctx, stepID, attempt, outcome)
}

// ReportAttempt records an in-flight retry attempt's bookkeeping (current
// attempt number and next scheduled retry time) without affecting
// readiness; called by the dispatcher between backoff waits.
func (r *Registry) ReportAttempt(ctx context.Context, runID, stepID string, attempt int, nextRetryAt *time.Time) {
	m, err := r.machineFor(ctx, runID)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportAttempt(ctx, stepID, attempt, nextRetryAt)
}

// PublishEvent resumes every paused step waiting on the given event name
// (§4.3 waitForEvent). It does not start new runs: the event triggers that
// package trigger records are not consulted here.
func (r *Registry) PublishEvent(ctx context.Context, eventName string, payload []byte) (int, error) {
	pauses, err := r.store.ListPausesByEvent(ctx, eventName)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, p := range pauses {
		if err := r.ResumePause(ctx, p.Token, payload); err != nil {
			r.log.Error(ctx, "resume pause failed", "token", p.Token, "run", p.RunID, "err", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// ResumePause completes a paused step (human-in-the-loop, waitForEvent, or
// sleep) with the given resume payload and re-enters the readiness pass.
func (r *Registry) ResumePause(ctx context.Context, token string, resumePayload []byte) error {
	pause, err := r.store.GetPause(ctx, token)
	if err != nil {
		return err
	}
	if err := r.store.DeletePause(ctx, token); err != nil {
		return err
	}
	m, err := r.machineFor(ctx, pause.RunID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateOf(pause.StepID)
	if st.Status != flow.StepPaused {
		return nil // already resumed by a concurrent delivery; idempotent no-op
	}
	m.setState(pause.StepID, flow.StepState{Status: flow.StepSucceeded, Attempt: st.Attempt, Output: resumePayload, CompletedAt: tptr(m.now())})
	if m.status == flow.RunPaused {
		m.status = flow.RunRunning
	}
	m.recompute(ctx)
	m.persist(ctx)
	return nil
}

// ExpirePause fails a still-outstanding pause with a timeout outcome. It is
// a no-op if the pause has already been consumed by a concurrent resume
// (§4.3 waitForEvent/human timeout contracts).
func (r *Registry) ExpirePause(ctx context.Context, token, runID, stepID string, attempt int, timeoutErr error) {
	if _, err := r.store.GetPause(ctx, token); err != nil {
		return
	}
	if err := r.store.DeletePause(ctx, token); err != nil {
		r.log.Error(ctx, "expire pause: delete failed", "token", token, "err", err)
	}
	r.ReportOutcome(ctx, runID, stepID, attempt, flow.Outcome{Status: flow.OutcomeErr, Err: timeoutErr})
}

// CancelRun force-terminates a run: every non-terminal step is marked
// cancelled and the run transitions to RunCancelled.
func (r *Registry) CancelRun(ctx context.Context, runID string) error {
	m, err := r.machineFor(ctx, runID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.IsTerminal() {
		return nil
	}
	for _, id := range m.allIDs {
		st := m.stateOf(id)
		if !st.Status.IsTerminal() {
			m.setState(id, flow.StepState{Status: flow.StepCancelled, Attempt: st.Attempt, CompletedAt: tptr(m.now())})
		}
	}
	m.transitionTerminal(ctx, flow.RunCancelled, "cancelled")
	m.persist(ctx)
	return nil
}

// Inspect returns a point-in-time snapshot of a run's state.
func (r *Registry) Inspect(ctx context.Context, runID string) (Snapshot, error) {
	m, err := r.machineFor(ctx, runID)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		RunID: m.runID, WorkflowID: m.workflowID, Status: m.status,
		StartedAt: m.startedAt, StepStates: cloneStates(m.states),
		Output: m.lastOutput, Error: m.runErr,
	}, nil
}

// Evict drops a terminal run's Machine from memory. Safe to call repeatedly;
// it is a no-op for unknown or non-terminal runs.
func (r *Registry) Evict(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[runID]
	if !ok {
		return
	}
	m.mu.Lock()
	terminal := m.status.IsTerminal()
	m.mu.Unlock()
	if terminal {
		delete(r.machines, runID)
	}
}
