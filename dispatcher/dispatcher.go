// Package dispatcher implements the bounded worker pool that executes ready
// steps (§4.4): it owns the complete per-attempt retry/backoff loop, a
// per-breaker-name circuit breaker, and an output cache keyed by each step's
// declared cache key. It reports back to runstate.Registry only the
// bookkeeping (ReportAttempt) and final (ReportOutcome) events; the state
// machine never branches on retry counts itself.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	flow "goa.design/flow"
	"goa.design/flow/clock"
	"goa.design/flow/flowerrors"
	"goa.design/flow/runstate"
	"goa.design/flow/store"
	"goa.design/flow/telemetry"
)

// Config tunes the worker pool.
type Config struct {
	// MaxConcurrent bounds the number of step attempts executing at once
	// across all runs. Zero means unbounded.
	MaxConcurrent int64
	// RateLimit optionally caps attempts/second per workflow (§9 Open
	// Questions: a best-effort stub, not a hard guarantee).
	RateLimit float64
}

// Dispatcher is the JobSink implementation driving Invoker calls.
type Dispatcher struct {
	invoker  flow.Invoker
	registry *runstate.Registry
	store    store.Store
	clock    clock.Clock
	log      telemetry.Logger

	sem      *semaphore.Weighted
	breakers *breakerRegistry
	limiters *rateLimiterRegistry

	mu    sync.RWMutex
	steps map[string]map[string]flow.Step // workflowID -> stepID -> Step
}

// Deps bundles the Dispatcher's collaborators.
type Deps struct {
	Invoker  flow.Invoker
	Registry *runstate.Registry
	Store    store.Store
	Clock    clock.Clock
	Log      telemetry.Logger
}

// New constructs a Dispatcher.
func New(deps Deps, cfg Config) *Dispatcher {
	var sem *semaphore.Weighted
	if cfg.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return &Dispatcher{
		invoker:  deps.Invoker,
		registry: deps.Registry,
		store:    deps.Store,
		clock:    deps.Clock,
		log:      deps.Log,
		sem:      sem,
		breakers: newBreakerRegistry(deps.Clock),
		limiters: newRateLimiterRegistry(cfg.RateLimit),
		steps:    make(map[string]map[string]flow.Step),
	}
}

// RegisterWorkflow caches per-step retry/timeout/cache configuration so
// Enqueue can look it up by (workflowID, stepID) without round-tripping
// through the store on every attempt.
func (d *Dispatcher) RegisterWorkflow(wf flow.Workflow) {
	byID := make(map[string]flow.Step, len(wf.Steps))
	for _, s := range wf.Steps {
		byID[s.ID] = s
	}
	d.mu.Lock()
	d.steps[wf.ID] = byID
	d.mu.Unlock()
}

func (d *Dispatcher) stepFor(workflowID, stepID string) (flow.Step, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.steps[workflowID]
	if !ok {
		return flow.Step{}, false
	}
	s, ok := m[stepID]
	return s, ok
}

// Enqueue implements runstate.JobSink. It runs the job's full attempt loop
// in its own goroutine, bounded by the worker pool's semaphore, and reports
// the outcome back to the registry exactly once.
func (d *Dispatcher) Enqueue(ctx context.Context, job flow.Job, class runstate.JobClass, ictx flow.InvokeContext) error {
	step, ok := d.stepFor(ictx.WorkflowID, job.StepID)
	if !ok {
		return flowerrors.New(flowerrors.Validation, fmt.Sprintf("dispatcher: unknown step %s/%s", ictx.WorkflowID, job.StepID))
	}

	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}

	go func() {
		if d.sem != nil {
			defer d.sem.Release(1)
		}
		d.run(context.WithoutCancel(ctx), job, class, ictx, step)
	}()
	return nil
}

func (d *Dispatcher) run(ctx context.Context, job flow.Job, class runstate.JobClass, ictx flow.InvokeContext, step flow.Step) {
	if lim := d.limiters.get(ictx.WorkflowID); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			d.registry.ReportOutcome(ctx, job.RunID, job.StepID, job.Attempt, flow.Outcome{Status: flow.OutcomeErr, Err: err})
			return
		}
	}

	if cached, hit := d.checkCache(ctx, step); hit {
		d.registry.ReportOutcome(ctx, job.RunID, job.StepID, job.Attempt, flow.Outcome{Status: flow.OutcomeOK, Output: cached})
		return
	}

	outcome := d.runAttempts(ctx, job, class, ictx, step)

	if outcome.Status == flow.OutcomeErr && step.OnError != "" {
		outcome = d.runOnError(ctx, job, ictx, step, outcome)
	}

	if outcome.Status == flow.OutcomeOK {
		d.storeCache(ctx, step, outcome)
	}
	d.registry.ReportOutcome(ctx, job.RunID, job.StepID, job.Attempt, outcome)
}

// runOnError invokes a failed step's declared error handler in place of the
// failure (§4.2): the handler's own output replaces the failing step's
// output on success. If the handler isn't registered, or itself fails, the
// original failure propagates unchanged.
func (d *Dispatcher) runOnError(ctx context.Context, job flow.Job, ictx flow.InvokeContext, step flow.Step, failed flow.Outcome) flow.Outcome {
	handler, ok := d.stepFor(ictx.WorkflowID, step.OnError)
	if !ok {
		d.log.Warn(ctx, "onError handler step not registered", "step", step.ID, "handler", step.OnError)
		return failed
	}
	handlerJob := job
	handlerJob.StepID = handler.ID
	recovered := d.runAttempts(ctx, handlerJob, runstate.JobInvoke, ictx, handler)
	if recovered.Status != flow.OutcomeOK {
		return failed
	}
	return recovered
}

// checkCache looks up a step's static, declared CacheKey only: the
// invoker-returned dynamic key (Outcome.CacheKey) doesn't exist yet at this
// point, since checking the cache is how the dispatcher decides whether to
// invoke at all.
func (d *Dispatcher) checkCache(ctx context.Context, step flow.Step) ([]byte, bool) {
	if step.CacheKey == "" {
		return nil, false
	}
	val, ok, err := d.store.KV().Get(ctx, "dispatcher-cache", step.CacheKey)
	if err != nil || !ok {
		return nil, false
	}
	return val, true
}

// storeCache prefers the step's static, declared CacheKey; when a step
// declares none, it falls back to the dynamic key the invoker computed for
// this attempt's Outcome. checkCache only looks up static keys, so an entry
// stored under a dynamic key is hit only by a step that declares that same
// key as its static CacheKey.
func (d *Dispatcher) storeCache(ctx context.Context, step flow.Step, outcome flow.Outcome) {
	key := step.CacheKey
	if key == "" {
		key = outcome.CacheKey
	}
	if key == "" {
		return
	}
	if err := d.store.KV().Set(ctx, "dispatcher-cache", key, outcome.Output, step.CacheTTL); err != nil {
		d.log.Warn(ctx, "cache store failed", "key", key, "err", err)
	}
}
