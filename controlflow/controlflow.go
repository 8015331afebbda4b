// Package controlflow implements the interpreter for control-kind steps
// (§4.3): sleep, waitForEvent, human-in-the-loop, forEach, batch, cancel,
// and subflow. runstate calls it on a goroutine of its own for every ready
// control step, and it drives completion either inline (forEach/batch/cancel/subflow)
// or asynchronously by scheduling a Clock wake-up and later resuming the
// pause through runstate.Registry (sleep/waitForEvent/human).
package controlflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	flow "goa.design/flow"
	"goa.design/flow/clock"
	"goa.design/flow/flowerrors"
	"goa.design/flow/runstate"
	"goa.design/flow/telemetry"
)

// OnPause is invoked exactly once, at-least-once, when a human step
// suspends — mirroring the teacher's event-callback shape for long-running
// external approvals.
type OnPause func(ctx context.Context, token, runID, stepID string, metadata map[string]any)

// Engine implements runstate.ControlHandler.
type Engine struct {
	registry *runstate.Registry
	invoker  flow.Invoker
	clock    clock.Clock
	log      telemetry.Logger
	onPause  OnPause

	pollInterval time.Duration
}

// Deps bundles the Engine's collaborators.
type Deps struct {
	Registry *runstate.Registry
	Invoker  flow.Invoker
	Clock    clock.Clock
	Log      telemetry.Logger
	OnPause  OnPause
}

// New constructs a control-flow Engine.
func New(deps Deps) *Engine {
	return &Engine{
		registry:     deps.Registry,
		invoker:      deps.Invoker,
		clock:        deps.Clock,
		log:          deps.Log,
		onPause:      deps.OnPause,
		pollInterval: 50 * time.Millisecond,
	}
}

var _ runstate.ControlHandler = (*Engine)(nil)

// Handle dispatches one ready control step to its interpreter.
func (e *Engine) Handle(ctx context.Context, req runstate.ControlRequest) (runstate.ControlResult, error) {
	switch req.Step.Kind {
	case flow.ControlSleep:
		return e.handleSleep(req)
	case flow.ControlWaitForEvent:
		return e.handleWaitForEvent(req)
	case flow.ControlHuman:
		return e.handleHuman(ctx, req)
	case flow.ControlForEach:
		return e.handleForEach(ctx, req)
	case flow.ControlBatch:
		return e.handleBatch(ctx, req)
	case flow.ControlCancel:
		return e.handleCancel(ctx, req)
	case flow.ControlSubflow:
		return e.handleSubflow(ctx, req)
	default:
		return runstate.ControlResult{}, flowerrors.New(flowerrors.Validation, "controlflow: unhandled kind "+string(req.Step.Kind))
	}
}

func durationFromExtra(extra map[string]any, key string) time.Duration {
	v, ok := extra[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return time.Duration(n) * time.Millisecond
	case int:
		return time.Duration(n) * time.Millisecond
	}
	return 0
}

func stringFromExtra(extra map[string]any, key string) string {
	v, _ := extra[key].(string)
	return v
}

func mapFromExtra(extra map[string]any, key string) map[string]any {
	m, _ := extra[key].(map[string]any)
	return m
}

// handleSleep pauses the step and schedules its own resume; the run
// observes the step as paused until the clock fires.
func (e *Engine) handleSleep(req runstate.ControlRequest) (runstate.ControlResult, error) {
	d := durationFromExtra(req.Step.Extra, "durationMs")
	token := uuid.NewString()
	wake := e.clock.Now().Add(d)

	e.clock.AfterFunc(d, func() {
		_ = e.registry.ResumePause(context.Background(), token, nil)
	})

	return runstate.ControlResult{Pause: &flow.Pause{
		Token: token, Kind: flow.PauseSleep, ExpiresAt: &wake,
	}}, nil
}

// handleWaitForEvent pauses under the step's configured event name; a
// matching Registry.PublishEvent resumes it. An optional timeout fails the
// step if no event arrives in time.
func (e *Engine) handleWaitForEvent(req runstate.ControlRequest) (runstate.ControlResult, error) {
	name := stringFromExtra(req.Step.Extra, "event")
	if name == "" {
		return runstate.ControlResult{}, flowerrors.New(flowerrors.Validation, "waitForEvent: missing event name")
	}
	token := uuid.NewString()
	timeout := durationFromExtra(req.Step.Extra, "timeoutMs")

	var expires *time.Time
	if timeout > 0 {
		t := e.clock.Now().Add(timeout)
		expires = &t
		runID, stepID, attempt := req.RunID, req.Step.ID, req.Attempt
		e.clock.AfterFunc(timeout, func() {
			e.expirePause(token, runID, stepID, attempt)
		})
	}

	return runstate.ControlResult{Pause: &flow.Pause{
		Token: token, Kind: flow.PauseEvent, EventName: name, ExpiresAt: expires,
	}}, nil
}

// handleHuman pauses and notifies the configured onPause callback so an
// external approver can learn the resume token.
func (e *Engine) handleHuman(ctx context.Context, req runstate.ControlRequest) (runstate.ControlResult, error) {
	token := uuid.NewString()
	timeout := durationFromExtra(req.Step.Extra, "timeoutMs")
	metadata := mapFromExtra(req.Step.Extra, "metadata")

	var expires *time.Time
	if timeout > 0 {
		t := e.clock.Now().Add(timeout)
		expires = &t
		runID, stepID, attempt := req.RunID, req.Step.ID, req.Attempt
		e.clock.AfterFunc(timeout, func() {
			e.expirePause(token, runID, stepID, attempt)
		})
	}

	if e.onPause != nil {
		go e.onPause(context.WithoutCancel(ctx), token, req.RunID, req.Step.ID, metadata)
	}

	return runstate.ControlResult{Pause: &flow.Pause{
		Token: token, Kind: flow.PauseHuman, ExpiresAt: expires,
	}}, nil
}

// expirePause fails a still-outstanding pause once its deadline fires
// (§4.3 waitForEvent/human timeout contracts).
func (e *Engine) expirePause(token, runID, stepID string, attempt int) {
	e.registry.ExpirePause(context.Background(), token, runID, stepID, attempt,
		flowerrors.New(flowerrors.StepTimeout, "pause expired: "+stepID))
}

// itemResult is one forEach/batch child's outcome.
type itemResult struct {
	Index  int             `json:"index"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type fanOutOutput struct {
	Results    []itemResult `json:"results"`
	TotalItems int          `json:"totalItems"`
}

// handleForEach resolves the item list and runs one child invocation per
// item concurrently, bounded by an optional concurrency cap.
func (e *Engine) handleForEach(ctx context.Context, req runstate.ControlRequest) (runstate.ControlResult, error) {
	items, err := e.invoker.ResolveItems(ctx, req.RunID, req.Step.ID, req.Context)
	if err != nil {
		return runstate.ControlResult{Outcome: &flow.Outcome{Status: flow.OutcomeErr, Err: err}}, nil
	}
	concurrency := 0
	if v, ok := req.Step.Extra["concurrency"].(float64); ok {
		concurrency = int(v)
	}
	results := e.runFanOut(ctx, req, items, concurrency)
	return runstate.ControlResult{Outcome: resultsToOutcome(results, len(items))}, nil
}

// handleBatch chunks the item list into sequential batches of the
// configured size, running each batch's children in parallel.
func (e *Engine) handleBatch(ctx context.Context, req runstate.ControlRequest) (runstate.ControlResult, error) {
	items, err := e.invoker.ResolveItems(ctx, req.RunID, req.Step.ID, req.Context)
	if err != nil {
		return runstate.ControlResult{Outcome: &flow.Outcome{Status: flow.OutcomeErr, Err: err}}, nil
	}
	size := 1
	if v, ok := req.Step.Extra["size"].(float64); ok && v > 0 {
		size = int(v)
	}

	all := make([]itemResult, 0, len(items))
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]
		res := e.runFanOut(ctx, req, batch, 0)
		for i := range res {
			res[i].Index += start
		}
		all = append(all, res...)
	}
	return runstate.ControlResult{Outcome: resultsToOutcome(all, len(items))}, nil
}

// runFanOut invokes one child per item concurrently (bounded by
// concurrency, 0 meaning unbounded) and collects results in item order.
func (e *Engine) runFanOut(ctx context.Context, req runstate.ControlRequest, items []any, concurrency int) []itemResult {
	results := make([]itemResult, len(items))
	var sem *semaphore.Weighted
	if concurrency > 0 {
		sem = semaphore.NewWeighted(int64(concurrency))
	}
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(gctx, 1); err != nil {
					return nil
				}
				defer sem.Release(1)
			}
			childCtx := req.Context
			payload, _ := json.Marshal(item)
			childCtx.Payload = payload

			out, err := e.invoker.Invoke(gctx, req.RunID, fmt.Sprintf("%s[%d]", req.Step.ID, i), childCtx)
			r := itemResult{Index: i}
			if err != nil {
				r.Error = err.Error()
			} else if out.Status == flow.OutcomeErr {
				r.Error = errString(out.Err)
			} else {
				r.Output = out.Output
			}
			mu.Lock()
			results[i] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func resultsToOutcome(results []itemResult, total int) *flow.Outcome {
	out := fanOutOutput{Results: results, TotalItems: total}
	data, err := json.Marshal(out)
	if err != nil {
		return &flow.Outcome{Status: flow.OutcomeErr, Err: err}
	}
	for _, r := range results {
		if r.Error != "" {
			return &flow.Outcome{Status: flow.OutcomeErr, Output: data, Err: fmt.Errorf("item %d failed: %s", r.Index, r.Error)}
		}
	}
	return &flow.Outcome{Status: flow.OutcomeOK, Output: data}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// handleCancel forces the entire run to RunCancelled before returning. The
// OK outcome it returns reaches a run that is already terminal and is
// dropped, so the cancel step itself ends cancelled like every other
// unfinished step.
func (e *Engine) handleCancel(ctx context.Context, req runstate.ControlRequest) (runstate.ControlResult, error) {
	if err := e.registry.CancelRun(context.WithoutCancel(ctx), req.RunID); err != nil {
		e.log.Error(ctx, "cancel run failed", "run", req.RunID, "err", err)
	}
	reason := stringFromExtra(req.Step.Extra, "reason")
	return runstate.ControlResult{Outcome: &flow.Outcome{Status: flow.OutcomeOK, Output: []byte(reason)}}, nil
}

// handleSubflow starts a child run of another registered workflow and
// blocks until it reaches a terminal state, propagating its output or
// failure as this step's outcome.
func (e *Engine) handleSubflow(ctx context.Context, req runstate.ControlRequest) (runstate.ControlResult, error) {
	workflowID := stringFromExtra(req.Step.Extra, "workflowId")
	if workflowID == "" {
		return runstate.ControlResult{}, flowerrors.New(flowerrors.Validation, "subflow: missing workflowId")
	}
	input := req.Context.Payload
	if raw, ok := req.Step.Extra["input"]; ok {
		if data, err := json.Marshal(raw); err == nil {
			input = data
		}
	}

	child, err := e.registry.StartRun(ctx, workflowID, input)
	if err != nil {
		return runstate.ControlResult{Outcome: &flow.Outcome{Status: flow.OutcomeErr, Err: err}}, nil
	}

	for {
		snap, err := e.registry.Inspect(ctx, child.ID)
		if err != nil {
			return runstate.ControlResult{Outcome: &flow.Outcome{Status: flow.OutcomeErr, Err: err}}, nil
		}
		if snap.Status.IsTerminal() {
			if snap.Status == flow.RunCompleted {
				return runstate.ControlResult{Outcome: &flow.Outcome{Status: flow.OutcomeOK, Output: snap.Output}}, nil
			}
			return runstate.ControlResult{Outcome: &flow.Outcome{
				Status: flow.OutcomeErr,
				Err:    flowerrors.New(flowerrors.Validation, fmt.Sprintf("subflow %s ended %s: %s", child.ID, snap.Status, snap.Error)),
			}}, nil
		}
		select {
		case <-ctx.Done():
			return runstate.ControlResult{Outcome: &flow.Outcome{Status: flow.OutcomeErr, Err: ctx.Err()}}, nil
		case <-wait(e.clock, e.pollInterval):
		}
	}
}

func wait(clk clock.Clock, d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	clk.AfterFunc(d, func() { close(ch) })
	return ch
}
