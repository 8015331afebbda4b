// Package runstate implements the per-run state machine (§4.2): readiness
// computation over a compiled workflow Plan, outcome admission, control-flow
// branch/group resolution, and terminal-state detection. It never executes
// user code itself; it drives a JobSink (the dispatcher) and a
// ControlHandler (package controlflow) and is driven back by their outcome
// reports.
package runstate

import (
	"context"
	"time"

	flow "goa.design/flow"
)

// JobClass tells the dispatcher which user-facing operation a Job
// represents.
type JobClass int

const (
	JobInvoke JobClass = iota
	JobCondition
)

// JobSink is the dispatcher-side interface the Machine enqueues ready work
// onto. Implemented by dispatcher.Dispatcher.
type JobSink interface {
	Enqueue(ctx context.Context, job flow.Job, class JobClass, ictx flow.InvokeContext) error
}

// ControlRequest carries everything a ControlHandler needs to act on one
// ready control step.
type ControlRequest struct {
	RunID      string
	WorkflowID string
	Step       flow.Step
	Attempt    int
	Context    flow.InvokeContext
}

// ControlResult is what a ControlHandler returns for a ready control step.
// Exactly one of Outcome or Pause should be set. If both are nil the machine
// records nothing and the step stays running until a Registry.ReportOutcome
// for the same attempt; the controlflow handlers always set one of the two.
type ControlResult struct {
	Outcome *flow.Outcome
	Pause   *flow.Pause
}

// ControlHandler executes control-kind steps (sleep, waitForEvent, human,
// forEach, batch, cancel, subflow). Implemented by controlflow.Engine.
type ControlHandler interface {
	Handle(ctx context.Context, req ControlRequest) (ControlResult, error)
}

// Snapshot is the final context handed to HookRunner at terminal transition.
type Snapshot struct {
	RunID       string
	WorkflowID  string
	Status      flow.RunStatus
	StartedAt   time.Time
	CompletedAt time.Time
	StepStates  map[string]flow.StepState
	Output      []byte
	Error       string
}

// HookSink is invoked exactly once per run at terminal transition.
// Implemented by hooks.Runner.
type HookSink interface {
	RunTerminal(ctx context.Context, snap Snapshot)
}

// Clock is the minimal time abstraction the Machine needs: the current time.
// Satisfied by clock.Clock.
type Clock interface {
	Now() time.Time
}
