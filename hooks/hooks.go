// Package hooks implements the run-lifecycle notification surface (§4.7):
// exactly one of onSuccess/onFailure is invoked, exactly once, after a run
// reaches a terminal state. Scoped down from the teacher's broader
// publish/subscribe hook-event bus (runtime/agent/hooks) to the two
// lifecycle events this engine's spec names.
package hooks

import (
	"context"

	flow "goa.design/flow"
	"goa.design/flow/runstate"
	"goa.design/flow/telemetry"
)

// OnSuccess is called once a run completes with every step succeeded or
// skipped.
type OnSuccess func(ctx context.Context, snap runstate.Snapshot)

// OnFailure is called once a run ends failed or cancelled.
type OnFailure func(ctx context.Context, snap runstate.Snapshot)

// Runner implements runstate.HookSink, fanning a terminal Snapshot out to
// the registered onSuccess/onFailure callbacks. A panicking or erroring
// callback is recovered and logged, never propagated — a misbehaving hook
// must not corrupt engine state.
type Runner struct {
	onSuccess OnSuccess
	onFailure OnFailure
	log       telemetry.Logger
}

// Deps bundles the Runner's collaborators.
type Deps struct {
	OnSuccess OnSuccess
	OnFailure OnFailure
	Log       telemetry.Logger
}

// New constructs a Runner. Either callback may be nil.
func New(deps Deps) *Runner {
	return &Runner{onSuccess: deps.OnSuccess, onFailure: deps.OnFailure, log: deps.Log}
}

var _ runstate.HookSink = (*Runner)(nil)

// RunTerminal implements runstate.HookSink.
func (r *Runner) RunTerminal(ctx context.Context, snap runstate.Snapshot) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error(ctx, "hook panicked", "run", snap.RunID, "recovered", rec)
		}
	}()

	switch snap.Status {
	case flow.RunCompleted:
		if r.onSuccess != nil {
			r.onSuccess(ctx, snap)
		}
	default:
		if r.onFailure != nil {
			r.onFailure(ctx, snap)
		}
	}
}
