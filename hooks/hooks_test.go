package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	flow "goa.design/flow"
	"goa.design/flow/runstate"
	"goa.design/flow/telemetry"
)

func TestRunTerminalCallsOnSuccessForCompleted(t *testing.T) {
	var got *runstate.Snapshot
	r := New(Deps{
		OnSuccess: func(ctx context.Context, snap runstate.Snapshot) { got = &snap },
		OnFailure: func(ctx context.Context, snap runstate.Snapshot) { t.Fatal("onFailure must not be called") },
		Log:       telemetry.NewNoopLogger(),
	})

	r.RunTerminal(context.Background(), runstate.Snapshot{RunID: "run1", Status: flow.RunCompleted})
	require.NotNil(t, got)
	require.Equal(t, "run1", got.RunID)
}

func TestRunTerminalCallsOnFailureForFailedAndCancelled(t *testing.T) {
	for _, status := range []flow.RunStatus{flow.RunFailed, flow.RunCancelled} {
		called := false
		r := New(Deps{
			OnSuccess: func(ctx context.Context, snap runstate.Snapshot) { t.Fatal("onSuccess must not be called") },
			OnFailure: func(ctx context.Context, snap runstate.Snapshot) { called = true },
			Log:       telemetry.NewNoopLogger(),
		})
		r.RunTerminal(context.Background(), runstate.Snapshot{RunID: "run1", Status: status})
		require.True(t, called, "status %s should trigger onFailure", status)
	}
}

func TestRunTerminalNilCallbacksAreNoop(t *testing.T) {
	r := New(Deps{Log: telemetry.NewNoopLogger()})
	require.NotPanics(t, func() {
		r.RunTerminal(context.Background(), runstate.Snapshot{RunID: "run1", Status: flow.RunCompleted})
	})
}

func TestRunTerminalRecoversPanickingHook(t *testing.T) {
	r := New(Deps{
		OnSuccess: func(ctx context.Context, snap runstate.Snapshot) { panic("boom") },
		Log:       telemetry.NewNoopLogger(),
	})
	require.NotPanics(t, func() {
		r.RunTerminal(context.Background(), runstate.Snapshot{RunID: "run1", Status: flow.RunCompleted})
	})
}
