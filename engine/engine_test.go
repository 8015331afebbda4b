package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	flow "goa.design/flow"
	"goa.design/flow/runstate"
)

type echoInvoker struct{}

func (echoInvoker) Invoke(ctx context.Context, runID, stepID string, ictx flow.InvokeContext) (flow.Outcome, error) {
	return flow.Outcome{Status: flow.OutcomeOK, Output: ictx.Payload}, nil
}

func (echoInvoker) EvaluateCondition(ctx context.Context, runID, stepID string, ictx flow.InvokeContext) (bool, error) {
	return true, nil
}

func (echoInvoker) ResolveItems(ctx context.Context, runID, stepID string, ictx flow.InvokeContext) ([]any, error) {
	return nil, nil
}

const demoWorkflow = `{
  "id": "demo.greet",
  "steps": [{"id": "say-hello", "type": "action"}],
  "triggers": [{"manual": {}}]
}`

func waitForTerminal(t *testing.T, ing *Ingress, runID string) RunView {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		view, err := ing.Inspect(ctx, runID)
		require.NoError(t, err)
		if view.Status.IsTerminal() {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal state in time")
	return RunView{}
}

func TestEngineRegisterTriggerInspect(t *testing.T) {
	ctx := context.Background()
	var successSnap *runstate.Snapshot

	ing := New(Deps{
		Invoker: echoInvoker{},
		OnSuccess: func(ctx context.Context, snap runstate.Snapshot) {
			successSnap = &snap
		},
	})
	require.NoError(t, ing.Start(ctx, Config{WorkerCount: 2}))
	defer ing.Stop(ctx)

	require.NoError(t, ing.Register(ctx, []byte(demoWorkflow)))

	runID, err := ing.Trigger(ctx, "demo.greet", []byte(`{"name":"world"}`))
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	view := waitForTerminal(t, ing, runID)
	require.Equal(t, flow.RunCompleted, view.Status)
	require.JSONEq(t, `{"name":"world"}`, string(view.Output))

	require.NotNil(t, successSnap, "onSuccess hook should fire")
	require.Equal(t, runID, successSnap.RunID)
}

func TestEngineCancelRun(t *testing.T) {
	ctx := context.Background()
	ing := New(Deps{Invoker: echoInvoker{}})
	require.NoError(t, ing.Start(ctx, Config{WorkerCount: 2}))
	defer ing.Stop(ctx)

	require.NoError(t, ing.Register(ctx, []byte(`{
		"id": "wf.sleep",
		"steps": [{"id": "wait", "type": "control", "kind": "sleep", "extra": {"durationMs": 5000}}],
		"triggers": [{"manual": {}}]
	}`)))

	runID, err := ing.Trigger(ctx, "wf.sleep", nil)
	require.NoError(t, err)

	require.NoError(t, ing.CancelRun(ctx, runID, "test cancel"))

	view, err := ing.Inspect(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, flow.RunCancelled, view.Status)
}

func TestEngineStartTwiceFails(t *testing.T) {
	ctx := context.Background()
	ing := New(Deps{Invoker: echoInvoker{}})
	require.NoError(t, ing.Start(ctx, Config{}))
	defer ing.Stop(ctx)

	err := ing.Start(ctx, Config{})
	require.Error(t, err)
}

func TestEngineKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	ing := New(Deps{Invoker: echoInvoker{}})
	require.NoError(t, ing.Start(ctx, Config{}))
	defer ing.Stop(ctx)

	kv := ing.KV()
	require.NoError(t, kv.Set(ctx, "global", "key1", []byte("val1"), 0))
	val, found, err := kv.Get(ctx, "global", "key1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "val1", string(val))
}
