package controlflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	flow "goa.design/flow"
	"goa.design/flow/clock"
	"goa.design/flow/runstate"
	"goa.design/flow/store/memstore"
	"goa.design/flow/telemetry"
)

type listInvoker struct {
	items []any
}

func (l listInvoker) Invoke(ctx context.Context, runID, stepID string, ictx flow.InvokeContext) (flow.Outcome, error) {
	return flow.Outcome{Status: flow.OutcomeOK, Output: ictx.Payload}, nil
}
func (listInvoker) EvaluateCondition(context.Context, string, string, flow.InvokeContext) (bool, error) {
	return true, nil
}
func (l listInvoker) ResolveItems(context.Context, string, string, flow.InvokeContext) ([]any, error) {
	return l.items, nil
}

type failingInvoker struct{}

func (failingInvoker) Invoke(ctx context.Context, runID, stepID string, ictx flow.InvokeContext) (flow.Outcome, error) {
	return flow.Outcome{}, errors.New("boom")
}
func (failingInvoker) EvaluateCondition(context.Context, string, string, flow.InvokeContext) (bool, error) {
	return false, nil
}
func (failingInvoker) ResolveItems(context.Context, string, string, flow.InvokeContext) ([]any, error) {
	return []any{"x"}, nil
}

func newTestEngine(invoker flow.Invoker) (*Engine, *runstate.Registry) {
	st := memstore.New()
	clk := clock.NewFake(time.Now())
	runs := runstate.NewRegistry(runstate.Deps{Store: st, Clock: clk, Log: telemetry.NewNoopLogger()})
	eng := New(Deps{Registry: runs, Invoker: invoker, Clock: clk, Log: telemetry.NewNoopLogger()})
	runs.SetControlHandler(eng)
	return eng, runs
}

func forEachStep(extra map[string]any) flow.Step {
	return flow.Step{ID: "each", Type: flow.StepTypeControl, Kind: flow.ControlForEach, Extra: extra}
}

func TestHandleForEachAggregatesResults(t *testing.T) {
	eng, _ := newTestEngine(listInvoker{items: []any{"a", "b", "c"}})
	res, err := eng.Handle(context.Background(), runstate.ControlRequest{
		RunID: "run1", Step: forEachStep(nil),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	require.Equal(t, flow.OutcomeOK, res.Outcome.Status)

	var out fanOutOutput
	require.NoError(t, json.Unmarshal(res.Outcome.Output, &out))
	require.Equal(t, 3, out.TotalItems)
	require.Len(t, out.Results, 3)
}

func TestHandleForEachPropagatesChildFailure(t *testing.T) {
	eng, _ := newTestEngine(failingInvoker{})
	res, err := eng.Handle(context.Background(), runstate.ControlRequest{
		RunID: "run1", Step: forEachStep(nil),
	})
	require.NoError(t, err)
	require.Equal(t, flow.OutcomeErr, res.Outcome.Status)
}

func TestHandleBatchChunksItems(t *testing.T) {
	eng, _ := newTestEngine(listInvoker{items: []any{"a", "b", "c", "d", "e"}})
	step := flow.Step{ID: "batch1", Type: flow.StepTypeControl, Kind: flow.ControlBatch, Extra: map[string]any{"size": float64(2)}}
	res, err := eng.Handle(context.Background(), runstate.ControlRequest{RunID: "run1", Step: step})
	require.NoError(t, err)

	var out fanOutOutput
	require.NoError(t, json.Unmarshal(res.Outcome.Output, &out))
	require.Equal(t, 5, out.TotalItems)
	for i, r := range out.Results {
		require.Equal(t, i, r.Index)
	}
}

func TestHandleSleepReturnsPause(t *testing.T) {
	eng, _ := newTestEngine(listInvoker{})
	step := flow.Step{ID: "wait", Type: flow.StepTypeControl, Kind: flow.ControlSleep, Extra: map[string]any{"durationMs": float64(1000)}}
	res, err := eng.Handle(context.Background(), runstate.ControlRequest{RunID: "run1", Step: step})
	require.NoError(t, err)
	require.NotNil(t, res.Pause)
	require.Equal(t, flow.PauseSleep, res.Pause.Kind)
	require.NotEmpty(t, res.Pause.Token)
}

func TestHandleWaitForEventRequiresEventName(t *testing.T) {
	eng, _ := newTestEngine(listInvoker{})
	step := flow.Step{ID: "wait", Type: flow.StepTypeControl, Kind: flow.ControlWaitForEvent}
	_, err := eng.Handle(context.Background(), runstate.ControlRequest{RunID: "run1", Step: step})
	require.Error(t, err)
}

func TestHandleWaitForEventReturnsPause(t *testing.T) {
	eng, _ := newTestEngine(listInvoker{})
	step := flow.Step{ID: "wait", Type: flow.StepTypeControl, Kind: flow.ControlWaitForEvent, Extra: map[string]any{"event": "order.paid"}}
	res, err := eng.Handle(context.Background(), runstate.ControlRequest{RunID: "run1", Step: step})
	require.NoError(t, err)
	require.NotNil(t, res.Pause)
	require.Equal(t, flow.PauseEvent, res.Pause.Kind)
	require.Equal(t, "order.paid", res.Pause.EventName)
}

func TestHandleUnknownKindErrors(t *testing.T) {
	eng, _ := newTestEngine(listInvoker{})
	step := flow.Step{ID: "bogus", Type: flow.StepTypeControl, Kind: flow.ControlKind("nope")}
	_, err := eng.Handle(context.Background(), runstate.ControlRequest{RunID: "run1", Step: step})
	require.Error(t, err)
}
