package runstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	flow "goa.design/flow"
	"goa.design/flow/clock"
	"goa.design/flow/flowerrors"
	"goa.design/flow/store/memstore"
	"goa.design/flow/telemetry"
)

var errBoom = errors.New("boom")

// scriptedJobSink resolves classInvoke/classCondition jobs against a
// per-step scripted Outcome, reporting it straight back to the Registry —
// enough to drive the live readiness fixpoint (groups, if-blocks) through a
// real Registry without a dispatcher or Invoker.
type scriptedJobSink struct {
	reg *Registry

	mu       sync.Mutex
	outcomes map[string]flow.Outcome
	// held, if non-empty, names jobs never reported back — used to keep a
	// run non-terminal for concurrency-cap testing.
	held map[string]bool
}

func (s *scriptedJobSink) Enqueue(ctx context.Context, job flow.Job, class JobClass, ictx flow.InvokeContext) error {
	s.mu.Lock()
	if s.held[job.StepID] {
		s.mu.Unlock()
		return nil
	}
	outcome, ok := s.outcomes[job.StepID]
	s.mu.Unlock()
	if !ok {
		outcome = flow.Outcome{Status: flow.OutcomeOK}
	}
	s.reg.ReportOutcome(ctx, job.RunID, job.StepID, job.Attempt, outcome)
	return nil
}

func boolOutcome(v bool) flow.Outcome {
	out := []byte("false")
	if v {
		out = []byte("true")
	}
	return flow.Outcome{Status: flow.OutcomeOK, Output: out}
}

func newLiveRegistry(sink *scriptedJobSink) *Registry {
	st := memstore.New()
	clk := clock.NewFake(time.Now())
	reg := NewRegistry(Deps{Store: st, Clock: clk, Jobs: sink, Log: telemetry.NewNoopLogger()})
	sink.reg = reg
	return reg
}

func waitForRunTerminal(t *testing.T, reg *Registry, runID string) Snapshot {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		snap, err := reg.Inspect(ctx, runID)
		require.NoError(t, err)
		if snap.Status.IsTerminal() {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal state in time")
	return Snapshot{}
}

func TestLiveParallelGroupAllMembersMustSucceed(t *testing.T) {
	sink := &scriptedJobSink{outcomes: map[string]flow.Outcome{
		"m1": {Status: flow.OutcomeOK}, "m2": {Status: flow.OutcomeOK},
	}}
	reg := newLiveRegistry(sink)
	wf := flow.Workflow{ID: "wf.par", Steps: []flow.Step{
		controlStep("par1", flow.ControlParallel),
		{ID: "m1", Type: flow.StepTypeAction, ParallelGroupID: "g1", ParallelStepCount: 2},
		{ID: "m2", Type: flow.StepTypeAction, ParallelGroupID: "g1"},
		step("after", flow.StepTypeAction),
	}}
	require.NoError(t, reg.RegisterWorkflow(wf))

	run, err := reg.StartRun(context.Background(), "wf.par", nil)
	require.NoError(t, err)

	snap := waitForRunTerminal(t, reg, run.ID)
	require.Equal(t, flow.RunCompleted, snap.Status)
	require.Equal(t, flow.StepSucceeded, snap.StepStates["m1"].Status)
	require.Equal(t, flow.StepSucceeded, snap.StepStates["m2"].Status)
	require.Equal(t, flow.StepSucceeded, snap.StepStates["par1"].Status)
	require.Equal(t, flow.StepSucceeded, snap.StepStates["after"].Status)
}

func TestLiveParallelGroupOneMemberFailsRunFails(t *testing.T) {
	sink := &scriptedJobSink{outcomes: map[string]flow.Outcome{
		"m1": {Status: flow.OutcomeOK},
		"m2": {Status: flow.OutcomeErr, Err: errBoom},
	}}
	reg := newLiveRegistry(sink)
	wf := flow.Workflow{ID: "wf.parfail", Steps: []flow.Step{
		controlStep("par1", flow.ControlParallel),
		{ID: "m1", Type: flow.StepTypeAction, ParallelGroupID: "g1", ParallelStepCount: 2},
		{ID: "m2", Type: flow.StepTypeAction, ParallelGroupID: "g1"},
	}}
	require.NoError(t, reg.RegisterWorkflow(wf))

	run, err := reg.StartRun(context.Background(), "wf.parfail", nil)
	require.NoError(t, err)

	snap := waitForRunTerminal(t, reg, run.ID)
	require.Equal(t, flow.RunFailed, snap.Status)
}

func TestLiveRaceGroupFirstSuccessCancelsRest(t *testing.T) {
	sink := &scriptedJobSink{held: map[string]bool{"slow": true}, outcomes: map[string]flow.Outcome{
		"fast": {Status: flow.OutcomeOK},
	}}
	reg := newLiveRegistry(sink)
	wf := flow.Workflow{ID: "wf.race", Steps: []flow.Step{
		controlStep("race1", flow.ControlRace),
		{ID: "fast", Type: flow.StepTypeAction, ParallelGroupID: "g1", ParallelStepCount: 2},
		{ID: "slow", Type: flow.StepTypeAction, ParallelGroupID: "g1"},
	}}
	require.NoError(t, reg.RegisterWorkflow(wf))

	run, err := reg.StartRun(context.Background(), "wf.race", nil)
	require.NoError(t, err)

	snap := waitForRunTerminal(t, reg, run.ID)
	require.Equal(t, flow.RunCompleted, snap.Status)
	require.Equal(t, flow.StepSucceeded, snap.StepStates["fast"].Status)
	require.Equal(t, flow.StepCancelled, snap.StepStates["slow"].Status)
	require.Equal(t, flow.StepSucceeded, snap.StepStates["race1"].Status)
}

func TestLiveIfTrueTakesThenBranchSkipsElse(t *testing.T) {
	sink := &scriptedJobSink{outcomes: map[string]flow.Outcome{"if1": boolOutcome(true)}}
	reg := newLiveRegistry(sink)
	wf := flow.Workflow{ID: "wf.if", Steps: []flow.Step{
		controlStep("if1", flow.ControlIf),
		step("then1", flow.StepTypeAction),
		controlStep("else1", flow.ControlElse),
		step("else-body", flow.StepTypeAction),
		controlStep("endif1", flow.ControlEndIf),
	}}
	require.NoError(t, reg.RegisterWorkflow(wf))

	run, err := reg.StartRun(context.Background(), "wf.if", nil)
	require.NoError(t, err)

	snap := waitForRunTerminal(t, reg, run.ID)
	require.Equal(t, flow.RunCompleted, snap.Status)
	require.Equal(t, flow.StepSucceeded, snap.StepStates["then1"].Status)
	require.Equal(t, flow.StepSkipped, snap.StepStates["else1"].Status)
	require.Equal(t, flow.StepSkipped, snap.StepStates["else-body"].Status)
}

func TestLiveIfFalseElseIfTrueTakesElseIfBranch(t *testing.T) {
	sink := &scriptedJobSink{outcomes: map[string]flow.Outcome{
		"if1":     boolOutcome(false),
		"elseif1": boolOutcome(true),
	}}
	reg := newLiveRegistry(sink)
	wf := flow.Workflow{ID: "wf.elseif", Steps: []flow.Step{
		controlStep("if1", flow.ControlIf),
		step("then1", flow.StepTypeAction),
		controlStep("elseif1", flow.ControlElseIf),
		step("elseif-body", flow.StepTypeAction),
		controlStep("else1", flow.ControlElse),
		step("else-body", flow.StepTypeAction),
		controlStep("endif1", flow.ControlEndIf),
	}}
	require.NoError(t, reg.RegisterWorkflow(wf))

	run, err := reg.StartRun(context.Background(), "wf.elseif", nil)
	require.NoError(t, err)

	snap := waitForRunTerminal(t, reg, run.ID)
	require.Equal(t, flow.RunCompleted, snap.Status)
	require.Equal(t, flow.StepSkipped, snap.StepStates["then1"].Status)
	require.Equal(t, flow.StepSucceeded, snap.StepStates["elseif-body"].Status)
	require.Equal(t, flow.StepSkipped, snap.StepStates["else1"].Status)
	require.Equal(t, flow.StepSkipped, snap.StepStates["else-body"].Status)
}

func TestLiveAllConditionsFalseTakesElseBranch(t *testing.T) {
	sink := &scriptedJobSink{outcomes: map[string]flow.Outcome{
		"if1":     boolOutcome(false),
		"elseif1": boolOutcome(false),
	}}
	reg := newLiveRegistry(sink)
	wf := flow.Workflow{ID: "wf.elsefall", Steps: []flow.Step{
		controlStep("if1", flow.ControlIf),
		step("then1", flow.StepTypeAction),
		controlStep("elseif1", flow.ControlElseIf),
		step("elseif-body", flow.StepTypeAction),
		controlStep("else1", flow.ControlElse),
		step("else-body", flow.StepTypeAction),
		controlStep("endif1", flow.ControlEndIf),
	}}
	require.NoError(t, reg.RegisterWorkflow(wf))

	run, err := reg.StartRun(context.Background(), "wf.elsefall", nil)
	require.NoError(t, err)

	snap := waitForRunTerminal(t, reg, run.ID)
	require.Equal(t, flow.RunCompleted, snap.Status)
	require.Equal(t, flow.StepSkipped, snap.StepStates["then1"].Status)
	require.Equal(t, flow.StepSkipped, snap.StepStates["elseif-body"].Status)
	require.Equal(t, flow.StepSucceeded, snap.StepStates["else-body"].Status)
}

func TestStartRunEnforcesWorkflowConcurrency(t *testing.T) {
	limit := 1
	sink := &scriptedJobSink{held: map[string]bool{"only": true}}
	reg := newLiveRegistry(sink)
	wf := flow.Workflow{
		ID: "wf.cap", Concurrency: &limit,
		Steps: []flow.Step{step("only", flow.StepTypeAction)},
	}
	require.NoError(t, reg.RegisterWorkflow(wf))

	run1, err := reg.StartRun(context.Background(), "wf.cap", nil)
	require.NoError(t, err)

	_, err = reg.StartRun(context.Background(), "wf.cap", nil)
	require.True(t, flowerrors.Is(err, flowerrors.ConcurrencyLimit))

	require.NoError(t, reg.CancelRun(context.Background(), run1.ID))

	run2, err := reg.StartRun(context.Background(), "wf.cap", nil)
	require.NoError(t, err, "slot should be released once the first run is terminal")
	require.NotEmpty(t, run2.ID)
}

func TestBackgroundStepDoesNotBlockRunCompletion(t *testing.T) {
	sink := &scriptedJobSink{held: map[string]bool{"bg": true}}
	reg := newLiveRegistry(sink)
	wf := flow.Workflow{ID: "wf.bg", Steps: []flow.Step{
		step("main", flow.StepTypeAction),
		{ID: "bg", Type: flow.StepTypeAction, Background: true},
	}}
	require.NoError(t, reg.RegisterWorkflow(wf))

	run, err := reg.StartRun(context.Background(), "wf.bg", nil)
	require.NoError(t, err)

	snap := waitForRunTerminal(t, reg, run.ID)
	require.Equal(t, flow.RunCompleted, snap.Status)
	require.Equal(t, flow.StepRunning, snap.StepStates["bg"].Status)
}
