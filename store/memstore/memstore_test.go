package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	flow "goa.design/flow"
	"goa.design/flow/flowerrors"
)

func TestCreateAndGetRun(t *testing.T) {
	s := New()
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "wf.one", []byte(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, flow.RunPending, run.Status)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, run.ID, got.ID)
	require.Equal(t, "wf.one", got.WorkflowID)
}

func TestGetRunUnknownReturnsNotFound(t *testing.T) {
	s := New()
	_, err := s.GetRun(context.Background(), "missing")
	require.True(t, flowerrors.Is(err, flowerrors.NotFound))
}

func TestGetRunSnapshotIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()
	run, err := s.CreateRun(ctx, "wf.one", nil)
	require.NoError(t, err)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	got.StepStates["x"] = flow.StepState{Status: flow.StepSucceeded}

	got2, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Empty(t, got2.StepStates, "caller mutation must not leak into the store")
}

func TestUpsertStepStateCompareAndSet(t *testing.T) {
	s := New()
	ctx := context.Background()
	run, err := s.CreateRun(ctx, "wf.one", nil)
	require.NoError(t, err)

	ok, err := s.UpsertStepState(ctx, run.ID, "step1", "", flow.StepState{Status: flow.StepRunning})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.UpsertStepState(ctx, run.ID, "step1", flow.StepPending, flow.StepState{Status: flow.StepSucceeded})
	require.NoError(t, err)
	require.False(t, ok, "stale expected status must be rejected")

	ok, err = s.UpsertStepState(ctx, run.ID, "step1", flow.StepRunning, flow.StepState{Status: flow.StepSucceeded})
	require.NoError(t, err)
	require.True(t, ok)

	st, err := s.GetStepState(ctx, run.ID, "step1")
	require.NoError(t, err)
	require.Equal(t, flow.StepSucceeded, st.Status)
}

func TestListPendingRunsExcludesTerminal(t *testing.T) {
	s := New()
	ctx := context.Background()
	run1, _ := s.CreateRun(ctx, "wf.one", nil)
	run2, _ := s.CreateRun(ctx, "wf.one", nil)
	require.NoError(t, s.UpdateRunStatus(ctx, run2.ID, flow.RunCompleted, time.Now(), ""))

	pending, err := s.ListPendingRuns(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, run1.ID, pending[0].ID)
}

func TestPauseCreateGetDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := flow.Pause{Token: "tok1", RunID: "run1", StepID: "step1", Kind: flow.PauseEvent, EventName: "order.paid"}
	require.NoError(t, s.CreatePause(ctx, p))

	got, err := s.GetPause(ctx, "tok1")
	require.NoError(t, err)
	require.Equal(t, "order.paid", got.EventName)

	pauses, err := s.ListPausesByEvent(ctx, "order.paid")
	require.NoError(t, err)
	require.Len(t, pauses, 1)

	require.NoError(t, s.DeletePause(ctx, "tok1"))
	_, err = s.GetPause(ctx, "tok1")
	require.True(t, flowerrors.Is(err, flowerrors.NotFound))
}

func TestScheduleDueAndAdvance(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.PutSchedule(ctx, "wf#0", "wf.one", "@hourly", now.Add(-time.Minute)))

	due, err := s.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "wf#0", due[0].TriggerID)

	require.NoError(t, s.AdvanceSchedule(ctx, "wf#0", now.Add(time.Hour)))
	due, err = s.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestIdempotencyKeyTTL(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutIdempotencyKey(ctx, "key1", "run1", 50*time.Millisecond))

	runID, found, err := s.GetIdempotencyKey(ctx, "key1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "run1", runID)

	time.Sleep(60 * time.Millisecond)
	_, found, err = s.GetIdempotencyKey(ctx, "key1")
	require.NoError(t, err)
	require.False(t, found, "expired key must not be returned")
}

func TestKVIncrAndTypeMismatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	kv := s.KV()

	n, err := kv.Incr(ctx, "ns1", "counter", 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	n, err = kv.Incr(ctx, "ns1", "counter", 2)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	require.NoError(t, kv.Set(ctx, "ns1", "text", []byte("hello"), 0))
	_, err = kv.Incr(ctx, "ns1", "text", 1)
	require.True(t, flowerrors.Is(err, flowerrors.TypeMismatch))
}

func TestKVScanPrefix(t *testing.T) {
	s := New()
	ctx := context.Background()
	kv := s.KV()
	require.NoError(t, kv.Set(ctx, "ns1", "run:1:a", []byte("1"), 0))
	require.NoError(t, kv.Set(ctx, "ns1", "run:1:b", []byte("2"), 0))
	require.NoError(t, kv.Set(ctx, "ns1", "other", []byte("3"), 0))

	keys, err := kv.Scan(ctx, "ns1", "run:1:*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"run:1:a", "run:1:b"}, keys)
}

func TestKVReapExpired(t *testing.T) {
	s := New()
	ctx := context.Background()
	kv := s.KV()
	require.NoError(t, kv.Set(ctx, "ns1", "short", []byte("v"), 20*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	n, err := kv.ReapExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, found, err := kv.Get(ctx, "ns1", "short")
	require.NoError(t, err)
	require.False(t, found)
}
