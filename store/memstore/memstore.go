// Package memstore provides an in-memory Store implementation suitable for
// development, tests, and single-process deployments where persistence
// across restarts is not required.
package memstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	flow "goa.design/flow"
	"goa.design/flow/flowerrors"
	"goa.design/flow/store"
)

// Store is an in-memory implementation of store.Store. It is safe for
// concurrent use.
type Store struct {
	mu         sync.RWMutex
	workflows  map[string]flow.Workflow
	runs       map[string]*flow.Run
	pauses     map[string]flow.Pause
	schedules  map[string]store.Schedule
	idemp      map[string]idempEntry
	kv         *kvStore
}

type idempEntry struct {
	runID     string
	expiresAt time.Time
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new in-memory Store.
func New() *Store {
	return &Store{
		workflows: make(map[string]flow.Workflow),
		runs:      make(map[string]*flow.Run),
		pauses:    make(map[string]flow.Pause),
		schedules: make(map[string]store.Schedule),
		idemp:     make(map[string]idempEntry),
		kv:        newKVStore(),
	}
}

func (s *Store) PutWorkflow(ctx context.Context, def flow.Workflow) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[def.ID] = def
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (flow.Workflow, error) {
	if err := ctxErr(ctx); err != nil {
		return flow.Workflow{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.workflows[id]
	if !ok {
		return flow.Workflow{}, flowerrors.New(flowerrors.NotFound, "workflow not found: "+id)
	}
	return def, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]flow.Workflow, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]flow.Workflow, 0, len(s.workflows))
	for _, def := range s.workflows {
		out = append(out, def)
	}
	return out, nil
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return flowerrors.New(flowerrors.NotFound, "workflow not found: "+id)
	}
	delete(s.workflows, id)
	return nil
}

func (s *Store) CreateRun(ctx context.Context, workflowID string, payload []byte) (flow.Run, error) {
	if err := ctxErr(ctx); err != nil {
		return flow.Run{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run := flow.Run{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Status:     flow.RunPending,
		Payload:    payload,
		StartedAt:  time.Now(),
		StepStates: make(map[string]flow.StepState),
	}
	s.runs[run.ID] = &run
	cp := run
	cp.StepStates = cloneStepStates(run.StepStates)
	return cp, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (flow.Run, error) {
	if err := ctxErr(ctx); err != nil {
		return flow.Run{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return flow.Run{}, flowerrors.New(flowerrors.NotFound, "run not found: "+runID)
	}
	cp := *run
	cp.StepStates = cloneStepStates(run.StepStates)
	return cp, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status flow.RunStatus, ts time.Time, runErr string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return flowerrors.New(flowerrors.NotFound, "run not found: "+runID)
	}
	run.Status = status
	run.Error = runErr
	if status.IsTerminal() {
		t := ts
		run.CompletedAt = &t
	}
	return nil
}

func (s *Store) SetRunLastOutput(ctx context.Context, runID string, output []byte) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return flowerrors.New(flowerrors.NotFound, "run not found: "+runID)
	}
	run.LastOutput = output
	return nil
}

func (s *Store) ListPendingRuns(ctx context.Context) ([]flow.Run, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []flow.Run
	for _, run := range s.runs {
		if !run.Status.IsTerminal() {
			cp := *run
			cp.StepStates = cloneStepStates(run.StepStates)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *Store) ListRunsByWorkflow(ctx context.Context, workflowID string, statuses []flow.RunStatus) ([]flow.Run, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[flow.RunStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []flow.Run
	for _, run := range s.runs {
		if run.WorkflowID != workflowID {
			continue
		}
		if len(want) > 0 && !want[run.Status] {
			continue
		}
		cp := *run
		cp.StepStates = cloneStepStates(run.StepStates)
		out = append(out, cp)
	}
	return out, nil
}

func (s *Store) UpsertStepState(ctx context.Context, runID, stepID string, expectStatus flow.StepStatus, state flow.StepState) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return false, flowerrors.New(flowerrors.NotFound, "run not found: "+runID)
	}
	if expectStatus != "" {
		cur, exists := run.StepStates[stepID]
		if !exists || cur.Status != expectStatus {
			return false, nil
		}
	}
	run.StepStates[stepID] = state
	return true, nil
}

func (s *Store) GetStepState(ctx context.Context, runID, stepID string) (flow.StepState, error) {
	if err := ctxErr(ctx); err != nil {
		return flow.StepState{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return flow.StepState{}, flowerrors.New(flowerrors.NotFound, "run not found: "+runID)
	}
	st, ok := run.StepStates[stepID]
	if !ok {
		return flow.StepState{}, flowerrors.New(flowerrors.NotFound, "step not found: "+stepID)
	}
	return st, nil
}

func (s *Store) CreatePause(ctx context.Context, pause flow.Pause) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses[pause.Token] = pause
	return nil
}

func (s *Store) GetPause(ctx context.Context, token string) (flow.Pause, error) {
	if err := ctxErr(ctx); err != nil {
		return flow.Pause{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pauses[token]
	if !ok {
		return flow.Pause{}, flowerrors.New(flowerrors.NotFound, "pause not found: "+token)
	}
	return p, nil
}

func (s *Store) DeletePause(ctx context.Context, token string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pauses[token]; !ok {
		return flowerrors.New(flowerrors.NotFound, "pause not found: "+token)
	}
	delete(s.pauses, token)
	return nil
}

func (s *Store) ListPausesByEvent(ctx context.Context, eventName string) ([]flow.Pause, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []flow.Pause
	for _, p := range s.pauses {
		if p.Kind == flow.PauseEvent && p.EventName == eventName {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) KV() store.KV { return s.kv }

func (s *Store) PutSchedule(ctx context.Context, triggerID, workflowID, cronExpr string, nextFireAt time.Time) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[triggerID] = store.Schedule{TriggerID: triggerID, WorkflowID: workflowID, Cron: cronExpr, NextFireAt: nextFireAt}
	return nil
}

func (s *Store) DueSchedules(ctx context.Context, asOf time.Time) ([]store.Schedule, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Schedule
	for _, sch := range s.schedules {
		if !sch.NextFireAt.After(asOf) {
			out = append(out, sch)
		}
	}
	return out, nil
}

func (s *Store) AdvanceSchedule(ctx context.Context, triggerID string, nextFireAt time.Time) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[triggerID]
	if !ok {
		return flowerrors.New(flowerrors.NotFound, "schedule not found: "+triggerID)
	}
	sch.NextFireAt = nextFireAt
	s.schedules[triggerID] = sch
	return nil
}

func (s *Store) PutIdempotencyKey(ctx context.Context, key, runID string, ttl time.Duration) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idemp[key] = idempEntry{runID: runID, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.idemp[key]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false, nil
	}
	return e.runID, true, nil
}

func (s *Store) Close() error { return nil }

func cloneStepStates(in map[string]flow.StepState) map[string]flow.StepState {
	out := make(map[string]flow.StepState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// kvStore implements store.KV in memory. Kept separate from Store's main
// lock so StateKV traffic never contends with run/workflow bookkeeping.
type kvStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]flow.StateEntry
}

func newKVStore() *kvStore {
	return &kvStore{entries: make(map[string]map[string]flow.StateEntry)}
}

func (k *kvStore) Get(ctx context.Context, ns, key string) ([]byte, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, false, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.entries[ns][key]
	if !ok {
		return nil, false, nil
	}
	if e.ExpiresAt != nil && time.Now().After(*e.ExpiresAt) {
		return nil, false, nil
	}
	return e.Value, true, nil
}

func (k *kvStore) Set(ctx context.Context, ns, key string, val []byte, ttl time.Duration) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.entries[ns] == nil {
		k.entries[ns] = make(map[string]flow.StateEntry)
	}
	e := flow.StateEntry{Namespace: ns, Key: key, Value: val, CreatedAt: time.Now()}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		e.ExpiresAt = &exp
	}
	k.entries[ns][key] = e
	return nil
}

func (k *kvStore) Delete(ctx context.Context, ns, key string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.entries[ns], key)
	return nil
}

func (k *kvStore) Incr(ctx context.Context, ns, key string, delta int64) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.entries[ns] == nil {
		k.entries[ns] = make(map[string]flow.StateEntry)
	}
	e, ok := k.entries[ns][key]
	var cur int64
	if ok && !(e.ExpiresAt != nil && time.Now().After(*e.ExpiresAt)) {
		var err error
		cur, err = strconv.ParseInt(strings.TrimSpace(string(e.Value)), 10, 64)
		if err != nil {
			return 0, flowerrors.Wrap(flowerrors.TypeMismatch, fmt.Sprintf("value for %s/%s is not numeric", ns, key), err)
		}
	}
	next := cur + delta
	k.entries[ns][key] = flow.StateEntry{
		Namespace: ns, Key: key,
		Value:     []byte(strconv.FormatInt(next, 10)),
		CreatedAt: time.Now(),
		ExpiresAt: e.ExpiresAt,
	}
	return next, nil
}

func (k *kvStore) Scan(ctx context.Context, ns, pattern string) ([]string, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	now := time.Now()
	var out []string
	for key, e := range k.entries[ns] {
		if e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
			continue
		}
		if pattern == "" || pattern == "*" {
			out = append(out, key)
			continue
		}
		if matchGlob(pattern, key) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (k *kvStore) ReapExpired(ctx context.Context) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	count := 0
	for ns, keys := range k.entries {
		for key, e := range keys {
			if e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
				delete(keys, key)
				count++
			}
		}
		if len(keys) == 0 {
			delete(k.entries, ns)
		}
	}
	return count, nil
}

// matchGlob supports a single trailing "*" wildcard, the only pattern shape
// StateKV.Keys needs (namespace-scoped prefix match).
func matchGlob(pattern, s string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(s, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == s
}
