package runstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	flow "goa.design/flow"
)

const skippedBlock = -2
const notDecided = -1

// Machine is the authoritative state for one run. All mutating operations
// are serialized by mu (§5 per-run mutual exclusion); persistence happens
// inside the critical section.
type Machine struct {
	mu sync.Mutex

	runID      string
	workflowID string
	plan       *Plan
	registry   *Registry

	status     flow.RunStatus
	payload    []byte
	startedAt  time.Time
	lastOutput []byte
	runErr     string

	states   map[string]flow.StepState
	allIDs   []string
	ifActive map[string]int

	hookFired bool
}

func newMachine(reg *Registry, run flow.Run, plan *Plan) *Machine {
	ids := make([]string, 0, len(plan.entries))
	for id := range plan.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return plan.entries[ids[i]].step.Index < plan.entries[ids[j]].step.Index
	})

	states := make(map[string]flow.StepState, len(ids))
	for _, id := range ids {
		if st, ok := run.StepStates[id]; ok {
			states[id] = st
		} else {
			states[id] = flow.StepState{Status: flow.StepPending}
		}
	}

	return &Machine{
		runID:      run.ID,
		workflowID: run.WorkflowID,
		plan:       plan,
		registry:   reg,
		status:     run.Status,
		payload:    run.Payload,
		startedAt:  run.StartedAt,
		lastOutput: run.LastOutput,
		runErr:     run.Error,
		states:     states,
		allIDs:     ids,
		ifActive:   make(map[string]int),
	}
}

func (m *Machine) stateOf(id string) flow.StepState {
	return m.states[id]
}

func (m *Machine) setState(id string, st flow.StepState) {
	prev := m.states[id]
	if st.Attempt == 0 {
		st.Attempt = prev.Attempt
	}
	if st.StartedAt == nil {
		st.StartedAt = prev.StartedAt
	}
	m.states[id] = st
}

func (m *Machine) now() time.Time {
	return m.registry.clock.Now()
}

func tptr(t time.Time) *time.Time { return &t }

// recompute drives the readiness/activation fixpoint: if-block resolution,
// generic chain readiness, group completion, then terminal detection.
func (m *Machine) recompute(ctx context.Context) {
	if m.status.IsTerminal() {
		return
	}
	for {
		changed := false
		for _, blk := range m.plan.ifBlocks {
			if m.resolveBlock(ctx, blk) {
				changed = true
			}
		}
		if m.genericPass(ctx) {
			changed = true
		}
		if m.resolveGroups(ctx) {
			changed = true
		}
		if !changed {
			break
		}
	}
	m.checkTerminal(ctx)
}

func (m *Machine) predecessorsSatisfied(entry *planEntry) bool {
	if len(entry.predecessors) == 0 {
		return true
	}
	for _, p := range entry.predecessors {
		if m.stateOf(p).Status == flow.StepSucceeded {
			return true
		}
	}
	return false
}

func (m *Machine) genericPass(ctx context.Context) bool {
	changed := false
	for _, id := range m.allIDs {
		entry := m.plan.entries[id]
		if entry.isMarker {
			continue
		}
		st := m.stateOf(id)
		if st.Status != flow.StepPending {
			continue
		}

		var ready bool
		switch {
		case entry.memberOfGroup != "":
			h := m.stateOf(entry.memberOfGroup)
			ready = h.Status == flow.StepRunning || h.Status == flow.StepSucceeded
		default:
			ready = m.predecessorsSatisfied(entry)
		}
		if !ready {
			continue
		}

		if entry.isGroupHeader {
			m.setState(id, flow.StepState{Status: flow.StepRunning, StartedAt: tptr(m.now())})
			changed = true
			continue
		}

		m.admitReady(ctx, id)
		changed = true
	}
	return changed
}

func (m *Machine) resolveGroups(ctx context.Context) bool {
	changed := false
	for id, entry := range m.plan.entries {
		if !entry.isGroupHeader {
			continue
		}
		st := m.stateOf(id)
		if st.Status != flow.StepRunning {
			continue
		}
		switch entry.groupKind {
		case groupParallel:
			allDone := true
			for _, mem := range entry.groupMembers {
				if !m.stateOf(mem).Status.IsTerminal() {
					allDone = false
					break
				}
			}
			if allDone {
				m.setState(id, flow.StepState{Status: flow.StepSucceeded, CompletedAt: tptr(m.now())})
				changed = true
			}
		case groupRace:
			won := ""
			for _, mem := range entry.groupMembers {
				if m.stateOf(mem).Status == flow.StepSucceeded {
					won = mem
					break
				}
			}
			if won != "" {
				for _, mem := range entry.groupMembers {
					if mem == won {
						continue
					}
					if !m.stateOf(mem).Status.IsTerminal() {
						m.setState(mem, flow.StepState{Status: flow.StepCancelled, CompletedAt: tptr(m.now())})
					}
				}
				m.setState(id, flow.StepState{Status: flow.StepSucceeded, CompletedAt: tptr(m.now())})
				changed = true
			}
		}
	}
	return changed
}

func (m *Machine) allPriorSkipped(blk *ifBlock, idx int) bool {
	for j := 0; j < idx; j++ {
		if m.stateOf(blk.branches[j].markerID).Status != flow.StepSkipped {
			return false
		}
	}
	return true
}

func (m *Machine) resolveBlock(ctx context.Context, blk *ifBlock) bool {
	if _, done := m.ifActive[blk.id]; done {
		return false
	}
	changed := false
	for i, br := range blk.branches {
		st := m.stateOf(br.markerID)
		if i > 0 && st.Status == flow.StepPending {
			if !m.allPriorSkipped(blk, i) {
				return changed
			}
			if br.isElse {
				m.setState(br.markerID, flow.StepState{Status: flow.StepSucceeded, CompletedAt: tptr(m.now())})
				return true
			}
			m.admitReady(ctx, br.markerID)
			return true
		}
		switch st.Status {
		case flow.StepSucceeded:
			if m.activateBranch(blk, i) {
				changed = true
			}
			return changed
		case flow.StepFailed:
			m.ifActive[blk.id] = i
			return true
		case flow.StepSkipped:
			continue
		default:
			return changed
		}
	}
	return changed
}

func (m *Machine) activateBranch(blk *ifBlock, idx int) bool {
	if _, done := m.ifActive[blk.id]; done {
		return false
	}
	m.ifActive[blk.id] = idx
	for i, br := range blk.branches {
		if i == idx {
			continue
		}
		m.skipBranch(br)
	}
	return true
}

func (m *Machine) skipBranch(br ifBranch) {
	st := m.stateOf(br.markerID)
	if st.Status == flow.StepPending || st.Status == flow.StepReady {
		m.setState(br.markerID, flow.StepState{Status: flow.StepSkipped, CompletedAt: tptr(m.now())})
	}
	for _, id := range br.body {
		m.skipSubtree(id)
	}
}

func (m *Machine) skipSubtree(id string) {
	st := m.stateOf(id)
	if !st.Status.IsTerminal() {
		m.setState(id, flow.StepState{Status: flow.StepSkipped, CompletedAt: tptr(m.now())})
	}
	entry, ok := m.plan.entries[id]
	if !ok {
		return
	}
	if entry.isGroupHeader {
		for _, mem := range entry.groupMembers {
			m.skipSubtree(mem)
		}
	}
	if blk, ok := m.plan.ifBlocks[id]; ok {
		m.ifActive[blk.id] = skippedBlock
		for _, br := range blk.branches {
			m.skipBranch(br)
		}
		if blk.endIfID != "" {
			m.skipSubtree(blk.endIfID)
		}
	}
}

// admitReady dispatches a step that just became ready, according to its
// compiled dispatch class.
func (m *Machine) admitReady(ctx context.Context, id string) {
	entry := m.plan.entries[id]
	attempt := m.stateOf(id).Attempt + 1
	ictx := m.invokeContext(id)

	switch entry.class {
	case classInvoke, classCondition:
		class := JobInvoke
		if entry.class == classCondition {
			class = JobCondition
		}
		m.setState(id, flow.StepState{Status: flow.StepRunning, Attempt: attempt, StartedAt: tptr(m.now())})
		job := flow.Job{RunID: m.runID, StepID: id, Attempt: attempt, EnqueuedAt: m.now(), Background: entry.step.Background}
		if entry.step.Timeout > 0 {
			d := m.now().Add(entry.step.Timeout)
			job.Deadline = &d
		}
		sink := m.registry.jobs
		go func() {
			if err := sink.Enqueue(ctx, job, class, ictx); err != nil {
				m.registry.log.Error(ctx, "enqueue job failed", "run", m.runID, "step", id, "err", err)
			}
		}()
	case classControl:
		m.setState(id, flow.StepState{Status: flow.StepRunning, Attempt: attempt, StartedAt: tptr(m.now())})
		req := ControlRequest{RunID: m.runID, WorkflowID: m.workflowID, Step: entry.step, Attempt: attempt, Context: ictx}
		go func() {
			res, err := m.registry.control.Handle(ctx, req)
			if err != nil {
				m.registry.ReportOutcome(ctx, m.runID, id, attempt, flow.Outcome{Status: flow.OutcomeErr, Err: err})
				return
			}
			switch {
			case res.Outcome != nil:
				m.registry.ReportOutcome(ctx, m.runID, id, attempt, *res.Outcome)
			case res.Pause != nil:
				res.Pause.RunID = m.runID
				res.Pause.StepID = id
				if res.Pause.Token == "" {
					res.Pause.Token = uuid.NewString()
				}
				if res.Pause.CreatedAt.IsZero() {
					res.Pause.CreatedAt = m.now()
				}
				if err := m.registry.store.CreatePause(ctx, *res.Pause); err != nil {
					m.registry.log.Error(ctx, "create pause failed", "run", m.runID, "step", id, "err", err)
					return
				}
				m.registry.mu.Lock()
				mm := m.registry.machines[m.runID]
				m.registry.mu.Unlock()
				if mm == nil {
					return
				}
				mm.mu.Lock()
				if mm.status.IsTerminal() || mm.stateOf(id).Status.IsTerminal() {
					// The run or step was cancelled while the handler ran.
					mm.mu.Unlock()
					return
				}
				mm.setState(id, flow.StepState{Status: flow.StepPaused, Attempt: attempt})
				mm.status = flow.RunPaused
				mm.persist(ctx)
				mm.mu.Unlock()
			}
		}()
	case classSynthetic:
		m.setState(id, flow.StepState{Status: flow.StepSucceeded, Attempt: attempt, CompletedAt: tptr(m.now())})
	}
}

func (m *Machine) invokeContext(stepID string) flow.InvokeContext {
	outputs := make(map[string][]byte, len(m.states))
	for id, st := range m.states {
		if st.Output != nil {
			outputs[id] = st.Output
		}
	}
	return flow.InvokeContext{
		RunID:       m.runID,
		WorkflowID:  m.workflowID,
		Payload:     m.payload,
		StepOutputs: outputs,
		LastOutput:  m.lastOutput,
	}
}

// admitOutcome applies a reported outcome for one step attempt. Stale or
// duplicate reports (wrong attempt, already-terminal step, terminal run) are
// silently dropped per §4.1 failure semantics / §4.2 outcome admission.
func (m *Machine) admitOutcome(ctx context.Context, stepID string, attempt int, outcome flow.Outcome) {
	if m.status.IsTerminal() {
		return
	}
	cur := m.stateOf(stepID)
	if cur.Status.IsTerminal() {
		return
	}
	if cur.Attempt != attempt {
		return
	}
	entry, ok := m.plan.entries[stepID]
	if !ok {
		return
	}
	now := m.now()

	switch outcome.Status {
	case flow.OutcomeOK:
		if entry.class == classCondition {
			st := flow.StepSucceeded
			if !parseBool(outcome.Output) {
				st = flow.StepSkipped
			}
			m.setState(stepID, flow.StepState{Status: st, Attempt: attempt, Output: outcome.Output, CompletedAt: tptr(now)})
		} else {
			m.setState(stepID, flow.StepState{Status: flow.StepSucceeded, Attempt: attempt, Output: outcome.Output, CompletedAt: tptr(now)})
			if entry.step.Type == flow.StepTypeAction {
				m.lastOutput = outcome.Output
			}
		}
	case flow.OutcomeErr:
		m.setState(stepID, flow.StepState{Status: flow.StepFailed, Attempt: attempt, Error: errString(outcome.Err), CompletedAt: tptr(now)})
	case flow.OutcomePaused:
		token := uuid.NewString()
		pause := flow.Pause{Token: token, RunID: m.runID, StepID: stepID, Kind: outcome.PauseKind, CreatedAt: now}
		if err := m.registry.store.CreatePause(ctx, pause); err != nil {
			m.registry.log.Error(ctx, "create pause failed", "run", m.runID, "step", stepID, "err", err)
		}
		m.setState(stepID, flow.StepState{Status: flow.StepPaused, Attempt: attempt})
		m.status = flow.RunPaused
	}

	m.recompute(ctx)
	m.persist(ctx)
}

// reportAttempt records an in-progress retry attempt without affecting
// readiness; called by the dispatcher between retry backoffs so attempt
// counters and nextRetryAt are observable via Inspect mid-retry.
func (m *Machine) reportAttempt(ctx context.Context, stepID string, attempt int, nextRetryAt *time.Time) {
	cur := m.stateOf(stepID)
	if cur.Status.IsTerminal() {
		return
	}
	m.setState(stepID, flow.StepState{Status: flow.StepRunning, Attempt: attempt, StartedAt: cur.StartedAt, NextRetryAt: nextRetryAt})
	m.persist(ctx)
}

func (m *Machine) checkTerminal(ctx context.Context) {
	if m.status.IsTerminal() {
		return
	}
	anyActive := false
	anyFailed := false
	allDone := true
	for _, id := range m.allIDs {
		st := m.stateOf(id)
		switch st.Status {
		case flow.StepReady, flow.StepRunning, flow.StepPaused:
			// A background step (§4.4) never blocks run termination: the
			// run may complete (or fail) while it is still in flight.
			if m.plan.entries[id].step.Background {
				continue
			}
			anyActive = true
			allDone = false
		case flow.StepFailed:
			anyFailed = true
		case flow.StepPending:
			allDone = false
		}
	}
	if anyActive {
		return
	}
	if anyFailed {
		for _, id := range m.allIDs {
			if m.stateOf(id).Status == flow.StepPending {
				m.setState(id, flow.StepState{Status: flow.StepSkipped, CompletedAt: tptr(m.now())})
			}
		}
		m.transitionTerminal(ctx, flow.RunFailed, firstFailureError(m))
		return
	}
	if allDone {
		m.transitionTerminal(ctx, flow.RunCompleted, "")
	}
}

func firstFailureError(m *Machine) string {
	for _, id := range m.allIDs {
		st := m.stateOf(id)
		if st.Status == flow.StepFailed {
			return st.Error
		}
	}
	return ""
}

func (m *Machine) transitionTerminal(ctx context.Context, status flow.RunStatus, errMsg string) {
	m.status = status
	m.runErr = errMsg
	completedAt := m.now()
	if err := m.registry.store.UpdateRunStatus(ctx, m.runID, status, completedAt, errMsg); err != nil {
		m.registry.log.Error(ctx, "update run status failed", "run", m.runID, "err", err)
	}
	m.registry.releaseSlot(m.workflowID)
	if m.hookFired {
		return
	}
	m.hookFired = true
	snap := Snapshot{
		RunID: m.runID, WorkflowID: m.workflowID, Status: status,
		StartedAt: m.startedAt, CompletedAt: completedAt,
		StepStates: cloneStates(m.states), Output: m.lastOutput, Error: errMsg,
	}
	if m.registry.hooks != nil {
		go m.registry.hooks.RunTerminal(context.WithoutCancel(ctx), snap)
	}
}

func (m *Machine) persist(ctx context.Context) {
	for id, st := range m.states {
		expect := flow.StepStatus("")
		_, err := m.registry.store.UpsertStepState(ctx, m.runID, id, expect, st)
		if err != nil {
			m.registry.log.Error(ctx, "persist step state failed", "run", m.runID, "step", id, "err", err)
		}
	}
}

func cloneStates(in map[string]flow.StepState) map[string]flow.StepState {
	out := make(map[string]flow.StepState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func parseBool(b []byte) bool {
	return string(b) == "true"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

