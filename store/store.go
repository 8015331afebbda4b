// Package store defines the persistence layer for the workflow engine
// (§4.1). The Store interface abstracts durable storage of workflows, runs,
// step states, pauses, and the state KV table, allowing different backend
// implementations. Available implementations:
//
//   - sqlite: production implementation on an embedded, WAL-mode SQLite file
//   - memstore: in-memory implementation for development and tests
//
// Implementations must be safe for concurrent use and must return
// flowerrors.Error with Kind Store for any failed write; callers must not
// assume a failed write partially succeeded.
package store

import (
	"context"
	"time"

	flow "goa.design/flow"
)

type (
	// Store is the durable persistence layer consumed by every other
	// component. Multi-row operations are wrapped in a transaction by the
	// implementation; UpsertStepState performs a transactional compare-and-set
	// on the row's current status.
	Store interface {
		PutWorkflow(ctx context.Context, def flow.Workflow) error
		GetWorkflow(ctx context.Context, id string) (flow.Workflow, error)
		ListWorkflows(ctx context.Context) ([]flow.Workflow, error)
		DeleteWorkflow(ctx context.Context, id string) error

		CreateRun(ctx context.Context, workflowID string, payload []byte) (flow.Run, error)
		GetRun(ctx context.Context, runID string) (flow.Run, error)
		UpdateRunStatus(ctx context.Context, runID string, status flow.RunStatus, ts time.Time, runErr string) error
		SetRunLastOutput(ctx context.Context, runID string, output []byte) error
		ListPendingRuns(ctx context.Context) ([]flow.Run, error)
		ListRunsByWorkflow(ctx context.Context, workflowID string, statuses []flow.RunStatus) ([]flow.Run, error)

		// UpsertStepState applies the new state only if the step's stored
		// status equals expectStatus (compare-and-set), unless expectStatus is
		// "" in which case it is applied unconditionally (initial insert).
		// It returns ok=false without error when the compare-and-set fails,
		// which callers use to silently drop stale/duplicate outcomes.
		UpsertStepState(ctx context.Context, runID, stepID string, expectStatus flow.StepStatus, state flow.StepState) (ok bool, err error)
		GetStepState(ctx context.Context, runID, stepID string) (flow.StepState, error)

		CreatePause(ctx context.Context, pause flow.Pause) error
		GetPause(ctx context.Context, token string) (flow.Pause, error)
		DeletePause(ctx context.Context, token string) error
		ListPausesByEvent(ctx context.Context, eventName string) ([]flow.Pause, error)

		// KV is the namespaced state key/value surface backing StateKV (§4.5).
		KV() KV

		// Schedules persists cron trigger next-fire bookkeeping (§6.4).
		PutSchedule(ctx context.Context, triggerID, workflowID, cronExpr string, nextFireAt time.Time) error
		DueSchedules(ctx context.Context, asOf time.Time) ([]Schedule, error)
		AdvanceSchedule(ctx context.Context, triggerID string, nextFireAt time.Time) error

		// Idempotency records a webhook idempotency key -> run id mapping with
		// a TTL, used by TriggerRegistry to dedupe webhook deliveries (§4.6).
		PutIdempotencyKey(ctx context.Context, key, runID string, ttl time.Duration) error
		GetIdempotencyKey(ctx context.Context, key string) (runID string, found bool, err error)

		Close() error
	}

	// KV is the raw namespaced key/value surface a Store backend must
	// provide; StateKV (package statekv) builds the public API on top of it.
	KV interface {
		Get(ctx context.Context, ns, key string) ([]byte, bool, error)
		Set(ctx context.Context, ns, key string, val []byte, ttl time.Duration) error
		Delete(ctx context.Context, ns, key string) error
		// Incr performs an atomic read-modify-write of a numeric value stored
		// as a decimal string. It returns flowerrors.TypeMismatch if the
		// stored value is not numeric.
		Incr(ctx context.Context, ns, key string, delta int64) (int64, error)
		Scan(ctx context.Context, ns, pattern string) ([]string, error)
		ReapExpired(ctx context.Context) (int, error)
	}

	// Schedule is one cron trigger's next-fire bookkeeping row.
	Schedule struct {
		TriggerID  string
		WorkflowID string
		Cron       string
		NextFireAt time.Time
	}
)
