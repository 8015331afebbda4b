// Package flow defines the durable workflow orchestration engine's core data
// model and its top-level facade (Ingress, package engine). Workflow, Step,
// Trigger, Run, and StepState are the types every other package in this
// module operates on; engine-private kinds (Job, Pause, StateEntry, in
// engine_types.go) live alongside them in this same package so store,
// dispatcher, runstate, and trigger can share one vocabulary without import
// cycles.
package flow

import "time"

type (
	// Workflow is a workflow definition as registered with the engine.
	// Register accepts a second definition under an ID already in use and
	// replaces the stored definition and compiled plan with it; there is no
	// unregister operation.
	Workflow struct {
		ID          string
		Name        string
		Description string
		// Concurrency caps the number of simultaneous runs of this workflow.
		// Nil means unbounded.
		Concurrency *int
		Steps       []Step
		Triggers    []Trigger
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// StepType distinguishes ordinary action steps from control-flow markers.
	StepType string

	// ControlKind enumerates the control-flow step kinds.
	ControlKind string

	// Step is one node in a workflow's declaration-order step list.
	Step struct {
		ID   string
		Type StepType
		// Kind is populated for Type == StepTypeControl.
		Kind ControlKind

		Timeout  time.Duration
		Retry    *RetryPolicy
		CacheKey string
		CacheTTL time.Duration

		ParallelGroupID   string
		ParallelStepCount int

		Background bool

		// OnError names another step in the same workflow to invoke in place
		// of this step's failure once its retries are exhausted (§4.2). The
		// handler's output replaces this step's output and the step is
		// marked succeeded; if the handler itself fails, the original
		// failure propagates as if OnError were unset.
		OnError string

		// Index is the step's position in the workflow's declaration order.
		Index int

		// Extra carries kind-specific configuration (cron expr, webhook path,
		// event name, forEach/batch item source, human timeout, etc.) as
		// already-decoded JSON so each control-flow handler can type-assert
		// the fields it expects.
		Extra map[string]any
	}

	// RetryPolicy configures a step's retry behavior (§4.4).
	RetryPolicy struct {
		Attempts      int
		Strategy      BackoffStrategy
		Delay         time.Duration
		MaxBackoff    time.Duration
		Jitter        bool
		// ShouldRetry, if set, is consulted after each failed attempt; a
		// false return stops the retry loop early regardless of remaining
		// Attempts. Programmatic only: there is no wire-JSON field for a
		// predicate, so it must be set by a caller registering a Workflow
		// built in Go rather than parsed from a workflow definition file.
		ShouldRetry   func(error) bool
		BreakerName   string
		RecoveryAfter time.Duration
	}

	// BackoffStrategy selects the retry delay curve.
	BackoffStrategy string

	// TriggerKind tags the variant carried by Trigger.
	TriggerKind string

	// Trigger is a tagged union over the four trigger kinds (§3).
	Trigger struct {
		Kind TriggerKind

		Webhook  *WebhookTrigger
		Schedule *ScheduleTrigger
		Event    *EventTrigger
		// Manual triggers carry no additional data.
	}

	// WebhookTrigger matches inbound HTTP requests.
	WebhookTrigger struct {
		Path            string
		Method          string
		RequiredHeaders map[string]string
		SchemaRef       string
		// IdempotencyKeyExpr is a gojq expression evaluated against the
		// decoded body+headers to extract a deduplication key.
		IdempotencyKeyExpr string
	}

	// ScheduleTrigger fires the workflow on a cron schedule.
	ScheduleTrigger struct {
		Cron string
	}

	// EventTrigger resumes via TriggerRegistry.PublishEvent.
	EventTrigger struct {
		Name string
	}

	// RunStatus is the lifecycle status of a Run.
	RunStatus string

	// Run is one invocation of a Workflow.
	Run struct {
		ID         string
		WorkflowID string
		Status     RunStatus
		Payload    []byte
		StartedAt  time.Time
		CompletedAt *time.Time
		Error       string
		LastOutput  []byte
		Attempt     int
		Labels      map[string]string
		StepStates  map[string]StepState
	}

	// StepStatus is the lifecycle status of a StepState.
	StepStatus string

	// StepState is the per-step execution record within a Run.
	StepState struct {
		Status      StepStatus
		Attempt     int
		StartedAt   *time.Time
		CompletedAt *time.Time
		Output      []byte
		Error       string
		NextRetryAt *time.Time
	}
)

const (
	StepTypeAction  StepType = "action"
	StepTypeControl StepType = "control"

	ControlIf            ControlKind = "if"
	ControlElseIf        ControlKind = "elseIf"
	ControlElse          ControlKind = "else"
	ControlEndIf         ControlKind = "endIf"
	ControlParallel      ControlKind = "parallel"
	ControlRace          ControlKind = "race"
	ControlForEach       ControlKind = "forEach"
	ControlBatch         ControlKind = "batch"
	ControlSleep         ControlKind = "sleep"
	ControlWaitForEvent  ControlKind = "waitForEvent"
	ControlHuman         ControlKind = "human"
	ControlCancel        ControlKind = "cancel"
	ControlSubflow       ControlKind = "subflow"

	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"

	TriggerWebhook  TriggerKind = "webhook"
	TriggerSchedule TriggerKind = "schedule"
	TriggerManual   TriggerKind = "manual"
	TriggerEvent    TriggerKind = "event"

	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"

	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepPaused    StepStatus = "paused"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal reports whether s is one of the run-terminal statuses.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is one of the step-terminal statuses.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}
