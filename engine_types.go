package flow

import "time"

type (
	// Job is one dispatcher unit of work: a single attempt at executing a
	// ready step.
	Job struct {
		RunID      string
		StepID     string
		Attempt    int
		EnqueuedAt time.Time
		Deadline   *time.Time
		Background bool
	}

	// PauseKind tags why a step suspended.
	PauseKind string

	// Pause is a durable record of a suspended step awaiting an external
	// resume.
	Pause struct {
		Token         string
		RunID         string
		StepID        string
		Kind          PauseKind
		CreatedAt     time.Time
		ExpiresAt     *time.Time
		EventName     string
		ResumePayload []byte
	}

	// StateEntry is one namespaced key/value record in the state store.
	StateEntry struct {
		Namespace string
		Key       string
		Value     []byte
		CreatedAt time.Time
		ExpiresAt *time.Time
	}
)

const (
	PauseHuman PauseKind = "human"
	PauseEvent PauseKind = "event"
	PauseSleep PauseKind = "sleep"
)
