package flow

import "context"

// OutcomeStatus tags the result an Invoker reports for one step attempt.
type OutcomeStatus string

const (
	OutcomeOK     OutcomeStatus = "ok"
	OutcomeErr    OutcomeStatus = "err"
	OutcomePaused OutcomeStatus = "paused"
)

// InvokeContext is the serialized context handed to user step handlers
// (§6.2): the triggering payload, prior step outputs, the last-produced
// output, inbound trigger headers, and identifying ids.
type InvokeContext struct {
	RunID       string
	WorkflowID  string
	Payload     []byte
	StepOutputs map[string][]byte
	LastOutput  []byte
	Headers     map[string]string
}

// Outcome is the result of one step invocation attempt.
type Outcome struct {
	Status    OutcomeStatus
	Output    []byte
	Err       error
	CacheKey  string
	PauseKind PauseKind
}

// Invoker is the external interface the core consumes to run user step
// code (§6.2). The core never executes step bodies itself; it only drives
// the state graph around calls to Invoker.
type Invoker interface {
	// Invoke executes an action step. Implementations must honor ctx
	// cancellation (timeout or shutdown) cooperatively.
	Invoke(ctx context.Context, runID, stepID string, ictx InvokeContext) (Outcome, error)
	// EvaluateCondition evaluates an if/elseIf step's predicate.
	EvaluateCondition(ctx context.Context, runID, stepID string, ictx InvokeContext) (bool, error)
	// ResolveItems resolves the item list driving a forEach/batch step.
	ResolveItems(ctx context.Context, runID, stepID string, ictx InvokeContext) ([]any, error)
}
