// Package definition parses and validates the JSON workflow definition
// (§6.1) into the typed flow.Workflow/flow.Step/flow.Trigger graph consumed
// by runstate, controlflow, and dispatcher.
package definition

import (
	"encoding/json"
	"fmt"
	"time"

	flow "goa.design/flow"
	"goa.design/flow/flowerrors"
)

// retryJSON mirrors the wire shape of a step's retry policy.
type retryJSON struct {
	Attempts     int    `json:"attempts"`
	Strategy     string `json:"strategy"`
	DelayMs      int    `json:"delayMs"`
	MaxBackoffMs *int   `json:"maxBackoffMs,omitempty"`
	Jitter       *bool  `json:"jitter,omitempty"`
	BreakerName  string `json:"breakerName,omitempty"`
}

type stepJSON struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	Kind              string          `json:"kind,omitempty"`
	TimeoutMs         *int            `json:"timeoutMs,omitempty"`
	Retry             *retryJSON      `json:"retry,omitempty"`
	CacheKey          string          `json:"cacheKey,omitempty"`
	CacheTTLMs        *int            `json:"cacheTtlMs,omitempty"`
	ParallelGroupID   string          `json:"parallelGroupId,omitempty"`
	ParallelStepCount *int            `json:"parallelStepCount,omitempty"`
	Background        bool            `json:"background,omitempty"`
	OnError           string          `json:"onError,omitempty"`
	Extra             json.RawMessage `json:"extra,omitempty"`
}

type webhookJSON struct {
	Path               string            `json:"path"`
	Method             string            `json:"method"`
	RequiredHeaders    map[string]string `json:"requiredHeaders,omitempty"`
	SchemaRef          string            `json:"schemaRef,omitempty"`
	IdempotencyKeyExpr string            `json:"idempotencyKeyExpr,omitempty"`
}

type scheduleJSON struct {
	Cron string `json:"cron"`
}

type eventJSON struct {
	Name string `json:"name"`
}

type triggerJSON struct {
	Webhook  *webhookJSON  `json:"webhook,omitempty"`
	Schedule *scheduleJSON `json:"schedule,omitempty"`
	Manual   *struct{}     `json:"manual,omitempty"`
	Event    *eventJSON    `json:"event,omitempty"`
}

type workflowJSON struct {
	ID          string        `json:"id"`
	Name        string        `json:"name,omitempty"`
	Description string        `json:"description,omitempty"`
	Concurrency *int          `json:"concurrency,omitempty"`
	Steps       []stepJSON    `json:"steps"`
	Triggers    []triggerJSON `json:"triggers,omitempty"`
}

// controlKinds is the closed set of valid Step.Kind values for
// Type == "control".
var controlKinds = map[flow.ControlKind]bool{
	flow.ControlIf: true, flow.ControlElseIf: true, flow.ControlElse: true, flow.ControlEndIf: true,
	flow.ControlParallel: true, flow.ControlRace: true, flow.ControlForEach: true, flow.ControlBatch: true,
	flow.ControlSleep: true, flow.ControlWaitForEvent: true, flow.ControlHuman: true,
	flow.ControlCancel: true, flow.ControlSubflow: true,
}

// Parse decodes and validates a workflow definition document (§6.1),
// returning the typed flow.Workflow ready for registration.
func Parse(data []byte) (flow.Workflow, error) {
	var raw workflowJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return flow.Workflow{}, flowerrors.Wrap(flowerrors.Validation, "malformed workflow document", err)
	}
	if raw.ID == "" {
		return flow.Workflow{}, flowerrors.New(flowerrors.Validation, "workflow id is required")
	}

	steps := make([]flow.Step, 0, len(raw.Steps))
	seen := make(map[string]bool, len(raw.Steps))
	for i, sj := range raw.Steps {
		if sj.ID == "" {
			return flow.Workflow{}, flowerrors.New(flowerrors.Validation, fmt.Sprintf("step %d: id is required", i))
		}
		if seen[sj.ID] {
			return flow.Workflow{}, flowerrors.New(flowerrors.Validation, "duplicate step id: "+sj.ID)
		}
		seen[sj.ID] = true

		step, err := toStep(sj, i)
		if err != nil {
			return flow.Workflow{}, err
		}
		steps = append(steps, step)
	}

	if err := validateBlocks(steps); err != nil {
		return flow.Workflow{}, err
	}
	if err := validateParallelGroups(steps); err != nil {
		return flow.Workflow{}, err
	}
	if err := validateOnError(steps, seen); err != nil {
		return flow.Workflow{}, err
	}

	triggers := make([]flow.Trigger, 0, len(raw.Triggers))
	for i, tj := range raw.Triggers {
		trig, err := toTrigger(tj, i)
		if err != nil {
			return flow.Workflow{}, err
		}
		triggers = append(triggers, trig)
	}

	now := time.Now().UTC()
	return flow.Workflow{
		ID:          raw.ID,
		Name:        raw.Name,
		Description: raw.Description,
		Concurrency: raw.Concurrency,
		Steps:       steps,
		Triggers:    triggers,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func toStep(sj stepJSON, index int) (flow.Step, error) {
	var typ flow.StepType
	switch sj.Type {
	case "action":
		typ = flow.StepTypeAction
	case "control":
		typ = flow.StepTypeControl
	default:
		return flow.Step{}, flowerrors.New(flowerrors.Validation, fmt.Sprintf("step %s: invalid type %q", sj.ID, sj.Type))
	}

	step := flow.Step{
		ID:                sj.ID,
		Type:              typ,
		ParallelGroupID:   sj.ParallelGroupID,
		Background:        sj.Background,
		Index:             index,
		CacheKey:          sj.CacheKey,
		OnError:           sj.OnError,
	}
	if typ == flow.StepTypeControl {
		kind := flow.ControlKind(sj.Kind)
		if !controlKinds[kind] {
			return flow.Step{}, flowerrors.New(flowerrors.Validation, fmt.Sprintf("step %s: invalid control kind %q", sj.ID, sj.Kind))
		}
		step.Kind = kind
	}
	if sj.TimeoutMs != nil {
		step.Timeout = time.Duration(*sj.TimeoutMs) * time.Millisecond
	}
	if sj.CacheTTLMs != nil {
		step.CacheTTL = time.Duration(*sj.CacheTTLMs) * time.Millisecond
	}
	if sj.ParallelStepCount != nil {
		step.ParallelStepCount = *sj.ParallelStepCount
	}
	if sj.Retry != nil {
		rp, err := toRetryPolicy(*sj.Retry)
		if err != nil {
			return flow.Step{}, flowerrors.Wrap(flowerrors.Validation, fmt.Sprintf("step %s: invalid retry", sj.ID), err)
		}
		step.Retry = rp
	}
	if len(sj.Extra) > 0 {
		var extra map[string]any
		if err := json.Unmarshal(sj.Extra, &extra); err != nil {
			return flow.Step{}, flowerrors.Wrap(flowerrors.Validation, fmt.Sprintf("step %s: invalid extra", sj.ID), err)
		}
		step.Extra = extra
	}
	return step, nil
}

func toRetryPolicy(rj retryJSON) (*flow.RetryPolicy, error) {
	var strategy flow.BackoffStrategy
	switch rj.Strategy {
	case "fixed":
		strategy = flow.BackoffFixed
	case "exponential":
		strategy = flow.BackoffExponential
	case "":
		strategy = flow.BackoffFixed
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", rj.Strategy)
	}
	if rj.Attempts < 1 {
		return nil, fmt.Errorf("attempts must be >= 1")
	}
	rp := &flow.RetryPolicy{
		Attempts:    rj.Attempts,
		Strategy:    strategy,
		Delay:       time.Duration(rj.DelayMs) * time.Millisecond,
		BreakerName: rj.BreakerName,
	}
	if rj.MaxBackoffMs != nil {
		rp.MaxBackoff = time.Duration(*rj.MaxBackoffMs) * time.Millisecond
	}
	if rj.Jitter != nil {
		rp.Jitter = *rj.Jitter
	}
	return rp, nil
}

func toTrigger(tj triggerJSON, index int) (flow.Trigger, error) {
	count := 0
	var trig flow.Trigger
	if tj.Webhook != nil {
		count++
		if tj.Webhook.Path == "" || tj.Webhook.Method == "" {
			return flow.Trigger{}, flowerrors.New(flowerrors.Validation, fmt.Sprintf("trigger %d: webhook requires path and method", index))
		}
		trig.Kind = flow.TriggerWebhook
		trig.Webhook = &flow.WebhookTrigger{
			Path:               tj.Webhook.Path,
			Method:              tj.Webhook.Method,
			RequiredHeaders:    tj.Webhook.RequiredHeaders,
			SchemaRef:          tj.Webhook.SchemaRef,
			IdempotencyKeyExpr: tj.Webhook.IdempotencyKeyExpr,
		}
	}
	if tj.Schedule != nil {
		count++
		if tj.Schedule.Cron == "" {
			return flow.Trigger{}, flowerrors.New(flowerrors.Validation, fmt.Sprintf("trigger %d: schedule requires cron", index))
		}
		trig.Kind = flow.TriggerSchedule
		trig.Schedule = &flow.ScheduleTrigger{Cron: tj.Schedule.Cron}
	}
	if tj.Manual != nil {
		count++
		trig.Kind = flow.TriggerManual
	}
	if tj.Event != nil {
		count++
		if tj.Event.Name == "" {
			return flow.Trigger{}, flowerrors.New(flowerrors.Validation, fmt.Sprintf("trigger %d: event requires name", index))
		}
		trig.Kind = flow.TriggerEvent
		trig.Event = &flow.EventTrigger{Name: tj.Event.Name}
	}
	if count != 1 {
		return flow.Trigger{}, flowerrors.New(flowerrors.Validation, fmt.Sprintf("trigger %d: exactly one of webhook/schedule/manual/event must be set", index))
	}
	return trig, nil
}

// validateBlocks checks that every if has a matching endIf at the same
// nesting depth and that elseIf/else only appear between them (§3
// invariant).
func validateBlocks(steps []flow.Step) error {
	var stack []string
	for _, s := range steps {
		if s.Type != flow.StepTypeControl {
			continue
		}
		switch s.Kind {
		case flow.ControlIf:
			stack = append(stack, s.ID)
		case flow.ControlElseIf, flow.ControlElse:
			if len(stack) == 0 {
				return flowerrors.New(flowerrors.Validation, fmt.Sprintf("step %s: %s without enclosing if", s.ID, s.Kind))
			}
		case flow.ControlEndIf:
			if len(stack) == 0 {
				return flowerrors.New(flowerrors.Validation, fmt.Sprintf("step %s: endIf without matching if", s.ID))
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) != 0 {
		return flowerrors.New(flowerrors.Validation, fmt.Sprintf("unclosed if block(s): %v", stack))
	}
	return nil
}

// validateParallelGroups checks that every referenced parallelGroupId maps
// to exactly parallelStepCount siblings (§3 invariant).
func validateParallelGroups(steps []flow.Step) error {
	counts := make(map[string]int)
	declared := make(map[string]int)
	for _, s := range steps {
		if s.ParallelGroupID == "" {
			continue
		}
		counts[s.ParallelGroupID]++
		if s.ParallelStepCount > 0 {
			declared[s.ParallelGroupID] = s.ParallelStepCount
		}
	}
	for group, want := range declared {
		if got := counts[group]; got != want {
			return flowerrors.New(flowerrors.Validation, fmt.Sprintf("parallel group %s: declared %d siblings, found %d", group, want, got))
		}
	}
	return nil
}

// validateOnError checks that every step's onError names another step
// actually declared in the workflow (§4.2).
func validateOnError(steps []flow.Step, ids map[string]bool) error {
	for _, s := range steps {
		if s.OnError == "" {
			continue
		}
		if !ids[s.OnError] {
			return flowerrors.New(flowerrors.Validation, fmt.Sprintf("step %s: onError references unknown step %q", s.ID, s.OnError))
		}
		if s.OnError == s.ID {
			return flowerrors.New(flowerrors.Validation, fmt.Sprintf("step %s: onError cannot reference itself", s.ID))
		}
	}
	return nil
}
