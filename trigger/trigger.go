// Package trigger implements the TriggerRegistry (§4.6): it translates
// external stimuli — inbound webhooks, cron fires, manual invocations, and
// published events — into RunStateMachine operations. It never runs step
// code itself; every matched trigger ends in a call to runstate.Registry.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/itchyny/gojq"
	"github.com/santhosh-tekuri/jsonschema/v6"

	flow "goa.design/flow"
	"goa.design/flow/clock"
	"goa.design/flow/flowerrors"
	"goa.design/flow/runstate"
	"goa.design/flow/store"
	"goa.design/flow/telemetry"
)

// idempotencyTTL is how long a webhook idempotency key dedupes a duplicate
// delivery (§4.6).
const idempotencyTTL = 24 * time.Hour

// SchemaResolver fetches the JSON schema document a WebhookTrigger's
// SchemaRef names. Schema storage is outside this engine's scope (§6.1 treats
// the workflow definition's schema references as invoker-provided); callers
// supply one at construction.
type SchemaResolver func(ref string) (json.RawMessage, bool)

// webhookRecord is one registered webhook trigger, matched by path+method.
type webhookRecord struct {
	workflowID string
	trigger    flow.WebhookTrigger
}

// scheduleRecord is one registered cron trigger.
type scheduleRecord struct {
	id         string
	workflowID string
	cronExpr   string
}

// eventRecord is one registered event trigger.
type eventRecord struct {
	workflowID string
	name       string
}

// Registry maps external stimuli to runs (§4.6).
type Registry struct {
	mu         sync.RWMutex
	webhooks   map[string]webhookRecord // "METHOD path" -> record
	schedules  map[string]scheduleRecord
	events     map[string][]eventRecord

	runs     *runstate.Registry
	store    store.Store
	clock    clock.Clock
	schemas  SchemaResolver
	log      telemetry.Logger
}

// Deps bundles the Registry's collaborators.
type Deps struct {
	Runs    *runstate.Registry
	Store   store.Store
	Clock   clock.Clock
	Schemas SchemaResolver
	Log     telemetry.Logger
}

// New constructs a Registry.
func New(deps Deps) *Registry {
	return &Registry{
		webhooks:  make(map[string]webhookRecord),
		schedules: make(map[string]scheduleRecord),
		events:    make(map[string][]eventRecord),
		runs:      deps.Runs,
		store:     deps.Store,
		clock:     deps.Clock,
		schemas:   deps.Schemas,
		log:       deps.Log,
	}
}

func webhookKey(method, path string) string {
	return method + " " + path
}

// RegisterWorkflowTriggers stores every trigger declared on a workflow,
// keyed by trigger kind and matcher, and schedules cron triggers' first fire
// (§4.6).
func (r *Registry) RegisterWorkflowTriggers(ctx context.Context, wf flow.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range wf.Triggers {
		switch t.Kind {
		case flow.TriggerWebhook:
			if t.Webhook == nil {
				continue
			}
			key := webhookKey(t.Webhook.Method, t.Webhook.Path)
			r.webhooks[key] = webhookRecord{workflowID: wf.ID, trigger: *t.Webhook}
		case flow.TriggerSchedule:
			if t.Schedule == nil {
				continue
			}
			id := fmt.Sprintf("%s#%d", wf.ID, i)
			next, err := clock.NextCronFire(t.Schedule.Cron, r.clock.Now())
			if err != nil {
				return flowerrors.Wrap(flowerrors.Validation, "invalid cron expression: "+t.Schedule.Cron, err)
			}
			if err := r.store.PutSchedule(ctx, id, wf.ID, t.Schedule.Cron, next); err != nil {
				return err
			}
			r.schedules[id] = scheduleRecord{id: id, workflowID: wf.ID, cronExpr: t.Schedule.Cron}
		case flow.TriggerEvent:
			if t.Event == nil {
				continue
			}
			r.events[t.Event.Name] = append(r.events[t.Event.Name], eventRecord{workflowID: wf.ID, name: t.Event.Name})
		case flow.TriggerManual:
			// Manual triggers carry no matcher; HandleManual dispatches by
			// workflow id directly.
		}
	}
	return nil
}

// HandleWebhook finds the trigger matching path+method, validates required
// headers and (if declared) the body schema, resolves idempotency, and
// starts a run with body as payload (§4.6).
func (r *Registry) HandleWebhook(ctx context.Context, path, method string, headers map[string]string, body []byte) (string, error) {
	r.mu.RLock()
	rec, ok := r.webhooks[webhookKey(method, path)]
	r.mu.RUnlock()
	if !ok {
		return "", flowerrors.New(flowerrors.NotFound, fmt.Sprintf("no webhook trigger for %s %s", method, path))
	}

	for name, want := range rec.trigger.RequiredHeaders {
		if headers[name] != want {
			return "", flowerrors.New(flowerrors.Validation, "missing or mismatched required header: "+name)
		}
	}

	if rec.trigger.SchemaRef != "" {
		if err := r.validateSchema(rec.trigger.SchemaRef, body); err != nil {
			return "", flowerrors.Wrap(flowerrors.Validation, "webhook body failed schema validation", err)
		}
	}

	var idempotencyKey string
	if rec.trigger.IdempotencyKeyExpr != "" {
		key, err := r.extractIdempotencyKey(ctx, rec.trigger.IdempotencyKeyExpr, headers, body)
		if err != nil {
			r.log.Warn(ctx, "idempotency key extraction failed", "expr", rec.trigger.IdempotencyKeyExpr, "err", err)
		} else {
			idempotencyKey = key
		}
	}

	if idempotencyKey != "" {
		if runID, found, err := r.store.GetIdempotencyKey(ctx, idempotencyKey); err == nil && found {
			return runID, nil
		}
	}

	run, err := r.runs.StartRun(ctx, rec.workflowID, body)
	if err != nil {
		return "", err
	}

	if idempotencyKey != "" {
		if err := r.store.PutIdempotencyKey(ctx, idempotencyKey, run.ID, idempotencyTTL); err != nil {
			r.log.Warn(ctx, "store idempotency key failed", "key", idempotencyKey, "err", err)
		}
	}

	return run.ID, nil
}

// validateSchema compiles the named schema and validates body against it,
// the way the pack's registry service validates tool-call payloads.
func (r *Registry) validateSchema(ref string, body []byte) error {
	if r.schemas == nil {
		return nil
	}
	schemaBytes, ok := r.schemas(ref)
	if !ok {
		return fmt.Errorf("unknown schema ref: %s", ref)
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	var bodyDoc any
	if err := json.Unmarshal(body, &bodyDoc); err != nil {
		return fmt.Errorf("unmarshal body: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(ref, schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(ref)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return schema.Validate(bodyDoc)
}

// idempotencyExprTimeout bounds a single gojq evaluation, mirroring the
// pack's jq executor's timeout-protected Execute.
const idempotencyExprTimeout = 1 * time.Second

// extractIdempotencyKey evaluates a gojq expression against {headers, body}
// and flattens the result to a single string key.
func (r *Registry) extractIdempotencyKey(ctx context.Context, expr string, headers map[string]string, body []byte) (string, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return "", fmt.Errorf("parse idempotency expr: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return "", fmt.Errorf("compile idempotency expr: %w", err)
	}
	var bodyDoc any
	if err := json.Unmarshal(body, &bodyDoc); err != nil {
		bodyDoc = nil
	}
	// gojq only accepts JSON-shaped values, so headers become map[string]any.
	hdrs := make(map[string]any, len(headers))
	for k, v := range headers {
		hdrs[k] = v
	}
	input := map[string]any{"headers": hdrs, "body": bodyDoc}

	execCtx, cancel := context.WithTimeout(ctx, idempotencyExprTimeout)
	defer cancel()

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		iter := code.Run(input)
		v, ok := iter.Next()
		if !ok {
			errCh <- fmt.Errorf("idempotency expr produced no result")
			return
		}
		if e, isErr := v.(error); isErr {
			errCh <- e
			return
		}
		resultCh <- v
	}()

	select {
	case v := <-resultCh:
		switch t := v.(type) {
		case string:
			return t, nil
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return "", err
			}
			return string(b), nil
		}
	case err := <-errCh:
		return "", err
	case <-execCtx.Done():
		return "", fmt.Errorf("idempotency expr timed out after %v", idempotencyExprTimeout)
	}
}

// HandleCronFire starts a run for the workflow bound to triggerID, called by
// the engine's scheduling loop once a Schedule's nextFireAt has elapsed
// (§4.6; missed fires during downtime are lost by design, see clock.NextCronFire).
func (r *Registry) HandleCronFire(ctx context.Context, triggerID string) (string, error) {
	r.mu.RLock()
	rec, ok := r.schedules[triggerID]
	r.mu.RUnlock()
	if !ok {
		return "", flowerrors.New(flowerrors.NotFound, "unknown cron trigger: "+triggerID)
	}
	run, err := r.runs.StartRun(ctx, rec.workflowID, nil)
	if err != nil {
		return "", err
	}
	next, err := clock.NextCronFire(rec.cronExpr, r.clock.Now())
	if err != nil {
		return run.ID, err
	}
	if err := r.store.AdvanceSchedule(ctx, triggerID, next); err != nil {
		r.log.Warn(ctx, "advance schedule failed", "trigger", triggerID, "err", err)
	}
	return run.ID, nil
}

// HandleManual starts a run directly against a workflow id, bypassing
// trigger matching entirely (§4.6).
func (r *Registry) HandleManual(ctx context.Context, workflowID string, payload []byte) (string, error) {
	run, err := r.runs.StartRun(ctx, workflowID, payload)
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

// PublishEvent resumes every paused step awaiting the named event. Delegates
// straight through to runstate.Registry, which owns Pause storage.
func (r *Registry) PublishEvent(ctx context.Context, name string, payload []byte) (int, error) {
	return r.runs.PublishEvent(ctx, name, payload)
}

// Resume completes a specific pause by token. Delegates straight through to
// runstate.Registry.
func (r *Registry) Resume(ctx context.Context, token string, payload []byte) error {
	return r.runs.ResumePause(ctx, token, payload)
}

// DueSchedules returns the cron triggers whose next fire time has elapsed,
// for the engine's scheduling loop to drive through HandleCronFire.
func (r *Registry) DueSchedules(ctx context.Context) ([]string, error) {
	due, err := r.store.DueSchedules(ctx, r.clock.Now())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(due))
	for _, s := range due {
		ids = append(ids, s.TriggerID)
	}
	return ids, nil
}
