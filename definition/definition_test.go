package definition

import (
	"testing"

	"github.com/stretchr/testify/require"

	flow "goa.design/flow"
	"goa.design/flow/flowerrors"
)

func TestParseMinimalWorkflow(t *testing.T) {
	doc := `{
		"id": "wf.demo",
		"steps": [{"id": "step1", "type": "action"}],
		"triggers": [{"manual": {}}]
	}`
	wf, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, "wf.demo", wf.ID)
	require.Len(t, wf.Steps, 1)
	require.Equal(t, flow.StepTypeAction, wf.Steps[0].Type)
	require.Len(t, wf.Triggers, 1)
	require.Equal(t, flow.TriggerManual, wf.Triggers[0].Kind)
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	require.True(t, flowerrors.Is(err, flowerrors.Validation))
}

func TestParseRequiresWorkflowID(t *testing.T) {
	_, err := Parse([]byte(`{"steps": []}`))
	require.True(t, flowerrors.Is(err, flowerrors.Validation))
}

func TestParseRejectsDuplicateStepID(t *testing.T) {
	doc := `{"id": "wf.demo", "steps": [
		{"id": "a", "type": "action"},
		{"id": "a", "type": "action"}
	]}`
	_, err := Parse([]byte(doc))
	require.True(t, flowerrors.Is(err, flowerrors.Validation))
}

func TestParseWebhookTrigger(t *testing.T) {
	doc := `{"id": "wf.demo", "steps": [{"id":"a","type":"action"}], "triggers": [
		{"webhook": {"path": "/hooks/demo", "method": "POST", "schemaRef": "demo.schema"}}
	]}`
	wf, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, flow.TriggerWebhook, wf.Triggers[0].Kind)
	require.Equal(t, "/hooks/demo", wf.Triggers[0].Webhook.Path)
	require.Equal(t, "demo.schema", wf.Triggers[0].Webhook.SchemaRef)
}

func TestParseWebhookTriggerRequiresPathAndMethod(t *testing.T) {
	doc := `{"id": "wf.demo", "steps": [{"id":"a","type":"action"}], "triggers": [
		{"webhook": {"path": "/hooks/demo"}}
	]}`
	_, err := Parse([]byte(doc))
	require.True(t, flowerrors.Is(err, flowerrors.Validation))
}

func TestParseTriggerRejectsMultipleKinds(t *testing.T) {
	doc := `{"id": "wf.demo", "steps": [{"id":"a","type":"action"}], "triggers": [
		{"manual": {}, "event": {"name": "x"}}
	]}`
	_, err := Parse([]byte(doc))
	require.True(t, flowerrors.Is(err, flowerrors.Validation))
}

func TestParseControlStepRequiresValidKind(t *testing.T) {
	doc := `{"id": "wf.demo", "steps": [{"id":"a","type":"control","kind":"bogus"}]}`
	_, err := Parse([]byte(doc))
	require.True(t, flowerrors.Is(err, flowerrors.Validation))
}

func TestParseValidatesIfEndIfBalance(t *testing.T) {
	doc := `{"id": "wf.demo", "steps": [
		{"id":"a","type":"control","kind":"if"},
		{"id":"b","type":"action"}
	]}`
	_, err := Parse([]byte(doc))
	require.True(t, flowerrors.Is(err, flowerrors.Validation))

	doc2 := `{"id": "wf.demo", "steps": [
		{"id":"a","type":"control","kind":"endIf"}
	]}`
	_, err = Parse([]byte(doc2))
	require.True(t, flowerrors.Is(err, flowerrors.Validation))
}

func TestParseValidatesParallelGroupCount(t *testing.T) {
	doc := `{"id": "wf.demo", "steps": [
		{"id":"a","type":"action","parallelGroupId":"g1","parallelStepCount":3},
		{"id":"b","type":"action","parallelGroupId":"g1"}
	]}`
	_, err := Parse([]byte(doc))
	require.True(t, flowerrors.Is(err, flowerrors.Validation))
}

func TestParseRetryPolicyDefaultsToFixedBackoff(t *testing.T) {
	doc := `{"id": "wf.demo", "steps": [
		{"id":"a","type":"action","retry":{"attempts":3,"delayMs":100}}
	]}`
	wf, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, flow.BackoffFixed, wf.Steps[0].Retry.Strategy)
	require.Equal(t, 3, wf.Steps[0].Retry.Attempts)
}

func TestParseRetryPolicyRejectsZeroAttempts(t *testing.T) {
	doc := `{"id": "wf.demo", "steps": [
		{"id":"a","type":"action","retry":{"attempts":0}}
	]}`
	_, err := Parse([]byte(doc))
	require.True(t, flowerrors.Is(err, flowerrors.Validation))
}

func TestParseStepExtraPayload(t *testing.T) {
	doc := `{"id": "wf.demo", "steps": [
		{"id":"a","type":"control","kind":"sleep","extra":{"durationMs":500}}
	]}`
	wf, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, float64(500), wf.Steps[0].Extra["durationMs"])
}
