// Command flowctl is a minimal demonstration of the workflow engine,
// mirroring the pack's cmd/demo pattern: register one in-process workflow,
// trigger it manually, and print the resulting run (§6.6).
package main

import (
	"context"
	"fmt"
	"time"

	flow "goa.design/flow"
	"goa.design/flow/clock"
	"goa.design/flow/engine"
	"goa.design/flow/runstate"
)

// stubInvoker executes every action step by echoing its payload back as
// output; good enough to exercise the engine's control-flow plumbing
// without any real external side effects.
type stubInvoker struct{}

func (stubInvoker) Invoke(ctx context.Context, runID, stepID string, ictx flow.InvokeContext) (flow.Outcome, error) {
	return flow.Outcome{Status: flow.OutcomeOK, Output: ictx.Payload}, nil
}

func (stubInvoker) EvaluateCondition(ctx context.Context, runID, stepID string, ictx flow.InvokeContext) (bool, error) {
	return true, nil
}

func (stubInvoker) ResolveItems(ctx context.Context, runID, stepID string, ictx flow.InvokeContext) ([]any, error) {
	return []any{"a", "b", "c"}, nil
}

const demoWorkflow = `{
  "id": "demo.greet",
  "name": "Greet",
  "steps": [
    {"id": "say-hello", "type": "action"}
  ],
  "triggers": [
    {"manual": {}}
  ]
}`

func main() {
	ctx := context.Background()

	ing := engine.New(engine.Deps{
		Invoker: stubInvoker{},
		Clock:   clock.Real(),
		OnSuccess: func(ctx context.Context, snap runstate.Snapshot) {
			fmt.Println("run succeeded")
		},
	})

	if err := ing.Start(ctx, engine.Config{WorkerCount: 4}); err != nil {
		panic(err)
	}
	defer ing.Stop(ctx)

	if err := ing.Register(ctx, []byte(demoWorkflow)); err != nil {
		panic(err)
	}

	runID, err := ing.Trigger(ctx, "demo.greet", []byte(`{"name":"world"}`))
	if err != nil {
		panic(err)
	}
	fmt.Println("RunID:", runID)

	for i := 0; i < 20; i++ {
		view, err := ing.Inspect(ctx, runID)
		if err != nil {
			panic(err)
		}
		if view.Status.IsTerminal() {
			fmt.Println("Status:", view.Status)
			fmt.Println("Output:", string(view.Output))
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	fmt.Println("run did not complete in time")
}
