package dispatcher

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	flow "goa.design/flow"
	"goa.design/flow/clock"
	"goa.design/flow/runstate"
)

// runAttempts executes step up to its retry policy's attempt budget,
// reporting intermediate bookkeeping via Registry.ReportAttempt and
// returning the final Outcome (success or retry-exhausted failure) for the
// caller to report via Registry.ReportOutcome. Modeled on the teacher's
// retry.Do attempt loop, with delay computation delegated to
// cenkalti/backoff and a circuit breaker gating each attempt.
func (d *Dispatcher) runAttempts(ctx context.Context, job flow.Job, class runstate.JobClass, ictx flow.InvokeContext, step flow.Step) flow.Outcome {
	policy := step.Retry
	maxAttempts := 1
	if policy != nil && policy.Attempts > 0 {
		maxAttempts = policy.Attempts
	}

	var br *breaker
	if policy != nil && policy.BreakerName != "" {
		br = d.breakers.get(policy.BreakerName, policy.RecoveryAfter)
	}

	bo := backoffFor(policy)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return flow.Outcome{Status: flow.OutcomeErr, Err: err}
		}

		if br != nil && !br.Allow() {
			return flow.Outcome{Status: flow.OutcomeErr, Err: &flowBreakerOpenError{Name: policy.BreakerName}}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}
		outcome, err := d.invoke(attemptCtx, class, job, ictx)
		if cancel != nil {
			cancel()
		}

		if err == nil && outcome.Status != flow.OutcomeErr {
			if br != nil {
				br.RecordSuccess()
			}
			return outcome
		}

		if err == nil {
			err = outcome.Err
		}
		lastErr = err
		if br != nil {
			br.RecordFailure()
		}

		if policy != nil && policy.ShouldRetry != nil && !policy.ShouldRetry(err) {
			break
		}

		if attempt >= maxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		next := d.clock.Now().Add(delay)
		d.registry.ReportAttempt(ctx, job.RunID, job.StepID, attempt+1, &next)

		select {
		case <-ctx.Done():
			return flow.Outcome{Status: flow.OutcomeErr, Err: ctx.Err()}
		case <-waitFor(delay, d.clock):
		}
	}

	return flow.Outcome{Status: flow.OutcomeErr, Err: lastErr}
}

// invoke dispatches a single attempt to the configured Invoker according to
// the job's class.
func (d *Dispatcher) invoke(ctx context.Context, class runstate.JobClass, job flow.Job, ictx flow.InvokeContext) (flow.Outcome, error) {
	switch class {
	case runstate.JobCondition:
		ok, err := d.invoker.EvaluateCondition(ctx, job.RunID, job.StepID, ictx)
		if err != nil {
			return flow.Outcome{Status: flow.OutcomeErr, Err: err}, err
		}
		out := []byte("false")
		if ok {
			out = []byte("true")
		}
		return flow.Outcome{Status: flow.OutcomeOK, Output: out}, nil
	default:
		return d.invoker.Invoke(ctx, job.RunID, job.StepID, ictx)
	}
}

// backoffFor builds a cenkalti/backoff instance matching a step's retry
// policy; nil or fixed-strategy policies degrade to a constant delay.
func backoffFor(policy *flow.RetryPolicy) backoff.BackOff {
	if policy == nil {
		return &backoff.ZeroBackOff{}
	}
	delay := policy.Delay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	if policy.Strategy == flow.BackoffFixed {
		return backoff.NewConstantBackOff(delay)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = delay
	eb.Multiplier = 2.0
	if policy.MaxBackoff > 0 {
		eb.MaxInterval = policy.MaxBackoff
	}
	if !policy.Jitter {
		eb.RandomizationFactor = 0
	}
	eb.MaxElapsedTime = 0 // the attempt budget is governed by Attempts, not elapsed time
	eb.Reset()            // restart from InitialInterval now that it is set
	return eb
}

// waitFor returns a channel closed after d according to the clock
// abstraction, so tests using a fake clock control retry pacing.
func waitFor(d time.Duration, clk clock.Clock) <-chan struct{} {
	ch := make(chan struct{})
	clk.AfterFunc(d, func() { close(ch) })
	return ch
}

// flowBreakerOpenError reports that a retry was skipped because its named
// circuit breaker is open.
type flowBreakerOpenError struct {
	Name string
}

func (e *flowBreakerOpenError) Error() string {
	return "circuit breaker open: " + e.Name
}
