package dispatcher

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	flow "goa.design/flow"
)

func TestBackoffForNilPolicyIsZero(t *testing.T) {
	bo := backoffFor(nil)
	require.Equal(t, time.Duration(0), bo.NextBackOff())
}

func TestBackoffForFixedStrategyIsConstant(t *testing.T) {
	policy := &flow.RetryPolicy{Strategy: flow.BackoffFixed, Delay: 50 * time.Millisecond}
	bo := backoffFor(policy)
	require.Equal(t, 50*time.Millisecond, bo.NextBackOff())
	require.Equal(t, 50*time.Millisecond, bo.NextBackOff())
}

func TestBackoffForFixedStrategyDefaultsDelay(t *testing.T) {
	policy := &flow.RetryPolicy{Strategy: flow.BackoffFixed}
	bo := backoffFor(policy)
	require.Equal(t, 100*time.Millisecond, bo.NextBackOff())
}

func TestBackoffForExponentialGrowsAndCaps(t *testing.T) {
	policy := &flow.RetryPolicy{
		Strategy:   flow.BackoffExponential,
		Delay:      10 * time.Millisecond,
		MaxBackoff: 30 * time.Millisecond,
		Jitter:     false,
	}
	bo := backoffFor(policy)
	first := bo.NextBackOff()
	second := bo.NextBackOff()
	require.Equal(t, 10*time.Millisecond, first)
	require.Equal(t, 20*time.Millisecond, second)
	require.NotEqual(t, backoff.Stop, second)

	third := bo.NextBackOff()
	require.LessOrEqual(t, third, 30*time.Millisecond)
}

func TestFlowBreakerOpenErrorMessage(t *testing.T) {
	err := &flowBreakerOpenError{Name: "svc1"}
	require.Equal(t, "circuit breaker open: svc1", err.Error())
}
