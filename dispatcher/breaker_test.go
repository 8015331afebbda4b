package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/flow/clock"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	fc := clock.NewFake(time.Now())
	b := newBreaker(fc, time.Second)

	for i := 0; i < consecutiveFailureThreshold-1; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	require.True(t, b.Allow(), "breaker should still be closed below threshold")

	b.RecordFailure()
	require.False(t, b.Allow(), "breaker should open once threshold is reached")
}

func TestBreakerRecoversAfterWindow(t *testing.T) {
	fc := clock.NewFake(time.Now())
	b := newBreaker(fc, time.Second)

	for i := 0; i < consecutiveFailureThreshold; i++ {
		b.RecordFailure()
	}
	require.False(t, b.Allow())

	fc.Advance(2 * time.Second)
	require.True(t, b.Allow(), "breaker should allow a half-open probe after recovery window")
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	fc := clock.NewFake(time.Now())
	b := newBreaker(fc, time.Second)
	for i := 0; i < consecutiveFailureThreshold; i++ {
		b.RecordFailure()
	}
	fc.Advance(2 * time.Second)
	require.True(t, b.Allow()) // half-open probe

	b.RecordFailure()
	require.False(t, b.Allow(), "a failed half-open probe must reopen the breaker")
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	fc := clock.NewFake(time.Now())
	b := newBreaker(fc, time.Second)
	for i := 0; i < consecutiveFailureThreshold; i++ {
		b.RecordFailure()
	}
	fc.Advance(2 * time.Second)
	require.True(t, b.Allow())

	b.RecordSuccess()
	require.True(t, b.Allow())
	for i := 0; i < consecutiveFailureThreshold-1; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	require.True(t, b.Allow(), "failure count should have reset on success")
}

func TestBreakerRegistryReturnsNilForEmptyName(t *testing.T) {
	r := newBreakerRegistry(clock.Real())
	require.Nil(t, r.get("", time.Second))
}

func TestBreakerRegistryReusesInstancePerName(t *testing.T) {
	r := newBreakerRegistry(clock.Real())
	b1 := r.get("svc1", time.Second)
	b2 := r.get("svc1", time.Second)
	require.Same(t, b1, b2)

	b3 := r.get("svc2", time.Second)
	require.NotSame(t, b1, b3)
}
