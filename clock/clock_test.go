package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRealClockNow(t *testing.T) {
	c := Real()
	before := time.Now()
	got := c.Now()
	require.False(t, got.Before(before))
}

func TestNextCronFire(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextCronFire("0 * * * *", from)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC), next)
}

func TestNextCronFireInvalidExpr(t *testing.T) {
	_, err := NextCronFire("not a cron expr", time.Now())
	require.Error(t, err)
}

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(5*time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(10*time.Second, func() { fired = append(fired, "b") })

	c.Advance(6 * time.Second)
	require.Equal(t, []string{"a"}, fired)
	require.Equal(t, start.Add(6*time.Second), c.Now())

	c.Advance(10 * time.Second)
	require.Equal(t, []string{"a", "b"}, fired)
}

func TestFakeTimerStopPreventsFire(t *testing.T) {
	c := NewFake(time.Now())
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	stopped := timer.Stop()
	require.True(t, stopped)

	c.Advance(2 * time.Second)
	require.False(t, fired)
}

func TestFakeTimerStopAfterFireReturnsFalse(t *testing.T) {
	c := NewFake(time.Now())
	timer := c.AfterFunc(time.Second, func() {})
	c.Advance(2 * time.Second)
	require.False(t, timer.Stop())
}
