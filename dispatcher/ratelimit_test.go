package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterRegistryDisabledAtZero(t *testing.T) {
	r := newRateLimiterRegistry(0)
	require.Nil(t, r.get("wf1"))
}

func TestRateLimiterRegistryReusesPerWorkflow(t *testing.T) {
	r := newRateLimiterRegistry(5)
	l1 := r.get("wf1")
	l2 := r.get("wf1")
	require.Same(t, l1, l2)

	l3 := r.get("wf2")
	require.NotSame(t, l1, l3)
}

func TestRateLimiterRegistryBurstAtLeastOne(t *testing.T) {
	r := newRateLimiterRegistry(0.5)
	l := r.get("wf1")
	require.NotNil(t, l)
	require.True(t, l.Burst() >= 1)
}
