package dispatcher

import (
	"sync"

	"golang.org/x/time/rate"
)

// rateLimiterRegistry hands out one token-bucket limiter per workflow ID, at
// the configured per-dispatcher rate. A zero rate disables limiting
// entirely (§9 Open Questions: best-effort, not a hard scheduling
// guarantee).
type rateLimiterRegistry struct {
	mu      sync.Mutex
	limit   float64
	byWf    map[string]*rate.Limiter
}

func newRateLimiterRegistry(limit float64) *rateLimiterRegistry {
	return &rateLimiterRegistry{limit: limit, byWf: make(map[string]*rate.Limiter)}
}

func (r *rateLimiterRegistry) get(workflowID string) *rate.Limiter {
	if r.limit <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.byWf[workflowID]
	if !ok {
		burst := int(r.limit)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(r.limit), burst)
		r.byWf[workflowID] = l
	}
	return l
}
