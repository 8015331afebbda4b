package dispatcher

import (
	"sync"
	"time"

	"goa.design/flow/clock"
)

// breakerState is one of closed, open, halfOpen.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker is a per-name circuit breaker guarding a retry policy's target. It
// opens after consecutiveFailureThreshold consecutive failures, stays open
// for RecoveryAfter, then turns half-open: it admits attempts until the next
// recorded outcome closes it (success) or re-opens it (failure).
type breaker struct {
	mu sync.Mutex

	state       breakerState
	failures    int
	openedAt    time.Time
	recoverAfter time.Duration
	clock       clock.Clock
}

const consecutiveFailureThreshold = 5

func newBreaker(clk clock.Clock, recoverAfter time.Duration) *breaker {
	if recoverAfter <= 0 {
		recoverAfter = 30 * time.Second
	}
	return &breaker{clock: clk, recoverAfter: recoverAfter}
}

// Allow reports whether a new attempt may proceed, transitioning open ->
// halfOpen once the recovery window has elapsed.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.recoverAfter {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets its failure count.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

// RecordFailure increments the failure count, opening the breaker once the
// threshold is reached (or immediately, if the failing attempt was the
// half-open probe).
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = b.clock.Now()
		return
	}
	b.failures++
	if b.failures >= consecutiveFailureThreshold {
		b.state = breakerOpen
		b.openedAt = b.clock.Now()
	}
}

// breakerRegistry hands out one breaker per name, creating it on first use.
type breakerRegistry struct {
	mu    sync.Mutex
	byName map[string]*breaker
	clock clock.Clock
}

func newBreakerRegistry(clk clock.Clock) *breakerRegistry {
	return &breakerRegistry{byName: make(map[string]*breaker), clock: clk}
}

func (r *breakerRegistry) get(name string, recoverAfter time.Duration) *breaker {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byName[name]
	if !ok {
		b = newBreaker(r.clock, recoverAfter)
		r.byName[name] = b
	}
	return b
}
