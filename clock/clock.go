// Package clock provides the engine's single source of time: a monotonic
// now() plus cancellable scheduled wake-ups used for retry backoff, sleep
// steps, pause deadlines, and cron due checks, so tests can substitute a
// fake. Two places do not go through it: step timeouts are context
// deadlines, and the engine's cron loop ticks on a wall-clock ticker.
package clock

import (
	"time"

	"github.com/robfig/cron/v3"
)

type (
	// Clock abstracts wall-clock time and timer scheduling.
	Clock interface {
		// Now returns the current time.
		Now() time.Time
		// AfterFunc schedules f to run after d elapses, returning a Timer that
		// can cancel the wake-up if it has not fired yet.
		AfterFunc(d time.Duration, f func()) Timer
	}

	// Timer represents a scheduled wake-up.
	Timer interface {
		// Stop cancels the timer. It returns true if the cancellation stopped
		// the timer before it fired.
		Stop() bool
	}

	real struct{}

	realTimer struct {
		t *time.Timer
	}
)

// Real returns a Clock backed by the operating system clock and
// time.AfterFunc.
func Real() Clock { return real{} }

func (real) Now() time.Time { return time.Now() }

func (real) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{t: time.AfterFunc(d, f)}
}

func (t *realTimer) Stop() bool { return t.t.Stop() }

// NextCronFire parses a standard five-field cron expression and returns the
// next fire time strictly after from. It does not attempt catch-up for fires
// missed during downtime: callers that resume after a gap simply schedule
// the next fire from the current time, so missed fires are lost by design
// (see DESIGN.md, "Open Questions decided").
func NextCronFire(expr string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
