package clock

import (
	"container/heap"
	"sync"
	"time"
)

type (
	// Fake is a manually-advanced Clock for deterministic tests. Advance
	// fires any pending wake-ups whose deadline falls at or before the new
	// time, in deadline order.
	Fake struct {
		mu   sync.Mutex
		now  time.Time
		heap fakeHeap
		seq  int
	}

	fakeEntry struct {
		deadline time.Time
		seq      int
		fn       func()
		fired    bool
		stopped  bool
	}

	fakeHeap []*fakeEntry

	fakeTimer struct {
		c *Fake
		e *fakeEntry
	}
)

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake's current time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run when the fake clock is advanced past d.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	e := &fakeEntry{deadline: c.now.Add(d), seq: c.seq, fn: f}
	heap.Push(&c.heap, e)
	return &fakeTimer{c: c, e: e}
}

// Advance moves the fake clock forward by d, synchronously firing every
// wake-up whose deadline has passed, in deadline order.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	var due []*fakeEntry
	for c.heap.Len() > 0 && !c.heap[0].deadline.After(target) {
		e := heap.Pop(&c.heap).(*fakeEntry)
		if e.stopped {
			continue
		}
		e.fired = true
		due = append(due, e)
	}
	c.mu.Unlock()

	for _, e := range due {
		e.fn()
	}
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.e.fired {
		return false
	}
	t.e.stopped = true
	return true
}

func (h fakeHeap) Len() int { return len(h) }
func (h fakeHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h fakeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *fakeHeap) Push(x any)   { *h = append(*h, x.(*fakeEntry)) }
func (h *fakeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
