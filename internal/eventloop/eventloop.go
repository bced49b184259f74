package eventloop

import (
	"sync"
	"time"

	"github.com/nanojs/nano/internal/core"
)

// pollInterval bounds how long Drain sleeps between fetch-drain attempts
// while waiting on a timer or on fetches with no timer pending at all.
const pollInterval = 1 * time.Millisecond

// EventLoop is the Go-backed clock and fetch-completion queue for one V8
// worker. JS timer callbacks and promise resolution stay on the JS side;
// EventLoop only tracks *when* to re-enter JS to fire them, since Go timers
// give real wall-clock delays a JS-only engine has no way to produce on its
// own single thread.
type EventLoop struct {
	mu             sync.Mutex
	timers         map[int]*timerEntry
	nextID         int
	pendingFetches []*PendingFetch
}

// New creates an empty EventLoop.
func New() *EventLoop {
	return &EventLoop{timers: make(map[int]*timerEntry)}
}

// Drain fires due timers and resolves completed fetches until no work
// remains or deadline passes. Must run on the same goroutine driving rt —
// V8 contexts are not safe for concurrent use.
func (el *EventLoop) Drain(rt core.JSRuntime, deadline time.Time) {
	for {
		if el.DrainPendingFetches(rt) {
			continue
		}

		next := el.nextTimer()
		hasFetches := el.HasPendingFetches()
		if next == nil && !hasFetches {
			return
		}
		if next == nil {
			// Fetches in flight but nothing scheduled to wake us: poll.
			if !el.sleepOrDrain(rt, deadline, deadline) {
				return
			}
			continue
		}

		wake := next.deadline
		if wake.After(deadline) {
			wake = deadline
		}
		if !el.sleepOrDrain(rt, wake, deadline) {
			return
		}
		if time.Now().Before(next.deadline) {
			// Woke up early because the overall deadline was reached.
			continue
		}
		if el.advanceTimer(next) {
			el.fireTimer(rt, next.id)
			rt.RunMicrotasks()
		}
	}
}

// sleepOrDrain waits until wake (draining any fetch that completes in the
// meantime), returning false once the overall deadline has passed.
func (el *EventLoop) sleepOrDrain(rt core.JSRuntime, wake, deadline time.Time) bool {
	for {
		now := time.Now()
		if now.After(deadline) {
			return false
		}
		if !now.Before(wake) {
			return true
		}
		if el.DrainPendingFetches(rt) {
			return true
		}
		remaining := wake.Sub(now)
		if remaining > pollInterval {
			remaining = pollInterval
		}
		time.Sleep(remaining)
	}
}

// HasPendingFetches reports whether any fetch is still awaiting a response.
func (el *EventLoop) HasPendingFetches() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.pendingFetches) > 0
}

// HasPending returns true if there are any active timers or pending fetches.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0 || len(el.pendingFetches) > 0
}

// Reset clears all timers and pending fetches. Called when a worker is
// returned to the pool so the next tenant starts with a clean clock.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
	el.pendingFetches = nil
}
