package eventloop

import (
	"fmt"
	"time"

	"github.com/nanojs/nano/internal/core"
)

// timerEntry tracks scheduling metadata for one setTimeout/setInterval call.
// The callback closure itself lives in globalThis.__timerCallbacks[id] on
// the JS side — Go only ever needs to know when to fire it.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
	cleared  bool
}

const minInterval = 10 * time.Millisecond

// registerTimer adds a new timer and returns its id. Must be called with
// el.mu held.
func (el *EventLoop) registerTimer(delay time.Duration, isInterval bool) int {
	el.nextID++
	id := el.nextID
	entry := &timerEntry{deadline: time.Now().Add(delay), id: id}
	if isInterval {
		if delay < minInterval {
			delay = minInterval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// RegisterTimer creates a timer entry and returns its ID.
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.registerTimer(delay, isInterval)
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t, ok := el.timers[id]; ok {
		t.cleared = true
		delete(el.timers, id)
	}
}

// nextTimer returns the soonest uncleared timer, or nil if none are pending.
func (el *EventLoop) nextTimer() *timerEntry {
	el.mu.Lock()
	defer el.mu.Unlock()
	var next *timerEntry
	for _, t := range el.timers {
		if t.cleared {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	return next
}

// fireTimer invokes the JS-side callback registered for id. An interval
// callback stays registered; advanceTimer moves its deadline forward.
func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id)
	_ = rt.Eval(js)
}

// advanceTimer reschedules an interval timer or removes a one-shot timer
// after it fires, returning false if the timer was cleared in the meantime
// (in which case it must not fire).
func (el *EventLoop) advanceTimer(t *timerEntry) bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t.cleared {
		return false
	}
	if t.interval > 0 {
		t.deadline = time.Now().Add(t.interval)
	} else {
		delete(el.timers, t.id)
	}
	return true
}
