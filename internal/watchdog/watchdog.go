// Package watchdog enforces a hard wall-clock execution budget on a single
// V8 isolate. It is the host-side half of the timeout contract: JS code
// cannot opt out of it, and once fired the isolate is assumed unsafe to
// reuse.
package watchdog

import (
	"sync/atomic"
	"time"
)

// Terminator is satisfied by a V8 isolate (or anything that can abort a
// running script).
type Terminator interface {
	TerminateExecution()
}

// Watchdog arms a deadline against a single execution. If the deadline
// elapses before Stop is called, it calls TerminateExecution on the
// isolate, which unwinds the running script with a JS exception on its
// next bytecode boundary.
type Watchdog struct {
	timer     *time.Timer
	timedOut  atomic.Bool
	terminate func()
}

// Start arms a watchdog that fires after d. The caller must call Stop
// once execution completes, whether normally, by panic, or by timeout.
func Start(iso Terminator, d time.Duration) *Watchdog {
	wd := &Watchdog{terminate: iso.TerminateExecution}
	wd.timer = time.AfterFunc(d, func() {
		wd.timedOut.Store(true)
		wd.terminate()
	})
	return wd
}

// Stop disarms the watchdog. It returns true if the watchdog had not yet
// fired — i.e. the execution finished within budget.
func (wd *Watchdog) Stop() bool {
	return wd.timer.Stop()
}

// TimedOut reports whether the deadline elapsed and TerminateExecution was
// called. Safe to call after Stop.
func (wd *Watchdog) TimedOut() bool {
	return wd.timedOut.Load()
}
