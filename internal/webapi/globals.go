package webapi

import (
	"fmt"
	"time"

	"github.com/nanojs/nano/internal/core"
	"github.com/nanojs/nano/internal/eventloop"
)

// globalsJS defines pure-JS polyfills for simple global APIs named in the
// host's global surface contract.
const globalsJS = `
globalThis.queueMicrotask = function(fn) {
	Promise.resolve().then(fn);
};
`

// waitUntilJS provides ctx.waitUntil support and the drainWaitUntil mechanism.
const waitUntilJS = `
globalThis.__waitUntilPromises = [];
`

// SetupGlobals registers performance.now(), queueMicrotask, and waitUntil
// tracking.
func SetupGlobals(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	// __performanceNow: Go-backed high-resolution timer.
	startTime := time.Now()
	if err := rt.RegisterFunc("__performanceNow", func() float64 {
		return float64(time.Since(startTime).Nanoseconds()) / 1e6
	}); err != nil {
		return err
	}

	// Evaluate pure-JS polyfills.
	if err := rt.Eval(globalsJS); err != nil {
		return fmt.Errorf("evaluating globals.js: %w", err)
	}

	// Set up performance object with Go-backed now().
	if err := rt.Eval(`
		globalThis.performance = {
			now: function() { return __performanceNow(); }
		};
	`); err != nil {
		return fmt.Errorf("setting up performance: %w", err)
	}

	// Set up waitUntil tracking.
	return rt.Eval(waitUntilJS)
}

// ErrMissingArg returns a formatted error for functions called with too few arguments.
func ErrMissingArg(name string, required int) error {
	return fmt.Errorf("%s requires at least %d argument(s)", name, required)
}

// ErrInvalidArg returns a formatted error for invalid argument values.
func ErrInvalidArg(name, reason string) error {
	return fmt.Errorf("%s: %s", name, reason)
}
