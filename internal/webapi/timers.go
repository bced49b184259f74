package webapi

import (
	"fmt"
	"time"

	"github.com/nanojs/nano/internal/core"
	"github.com/nanojs/nano/internal/eventloop"
)

// timersJS wires setTimeout/setInterval/clearTimeout/clearInterval and the
// scheduler.wait/postTask helpers onto the Go-backed timer wheel in
// internal/eventloop. The callback closures themselves stay on the JS side
// (__timerCallbacks); Go only tracks deadlines and fires a lookup by id.
const timersJS = `
(function() {
	globalThis.__timerCallbacks = {};

	function schedule(fn, delay, rest, isInterval) {
		if (typeof fn !== 'function') return 0;
		var id = __timerRegister(delay || 0, isInterval);
		globalThis.__timerCallbacks[id] = { fn: fn, args: rest, interval: isInterval };
		return id;
	}

	globalThis.setTimeout = function(fn, delay) {
		return schedule(fn, delay, Array.prototype.slice.call(arguments, 2), false);
	};
	globalThis.setInterval = function(fn, interval) {
		return schedule(fn, interval, Array.prototype.slice.call(arguments, 2), true);
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (typeof id !== 'number') return;
		__timerClear(id);
		delete globalThis.__timerCallbacks[id];
	};

	globalThis.scheduler = {
		wait: function(ms) {
			return new Promise(function(resolve) { setTimeout(resolve, ms || 0); });
		},
		postTask: function(callback, options) {
			var delay = (options && options.delay) || 0;
			var signal = options && options.signal;
			return new Promise(function(resolve, reject) {
				if (signal && signal.aborted) {
					reject(signal.reason || new DOMException('The operation was aborted', 'AbortError'));
					return;
				}
				var id = setTimeout(function() {
					try { resolve(callback()); } catch(e) { reject(e); }
				}, delay);
				if (signal) {
					signal.addEventListener('abort', function() {
						clearTimeout(id);
						reject(signal.reason || new DOMException('The operation was aborted', 'AbortError'));
					});
				}
			});
		},
	};
})();
`

// SetupTimers registers the Go-backed timer wheel hooks and evaluates the
// setTimeout/setInterval/scheduler surface on top of them.
func SetupTimers(rt core.JSRuntime, el *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__timerRegister", func(delayMs int, isInterval bool) int {
		return el.RegisterTimer(time.Duration(delayMs)*time.Millisecond, isInterval)
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__timerClear", func(id int) {
		el.ClearTimer(id)
	}); err != nil {
		return err
	}
	if err := rt.Eval(timersJS); err != nil {
		return fmt.Errorf("evaluating timers.js: %w", err)
	}
	return nil
}
