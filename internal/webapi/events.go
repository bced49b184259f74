package webapi

import (
	"fmt"

	"github.com/nanojs/nano/internal/core"
	"github.com/nanojs/nano/internal/eventloop"
)

// eventsJS defines the EventTarget/Event hierarchy backing AbortSignal and
// the `fetch()` abort path (§5 Cancellation), plus the error-reporting
// globals (ErrorEvent/reportError) apps can use from a fetch handler.
const eventsJS = `
class Event {
	constructor(type, options) {
		this.type = type;
		this.bubbles = !!(options && options.bubbles);
		this.cancelable = !!(options && options.cancelable);
		this.defaultPrevented = false;
		this.target = null;
		this.currentTarget = null;
		this.timeStamp = performance.now();
	}
	preventDefault() {
		if (this.cancelable) this.defaultPrevented = true;
	}
	stopPropagation() {}
	stopImmediatePropagation() {}
}

class EventTarget {
	constructor() {
		this._listeners = {};
	}
	addEventListener(type, callback, options) {
		if (typeof callback !== 'function') return;
		if (!this._listeners[type]) this._listeners[type] = [];
		const once = options && options.once;
		this._listeners[type].push({ callback, once });
	}
	removeEventListener(type, callback) {
		if (!this._listeners[type]) return;
		this._listeners[type] = this._listeners[type].filter(l => l.callback !== callback);
	}
	dispatchEvent(event) {
		event.target = this;
		event.currentTarget = this;
		const listeners = this._listeners[event.type];
		if (!listeners) return true;
		const copy = listeners.slice();
		for (const entry of copy) {
			entry.callback.call(this, event);
			if (entry.once) {
				this.removeEventListener(event.type, entry.callback);
			}
		}
		return !event.defaultPrevented;
	}
}

class DOMException extends Error {
	constructor(message, name) {
		super(message || '');
		this.name = name || 'Error';
		this.message = message || '';
		this.code = 0;
	}
}

class AbortSignal extends EventTarget {
	constructor() {
		super();
		this.aborted = false;
		this.reason = undefined;
		this.onabort = null;
	}
	throwIfAborted() {
		if (this.aborted) throw this.reason;
	}
	_fire(reason) {
		if (this.aborted) return;
		this.aborted = true;
		this.reason = reason;
		const ev = new Event('abort');
		if (this.onabort) this.onabort(ev);
		this.dispatchEvent(ev);
	}
	static abort(reason) {
		const signal = new AbortSignal();
		signal.aborted = true;
		signal.reason = reason !== undefined ? reason : new DOMException('The operation was aborted.', 'AbortError');
		return signal;
	}
	static timeout(ms) {
		const signal = new AbortSignal();
		setTimeout(function() {
			signal._fire(new DOMException('The operation timed out.', 'TimeoutError'));
		}, ms);
		return signal;
	}
	static any(signals) {
		const signal = new AbortSignal();
		for (const s of signals) {
			if (s.aborted) {
				signal.aborted = true;
				signal.reason = s.reason;
				return signal;
			}
		}
		for (const s of signals) {
			s.addEventListener('abort', function() { signal._fire(s.reason); });
		}
		return signal;
	}
}

class AbortController {
	constructor() {
		this.signal = new AbortSignal();
	}
	abort(reason) {
		this.signal._fire(reason !== undefined ? reason : new DOMException('The operation was aborted.', 'AbortError'));
	}
}

class CustomEvent extends Event {
	constructor(type, init) {
		super(type, init);
		this.detail = (init && init.detail !== undefined) ? init.detail : null;
	}
}

class ErrorEvent extends Event {
	constructor(type, init) {
		super(type);
		this.error = init && init.error !== undefined ? init.error : null;
		this.message = (init && init.message) || '';
		this.filename = (init && init.filename) || '';
		this.lineno = (init && init.lineno) || 0;
		this.colno = (init && init.colno) || 0;
	}
}

globalThis.Event = Event;
globalThis.EventTarget = EventTarget;
globalThis.DOMException = DOMException;
globalThis.AbortSignal = AbortSignal;
globalThis.AbortController = AbortController;
globalThis.CustomEvent = CustomEvent;
globalThis.ErrorEvent = ErrorEvent;

(function() {
	var root = new EventTarget();
	globalThis.addEventListener = root.addEventListener.bind(root);
	globalThis.removeEventListener = root.removeEventListener.bind(root);
	globalThis.dispatchEvent = root.dispatchEvent.bind(root);
})();

globalThis.reportError = function(error) {
	var msg = error !== null && error !== undefined
		? (error.message !== undefined ? error.message : String(error))
		: '';
	globalThis.dispatchEvent(new ErrorEvent('error', { error: error, message: msg }));
};
`

// SetupEvents evaluates the Event/EventTarget/AbortSignal/AbortController
// hierarchy and the error-reporting globals built on top of it.
func SetupEvents(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.Eval(eventsJS); err != nil {
		return fmt.Errorf("evaluating events.js: %w", err)
	}
	return nil
}
