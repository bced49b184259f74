package webapi

import (
	"fmt"

	"github.com/nanojs/nano/internal/core"
	"github.com/nanojs/nano/internal/eventloop"
)

// streamsJS implements ReadableStream, WritableStream, TransformStream, and
// the TextEncoderStream/TextDecoderStream wrappers built on TransformStream.
// tee(), ReadableStream.from(), FixedLengthStream, and the queuing-strategy
// classes aren't part of the host's stream contract and are left out —
// getReader/getWriter and pipeTo/pipeThrough are.
const streamsJS = `
(function() {

class ReadableStreamDefaultController {
	constructor(stream) {
		this._stream = stream;
		this._closeRequested = false;
	}
	enqueue(chunk) {
		if (this._closeRequested) throw new TypeError('Cannot enqueue after close');
		this._stream._queue.push(chunk);
		this._stream._pull();
	}
	close() {
		this._closeRequested = true;
		this._stream._closeInternal();
	}
	error(e) {
		this._stream._errorInternal(e);
	}
	get desiredSize() {
		return this._stream._highWaterMark - this._stream._queue.length;
	}
}

class ReadableStreamDefaultReader {
	constructor(stream) {
		if (stream._locked) throw new TypeError('ReadableStream is already locked');
		this._stream = stream;
		stream._locked = true;
		stream._reader = this;
		const self = this;
		this._closedPromise = new Promise(function(resolve, reject) {
			self._closedResolve = resolve;
			self._closedReject = reject;
		});
		if (stream._closed) this._closedResolve();
	}
	async read() {
		const stream = this._stream;
		if (stream._queue.length > 0) return { value: stream._queue.shift(), done: false };
		if (stream._closed) return { value: undefined, done: true };
		if (stream._errored) throw stream._error;
		return new Promise((resolve, reject) => {
			stream._pendingReads.push({ resolve, reject });
			if (stream._pullFn && !stream._pulling) {
				stream._pulling = true;
				Promise.resolve().then(function pullLoop() {
					stream._pulling = false;
					if (stream._closed || stream._errored) return;
					try {
						var r = stream._pullFn(stream._controller);
						function afterPull() {
							if (stream._pendingReads.length > 0 && stream._queue.length === 0 && !stream._closed && !stream._errored && stream._pullFn) {
								stream._pulling = true;
								Promise.resolve().then(pullLoop);
							}
						}
						if (r && typeof r.then === "function") r.then(afterPull, function(e) { stream._errorInternal(e); });
						else afterPull();
					} catch(e) { stream._errorInternal(e); }
				});
			}
		});
	}
	releaseLock() {
		if (this._stream) {
			this._stream._locked = false;
			this._stream._reader = null;
		}
	}
	get closed() { return this._closedPromise; }
	cancel(reason) { return this._stream.cancel(reason); }
}

class ReadableStream {
	constructor(underlyingSource, strategy) {
		this._queue = [];
		this._locked = false;
		this._reader = null;
		this._closed = false;
		this._errored = false;
		this._error = null;
		this._pendingReads = [];
		this._pulling = false;
		this._highWaterMark = (strategy && strategy.highWaterMark) || 1;

		this._controller = new ReadableStreamDefaultController(this);
		this._pullFn = null;
		this._cancelFn = null;

		if (underlyingSource) {
			if (typeof underlyingSource.pull === 'function') this._pullFn = underlyingSource.pull.bind(underlyingSource);
			if (typeof underlyingSource.cancel === 'function') this._cancelFn = underlyingSource.cancel.bind(underlyingSource);
			if (typeof underlyingSource.start === 'function') underlyingSource.start(this._controller);
		}
	}

	getReader() { return new ReadableStreamDefaultReader(this); }

	cancel(reason) {
		this._closed = true;
		if (this._cancelFn) this._cancelFn(reason);
		this._drainPending();
		return Promise.resolve();
	}

	get locked() { return this._locked; }

	pipeTo(destination, options) {
		if (this._locked) return Promise.reject(new TypeError('ReadableStream is locked'));
		if (!(destination instanceof WritableStream)) return Promise.reject(new TypeError('pipeTo requires a WritableStream'));
		options = options || {};
		const preventClose = !!options.preventClose;
		const preventAbort = !!options.preventAbort;
		const preventCancel = !!options.preventCancel;
		const reader = this.getReader();
		const writer = destination.getWriter();
		async function pump() {
			try {
				while (true) {
					const { value, done } = await reader.read();
					if (done) {
						if (!preventClose) await writer.close();
						else writer.releaseLock();
						break;
					}
					await writer.write(value);
				}
			} catch(e) {
				if (!preventAbort) { try { await writer.abort(e); } catch(_) {} }
				if (!preventCancel) { try { await reader.cancel(e); } catch(_) {} }
				throw e;
			} finally {
				reader.releaseLock();
			}
		}
		return pump();
	}

	pipeThrough(transform, options) {
		if (this._locked) throw new TypeError('ReadableStream is locked');
		if (!transform || typeof transform !== 'object') throw new TypeError('pipeThrough requires a transform object');
		if (!(transform.writable instanceof WritableStream)) throw new TypeError('pipeThrough requires transform.writable to be a WritableStream');
		this.pipeTo(transform.writable, options);
		return transform.readable;
	}

	_pull() {
		while (this._queue.length > 0 && this._pendingReads.length > 0) {
			const chunk = this._queue.shift();
			const { resolve } = this._pendingReads.shift();
			resolve({ value: chunk, done: false });
		}
	}

	_closeInternal() {
		this._closed = true;
		this._drainPending();
		if (this._reader && this._reader._closedResolve) this._reader._closedResolve();
	}

	_errorInternal(e) {
		this._errored = true;
		this._error = e;
		for (const { reject } of this._pendingReads) reject(e);
		this._pendingReads = [];
		if (this._reader && this._reader._closedReject) this._reader._closedReject(e);
	}

	_drainPending() {
		while (this._pendingReads.length > 0) {
			const { resolve } = this._pendingReads.shift();
			if (this._queue.length > 0) resolve({ value: this._queue.shift(), done: false });
			else resolve({ value: undefined, done: true });
		}
	}

	async *[Symbol.asyncIterator]() {
		const reader = this.getReader();
		try {
			while (true) {
				const { value, done } = await reader.read();
				if (done) return;
				yield value;
			}
		} finally {
			reader.releaseLock();
		}
	}
}

class WritableStreamDefaultController {
	constructor(stream) { this._stream = stream; }
	error(e) { this._stream._errorInternal(e); }
}

class WritableStreamDefaultWriter {
	constructor(stream) {
		if (stream._locked) throw new TypeError('WritableStream is already locked');
		this._stream = stream;
		stream._locked = true;
		const self = this;
		this._closedPromise = new Promise(function(resolve, reject) {
			self._closedResolve = resolve;
			self._closedReject = reject;
		});
		if (stream._closed) this._closedResolve();
	}
	write(chunk) {
		if (this._stream._closed) throw new TypeError('Cannot write to a closed stream');
		if (this._stream._errored) throw this._stream._error;
		if (this._stream._writeFn) {
			const result = this._stream._writeFn(chunk, this._stream._controller);
			if (result && typeof result.then === 'function') return result;
		}
		return Promise.resolve();
	}
	close() {
		const self = this;
		if (this._stream._closeFn) {
			const result = this._stream._closeFn();
			if (result && typeof result.then === 'function') {
				return result.then(function() {
					self._stream._closed = true;
					if (self._closedResolve) self._closedResolve();
				});
			}
		}
		this._stream._closed = true;
		if (this._closedResolve) this._closedResolve();
		return Promise.resolve();
	}
	abort(reason) {
		const self = this;
		if (this._stream._abortFn) {
			const result = this._stream._abortFn(reason);
			if (result && typeof result.then === 'function') {
				return result.then(function() {
					self._stream._closed = true;
					if (self._closedResolve) self._closedResolve();
				});
			}
		}
		this._stream._closed = true;
		if (this._closedResolve) this._closedResolve();
		return Promise.resolve();
	}
	releaseLock() { this._stream._locked = false; }
	get closed() { return this._closedPromise; }
	get ready() { return Promise.resolve(); }
}

class WritableStream {
	constructor(underlyingSink, strategy) {
		this._locked = false;
		this._closed = false;
		this._errored = false;
		this._error = null;
		this._controller = new WritableStreamDefaultController(this);
		this._writeFn = null;
		this._closeFn = null;
		this._abortFn = null;

		if (underlyingSink) {
			if (typeof underlyingSink.write === 'function') this._writeFn = underlyingSink.write.bind(underlyingSink);
			if (typeof underlyingSink.close === 'function') this._closeFn = underlyingSink.close.bind(underlyingSink);
			if (typeof underlyingSink.abort === 'function') this._abortFn = underlyingSink.abort.bind(underlyingSink);
			if (typeof underlyingSink.start === 'function') underlyingSink.start(this._controller);
		}
	}

	getWriter() { return new WritableStreamDefaultWriter(this); }
	get locked() { return this._locked; }
	_errorInternal(e) { this._errored = true; this._error = e; }
}

class TransformStream {
	constructor(transformer, writableStrategy, readableStrategy) {
		let readableController;

		this.readable = new ReadableStream({
			start(controller) { readableController = controller; }
		}, readableStrategy);

		const transformFn = transformer && typeof transformer.transform === 'function'
			? transformer.transform.bind(transformer) : null;
		const flushFn = transformer && typeof transformer.flush === 'function'
			? transformer.flush.bind(transformer) : null;

		const transformController = {
			enqueue(chunk) { readableController.enqueue(chunk); },
			error(e) { readableController.error(e); },
			terminate() { readableController.close(); },
		};

		this.writable = new WritableStream({
			async write(chunk) {
				if (transformFn) await transformFn(chunk, transformController);
				else readableController.enqueue(chunk);
			},
			async close() {
				if (flushFn) await flushFn(transformController);
				readableController.close();
			}
		}, writableStrategy);
	}
}

class TextEncoderStream extends TransformStream {
	constructor() {
		const encoder = new TextEncoder();
		super({
			transform(chunk, controller) {
				if (typeof chunk !== 'string') throw new TypeError('TextEncoderStream expects string chunks');
				controller.enqueue(encoder.encode(chunk));
			}
		});
		this._encoding = 'utf-8';
	}
	get encoding() { return this._encoding; }
}

class TextDecoderStream extends TransformStream {
	constructor(label, options) {
		const decoder = new TextDecoder(label, options);
		super({
			transform(chunk, controller) {
				let data;
				if (chunk instanceof ArrayBuffer) data = new Uint8Array(chunk);
				else if (ArrayBuffer.isView(chunk)) data = new Uint8Array(chunk.buffer, chunk.byteOffset, chunk.byteLength);
				else throw new TypeError('TextDecoderStream expects BufferSource chunks');
				const text = decoder.decode(data, { stream: true });
				if (text.length > 0) controller.enqueue(text);
			},
			flush(controller) {
				const text = decoder.decode();
				if (text.length > 0) controller.enqueue(text);
			}
		});
		this._encoding = decoder.encoding || 'utf-8';
		this._fatal = !!(options && options.fatal);
		this._ignoreBOM = !!(options && options.ignoreBOM);
	}
	get encoding() { return this._encoding; }
	get fatal() { return this._fatal; }
	get ignoreBOM() { return this._ignoreBOM; }
}

globalThis.ReadableStream = ReadableStream;
globalThis.ReadableStreamDefaultReader = ReadableStreamDefaultReader;
globalThis.WritableStream = WritableStream;
globalThis.WritableStreamDefaultWriter = WritableStreamDefaultWriter;
globalThis.TransformStream = TransformStream;
globalThis.TextEncoderStream = TextEncoderStream;
globalThis.TextDecoderStream = TextDecoderStream;

})();
`

// SetupStreams evaluates the Streams API classes. Must run before
// SetupMessage and SetupFormData's Blob.stream(), both of which reference
// ReadableStream.
func SetupStreams(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.Eval(streamsJS); err != nil {
		return fmt.Errorf("evaluating streams.js: %w", err)
	}
	return nil
}
