package webapi

import (
	"fmt"

	"github.com/nanojs/nano/internal/core"
	"github.com/nanojs/nano/internal/eventloop"
)

// messageJS defines Headers, Request, and Response. Body reading (text/json/
// arrayBuffer/bytes/formData) is implemented once per method and applied to
// both Request.prototype and Response.prototype via applyBodyMixin, since
// the two classes read bodies identically — only their constructors differ.
const messageJS = `
class Headers {
	constructor(init) {
		this._map = {};
		if (init) {
			if (init instanceof Headers) {
				for (const [k, v] of Object.entries(init._map)) this._map[k] = v;
			} else if (Array.isArray(init)) {
				for (const [k, v] of init) this._map[k.toLowerCase()] = String(v);
			} else {
				for (const [k, v] of Object.entries(init)) this._map[k.toLowerCase()] = String(v);
			}
		}
	}
	get(name) { return this._map[name.toLowerCase()] ?? null; }
	set(name, value) { this._map[name.toLowerCase()] = String(value); }
	has(name) { return name.toLowerCase() in this._map; }
	delete(name) { delete this._map[name.toLowerCase()]; }
	append(name, value) {
		const key = name.toLowerCase();
		this._map[key] = this._map[key] ? this._map[key] + ', ' + String(value) : String(value);
	}
	forEach(cb) { for (const [k, v] of Object.entries(this._map)) cb(v, k, this); }
	entries() { return Object.entries(this._map)[Symbol.iterator](); }
	keys() { return Object.keys(this._map)[Symbol.iterator](); }
	values() { return Object.values(this._map)[Symbol.iterator](); }
}

function __bodyToStream(content) {
	return new ReadableStream({
		start(controller) {
			if (typeof content === 'string') {
				controller.enqueue(new TextEncoder().encode(content));
			} else if (content instanceof ArrayBuffer) {
				controller.enqueue(new Uint8Array(content));
			} else if (ArrayBuffer.isView(content)) {
				controller.enqueue(new Uint8Array(content.buffer, content.byteOffset, content.byteLength));
			} else {
				controller.enqueue(new TextEncoder().encode(String(content)));
			}
			controller.close();
		}
	});
}

function __bodyToString(body) {
	if (body === null || body === undefined) return '';
	if (typeof body === 'string') return body;
	if (body instanceof ArrayBuffer) return String.fromCharCode.apply(null, new Uint8Array(body));
	if (ArrayBuffer.isView(body)) return String.fromCharCode.apply(null, new Uint8Array(body.buffer, body.byteOffset, body.byteLength));
	if (body instanceof Blob) return body._parts.join('');
	if (body instanceof URLSearchParams) return body.toString();
	if (body instanceof FormData) return __encodeMultipart(body);
	if (body instanceof ReadableStream) {
		const s = body._queue.map(function(chunk) {
			if (typeof chunk === 'string') return chunk;
			if (chunk instanceof Uint8Array) return String.fromCharCode.apply(null, chunk);
			return String(chunk);
		}).join('');
		body._queue = [];
		return s;
	}
	return String(body);
}

function __encodeMultipart(form) {
	const boundary = '----FormDataBoundary' + Math.random().toString(36).slice(2);
	let result = '';
	form.forEach(function(value, name) {
		result += '--' + boundary + '\r\n';
		if (typeof value === 'string') {
			result += 'Content-Disposition: form-data; name="' + name + '"\r\n\r\n' + value + '\r\n';
		} else {
			const fname = value.name || 'blob';
			result += 'Content-Disposition: form-data; name="' + name + '"; filename="' + fname + '"\r\n';
			if (value.type) result += 'Content-Type: ' + value.type + '\r\n';
			result += '\r\n' + value._parts.join('') + '\r\n';
		}
	});
	result += '--' + boundary + '--\r\n';
	return result;
}

function __parseMultipart(text, contentType) {
	const fd = new FormData();
	const m = contentType.match(/boundary=([^\s;]+)/);
	if (!m) return fd;
	const boundary = m[1];
	const parts = text.split('--' + boundary);
	for (let i = 1; i < parts.length; i++) {
		const part = parts[i];
		if (part.indexOf('--') === 0) break;
		const sepIdx = part.indexOf('\r\n\r\n');
		if (sepIdx === -1) continue;
		const headerSection = part.slice(0, sepIdx);
		const body = part.slice(sepIdx + 4).replace(/\r\n$/, '');
		const dispMatch = headerSection.match(/Content-Disposition:\s*form-data;\s*name="([^"]+)"(?:;\s*filename="([^"]+)")?/i);
		if (!dispMatch) continue;
		const name = dispMatch[1];
		const filename = dispMatch[2];
		if (filename !== undefined) {
			const ctMatch = headerSection.match(/Content-Type:\s*([^\r\n]+)/i);
			fd.append(name, new File([body], filename, { type: ctMatch ? ctMatch[1].trim() : '' }));
		} else {
			fd.append(name, body);
		}
	}
	return fd;
}

async function __readStreamBytes(stream) {
	const reader = stream.getReader();
	const chunks = [];
	let totalLen = 0;
	for (;;) {
		const result = await reader.read();
		if (result.done) break;
		const chunk = result.value;
		let bytes;
		if (chunk instanceof Uint8Array) bytes = chunk;
		else if (chunk instanceof ArrayBuffer) bytes = new Uint8Array(chunk);
		else if (ArrayBuffer.isView(chunk)) bytes = new Uint8Array(chunk.buffer, chunk.byteOffset, chunk.byteLength);
		else bytes = new TextEncoder().encode(typeof chunk === 'string' ? chunk : String(chunk));
		chunks.push(bytes);
		totalLen += bytes.length;
	}
	const merged = new Uint8Array(totalLen);
	let offset = 0;
	for (const c of chunks) { merged.set(c, offset); offset += c.length; }
	return merged;
}

// applyBodyMixin installs the shared body-reading methods on a message
// class's prototype (Request or Response). Both classes store the raw body
// on this._body and lazily wrap it as a ReadableStream on first .body access.
function applyBodyMixin(proto) {
	Object.defineProperty(proto, 'body', {
		get: function() {
			if (this._body === null || this._body === undefined) return null;
			if (this._body instanceof ReadableStream) return this._body;
			this._body = __bodyToStream(this._body);
			return this._body;
		}
	});
	Object.defineProperty(proto, 'bodyUsed', {
		get: function() { return this._body instanceof ReadableStream ? this._body._locked : false; }
	});
	proto.text = async function() {
		if (this._body instanceof ReadableStream) return new TextDecoder().decode(await __readStreamBytes(this._body));
		return __bodyToString(this._body);
	};
	proto.json = async function() { return JSON.parse(await this.text()); };
	proto.arrayBuffer = async function() {
		if (this._body instanceof ArrayBuffer) return this._body;
		if (ArrayBuffer.isView(this._body)) return this._body.buffer.slice(this._body.byteOffset, this._body.byteOffset + this._body.byteLength);
		if (this._body instanceof ReadableStream) return (await __readStreamBytes(this._body)).buffer;
		return new TextEncoder().encode(__bodyToString(this._body)).buffer;
	};
	proto.bytes = async function() { return new Uint8Array(await this.arrayBuffer()); };
	proto.formData = async function() {
		const ct = this.headers.get('content-type') || '';
		const text = __bodyToString(this._body);
		if (ct.indexOf('application/x-www-form-urlencoded') !== -1) {
			const fd = new FormData();
			new URLSearchParams(text).forEach(function(v, k) { fd.append(k, v); });
			return fd;
		}
		if (ct.indexOf('multipart/form-data') !== -1) return __parseMultipart(text, ct);
		throw new TypeError('Could not parse content as FormData');
	};
}

class Request {
	constructor(input, init) {
		init = init || {};
		if (input instanceof Request) {
			this.url = input.url;
			this.method = input.method;
			this.headers = new Headers(input.headers);
			this._body = input._body;
		} else {
			try { this.url = new URL(String(input)).href; } catch(e) { this.url = String(input); }
			this.method = (init.method || 'GET').toUpperCase();
			this.headers = new Headers(init.headers);
			this._body = init.body !== undefined ? init.body : null;
		}
		if (init.method) this.method = init.method.toUpperCase();
		if (init.headers) this.headers = new Headers(init.headers);
		if (init.body !== undefined) this._body = init.body;
	}
	clone() { return new Request(this); }
}
applyBodyMixin(Request.prototype);

class Response {
	constructor(body, init) {
		init = init || {};
		this._body = body !== undefined && body !== null ? body : null;
		this.status = init.status !== undefined ? init.status : 200;
		this.statusText = init.statusText || '';
		this.headers = new Headers(init.headers);
		this.ok = this.status >= 200 && this.status < 300;
		this.url = init.url || '';
		this.webSocket = init.webSocket || null;
	}
	clone() {
		return new Response(this._body, { status: this.status, statusText: this.statusText, headers: new Headers(this.headers) });
	}
	static json(data, init) {
		init = init || {};
		const headers = new Headers(init.headers);
		if (!headers.has('content-type')) headers.set('content-type', 'application/json');
		return new Response(JSON.stringify(data), { ...init, headers });
	}
	static redirect(url, status) {
		status = status || 302;
		if ([301, 302, 303, 307, 308].indexOf(status) === -1) throw new RangeError('Invalid redirect status: ' + status);
		return new Response(null, { status, headers: { location: url } });
	}
	static error() {
		const r = new Response(null, { status: 0, statusText: '' });
		r.type = 'error';
		return r;
	}
}
applyBodyMixin(Response.prototype);

globalThis.Headers = Headers;
globalThis.Request = Request;
globalThis.Response = Response;
`

// bufferSourceJS provides __bufferSourceToB64 and __b64ToBuffer, used to
// move binary fetch bodies and response bodies across the Go/JS boundary.
const bufferSourceJS = `
globalThis.__bufferSourceToB64 = function(data) {
	var bytes;
	if (data instanceof ArrayBuffer) {
		bytes = new Uint8Array(data);
	} else if (ArrayBuffer.isView(data)) {
		bytes = new Uint8Array(data.buffer, data.byteOffset, data.byteLength);
	} else if (typeof data === 'string') {
		return btoa(data);
	} else {
		bytes = new Uint8Array(data);
	}
	var parts = [];
	for (var i = 0; i < bytes.length; i += 8192) {
		var chunk = bytes.subarray(i, Math.min(i + 8192, bytes.length));
		parts.push(String.fromCharCode.apply(null, chunk));
	}
	return btoa(parts.join(''));
};

globalThis.__b64ToBuffer = function(b64) {
	var binary = atob(b64);
	var bytes = new Uint8Array(binary.length);
	for (var i = 0; i < binary.length; i++) {
		bytes[i] = binary.charCodeAt(i);
	}
	return bytes.buffer;
};
`

// SetupMessage evaluates Headers, Request, Response, and their shared body
// helpers. Must run after SetupStreams and SetupFormData, since body reading
// touches ReadableStream, Blob, and FormData.
func SetupMessage(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.Eval(messageJS); err != nil {
		return fmt.Errorf("evaluating message.js: %w", err)
	}
	return rt.Eval(bufferSourceJS)
}
