package webapi

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/nanojs/nano/internal/core"
	"github.com/nanojs/nano/internal/eventloop"
)

// urlJS defines URL, URLSearchParams, TextEncoder, and TextDecoder. URL
// parsing itself is delegated to __parseURL (Go's net/url), matching the
// contract in spec §1: the host owns URL correctness, the JS class is a thin
// property wrapper around it.
const urlJS = `
class URL {
	constructor(input, base) {
		const parsed = JSON.parse(__parseURL(input, base || ''));
		if (parsed.error) throw new TypeError(parsed.error);
		this.href = parsed.href;
		this.protocol = parsed.protocol;
		this.hostname = parsed.hostname;
		this.port = parsed.port;
		this.pathname = parsed.pathname;
		this.search = parsed.search;
		this.hash = parsed.hash;
		this.origin = parsed.origin;
		this.host = parsed.host;
		this.username = parsed.username || '';
		this.password = parsed.password || '';
		this.searchParams = new URLSearchParams(this.search);
		this.searchParams._url = this;
	}
	toString() { return this.href; }
	static canParse(url, base) {
		try {
			if (url === null || url === undefined) url = String(url);
			if (base !== undefined && base !== null) base = String(base);
			new URL(url, base);
			return true;
		} catch {
			return false;
		}
	}
}

class URLSearchParams {
	constructor(init) {
		this._entries = [];
		if (typeof init === 'string') {
			const s = init.startsWith('?') ? init.slice(1) : init;
			if (s) {
				for (const pair of s.split('&')) {
					const [k, ...rest] = pair.split('=');
					this._entries.push([decodeURIComponent(k.replace(/\+/g, '%20')), decodeURIComponent(rest.join('=').replace(/\+/g, '%20'))]);
				}
			}
		}
	}
	_sync() {
		if (!this._url) return;
		const s = this.toString();
		this._url.search = s ? '?' + s : '';
		this._url.href = this._url.origin + this._url.pathname + this._url.search + this._url.hash;
	}
	get(name) {
		const e = this._entries.find(([k]) => k === name);
		return e ? e[1] : null;
	}
	getAll(name) { return this._entries.filter(([k]) => k === name).map(([, v]) => v); }
	has(name) { return this._entries.some(([k]) => k === name); }
	set(name, value) {
		const s = String(value);
		let found = false;
		const filtered = [];
		for (const entry of this._entries) {
			if (entry[0] === name) {
				if (!found) { filtered.push([name, s]); found = true; }
			} else {
				filtered.push(entry);
			}
		}
		if (!found) filtered.push([name, s]);
		this._entries = filtered;
		this._sync();
	}
	append(name, value) {
		this._entries.push([name, String(value)]);
		this._sync();
	}
	delete(name) {
		this._entries = this._entries.filter(([k]) => k !== name);
		this._sync();
	}
	sort() {
		this._entries.sort((a, b) => a[0] < b[0] ? -1 : a[0] > b[0] ? 1 : 0);
		this._sync();
	}
	toString() { return this._entries.map(([k, v]) => encodeURIComponent(k) + '=' + encodeURIComponent(v)).join('&'); }
	forEach(cb) { for (const [k, v] of this._entries) cb(v, k, this); }
	entries() { return this._entries[Symbol.iterator](); }
	keys() { return this._entries.map(([k]) => k)[Symbol.iterator](); }
	values() { return this._entries.map(([, v]) => v)[Symbol.iterator](); }
}

globalThis.URL = URL;
globalThis.URLSearchParams = URLSearchParams;
`

// textEncodingJS defines TextEncoder/TextDecoder. TextEncoder is only
// installed if the engine doesn't already provide a faster built-in one.
const textEncodingJS = `
if (typeof TextEncoder === 'undefined') {
	globalThis.TextEncoder = class TextEncoder {
		encode(str) {
			str = String(str);
			const buf = [];
			for (let i = 0; i < str.length; i++) {
				let c = str.charCodeAt(i);
				if (c < 0x80) {
					buf.push(c);
				} else if (c < 0x800) {
					buf.push(0xc0 | (c >> 6), 0x80 | (c & 0x3f));
				} else if (c >= 0xd800 && c <= 0xdbff && i + 1 < str.length) {
					const next = str.charCodeAt(++i);
					const cp = ((c - 0xd800) << 10) + (next - 0xdc00) + 0x10000;
					buf.push(0xf0 | (cp >> 18), 0x80 | ((cp >> 12) & 0x3f), 0x80 | ((cp >> 6) & 0x3f), 0x80 | (cp & 0x3f));
				} else {
					buf.push(0xe0 | (c >> 12), 0x80 | ((c >> 6) & 0x3f), 0x80 | (c & 0x3f));
				}
			}
			return new Uint8Array(buf);
		}
	};
}

globalThis.TextDecoder = class TextDecoder {
	constructor(encoding, options) {
		let label = (encoding || 'utf-8').toLowerCase().trim();
		if (label === 'utf8' || label === 'unicode-1-1-utf-8') label = 'utf-8';
		else if (['latin1', 'iso-8859-1', 'ascii', 'us-ascii', 'iso8859-1', 'iso_8859-1'].indexOf(label) !== -1) label = 'windows-1252';
		this._encoding = label;
		this._fatal = !!(options && options.fatal);
		this._ignoreBOM = !!(options && options.ignoreBOM);
		this._bomSeen = false;
		this._pending = [];
	}
	get encoding() { return this._encoding; }
	get fatal() { return this._fatal; }
	get ignoreBOM() { return this._ignoreBOM; }
	decode(buf, options) {
		const stream = !!(options && options.stream);
		let incoming;
		if (!buf) incoming = new Uint8Array(0);
		else if (buf instanceof ArrayBuffer) incoming = new Uint8Array(buf);
		else if (ArrayBuffer.isView(buf)) incoming = new Uint8Array(buf.buffer, buf.byteOffset, buf.byteLength);
		else incoming = new Uint8Array(buf);

		let bytes;
		if (this._pending.length > 0) {
			bytes = new Uint8Array(this._pending.length + incoming.length);
			bytes.set(this._pending);
			bytes.set(incoming, this._pending.length);
			this._pending = [];
		} else {
			bytes = incoming;
		}

		let start = 0;
		if (!this._bomSeen) {
			if (bytes.length >= 3) {
				if (!this._ignoreBOM && bytes[0] === 0xEF && bytes[1] === 0xBB && bytes[2] === 0xBF) start = 3;
				this._bomSeen = true;
			} else if (!stream) {
				this._bomSeen = true;
			}
		}

		const fatal = this._fatal;
		function fail() { if (fatal) throw new TypeError('The encoded data was not valid utf-8'); }

		let result = '';
		let i = start;
		while (i < bytes.length) {
			const b = bytes[i];
			if (b < 0x80) { result += String.fromCharCode(b); i++; continue; }

			const seqLen = (b & 0xe0) === 0xc0 ? 2 : (b & 0xf0) === 0xe0 ? 3 : (b & 0xf8) === 0xf0 ? 4 : 0;
			if (seqLen === 0) { fail(); result += '�'; i++; continue; }
			if (i + seqLen - 1 >= bytes.length) {
				if (stream) { this._pending = Array.from(bytes.subarray(i)); break; }
				fail(); result += '�'; i++; continue;
			}
			let ok = true, cp = b & (0xff >> (seqLen + 1));
			for (let k = 1; k < seqLen; k++) {
				const cont = bytes[i + k];
				if ((cont & 0xc0) !== 0x80) { ok = false; break; }
				cp = (cp << 6) | (cont & 0x3f);
			}
			if (!ok) { fail(); result += '�'; i++; continue; }
			result += String.fromCodePoint(cp);
			i += seqLen;
		}
		return result;
	}
};
`

// URLParsed is the JSON structure returned by __parseURL.
type URLParsed struct {
	Href     string `json:"href"`
	Protocol string `json:"protocol"`
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
	Pathname string `json:"pathname"`
	Search   string `json:"search"`
	Hash     string `json:"hash"`
	Origin   string `json:"origin"`
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ParseURL parses rawURL (optionally resolved against base) with net/url and
// flattens the result into the fields the JS URL class exposes.
func ParseURL(rawURL, base string) (*URLParsed, error) {
	var u *url.URL
	var err error

	if base != "" {
		baseURL, berr := url.Parse(base)
		if berr != nil {
			return nil, fmt.Errorf("invalid base URL: %s", base)
		}
		ref, rerr := url.Parse(rawURL)
		if rerr != nil {
			return nil, fmt.Errorf("invalid URL: %s", rawURL)
		}
		u = baseURL.ResolveReference(ref)
	} else {
		u, err = url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("invalid URL: %s", rawURL)
		}
	}

	if u.Scheme == "" {
		return nil, fmt.Errorf("invalid URL: %s", rawURL)
	}

	protocol := u.Scheme + ":"
	hostname := u.Hostname()
	port := u.Port()
	host := hostname
	if port != "" {
		host = hostname + ":" + port
	}
	origin := protocol + "//" + host
	search := ""
	if u.RawQuery != "" {
		search = "?" + u.RawQuery
	}
	hash := ""
	if u.Fragment != "" {
		hash = "#" + u.Fragment
	}

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	pathname := u.Path
	if pathname == "" {
		pathname = "/"
	}

	userInfo := ""
	if u.User != nil {
		userInfo = u.User.String() + "@"
	}
	href := protocol + "//" + userInfo + host + pathname + search + hash

	return &URLParsed{
		Href: href, Protocol: protocol, Hostname: hostname, Port: port,
		Pathname: pathname, Search: search, Hash: hash, Origin: origin,
		Host: host, Username: username, Password: password,
	}, nil
}

// SetupURL registers the Go-backed URL parser and evaluates the URL,
// URLSearchParams, TextEncoder, and TextDecoder classes.
func SetupURL(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__parseURL", func(rawURL, base string) (string, error) {
		parsed, err := ParseURL(rawURL, base)
		if err != nil {
			return fmt.Sprintf(`{"error":%q}`, err.Error()), nil
		}
		data, _ := json.Marshal(parsed)
		return string(data), nil
	}); err != nil {
		return err
	}
	if err := rt.Eval(urlJS); err != nil {
		return fmt.Errorf("evaluating url.js: %w", err)
	}
	return rt.Eval(textEncodingJS)
}
