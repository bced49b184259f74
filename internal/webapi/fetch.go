package webapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nanojs/nano/internal/core"
	"github.com/nanojs/nano/internal/eventloop"
)

// FetchSSRFEnabled controls whether the SSRF-safe dialer is used for fetch.
// Setting it to false makes loopback servers (e.g. httptest on 127.0.0.1)
// reachable.
var FetchSSRFEnabled = true

// ForbiddenFetchHeaders is the blocklist of headers a worker cannot set on
// an outgoing fetch — connection-management and proxy headers a tenant has
// no business overriding.
var ForbiddenFetchHeaders = map[string]bool{
	"host":                true,
	"transfer-encoding":   true,
	"connection":          true,
	"keep-alive":          true,
	"upgrade":             true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"x-forwarded-for":     true,
	"x-forwarded-host":    true,
	"x-forwarded-proto":   true,
	"x-real-ip":           true,
}

// FetchTransport is the http.RoundTripper used by fetch. Tests can override
// it to skip the SSRF dialer against a local httptest server.
var FetchTransport http.RoundTripper = &http.Transport{
	DialContext: ssrfSafeDialContext,
}

// fetchArgs is the JSON shape the fetchJS shim sends to __fetchStart — the
// request fully flattened into strings so it can cross the V8 boundary as
// one JSON blob instead of several separate RegisterFunc arguments.
type fetchArgs struct {
	URL          string `json:"url"`
	Method       string `json:"method"`
	HeadersJSON  string `json:"headersJSON"`
	Body         string `json:"body"`
	BodyIsBase64 bool   `json:"bodyIsBase64"`
	Redirect     string `json:"redirect"`
}

func (a fetchArgs) bodyReader() (io.Reader, error) {
	if a.Body == "" {
		return nil, nil
	}
	if !a.BodyIsBase64 {
		return strings.NewReader(a.Body), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(a.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch: decoding binary body: %s", err.Error())
	}
	return strings.NewReader(string(decoded)), nil
}

func (a fetchArgs) headers() (map[string]string, error) {
	if a.HeadersJSON == "" || a.HeadersJSON == "{}" {
		return nil, nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(a.HeadersJSON), &headers); err != nil {
		return nil, fmt.Errorf("fetch: parsing headers: %s", err.Error())
	}
	return headers, nil
}

// redirectPolicy builds the http.Client.CheckRedirect matching fetch()'s
// redirect mode ("follow"/"manual"/"error"), re-running the SSRF host check
// on every hop so a redirect can't be used to reach a private address that
// the original URL check already rejected.
func redirectPolicy(mode string) func(req *http.Request, via []*http.Request) error {
	switch mode {
	case "manual":
		return func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	case "error":
		return func(*http.Request, []*http.Request) error {
			return fmt.Errorf("fetch failed: redirect mode is 'error'")
		}
	default:
		return func(req *http.Request, via []*http.Request) error {
			if len(via) >= 20 {
				return fmt.Errorf("too many redirects")
			}
			if FetchSSRFEnabled && IsPrivateHostname(req.URL.String()) {
				return fmt.Errorf("BlockedHost: redirect to private IP address is not allowed")
			}
			return nil
		}
	}
}

// dispatchFetch runs the HTTP round trip on its own goroutine and posts the
// outcome to resultCh, from which EventLoop.DrainPendingFetches delivers it
// back into JS. reqID/fetchID are only used to release the cancel-func
// bookkeeping in core.RequestState once the round trip finishes.
func dispatchFetch(client *http.Client, httpReq *http.Request, reqID, fetchID, redirectMode, requestedURL string, fetchCtx context.Context, cancel context.CancelFunc, maxBytes int64) <-chan eventloop.FetchResult {
	resultCh := make(chan eventloop.FetchResult, 1)
	go func() {
		defer cancel()
		resp, err := client.Do(httpReq)
		if err != nil {
			core.RemoveFetchCancel(reqID, fetchID)
			switch {
			case redirectMode == "error":
				resultCh <- eventloop.FetchResult{Err: fmt.Errorf("fetch failed: redirect mode is 'error'"), ErrName: "ConnectionFailed"}
			case fetchCtx.Err() != nil:
				resultCh <- eventloop.FetchResult{Err: fmt.Errorf("The operation was aborted."), ErrName: "AbortError"}
			default:
				resultCh <- eventloop.FetchResult{Err: fmt.Errorf("fetch: %s", err.Error()), ErrName: "ConnectionFailed"}
			}
			return
		}
		defer func() { _ = resp.Body.Close() }()
		core.RemoveFetchCancel(reqID, fetchID)

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
		if err != nil {
			resultCh <- eventloop.FetchResult{Err: fmt.Errorf("fetch: reading body: %s", err.Error())}
			return
		}
		if int64(len(respBody)) > maxBytes {
			respBody = respBody[:maxBytes]
		}

		respHeaders := make(map[string]string, len(resp.Header))
		for k, vals := range resp.Header {
			respHeaders[strings.ToLower(k)] = strings.Join(vals, ", ")
		}
		hdrsJSON, _ := json.Marshal(respHeaders)

		finalURL := requestedURL
		if resp.Request != nil && resp.Request.URL != nil {
			finalURL = resp.Request.URL.String()
		}

		resultCh <- eventloop.FetchResult{
			Status:      resp.StatusCode,
			StatusText:  resp.Status,
			HeadersJSON: string(hdrsJSON),
			BodyB64:     base64.StdEncoding.EncodeToString(respBody),
			Redirected:  finalURL != requestedURL,
			FinalURL:    finalURL,
		}
	}()
	return resultCh
}

// SetupFetch registers the Go-backed __fetchStart/__fetchAbort helpers and
// evaluates the fetch() JS shim on top of them.
func SetupFetch(rt core.JSRuntime, cfg core.EngineConfig, el *eventloop.EventLoop) error {
	timeout := time.Duration(cfg.FetchTimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBytes := int64(cfg.MaxResponseBytes)
	if maxBytes == 0 {
		maxBytes = 10 * 1024 * 1024
	}

	if err := rt.RegisterFunc("__fetchStart", func(reqIDStr, argsJSON string) (string, error) {
		reqID := core.ParseReqID(reqIDStr)
		state := core.GetRequestState(reqID)
		if state != nil && state.FetchCount >= state.MaxFetches {
			return "", fmt.Errorf("exceeded maximum fetch requests (%d)", state.MaxFetches)
		}
		if state != nil {
			state.FetchCount++
		}

		var args fetchArgs
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("fetch: parsing arguments: %s", err.Error())
		}
		if args.URL == "" {
			return "", fmt.Errorf("fetch requires at least 1 argument")
		}
		if FetchSSRFEnabled && IsPrivateHostname(args.URL) {
			return "", fmt.Errorf("BlockedHost: fetch to private IP addresses is not allowed")
		}

		headers, err := args.headers()
		if err != nil {
			return "", err
		}
		bodyReader, err := args.bodyReader()
		if err != nil {
			return "", err
		}

		fetchCtx, fetchCancel := context.WithCancel(context.Background())
		fetchID := core.RegisterFetchCancel(reqID, fetchCancel)

		httpReq, err := http.NewRequestWithContext(fetchCtx, args.Method, args.URL, bodyReader)
		if err != nil {
			fetchCancel()
			core.RemoveFetchCancel(reqID, fetchID)
			return "", fmt.Errorf("fetch: %s", err.Error())
		}
		for k, v := range headers {
			if ForbiddenFetchHeaders[strings.ToLower(k)] {
				continue
			}
			httpReq.Header.Set(k, v)
		}

		redirectMode := args.Redirect
		if redirectMode == "" {
			redirectMode = "follow"
		}
		client := &http.Client{
			Timeout:       timeout,
			Transport:     FetchTransport,
			CheckRedirect: redirectPolicy(redirectMode),
		}

		resultCh := dispatchFetch(client, httpReq, reqID, fetchID, redirectMode, args.URL, fetchCtx, fetchCancel, maxBytes)
		el.AddPendingFetch(&eventloop.PendingFetch{ResultCh: resultCh, FetchID: fetchID})
		return fetchID, nil
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__fetchAbort", func(reqIDStr, fetchID string) {
		core.CallFetchCancel(core.ParseReqID(reqIDStr), fetchID)
	}); err != nil {
		return err
	}

	return rt.Eval(fetchJS)
}

// fetchJS defines the global fetch() function and its resolve/reject
// handlers. The heavy lifting (the actual HTTP call, SSRF checks, body
// buffering) all happens in Go; this shim's job is building the args blob
// __fetchStart expects and wiring the returned fetchID to a Promise.
const fetchJS = `
(function() {
globalThis.__fetchPromises = {};

globalThis.fetch = function(input, init) {
	var reqID = String(globalThis.__requestID || '');
	var url = '', method = 'GET', headers = {}, body = '', bodyIsBase64 = false;
	var redirect = 'follow', signalAborted = false, signal = null;

	function extractBody(b) {
		if (b == null) return;
		if (b instanceof ArrayBuffer || ArrayBuffer.isView(b)) {
			body = __bufferSourceToB64(b);
			bodyIsBase64 = true;
		} else if (b instanceof ReadableStream && b._queue) {
			var chunks = [];
			for (var i = 0; i < b._queue.length; i++) {
				var c = b._queue[i];
				if (typeof c === 'string') {
					var enc = new TextEncoder();
					var bytes = enc.encode(c);
					for (var j = 0; j < bytes.length; j++) chunks.push(bytes[j]);
				} else if (c instanceof Uint8Array || ArrayBuffer.isView(c)) {
					var arr = new Uint8Array(c.buffer || c, c.byteOffset || 0, c.byteLength || c.length);
					for (var j2 = 0; j2 < arr.length; j2++) chunks.push(arr[j2]);
				} else if (c instanceof ArrayBuffer) {
					var arr2 = new Uint8Array(c);
					for (var j3 = 0; j3 < arr2.length; j3++) chunks.push(arr2[j3]);
				} else {
					var s = String(c);
					for (var j4 = 0; j4 < s.length; j4++) chunks.push(s.charCodeAt(j4) & 0xFF);
				}
			}
			b._queue = [];
			if (chunks.length > 0) {
				body = __bufferSourceToB64(new Uint8Array(chunks));
				bodyIsBase64 = true;
			}
		} else {
			body = String(b);
		}
	}

	if (typeof input === 'string') {
		url = input;
	} else if (input instanceof URL) {
		url = input.toString();
	} else if (input && typeof input === 'object') {
		url = input.url || '';
		method = input.method || 'GET';
		if (input.headers) {
			if (input.headers._map) {
				var m = input.headers._map;
				for (var k in m) { if (m.hasOwnProperty(k)) headers[k] = String(m[k]); }
			} else if (typeof input.headers.forEach === 'function') {
				input.headers.forEach(function(v, k) { headers[k] = v; });
			}
		}
		if (input._body != null) extractBody(input._body);
		if (input.redirect !== undefined) redirect = String(input.redirect);
		if (input.signal) { signal = input.signal; if (input.signal.aborted) signalAborted = true; }
	}

	if (init && typeof init === 'object') {
		if (init.method !== undefined) method = String(init.method).toUpperCase();
		if (init.headers) {
			var src;
			if (init.headers instanceof Headers) {
				src = {};
				init.headers.forEach(function(v, k) { src[k] = v; });
			} else if (init.headers._map) {
				src = init.headers._map;
			} else {
				src = init.headers;
			}
			if (typeof src === 'object') {
				for (var k2 in src) { if (src.hasOwnProperty(k2)) headers[k2.toLowerCase()] = String(src[k2]); }
			}
		}
		if (init.body != null) extractBody(init.body);
		if (init.redirect !== undefined) redirect = String(init.redirect);
		if (init.signal) { signal = init.signal; if (init.signal.aborted) signalAborted = true; }
	}

	if (!method) method = 'GET';

	if (signalAborted) {
		return Promise.reject(new DOMException('The operation was aborted.', 'AbortError'));
	}

	var headersJSON = JSON.stringify(headers);
	var argsJSON = JSON.stringify({
		url: url, method: method, headersJSON: headersJSON,
		body: body || '', bodyIsBase64: bodyIsBase64,
		redirect: redirect
	});

	return new Promise(function(resolve, reject) {
		try {
			var fetchID = __fetchStart(reqID, argsJSON);
			globalThis.__fetchPromises[fetchID] = { resolve: resolve, reject: reject };
		} catch(e) {
			var msg = (e && e.message) || String(e);
			if (msg.indexOf('private IP') !== -1 || msg.indexOf('BlockedHost') !== -1) {
				reject(new DOMException(msg, 'BlockedHost'));
			} else {
				reject(e);
			}
			return;
		}
		try {

			if (signal && !signal.aborted) {
				signal.addEventListener('abort', function onAbort() {
					signal.removeEventListener('abort', onAbort);
					__fetchAbort(reqID, fetchID);
					var p = globalThis.__fetchPromises[fetchID];
					if (p) {
						delete globalThis.__fetchPromises[fetchID];
						p.reject(new DOMException('The operation was aborted.', 'AbortError'));
					}
				});
			}
		} catch(e) { reject(e); }
	});
};

globalThis.__fetchResolve = function(fetchID, status, statusText, headersJSON, bodyB64, redirected, finalURL) {
	var p = globalThis.__fetchPromises[fetchID];
	delete globalThis.__fetchPromises[fetchID];
	if (!p) return;
	try {
		var hdrs = JSON.parse(headersJSON);
		var body = null;
		if (bodyB64 && bodyB64.length > 0) {
			var buf = __b64ToBuffer(bodyB64);
			var ct = (hdrs['content-type'] || '').toLowerCase();
			if (ct.indexOf('text/') === 0 || ct.indexOf('application/json') !== -1 ||
			    ct.indexOf('application/xml') !== -1 || ct.indexOf('application/javascript') !== -1 ||
			    ct.indexOf('application/x-www-form-urlencoded') !== -1) {
				body = new TextDecoder().decode(buf);
			} else {
				body = buf;
			}
		}
		var r = new Response(body, {status: status, statusText: statusText, headers: hdrs});
		if (redirected) {
			Object.defineProperty(r, 'redirected', {value: true, writable: false});
		}
		Object.defineProperty(r, 'url', {value: finalURL || '', writable: false});
		p.resolve(r);
	} catch(e) { p.reject(e); }
};

globalThis.__fetchReject = function(fetchID, errMsg, errName) {
	var p = globalThis.__fetchPromises[fetchID];
	delete globalThis.__fetchPromises[fetchID];
	if (p) p.reject(new DOMException(errMsg, errName || 'ConnectionFailed'));
};
})();
`
