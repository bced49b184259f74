// Package httpserver implements NANO's HTTP Dispatcher: a single-threaded
// TCP accept loop that parses requests by hand off the wire (rather than
// net/http) so the server can guarantee canonical reason phrases,
// Connection: close, and no keep-alive, and so hostname routing, draining,
// and admin endpoints sit in one place ahead of any app's handler.
package httpserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nanojs/nano/internal/core"
	"github.com/nanojs/nano/internal/metrics"
	"github.com/nanojs/nano/internal/obslog"
	"github.com/nanojs/nano/internal/registry"
)

// maxRequestBytes bounds the single read() call the dispatcher makes per
// connection, per spec: "Read up to 8 KiB."
const maxRequestBytes = 8 << 10

// connReadDeadline bounds how long the dispatcher waits for a client to
// finish sending its request line and headers. The accept loop is
// single-threaded, so a stalled client must not be allowed to wedge it.
const connReadDeadline = 10 * time.Second

// shutdownDrainDeadline bounds how long graceful shutdown waits for
// in-flight requests across all apps before the process tears down.
const shutdownDrainDeadline = 30 * time.Second

// Reloader re-reads the config file and applies the result to the
// registry. Supplied by the CLI layer, which owns the config path and the
// concrete app.Host/source-loader wiring.
type Reloader interface {
	Reload() error
}

// Server is NANO's HTTP Dispatcher (C7). One Server exists per process.
type Server struct {
	addr         string
	listener     net.Listener
	reg          *registry.Registry
	metrics      *metrics.Metrics
	reloader     Reloader
	adminEnabled bool

	running atomic.Bool
}

// New creates a Server bound to no listener yet; call ListenAndServe to
// start accepting connections.
func New(reg *registry.Registry, m *metrics.Metrics, reloader Reloader, adminEnabled bool) *Server {
	return &Server{reg: reg, metrics: m, reloader: reloader, adminEnabled: adminEnabled}
}

// ListenAndServe binds addr (host:port) and runs the accept loop until
// Shutdown is called or the listener errors. Connections are handled one
// at a time on the calling goroutine; there is no per-connection goroutine
// fan-out.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()
	s.listener = ln
	s.running.Store(true)

	for s.running.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() {
				return nil
			}
			obslog.Op().Warn("accept failed", "error", err)
			continue
		}
		if !s.running.Load() {
			conn.Close()
			return nil
		}
		s.handleConn(conn)
	}
	return nil
}

// Addr returns the address the listener is bound to, once ListenAndServe
// has started. Used by tests and by the CLI to report the chosen port
// when addr was ":0".
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown stops the accept loop and closes the listener, then marks every
// app draining and waits up to shutdownDrainDeadline for in-flight requests
// to finish before returning. No new connections are accepted during the
// wait, so no request is answered with a 503 while it lasts.
func (s *Server) Shutdown() {
	s.running.Store(false)
	if s.listener != nil {
		// Unblock the accept loop's blocking call.
		if conn, err := net.Dial("tcp", s.addr); err == nil {
			conn.Close()
		}
		s.listener.Close()
	}
	s.reg.DrainAll(shutdownDrainDeadline)
}

// handleConn reads one request, dispatches it, writes one response, and
// closes the connection — no keep-alive. No separate event-loop tick runs
// here after the write: app.Host.Execute already drains its worker's
// event loop to completion (timers, fetch completions, microtasks) before
// returning, so there is nothing left pending by the time the response is
// written.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	start := time.Now()

	conn.SetDeadline(start.Add(connReadDeadline))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return
	}
	raw := buf[:n]

	requestID := uuid.NewString()

	req, parseErr := parseRawRequest(raw)
	remoteAddr := conn.RemoteAddr().String()
	if parseErr != nil {
		s.writeResponse(conn, 400, "text/plain", []byte("Bad Request"))
		s.logAccess(requestID, remoteAddr, "", "", "", 400, 11, start)
		return
	}

	status, body, contentType := s.dispatch(req)
	s.writeResponse(conn, status, contentType, body)
	s.logAccess(requestID, remoteAddr, req.method, req.path, req.version, status, len(body), start)
}

func (s *Server) logAccess(requestID, remoteAddr, method, path, proto string, status, bytes int, start time.Time) {
	obslog.LogAccess(obslog.AccessEntry{
		RequestID:  requestID,
		RemoteAddr: remoteAddr,
		Method:     method,
		Path:       path,
		Proto:      proto,
		Status:     status,
		Bytes:      bytes,
		Time:       start,
	})
}

// rawRequest is the result of the hand-rolled wire parse.
type rawRequest struct {
	method  string
	path    string
	version string
	host    string
	headers map[string]string
	body    []byte
}

// parseRawRequest implements the dispatcher's wire-level parse: the
// request line, a case-insensitive Host-header scan with port stripped,
// and a body split on the first blank line. It never reads past what the
// single Read call already delivered.
func parseRawRequest(raw []byte) (*rawRequest, error) {
	text := string(raw)

	headerEnd := strings.Index(text, "\r\n\r\n")
	var headerBlock, body string
	if headerEnd >= 0 {
		headerBlock = text[:headerEnd]
		body = text[headerEnd+4:]
	} else {
		headerBlock = text
	}

	lines := strings.Split(headerBlock, "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("empty request")
	}

	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("malformed request line %q", lines[0])
	}

	req := &rawRequest{
		method:  parts[0],
		path:    parts[1],
		version: parts[2],
		headers: make(map[string]string),
		body:    []byte(body),
	}

	for _, line := range lines[1:] {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		req.headers[name] = value
		if name == "host" {
			req.host = strings.ToLower(stripPort(value))
		}
	}

	return req, nil
}

// stripPort trims a trailing :port from a Host header value, preserving
// bracketed IPv6 literals.
func stripPort(host string) string {
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		if !strings.Contains(host, "]") || idx > strings.LastIndex(host, "]") {
			return host[:idx]
		}
	}
	return host
}

// dispatch routes a parsed request to a built-in endpoint, an admin
// endpoint, or an app, returning the status, body, and content type to
// write back.
func (s *Server) dispatch(req *rawRequest) (status int, body []byte, contentType string) {
	switch {
	case req.path == "/health" || req.path == "/healthz":
		return 200, []byte(`{"status":"ok"}`), "application/json"
	case req.path == "/metrics":
		return s.serveMetrics()
	case s.adminEnabled && strings.HasPrefix(req.path, "/admin/"):
		return s.serveAdmin(req)
	default:
		return s.serveApp(req)
	}
}

// serveMetrics renders the Prometheus handler into an in-memory recorder
// and forwards its body and content type onto the raw connection — the
// dispatcher owns the wire, the handler only owns the exposition format.
func (s *Server) serveMetrics() (int, []byte, string) {
	rec := httptest.NewRecorder()
	s.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	ct := rec.Header().Get("Content-Type")
	if ct == "" {
		ct = "text/plain"
	}
	return rec.Code, rec.Body.Bytes(), ct
}

// serveApp routes to an app by Host header, enforcing the drain check,
// and invokes the Request Executor.
func (s *Server) serveApp(req *rawRequest) (int, []byte, string) {
	a := s.reg.Route(req.host)
	if a == nil {
		return 404, []byte(`{"error":"No app configured for this host"}`), "application/json"
	}

	ds := s.reg.Drain(a.Hostname)
	if ds != nil && ds.IsDraining() {
		return 503, []byte(`{"error":"Service draining","retry_after_s":30}`), "application/json"
	}
	if ds != nil {
		ds.Enter()
		defer ds.Exit()
	}

	s.metrics.RequestStarted()
	defer s.metrics.RequestFinished()

	env := &core.Env{Vars: a.Env, Secrets: a.Secrets, Hostname: a.Hostname}
	workerReq := &core.WorkerRequest{
		Method:  req.method,
		URL:     req.path,
		Headers: req.headers,
		Body:    req.body,
	}

	execStart := time.Now()
	result := a.Host.Execute(a.Hostname, env, workerReq)
	s.metrics.RecordRequest(a.Hostname, metrics.StatusClass(resultStatus(result)), time.Since(execStart))

	for _, entry := range result.Logs {
		obslog.Op().Info(entry.Message, "level", entry.Level, "hostname", a.Hostname)
	}

	if result.Error != nil {
		return errorStatus(result.Error), errorBody(result.Error), "application/json"
	}

	resp := result.Response
	ct := ""
	for k, v := range resp.Headers {
		if strings.EqualFold(k, "Content-Type") {
			ct = v
			break
		}
	}
	if ct == "" {
		ct = "text/plain"
	}
	return resp.StatusCode, resp.Body, ct
}

func resultStatus(result *core.WorkerResult) int {
	if result.Error != nil {
		return errorStatus(result.Error)
	}
	if result.Response != nil {
		return result.Response.StatusCode
	}
	return 200
}

// errorStatus maps an execution error to its reported HTTP status. Errors
// are plain fmt.Errorf values distinguished by message, mirroring how
// app.Host.Execute reports them.
func errorStatus(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "timed out"):
		return 408
	case strings.Contains(msg, "memory limit exceeded"):
		return 503
	case strings.Contains(msg, "did not resolve in time"):
		return 500
	default:
		return 500
	}
}

func errorBody(err error) []byte {
	out, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return []byte(`{"error":"internal error"}`)
	}
	return out
}

// writeResponse writes a canonical status line, headers, and body to conn.
func (s *Server) writeResponse(conn net.Conn, status int, contentType string, body []byte) {
	reason := http.StatusText(status)
	if reason == "" {
		reason = "OK"
	}
	w := bufio.NewWriter(conn)
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, reason)
	fmt.Fprintf(w, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(w, "Content-Length: %d\r\n", len(body))
	io.WriteString(w, "Connection: close\r\n\r\n")
	w.Write(body)
	w.Flush()
}

// adminApp is one entry of GET /admin/apps's response body.
type adminApp struct {
	Hostname      string  `json:"hostname"`
	Path          string  `json:"path"`
	MemoryPercent float64 `json:"memory_percent"`
	TimeoutMs     int64   `json:"timeout_ms"`
}

// adminAddRequest is the body of POST /admin/apps.
type adminAddRequest struct {
	Hostname  string `json:"hostname"`
	Path      string `json:"path"`
	Name      string `json:"name"`
	TimeoutMs int64  `json:"timeout_ms"`
	MemoryMB  int    `json:"memory_mb"`
}

// serveAdmin dispatches the /admin/ endpoints. adminEnabled has already
// been checked by dispatch.
func (s *Server) serveAdmin(req *rawRequest) (int, []byte, string) {
	switch {
	case req.path == "/admin/apps" && req.method == http.MethodGet:
		return s.adminListApps()
	case req.path == "/admin/apps" && req.method == http.MethodPost:
		return s.adminAddApp(req.body)
	case strings.HasPrefix(req.path, "/admin/apps") && req.method == http.MethodDelete:
		return s.adminRemoveApp(req.path)
	case req.path == "/admin/reload" && req.method == http.MethodPost:
		return s.adminReload()
	case req.path == "/admin/health" && req.method == http.MethodGet:
		return 200, []byte(`{"status":"ok"}`), "application/json"
	default:
		return 404, []byte(`{"error":"unknown admin endpoint"}`), "application/json"
	}
}

func (s *Server) adminListApps() (int, []byte, string) {
	loaded := s.reg.List()
	out := make([]adminApp, 0, len(loaded))
	for _, a := range loaded {
		out = append(out, adminApp{
			Hostname:      a.Hostname,
			Path:          a.Path,
			MemoryPercent: a.Host.MemoryPercent(a.Hostname),
			TimeoutMs:     a.TimeoutMs,
		})
	}
	body, err := json.Marshal(map[string]any{"apps": out})
	if err != nil {
		return 500, []byte(`{"error":"internal error"}`), "application/json"
	}
	return 200, body, "application/json"
}

func (s *Server) adminAddApp(body []byte) (int, []byte, string) {
	var in adminAddRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return 400, errorBody(fmt.Errorf("invalid JSON body: %w", err)), "application/json"
	}
	hostname := in.Hostname
	if hostname == "" {
		hostname = in.Name
	}
	if hostname == "" || in.Path == "" {
		return 400, []byte(`{"error":"hostname (or name) and path are required"}`), "application/json"
	}
	if _, ok := s.reg.Snapshot()[hostname]; ok {
		return 409, []byte(`{"error":"hostname already loaded"}`), "application/json"
	}

	spec := registry.Spec{
		Hostname:  hostname,
		Path:      in.Path,
		TimeoutMs: in.TimeoutMs,
		MemoryMB:  in.MemoryMB,
	}
	if err := s.reg.Add(spec, s.host()); err != nil {
		return 400, errorBody(err), "application/json"
	}
	s.metrics.SetAppsLoaded(s.reg.Count())
	return 201, []byte(`{"status":"added"}`), "application/json"
}

func (s *Server) adminRemoveApp(path string) (int, []byte, string) {
	hostname := strings.ToLower(queryParam(path, "hostname"))
	if hostname == "" {
		return 400, []byte(`{"error":"hostname query parameter is required"}`), "application/json"
	}
	if _, ok := s.reg.Snapshot()[hostname]; !ok {
		return 404, []byte(`{"error":"unknown app"}`), "application/json"
	}
	if s.reg.Count() <= 1 {
		return 400, []byte(`{"error":"removing would leave zero apps"}`), "application/json"
	}
	s.metrics.RecordDrain()
	s.reg.Remove(hostname)
	s.metrics.SetAppsLoaded(s.reg.Count())
	return 200, []byte(`{"status":"removed"}`), "application/json"
}

func (s *Server) adminReload() (int, []byte, string) {
	if s.reloader == nil {
		return 500, []byte(`{"error":"reload is not configured"}`), "application/json"
	}
	if err := s.reloader.Reload(); err != nil {
		return 500, errorBody(err), "application/json"
	}
	s.metrics.SetAppsLoaded(s.reg.Count())
	return 200, []byte(`{"status":"reloaded"}`), "application/json"
}

// host returns the AppHost to use for admin-triggered Add/Replace calls.
// Every loaded app shares the same Host, so the first loaded app's Host is
// reused; callers of adminAddApp only reach here once at least one app
// already exists (single-app mode has no admin surface to add a second
// app from scratch without one).
func (s *Server) host() registry.AppHost {
	loaded := s.reg.List()
	if len(loaded) == 0 {
		return nil
	}
	return loaded[0].Host
}

// queryParam extracts a single query parameter's value from a raw path
// (e.g. "/admin/apps?hostname=foo.example"), without pulling in net/url's
// full parsing for a one-field lookup.
func queryParam(path, key string) string {
	idx := strings.Index(path, "?")
	if idx < 0 {
		return ""
	}
	query := path[idx+1:]
	for _, pair := range strings.Split(query, "&") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 && kv[0] == key {
			return kv[1]
		}
	}
	return ""
}
