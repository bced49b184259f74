package httpserver

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nanojs/nano/internal/app"
	"github.com/nanojs/nano/internal/core"
	"github.com/nanojs/nano/internal/metrics"
	"github.com/nanojs/nano/internal/registry"
)

type fakeSourceLoader struct{}

func (fakeSourceLoader) LoadSource(path string) (string, error) {
	return "export default { fetch() {} }", nil
}

type fakeHost struct {
	status int
	body   string
}

func (h *fakeHost) EnsureSource(hostname string) error                   { return nil }
func (h *fakeHost) CompileAndCache(hostname string, source string) error { return nil }
func (h *fakeHost) InvalidatePool(hostname string)                       {}
func (h *fakeHost) SetLimits(hostname string, limits app.AppLimits)      {}
func (h *fakeHost) MemoryPercent(hostname string) float64                { return 0 }

func (h *fakeHost) Execute(hostname string, env *core.Env, req *core.WorkerRequest) *core.WorkerResult {
	return &core.WorkerResult{
		Response: &core.WorkerResponse{
			StatusCode: h.status,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       []byte(h.body),
		},
	}
}

func newTestServer(t *testing.T, host *fakeHost, adminEnabled bool) (*Server, func()) {
	t.Helper()
	reg := registry.New(fakeSourceLoader{})
	if err := reg.Add(registry.Spec{Hostname: "a.example", Path: "/apps/a"}, host); err != nil {
		t.Fatalf("Add: %v", err)
	}
	m := metrics.New("nano_test")
	srv := New(reg, m, nil, adminEnabled)

	go srv.ListenAndServe("127.0.0.1:0")
	// Wait for the listener to come up.
	deadline := time.Now().Add(time.Second)
	for srv.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if srv.Addr() == "" {
		t.Fatal("server did not start listening")
	}
	return srv, func() { srv.Shutdown() }
}

func sendRaw(t *testing.T, addr, request string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var sb strings.Builder
	r := bufio.NewReader(conn)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return sb.String()
}

func TestHealth(t *testing.T) {
	srv, stop := newTestServer(t, &fakeHost{status: 200, body: "ok"}, false)
	defer stop()

	resp := sendRaw(t, srv.Addr(), "GET /health HTTP/1.1\r\nHost: a.example\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK") {
		t.Fatalf("unexpected status line: %q", resp)
	}
	if !strings.Contains(resp, `{"status":"ok"}`) {
		t.Fatalf("unexpected body: %q", resp)
	}
}

func TestAppRouting(t *testing.T) {
	srv, stop := newTestServer(t, &fakeHost{status: 200, body: "Hello from NANO!"}, false)
	defer stop()

	resp := sendRaw(t, srv.Addr(), "GET / HTTP/1.1\r\nHost: a.example\r\n\r\n")
	if !strings.Contains(resp, "Hello from NANO!") {
		t.Fatalf("unexpected body: %q", resp)
	}
	if !strings.Contains(resp, "Connection: close") {
		t.Fatalf("missing Connection: close: %q", resp)
	}
}

func TestUnknownHostFallsBackToDefault(t *testing.T) {
	srv, stop := newTestServer(t, &fakeHost{status: 200, body: "app-a"}, false)
	defer stop()

	resp := sendRaw(t, srv.Addr(), "GET / HTTP/1.1\r\nHost: c.local\r\n\r\n")
	if !strings.Contains(resp, "app-a") {
		t.Fatalf("expected fallback to default app, got: %q", resp)
	}
}

func TestDrainReturns503(t *testing.T) {
	host := &fakeHost{status: 200, body: "app-a"}
	reg := registry.New(fakeSourceLoader{})
	if err := reg.Add(registry.Spec{Hostname: "a.example", Path: "/apps/a"}, host); err != nil {
		t.Fatalf("Add: %v", err)
	}
	m := metrics.New("nano_test_drain")
	srv := New(reg, m, nil, false)
	go srv.ListenAndServe("127.0.0.1:0")
	deadline := time.Now().Add(time.Second)
	for srv.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	defer srv.Shutdown()

	ds := reg.Drain("a.example")
	ds.Enter() // simulate an in-flight request so Remove blocks on drain below.
	go reg.Remove("a.example")
	time.Sleep(20 * time.Millisecond)

	resp := sendRaw(t, srv.Addr(), "GET / HTTP/1.1\r\nHost: a.example\r\n\r\n")
	if !strings.Contains(resp, "503") || !strings.Contains(resp, "Service draining") {
		t.Fatalf("expected 503 draining response, got: %q", resp)
	}
	ds.Exit()
}

func TestMalformedRequestLine(t *testing.T) {
	srv, stop := newTestServer(t, &fakeHost{status: 200, body: "ok"}, false)
	defer stop()

	resp := sendRaw(t, srv.Addr(), "NOT A REQUEST\r\n\r\n")
	if !strings.Contains(resp, "400") {
		t.Fatalf("expected 400 for malformed request line, got: %q", resp)
	}
}

func TestAdminEndpointsDisabledByDefault(t *testing.T) {
	srv, stop := newTestServer(t, &fakeHost{status: 200, body: "ok"}, false)
	defer stop()

	resp := sendRaw(t, srv.Addr(), "GET /admin/apps HTTP/1.1\r\nHost: a.example\r\n\r\n")
	// Admin disabled: /admin/ falls through to app routing, not a 404 admin response.
	if strings.Contains(resp, `"unknown admin endpoint"`) {
		t.Fatalf("admin endpoint should not be reachable when disabled: %q", resp)
	}
}

func TestAdminListApps(t *testing.T) {
	srv, stop := newTestServer(t, &fakeHost{status: 200, body: "ok"}, true)
	defer stop()

	resp := sendRaw(t, srv.Addr(), "GET /admin/apps HTTP/1.1\r\nHost: a.example\r\n\r\n")
	if !strings.Contains(resp, "a.example") {
		t.Fatalf("expected a.example in admin apps listing: %q", resp)
	}
}

func TestParseRawRequest(t *testing.T) {
	req, err := parseRawRequest([]byte("POST /json HTTP/1.1\r\nHost: Example.com:8080\r\nContent-Type: text/plain\r\n\r\nbody-bytes"))
	if err != nil {
		t.Fatalf("parseRawRequest: %v", err)
	}
	if req.method != "POST" || req.path != "/json" || req.version != "HTTP/1.1" {
		t.Fatalf("unexpected request line fields: %+v", req)
	}
	if req.host != "example.com" {
		t.Fatalf("host = %q, want lowercased port-stripped example.com", req.host)
	}
	if string(req.body) != "body-bytes" {
		t.Fatalf("body = %q", req.body)
	}
}

func TestParseRawRequestMalformed(t *testing.T) {
	if _, err := parseRawRequest([]byte("garbage\r\n\r\n")); err == nil {
		t.Fatal("expected error for malformed request line")
	}
}
