package registry

import (
	"testing"
	"time"

	"github.com/nanojs/nano/internal/app"
	"github.com/nanojs/nano/internal/core"
)

type stubSourceLoader struct {
	source string
	err    error
}

func (s *stubSourceLoader) LoadSource(path string) (string, error) {
	return s.source, s.err
}

type stubHost struct {
	compiled   map[string]string
	invalidate map[string]bool
}

func newStubHost() *stubHost {
	return &stubHost{compiled: map[string]string{}, invalidate: map[string]bool{}}
}

func (h *stubHost) EnsureSource(hostname string) error { return nil }

func (h *stubHost) CompileAndCache(hostname, source string) error {
	h.compiled[hostname] = source
	return nil
}

func (h *stubHost) InvalidatePool(hostname string) {
	h.invalidate[hostname] = true
}

func (h *stubHost) SetLimits(hostname string, limits app.AppLimits) {}

func (h *stubHost) Execute(hostname string, env *core.Env, req *core.WorkerRequest) *core.WorkerResult {
	return &core.WorkerResult{Response: &core.WorkerResponse{StatusCode: 200, Body: []byte("ok")}}
}

func (h *stubHost) MemoryPercent(hostname string) float64 { return 0 }

func TestNormalizeHost(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Example.com", "example.com"},
		{"example.com:8080", "example.com"},
		{"[::1]:8080", "[::1]"},
		{"  example.com  ", "example.com"},
	}
	for _, c := range cases {
		if got := normalizeHost(c.in); got != c.want {
			t.Errorf("normalizeHost(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRoute_DefaultFallback(t *testing.T) {
	reg := New(&stubSourceLoader{source: "export default { fetch() {} }"})
	host := newStubHost()

	if app := reg.Route("anything.example"); app != nil {
		t.Fatalf("Route on empty registry = %v, want nil", app)
	}

	if err := reg.Add(Spec{Hostname: "a.example", Path: "/apps/a"}, host); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if app := reg.Route("a.example"); app == nil || app.Hostname != "a.example" {
		t.Fatalf("Route(a.example) = %v, want app a.example", app)
	}

	if app := reg.Route("unknown.example"); app == nil || app.Hostname != "a.example" {
		t.Fatalf("Route(unknown) = %v, want default app a.example", app)
	}
}

func TestRoute_ExactMatchBeatsDefault(t *testing.T) {
	reg := New(&stubSourceLoader{source: "export default { fetch() {} }"})
	host := newStubHost()

	if err := reg.Add(Spec{Hostname: "a.example", Path: "/apps/a"}, host); err != nil {
		t.Fatalf("Add a: %v", err)
	}
	if err := reg.Add(Spec{Hostname: "b.example", Path: "/apps/b"}, host); err != nil {
		t.Fatalf("Add b: %v", err)
	}

	if app := reg.Route("b.example"); app == nil || app.Hostname != "b.example" {
		t.Fatalf("Route(b.example) = %v, want app b.example", app)
	}
}

func TestRemove_DrainsBeforeTeardown(t *testing.T) {
	reg := New(&stubSourceLoader{source: "export default { fetch() {} }"})
	host := newStubHost()

	if err := reg.Add(Spec{Hostname: "a.example", Path: "/apps/a"}, host); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ds := reg.Drain("a.example")
	if ds == nil {
		t.Fatal("Drain returned nil for loaded app")
	}
	ds.Enter()

	done := make(chan struct{})
	go func() {
		reg.Remove("a.example")
		close(done)
	}()

	// The app should still be draining while the request is in flight.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Remove returned before active connection exited")
	default:
	}
	if !ds.IsDraining() {
		t.Fatal("drain state not marked draining")
	}

	ds.Exit()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Remove did not return after active connection exited")
	}

	if reg.Route("a.example") != nil {
		t.Fatal("app still routable after Remove completed")
	}
	if !host.invalidate["a.example"] {
		t.Fatal("InvalidatePool not called on Remove")
	}
}

func TestRemove_PromotesNewDefault(t *testing.T) {
	reg := New(&stubSourceLoader{source: "export default { fetch() {} }"})
	host := newStubHost()

	if err := reg.Add(Spec{Hostname: "a.example", Path: "/apps/a"}, host); err != nil {
		t.Fatalf("Add a: %v", err)
	}
	if err := reg.Add(Spec{Hostname: "b.example", Path: "/apps/b"}, host); err != nil {
		t.Fatalf("Add b: %v", err)
	}

	reg.Remove("a.example")

	if app := reg.Route("unknown.example"); app == nil || app.Hostname != "b.example" {
		t.Fatalf("Route(unknown) after promoting default = %v, want b.example", app)
	}
}

func TestReconcile_AddRemoveReplace(t *testing.T) {
	reg := New(&stubSourceLoader{source: "export default { fetch() {} }"})
	host := newStubHost()

	if err := reg.Add(Spec{Hostname: "a.example", Path: "/apps/a"}, host); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Add(Spec{Hostname: "stale.example", Path: "/apps/stale"}, host); err != nil {
		t.Fatalf("Add: %v", err)
	}

	errs := reg.Reconcile([]DesiredApp{
		{Hostname: "a.example", Path: "/apps/a"},       // unchanged
		{Hostname: "a.example-v2", Path: "/apps/a-v2"}, // new
	}, host)
	if len(errs) != 0 {
		t.Fatalf("Reconcile errors: %v", errs)
	}

	if reg.Route("stale.example") != nil {
		// stale.example falls back to a default app, so check the snapshot instead.
		if _, ok := reg.Snapshot()["stale.example"]; ok {
			t.Fatal("stale.example should have been removed by Reconcile")
		}
	}
	if _, ok := reg.Snapshot()["a.example-v2"]; !ok {
		t.Fatal("a.example-v2 should have been added by Reconcile")
	}
}
