package app

import (
	"testing"
	"time"

	"github.com/nanojs/nano/internal/core"
)

type stubSourceLoader struct {
	source string
}

func (s stubSourceLoader) GetAppScript(hostname string) (string, error) {
	return s.source, nil
}

func testConfig() core.EngineConfig {
	return core.EngineConfig{
		PoolSize:         1,
		MemoryLimitMB:    64,
		ExecutionTimeout: 2000,
		MaxFetchRequests: 4,
		FetchTimeoutSec:  2,
		MaxResponseBytes: 1 << 20,
	}
}

func TestExecute_HelloWorld(t *testing.T) {
	source := `export default {
		fetch(request, env) {
			return new Response("Hello from NANO!");
		}
	};`

	h := NewHost(testConfig(), stubSourceLoader{source: source})
	if err := h.CompileAndCache("a.example", source); err != nil {
		t.Fatalf("CompileAndCache: %v", err)
	}

	result := h.Execute("a.example", &core.Env{Hostname: "a.example"}, &core.WorkerRequest{
		Method: "GET",
		URL:    "/",
	})
	if result.Error != nil {
		t.Fatalf("Execute error: %v", result.Error)
	}
	if string(result.Response.Body) != "Hello from NANO!" {
		t.Fatalf("body = %q, want %q", result.Response.Body, "Hello from NANO!")
	}
}

func TestExecute_EnvNilIsError(t *testing.T) {
	h := NewHost(testConfig(), stubSourceLoader{source: "export default { fetch() {} };"})
	result := h.Execute("a.example", nil, &core.WorkerRequest{Method: "GET", URL: "/"})
	if result.Error == nil {
		t.Fatal("expected error for nil env")
	}
}

func TestExecute_HandlerPanicYieldsError(t *testing.T) {
	source := `export default {
		fetch(request, env) {
			throw new Error("boom");
		}
	};`
	h := NewHost(testConfig(), stubSourceLoader{source: source})
	if err := h.CompileAndCache("a.example", source); err != nil {
		t.Fatalf("CompileAndCache: %v", err)
	}

	result := h.Execute("a.example", &core.Env{Hostname: "a.example"}, &core.WorkerRequest{
		Method: "GET",
		URL:    "/",
	})
	if result.Error == nil {
		t.Fatal("expected error from throwing handler")
	}
}

func TestExecute_WatchdogTimesOutInfiniteLoop(t *testing.T) {
	source := `export default {
		fetch(request, env) {
			while (true) {}
		}
	};`
	cfg := testConfig()
	cfg.ExecutionTimeout = 200
	h := NewHost(cfg, stubSourceLoader{source: source})
	if err := h.CompileAndCache("a.example", source); err != nil {
		t.Fatalf("CompileAndCache: %v", err)
	}

	start := time.Now()
	result := h.Execute("a.example", &core.Env{Hostname: "a.example"}, &core.WorkerRequest{
		Method: "GET",
		URL:    "/",
	})
	if result.Error == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("watchdog took too long to fire: %v", elapsed)
	}
}

func TestSetLimits_OverridesDefaultTimeoutAndMemory(t *testing.T) {
	h := NewHost(testConfig(), stubSourceLoader{source: "export default { fetch() {} };"})

	h.SetLimits("a.example", AppLimits{TimeoutMs: 500, MemoryMB: 32})
	limits := h.limitsFor("a.example")
	if limits.TimeoutMs != 500 || limits.MemoryMB != 32 {
		t.Fatalf("limitsFor after SetLimits = %+v, want {500 32}", limits)
	}

	// Zero-valued overrides fall back to the process-wide defaults.
	h.SetLimits("b.example", AppLimits{})
	limits = h.limitsFor("b.example")
	cfg := testConfig()
	if limits.TimeoutMs != int64(cfg.ExecutionTimeout) || limits.MemoryMB != cfg.MemoryLimitMB {
		t.Fatalf("limitsFor with zero override = %+v, want process defaults", limits)
	}
}

func TestInvalidatePool_ForcesRecompile(t *testing.T) {
	source := `export default { fetch() { return new Response("v1"); } };`
	h := NewHost(testConfig(), stubSourceLoader{source: source})
	if err := h.CompileAndCache("a.example", source); err != nil {
		t.Fatalf("CompileAndCache: %v", err)
	}

	result := h.Execute("a.example", &core.Env{Hostname: "a.example"}, &core.WorkerRequest{Method: "GET", URL: "/"})
	if result.Error != nil {
		t.Fatalf("first Execute: %v", result.Error)
	}
	if string(result.Response.Body) != "v1" {
		t.Fatalf("body = %q, want v1", result.Response.Body)
	}

	h.InvalidatePool("a.example")

	newSource := `export default { fetch() { return new Response("v2"); } };`
	if err := h.CompileAndCache("a.example", newSource); err != nil {
		t.Fatalf("CompileAndCache v2: %v", err)
	}
	result = h.Execute("a.example", &core.Env{Hostname: "a.example"}, &core.WorkerRequest{Method: "GET", URL: "/"})
	if result.Error != nil {
		t.Fatalf("second Execute: %v", result.Error)
	}
	if string(result.Response.Body) != "v2" {
		t.Fatalf("body = %q, want v2 after reload", result.Response.Body)
	}
}
