package app

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nanojs/nano/internal/core"
	"github.com/nanojs/nano/internal/eventloop"
	"github.com/nanojs/nano/internal/watchdog"
	"github.com/nanojs/nano/internal/webapi"
	v8 "github.com/tommie/v8go"
)

// memoryGCThreshold triggers a low-memory hint to V8 once the isolate's
// used heap crosses this fraction of its configured limit.
const memoryGCThreshold = 0.80

// memoryRejectThreshold causes the request to fail fast with a memory-limit
// error instead of running the handler.
const memoryRejectThreshold = 0.95

// appPool wraps a v8Pool with an invalidation flag, so a timed-out or
// panicked worker poisons the whole pool rather than being silently reused.
type appPool struct {
	pool    *v8Pool
	invalid bool
	mu      sync.RWMutex
}

func (ap *appPool) isValid() bool {
	ap.mu.RLock()
	defer ap.mu.RUnlock()
	return !ap.invalid
}

func (ap *appPool) markInvalid() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.invalid = true
}

// AppLimits overrides the process-wide EngineConfig defaults for a single
// app's CPU timeout and memory cap, per spec.md §3's App attributes.
type AppLimits struct {
	TimeoutMs int64
	MemoryMB  int
}

// Host manages one V8 worker pool per app hostname and executes the app's
// fetch handler for incoming requests. It is the Engine Host component:
// one Host exists per process, serving every configured app.
type Host struct {
	pools        sync.Map // hostname -> *appPool
	sources      sync.Map // hostname -> string (JS source)
	limits       sync.Map // hostname -> AppLimits
	config       core.EngineConfig
	sourceLoader core.SourceLoader
	poolMu       sync.Mutex
}

// NewHost creates a Host with the given configuration and source loader.
func NewHost(cfg core.EngineConfig, sourceLoader core.SourceLoader) *Host {
	return &Host{
		config:       cfg,
		sourceLoader: sourceLoader,
	}
}

// SetLimits overrides the CPU timeout and memory cap for one app, in place
// of the process-wide EngineConfig defaults. The timeout is read on every
// Execute; the memory cap takes effect on the app's next pool creation.
func (h *Host) SetLimits(hostname string, limits AppLimits) {
	h.limits.Store(hostname, limits)
}

func (h *Host) limitsFor(hostname string) AppLimits {
	limits := AppLimits{TimeoutMs: int64(h.config.ExecutionTimeout), MemoryMB: h.config.MemoryLimitMB}
	if v, ok := h.limits.Load(hostname); ok {
		l := v.(AppLimits)
		if l.TimeoutMs > 0 {
			limits.TimeoutMs = l.TimeoutMs
		}
		if l.MemoryMB > 0 {
			limits.MemoryMB = l.MemoryMB
		}
	}
	return limits
}

// EnsureSource loads an app's JS source into memory if not already cached.
func (h *Host) EnsureSource(hostname string) error {
	if _, ok := h.sources.Load(hostname); ok {
		return nil
	}
	if h.sourceLoader == nil {
		return fmt.Errorf("source loader not set")
	}
	source, err := h.sourceLoader.GetAppScript(hostname)
	if err != nil {
		return fmt.Errorf("no source for app %s: %w", hostname, err)
	}
	h.sources.Store(hostname, source)
	return nil
}

// CompileAndCache validates that an app's script compiles and stores the
// source for later pool creation. Used on app load and hot reload.
func (h *Host) CompileAndCache(hostname string, source string) error {
	if limit := h.config.MaxScriptSizeKB; limit > 0 && len(source) > limit*1024 {
		return fmt.Errorf("app script is %d bytes, over the %d KB limit", len(source), limit)
	}

	iso := v8.NewIsolate()
	defer iso.Dispose()

	wrapped := webapi.WrapESModule(source)
	if _, err := iso.CompileUnboundScript(wrapped, hostname+".js", v8.CompileOptions{}); err != nil {
		return fmt.Errorf("compiling app script: %w", err)
	}

	h.sources.Store(hostname, source)
	return nil
}

// getOrCreatePool returns the worker pool for the given app hostname,
// compiling a fresh pool if none exists or the cached one was poisoned.
func (h *Host) getOrCreatePool(hostname string) (*v8Pool, error) {
	if val, ok := h.pools.Load(hostname); ok {
		ap := val.(*appPool)
		if ap.isValid() {
			return ap.pool, nil
		}
	}

	h.poolMu.Lock()
	defer h.poolMu.Unlock()

	if val, ok := h.pools.Load(hostname); ok {
		ap := val.(*appPool)
		if ap.isValid() {
			return ap.pool, nil
		}
		h.pools.Delete(hostname)
		ap.pool.dispose()
	}

	srcVal, ok := h.sources.Load(hostname)
	if !ok {
		return nil, fmt.Errorf("no source for app %s", hostname)
	}
	source := srcVal.(string)

	limits := h.limitsFor(hostname)
	setupFns := buildSetupFuncs(h.config)
	pool, err := newV8Pool(h.config.PoolSize, source, setupFns, limits.MemoryMB)
	if err != nil {
		return nil, fmt.Errorf("creating v8 pool for app %s: %w", hostname, err)
	}

	h.pools.Store(hostname, &appPool{pool: pool})
	return pool, nil
}

// Execute runs the app's fetch handler for the given request.
func (h *Host) Execute(hostname string, env *core.Env, req *core.WorkerRequest) (result *core.WorkerResult) {
	start := time.Now()
	result = &core.WorkerResult{}

	if env == nil {
		result.Error = fmt.Errorf("env must not be nil for app %s", hostname)
		result.Duration = time.Since(start)
		return result
	}
	env.Hostname = hostname

	if err := h.EnsureSource(hostname); err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result
	}

	pool, err := h.getOrCreatePool(hostname)
	if err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result
	}

	w, err := pool.get()
	if err != nil {
		result.Error = fmt.Errorf("acquiring worker from pool: %w", err)
		result.Duration = time.Since(start)
		return result
	}

	if rejected := applyMemoryPolicy(w); rejected != nil {
		pool.put(w)
		result.Error = rejected
		result.Duration = time.Since(start)
		return result
	}

	timeout := time.Duration(h.limitsFor(hostname).TimeoutMs) * time.Millisecond
	wd := watchdog.Start(w.iso, timeout)

	var panicked bool
	defer func() {
		stopped := wd.Stop()
		if r := recover(); r != nil {
			panicked = true
			if wd.TimedOut() {
				result.Error = fmt.Errorf("execution timed out (limit: %v)", timeout)
			} else {
				result.Error = fmt.Errorf("handler panic: %v", r)
			}
		}
		result.Duration = time.Since(start)
		if stopped && !wd.TimedOut() && !panicked {
			pool.put(w)
			return
		}
		log.Printf("app: discarding worker for %s (timed out or panicked)", hostname)
		w.ctx.Close()
		w.iso.Dispose()
		if val, ok := h.pools.Load(hostname); ok {
			val.(*appPool).markInvalid()
		}
	}()

	rt := w.rt

	reqID := core.NewRequestState(h.config.MaxFetchRequests, env)
	if err := rt.SetGlobal("__requestID", strconv.FormatUint(reqID, 10)); err != nil {
		core.ClearRequestState(reqID)
		result.Error = fmt.Errorf("setting request ID: %w", err)
		return result
	}

	if err := webapi.GoRequestToJS(rt, req); err != nil {
		core.ClearRequestState(reqID)
		result.Error = fmt.Errorf("building JS request: %w", err)
		return result
	}

	if err := webapi.BuildEnvObject(rt, env, reqID); err != nil {
		state := core.ClearRequestState(reqID)
		if state != nil {
			result.Logs = state.Logs
		}
		result.Error = fmt.Errorf("building JS env: %w", err)
		return result
	}

	if err := webapi.BuildExecContext(rt); err != nil {
		state := core.ClearRequestState(reqID)
		if state != nil {
			result.Logs = state.Logs
		}
		result.Error = fmt.Errorf("building JS context: %w", err)
		return result
	}

	_, err = w.ctx.RunScript(`
		(function() {
			var mod = globalThis.__worker_module__;
			if (!mod || typeof mod.fetch !== 'function') {
				throw new Error('handler has no fetch function');
			}
			globalThis.__call_result = mod.fetch(globalThis.__req, globalThis.__env, globalThis.__ctx);
		})()
	`, "call_fetch.js")
	if err != nil {
		state := core.ClearRequestState(reqID)
		if state != nil {
			result.Logs = state.Logs
		}
		if wd.TimedOut() {
			result.Error = fmt.Errorf("execution timed out (limit: %v)", timeout)
		} else {
			result.Error = fmt.Errorf("invoking fetch handler: %w", err)
		}
		return result
	}

	rt.RunMicrotasks()

	deadline := start.Add(timeout)
	if w.eventLoop.HasPending() {
		w.eventLoop.Drain(rt, deadline)
	}

	if err := webapi.AwaitValue(rt, "__call_result", deadline, w.eventLoop); err != nil {
		state := core.ClearRequestState(reqID)
		if state != nil {
			result.Logs = state.Logs
		}
		result.Error = err
		return result
	}

	_ = rt.Eval("globalThis.__result = globalThis.__call_result; delete globalThis.__call_result;")

	resp, err := webapi.JsResponseToGo(rt)
	if err != nil {
		state := core.ClearRequestState(reqID)
		if state != nil {
			result.Logs = state.Logs
		}
		result.Error = fmt.Errorf("converting handler response: %w", err)
		return result
	}

	webapi.DrainWaitUntil(rt, deadline)

	state := core.ClearRequestState(reqID)
	if state != nil {
		result.Logs = state.Logs
	}
	result.Response = resp
	return result
}

// applyMemoryPolicy inspects the isolate's current heap usage. Above
// memoryGCThreshold it issues a low-memory hint so V8 can reclaim space
// before the request runs; above memoryRejectThreshold it refuses to run
// the request at all.
func applyMemoryPolicy(w *v8Worker) error {
	stats := w.iso.GetHeapStatistics()
	if stats.HeapSizeLimit == 0 {
		return nil
	}
	ratio := float64(stats.UsedHeapSize) / float64(stats.HeapSizeLimit)
	if ratio > memoryRejectThreshold {
		return fmt.Errorf("memory limit exceeded (heap at %.0f%% of limit)", ratio*100)
	}
	if ratio > memoryGCThreshold {
		w.iso.LowMemoryNotification()
	}
	return nil
}

// InvalidatePool marks the pool for the given app hostname as invalid,
// so the next request recompiles from the cached source. Used on hot
// reload when the source has changed.
func (h *Host) InvalidatePool(hostname string) {
	if val, ok := h.pools.LoadAndDelete(hostname); ok {
		ap := val.(*appPool)
		ap.markInvalid()
		ap.pool.dispose()
	}
	h.sources.Delete(hostname)
}

// Shutdown invalidates all pools and clears all cached sources.
func (h *Host) Shutdown() {
	h.pools.Range(func(key, val any) bool {
		ap := val.(*appPool)
		ap.markInvalid()
		ap.pool.dispose()
		h.pools.Delete(key)
		return true
	})
	h.sources.Range(func(key, _ any) bool {
		h.sources.Delete(key)
		return true
	})
}

// MemoryPercent reports the heap usage of one idle worker from the app's
// pool, as a percentage of its configured limit, for the admin apps
// listing. Returns 0 if the app has no pool yet or every worker is
// currently busy (never blocks waiting for one).
func (h *Host) MemoryPercent(hostname string) float64 {
	val, ok := h.pools.Load(hostname)
	if !ok {
		return 0
	}
	ap := val.(*appPool)
	if !ap.isValid() {
		return 0
	}
	select {
	case w := <-ap.pool.workers:
		stats := w.iso.GetHeapStatistics()
		ap.pool.workers <- w
		if stats.HeapSizeLimit == 0 {
			return 0
		}
		return float64(stats.UsedHeapSize) / float64(stats.HeapSizeLimit) * 100
	default:
		return 0
	}
}

// MaxResponseBytes returns the configured maximum response body size.
func (h *Host) MaxResponseBytes() int {
	return h.config.MaxResponseBytes
}

// EvalOnce runs a single snippet of JavaScript in a throwaway isolate with
// the full Web API surface installed (console, fetch, crypto, timers,
// ...) but no compiled app module. Used by the REPL, where there is no
// fetch handler and no event loop carried between statements — fetch
// still resolves because the result is drained once before returning
// rather than left for a caller's own event-loop tick.
func (h *Host) EvalOnce(js string) (string, error) {
	iso := v8.NewIsolate()
	defer iso.Dispose()
	ctx := v8.NewContext(iso)
	defer ctx.Close()

	rt := &v8Runtime{iso: iso, ctx: ctx}
	el := eventloop.New()
	for _, setup := range buildSetupFuncs(h.config) {
		if err := setup(rt, el); err != nil {
			return "", fmt.Errorf("setting up REPL context: %w", err)
		}
	}

	timeout := time.Duration(h.config.ExecutionTimeout) * time.Millisecond
	wd := watchdog.Start(iso, timeout)
	defer wd.Stop()

	val, err := ctx.RunScript(js, "repl.js")
	if err != nil {
		if wd.TimedOut() {
			return "", fmt.Errorf("execution timed out (limit: %v)", timeout)
		}
		return "", err
	}

	rt.RunMicrotasks()
	if el.HasPending() {
		el.Drain(rt, time.Now().Add(timeout))
	}

	if val == nil {
		return "undefined", nil
	}
	return val.String(), nil
}
