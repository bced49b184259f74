// Package registry maps incoming Host headers to loaded apps, tracks
// in-flight requests per app, and drains apps before they are replaced or
// removed.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nanojs/nano/internal/app"
	"github.com/nanojs/nano/internal/core"
)

// drainPollInterval is how often Remove polls active_connections while
// waiting for in-flight requests to finish.
const drainPollInterval = 10 * time.Millisecond

// drainDeadline bounds how long Remove waits before tearing an app down
// regardless of in-flight requests.
const drainDeadline = 30 * time.Second

// App is a loaded handler, keyed by hostname.
type App struct {
	Hostname  string
	Path      string
	Env       map[string]string
	Secrets   map[string]string
	TimeoutMs int64
	MemoryMB  int
	Host      AppHost
}

// AppHost is the subset of internal/app.Host's surface the registry needs
// to load and tear down an app's engine state. Satisfied by *app.Host.
type AppHost interface {
	EnsureSource(hostname string) error
	CompileAndCache(hostname string, source string) error
	InvalidatePool(hostname string)
	SetLimits(hostname string, limits app.AppLimits)
	Execute(hostname string, env *core.Env, req *core.WorkerRequest) *core.WorkerResult
	MemoryPercent(hostname string) float64
}

// drainState tracks in-flight requests for one app. Mutated only by the
// dispatcher on request entry/exit and by the registry on removal.
type drainState struct {
	activeConnections atomic.Int64
	draining          atomic.Bool
	drainStart        atomic.Int64 // unix nanos, 0 when not draining
}

// Registry holds the hostname -> App mapping plus per-app drain state.
type Registry struct {
	mu      sync.RWMutex
	apps    map[string]*App
	drains  map[string]*drainState
	def     string // hostname of the default app, "" if none
	sources SourceLoader
}

// SourceLoader loads an app's JS source given its filesystem path.
type SourceLoader interface {
	LoadSource(path string) (string, error)
}

// New creates an empty Registry.
func New(sources SourceLoader) *Registry {
	return &Registry{
		apps:    make(map[string]*App),
		drains:  make(map[string]*drainState),
		sources: sources,
	}
}

// normalizeHost lower-cases a Host header value and strips a trailing port,
// preserving IPv6 literals in brackets.
func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		if !strings.Contains(host, "]") || idx > strings.LastIndex(host, "]") {
			host = host[:idx]
		}
	}
	return strings.ToLower(host)
}

// Route returns the App for the given Host header, the registry's default
// app if no exact match exists, or nil if no apps are loaded.
func (r *Registry) Route(host string) *App {
	host = normalizeHost(host)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if app, ok := r.apps[host]; ok {
		return app
	}
	if r.def != "" {
		return r.apps[r.def]
	}
	return nil
}

// Drain returns the drain state for a hostname, or nil if unknown.
func (r *Registry) Drain(hostname string) *AppDrainState {
	r.mu.RLock()
	ds, ok := r.drains[hostname]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return &AppDrainState{ds: ds}
}

// AppDrainState is a handle a dispatcher uses to bump/release the
// in-flight request counter for one app and check its draining flag.
type AppDrainState struct {
	ds *drainState
}

// IsDraining reports whether the app is mid-removal.
func (a *AppDrainState) IsDraining() bool {
	return a.ds.draining.Load()
}

// Enter increments the active-connection count. Call Exit when the request
// completes, regardless of outcome.
func (a *AppDrainState) Enter() {
	a.ds.activeConnections.Add(1)
}

// Exit decrements the active-connection count.
func (a *AppDrainState) Exit() {
	a.ds.activeConnections.Add(-1)
}

// Spec describes an app to load: its routing hostname, script path, and
// the per-app overrides carried from the config file's "apps" entries.
type Spec struct {
	Hostname  string
	Path      string
	Env       map[string]string
	Secrets   map[string]string
	TimeoutMs int64
	MemoryMB  int
}

// Add loads a new app at the given hostname and path, compiling its source
// via host and applying its resource-limit overrides. If no default app is
// set yet, this one becomes the default.
func (r *Registry) Add(spec Spec, host AppHost) error {
	hostname := normalizeHost(spec.Hostname)
	source, err := r.sources.LoadSource(spec.Path)
	if err != nil {
		return fmt.Errorf("loading source for %s: %w", hostname, err)
	}
	if err := host.CompileAndCache(hostname, source); err != nil {
		return fmt.Errorf("compiling app %s: %w", hostname, err)
	}
	host.SetLimits(hostname, app.AppLimits{TimeoutMs: spec.TimeoutMs, MemoryMB: spec.MemoryMB})

	app := &App{
		Hostname:  hostname,
		Path:      spec.Path,
		Env:       spec.Env,
		Secrets:   spec.Secrets,
		TimeoutMs: spec.TimeoutMs,
		MemoryMB:  spec.MemoryMB,
		Host:      host,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[hostname] = app
	r.drains[hostname] = &drainState{}
	if r.def == "" {
		r.def = hostname
	}
	return nil
}

// Remove drains and removes the app at hostname. It marks the app
// draining, waits for active_connections to reach zero (or a 30s deadline
// to elapse), then tears down the app's engine state and removes it from
// the registry. If the removed app was the default, one of the remaining
// apps (if any) is promoted, picked in map iteration order rather than
// load order.
func (r *Registry) Remove(hostname string) {
	hostname = normalizeHost(hostname)

	r.mu.Lock()
	ds, ok := r.drains[hostname]
	app, appOK := r.apps[hostname]
	r.mu.Unlock()
	if !ok || !appOK {
		return
	}

	ds.draining.Store(true)
	ds.drainStart.Store(time.Now().UnixNano())

	deadline := time.Now().Add(drainDeadline)
	for ds.activeConnections.Load() != 0 && time.Now().Before(deadline) {
		time.Sleep(drainPollInterval)
	}

	app.Host.InvalidatePool(hostname)

	r.mu.Lock()
	delete(r.apps, hostname)
	delete(r.drains, hostname)
	if r.def == hostname {
		r.def = ""
		for h := range r.apps {
			r.def = h
			break
		}
	}
	r.mu.Unlock()
}

// Replace removes the app at hostname (draining it first) then adds it
// back under the new spec. Requests arriving during the drain gap are met
// with a 503 by the dispatcher's drain check.
func (r *Registry) Replace(hostname string, spec Spec, host AppHost) error {
	r.Remove(hostname)
	return r.Add(spec, host)
}

// DrainAll marks every loaded app's drain state as draining (so the
// dispatcher's routing check starts returning 503) and waits for every
// app's active_connections to reach zero or for deadline to elapse,
// whichever comes first. Used on process shutdown, where apps are not
// individually torn down — the process exits once the wait ends.
func (r *Registry) DrainAll(deadline time.Duration) {
	r.mu.RLock()
	states := make([]*drainState, 0, len(r.drains))
	for _, ds := range r.drains {
		states = append(states, ds)
	}
	r.mu.RUnlock()

	for _, ds := range states {
		ds.draining.Store(true)
	}

	until := time.Now().Add(deadline)
	for time.Now().Before(until) {
		total := int64(0)
		for _, ds := range states {
			total += ds.activeConnections.Load()
		}
		if total == 0 {
			return
		}
		time.Sleep(drainPollInterval)
	}
}

// Snapshot returns the hostname -> source path mapping currently loaded,
// for diffing against a new configuration.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.apps))
	for h, a := range r.apps {
		out[h] = a.Path
	}
	return out
}

// List returns every loaded app, for admin inspection. The returned slice
// is a snapshot; mutating the Registry afterward does not affect it.
func (r *Registry) List() []*App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*App, 0, len(r.apps))
	for _, a := range r.apps {
		out = append(out, a)
	}
	return out
}

// Count returns the number of apps currently loaded.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.apps)
}

// DesiredApp is one entry of a hot-reload target configuration; its shape
// mirrors Spec.
type DesiredApp = Spec

// Reconcile diffs the desired set of apps against the current registry and
// applies Add/Remove/Replace so the registry matches. A hostname whose
// path is unchanged is left untouched (even if its env or limits changed —
// those only apply on the next reload that also touches the script).
// Errors from individual Add/Replace calls are collected but do not
// prevent the remaining diffs from being applied.
func (r *Registry) Reconcile(desired []DesiredApp, host AppHost) []error {
	current := r.Snapshot()
	want := make(map[string]Spec, len(desired))
	for _, d := range desired {
		d.Hostname = normalizeHost(d.Hostname)
		want[d.Hostname] = d
	}

	var errs []error

	for hostname, spec := range want {
		existingPath, exists := current[hostname]
		switch {
		case !exists:
			if err := r.Add(spec, host); err != nil {
				errs = append(errs, err)
			}
		case existingPath != spec.Path:
			if err := r.Replace(hostname, spec, host); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for hostname := range current {
		if _, stillWanted := want[hostname]; !stillWanted {
			r.Remove(hostname)
		}
	}

	return errs
}
