package eventloop

import (
	"fmt"

	"github.com/nanojs/nano/internal/core"
)

// FetchResult holds the pre-serialized outcome of an in-flight HTTP fetch.
// The fetch goroutine reads the response body, serializes headers, and
// encodes the body as base64 before sending, so the event loop only ever
// passes strings across into JS.
type FetchResult struct {
	Status      int
	StatusText  string
	HeadersJSON string
	BodyB64     string
	Redirected  bool
	FinalURL    string
	Err         error
	// ErrName is the JS Error.name to attach to the rejection (e.g.
	// "AbortError", "ConnectionFailed", "BlockedHost"). Empty falls back to
	// a generic connection-failure name.
	ErrName string
}

// PendingFetch represents an in-flight HTTP request whose result will be
// delivered to JS via the event loop once the response arrives.
type PendingFetch struct {
	ResultCh <-chan FetchResult
	FetchID  string
}

// AddPendingFetch registers a fetch whose result will be delivered to JS
// when the HTTP response arrives.
func (el *EventLoop) AddPendingFetch(pf *PendingFetch) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.pendingFetches = append(el.pendingFetches, pf)
}

// resolveFetch delivers one completed fetch's result into JS by calling the
// matching __fetchResolve/__fetchReject global, then runs a microtask
// checkpoint so any .then() chained off the fetch promise observes it.
func resolveFetch(rt core.JSRuntime, pf *PendingFetch, result FetchResult) {
	if result.Err != nil {
		errName := result.ErrName
		if errName == "" {
			errName = "ConnectionFailed"
		}
		_ = rt.Eval(fmt.Sprintf(`globalThis.__fetchReject(%q, %q, %q)`,
			pf.FetchID, result.Err.Error(), errName))
	} else {
		_ = rt.Eval(fmt.Sprintf(`globalThis.__fetchResolve(%q, %d, %q, %q, %q, %v, %q)`,
			pf.FetchID, result.Status, result.StatusText,
			result.HeadersJSON, result.BodyB64, result.Redirected, result.FinalURL))
	}
	rt.RunMicrotasks()
}

// DrainPendingFetches does a non-blocking read on every pending fetch
// channel, resolving each one that has completed and removing it from the
// list. Returns true if any fetch was completed this pass.
func (el *EventLoop) DrainPendingFetches(rt core.JSRuntime) bool {
	el.mu.Lock()
	pending := el.pendingFetches
	el.pendingFetches = nil
	el.mu.Unlock()

	if len(pending) == 0 {
		return false
	}

	var remaining []*PendingFetch
	didWork := false
	for _, pf := range pending {
		select {
		case result := <-pf.ResultCh:
			resolveFetch(rt, pf, result)
			didWork = true
		default:
			remaining = append(remaining, pf)
		}
	}

	el.mu.Lock()
	// A resolved callback may have started a new fetch; keep the entries
	// still waiting from this pass ahead of those new ones.
	el.pendingFetches = append(remaining, el.pendingFetches...)
	el.mu.Unlock()
	return didWork
}
