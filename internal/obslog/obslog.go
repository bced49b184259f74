// Package obslog provides NANO's structured logging: a hot-swappable
// global slog.Logger plus a third output format (Apache Combined Log
// Format) for per-request access logging that the stock slog handlers
// don't cover.
package obslog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	opLogger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// Op returns the process-wide operational logger.
func Op() *slog.Logger {
	return opLogger.Load()
}

// Configure rebuilds the operational logger for the given format
// ("text", "json", or "apache") writing to w. Unknown formats fall back
// to text.
func Configure(format string, w io.Writer) {
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	case "apache":
		handler = newApacheHandler(w)
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	opLogger.Store(slog.New(handler))
}

// SetLevel changes the level of the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the log level by name; unrecognized names are
// ignored.
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	}
}

// AccessEntry is one completed request as logged by the HTTP dispatcher.
type AccessEntry struct {
	RequestID  string
	RemoteAddr string
	Method     string
	Path       string
	Proto      string
	Status     int
	Bytes      int
	Time       time.Time
}

// apacheHandler is a minimal slog.Handler that recognizes AccessEntry
// records (logged via LogAccess) and renders them in Apache Combined Log
// Format; every other record falls back to a plain text line so the
// operational logger still works for non-access logging under this
// format.
type apacheHandler struct {
	w    io.Writer
	text slog.Handler
}

func newApacheHandler(w io.Writer) *apacheHandler {
	return &apacheHandler{w: w, text: slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})}
}

func (h *apacheHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.text.Enabled(ctx, level)
}

func (h *apacheHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.text.Handle(ctx, r)
}

func (h *apacheHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &apacheHandler{w: h.w, text: h.text.WithAttrs(attrs)}
}

func (h *apacheHandler) WithGroup(name string) slog.Handler {
	return &apacheHandler{w: h.w, text: h.text.WithGroup(name)}
}

// LogAccess writes one request to the operational logger using whatever
// format it's configured for: structured fields under text/json, an
// Apache Combined Log Format line under apache.
func LogAccess(e AccessEntry) {
	logger := Op()
	if h, ok := logger.Handler().(*apacheHandler); ok {
		h.writeCombined(e)
		return
	}
	logger.Info("request",
		"request_id", e.RequestID,
		"remote_addr", e.RemoteAddr,
		"method", e.Method,
		"path", e.Path,
		"status", e.Status,
		"bytes", e.Bytes,
	)
}

func (h *apacheHandler) writeCombined(e AccessEntry) {
	// "%h %l %u [%t] \"%r\" %>s %b" with the referer/user-agent fields
	// blank — NANO has no identd/auth-user concept to fill %l/%u, and
	// referer/user-agent aren't carried by core.WorkerRequest.
	fmt.Fprintf(h.w, "%s - - [%s] \"%s %s %s\" %d %d \"-\" \"-\"\n",
		e.RemoteAddr,
		e.Time.Format("02/Jan/2006:15:04:05 -0700"),
		e.Method, e.Path, e.Proto,
		e.Status, e.Bytes,
	)
}
