package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "nano.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"port": 8080,
		"defaults": {"timeout_ms": 5000, "memory_mb": 64},
		"apps": [
			{"name": "a", "path": "/apps/a"},
			{"name": "b", "hostname": "custom.example", "path": "/apps/b", "timeout_ms": 1000}
		]
	}`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Port != 8080 {
		t.Errorf("Port = %d, want 8080", f.Port)
	}
	if f.Apps[0].Hostname != "a" {
		t.Errorf("Apps[0].Hostname = %q, want %q", f.Apps[0].Hostname, "a")
	}
	if f.Apps[0].TimeoutMs != 5000 || f.Apps[0].MemoryMB != 64 {
		t.Errorf("Apps[0] defaults not applied: %+v", f.Apps[0])
	}
	if f.Apps[1].Hostname != "custom.example" {
		t.Errorf("Apps[1].Hostname = %q, want %q", f.Apps[1].Hostname, "custom.example")
	}
	if f.Apps[1].TimeoutMs != 1000 {
		t.Errorf("Apps[1].TimeoutMs = %d, want 1000 (explicit value should not be overridden)", f.Apps[1].TimeoutMs)
	}
}

func TestLoad_MissingPathIsError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"apps": [{"name": "a"}]}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for app missing path")
	}
}

func TestLoad_ParseErrorDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `not json`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_EnvPortOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"port": 8080, "apps": [{"name": "a", "path": "/apps/a"}]}`)

	t.Setenv("NANO_PORT", "9090")
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Port != 9090 {
		t.Errorf("Port = %d, want 9090 from NANO_PORT override", f.Port)
	}
}

func TestLogFormat(t *testing.T) {
	t.Setenv("NANO_LOG_FORMAT", "json")
	if got := LogFormat(); got != "json" {
		t.Errorf("LogFormat() = %q, want json", got)
	}
	t.Setenv("NANO_LOG_FORMAT", "bogus")
	if got := LogFormat(); got != "text" {
		t.Errorf("LogFormat() = %q, want text fallback", got)
	}
}
