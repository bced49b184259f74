package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nanojs/nano/internal/app"
)

func TestFileSource_LoadsDirectoryIndex(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("export default { fetch() {} };"), 0o644); err != nil {
		t.Fatal(err)
	}

	fs := newFileSource()
	src, err := fs.LoadSource(dir)
	if err != nil {
		t.Fatalf("LoadSource: %v", err)
	}
	if src != "export default { fetch() {} };" {
		t.Fatalf("source = %q", src)
	}
}

func TestFileSource_LoadsDirectFile(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "app.js")
	if err := os.WriteFile(scriptPath, []byte("export default { fetch() {} };"), 0o644); err != nil {
		t.Fatal(err)
	}

	fs := newFileSource()
	src, err := fs.LoadSource(scriptPath)
	if err != nil {
		t.Fatalf("LoadSource: %v", err)
	}
	if src != "export default { fetch() {} };" {
		t.Fatalf("source = %q", src)
	}
}

func TestFileSource_GetAppScriptByHostname(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}

	fs := newFileSource()
	if _, err := fs.GetAppScript("a.example"); err == nil {
		t.Fatal("expected error for unregistered hostname")
	}

	fs.register("a.example", dir)
	src, err := fs.GetAppScript("a.example")
	if err != nil {
		t.Fatalf("GetAppScript: %v", err)
	}
	if src != "ok" {
		t.Fatalf("source = %q", src)
	}
}

func TestFileSource_MissingPath(t *testing.T) {
	fs := newFileSource()
	if _, err := fs.LoadSource("/nonexistent/path/does-not-exist.js"); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestExitError_CodeSurfacesThroughErrorsAs(t *testing.T) {
	err := argError("missing %s", "--app")
	var ee *exitError
	if !errors.As(err, &ee) {
		t.Fatal("expected *exitError")
	}
	if ee.code != 2 {
		t.Fatalf("code = %d, want 2", ee.code)
	}

	wrapped := loadError(errors.New("boom"))
	if !errors.As(wrapped, &ee) {
		t.Fatal("expected *exitError")
	}
	if ee.code != 1 {
		t.Fatalf("code = %d, want 1", ee.code)
	}
}

func TestBuildRegistry_SingleAppMode(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("export default { fetch() { return new Response('hi'); } };"), 0o644); err != nil {
		t.Fatal(err)
	}

	source := newFileSource()
	host := app.NewHost(defaultEngineConfig(), source)

	reg, reloader, port, err := buildRegistry("", filepath.Join(dir, "index.js"), 4000, source, host)
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}
	if reloader != nil {
		t.Fatal("single-app mode should have no reloader")
	}
	if port != 4000 {
		t.Fatalf("port = %d, want 4000", port)
	}
	if reg.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", reg.Count())
	}
}

func TestBuildRegistry_ConfigMode(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("export default { fetch() { return new Response('hi'); } };"), 0o644); err != nil {
		t.Fatal(err)
	}
	configPath := filepath.Join(dir, "nano.json")
	configBody := `{"port": 5000, "apps": [{"name": "a", "path": "` + filepath.Join(dir, "index.js") + `"}]}`
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatal(err)
	}

	source := newFileSource()
	host := app.NewHost(defaultEngineConfig(), source)

	reg, reloader, port, err := buildRegistry(configPath, "", 0, source, host)
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}
	if reloader == nil {
		t.Fatal("config mode should have a reloader")
	}
	if port != 5000 {
		t.Fatalf("port = %d, want 5000", port)
	}
	if reg.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", reg.Count())
	}

	if err := reloader.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if reg.Count() != 1 {
		t.Fatalf("Count() after reload = %d, want 1", reg.Count())
	}
}
