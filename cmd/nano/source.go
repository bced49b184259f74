package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// fileSource loads app scripts from the filesystem. A registered path may
// point directly at a script or at a directory containing an index.js.
// It satisfies both registry.SourceLoader (keyed by path) and
// core.SourceLoader (keyed by hostname, via the path each hostname was
// registered under) without the two packages needing to agree on a
// common interface.
type fileSource struct {
	mu    sync.RWMutex
	paths map[string]string // hostname -> path
}

func newFileSource() *fileSource {
	return &fileSource{paths: make(map[string]string)}
}

// register records which path a hostname's script lives at, so a later
// GetAppScript(hostname) call (made by internal/app.Host.EnsureSource as a
// cache-miss fallback) can find it.
func (f *fileSource) register(hostname, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths[hostname] = path
}

// LoadSource implements registry.SourceLoader.
func (f *fileSource) LoadSource(path string) (string, error) {
	return readScript(path)
}

// GetAppScript implements core.SourceLoader.
func (f *fileSource) GetAppScript(hostname string) (string, error) {
	f.mu.RLock()
	path, ok := f.paths[hostname]
	f.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no script path registered for hostname %s", hostname)
	}
	return readScript(path)
}

func readScript(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		path = filepath.Join(path, "index.js")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}
