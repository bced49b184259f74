// Package config loads NANO's JSON config file and overlays environment
// variables, with flags > env > file precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultPort is used when neither the config file nor NANO_PORT set one.
const DefaultPort = 3000

// Defaults holds per-app fallbacks applied when an AppConfig omits a
// field.
type Defaults struct {
	TimeoutMs int64 `json:"timeout_ms"`
	MemoryMB  int   `json:"memory_mb"`
}

// AppConfig is one entry of the config file's "apps" array.
type AppConfig struct {
	Name            string            `json:"name"`
	Hostname        string            `json:"hostname"`
	Path            string            `json:"path"`
	TimeoutMs       int64             `json:"timeout_ms"`
	MemoryMB        int               `json:"memory_mb"`
	MaxBufferSizeMB int               `json:"max_buffer_size_mb"`
	Env             map[string]string `json:"env"`
}

// File is the top-level shape of NANO's JSON config file.
type File struct {
	Port     int         `json:"port"`
	Defaults *Defaults   `json:"defaults"`
	Apps     []AppConfig `json:"apps"`
}

// Load reads and parses a config file from path, applies per-app defaults,
// and overlays the NANO_PORT environment variable onto the port. A
// parse error leaves the caller free to keep its previous configuration —
// Load never mutates anything outside its own return value.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	for i := range f.Apps {
		app := &f.Apps[i]
		if app.Hostname == "" {
			app.Hostname = app.Name
		}
		if f.Defaults != nil {
			if app.TimeoutMs == 0 {
				app.TimeoutMs = f.Defaults.TimeoutMs
			}
			if app.MemoryMB == 0 {
				app.MemoryMB = f.Defaults.MemoryMB
			}
		}
		if app.Path == "" {
			return nil, fmt.Errorf("app %q: path is required", app.Name)
		}
	}

	if f.Port == 0 {
		f.Port = DefaultPort
	}
	if envPort := os.Getenv("NANO_PORT"); envPort != "" {
		var p int
		if _, err := fmt.Sscanf(envPort, "%d", &p); err == nil && p > 0 {
			f.Port = p
		}
	}

	return &f, nil
}

// LogFormat returns the configured log format from NANO_LOG_FORMAT,
// defaulting to "text" when unset or not one of the three recognized
// values.
func LogFormat() string {
	switch os.Getenv("NANO_LOG_FORMAT") {
	case "json":
		return "json"
	case "apache":
		return "apache"
	default:
		return "text"
	}
}
