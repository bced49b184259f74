package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nanojs/nano/internal/app"
	"github.com/nanojs/nano/internal/config"
	"github.com/nanojs/nano/internal/core"
	"github.com/nanojs/nano/internal/httpserver"
	"github.com/nanojs/nano/internal/metrics"
	"github.com/nanojs/nano/internal/obslog"
	"github.com/nanojs/nano/internal/registry"
)

// defaultEngineConfig holds the process-wide resource defaults used when a
// config file's "defaults" object, or an app's own overrides, don't set a
// value. Per-app timeout_ms/memory_mb from the config file or admin API
// still win via internal/app.Host.SetLimits.
func defaultEngineConfig() core.EngineConfig {
	return core.EngineConfig{
		PoolSize:         4,
		MemoryLimitMB:    128,
		ExecutionTimeout: 5000,
		MaxFetchRequests: 50,
		FetchTimeoutSec:  30,
		MaxResponseBytes: 10 << 20,
		MaxScriptSizeKB:  1024,
	}
}

// reloadManager implements httpserver.Reloader for multi-app mode: it
// re-reads the config file and hands the result to Registry.Reconcile so
// only apps whose script path actually changed are reloaded.
type reloadManager struct {
	path   string
	reg    *registry.Registry
	host   *app.Host
	source *fileSource
}

func (r *reloadManager) Reload() error {
	f, err := config.Load(r.path)
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}
	desired := make([]registry.DesiredApp, 0, len(f.Apps))
	for _, a := range f.Apps {
		r.source.register(a.Hostname, a.Path)
		desired = append(desired, registry.DesiredApp{
			Hostname:  a.Hostname,
			Path:      a.Path,
			Env:       a.Env,
			TimeoutMs: a.TimeoutMs,
			MemoryMB:  a.MemoryMB,
		})
	}
	if errs := r.reg.Reconcile(desired, r.host); len(errs) > 0 {
		return fmt.Errorf("reconcile had %d error(s), first: %w", len(errs), errs[0])
	}
	return nil
}

func serveCmd() *cobra.Command {
	var (
		port       int
		appPath    string
		configPath string
		adminFlag  bool
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve one or more apps over HTTP",
		Long:  "Single-app mode (--port/--app) serves one script. Multi-app mode (--config) loads several hostnames from a JSON config file and enables SIGHUP-triggered hot reload.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" && appPath != "" {
				return argError("--app and --config are mutually exclusive")
			}
			if configPath == "" && appPath == "" {
				return argError("one of --app or --config is required")
			}

			obslog.SetLevelFromString(logLevel)
			obslog.Configure(config.LogFormat(), os.Stderr)

			source := newFileSource()
			host := app.NewHost(defaultEngineConfig(), source)
			m := metrics.New("nano")

			reg, reloader, listenPort, err := buildRegistry(configPath, appPath, port, source, host)
			if err != nil {
				return loadError(err)
			}
			m.SetAppsLoaded(reg.Count())

			srv := httpserver.New(reg, m, reloader, adminFlag || configPath != "")

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe(fmt.Sprintf(":%d", listenPort))
			}()

			sigCh := make(chan os.Signal, 1)
			reloadSignals := []os.Signal{syscall.SIGINT, syscall.SIGTERM}
			if reloader != nil {
				reloadSignals = append(reloadSignals, syscall.SIGHUP)
			}
			signal.Notify(sigCh, reloadSignals...)

			obslog.Op().Info("nano listening", "addr", srv.Addr(), "apps", reg.Count())

			for {
				select {
				case err := <-errCh:
					if err != nil {
						return loadError(err)
					}
					return nil
				case sig := <-sigCh:
					if sig == syscall.SIGHUP {
						if reloader == nil {
							continue
						}
						obslog.Op().Info("reload signal received")
						if err := reloader.Reload(); err != nil {
							obslog.Op().Error("reload failed", "error", err)
						} else {
							m.SetAppsLoaded(reg.Count())
						}
						continue
					}
					obslog.Op().Info("shutdown signal received")
					srv.Shutdown()
					return nil
				}
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "HTTP port for single-app mode (defaults to NANO_PORT or 3000)")
	cmd.Flags().StringVar(&appPath, "app", "", "Path to a single app's script (single-app mode)")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a JSON config file (multi-app mode)")
	cmd.Flags().BoolVar(&adminFlag, "admin", false, "Enable /admin/ endpoints (always on in --config mode)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	return cmd
}

// buildRegistry loads either a single app (--app) or a config file
// (--config) into a fresh Registry, returning the Reloader to use (nil in
// single-app mode, since there is no config file to re-read) and the port
// to listen on.
func buildRegistry(configPath, appPath string, portFlag int, source *fileSource, host *app.Host) (*registry.Registry, httpserver.Reloader, int, error) {
	reg := registry.New(source)

	if configPath != "" {
		f, err := config.Load(configPath)
		if err != nil {
			return nil, nil, 0, err
		}
		for _, a := range f.Apps {
			source.register(a.Hostname, a.Path)
			spec := registry.Spec{
				Hostname:  a.Hostname,
				Path:      a.Path,
				Env:       a.Env,
				TimeoutMs: a.TimeoutMs,
				MemoryMB:  a.MemoryMB,
			}
			if err := reg.Add(spec, host); err != nil {
				return nil, nil, 0, fmt.Errorf("loading app %s: %w", a.Hostname, err)
			}
		}
		reloader := &reloadManager{path: configPath, reg: reg, host: host, source: source}
		return reg, reloader, f.Port, nil
	}

	hostname := "localhost"
	source.register(hostname, appPath)
	if err := reg.Add(registry.Spec{Hostname: hostname, Path: appPath}, host); err != nil {
		return nil, nil, 0, fmt.Errorf("loading app %s: %w", appPath, err)
	}

	port := portFlag
	if port == 0 {
		port = config.DefaultPort
		if envPort := os.Getenv("NANO_PORT"); envPort != "" {
			var p int
			if _, err := fmt.Sscanf(envPort, "%d", &p); err == nil && p > 0 {
				port = p
			}
		}
	}
	return reg, nil, port, nil
}
