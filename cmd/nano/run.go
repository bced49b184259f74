package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nanojs/nano/internal/app"
	"github.com/nanojs/nano/internal/core"
)

// runScriptCmd evaluates a single app script without starting an HTTP
// listener: it compiles the script, invokes its fetch handler once with a
// synthetic GET / request, and prints the resulting body to stdout. Useful
// for smoke-testing a handler during development.
func runScriptCmd() *cobra.Command {
	var (
		method string
		path   string
	)

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Evaluate an app script once, without HTTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptPath := args[0]

			source := newFileSource()
			const hostname = "run.local"
			source.register(hostname, scriptPath)

			h := app.NewHost(defaultEngineConfig(), source)

			result := h.Execute(hostname, &core.Env{Hostname: hostname}, &core.WorkerRequest{
				Method: method,
				URL:    path,
			})
			if result.Error != nil {
				return loadError(result.Error)
			}

			for _, entry := range result.Logs {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", entry.Level, entry.Message)
			}
			os.Stdout.Write(result.Response.Body)
			if len(result.Response.Body) > 0 && result.Response.Body[len(result.Response.Body)-1] != '\n' {
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&method, "method", "GET", "HTTP method to invoke the handler with")
	cmd.Flags().StringVar(&path, "path", "/", "Request path to invoke the handler with")

	return cmd
}
