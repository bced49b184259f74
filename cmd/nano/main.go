// Command nano runs the NANO multi-tenant JavaScript host: a single
// process that compiles one or more apps' fetch handlers into V8
// isolates and serves them over HTTP, either from a single script path or
// from a JSON config file describing several hostnames at once.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitError carries the process exit code spec.md §6 assigns to a
// failure: 1 for a load/config error, 2 for invalid arguments. Errors
// that reach main() without this wrapping exit 1, the load/config
// default.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func argError(format string, a ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, a...)}
}

func loadError(err error) error {
	return &exitError{code: 1, err: err}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "nano",
		Short: "NANO - a minimal multi-tenant JavaScript host",
		Long:  "NANO runs one or more JavaScript fetch handlers in V8 isolates behind an HTTP dispatcher.",
		RunE:  runREPL,
	}

	rootCmd.AddCommand(serveCmd(), runScriptCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nano:", err)
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}
