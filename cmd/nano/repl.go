package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nanojs/nano/internal/app"
	"github.com/nanojs/nano/internal/core"
)

// runREPL is the root command's fallback when invoked with no
// subcommand: a line-at-a-time JavaScript console backed by the same
// Web API surface apps get, minus a compiled fetch handler.
func runREPL(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return argError("unknown command %q (try \"nano serve\" or \"nano run\")", args[0])
	}

	h := app.NewHost(defaultEngineConfig(), stubLoader{})

	fmt.Fprintln(os.Stderr, "nano REPL - press Ctrl+D to exit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		result, err := h.EvalOnce(line)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		fmt.Println(result)
	}
	return scanner.Err()
}

// stubLoader satisfies core.SourceLoader for EvalOnce, which never
// compiles an app module and so never calls GetAppScript.
type stubLoader struct{}

func (stubLoader) GetAppScript(hostname string) (string, error) {
	return "", fmt.Errorf("no app script in REPL mode")
}

var _ core.SourceLoader = stubLoader{}
