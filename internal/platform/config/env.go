// Package config loads process configuration from the environment and
// reports startup failures.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ParseEnvFrom loads configuration from the provided variables instead of the
// process environment. Tests use it to avoid mutating global state.
func ParseEnvFrom(target any, vars map[string]string) error {
	if vars == nil {
		vars = map[string]string{}
	}
	if err := env.ParseWithOptions(target, env.Options{Environment: vars}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ExitOnError reports err on stderr and exits. It returns when err is nil.
func ExitOnError(err error) {
	if err == nil {
		return
	}
	os.Exit(report(os.Stderr, err))
}

// report writes err to w and returns the exit status for it. A help request
// was already answered by the flag set, so it exits cleanly without output.
func report(w io.Writer, err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	return 1
}
