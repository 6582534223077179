package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"carbon-scribe/analytics-engine/pkg/errdefs"
)

var version = "1.0.0"

// Exit codes for structured error reporting.
const (
	ExitSuccess    = 0
	ExitInternal   = 1
	ExitInvalidArg = 2
	ExitNotFound   = 3
	ExitStartup    = 4
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(classifyError(err))
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "analytics",
		Short: "Analytics and reporting engine",
		Long: `analytics runs report pipelines over a record store, resolves
dashboards and delivers scheduled reports.

Definitions come from a JSON catalog; settings from a JSON config file,
a .env file and the environment.`,
		Version: version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.json", "Path to the JSON config file")
	root.SilenceUsage = true
	root.SilenceErrors = true

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newValidateCmd(&configPath))
	return root
}

func classifyError(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var startErr *errdefs.PluginStartupError
	switch {
	case errdefs.IsValidation(err):
		return ExitInvalidArg
	case errors.Is(err, errdefs.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return ExitNotFound
	case errors.As(err, &startErr):
		return ExitStartup
	default:
		return ExitInternal
	}
}
