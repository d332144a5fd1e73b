// Command algoforge is the CLI surface (spec.md §6): submit, status, list,
// abort, execute, plus the supplemented keys subcommand. Grounded on the
// teacher pack's cobra-based CLI manifests (compozy-compozy, cuemby-warren,
// hortator-ai-Hortator carry spf13/cobra; see SPEC_FULL.md §Domain Stack):
// one root command, one file per subcommand, shared services built once per
// invocation from internal/config.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chiqo-ke/algoforge/internal/config"
	"github.com/chiqo-ke/algoforge/internal/logging"
)

// Exit codes (spec.md §7 "User-visible behavior").
const (
	exitSuccess       = 0
	exitWorkflowFailed = 1
	exitInvalidInput  = 2
	exitInfraUnavailable = 3
)

// exitError carries the process exit code spec.md §7 mandates for a given
// failure outcome, so main can report it without every subcommand calling
// os.Exit directly (which would skip deferred Close calls).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitInvalidInput)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "algoforge",
		Short: "Multi-agent trading strategy orchestration platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("workspace-root", "", "overrides WORKSPACE_ROOT")
	cmd.PersistentFlags().String("bus-url", "", "overrides BUS_URL")
	cmd.PersistentFlags().String("keys-file", "keys.json", "path to the router key manifest")

	cmd.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newAbortCmd(),
		newExecuteCmd(),
		newKeysCmd(),
	)
	return cmd
}

// loadConfig builds a Config from defaults, environment, and any
// PersistentFlags overrides set on cmd.
func loadConfig(cmd *cobra.Command, logger logging.Logger) (*config.Config, error) {
	cfg := config.DefaultConfig().WithLogger(logger)
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("workspace-root"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v, _ := cmd.Flags().GetString("bus-url"); v != "" {
		cfg.BusURL = v
	}
	return cfg, nil
}

func fail(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
