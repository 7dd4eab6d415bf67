package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/picklr-io/tierctl/internal/engine"
	"github.com/picklr-io/tierctl/internal/eval"
	"github.com/picklr-io/tierctl/internal/logging"
	"github.com/picklr-io/tierctl/internal/telemetry"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitConfigError    = 2
	ExitConcurrentPlan = 3
)

var (
	stackFile   string
	logLevel    string
	logFormat   string
	metricsFile string
	traceOutput bool
	noColor     bool

	stopTracing func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "tierctl",
	Short: "Provision a multi-tier EKS stack from a declarative stack file",
	Long: `tierctl provisions a network, an EKS cluster, its add-ons, a DynamoDB table
and a two-tier application from one declarative stack file.

Resources are applied in dependency order. Outputs of one resource (ids,
ARNs, endpoints) flow into the properties of its dependents through
ref://<id>/<output> references. State records what was applied so later
runs update in place and only touch what changed.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdown(cmd.Context())
	},
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		_ = shutdown(context.Background())
	}
	return err
}

// ExitCode maps an error returned by Execute to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var concurrent *engine.ConcurrentPlanError
	if errors.As(err, &concurrent) {
		return ExitConcurrentPlan
	}
	if isConfigError(err) {
		return ExitConfigError
	}
	return ExitFailure
}

func isConfigError(err error) bool {
	var (
		loadErr  *eval.LoadError
		validErr *eval.ValidationError
	)
	return engine.IsConfigError(err) || errors.As(err, &loadErr) || errors.As(err, &validErr)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&stackFile, "file", "f", "", "Stack file (default: tierctl.yaml, tierctl.yml, tierctl.json or main.pkl)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "console", "Log format: console or json")
	flags.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file after the run")
	flags.BoolVar(&traceOutput, "trace", false, "Export trace spans to stderr")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(taintCmd)
	rootCmd.AddCommand(untaintCmd)
	rootCmd.AddCommand(versionCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	logging.Configure(logging.Options{Level: logLevel, Format: logFormat, Output: cmd.ErrOrStderr()})
	if os.Getenv("NO_COLOR") != "" {
		noColor = true
	}
	if traceOutput && stopTracing == nil {
		stop, err := telemetry.InitTracing(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		stopTracing = stop
	}
	return nil
}

func shutdown(ctx context.Context) error {
	if stopTracing == nil {
		return nil
	}
	stop := stopTracing
	stopTracing = nil
	if err := stop(ctx); err != nil {
		return fmt.Errorf("failed to flush traces: %w", err)
	}
	return nil
}
