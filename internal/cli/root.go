package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/picklr-io/lakestack/internal/logging"
	"github.com/picklr-io/lakestack/internal/telemetry"
)

// globals holds the persistent flags shared by every command.
var globals struct {
	stackFile   string
	statePath   string
	envFile     string
	vars        []string
	region      string
	logLevel    string
	logFormat   string
	noColor     bool
	metricsFile string
	trace       bool
	noHistory   bool
}

var (
	metrics       *telemetry.Metrics
	traceShutdown func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "lakestack",
	Short: "Declarative provisioning for data lake platforms",
	Long: `Lakestack provisions a data lake platform from a declarative stack file.

A stack declares resources such as a VPC, an EKS cluster, node groups,
an Aurora metastore, IAM roles and a data bucket. Lakestack resolves the
references between them into a dependency graph, compares the declarations
with recorded state and drives each provider to the declared configuration,
running independent resources concurrently.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute runs the root command. Cancelling ctx stops scheduling new work;
// in-flight provider calls finish and state is still written.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if cerr := teardown(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		pterm.Error.Println(err)
	}
	return err
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&globals.stackFile, "file", "f", "", "Stack file (default: stack.yaml, stack.yml or main.pkl in the current directory)")
	flags.StringVar(&globals.statePath, "state", "", "Local state file (default: .lakestack/state.json for the current workspace)")
	flags.StringVar(&globals.envFile, "env-file", "", "Dotenv file with variable overrides (default: .env next to the stack)")
	flags.StringArrayVar(&globals.vars, "var", nil, "Set a stack variable (format: name=value, repeatable)")
	flags.StringVar(&globals.region, "region", "", "AWS region (default: from the AWS environment)")
	flags.StringVar(&globals.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.StringVar(&globals.logFormat, "log-format", "console", "Log format: console or json")
	flags.BoolVar(&globals.noColor, "no-color", false, "Disable colored output")
	flags.StringVar(&globals.metricsFile, "metrics-file", "", "Write Prometheus metrics in text format to this file after the run")
	flags.BoolVar(&globals.trace, "trace", false, "Export trace spans to stderr")
	flags.BoolVar(&globals.noHistory, "no-history", false, "Do not record the run in the history database")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(fmtCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	switch globals.logFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid --log-format %q: expected console or json", globals.logFormat)
	}
	logging.Configure(logging.Options{Level: globals.logLevel, Format: globals.logFormat})

	if globals.noColor || os.Getenv("NO_COLOR") != "" {
		pterm.DisableColor()
	}

	metrics = telemetry.NewMetrics("lakestack")

	if globals.trace {
		shutdown, err := telemetry.SetupTracing(os.Stderr, "lakestack", Version)
		if err != nil {
			return err
		}
		traceShutdown = shutdown
	}
	return nil
}

// teardown flushes spans and writes the metrics file. It runs whether or
// not the command failed.
func teardown() error {
	var errs []error
	if traceShutdown != nil {
		errs = append(errs, traceShutdown(context.Background()))
		traceShutdown = nil
	}
	if globals.metricsFile != "" && metrics != nil {
		if err := metrics.WriteFile(globals.metricsFile); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics file: %w", err))
		}
	}
	return errors.Join(errs...)
}
