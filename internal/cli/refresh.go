package cli

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/picklr-io/lakestack/internal/ir"
)

var refreshReportFile string

var refreshCmd = &cobra.Command{
	Use:   "refresh [stack-file]",
	Short: "Update state to match real infrastructure",
	Long: `Reads every managed resource from its provider and records what it
reports. Resources that no longer exist are dropped from state, so the
next apply creates them again.

Last-applied inputs are kept, so the next plan still shows drift.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRefresh,
}

func init() {
	refreshCmd.Flags().StringVar(&refreshReportFile, "report", "", "Write the run report as JSON to this file")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var cfg *ir.Config
	var err error
	if len(args) > 0 {
		cfg, err = loadStack(ctx, args)
	} else {
		cfg, err = loadStackIfPresent(ctx)
	}
	if err != nil {
		return err
	}
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg, 0)
	if err != nil {
		return err
	}

	var report *ir.Report
	err = withLock(ctx, backend, func() error {
		current, err := backend.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}
		if len(current.Resources) == 0 {
			pterm.Info.Println("No resources to refresh.")
			return nil
		}

		pterm.Info.Printfln("Refreshing %d resource(s)...", len(current.Resources))
		next, r, err := eng.Refresh(ctx, current)
		if err != nil {
			return fmt.Errorf("refresh failed: %w", err)
		}
		report = r
		return persist(ctx, backend, next)
	})
	if err != nil || report == nil {
		return err
	}
	return finishRun(cmd, report, refreshReportFile)
}
