package cli

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/picklr-io/lakestack/internal/ir"
)

var (
	destroyAutoApprove bool
	destroyParallelism int
	destroyReportFile  string
)

var destroyCmd = &cobra.Command{
	Use:   "destroy [stack-file]",
	Short: "Delete every resource recorded in state",
	Long: `Deletes all resources tracked in state, dependents before the resources
they depend on. A resource whose dependent could not be deleted is left in
place and reported as blocked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval")
	destroyCmd.Flags().IntVar(&destroyParallelism, "parallelism", 0, "Maximum concurrent provider operations (default: stack setting or 10)")
	destroyCmd.Flags().StringVar(&destroyReportFile, "report", "", "Write the run report as JSON to this file")
}

func runDestroy(cmd *cobra.Command, args []string) error {
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
	eng, err := newEngine(cfg, destroyParallelism)
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
			pterm.Info.Println("No resources in state. Nothing to destroy.")
			return nil
		}

		pterm.DefaultHeader.Println("lakestack will destroy the following resources")
		for _, rs := range current.Resources {
			line := fmt.Sprintf("- %s (%s) %s", rs.ID, rs.Kind, rs.PhysicalID)
			if rs.PreventDestroy {
				line += " [preventDestroy: will be kept]"
			}
			pterm.Println(actionStyle(ir.ActionDelete).Sprint(line))
		}
		pterm.Println()

		ok, err := confirm(destroyAutoApprove, fmt.Sprintf("Destroy all %d resources?", len(current.Resources)))
		if err != nil {
			return err
		}
		if !ok {
			pterm.Warning.Println("Destroy cancelled.")
			return nil
		}

		eng.OnEvent = printEvent
		next, r, err := eng.Destroy(ctx, current)
		if err != nil {
			return fmt.Errorf("destroy failed: %w", err)
		}
		report = r
		return persist(ctx, backend, next)
	})
	if err != nil || report == nil {
		return err
	}
	return finishRun(cmd, report, destroyReportFile)
}
