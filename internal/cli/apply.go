package cli

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/picklr-io/lakestack/internal/ir"
)

var (
	applyAutoApprove bool
	applyParallelism int
	applyReportFile  string
)

var applyCmd = &cobra.Command{
	Use:   "apply [stack-file]",
	Short: "Provision the stack",
	Long: `Creates, updates, replaces and deletes resources until the
infrastructure matches the stack.

Resources run layer by layer in dependency order; independent resources in
a layer run concurrently. When a resource fails, everything depending on it
is reported as blocked and skipped, while unrelated resources continue.
Successfully provisioned resources are kept and recorded in state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of the plan")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", 0, "Maximum concurrent provider operations (default: stack setting or 10)")
	applyCmd.Flags().StringVar(&applyReportFile, "report", "", "Write the run report as JSON to this file")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadStack(ctx, args)
	if err != nil {
		return err
	}
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg, applyParallelism)
	if err != nil {
		return err
	}

	var report *ir.Report
	err = withLock(ctx, backend, func() error {
		current, err := backend.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}

		plan, err := eng.Plan(ctx, cfg, current)
		if err != nil {
			return fmt.Errorf("plan generation failed: %w", err)
		}
		if !plan.HasChanges() {
			pterm.Info.Println("No changes. Infrastructure matches the stack.")
			return nil
		}

		pterm.DefaultHeader.Printf("lakestack will perform the following actions on %s", cfg.Name)
		renderPlan(plan)
		pterm.Println()

		ok, err := confirm(applyAutoApprove, "Do you want to perform these actions?")
		if err != nil {
			return err
		}
		if !ok {
			pterm.Warning.Println("Apply cancelled.")
			return nil
		}

		eng.OnEvent = printEvent
		next, r, err := eng.Apply(ctx, cfg, current)
		if err != nil {
			return fmt.Errorf("apply failed: %w", err)
		}
		report = r
		return persist(ctx, backend, next)
	})
	if err != nil || report == nil {
		return err
	}

	return finishRun(cmd, report, applyReportFile)
}

// finishRun records, prints and optionally saves a report, then turns an
// unsuccessful run into an error.
func finishRun(cmd *cobra.Command, report *ir.Report, reportFile string) error {
	recordRun(cmd.Context(), report)
	renderReport(report)
	renderOutputs(report.Outputs)

	if reportFile != "" {
		if err := writeJSON(reportFile, report); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		pterm.Info.Printfln("Report written to %s", reportFile)
	}
	return runError(report)
}
