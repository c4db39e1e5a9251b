package cli

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	planOutFile     string
	planParallelism int
)

var planCmd = &cobra.Command{
	Use:   "plan [stack-file]",
	Short: "Show the changes an apply would make",
	Long: `Compares the stack with recorded state and the live view of each
resource and shows what an apply would do:

  • Resources to be created
  • Resources to be updated in place (with diff)
  • Resources to be replaced, and the property forcing it
  • Resources in state but no longer declared, to be deleted

Planning only reads from providers; nothing is changed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write the plan as JSON to this file")
	planCmd.Flags().IntVar(&planParallelism, "parallelism", 0, "Maximum concurrent provider reads (default: stack setting or 10)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	spinner, _ := pterm.DefaultSpinner.Start("Loading stack...")
	cfg, err := loadStack(ctx, args)
	if err != nil {
		spinner.Fail("Failed to load stack")
		return err
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		spinner.Fail("Failed to open state")
		return err
	}
	current, err := backend.Read(ctx)
	if err != nil {
		spinner.Fail("Failed to read state")
		return fmt.Errorf("failed to read state: %w", err)
	}

	eng, err := newEngine(cfg, planParallelism)
	if err != nil {
		spinner.Fail("Invalid settings")
		return err
	}

	spinner.UpdateText("Calculating plan...")
	plan, err := eng.Plan(ctx, cfg, current)
	if err != nil {
		spinner.Fail("Planning failed")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	spinner.Success("Plan calculated")

	if planOutFile != "" {
		if err := writeJSON(planOutFile, plan); err != nil {
			return fmt.Errorf("failed to write plan: %w", err)
		}
		pterm.Info.Printfln("Plan written to %s", planOutFile)
	}

	if !plan.HasChanges() {
		pterm.Info.Println("No changes. Infrastructure matches the stack.")
		return nil
	}

	pterm.Println()
	renderPlan(plan)
	return nil
}
