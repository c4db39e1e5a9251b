package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/picklr-io/lakestack/internal/ir"
)

var showCmd = &cobra.Command{
	Use:   "show <plan-file>",
	Short: "Show a plan saved with plan --out",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	plan, err := readPlanFile(args[0])
	if err != nil {
		return err
	}
	if plan.Metadata != nil {
		fmt.Printf("Plan created %s (config %s)\n\n", plan.Metadata.Timestamp, shortHash(plan.Metadata.ConfigHash))
	}
	renderPlan(plan)
	return nil
}

func readPlanFile(path string) (*ir.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var plan ir.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}
	if plan.Summary == nil {
		plan.Summary = &ir.PlanSummary{}
		for _, c := range plan.Changes {
			plan.Summary.Count(c.Action)
		}
	}
	return &plan, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
