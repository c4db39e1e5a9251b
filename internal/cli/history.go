package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/picklr-io/lakestack/internal/history"
	"github.com/picklr-io/lakestack/internal/ir"
)

var (
	historyLimit    int
	historyResource string
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List past runs or show one run's report",
	Long: `Every apply, destroy and refresh is recorded in .lakestack/history.db.

Without arguments, lists recent runs. With a run id, prints that run's
per-resource report. With --resource, lists every recorded action on one
resource.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list")
	historyCmd.Flags().StringVar(&historyResource, "resource", "", "Show the history of one resource")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := history.Open(ctx, history.DefaultPath)
	if err != nil {
		return err
	}
	defer store.Close()

	switch {
	case len(args) > 0:
		report, err := store.Get(ctx, args[0])
		if errors.Is(err, history.ErrNotFound) {
			return fmt.Errorf("run %s not found", args[0])
		}
		if err != nil {
			return err
		}
		pterm.DefaultHeader.Printf("Run %s: %s of %s", report.RunID, report.Command, report.Stack)
		pterm.Printfln("Started %s, took %s", report.StartedAt.Local().Format(time.DateTime), report.FinishedAt.Sub(report.StartedAt).Round(time.Second))
		renderReport(report)
		return nil

	case historyResource != "":
		runs, err := store.ResourceHistory(ctx, historyResource)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			pterm.Info.Printfln("No history for %s.", historyResource)
			return nil
		}
		pterm.DefaultHeader.Printf("History of %s", historyResource)
		data := [][]string{{"Run", "Date", "Command", "Action", "Status", "Physical ID", "Error"}}
		for _, r := range runs {
			data = append(data, []string{
				r.RunID,
				r.StartedAt.Local().Format(time.DateTime),
				r.Command,
				actionStyle(r.Action).Sprint(string(r.Action)),
				statusStyle(r.Status).Sprint(string(r.Status)),
				r.PhysicalID,
				truncate(r.Error, 60),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()

	default:
		runs, err := store.List(ctx, historyLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			pterm.Info.Println("No runs recorded.")
			return nil
		}
		pterm.DefaultHeader.Println("Run History")
		data := [][]string{{"Run", "Date", "Command", "Stack", "Status", "Ready", "Failed", "Blocked", "Duration"}}
		for _, r := range runs {
			data = append(data, []string{
				r.RunID,
				r.StartedAt.Local().Format(time.DateTime),
				r.Command,
				r.Stack,
				runStatusStyle(r.Status).Sprint(r.Status),
				fmt.Sprint(r.Summary.Ready + r.Summary.Destroyed),
				fmt.Sprint(r.Summary.Failed),
				fmt.Sprint(r.Summary.Blocked),
				r.Duration().Round(time.Second).String(),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}
}

func runStatusStyle(status string) *pterm.Style {
	switch status {
	case "success":
		return statusStyle(ir.StatusReady)
	case "failed":
		return statusStyle(ir.StatusFailed)
	default:
		return statusStyle(ir.StatusBlocked)
	}
}
