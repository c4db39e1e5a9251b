package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/picklr-io/lakestack/internal/ir"
	"github.com/picklr-io/lakestack/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and edit recorded state",
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources in state",
	Args:  cobra.NoArgs,
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the recorded inputs and outputs of one resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateMvCmd = &cobra.Command{
	Use:   "mv <id> <new-id>",
	Short: "Rename a resource in state after renaming its declaration",
	Args:  cobra.ExactArgs(2),
	RunE:  runStateMv,
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Forget a resource without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateRm,
}

func init() {
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateMvCmd)
	stateCmd.AddCommand(stateRmCmd)
}

func stateBackend(ctx context.Context) (state.Backend, error) {
	cfg, err := loadStackIfPresent(ctx)
	if err != nil {
		return nil, err
	}
	return openBackend(ctx, cfg)
}

func runStateList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	backend, err := stateBackend(ctx)
	if err != nil {
		return err
	}
	s, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if len(s.Resources) == 0 {
		pterm.Info.Println("No resources in state.")
		return nil
	}

	pterm.Printfln("State serial %d, lineage %s", s.Serial, s.Lineage)
	data := [][]string{{"ID", "Kind", "Provider", "Status", "Physical ID"}}
	for _, rs := range s.Resources {
		data = append(data, []string{rs.ID, rs.Kind, rs.Provider, statusStyle(rs.Status).Sprint(string(rs.Status)), rs.PhysicalID})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	pterm.Printfln("Total: %d resource(s)", len(s.Resources))
	return nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	backend, err := stateBackend(ctx)
	if err != nil {
		return err
	}
	s, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	rs := s.Find(args[0])
	if rs == nil {
		return fmt.Errorf("resource %s not found in state", args[0])
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s\n", rs.ID)
	fmt.Fprintf(out, "  kind        = %s\n", rs.Kind)
	fmt.Fprintf(out, "  provider    = %s\n", rs.Provider)
	fmt.Fprintf(out, "  physical_id = %s\n", rs.PhysicalID)
	fmt.Fprintf(out, "  status      = %s\n", rs.Status)
	if len(rs.Dependencies) > 0 {
		fmt.Fprintf(out, "  depends_on  = %v\n", rs.Dependencies)
	}
	if !rs.UpdatedAt.IsZero() {
		fmt.Fprintf(out, "  updated_at  = %s\n", rs.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	}
	printSection(out, "Inputs", rs.Inputs)
	printSection(out, "Outputs", rs.Outputs)
	return nil
}

func printSection(out io.Writer, title string, values map[string]any) {
	if len(values) == 0 {
		return
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(out, "\n  %s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(out, "    %s = %s\n", k, formatValue(values[k]))
	}
}

// editState applies fn to locked state and writes the result.
func editState(ctx context.Context, fn func(*ir.State) error) error {
	backend, err := stateBackend(ctx)
	if err != nil {
		return err
	}
	return withLock(ctx, backend, func() error {
		s, err := backend.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}
		if err := fn(s); err != nil {
			return err
		}
		s.Serial++
		return persist(ctx, backend, s)
	})
}

func runStateMv(cmd *cobra.Command, args []string) error {
	src, dst := args[0], args[1]
	err := editState(cmd.Context(), func(s *ir.State) error {
		return renameResource(s, src, dst)
	})
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Moved %s to %s", src, dst)
	return nil
}

// renameResource changes a logical id and every dependency edge naming it.
func renameResource(s *ir.State, src, dst string) error {
	rs := s.Find(src)
	if rs == nil {
		return fmt.Errorf("resource %s not found in state", src)
	}
	if s.Find(dst) != nil {
		return fmt.Errorf("resource %s already exists in state", dst)
	}
	rs.ID = dst
	for _, other := range s.Resources {
		if i := slices.Index(other.Dependencies, src); i >= 0 {
			other.Dependencies[i] = dst
			sort.Strings(other.Dependencies)
		}
	}
	return nil
}

func runStateRm(cmd *cobra.Command, args []string) error {
	target := args[0]
	err := editState(cmd.Context(), func(s *ir.State) error {
		if s.Find(target) == nil {
			return fmt.Errorf("resource %s not found in state", target)
		}
		s.Remove(target)
		return nil
	})
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Removed %s from state (the resource was NOT deleted)", target)
	return nil
}
