package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var outputJSON bool

var outputCmd = &cobra.Command{
	Use:   "output [name]",
	Short: "Show output values from state",
	Long: `Reads exported output values from state.

If no name is given, all outputs are displayed. If a name is given,
only that output's value is printed, which suits shell substitution:

  aws eks update-kubeconfig --name "$(lakestack output clusterName)"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOutput,
}

func init() {
	outputCmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
}

func runOutput(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadStackIfPresent(ctx)
	if err != nil {
		return err
	}
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	s, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(args) > 0 {
		name := args[0]
		val, ok := s.Outputs[name]
		if !ok {
			return fmt.Errorf("output %q not found", name)
		}
		if outputJSON {
			data, err := json.Marshal(val)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
		} else {
			fmt.Fprintln(out, val)
		}
		return nil
	}

	if len(s.Outputs) == 0 {
		fmt.Fprintln(out, "No outputs recorded.")
		return nil
	}

	if outputJSON {
		data, err := json.MarshalIndent(s.Outputs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	names := make([]string, 0, len(s.Outputs))
	for k := range s.Outputs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(out, "%s = %v\n", k, s.Outputs[k])
	}
	return nil
}
