package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/lakestack/internal/engine"
)

var graphLayers bool

var graphCmd = &cobra.Command{
	Use:   "graph [stack-file]",
	Short: "Output the dependency graph in DOT format",
	Long: `Prints the resource dependency graph in Graphviz DOT format. Pipe the
output to 'dot' to render an image:

  lakestack graph | dot -Tpng > graph.png

With --layers, prints the execution layers instead: every resource in a
layer depends only on resources in earlier layers.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGraph,
}

func init() {
	graphCmd.Flags().BoolVar(&graphLayers, "layers", false, "Print execution layers instead of DOT")
}

func runGraph(cmd *cobra.Command, args []string) error {
	cfg, err := loadStack(cmd.Context(), args)
	if err != nil {
		return err
	}

	g, err := engine.BuildGraph(engine.ExpandForEach(cfg.Resources))
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}

	out := cmd.OutOrStdout()
	if !graphLayers {
		fmt.Fprint(out, g.ToDOT(cfg.Name))
		return nil
	}

	res, err := engine.Resolve(g)
	if err != nil {
		return err
	}
	for i, layer := range res.Layers {
		fmt.Fprintf(out, "layer %d:\n", i)
		for _, id := range layer {
			fmt.Fprintf(out, "  %s (%s)\n", id, g.Declaration(id).Kind)
		}
	}
	return nil
}
