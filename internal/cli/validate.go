package cli

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/picklr-io/lakestack/internal/engine"
)

var validateCmd = &cobra.Command{
	Use:   "validate [stack-file]",
	Short: "Validate a stack file",
	Long: `Loads the stack, resolves variables, builds the dependency graph and
checks every resource kind against its provider's catalog. No provider
API is called.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadStack(cmd.Context(), args)
	if err != nil {
		return err
	}

	g, err := engine.BuildGraph(engine.ExpandForEach(cfg.Resources))
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	res, err := engine.Resolve(g)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := engine.ValidateOutputs(cfg.Outputs, g); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	registry := newRegistry()
	for _, id := range res.Order {
		d := g.Declaration(id)
		adapter, err := registry.Get(d.ProviderName())
		if err != nil {
			return fmt.Errorf("validation failed: %s: %w", id, err)
		}
		if _, err := adapter.Metadata(d.Kind); err != nil {
			return fmt.Errorf("validation failed: %s: %w", id, err)
		}
	}

	pterm.Success.Printfln("Stack %s is valid: %d resource(s) in %d layer(s), %d output(s).",
		cfg.Name, g.Len(), len(res.Layers), len(cfg.Outputs))
	return nil
}
