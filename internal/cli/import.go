package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/picklr-io/lakestack/internal/engine"
	"github.com/picklr-io/lakestack/internal/ir"
	"github.com/picklr-io/lakestack/internal/provider"
)

var importCmd = &cobra.Command{
	Use:   "import <id> <physical-id>",
	Short: "Adopt an existing resource into state",
	Long: `Reads an existing resource from its provider and records it in state
under the logical id of a declaration in the stack. The next plan compares
the declaration with what was read, so any difference shows as an update.

Example:
  lakestack import metastore hive-metastore`,
	Args: cobra.ExactArgs(2),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	id, physicalID := args[0], args[1]
	ctx := cmd.Context()

	cfg, err := loadStack(ctx, nil)
	if err != nil {
		return err
	}
	g, err := engine.BuildGraph(engine.ExpandForEach(cfg.Resources))
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}
	decl := g.Declaration(id)
	if decl == nil {
		return fmt.Errorf("%s is not declared in stack %s", id, cfg.Name)
	}

	adapter, err := newRegistry().Get(decl.ProviderName())
	if err != nil {
		return err
	}

	pterm.Info.Printfln("Importing %s (%s %s)...", id, decl.Kind, physicalID)
	obs, err := adapter.Read(ctx, decl.Kind, physicalID)
	if errors.Is(err, provider.ErrNotFound) {
		return fmt.Errorf("%s %s does not exist", decl.Kind, physicalID)
	}
	if err != nil {
		return fmt.Errorf("failed to read resource from provider: %w", err)
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	err = withLock(ctx, backend, func() error {
		s, err := backend.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}
		if s.Find(id) != nil {
			return fmt.Errorf("resource %s already exists in state", id)
		}
		if s.Lineage == "" {
			s.Lineage = uuid.NewString()
		}
		s.Upsert(importedState(decl, physicalID, g.Dependencies(id), obs))
		s.Serial++
		return persist(ctx, backend, s)
	})
	if err != nil {
		return err
	}

	pterm.Success.Printfln("Imported %s as %s", physicalID, id)
	return nil
}

// importedState records an adopted resource. Its last-applied inputs are
// what the provider reported, so the first plan diffs against reality.
func importedState(decl *ir.Declaration, physicalID string, deps []string, obs *provider.Observed) *ir.ResourceState {
	if obs.PhysicalID != "" {
		physicalID = obs.PhysicalID
	}
	inputs := ir.CopyMap(obs.Properties)
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &ir.ResourceState{
		ID:             decl.ID,
		Kind:           decl.Kind,
		Provider:       decl.ProviderName(),
		PhysicalID:     physicalID,
		Inputs:         inputs,
		InputsHash:     ir.HashInputs(inputs),
		Outputs:        ir.CopyMap(obs.Outputs),
		Dependencies:   deps,
		Status:         ir.StatusReady,
		PreventDestroy: decl.Lifecycle != nil && decl.Lifecycle.PreventDestroy,
		UpdatedAt:      time.Now().UTC(),
	}
}
