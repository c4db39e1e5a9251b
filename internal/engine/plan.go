package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/picklr-io/lakestack/internal/ir"
	"github.com/picklr-io/lakestack/internal/logging"
	"github.com/picklr-io/lakestack/internal/provider"
	"github.com/picklr-io/lakestack/internal/telemetry"
)

// Plan computes the changes Apply would make without mutating anything.
// Adapters are only asked to Read. References to outputs of resources that
// are about to be created or replaced stay unresolved and are marked
// Unknown in the diff.
func (e *Engine) Plan(ctx context.Context, cfg *ir.Config, state *ir.State) (*ir.Plan, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "plan")
	defer span.End()

	if state == nil {
		state = ir.NewState()
	}
	logging.Debug("creating plan", "resources", len(cfg.Resources), "state_resources", len(state.Resources))

	p, err := e.prepare(cfg, state)
	if err != nil {
		return nil, err
	}

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp:      time.Now().UTC().Format(time.RFC3339),
			ConfigHash:     hashJSON(cfg),
			PriorStateHash: hashJSON(state),
		},
		Changes: []*ir.ResourceChange{},
		Layers:  p.resolution.Layers,
		Summary: &ir.PlanSummary{},
	}

	// Resources whose outputs will still match state after apply.
	stable := make(map[string]bool)
	known := func(ref Reference) (any, bool) {
		if !stable[ref.Target] {
			return nil, false
		}
		rs := state.Find(ref.Target)
		if rs == nil {
			return nil, false
		}
		return attributeOf(rs, ref.Attribute)
	}

	var errs []error
	for _, id := range p.resolution.Order {
		decl := p.graph.Declaration(id)
		desired, _ := resolveProperties(decl.Properties, known)
		prior := state.Find(id)

		in := DecideInput{Decl: decl, Desired: desired, Prior: prior, Meta: p.meta[id]}
		if prior != nil && prior.PhysicalID != "" {
			obs, err := e.read(ctx, p, decl.ProviderName(), decl.Kind, prior.PhysicalID, p.timeouts[id])
			switch {
			case errors.Is(err, provider.ErrNotFound):
				in.Vanished = true
			case err != nil:
				logging.Warn("failed to read resource, planning from recorded state", "id", id, "error", err)
			default:
				in.Observed = obs
			}
		}

		decision, err := Decide(in)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if decision.Action == ir.ActionNoOp || decision.Action == ir.ActionUpdate {
			stable[id] = true
		}

		plan.Changes = append(plan.Changes, &ir.ResourceChange{
			ID:       id,
			Kind:     decl.Kind,
			Action:   decision.Action,
			Strategy: decision.Strategy,
			Reason:   decision.Reason,
			Desired:  decl,
			Prior:    prior,
			Diff:     decision.Diff,
		})
		plan.Summary.Count(decision.Action)
	}

	removed, err := removedResources(state, p.graph)
	if err != nil {
		return nil, err
	}
	for _, rs := range removed.resources {
		if rs.PreventDestroy {
			errs = append(errs, fmt.Errorf("%w: %s is no longer declared", ErrPreventDestroy, rs.ID))
			continue
		}
		plan.Changes = append(plan.Changes, &ir.ResourceChange{
			ID:     rs.ID,
			Kind:   rs.Kind,
			Action: ir.ActionDelete,
			Reason: "no longer declared",
			Prior:  rs,
			Diff:   deleteDiff(rs.Inputs),
		})
		plan.Summary.Count(ir.ActionDelete)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return plan, nil
}

func (e *Engine) read(ctx context.Context, p *prepared, providerName, kind, physicalID string, timeout time.Duration) (*provider.Observed, error) {
	a, err := e.adapter(p, providerName)
	if err != nil {
		return nil, err
	}
	var obs *provider.Observed
	_, err = e.call(ctx, providerName, "read", timeout, func(ctx context.Context) error {
		var err error
		obs, err = a.Read(ctx, kind, physicalID)
		return err
	})
	return obs, err
}

// removal is the set of resources in state that are no longer declared.
type removal struct {
	// resources is in destruction order.
	resources []*ir.ResourceState
	graph     *Graph
	layers    [][]string
}

func removedResources(state *ir.State, g *Graph) (*removal, error) {
	var orphans []*ir.ResourceState
	for _, rs := range state.Resources {
		if !g.Has(rs.ID) {
			orphans = append(orphans, rs)
		}
	}
	if len(orphans) == 0 {
		return &removal{}, nil
	}
	og, err := BuildGraphFromState(orphans)
	if err != nil {
		return nil, fmt.Errorf("failed to order removed resources: %w", err)
	}
	res, err := Resolve(og)
	if err != nil {
		return nil, fmt.Errorf("failed to order removed resources: %w", err)
	}
	rm := &removal{graph: og, layers: res.Reverse()}
	for _, layer := range rm.layers {
		for _, id := range layer {
			rm.resources = append(rm.resources, state.Find(id))
		}
	}
	return rm, nil
}

func hashJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
