package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/picklr-io/lakestack/internal/ir"
	"github.com/picklr-io/lakestack/internal/logging"
	"github.com/picklr-io/lakestack/internal/provider"
	"github.com/picklr-io/lakestack/internal/telemetry"
)

// Refresh re-reads every resource in state. Outputs are updated from what
// the provider reports and resources that no longer exist are dropped.
// Last-applied inputs are left untouched so the next plan still shows drift.
func (e *Engine) Refresh(ctx context.Context, state *ir.State) (*ir.State, *ir.Report, error) {
	if state == nil {
		state = ir.NewState()
	}
	p := &prepared{adapters: make(map[string]provider.Adapter)}
	for _, rs := range state.Resources {
		if _, err := e.adapter(p, rs.Provider); err != nil {
			return nil, nil, err
		}
	}

	r := e.newRun("refresh", p, state)
	ctx, span := telemetry.Tracer().Start(ctx, "refresh")
	defer span.End()

	for _, rs := range state.Resources {
		r.result(rs.ID, rs.Kind).Action = ir.ActionNoOp
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism())
	for _, prior := range state.Resources {
		n := r.results[prior.ID]
		rs := r.snapshot(prior.ID)
		g.Go(func() error {
			r.refresh(ctx, n, rs)
			return nil
		})
	}
	_ = g.Wait()

	r.finish(span)
	return r.state, r.report, nil
}

func (r *run) refresh(ctx context.Context, n *ir.NodeResult, rs *ir.ResourceState) {
	start := time.Now()
	defer func() { n.Duration = time.Since(start) }()
	n.PhysicalID = rs.PhysicalID

	if rs.PhysicalID == "" {
		n.Status = rs.Status
		return
	}

	a := r.p.adapters[rs.Provider]
	var obs *provider.Observed
	attempts, err := r.e.call(ctx, rs.Provider, "read", 0, func(ctx context.Context) error {
		var err error
		obs, err = a.Read(ctx, rs.Kind, rs.PhysicalID)
		return err
	})
	n.Attempts = attempts

	switch {
	case errors.Is(err, provider.ErrNotFound):
		r.remove(rs.ID)
		n.Status = ir.StatusDestroyed
		n.Error = "no longer exists"
		logging.Warn("resource deleted outside of lakestack", "id", rs.ID, "physical_id", rs.PhysicalID)
	case err != nil:
		n.Status = ir.StatusFailed
		n.Error = fmt.Sprintf("failed to read %s: %v", rs.PhysicalID, err)
		logging.Error("refresh failed", "id", rs.ID, "error", err)
	default:
		if obs.Outputs != nil {
			rs.Outputs = mergeOutputs(rs.Outputs, obs.Outputs)
		}
		if rs.Status == ir.StatusFailed || rs.Status == ir.StatusProvisioning {
			rs.Status = ir.StatusReady
		}
		r.record(rs)
		n.Status = rs.Status
		logging.Debug("resource refreshed", "id", rs.ID, "physical_id", rs.PhysicalID)
	}
	r.e.emit(ApplyEvent{ID: rs.ID, Action: n.Action, Status: "completed", Duration: time.Since(start)})
}
