package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/picklr-io/lakestack/internal/ir"
	"github.com/picklr-io/lakestack/internal/logging"
	"github.com/picklr-io/lakestack/internal/provider"
	"github.com/picklr-io/lakestack/internal/telemetry"
)

// run is the mutable bookkeeping of one Apply or Destroy. Each NodeResult
// is written only by the goroutine reconciling that node; state is shared
// and guarded by mu.
type run struct {
	e       *Engine
	p       *prepared
	mu      sync.Mutex
	state   *ir.State
	report  *ir.Report
	results map[string]*ir.NodeResult
}

func (e *Engine) newRun(command string, p *prepared, state *ir.State) *run {
	next := state.Clone()
	if next.Lineage == "" {
		next.Lineage = uuid.NewString()
	}
	return &run{
		e:     e,
		p:     p,
		state: next,
		report: &ir.Report{
			RunID:     uuid.NewString(),
			Command:   command,
			StartedAt: time.Now().UTC(),
		},
		results: make(map[string]*ir.NodeResult),
	}
}

func (r *run) result(id, kind string) *ir.NodeResult {
	if n, ok := r.results[id]; ok {
		return n
	}
	n := &ir.NodeResult{ID: id, Kind: kind, Status: ir.StatusPending}
	r.results[id] = n
	r.report.Nodes = append(r.report.Nodes, n)
	return n
}

// Apply reconciles the declared stack against state. The returned error is
// reserved for failures before any provider call: graph, ordering and
// registry errors. Node failures are recorded in the report, and the
// returned state always reflects what was actually provisioned.
func (e *Engine) Apply(ctx context.Context, cfg *ir.Config, state *ir.State) (*ir.State, *ir.Report, error) {
	if state == nil {
		state = ir.NewState()
	}
	p, err := e.prepare(cfg, state)
	if err != nil {
		return nil, nil, err
	}

	r := e.newRun("apply", p, state)
	r.report.Stack = cfg.Name
	ctx, span := telemetry.Tracer().Start(ctx, "apply")
	defer span.End()
	span.SetAttributes(telemetry.AttrRunID.String(r.report.RunID))

	for _, id := range p.resolution.Order {
		r.result(id, p.graph.Declaration(id).Kind)
	}
	removed, err := removedResources(state, p.graph)
	if err != nil {
		return nil, nil, err
	}
	for _, rs := range removed.resources {
		r.result(rs.ID, rs.Kind).Action = ir.ActionDelete
	}

	logging.Info("applying stack", "stack", cfg.Name, "resources", p.graph.Len(), "layers", len(p.resolution.Layers), "run_id", r.report.RunID)

	r.runLayers(ctx, p.resolution.Layers, r.dependencyBlocker, r.reconcile)

	if len(removed.resources) > 0 && !r.report.Cancelled {
		r.runLayers(ctx, removed.layers, r.dependentBlocker(removed.graph), r.destroy)
	}

	r.report.Outputs = ExportOutputs(cfg.Outputs, r.state, r.report)
	r.state.Outputs = ResolvedOutputs(r.report.Outputs)
	r.finish(span)
	return r.state, r.report, nil
}

// Destroy deletes every resource in state, dependents first. A resource
// whose dependent could not be deleted is Blocked.
func (e *Engine) Destroy(ctx context.Context, state *ir.State) (*ir.State, *ir.Report, error) {
	if state == nil {
		state = ir.NewState()
	}
	g, err := BuildGraphFromState(state.Resources)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}
	res, err := Resolve(g)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to order resources: %w", err)
	}

	p := &prepared{graph: g, resolution: res, adapters: make(map[string]provider.Adapter)}
	for _, rs := range state.Resources {
		if _, err := e.adapter(p, rs.Provider); err != nil {
			return nil, nil, err
		}
	}

	r := e.newRun("destroy", p, state)
	ctx, span := telemetry.Tracer().Start(ctx, "destroy")
	defer span.End()
	span.SetAttributes(telemetry.AttrRunID.String(r.report.RunID))

	for _, layer := range res.Reverse() {
		for _, id := range layer {
			r.result(id, state.Find(id).Kind).Action = ir.ActionDelete
		}
	}

	logging.Info("destroying stack", "resources", g.Len(), "run_id", r.report.RunID)
	r.runLayers(ctx, res.Reverse(), r.dependentBlocker(g), r.destroy)

	r.state.Outputs = nil
	r.finish(span)
	return r.state, r.report, nil
}

func (r *run) finish(span trace.Span) {
	r.state.Serial++
	r.report.FinishedAt = time.Now().UTC()
	status := r.report.Status()
	if status != "success" {
		span.SetStatus(codes.Error, status)
	}
	r.e.Metrics.RunCompleted(r.report.Command, status, r.report.FinishedAt.Sub(r.report.StartedAt))
	s := r.report.Summary()
	logging.Info("run finished", "command", r.report.Command, "status", status,
		"ready", s.Ready, "failed", s.Failed, "blocked", s.Blocked, "pending", s.Pending, "destroyed", s.Destroyed)
}

// runLayers executes layers strictly in order. Within a layer nodes run
// concurrently, bounded by the engine's parallelism. A node whose blocker
// function names a culprit is marked Blocked without any provider call.
// Once ctx is cancelled no new node starts and remaining nodes stay Pending.
func (r *run) runLayers(ctx context.Context, layers [][]string, blocker func(id string) string, work func(ctx context.Context, n *ir.NodeResult)) {
	sem := semaphore.NewWeighted(int64(r.e.parallelism()))

	for _, layer := range layers {
		if ctx.Err() != nil {
			r.report.Cancelled = true
			return
		}

		var wg sync.WaitGroup
		for _, id := range layer {
			n := r.results[id]
			if culprit := blocker(id); culprit != "" {
				n.Status = ir.StatusBlocked
				n.BlockedBy = culprit
				logging.Warn("resource blocked", "id", id, "blocked_by", culprit)
				r.e.emit(ApplyEvent{ID: id, Action: n.Action, Status: "blocked"})
				r.e.Metrics.NodeCompleted(string(n.Action), string(n.Status), 0)
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				r.report.Cancelled = true
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				work(ctx, n)
			}()
		}
		wg.Wait()

		if r.report.Cancelled {
			return
		}
	}
}

// dependencyBlocker names the failed ancestor of id, if any.
func (r *run) dependencyBlocker(id string) string {
	for _, dep := range r.p.graph.Dependencies(id) {
		if culprit := culpritOf(r.results[dep]); culprit != "" {
			return culprit
		}
	}
	return ""
}

// dependentBlocker names a dependent of id in g that was not destroyed.
func (r *run) dependentBlocker(g *Graph) func(id string) string {
	return func(id string) string {
		for _, dep := range g.Dependents(id) {
			n := r.results[dep]
			if n == nil || n.Status == ir.StatusDestroyed {
				continue
			}
			if n.Status == ir.StatusBlocked {
				return n.BlockedBy
			}
			return dep
		}
		return ""
	}
}

func culpritOf(n *ir.NodeResult) string {
	switch {
	case n == nil || n.Status == ir.StatusReady:
		return ""
	case n.Status == ir.StatusBlocked:
		return n.BlockedBy
	default:
		return n.ID
	}
}

func (r *run) snapshot(id string) *ir.ResourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs := r.state.Find(id); rs != nil {
		c := *rs
		c.Inputs = ir.CopyMap(rs.Inputs)
		c.Outputs = ir.CopyMap(rs.Outputs)
		return &c
	}
	return nil
}

func (r *run) record(rs *ir.ResourceState) {
	rs.UpdatedAt = time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Upsert(rs)
}

func (r *run) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Remove(id)
}

// nodeOp bundles what a worker needs to reconcile one declaration.
type nodeOp struct {
	r        *run
	n        *ir.NodeResult
	decl     *ir.Declaration
	adapter  provider.Adapter
	provider string
	timeout  time.Duration
}

func (o *nodeOp) call(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts, err := o.r.e.call(ctx, o.provider, op, o.timeout, fn)
	o.n.Attempts += attempts
	return err
}

// reconcile resolves, reads, decides and executes one declared node.
func (r *run) reconcile(ctx context.Context, n *ir.NodeResult) {
	decl := r.p.graph.Declaration(n.ID)
	ctx, span := telemetry.Tracer().Start(ctx, "reconcile "+n.ID)
	defer span.End()
	span.SetAttributes(telemetry.AttrResourceID.String(n.ID), telemetry.AttrResourceKind.String(decl.Kind))

	start := time.Now()
	n.Status = ir.StatusProvisioning

	o := &nodeOp{
		r:        r,
		n:        n,
		decl:     decl,
		adapter:  r.p.adapters[decl.ProviderName()],
		provider: decl.ProviderName(),
		timeout:  r.p.timeouts[n.ID],
	}

	err := o.reconcile(ctx)

	n.Duration = time.Since(start)
	span.SetAttributes(telemetry.AttrAction.String(string(n.Action)))
	if err != nil {
		n.Status = ir.StatusFailed
		n.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.Error("resource failed", "id", n.ID, "action", n.Action, "attempts", n.Attempts, "error", err)
		r.e.emit(ApplyEvent{ID: n.ID, Action: n.Action, Status: "failed", Duration: n.Duration, Error: err})
	} else {
		n.Status = ir.StatusReady
		logging.Info("resource ready", "id", n.ID, "action", n.Action, "physical_id", n.PhysicalID, "duration", n.Duration)
		r.e.emit(ApplyEvent{ID: n.ID, Action: n.Action, Status: "completed", Duration: n.Duration})
	}
	r.e.Metrics.NodeCompleted(string(n.Action), string(n.Status), n.Duration)
}

func (o *nodeOp) reconcile(ctx context.Context) error {
	r, n, decl := o.r, o.n, o.decl

	r.mu.Lock()
	desired, missing := resolveProperties(decl.Properties, stateLookup(r.state, true))
	r.mu.Unlock()
	if len(missing) > 0 {
		return provider.Fatalf("unresolved reference %s", missing[0])
	}

	prior := r.snapshot(n.ID)
	in := DecideInput{Decl: decl, Desired: desired, Prior: prior, Meta: r.p.meta[n.ID]}

	if prior != nil && prior.PhysicalID != "" {
		var obs *provider.Observed
		err := o.call(ctx, "read", func(ctx context.Context) error {
			var err error
			obs, err = o.adapter.Read(ctx, decl.Kind, prior.PhysicalID)
			return err
		})
		switch {
		case errors.Is(err, provider.ErrNotFound):
			logging.Warn("resource deleted outside of lakestack", "id", n.ID, "physical_id", prior.PhysicalID)
			in.Vanished = true
		case err != nil:
			return fmt.Errorf("failed to read %s: %w", prior.PhysicalID, err)
		default:
			in.Observed = obs
		}
	}

	decision, err := Decide(in)
	if err != nil {
		n.Action = ir.ActionReplace
		return err
	}
	n.Action = decision.Action
	if decision.Action != ir.ActionNoOp {
		r.e.emit(ApplyEvent{ID: n.ID, Action: n.Action, Status: "started"})
	}

	switch decision.Action {
	case ir.ActionNoOp:
		next := o.state(prior.PhysicalID, prior.Inputs, prior.Outputs)
		if in.Observed != nil && in.Observed.Outputs != nil {
			next.Outputs = mergeOutputs(prior.Outputs, in.Observed.Outputs)
		}
		r.record(next)
		n.PhysicalID = prior.PhysicalID
		return nil

	case ir.ActionCreate:
		return o.create(ctx, desired, "")

	case ir.ActionUpdate:
		var result *provider.Result
		err := o.call(ctx, "update", func(ctx context.Context) error {
			var err error
			result, err = o.adapter.Update(ctx, &provider.UpdateRequest{
				Kind:       decl.Kind,
				LogicalID:  n.ID,
				PhysicalID: prior.PhysicalID,
				Properties: ir.CopyMap(desired),
				Changed:    decision.Changed,
			})
			return err
		})
		if err != nil {
			failed := o.state(prior.PhysicalID, prior.Inputs, prior.Outputs)
			failed.Status = ir.StatusFailed
			r.record(failed)
			return err
		}
		physicalID := prior.PhysicalID
		if result.PhysicalID != "" {
			physicalID = result.PhysicalID
		}
		r.record(o.state(physicalID, desired, mergeOutputs(prior.Outputs, result.Outputs)))
		n.PhysicalID = physicalID
		return nil

	case ir.ActionReplace:
		if decision.Strategy == ir.CreateBeforeDestroy {
			if err := o.create(ctx, desired, prior.PhysicalID); err != nil {
				return err
			}
			if n.PhysicalID == prior.PhysicalID {
				// The provider handed back the instance being replaced.
				kept := o.state(prior.PhysicalID, prior.Inputs, prior.Outputs)
				kept.Status = ir.StatusFailed
				r.record(kept)
				return provider.Fatalf("%s %s cannot coexist with its replacement under the same identity; rename it or drop createBeforeDestroy", decl.Kind, prior.PhysicalID)
			}
			if err := o.delete(ctx, prior.PhysicalID); err != nil {
				// The new instance is live and recorded; the old one leaked.
				n.Error = fmt.Sprintf("replaced, but failed to delete previous instance %s: %v", prior.PhysicalID, err)
				logging.Warn("failed to delete replaced resource", "id", n.ID, "physical_id", prior.PhysicalID, "error", err)
			}
			return nil
		}
		if err := o.delete(ctx, prior.PhysicalID); err != nil {
			failed := o.state(prior.PhysicalID, prior.Inputs, prior.Outputs)
			failed.Status = ir.StatusFailed
			r.record(failed)
			return err
		}
		return o.create(ctx, desired, "")
	}
	return fmt.Errorf("unexpected action %s", decision.Action)
}

func (o *nodeOp) create(ctx context.Context, desired map[string]any, replaces string) error {
	var result *provider.Result
	err := o.call(ctx, "create", func(ctx context.Context) error {
		var err error
		result, err = o.adapter.Create(ctx, &provider.CreateRequest{
			Kind:       o.decl.Kind,
			LogicalID:  o.n.ID,
			Properties: ir.CopyMap(desired),
			Replaces:   replaces,
		})
		return err
	})
	if err != nil {
		failed := o.state("", desired, nil)
		failed.Status = ir.StatusFailed
		if replaces != "" {
			// The old instance is untouched and still serves dependents.
			if prior := o.r.snapshot(o.n.ID); prior != nil {
				failed = prior
				failed.Status = ir.StatusFailed
			}
		}
		o.r.record(failed)
		return err
	}
	if result == nil || result.PhysicalID == "" {
		err := provider.Fatalf("provider %s returned no physical id for %s", o.provider, o.n.ID)
		failed := o.state("", desired, nil)
		failed.Status = ir.StatusFailed
		o.r.record(failed)
		return err
	}
	o.r.record(o.state(result.PhysicalID, desired, result.Outputs))
	o.n.PhysicalID = result.PhysicalID
	return nil
}

func (o *nodeOp) delete(ctx context.Context, physicalID string) error {
	err := o.call(ctx, "delete", func(ctx context.Context) error {
		err := o.adapter.Delete(ctx, o.decl.Kind, physicalID)
		if errors.Is(err, provider.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", physicalID, err)
	}
	return nil
}

// state builds the ResourceState for this node as Ready.
func (o *nodeOp) state(physicalID string, inputs, outputs map[string]any) *ir.ResourceState {
	preventDestroy := o.decl.Lifecycle != nil && o.decl.Lifecycle.PreventDestroy
	return &ir.ResourceState{
		ID:             o.n.ID,
		Kind:           o.decl.Kind,
		Provider:       o.provider,
		PhysicalID:     physicalID,
		Inputs:         ir.CopyMap(inputs),
		InputsHash:     ir.HashInputs(inputs),
		Outputs:        ir.CopyMap(outputs),
		Dependencies:   o.r.p.graph.Dependencies(o.n.ID),
		Status:         ir.StatusReady,
		PreventDestroy: preventDestroy,
	}
}

// destroy deletes one resource recorded in state.
func (r *run) destroy(ctx context.Context, n *ir.NodeResult) {
	ctx, span := telemetry.Tracer().Start(ctx, "destroy "+n.ID)
	defer span.End()

	start := time.Now()
	rs := r.snapshot(n.ID)
	n.Action = ir.ActionDelete
	n.PhysicalID = rs.PhysicalID
	span.SetAttributes(telemetry.AttrResourceID.String(n.ID), telemetry.AttrResourceKind.String(rs.Kind))
	r.e.emit(ApplyEvent{ID: n.ID, Action: n.Action, Status: "started"})

	err := r.destroyResource(ctx, n, rs)

	n.Duration = time.Since(start)
	if err != nil {
		n.Status = ir.StatusFailed
		n.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.Error("resource deletion failed", "id", n.ID, "physical_id", rs.PhysicalID, "error", err)
		r.e.emit(ApplyEvent{ID: n.ID, Action: n.Action, Status: "failed", Duration: n.Duration, Error: err})
	} else {
		n.Status = ir.StatusDestroyed
		logging.Info("resource destroyed", "id", n.ID, "physical_id", rs.PhysicalID, "duration", n.Duration)
		r.e.emit(ApplyEvent{ID: n.ID, Action: n.Action, Status: "completed", Duration: n.Duration})
	}
	r.e.Metrics.NodeCompleted(string(n.Action), string(n.Status), n.Duration)
}

func (r *run) destroyResource(ctx context.Context, n *ir.NodeResult, rs *ir.ResourceState) error {
	if rs.PreventDestroy {
		return fmt.Errorf("%w: refusing to delete %s", ErrPreventDestroy, n.ID)
	}
	if rs.PhysicalID == "" {
		r.remove(n.ID)
		return nil
	}

	a := r.p.adapters[rs.Provider]
	rs.Status = ir.StatusDestroying
	attempts, err := r.e.call(ctx, rs.Provider, "delete", 0, func(ctx context.Context) error {
		err := a.Delete(ctx, rs.Kind, rs.PhysicalID)
		if errors.Is(err, provider.ErrNotFound) {
			return nil
		}
		return err
	})
	n.Attempts = attempts
	if err != nil {
		rs.Status = ir.StatusFailed
		r.record(rs)
		return err
	}
	r.remove(n.ID)
	return nil
}

func mergeOutputs(base, overlay map[string]any) map[string]any {
	out := ir.CopyMap(base)
	if out == nil {
		out = make(map[string]any, len(overlay))
	}
	for k, v := range overlay {
		out[k] = ir.CopyValue(v)
	}
	return out
}
