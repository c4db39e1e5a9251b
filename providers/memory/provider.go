// Package memory implements an in-process provider. Resources live in a map
// for the lifetime of the Provider, which makes it useful for dry runs and
// for exercising the engine in tests: faults can be injected per logical id
// and every call is recorded.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/picklr-io/lakestack/internal/ir"
	"github.com/picklr-io/lakestack/internal/provider"
)

const Name = "memory"

// Resource is one stored resource.
type Resource struct {
	Kind       string
	LogicalID  string
	PhysicalID string
	Properties map[string]any
	Outputs    map[string]any
}

// Call records one adapter invocation.
type Call struct {
	Op         string // "create", "read", "update", "delete"
	Kind       string
	LogicalID  string
	PhysicalID string
}

type fault struct {
	err       error
	remaining int // <0 fails forever
}

type Provider struct {
	catalog provider.Catalog

	// Hook, when set, runs before every call outside the provider's lock.
	Hook func(Call)

	mu        sync.Mutex
	resources map[string]*Resource
	byLogical map[string]string
	faults    map[string]*fault
	calls     []Call
	seq       int
}

// New returns an empty provider. Kinds not listed in kinds are accepted and
// treated as fully updatable in place.
func New(kinds ...provider.KindMetadata) *Provider {
	return &Provider{
		catalog:   provider.NewCatalog(kinds...),
		resources: make(map[string]*Resource),
		byLogical: make(map[string]string),
		faults:    make(map[string]*fault),
	}
}

// Factory constructs a provider for the registry.
func Factory() (provider.Adapter, error) {
	return New(), nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Kinds() []provider.KindMetadata { return p.catalog.Kinds() }

func (p *Provider) Metadata(kind string) (provider.KindMetadata, error) {
	if m, err := p.catalog.Metadata(kind); err == nil {
		return m, nil
	}
	return provider.KindMetadata{Kind: kind, Description: "in-memory resource", Updatable: []string{"*"}}, nil
}

// FailOn makes every mutation of logicalID fail with err.
func (p *Provider) FailOn(logicalID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[logicalID] = &fault{err: provider.Fatal(err), remaining: -1}
}

// FailTransient makes the next n mutations of logicalID fail with a
// retryable error.
func (p *Provider) FailTransient(logicalID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[logicalID] = &fault{
		err:       provider.Transientf("simulated throttling for %s", logicalID),
		remaining: n,
	}
}

// ClearFaults removes all injected faults.
func (p *Provider) ClearFaults() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = make(map[string]*fault)
}

// Calls returns a copy of the call log.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// CallsFor returns the calls made for one logical id.
func (p *Provider) CallsFor(logicalID string) []Call {
	var out []Call
	for _, c := range p.Calls() {
		if c.LogicalID == logicalID {
			out = append(out, c)
		}
	}
	return out
}

// Resource returns a stored resource by physical id.
func (p *Provider) Resource(physicalID string) (*Resource, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.resources[physicalID]
	if !ok {
		return nil, false
	}
	c := *r
	c.Properties = ir.CopyMap(r.Properties)
	c.Outputs = ir.CopyMap(r.Outputs)
	return &c, true
}

// Len returns the number of stored resources.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resources)
}

// Forget removes a resource behind the engine's back.
func (p *Provider) Forget(physicalID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.resources[physicalID]; ok {
		delete(p.resources, physicalID)
		if p.byLogical[r.LogicalID] == physicalID {
			delete(p.byLogical, r.LogicalID)
		}
	}
}

// SetLive changes a property out of band to simulate drift.
func (p *Provider) SetLive(physicalID, key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.resources[physicalID]; ok {
		r.Properties[key] = value
	}
}

func (p *Provider) Create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	if err := p.begin(ctx, Call{Op: "create", Kind: req.Kind, LogicalID: req.LogicalID}); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected(req.LogicalID); err != nil {
		return nil, err
	}

	if pid, ok := p.byLogical[req.LogicalID]; ok && pid != req.Replaces {
		r := p.resources[pid]
		return &provider.Result{PhysicalID: pid, Outputs: ir.CopyMap(r.Outputs)}, nil
	}

	p.seq++
	pid := fmt.Sprintf("%s-%04d", kindPrefix(req.Kind), p.seq)
	r := &Resource{
		Kind:       req.Kind,
		LogicalID:  req.LogicalID,
		PhysicalID: pid,
		Properties: ir.CopyMap(req.Properties),
		Outputs:    outputsFor(pid, req.Kind, req.Properties),
	}
	if r.Properties == nil {
		r.Properties = make(map[string]any)
	}
	p.resources[pid] = r
	p.byLogical[req.LogicalID] = pid
	return &provider.Result{PhysicalID: pid, Outputs: ir.CopyMap(r.Outputs)}, nil
}

func (p *Provider) Read(ctx context.Context, kind, physicalID string) (*provider.Observed, error) {
	if err := p.begin(ctx, Call{Op: "read", Kind: kind, LogicalID: p.logicalOf(physicalID), PhysicalID: physicalID}); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.resources[physicalID]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, physicalID, provider.ErrNotFound)
	}
	return &provider.Observed{
		PhysicalID: physicalID,
		Properties: ir.CopyMap(r.Properties),
		Outputs:    ir.CopyMap(r.Outputs),
	}, nil
}

func (p *Provider) Update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	if err := p.begin(ctx, Call{Op: "update", Kind: req.Kind, LogicalID: req.LogicalID, PhysicalID: req.PhysicalID}); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected(req.LogicalID); err != nil {
		return nil, err
	}
	r, ok := p.resources[req.PhysicalID]
	if !ok {
		return nil, provider.Fatal(fmt.Errorf("%s %s: %w", req.Kind, req.PhysicalID, provider.ErrNotFound))
	}
	r.Properties = ir.CopyMap(req.Properties)
	if r.Properties == nil {
		r.Properties = make(map[string]any)
	}
	r.Outputs = outputsFor(r.PhysicalID, r.Kind, r.Properties)
	return &provider.Result{PhysicalID: r.PhysicalID, Outputs: ir.CopyMap(r.Outputs)}, nil
}

func (p *Provider) Delete(ctx context.Context, kind, physicalID string) error {
	logicalID := p.logicalOf(physicalID)
	if err := p.begin(ctx, Call{Op: "delete", Kind: kind, LogicalID: logicalID, PhysicalID: physicalID}); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected(logicalID); err != nil {
		return err
	}
	r, ok := p.resources[physicalID]
	if !ok {
		return nil
	}
	delete(p.resources, physicalID)
	if p.byLogical[r.LogicalID] == physicalID {
		delete(p.byLogical, r.LogicalID)
	}
	return nil
}

func (p *Provider) begin(ctx context.Context, c Call) error {
	if p.Hook != nil {
		p.Hook(c)
	}
	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.mu.Unlock()
	return ctx.Err()
}

// injected consumes one injected fault for logicalID. Callers hold mu.
func (p *Provider) injected(logicalID string) error {
	f, ok := p.faults[logicalID]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

func (p *Provider) logicalOf(physicalID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.resources[physicalID]; ok {
		return r.LogicalID
	}
	return ""
}

// kindPrefix turns "aws:EC2.Vpc" into "vpc".
func kindPrefix(kind string) string {
	if i := strings.LastIndexAny(kind, ":."); i >= 0 {
		kind = kind[i+1:]
	}
	if kind == "" {
		return "res"
	}
	return strings.ToLower(kind)
}

func outputsFor(physicalID, kind string, props map[string]any) map[string]any {
	out := map[string]any{
		"id":  physicalID,
		"arn": fmt.Sprintf("arn:memory:%s:%s", kind, physicalID),
	}
	if name, ok := props["name"]; ok {
		out["name"] = name
	}
	return out
}
