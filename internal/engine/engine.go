package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/picklr-io/lakestack/internal/ir"
	"github.com/picklr-io/lakestack/internal/provider"
	"github.com/picklr-io/lakestack/internal/telemetry"
)

const defaultParallelism = 10

// ApplyEvent represents a progress event during a run.
type ApplyEvent struct {
	ID       string
	Action   ir.Action
	Status   string // "started", "completed", "failed", "blocked"
	Duration time.Duration
	Error    error
}

// ApplyCallback is called for each event. Calls are serialized.
type ApplyCallback func(event ApplyEvent)

// Engine orchestrates the lifecycle of resources.
type Engine struct {
	registry *provider.Registry

	// Parallelism bounds concurrent provider work within a layer.
	Parallelism int
	Retry       *RetryPolicy
	Metrics     *telemetry.Metrics
	OnEvent     ApplyCallback

	eventMu sync.Mutex
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{
		registry:    registry,
		Parallelism: defaultParallelism,
		Retry:       DefaultRetryPolicy(),
	}
}

// Configure applies stack settings. Command line overrides are applied by
// the caller afterwards.
func (e *Engine) Configure(settings *ir.Settings) error {
	if settings == nil {
		return nil
	}
	if settings.Parallelism > 0 {
		e.Parallelism = settings.Parallelism
	}
	if settings.Retry != nil {
		base, max, err := settings.Retry.Durations()
		if err != nil {
			return err
		}
		policy := *e.retryPolicy()
		if settings.Retry.MaxRetries > 0 {
			policy.MaxRetries = settings.Retry.MaxRetries
		}
		if base > 0 {
			policy.BaseDelay = base
		}
		if max > 0 {
			policy.MaxDelay = max
		}
		e.Retry = &policy
	}
	return nil
}

func (e *Engine) parallelism() int {
	if e.Parallelism <= 0 {
		return defaultParallelism
	}
	return e.Parallelism
}

func (e *Engine) retryPolicy() *RetryPolicy {
	if e.Retry == nil {
		return DefaultRetryPolicy()
	}
	return e.Retry
}

func (e *Engine) emit(ev ApplyEvent) {
	if e.OnEvent == nil {
		return
	}
	e.eventMu.Lock()
	defer e.eventMu.Unlock()
	e.OnEvent(ev)
}

// prepared is a validated, ordered stack ready to reconcile.
type prepared struct {
	graph      *Graph
	resolution *Resolution
	adapters   map[string]provider.Adapter // by provider name
	meta       map[string]provider.KindMetadata
	timeouts   map[string]time.Duration
}

// prepare expands, builds, orders and validates the declarations and loads
// every provider the stack or its prior state needs. Nothing here calls a
// provider mutation.
func (e *Engine) prepare(cfg *ir.Config, state *ir.State) (*prepared, error) {
	decls := ExpandForEach(cfg.Resources)

	g, err := BuildGraph(decls)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}
	res, err := Resolve(g)
	if err != nil {
		return nil, fmt.Errorf("failed to order resources: %w", err)
	}
	if err := ValidateOutputs(cfg.Outputs, g); err != nil {
		return nil, err
	}

	p := &prepared{
		graph:      g,
		resolution: res,
		adapters:   make(map[string]provider.Adapter),
		meta:       make(map[string]provider.KindMetadata, g.Len()),
		timeouts:   make(map[string]time.Duration, g.Len()),
	}

	for _, id := range res.Order {
		d := g.Declaration(id)
		a, err := e.adapter(p, d.ProviderName())
		if err != nil {
			return nil, err
		}
		m, err := a.Metadata(d.Kind)
		if err != nil {
			return nil, &ValidationError{ID: id, Msg: err.Error()}
		}
		p.meta[id] = m

		if d.Timeout != "" {
			timeout, err := time.ParseDuration(d.Timeout)
			if err != nil || timeout <= 0 {
				return nil, &ValidationError{ID: id, Msg: fmt.Sprintf("invalid timeout %q", d.Timeout)}
			}
			p.timeouts[id] = timeout
		}
	}

	if state != nil {
		for _, rs := range state.Resources {
			if g.Has(rs.ID) {
				continue
			}
			if _, err := e.adapter(p, rs.Provider); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func (e *Engine) adapter(p *prepared, name string) (provider.Adapter, error) {
	if a, ok := p.adapters[name]; ok {
		return a, nil
	}
	a, err := e.registry.Get(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider %s: %w", name, err)
	}
	p.adapters[name] = a
	return a, nil
}

// call runs one provider operation with retry. Each attempt runs on a
// context detached from ctx and bounded by timeout; ctx only stops further
// attempts.
func (e *Engine) call(ctx context.Context, providerName, op string, timeout time.Duration, fn func(context.Context) error) (int, error) {
	attempts, err := RetryWithBackoff(ctx, e.retryPolicy(), func() error {
		callCtx, cancel := WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		err := fn(callCtx)
		e.Metrics.ProviderCall(providerName, op, err)
		return err
	}, provider.IsTransient)
	e.Metrics.ProviderRetries(providerName, attempts)
	return attempts, err
}
