package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lakestack/internal/ir"
	"github.com/picklr-io/lakestack/internal/provider"
)

var subnetMeta = provider.KindMetadata{
	Kind:      "test:Subnet",
	Updatable: []string{"tags", "mapPublicIp"},
	ForceNew:  []string{"cidrBlock"},
}

func readyPrior(inputs map[string]any) *ir.ResourceState {
	return &ir.ResourceState{ID: "subnet", PhysicalID: "subnet-1", Inputs: inputs, Status: ir.StatusReady}
}

func TestDecide(t *testing.T) {
	base := map[string]any{"cidrBlock": "10.0.0.0/24", "tags": map[string]any{"Name": "a"}}

	tests := []struct {
		name     string
		desired  map[string]any
		prior    *ir.ResourceState
		observed *provider.Observed
		vanished bool
		life     *ir.Lifecycle
		meta     provider.KindMetadata
		action   ir.Action
		strategy ir.ReplaceStrategy
		changed  []string
	}{
		{
			name:    "no prior state",
			desired: base,
			action:  ir.ActionCreate,
		},
		{
			name:    "prior without physical id",
			desired: base,
			prior:   &ir.ResourceState{ID: "subnet", Status: ir.StatusFailed},
			action:  ir.ActionCreate,
		},
		{
			name:     "vanished",
			desired:  base,
			prior:    readyPrior(base),
			vanished: true,
			action:   ir.ActionCreate,
		},
		{
			name:    "unchanged",
			desired: base,
			prior:   readyPrior(base),
			meta:    subnetMeta,
			action:  ir.ActionNoOp,
		},
		{
			name:    "numbers from state compare equal",
			desired: map[string]any{"size": 3},
			prior:   readyPrior(map[string]any{"size": float64(3)}),
			action:  ir.ActionNoOp,
		},
		{
			name:    "updatable change",
			desired: map[string]any{"cidrBlock": "10.0.0.0/24", "tags": map[string]any{"Name": "b"}},
			prior:   readyPrior(base),
			meta:    subnetMeta,
			action:  ir.ActionUpdate,
			changed: []string{"tags"},
		},
		{
			name:     "force new change",
			desired:  map[string]any{"cidrBlock": "10.0.1.0/24", "tags": map[string]any{"Name": "a"}},
			prior:    readyPrior(base),
			meta:     subnetMeta,
			action:   ir.ActionReplace,
			strategy: ir.DeleteBeforeCreate,
			changed:  []string{"cidrBlock"},
		},
		{
			name:     "unlisted key forces replacement",
			desired:  map[string]any{"cidrBlock": "10.0.0.0/24", "tags": map[string]any{"Name": "a"}, "az": "b"},
			prior:    readyPrior(base),
			meta:     subnetMeta,
			action:   ir.ActionReplace,
			strategy: ir.DeleteBeforeCreate,
			changed:  []string{"az"},
		},
		{
			name:     "parallel replace kind",
			desired:  map[string]any{"cidrBlock": "10.0.1.0/24"},
			prior:    readyPrior(map[string]any{"cidrBlock": "10.0.0.0/24"}),
			meta:     provider.KindMetadata{Kind: "test:Subnet", ForceNew: []string{"cidrBlock"}, ParallelReplace: true},
			action:   ir.ActionReplace,
			strategy: ir.CreateBeforeDestroy,
			changed:  []string{"cidrBlock"},
		},
		{
			name:     "createBeforeDestroy lifecycle",
			desired:  map[string]any{"cidrBlock": "10.0.1.0/24"},
			prior:    readyPrior(map[string]any{"cidrBlock": "10.0.0.0/24"}),
			life:     &ir.Lifecycle{CreateBeforeDestroy: true},
			meta:     subnetMeta,
			action:   ir.ActionReplace,
			strategy: ir.CreateBeforeDestroy,
			changed:  []string{"cidrBlock"},
		},
		{
			name:    "ignored change",
			desired: map[string]any{"cidrBlock": "10.0.0.0/24", "tags": map[string]any{"Name": "b"}},
			prior:   readyPrior(base),
			life:    &ir.Lifecycle{IgnoreChanges: []string{"tags"}},
			meta:    subnetMeta,
			action:  ir.ActionNoOp,
		},
		{
			name:     "drift",
			desired:  base,
			prior:    readyPrior(base),
			observed: &provider.Observed{Properties: map[string]any{"tags": map[string]any{"Name": "edited"}}},
			meta:     subnetMeta,
			action:   ir.ActionUpdate,
			changed:  []string{"tags"},
		},
		{
			name:     "unobserved keys are not drift",
			desired:  base,
			prior:    readyPrior(base),
			observed: &provider.Observed{Properties: map[string]any{"cidrBlock": "10.0.0.0/24", "state": "available"}},
			meta:     subnetMeta,
			action:   ir.ActionNoOp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := withProps(decl("subnet"), tt.desired)
			d.Lifecycle = tt.life
			got, err := Decide(DecideInput{
				Decl:     d,
				Desired:  tt.desired,
				Prior:    tt.prior,
				Observed: tt.observed,
				Vanished: tt.vanished,
				Meta:     tt.meta,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.action, got.Action)
			assert.Equal(t, tt.strategy, got.Strategy)
			if tt.changed != nil {
				assert.Equal(t, tt.changed, got.Changed)
			}
		})
	}
}

func TestDecide_DriftIsMarked(t *testing.T) {
	base := map[string]any{"tags": map[string]any{"Name": "a"}}
	got, err := Decide(DecideInput{
		Decl:     withProps(decl("subnet"), base),
		Desired:  base,
		Prior:    readyPrior(base),
		Observed: &provider.Observed{Properties: map[string]any{"tags": map[string]any{"Name": "b"}}},
		Meta:     subnetMeta,
	})
	require.NoError(t, err)
	require.Contains(t, got.Diff, "tags")
	assert.True(t, got.Diff["tags"].Drift)
	assert.False(t, got.Diff["tags"].ForcesReplacement)
}

func TestDecide_PreventDestroy(t *testing.T) {
	d := withProps(decl("db"), map[string]any{"engine": "aurora-postgresql"})
	d.Lifecycle = &ir.Lifecycle{PreventDestroy: true}

	_, err := Decide(DecideInput{
		Decl:    d,
		Desired: d.Properties,
		Prior:   &ir.ResourceState{ID: "db", PhysicalID: "db-1", Inputs: map[string]any{"engine": "aurora-mysql"}},
		Meta:    provider.KindMetadata{Kind: "test:DB", ForceNew: []string{"engine"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPreventDestroy)
	assert.Contains(t, err.Error(), "engine")
}

func TestDecide_UnknownAfterApply(t *testing.T) {
	desired := map[string]any{"vpcId": "ptr://vpc/id"}
	got, err := Decide(DecideInput{Decl: withProps(decl("subnet"), desired), Desired: desired})
	require.NoError(t, err)
	assert.Equal(t, ir.ActionCreate, got.Action)
	assert.True(t, got.Diff["vpcId"].Unknown)
}
