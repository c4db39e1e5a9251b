package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lakestack/internal/ir"
	"github.com/picklr-io/lakestack/internal/provider"
	"github.com/picklr-io/lakestack/providers/memory"
)

func newTestEngine(kinds ...provider.KindMetadata) (*Engine, *memory.Provider) {
	mem := memory.New(kinds...)
	reg := provider.NewRegistry()
	reg.Register(mem)
	e := NewEngine(reg)
	e.Retry = &RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return e, mem
}

func stack(decls ...*ir.Declaration) *ir.Config {
	return &ir.Config{Name: "test", Resources: decls}
}

func ops(calls []memory.Call) []string {
	var out []string
	for _, c := range calls {
		out = append(out, c.Op)
	}
	return out
}

func firstCall(calls []memory.Call, logicalID, op string) int {
	for i, c := range calls {
		if c.LogicalID == logicalID && c.Op == op {
			return i
		}
	}
	return -1
}

func TestApply_CreatesInDependencyOrder(t *testing.T) {
	e, mem := newTestEngine()

	state, report, err := e.Apply(context.Background(), stack(decl("c", "a"), decl("b", "a"), decl("a")), nil)
	require.NoError(t, err)

	assert.Equal(t, "success", report.Status())
	assert.Equal(t, "apply", report.Command)
	assert.NotEmpty(t, report.RunID)
	for _, id := range []string{"a", "b", "c"} {
		n := report.Node(id)
		require.NotNil(t, n, id)
		assert.Equal(t, ir.StatusReady, n.Status, id)
		assert.Equal(t, ir.ActionCreate, n.Action, id)
		assert.Equal(t, 1, n.Attempts, id)
	}

	calls := mem.Calls()
	assert.Less(t, firstCall(calls, "a", "create"), firstCall(calls, "b", "create"))
	assert.Less(t, firstCall(calls, "a", "create"), firstCall(calls, "c", "create"))

	require.Len(t, state.Resources, 3)
	assert.Equal(t, 1, state.Serial)
	assert.NotEmpty(t, state.Lineage)
	assert.Equal(t, []string{"a"}, state.Find("b").Dependencies)
	assert.Equal(t, ir.StatusReady, state.Find("a").Status)
	assert.NotEmpty(t, state.Find("a").InputsHash)
}

func TestApply_FailureBlocksTransitiveDependents(t *testing.T) {
	e, mem := newTestEngine()
	mem.FailOn("a", errors.New("InvalidParameterValue: bad cidr"))

	state, report, err := e.Apply(context.Background(), stack(
		decl("a"),
		decl("b", "a"),
		decl("c", "a"),
		decl("d", "b"),
		decl("independent"),
	), nil)
	require.NoError(t, err)

	a := report.Node("a")
	assert.Equal(t, ir.StatusFailed, a.Status)
	assert.Contains(t, a.Error, "bad cidr")
	assert.Equal(t, 1, a.Attempts, "fatal errors are not retried")

	for _, id := range []string{"b", "c", "d"} {
		n := report.Node(id)
		assert.Equal(t, ir.StatusBlocked, n.Status, id)
		assert.Equal(t, "a", n.BlockedBy, id)
		assert.Empty(t, mem.CallsFor(id), "blocked node %s must not reach the provider", id)
		assert.Nil(t, state.Find(id))
	}
	assert.Equal(t, ir.StatusReady, report.Node("independent").Status)
	assert.Equal(t, "partial", report.Status())

	failed := state.Find("a")
	require.NotNil(t, failed)
	assert.Equal(t, ir.StatusFailed, failed.Status)
	assert.Empty(t, failed.PhysicalID)

	s := report.Summary()
	assert.Equal(t, ir.ReportSummary{Ready: 1, Failed: 1, Blocked: 3}, s)
}

func TestApply_RetriesTransientFailures(t *testing.T) {
	e, mem := newTestEngine()
	mem.FailTransient("role", 2)

	_, report, err := e.Apply(context.Background(), stack(decl("role")), nil)
	require.NoError(t, err)

	n := report.Node("role")
	assert.Equal(t, ir.StatusReady, n.Status)
	assert.Equal(t, 3, n.Attempts)
}

func TestApply_TransientFailuresExhaustRetries(t *testing.T) {
	e, mem := newTestEngine()
	mem.FailTransient("role", 10)

	_, report, err := e.Apply(context.Background(), stack(decl("role"), decl("profile", "role")), nil)
	require.NoError(t, err)

	assert.Equal(t, ir.StatusFailed, report.Node("role").Status)
	assert.Equal(t, 4, report.Node("role").Attempts)
	assert.Contains(t, report.Node("role").Error, "max retries")
	assert.Equal(t, ir.StatusBlocked, report.Node("profile").Status)
}

func TestApply_SecondRunIsNoOp(t *testing.T) {
	e, mem := newTestEngine()
	cfg := stack(
		withProps(decl("vpc"), map[string]any{"cidrBlock": "10.0.0.0/16", "maxAzs": 2}),
		withProps(decl("subnet"), map[string]any{"vpcId": "ptr://vpc/id"}),
	)

	state, _, err := e.Apply(context.Background(), cfg, nil)
	require.NoError(t, err)
	vpcID := state.Find("vpc").PhysicalID

	state2, report, err := e.Apply(context.Background(), cfg, state)
	require.NoError(t, err)

	for _, n := range report.Nodes {
		assert.Equal(t, ir.ActionNoOp, n.Action, n.ID)
		assert.Equal(t, ir.StatusReady, n.Status, n.ID)
	}
	assert.Equal(t, vpcID, state2.Find("vpc").PhysicalID)
	assert.Equal(t, 2, state2.Serial)
	assert.Equal(t, state.Lineage, state2.Lineage)
	assert.Equal(t, 2, mem.Len())
	assert.Equal(t, []string{"create", "read"}, ops(mem.CallsFor("vpc")))
}

func TestApply_ResolvesReferences(t *testing.T) {
	e, mem := newTestEngine()

	state, _, err := e.Apply(context.Background(), stack(
		withProps(decl("vpc"), map[string]any{"name": "lake"}),
		withProps(decl("subnet"), map[string]any{
			"vpcId":  "ptr://vpc/id",
			"label":  "${ptr://vpc/name}-private",
			"vpcArn": "ptr://vpc/arn",
		}),
	), nil)
	require.NoError(t, err)

	vpc := state.Find("vpc")
	subnet, ok := mem.Resource(state.Find("subnet").PhysicalID)
	require.True(t, ok)
	assert.Equal(t, vpc.PhysicalID, subnet.Properties["vpcId"])
	assert.Equal(t, "lake-private", subnet.Properties["label"])
	assert.Equal(t, vpc.Outputs["arn"], subnet.Properties["vpcArn"])

	// Last-applied inputs are recorded with references resolved.
	assert.Equal(t, vpc.PhysicalID, state.Find("subnet").Inputs["vpcId"])
}

func TestApply_UnknownReferenceFailsBeforeAnyCall(t *testing.T) {
	e, mem := newTestEngine()

	state, report, err := e.Apply(context.Background(), stack(
		decl("a"),
		withProps(decl("d"), map[string]any{"x": "ptr://z/id"}),
	), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownReference)
	assert.Nil(t, state)
	assert.Nil(t, report)
	assert.Empty(t, mem.Calls())
}

func TestApply_CycleFailsBeforeAnyCall(t *testing.T) {
	e, mem := newTestEngine()

	_, _, err := e.Apply(context.Background(), stack(decl("a", "b"), decl("b", "a")), nil)
	assert.ErrorIs(t, err, ErrCycle)
	assert.Empty(t, mem.Calls())
}

func TestApply_UnknownProvider(t *testing.T) {
	e, _ := newTestEngine()
	d := decl("a")
	d.Provider = "gcp"

	_, _, err := e.Apply(context.Background(), stack(d), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gcp")
}

func TestApply_UpdateInPlace(t *testing.T) {
	e, mem := newTestEngine(subnetMeta)
	d := withProps(&ir.Declaration{ID: "subnet", Kind: "test:Subnet", Provider: "memory"}, map[string]any{
		"cidrBlock": "10.0.0.0/24",
		"tags":      map[string]any{"Name": "a"},
	})

	state, _, err := e.Apply(context.Background(), stack(d), nil)
	require.NoError(t, err)
	pid := state.Find("subnet").PhysicalID

	d.Properties["tags"] = map[string]any{"Name": "b"}
	state, report, err := e.Apply(context.Background(), stack(d), state)
	require.NoError(t, err)

	assert.Equal(t, ir.ActionUpdate, report.Node("subnet").Action)
	assert.Equal(t, pid, state.Find("subnet").PhysicalID)
	live, _ := mem.Resource(pid)
	assert.Equal(t, map[string]any{"Name": "b"}, live.Properties["tags"])
}

func TestApply_ReplaceDeleteBeforeCreate(t *testing.T) {
	e, mem := newTestEngine(subnetMeta)
	d := withProps(&ir.Declaration{ID: "subnet", Kind: "test:Subnet", Provider: "memory"}, map[string]any{"cidrBlock": "10.0.0.0/24"})

	state, _, err := e.Apply(context.Background(), stack(d), nil)
	require.NoError(t, err)
	oldID := state.Find("subnet").PhysicalID

	d.Properties["cidrBlock"] = "10.0.1.0/24"
	state, report, err := e.Apply(context.Background(), stack(d), state)
	require.NoError(t, err)

	n := report.Node("subnet")
	assert.Equal(t, ir.ActionReplace, n.Action)
	assert.Equal(t, ir.StatusReady, n.Status)
	assert.NotEqual(t, oldID, state.Find("subnet").PhysicalID)
	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, []string{"create", "read", "delete", "create"}, ops(mem.CallsFor("subnet")))
}

func TestApply_ReplaceCreateBeforeDestroy(t *testing.T) {
	e, mem := newTestEngine(subnetMeta)
	d := withProps(&ir.Declaration{ID: "subnet", Kind: "test:Subnet", Provider: "memory"}, map[string]any{"cidrBlock": "10.0.0.0/24"})
	d.Lifecycle = &ir.Lifecycle{CreateBeforeDestroy: true}

	state, _, err := e.Apply(context.Background(), stack(d), nil)
	require.NoError(t, err)
	oldID := state.Find("subnet").PhysicalID

	d.Properties["cidrBlock"] = "10.0.1.0/24"
	state, report, err := e.Apply(context.Background(), stack(d), state)
	require.NoError(t, err)

	assert.Equal(t, ir.StatusReady, report.Node("subnet").Status)
	newID := state.Find("subnet").PhysicalID
	assert.NotEqual(t, oldID, newID)
	_, oldExists := mem.Resource(oldID)
	assert.False(t, oldExists)
	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, []string{"create", "read", "create", "delete"}, ops(mem.CallsFor("subnet")))
}

// namedProvider keys resources by their "name" property the way most cloud
// APIs do: a create for a name that is already live adopts that resource.
type namedProvider struct {
	*memory.Provider
	mu    sync.Mutex
	names map[string]string
}

func (p *namedProvider) Create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	name, _ := req.Properties["name"].(string)
	p.mu.Lock()
	defer p.mu.Unlock()
	if pid, ok := p.names[name]; ok {
		if live, ok := p.Resource(pid); ok {
			return &provider.Result{PhysicalID: pid, Outputs: live.Outputs}, nil
		}
	}
	res, err := p.Provider.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	p.names[name] = res.PhysicalID
	return res, nil
}

var roleMeta = provider.KindMetadata{
	Kind:      "test:Role",
	Updatable: []string{"tags"},
	ForceNew:  []string{"path"},
}

func TestApply_CreateBeforeDestroyKeepsResourceHoldingSameName(t *testing.T) {
	mem := memory.New(roleMeta)
	reg := provider.NewRegistry()
	reg.Register(&namedProvider{Provider: mem, names: make(map[string]string)})
	e := NewEngine(reg)

	d := withProps(&ir.Declaration{ID: "role", Kind: "test:Role", Provider: "memory"}, map[string]any{"name": "job-role", "path": "/a/"})
	d.Lifecycle = &ir.Lifecycle{CreateBeforeDestroy: true}

	state, _, err := e.Apply(context.Background(), stack(d, decl("dependent", "role")), nil)
	require.NoError(t, err)
	oldID := state.Find("role").PhysicalID

	d.Properties["path"] = "/b/"
	state, report, err := e.Apply(context.Background(), stack(d, decl("dependent", "role")), state)
	require.NoError(t, err)

	n := report.Node("role")
	assert.Equal(t, ir.ActionReplace, n.Action)
	assert.Equal(t, ir.StatusFailed, n.Status)
	assert.Contains(t, n.Error, "same identity")
	assert.Equal(t, ir.StatusBlocked, report.Node("dependent").Status)

	_, live := mem.Resource(oldID)
	assert.True(t, live, "the only instance must survive")
	assert.NotContains(t, ops(mem.CallsFor("role")), "delete")

	kept := state.Find("role")
	require.NotNil(t, kept)
	assert.Equal(t, oldID, kept.PhysicalID)
	assert.Equal(t, ir.StatusFailed, kept.Status)
	assert.Equal(t, "/a/", kept.Inputs["path"], "state keeps what is actually live")
}

func TestApply_PreventDestroyBlocksReplacement(t *testing.T) {
	e, mem := newTestEngine(subnetMeta)
	d := withProps(&ir.Declaration{ID: "subnet", Kind: "test:Subnet", Provider: "memory"}, map[string]any{"cidrBlock": "10.0.0.0/24"})
	d.Lifecycle = &ir.Lifecycle{PreventDestroy: true}

	state, _, err := e.Apply(context.Background(), stack(d, decl("dependent", "subnet")), nil)
	require.NoError(t, err)
	oldID := state.Find("subnet").PhysicalID

	d.Properties["cidrBlock"] = "10.0.1.0/24"
	state, report, err := e.Apply(context.Background(), stack(d, decl("dependent", "subnet")), state)
	require.NoError(t, err)

	n := report.Node("subnet")
	assert.Equal(t, ir.StatusFailed, n.Status)
	assert.Contains(t, n.Error, "prevent_destroy")
	assert.Equal(t, ir.StatusBlocked, report.Node("dependent").Status)
	assert.Equal(t, oldID, state.Find("subnet").PhysicalID)
	_, exists := mem.Resource(oldID)
	assert.True(t, exists)
}

func TestApply_DeletesRemovedResourcesInReverseOrder(t *testing.T) {
	e, mem := newTestEngine()

	state, _, err := e.Apply(context.Background(), stack(decl("vpc"), decl("subnet", "vpc"), decl("db", "subnet")), nil)
	require.NoError(t, err)

	state, report, err := e.Apply(context.Background(), stack(decl("vpc")), state)
	require.NoError(t, err)

	assert.Equal(t, ir.StatusDestroyed, report.Node("db").Status)
	assert.Equal(t, ir.StatusDestroyed, report.Node("subnet").Status)
	assert.Equal(t, ir.ActionDelete, report.Node("db").Action)
	assert.Nil(t, state.Find("db"))
	assert.Nil(t, state.Find("subnet"))
	assert.NotNil(t, state.Find("vpc"))
	assert.Equal(t, 1, mem.Len())

	calls := mem.Calls()
	assert.Less(t, firstCall(calls, "db", "delete"), firstCall(calls, "subnet", "delete"))
}

func TestApply_CyclicRemovedResourcesFailBeforeAnyCall(t *testing.T) {
	e, mem := newTestEngine()
	state := ir.NewState()
	state.Upsert(&ir.ResourceState{ID: "x", Kind: "test:Thing", Provider: "memory", PhysicalID: "thing-0001", Dependencies: []string{"y"}})
	state.Upsert(&ir.ResourceState{ID: "y", Kind: "test:Thing", Provider: "memory", PhysicalID: "thing-0002", Dependencies: []string{"x"}})

	_, _, err := e.Apply(context.Background(), stack(decl("a")), state)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycle)
	assert.Empty(t, mem.Calls())
}

func TestApply_RemovedResourceWithFailedDeleteBlocksItsDependencies(t *testing.T) {
	e, mem := newTestEngine()

	state, _, err := e.Apply(context.Background(), stack(decl("keep"), decl("subnet"), decl("db", "subnet")), nil)
	require.NoError(t, err)

	mem.FailOn("db", errors.New("InvalidDBClusterStateFault"))
	state, report, err := e.Apply(context.Background(), stack(decl("keep")), state)
	require.NoError(t, err)

	assert.Equal(t, ir.StatusFailed, report.Node("db").Status)
	assert.Equal(t, ir.StatusBlocked, report.Node("subnet").Status)
	assert.Equal(t, "db", report.Node("subnet").BlockedBy)
	assert.Empty(t, mem.CallsFor("subnet")[1:], "only the first apply's create reached the provider")
	assert.Equal(t, ir.StatusFailed, state.Find("db").Status)
	assert.NotNil(t, state.Find("subnet"))
}

func TestApply_RecreatesVanishedResource(t *testing.T) {
	e, mem := newTestEngine()

	state, _, err := e.Apply(context.Background(), stack(decl("bucket")), nil)
	require.NoError(t, err)
	oldID := state.Find("bucket").PhysicalID
	mem.Forget(oldID)

	state, report, err := e.Apply(context.Background(), stack(decl("bucket")), state)
	require.NoError(t, err)

	assert.Equal(t, ir.ActionCreate, report.Node("bucket").Action)
	assert.NotEqual(t, oldID, state.Find("bucket").PhysicalID)
}

func TestApply_CorrectsDrift(t *testing.T) {
	e, mem := newTestEngine()
	d := withProps(decl("sg"), map[string]any{"description": "metastore"})

	state, _, err := e.Apply(context.Background(), stack(d), nil)
	require.NoError(t, err)
	pid := state.Find("sg").PhysicalID
	mem.SetLive(pid, "description", "edited by hand")

	_, report, err := e.Apply(context.Background(), stack(d), state)
	require.NoError(t, err)

	assert.Equal(t, ir.ActionUpdate, report.Node("sg").Action)
	live, _ := mem.Resource(pid)
	assert.Equal(t, "metastore", live.Properties["description"])
}

func TestApply_CancellationLeavesUnscheduledNodesPending(t *testing.T) {
	e, mem := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem.Hook = func(c memory.Call) {
		if c.LogicalID == "a" && c.Op == "create" {
			cancel()
		}
	}

	state, report, err := e.Apply(ctx, stack(decl("a"), decl("b", "a")), nil)
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	assert.Equal(t, ir.StatusReady, report.Node("a").Status, "in-flight calls finish")
	assert.Equal(t, ir.StatusPending, report.Node("b").Status)
	assert.Empty(t, mem.CallsFor("b"))
	assert.Equal(t, ir.StatusReady, state.Find("a").Status, "ready resources are kept")
	assert.Equal(t, "partial", report.Status())
}

func TestApply_BoundedParallelism(t *testing.T) {
	tests := []struct {
		name        string
		parallelism int
		wantPeak    int
	}{
		{name: "serial", parallelism: 1, wantPeak: 1},
		{name: "two workers", parallelism: 2, wantPeak: 2},
		{name: "default", parallelism: 0, wantPeak: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, mem := newTestEngine()
			e.Parallelism = tt.parallelism

			var inFlight, peak atomic.Int32
			mem.Hook = func(memory.Call) {
				cur := inFlight.Add(1)
				defer inFlight.Add(-1)
				for {
					p := peak.Load()
					if cur <= p || peak.CompareAndSwap(p, cur) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
			}

			_, report, err := e.Apply(context.Background(), stack(decl("a"), decl("b"), decl("c"), decl("d")), nil)
			require.NoError(t, err)
			assert.True(t, report.Succeeded())
			assert.Equal(t, int32(tt.wantPeak), peak.Load())
		})
	}
}

func TestApply_EmitsEvents(t *testing.T) {
	e, _ := newTestEngine()
	var events []ApplyEvent
	e.OnEvent = func(ev ApplyEvent) { events = append(events, ev) }

	_, _, err := e.Apply(context.Background(), stack(decl("a")), nil)
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, "started", events[0].Status)
	assert.Equal(t, "completed", events[1].Status)
	assert.Equal(t, ir.ActionCreate, events[1].Action)
}

func TestApply_InvalidTimeout(t *testing.T) {
	e, _ := newTestEngine()
	d := decl("a")
	d.Timeout = "soon"

	_, _, err := e.Apply(context.Background(), stack(d), nil)
	assert.ErrorIs(t, err, ErrInvalidDeclaration)
}

func TestApply_ExportsOutputs(t *testing.T) {
	e, mem := newTestEngine()
	mem.FailOn("broken", errors.New("AccessDenied"))
	cfg := stack(
		withProps(decl("bucket"), map[string]any{"name": "lake-data"}),
		decl("broken"),
		decl("after", "broken"),
	)
	cfg.Outputs = map[string]*ir.OutputDecl{
		"bucketUrl": {Value: "s3://${ptr://bucket/name}", Description: "data bucket"},
		"brokenId":  {Value: "ptr://broken/id"},
		"afterId":   {Value: "ptr://after/id"},
	}

	state, report, err := e.Apply(context.Background(), cfg, nil)
	require.NoError(t, err)

	url := report.Outputs["bucketUrl"]
	assert.True(t, url.Resolved)
	assert.Equal(t, "s3://lake-data", url.Value)
	assert.Equal(t, "data bucket", url.Description)

	assert.False(t, report.Outputs["brokenId"].Resolved)
	assert.Contains(t, report.Outputs["brokenId"].Reason, "Failed")
	assert.Contains(t, report.Outputs["afterId"].Reason, "blocked by broken")

	assert.Equal(t, map[string]any{"bucketUrl": "s3://lake-data"}, state.Outputs)
}

func TestApply_OutputReferencingUndeclaredResource(t *testing.T) {
	e, mem := newTestEngine()
	cfg := stack(decl("a"))
	cfg.Outputs = map[string]*ir.OutputDecl{"x": {Value: "ptr://z/id"}}

	_, _, err := e.Apply(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrUnknownReference)
	assert.Empty(t, mem.Calls())
}

func TestApply_CountExpansion(t *testing.T) {
	e, mem := newTestEngine()
	subnets := withProps(decl("subnet"), map[string]any{"name": "private-${count.index}"})
	subnets.Count = 2

	state, report, err := e.Apply(context.Background(), stack(subnets, decl("cluster", "subnet")), nil)
	require.NoError(t, err)

	assert.True(t, report.Succeeded())
	assert.Len(t, state.Resources, 3)
	assert.Equal(t, []string{"subnet[0]", "subnet[1]"}, state.Find("cluster").Dependencies)
	assert.Equal(t, 3, mem.Len())
}
