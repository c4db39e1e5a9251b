package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lakestack/internal/ir"
)

func TestDestroy_ReverseOrder(t *testing.T) {
	e, mem := newTestEngine()
	state, _, err := e.Apply(context.Background(), stack(decl("vpc"), decl("subnet", "vpc"), decl("cluster", "subnet")), nil)
	require.NoError(t, err)

	state, report, err := e.Destroy(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, "success", report.Status())
	assert.Equal(t, 3, report.Summary().Destroyed)
	assert.Empty(t, state.Resources)
	assert.Nil(t, state.Outputs)
	assert.Zero(t, mem.Len())

	calls := mem.Calls()
	assert.Less(t, firstCall(calls, "cluster", "delete"), firstCall(calls, "subnet", "delete"))
	assert.Less(t, firstCall(calls, "subnet", "delete"), firstCall(calls, "vpc", "delete"))
}

func TestDestroy_FailureBlocksDependencies(t *testing.T) {
	e, mem := newTestEngine()
	state, _, err := e.Apply(context.Background(), stack(decl("vpc"), decl("subnet", "vpc"), decl("bucket")), nil)
	require.NoError(t, err)
	mem.FailOn("subnet", errors.New("DependencyViolation"))

	state, report, err := e.Destroy(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, ir.StatusFailed, report.Node("subnet").Status)
	assert.Equal(t, ir.StatusBlocked, report.Node("vpc").Status)
	assert.Equal(t, "subnet", report.Node("vpc").BlockedBy)
	assert.Equal(t, ir.StatusDestroyed, report.Node("bucket").Status)

	assert.Nil(t, state.Find("bucket"))
	assert.Equal(t, ir.StatusFailed, state.Find("subnet").Status)
	assert.Equal(t, ir.StatusReady, state.Find("vpc").Status)
	_, vpcLive := mem.Resource(state.Find("vpc").PhysicalID)
	assert.True(t, vpcLive)
}

func TestDestroy_SkipsAlreadyDeleted(t *testing.T) {
	e, mem := newTestEngine()
	state, _, err := e.Apply(context.Background(), stack(decl("a")), nil)
	require.NoError(t, err)
	mem.Forget(state.Find("a").PhysicalID)

	state, report, err := e.Destroy(context.Background(), state)
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
	assert.Empty(t, state.Resources)
}

func TestDestroy_PreventDestroy(t *testing.T) {
	e, _ := newTestEngine()
	guarded := decl("db")
	guarded.Lifecycle = &ir.Lifecycle{PreventDestroy: true}
	state, _, err := e.Apply(context.Background(), stack(decl("subnet"), withProps(guarded, map[string]any{"subnet": "ptr://subnet/id"})), nil)
	require.NoError(t, err)

	state, report, err := e.Destroy(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, ir.StatusFailed, report.Node("db").Status)
	assert.Contains(t, report.Node("db").Error, "prevent_destroy")
	assert.Equal(t, ir.StatusBlocked, report.Node("subnet").Status)
	assert.Len(t, state.Resources, 2)
}

func TestRefresh(t *testing.T) {
	e, mem := newTestEngine()
	state, _, err := e.Apply(context.Background(), stack(
		withProps(decl("a"), map[string]any{"name": "first"}),
		decl("b"),
	), nil)
	require.NoError(t, err)

	mem.Forget(state.Find("b").PhysicalID)
	mem.SetLive(state.Find("a").PhysicalID, "name", "renamed")

	state, report, err := e.Refresh(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, ir.StatusReady, report.Node("a").Status)
	assert.Equal(t, ir.StatusDestroyed, report.Node("b").Status)
	assert.Nil(t, state.Find("b"))
	// Inputs stay last-applied so the next plan reports the drift.
	assert.Equal(t, "first", state.Find("a").Inputs["name"])

	plan, err := e.Plan(context.Background(), stack(withProps(decl("a"), map[string]any{"name": "first"})), state)
	require.NoError(t, err)
	assert.Equal(t, ir.ActionUpdate, plan.Changes[0].Action)
	assert.True(t, plan.Changes[0].Diff["name"].Drift)
}
