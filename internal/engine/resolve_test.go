package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lakestack/internal/ir"
)

func TestResolve_FanOut(t *testing.T) {
	g, err := BuildGraph([]*ir.Declaration{decl("c", "a"), decl("b", "a"), decl("a")})
	require.NoError(t, err)

	res, err := Resolve(g)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a"}, {"b", "c"}}, res.Layers)
	assert.Equal(t, []string{"a", "b", "c"}, res.Order)
	assert.Equal(t, [][]string{{"b", "c"}, {"a"}}, res.Reverse())
	assert.Equal(t, 0, res.Position("a"))
	assert.Equal(t, -1, res.Position("z"))
}

func TestResolve_Deterministic(t *testing.T) {
	build := func(decls ...*ir.Declaration) []string {
		g, err := BuildGraph(decls)
		require.NoError(t, err)
		res, err := Resolve(g)
		require.NoError(t, err)
		return res.Order
	}

	first := build(decl("vpc"), decl("subnet", "vpc"), decl("sg", "vpc"), decl("db", "subnet", "sg"), decl("bucket"))
	second := build(decl("bucket"), decl("db", "sg", "subnet"), decl("sg", "vpc"), decl("subnet", "vpc"), decl("vpc"))

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"bucket", "vpc", "sg", "subnet", "db"}, first)
}

func TestResolve_EveryDependencyPrecedesDependent(t *testing.T) {
	decls := []*ir.Declaration{
		decl("vpc"),
		decl("subnet-a", "vpc"),
		decl("subnet-b", "vpc"),
		decl("cluster", "subnet-a", "subnet-b", "role"),
		decl("role"),
		decl("nodegroup", "cluster", "role"),
		decl("addon", "cluster"),
	}
	g, err := BuildGraph(decls)
	require.NoError(t, err)
	res, err := Resolve(g)
	require.NoError(t, err)

	for _, e := range g.Edges() {
		assert.Less(t, res.Position(e.From), res.Position(e.To), "%s must precede %s", e.From, e.To)
	}
}

func TestResolve_DetectsCycleIndependently(t *testing.T) {
	// Wire a cycle directly, bypassing BuildGraph's own check.
	g := &Graph{nodes: map[string]*node{
		"a": {id: "a", deps: []string{"b"}, dependents: []string{"b"}},
		"b": {id: "b", deps: []string{"a"}, dependents: []string{"a"}},
		"c": {id: "c"},
	}, ids: []string{"a", "b", "c"}}

	_, err := Resolve(g)
	assert.ErrorIs(t, err, ErrCycle)
}
