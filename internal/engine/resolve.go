package engine

import (
	"slices"
	"sort"
)

// Resolution is a deterministic topological ordering of a graph.
type Resolution struct {
	// Layers groups nodes whose dependencies all lie in earlier layers.
	// Each layer is sorted by id.
	Layers [][]string
	// Order is the layers concatenated.
	Order []string
}

// Resolve orders the graph with Kahn's algorithm, breaking ties
// lexicographically by id. It checks for cycles independently of
// BuildGraph and fails with a *CycleError if any node cannot be placed.
func Resolve(g *Graph) (*Resolution, error) {
	inDegree := make(map[string]int, len(g.ids))
	for _, id := range g.ids {
		inDegree[id] = len(g.nodes[id].deps)
	}

	var ready []string
	for _, id := range g.ids {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	res := &Resolution{}
	for len(ready) > 0 {
		sort.Strings(ready)
		layer := ready
		ready = nil
		for _, id := range layer {
			for _, dependent := range g.nodes[id].dependents {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					ready = append(ready, dependent)
				}
			}
		}
		res.Layers = append(res.Layers, layer)
		res.Order = append(res.Order, layer...)
	}

	if len(res.Order) != len(g.ids) {
		if cycle := g.findCycle(); cycle != nil {
			return nil, cycle
		}
		var stuck []string
		for _, id := range g.ids {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, &CycleError{Path: stuck}
	}
	return res, nil
}

// Reverse returns the layers in destruction order: dependents before the
// resources they depend on.
func (r *Resolution) Reverse() [][]string {
	out := make([][]string, len(r.Layers))
	for i, layer := range r.Layers {
		out[len(r.Layers)-1-i] = slices.Clone(layer)
	}
	return out
}

// Position returns the index of id in Order, or -1.
func (r *Resolution) Position(id string) int {
	return slices.Index(r.Order, id)
}
