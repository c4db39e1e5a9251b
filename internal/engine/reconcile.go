package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/picklr-io/lakestack/internal/ir"
	"github.com/picklr-io/lakestack/internal/provider"
)

// DecideInput is everything the reconciler knows about one node.
type DecideInput struct {
	Decl *ir.Declaration
	// Desired holds the declared properties with references resolved.
	Desired map[string]any
	// Prior is the last recorded state, nil if the resource was never created.
	Prior *ir.ResourceState
	// Observed is the live view from the adapter; nil when not read.
	Observed *provider.Observed
	// Vanished is set when the adapter reported the resource missing.
	Vanished bool
	Meta     provider.KindMetadata
}

// Decision is the action chosen for a node and the diff that led to it.
type Decision struct {
	Action   ir.Action
	Strategy ir.ReplaceStrategy
	Changed  []string
	Diff     map[string]*ir.PropertyDiff
	Reason   string
}

// Decide chooses Create, NoOp, Update or Replace for a node. It is pure:
// no provider is called.
func Decide(in DecideInput) (*Decision, error) {
	id := in.Decl.ID

	if in.Prior == nil || in.Prior.PhysicalID == "" {
		return &Decision{Action: ir.ActionCreate, Diff: createDiff(in.Desired), Reason: "not yet created"}, nil
	}
	if in.Vanished {
		return &Decision{Action: ir.ActionCreate, Diff: createDiff(in.Desired), Reason: "deleted outside of lakestack"}, nil
	}

	diff := propertyDiff(in.Prior.Inputs, in.Desired)
	if in.Observed != nil {
		for k, live := range in.Observed.Properties {
			want, declared := in.Desired[k]
			if !declared || valuesEqual(live, want) {
				continue
			}
			if _, already := diff[k]; already {
				continue
			}
			diff[k] = &ir.PropertyDiff{Before: live, After: want, Drift: true, Action: "update"}
		}
	}

	if in.Decl.Lifecycle != nil {
		for _, k := range in.Decl.Lifecycle.IgnoreChanges {
			delete(diff, k)
		}
	}

	if len(diff) == 0 {
		return &Decision{Action: ir.ActionNoOp, Diff: diff}, nil
	}

	changed := make([]string, 0, len(diff))
	for k, d := range diff {
		changed = append(changed, k)
		d.ForcesReplacement = in.Meta.ForcesReplacement(k)
		d.Unknown = hasReference(d.After)
	}
	sort.Strings(changed)

	if in.Meta.CanUpdate(changed) {
		return &Decision{
			Action:  ir.ActionUpdate,
			Changed: changed,
			Diff:    diff,
			Reason:  "in-place update of " + strings.Join(changed, ", "),
		}, nil
	}

	var forcing []string
	for _, k := range changed {
		if diff[k].ForcesReplacement {
			forcing = append(forcing, k)
		}
	}
	if in.Decl.Lifecycle != nil && in.Decl.Lifecycle.PreventDestroy {
		return nil, fmt.Errorf("%w: %s must be replaced (changed: %s)", ErrPreventDestroy, id, strings.Join(forcing, ", "))
	}

	strategy := ir.DeleteBeforeCreate
	if in.Meta.ParallelReplace || (in.Decl.Lifecycle != nil && in.Decl.Lifecycle.CreateBeforeDestroy) {
		strategy = ir.CreateBeforeDestroy
	}
	return &Decision{
		Action:   ir.ActionReplace,
		Strategy: strategy,
		Changed:  changed,
		Diff:     diff,
		Reason:   "replacement forced by " + strings.Join(forcing, ", "),
	}, nil
}

// propertyDiff compares last-applied and desired properties.
func propertyDiff(prior, desired map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, after := range desired {
		before, ok := prior[k]
		switch {
		case !ok:
			diff[k] = &ir.PropertyDiff{After: after, Action: "create"}
		case !valuesEqual(before, after):
			diff[k] = &ir.PropertyDiff{Before: before, After: after, Action: "update"}
		}
	}
	for k, before := range prior {
		if _, ok := desired[k]; !ok {
			diff[k] = &ir.PropertyDiff{Before: before, Action: "delete"}
		}
	}
	return diff
}

func createDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff, len(props))
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{After: v, Action: "create", Unknown: hasReference(v)}
	}
	return diff
}

func deleteDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff, len(props))
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{Before: v, Action: "delete"}
	}
	return diff
}

// valuesEqual compares two property values by their JSON encoding so that
// numbers decoded from state (float64) match declared integers.
func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(ir.CopyValue(a))
	jb, errB := json.Marshal(ir.CopyValue(b))
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
