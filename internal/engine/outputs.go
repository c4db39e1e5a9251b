package engine

import (
	"fmt"
	"sort"

	"github.com/picklr-io/lakestack/internal/ir"
)

// ValidateOutputs checks that every output references declared resources.
func ValidateOutputs(outputs map[string]*ir.OutputDecl, g *Graph) error {
	for _, name := range sortedOutputNames(outputs) {
		decl := outputs[name]
		if decl == nil {
			return &ValidationError{ID: "output." + name, Msg: "output has no value"}
		}
		for _, ref := range extractRefs(decl.Value) {
			if !g.Has(ref.Target) {
				return &UnknownReferenceError{From: "output." + name, Target: ref.Target}
			}
		}
	}
	return nil
}

// ExportOutputs resolves output bindings against state. A binding resolves
// only when every source is Ready in state and, when a report is given, was
// not left Failed, Blocked or Pending by that run. Otherwise the result is
// unresolved and names the first source that is not ready.
func ExportOutputs(outputs map[string]*ir.OutputDecl, state *ir.State, report *ir.Report) map[string]*ir.OutputValue {
	result := make(map[string]*ir.OutputValue, len(outputs))
	for _, name := range sortedOutputNames(outputs) {
		decl := outputs[name]
		if decl == nil {
			continue
		}
		out := &ir.OutputValue{Description: decl.Description, Sensitive: decl.Sensitive}
		result[name] = out

		if reason := unreadySource(decl.Value, state, report); reason != "" {
			out.Reason = reason
			continue
		}
		value, missing := resolveValue(ir.CopyValue(decl.Value), stateLookup(state, true))
		if len(missing) > 0 {
			out.Reason = fmt.Sprintf("attribute %q of %s is not available", missing[0].Attribute, missing[0].Target)
			continue
		}
		out.Value = value
		out.Resolved = true
	}
	return result
}

func unreadySource(value any, state *ir.State, report *ir.Report) string {
	for _, ref := range extractRefs(value) {
		if report != nil {
			if n := report.Node(ref.Target); n != nil && n.Status != ir.StatusReady {
				if n.BlockedBy != "" {
					return fmt.Sprintf("source %s is %s (blocked by %s)", ref.Target, n.Status, n.BlockedBy)
				}
				return fmt.Sprintf("source %s is %s", ref.Target, n.Status)
			}
		}
		rs := state.Find(ref.Target)
		if rs == nil {
			return fmt.Sprintf("source %s has not been created", ref.Target)
		}
		if rs.Status != ir.StatusReady {
			return fmt.Sprintf("source %s is %s", ref.Target, rs.Status)
		}
	}
	return ""
}

// ResolvedOutputs returns only the values that resolved, for persisting.
func ResolvedOutputs(values map[string]*ir.OutputValue) map[string]any {
	out := make(map[string]any)
	for name, v := range values {
		if v.Resolved {
			out[name] = v.Value
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sortedOutputNames(outputs map[string]*ir.OutputDecl) []string {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
