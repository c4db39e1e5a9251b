package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/picklr-io/lakestack/internal/ir"
)

const refScheme = "ptr://"

// Reference points at an attribute of another resource:
// ptr://<id>/<attribute.path>. An empty Attribute means the physical id.
type Reference struct {
	Target    string
	Attribute string
}

func (r Reference) String() string {
	if r.Attribute == "" {
		return refScheme + r.Target
	}
	return refScheme + r.Target + "/" + r.Attribute
}

var embeddedRef = regexp.MustCompile(`\$\{(ptr://[^}]+)\}`)

// ParseReference parses a whole-string reference.
func ParseReference(s string) (Reference, bool) {
	if !strings.HasPrefix(s, refScheme) {
		return Reference{}, false
	}
	target, attr, _ := strings.Cut(s[len(refScheme):], "/")
	if target == "" {
		return Reference{}, false
	}
	return Reference{Target: target, Attribute: attr}, true
}

// extractRefs returns every reference in v, whole-string or embedded.
func extractRefs(v any) []Reference {
	var refs []Reference
	switch val := v.(type) {
	case string:
		if ref, ok := ParseReference(val); ok {
			return append(refs, ref)
		}
		for _, m := range embeddedRef.FindAllStringSubmatch(val, -1) {
			if ref, ok := ParseReference(m[1]); ok {
				refs = append(refs, ref)
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			refs = append(refs, extractRefs(val[k])...)
		}
	case map[any]any:
		refs = append(refs, extractRefs(ir.CopyValue(val))...)
	case []any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	case []string:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	}
	return refs
}

// lookupFunc returns the value a reference points at, or false when it is
// not (yet) known.
type lookupFunc func(ref Reference) (any, bool)

// resolveValue substitutes references in v. A whole-string reference takes
// the referenced value with its type; embedded ones are formatted into the
// surrounding string. References the lookup cannot satisfy are left in
// place and returned.
func resolveValue(v any, lookup lookupFunc) (any, []Reference) {
	switch val := v.(type) {
	case string:
		if ref, ok := ParseReference(val); ok {
			if resolved, ok := lookup(ref); ok {
				return resolved, nil
			}
			return val, []Reference{ref}
		}
		var missing []Reference
		out := embeddedRef.ReplaceAllStringFunc(val, func(m string) string {
			ref, _ := ParseReference(m[2 : len(m)-1])
			resolved, ok := lookup(ref)
			if !ok {
				missing = append(missing, ref)
				return m
			}
			return formatScalar(resolved)
		})
		return out, missing
	case map[string]any:
		var missing []Reference
		out := make(map[string]any, len(val))
		for k, v := range val {
			r, m := resolveValue(v, lookup)
			out[k] = r
			missing = append(missing, m...)
		}
		return out, missing
	case map[any]any:
		return resolveValue(ir.CopyValue(val), lookup)
	case []any:
		var missing []Reference
		out := make([]any, len(val))
		for i, v := range val {
			r, m := resolveValue(v, lookup)
			out[i] = r
			missing = append(missing, m...)
		}
		return out, missing
	default:
		return v, nil
	}
}

// resolveProperties resolves a property map; a nil input yields an empty map.
func resolveProperties(props map[string]any, lookup lookupFunc) (map[string]any, []Reference) {
	if props == nil {
		return map[string]any{}, nil
	}
	out, missing := resolveValue(props, lookup)
	return out.(map[string]any), missing
}

func formatScalar(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// stateLookup resolves references against resources in state. When ready is
// true only resources with status Ready satisfy a lookup.
func stateLookup(state *ir.State, ready bool) lookupFunc {
	return func(ref Reference) (any, bool) {
		rs := state.Find(ref.Target)
		if rs == nil || (ready && rs.Status != ir.StatusReady) {
			return nil, false
		}
		return attributeOf(rs, ref.Attribute)
	}
}

// attributeOf reads a dotted attribute path from a resource's outputs, then
// its inputs. "id" and the empty path fall back to the physical id.
func attributeOf(rs *ir.ResourceState, attr string) (any, bool) {
	if attr == "" {
		return rs.PhysicalID, rs.PhysicalID != ""
	}
	path := strings.Split(attr, ".")
	if v, ok := walkPath(rs.Outputs, path); ok {
		return v, true
	}
	if v, ok := walkPath(rs.Inputs, path); ok {
		return v, true
	}
	if attr == "id" && rs.PhysicalID != "" {
		return rs.PhysicalID, true
	}
	return nil, false
}

func walkPath(root map[string]any, path []string) (any, bool) {
	var cur any = root
	for _, p := range path {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[p]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// hasReference reports whether v still contains an unresolved reference.
func hasReference(v any) bool {
	return len(extractRefs(v)) > 0
}
