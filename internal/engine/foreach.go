package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/picklr-io/lakestack/internal/ir"
)

// ExpandForEach expands declarations with Count or ForEach into one
// declaration per instance, ids suffixed with [i] or ["key"]. A dependsOn
// entry naming an expanded declaration is rewritten to every instance.
func ExpandForEach(decls []*ir.Declaration) []*ir.Declaration {
	var expanded []*ir.Declaration
	instances := make(map[string][]string)

	for _, d := range decls {
		switch {
		case d.Count > 0:
			for i := 0; i < d.Count; i++ {
				clone := d.Clone()
				clone.ID = fmt.Sprintf("%s[%d]", d.ID, i)
				clone.Count = 0
				clone.Properties = substituteIndex(clone.Properties, i).(map[string]any)
				expanded = append(expanded, clone)
				instances[d.ID] = append(instances[d.ID], clone.ID)
			}
		case len(d.ForEach) > 0:
			keys := make([]string, 0, len(d.ForEach))
			for k := range d.ForEach {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				clone := d.Clone()
				clone.ID = fmt.Sprintf("%s[%q]", d.ID, key)
				clone.ForEach = nil
				clone.Properties = substituteEach(clone.Properties, key, d.ForEach[key]).(map[string]any)
				expanded = append(expanded, clone)
				instances[d.ID] = append(instances[d.ID], clone.ID)
			}
		default:
			expanded = append(expanded, d)
		}
	}

	if len(instances) == 0 {
		return expanded
	}
	for i, d := range expanded {
		var rewritten []string
		changed := false
		for _, dep := range d.DependsOn {
			if ids, ok := instances[dep]; ok {
				rewritten = append(rewritten, ids...)
				changed = true
				continue
			}
			rewritten = append(rewritten, dep)
		}
		if changed {
			c := d.Clone()
			c.DependsOn = rewritten
			expanded[i] = c
		}
	}
	return expanded
}

func substituteIndex(v any, index int) any {
	return substitute(v, strings.NewReplacer("${count.index}", strconv.Itoa(index)))
}

func substituteEach(v any, key string, value any) any {
	r := strings.NewReplacer(
		"${each.key}", key,
		"${each.value}", formatScalar(value),
	)
	return substituteEachValue(v, r, value)
}

// substituteEachValue keeps each.value's type when a property is exactly
// "${each.value}".
func substituteEachValue(v any, r *strings.Replacer, value any) any {
	switch val := v.(type) {
	case string:
		if val == "${each.value}" {
			return ir.CopyValue(value)
		}
		return r.Replace(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = substituteEachValue(v, r, value)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = substituteEachValue(v, r, value)
		}
		return out
	default:
		return val
	}
}

func substitute(v any, r *strings.Replacer) any {
	switch val := v.(type) {
	case string:
		return r.Replace(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = substitute(v, r)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = substitute(v, r)
		}
		return out
	default:
		return val
	}
}
