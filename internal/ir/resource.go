package ir

import "strings"

// Declaration is the user-authored description of one resource.
type Declaration struct {
	ID         string         `pkl:"id" yaml:"id" json:"id" validate:"required,excludes=/"`
	Kind       string         `pkl:"kind" yaml:"kind" json:"kind" validate:"required"` // e.g. "aws:EKS.Cluster"
	Provider   string         `pkl:"provider" yaml:"provider,omitempty" json:"provider,omitempty"`
	Lifecycle  *Lifecycle     `pkl:"lifecycle" yaml:"lifecycle,omitempty" json:"lifecycle,omitempty"`
	DependsOn  []string       `pkl:"dependsOn" yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Properties map[string]any `pkl:"properties" yaml:"properties,omitempty" json:"properties,omitempty"`

	// Timeout bounds every provider call made for this resource (Go duration syntax).
	Timeout string `pkl:"timeout" yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// When is a boolean expression over stack variables; false drops the declaration.
	When    string         `pkl:"when" yaml:"when,omitempty" json:"when,omitempty"`
	Count   int            `pkl:"count" yaml:"count,omitempty" json:"count,omitempty" validate:"gte=0"`
	ForEach map[string]any `pkl:"forEach" yaml:"forEach,omitempty" json:"forEach,omitempty"`
}

type Lifecycle struct {
	CreateBeforeDestroy bool     `pkl:"createBeforeDestroy" yaml:"createBeforeDestroy,omitempty" json:"createBeforeDestroy,omitempty"`
	PreventDestroy      bool     `pkl:"preventDestroy" yaml:"preventDestroy,omitempty" json:"preventDestroy,omitempty"`
	IgnoreChanges       []string `pkl:"ignoreChanges" yaml:"ignoreChanges,omitempty" json:"ignoreChanges,omitempty"`
}

// ProviderName returns the explicit provider or the prefix of Kind before ':'.
func (d *Declaration) ProviderName() string {
	if d.Provider != "" {
		return d.Provider
	}
	if i := strings.Index(d.Kind, ":"); i > 0 {
		return d.Kind[:i]
	}
	return "memory"
}

// Clone returns a deep copy of the declaration.
func (d *Declaration) Clone() *Declaration {
	c := &Declaration{
		ID:         d.ID,
		Kind:       d.Kind,
		Provider:   d.Provider,
		DependsOn:  append([]string(nil), d.DependsOn...),
		Properties: CopyMap(d.Properties),
		Timeout:    d.Timeout,
		When:       d.When,
		Count:      d.Count,
		ForEach:    CopyMap(d.ForEach),
	}
	if d.Lifecycle != nil {
		c.Lifecycle = &Lifecycle{
			CreateBeforeDestroy: d.Lifecycle.CreateBeforeDestroy,
			PreventDestroy:      d.Lifecycle.PreventDestroy,
			IgnoreChanges:       append([]string(nil), d.Lifecycle.IgnoreChanges...),
		}
	}
	return c
}

// CopyMap deep-copies a property map, normalising map[any]any to map[string]any.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CopyValue(v)
	}
	return out
}

// CopyValue deep-copies nested maps and slices.
func CopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyMap(val)
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[toKey(k)] = CopyValue(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = CopyValue(v)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = v
		}
		return out
	default:
		return val
	}
}

func toKey(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return strings.TrimSpace(stringify(k))
}

// DependencyEdge orders two resources: From must be Ready before To starts.
type DependencyEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}
