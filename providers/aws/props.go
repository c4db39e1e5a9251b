package aws

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/picklr-io/lakestack/internal/provider"
)

// LogicalIDTag is set on every taggable resource so creates can find an
// instance left behind by an interrupted run.
const LogicalIDTag = "lakestack:logical-id"

// Tags under managedTagPrefix carry settings a delete needs, such as
// whether to skip a final snapshot; they are hidden from observed tags.
const (
	managedTagPrefix = "lakestack:"
	skipSnapshotTag  = "lakestack:skip-final-snapshot"
	forceDestroyTag  = "lakestack:force-destroy"
	forceDeleteTag   = "lakestack:force-delete"
	recoveryDaysTag  = "lakestack:recovery-window-days"
	passwordTag      = "lakestack:generated-password"
)

var validate = validator.New()

// decode converts resolved properties into a typed config and validates it.
// Invalid properties are fatal: retrying cannot fix them.
func decode(kind string, props map[string]any, out any) error {
	data, err := json.Marshal(props)
	if err != nil {
		return provider.Fatalf("%s: failed to encode properties: %w", kind, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return provider.Fatalf("%s: invalid properties: %w", kind, err)
	}
	if err := validate.Struct(out); err != nil {
		return provider.Fatalf("%s validation failed: %w", kind, err)
	}
	return nil
}

// document accepts a policy document as a JSON string or as a structured
// value and returns its JSON text.
func document(v any) (string, error) {
	switch doc := v.(type) {
	case nil:
		return "", nil
	case string:
		return doc, nil
	default:
		data, err := json.Marshal(doc)
		if err != nil {
			return "", fmt.Errorf("invalid policy document: %w", err)
		}
		return string(data), nil
	}
}

// withLogicalID returns the declared tags plus the logical id tag.
func withLogicalID(tags map[string]string, logicalID string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	maps.Copy(out, tags)
	out[LogicalIDTag] = logicalID
	return out
}

// userTags drops tags the provider manages itself.
func userTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if strings.HasPrefix(k, managedTagPrefix) || strings.HasPrefix(k, "aws:") {
			continue
		}
		out[k] = v
	}
	return out
}

// tagDiff returns tags to set and tag keys to remove.
func tagDiff(before, after map[string]string) (set map[string]string, remove []string) {
	set = make(map[string]string)
	for k, v := range after {
		if old, ok := before[k]; !ok || old != v {
			set[k] = v
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			remove = append(remove, k)
		}
	}
	sort.Strings(remove)
	return set, remove
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// joinID and splitID build physical ids for resources addressed by a parent
// name, e.g. "cluster/nodegroup".
func joinID(parent, child string) string { return parent + "/" + child }

// replacingSelf rejects a create-before-destroy replacement whose physical
// id is still held by the instance it replaces. Adopting that instance would
// hand the engine the same id to delete afterwards.
func replacingSelf(req *provider.CreateRequest, id string) error {
	if req.Replaces == "" || req.Replaces != id {
		return nil
	}
	return provider.Fatalf("%s %s cannot coexist with its replacement under the same name; rename it or drop createBeforeDestroy", req.Kind, id)
}

func splitID(id string) (string, string, error) {
	parent, child, ok := strings.Cut(id, "/")
	if !ok || parent == "" || child == "" {
		return "", "", provider.Fatalf("malformed physical id %q", id)
	}
	return parent, child, nil
}

func changed(req *provider.UpdateRequest, keys ...string) bool {
	for _, k := range keys {
		if slices.Contains(req.Changed, k) {
			return true
		}
	}
	return false
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func tagsToAny(tags map[string]string) map[string]any {
	out := make(map[string]any, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
