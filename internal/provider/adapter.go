package provider

import (
	"cmp"
	"context"
	"fmt"
	"slices"
)

// Adapter is the capability set every provider implements. Calls must be
// idempotent: Create for a resource that already exists returns the
// existing physical id, and Delete of a missing resource succeeds.
type Adapter interface {
	Name() string
	Kinds() []KindMetadata
	Metadata(kind string) (KindMetadata, error)

	Create(ctx context.Context, req *CreateRequest) (*Result, error)
	// Read returns an error matching ErrNotFound when the resource is gone.
	Read(ctx context.Context, kind, physicalID string) (*Observed, error)
	Update(ctx context.Context, req *UpdateRequest) (*Result, error)
	Delete(ctx context.Context, kind, physicalID string) error
}

type CreateRequest struct {
	Kind       string
	LogicalID  string
	Properties map[string]any
	// Replaces is the physical id being replaced with create-before-destroy.
	// Idempotent lookups must not return it.
	Replaces string
}

type UpdateRequest struct {
	Kind       string
	LogicalID  string
	PhysicalID string
	Properties map[string]any
	Changed    []string
}

// Result is what a provider reports after a successful create or update.
type Result struct {
	PhysicalID string
	Outputs    map[string]any
}

// Observed is the live view of a resource returned by Read. Properties holds
// only the declared properties the provider can read back; keys it cannot
// observe are omitted rather than zeroed.
type Observed struct {
	PhysicalID string
	Properties map[string]any
	Outputs    map[string]any
}

// KindMetadata describes how a resource kind can change.
type KindMetadata struct {
	Kind        string
	Description string
	// Updatable lists properties changeable in place; "*" means all of them.
	Updatable []string
	// ForceNew lists properties whose change always requires replacement.
	ForceNew []string
	// ParallelReplace is set when old and new instances may coexist.
	ParallelReplace bool
}

// CanUpdate reports whether every changed key can be applied in place.
func (m KindMetadata) CanUpdate(changed []string) bool {
	for _, k := range changed {
		if !m.updatable(k) {
			return false
		}
	}
	return true
}

// ForcesReplacement reports whether changing key requires a new resource.
func (m KindMetadata) ForcesReplacement(key string) bool {
	return !m.updatable(key)
}

func (m KindMetadata) updatable(key string) bool {
	if slices.Contains(m.ForceNew, key) {
		return false
	}
	return slices.Contains(m.Updatable, "*") || slices.Contains(m.Updatable, key)
}

// Catalog is a lookup table of kind metadata that adapters embed.
type Catalog map[string]KindMetadata

// NewCatalog indexes metadata by kind.
func NewCatalog(kinds ...KindMetadata) Catalog {
	c := make(Catalog, len(kinds))
	for _, k := range kinds {
		c[k.Kind] = k
	}
	return c
}

// Kinds returns every kind in the catalog, sorted.
func (c Catalog) Kinds() []KindMetadata {
	out := make([]KindMetadata, 0, len(c))
	for _, k := range c {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b KindMetadata) int { return cmp.Compare(a.Kind, b.Kind) })
	return out
}

// Metadata returns the metadata for kind or an ErrUnknownKind error.
func (c Catalog) Metadata(kind string) (KindMetadata, error) {
	m, ok := c[kind]
	if !ok {
		return KindMetadata{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return m, nil
}
