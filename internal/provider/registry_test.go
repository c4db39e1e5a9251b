package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	Catalog
	name string
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) Create(context.Context, *CreateRequest) (*Result, error) {
	return &Result{PhysicalID: "x"}, nil
}
func (s *stubAdapter) Read(context.Context, string, string) (*Observed, error) {
	return nil, ErrNotFound
}
func (s *stubAdapter) Update(context.Context, *UpdateRequest) (*Result, error) {
	return &Result{}, nil
}
func (s *stubAdapter) Delete(context.Context, string, string) error { return nil }

func TestRegistry_LazyLoad(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.RegisterFactory("stub", func() (Adapter, error) {
		calls++
		return &stubAdapter{name: "stub", Catalog: NewCatalog()}, nil
	})

	a, err := r.Get("stub")
	require.NoError(t, err)
	assert.Equal(t, "stub", a.Name())

	_, err = r.Get("stub")
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "factory runs once")
}

func TestRegistry_Unknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nope")
	assert.ErrorContains(t, err, "unknown provider: nope")
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("broken", func() (Adapter, error) { return nil, errors.New("no credentials") })
	err := r.LoadProvider("broken")
	assert.ErrorContains(t, err, "no credentials")
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("b", func() (Adapter, error) { return nil, nil })
	r.Register(&stubAdapter{name: "a", Catalog: NewCatalog()})
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestKindMetadata_CanUpdate(t *testing.T) {
	m := KindMetadata{Kind: "k", Updatable: []string{"tags", "size"}, ForceNew: []string{"name"}}
	assert.True(t, m.CanUpdate([]string{"tags"}))
	assert.True(t, m.CanUpdate(nil))
	assert.False(t, m.CanUpdate([]string{"tags", "name"}))
	assert.False(t, m.CanUpdate([]string{"engine"}))

	all := KindMetadata{Kind: "k", Updatable: []string{"*"}, ForceNew: []string{"name"}}
	assert.True(t, all.CanUpdate([]string{"anything"}))
	assert.True(t, all.ForcesReplacement("name"))
}

func TestCatalog(t *testing.T) {
	c := NewCatalog(KindMetadata{Kind: "b"}, KindMetadata{Kind: "a"})
	kinds := c.Kinds()
	require.Len(t, kinds, 2)
	assert.Equal(t, "a", kinds[0].Kind)

	_, err := c.Metadata("zzz")
	assert.ErrorIs(t, err, ErrUnknownKind)
}
