package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lakestack/internal/provider"
)

func TestProvider_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	p := New()

	res, err := p.Create(ctx, &provider.CreateRequest{
		Kind:       "aws:EC2.Vpc",
		LogicalID:  "vpc",
		Properties: map[string]any{"cidrBlock": "10.0.0.0/16", "name": "lake"},
	})
	require.NoError(t, err)
	assert.Equal(t, "vpc-0001", res.PhysicalID)
	assert.Equal(t, "lake", res.Outputs["name"])

	obs, err := p.Read(ctx, "aws:EC2.Vpc", res.PhysicalID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/16", obs.Properties["cidrBlock"])

	_, err = p.Update(ctx, &provider.UpdateRequest{
		Kind:       "aws:EC2.Vpc",
		LogicalID:  "vpc",
		PhysicalID: res.PhysicalID,
		Properties: map[string]any{"cidrBlock": "10.1.0.0/16"},
		Changed:    []string{"cidrBlock"},
	})
	require.NoError(t, err)
	stored, ok := p.Resource(res.PhysicalID)
	require.True(t, ok)
	assert.Equal(t, "10.1.0.0/16", stored.Properties["cidrBlock"])

	require.NoError(t, p.Delete(ctx, "aws:EC2.Vpc", res.PhysicalID))
	_, err = p.Read(ctx, "aws:EC2.Vpc", res.PhysicalID)
	assert.ErrorIs(t, err, provider.ErrNotFound)

	// Deleting a missing resource succeeds.
	assert.NoError(t, p.Delete(ctx, "aws:EC2.Vpc", res.PhysicalID))
}

func TestProvider_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := New()
	req := &provider.CreateRequest{Kind: "aws:S3.Bucket", LogicalID: "data"}

	first, err := p.Create(ctx, req)
	require.NoError(t, err)
	second, err := p.Create(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.PhysicalID, second.PhysicalID)
	assert.Equal(t, 1, p.Len())
}

func TestProvider_CreateReplacementIgnoresOldInstance(t *testing.T) {
	ctx := context.Background()
	p := New()

	old, err := p.Create(ctx, &provider.CreateRequest{Kind: "aws:EKS.Nodegroup", LogicalID: "spot"})
	require.NoError(t, err)
	next, err := p.Create(ctx, &provider.CreateRequest{Kind: "aws:EKS.Nodegroup", LogicalID: "spot", Replaces: old.PhysicalID})
	require.NoError(t, err)

	assert.NotEqual(t, old.PhysicalID, next.PhysicalID)
	assert.Equal(t, 2, p.Len())
}

func TestProvider_FaultInjection(t *testing.T) {
	ctx := context.Background()
	p := New()

	p.FailOn("db", errors.New("InvalidParameterCombination"))
	_, err := p.Create(ctx, &provider.CreateRequest{Kind: "aws:RDS.DBCluster", LogicalID: "db"})
	require.Error(t, err)
	assert.False(t, provider.IsTransient(err))

	p.FailTransient("role", 2)
	for i := 0; i < 2; i++ {
		_, err := p.Create(ctx, &provider.CreateRequest{Kind: "aws:IAM.Role", LogicalID: "role"})
		require.Error(t, err)
		assert.True(t, provider.IsTransient(err))
	}
	_, err = p.Create(ctx, &provider.CreateRequest{Kind: "aws:IAM.Role", LogicalID: "role"})
	require.NoError(t, err)

	assert.Len(t, p.CallsFor("role"), 3)

	p.ClearFaults()
	_, err = p.Create(ctx, &provider.CreateRequest{Kind: "aws:RDS.DBCluster", LogicalID: "db"})
	assert.NoError(t, err)
}

func TestProvider_Metadata(t *testing.T) {
	p := New(provider.KindMetadata{Kind: "aws:EC2.Subnet", ForceNew: []string{"cidrBlock"}})

	m, err := p.Metadata("aws:EC2.Subnet")
	require.NoError(t, err)
	assert.True(t, m.ForcesReplacement("cidrBlock"))

	m, err = p.Metadata("custom:Thing")
	require.NoError(t, err)
	assert.True(t, m.CanUpdate([]string{"anything"}))
	assert.Len(t, p.Kinds(), 1)
}

func TestProvider_SetLiveAndForget(t *testing.T) {
	ctx := context.Background()
	p := New()
	res, err := p.Create(ctx, &provider.CreateRequest{Kind: "aws:EC2.SecurityGroup", LogicalID: "sg", Properties: map[string]any{"description": "a"}})
	require.NoError(t, err)

	p.SetLive(res.PhysicalID, "description", "b")
	obs, err := p.Read(ctx, "aws:EC2.SecurityGroup", res.PhysicalID)
	require.NoError(t, err)
	assert.Equal(t, "b", obs.Properties["description"])

	p.Forget(res.PhysicalID)
	_, err = p.Read(ctx, "aws:EC2.SecurityGroup", res.PhysicalID)
	assert.ErrorIs(t, err, provider.ErrNotFound)
}
