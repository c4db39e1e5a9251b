package aws

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lakestack/internal/provider"
)

type fakeEC2 struct {
	ec2API
	vpcs     map[string]types.Vpc
	next     int
	modified int
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{vpcs: make(map[string]types.Vpc)}
}

func matchTags(tags []types.Tag, filters []types.Filter) bool {
	have := fromEC2Tags(tags)
	for _, f := range filters {
		key, ok := strings.CutPrefix(aws.ToString(f.Name), "tag:")
		if !ok {
			continue
		}
		if !slices.Contains(f.Values, have[key]) {
			return false
		}
	}
	return true
}

func (f *fakeEC2) CreateVpc(_ context.Context, in *ec2.CreateVpcInput, _ ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error) {
	f.next++
	id := fmt.Sprintf("vpc-%04d", f.next)
	vpc := types.Vpc{
		VpcId:     aws.String(id),
		CidrBlock: in.CidrBlock,
		State:     types.VpcStateAvailable,
		OwnerId:   aws.String("123456789012"),
	}
	if len(in.TagSpecifications) > 0 {
		vpc.Tags = in.TagSpecifications[0].Tags
	}
	f.vpcs[id] = vpc
	return &ec2.CreateVpcOutput{Vpc: &vpc}, nil
}

func (f *fakeEC2) DescribeVpcs(_ context.Context, in *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	var out []types.Vpc
	for _, id := range sortedKeys(f.vpcs) {
		if len(in.VpcIds) > 0 && !slices.Contains(in.VpcIds, id) {
			continue
		}
		if v := f.vpcs[id]; matchTags(v.Tags, in.Filters) {
			out = append(out, v)
		}
	}
	if len(in.VpcIds) > 0 && len(out) == 0 {
		return nil, &smithy.GenericAPIError{Code: "InvalidVpcID.NotFound", Message: "vpc does not exist"}
	}
	return &ec2.DescribeVpcsOutput{Vpcs: out}, nil
}

func (f *fakeEC2) ModifyVpcAttribute(context.Context, *ec2.ModifyVpcAttributeInput, ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error) {
	f.modified++
	return &ec2.ModifyVpcAttributeOutput{}, nil
}

func (f *fakeEC2) DeleteVpc(_ context.Context, in *ec2.DeleteVpcInput, _ ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	id := aws.ToString(in.VpcId)
	if _, ok := f.vpcs[id]; !ok {
		return nil, &smithy.GenericAPIError{Code: "InvalidVpcID.NotFound", Message: "vpc does not exist"}
	}
	delete(f.vpcs, id)
	return &ec2.DeleteVpcOutput{}, nil
}

func (f *fakeEC2) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	for _, id := range in.Resources {
		v := f.vpcs[id]
		tags := fromEC2Tags(v.Tags)
		for _, t := range in.Tags {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
		v.Tags = ec2Tags(tags)
		f.vpcs[id] = v
	}
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) DeleteTags(_ context.Context, in *ec2.DeleteTagsInput, _ ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error) {
	for _, id := range in.Resources {
		v := f.vpcs[id]
		tags := fromEC2Tags(v.Tags)
		for _, t := range in.Tags {
			delete(tags, aws.ToString(t.Key))
		}
		v.Tags = ec2Tags(tags)
		f.vpcs[id] = v
	}
	return &ec2.DeleteTagsOutput{}, nil
}

func vpcRequest() *provider.CreateRequest {
	return &provider.CreateRequest{
		Kind:      KindVpc,
		LogicalID: "network",
		Properties: map[string]any{
			"cidrBlock":          "10.0.0.0/16",
			"enableDnsHostnames": true,
			"tags":               map[string]any{"team": "data"},
		},
	}
}

func TestVpc_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fake := newFakeEC2()
	p := newWithClients("eu-west-1", &clients{ec2: fake})

	first, err := p.Create(ctx, vpcRequest())
	require.NoError(t, err)
	assert.Equal(t, "vpc-0001", first.PhysicalID)
	assert.Equal(t, "10.0.0.0/16", first.Outputs["cidrBlock"])
	assert.Equal(t, "vpc-0001", first.Outputs["vpcId"])

	second, err := p.Create(ctx, vpcRequest())
	require.NoError(t, err)
	assert.Equal(t, first.PhysicalID, second.PhysicalID)
	assert.Len(t, fake.vpcs, 1)
}

func TestVpc_ReplacementCreatesNewInstance(t *testing.T) {
	ctx := context.Background()
	fake := newFakeEC2()
	p := newWithClients("eu-west-1", &clients{ec2: fake})

	first, err := p.Create(ctx, vpcRequest())
	require.NoError(t, err)

	req := vpcRequest()
	req.Replaces = first.PhysicalID
	second, err := p.Create(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.PhysicalID, second.PhysicalID)
	assert.Len(t, fake.vpcs, 2)
}

func TestVpc_ReadHidesManagedTags(t *testing.T) {
	ctx := context.Background()
	p := newWithClients("eu-west-1", &clients{ec2: newFakeEC2()})

	res, err := p.Create(ctx, vpcRequest())
	require.NoError(t, err)

	obs, err := p.Read(ctx, KindVpc, res.PhysicalID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"team": "data"}, obs.Properties["tags"])
	assert.Equal(t, "10.0.0.0/16", obs.Properties["cidrBlock"])
}

func TestVpc_UpdateTags(t *testing.T) {
	ctx := context.Background()
	fake := newFakeEC2()
	p := newWithClients("eu-west-1", &clients{ec2: fake})

	res, err := p.Create(ctx, vpcRequest())
	require.NoError(t, err)

	_, err = p.Update(ctx, &provider.UpdateRequest{
		Kind:       KindVpc,
		LogicalID:  "network",
		PhysicalID: res.PhysicalID,
		Properties: map[string]any{"cidrBlock": "10.0.0.0/16", "tags": map[string]any{"owner": "platform"}},
		Changed:    []string{"tags"},
	})
	require.NoError(t, err)

	tags := fromEC2Tags(fake.vpcs[res.PhysicalID].Tags)
	assert.Equal(t, map[string]string{"owner": "platform", LogicalIDTag: "network"}, tags)
}

func TestVpc_DeleteMissingSucceeds(t *testing.T) {
	ctx := context.Background()
	p := newWithClients("eu-west-1", &clients{ec2: newFakeEC2()})

	res, err := p.Create(ctx, vpcRequest())
	require.NoError(t, err)

	require.NoError(t, p.Delete(ctx, KindVpc, res.PhysicalID))
	require.NoError(t, p.Delete(ctx, KindVpc, res.PhysicalID))

	_, err = p.Read(ctx, KindVpc, res.PhysicalID)
	assert.ErrorIs(t, err, provider.ErrNotFound)
}
