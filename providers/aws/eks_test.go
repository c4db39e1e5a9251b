package aws

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lakestack/internal/provider"
)

type fakeEKS struct {
	eksAPI
	clusters   map[string]*types.Cluster
	nodegroups map[string]*types.Nodegroup
	assocs     map[string]*types.PodIdentityAssociation
	creates    int
	updates    []*eks.UpdateNodegroupConfigInput
}

func newFakeEKS() *fakeEKS {
	return &fakeEKS{
		clusters:   make(map[string]*types.Cluster),
		nodegroups: make(map[string]*types.Nodegroup),
		assocs:     make(map[string]*types.PodIdentityAssociation),
	}
}

func eksNotFound(what string) error {
	return &types.ResourceNotFoundException{Message: aws.String(what + " not found")}
}

func (f *fakeEKS) CreateCluster(_ context.Context, in *eks.CreateClusterInput, _ ...func(*eks.Options)) (*eks.CreateClusterOutput, error) {
	f.creates++
	name := aws.ToString(in.Name)
	c := &types.Cluster{
		Name:                 in.Name,
		Arn:                  aws.String("arn:aws:eks:eu-west-1:123456789012:cluster/" + name),
		RoleArn:              in.RoleArn,
		Version:              aws.String("1.31"),
		Status:               types.ClusterStatusActive,
		Endpoint:             aws.String("https://" + name + ".eks.example.com"),
		CertificateAuthority: &types.Certificate{Data: aws.String("Y2VydA==")},
		Identity:             &types.Identity{Oidc: &types.OIDC{Issuer: aws.String("https://oidc.eks.eu-west-1.amazonaws.com/id/ABC")}},
		ResourcesVpcConfig:   &types.VpcConfigResponse{VpcId: aws.String("vpc-0001"), ClusterSecurityGroupId: aws.String("sg-cluster")},
		Tags:                 in.Tags,
	}
	if in.Version != nil {
		c.Version = in.Version
	}
	f.clusters[name] = c
	return &eks.CreateClusterOutput{Cluster: c}, nil
}

func (f *fakeEKS) DescribeCluster(_ context.Context, in *eks.DescribeClusterInput, _ ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
	c, ok := f.clusters[aws.ToString(in.Name)]
	if !ok {
		return nil, eksNotFound("cluster")
	}
	return &eks.DescribeClusterOutput{Cluster: c}, nil
}

func (f *fakeEKS) DeleteCluster(_ context.Context, in *eks.DeleteClusterInput, _ ...func(*eks.Options)) (*eks.DeleteClusterOutput, error) {
	name := aws.ToString(in.Name)
	if _, ok := f.clusters[name]; !ok {
		return nil, eksNotFound("cluster")
	}
	delete(f.clusters, name)
	return &eks.DeleteClusterOutput{}, nil
}

func (f *fakeEKS) CreateNodegroup(_ context.Context, in *eks.CreateNodegroupInput, _ ...func(*eks.Options)) (*eks.CreateNodegroupOutput, error) {
	key := joinID(aws.ToString(in.ClusterName), aws.ToString(in.NodegroupName))
	ng := &types.Nodegroup{
		ClusterName:   in.ClusterName,
		NodegroupName: in.NodegroupName,
		NodegroupArn:  aws.String("arn:aws:eks:eu-west-1:123456789012:nodegroup/" + key),
		NodeRole:      in.NodeRole,
		CapacityType:  in.CapacityType,
		ScalingConfig: in.ScalingConfig,
		Labels:        in.Labels,
		Tags:          in.Tags,
		Status:        types.NodegroupStatusActive,
	}
	f.nodegroups[key] = ng
	return &eks.CreateNodegroupOutput{Nodegroup: ng}, nil
}

func (f *fakeEKS) DescribeNodegroup(_ context.Context, in *eks.DescribeNodegroupInput, _ ...func(*eks.Options)) (*eks.DescribeNodegroupOutput, error) {
	ng, ok := f.nodegroups[joinID(aws.ToString(in.ClusterName), aws.ToString(in.NodegroupName))]
	if !ok {
		return nil, eksNotFound("nodegroup")
	}
	return &eks.DescribeNodegroupOutput{Nodegroup: ng}, nil
}

func (f *fakeEKS) UpdateNodegroupConfig(_ context.Context, in *eks.UpdateNodegroupConfigInput, _ ...func(*eks.Options)) (*eks.UpdateNodegroupConfigOutput, error) {
	f.updates = append(f.updates, in)
	ng := f.nodegroups[joinID(aws.ToString(in.ClusterName), aws.ToString(in.NodegroupName))]
	if in.ScalingConfig != nil {
		ng.ScalingConfig = in.ScalingConfig
	}
	return &eks.UpdateNodegroupConfigOutput{}, nil
}

func (f *fakeEKS) ListPodIdentityAssociations(_ context.Context, in *eks.ListPodIdentityAssociationsInput, _ ...func(*eks.Options)) (*eks.ListPodIdentityAssociationsOutput, error) {
	var out []types.PodIdentityAssociationSummary
	for _, id := range sortedKeys(f.assocs) {
		a := f.assocs[id]
		if aws.ToString(a.Namespace) == aws.ToString(in.Namespace) && aws.ToString(a.ServiceAccount) == aws.ToString(in.ServiceAccount) {
			out = append(out, types.PodIdentityAssociationSummary{AssociationId: a.AssociationId, Namespace: a.Namespace, ServiceAccount: a.ServiceAccount})
		}
	}
	return &eks.ListPodIdentityAssociationsOutput{Associations: out}, nil
}

func (f *fakeEKS) CreatePodIdentityAssociation(_ context.Context, in *eks.CreatePodIdentityAssociationInput, _ ...func(*eks.Options)) (*eks.CreatePodIdentityAssociationOutput, error) {
	id := fmt.Sprintf("a-%d", len(f.assocs)+1)
	a := &types.PodIdentityAssociation{
		AssociationId:  aws.String(id),
		AssociationArn: aws.String("arn:aws:eks:eu-west-1:123456789012:podidentityassociation/" + id),
		ClusterName:    in.ClusterName,
		Namespace:      in.Namespace,
		ServiceAccount: in.ServiceAccount,
		RoleArn:        in.RoleArn,
		Tags:           in.Tags,
	}
	f.assocs[id] = a
	return &eks.CreatePodIdentityAssociationOutput{Association: a}, nil
}

func (f *fakeEKS) DescribePodIdentityAssociation(_ context.Context, in *eks.DescribePodIdentityAssociationInput, _ ...func(*eks.Options)) (*eks.DescribePodIdentityAssociationOutput, error) {
	a, ok := f.assocs[aws.ToString(in.AssociationId)]
	if !ok {
		return nil, eksNotFound("association")
	}
	return &eks.DescribePodIdentityAssociationOutput{Association: a}, nil
}

func (f *fakeEKS) UpdatePodIdentityAssociation(_ context.Context, in *eks.UpdatePodIdentityAssociationInput, _ ...func(*eks.Options)) (*eks.UpdatePodIdentityAssociationOutput, error) {
	a := f.assocs[aws.ToString(in.AssociationId)]
	a.RoleArn = in.RoleArn
	return &eks.UpdatePodIdentityAssociationOutput{Association: a}, nil
}

func clusterRequest() *provider.CreateRequest {
	return &provider.CreateRequest{
		Kind:      KindCluster,
		LogicalID: "cluster",
		Properties: map[string]any{
			"name":               "lake",
			"roleArn":            "arn:aws:iam::123456789012:role/lake-cluster",
			"version":            "1.31",
			"subnetIds":          []any{"subnet-a", "subnet-b"},
			"authenticationMode": "API_AND_CONFIG_MAP",
		},
	}
}

func TestCluster_CreateWaitsAndExportsOutputs(t *testing.T) {
	ctx := context.Background()
	fake := newFakeEKS()
	p := newWithClients("eu-west-1", &clients{eks: fake})

	res, err := p.Create(ctx, clusterRequest())
	require.NoError(t, err)
	assert.Equal(t, "lake", res.PhysicalID)
	assert.Equal(t, "https://lake.eks.example.com", res.Outputs["endpoint"])
	assert.Equal(t, "Y2VydA==", res.Outputs["certificateAuthorityData"])
	assert.Equal(t, "https://oidc.eks.eu-west-1.amazonaws.com/id/ABC", res.Outputs["oidcIssuer"])
	assert.Equal(t, "sg-cluster", res.Outputs["clusterSecurityGroupId"])
	assert.Equal(t, "cluster", fake.clusters["lake"].Tags[LogicalIDTag])

	_, err = p.Create(ctx, clusterRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, fake.creates)
}

func TestCluster_InvalidProperties(t *testing.T) {
	req := clusterRequest()
	req.Properties["subnetIds"] = []any{"subnet-a"}
	req.Properties["authenticationMode"] = "LDAP"

	p := newWithClients("eu-west-1", &clients{eks: newFakeEKS()})
	_, err := p.Create(context.Background(), req)
	require.Error(t, err)
	assert.False(t, provider.IsTransient(err))
}

func TestCluster_DeleteWaitsForRemoval(t *testing.T) {
	ctx := context.Background()
	fake := newFakeEKS()
	p := newWithClients("eu-west-1", &clients{eks: fake})

	_, err := p.Create(ctx, clusterRequest())
	require.NoError(t, err)

	require.NoError(t, p.Delete(ctx, KindCluster, "lake"))
	assert.Empty(t, fake.clusters)
	require.NoError(t, p.Delete(ctx, KindCluster, "lake"))
}

func nodegroupProperties(desired int) map[string]any {
	return map[string]any{
		"clusterName":   "lake",
		"nodegroupName": "spot",
		"nodeRoleArn":   "arn:aws:iam::123456789012:role/lake-node",
		"subnetIds":     []any{"subnet-a"},
		"instanceTypes": []any{"m5.xlarge"},
		"capacityType":  "SPOT",
		"scaling":       map[string]any{"minSize": 1, "maxSize": 10, "desiredSize": desired},
		"labels":        map[string]any{"role": "spark"},
	}
}

func TestNodegroup_CreateAndScale(t *testing.T) {
	ctx := context.Background()
	fake := newFakeEKS()
	p := newWithClients("eu-west-1", &clients{eks: fake})

	res, err := p.Create(ctx, &provider.CreateRequest{Kind: KindNodegroup, LogicalID: "spot", Properties: nodegroupProperties(2)})
	require.NoError(t, err)
	assert.Equal(t, "lake/spot", res.PhysicalID)
	assert.Equal(t, "ACTIVE", res.Outputs["status"])

	_, err = p.Update(ctx, &provider.UpdateRequest{
		Kind:       KindNodegroup,
		LogicalID:  "spot",
		PhysicalID: res.PhysicalID,
		Properties: nodegroupProperties(5),
		Changed:    []string{"scaling"},
	})
	require.NoError(t, err)
	require.Len(t, fake.updates, 1)
	assert.Equal(t, int32(5), aws.ToInt32(fake.updates[0].ScalingConfig.DesiredSize))
	assert.Nil(t, fake.updates[0].Labels)

	obs, err := p.Read(ctx, KindNodegroup, res.PhysicalID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"minSize": 1, "maxSize": 10, "desiredSize": 5}, obs.Properties["scaling"])
}

func TestNodegroup_DesiredOutsideRange(t *testing.T) {
	p := newWithClients("eu-west-1", &clients{eks: newFakeEKS()})
	_, err := p.Create(context.Background(), &provider.CreateRequest{Kind: KindNodegroup, LogicalID: "spot", Properties: nodegroupProperties(20)})
	assert.ErrorContains(t, err, "validation failed")
}

func TestPodIdentity_CreateAdoptsExisting(t *testing.T) {
	ctx := context.Background()
	fake := newFakeEKS()
	p := newWithClients("eu-west-1", &clients{eks: fake})

	props := map[string]any{
		"clusterName":    "lake",
		"namespace":      "karpenter",
		"serviceAccount": "karpenter",
		"roleArn":        "arn:aws:iam::123456789012:role/karpenter",
	}
	first, err := p.Create(ctx, &provider.CreateRequest{Kind: KindPodIdentityAssociation, LogicalID: "karpenterIdentity", Properties: props})
	require.NoError(t, err)
	assert.Equal(t, "lake/a-1", first.PhysicalID)
	assert.Equal(t, "a-1", first.Outputs["associationId"])

	props["roleArn"] = "arn:aws:iam::123456789012:role/karpenter-v2"
	second, err := p.Create(ctx, &provider.CreateRequest{Kind: KindPodIdentityAssociation, LogicalID: "karpenterIdentity", Properties: props})
	require.NoError(t, err)
	assert.Equal(t, first.PhysicalID, second.PhysicalID)
	assert.Len(t, fake.assocs, 1)
	assert.Equal(t, "arn:aws:iam::123456789012:role/karpenter-v2", aws.ToString(fake.assocs["a-1"].RoleArn))
}
