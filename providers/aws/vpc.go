package aws

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/picklr-io/lakestack/internal/provider"
)

const networkWait = 5 * time.Minute

type ec2API interface {
	CreateVpc(ctx context.Context, params *ec2.CreateVpcInput, optFns ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error)
	DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	ModifyVpcAttribute(ctx context.Context, params *ec2.ModifyVpcAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error)
	DeleteVpc(ctx context.Context, params *ec2.DeleteVpcInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error)

	CreateSubnet(ctx context.Context, params *ec2.CreateSubnetInput, optFns ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	ModifySubnetAttribute(ctx context.Context, params *ec2.ModifySubnetAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifySubnetAttributeOutput, error)
	DeleteSubnet(ctx context.Context, params *ec2.DeleteSubnetInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error)

	CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
	DeleteSecurityGroup(ctx context.Context, params *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)

	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DeleteTags(ctx context.Context, params *ec2.DeleteTagsInput, optFns ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error)
}

func ec2Tags(tags map[string]string) []types.Tag {
	out := make([]types.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func fromEC2Tags(tags []types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

func tagSpec(rt types.ResourceType, tags map[string]string) []types.TagSpecification {
	return []types.TagSpecification{{ResourceType: rt, Tags: ec2Tags(tags)}}
}

func logicalIDFilter(logicalID string) types.Filter {
	return types.Filter{Name: aws.String("tag:" + LogicalIDTag), Values: []string{logicalID}}
}

// syncEC2Tags makes the tags on id match want, leaving aws: tags alone.
func syncEC2Tags(ctx context.Context, api ec2API, id string, have, want map[string]string) error {
	set, remove := tagDiff(userTagsKeepID(have), want)
	if len(set) > 0 {
		if _, err := api.CreateTags(ctx, &ec2.CreateTagsInput{Resources: []string{id}, Tags: ec2Tags(set)}); err != nil {
			return fmt.Errorf("failed to tag %s: %w", id, err)
		}
	}
	if len(remove) > 0 {
		del := make([]types.Tag, len(remove))
		for i, k := range remove {
			del[i] = types.Tag{Key: aws.String(k)}
		}
		if _, err := api.DeleteTags(ctx, &ec2.DeleteTagsInput{Resources: []string{id}, Tags: del}); err != nil {
			return fmt.Errorf("failed to untag %s: %w", id, err)
		}
	}
	return nil
}

// userTagsKeepID drops AWS-reserved tags but keeps the provider's own, so
// tag syncs can remove stale lakestack: tags.
func userTagsKeepID(tags map[string]string) map[string]string {
	out := userTags(tags)
	for k, v := range tags {
		if strings.HasPrefix(k, managedTagPrefix) {
			out[k] = v
		}
	}
	return out
}

// VPC

type vpcConfig struct {
	CidrBlock          string            `json:"cidrBlock" validate:"required,cidrv4"`
	EnableDnsHostnames bool              `json:"enableDnsHostnames"`
	EnableDnsSupport   *bool             `json:"enableDnsSupport"`
	Tags               map[string]string `json:"tags"`
}

type vpcHandler struct {
	api ec2API
}

func (h *vpcHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg vpcConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}

	existing, err := h.api.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{Filters: []types.Filter{logicalIDFilter(req.LogicalID)}})
	if err != nil {
		return nil, fmt.Errorf("failed to look up VPC: %w", err)
	}
	var id string
	for _, v := range existing.Vpcs {
		if vid := aws.ToString(v.VpcId); vid != req.Replaces {
			id = vid
			break
		}
	}

	if id == "" {
		out, err := h.api.CreateVpc(ctx, &ec2.CreateVpcInput{
			CidrBlock:         aws.String(cfg.CidrBlock),
			TagSpecifications: tagSpec(types.ResourceTypeVpc, withLogicalID(cfg.Tags, req.LogicalID)),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create VPC: %w", err)
		}
		id = aws.ToString(out.Vpc.VpcId)
	}

	if err := ec2.NewVpcAvailableWaiter(h.api).Wait(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{id}}, networkWait); err != nil {
		return nil, provider.Transientf("VPC %s did not become available: %w", id, err)
	}
	if err := h.setAttributes(ctx, id, cfg); err != nil {
		return nil, err
	}
	return h.result(ctx, id)
}

func (h *vpcHandler) setAttributes(ctx context.Context, id string, cfg vpcConfig) error {
	if cfg.EnableDnsSupport != nil {
		if _, err := h.api.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
			VpcId:            aws.String(id),
			EnableDnsSupport: &types.AttributeBooleanValue{Value: cfg.EnableDnsSupport},
		}); err != nil {
			return fmt.Errorf("failed to set enableDnsSupport: %w", err)
		}
	}
	if _, err := h.api.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:              aws.String(id),
		EnableDnsHostnames: &types.AttributeBooleanValue{Value: aws.Bool(cfg.EnableDnsHostnames)},
	}); err != nil {
		return fmt.Errorf("failed to set enableDnsHostnames: %w", err)
	}
	return nil
}

func (h *vpcHandler) describe(ctx context.Context, id string) (*types.Vpc, error) {
	out, err := h.api.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(out.Vpcs) == 0 {
		return nil, fmt.Errorf("%w: VPC %s", provider.ErrNotFound, id)
	}
	return &out.Vpcs[0], nil
}

func (h *vpcHandler) result(ctx context.Context, id string) (*provider.Result, error) {
	obs, err := h.read(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: id, Outputs: obs.Outputs}, nil
}

func (h *vpcHandler) read(ctx context.Context, id string) (*provider.Observed, error) {
	vpc, err := h.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Observed{
		PhysicalID: id,
		Properties: map[string]any{
			"cidrBlock": aws.ToString(vpc.CidrBlock),
			"tags":      tagsToAny(userTags(fromEC2Tags(vpc.Tags))),
		},
		Outputs: map[string]any{
			"id":        id,
			"vpcId":     id,
			"cidrBlock": aws.ToString(vpc.CidrBlock),
			"ownerId":   aws.ToString(vpc.OwnerId),
		},
	}, nil
}

func (h *vpcHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg vpcConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	if changed(req, "enableDnsHostnames", "enableDnsSupport") {
		if err := h.setAttributes(ctx, req.PhysicalID, cfg); err != nil {
			return nil, err
		}
	}
	if changed(req, "tags") {
		vpc, err := h.describe(ctx, req.PhysicalID)
		if err != nil {
			return nil, err
		}
		if err := syncEC2Tags(ctx, h.api, req.PhysicalID, fromEC2Tags(vpc.Tags), withLogicalID(cfg.Tags, req.LogicalID)); err != nil {
			return nil, err
		}
	}
	return h.result(ctx, req.PhysicalID)
}

func (h *vpcHandler) delete(ctx context.Context, id string) error {
	if _, err := h.api.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(id)}); err != nil {
		return fmt.Errorf("failed to delete VPC: %w", err)
	}
	return nil
}

// Subnet

type subnetConfig struct {
	VpcID               string            `json:"vpcId" validate:"required"`
	CidrBlock           string            `json:"cidrBlock" validate:"required,cidrv4"`
	AvailabilityZone    string            `json:"availabilityZone"`
	MapPublicIPOnLaunch bool              `json:"mapPublicIpOnLaunch"`
	Tags                map[string]string `json:"tags"`
}

type subnetHandler struct {
	api ec2API
}

func (h *subnetHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg subnetConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}

	existing, err := h.api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: []types.Filter{logicalIDFilter(req.LogicalID)}})
	if err != nil {
		return nil, fmt.Errorf("failed to look up subnet: %w", err)
	}
	var id string
	for _, s := range existing.Subnets {
		if sid := aws.ToString(s.SubnetId); sid != req.Replaces {
			id = sid
			break
		}
	}

	if id == "" {
		out, err := h.api.CreateSubnet(ctx, &ec2.CreateSubnetInput{
			VpcId:             aws.String(cfg.VpcID),
			CidrBlock:         aws.String(cfg.CidrBlock),
			AvailabilityZone:  str(cfg.AvailabilityZone),
			TagSpecifications: tagSpec(types.ResourceTypeSubnet, withLogicalID(cfg.Tags, req.LogicalID)),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create subnet: %w", err)
		}
		id = aws.ToString(out.Subnet.SubnetId)
	}

	if err := ec2.NewSubnetAvailableWaiter(h.api).Wait(ctx, &ec2.DescribeSubnetsInput{SubnetIds: []string{id}}, networkWait); err != nil {
		return nil, provider.Transientf("subnet %s did not become available: %w", id, err)
	}
	if cfg.MapPublicIPOnLaunch {
		if err := h.setMapPublicIP(ctx, id, true); err != nil {
			return nil, err
		}
	}
	return h.result(ctx, id)
}

func (h *subnetHandler) setMapPublicIP(ctx context.Context, id string, v bool) error {
	_, err := h.api.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
		SubnetId:            aws.String(id),
		MapPublicIpOnLaunch: &types.AttributeBooleanValue{Value: aws.Bool(v)},
	})
	if err != nil {
		return fmt.Errorf("failed to set mapPublicIpOnLaunch: %w", err)
	}
	return nil
}

func (h *subnetHandler) describe(ctx context.Context, id string) (*types.Subnet, error) {
	out, err := h.api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(out.Subnets) == 0 {
		return nil, fmt.Errorf("%w: subnet %s", provider.ErrNotFound, id)
	}
	return &out.Subnets[0], nil
}

func (h *subnetHandler) result(ctx context.Context, id string) (*provider.Result, error) {
	obs, err := h.read(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: id, Outputs: obs.Outputs}, nil
}

func (h *subnetHandler) read(ctx context.Context, id string) (*provider.Observed, error) {
	s, err := h.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Observed{
		PhysicalID: id,
		Properties: map[string]any{
			"vpcId":               aws.ToString(s.VpcId),
			"cidrBlock":           aws.ToString(s.CidrBlock),
			"availabilityZone":    aws.ToString(s.AvailabilityZone),
			"mapPublicIpOnLaunch": aws.ToBool(s.MapPublicIpOnLaunch),
			"tags":                tagsToAny(userTags(fromEC2Tags(s.Tags))),
		},
		Outputs: map[string]any{
			"id":               id,
			"subnetId":         id,
			"arn":              aws.ToString(s.SubnetArn),
			"availabilityZone": aws.ToString(s.AvailabilityZone),
			"cidrBlock":        aws.ToString(s.CidrBlock),
		},
	}, nil
}

func (h *subnetHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg subnetConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	if changed(req, "mapPublicIpOnLaunch") {
		if err := h.setMapPublicIP(ctx, req.PhysicalID, cfg.MapPublicIPOnLaunch); err != nil {
			return nil, err
		}
	}
	if changed(req, "tags") {
		s, err := h.describe(ctx, req.PhysicalID)
		if err != nil {
			return nil, err
		}
		if err := syncEC2Tags(ctx, h.api, req.PhysicalID, fromEC2Tags(s.Tags), withLogicalID(cfg.Tags, req.LogicalID)); err != nil {
			return nil, err
		}
	}
	return h.result(ctx, req.PhysicalID)
}

func (h *subnetHandler) delete(ctx context.Context, id string) error {
	if _, err := h.api.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(id)}); err != nil {
		return fmt.Errorf("failed to delete subnet: %w", err)
	}
	return nil
}

// Security group

type ingressRule struct {
	Protocol               string   `json:"protocol" validate:"required"`
	FromPort               int      `json:"fromPort" validate:"gte=-1,lte=65535"`
	ToPort                 int      `json:"toPort" validate:"gte=-1,lte=65535"`
	CidrBlocks             []string `json:"cidrBlocks" validate:"dive,cidr"`
	SourceSecurityGroupIDs []string `json:"sourceSecurityGroupIds"`
	Description            string   `json:"description"`
}

type securityGroupConfig struct {
	GroupName   string            `json:"groupName" validate:"required"`
	Description string            `json:"description"`
	VpcID       string            `json:"vpcId" validate:"required"`
	Ingress     []ingressRule     `json:"ingress" validate:"dive"`
	Tags        map[string]string `json:"tags"`
}

func (r ingressRule) permission() types.IpPermission {
	p := types.IpPermission{IpProtocol: aws.String(r.Protocol)}
	if r.Protocol != "-1" {
		p.FromPort = aws.Int32(int32(r.FromPort))
		p.ToPort = aws.Int32(int32(r.ToPort))
	}
	for _, c := range r.CidrBlocks {
		p.IpRanges = append(p.IpRanges, types.IpRange{CidrIp: aws.String(c), Description: str(r.Description)})
	}
	for _, g := range r.SourceSecurityGroupIDs {
		p.UserIdGroupPairs = append(p.UserIdGroupPairs, types.UserIdGroupPair{GroupId: aws.String(g), Description: str(r.Description)})
	}
	return p
}

type securityGroupHandler struct {
	api ec2API
}

func (h *securityGroupHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg securityGroupConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	if cfg.Description == "" {
		cfg.Description = "Managed by lakestack"
	}

	existing, err := h.api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{Name: aws.String("group-name"), Values: []string{cfg.GroupName}},
			{Name: aws.String("vpc-id"), Values: []string{cfg.VpcID}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up security group: %w", err)
	}
	for _, g := range existing.SecurityGroups {
		if id := aws.ToString(g.GroupId); id != req.Replaces {
			return h.result(ctx, id)
		}
	}

	out, err := h.api.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(cfg.GroupName),
		Description:       aws.String(cfg.Description),
		VpcId:             aws.String(cfg.VpcID),
		TagSpecifications: tagSpec(types.ResourceTypeSecurityGroup, withLogicalID(cfg.Tags, req.LogicalID)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create security group: %w", err)
	}
	id := aws.ToString(out.GroupId)

	if err := h.authorize(ctx, id, cfg.Ingress); err != nil {
		return nil, err
	}
	return h.result(ctx, id)
}

func (h *securityGroupHandler) authorize(ctx context.Context, id string, rules []ingressRule) error {
	if len(rules) == 0 {
		return nil
	}
	perms := make([]types.IpPermission, len(rules))
	for i, r := range rules {
		perms[i] = r.permission()
	}
	if _, err := h.api.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(id),
		IpPermissions: perms,
	}); err != nil {
		return fmt.Errorf("failed to authorize ingress on %s: %w", id, err)
	}
	return nil
}

func (h *securityGroupHandler) describe(ctx context.Context, id string) (*types.SecurityGroup, error) {
	out, err := h.api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(out.SecurityGroups) == 0 {
		return nil, fmt.Errorf("%w: security group %s", provider.ErrNotFound, id)
	}
	return &out.SecurityGroups[0], nil
}

func (h *securityGroupHandler) result(ctx context.Context, id string) (*provider.Result, error) {
	obs, err := h.read(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: id, Outputs: obs.Outputs}, nil
}

func (h *securityGroupHandler) read(ctx context.Context, id string) (*provider.Observed, error) {
	g, err := h.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Observed{
		PhysicalID: id,
		Properties: map[string]any{
			"groupName": aws.ToString(g.GroupName),
			"vpcId":     aws.ToString(g.VpcId),
			"tags":      tagsToAny(userTags(fromEC2Tags(g.Tags))),
		},
		Outputs: map[string]any{
			"id":        id,
			"groupId":   id,
			"groupName": aws.ToString(g.GroupName),
			"arn":       aws.ToString(g.SecurityGroupArn),
		},
	}, nil
}

func (h *securityGroupHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg securityGroupConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	g, err := h.describe(ctx, req.PhysicalID)
	if err != nil {
		return nil, err
	}
	if changed(req, "ingress") {
		if len(g.IpPermissions) > 0 {
			if _, err := h.api.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
				GroupId:       aws.String(req.PhysicalID),
				IpPermissions: g.IpPermissions,
			}); err != nil {
				return nil, fmt.Errorf("failed to revoke ingress on %s: %w", req.PhysicalID, err)
			}
		}
		if err := h.authorize(ctx, req.PhysicalID, cfg.Ingress); err != nil {
			return nil, err
		}
	}
	if changed(req, "tags") {
		if err := syncEC2Tags(ctx, h.api, req.PhysicalID, fromEC2Tags(g.Tags), withLogicalID(cfg.Tags, req.LogicalID)); err != nil {
			return nil, err
		}
	}
	return h.result(ctx, req.PhysicalID)
}

func (h *securityGroupHandler) delete(ctx context.Context, id string) error {
	if _, err := h.api.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)}); err != nil {
		return fmt.Errorf("failed to delete security group: %w", err)
	}
	return nil
}
