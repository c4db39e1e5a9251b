package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"

	"github.com/picklr-io/lakestack/internal/provider"
)

const (
	clusterWait   = 30 * time.Minute
	nodegroupWait = 20 * time.Minute
	eksChildWait  = 10 * time.Minute
)

type eksAPI interface {
	CreateCluster(ctx context.Context, params *eks.CreateClusterInput, optFns ...func(*eks.Options)) (*eks.CreateClusterOutput, error)
	DescribeCluster(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error)
	UpdateClusterVersion(ctx context.Context, params *eks.UpdateClusterVersionInput, optFns ...func(*eks.Options)) (*eks.UpdateClusterVersionOutput, error)
	UpdateClusterConfig(ctx context.Context, params *eks.UpdateClusterConfigInput, optFns ...func(*eks.Options)) (*eks.UpdateClusterConfigOutput, error)
	DeleteCluster(ctx context.Context, params *eks.DeleteClusterInput, optFns ...func(*eks.Options)) (*eks.DeleteClusterOutput, error)
	TagResource(ctx context.Context, params *eks.TagResourceInput, optFns ...func(*eks.Options)) (*eks.TagResourceOutput, error)
	UntagResource(ctx context.Context, params *eks.UntagResourceInput, optFns ...func(*eks.Options)) (*eks.UntagResourceOutput, error)

	CreateNodegroup(ctx context.Context, params *eks.CreateNodegroupInput, optFns ...func(*eks.Options)) (*eks.CreateNodegroupOutput, error)
	DescribeNodegroup(ctx context.Context, params *eks.DescribeNodegroupInput, optFns ...func(*eks.Options)) (*eks.DescribeNodegroupOutput, error)
	UpdateNodegroupConfig(ctx context.Context, params *eks.UpdateNodegroupConfigInput, optFns ...func(*eks.Options)) (*eks.UpdateNodegroupConfigOutput, error)
	DeleteNodegroup(ctx context.Context, params *eks.DeleteNodegroupInput, optFns ...func(*eks.Options)) (*eks.DeleteNodegroupOutput, error)

	CreateFargateProfile(ctx context.Context, params *eks.CreateFargateProfileInput, optFns ...func(*eks.Options)) (*eks.CreateFargateProfileOutput, error)
	DescribeFargateProfile(ctx context.Context, params *eks.DescribeFargateProfileInput, optFns ...func(*eks.Options)) (*eks.DescribeFargateProfileOutput, error)
	DeleteFargateProfile(ctx context.Context, params *eks.DeleteFargateProfileInput, optFns ...func(*eks.Options)) (*eks.DeleteFargateProfileOutput, error)

	CreateAddon(ctx context.Context, params *eks.CreateAddonInput, optFns ...func(*eks.Options)) (*eks.CreateAddonOutput, error)
	DescribeAddon(ctx context.Context, params *eks.DescribeAddonInput, optFns ...func(*eks.Options)) (*eks.DescribeAddonOutput, error)
	UpdateAddon(ctx context.Context, params *eks.UpdateAddonInput, optFns ...func(*eks.Options)) (*eks.UpdateAddonOutput, error)
	DeleteAddon(ctx context.Context, params *eks.DeleteAddonInput, optFns ...func(*eks.Options)) (*eks.DeleteAddonOutput, error)

	CreateAccessEntry(ctx context.Context, params *eks.CreateAccessEntryInput, optFns ...func(*eks.Options)) (*eks.CreateAccessEntryOutput, error)
	DescribeAccessEntry(ctx context.Context, params *eks.DescribeAccessEntryInput, optFns ...func(*eks.Options)) (*eks.DescribeAccessEntryOutput, error)
	UpdateAccessEntry(ctx context.Context, params *eks.UpdateAccessEntryInput, optFns ...func(*eks.Options)) (*eks.UpdateAccessEntryOutput, error)
	DeleteAccessEntry(ctx context.Context, params *eks.DeleteAccessEntryInput, optFns ...func(*eks.Options)) (*eks.DeleteAccessEntryOutput, error)

	CreatePodIdentityAssociation(ctx context.Context, params *eks.CreatePodIdentityAssociationInput, optFns ...func(*eks.Options)) (*eks.CreatePodIdentityAssociationOutput, error)
	DescribePodIdentityAssociation(ctx context.Context, params *eks.DescribePodIdentityAssociationInput, optFns ...func(*eks.Options)) (*eks.DescribePodIdentityAssociationOutput, error)
	ListPodIdentityAssociations(ctx context.Context, params *eks.ListPodIdentityAssociationsInput, optFns ...func(*eks.Options)) (*eks.ListPodIdentityAssociationsOutput, error)
	UpdatePodIdentityAssociation(ctx context.Context, params *eks.UpdatePodIdentityAssociationInput, optFns ...func(*eks.Options)) (*eks.UpdatePodIdentityAssociationOutput, error)
	DeletePodIdentityAssociation(ctx context.Context, params *eks.DeletePodIdentityAssociationInput, optFns ...func(*eks.Options)) (*eks.DeletePodIdentityAssociationOutput, error)
}

// syncEKSTags makes the tags on an EKS resource match want.
func syncEKSTags(ctx context.Context, api eksAPI, arn string, have, want map[string]string) error {
	set, remove := tagDiff(userTagsKeepID(have), want)
	if len(set) > 0 {
		if _, err := api.TagResource(ctx, &eks.TagResourceInput{ResourceArn: aws.String(arn), Tags: set}); err != nil {
			return fmt.Errorf("failed to tag %s: %w", arn, err)
		}
	}
	if len(remove) > 0 {
		if _, err := api.UntagResource(ctx, &eks.UntagResourceInput{ResourceArn: aws.String(arn), TagKeys: remove}); err != nil {
			return fmt.Errorf("failed to untag %s: %w", arn, err)
		}
	}
	return nil
}

// Cluster

type clusterConfig struct {
	Name                  string            `json:"name" validate:"required,max=100"`
	RoleArn               string            `json:"roleArn" validate:"required"`
	Version               string            `json:"version"`
	SubnetIDs             []string          `json:"subnetIds" validate:"min=2"`
	SecurityGroupIDs      []string          `json:"securityGroupIds"`
	EndpointPublicAccess  *bool             `json:"endpointPublicAccess"`
	EndpointPrivateAccess *bool             `json:"endpointPrivateAccess"`
	AuthenticationMode    string            `json:"authenticationMode" validate:"omitempty,oneof=API API_AND_CONFIG_MAP CONFIG_MAP"`
	BootstrapAdmin        *bool             `json:"bootstrapClusterCreatorAdminPermissions"`
	Tags                  map[string]string `json:"tags"`
}

type clusterHandler struct {
	api eksAPI
}

func (h *clusterHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg clusterConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	if err := replacingSelf(req, cfg.Name); err != nil {
		return nil, err
	}

	_, err := h.api.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(cfg.Name)})
	switch {
	case err == nil:
	case isNotFound(err):
		input := &eks.CreateClusterInput{
			Name:    aws.String(cfg.Name),
			RoleArn: aws.String(cfg.RoleArn),
			Version: str(cfg.Version),
			ResourcesVpcConfig: &types.VpcConfigRequest{
				SubnetIds:             cfg.SubnetIDs,
				SecurityGroupIds:      cfg.SecurityGroupIDs,
				EndpointPublicAccess:  cfg.EndpointPublicAccess,
				EndpointPrivateAccess: cfg.EndpointPrivateAccess,
			},
			Tags: withLogicalID(cfg.Tags, req.LogicalID),
		}
		if cfg.AuthenticationMode != "" || cfg.BootstrapAdmin != nil {
			input.AccessConfig = &types.CreateAccessConfigRequest{
				AuthenticationMode:                      types.AuthenticationMode(cfg.AuthenticationMode),
				BootstrapClusterCreatorAdminPermissions: cfg.BootstrapAdmin,
			}
		}
		if _, err := h.api.CreateCluster(ctx, input); err != nil && !hasCode(err, "ResourceInUseException") {
			return nil, fmt.Errorf("failed to create EKS cluster: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to look up EKS cluster: %w", err)
	}

	if err := h.waitActive(ctx, cfg.Name); err != nil {
		return nil, err
	}
	return h.result(ctx, cfg.Name)
}

func (h *clusterHandler) waitActive(ctx context.Context, name string) error {
	if err := eks.NewClusterActiveWaiter(h.api).Wait(ctx, &eks.DescribeClusterInput{Name: aws.String(name)}, clusterWait); err != nil {
		return fmt.Errorf("EKS cluster %s did not become active: %w", name, err)
	}
	return nil
}

func (h *clusterHandler) result(ctx context.Context, name string) (*provider.Result, error) {
	obs, err := h.read(ctx, name)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: name, Outputs: obs.Outputs}, nil
}

func (h *clusterHandler) read(ctx context.Context, name string) (*provider.Observed, error) {
	out, err := h.api.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
	if err != nil {
		return nil, err
	}
	c := out.Cluster
	props := map[string]any{
		"name":    aws.ToString(c.Name),
		"roleArn": aws.ToString(c.RoleArn),
		"version": aws.ToString(c.Version),
		"tags":    tagsToAny(userTags(c.Tags)),
	}
	outputs := map[string]any{
		"id":              name,
		"name":            name,
		"arn":             aws.ToString(c.Arn),
		"endpoint":        aws.ToString(c.Endpoint),
		"version":         aws.ToString(c.Version),
		"platformVersion": aws.ToString(c.PlatformVersion),
		"status":          string(c.Status),
	}
	if c.ResourcesVpcConfig != nil {
		props["endpointPublicAccess"] = c.ResourcesVpcConfig.EndpointPublicAccess
		props["endpointPrivateAccess"] = c.ResourcesVpcConfig.EndpointPrivateAccess
		outputs["vpcId"] = aws.ToString(c.ResourcesVpcConfig.VpcId)
		outputs["clusterSecurityGroupId"] = aws.ToString(c.ResourcesVpcConfig.ClusterSecurityGroupId)
	}
	if c.CertificateAuthority != nil {
		outputs["certificateAuthorityData"] = aws.ToString(c.CertificateAuthority.Data)
	}
	if c.Identity != nil && c.Identity.Oidc != nil {
		outputs["oidcIssuer"] = aws.ToString(c.Identity.Oidc.Issuer)
	}
	if c.AccessConfig != nil {
		props["authenticationMode"] = string(c.AccessConfig.AuthenticationMode)
	}
	return &provider.Observed{PhysicalID: name, Properties: props, Outputs: outputs}, nil
}

// update applies one cluster update at a time; EKS rejects concurrent
// updates to the same cluster.
func (h *clusterHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg clusterConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	name := aws.String(req.PhysicalID)

	if changed(req, "version") && cfg.Version != "" {
		if _, err := h.api.UpdateClusterVersion(ctx, &eks.UpdateClusterVersionInput{Name: name, Version: aws.String(cfg.Version)}); err != nil {
			return nil, fmt.Errorf("failed to update EKS cluster version: %w", err)
		}
		if err := h.waitActive(ctx, req.PhysicalID); err != nil {
			return nil, err
		}
	}
	if changed(req, "endpointPublicAccess", "endpointPrivateAccess") {
		if _, err := h.api.UpdateClusterConfig(ctx, &eks.UpdateClusterConfigInput{
			Name: name,
			ResourcesVpcConfig: &types.VpcConfigRequest{
				EndpointPublicAccess:  cfg.EndpointPublicAccess,
				EndpointPrivateAccess: cfg.EndpointPrivateAccess,
			},
		}); err != nil {
			return nil, fmt.Errorf("failed to update EKS cluster endpoints: %w", err)
		}
		if err := h.waitActive(ctx, req.PhysicalID); err != nil {
			return nil, err
		}
	}
	if changed(req, "tags") {
		out, err := h.api.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: name})
		if err != nil {
			return nil, err
		}
		if err := syncEKSTags(ctx, h.api, aws.ToString(out.Cluster.Arn), out.Cluster.Tags, withLogicalID(cfg.Tags, req.LogicalID)); err != nil {
			return nil, err
		}
	}
	return h.result(ctx, req.PhysicalID)
}

func (h *clusterHandler) delete(ctx context.Context, name string) error {
	if _, err := h.api.DeleteCluster(ctx, &eks.DeleteClusterInput{Name: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to delete EKS cluster: %w", err)
	}
	if err := eks.NewClusterDeletedWaiter(h.api).Wait(ctx, &eks.DescribeClusterInput{Name: aws.String(name)}, clusterWait); err != nil {
		return fmt.Errorf("EKS cluster %s was not deleted: %w", name, err)
	}
	return nil
}

// Node group

type scalingConfig struct {
	MinSize     int `json:"minSize" validate:"gte=0"`
	MaxSize     int `json:"maxSize" validate:"gte=1,gtefield=MinSize"`
	DesiredSize int `json:"desiredSize" validate:"gtefield=MinSize,ltefield=MaxSize"`
}

func (s scalingConfig) sdk() *types.NodegroupScalingConfig {
	return &types.NodegroupScalingConfig{
		MinSize:     aws.Int32(int32(s.MinSize)),
		MaxSize:     aws.Int32(int32(s.MaxSize)),
		DesiredSize: aws.Int32(int32(s.DesiredSize)),
	}
}

type nodegroupConfig struct {
	ClusterName   string            `json:"clusterName" validate:"required"`
	NodegroupName string            `json:"nodegroupName" validate:"required"`
	NodeRoleArn   string            `json:"nodeRoleArn" validate:"required"`
	SubnetIDs     []string          `json:"subnetIds" validate:"min=1"`
	InstanceTypes []string          `json:"instanceTypes"`
	CapacityType  string            `json:"capacityType" validate:"omitempty,oneof=ON_DEMAND SPOT CAPACITY_BLOCK"`
	AmiType       string            `json:"amiType"`
	DiskSize      int               `json:"diskSize" validate:"gte=0"`
	Scaling       scalingConfig     `json:"scaling"`
	Labels        map[string]string `json:"labels"`
	Tags          map[string]string `json:"tags"`
}

type nodegroupHandler struct {
	api eksAPI
}

func (h *nodegroupHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg nodegroupConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	id := joinID(cfg.ClusterName, cfg.NodegroupName)
	if err := replacingSelf(req, id); err != nil {
		return nil, err
	}

	_, err := h.api.DescribeNodegroup(ctx, &eks.DescribeNodegroupInput{
		ClusterName:   aws.String(cfg.ClusterName),
		NodegroupName: aws.String(cfg.NodegroupName),
	})
	switch {
	case err == nil:
	case isNotFound(err):
		if _, err := h.api.CreateNodegroup(ctx, &eks.CreateNodegroupInput{
			ClusterName:   aws.String(cfg.ClusterName),
			NodegroupName: aws.String(cfg.NodegroupName),
			NodeRole:      aws.String(cfg.NodeRoleArn),
			Subnets:       cfg.SubnetIDs,
			InstanceTypes: cfg.InstanceTypes,
			CapacityType:  types.CapacityTypes(cfg.CapacityType),
			AmiType:       types.AMITypes(cfg.AmiType),
			DiskSize:      i32(cfg.DiskSize),
			ScalingConfig: cfg.Scaling.sdk(),
			Labels:        cfg.Labels,
			Tags:          withLogicalID(cfg.Tags, req.LogicalID),
		}); err != nil && !hasCode(err, "ResourceInUseException") {
			return nil, fmt.Errorf("failed to create EKS node group: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to look up EKS node group: %w", err)
	}

	if err := h.waitActive(ctx, cfg.ClusterName, cfg.NodegroupName); err != nil {
		return nil, err
	}
	return h.result(ctx, id)
}

func (h *nodegroupHandler) waitActive(ctx context.Context, cluster, name string) error {
	in := &eks.DescribeNodegroupInput{ClusterName: aws.String(cluster), NodegroupName: aws.String(name)}
	if err := eks.NewNodegroupActiveWaiter(h.api).Wait(ctx, in, nodegroupWait); err != nil {
		return fmt.Errorf("EKS node group %s did not become active: %w", name, err)
	}
	return nil
}

func (h *nodegroupHandler) describe(ctx context.Context, id string) (*types.Nodegroup, error) {
	cluster, name, err := splitID(id)
	if err != nil {
		return nil, err
	}
	out, err := h.api.DescribeNodegroup(ctx, &eks.DescribeNodegroupInput{ClusterName: aws.String(cluster), NodegroupName: aws.String(name)})
	if err != nil {
		return nil, err
	}
	return out.Nodegroup, nil
}

func (h *nodegroupHandler) result(ctx context.Context, id string) (*provider.Result, error) {
	obs, err := h.read(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: id, Outputs: obs.Outputs}, nil
}

func (h *nodegroupHandler) read(ctx context.Context, id string) (*provider.Observed, error) {
	ng, err := h.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	props := map[string]any{
		"clusterName":   aws.ToString(ng.ClusterName),
		"nodegroupName": aws.ToString(ng.NodegroupName),
		"nodeRoleArn":   aws.ToString(ng.NodeRole),
		"capacityType":  string(ng.CapacityType),
		"labels":        tagsToAny(ng.Labels),
		"tags":          tagsToAny(userTags(ng.Tags)),
	}
	if s := ng.ScalingConfig; s != nil {
		props["scaling"] = map[string]any{
			"minSize":     int(aws.ToInt32(s.MinSize)),
			"maxSize":     int(aws.ToInt32(s.MaxSize)),
			"desiredSize": int(aws.ToInt32(s.DesiredSize)),
		}
	}
	outputs := map[string]any{
		"id":     id,
		"name":   aws.ToString(ng.NodegroupName),
		"arn":    aws.ToString(ng.NodegroupArn),
		"status": string(ng.Status),
	}
	if ng.Resources != nil && len(ng.Resources.AutoScalingGroups) > 0 {
		outputs["autoScalingGroup"] = aws.ToString(ng.Resources.AutoScalingGroups[0].Name)
	}
	return &provider.Observed{PhysicalID: id, Properties: props, Outputs: outputs}, nil
}

func (h *nodegroupHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg nodegroupConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	ng, err := h.describe(ctx, req.PhysicalID)
	if err != nil {
		return nil, err
	}
	cluster, name, _ := splitID(req.PhysicalID)

	if changed(req, "scaling", "labels") {
		input := &eks.UpdateNodegroupConfigInput{
			ClusterName:   aws.String(cluster),
			NodegroupName: aws.String(name),
		}
		if changed(req, "scaling") {
			input.ScalingConfig = cfg.Scaling.sdk()
		}
		if changed(req, "labels") {
			set, remove := tagDiff(ng.Labels, cfg.Labels)
			input.Labels = &types.UpdateLabelsPayload{AddOrUpdateLabels: set, RemoveLabels: remove}
		}
		if _, err := h.api.UpdateNodegroupConfig(ctx, input); err != nil {
			return nil, fmt.Errorf("failed to update EKS node group: %w", err)
		}
		if err := h.waitActive(ctx, cluster, name); err != nil {
			return nil, err
		}
	}
	if changed(req, "tags") {
		if err := syncEKSTags(ctx, h.api, aws.ToString(ng.NodegroupArn), ng.Tags, withLogicalID(cfg.Tags, req.LogicalID)); err != nil {
			return nil, err
		}
	}
	return h.result(ctx, req.PhysicalID)
}

func (h *nodegroupHandler) delete(ctx context.Context, id string) error {
	cluster, name, err := splitID(id)
	if err != nil {
		return err
	}
	in := &eks.DescribeNodegroupInput{ClusterName: aws.String(cluster), NodegroupName: aws.String(name)}
	if _, err := h.api.DeleteNodegroup(ctx, &eks.DeleteNodegroupInput{ClusterName: in.ClusterName, NodegroupName: in.NodegroupName}); err != nil {
		return fmt.Errorf("failed to delete EKS node group: %w", err)
	}
	if err := eks.NewNodegroupDeletedWaiter(h.api).Wait(ctx, in, nodegroupWait); err != nil {
		return fmt.Errorf("EKS node group %s was not deleted: %w", name, err)
	}
	return nil
}

// Fargate profile

type fargateSelector struct {
	Namespace string            `json:"namespace" validate:"required"`
	Labels    map[string]string `json:"labels"`
}

type fargateProfileConfig struct {
	ClusterName         string            `json:"clusterName" validate:"required"`
	FargateProfileName  string            `json:"fargateProfileName" validate:"required"`
	PodExecutionRoleArn string            `json:"podExecutionRoleArn" validate:"required"`
	SubnetIDs           []string          `json:"subnetIds"`
	Selectors           []fargateSelector `json:"selectors" validate:"min=1,max=5,dive"`
	Tags                map[string]string `json:"tags"`
}

type fargateProfileHandler struct {
	api eksAPI
}

func (h *fargateProfileHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg fargateProfileConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	if err := replacingSelf(req, joinID(cfg.ClusterName, cfg.FargateProfileName)); err != nil {
		return nil, err
	}
	in := &eks.DescribeFargateProfileInput{ClusterName: aws.String(cfg.ClusterName), FargateProfileName: aws.String(cfg.FargateProfileName)}

	_, err := h.api.DescribeFargateProfile(ctx, in)
	switch {
	case err == nil:
	case isNotFound(err):
		selectors := make([]types.FargateProfileSelector, len(cfg.Selectors))
		for i, s := range cfg.Selectors {
			selectors[i] = types.FargateProfileSelector{Namespace: aws.String(s.Namespace), Labels: s.Labels}
		}
		if _, err := h.api.CreateFargateProfile(ctx, &eks.CreateFargateProfileInput{
			ClusterName:         in.ClusterName,
			FargateProfileName:  in.FargateProfileName,
			PodExecutionRoleArn: aws.String(cfg.PodExecutionRoleArn),
			Subnets:             cfg.SubnetIDs,
			Selectors:           selectors,
			Tags:                withLogicalID(cfg.Tags, req.LogicalID),
		}); err != nil && !hasCode(err, "ResourceInUseException") {
			return nil, fmt.Errorf("failed to create EKS Fargate profile: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to look up EKS Fargate profile: %w", err)
	}

	if err := eks.NewFargateProfileActiveWaiter(h.api).Wait(ctx, in, eksChildWait); err != nil {
		return nil, fmt.Errorf("EKS Fargate profile %s did not become active: %w", cfg.FargateProfileName, err)
	}
	return h.result(ctx, joinID(cfg.ClusterName, cfg.FargateProfileName))
}

func (h *fargateProfileHandler) describe(ctx context.Context, id string) (*types.FargateProfile, error) {
	cluster, name, err := splitID(id)
	if err != nil {
		return nil, err
	}
	out, err := h.api.DescribeFargateProfile(ctx, &eks.DescribeFargateProfileInput{ClusterName: aws.String(cluster), FargateProfileName: aws.String(name)})
	if err != nil {
		return nil, err
	}
	return out.FargateProfile, nil
}

func (h *fargateProfileHandler) result(ctx context.Context, id string) (*provider.Result, error) {
	obs, err := h.read(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: id, Outputs: obs.Outputs}, nil
}

func (h *fargateProfileHandler) read(ctx context.Context, id string) (*provider.Observed, error) {
	fp, err := h.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Observed{
		PhysicalID: id,
		Properties: map[string]any{
			"clusterName":         aws.ToString(fp.ClusterName),
			"fargateProfileName":  aws.ToString(fp.FargateProfileName),
			"podExecutionRoleArn": aws.ToString(fp.PodExecutionRoleArn),
			"tags":                tagsToAny(userTags(fp.Tags)),
		},
		Outputs: map[string]any{
			"id":     id,
			"name":   aws.ToString(fp.FargateProfileName),
			"arn":    aws.ToString(fp.FargateProfileArn),
			"status": string(fp.Status),
		},
	}, nil
}

func (h *fargateProfileHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg fargateProfileConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	fp, err := h.describe(ctx, req.PhysicalID)
	if err != nil {
		return nil, err
	}
	if err := syncEKSTags(ctx, h.api, aws.ToString(fp.FargateProfileArn), fp.Tags, withLogicalID(cfg.Tags, req.LogicalID)); err != nil {
		return nil, err
	}
	return h.result(ctx, req.PhysicalID)
}

func (h *fargateProfileHandler) delete(ctx context.Context, id string) error {
	cluster, name, err := splitID(id)
	if err != nil {
		return err
	}
	in := &eks.DescribeFargateProfileInput{ClusterName: aws.String(cluster), FargateProfileName: aws.String(name)}
	if _, err := h.api.DeleteFargateProfile(ctx, &eks.DeleteFargateProfileInput{ClusterName: in.ClusterName, FargateProfileName: in.FargateProfileName}); err != nil {
		return fmt.Errorf("failed to delete EKS Fargate profile: %w", err)
	}
	if err := eks.NewFargateProfileDeletedWaiter(h.api).Wait(ctx, in, eksChildWait); err != nil {
		return fmt.Errorf("EKS Fargate profile %s was not deleted: %w", name, err)
	}
	return nil
}

// Add-on

type addonConfig struct {
	ClusterName           string            `json:"clusterName" validate:"required"`
	AddonName             string            `json:"addonName" validate:"required"`
	AddonVersion          string            `json:"addonVersion"`
	ServiceAccountRoleArn string            `json:"serviceAccountRoleArn"`
	ResolveConflicts      string            `json:"resolveConflicts" validate:"omitempty,oneof=OVERWRITE NONE PRESERVE"`
	ConfigurationValues   string            `json:"configurationValues"`
	Tags                  map[string]string `json:"tags"`
}

type addonHandler struct {
	api eksAPI
}

func (h *addonHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg addonConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	if err := replacingSelf(req, joinID(cfg.ClusterName, cfg.AddonName)); err != nil {
		return nil, err
	}
	in := &eks.DescribeAddonInput{ClusterName: aws.String(cfg.ClusterName), AddonName: aws.String(cfg.AddonName)}

	_, err := h.api.DescribeAddon(ctx, in)
	switch {
	case err == nil:
	case isNotFound(err):
		if _, err := h.api.CreateAddon(ctx, &eks.CreateAddonInput{
			ClusterName:           in.ClusterName,
			AddonName:             in.AddonName,
			AddonVersion:          str(cfg.AddonVersion),
			ServiceAccountRoleArn: str(cfg.ServiceAccountRoleArn),
			ResolveConflicts:      types.ResolveConflicts(cfg.ResolveConflicts),
			ConfigurationValues:   str(cfg.ConfigurationValues),
			Tags:                  withLogicalID(cfg.Tags, req.LogicalID),
		}); err != nil && !hasCode(err, "ResourceInUseException") {
			return nil, fmt.Errorf("failed to create EKS add-on: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to look up EKS add-on: %w", err)
	}

	if err := h.waitActive(ctx, in); err != nil {
		return nil, err
	}
	return h.result(ctx, joinID(cfg.ClusterName, cfg.AddonName))
}

func (h *addonHandler) waitActive(ctx context.Context, in *eks.DescribeAddonInput) error {
	if err := eks.NewAddonActiveWaiter(h.api).Wait(ctx, in, eksChildWait); err != nil {
		return fmt.Errorf("EKS add-on %s did not become active: %w", aws.ToString(in.AddonName), err)
	}
	return nil
}

func (h *addonHandler) describe(ctx context.Context, id string) (*types.Addon, error) {
	cluster, name, err := splitID(id)
	if err != nil {
		return nil, err
	}
	out, err := h.api.DescribeAddon(ctx, &eks.DescribeAddonInput{ClusterName: aws.String(cluster), AddonName: aws.String(name)})
	if err != nil {
		return nil, err
	}
	return out.Addon, nil
}

func (h *addonHandler) result(ctx context.Context, id string) (*provider.Result, error) {
	obs, err := h.read(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: id, Outputs: obs.Outputs}, nil
}

func (h *addonHandler) read(ctx context.Context, id string) (*provider.Observed, error) {
	a, err := h.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Observed{
		PhysicalID: id,
		Properties: map[string]any{
			"clusterName":  aws.ToString(a.ClusterName),
			"addonName":    aws.ToString(a.AddonName),
			"addonVersion": aws.ToString(a.AddonVersion),
			"tags":         tagsToAny(userTags(a.Tags)),
		},
		Outputs: map[string]any{
			"id":           id,
			"name":         aws.ToString(a.AddonName),
			"arn":          aws.ToString(a.AddonArn),
			"addonVersion": aws.ToString(a.AddonVersion),
			"status":       string(a.Status),
		},
	}, nil
}

func (h *addonHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg addonConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	a, err := h.describe(ctx, req.PhysicalID)
	if err != nil {
		return nil, err
	}
	in := &eks.DescribeAddonInput{ClusterName: a.ClusterName, AddonName: a.AddonName}

	if changed(req, "addonVersion", "serviceAccountRoleArn", "resolveConflicts", "configurationValues") {
		if _, err := h.api.UpdateAddon(ctx, &eks.UpdateAddonInput{
			ClusterName:           in.ClusterName,
			AddonName:             in.AddonName,
			AddonVersion:          str(cfg.AddonVersion),
			ServiceAccountRoleArn: str(cfg.ServiceAccountRoleArn),
			ResolveConflicts:      types.ResolveConflicts(cfg.ResolveConflicts),
			ConfigurationValues:   str(cfg.ConfigurationValues),
		}); err != nil {
			return nil, fmt.Errorf("failed to update EKS add-on: %w", err)
		}
		if err := h.waitActive(ctx, in); err != nil {
			return nil, err
		}
	}
	if changed(req, "tags") {
		if err := syncEKSTags(ctx, h.api, aws.ToString(a.AddonArn), a.Tags, withLogicalID(cfg.Tags, req.LogicalID)); err != nil {
			return nil, err
		}
	}
	return h.result(ctx, req.PhysicalID)
}

func (h *addonHandler) delete(ctx context.Context, id string) error {
	cluster, name, err := splitID(id)
	if err != nil {
		return err
	}
	in := &eks.DescribeAddonInput{ClusterName: aws.String(cluster), AddonName: aws.String(name)}
	if _, err := h.api.DeleteAddon(ctx, &eks.DeleteAddonInput{ClusterName: in.ClusterName, AddonName: in.AddonName}); err != nil {
		return fmt.Errorf("failed to delete EKS add-on: %w", err)
	}
	if err := eks.NewAddonDeletedWaiter(h.api).Wait(ctx, in, eksChildWait); err != nil {
		return fmt.Errorf("EKS add-on %s was not deleted: %w", name, err)
	}
	return nil
}

// Access entry

type accessEntryConfig struct {
	ClusterName      string            `json:"clusterName" validate:"required"`
	PrincipalArn     string            `json:"principalArn" validate:"required"`
	Type             string            `json:"type" validate:"omitempty,oneof=STANDARD EC2_LINUX EC2_WINDOWS FARGATE_LINUX EC2 HYBRID_LINUX HYPERPOD_LINUX"`
	KubernetesGroups []string          `json:"kubernetesGroups"`
	Tags             map[string]string `json:"tags"`
}

type accessEntryHandler struct {
	api eksAPI
}

func (h *accessEntryHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg accessEntryConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	if err := replacingSelf(req, joinID(cfg.ClusterName, cfg.PrincipalArn)); err != nil {
		return nil, err
	}
	_, err := h.api.DescribeAccessEntry(ctx, &eks.DescribeAccessEntryInput{
		ClusterName:  aws.String(cfg.ClusterName),
		PrincipalArn: aws.String(cfg.PrincipalArn),
	})
	switch {
	case err == nil:
	case isNotFound(err):
		if _, err := h.api.CreateAccessEntry(ctx, &eks.CreateAccessEntryInput{
			ClusterName:      aws.String(cfg.ClusterName),
			PrincipalArn:     aws.String(cfg.PrincipalArn),
			Type:             str(cfg.Type),
			KubernetesGroups: cfg.KubernetesGroups,
			Tags:             withLogicalID(cfg.Tags, req.LogicalID),
		}); err != nil && !hasCode(err, "ResourceInUseException") {
			return nil, fmt.Errorf("failed to create EKS access entry: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to look up EKS access entry: %w", err)
	}
	return h.result(ctx, joinID(cfg.ClusterName, cfg.PrincipalArn))
}

func (h *accessEntryHandler) describe(ctx context.Context, id string) (*types.AccessEntry, error) {
	cluster, principal, err := splitID(id)
	if err != nil {
		return nil, err
	}
	out, err := h.api.DescribeAccessEntry(ctx, &eks.DescribeAccessEntryInput{ClusterName: aws.String(cluster), PrincipalArn: aws.String(principal)})
	if err != nil {
		return nil, err
	}
	return out.AccessEntry, nil
}

func (h *accessEntryHandler) result(ctx context.Context, id string) (*provider.Result, error) {
	obs, err := h.read(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: id, Outputs: obs.Outputs}, nil
}

func (h *accessEntryHandler) read(ctx context.Context, id string) (*provider.Observed, error) {
	e, err := h.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Observed{
		PhysicalID: id,
		Properties: map[string]any{
			"clusterName":  aws.ToString(e.ClusterName),
			"principalArn": aws.ToString(e.PrincipalArn),
			"type":         aws.ToString(e.Type),
			"tags":         tagsToAny(userTags(e.Tags)),
		},
		Outputs: map[string]any{
			"id":       id,
			"arn":      aws.ToString(e.AccessEntryArn),
			"username": aws.ToString(e.Username),
		},
	}, nil
}

func (h *accessEntryHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg accessEntryConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	e, err := h.describe(ctx, req.PhysicalID)
	if err != nil {
		return nil, err
	}
	if changed(req, "kubernetesGroups") {
		if _, err := h.api.UpdateAccessEntry(ctx, &eks.UpdateAccessEntryInput{
			ClusterName:      e.ClusterName,
			PrincipalArn:     e.PrincipalArn,
			KubernetesGroups: cfg.KubernetesGroups,
		}); err != nil {
			return nil, fmt.Errorf("failed to update EKS access entry: %w", err)
		}
	}
	if changed(req, "tags") {
		if err := syncEKSTags(ctx, h.api, aws.ToString(e.AccessEntryArn), e.Tags, withLogicalID(cfg.Tags, req.LogicalID)); err != nil {
			return nil, err
		}
	}
	return h.result(ctx, req.PhysicalID)
}

func (h *accessEntryHandler) delete(ctx context.Context, id string) error {
	cluster, principal, err := splitID(id)
	if err != nil {
		return err
	}
	if _, err := h.api.DeleteAccessEntry(ctx, &eks.DeleteAccessEntryInput{ClusterName: aws.String(cluster), PrincipalArn: aws.String(principal)}); err != nil {
		return fmt.Errorf("failed to delete EKS access entry: %w", err)
	}
	return nil
}

// Pod identity association

type podIdentityConfig struct {
	ClusterName    string            `json:"clusterName" validate:"required"`
	Namespace      string            `json:"namespace" validate:"required"`
	ServiceAccount string            `json:"serviceAccount" validate:"required"`
	RoleArn        string            `json:"roleArn" validate:"required"`
	Tags           map[string]string `json:"tags"`
}

type podIdentityHandler struct {
	api eksAPI
}

// create is idempotent by (cluster, namespace, service account): EKS allows
// one association per service account.
func (h *podIdentityHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg podIdentityConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}

	list, err := h.api.ListPodIdentityAssociations(ctx, &eks.ListPodIdentityAssociationsInput{
		ClusterName:    aws.String(cfg.ClusterName),
		Namespace:      aws.String(cfg.Namespace),
		ServiceAccount: aws.String(cfg.ServiceAccount),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pod identity associations: %w", err)
	}
	for _, a := range list.Associations {
		id := joinID(cfg.ClusterName, aws.ToString(a.AssociationId))
		if id == req.Replaces {
			continue
		}
		if _, err := h.api.UpdatePodIdentityAssociation(ctx, &eks.UpdatePodIdentityAssociationInput{
			ClusterName:   aws.String(cfg.ClusterName),
			AssociationId: a.AssociationId,
			RoleArn:       aws.String(cfg.RoleArn),
		}); err != nil {
			return nil, fmt.Errorf("failed to update pod identity association: %w", err)
		}
		return h.result(ctx, id)
	}

	out, err := h.api.CreatePodIdentityAssociation(ctx, &eks.CreatePodIdentityAssociationInput{
		ClusterName:    aws.String(cfg.ClusterName),
		Namespace:      aws.String(cfg.Namespace),
		ServiceAccount: aws.String(cfg.ServiceAccount),
		RoleArn:        aws.String(cfg.RoleArn),
		Tags:           withLogicalID(cfg.Tags, req.LogicalID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pod identity association: %w", err)
	}
	return h.result(ctx, joinID(cfg.ClusterName, aws.ToString(out.Association.AssociationId)))
}

func (h *podIdentityHandler) describe(ctx context.Context, id string) (*types.PodIdentityAssociation, error) {
	cluster, assoc, err := splitID(id)
	if err != nil {
		return nil, err
	}
	out, err := h.api.DescribePodIdentityAssociation(ctx, &eks.DescribePodIdentityAssociationInput{ClusterName: aws.String(cluster), AssociationId: aws.String(assoc)})
	if err != nil {
		return nil, err
	}
	return out.Association, nil
}

func (h *podIdentityHandler) result(ctx context.Context, id string) (*provider.Result, error) {
	obs, err := h.read(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: id, Outputs: obs.Outputs}, nil
}

func (h *podIdentityHandler) read(ctx context.Context, id string) (*provider.Observed, error) {
	a, err := h.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Observed{
		PhysicalID: id,
		Properties: map[string]any{
			"clusterName":    aws.ToString(a.ClusterName),
			"namespace":      aws.ToString(a.Namespace),
			"serviceAccount": aws.ToString(a.ServiceAccount),
			"roleArn":        aws.ToString(a.RoleArn),
			"tags":           tagsToAny(userTags(a.Tags)),
		},
		Outputs: map[string]any{
			"id":            id,
			"associationId": aws.ToString(a.AssociationId),
			"arn":           aws.ToString(a.AssociationArn),
		},
	}, nil
}

func (h *podIdentityHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg podIdentityConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	a, err := h.describe(ctx, req.PhysicalID)
	if err != nil {
		return nil, err
	}
	if changed(req, "roleArn") {
		if _, err := h.api.UpdatePodIdentityAssociation(ctx, &eks.UpdatePodIdentityAssociationInput{
			ClusterName:   a.ClusterName,
			AssociationId: a.AssociationId,
			RoleArn:       aws.String(cfg.RoleArn),
		}); err != nil {
			return nil, fmt.Errorf("failed to update pod identity association: %w", err)
		}
	}
	if changed(req, "tags") {
		if err := syncEKSTags(ctx, h.api, aws.ToString(a.AssociationArn), a.Tags, withLogicalID(cfg.Tags, req.LogicalID)); err != nil {
			return nil, err
		}
	}
	return h.result(ctx, req.PhysicalID)
}

func (h *podIdentityHandler) delete(ctx context.Context, id string) error {
	cluster, assoc, err := splitID(id)
	if err != nil {
		return err
	}
	if _, err := h.api.DeletePodIdentityAssociation(ctx, &eks.DeletePodIdentityAssociationInput{ClusterName: aws.String(cluster), AssociationId: aws.String(assoc)}); err != nil {
		return fmt.Errorf("failed to delete pod identity association: %w", err)
	}
	return nil
}
