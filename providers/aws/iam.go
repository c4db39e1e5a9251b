package aws

import (
	"context"
	"fmt"
	"net/url"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/picklr-io/lakestack/internal/provider"
)

type iamAPI interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	UpdateRole(ctx context.Context, params *iam.UpdateRoleInput, optFns ...func(*iam.Options)) (*iam.UpdateRoleOutput, error)
	UpdateAssumeRolePolicy(ctx context.Context, params *iam.UpdateAssumeRolePolicyInput, optFns ...func(*iam.Options)) (*iam.UpdateAssumeRolePolicyOutput, error)
	DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
	TagRole(ctx context.Context, params *iam.TagRoleInput, optFns ...func(*iam.Options)) (*iam.TagRoleOutput, error)
	UntagRole(ctx context.Context, params *iam.UntagRoleInput, optFns ...func(*iam.Options)) (*iam.UntagRoleOutput, error)

	AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
	DeleteRolePolicy(ctx context.Context, params *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
	ListRolePolicies(ctx context.Context, params *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error)
	ListInstanceProfilesForRole(ctx context.Context, params *iam.ListInstanceProfilesForRoleInput, optFns ...func(*iam.Options)) (*iam.ListInstanceProfilesForRoleOutput, error)

	CreatePolicy(ctx context.Context, params *iam.CreatePolicyInput, optFns ...func(*iam.Options)) (*iam.CreatePolicyOutput, error)
	GetPolicy(ctx context.Context, params *iam.GetPolicyInput, optFns ...func(*iam.Options)) (*iam.GetPolicyOutput, error)
	ListPolicies(ctx context.Context, params *iam.ListPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListPoliciesOutput, error)
	CreatePolicyVersion(ctx context.Context, params *iam.CreatePolicyVersionInput, optFns ...func(*iam.Options)) (*iam.CreatePolicyVersionOutput, error)
	ListPolicyVersions(ctx context.Context, params *iam.ListPolicyVersionsInput, optFns ...func(*iam.Options)) (*iam.ListPolicyVersionsOutput, error)
	DeletePolicyVersion(ctx context.Context, params *iam.DeletePolicyVersionInput, optFns ...func(*iam.Options)) (*iam.DeletePolicyVersionOutput, error)
	DeletePolicy(ctx context.Context, params *iam.DeletePolicyInput, optFns ...func(*iam.Options)) (*iam.DeletePolicyOutput, error)
	TagPolicy(ctx context.Context, params *iam.TagPolicyInput, optFns ...func(*iam.Options)) (*iam.TagPolicyOutput, error)
	UntagPolicy(ctx context.Context, params *iam.UntagPolicyInput, optFns ...func(*iam.Options)) (*iam.UntagPolicyOutput, error)

	CreateInstanceProfile(ctx context.Context, params *iam.CreateInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error)
	GetInstanceProfile(ctx context.Context, params *iam.GetInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error)
	AddRoleToInstanceProfile(ctx context.Context, params *iam.AddRoleToInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error)
	RemoveRoleFromInstanceProfile(ctx context.Context, params *iam.RemoveRoleFromInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.RemoveRoleFromInstanceProfileOutput, error)
	DeleteInstanceProfile(ctx context.Context, params *iam.DeleteInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.DeleteInstanceProfileOutput, error)
}

// IAM keeps at most five versions of a managed policy.
const maxPolicyVersions = 5

func iamTags(tags map[string]string) []types.Tag {
	out := make([]types.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func fromIAMTags(tags []types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

// Role

type roleConfig struct {
	RoleName           string            `json:"roleName" validate:"required,max=64"`
	Path               string            `json:"path"`
	Description        string            `json:"description"`
	AssumeRolePolicy   any               `json:"assumeRolePolicy" validate:"required"`
	MaxSessionDuration int               `json:"maxSessionDuration" validate:"omitempty,gte=3600,lte=43200"`
	ManagedPolicyArns  []string          `json:"managedPolicyArns"`
	InlinePolicies     map[string]any    `json:"inlinePolicies"`
	Tags               map[string]string `json:"tags"`
}

type roleHandler struct {
	api iamAPI
}

func (h *roleHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg roleConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	trust, err := document(cfg.AssumeRolePolicy)
	if err != nil {
		return nil, provider.Fatal(err)
	}
	if err := replacingSelf(req, cfg.RoleName); err != nil {
		return nil, err
	}

	_, err = h.api.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(cfg.RoleName)})
	switch {
	case err == nil:
		// Left behind by an interrupted run; converge it below.
		if _, err := h.api.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
			RoleName:       aws.String(cfg.RoleName),
			PolicyDocument: aws.String(trust),
		}); err != nil {
			return nil, fmt.Errorf("failed to update trust policy: %w", err)
		}
	case isNotFound(err):
		if _, err := h.api.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(cfg.RoleName),
			AssumeRolePolicyDocument: aws.String(trust),
			Path:                     str(cfg.Path),
			Description:              str(cfg.Description),
			MaxSessionDuration:       i32(cfg.MaxSessionDuration),
			Tags:                     iamTags(withLogicalID(cfg.Tags, req.LogicalID)),
		}); err != nil && !hasCode(err, "EntityAlreadyExists") {
			return nil, fmt.Errorf("failed to create role: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to look up role: %w", err)
	}

	if err := h.syncPolicies(ctx, cfg); err != nil {
		return nil, err
	}
	return h.result(ctx, cfg.RoleName)
}

// syncPolicies attaches exactly the declared managed policies and puts
// exactly the declared inline policies.
func (h *roleHandler) syncPolicies(ctx context.Context, cfg roleConfig) error {
	name := aws.String(cfg.RoleName)

	attached, err := h.attachedPolicies(ctx, cfg.RoleName)
	if err != nil {
		return err
	}
	for _, arn := range cfg.ManagedPolicyArns {
		if slices.Contains(attached, arn) {
			continue
		}
		if _, err := h.api.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{RoleName: name, PolicyArn: aws.String(arn)}); err != nil {
			return fmt.Errorf("failed to attach %s: %w", arn, err)
		}
	}
	for _, arn := range attached {
		if slices.Contains(cfg.ManagedPolicyArns, arn) {
			continue
		}
		if _, err := h.api.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{RoleName: name, PolicyArn: aws.String(arn)}); err != nil {
			return fmt.Errorf("failed to detach %s: %w", arn, err)
		}
	}

	for _, policyName := range sortedKeys(cfg.InlinePolicies) {
		doc, err := document(cfg.InlinePolicies[policyName])
		if err != nil {
			return provider.Fatal(err)
		}
		if _, err := h.api.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
			RoleName:       name,
			PolicyName:     aws.String(policyName),
			PolicyDocument: aws.String(doc),
		}); err != nil {
			return fmt.Errorf("failed to put inline policy %s: %w", policyName, err)
		}
	}
	inline, err := h.inlinePolicies(ctx, cfg.RoleName)
	if err != nil {
		return err
	}
	for _, policyName := range inline {
		if _, ok := cfg.InlinePolicies[policyName]; ok {
			continue
		}
		if _, err := h.api.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{RoleName: name, PolicyName: aws.String(policyName)}); err != nil {
			return fmt.Errorf("failed to delete inline policy %s: %w", policyName, err)
		}
	}
	return nil
}

func (h *roleHandler) attachedPolicies(ctx context.Context, roleName string) ([]string, error) {
	var arns []string
	pages := iam.NewListAttachedRolePoliciesPaginator(h.api, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(roleName)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list attached policies: %w", err)
		}
		for _, p := range page.AttachedPolicies {
			arns = append(arns, aws.ToString(p.PolicyArn))
		}
	}
	slices.Sort(arns)
	return arns, nil
}

func (h *roleHandler) inlinePolicies(ctx context.Context, roleName string) ([]string, error) {
	var names []string
	pages := iam.NewListRolePoliciesPaginator(h.api, &iam.ListRolePoliciesInput{RoleName: aws.String(roleName)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list inline policies: %w", err)
		}
		names = append(names, page.PolicyNames...)
	}
	slices.Sort(names)
	return names, nil
}

func (h *roleHandler) result(ctx context.Context, name string) (*provider.Result, error) {
	obs, err := h.read(ctx, name)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: name, Outputs: obs.Outputs}, nil
}

func (h *roleHandler) read(ctx context.Context, name string) (*provider.Observed, error) {
	out, err := h.api.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err != nil {
		return nil, err
	}
	role := out.Role
	attached, err := h.attachedPolicies(ctx, name)
	if err != nil {
		return nil, err
	}
	props := map[string]any{
		"roleName":          aws.ToString(role.RoleName),
		"path":              aws.ToString(role.Path),
		"managedPolicyArns": stringsToAny(attached),
		"tags":              tagsToAny(userTags(fromIAMTags(role.Tags))),
	}
	if role.Description != nil {
		props["description"] = aws.ToString(role.Description)
	}
	return &provider.Observed{
		PhysicalID: name,
		Properties: props,
		Outputs: map[string]any{
			"id":               name,
			"name":             name,
			"arn":              aws.ToString(role.Arn),
			"roleId":           aws.ToString(role.RoleId),
			"assumeRolePolicy": decodeURLDocument(aws.ToString(role.AssumeRolePolicyDocument)),
		},
	}, nil
}

func (h *roleHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg roleConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	name := aws.String(req.PhysicalID)
	cfg.RoleName = req.PhysicalID

	if changed(req, "assumeRolePolicy") {
		trust, err := document(cfg.AssumeRolePolicy)
		if err != nil {
			return nil, provider.Fatal(err)
		}
		if _, err := h.api.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{RoleName: name, PolicyDocument: aws.String(trust)}); err != nil {
			return nil, fmt.Errorf("failed to update trust policy: %w", err)
		}
	}
	if changed(req, "description", "maxSessionDuration") {
		if _, err := h.api.UpdateRole(ctx, &iam.UpdateRoleInput{
			RoleName:           name,
			Description:        aws.String(cfg.Description),
			MaxSessionDuration: i32(cfg.MaxSessionDuration),
		}); err != nil {
			return nil, fmt.Errorf("failed to update role: %w", err)
		}
	}
	if changed(req, "managedPolicyArns", "inlinePolicies") {
		if err := h.syncPolicies(ctx, cfg); err != nil {
			return nil, err
		}
	}
	if changed(req, "tags") {
		out, err := h.api.GetRole(ctx, &iam.GetRoleInput{RoleName: name})
		if err != nil {
			return nil, err
		}
		set, remove := tagDiff(userTagsKeepID(fromIAMTags(out.Role.Tags)), withLogicalID(cfg.Tags, req.LogicalID))
		if len(set) > 0 {
			if _, err := h.api.TagRole(ctx, &iam.TagRoleInput{RoleName: name, Tags: iamTags(set)}); err != nil {
				return nil, fmt.Errorf("failed to tag role: %w", err)
			}
		}
		if len(remove) > 0 {
			if _, err := h.api.UntagRole(ctx, &iam.UntagRoleInput{RoleName: name, TagKeys: remove}); err != nil {
				return nil, fmt.Errorf("failed to untag role: %w", err)
			}
		}
	}
	return h.result(ctx, req.PhysicalID)
}

// delete detaches everything a role is bound to; IAM refuses to delete a
// role that still has policies or instance profiles.
func (h *roleHandler) delete(ctx context.Context, name string) error {
	role := aws.String(name)

	profiles, err := h.api.ListInstanceProfilesForRole(ctx, &iam.ListInstanceProfilesForRoleInput{RoleName: role})
	if err != nil {
		return fmt.Errorf("failed to list instance profiles: %w", err)
	}
	for _, p := range profiles.InstanceProfiles {
		if _, err := h.api.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: p.InstanceProfileName,
			RoleName:            role,
		}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to remove role from %s: %w", aws.ToString(p.InstanceProfileName), err)
		}
	}

	attached, err := h.attachedPolicies(ctx, name)
	if err != nil {
		return err
	}
	for _, arn := range attached {
		if _, err := h.api.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{RoleName: role, PolicyArn: aws.String(arn)}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to detach %s: %w", arn, err)
		}
	}
	inline, err := h.inlinePolicies(ctx, name)
	if err != nil {
		return err
	}
	for _, p := range inline {
		if _, err := h.api.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{RoleName: role, PolicyName: aws.String(p)}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete inline policy %s: %w", p, err)
		}
	}

	if _, err := h.api.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: role}); err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}

// Policy

type policyConfig struct {
	PolicyName  string            `json:"policyName" validate:"required,max=128"`
	Path        string            `json:"path"`
	Description string            `json:"description"`
	Document    any               `json:"document" validate:"required"`
	Tags        map[string]string `json:"tags"`
}

type policyHandler struct {
	api iamAPI
}

func (h *policyHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg policyConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	doc, err := document(cfg.Document)
	if err != nil {
		return nil, provider.Fatal(err)
	}

	arn, err := h.lookup(ctx, cfg.PolicyName, cfg.Path)
	if err != nil {
		return nil, err
	}
	if arn != "" && arn != req.Replaces {
		if err := h.putVersion(ctx, arn, doc); err != nil {
			return nil, err
		}
		return h.result(ctx, arn)
	}

	out, err := h.api.CreatePolicy(ctx, &iam.CreatePolicyInput{
		PolicyName:     aws.String(cfg.PolicyName),
		PolicyDocument: aws.String(doc),
		Path:           str(cfg.Path),
		Description:    str(cfg.Description),
		Tags:           iamTags(withLogicalID(cfg.Tags, req.LogicalID)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create policy: %w", err)
	}
	return h.result(ctx, aws.ToString(out.Policy.Arn))
}

// lookup finds a customer managed policy by name.
func (h *policyHandler) lookup(ctx context.Context, name, path string) (string, error) {
	if path == "" {
		path = "/"
	}
	pages := iam.NewListPoliciesPaginator(h.api, &iam.ListPoliciesInput{
		Scope:      types.PolicyScopeTypeLocal,
		PathPrefix: aws.String(path),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list policies: %w", err)
		}
		for _, p := range page.Policies {
			if aws.ToString(p.PolicyName) == name {
				return aws.ToString(p.Arn), nil
			}
		}
	}
	return "", nil
}

// putVersion makes doc the default version, pruning the oldest non-default
// version when the limit is reached.
func (h *policyHandler) putVersion(ctx context.Context, arn, doc string) error {
	versions, err := h.api.ListPolicyVersions(ctx, &iam.ListPolicyVersionsInput{PolicyArn: aws.String(arn)})
	if err != nil {
		return fmt.Errorf("failed to list policy versions: %w", err)
	}
	if len(versions.Versions) >= maxPolicyVersions {
		var oldest *types.PolicyVersion
		for i := range versions.Versions {
			v := &versions.Versions[i]
			if v.IsDefaultVersion {
				continue
			}
			if oldest == nil || aws.ToTime(v.CreateDate).Before(aws.ToTime(oldest.CreateDate)) {
				oldest = v
			}
		}
		if oldest != nil {
			if _, err := h.api.DeletePolicyVersion(ctx, &iam.DeletePolicyVersionInput{PolicyArn: aws.String(arn), VersionId: oldest.VersionId}); err != nil {
				return fmt.Errorf("failed to prune policy version: %w", err)
			}
		}
	}
	if _, err := h.api.CreatePolicyVersion(ctx, &iam.CreatePolicyVersionInput{
		PolicyArn:      aws.String(arn),
		PolicyDocument: aws.String(doc),
		SetAsDefault:   true,
	}); err != nil {
		return fmt.Errorf("failed to create policy version: %w", err)
	}
	return nil
}

func (h *policyHandler) result(ctx context.Context, arn string) (*provider.Result, error) {
	obs, err := h.read(ctx, arn)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: arn, Outputs: obs.Outputs}, nil
}

func (h *policyHandler) read(ctx context.Context, arn string) (*provider.Observed, error) {
	out, err := h.api.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(arn)})
	if err != nil {
		return nil, err
	}
	p := out.Policy
	return &provider.Observed{
		PhysicalID: arn,
		Properties: map[string]any{
			"policyName": aws.ToString(p.PolicyName),
			"path":       aws.ToString(p.Path),
			"tags":       tagsToAny(userTags(fromIAMTags(p.Tags))),
		},
		Outputs: map[string]any{
			"id":               arn,
			"arn":              arn,
			"name":             aws.ToString(p.PolicyName),
			"policyId":         aws.ToString(p.PolicyId),
			"defaultVersionId": aws.ToString(p.DefaultVersionId),
		},
	}, nil
}

func (h *policyHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg policyConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	arn := req.PhysicalID
	if changed(req, "document") {
		doc, err := document(cfg.Document)
		if err != nil {
			return nil, provider.Fatal(err)
		}
		if err := h.putVersion(ctx, arn, doc); err != nil {
			return nil, err
		}
	}
	if changed(req, "tags") {
		out, err := h.api.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(arn)})
		if err != nil {
			return nil, err
		}
		set, remove := tagDiff(userTagsKeepID(fromIAMTags(out.Policy.Tags)), withLogicalID(cfg.Tags, req.LogicalID))
		if len(set) > 0 {
			if _, err := h.api.TagPolicy(ctx, &iam.TagPolicyInput{PolicyArn: aws.String(arn), Tags: iamTags(set)}); err != nil {
				return nil, fmt.Errorf("failed to tag policy: %w", err)
			}
		}
		if len(remove) > 0 {
			if _, err := h.api.UntagPolicy(ctx, &iam.UntagPolicyInput{PolicyArn: aws.String(arn), TagKeys: remove}); err != nil {
				return nil, fmt.Errorf("failed to untag policy: %w", err)
			}
		}
	}
	return h.result(ctx, arn)
}

func (h *policyHandler) delete(ctx context.Context, arn string) error {
	versions, err := h.api.ListPolicyVersions(ctx, &iam.ListPolicyVersionsInput{PolicyArn: aws.String(arn)})
	if err != nil {
		return fmt.Errorf("failed to list policy versions: %w", err)
	}
	for _, v := range versions.Versions {
		if v.IsDefaultVersion {
			continue
		}
		if _, err := h.api.DeletePolicyVersion(ctx, &iam.DeletePolicyVersionInput{PolicyArn: aws.String(arn), VersionId: v.VersionId}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete policy version %s: %w", aws.ToString(v.VersionId), err)
		}
	}
	if _, err := h.api.DeletePolicy(ctx, &iam.DeletePolicyInput{PolicyArn: aws.String(arn)}); err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	return nil
}

// Instance profile

type instanceProfileConfig struct {
	InstanceProfileName string `json:"instanceProfileName" validate:"required"`
	RoleName            string `json:"roleName" validate:"required"`
	Path                string `json:"path"`
}

type instanceProfileHandler struct {
	api iamAPI
}

func (h *instanceProfileHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg instanceProfileConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	name := aws.String(cfg.InstanceProfileName)
	if err := replacingSelf(req, cfg.InstanceProfileName); err != nil {
		return nil, err
	}

	out, err := h.api.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: name})
	var roles []types.Role
	switch {
	case err == nil:
		roles = out.InstanceProfile.Roles
	case isNotFound(err):
		if _, err := h.api.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
			InstanceProfileName: name,
			Path:                str(cfg.Path),
		}); err != nil && !hasCode(err, "EntityAlreadyExists") {
			return nil, fmt.Errorf("failed to create instance profile: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to look up instance profile: %w", err)
	}

	if err := h.setRole(ctx, cfg.InstanceProfileName, roles, cfg.RoleName); err != nil {
		return nil, err
	}
	return h.result(ctx, cfg.InstanceProfileName)
}

// setRole makes role the only role in the profile. An empty role empties it.
func (h *instanceProfileHandler) setRole(ctx context.Context, profile string, current []types.Role, role string) error {
	has := false
	for _, r := range current {
		if aws.ToString(r.RoleName) == role {
			has = true
			continue
		}
		if _, err := h.api.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: aws.String(profile),
			RoleName:            r.RoleName,
		}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to remove role %s: %w", aws.ToString(r.RoleName), err)
		}
	}
	if has || role == "" {
		return nil
	}
	if _, err := h.api.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: aws.String(profile),
		RoleName:            aws.String(role),
	}); err != nil && !hasCode(err, "LimitExceeded") {
		return fmt.Errorf("failed to add role %s: %w", role, err)
	}
	return nil
}

func (h *instanceProfileHandler) result(ctx context.Context, name string) (*provider.Result, error) {
	obs, err := h.read(ctx, name)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: name, Outputs: obs.Outputs}, nil
}

func (h *instanceProfileHandler) read(ctx context.Context, name string) (*provider.Observed, error) {
	out, err := h.api.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(name)})
	if err != nil {
		return nil, err
	}
	ip := out.InstanceProfile
	props := map[string]any{
		"instanceProfileName": aws.ToString(ip.InstanceProfileName),
		"path":                aws.ToString(ip.Path),
	}
	if len(ip.Roles) > 0 {
		props["roleName"] = aws.ToString(ip.Roles[0].RoleName)
	}
	return &provider.Observed{
		PhysicalID: name,
		Properties: props,
		Outputs: map[string]any{
			"id":   name,
			"name": name,
			"arn":  aws.ToString(ip.Arn),
		},
	}, nil
}

func (h *instanceProfileHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg instanceProfileConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	out, err := h.api.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(req.PhysicalID)})
	if err != nil {
		return nil, err
	}
	if err := h.setRole(ctx, req.PhysicalID, out.InstanceProfile.Roles, cfg.RoleName); err != nil {
		return nil, err
	}
	return h.result(ctx, req.PhysicalID)
}

func (h *instanceProfileHandler) delete(ctx context.Context, name string) error {
	out, err := h.api.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(name)})
	if err != nil {
		return err
	}
	if err := h.setRole(ctx, name, out.InstanceProfile.Roles, ""); err != nil {
		return err
	}
	if _, err := h.api.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{InstanceProfileName: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to delete instance profile: %w", err)
	}
	return nil
}

// decodeURLDocument returns the JSON text of a URL-encoded policy document
// as returned by GetRole.
func decodeURLDocument(s string) string {
	if decoded, err := url.QueryUnescape(s); err == nil {
		return decoded
	}
	return s
}
