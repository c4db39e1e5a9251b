package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/picklr-io/lakestack/internal/provider"
)

// wholeSecret marks a generated password stored as the entire secret string.
const wholeSecret = "*"

type secretsAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	UpdateSecret(ctx context.Context, params *secretsmanager.UpdateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretOutput, error)
	RestoreSecret(ctx context.Context, params *secretsmanager.RestoreSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.RestoreSecretOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
	TagResource(ctx context.Context, params *secretsmanager.TagResourceInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.TagResourceOutput, error)
	UntagResource(ctx context.Context, params *secretsmanager.UntagResourceInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UntagResourceOutput, error)
	GetRandomPassword(ctx context.Context, params *secretsmanager.GetRandomPasswordInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetRandomPasswordOutput, error)
}

type passwordConfig struct {
	Length             int    `json:"length" validate:"omitempty,min=8,max=4096"`
	ExcludePunctuation bool   `json:"excludePunctuation"`
	ExcludeCharacters  string `json:"excludeCharacters"`
	// PasswordKey places the password under this key of secretJson; empty
	// means the password is the whole secret string.
	PasswordKey string `json:"passwordKey"`
}

type secretConfig struct {
	Name                 string            `json:"name" validate:"required,max=512"`
	Description          string            `json:"description"`
	KmsKeyID             string            `json:"kmsKeyId"`
	SecretString         string            `json:"secretString" validate:"excluded_with=SecretJSON GeneratePassword"`
	SecretJSON           map[string]any    `json:"secretJson"`
	GeneratePassword     *passwordConfig   `json:"generatePassword"`
	RecoveryWindowInDays int               `json:"recoveryWindowInDays" validate:"omitempty,min=7,max=30"`
	ForceDelete          bool              `json:"forceDelete"`
	Tags                 map[string]string `json:"tags"`
}

func (c secretConfig) passwordKey() string {
	if c.GeneratePassword == nil {
		return ""
	}
	if c.GeneratePassword.PasswordKey == "" {
		return wholeSecret
	}
	return c.GeneratePassword.PasswordKey
}

func (c secretConfig) tags(logicalID string) map[string]string {
	tags := withLogicalID(c.Tags, logicalID)
	if c.ForceDelete {
		tags[forceDeleteTag] = "true"
	}
	if c.RecoveryWindowInDays > 0 {
		tags[recoveryDaysTag] = strconv.Itoa(c.RecoveryWindowInDays)
	}
	if key := c.passwordKey(); key != "" {
		tags[passwordTag] = key
	}
	return tags
}

// value renders the secret string, placing password where configured.
func (c secretConfig) value(password string) (string, error) {
	switch {
	case c.SecretString != "":
		return c.SecretString, nil
	case c.SecretJSON != nil:
		doc := maps.Clone(c.SecretJSON)
		if key := c.passwordKey(); key != "" && key != wholeSecret {
			doc[key] = password
		}
		return document(doc)
	case c.GeneratePassword != nil:
		if key := c.passwordKey(); key != wholeSecret {
			return document(map[string]any{key: password})
		}
		return password, nil
	}
	return "", nil
}

func secretsTags(tags map[string]string) []types.Tag {
	out := make([]types.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func fromSecretsTags(tags []types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

// extractPassword finds a generated password inside a secret string.
func extractPassword(secret, key string) string {
	if key == wholeSecret {
		return secret
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(secret), &doc); err != nil {
		return ""
	}
	s, _ := doc[key].(string)
	return s
}

type secretHandler struct {
	api secretsAPI
}

func (h *secretHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg secretConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}

	desc, err := h.api.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(cfg.Name)})
	switch {
	case err == nil && aws.ToString(desc.ARN) != req.Replaces:
		return h.adopt(ctx, req, cfg, desc)
	case err == nil:
		return nil, provider.Fatalf("secret %s is being replaced but the name is unchanged", cfg.Name)
	case !isNotFound(err):
		return nil, fmt.Errorf("failed to look up secret: %w", err)
	}

	password, err := h.generate(ctx, cfg.GeneratePassword)
	if err != nil {
		return nil, err
	}
	value, err := cfg.value(password)
	if err != nil {
		return nil, err
	}
	input := &secretsmanager.CreateSecretInput{
		Name:        aws.String(cfg.Name),
		Description: str(cfg.Description),
		KmsKeyId:    str(cfg.KmsKeyID),
		Tags:        secretsTags(cfg.tags(req.LogicalID)),
	}
	if value != "" {
		input.SecretString = aws.String(value)
	}
	out, err := h.api.CreateSecret(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret: %w", err)
	}
	return h.result(ctx, aws.ToString(out.ARN))
}

// adopt takes over a secret left by an interrupted run, restoring it if it
// was scheduled for deletion. A generated password is kept.
func (h *secretHandler) adopt(ctx context.Context, req *provider.CreateRequest, cfg secretConfig, desc *secretsmanager.DescribeSecretOutput) (*provider.Result, error) {
	arn := aws.ToString(desc.ARN)
	if desc.DeletedDate != nil {
		if _, err := h.api.RestoreSecret(ctx, &secretsmanager.RestoreSecretInput{SecretId: aws.String(arn)}); err != nil {
			return nil, fmt.Errorf("failed to restore secret: %w", err)
		}
	}
	if err := h.putValue(ctx, arn, cfg); err != nil {
		return nil, err
	}
	if err := h.syncTags(ctx, arn, fromSecretsTags(desc.Tags), cfg.tags(req.LogicalID)); err != nil {
		return nil, err
	}
	return h.result(ctx, arn)
}

func (h *secretHandler) generate(ctx context.Context, pc *passwordConfig) (string, error) {
	if pc == nil {
		return "", nil
	}
	length := pc.Length
	if length == 0 {
		length = 32
	}
	exclude := pc.ExcludeCharacters
	if exclude == "" && !pc.ExcludePunctuation {
		// Characters database engines reject in master passwords.
		exclude = `"@/\' `
	}
	out, err := h.api.GetRandomPassword(ctx, &secretsmanager.GetRandomPasswordInput{
		PasswordLength:     aws.Int64(int64(length)),
		ExcludePunctuation: aws.Bool(pc.ExcludePunctuation),
		ExcludeCharacters:  str(exclude),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return aws.ToString(out.RandomPassword), nil
}

// putValue writes the rendered secret string if it differs from the current
// one, reusing a previously generated password.
func (h *secretHandler) putValue(ctx context.Context, arn string, cfg secretConfig) error {
	current, err := h.currentValue(ctx, arn)
	if err != nil {
		return err
	}
	password := ""
	if key := cfg.passwordKey(); key != "" {
		password = extractPassword(current, key)
		if password == "" {
			if password, err = h.generate(ctx, cfg.GeneratePassword); err != nil {
				return err
			}
		}
	}
	value, err := cfg.value(password)
	if err != nil {
		return err
	}
	if value == "" || value == current {
		return nil
	}
	if _, err := h.api.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(arn),
		SecretString: aws.String(value),
	}); err != nil {
		return fmt.Errorf("failed to put secret value: %w", err)
	}
	return nil
}

func (h *secretHandler) currentValue(ctx context.Context, arn string) (string, error) {
	out, err := h.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(arn)})
	if isNotFound(err) {
		// No version has been stored yet.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret value: %w", err)
	}
	return aws.ToString(out.SecretString), nil
}

func (h *secretHandler) syncTags(ctx context.Context, arn string, have, want map[string]string) error {
	set, remove := tagDiff(userTagsKeepID(have), want)
	if len(set) > 0 {
		if _, err := h.api.TagResource(ctx, &secretsmanager.TagResourceInput{SecretId: aws.String(arn), Tags: secretsTags(set)}); err != nil {
			return fmt.Errorf("failed to tag secret: %w", err)
		}
	}
	if len(remove) > 0 {
		if _, err := h.api.UntagResource(ctx, &secretsmanager.UntagResourceInput{SecretId: aws.String(arn), TagKeys: remove}); err != nil {
			return fmt.Errorf("failed to untag secret: %w", err)
		}
	}
	return nil
}

func (h *secretHandler) result(ctx context.Context, arn string) (*provider.Result, error) {
	obs, err := h.read(ctx, arn)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: arn, Outputs: obs.Outputs}, nil
}

func (h *secretHandler) read(ctx context.Context, arn string) (*provider.Observed, error) {
	desc, err := h.api.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(arn)})
	if err != nil {
		return nil, err
	}
	if desc.DeletedDate != nil {
		return nil, fmt.Errorf("secret %s is scheduled for deletion: %w", arn, provider.ErrNotFound)
	}
	tags := fromSecretsTags(desc.Tags)
	outputs := map[string]any{
		"id":   arn,
		"arn":  aws.ToString(desc.ARN),
		"name": aws.ToString(desc.Name),
	}
	if key, ok := tags[passwordTag]; ok {
		current, err := h.currentValue(ctx, arn)
		if err != nil {
			return nil, err
		}
		outputs["password"] = extractPassword(current, key)
	}
	props := map[string]any{
		"name": aws.ToString(desc.Name),
		"tags": tagsToAny(userTags(tags)),
	}
	if desc.Description != nil {
		props["description"] = aws.ToString(desc.Description)
	}
	if desc.KmsKeyId != nil {
		props["kmsKeyId"] = aws.ToString(desc.KmsKeyId)
	}
	return &provider.Observed{PhysicalID: arn, Properties: props, Outputs: outputs}, nil
}

func (h *secretHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg secretConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	arn := req.PhysicalID

	if changed(req, "description", "kmsKeyId") {
		if _, err := h.api.UpdateSecret(ctx, &secretsmanager.UpdateSecretInput{
			SecretId:    aws.String(arn),
			Description: aws.String(cfg.Description),
			KmsKeyId:    str(cfg.KmsKeyID),
		}); err != nil {
			return nil, fmt.Errorf("failed to update secret: %w", err)
		}
	}
	if changed(req, "secretString", "secretJson") {
		if err := h.putValue(ctx, arn, cfg); err != nil {
			return nil, err
		}
	}
	if changed(req, "tags", "forceDelete", "recoveryWindowInDays") {
		desc, err := h.api.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(arn)})
		if err != nil {
			return nil, err
		}
		if err := h.syncTags(ctx, arn, fromSecretsTags(desc.Tags), cfg.tags(req.LogicalID)); err != nil {
			return nil, err
		}
	}
	return h.result(ctx, arn)
}

// delete schedules the secret for deletion using the recovery window it was
// tagged with, or deletes it immediately when forceDelete was set.
func (h *secretHandler) delete(ctx context.Context, arn string) error {
	desc, err := h.api.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(arn)})
	if err != nil {
		return err
	}
	if desc.DeletedDate != nil {
		return nil
	}
	tags := fromSecretsTags(desc.Tags)
	input := &secretsmanager.DeleteSecretInput{SecretId: aws.String(arn)}
	if tags[forceDeleteTag] == "true" {
		input.ForceDeleteWithoutRecovery = aws.Bool(true)
	} else if days, err := strconv.Atoi(tags[recoveryDaysTag]); err == nil {
		input.RecoveryWindowInDays = aws.Int64(int64(days))
	}
	if _, err := h.api.DeleteSecret(ctx, input); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}
