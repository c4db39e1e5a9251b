package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/picklr-io/lakestack/internal/logging"
	"github.com/picklr-io/lakestack/internal/provider"
)

const bucketWait = 2 * time.Minute

type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	GetBucketVersioning(ctx context.Context, params *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error)
	PutPublicAccessBlock(ctx context.Context, params *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
	DeletePublicAccessBlock(ctx context.Context, params *s3.DeletePublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.DeletePublicAccessBlockOutput, error)
	GetBucketTagging(ctx context.Context, params *s3.GetBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error)
	PutBucketTagging(ctx context.Context, params *s3.PutBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error)
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type bucketConfig struct {
	Bucket            string            `json:"bucket" validate:"required,min=3,max=63"`
	Versioning        bool              `json:"versioning"`
	BlockPublicAccess *bool             `json:"blockPublicAccess"`
	ForceDestroy      bool              `json:"forceDestroy"`
	Tags              map[string]string `json:"tags"`
}

func (c bucketConfig) blockPublic() bool {
	return c.BlockPublicAccess == nil || *c.BlockPublicAccess
}

func (c bucketConfig) tags(logicalID string) map[string]string {
	tags := withLogicalID(c.Tags, logicalID)
	if c.ForceDestroy {
		tags[forceDestroyTag] = "true"
	}
	return tags
}

type bucketHandler struct {
	api    s3API
	region func() string
}

func (h *bucketHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg bucketConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}

	if err := replacingSelf(req, cfg.Bucket); err != nil {
		return nil, err
	}
	_, err := h.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)})
	switch {
	case err == nil:
	case isNotFound(err):
		input := &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)}
		if region := h.region(); region != "" && region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(region),
			}
		}
		if _, err := h.api.CreateBucket(ctx, input); err != nil && !hasCode(err, "BucketAlreadyOwnedByYou") {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		if err := s3.NewBucketExistsWaiter(h.api).Wait(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}, bucketWait); err != nil {
			return nil, provider.Transientf("bucket %s did not become visible: %w", cfg.Bucket, err)
		}
	default:
		return nil, fmt.Errorf("failed to look up bucket: %w", err)
	}

	if err := h.setVersioning(ctx, cfg.Bucket, cfg.Versioning); err != nil {
		return nil, err
	}
	if err := h.setPublicAccess(ctx, cfg.Bucket, cfg.blockPublic()); err != nil {
		return nil, err
	}
	if err := h.putTags(ctx, cfg.Bucket, cfg.tags(req.LogicalID)); err != nil {
		return nil, err
	}
	return h.result(ctx, cfg.Bucket)
}

func (h *bucketHandler) setVersioning(ctx context.Context, bucket string, enabled bool) error {
	status := types.BucketVersioningStatusSuspended
	if enabled {
		status = types.BucketVersioningStatusEnabled
	} else {
		// A bucket that never had versioning cannot be suspended.
		out, err := h.api.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(bucket)})
		if err != nil {
			return fmt.Errorf("failed to read bucket versioning: %w", err)
		}
		if out.Status == "" {
			return nil
		}
	}
	if _, err := h.api.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket:                  aws.String(bucket),
		VersioningConfiguration: &types.VersioningConfiguration{Status: status},
	}); err != nil {
		return fmt.Errorf("failed to set bucket versioning: %w", err)
	}
	return nil
}

func (h *bucketHandler) setPublicAccess(ctx context.Context, bucket string, block bool) error {
	if !block {
		if _, err := h.api.DeletePublicAccessBlock(ctx, &s3.DeletePublicAccessBlockInput{Bucket: aws.String(bucket)}); err != nil {
			return fmt.Errorf("failed to remove public access block: %w", err)
		}
		return nil
	}
	if _, err := h.api.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(bucket),
		PublicAccessBlockConfiguration: &types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	}); err != nil {
		return fmt.Errorf("failed to set public access block: %w", err)
	}
	return nil
}

func (h *bucketHandler) putTags(ctx context.Context, bucket string, tags map[string]string) error {
	set := make([]types.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		set = append(set, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	if _, err := h.api.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
		Bucket:  aws.String(bucket),
		Tagging: &types.Tagging{TagSet: set},
	}); err != nil {
		return fmt.Errorf("failed to tag bucket: %w", err)
	}
	return nil
}

func (h *bucketHandler) tags(ctx context.Context, bucket string) (map[string]string, error) {
	out, err := h.api.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(bucket)})
	if hasCode(err, "NoSuchTagSet") {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket tags: %w", err)
	}
	tags := make(map[string]string, len(out.TagSet))
	for _, t := range out.TagSet {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return tags, nil
}

func (h *bucketHandler) result(ctx context.Context, bucket string) (*provider.Result, error) {
	obs, err := h.read(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: bucket, Outputs: obs.Outputs}, nil
}

func (h *bucketHandler) read(ctx context.Context, bucket string) (*provider.Observed, error) {
	head, err := h.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		return nil, err
	}
	region := aws.ToString(head.BucketRegion)
	if region == "" {
		region = h.region()
	}

	versioning, err := h.api.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(bucket)})
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket versioning: %w", err)
	}
	block := false
	pab, err := h.api.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: aws.String(bucket)})
	switch {
	case hasCode(err, "NoSuchPublicAccessBlockConfiguration"):
	case err != nil:
		return nil, fmt.Errorf("failed to read public access block: %w", err)
	case pab.PublicAccessBlockConfiguration != nil:
		c := pab.PublicAccessBlockConfiguration
		block = aws.ToBool(c.BlockPublicAcls) && aws.ToBool(c.BlockPublicPolicy) &&
			aws.ToBool(c.IgnorePublicAcls) && aws.ToBool(c.RestrictPublicBuckets)
	}
	tags, err := h.tags(ctx, bucket)
	if err != nil {
		return nil, err
	}

	return &provider.Observed{
		PhysicalID: bucket,
		Properties: map[string]any{
			"bucket":            bucket,
			"versioning":        versioning.Status == types.BucketVersioningStatusEnabled,
			"blockPublicAccess": block,
			"tags":              tagsToAny(userTags(tags)),
		},
		Outputs: map[string]any{
			"id":                 bucket,
			"bucket":             bucket,
			"arn":                "arn:aws:s3:::" + bucket,
			"url":                "s3://" + bucket,
			"region":             region,
			"regionalDomainName": fmt.Sprintf("%s.s3.%s.amazonaws.com", bucket, region),
		},
	}, nil
}

func (h *bucketHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg bucketConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	if changed(req, "versioning") {
		if err := h.setVersioning(ctx, req.PhysicalID, cfg.Versioning); err != nil {
			return nil, err
		}
	}
	if changed(req, "blockPublicAccess") {
		if err := h.setPublicAccess(ctx, req.PhysicalID, cfg.blockPublic()); err != nil {
			return nil, err
		}
	}
	if changed(req, "tags", "forceDestroy") {
		if err := h.putTags(ctx, req.PhysicalID, cfg.tags(req.LogicalID)); err != nil {
			return nil, err
		}
	}
	return h.result(ctx, req.PhysicalID)
}

// delete empties the bucket first when it was created with forceDestroy.
func (h *bucketHandler) delete(ctx context.Context, bucket string) error {
	tags, err := h.tags(ctx, bucket)
	if err != nil {
		return err
	}
	if tags[forceDestroyTag] == "true" {
		if err := h.empty(ctx, bucket); err != nil {
			return err
		}
	}
	if _, err := h.api.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return fmt.Errorf("failed to delete bucket: %w", err)
	}
	return nil
}

func (h *bucketHandler) empty(ctx context.Context, bucket string) error {
	input := &s3.ListObjectVersionsInput{Bucket: aws.String(bucket)}
	deleted := 0
	for {
		page, err := h.api.ListObjectVersions(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to list object versions: %w", err)
		}
		var objects []types.ObjectIdentifier
		for _, v := range page.Versions {
			objects = append(objects, types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
		}
		for _, m := range page.DeleteMarkers {
			objects = append(objects, types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
		}
		if len(objects) > 0 {
			out, err := h.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(bucket),
				Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return fmt.Errorf("failed to delete objects: %w", err)
			}
			if len(out.Errors) > 0 {
				e := out.Errors[0]
				return provider.Transientf("failed to delete %s from %s: %s", aws.ToString(e.Key), bucket, aws.ToString(e.Message))
			}
			deleted += len(objects)
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		input.KeyMarker = page.NextKeyMarker
		input.VersionIdMarker = page.NextVersionIdMarker
	}
	logging.Debug("emptied bucket", "bucket", bucket, "objects", deleted)
	return nil
}
