package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/picklr-io/lakestack/internal/ir"
)

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// s3Backend implements Backend for AWS S3 + optional DynamoDB locking.
type s3Backend struct {
	cfg *S3BackendConfig

	s3Client s3API
	dbClient dynamoAPI
	lockID   string
}

func newS3Backend(ctx context.Context, config map[string]string) (Backend, error) {
	cfg, err := parseS3Config(config)
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: unable to load AWS config: %w", err)
	}

	b := &s3Backend{cfg: cfg, s3Client: s3.NewFromConfig(awsCfg)}
	if cfg.DynamoDBTable != "" {
		b.dbClient = dynamodb.NewFromConfig(awsCfg)
	}
	return b, nil
}

func (b *s3Backend) location() string {
	return fmt.Sprintf("s3://%s/%s", b.cfg.Bucket, b.cfg.Key)
}

func (b *s3Backend) Read(ctx context.Context) (*ir.State, error) {
	result, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.cfg.Key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return ir.NewState(), nil
		}
		return nil, fmt.Errorf("failed to read state from %s: %w", b.location(), err)
	}
	defer result.Body.Close()

	raw, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}

	content, err := DecryptState(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt remote state: %w", err)
	}

	state, err := Decode(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote state: %w", err)
	}
	return state, nil
}

func (b *s3Backend) Write(ctx context.Context, state *ir.State) error {
	if existing, err := b.Read(ctx); err == nil {
		if err := checkLineage(existing, state); err != nil {
			return err
		}
	}

	content, err := Encode(state)
	if err != nil {
		return err
	}
	encrypted, err := EncryptState(content)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(b.cfg.Key),
		Body:        bytes.NewReader(encrypted),
		ContentType: aws.String("application/json"),
	}
	if b.cfg.Encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := b.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write state to %s: %w", b.location(), err)
	}
	return nil
}

func (b *s3Backend) Lock(ctx context.Context) error {
	if b.dbClient == nil {
		return nil // No locking without DynamoDB
	}

	b.lockID = fmt.Sprintf("lakestack-%d-%d", os.Getpid(), time.Now().UnixNano())

	_, err := b.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.cfg.DynamoDBTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: b.cfg.Key},
			"Info":    &dbtypes.AttributeValueMemberS{Value: b.lockID},
			"Created": &dbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%w by another process. If this is an error, "+
				"manually delete the lock item with LockID=%q from DynamoDB table %q", ErrLocked, b.cfg.Key, b.cfg.DynamoDBTable)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

func (b *s3Backend) Unlock(ctx context.Context) error {
	if b.dbClient == nil {
		return nil
	}

	_, err := b.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.cfg.DynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.cfg.Key},
		},
		ConditionExpression:       aws.String("Info = :id"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{":id": &dbtypes.AttributeValueMemberS{Value: b.lockID}},
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
