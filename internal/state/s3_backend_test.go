package state

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lakestack/internal/ir"
)

type fakeS3 struct {
	objects map[string][]byte
	lastPut *s3.PutObjectInput
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.lastPut = in
	return &s3.PutObjectOutput{}, nil
}

type fakeDynamo struct {
	items map[string]string
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	key := in.Item["LockID"].(*dbtypes.AttributeValueMemberS).Value
	if _, held := f.items[key]; held {
		return nil, &dbtypes.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.items[key] = in.Item["Info"].(*dbtypes.AttributeValueMemberS).Value
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.items, in.Key["LockID"].(*dbtypes.AttributeValueMemberS).Value)
	return &dynamodb.DeleteItemOutput{}, nil
}

func newFakeBackend(t *testing.T, config map[string]string) (*s3Backend, *fakeS3, *fakeDynamo) {
	t.Helper()
	cfg, err := parseS3Config(config)
	require.NoError(t, err)
	s3c := &fakeS3{objects: make(map[string][]byte)}
	db := &fakeDynamo{items: make(map[string]string)}
	b := &s3Backend{cfg: cfg, s3Client: s3c}
	if cfg.DynamoDBTable != "" {
		b.dbClient = db
	}
	return b, s3c, db
}

func TestParseS3Config(t *testing.T) {
	_, err := parseS3Config(map[string]string{})
	assert.ErrorContains(t, err, "bucket")

	cfg, err := parseS3Config(map[string]string{"bucket": "my-bucket"})
	require.NoError(t, err)
	assert.Equal(t, "lakestack/state.json", cfg.Key)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Empty(t, cfg.DynamoDBTable)
	assert.False(t, cfg.Encrypt)

	cfg, err = parseS3Config(map[string]string{
		"bucket":         "custom-bucket",
		"key":            "custom/path/state.json",
		"region":         "eu-west-1",
		"dynamodb_table": "lakestack-locks",
		"encrypt":        "true",
		"profile":        "staging",
	})
	require.NoError(t, err)
	assert.Equal(t, &S3BackendConfig{
		Bucket:        "custom-bucket",
		Key:           "custom/path/state.json",
		Region:        "eu-west-1",
		DynamoDBTable: "lakestack-locks",
		Encrypt:       true,
		Profile:       "staging",
	}, cfg)
}

func TestS3Backend_ReadWrite(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	b, s3c, _ := newFakeBackend(t, map[string]string{"bucket": "state", "encrypt": "true"})
	ctx := context.Background()

	s, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.Resources)

	require.NoError(t, b.Write(ctx, sampleState()))
	assert.Equal(t, s3types.ServerSideEncryptionAes256, s3c.lastPut.ServerSideEncryption)

	got, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleState(), got)

	other := sampleState()
	other.Lineage = "someone-else"
	assert.ErrorIs(t, b.Write(ctx, other), ErrLineageMismatch)
}

func TestS3Backend_Lock(t *testing.T) {
	b, _, db := newFakeBackend(t, map[string]string{"bucket": "state", "dynamodb_table": "locks"})
	ctx := context.Background()

	require.NoError(t, b.Lock(ctx))
	assert.Contains(t, db.items, "lakestack/state.json")

	err := b.Lock(ctx)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "locks")

	require.NoError(t, b.Unlock(ctx))
	assert.Empty(t, db.items)
}

func TestS3Backend_NoLockTable(t *testing.T) {
	b, _, _ := newFakeBackend(t, map[string]string{"bucket": "state"})
	assert.NoError(t, b.Lock(context.Background()))
	assert.NoError(t, b.Unlock(context.Background()))
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()

	b, err := NewBackend(ctx, nil, "/tmp/stack/.lakestack/state.json")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/stack/.lakestack/state.json", b.(*Manager).Path())

	b, err = NewBackend(ctx, &ir.BackendConfig{Type: "local", Config: map[string]string{"path": "/var/lib/state.json"}}, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/state.json", b.(*Manager).Path())

	_, err = NewBackend(ctx, &ir.BackendConfig{Type: "redis"}, "")
	assert.ErrorContains(t, err, "unknown backend type")

	_, err = NewBackend(ctx, &ir.BackendConfig{Type: "s3"}, "")
	assert.ErrorContains(t, err, "bucket")
}
