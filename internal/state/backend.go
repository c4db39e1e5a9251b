package state

import (
	"context"
	"fmt"

	"github.com/picklr-io/lakestack/internal/ir"
)

// Backend defines the interface for state storage backends.
type Backend interface {
	// Read loads the state from the backend.
	Read(ctx context.Context) (*ir.State, error)

	// Write saves the state to the backend.
	Write(ctx context.Context, state *ir.State) error

	// Lock acquires an exclusive lock on the state.
	Lock(ctx context.Context) error

	// Unlock releases the lock on the state.
	Unlock(ctx context.Context) error
}

// S3BackendConfig holds configuration for S3 state backend.
type S3BackendConfig struct {
	Bucket        string
	Key           string
	Region        string
	DynamoDBTable string // for locking
	Encrypt       bool
	Profile       string
}

func parseS3Config(config map[string]string) (*S3BackendConfig, error) {
	cfg := &S3BackendConfig{
		Bucket:        config["bucket"],
		Key:           config["key"],
		Region:        config["region"],
		DynamoDBTable: config["dynamodb_table"],
		Encrypt:       config["encrypt"] == "true",
		Profile:       config["profile"],
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires 'bucket' configuration")
	}
	if cfg.Key == "" {
		cfg.Key = "lakestack/state.json"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return cfg, nil
}

// NewBackend creates a state backend from configuration. A nil config or
// the "local" type stores state at localPath.
func NewBackend(ctx context.Context, cfg *ir.BackendConfig, localPath string) (Backend, error) {
	if cfg == nil {
		return NewManager(localPath), nil
	}

	switch cfg.Type {
	case "local", "":
		if path := cfg.Config["path"]; path != "" {
			localPath = path
		}
		return NewManager(localPath), nil
	case "s3":
		return newS3Backend(ctx, cfg.Config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
