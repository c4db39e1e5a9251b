package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lakestack/internal/ir"
)

func sampleState() *ir.State {
	s := ir.NewState()
	s.Serial = 3
	s.Lineage = "7d1c6a36-1f3e-4b8e-9a53-3e0c2f3c8a11"
	s.Resources = []*ir.ResourceState{
		{
			ID:           "bucket",
			Kind:         "aws:S3.Bucket",
			Provider:     "aws",
			PhysicalID:   "lake-data-123",
			Inputs:       map[string]any{"bucketName": "lake-data-123", "versioned": true},
			InputsHash:   "hash123",
			Outputs:      map[string]any{"arn": "arn:aws:s3:::lake-data-123"},
			Dependencies: []string{"key"},
			Status:       ir.StatusReady,
			UpdatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
	s.Outputs = map[string]any{"bucketUrl": "s3://lake-data-123"}
	return s
}

func TestManager_ReadWrite(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	statePath := filepath.Join(t.TempDir(), ".lakestack", "state.json")
	mgr := NewManager(statePath)
	ctx := context.Background()

	// Missing file reads as empty state.
	s, err := mgr.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Version)
	assert.Equal(t, 0, s.Serial)
	assert.Empty(t, s.Resources)

	require.NoError(t, mgr.Write(ctx, sampleState()))

	content, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"physicalId": "lake-data-123"`)

	got, err := mgr.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleState(), got)
}

func TestManager_EncryptedRoundTrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "state-key")
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()

	require.NoError(t, mgr.Write(ctx, sampleState()))

	raw, err := os.ReadFile(mgr.Path())
	require.NoError(t, err)
	assert.True(t, IsEncrypted(raw))
	assert.NotContains(t, string(raw), "lake-data-123")

	got, err := mgr.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lake-data-123", got.Find("bucket").PhysicalID)
}

func TestManager_RejectsForeignLineage(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()
	require.NoError(t, mgr.Write(ctx, sampleState()))

	other := sampleState()
	other.Lineage = "another-stack"
	assert.ErrorIs(t, mgr.Write(ctx, other), ErrLineageMismatch)
}

func TestDecode(t *testing.T) {
	s, err := Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Version)

	_, err = Decode([]byte("{not json"))
	assert.Error(t, err)

	s, err = Decode([]byte(`{"serial": 4, "resources": [{"id": "vpc", "status": "Failed"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Version)
	assert.Equal(t, ir.StatusFailed, s.Find("vpc").Status)
}

func TestManager_Lock(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()

	require.NoError(t, mgr.Lock(ctx))
	err := mgr.Lock(ctx)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, mgr.Unlock(ctx))
	require.NoError(t, mgr.Lock(ctx))
	require.NoError(t, mgr.Unlock(ctx))
	// Unlocking twice is fine.
	assert.NoError(t, mgr.Unlock(ctx))
}

func TestManager_StaleLockIsTakenOver(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()
	require.NoError(t, mgr.Lock(ctx))

	old := time.Now().Add(-StaleLockAge - time.Minute)
	require.NoError(t, os.Chtimes(mgr.lockPath(), old, old))

	assert.NoError(t, mgr.Lock(ctx))
}
