package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/picklr-io/lakestack/internal/ir"
)

// DefaultPath is where the local backend keeps state, relative to the stack.
const DefaultPath = ".lakestack/state.json"

// ErrLineageMismatch is returned when writing state over a file that belongs
// to a different stack instance.
var ErrLineageMismatch = errors.New("state lineage mismatch")

// Manager handles reading and writing of local state.
type Manager struct {
	path string
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the state file location.
func (m *Manager) Path() string { return m.path }

// Read loads the state from the configured path.
// If the state file is encrypted, it is transparently decrypted before loading.
func (m *Manager) Read(ctx context.Context) (*ir.State, error) {
	raw, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return ir.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", m.path, err)
	}

	content, err := DecryptState(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state: %w", err)
	}

	state, err := Decode(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load state from %s: %w", m.path, err)
	}
	return state, nil
}

// Write saves the state to the configured path, replacing the file
// atomically. If LAKESTACK_STATE_ENCRYPTION_KEY is set, the file is
// transparently encrypted.
func (m *Manager) Write(ctx context.Context, state *ir.State) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if existing, err := m.Read(ctx); err == nil {
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

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encrypted); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file %s: %w", m.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", m.path, err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", m.path, err)
	}
	return nil
}

// Encode renders state as indented JSON.
func Encode(state *ir.State) ([]byte, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses JSON state. Empty input yields an empty state.
func Decode(data []byte) (*ir.State, error) {
	state := ir.NewState()
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	if state.Version == 0 {
		state.Version = 1
	}
	return state, nil
}

func checkLineage(existing, next *ir.State) error {
	if existing.Lineage != "" && next.Lineage != "" && existing.Lineage != next.Lineage {
		return fmt.Errorf("%w: stored %s, writing %s", ErrLineageMismatch, existing.Lineage, next.Lineage)
	}
	return nil
}
