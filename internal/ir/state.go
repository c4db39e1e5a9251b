package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle position of a resource.
type Status string

const (
	StatusPending      Status = "Pending"
	StatusProvisioning Status = "Provisioning"
	StatusReady        Status = "Ready"
	StatusFailed       Status = "Failed"
	StatusDestroying   Status = "Destroying"
	StatusDestroyed    Status = "Destroyed"
	// StatusBlocked is only reported, never persisted: an ancestor failed.
	StatusBlocked Status = "Blocked"
)

// State represents the persistent state.
type State struct {
	Version   int              `json:"version"`
	Serial    int              `json:"serial"`
	Lineage   string           `json:"lineage"`
	Resources []*ResourceState `json:"resources"`
	Outputs   map[string]any   `json:"outputs,omitempty"`
}

type ResourceState struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Provider     string         `json:"provider"`
	PhysicalID   string         `json:"physicalId,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"` // last-applied, references resolved
	InputsHash   string         `json:"inputsHash,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"` // provider returned
	Dependencies []string       `json:"dependencies,omitempty"`
	Status       Status         `json:"status"`

	// PreventDestroy is copied from the declaration so orphans keep it.
	PreventDestroy bool      `json:"preventDestroy,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// NewState returns an empty state at the current schema version.
func NewState() *State {
	return &State{Version: 1}
}

// Find returns the resource with the given logical id.
func (s *State) Find(id string) *ResourceState {
	for _, r := range s.Resources {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Upsert replaces the resource with the same id or appends it.
func (s *State) Upsert(rs *ResourceState) {
	for i, r := range s.Resources {
		if r.ID == rs.ID {
			s.Resources[i] = rs
			return
		}
	}
	s.Resources = append(s.Resources, rs)
}

// Remove drops the resource with the given id, if present.
func (s *State) Remove(id string) {
	for i, r := range s.Resources {
		if r.ID == id {
			s.Resources = append(s.Resources[:i], s.Resources[i+1:]...)
			return
		}
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := &State{
		Version: s.Version,
		Serial:  s.Serial,
		Lineage: s.Lineage,
		Outputs: CopyMap(s.Outputs),
	}
	for _, r := range s.Resources {
		rc := *r
		rc.Inputs = CopyMap(r.Inputs)
		rc.Outputs = CopyMap(r.Outputs)
		rc.Dependencies = append([]string(nil), r.Dependencies...)
		c.Resources = append(c.Resources, &rc)
	}
	return c
}

// HashInputs returns the sha256 of the canonical JSON encoding of props.
// encoding/json sorts map keys, which makes the encoding canonical.
func HashInputs(props map[string]any) string {
	data, err := json.Marshal(props)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", props))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func stringify(v any) string {
	return fmt.Sprintf("%v", v)
}
