package ir

import (
	"fmt"
	"time"
)

// Config is a loaded stack: declarations plus everything needed to run them.
type Config struct {
	Name      string                 `pkl:"name" yaml:"name" json:"name"`
	Variables map[string]any         `pkl:"variables" yaml:"variables,omitempty" json:"variables,omitempty"`
	Backend   *BackendConfig         `pkl:"backend" yaml:"backend,omitempty" json:"backend,omitempty"`
	Settings  *Settings              `pkl:"settings" yaml:"settings,omitempty" json:"settings,omitempty"`
	Resources []*Declaration         `pkl:"resources" yaml:"resources" json:"resources" validate:"dive"`
	Outputs   map[string]*OutputDecl `pkl:"outputs" yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// OutputDecl binds an exported name to a reference or a template containing references.
type OutputDecl struct {
	Value       any    `pkl:"value" yaml:"value" json:"value"`
	Description string `pkl:"description" yaml:"description,omitempty" json:"description,omitempty"`
	Sensitive   bool   `pkl:"sensitive" yaml:"sensitive,omitempty" json:"sensitive,omitempty"`
}

// BackendConfig selects where state is stored.
type BackendConfig struct {
	Type   string            `pkl:"type" yaml:"type" json:"type" validate:"omitempty,oneof=local s3"`
	Config map[string]string `pkl:"config" yaml:"config,omitempty" json:"config,omitempty"`
}

// Settings tunes the executor for a stack.
type Settings struct {
	Parallelism int          `pkl:"parallelism" yaml:"parallelism,omitempty" json:"parallelism,omitempty" validate:"gte=0,lte=256"`
	Retry       *RetryConfig `pkl:"retry" yaml:"retry,omitempty" json:"retry,omitempty"`
}

type RetryConfig struct {
	MaxRetries int    `pkl:"maxRetries" yaml:"maxRetries,omitempty" json:"maxRetries,omitempty" validate:"gte=0,lte=20"`
	BaseDelay  string `pkl:"baseDelay" yaml:"baseDelay,omitempty" json:"baseDelay,omitempty"`
	MaxDelay   string `pkl:"maxDelay" yaml:"maxDelay,omitempty" json:"maxDelay,omitempty"`
}

// Durations parses the configured delays, returning zero for unset values.
func (r *RetryConfig) Durations() (base, max time.Duration, err error) {
	if r == nil {
		return 0, 0, nil
	}
	if r.BaseDelay != "" {
		if base, err = time.ParseDuration(r.BaseDelay); err != nil {
			return 0, 0, fmt.Errorf("invalid retry.baseDelay %q: %w", r.BaseDelay, err)
		}
	}
	if r.MaxDelay != "" {
		if max, err = time.ParseDuration(r.MaxDelay); err != nil {
			return 0, 0, fmt.Errorf("invalid retry.maxDelay %q: %w", r.MaxDelay, err)
		}
	}
	return base, max, nil
}
