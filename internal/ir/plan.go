package ir

// Action is the reconciliation decision for one resource.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionReplace Action = "REPLACE"
	ActionDelete  Action = "DELETE"
	ActionNoOp    Action = "NOOP"
)

// ReplaceStrategy orders the two halves of a replacement.
type ReplaceStrategy string

const (
	// CreateBeforeDestroy provisions the new resource and deletes the old one once it is Ready.
	CreateBeforeDestroy ReplaceStrategy = "create-before-destroy"
	// DeleteBeforeCreate deletes first, for kinds that cannot coexist with their replacement.
	DeleteBeforeCreate ReplaceStrategy = "delete-before-create"
)

// Plan represents a calculated execution plan.
type Plan struct {
	Metadata *PlanMetadata     `json:"metadata"`
	Changes  []*ResourceChange `json:"changes"`
	Layers   [][]string        `json:"layers"`
	Summary  *PlanSummary      `json:"summary"`
}

type PlanMetadata struct {
	Timestamp      string `json:"timestamp"`
	ConfigHash     string `json:"configHash"`
	PriorStateHash string `json:"priorStateHash,omitempty"`
}

type ResourceChange struct {
	ID       string                   `json:"id"`
	Kind     string                   `json:"kind"`
	Action   Action                   `json:"action"`
	Strategy ReplaceStrategy          `json:"strategy,omitempty"`
	Reason   string                   `json:"reason,omitempty"`
	Desired  *Declaration             `json:"desired,omitempty"`
	Prior    *ResourceState           `json:"prior,omitempty"`
	Diff     map[string]*PropertyDiff `json:"diff,omitempty"`
}

type PropertyDiff struct {
	Before            any    `json:"before,omitempty"`
	After             any    `json:"after,omitempty"`
	Unknown           bool   `json:"unknown,omitempty"` // value only known after apply
	ForcesReplacement bool   `json:"forcesReplacement,omitempty"`
	Drift             bool   `json:"drift,omitempty"` // observed value differs from last-applied
	Action            string `json:"action"`          // "create", "update", "delete"
}

type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Delete  int `json:"delete"`
	Replace int `json:"replace"`
	NoOp    int `json:"noop"`
}

// Count adds one change of the given action to the summary.
func (s *PlanSummary) Count(a Action) {
	switch a {
	case ActionCreate:
		s.Create++
	case ActionUpdate:
		s.Update++
	case ActionReplace:
		s.Replace++
	case ActionDelete:
		s.Delete++
	default:
		s.NoOp++
	}
}

// HasChanges reports whether applying the plan would call a provider mutation.
func (p *Plan) HasChanges() bool {
	for _, c := range p.Changes {
		if c.Action != ActionNoOp {
			return true
		}
	}
	return false
}
