package ir

import "time"

// Report is the outcome of a run. Node failures are recorded here rather
// than returned as errors.
type Report struct {
	RunID      string                  `json:"runId"`
	Command    string                  `json:"command"`
	Stack      string                  `json:"stack,omitempty"`
	StartedAt  time.Time               `json:"startedAt"`
	FinishedAt time.Time               `json:"finishedAt"`
	Cancelled  bool                    `json:"cancelled,omitempty"`
	Nodes      []*NodeResult           `json:"nodes"`
	Outputs    map[string]*OutputValue `json:"outputs,omitempty"`
}

// NodeResult records what happened to one resource.
type NodeResult struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Action     Action        `json:"action,omitempty"`
	Status     Status        `json:"status"`
	PhysicalID string        `json:"physicalId,omitempty"`
	Error      string        `json:"error,omitempty"`
	BlockedBy  string        `json:"blockedBy,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// OutputValue is an exported value, or an Unresolved marker with a reason.
type OutputValue struct {
	Value       any    `json:"value,omitempty"`
	Resolved    bool   `json:"resolved"`
	Reason      string `json:"reason,omitempty"`
	Description string `json:"description,omitempty"`
	Sensitive   bool   `json:"sensitive,omitempty"`
}

// ReportSummary counts node results by status.
type ReportSummary struct {
	Ready     int `json:"ready"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Pending   int `json:"pending"`
	Destroyed int `json:"destroyed"`
}

// Node returns the result for id, or nil.
func (r *Report) Node(id string) *NodeResult {
	for _, n := range r.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Summary counts node results by status.
func (r *Report) Summary() ReportSummary {
	var s ReportSummary
	for _, n := range r.Nodes {
		switch n.Status {
		case StatusReady:
			s.Ready++
		case StatusFailed:
			s.Failed++
		case StatusBlocked:
			s.Blocked++
		case StatusDestroyed:
			s.Destroyed++
		default:
			s.Pending++
		}
	}
	return s
}

// Succeeded reports whether every node reached a successful terminal status.
func (r *Report) Succeeded() bool {
	s := r.Summary()
	return !r.Cancelled && s.Failed == 0 && s.Blocked == 0 && s.Pending == 0
}

// Status classifies the run as "success", "partial" or "failed".
func (r *Report) Status() string {
	if r.Succeeded() {
		return "success"
	}
	s := r.Summary()
	if s.Ready+s.Destroyed == 0 && len(r.Nodes) > 0 {
		return "failed"
	}
	return "partial"
}
