package relay

import "time"

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusRunning         RunStatus = "running"
	RunStatusStopped         RunStatus = "stopped"
	RunStatusFailed          RunStatus = "failed"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusAgentTerminated RunStatus = "agent_terminated"
)

// Terminal reports whether the status is a terminal state. A run is
// created in running and moves to exactly one terminal state.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// Run is a single top-to-bottom LLM-driven execution attached to one
// thread. InstanceID identifies the worker process that currently owns
// the run.
type Run struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	InstanceID  string     `json:"instance_id,omitempty"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`

	AgentID        string `json:"agent_id,omitempty"`
	AgentVersionID string `json:"agent_version_id,omitempty"`
}

// CanTransition reports whether moving from the run's current status to
// next is a legal transition. Transitions are monotonic: running may
// move to any terminal state, terminal states never move.
func (r *Run) CanTransition(next RunStatus) bool {
	return r.Status == RunStatusRunning && next.Terminal()
}
