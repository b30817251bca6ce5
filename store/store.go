// Package store persists the control plane's durable state: projects,
// threads, messages, runs, triggers and workflows. Only the logical
// operations are part of the contract; the SQLite implementation backs
// single-node deployments.
package store

import (
	"context"
	"time"

	"github.com/everydev1618/relay"
	"github.com/everydev1618/relay/llm"
)

// Project groups threads created for one sandboxed workspace.
type Project struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	AccountID  string    `json:"account_id,omitempty"`
	SandboxID  string    `json:"sandbox_id,omitempty"`
	SandboxURL string    `json:"sandbox_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Thread is a conversation container: a sequence of messages and zero
// or more runs.
type Thread struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is the configurable blueprint runs execute.
type Agent struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id,omitempty"`
	Name         string    `json:"name"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	VersionID    string    `json:"version_id,omitempty"`
	ToolNames    []string  `json:"tool_names,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Workflow is a persisted step-tree definition bound to an agent.
type Workflow struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status,omitempty"`
	StepsJSON   string    `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`
}

// TriggerRecord is the stored form of a trigger; Config is the
// provider-specific JSON blob.
type TriggerRecord struct {
	ID          string    `json:"trigger_id"`
	AgentID     string    `json:"agent_id"`
	ProviderID  string    `json:"provider_id"`
	TriggerType string    `json:"trigger_type"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	ConfigJSON  string    `json:"config"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TriggerEventLog records one processed trigger event and the decision
// taken for it.
type TriggerEventLog struct {
	ID           int64     `json:"id"`
	TriggerID    string    `json:"trigger_id"`
	AgentID      string    `json:"agent_id"`
	TriggerType  string    `json:"trigger_type"`
	RawDataJSON  string    `json:"raw_data"`
	Success      bool      `json:"success"`
	Decision     string    `json:"decision"`
	AgentPrompt  string    `json:"agent_prompt,omitempty"`
	WorkflowID   string    `json:"workflow_id,omitempty"`
	InputJSON    string    `json:"workflow_input,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Store is the persistence contract.
type Store interface {
	// Init creates tables if they don't exist.
	Init() error

	// Close closes the store.
	Close() error

	// CreateProject persists a project.
	CreateProject(ctx context.Context, p Project) error

	// UpdateProjectSandbox records the sandbox bound to a project.
	UpdateProjectSandbox(ctx context.Context, projectID, sandboxID, sandboxURL string) error

	// GetProject returns a project by id.
	GetProject(ctx context.Context, projectID string) (*Project, error)

	// CreateThread persists a thread.
	CreateThread(ctx context.Context, t Thread) error

	// GetThread returns a thread by id.
	GetThread(ctx context.Context, threadID string) (*Thread, error)

	// AddMessage persists a message and returns the stored row with
	// message id and timestamps filled in.
	AddMessage(ctx context.Context, threadID string, typ relay.ItemType, content map[string]any, isLLM bool, metadata map[string]any) (*relay.Item, error)

	// ListMessages returns a thread's messages in order.
	ListMessages(ctx context.Context, threadID string) ([]relay.Item, error)

	// LLMHistory returns the thread's LLM-facing messages converted to
	// prompt form.
	LLMHistory(ctx context.Context, threadID string) ([]llm.Message, error)

	// CreateRun inserts a run in running state.
	CreateRun(ctx context.Context, run relay.Run) error

	// GetRun returns a run by id.
	GetRun(ctx context.Context, runID string) (*relay.Run, error)

	// ListRunsByThread returns the thread's runs, newest first.
	ListRunsByThread(ctx context.Context, threadID string) ([]relay.Run, error)

	// UpdateRunStatus writes the terminal state and the responses
	// snapshot. Terminal transitions are monotonic: a run already in a
	// terminal state is left untouched.
	UpdateRunStatus(ctx context.Context, runID string, status relay.RunStatus, errMsg string, responses []relay.Item) error

	// UpsertAgent persists an agent definition.
	UpsertAgent(ctx context.Context, a Agent) error

	// GetAgent returns an agent by id.
	GetAgent(ctx context.Context, agentID string) (*Agent, error)

	// UpsertWorkflow persists a workflow definition.
	UpsertWorkflow(ctx context.Context, w Workflow) error

	// GetWorkflow returns a workflow by id.
	GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error)

	// CreateTrigger persists a trigger record.
	CreateTrigger(ctx context.Context, t TriggerRecord) error

	// UpdateTrigger rewrites a trigger record.
	UpdateTrigger(ctx context.Context, t TriggerRecord) error

	// GetTrigger returns a trigger by id.
	GetTrigger(ctx context.Context, triggerID string) (*TriggerRecord, error)

	// ListTriggersByAgent returns an agent's triggers.
	ListTriggersByAgent(ctx context.Context, agentID string) ([]TriggerRecord, error)

	// DeleteTrigger removes a trigger record.
	DeleteTrigger(ctx context.Context, triggerID string) error

	// AppendTriggerEvent records one processed trigger event.
	AppendTriggerEvent(ctx context.Context, e TriggerEventLog) error

	// ListTriggerEvents returns a trigger's event log, newest first.
	ListTriggerEvents(ctx context.Context, triggerID string, limit int) ([]TriggerEventLog, error)
}
