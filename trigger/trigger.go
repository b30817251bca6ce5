// Package trigger manages the bindings between external events and
// agent execution: trigger records and their providers (schedule,
// webhook), validation and provider lifecycle, and the execution bridge
// that turns an inbound event into a fresh agent run or a structured
// workflow execution.
package trigger

import (
	"encoding/json"
	"time"

	"github.com/everydev1618/relay/store"
)

// Type classifies triggers by their event source.
type Type string

const (
	TypeSchedule Type = "schedule"
	TypeWebhook  Type = "webhook"
	TypeEvent    Type = "event"
)

// Trigger is a declarative binding of an external event to either an
// agent prompt or a workflow execution. Config is provider-specific and
// must pass the provider's validator.
type Trigger struct {
	ID          string         `json:"trigger_id"`
	AgentID     string         `json:"agent_id"`
	ProviderID  string         `json:"provider_id"`
	Type        Type           `json:"trigger_type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	IsActive    bool           `json:"is_active"`
	Config      map[string]any `json:"config"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Event is one inbound occurrence delivered to a trigger.
type Event struct {
	TriggerID string         `json:"trigger_id"`
	AgentID   string         `json:"agent_id"`
	Type      Type           `json:"trigger_type"`
	RawData   map[string]any `json:"raw_data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Result is a provider's decision for one event.
type Result struct {
	Success               bool           `json:"success"`
	ShouldExecuteAgent    bool           `json:"should_execute_agent"`
	ShouldExecuteWorkflow bool           `json:"should_execute_workflow"`
	AgentPrompt           string         `json:"agent_prompt,omitempty"`
	WorkflowID            string         `json:"workflow_id,omitempty"`
	WorkflowInput         map[string]any `json:"workflow_input,omitempty"`
	ExecutionVariables    map[string]any `json:"execution_variables,omitempty"`
	ErrorMessage          string         `json:"error_message,omitempty"`
}

// toRecord converts a trigger to its stored form.
func toRecord(t *Trigger) (store.TriggerRecord, error) {
	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return store.TriggerRecord{}, err
	}
	return store.TriggerRecord{
		ID:          t.ID,
		AgentID:     t.AgentID,
		ProviderID:  t.ProviderID,
		TriggerType: string(t.Type),
		Name:        t.Name,
		Description: t.Description,
		IsActive:    t.IsActive,
		ConfigJSON:  string(configJSON),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}, nil
}

// fromRecord converts a stored record back to a trigger.
func fromRecord(r *store.TriggerRecord) *Trigger {
	t := &Trigger{
		ID:          r.ID,
		AgentID:     r.AgentID,
		ProviderID:  r.ProviderID,
		Type:        Type(r.TriggerType),
		Name:        r.Name,
		Description: r.Description,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.ConfigJSON), &t.Config); err != nil {
		t.Config = map[string]any{}
	}
	return t
}
