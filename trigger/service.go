package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/relay/store"
)

// Service is the trigger façade: it owns trigger records, dispatches to
// providers by provider id, and logs every processed event.
type Service struct {
	store     store.Store
	providers map[string]Provider
}

// NewService creates a Service with the given providers.
func NewService(st store.Store, providers ...Provider) *Service {
	byID := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byID[p.ProviderID()] = p
	}
	return &Service{store: st, providers: byID}
}

// Provider returns the provider registered under id.
func (s *Service) Provider(id string) (Provider, bool) {
	p, ok := s.providers[id]
	return p, ok
}

// Create validates a trigger config against its provider, persists the
// record, and sets up the provider binding. A failed setup rolls the
// record back.
func (s *Service) Create(ctx context.Context, agentID, providerID, name, description string, config map[string]any) (*Trigger, error) {
	provider, ok := s.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("unknown trigger provider %q", providerID)
	}

	validated, err := provider.ValidateConfig(config)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &Trigger{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		ProviderID:  providerID,
		Type:        provider.TriggerType(),
		Name:        name,
		Description: description,
		IsActive:    true,
		Config:      validated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	record, err := toRecord(t)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateTrigger(ctx, record); err != nil {
		return nil, fmt.Errorf("save trigger: %w", err)
	}

	if err := provider.Setup(ctx, t); err != nil {
		if delErr := s.store.DeleteTrigger(ctx, t.ID); delErr != nil {
			slog.Warn("trigger: rollback after failed setup failed", "trigger_id", t.ID, "error", delErr)
		}
		return nil, fmt.Errorf("setup trigger: %w", err)
	}

	// Setup may have written provider state (schedule id) into config.
	if err := s.persist(ctx, t); err != nil {
		slog.Warn("trigger: failed to persist provider state", "trigger_id", t.ID, "error", err)
	}

	slog.Info("trigger: created", "trigger_id", t.ID, "agent_id", agentID, "provider", providerID)
	return t, nil
}

// Get returns a trigger by id.
func (s *Service) Get(ctx context.Context, triggerID string) (*Trigger, error) {
	record, err := s.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return nil, err
	}
	return fromRecord(record), nil
}

// ListByAgent returns an agent's triggers.
func (s *Service) ListByAgent(ctx context.Context, agentID string) ([]*Trigger, error) {
	records, err := s.store.ListTriggersByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	out := make([]*Trigger, 0, len(records))
	for i := range records {
		out = append(out, fromRecord(&records[i]))
	}
	return out, nil
}

// UpdateInput carries the mutable trigger fields; nil pointers leave a
// field untouched.
type UpdateInput struct {
	Name        *string
	Description *string
	IsActive    *bool
	Config      map[string]any
}

// Update rewrites a trigger. A config change or a re-activation first
// tears down the old provider binding and sets it up anew; a failed
// setup aborts the update.
func (s *Service) Update(ctx context.Context, triggerID string, in UpdateInput) (*Trigger, error) {
	t, err := s.Get(ctx, triggerID)
	if err != nil {
		return nil, err
	}
	provider, ok := s.providers[t.ProviderID]
	if !ok {
		return nil, fmt.Errorf("unknown trigger provider %q", t.ProviderID)
	}

	rebind := false
	var newConfig map[string]any
	if in.Config != nil {
		validated, err := provider.ValidateConfig(in.Config)
		if err != nil {
			return nil, err
		}
		newConfig = validated
		rebind = true
	}
	if in.Name != nil {
		t.Name = *in.Name
	}
	if in.Description != nil {
		t.Description = *in.Description
	}
	if in.IsActive != nil {
		if *in.IsActive && !t.IsActive {
			rebind = true
		}
		t.IsActive = *in.IsActive
	}

	if rebind {
		// Tear down with the old config so stored provider state
		// (schedule ids) is still visible.
		if err := provider.Teardown(ctx, t); err != nil {
			slog.Warn("trigger: teardown before rebind failed", "trigger_id", t.ID, "error", err)
		}
		if newConfig != nil {
			t.Config = newConfig
		}
		if t.IsActive {
			if err := provider.Setup(ctx, t); err != nil {
				return nil, fmt.Errorf("setup trigger: %w", err)
			}
		}
	} else if newConfig != nil {
		t.Config = newConfig
	}

	t.UpdatedAt = time.Now().UTC()
	if err := s.persist(ctx, t); err != nil {
		return nil, err
	}

	slog.Info("trigger: updated", "trigger_id", t.ID, "active", t.IsActive)
	return t, nil
}

// Delete tears down the provider binding, then removes the record.
func (s *Service) Delete(ctx context.Context, triggerID string) error {
	t, err := s.Get(ctx, triggerID)
	if err != nil {
		return err
	}
	if provider, ok := s.providers[t.ProviderID]; ok {
		if err := provider.Teardown(ctx, t); err != nil {
			slog.Warn("trigger: teardown failed during delete", "trigger_id", t.ID, "error", err)
		}
	}
	if err := s.store.DeleteTrigger(ctx, triggerID); err != nil {
		return err
	}
	slog.Info("trigger: deleted", "trigger_id", triggerID)
	return nil
}

// ProcessEvent converts an inbound event into an execution decision and
// logs it. Inactive triggers refuse events.
func (s *Service) ProcessEvent(ctx context.Context, triggerID string, rawData map[string]any) (*Result, error) {
	t, err := s.Get(ctx, triggerID)
	if err != nil {
		return nil, err
	}

	event := Event{
		TriggerID: t.ID,
		AgentID:   t.AgentID,
		Type:      t.Type,
		RawData:   rawData,
		Timestamp: time.Now().UTC(),
	}

	var result Result
	if !t.IsActive {
		result = Result{Success: false, ErrorMessage: "trigger is not active"}
	} else if provider, ok := s.providers[t.ProviderID]; ok {
		result = provider.ProcessEvent(ctx, t, event)
	} else {
		result = Result{Success: false, ErrorMessage: fmt.Sprintf("unknown trigger provider %q", t.ProviderID)}
	}

	s.logEvent(ctx, event, result)
	return &result, nil
}

// EventLogs returns the trigger's processed-event log, newest first.
func (s *Service) EventLogs(ctx context.Context, triggerID string, limit int) ([]store.TriggerEventLog, error) {
	return s.store.ListTriggerEvents(ctx, triggerID, limit)
}

// HealthCheck reports whether the trigger's provider binding is
// healthy.
func (s *Service) HealthCheck(ctx context.Context, triggerID string) (bool, error) {
	t, err := s.Get(ctx, triggerID)
	if err != nil {
		return false, err
	}
	provider, ok := s.providers[t.ProviderID]
	if !ok {
		return false, nil
	}
	return provider.HealthCheck(ctx, t), nil
}

func (s *Service) persist(ctx context.Context, t *Trigger) error {
	record, err := toRecord(t)
	if err != nil {
		return err
	}
	return s.store.UpdateTrigger(ctx, record)
}

func (s *Service) logEvent(ctx context.Context, event Event, result Result) {
	rawData, err := json.Marshal(event.RawData)
	if err != nil {
		rawData = []byte("{}")
	}
	decision := "none"
	if result.ShouldExecuteWorkflow {
		decision = "workflow"
	} else if result.ShouldExecuteAgent {
		decision = "agent"
	}
	inputJSON := ""
	if result.WorkflowInput != nil {
		if data, err := json.Marshal(result.WorkflowInput); err == nil {
			inputJSON = string(data)
		}
	}

	entry := store.TriggerEventLog{
		TriggerID:    event.TriggerID,
		AgentID:      event.AgentID,
		TriggerType:  string(event.Type),
		RawDataJSON:  string(rawData),
		Success:      result.Success,
		Decision:     decision,
		AgentPrompt:  result.AgentPrompt,
		WorkflowID:   result.WorkflowID,
		InputJSON:    inputJSON,
		ErrorMessage: result.ErrorMessage,
		Timestamp:    event.Timestamp,
	}
	if err := s.store.AppendTriggerEvent(ctx, entry); err != nil {
		slog.Warn("trigger: failed to log event", "trigger_id", event.TriggerID, "error", err)
	}
}
