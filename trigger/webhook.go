package trigger

import (
	"context"
	"encoding/json"
	"fmt"
)

// WebhookProvider serves free-form webhook triggers. There is nothing
// to set up or tear down: the webhook ingress routes by trigger id.
type WebhookProvider struct{}

// NewWebhookProvider creates the webhook provider.
func NewWebhookProvider() *WebhookProvider { return &WebhookProvider{} }

// ProviderID identifies this provider.
func (p *WebhookProvider) ProviderID() string { return "webhook" }

// TriggerType is the trigger type this provider serves.
func (p *WebhookProvider) TriggerType() Type { return TypeWebhook }

// ValidateConfig accepts any config; webhook payloads are free-form.
func (p *WebhookProvider) ValidateConfig(config map[string]any) (map[string]any, error) {
	if config == nil {
		config = map[string]any{}
	}
	return config, nil
}

// Setup is a no-op.
func (p *WebhookProvider) Setup(ctx context.Context, t *Trigger) error { return nil }

// Teardown is a no-op.
func (p *WebhookProvider) Teardown(ctx context.Context, t *Trigger) error { return nil }

// ProcessEvent executes the agent with the webhook payload as prompt.
func (p *WebhookProvider) ProcessEvent(ctx context.Context, t *Trigger, event Event) Result {
	data, err := json.Marshal(event.RawData)
	if err != nil {
		return Result{Success: false, ErrorMessage: fmt.Sprintf("marshal webhook data: %s", err.Error())}
	}
	return Result{
		Success:            true,
		ShouldExecuteAgent: true,
		AgentPrompt:        fmt.Sprintf("Process webhook data: %s", data),
		ExecutionVariables: map[string]any{
			"trigger_id": event.TriggerID,
			"agent_id":   event.AgentID,
		},
	}
}

// HealthCheck always passes; there is no external binding.
func (p *WebhookProvider) HealthCheck(ctx context.Context, t *Trigger) bool { return true }
