package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// ScheduleInfo describes one registered schedule on the external
// scheduler.
type ScheduleInfo struct {
	ID          string
	Destination string
	Cron        string
}

// Scheduler is the external scheduling service the schedule provider
// drives: it fires recurring HTTP deliveries at a destination URL.
type Scheduler interface {
	// Schedule registers a recurring delivery and returns its id.
	Schedule(ctx context.Context, destinationURL, cronExpr string, body []byte, headers map[string]string) (string, error)

	// Delete removes a schedule by id.
	Delete(ctx context.Context, scheduleID string) error

	// List enumerates registered schedules.
	List(ctx context.Context) ([]ScheduleInfo, error)
}

// ScheduleProvider binds triggers to the external scheduler, pointed at
// the system's own webhook ingress.
type ScheduleProvider struct {
	scheduler      Scheduler
	webhookBaseURL string
}

// NewScheduleProvider creates the schedule provider. webhookBaseURL is
// the externally reachable base of this service's trigger webhooks.
func NewScheduleProvider(scheduler Scheduler, webhookBaseURL string) *ScheduleProvider {
	return &ScheduleProvider{
		scheduler:      scheduler,
		webhookBaseURL: webhookBaseURL,
	}
}

// ProviderID identifies this provider.
func (p *ScheduleProvider) ProviderID() string { return "schedule" }

// TriggerType is the trigger type this provider serves.
func (p *ScheduleProvider) TriggerType() Type { return TypeSchedule }

// webhookURL is the delivery destination for one trigger.
func (p *ScheduleProvider) webhookURL(triggerID string) string {
	return fmt.Sprintf("%s/api/triggers/%s/webhook", p.webhookBaseURL, triggerID)
}

// ValidateConfig enforces the schedule config contract: a valid cron
// expression, a known execution type with its required directive, and
// an optional resolvable timezone.
func (p *ScheduleProvider) ValidateConfig(config map[string]any) (map[string]any, error) {
	if p.scheduler == nil {
		return nil, configError("no scheduler configured for scheduled triggers")
	}

	cronExpr, _ := config["cron_expression"].(string)
	if cronExpr == "" {
		return nil, configError("cron_expression is required for scheduled triggers")
	}
	if err := ValidateCron(cronExpr); err != nil {
		return nil, configError("invalid cron expression: %s", err.Error())
	}

	executionType, _ := config["execution_type"].(string)
	if executionType == "" {
		executionType = "agent"
		config["execution_type"] = executionType
	}
	switch executionType {
	case "agent":
		if prompt, _ := config["agent_prompt"].(string); prompt == "" {
			return nil, configError("agent_prompt is required for agent execution")
		}
	case "workflow":
		if workflowID, _ := config["workflow_id"].(string); workflowID == "" {
			return nil, configError("workflow_id is required for workflow execution")
		}
	default:
		return nil, configError("execution_type must be either 'agent' or 'workflow'")
	}

	if tz, _ := config["timezone"].(string); tz != "" && tz != "UTC" {
		if err := ValidateTimezone(tz); err != nil {
			return nil, configError("invalid timezone: %s", tz)
		}
	}

	return config, nil
}

// Setup registers the recurring job with the external scheduler and
// records its id in the trigger config.
func (p *ScheduleProvider) Setup(ctx context.Context, t *Trigger) error {
	cronExpr, _ := t.Config["cron_expression"].(string)
	timezone, _ := t.Config["timezone"].(string)
	if timezone != "" && timezone != "UTC" {
		cronExpr = ConvertCronToUTC(cronExpr, timezone)
	}

	payload := map[string]any{
		"trigger_id":     t.ID,
		"agent_id":       t.AgentID,
		"execution_type": t.Config["execution_type"],
		"agent_prompt":   t.Config["agent_prompt"],
		"workflow_id":    t.Config["workflow_id"],
		"workflow_input": t.Config["workflow_input"],
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal schedule payload: %w", err)
	}

	headers := map[string]string{
		"Content-Type":     "application/json",
		"X-Trigger-Source": "schedule",
	}

	scheduleID, err := p.scheduler.Schedule(ctx, p.webhookURL(t.ID), cronExpr, body, headers)
	if err != nil {
		return fmt.Errorf("register schedule for trigger %s: %w", t.ID, err)
	}

	t.Config["schedule_id"] = scheduleID
	slog.Info("trigger: schedule registered", "trigger_id", t.ID, "schedule_id", scheduleID, "cron", cronExpr)
	return nil
}

// Teardown deletes the registered schedule: by stored id first, then by
// destination URL as a fallback.
func (p *ScheduleProvider) Teardown(ctx context.Context, t *Trigger) error {
	if scheduleID, _ := t.Config["schedule_id"].(string); scheduleID != "" {
		if err := p.scheduler.Delete(ctx, scheduleID); err == nil {
			slog.Info("trigger: schedule deleted", "trigger_id", t.ID, "schedule_id", scheduleID)
			return nil
		} else {
			slog.Warn("trigger: delete schedule by id failed, falling back to URL match", "trigger_id", t.ID, "schedule_id", scheduleID, "error", err)
		}
	}

	schedules, err := p.scheduler.List(ctx)
	if err != nil {
		return fmt.Errorf("list schedules for trigger %s: %w", t.ID, err)
	}
	destination := p.webhookURL(t.ID)
	for _, s := range schedules {
		if s.Destination == destination {
			if err := p.scheduler.Delete(ctx, s.ID); err != nil {
				return fmt.Errorf("delete schedule %s: %w", s.ID, err)
			}
			slog.Info("trigger: schedule deleted by URL match", "trigger_id", t.ID, "schedule_id", s.ID)
			return nil
		}
	}

	slog.Warn("trigger: no schedule found during teardown", "trigger_id", t.ID)
	return nil
}

// ProcessEvent passes the stored execution directive through as the
// event's decision.
func (p *ScheduleProvider) ProcessEvent(ctx context.Context, t *Trigger, event Event) Result {
	executionType, _ := event.RawData["execution_type"].(string)
	if executionType == "" {
		executionType = "agent"
	}

	variables := map[string]any{
		"scheduled_time": event.RawData["timestamp"],
		"trigger_id":     event.TriggerID,
		"agent_id":       event.AgentID,
	}

	if executionType == "workflow" {
		workflowID, _ := event.RawData["workflow_id"].(string)
		if workflowID == "" {
			return Result{Success: false, ErrorMessage: "workflow_id is required for workflow execution"}
		}
		input, _ := event.RawData["workflow_input"].(map[string]any)
		return Result{
			Success:               true,
			ShouldExecuteWorkflow: true,
			WorkflowID:            workflowID,
			WorkflowInput:         input,
			ExecutionVariables:    variables,
		}
	}

	prompt, _ := event.RawData["agent_prompt"].(string)
	if prompt == "" {
		return Result{Success: false, ErrorMessage: "agent_prompt is required for agent execution"}
	}
	return Result{
		Success:            true,
		ShouldExecuteAgent: true,
		AgentPrompt:        prompt,
		ExecutionVariables: variables,
	}
}

// HealthCheck verifies the trigger's schedule still exists.
func (p *ScheduleProvider) HealthCheck(ctx context.Context, t *Trigger) bool {
	scheduleID, _ := t.Config["schedule_id"].(string)
	if scheduleID == "" {
		return false
	}
	schedules, err := p.scheduler.List(ctx)
	if err != nil {
		return false
	}
	for _, s := range schedules {
		if s.ID == scheduleID {
			return true
		}
	}
	return false
}
