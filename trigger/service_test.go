package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/everydev1618/relay/store"
)

// fakeScheduler records schedules in memory.
type fakeScheduler struct {
	mu        sync.Mutex
	next      int
	schedules map[string]ScheduleInfo
	failNext  bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{schedules: make(map[string]ScheduleInfo)}
}

func (f *fakeScheduler) Schedule(ctx context.Context, destinationURL, cronExpr string, body []byte, headers map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", fmt.Errorf("scheduler unavailable")
	}
	f.next++
	id := fmt.Sprintf("sched-%d", f.next)
	f.schedules[id] = ScheduleInfo{ID: id, Destination: destinationURL, Cron: cronExpr}
	return id, nil
}

func (f *fakeScheduler) Delete(ctx context.Context, scheduleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.schedules[scheduleID]; !ok {
		return fmt.Errorf("schedule %q not found", scheduleID)
	}
	delete(f.schedules, scheduleID)
	return nil
}

func (f *fakeScheduler) List(ctx context.Context) ([]ScheduleInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(f.schedules))
	for _, s := range f.schedules {
		out = append(out, s)
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *fakeScheduler, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}

	sched := newFakeScheduler()
	svc := NewService(st,
		NewScheduleProvider(sched, "http://localhost:3000"),
		NewWebhookProvider(),
	)
	return svc, sched, st
}

func TestScheduleTriggerLifecycle(t *testing.T) {
	svc, sched, _ := newTestService(t)
	ctx := context.Background()

	config := map[string]any{
		"cron_expression": "0 9 * * 1-5",
		"timezone":        "America/Los_Angeles",
		"execution_type":  "agent",
		"agent_prompt":    "Daily brief",
	}

	created, err := svc.Create(ctx, "agent-1", "schedule", "daily-brief", "", config)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if !created.IsActive {
		t.Error("new trigger should be active")
	}
	scheduleID, _ := created.Config["schedule_id"].(string)
	if scheduleID == "" {
		t.Fatal("setup did not record a schedule id")
	}
	if len(sched.schedules) != 1 {
		t.Fatalf("scheduler has %d schedules, want 1", len(sched.schedules))
	}
	info := sched.schedules[scheduleID]
	if !strings.Contains(info.Destination, created.ID) {
		t.Errorf("schedule destination %q does not target the trigger webhook", info.Destination)
	}

	// The stored record reflects the provider state.
	loaded, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got, _ := loaded.Config["schedule_id"].(string); got != scheduleID {
		t.Errorf("persisted schedule_id = %q, want %q", got, scheduleID)
	}

	// Firing the trigger yields an agent execution decision.
	result, err := svc.ProcessEvent(ctx, created.ID, map[string]any{
		"execution_type": "agent",
		"agent_prompt":   "Daily brief",
	})
	if err != nil {
		t.Fatalf("ProcessEvent() error: %v", err)
	}
	if !result.Success || !result.ShouldExecuteAgent {
		t.Fatalf("result = %+v, want agent execution", result)
	}
	if result.AgentPrompt != "Daily brief" {
		t.Errorf("AgentPrompt = %q", result.AgentPrompt)
	}

	// The event is logged.
	logs, err := svc.EventLogs(ctx, created.ID, 10)
	if err != nil {
		t.Fatalf("EventLogs() error: %v", err)
	}
	if len(logs) != 1 || logs[0].Decision != "agent" || !logs[0].Success {
		t.Errorf("logs = %+v, want one successful agent decision", logs)
	}

	// Delete tears the schedule down before removing the record.
	if err := svc.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if len(sched.schedules) != 0 {
		t.Errorf("scheduler still has %d schedules after delete", len(sched.schedules))
	}
	if _, err := svc.Get(ctx, created.ID); err == nil {
		t.Error("trigger still readable after delete")
	}
}

func TestScheduleValidateConfig(t *testing.T) {
	provider := NewScheduleProvider(newFakeScheduler(), "http://localhost:3000")

	if _, err := provider.ValidateConfig(map[string]any{"execution_type": "agent", "agent_prompt": "x"}); err == nil {
		t.Error("missing cron_expression accepted")
	}
	if _, err := provider.ValidateConfig(map[string]any{"cron_expression": "0 9 * * *", "execution_type": "agent"}); err == nil {
		t.Error("agent execution without agent_prompt accepted")
	}
	if _, err := provider.ValidateConfig(map[string]any{"cron_expression": "0 9 * * *", "execution_type": "workflow"}); err == nil {
		t.Error("workflow execution without workflow_id accepted")
	}
	if _, err := provider.ValidateConfig(map[string]any{
		"cron_expression": "0 9 * * *",
		"execution_type":  "agent",
		"agent_prompt":    "x",
		"timezone":        "Fake/Zone",
	}); err == nil {
		t.Error("bad timezone accepted")
	}
	config, err := provider.ValidateConfig(map[string]any{
		"cron_expression": "0 9 * * *",
		"agent_prompt":    "x",
	})
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if config["execution_type"] != "agent" {
		t.Errorf("execution_type default = %v, want agent", config["execution_type"])
	}
}

func TestCreateRollsBackOnSetupFailure(t *testing.T) {
	svc, sched, _ := newTestService(t)
	sched.failNext = true

	_, err := svc.Create(context.Background(), "agent-1", "schedule", "broken", "", map[string]any{
		"cron_expression": "0 9 * * *",
		"execution_type":  "agent",
		"agent_prompt":    "x",
	})
	if err == nil {
		t.Fatal("Create() should fail when setup fails")
	}

	triggers, err := svc.ListByAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("ListByAgent() error: %v", err)
	}
	if len(triggers) != 0 {
		t.Errorf("record left behind after failed setup: %+v", triggers)
	}
}

func TestUpdateRebindsSchedule(t *testing.T) {
	svc, sched, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "agent-1", "schedule", "job", "", map[string]any{
		"cron_expression": "0 9 * * *",
		"execution_type":  "agent",
		"agent_prompt":    "x",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	oldID, _ := created.Config["schedule_id"].(string)

	updated, err := svc.Update(ctx, created.ID, UpdateInput{Config: map[string]any{
		"cron_expression": "0 18 * * *",
		"execution_type":  "agent",
		"agent_prompt":    "x",
	}})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	newID, _ := updated.Config["schedule_id"].(string)
	if newID == "" || newID == oldID {
		t.Errorf("rebind did not produce a fresh schedule: old=%q new=%q", oldID, newID)
	}
	if _, ok := sched.schedules[oldID]; ok {
		t.Error("old schedule not torn down")
	}
	if info := sched.schedules[newID]; info.Cron != "0 18 * * *" {
		t.Errorf("new schedule cron = %q", info.Cron)
	}
}

func TestWebhookProviderProcessEvent(t *testing.T) {
	provider := NewWebhookProvider()
	result := provider.ProcessEvent(context.Background(), &Trigger{ID: "t-1", AgentID: "a-1"}, Event{
		TriggerID: "t-1",
		AgentID:   "a-1",
		RawData:   map[string]any{"order_id": "42"},
	})
	if !result.Success || !result.ShouldExecuteAgent {
		t.Fatalf("result = %+v", result)
	}
	if !strings.HasPrefix(result.AgentPrompt, "Process webhook data: ") {
		t.Errorf("AgentPrompt = %q", result.AgentPrompt)
	}
	if !strings.Contains(result.AgentPrompt, `"order_id":"42"`) {
		t.Errorf("payload missing from prompt: %q", result.AgentPrompt)
	}
}

func TestInactiveTriggerRefusesEvents(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "agent-1", "webhook", "hook", "", map[string]any{})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	inactive := false
	if _, err := svc.Update(ctx, created.ID, UpdateInput{IsActive: &inactive}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	result, err := svc.ProcessEvent(ctx, created.ID, map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("ProcessEvent() error: %v", err)
	}
	if result.Success {
		t.Error("inactive trigger should refuse events")
	}
}
