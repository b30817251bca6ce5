package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/everydev1618/relay"
	"github.com/everydev1618/relay/buffer"
	"github.com/everydev1618/relay/llm"
	"github.com/everydev1618/relay/store"
	"github.com/everydev1618/relay/tools"
	"github.com/everydev1618/relay/worker"
)

// recordingLLM finishes immediately and keeps the last request.
type recordingLLM struct {
	mu      sync.Mutex
	lastReq llm.Request
}

func (r *recordingLLM) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	r.mu.Lock()
	r.lastReq = req
	r.mu.Unlock()

	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Delta: llm.Delta{Content: "Done."}}
	ch <- llm.Chunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func (r *recordingLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return nil, fmt.Errorf("not used")
}

func (r *recordingLLM) systemPrompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range r.lastReq.Messages {
		if msg.Role == llm.RoleSystem {
			return msg.Content
		}
	}
	return ""
}

func newTestExecutor(t *testing.T) (*Executor, *store.SQLite, *recordingLLM) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}

	broker := buffer.NewMemory()
	registry := relay.NewRegistry("inst-test", broker)
	transport := &recordingLLM{}
	w := worker.New(registry, broker, st, transport, tools.NewRegistry())

	return NewExecutor(st, w, "inst-test", "default-model"), st, transport
}

func waitForTerminalRun(t *testing.T, st *store.SQLite, threadID string) relay.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := st.ListRunsByThread(context.Background(), threadID)
		if err != nil {
			t.Fatalf("ListRunsByThread() error: %v", err)
		}
		if len(runs) == 1 && runs[0].Status.Terminal() {
			return runs[0]
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal state")
	return relay.Run{}
}

func TestExecuteAgentFromSchedule(t *testing.T) {
	exec, st, _ := newTestExecutor(t)
	ctx := context.Background()

	st.UpsertAgent(ctx, store.Agent{
		ID:           "agent-1",
		Name:         "Briefer",
		SystemPrompt: "You brief people.",
	})

	trig := &Trigger{ID: "t-1", AgentID: "agent-1", Type: TypeSchedule, Name: "daily"}
	execution, err := exec.Execute(ctx, trig, &Result{
		Success:            true,
		ShouldExecuteAgent: true,
		AgentPrompt:        "Daily brief",
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if execution.AgentID != "agent-1" || execution.ThreadID == "" || execution.ExecutionID == "" {
		t.Fatalf("execution = %+v", execution)
	}

	// The initial user message carries the trigger prompt.
	messages, err := st.ListMessages(ctx, execution.ThreadID)
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(messages) == 0 {
		t.Fatal("no messages in thread")
	}
	first := messages[0]
	if first.Type != "user" {
		t.Errorf("first message type = %q, want user", first.Type)
	}
	if content, _ := first.Content["content"].(string); content != "Daily brief" {
		t.Errorf("initial message = %q, want %q", content, "Daily brief")
	}

	run := waitForTerminalRun(t, st, execution.ThreadID)
	if run.Status != relay.RunStatusCompleted {
		t.Errorf("run status = %q, want completed", run.Status)
	}
	if run.ID != execution.ExecutionID {
		t.Errorf("run id %q != execution id %q", run.ID, execution.ExecutionID)
	}
}

func TestExecuteWorkflowAugmentsPrompt(t *testing.T) {
	exec, st, transport := newTestExecutor(t)
	ctx := context.Background()

	st.UpsertAgent(ctx, store.Agent{
		ID:           "agent-1",
		Name:         "Runner",
		SystemPrompt: "Base prompt.",
		ToolNames:    []string{"web_search", "ask"},
	})
	st.UpsertWorkflow(ctx, store.Workflow{
		ID:      "wf-1",
		AgentID: "agent-1",
		Name:    "Research",
		StepsJSON: `[
			{"name": "Fetch", "type": "instruction", "config": {"tool_name": "web_search"}},
			{"name": "Summarise", "type": "instruction"}
		]`,
	})

	trig := &Trigger{ID: "t-1", AgentID: "agent-1", Type: TypeSchedule, Name: "weekly"}
	execution, err := exec.Execute(ctx, trig, &Result{
		Success:               true,
		ShouldExecuteWorkflow: true,
		WorkflowID:            "wf-1",
		WorkflowInput:         map[string]any{"topic": "go"},
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if execution.WorkflowID != "wf-1" {
		t.Errorf("execution = %+v", execution)
	}

	messages, _ := st.ListMessages(ctx, execution.ThreadID)
	if len(messages) == 0 {
		t.Fatal("no messages in thread")
	}
	if content, _ := messages[0].Content["content"].(string); !strings.HasPrefix(content, "Execute workflow: Research") {
		t.Errorf("initial message = %q", content)
	}

	waitForTerminalRun(t, st, execution.ThreadID)

	system := transport.systemPrompt()
	if !strings.Contains(system, "Base prompt.") {
		t.Error("system prompt lost the agent's own prompt")
	}
	if !strings.Contains(system, "WORKFLOW EXECUTION MODE") {
		t.Error("system prompt missing workflow mode marker")
	}
	if !strings.Contains(system, `"tool": "web_search"`) {
		t.Error("workflow JSON missing the bound tool")
	}
	if !strings.Contains(system, `"total_steps": 2`) {
		t.Error("workflow JSON missing summary")
	}
	if !strings.Contains(system, `"has_conditional_logic": false`) {
		t.Error("workflow JSON missing conditional flag")
	}
}
