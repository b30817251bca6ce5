package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/relay"
	"github.com/everydev1618/relay/processor"
	"github.com/everydev1618/relay/store"
	"github.com/everydev1618/relay/tools"
	"github.com/everydev1618/relay/worker"
	"github.com/everydev1618/relay/workflow"
)

// SandboxCreator is the slice of the sandbox provider the execution
// bridge needs: it only waits for an id, a preview URL, and a
// workspace handle the run's file and shell tools bind to.
type SandboxCreator interface {
	Create(ctx context.Context, password, projectID string) (id, previewURL string, ws tools.Workspace, err error)
}

// Execution identifies a run started from a trigger.
type Execution struct {
	ExecutionID string `json:"execution_id"`
	ThreadID    string `json:"thread_id"`
	AgentID     string `json:"agent_id,omitempty"`
	WorkflowID  string `json:"workflow_id,omitempty"`
}

// Executor is the bridge from trigger decisions to agent runs: it
// scaffolds project and thread records, seeds the initial message, and
// enqueues the run worker.
type Executor struct {
	store        store.Store
	worker       *worker.Worker
	instanceID   string
	defaultModel string

	sandbox SandboxCreator
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSandbox enables sandbox creation for trigger-initiated projects.
func WithSandbox(sb SandboxCreator) ExecutorOption {
	return func(e *Executor) {
		e.sandbox = sb
	}
}

// NewExecutor creates an Executor.
func NewExecutor(st store.Store, w *worker.Worker, instanceID, defaultModel string, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:        st,
		worker:       w,
		instanceID:   instanceID,
		defaultModel: defaultModel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute turns a trigger decision into an agent or workflow run.
func (e *Executor) Execute(ctx context.Context, t *Trigger, result *Result) (*Execution, error) {
	if !result.Success {
		return nil, fmt.Errorf("trigger event failed: %s", result.ErrorMessage)
	}
	switch {
	case result.ShouldExecuteWorkflow:
		return e.executeWorkflow(ctx, t, result)
	case result.ShouldExecuteAgent:
		return e.executeAgent(ctx, t, result)
	}
	return nil, fmt.Errorf("trigger result requests no execution")
}

// executeAgent starts a fresh agent run seeded with the trigger prompt.
func (e *Executor) executeAgent(ctx context.Context, t *Trigger, result *Result) (*Execution, error) {
	agent, err := e.store.GetAgent(ctx, t.AgentID)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", t.AgentID, err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s not found", t.AgentID)
	}

	threadID, ws, err := e.createSession(ctx, agent, fmt.Sprintf("Trigger: %s", t.Name))
	if err != nil {
		return nil, err
	}

	if err := e.seedUserMessage(ctx, threadID, result.AgentPrompt); err != nil {
		return nil, err
	}

	runID, err := e.startRun(ctx, agent, threadID, "", ws)
	if err != nil {
		return nil, err
	}

	slog.Info("trigger: agent execution started", "trigger_id", t.ID, "agent_id", agent.ID, "run_id", runID)
	return &Execution{ExecutionID: runID, ThreadID: threadID, AgentID: agent.ID}, nil
}

// executeWorkflow starts a run whose system prompt is augmented with
// the workflow's rendered step tree.
func (e *Executor) executeWorkflow(ctx context.Context, t *Trigger, result *Result) (*Execution, error) {
	wf, err := e.store.GetWorkflow(ctx, result.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", result.WorkflowID, err)
	}
	if wf == nil {
		return nil, fmt.Errorf("workflow %s not found", result.WorkflowID)
	}

	agent, err := e.store.GetAgent(ctx, wf.AgentID)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", wf.AgentID, err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s not found", wf.AgentID)
	}

	steps, err := workflow.ParseSteps(wf.StepsJSON)
	if err != nil {
		return nil, fmt.Errorf("parse workflow steps: %w", err)
	}

	prompt := workflow.FormatForLLM(
		workflow.Definition{Name: wf.Name, Description: wf.Description},
		steps,
		result.WorkflowInput,
		agent.ToolNames,
	)
	augmentation := "--- WORKFLOW EXECUTION MODE ---\n" + prompt

	threadID, ws, err := e.createSession(ctx, agent, fmt.Sprintf("Workflow: %s", wf.Name))
	if err != nil {
		return nil, err
	}

	inputText := "None"
	if len(result.WorkflowInput) > 0 {
		if data, err := json.Marshal(result.WorkflowInput); err == nil {
			inputText = string(data)
		}
	}
	message := fmt.Sprintf("Execute workflow: %s\n\nInput: %s", wf.Name, inputText)
	if err := e.seedUserMessage(ctx, threadID, message); err != nil {
		return nil, err
	}

	runID, err := e.startRun(ctx, agent, threadID, augmentation, ws)
	if err != nil {
		return nil, err
	}

	slog.Info("trigger: workflow execution started", "trigger_id", t.ID, "workflow_id", wf.ID, "run_id", runID)
	return &Execution{ExecutionID: runID, ThreadID: threadID, WorkflowID: wf.ID}, nil
}

// createSession scaffolds the project and thread records for a
// trigger-initiated run, binding a sandbox when one is configured. The
// returned workspace is nil when no sandbox backs the run.
func (e *Executor) createSession(ctx context.Context, agent *store.Agent, name string) (string, tools.Workspace, error) {
	projectID := uuid.NewString()
	if err := e.store.CreateProject(ctx, store.Project{
		ID:        projectID,
		Name:      name,
		AccountID: agent.AccountID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return "", nil, fmt.Errorf("create project: %w", err)
	}

	var ws tools.Workspace
	if e.sandbox != nil {
		sandboxID, previewURL, workspace, err := e.sandbox.Create(ctx, uuid.NewString(), projectID)
		if err != nil {
			slog.Warn("trigger: sandbox creation failed, continuing without one", "project_id", projectID, "error", err)
		} else {
			ws = workspace
			if err := e.store.UpdateProjectSandbox(ctx, projectID, sandboxID, previewURL); err != nil {
				slog.Warn("trigger: failed to record sandbox", "project_id", projectID, "error", err)
			}
		}
	}

	threadID := uuid.NewString()
	if err := e.store.CreateThread(ctx, store.Thread{
		ID:        threadID,
		ProjectID: projectID,
		AccountID: agent.AccountID,
		AgentID:   agent.ID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return "", nil, fmt.Errorf("create thread: %w", err)
	}

	return threadID, ws, nil
}

// seedUserMessage inserts the initial user message carrying the trigger
// prompt.
func (e *Executor) seedUserMessage(ctx context.Context, threadID, prompt string) error {
	_, err := e.store.AddMessage(ctx, threadID, "user", map[string]any{
		"role":    "user",
		"content": prompt,
	}, true, nil)
	if err != nil {
		return fmt.Errorf("seed initial message: %w", err)
	}
	return nil
}

// StartThreadRun launches a run for an agent on an existing thread.
// Serve's run endpoint shares the bridge's worker wiring through it.
func (e *Executor) StartThreadRun(ctx context.Context, agentID, threadID, model string) (string, error) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("get agent %s: %w", agentID, err)
	}
	if agent == nil {
		return "", fmt.Errorf("agent %s not found", agentID)
	}
	if model != "" {
		agent.Model = model
	}
	return e.startRun(ctx, agent, threadID, "", nil)
}

// startRun creates the run record and launches the worker. When a
// workspace is present, the run gets its own tool registry with the
// file and shell tools bound to it.
func (e *Executor) startRun(ctx context.Context, agent *store.Agent, threadID, augmentation string, ws tools.Workspace) (string, error) {
	runID := uuid.NewString()
	model := agent.Model
	if model == "" {
		model = e.defaultModel
	}

	run := relay.Run{
		ID:             runID,
		ThreadID:       threadID,
		InstanceID:     e.instanceID,
		Status:         relay.RunStatusRunning,
		StartedAt:      time.Now().UTC(),
		AgentID:        agent.ID,
		AgentVersionID: agent.VersionID,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	var runTools *tools.Registry
	if ws != nil {
		runTools = tools.NewRegistry()
		if err := tools.RegisterBuiltins(runTools, ws); err != nil {
			return "", fmt.Errorf("register run tools: %w", err)
		}
	}

	input := worker.RunInput{
		RunID:    runID,
		ThreadID: threadID,
		Model:    model,
		Config:   processor.DefaultConfig(),
		Tools:    runTools,
		Stream:   true,
		Agent: &worker.AgentConfig{
			AgentID:            agent.ID,
			VersionID:          agent.VersionID,
			Name:               agent.Name,
			SystemPrompt:       agent.SystemPrompt,
			PromptAugmentation: augmentation,
		},
	}

	go func() {
		if err := e.worker.Run(context.Background(), input); err != nil {
			slog.Warn("trigger: run ended with error", "run_id", runID, "error", err)
		}
	}()

	return runID, nil
}
