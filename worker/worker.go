// Package worker drives agent runs: each run gets one worker goroutine
// that builds the prompt, invokes the LLM, feeds the response
// processor, appends every emitted item to the shared response buffer,
// honors the distributed stop signal, and finalizes the run record.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/everydev1618/relay"
	"github.com/everydev1618/relay/buffer"
	"github.com/everydev1618/relay/llm"
	"github.com/everydev1618/relay/processor"
	"github.com/everydev1618/relay/tools"
)

// DefaultMaxAutoContinues bounds auto-continue cycles per run.
const DefaultMaxAutoContinues = 5

// Store is the persistence the worker needs.
type Store interface {
	// AddMessage persists a message and returns the stored row with
	// its message id and timestamps.
	AddMessage(ctx context.Context, threadID string, typ relay.ItemType, content map[string]any, isLLM bool, metadata map[string]any) (*relay.Item, error)

	// LLMHistory returns the thread's LLM-facing messages in order.
	LLMHistory(ctx context.Context, threadID string) ([]llm.Message, error)

	// UpdateRunStatus writes the terminal state plus a snapshot of the
	// run's response items for durable storage.
	UpdateRunStatus(ctx context.Context, runID string, status relay.RunStatus, errMsg string, responses []relay.Item) error
}

// AgentConfig is the optional pre-configured agent blob for a run.
type AgentConfig struct {
	AgentID        string
	VersionID      string
	Name           string
	SystemPrompt   string

	// PromptAugmentation is appended to the system prompt for this run
	// only (e.g. a workflow execution prompt).
	PromptAugmentation string
}

// RunInput parameterizes one run.
type RunInput struct {
	RunID     string
	ThreadID  string
	ProjectID string
	Model     string
	Config    processor.Config
	Agent     *AgentConfig

	// Tools overrides the worker's shared registry for this run, e.g.
	// to bind the file and shell tools to the run's sandbox.
	Tools *tools.Registry

	// Stream selects streaming (default) or one-shot LLM invocation.
	Stream bool
}

// Worker executes runs on one instance.
type Worker struct {
	registry  *relay.Registry
	broker    buffer.Broker
	store     Store
	transport llm.Transport
	fallback  llm.Transport
	toolReg   *tools.Registry

	maxAutoContinues int
	maxTokens        int
	fallbackModel    string
}

// Option configures a Worker.
type Option func(*Worker)

// WithFallbackTransport sets the transport used when the primary
// reports an overload-class error.
func WithFallbackTransport(t llm.Transport) Option {
	return func(w *Worker) {
		w.fallback = t
	}
}

// WithFallbackModel overrides the model name on the fallback
// transport.
func WithFallbackModel(model string) Option {
	return func(w *Worker) {
		w.fallbackModel = model
	}
}

// WithMaxAutoContinues overrides the auto-continue cap.
func WithMaxAutoContinues(n int) Option {
	return func(w *Worker) {
		w.maxAutoContinues = n
	}
}

// WithMaxTokens caps the per-cycle completion length.
func WithMaxTokens(n int) Option {
	return func(w *Worker) {
		w.maxTokens = n
	}
}

// New creates a Worker.
func New(registry *relay.Registry, broker buffer.Broker, store Store, transport llm.Transport, toolReg *tools.Registry, opts ...Option) *Worker {
	w := &Worker{
		registry:         registry,
		broker:           broker,
		store:            store,
		transport:        transport,
		toolReg:          toolReg,
		maxAutoContinues: DefaultMaxAutoContinues,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drives one agent run to completion. It blocks until the run
// reaches a terminal state; callers launch it on its own goroutine.
func (w *Worker) Run(ctx context.Context, in RunInput) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.registry.Register(runCtx, &relay.ActiveRun{
		RunID:    in.RunID,
		ThreadID: in.ThreadID,
		Started:  time.Now(),
		Cancel:   cancel,
	}); err != nil {
		return fmt.Errorf("register run: %w", err)
	}

	stopped := make(chan struct{})
	stopWatch, err := w.watchControl(runCtx, in.RunID, func() {
		close(stopped)
		cancel()
	})
	if err != nil {
		slog.Warn("worker: control subscription failed", "run_id", in.RunID, "error", err)
	}

	terminated, runErr := w.drive(runCtx, in)

	wasStopped := false
	select {
	case <-stopped:
		wasStopped = true
	default:
	}

	w.finalize(context.WithoutCancel(ctx), in, runErr, wasStopped, terminated)

	if stopWatch != nil {
		stopWatch()
	}
	return runErr
}

// watchControl subscribes to the run's global and instance control
// channels and invokes onStop when STOP arrives. The returned function
// tears the subscriptions down.
func (w *Worker) watchControl(ctx context.Context, runID string, onStop func()) (func(), error) {
	global, err := w.broker.Subscribe(ctx, relay.ControlChannel(runID))
	if err != nil {
		return nil, err
	}
	instance, err := w.broker.Subscribe(ctx, relay.InstanceControlChannel(runID, w.registry.InstanceID()))
	if err != nil {
		global.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer global.Close()
		defer instance.Close()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-global.Messages():
				if ok && msg == relay.ControlStop {
					slog.Info("worker: received STOP", "run_id", runID)
					onStop()
					return
				}
				if !ok {
					return
				}
			case msg, ok := <-instance.Messages():
				if ok && msg == relay.ControlStop {
					slog.Info("worker: received instance STOP", "run_id", runID)
					onStop()
					return
				}
				if !ok {
					return
				}
			}
		}
	}()

	var once func()
	closed := false
	once = func() {
		if !closed {
			closed = true
			close(done)
		}
	}
	return once, nil
}

// drive runs the auto-continue cycle loop. It reports whether a
// terminating tool ended the run.
func (w *Worker) drive(ctx context.Context, in RunInput) (bool, error) {
	prompt, err := w.buildPrompt(ctx, in)
	if err != nil {
		return false, fmt.Errorf("build prompt: %w", err)
	}

	proc := w.newProcessor(in)
	transport := w.transport
	model := in.Model
	usedFallback := false

	var continuous *processor.ContinuousState
	for cycle := 0; ; cycle++ {
		if cycle > 0 && cycle >= w.maxAutoContinues {
			slog.Warn("worker: auto-continue cap reached", "run_id", in.RunID, "cycles", cycle)
			return false, nil
		}

		result, err := w.runCycle(ctx, in, proc, transport, model, prompt, cycle, continuous)
		if err != nil {
			if relay.ClassifyError(err) == relay.ErrClassOverloaded && w.fallback != nil && !usedFallback {
				slog.Warn("worker: provider overloaded, switching to fallback", "run_id", in.RunID)
				transport = w.fallback
				if w.fallbackModel != "" {
					model = w.fallbackModel
				}
				usedFallback = true
				cycle--
				continue
			}
			return false, err
		}

		if result.AgentTerminated {
			slog.Info("worker: agent terminated", "run_id", in.RunID)
			return true, nil
		}
		if result.ShouldAutoContinue && result.Continuous != nil {
			slog.Info("worker: auto-continuing", "run_id", in.RunID, "cycle", cycle+1)
			continuous = result.Continuous
			// The next cycle resumes the same logical turn; the prompt
			// is re-sent unchanged so the provider continues the text.
			continue
		}
		return false, nil
	}
}

// runCycle performs one LLM invocation and feeds the processor,
// appending every emitted item to the response buffer.
func (w *Worker) runCycle(ctx context.Context, in RunInput, proc *processor.Processor, transport llm.Transport, model string, prompt []llm.Message, cycle int, continuous *processor.ContinuousState) (*processor.Result, error) {
	req := llm.Request{
		Model:     model,
		Messages:  prompt,
		Tools:     w.registryFor(in).Schemas(),
		MaxTokens: w.maxTokens,
	}

	input := processor.StreamInput{
		ThreadID:          in.ThreadID,
		PromptMessages:    prompt,
		Model:             model,
		Config:            in.Config,
		CanAutoContinue:   w.maxAutoContinues > 1,
		AutoContinueCount: cycle,
		Continuous:        continuous,
	}

	items := make(chan relay.Item, 64)
	type outcome struct {
		result *processor.Result
		err    error
	}
	done := make(chan outcome, 1)

	if in.Stream {
		stream, err := transport.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		go func() {
			result, err := proc.ProcessStream(ctx, stream, input, items)
			close(items)
			done <- outcome{result, err}
		}()
	} else {
		resp, err := transport.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		go func() {
			result, err := proc.ProcessResponse(ctx, resp, input, items)
			close(items)
			done <- outcome{result, err}
		}()
	}

	for item := range items {
		w.appendItem(ctx, in.RunID, item)
	}

	out := <-done
	return out.result, out.err
}

// appendItem writes one item to the run's response list and notifies
// stream consumers.
func (w *Worker) appendItem(ctx context.Context, runID string, item relay.Item) {
	data, err := json.Marshal(item)
	if err != nil {
		slog.Error("worker: marshal item", "run_id", runID, "error", err)
		return
	}
	if err := w.broker.Append(ctx, relay.ResponseListKey(runID), string(data)); err != nil {
		slog.Error("worker: append item", "run_id", runID, "error", err)
		return
	}
	if err := w.broker.Publish(ctx, relay.ResponseChannel(runID), "new"); err != nil {
		slog.Warn("worker: publish new_response", "run_id", runID, "error", err)
	}
}

// registryFor returns the run's effective tool registry.
func (w *Worker) registryFor(in RunInput) *tools.Registry {
	if in.Tools != nil {
		return in.Tools
	}
	return w.toolReg
}

// newProcessor builds the run's processor with a store-backed persist
// callback.
func (w *Worker) newProcessor(in RunInput) *processor.Processor {
	var opts []processor.Option
	if in.Agent != nil && in.Agent.AgentID != "" {
		opts = append(opts, processor.WithAgentInfo(in.Agent.AgentID, in.Agent.VersionID))
	}
	return processor.New(w.registryFor(in), w.store.AddMessage, opts...)
}

// buildPrompt assembles the system prompt and thread history.
func (w *Worker) buildPrompt(ctx context.Context, in RunInput) ([]llm.Message, error) {
	history, err := w.store.LLMHistory(ctx, in.ThreadID)
	if err != nil {
		return nil, err
	}

	system := ""
	if in.Agent != nil {
		system = in.Agent.SystemPrompt
		if in.Agent.PromptAugmentation != "" {
			system = system + "\n\n" + in.Agent.PromptAugmentation
		}
	}

	prompt := make([]llm.Message, 0, len(history)+1)
	if system != "" {
		prompt = append(prompt, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	prompt = append(prompt, history...)
	return prompt, nil
}
