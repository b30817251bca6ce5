package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/everydev1618/relay"
	"github.com/everydev1618/relay/tools"
)

// AddMessage persists one message and returns the stored row, including
// its message id and timestamps. The worker supplies a store-backed
// callback; the processor never touches persistence directly.
type AddMessage func(ctx context.Context, threadID string, typ relay.ItemType, content map[string]any, isLLM bool, metadata map[string]any) (*relay.Item, error)

// Processor transforms one LLM response plus a prompt history into a
// well-ordered sequence of persisted response items, executing tool
// calls along the way.
type Processor struct {
	registry   *tools.Registry
	addMessage AddMessage

	agentID        string
	agentVersionID string
}

// Option configures a Processor.
type Option func(*Processor)

// WithAgentInfo stamps persisted LLM messages with the agent identity
// that produced them.
func WithAgentInfo(agentID, agentVersionID string) Option {
	return func(p *Processor) {
		p.agentID = agentID
		p.agentVersionID = agentVersionID
	}
}

// New creates a Processor.
func New(registry *tools.Registry, addMessage AddMessage, opts ...Option) *Processor {
	p := &Processor{
		registry:   registry,
		addMessage: addMessage,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ContinuousState threads processor state across auto-continue cycles:
// the content accumulated so far, the chunk sequence counter, and the
// stable thread_run_id. It is opaque to the worker.
type ContinuousState struct {
	AccumulatedContent string
	Sequence           int
	ThreadRunID        string
}

// Result is the outcome of one processing cycle.
type Result struct {
	// FinishReason is the provider's reason, or a processor-assigned
	// one (xml_tool_limit_reached, agent_terminated).
	FinishReason string

	// ShouldAutoContinue is set when the cycle suspended at a length
	// cutoff and the caller may re-invoke with Continuous.
	ShouldAutoContinue bool

	// AgentTerminated is set when a terminating tool ran.
	AgentTerminated bool

	// Continuous carries the state for the next cycle when
	// ShouldAutoContinue is set.
	Continuous *ContinuousState

	// Usage mirrors the reconstructed usage of the cycle.
	Usage map[string]int
}

// toolContext threads identity through a tool's status emissions.
type toolContext struct {
	call               relay.ToolCall
	index              int
	result             *tools.Result
	err                error
	assistantMessageID string
	details            *ParsingDetails
}

func newToolContext(call relay.ToolCall, index int, assistantMessageID string, details *ParsingDetails) *toolContext {
	return &toolContext{
		call:               call,
		index:              index,
		assistantMessageID: assistantMessageID,
		details:            details,
	}
}

// displayName returns the external alias for status text.
func (c *toolContext) displayName() string {
	if c.call.XMLTagName != "" {
		return c.call.XMLTagName
	}
	return c.call.FunctionName
}

// addLLMMessage persists an LLM-facing message stamped with agent info.
func (p *Processor) addLLMMessage(ctx context.Context, threadID string, typ relay.ItemType, content map[string]any, metadata map[string]any) (*relay.Item, error) {
	if p.agentID != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["agent_id"] = p.agentID
		if p.agentVersionID != "" {
			metadata["agent_version_id"] = p.agentVersionID
		}
	}
	return p.addMessage(ctx, threadID, typ, content, true, metadata)
}

// saveStatus persists a status item.
func (p *Processor) saveStatus(ctx context.Context, threadID, threadRunID string, content map[string]any) (*relay.Item, error) {
	return p.addMessage(ctx, threadID, relay.ItemTypeStatus, content, false, map[string]any{"thread_run_id": threadRunID})
}

// saveToolStarted persists and returns the tool_started status.
func (p *Processor) saveToolStarted(ctx context.Context, threadID, threadRunID string, tc *toolContext) (*relay.Item, error) {
	content := map[string]any{
		"role":          "assistant",
		"status_type":   relay.StatusToolStarted,
		"function_name": tc.call.FunctionName,
		"xml_tag_name":  tc.call.XMLTagName,
		"message":       fmt.Sprintf("Starting execution of %s", tc.displayName()),
		"tool_index":    tc.index,
		"tool_call_id":  tc.call.ID,
	}
	return p.saveStatus(ctx, threadID, threadRunID, content)
}

// saveToolCompleted persists the terminal tool status: tool_completed
// or tool_failed depending on the result, tool_error when the result
// is missing.
func (p *Processor) saveToolCompleted(ctx context.Context, threadID, threadRunID string, tc *toolContext, toolMessageID string) (*relay.Item, error) {
	if tc.result == nil {
		return p.saveToolError(ctx, threadID, threadRunID, tc)
	}

	statusType := relay.StatusToolCompleted
	message := fmt.Sprintf("Tool %s completed successfully", tc.displayName())
	if !tc.result.Success {
		statusType = relay.StatusToolFailed
		message = fmt.Sprintf("Tool %s failed", tc.displayName())
	}

	content := map[string]any{
		"role":          "assistant",
		"status_type":   statusType,
		"function_name": tc.call.FunctionName,
		"xml_tag_name":  tc.call.XMLTagName,
		"message":       message,
		"tool_index":    tc.index,
		"tool_call_id":  tc.call.ID,
	}

	metadata := map[string]any{"thread_run_id": threadRunID}
	if tc.result.Success && toolMessageID != "" {
		metadata["linked_tool_result_message_id"] = toolMessageID
	}
	if relay.IsTerminatingTool(tc.call.FunctionName) {
		metadata["agent_should_terminate"] = "true"
	}

	return p.addMessage(ctx, threadID, relay.ItemTypeStatus, content, false, metadata)
}

// saveToolError persists a tool_error status.
func (p *Processor) saveToolError(ctx context.Context, threadID, threadRunID string, tc *toolContext) (*relay.Item, error) {
	errMsg := "Unknown error during tool execution"
	if tc.err != nil {
		errMsg = tc.err.Error()
	}
	content := map[string]any{
		"role":          "assistant",
		"status_type":   relay.StatusToolError,
		"function_name": tc.call.FunctionName,
		"xml_tag_name":  tc.call.XMLTagName,
		"message":       fmt.Sprintf("Error executing tool %s: %s", tc.displayName(), errMsg),
		"tool_index":    tc.index,
		"tool_call_id":  tc.call.ID,
	}
	return p.saveStatus(ctx, threadID, threadRunID, content)
}

// structuredToolResult builds the tool-agnostic result payload. The
// rich form keeps structured output for viewers; the LLM form is the
// same shape but is what the model sees in later turns.
func structuredToolResult(call relay.ToolCall, result tools.Result) map[string]any {
	output := result.Output
	// A JSON-string output is surfaced structured so viewers can
	// render it specially.
	if s, ok := output.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			switch parsed.(type) {
			case map[string]any, []any:
				output = parsed
			}
		}
	}

	var errField any
	if result.Error != "" {
		errField = result.Error
	}

	return map[string]any{
		"tool_execution": map[string]any{
			"function_name": call.FunctionName,
			"xml_tag_name":  call.XMLTagName,
			"tool_call_id":  call.ID,
			"arguments":     call.Arguments,
			"result": map[string]any{
				"success": result.Success,
				"output":  output,
				"error":   errField,
			},
		},
	}
}

// saveToolResult persists a tool-result message and returns the copy to
// yield to viewers. Native calls are stored in the function-call
// message form; XML calls store a concise payload for the LLM in
// content and the rich payload in metadata.frontend_content, and the
// yielded copy has the rich payload substituted into content.
func (p *Processor) saveToolResult(ctx context.Context, threadID string, tc *toolContext, cfg Config) (*relay.Item, error) {
	metadata := map[string]any{}
	if tc.assistantMessageID != "" {
		metadata["assistant_message_id"] = tc.assistantMessageID
	}
	if tc.details != nil {
		metadata["parsing_details"] = tc.details
	}

	result := tools.Result{Success: false, Output: ""}
	if tc.result != nil {
		result = *tc.result
	}

	// Native function call: store the provider's tool message form.
	if tc.call.ID != "" {
		content := map[string]any{
			"role":         "tool",
			"tool_call_id": tc.call.ID,
			"name":         tc.call.FunctionName,
			"content":      result.OutputString(),
		}
		return p.addLLMMessage(ctx, threadID, relay.ItemTypeTool, content, metadata)
	}

	rich := structuredToolResult(tc.call, result)
	concise, err := json.Marshal(structuredToolResult(tc.call, result))
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}

	content := map[string]any{
		"role":    cfg.resultRole(),
		"content": string(concise),
	}
	metadata["frontend_content"] = rich

	saved, err := p.addLLMMessage(ctx, threadID, relay.ItemTypeTool, content, metadata)
	if err != nil || saved == nil {
		return saved, err
	}

	// Viewers want the rich payload in content.
	yield := *saved
	yield.Content = rich
	return &yield, nil
}

// chunkItem builds a transient assistant chunk (never persisted).
func chunkItem(threadID, threadRunID, content string, sequence int) relay.Item {
	now := time.Now().UTC()
	seq := sequence
	return relay.Item{
		ThreadID:     threadID,
		Type:         relay.ItemTypeAssistant,
		IsLLMMessage: true,
		Content:      map[string]any{"role": "assistant", "content": content},
		Metadata:     map[string]any{"stream_status": "chunk", "thread_run_id": threadRunID},
		CreatedAt:    now,
		UpdatedAt:    now,
		Sequence:     &seq,
	}
}

// transientStatus builds a status item that is yielded but not saved.
func transientStatus(threadID, threadRunID string, content map[string]any) relay.Item {
	now := time.Now().UTC()
	return relay.Item{
		ThreadID:  threadID,
		Type:      relay.ItemTypeStatus,
		Content:   content,
		Metadata:  map[string]any{"thread_run_id": threadRunID},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
