package processor

import (
	"context"

	"github.com/google/uuid"

	"github.com/everydev1618/relay"
	"github.com/everydev1618/relay/llm"
)

// ProcessResponse handles a complete, non-streamed response: it emits
// the same persisted sequence as the streaming path, with all tools
// executed after the assistant message is persisted.
func (p *Processor) ProcessResponse(ctx context.Context, resp *llm.Response, in StreamInput, items chan<- relay.Item) (*Result, error) {
	if err := in.Config.Validate(); err != nil {
		return nil, err
	}
	cfg := in.Config

	st := &streamState{
		in:              in,
		items:           items,
		threadRunID:     uuid.NewString(),
		accumulated:     resp.Content,
		currentXML:      resp.Content,
		model:           resp.Model,
		created:         resp.Created,
		nativeBuffer:    make(map[int]*nativeCallBuffer),
		nativeDispatch:  make(map[int]bool),
		yieldedStatuses: make(map[int]bool),
	}
	if resp.Model == "" {
		st.model = in.Model
	}
	if resp.Usage != nil {
		st.usage = *resp.Usage
	}
	st.finishReason = resp.FinishReason

	if err := p.emitSavedStatus(ctx, st, map[string]any{
		"status_type":   relay.StatusThreadRunStart,
		"thread_run_id": st.threadRunID,
	}); err != nil {
		return nil, err
	}

	// Fold the provider's native calls into the buffer so the
	// assistant message and the results phase see them uniformly.
	if cfg.NativeToolCalling {
		for _, tc := range resp.ToolCalls {
			buf := &nativeCallBuffer{id: tc.ID, name: tc.Function.Name}
			buf.arguments.WriteString(tc.Function.Arguments)
			st.nativeBuffer[tc.Index] = buf
		}
	}
	nativeCalls := st.completeNativeCalls()

	if st.usage.TotalTokens == 0 {
		prompt := llm.EstimateMessageTokens(in.PromptMessages)
		completion := llm.EstimateTextTokens(st.accumulated)
		st.usage = llm.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		}
	}

	content := map[string]any{
		"role":    "assistant",
		"content": st.accumulated,
	}
	if len(nativeCalls) > 0 {
		content["tool_calls"] = nativeCalls
	}
	saved, err := p.addLLMMessage(ctx, in.ThreadID, relay.ItemTypeAssistant, content, map[string]any{"thread_run_id": st.threadRunID})
	if err != nil {
		return nil, err
	}
	if saved != nil {
		st.lastAssistant = saved
		st.items <- *saved
	}

	if cfg.ExecuteTools {
		if err := p.emitToolResults(ctx, st); err != nil {
			return nil, err
		}
	}

	result := &Result{
		FinishReason: st.finishReason,
		Usage: map[string]int{
			"prompt_tokens":     st.usage.PromptTokens,
			"completion_tokens": st.usage.CompletionTokens,
			"total_tokens":      st.usage.TotalTokens,
		},
	}

	if st.terminate {
		st.finishReason = relay.FinishReasonAgentTerminated
		result.FinishReason = relay.FinishReasonAgentTerminated
		result.AgentTerminated = true
	}

	finish := st.finishReason
	if finish == "" {
		finish = relay.FinishReasonStop
		st.finishReason = finish
	}
	if err := p.emitSavedStatus(ctx, st, map[string]any{
		"status_type":   relay.StatusFinish,
		"finish_reason": finish,
	}); err != nil {
		return nil, err
	}

	p.emitNonStreamingResponseEnd(ctx, st, resp, nativeCalls)
	p.emitThreadRunEnd(ctx, st)

	return result, nil
}

// emitNonStreamingResponseEnd records the provider response as-is.
func (p *Processor) emitNonStreamingResponseEnd(ctx context.Context, st *streamState, resp *llm.Response, nativeCalls []map[string]any) {
	var toolCalls any
	if len(nativeCalls) > 0 {
		toolCalls = nativeCalls
	}

	content := map[string]any{
		"choices": []map[string]any{{
			"finish_reason": st.finishReason,
			"index":         0,
			"message": map[string]any{
				"role":       "assistant",
				"content":    resp.Content,
				"tool_calls": toolCalls,
			},
		}},
		"created": st.created,
		"model":   st.model,
		"usage": map[string]any{
			"prompt_tokens":     st.usage.PromptTokens,
			"completion_tokens": st.usage.CompletionTokens,
			"total_tokens":      st.usage.TotalTokens,
		},
	}

	item, err := p.addMessage(ctx, st.in.ThreadID, relay.ItemTypeAssistantResponseEnd, content, false, map[string]any{"thread_run_id": st.threadRunID})
	if err == nil && item != nil {
		st.items <- *item
	}
}
