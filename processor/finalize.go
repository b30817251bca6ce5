package processor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/everydev1618/relay"
	"github.com/everydev1618/relay/llm"
)

// finishStream runs the Draining and Finalising states after the chunk
// stream ends: usage backfill, pending-tool drain, the final assistant
// message, batch tool execution, and the terminal status sequence.
func (p *Processor) finishStream(ctx context.Context, st *streamState, streamErr error) (*Result, error) {
	cfg := st.in.Config

	if streamErr != nil {
		p.emitStreamError(ctx, st, streamErr)
		return &Result{FinishReason: st.finishReason}, nil
	}

	// The provider may end the stream without usage; estimate locally
	// so completion is never blocked on accounting.
	if st.usage.TotalTokens == 0 {
		prompt := llm.EstimateMessageTokens(st.in.PromptMessages)
		completion := llm.EstimateTextTokens(st.accumulated)
		st.usage = llm.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		}
		slog.Debug("processor: estimated usage locally", "prompt", prompt, "completion", completion)
	}

	// Drain tools dispatched during streaming. Their results are
	// reported in the results phase below so the tool message and its
	// terminal status stay adjacent.
	for _, pe := range st.pending {
		result := <-pe.done
		pe.tc.result = &result
		if relay.IsTerminatingTool(pe.tc.call.FunctionName) {
			slog.Info("processor: terminating tool completed during streaming", "tool", pe.tc.call.FunctionName)
			st.terminate = true
		}
	}

	if st.finishReason == relay.FinishReasonXMLToolLimit {
		if err := p.emitSavedStatus(ctx, st, map[string]any{
			"status_type":   relay.StatusFinish,
			"finish_reason": relay.FinishReasonXMLToolLimit,
		}); err != nil {
			return nil, err
		}
	}

	shouldAutoContinue := st.in.CanAutoContinue && st.finishReason == relay.FinishReasonLength && !st.terminate

	nativeCalls := st.completeNativeCalls()

	// Persist the full assistant message unless this cycle suspends
	// into auto-continue.
	if st.accumulated != "" && !shouldAutoContinue {
		st.truncateAtXMLCap(cfg)

		content := map[string]any{
			"role":    "assistant",
			"content": st.accumulated,
		}
		if len(nativeCalls) > 0 {
			content["tool_calls"] = nativeCalls
		}

		saved, err := p.addLLMMessage(ctx, st.in.ThreadID, relay.ItemTypeAssistant, content, map[string]any{"thread_run_id": st.threadRunID})
		if err != nil || saved == nil {
			slog.Error("processor: failed to save final assistant message", "thread_id", st.in.ThreadID, "error", err)
			p.emitSavedStatusBestEffort(ctx, st, map[string]any{
				"role":        "system",
				"status_type": relay.StatusError,
				"message":     "Failed to save final assistant message",
			})
		} else {
			st.lastAssistant = saved
			yield := *saved
			yield.Metadata = cloneMeta(saved.Metadata)
			yield.Metadata["stream_status"] = "complete"
			st.items <- yield
		}
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

		if err := p.emitSavedStatus(ctx, st, map[string]any{
			"status_type":   relay.StatusFinish,
			"finish_reason": relay.FinishReasonAgentTerminated,
		}); err != nil {
			return nil, err
		}
		p.emitResponseEnd(ctx, st, nativeCalls)
		p.emitThreadRunEnd(ctx, st)
		return result, nil
	}

	if st.finishReason != "" && st.finishReason != relay.FinishReasonXMLToolLimit {
		if err := p.emitSavedStatus(ctx, st, map[string]any{
			"status_type":   relay.StatusFinish,
			"finish_reason": st.finishReason,
		}); err != nil {
			return nil, err
		}
	}

	if shouldAutoContinue {
		result.ShouldAutoContinue = true
		result.Continuous = &ContinuousState{
			AccumulatedContent: st.accumulated,
			Sequence:           st.sequence,
			ThreadRunID:        st.threadRunID,
		}
		return result, nil
	}

	if st.lastAssistant != nil {
		p.emitResponseEnd(ctx, st, nativeCalls)
	}
	p.emitThreadRunEnd(ctx, st)
	return result, nil
}

// emitToolResults reports every tool call of the cycle: streamed ones
// from the pending buffer, the rest executed now under the configured
// strategy. Each tool contributes its started status (if not yet
// yielded), its result message, then its terminal status.
func (p *Processor) emitToolResults(ctx context.Context, st *streamState) error {
	cfg := st.in.Config
	var contexts []*toolContext

	if cfg.ExecuteOnStream {
		for _, pe := range st.pending {
			if st.lastAssistant != nil {
				pe.tc.assistantMessageID = st.lastAssistant.MessageID
			}
			contexts = append(contexts, pe.tc)
		}
	} else {
		calls, details := st.gatherAllCalls(cfg)
		executed := p.executeTools(ctx, calls, cfg.strategy())
		for i, ec := range executed {
			tc := newToolContext(ec.call, st.toolIndex, st.assistantMessageID(), details[i])
			result := ec.result
			tc.result = &result
			st.toolIndex++
			contexts = append(contexts, tc)
			if relay.IsTerminatingTool(ec.call.FunctionName) {
				st.terminate = true
			}
		}
	}

	for _, tc := range contexts {
		if !st.yieldedStatuses[tc.index] {
			if item, err := p.saveToolStarted(ctx, st.in.ThreadID, st.threadRunID, tc); err == nil && item != nil {
				st.items <- *item
			}
			st.yieldedStatuses[tc.index] = true
		}

		saved, err := p.saveToolResult(ctx, st.in.ThreadID, tc, cfg)
		if err != nil {
			slog.Error("processor: failed to save tool result", "tool", tc.call.FunctionName, "error", err)
		}
		var toolMessageID string
		if saved != nil {
			toolMessageID = saved.MessageID
			st.items <- *saved
		}

		if item, err := p.saveToolCompleted(ctx, st.in.ThreadID, st.threadRunID, tc, toolMessageID); err == nil && item != nil {
			st.items <- *item
		}
	}

	return nil
}

// gatherAllCalls collects the calls of both formats that were detected
// but not executed during streaming: complete native calls first, then
// XML calls up to the remaining cap.
func (st *streamState) gatherAllCalls(cfg Config) ([]relay.ToolCall, []*ParsingDetails) {
	var calls []relay.ToolCall
	var details []*ParsingDetails

	if cfg.NativeToolCalling {
		for _, idx := range st.sortedNativeIndices() {
			buf := st.nativeBuffer[idx]
			args, ok := buf.complete()
			if !ok {
				continue
			}
			calls = append(calls, relay.ToolCall{
				FunctionName: buf.name,
				Arguments:    args,
				ID:           buf.id,
			})
			details = append(details, nil)
		}
	}

	if cfg.XMLToolCalling {
		// Pick up blocks that completed only after the stream ended.
		for _, chunk := range extractXMLChunks(st.currentXML) {
			st.currentXML = strings.Replace(st.currentXML, chunk, "", 1)
			st.xmlChunks = append(st.xmlChunks, chunk)
		}

		remaining := len(st.xmlChunks)
		if cfg.MaxXMLToolCalls > 0 && cfg.MaxXMLToolCalls < remaining {
			remaining = cfg.MaxXMLToolCalls
		}
		for _, chunk := range st.xmlChunks[:remaining] {
			for _, parsed := range parseXMLChunk(chunk) {
				d := parsed.Details
				calls = append(calls, parsed.Call)
				details = append(details, &d)
			}
		}
	}

	return calls, details
}

// sortedNativeIndices returns buffer indices in ascending order.
func (st *streamState) sortedNativeIndices() []int {
	indices := make([]int, 0, len(st.nativeBuffer))
	for idx := range st.nativeBuffer {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

// completeNativeCalls renders the buffered native calls in the
// function-call message form.
func (st *streamState) completeNativeCalls() []map[string]any {
	if !st.in.Config.NativeToolCalling {
		return nil
	}
	var out []map[string]any
	for _, idx := range st.sortedNativeIndices() {
		buf := st.nativeBuffer[idx]
		args, ok := buf.complete()
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"id":   buf.id,
			"type": "function",
			"function": map[string]any{
				"name":      buf.name,
				"arguments": args,
			},
		})
	}
	return out
}

// truncateAtXMLCap cuts the accumulated content to end exactly after
// the last accepted XML block when the cap caused truncation.
func (st *streamState) truncateAtXMLCap(cfg Config) {
	if cfg.MaxXMLToolCalls <= 0 || st.xmlCallCount < cfg.MaxXMLToolCalls || len(st.xmlChunks) == 0 {
		return
	}
	last := st.xmlChunks[len(st.xmlChunks)-1]
	if pos := strings.Index(st.accumulated, last); pos >= 0 {
		st.accumulated = st.accumulated[:pos+len(last)]
	}
}

// emitResponseEnd records the one-shot reconstructed provider response.
func (p *Processor) emitResponseEnd(ctx context.Context, st *streamState, nativeCalls []map[string]any) {
	var toolCalls any
	if len(nativeCalls) > 0 {
		toolCalls = nativeCalls
	}

	finish := st.finishReason
	if finish == "" {
		finish = relay.FinishReasonStop
	}

	content := map[string]any{
		"choices": []map[string]any{{
			"finish_reason": finish,
			"index":         0,
			"message": map[string]any{
				"role":       "assistant",
				"content":    st.accumulated,
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
		"streaming": true,
	}
	if !st.firstChunk.IsZero() && !st.lastChunk.IsZero() {
		content["response_ms"] = st.lastChunk.Sub(st.firstChunk).Milliseconds()
	}

	item, err := p.addMessage(ctx, st.in.ThreadID, relay.ItemTypeAssistantResponseEnd, content, false, map[string]any{"thread_run_id": st.threadRunID})
	if err != nil {
		slog.Error("processor: failed to save assistant response end", "error", err)
		return
	}
	if item != nil {
		st.items <- *item
	}
}

// emitThreadRunEnd closes the run's item sequence.
func (p *Processor) emitThreadRunEnd(ctx context.Context, st *streamState) {
	p.emitSavedStatusBestEffort(ctx, st, map[string]any{
		"status_type": relay.StatusThreadRunEnd,
	})
}

// emitStreamError reports a transport failure into the buffer so
// viewers see it in order, then closes the sequence. Two cases stay
// silent: overload errors, which the worker retries on a fallback
// provider, and cancellation, where the worker records the stop itself.
func (p *Processor) emitStreamError(ctx context.Context, st *streamState, streamErr error) {
	if errors.Is(streamErr, context.Canceled) {
		return
	}
	if relay.ClassifyError(streamErr) != relay.ErrClassOverloaded {
		p.emitSavedStatusBestEffort(ctx, st, map[string]any{
			"role":        "system",
			"status_type": relay.StatusError,
			"message":     streamErr.Error(),
		})
		p.emitThreadRunEnd(ctx, st)
	}
}

// emitSavedStatusBestEffort persists and yields a status, logging on
// failure instead of propagating it.
func (p *Processor) emitSavedStatusBestEffort(ctx context.Context, st *streamState, content map[string]any) {
	if err := p.emitSavedStatus(ctx, st, content); err != nil {
		slog.Error("processor: failed to save status", "status", content["status_type"], "error", err)
	}
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
