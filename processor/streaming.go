package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/relay"
	"github.com/everydev1618/relay/llm"
)

// StreamInput parameterizes one streaming cycle.
type StreamInput struct {
	ThreadID       string
	PromptMessages []llm.Message
	Model          string
	Config         Config

	// CanAutoContinue permits suspending at a length cutoff.
	CanAutoContinue bool

	// AutoContinueCount is the number of completed cycles before this
	// one; zero means a fresh run, which emits the start events.
	AutoContinueCount int

	// Continuous is the state handed back by the previous cycle.
	Continuous *ContinuousState
}

// nativeCallBuffer accumulates tool-call deltas for one index.
type nativeCallBuffer struct {
	id        string
	name      string
	arguments strings.Builder
}

// complete reports whether the buffered call has an id, a name and
// parseable arguments.
func (b *nativeCallBuffer) complete() (map[string]any, bool) {
	if b.id == "" || b.name == "" || b.arguments.Len() == 0 {
		return nil, false
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(b.arguments.String()), &args); err != nil {
		return nil, false
	}
	return args, true
}

// streamState is the mutable state of one streaming cycle.
type streamState struct {
	in          StreamInput
	items       chan<- relay.Item
	threadRunID string

	accumulated   string
	currentXML    string
	sequence      int
	xmlChunks     []string
	xmlCallCount  int
	toolIndex     int
	finishReason  string
	terminate     bool
	lastAssistant *relay.Item

	nativeBuffer    map[int]*nativeCallBuffer
	nativeDispatch  map[int]bool
	pending         []*pendingExecution
	yieldedStatuses map[int]bool

	model      string
	created    int64
	usage      llm.Usage
	firstChunk time.Time
	lastChunk  time.Time
}

// ProcessStream consumes a normalized LLM chunk stream and emits the
// run's ordered response items on the items channel. Persisted items
// pass through the AddMessage callback first; transient chunks do not.
// The caller owns the items channel and must drain it concurrently.
func (p *Processor) ProcessStream(ctx context.Context, stream <-chan llm.Chunk, in StreamInput, items chan<- relay.Item) (*Result, error) {
	if err := in.Config.Validate(); err != nil {
		return nil, err
	}

	st := &streamState{
		in:              in,
		items:           items,
		model:           in.Model,
		nativeBuffer:    make(map[int]*nativeCallBuffer),
		nativeDispatch:  make(map[int]bool),
		yieldedStatuses: make(map[int]bool),
	}
	if in.Continuous != nil {
		st.accumulated = in.Continuous.AccumulatedContent
		st.currentXML = in.Continuous.AccumulatedContent
		st.sequence = in.Continuous.Sequence
		st.threadRunID = in.Continuous.ThreadRunID
	}
	if st.threadRunID == "" {
		st.threadRunID = uuid.NewString()
	}

	slog.Info("processor: streaming",
		"thread_id", in.ThreadID,
		"xml", in.Config.XMLToolCalling,
		"native", in.Config.NativeToolCalling,
		"execute_on_stream", in.Config.ExecuteOnStream,
		"strategy", in.Config.strategy(),
	)

	// Start events only on a fresh run, never on auto-continue.
	if in.AutoContinueCount == 0 {
		if err := p.emitSavedStatus(ctx, st, map[string]any{
			"status_type":   relay.StatusThreadRunStart,
			"thread_run_id": st.threadRunID,
		}); err != nil {
			return nil, err
		}
		if err := p.emitSavedStatus(ctx, st, map[string]any{
			"status_type": relay.StatusAssistantResponseStart,
		}); err != nil {
			return nil, err
		}
	}

	streamErr := p.consumeStream(ctx, stream, st)

	result, finErr := p.finishStream(ctx, st, streamErr)
	if finErr != nil {
		return nil, finErr
	}
	return result, streamErr
}

// consumeStream runs the Streaming state: it folds every chunk into the
// cycle state, yields content chunks, and schedules streamed tools.
func (p *Processor) consumeStream(ctx context.Context, stream <-chan llm.Chunk, st *streamState) error {
	cfg := st.in.Config

	for {
		var chunk llm.Chunk
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok = <-stream:
			if !ok {
				return nil
			}
		}

		if chunk.Err != nil {
			return chunk.Err
		}

		now := time.Now()
		if st.firstChunk.IsZero() {
			st.firstChunk = now
		}
		st.lastChunk = now

		if chunk.Created != 0 {
			st.created = chunk.Created
		}
		if chunk.Model != "" {
			st.model = chunk.Model
		}
		if chunk.Usage != nil {
			// Zero values from the provider are real and overwrite.
			st.usage = *chunk.Usage
		}
		if chunk.FinishReason != "" {
			st.finishReason = chunk.FinishReason
		}

		if chunk.Delta.ReasoningContent != "" {
			// Reasoning folds into the assistant content; no yield.
			st.accumulated += chunk.Delta.ReasoningContent
		}

		if chunk.Delta.Content != "" {
			st.accumulated += chunk.Delta.Content
			st.currentXML += chunk.Delta.Content

			if !st.xmlCapReached(cfg) {
				st.items <- chunkItem(st.in.ThreadID, st.threadRunID, chunk.Delta.Content, st.sequence)
				st.sequence++
			}

			if cfg.XMLToolCalling && !st.xmlCapReached(cfg) {
				p.scanXML(ctx, st)
			}
		}

		if cfg.NativeToolCalling && len(chunk.Delta.ToolCalls) > 0 {
			p.consumeNativeDeltas(ctx, st, chunk.Delta.ToolCalls)
		}

		if st.finishReason == relay.FinishReasonXMLToolLimit {
			slog.Info("processor: stopping stream after xml tool call limit")
			return nil
		}
	}
}

// xmlCapReached reports whether the XML call cap has tripped.
func (st *streamState) xmlCapReached(cfg Config) bool {
	return cfg.MaxXMLToolCalls > 0 && st.xmlCallCount >= cfg.MaxXMLToolCalls
}

// scanXML extracts complete XML blocks from the running window,
// consumes them, and schedules their calls when streaming execution is
// enabled.
func (p *Processor) scanXML(ctx context.Context, st *streamState) {
	cfg := st.in.Config

	for _, chunk := range extractXMLChunks(st.currentXML) {
		st.currentXML = strings.Replace(st.currentXML, chunk, "", 1)
		st.xmlChunks = append(st.xmlChunks, chunk)

		parsed := parseXMLChunk(chunk)
		if len(parsed) == 0 {
			continue
		}
		st.xmlCallCount++

		if cfg.ExecuteTools && cfg.ExecuteOnStream {
			for _, call := range parsed {
				details := call.Details
				tc := newToolContext(call.Call, st.toolIndex, st.assistantMessageID(), &details)
				if item, err := p.saveToolStarted(ctx, st.in.ThreadID, st.threadRunID, tc); err == nil && item != nil {
					st.items <- *item
				}
				st.yieldedStatuses[tc.index] = true
				st.pending = append(st.pending, p.dispatch(ctx, tc))
				st.toolIndex++
			}
		}

		if st.xmlCapReached(cfg) {
			st.finishReason = relay.FinishReasonXMLToolLimit
			return
		}
	}
}

// consumeNativeDeltas merges native tool-call deltas into the per-index
// buffer, yields transient chunk statuses, and schedules complete calls
// when streaming execution is enabled.
func (p *Processor) consumeNativeDeltas(ctx context.Context, st *streamState, deltas []llm.ToolCallDelta) {
	cfg := st.in.Config

	for _, delta := range deltas {
		st.items <- transientStatus(st.in.ThreadID, st.threadRunID, map[string]any{
			"role":            "assistant",
			"status_type":     relay.StatusToolCallChunk,
			"tool_call_chunk": delta,
		})

		buf := st.nativeBuffer[delta.Index]
		if buf == nil {
			buf = &nativeCallBuffer{}
			st.nativeBuffer[delta.Index] = buf
		}
		if delta.ID != "" {
			buf.id = delta.ID
		}
		if delta.Function.Name != "" {
			buf.name = delta.Function.Name
		}
		if delta.Function.Arguments != "" {
			buf.arguments.WriteString(delta.Function.Arguments)
		}

		args, complete := buf.complete()
		if !complete || st.nativeDispatch[delta.Index] {
			continue
		}
		if !cfg.ExecuteTools || !cfg.ExecuteOnStream {
			continue
		}

		st.nativeDispatch[delta.Index] = true
		call := relay.ToolCall{
			FunctionName: buf.name,
			Arguments:    args,
			ID:           buf.id,
		}
		tc := newToolContext(call, st.toolIndex, st.assistantMessageID(), nil)
		if item, err := p.saveToolStarted(ctx, st.in.ThreadID, st.threadRunID, tc); err == nil && item != nil {
			st.items <- *item
		}
		st.yieldedStatuses[tc.index] = true
		st.pending = append(st.pending, p.dispatch(ctx, tc))
		st.toolIndex++
	}
}

// assistantMessageID returns the id of the saved assistant message, if
// it exists yet.
func (st *streamState) assistantMessageID() string {
	if st.lastAssistant == nil {
		return ""
	}
	return st.lastAssistant.MessageID
}

// emitSavedStatus persists a status item and yields it.
func (p *Processor) emitSavedStatus(ctx context.Context, st *streamState, content map[string]any) error {
	item, err := p.saveStatus(ctx, st.in.ThreadID, st.threadRunID, content)
	if err != nil {
		return err
	}
	if item != nil {
		st.items <- *item
	}
	return nil
}
