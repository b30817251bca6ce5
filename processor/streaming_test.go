package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/everydev1618/relay"
	"github.com/everydev1618/relay/llm"
	"github.com/everydev1618/relay/tools"
)

// msgStore is an in-memory AddMessage callback that assigns ids the way
// the real store does.
type msgStore struct {
	mu    sync.Mutex
	next  int
	saved []relay.Item
}

func (m *msgStore) add(ctx context.Context, threadID string, typ relay.ItemType, content map[string]any, isLLM bool, metadata map[string]any) (*relay.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	item := relay.Item{
		MessageID:    fmt.Sprintf("msg-%d", m.next),
		ThreadID:     threadID,
		Type:         typ,
		Content:      content,
		Metadata:     metadata,
		IsLLMMessage: isLLM,
	}
	m.saved = append(m.saved, item)
	return &item, nil
}

func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()

	register := func(name string, fn tools.Func) {
		if err := reg.RegisterFunc(llm.ToolSchema{
			Name:        name,
			InputSchema: map[string]any{"type": "object"},
		}, fn); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	register("list_files", func(ctx context.Context, args map[string]any) (tools.Result, error) {
		return tools.Ok(map[string]any{"files": []string{"a.txt"}}), nil
	})
	register("web_search", func(ctx context.Context, args map[string]any) (tools.Result, error) {
		return tools.Ok("results"), nil
	})
	register("complete", func(ctx context.Context, args map[string]any) (tools.Result, error) {
		return tools.Ok("done"), nil
	})
	return reg
}

// streamOf builds a closed chunk channel from the given chunks.
func streamOf(chunks ...llm.Chunk) <-chan llm.Chunk {
	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

// runStream drives ProcessStream and collects every emitted item.
func runStream(t *testing.T, p *Processor, stream <-chan llm.Chunk, in StreamInput) ([]relay.Item, *Result) {
	t.Helper()
	items := make(chan relay.Item, 1024)
	result, err := p.ProcessStream(context.Background(), stream, in, items)
	if err != nil {
		t.Fatalf("ProcessStream() error: %v", err)
	}
	close(items)
	var got []relay.Item
	for item := range items {
		got = append(got, item)
	}
	return got, result
}

// statusTypes extracts the status_type sequence of the emitted items,
// with non-status items rendered by their type.
func statusTypes(items []relay.Item) []string {
	var out []string
	for i := range items {
		item := &items[i]
		if item.Type == relay.ItemTypeStatus {
			out = append(out, item.StatusType())
			continue
		}
		if item.Type == relay.ItemTypeAssistant {
			if ss, _ := item.Metadata["stream_status"].(string); ss == "chunk" {
				out = append(out, "chunk")
				continue
			}
			out = append(out, "assistant")
			continue
		}
		out = append(out, string(item.Type))
	}
	return out
}

func TestStreamingSingleXMLToolSequential(t *testing.T) {
	ms := &msgStore{}
	p := New(newTestRegistry(t), ms.add)

	stream := streamOf(
		llm.Chunk{Model: "test-model", Delta: llm.Delta{Content: "Sure."}},
		llm.Chunk{Delta: llm.Delta{Content: `<function_calls><invoke name="list_files"><parameter name="path">/tmp</parameter></invoke></function_calls>`}},
		llm.Chunk{FinishReason: "stop", Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}},
	)

	items, result := runStream(t, p, stream, StreamInput{
		ThreadID: "thread-1",
		Model:    "test-model",
		Config: Config{
			XMLToolCalling:        true,
			ExecuteTools:          true,
			ToolExecutionStrategy: ExecuteSequential,
			XMLAddingStrategy:     AddAsAssistantMessage,
		},
	})

	got := statusTypes(items)
	want := []string{
		relay.StatusThreadRunStart,
		relay.StatusAssistantResponseStart,
		"chunk", "chunk",
		"assistant",
		relay.StatusToolStarted,
		"tool",
		relay.StatusToolCompleted,
		relay.StatusFinish,
		"assistant_response_end",
		relay.StatusThreadRunEnd,
	}
	if len(got) != len(want) {
		t.Fatalf("item sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("item[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	if result.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", result.FinishReason)
	}
	if result.ShouldAutoContinue {
		t.Errorf("ShouldAutoContinue = true, want false")
	}
	if result.Usage["total_tokens"] != 30 {
		t.Errorf("total_tokens = %d, want 30", result.Usage["total_tokens"])
	}

	// The tool result message carries the rich payload on yield.
	var toolItem *relay.Item
	for i := range items {
		if items[i].Type == relay.ItemTypeTool {
			toolItem = &items[i]
		}
	}
	if toolItem == nil {
		t.Fatal("no tool item emitted")
	}
	exec, ok := toolItem.Content["tool_execution"].(map[string]any)
	if !ok {
		t.Fatalf("yielded tool content is not rich: %v", toolItem.Content)
	}
	if exec["function_name"] != "list_files" {
		t.Errorf("tool_execution.function_name = %v", exec["function_name"])
	}
	res, _ := exec["result"].(map[string]any)
	if res == nil || res["success"] != true {
		t.Errorf("tool result success = %v, want true", res)
	}
}

func TestStreamingTerminatingTool(t *testing.T) {
	ms := &msgStore{}
	p := New(newTestRegistry(t), ms.add)

	stream := streamOf(
		llm.Chunk{Delta: llm.Delta{Content: `<function_calls><invoke name="complete"><parameter name="text">all done</parameter></invoke></function_calls>`}},
		llm.Chunk{FinishReason: "stop"},
	)

	items, result := runStream(t, p, stream, StreamInput{
		ThreadID: "thread-1",
		Model:    "m",
		Config: Config{
			XMLToolCalling: true,
			ExecuteTools:   true,
		},
	})

	if !result.AgentTerminated {
		t.Fatal("AgentTerminated = false, want true")
	}
	if result.FinishReason != relay.FinishReasonAgentTerminated {
		t.Errorf("FinishReason = %q, want agent_terminated", result.FinishReason)
	}

	got := statusTypes(items)
	finishCount := 0
	finishIdx, completedIdx, endIdx, respEndIdx := -1, -1, -1, -1
	for i, s := range got {
		switch s {
		case relay.StatusFinish:
			finishCount++
			finishIdx = i
		case relay.StatusToolCompleted:
			completedIdx = i
		case relay.StatusThreadRunEnd:
			endIdx = i
		case "assistant_response_end":
			respEndIdx = i
		}
	}
	if finishCount != 1 {
		t.Fatalf("finish count = %d, want exactly 1 (sequence %v)", finishCount, got)
	}
	finishItem := items[finishIdx]
	if fr, _ := finishItem.Content["finish_reason"].(string); fr != relay.FinishReasonAgentTerminated {
		t.Errorf("finish_reason = %q, want agent_terminated", fr)
	}
	if !(completedIdx < finishIdx && finishIdx < respEndIdx && respEndIdx < endIdx) {
		t.Errorf("ordering wrong: completed=%d finish=%d response_end=%d run_end=%d (%v)", completedIdx, finishIdx, respEndIdx, endIdx, got)
	}
}

func TestStreamingParallelTwoTools(t *testing.T) {
	ms := &msgStore{}
	p := New(newTestRegistry(t), ms.add)

	stream := streamOf(
		llm.Chunk{Delta: llm.Delta{Content: `<function_calls><invoke name="list_files"><parameter name="path">/a</parameter></invoke></function_calls>` +
			`<function_calls><invoke name="web_search"><parameter name="query">go</parameter></invoke></function_calls>`}},
		llm.Chunk{FinishReason: "stop"},
	)

	items, _ := runStream(t, p, stream, StreamInput{
		ThreadID: "thread-1",
		Model:    "m",
		Config: Config{
			XMLToolCalling:        true,
			ExecuteTools:          true,
			ToolExecutionStrategy: ExecuteParallel,
		},
	})

	toolMessages := 0
	started := map[int]int{}
	completed := map[int]int{}
	for i := range items {
		item := &items[i]
		if item.Type == relay.ItemTypeTool {
			toolMessages++
		}
		idx, _ := item.Content["tool_index"].(int)
		switch item.StatusType() {
		case relay.StatusToolStarted:
			started[idx] = i
		case relay.StatusToolCompleted, relay.StatusToolFailed:
			completed[idx] = i
		}
	}
	if toolMessages != 2 {
		t.Errorf("tool messages = %d, want 2", toolMessages)
	}
	if len(started) != 2 || len(completed) != 2 {
		t.Fatalf("started=%v completed=%v, want 2 each", started, completed)
	}
	for idx, startPos := range started {
		endPos, ok := completed[idx]
		if !ok {
			t.Errorf("tool %d has no terminal status", idx)
			continue
		}
		if startPos >= endPos {
			t.Errorf("tool %d: started at %d not before completion at %d", idx, startPos, endPos)
		}
	}
}

func TestStreamingAutoContinue(t *testing.T) {
	ms := &msgStore{}
	p := New(newTestRegistry(t), ms.add)

	cfg := Config{XMLToolCalling: true, ExecuteTools: true}

	// Cycle 1 ends at the length cutoff.
	stream1 := streamOf(
		llm.Chunk{Delta: llm.Delta{Content: "Part A"}},
		llm.Chunk{FinishReason: "length"},
	)
	items1, result1 := runStream(t, p, stream1, StreamInput{
		ThreadID:        "thread-1",
		Model:           "m",
		Config:          cfg,
		CanAutoContinue: true,
	})

	if !result1.ShouldAutoContinue {
		t.Fatal("cycle 1: ShouldAutoContinue = false, want true")
	}
	if result1.Continuous == nil {
		t.Fatal("cycle 1: no continuous state")
	}
	for _, s := range statusTypes(items1) {
		if s == relay.StatusThreadRunEnd || s == "assistant" || s == "assistant_response_end" {
			t.Errorf("cycle 1 should not emit %q", s)
		}
	}

	// Cycle 2 finishes the turn.
	stream2 := streamOf(
		llm.Chunk{Delta: llm.Delta{Content: " Part B"}},
		llm.Chunk{FinishReason: "stop"},
	)
	items2, result2 := runStream(t, p, stream2, StreamInput{
		ThreadID:          "thread-1",
		Model:             "m",
		Config:            cfg,
		CanAutoContinue:   true,
		AutoContinueCount: 1,
		Continuous:        result1.Continuous,
	})

	if result2.ShouldAutoContinue {
		t.Error("cycle 2: ShouldAutoContinue = true, want false")
	}

	got2 := statusTypes(items2)
	for _, s := range got2 {
		if s == relay.StatusThreadRunStart || s == relay.StatusAssistantResponseStart {
			t.Errorf("cycle 2 must not emit start event %q", s)
		}
	}

	var finalAssistant *relay.Item
	runEnds, respEnds := 0, 0
	for i := range items2 {
		item := &items2[i]
		if item.Type == relay.ItemTypeAssistant {
			if ss, _ := item.Metadata["stream_status"].(string); ss == "complete" {
				finalAssistant = item
			}
		}
		switch item.StatusType() {
		case relay.StatusThreadRunEnd:
			runEnds++
		}
		if item.Type == relay.ItemTypeAssistantResponseEnd {
			respEnds++
		}
	}
	if finalAssistant == nil {
		t.Fatal("cycle 2: no final assistant message")
	}
	if content, _ := finalAssistant.Content["content"].(string); content != "Part A Part B" {
		t.Errorf("final content = %q, want %q", content, "Part A Part B")
	}
	if runEnds != 1 {
		t.Errorf("thread_run_end count = %d, want 1", runEnds)
	}
	if respEnds != 1 {
		t.Errorf("assistant_response_end count = %d, want 1", respEnds)
	}

	// Chunk sequence numbers stay strictly increasing across cycles.
	seen := map[int]bool{}
	last := -1
	for _, batch := range [][]relay.Item{items1, items2} {
		for i := range batch {
			if batch[i].Sequence == nil {
				continue
			}
			seq := *batch[i].Sequence
			if seen[seq] {
				t.Errorf("duplicate chunk sequence %d", seq)
			}
			seen[seq] = true
			if seq <= last {
				t.Errorf("sequence %d not increasing after %d", seq, last)
			}
			last = seq
		}
	}
}

func TestStreamingXMLToolCap(t *testing.T) {
	ms := &msgStore{}
	p := New(newTestRegistry(t), ms.add)

	block := `<function_calls><invoke name="list_files"><parameter name="path">/a</parameter></invoke></function_calls>`
	stream := streamOf(
		llm.Chunk{Delta: llm.Delta{Content: block + block + "trailing prose"}},
		llm.Chunk{FinishReason: "stop"},
	)

	items, result := runStream(t, p, stream, StreamInput{
		ThreadID: "thread-1",
		Model:    "m",
		Config: Config{
			XMLToolCalling:  true,
			ExecuteTools:    true,
			MaxXMLToolCalls: 1,
		},
	})

	if result.FinishReason != relay.FinishReasonXMLToolLimit {
		t.Errorf("FinishReason = %q, want xml_tool_limit_reached", result.FinishReason)
	}

	toolMessages := 0
	var finalAssistant *relay.Item
	for i := range items {
		item := &items[i]
		if item.Type == relay.ItemTypeTool {
			toolMessages++
		}
		if item.Type == relay.ItemTypeAssistant {
			if ss, _ := item.Metadata["stream_status"].(string); ss == "complete" {
				finalAssistant = item
			}
		}
	}
	if toolMessages != 1 {
		t.Errorf("tool messages = %d, want 1 (cap)", toolMessages)
	}
	if finalAssistant == nil {
		t.Fatal("no final assistant message")
	}
	content, _ := finalAssistant.Content["content"].(string)
	if content != block {
		t.Errorf("content not truncated after last accepted block: %q", content)
	}
}

func TestStreamingUnknownTool(t *testing.T) {
	ms := &msgStore{}
	p := New(newTestRegistry(t), ms.add)

	stream := streamOf(
		llm.Chunk{Delta: llm.Delta{Content: `<function_calls><invoke name="nope"><parameter name="x">1</parameter></invoke></function_calls>`}},
		llm.Chunk{FinishReason: "stop"},
	)

	items, _ := runStream(t, p, stream, StreamInput{
		ThreadID: "thread-1",
		Model:    "m",
		Config:   Config{XMLToolCalling: true, ExecuteTools: true},
	})

	failed := false
	for i := range items {
		if items[i].StatusType() == relay.StatusToolFailed {
			failed = true
		}
	}
	if !failed {
		t.Error("unknown tool should produce a tool_failed status")
	}
}

func TestConfigValidation(t *testing.T) {
	bad := Config{ExecuteTools: true}
	if err := bad.Validate(); err == nil {
		t.Error("config with no tool format and execute_tools should be invalid")
	}
	good := Config{ExecuteTools: true, XMLToolCalling: true}
	if err := good.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	negative := Config{XMLToolCalling: true, MaxXMLToolCalls: -1}
	if err := negative.Validate(); err == nil {
		t.Error("negative cap should be invalid")
	}
}
