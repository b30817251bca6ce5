package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

// ItemType tags a response item.
type ItemType string

const (
	ItemTypeStatus               ItemType = "status"
	ItemTypeAssistant            ItemType = "assistant"
	ItemTypeTool                 ItemType = "tool"
	ItemTypeAssistantResponseEnd ItemType = "assistant_response_end"
)

// Status types carried in a status item's content under "status_type".
const (
	StatusThreadRunStart         = "thread_run_start"
	StatusAssistantResponseStart = "assistant_response_start"
	StatusToolStarted            = "tool_started"
	StatusToolCompleted          = "tool_completed"
	StatusToolFailed             = "tool_failed"
	StatusToolError              = "tool_error"
	StatusToolCallChunk          = "tool_call_chunk"
	StatusFinish                 = "finish"
	StatusThreadRunEnd           = "thread_run_end"
	StatusError                  = "error"
)

// Finish reasons the processor emits beyond the provider's own.
const (
	FinishReasonAgentTerminated = "agent_terminated"
	FinishReasonXMLToolLimit    = "xml_tool_limit_reached"
	FinishReasonLength          = "length"
	FinishReasonStop            = "stop"
)

// Item is one record of a run's response buffer: an assistant content
// chunk, a full assistant message, a tool result, a status event, or
// the assistant_response_end marker. Items are totally ordered by their
// append position in the buffer.
type Item struct {
	MessageID    string         `json:"message_id,omitempty"`
	ThreadID     string         `json:"thread_id"`
	Type         ItemType       `json:"type"`
	Content      map[string]any `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	IsLLMMessage bool           `json:"is_llm_message"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`

	// Sequence orders streamed assistant chunks within one run. It is
	// strictly increasing and continues across auto-continue cycles.
	// Only chunk items carry it.
	Sequence *int `json:"sequence,omitempty"`
}

// wireItem is the JSON shape sent to viewers: content and metadata are
// string-encoded for client compatibility.
type wireItem struct {
	MessageID    string   `json:"message_id,omitempty"`
	ThreadID     string   `json:"thread_id"`
	Type         ItemType `json:"type"`
	Content      string   `json:"content"`
	Metadata     string   `json:"metadata,omitempty"`
	IsLLMMessage bool     `json:"is_llm_message"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	Sequence     *int     `json:"sequence,omitempty"`
}

// MarshalJSON encodes the item in wire form.
func (it Item) MarshalJSON() ([]byte, error) {
	content, err := json.Marshal(it.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal item content: %w", err)
	}
	w := wireItem{
		MessageID:    it.MessageID,
		ThreadID:     it.ThreadID,
		Type:         it.Type,
		Content:      string(content),
		IsLLMMessage: it.IsLLMMessage,
		CreatedAt:    it.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    it.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Sequence:     it.Sequence,
	}
	if it.Metadata != nil {
		metadata, err := json.Marshal(it.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal item metadata: %w", err)
		}
		w.Metadata = string(metadata)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form back into an item.
func (it *Item) UnmarshalJSON(data []byte) error {
	var w wireItem
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	it.MessageID = w.MessageID
	it.ThreadID = w.ThreadID
	it.Type = w.Type
	it.IsLLMMessage = w.IsLLMMessage
	it.Sequence = w.Sequence
	if w.Content != "" {
		if err := json.Unmarshal([]byte(w.Content), &it.Content); err != nil {
			// Tolerate plain-string content from older writers.
			it.Content = map[string]any{"content": w.Content}
		}
	}
	if w.Metadata != "" {
		if err := json.Unmarshal([]byte(w.Metadata), &it.Metadata); err != nil {
			it.Metadata = nil
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
		it.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, w.UpdatedAt); err == nil {
		it.UpdatedAt = t
	}
	return nil
}

// StatusType returns the status_type of a status item, or "".
func (it *Item) StatusType() string {
	if it.Type != ItemTypeStatus || it.Content == nil {
		return ""
	}
	s, _ := it.Content["status_type"].(string)
	return s
}

// Terminal reports whether this item marks the end of a run's stream:
// a thread_run_end or an error status.
func (it *Item) Terminal() bool {
	switch it.StatusType() {
	case StatusThreadRunEnd, StatusError:
		return true
	}
	return false
}
