package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default Anthropic configuration values
const (
	DefaultAnthropicTimeout = 5 * time.Minute
	DefaultAnthropicModel   = "claude-sonnet-4-20250514"
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
)

// Anthropic is a Transport backed by the Anthropic Messages API.
type Anthropic struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// AnthropicOption configures the Anthropic client.
type AnthropicOption func(*Anthropic)

// WithAPIKey sets the API key.
func WithAPIKey(key string) AnthropicOption {
	return func(a *Anthropic) {
		a.apiKey = key
	}
}

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) AnthropicOption {
	return func(a *Anthropic) {
		a.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) AnthropicOption {
	return func(a *Anthropic) {
		a.httpClient = client
	}
}

// NewAnthropic creates an Anthropic transport. The API key defaults to
// the ANTHROPIC_API_KEY environment variable.
func NewAnthropic(opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		apiKey:  os.Getenv("ANTHROPIC_API_KEY"),
		baseURL: DefaultAnthropicBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultAnthropicTimeout,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// cacheControl marks a block for Anthropic prompt caching.
type cacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// systemBlock is a structured system prompt block with optional cache control.
type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type anthropicRequest struct {
	Model       string          `json:"model"`
	Messages    []anthropicMsg  `json:"messages"`
	System      any             `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	Tools       []anthropicTool `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []map[string]any
}

type anthropicTool struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	CacheControl *cacheControl  `json:"cache_control,omitempty"`
}

type anthropicResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text,omitempty"`
		ID    string         `json:"id,omitempty"`
		Name  string         `json:"name,omitempty"`
		Input map[string]any `json:"input,omitempty"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// finishReason maps an Anthropic stop reason onto the normalized form.
func finishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return stopReason
	}
}

func (a *Anthropic) buildRequest(req Request, stream bool) *anthropicRequest {
	out := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if out.Model == "" {
		out.Model = DefaultAnthropicModel
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 8192
	}

	var msgs []anthropicMsg
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			out.System = []systemBlock{{
				Type:         "text",
				Text:         msg.Content,
				CacheControl: &cacheControl{Type: "ephemeral"},
			}}
			continue
		}
		if msg.Role == RoleTool {
			msgs = append(msgs, anthropicMsg{
				Role: "user",
				Content: []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
			continue
		}
		msgs = append(msgs, anthropicMsg{Role: string(msg.Role), Content: msg.Content})
	}
	out.Messages = msgs

	// Mark the last tool with cache_control so the whole prefix
	// (system + tools) is cacheable.
	for i, t := range req.Tools {
		at := anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
		if i == len(req.Tools)-1 {
			at.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		out.Tools = append(out.Tools, at)
	}

	return out
}

func (a *Anthropic) createHTTPRequest(ctx context.Context, req *anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	return httpReq, nil
}

// retryAfterDelay returns how long to wait before retrying a rate-limited
// request. It respects the retry-after header if present, otherwise uses
// exponential backoff.
func retryAfterDelay(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("retry-after"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	wait := time.Duration(5<<uint(attempt)) * time.Second
	if wait > 60*time.Second {
		wait = 60 * time.Second
	}
	return wait
}

// Complete sends a request and returns the whole response.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	const maxRetries = 5
	areq := a.buildRequest(req, false)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		httpReq, err := a.createHTTPRequest(ctx, areq)
		if err != nil {
			return nil, err
		}

		httpResp, err := a.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("http request: %w", err)
		}

		body, err := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		if httpResp.StatusCode == http.StatusOK {
			var resp anthropicResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, fmt.Errorf("unmarshal response: %w", err)
			}
			return normalizeResponse(&resp), nil
		}

		// Retry on 429 (rate limit) and 529 (overloaded).
		if (httpResp.StatusCode == 429 || httpResp.StatusCode == 529) && attempt < maxRetries {
			wait := retryAfterDelay(httpResp, attempt)
			slog.Warn("llm: rate limited, retrying", "status", httpResp.StatusCode, "attempt", attempt+1, "wait", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return nil, fmt.Errorf("API error %d: %s", httpResp.StatusCode, string(body))
	}

	return nil, fmt.Errorf("max retries exceeded")
}

func normalizeResponse(resp *anthropicResponse) *Response {
	out := &Response{
		Model:        resp.Model,
		FinishReason: finishReason(resp.StopReason),
		Created:      time.Now().Unix(),
		Usage: &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	for i, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			out.ToolCalls = append(out.ToolCalls, ToolCallDelta{
				Index: i,
				ID:    block.ID,
				Type:  "function",
				Function: FunctionDelta{
					Name:      block.Name,
					Arguments: string(args),
				},
			})
		}
	}
	return out
}

// Stream sends a streaming request and yields normalized chunks.
func (a *Anthropic) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	areq := a.buildRequest(req, true)
	chunks := make(chan Chunk, 100)

	go func() {
		defer close(chunks)

		const maxRetries = 5
		for attempt := 0; attempt <= maxRetries; attempt++ {
			httpReq, err := a.createHTTPRequest(ctx, areq)
			if err != nil {
				chunks <- Chunk{Err: err}
				return
			}

			httpResp, err := a.httpClient.Do(httpReq)
			if err != nil {
				chunks <- Chunk{Err: err}
				return
			}

			if httpResp.StatusCode == http.StatusOK {
				a.decodeSSE(httpResp.Body, areq.Model, chunks)
				httpResp.Body.Close()
				return
			}

			body, _ := io.ReadAll(httpResp.Body)

			if (httpResp.StatusCode == 429 || httpResp.StatusCode == 529) && attempt < maxRetries {
				wait := retryAfterDelay(httpResp, attempt)
				slog.Warn("llm: rate limited (stream), retrying", "status", httpResp.StatusCode, "attempt", attempt+1, "wait", wait)
				httpResp.Body.Close()
				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
					chunks <- Chunk{Err: ctx.Err()}
					return
				}
			}

			httpResp.Body.Close()
			chunks <- Chunk{Err: fmt.Errorf("API error %d: %s", httpResp.StatusCode, string(body))}
			return
		}

		chunks <- Chunk{Err: fmt.Errorf("max retries exceeded")}
	}()

	return chunks, nil
}

// decodeSSE reads the Anthropic event stream and converts each event
// into a normalized chunk. Tool-use blocks are assigned increasing
// tool-call indices in order of appearance.
func (a *Anthropic) decodeSSE(reader io.Reader, model string, chunks chan<- Chunk) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var currentEvent string
	var currentData strings.Builder
	var promptTokens int
	toolIndex := -1
	blockIsTool := false

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			currentData.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
		if line != "" || currentEvent == "" {
			continue
		}

		data := currentData.String()
		currentData.Reset()
		event := currentEvent
		currentEvent = ""

		switch event {
		case "message_start":
			var msg struct {
				Message struct {
					Model string `json:"model"`
					Usage struct {
						InputTokens int `json:"input_tokens"`
					} `json:"usage"`
				} `json:"message"`
			}
			json.Unmarshal([]byte(data), &msg)
			if msg.Message.Model != "" {
				model = msg.Message.Model
			}
			promptTokens = msg.Message.Usage.InputTokens
			chunks <- Chunk{Model: model, Created: time.Now().Unix()}

		case "content_block_start":
			var block struct {
				ContentBlock struct {
					Type string `json:"type"`
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"content_block"`
			}
			json.Unmarshal([]byte(data), &block)
			blockIsTool = block.ContentBlock.Type == "tool_use"
			if blockIsTool {
				toolIndex++
				chunks <- Chunk{Delta: Delta{ToolCalls: []ToolCallDelta{{
					Index: toolIndex,
					ID:    block.ContentBlock.ID,
					Type:  "function",
					Function: FunctionDelta{
						Name: block.ContentBlock.Name,
					},
				}}}}
			}

		case "content_block_delta":
			var delta struct {
				Delta struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					Thinking    string `json:"thinking"`
					PartialJSON string `json:"partial_json"`
				} `json:"delta"`
			}
			json.Unmarshal([]byte(data), &delta)
			switch delta.Delta.Type {
			case "text_delta":
				chunks <- Chunk{Delta: Delta{Content: delta.Delta.Text}}
			case "thinking_delta":
				chunks <- Chunk{Delta: Delta{ReasoningContent: delta.Delta.Thinking}}
			case "input_json_delta":
				if blockIsTool {
					chunks <- Chunk{Delta: Delta{ToolCalls: []ToolCallDelta{{
						Index:    toolIndex,
						Function: FunctionDelta{Arguments: delta.Delta.PartialJSON},
					}}}}
				}
			}

		case "content_block_stop":
			blockIsTool = false

		case "message_delta":
			var delta struct {
				Delta struct {
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
				Usage struct {
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			json.Unmarshal([]byte(data), &delta)
			chunk := Chunk{
				Usage: &Usage{
					PromptTokens:     promptTokens,
					CompletionTokens: delta.Usage.OutputTokens,
					TotalTokens:      promptTokens + delta.Usage.OutputTokens,
				},
			}
			if delta.Delta.StopReason != "" {
				chunk.FinishReason = finishReason(delta.Delta.StopReason)
			}
			chunks <- chunk

		case "message_stop":
			// Final event; finish reason already delivered.

		case "error":
			var errResp struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			json.Unmarshal([]byte(data), &errResp)
			chunks <- Chunk{Err: fmt.Errorf("stream error: %s", errResp.Error.Message)}
		}
	}
}
