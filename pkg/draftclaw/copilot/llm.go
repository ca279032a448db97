// Package copilot – llm.go streams chat completions from OpenAI-compatible
// and Anthropic providers and turns them into content and tool-call
// fragment events.
package copilot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ---------- Stream boundary ----------

// StreamEvent is one event of a completion stream. Exactly one of Content,
// Fragment or Done is set.
type StreamEvent struct {
	Content      string
	Fragment     *ToolCallFragment
	Done         bool
	FinishReason string
}

// CompletionRequest is what the execution loop sends each round.
type CompletionRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// CompletionStream produces an ordered event sequence for a request. emit is
// called from the calling goroutine; returning an error from it aborts the
// stream with that error.
type CompletionStream interface {
	Stream(ctx context.Context, req CompletionRequest, emit func(StreamEvent) error) error
}

// ---------- Client ----------

// LLMClient handles communication with the LLM provider API.
type LLMClient struct {
	baseURL    string
	provider   string // "openai", "anthropic", ...
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLLMClient creates a new LLM client from config.
func NewLLMClient(cfg *Config, logger *slog.Logger) *LLMClient {
	baseURL := cfg.API.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	provider := detectProvider(baseURL)
	if provider == "openai" && cfg.API.Provider != "" && cfg.API.Provider != "openai" {
		provider = cfg.API.Provider
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &LLMClient{
		baseURL:   baseURL,
		provider:  provider,
		apiKey:    cfg.API.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.API.MaxTokens,
		httpClient: &http.Client{
			// No global timeout: streams can run for minutes. Callers bound
			// each turn with a context deadline instead.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger: logger.With("component", "llm", "provider", provider),
	}
}

// detectProvider infers the provider from the base URL.
func detectProvider(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "anthropic.com"):
		return "anthropic"
	case strings.Contains(baseURL, "openai.com"):
		return "openai"
	case strings.Contains(baseURL, "openrouter.ai"):
		return "openrouter"
	case strings.Contains(baseURL, "api.groq.com"):
		return "groq"
	case strings.Contains(baseURL, "localhost:11434"),
		strings.Contains(baseURL, "127.0.0.1:11434"),
		strings.Contains(baseURL, "ollama"):
		return "ollama"
	default:
		return "openai" // assume OpenAI-compatible
	}
}

// Provider returns the detected provider name.
func (c *LLMClient) Provider() string {
	return c.provider
}

func (c *LLMClient) isAnthropicAPI() bool {
	return c.provider == "anthropic"
}

func (c *LLMClient) chatEndpoint() string {
	if c.isAnthropicAPI() {
		return c.baseURL + "/messages"
	}
	return c.baseURL + "/chat/completions"
}

// Stream implements CompletionStream.
func (c *LLMClient) Stream(ctx context.Context, req CompletionRequest, emit func(StreamEvent) error) error {
	model := req.Model
	if model == "" {
		model = c.model
	}
	messages := toChatMessages(req.System, req.Messages)
	if c.isAnthropicAPI() {
		return c.streamAnthropic(ctx, model, messages, req.Tools, emit)
	}
	return c.streamOpenAI(ctx, model, messages, req.Tools, emit)
}

// ---------- Wire Types (OpenAI-compatible) ----------

// chatMessage represents a message in the OpenAI chat format.
type chatMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// chatRequest is the OpenAI-compatible chat completions request.
type chatRequest struct {
	Model     string           `json:"model"`
	Messages  []chatMessage    `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	Stream    bool             `json:"stream,omitempty"`
	MaxTokens *int             `json:"max_tokens,omitempty"`
}

// streamChoice represents a single choice in a streaming chunk.
type streamChoice struct {
	Index int `json:"index"`
	Delta struct {
		Content   string           `json:"content"`
		ToolCalls []streamToolCall `json:"tool_calls,omitempty"`
	} `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// streamToolCall represents a tool call delta (partial; id, name, arguments come in chunks).
type streamToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

// streamResponse is the SSE chunk format.
type streamResponse struct {
	Choices []streamChoice `json:"choices"`
}

// ---------- Tool Calling Types ----------

// ToolDefinition is an OpenAI-compatible tool definition for function calling.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function exposed to the LLM.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents a tool invocation in a chat history message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and serialized arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// toChatMessages renders the transcript in the OpenAI chat format. Tool
// parts of an assistant message become its tool_calls, followed by one tool
// message per part. System messages after the first position are sent as
// user messages, because most providers reject mid-conversation system
// turns.
func toChatMessages(system string, messages []Message) []chatMessage {
	var out []chatMessage
	if system != "" {
		out = append(out, chatMessage{Role: "system", Content: system})
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if len(out) == 0 {
				out = append(out, chatMessage{Role: "system", Content: m.Content})
			} else {
				out = append(out, chatMessage{Role: "user", Content: "[System] " + m.Content})
			}

		case RoleAssistant:
			parts := m.ToolParts()
			msg := chatMessage{Role: "assistant", Content: m.Content}
			for _, p := range parts {
				args := string(p.Tool.Input)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:       p.ID,
					Type:     "function",
					Function: FunctionCall{Name: p.Tool.Name, Arguments: args},
				})
			}
			out = append(out, msg)
			for _, p := range parts {
				out = append(out, chatMessage{
					Role:       "tool",
					Content:    toolResultContent(p),
					ToolCallID: p.ID,
				})
			}

		default:
			out = append(out, chatMessage{Role: "user", Content: m.Content})
		}
	}
	return out
}

func toolResultContent(p ToolPart) string {
	if len(p.Tool.Output) == 0 {
		return fmt.Sprintf(`{"status":%q}`, p.Tool.Status)
	}
	return string(p.Tool.Output)
}

// ---------- Anthropic Messages API Types ----------

// anthropicRequest is the Anthropic Messages API request format.
type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
}

// anthropicMessage is a message in the Anthropic format.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

// anthropicContent represents a content block in Anthropic format.
type anthropicContent struct {
	Type      string          `json:"type"`                  // "text", "tool_use", "tool_result"
	Text      string          `json:"text,omitempty"`        // for type=text
	ID        string          `json:"id,omitempty"`          // for type=tool_use
	Name      string          `json:"name,omitempty"`        // for type=tool_use
	Input     json.RawMessage `json:"input,omitempty"`       // for type=tool_use
	ToolUseID string          `json:"tool_use_id,omitempty"` // for type=tool_result
	Content   string          `json:"content,omitempty"`     // for type=tool_result
}

// anthropicTool is a tool definition in the Anthropic format.
type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// anthropicStreamEvent is a Server-Sent Events chunk from the Anthropic streaming API.
type anthropicStreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type,omitempty"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
}

// convertToAnthropicRequest converts OpenAI-format messages and tools to Anthropic format.
func convertToAnthropicRequest(model string, messages []chatMessage, tools []ToolDefinition, maxTokens int) *anthropicRequest {
	req := &anthropicRequest{
		Model:     model,
		MaxTokens: 8192,
	}
	if maxTokens > 0 {
		req.MaxTokens = maxTokens
	}

	var anthropicMsgs []anthropicMessage
	for _, m := range messages {
		if m.Role == "system" {
			if v, ok := m.Content.(string); ok {
				if req.System != "" {
					req.System += "\n\n"
				}
				req.System += v
			}
			continue
		}

		if m.Role == "tool" {
			toolResult := anthropicContent{Type: "tool_result", ToolUseID: m.ToolCallID}
			if v, ok := m.Content.(string); ok {
				toolResult.Content = v
			}
			anthropicMsgs = append(anthropicMsgs, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{toolResult},
			})
			continue
		}

		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			var blocks []anthropicContent
			if content, ok := m.Content.(string); ok && content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage(tc.Function.Arguments),
				})
			}
			anthropicMsgs = append(anthropicMsgs, anthropicMessage{Role: "assistant", Content: blocks})
			continue
		}

		anthropicMsgs = append(anthropicMsgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	// Anthropic requires alternating user/assistant. Merge consecutive same-role messages.
	req.Messages = mergeConsecutiveAnthropicMessages(anthropicMsgs)

	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return req
}

// mergeConsecutiveAnthropicMessages merges consecutive messages with the same role.
func mergeConsecutiveAnthropicMessages(msgs []anthropicMessage) []anthropicMessage {
	if len(msgs) == 0 {
		return msgs
	}
	result := []anthropicMessage{msgs[0]}
	for i := 1; i < len(msgs); i++ {
		last := &result[len(result)-1]
		if msgs[i].Role == last.Role {
			lastBlocks := toAnthropicContentBlocks(last.Content)
			newBlocks := toAnthropicContentBlocks(msgs[i].Content)
			last.Content = append(lastBlocks, newBlocks...)
		} else {
			result = append(result, msgs[i])
		}
	}
	return result
}

// toAnthropicContentBlocks converts any content to []anthropicContent.
func toAnthropicContentBlocks(content any) []anthropicContent {
	switch v := content.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []anthropicContent{{Type: "text", Text: v}}
	case []anthropicContent:
		return v
	default:
		data, err := json.Marshal(content)
		if err != nil {
			return nil
		}
		var blocks []anthropicContent
		if err := json.Unmarshal(data, &blocks); err != nil {
			return []anthropicContent{{Type: "text", Text: string(data)}}
		}
		return blocks
	}
}

// ---------- Errors ----------

// apiError captures the HTTP status and body of a failed request.
type apiError struct {
	statusCode int
	body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.statusCode, truncate(e.body, 200))
}

// truncate shortens s to at most n runes, appending "..." when cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// ---------- Streaming ----------

func (c *LLMClient) post(ctx context.Context, body any, setAuth func(*http.Request)) (*http.Response, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatEndpoint(), bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, &apiError{statusCode: resp.StatusCode, body: string(b)}
	}
	return resp, nil
}

// sseScanner yields the payloads of "data: " lines until "[DONE]".
func sseScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024) // 64KB initial, 1MB max line
	return scanner
}

// streamOpenAI performs streaming using the OpenAI SSE format. Each
// tool_calls delta is forwarded as a fragment without local accumulation.
func (c *LLMClient) streamOpenAI(ctx context.Context, model string, messages []chatMessage, tools []ToolDefinition, emit func(StreamEvent) error) error {
	reqBody := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if len(tools) > 0 {
		reqBody.Tools = tools
	}
	if c.maxTokens > 0 {
		mt := c.maxTokens
		reqBody.MaxTokens = &mt
	}

	c.logger.Debug("sending streaming chat completion",
		"model", model,
		"messages", len(messages),
		"tools", len(tools),
	)

	start := time.Now()
	resp, err := c.post(ctx, reqBody, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	finishReason := ""
	fragments := 0
	scanner := sseScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk streamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("failed to parse SSE chunk, skipping", "payload", truncate(payload, 100), "error", err)
			continue
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if err := emit(StreamEvent{Content: choice.Delta.Content}); err != nil {
					return err
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				fragments++
				if err := emit(StreamEvent{Fragment: &ToolCallFragment{
					Index:          tc.Index,
					CallID:         tc.ID,
					Name:           tc.Function.Name,
					ArgumentsDelta: tc.Function.Arguments,
				}}); err != nil {
					return err
				}
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}

	c.logger.Info("streaming chat completion done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"finish_reason", finishReason,
		"fragments", fragments,
	)
	return emit(StreamEvent{Done: true, FinishReason: finishReason})
}

// streamAnthropic performs streaming using the Anthropic SSE format. A
// tool_use block becomes one fragment carrying id and name, followed by one
// fragment per input_json_delta, all sharing the block index.
func (c *LLMClient) streamAnthropic(ctx context.Context, model string, messages []chatMessage, tools []ToolDefinition, emit func(StreamEvent) error) error {
	reqBody := convertToAnthropicRequest(model, messages, tools, c.maxTokens)
	reqBody.Stream = true

	start := time.Now()
	resp, err := c.post(ctx, reqBody, func(r *http.Request) {
		r.Header.Set("anthropic-version", "2023-06-01")
		r.Header.Set("x-api-key", c.apiKey)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	toolBlocks := make(map[int]bool) // block index -> received any input json
	finishReason := ""
	blockIdx := 0

	scanner := sseScanner(resp.Body)
	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		evType := event.Type
		if evType == "" {
			evType = eventType
		}

		switch evType {
		case "content_block_start":
			blockIdx = event.Index
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolBlocks[blockIdx] = false
				if err := emit(StreamEvent{Fragment: &ToolCallFragment{
					Index:  blockIdx,
					CallID: event.ContentBlock.ID,
					Name:   event.ContentBlock.Name,
				}}); err != nil {
					return err
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if err := emit(StreamEvent{Content: event.Delta.Text}); err != nil {
					return err
				}
			case "input_json_delta":
				if _, ok := toolBlocks[blockIdx]; !ok || event.Delta.PartialJSON == "" {
					continue
				}
				toolBlocks[blockIdx] = true
				if err := emit(StreamEvent{Fragment: &ToolCallFragment{
					Index:          blockIdx,
					ArgumentsDelta: event.Delta.PartialJSON,
				}}); err != nil {
					return err
				}
			}

		case "content_block_stop":
			// A tool without parameters streams no input at all.
			if seen, ok := toolBlocks[blockIdx]; ok && !seen {
				toolBlocks[blockIdx] = true
				if err := emit(StreamEvent{Fragment: &ToolCallFragment{Index: blockIdx, ArgumentsDelta: "{}"}}); err != nil {
					return err
				}
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				finishReason = event.Delta.StopReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}

	// Map Anthropic stop reasons to OpenAI finish reasons.
	switch finishReason {
	case "end_turn":
		finishReason = "stop"
	case "tool_use":
		finishReason = "tool_calls"
	case "max_tokens":
		finishReason = "length"
	}

	c.logger.Info("anthropic streaming done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"finish_reason", finishReason,
		"tool_calls", len(toolBlocks),
	)
	return emit(StreamEvent{Done: true, FinishReason: finishReason})
}
