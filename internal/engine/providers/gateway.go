package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/agentrun/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// GatewayConfig configures the remote-gateway adapter.
type GatewayConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// GatewayProvider adapts an OpenAI-compatible remote gateway. Streaming
// responses use Server-Sent-Events framing: "data: <json>" lines separated
// by blank lines, terminated by a literal [DONE] sentinel.
type GatewayProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

var _ Provider = (*GatewayProvider)(nil)

// NewGatewayProvider creates a gateway adapter. A missing API key fails
// here, at construction, rather than at first call.
func NewGatewayProvider(cfg GatewayConfig) (*GatewayProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &ModelError{Reason: FailAuth, Provider: "gateway", Message: "API key is required"}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &GatewayProvider{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
	}, nil
}

// Name returns the provider name.
func (p *GatewayProvider) Name() string {
	return "gateway"
}

// Capabilities reports gateway defaults.
func (p *GatewayProvider) Capabilities() models.ModelInfo {
	return models.ModelInfo{
		ContextWindow:     128000,
		SupportsTools:     true,
		SupportsStreaming: true,
		SupportsVision:    true,
	}
}

// HealthCheck probes the models endpoint. It never returns an error value.
func (p *GatewayProvider) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return Health{Available: false, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return Health{Available: false, Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= http.StatusBadRequest {
		return Health{Available: false, Latency: time.Since(start), Error: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return Health{Available: true, Latency: time.Since(start)}
}

// Generate performs a single non-streaming round trip.
func (p *GatewayProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	body, err := p.start(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, 16<<20))
	if err != nil {
		return nil, NewModelError("gateway", req.Model, fmt.Errorf("read response: %w", err))
	}
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, NewModelError("gateway", req.Model, fmt.Errorf("decode response: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, NewModelError("gateway", req.Model, errors.New("response has no choices"))
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:      choice.Message.Content,
		FinishReason: mapGatewayFinish(string(choice.FinishReason)),
		Usage:        models.NewTokenUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: decodeGatewayArguments(tc.Function.Arguments),
		})
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = FinishToolCalls
	}
	return out, nil
}

// GenerateStream streams chunks until the [DONE] sentinel. Tool-call
// argument fragments are accumulated by choice index and emitted as
// complete calls once the stream finishes the call.
func (p *GatewayProvider) GenerateStream(ctx context.Context, req *Request) (<-chan *models.StreamChunk, error) {
	body, err := p.start(ctx, req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan *models.StreamChunk)
	go p.streamResponse(ctx, body, out, req.Model)
	return out, nil
}

func (p *GatewayProvider) start(ctx context.Context, req *Request, stream bool) (io.ReadCloser, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, NewModelError("gateway", "", errors.New("model is required"))
	}

	payload := openai.ChatCompletionRequest{
		Model:    model,
		Messages: buildGatewayMessages(req),
		Stream:   stream,
	}
	if stream {
		payload.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.MaxTokens > 0 {
		payload.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		payload.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		payload.TopP = *req.TopP
	}
	for _, t := range req.Tools {
		var schema map[string]any
		if err := json.Unmarshal(t.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		payload.Tools = append(payload.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewModelError("gateway", model, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewModelError("gateway", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewModelError("gateway", model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if readErr != nil {
			return nil, NewModelError("gateway", model, fmt.Errorf("gateway status %d (read body failed: %w)", resp.StatusCode, readErr)).WithStatus(resp.StatusCode)
		}
		return nil, NewModelError("gateway", model, fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}
	return resp.Body, nil
}

// pendingCall accumulates a streamed tool call whose arguments arrive as
// string fragments across frames.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (p *GatewayProvider) streamResponse(ctx context.Context, body io.ReadCloser, out chan *models.StreamChunk, model string) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	pending := map[int]*pendingCall{}
	var usage *models.TokenUsage
	finished := false

	flushPending := func() {
		idxs := make([]int, 0, len(pending))
		for i := range pending {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		for _, i := range idxs {
			pc := pending[i]
			id := pc.id
			if id == "" {
				id = uuid.NewString()
			}
			out <- models.ToolCallChunk(models.ToolCall{
				ID:    id,
				Name:  pc.name,
				Input: decodeGatewayArguments(pc.args.String()),
			})
		}
		pending = map[int]*pendingCall{}
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- models.ErrorChunk(ctx.Err().Error())
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			// Non-data SSE fields (event:, id:) carry nothing we need.
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			flushPending()
			out <- models.DoneChunk(usage)
			finished = true
			return
		}

		var frame openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			// Malformed frames are skipped, not fatal.
			continue
		}
		if frame.Usage != nil {
			u := models.NewTokenUsage(frame.Usage.PromptTokens, frame.Usage.CompletionTokens)
			usage = &u
		}
		for _, choice := range frame.Choices {
			if choice.Delta.Content != "" {
				out <- models.ContentChunk(choice.Delta.Content)
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				pc := pending[idx]
				if pc == nil {
					pc = &pendingCall{}
					pending[idx] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if finished {
		return
	}
	if err := scanner.Err(); err != nil {
		out <- models.ErrorChunk(NewModelError("gateway", model, err).Error())
		return
	}
	// Stream ended without the sentinel; deliver what we have.
	flushPending()
	out <- models.DoneChunk(usage)
}

// decodeGatewayArguments parses the provider's string-encoded tool-call
// arguments. Unparseable input degrades to an empty object rather than
// poisoning the run.
func decodeGatewayArguments(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if !json.Valid([]byte(trimmed)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}

// buildGatewayMessages maps canonical history to the OpenAI wire shape.
// Tool-role messages carry the tool_call_id correlation field; assistant
// tool calls re-encode their arguments as strings.
func buildGatewayMessages(req *Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Input)
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: args},
				})
			}
			messages = append(messages, m)
		case models.RoleTool:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleSystem:
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Content})
		default:
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		}
	}
	return messages
}

func mapGatewayFinish(reason string) FinishReason {
	switch reason {
	case "stop", "":
		return FinishStop
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length":
		return FinishLength
	case "content_filter", "error":
		return FinishError
	default:
		return FinishStop
	}
}
