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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// OllamaConfig configures the local-inference adapter.
type OllamaConfig struct {
	BaseURL string
	Timeout time.Duration
}

// OllamaProvider adapts a local Ollama server. The wire format is
// newline-delimited JSON objects over a chunked HTTP response; the final
// record carries done=true plus token counts.
type OllamaProvider struct {
	client  *http.Client
	baseURL string
}

var _ Provider = (*OllamaProvider)(nil)

// NewOllamaProvider creates an Ollama adapter. The server requires no
// credentials, so construction cannot fail.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaProvider{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name returns the provider name.
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Capabilities reports provider defaults; individual model limits are not
// queried.
func (p *OllamaProvider) Capabilities() models.ModelInfo {
	return models.ModelInfo{
		ContextWindow:     8192,
		SupportsTools:     true,
		SupportsStreaming: true,
		SupportsVision:    false,
	}
}

// HealthCheck probes the server root. It never returns an error value.
func (p *OllamaProvider) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return Health{Available: false, Error: err.Error()}
	}
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
func (p *OllamaProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	body, err := p.start(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, 16<<20))
	if err != nil {
		return nil, NewModelError("ollama", req.Model, fmt.Errorf("read response: %w", err))
	}
	var resp ollamaChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, NewModelError("ollama", req.Model, fmt.Errorf("decode response: %w", err))
	}
	if resp.Error != "" {
		return nil, NewModelError("ollama", req.Model, errors.New(resp.Error))
	}

	out := &Response{
		FinishReason: FinishStop,
		Usage:        models.NewTokenUsage(resp.PromptEvalCount, resp.EvalCount),
	}
	if resp.Message != nil {
		out.Content = resp.Message.Content
		out.ToolCalls = normalizeOllamaToolCalls(resp.Message.ToolCalls, nil)
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = FinishToolCalls
	} else if strings.EqualFold(resp.DoneReason, "length") {
		out.FinishReason = FinishLength
	}
	return out, nil
}

// GenerateStream streams chunks until done. Transport failures mid-stream
// yield exactly one error chunk and close the channel.
func (p *OllamaProvider) GenerateStream(ctx context.Context, req *Request) (<-chan *models.StreamChunk, error) {
	body, err := p.start(ctx, req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan *models.StreamChunk)
	go p.streamResponse(ctx, body, out, req.Model)
	return out, nil
}

func (p *OllamaProvider) start(ctx context.Context, req *Request, stream bool) (io.ReadCloser, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, NewModelError("ollama", "", errors.New("model is required"))
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   stream,
		Messages: buildOllamaMessages(req),
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, ollamaToolDef{
			Type:     "function",
			Function: ollamaToolSchema{Name: t.Name, Description: t.Description, Parameters: t.Schema},
		})
	}
	opts := map[string]any{}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		opts["top_p"] = *req.TopP
	}
	if len(opts) > 0 {
		payload.Options = opts
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewModelError("ollama", model, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewModelError("ollama", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewModelError("ollama", model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if readErr != nil {
			return nil, NewModelError("ollama", model, fmt.Errorf("ollama status %d (read body failed: %w)", resp.StatusCode, readErr)).WithStatus(resp.StatusCode)
		}
		return nil, NewModelError("ollama", model, fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}
	return resp.Body, nil
}

func (p *OllamaProvider) streamResponse(ctx context.Context, body io.ReadCloser, out chan *models.StreamChunk, model string) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	emitted := map[string]struct{}{}
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- models.ErrorChunk(ctx.Err().Error())
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			// Malformed frames are skipped, not fatal.
			continue
		}
		if resp.Error != "" {
			out <- models.ErrorChunk(NewModelError("ollama", model, errors.New(resp.Error)).Error())
			return
		}
		if resp.Message != nil {
			if resp.Message.Content != "" {
				out <- models.ContentChunk(resp.Message.Content)
			}
			for _, tc := range normalizeOllamaToolCalls(resp.Message.ToolCalls, emitted) {
				out <- models.ToolCallChunk(tc)
			}
		}
		if resp.Done {
			usage := models.NewTokenUsage(resp.PromptEvalCount, resp.EvalCount)
			out <- models.DoneChunk(&usage)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- models.ErrorChunk(NewModelError("ollama", model, err).Error())
		return
	}
	// Stream ended without a done record; close it out so consumers
	// are not left waiting.
	out <- models.DoneChunk(nil)
}

// normalizeOllamaToolCalls assigns stable IDs to tool calls that arrive
// without one and deduplicates repeats across frames when emitted is set.
func normalizeOllamaToolCalls(raw []ollamaToolCall, emitted map[string]struct{}) []models.ToolCall {
	var calls []models.ToolCall
	for _, tc := range raw {
		callID := strings.TrimSpace(tc.ID)
		if callID == "" {
			callID = ollamaToolCallKey(tc)
			if callID == "" {
				callID = uuid.NewString()
			}
		}
		if emitted != nil {
			if _, ok := emitted[callID]; ok {
				continue
			}
			emitted[callID] = struct{}{}
		}
		call := models.ToolCall{
			ID:    callID,
			Name:  strings.TrimSpace(tc.Function.Name),
			Input: tc.Function.Arguments,
		}
		if len(call.Input) == 0 {
			call.Input = json.RawMessage(`{}`)
		}
		calls = append(calls, call)
	}
	return calls
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []ollamaToolDef     `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaToolDef struct {
	Type     string           `json:"type"`
	Function ollamaToolSchema `json:"function"`
}

type ollamaToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	DoneReason      string             `json:"done_reason"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// buildOllamaMessages maps canonical history to Ollama roles. Tool-role
// messages carry tool_name, recovered from the assistant call they answer.
func buildOllamaMessages(req *Request) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, len(req.Messages)+1)
	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		role := string(msg.Role)
		if role == "" {
			role = "user"
		}
		switch msg.Role {
		case models.RoleAssistant:
			m := ollamaChatMessage{Role: role, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := tc.Input
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				m.ToolCalls = append(m.ToolCalls, ollamaToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: ollamaToolFunction{Name: tc.Name, Arguments: args},
				})
			}
			messages = append(messages, m)
		case models.RoleTool:
			messages = append(messages, ollamaChatMessage{
				Role:     "tool",
				Content:  msg.Content,
				ToolName: toolNames[msg.ToolCallID],
			})
		default:
			messages = append(messages, ollamaChatMessage{Role: role, Content: msg.Content})
		}
	}
	return messages
}

func ollamaToolCallKey(tc ollamaToolCall) string {
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
