package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// AnthropicProvider adapts the Anthropic Messages API through the official
// SDK. The system prompt travels as a top-level field, tool results as
// user-role tool_result content blocks.
type AnthropicProvider struct {
	client anthropic.Client
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates an Anthropic adapter. A missing API key
// fails here, at construction, rather than at first call.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &ModelError{Reason: FailAuth, Provider: "anthropic", Message: "API key is required"}
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}, nil
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Capabilities reports Anthropic defaults.
func (p *AnthropicProvider) Capabilities() models.ModelInfo {
	return models.ModelInfo{
		ContextWindow:     200000,
		SupportsTools:     true,
		SupportsStreaming: true,
		SupportsVision:    true,
	}
}

// HealthCheck issues a minimal request. It never returns an error value.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	probe, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := p.client.Models.List(probe, anthropic.ModelListParams{})
	if err != nil {
		return Health{Available: false, Latency: time.Since(start), Error: err.Error()}
	}
	return Health{Available: true, Latency: time.Since(start)}
}

// Generate performs a single non-streaming round trip.
func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}

	out := &Response{
		FinishReason: mapAnthropicStop(string(msg.StopReason)),
		Usage:        models.NewTokenUsage(int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)),
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			tu := block.AsToolUse()
			input := json.RawMessage(tu.Input)
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{ID: tu.ID, Name: tu.Name, Input: input})
		}
	}
	out.Content = text.String()
	if len(out.ToolCalls) > 0 {
		out.FinishReason = FinishToolCalls
	}
	return out, nil
}

// GenerateStream streams the response. Tool input JSON fragments are
// accumulated per content block and emitted on block stop.
func (p *AnthropicProvider) GenerateStream(ctx context.Context, req *Request) (<-chan *models.StreamChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan *models.StreamChunk)
	go func() {
		defer close(out)
		defer stream.Close()

		var current *models.ToolCall
		var currentInput strings.Builder
		var inputTokens, outputTokens int

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				ms := event.AsMessageStart()
				inputTokens = int(ms.Message.Usage.InputTokens)
			case "content_block_start":
				cbs := event.AsContentBlockStart()
				if cbs.ContentBlock.Type == "tool_use" {
					tu := cbs.ContentBlock.AsToolUse()
					current = &models.ToolCall{ID: tu.ID, Name: tu.Name}
					currentInput.Reset()
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						out <- models.ContentChunk(delta.Text)
					}
				case "input_json_delta":
					currentInput.WriteString(delta.PartialJSON)
				}
			case "content_block_stop":
				if current != nil {
					input := strings.TrimSpace(currentInput.String())
					if input == "" || !json.Valid([]byte(input)) {
						input = "{}"
					}
					current.Input = json.RawMessage(input)
					out <- models.ToolCallChunk(*current)
					current = nil
				}
			case "message_delta":
				md := event.AsMessageDelta()
				if md.Usage.OutputTokens > 0 {
					outputTokens = int(md.Usage.OutputTokens)
				}
			case "message_stop":
				usage := models.NewTokenUsage(inputTokens, outputTokens)
				out <- models.DoneChunk(&usage)
				return
			}
		}
		if err := stream.Err(); err != nil {
			out <- models.ErrorChunk(p.wrapError(err, req.Model).Error())
			return
		}
		usage := models.NewTokenUsage(inputTokens, outputTokens)
		out <- models.DoneChunk(&usage)
	}()
	return out, nil
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	if req == nil {
		return anthropic.MessageNewParams{}, errors.New("request is nil")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return anthropic.MessageNewParams{}, NewModelError("anthropic", "", errors.New("model is required"))
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, err := buildAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, NewModelError("anthropic", model, err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(float64(*req.TopP))
	}
	for _, t := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Schema, &schema); err != nil {
			return anthropic.MessageNewParams{}, NewModelError("anthropic", model, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err))
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(t.Description)
		}
		params.Tools = append(params.Tools, toolParam)
	}
	return params, nil
}

// buildAnthropicMessages maps canonical history to Anthropic content
// blocks. System messages are handled separately; tool-role messages
// become user-role tool_result blocks keyed by the originating call id.
func buildAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		switch msg.Role {
		case models.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		default:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func mapAnthropicStop(reason string) FinishReason {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return FinishStop
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	default:
		return FinishStop
	}
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := IsModelError(err); ok {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return NewModelError("anthropic", model, err).WithStatus(apiErr.StatusCode)
	}
	return NewModelError("anthropic", model, err)
}
