// Package providers contains model provider adapters. Each adapter
// normalizes one provider's chat/tool-call wire format into the canonical
// request/response and streaming-chunk contract the engine consumes.
package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// FinishReason is the canonical reason a model stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// ToolDef is a tool definition offered to the model: name, natural-language
// description, and the JSON Schema of its parameters.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Request is the canonical generation request. Messages are ordered
// conversation history; Tools is the allow-listed subset the model may call.
type Request struct {
	Model    string
	System   string
	Messages []models.Message
	Tools    []ToolDef

	Temperature *float32
	MaxTokens   int
	TopP        *float32
}

// Response is the canonical single round-trip result. Model-reported
// stopping conditions are distinguishable by FinishReason and are not
// errors; only transport and non-success statuses produce a *ModelError.
type Response struct {
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason FinishReason
	Usage        models.TokenUsage
}

// Health is the result of a liveness probe. Probes never fail with an
// error value; unavailability is reported in the struct.
type Health struct {
	Available bool          `json:"available"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Provider adapts one model backend to the canonical contract.
//
// GenerateStream returns a channel that yields chunks until a terminal
// done or error chunk, then closes. The stream is single-consumer and not
// restartable. Transport failures mid-stream surface as exactly one error
// chunk; they are never delivered by panic or a closed-channel surprise.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
	GenerateStream(ctx context.Context, req *Request) (<-chan *models.StreamChunk, error)
	HealthCheck(ctx context.Context) Health
	Capabilities() models.ModelInfo
}
