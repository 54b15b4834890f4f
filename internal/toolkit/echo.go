package toolkit

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/agentrun/internal/engine/tools"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// EchoTool returns its input text unchanged. Useful for wiring checks and
// as a minimal example tool.
type EchoTool struct{}

func (t *EchoTool) Name() string {
	return "echo"
}

func (t *EchoTool) Description() string {
	return "Returns the given text unchanged."
}

func (t *EchoTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {
				"type": "string",
				"description": "The text to echo back."
			}
		},
		"required": ["text"]
	}`)
}

func (t *EchoTool) Execute(ctx context.Context, input json.RawMessage) (*models.ToolResult, error) {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &models.ToolResult{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
	}
	return &models.ToolResult{Content: params.Text}, nil
}

// RegisterAll adds the full built-in catalog to a registry.
func RegisterAll(registry *tools.Registry) error {
	for _, tool := range []tools.Tool{
		&CalculatorTool{},
		&ClockTool{},
		&EchoTool{},
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
