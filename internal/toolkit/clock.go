package toolkit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// ClockTool reports the current time, optionally in a named IANA zone.
type ClockTool struct {
	// now allows tests to freeze the clock.
	now func() time.Time
}

func (t *ClockTool) Name() string {
	return "clock"
}

func (t *ClockTool) Description() string {
	return "Returns the current date and time. Accepts an optional IANA timezone name such as \"Europe/Berlin\"; defaults to UTC."
}

func (t *ClockTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {
				"type": "string",
				"description": "IANA timezone name, e.g. \"America/New_York\". Defaults to UTC."
			}
		}
	}`)
}

func (t *ClockTool) Execute(ctx context.Context, input json.RawMessage) (*models.ToolResult, error) {
	var params struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &models.ToolResult{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
	}

	loc := time.UTC
	if params.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(params.Timezone)
		if err != nil {
			return &models.ToolResult{Content: "unknown timezone: " + params.Timezone, IsError: true}, nil
		}
	}

	nowFn := t.now
	if nowFn == nil {
		nowFn = time.Now
	}
	now := nowFn().In(loc)

	data, _ := json.Marshal(map[string]any{
		"rfc3339":  now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"timezone": loc.String(),
	})
	return &models.ToolResult{
		Content: now.Format("Monday, 2 January 2006, 15:04:05 MST"),
		Data:    data,
	}, nil
}
