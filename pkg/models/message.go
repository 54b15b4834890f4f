package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single entry in a run's conversation history. Order is
// semantically significant: providers receive messages exactly as recorded,
// including on continuation of a prior run.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls carries tool requests on assistant messages.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Metadata holds provider-specific extras that must round-trip but
	// carry no engine semantics.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ToolCall represents a model's request to execute a tool. ID is unique
// within a turn and correlates the eventual tool-role message.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a tool execution. Failure is data, never an
// error value: a failed tool produces IsError=true and the run continues.
type ToolResult struct {
	ToolCallID    string          `json:"tool_call_id"`
	Content       string          `json:"content"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	ExecutionTime time.Duration   `json:"execution_time_ms"`
}

// Agent is a configured assistant. AllowedTools is the security boundary:
// only listed tools are offered to the model, and a request for anything
// outside it aborts the run.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Model        string   `json:"model"`
	AllowedTools []string `json:"allowed_tools,omitempty"`

	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
}

// AllowsTool reports whether name is on the agent's allow-list.
func (a *Agent) AllowsTool(name string) bool {
	for _, t := range a.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}
