package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunError
}

// TokenUsage accounts for tokens consumed by one or more model calls.
// TotalTokens is always InputTokens+OutputTokens.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// NewTokenUsage builds a usage record with the total derived from its parts.
func NewTokenUsage(input, output int) TokenUsage {
	return TokenUsage{
		InputTokens:  input,
		OutputTokens: output,
		TotalTokens:  input + output,
	}
}

// Add accumulates another usage record into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens = u.InputTokens + u.OutputTokens
}

// ToolExecution is the audited outcome of a single tool call. ID equals the
// originating ToolCall.ID.
type ToolExecution struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
	Result    ToolResult      `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// Turn is one model-response cycle within a run: the triggering user
// message (empty on tool-continuation cycles), the assistant reply, and any
// tool executions it requested. A turn is immutable once appended.
type Turn struct {
	Number           int             `json:"number"`
	UserMessage      *Message        `json:"user_message,omitempty"`
	AssistantMessage Message         `json:"assistant_message"`
	ToolExecutions   []ToolExecution `json:"tool_executions,omitempty"`
	Usage            TokenUsage      `json:"usage"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Run is one full execution of an agent against a user message. ModelUsed
// is frozen at run creation; later edits to the agent do not change it.
// Runs mutate only by turn appends and a single terminal status transition.
type Run struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	ModelUsed      string     `json:"model_used"`
	Status         RunStatus  `json:"status"`
	Turns          []Turn     `json:"turns,omitempty"`
	TotalUsage     TokenUsage `json:"total_usage"`
	TotalToolCalls int        `json:"total_tool_calls"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// NextTurnNumber returns the number the next appended turn must carry.
func (r *Run) NextTurnNumber() int {
	if n := len(r.Turns); n > 0 {
		return r.Turns[n-1].Number + 1
	}
	return 1
}

// Messages reconstructs the conversation history from the run's turns, in
// original order, for replay into a continued run.
func (r *Run) Messages() []Message {
	var msgs []Message
	for _, turn := range r.Turns {
		if turn.UserMessage != nil {
			msgs = append(msgs, *turn.UserMessage)
		}
		msgs = append(msgs, turn.AssistantMessage)
		for _, exec := range turn.ToolExecutions {
			msgs = append(msgs, Message{
				Role:       RoleTool,
				Content:    exec.Result.Content,
				ToolCallID: exec.ID,
			})
		}
	}
	return msgs
}
