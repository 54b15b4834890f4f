package models

import (
	"encoding/json"
	"fmt"
)

// ChunkType discriminates the StreamChunk variant.
type ChunkType string

const (
	ChunkContent  ChunkType = "content"
	ChunkToolCall ChunkType = "tool_call"
	ChunkDone     ChunkType = "done"
	ChunkError    ChunkType = "error"
)

// StreamChunk is the canonical streaming unit produced by provider adapters
// and forwarded through stream sessions. Exactly one payload field is set,
// selected by Type. The JSON form is the wire contract consumed by stream
// transports.
type StreamChunk struct {
	Type     ChunkType   `json:"type"`
	Content  string      `json:"content,omitempty"`
	ToolCall *ToolCall   `json:"tool_call,omitempty"`
	Usage    *TokenUsage `json:"usage,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// ContentChunk builds a content variant.
func ContentChunk(text string) *StreamChunk {
	return &StreamChunk{Type: ChunkContent, Content: text}
}

// ToolCallChunk builds a tool_call variant.
func ToolCallChunk(tc ToolCall) *StreamChunk {
	return &StreamChunk{Type: ChunkToolCall, ToolCall: &tc}
}

// DoneChunk builds the terminal done variant with final usage.
func DoneChunk(usage *TokenUsage) *StreamChunk {
	return &StreamChunk{Type: ChunkDone, Usage: usage}
}

// ErrorChunk builds the terminal error variant.
func ErrorChunk(msg string) *StreamChunk {
	return &StreamChunk{Type: ChunkError, Error: msg}
}

// Terminal reports whether the chunk ends its stream.
func (c *StreamChunk) Terminal() bool {
	return c.Type == ChunkDone || c.Type == ChunkError
}

// Validate rejects chunks whose payload does not match their tag.
func (c *StreamChunk) Validate() error {
	switch c.Type {
	case ChunkContent:
		if c.ToolCall != nil || c.Error != "" {
			return fmt.Errorf("content chunk carries foreign payload")
		}
	case ChunkToolCall:
		if c.ToolCall == nil {
			return fmt.Errorf("tool_call chunk missing tool call")
		}
	case ChunkDone:
		if c.Error != "" {
			return fmt.Errorf("done chunk carries error payload")
		}
	case ChunkError:
		if c.Error == "" {
			return fmt.Errorf("error chunk missing error message")
		}
	default:
		return fmt.Errorf("unknown chunk type %q", c.Type)
	}
	return nil
}

// Encode renders the chunk in wire form.
func (c *StreamChunk) Encode() ([]byte, error) {
	return json.Marshal(c)
}
