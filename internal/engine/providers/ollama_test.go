package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/agentrun/pkg/models"
)

func TestBuildOllamaMessages_ToolCallsAndResults(t *testing.T) {
	req := &Request{
		System: "sys",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "hi"},
			{
				Role: models.RoleAssistant,
				ToolCalls: []models.ToolCall{
					{ID: "call-1", Name: "lookup", Input: json.RawMessage(`{"q":"test"}`)},
				},
			},
			{Role: models.RoleTool, ToolCallID: "call-1", Content: "ok"},
		},
	}

	msgs := buildOllamaMessages(req)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "sys" {
		t.Fatalf("system message mismatch: %+v", msgs[0])
	}
	if msgs[2].Role != "assistant" || len(msgs[2].ToolCalls) != 1 {
		t.Fatalf("assistant tool calls missing: %+v", msgs[2])
	}
	if msgs[2].ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("tool name = %q, want %q", msgs[2].ToolCalls[0].Function.Name, "lookup")
	}
	if msgs[3].Role != "tool" || msgs[3].ToolName != "lookup" || msgs[3].Content != "ok" {
		t.Errorf("tool result message mismatch: %+v", msgs[3])
	}
}

func TestOllamaGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		var payload ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if payload.Stream {
			t.Error("stream = true, want false")
		}
		if payload.Model != "llama3" {
			t.Errorf("model = %q, want llama3", payload.Model)
		}
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message:         &ollamaChatMessage{Role: "assistant", Content: "hello"},
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       5,
		})
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL})
	resp, err := p.Generate(context.Background(), &Request{
		Model:    "llama3",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q, want %q", resp.Content, "hello")
	}
	if resp.FinishReason != FinishStop {
		t.Errorf("finish = %q, want %q", resp.FinishReason, FinishStop)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v, want 12/5", resp.Usage)
	}
}

func TestOllamaGenerate_ToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: &ollamaChatMessage{
				Role: "assistant",
				ToolCalls: []ollamaToolCall{
					{Function: ollamaToolFunction{Name: "calc", Arguments: json.RawMessage(`{"expr":"1+1"}`)}},
				},
			},
			Done: true,
		})
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL})
	resp, err := p.Generate(context.Background(), &Request{Model: "llama3"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.FinishReason != FinishToolCalls {
		t.Errorf("finish = %q, want %q", resp.FinishReason, FinishToolCalls)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "calc" {
		t.Errorf("tool name = %q, want calc", resp.ToolCalls[0].Name)
	}
	if resp.ToolCalls[0].ID == "" {
		t.Error("tool call id not assigned")
	}
}

func TestOllamaGenerate_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL})
	_, err := p.Generate(context.Background(), &Request{Model: "missing"})
	if err == nil {
		t.Fatal("expected error")
	}
	me, ok := IsModelError(err)
	if !ok {
		t.Fatalf("error type = %T, want *ModelError", err)
	}
	if me.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", me.Status)
	}
}

func TestOllamaGenerateStream(t *testing.T) {
	frames := []string{
		`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
		`not json at all`,
		`{"message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"done":true,"prompt_eval_count":7,"eval_count":3}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, f := range frames {
			w.Write([]byte(f + "\n"))
		}
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL})
	ch, err := p.GenerateStream(context.Background(), &Request{Model: "llama3"})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var content strings.Builder
	var done *models.StreamChunk
	for chunk := range ch {
		switch chunk.Type {
		case models.ChunkContent:
			content.WriteString(chunk.Content)
		case models.ChunkDone:
			done = chunk
		case models.ChunkError:
			t.Fatalf("unexpected error chunk: %s", chunk.Error)
		}
	}
	if content.String() != "Hello" {
		t.Errorf("content = %q, want %q", content.String(), "Hello")
	}
	if done == nil {
		t.Fatal("no done chunk")
	}
	if done.Usage == nil || done.Usage.InputTokens != 7 || done.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v, want 7/3", done.Usage)
	}
}

func TestOllamaGenerateStream_DedupesRepeatedToolCalls(t *testing.T) {
	frames := []string{
		`{"message":{"role":"assistant","tool_calls":[{"function":{"name":"calc","arguments":{"a":1}}}]},"done":false}`,
		`{"message":{"role":"assistant","tool_calls":[{"function":{"name":"calc","arguments":{"a":1}}}]},"done":false}`,
		`{"done":true}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, f := range frames {
			w.Write([]byte(f + "\n"))
		}
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL})
	ch, err := p.GenerateStream(context.Background(), &Request{Model: "llama3"})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var calls []models.ToolCall
	for chunk := range ch {
		if chunk.Type == models.ChunkToolCall {
			calls = append(calls, *chunk.ToolCall)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("tool call chunks = %d, want 1", len(calls))
	}
	if calls[0].Name != "calc" {
		t.Errorf("tool name = %q, want calc", calls[0].Name)
	}
}

func TestOllamaGenerateStream_TruncatedStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"partial"},"done":false}` + "\n"))
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL})
	ch, err := p.GenerateStream(context.Background(), &Request{Model: "llama3"})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var last *models.StreamChunk
	for chunk := range ch {
		last = chunk
	}
	if last == nil || last.Type != models.ChunkDone {
		t.Fatalf("last chunk = %+v, want done", last)
	}
}

func TestOllamaHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q, want /api/tags", r.URL.Path)
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL})
	h := p.HealthCheck(context.Background())
	if !h.Available {
		t.Errorf("available = false, want true: %s", h.Error)
	}

	server.Close()
	h = p.HealthCheck(context.Background())
	if h.Available {
		t.Error("available = true after shutdown, want false")
	}
}
