package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// fakeTool is a configurable tool for tests.
type fakeTool struct {
	name   string
	schema string
	run    func(ctx context.Context, input json.RawMessage) (*models.ToolResult, error)
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "test tool" }

func (t *fakeTool) Schema() json.RawMessage {
	if t.schema == "" {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return json.RawMessage(t.schema)
}

func (t *fakeTool) Execute(ctx context.Context, input json.RawMessage) (*models.ToolResult, error) {
	if t.run != nil {
		return t.run(ctx, input)
	}
	return &models.ToolResult{Content: "ok"}, nil
}

func TestRegistryRegister_DuplicateFails(t *testing.T) {
	r := NewRegistry(false)
	if err := r.Register(&fakeTool{name: "echo"}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register(&fakeTool{name: "echo"})
	if err == nil {
		t.Fatal("duplicate Register succeeded, want error")
	}
	var regErr *RegistryError
	if !errors.As(err, &regErr) || regErr.ToolName != "echo" {
		t.Errorf("error = %v, want *RegistryError for echo", err)
	}
}

func TestRegistryListByNames_PreservesOrderSkipsUnknown(t *testing.T) {
	r := NewRegistry(false)
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if err := r.Register(&fakeTool{name: name}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	got := r.ListByNames([]string{"gamma", "missing", "alpha"})
	if len(got) != 2 {
		t.Fatalf("tools = %d, want 2", len(got))
	}
	if got[0].Name() != "gamma" || got[1].Name() != "alpha" {
		t.Errorf("order = [%s %s], want [gamma alpha]", got[0].Name(), got[1].Name())
	}
}

func TestRegistryValidateInput_RequiredPresence(t *testing.T) {
	r := NewRegistry(false)
	err := r.Register(&fakeTool{
		name:   "calc",
		schema: `{"type":"object","properties":{"expr":{"type":"string"}},"required":["expr"]}`,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.ValidateInput("calc", json.RawMessage(`{"expr":"1+1"}`)); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
	if err := r.ValidateInput("calc", json.RawMessage(`{}`)); err == nil {
		t.Error("missing required field accepted")
	}
	// Presence mode does not type-check values.
	if err := r.ValidateInput("calc", json.RawMessage(`{"expr":42}`)); err != nil {
		t.Errorf("presence mode type-checked value: %v", err)
	}
}

func TestRegistryValidateInput_StrictMode(t *testing.T) {
	r := NewRegistry(true)
	err := r.Register(&fakeTool{
		name:   "calc",
		schema: `{"type":"object","properties":{"expr":{"type":"string"}},"required":["expr"],"additionalProperties":false}`,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.ValidateInput("calc", json.RawMessage(`{"expr":"1+1"}`)); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
	if err := r.ValidateInput("calc", json.RawMessage(`{"expr":42}`)); err == nil {
		t.Error("strict mode accepted wrong type")
	}
	if err := r.ValidateInput("calc", json.RawMessage(`{"expr":"x","extra":true}`)); err == nil {
		t.Error("strict mode accepted additional property")
	}
}

func TestRegistryExecute_UnknownToolIsErrorResult(t *testing.T) {
	r := NewRegistry(false)
	res, err := r.Execute(context.Background(), "missing", nil)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.IsError {
		t.Fatal("result not flagged as error")
	}
	if !strings.Contains(res.Content, "tool not found") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestRegistryExecute_ToolErrorBecomesResult(t *testing.T) {
	r := NewRegistry(false)
	r.Register(&fakeTool{
		name: "boom",
		run: func(ctx context.Context, input json.RawMessage) (*models.ToolResult, error) {
			return nil, errors.New("disk on fire")
		},
	})

	res, err := r.Execute(context.Background(), "boom", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "disk on fire") {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistryExecute_PanicBecomesResult(t *testing.T) {
	r := NewRegistry(false)
	r.Register(&fakeTool{
		name: "panicky",
		run: func(ctx context.Context, input json.RawMessage) (*models.ToolResult, error) {
			panic("index out of range")
		},
	})

	res, err := r.Execute(context.Background(), "panicky", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "panicked") {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistryExecute_RecordsExecutionTime(t *testing.T) {
	r := NewRegistry(false)
	r.Register(&fakeTool{name: "quick"})

	res, err := r.Execute(context.Background(), "quick", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExecutionTime < 0 {
		t.Errorf("execution time = %v", res.ExecutionTime)
	}
}
