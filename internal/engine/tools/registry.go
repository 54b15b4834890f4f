// Package tools holds the tool registry and dispatcher. Tools are the only
// way a model acts on the outside world, so execution never propagates tool
// failures as errors: they come back as error-flagged results the model can
// read and react to.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// Tool is a callable capability exposed to models.
type Tool interface {
	// Name returns the tool name for model function calling.
	// Must be a valid function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the tool
	// does. This helps the model decide when to use the tool.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON input.
	Execute(ctx context.Context, input json.RawMessage) (*models.ToolResult, error)
}

// Input limits to prevent resource exhaustion.
const (
	MaxToolNameLength = 256
	MaxToolInputSize  = 10 << 20
)

// RegistryError reports a tool that cannot be registered.
type RegistryError struct {
	ToolName string
	Message  string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("tool %q: %s", e.ToolName, e.Message)
}

// Registry manages available tools with thread-safe registration and
// lookup. Compiled schema validators are cached alongside each tool.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	validators map[string]*jsonschema.Schema
	strict     bool
}

// NewRegistry creates an empty registry. With strict enabled, tool inputs
// are validated against the tool's full JSON Schema before execution;
// otherwise only required-property presence is checked.
func NewRegistry(strict bool) *Registry {
	return &Registry{
		tools:      make(map[string]Tool),
		validators: make(map[string]*jsonschema.Schema),
		strict:     strict,
	}
}

// Register adds a tool. Registering a name twice is a configuration bug
// and fails rather than silently replacing the earlier tool.
func (r *Registry) Register(tool Tool) error {
	name := strings.TrimSpace(tool.Name())
	if name == "" {
		return &RegistryError{ToolName: name, Message: "empty name"}
	}
	if len(name) > MaxToolNameLength {
		return &RegistryError{ToolName: name[:32], Message: fmt.Sprintf("name exceeds %d characters", MaxToolNameLength)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return &RegistryError{ToolName: name, Message: "already registered"}
	}

	if r.strict {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", strings.NewReader(string(tool.Schema()))); err != nil {
			return &RegistryError{ToolName: name, Message: fmt.Sprintf("invalid schema: %v", err)}
		}
		schema, err := compiler.Compile(name + ".json")
		if err != nil {
			return &RegistryError{ToolName: name, Message: fmt.Sprintf("invalid schema: %v", err)}
		}
		r.validators[name] = schema
	}

	r.tools[name] = tool
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// ListAll returns every registered tool, sorted by name.
func (r *Registry) ListAll() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ListByNames returns the registered tools among names, preserving the
// given order. Unknown names are skipped, not errors: an agent allow-list
// may reference tools this deployment does not carry.
func (r *Registry) ListByNames(names []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// ValidateInput checks tool input against the tool's schema. In strict
// mode the full JSON Schema applies; otherwise only the schema's required
// properties must be present.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	r.mu.RLock()
	tool, ok := r.tools[name]
	validator := r.validators[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}

	if validator != nil {
		if err := validator.Validate(decoded); err != nil {
			return fmt.Errorf("input rejected by schema: %w", err)
		}
		return nil
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return fmt.Errorf("input must be a JSON object")
	}
	for _, field := range requiredFields(tool.Schema()) {
		if _, present := obj[field]; !present {
			return fmt.Errorf("missing required field %q", field)
		}
	}
	return nil
}

// Execute runs a tool by name. Tool-level failures of any kind, including
// panics, come back as error-flagged results with a nil error; the error
// return is reserved for infrastructure faults.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (result *models.ToolResult, err error) {
	start := time.Now()
	fail := func(msg string) (*models.ToolResult, error) {
		return &models.ToolResult{
			Content:       msg,
			Error:         msg,
			IsError:       true,
			ExecutionTime: time.Since(start),
		}, nil
	}

	if len(name) > MaxToolNameLength {
		return fail(fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(input) > MaxToolInputSize {
		return fail(fmt.Sprintf("tool input exceeds maximum size of %d bytes", MaxToolInputSize))
	}

	tool, ok := r.Get(name)
	if !ok {
		return fail("tool not found: " + name)
	}
	if err := r.ValidateInput(name, input); err != nil {
		return fail(fmt.Sprintf("invalid input for %s: %v", name, err))
	}

	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			result, err = fail(fmt.Sprintf("tool %s panicked: %v\n%s", name, rec, stack))
		}
	}()

	res, execErr := tool.Execute(ctx, input)
	if execErr != nil {
		return fail(execErr.Error())
	}
	if res == nil {
		return fail(fmt.Sprintf("tool %s returned no result", name))
	}
	res.ExecutionTime = time.Since(start)
	if res.IsError && res.Error == "" {
		res.Error = res.Content
	}
	return res, nil
}

// requiredFields extracts the top-level "required" list from a JSON
// Schema. A schema that cannot be parsed requires nothing.
func requiredFields(schema json.RawMessage) []string {
	var parsed struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return nil
	}
	return parsed.Required
}
