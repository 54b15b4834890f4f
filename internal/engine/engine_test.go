package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/agentrun/internal/engine/providers"
	"github.com/haasonsaas/agentrun/internal/engine/tools"
	"github.com/haasonsaas/agentrun/internal/stream"
	"github.com/haasonsaas/agentrun/internal/trace"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// scriptedProvider replays a fixed sequence of responses and records the
// requests it saw.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.Response
	requests  []*providers.Request
	calls     int
}

var _ providers.Provider = (*scriptedProvider)(nil)

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Capabilities() models.ModelInfo {
	return models.ModelInfo{ContextWindow: 8192, SupportsTools: true, SupportsStreaming: true}
}

func (p *scriptedProvider) HealthCheck(ctx context.Context) providers.Health {
	return providers.Health{Available: true}
}

func (p *scriptedProvider) next(req *providers.Request) (*providers.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := *req
	copied.Messages = append([]models.Message(nil), req.Messages...)
	p.requests = append(p.requests, &copied)
	if p.calls >= len(p.responses) {
		return nil, errors.New("script exhausted")
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	return p.next(req)
}

func (p *scriptedProvider) GenerateStream(ctx context.Context, req *providers.Request) (<-chan *models.StreamChunk, error) {
	resp, err := p.next(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan *models.StreamChunk)
	go func() {
		defer close(ch)
		// Content arrives in pieces to exercise reassembly.
		for _, r := range resp.Content {
			ch <- models.ContentChunk(string(r))
		}
		for _, tc := range resp.ToolCalls {
			ch <- models.ToolCallChunk(tc)
		}
		usage := resp.Usage
		ch <- models.DoneChunk(&usage)
	}()
	return ch, nil
}

func (p *scriptedProvider) request(i int) *providers.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func textResponse(content string, in, out int) *providers.Response {
	return &providers.Response{
		Content:      content,
		FinishReason: providers.FinishStop,
		Usage:        models.NewTokenUsage(in, out),
	}
}

func toolResponse(calls []models.ToolCall, in, out int) *providers.Response {
	return &providers.Response{
		ToolCalls:    calls,
		FinishReason: providers.FinishToolCalls,
		Usage:        models.NewTokenUsage(in, out),
	}
}

// calculatorTool returns a canned answer and remembers its inputs.
type calculatorTool struct {
	mu     sync.Mutex
	inputs []string
	fail   bool
}

func (t *calculatorTool) Name() string        { return "calculator" }
func (t *calculatorTool) Description() string { return "evaluates arithmetic" }

func (t *calculatorTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"}},"required":["expression"]}`)
}

func (t *calculatorTool) Execute(ctx context.Context, input json.RawMessage) (*models.ToolResult, error) {
	t.mu.Lock()
	t.inputs = append(t.inputs, string(input))
	t.mu.Unlock()
	if t.fail {
		return nil, errors.New("division by zero")
	}
	return &models.ToolResult{Content: "4"}, nil
}

type testRig struct {
	engine   *Engine
	provider *scriptedProvider
	store    *trace.MemoryStore
	mux      *stream.Mux
	calc     *calculatorTool
}

func newTestRig(t *testing.T, responses []*providers.Response, agents ...*models.Agent) *testRig {
	t.Helper()
	if len(agents) == 0 {
		agents = []*models.Agent{{
			ID:           "assistant",
			Name:         "Assistant",
			SystemPrompt: "You are helpful.",
			Model:        "scripted:test-model",
			AllowedTools: []string{"calculator"},
		}}
	}

	calc := &calculatorTool{}
	registry := tools.NewRegistry(false)
	if err := registry.Register(calc); err != nil {
		t.Fatalf("Register: %v", err)
	}

	provider := &scriptedProvider{responses: responses}
	factory := providers.NewFactory(providers.Credentials{})
	factory.Register("scripted", provider)

	store := trace.NewMemoryStore()
	mux := stream.NewMux(stream.MuxOptions{})
	t.Cleanup(mux.Shutdown)

	eng := New(NewStaticAgentStore(agents), registry, factory, store, mux, Options{})
	return &testRig{engine: eng, provider: provider, store: store, mux: mux, calc: calc}
}

func TestExecute_SingleTurnNoTools(t *testing.T) {
	rig := newTestRig(t, []*providers.Response{textResponse("Paris.", 12, 3)})

	run, err := rig.engine.Execute(context.Background(), ExecuteRequest{
		AgentID: "assistant",
		Message: "capital of France?",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Errorf("status = %q, want completed", run.Status)
	}
	if len(run.Turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(run.Turns))
	}
	if run.TotalToolCalls != 0 {
		t.Errorf("tool calls = %d, want 0", run.TotalToolCalls)
	}
	if run.Turns[0].AssistantMessage.Content != "Paris." {
		t.Errorf("content = %q", run.Turns[0].AssistantMessage.Content)
	}
	if run.Turns[0].UserMessage == nil || run.Turns[0].UserMessage.Content != "capital of France?" {
		t.Errorf("user message = %+v", run.Turns[0].UserMessage)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// System prompt and allow-listed tools travel on the request.
	req := rig.provider.request(0)
	if req.System != "You are helpful." {
		t.Errorf("system = %q", req.System)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "calculator" {
		t.Errorf("tools = %+v", req.Tools)
	}
}

func TestExecute_ToolCallThenAnswer(t *testing.T) {
	rig := newTestRig(t, []*providers.Response{
		toolResponse([]models.ToolCall{
			{ID: "call-1", Name: "calculator", Input: json.RawMessage(`{"expression":"2+2"}`)},
		}, 20, 8),
		textResponse("2+2 is 4.", 30, 6),
	})

	run, err := rig.engine.Execute(context.Background(), ExecuteRequest{
		AgentID: "assistant",
		Message: "what is 2+2 then tell me",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Errorf("status = %q, want completed", run.Status)
	}
	if len(run.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(run.Turns))
	}
	if run.TotalToolCalls != 1 {
		t.Errorf("tool calls = %d, want 1", run.TotalToolCalls)
	}
	if len(run.Turns[0].ToolExecutions) != 1 || run.Turns[0].ToolExecutions[0].ID != "call-1" {
		t.Errorf("turn 1 executions = %+v", run.Turns[0].ToolExecutions)
	}
	if run.Turns[1].UserMessage != nil {
		t.Error("continuation turn carries a user message")
	}

	// The second model call sees the tool result keyed by call id.
	second := rig.provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != models.RoleTool || last.ToolCallID != "call-1" || last.Content != "4" {
		t.Errorf("tool message = %+v", last)
	}
}

func TestExecute_AggregateInvariants(t *testing.T) {
	rig := newTestRig(t, []*providers.Response{
		toolResponse([]models.ToolCall{
			{ID: "call-1", Name: "calculator", Input: json.RawMessage(`{"expression":"2+2"}`)},
		}, 20, 8),
		textResponse("done", 30, 6),
	})

	run, err := rig.engine.Execute(context.Background(), ExecuteRequest{AgentID: "assistant", Message: "go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var usage models.TokenUsage
	toolCalls := 0
	for _, turn := range run.Turns {
		usage.Add(turn.Usage)
		toolCalls += len(turn.ToolExecutions)
	}
	if run.TotalUsage != usage {
		t.Errorf("TotalUsage = %+v, want Σ turn usage %+v", run.TotalUsage, usage)
	}
	if run.TotalToolCalls != toolCalls {
		t.Errorf("TotalToolCalls = %d, want %d", run.TotalToolCalls, toolCalls)
	}
	for i, turn := range run.Turns {
		if turn.Number != i+1 {
			t.Errorf("turn %d numbered %d", i, turn.Number)
		}
	}
}

func TestExecute_UnauthorizedToolAbortsRun(t *testing.T) {
	rig := newTestRig(t, []*providers.Response{
		toolResponse([]models.ToolCall{
			{ID: "call-1", Name: "shell", Input: json.RawMessage(`{"cmd":"rm -rf /"}`)},
		}, 10, 5),
	})

	run, err := rig.engine.Execute(context.Background(), ExecuteRequest{AgentID: "assistant", Message: "run it"})
	if err == nil {
		t.Fatal("expected error")
	}
	var authErr *UnauthorizedToolError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %T %v, want *UnauthorizedToolError", err, err)
	}
	if authErr.ToolName != "shell" {
		t.Errorf("tool = %q", authErr.ToolName)
	}
	if run.Status != models.RunError {
		t.Errorf("status = %q, want error", run.Status)
	}
	// The violation is never laundered into a tool execution.
	for _, turn := range run.Turns {
		if len(turn.ToolExecutions) != 0 {
			t.Errorf("executions recorded for unauthorized call: %+v", turn.ToolExecutions)
		}
	}
}

func TestExecute_ToolFailureIsDataNotFatal(t *testing.T) {
	rig := newTestRig(t, []*providers.Response{
		toolResponse([]models.ToolCall{
			{ID: "call-1", Name: "calculator", Input: json.RawMessage(`{"expression":"1/0"}`)},
		}, 10, 5),
		textResponse("that division is undefined", 15, 6),
	})
	rig.calc.fail = true

	run, err := rig.engine.Execute(context.Background(), ExecuteRequest{AgentID: "assistant", Message: "1/0?"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Errorf("status = %q, want completed", run.Status)
	}
	exec := run.Turns[0].ToolExecutions[0]
	if !exec.Result.IsError || !strings.Contains(exec.Result.Content, "division by zero") {
		t.Errorf("result = %+v", exec.Result)
	}

	// The model sees the failure text as the tool message.
	second := rig.provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != models.RoleTool || !strings.Contains(last.Content, "division by zero") {
		t.Errorf("tool message = %+v", last)
	}
}

func TestExecute_MaxTurnsEndsInError(t *testing.T) {
	// The model asks for a tool on every turn and never settles.
	var responses []*providers.Response
	for i := 0; i < 10; i++ {
		responses = append(responses, toolResponse([]models.ToolCall{
			{ID: "call", Name: "calculator", Input: json.RawMessage(`{"expression":"2+2"}`)},
		}, 5, 5))
	}
	rig := newTestRig(t, responses)

	run, err := rig.engine.Execute(context.Background(), ExecuteRequest{
		AgentID:  "assistant",
		Message:  "loop forever",
		MaxTurns: 3,
	})
	if !errors.Is(err, ErrMaxTurns) {
		t.Fatalf("err = %v, want ErrMaxTurns", err)
	}
	if run.Status != models.RunError {
		t.Errorf("status = %q, want error", run.Status)
	}
	if len(run.Turns) != 3 {
		t.Errorf("turns = %d, want 3", len(run.Turns))
	}
	if !strings.Contains(run.Error, "max turns") {
		t.Errorf("run error = %q", run.Error)
	}
}

func TestExecute_ModelErrorFinalizesRun(t *testing.T) {
	rig := newTestRig(t, nil) // empty script: first call fails

	run, err := rig.engine.Execute(context.Background(), ExecuteRequest{AgentID: "assistant", Message: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	var loopErr *LoopError
	if !errors.As(err, &loopErr) || loopErr.Phase != "model call" {
		t.Errorf("err = %v", err)
	}
	if run.Status != models.RunError {
		t.Errorf("status = %q, want error", run.Status)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt not set on failure path")
	}
}

func TestExecute_ValidationErrors(t *testing.T) {
	rig := newTestRig(t, nil)

	var vErr *ValidationError
	if _, err := rig.engine.Execute(context.Background(), ExecuteRequest{Message: "hi"}); !errors.As(err, &vErr) {
		t.Errorf("missing agent: err = %v", err)
	}
	if _, err := rig.engine.Execute(context.Background(), ExecuteRequest{AgentID: "assistant"}); !errors.As(err, &vErr) {
		t.Errorf("missing message: err = %v", err)
	}

	var nfErr *NotFoundError
	if _, err := rig.engine.Execute(context.Background(), ExecuteRequest{AgentID: "ghost", Message: "hi"}); !errors.As(err, &nfErr) {
		t.Errorf("unknown agent: err = %v", err)
	}
}

func TestExecute_Continuation(t *testing.T) {
	rig := newTestRig(t, []*providers.Response{
		textResponse("first answer", 10, 4),
		textResponse("second answer", 20, 5),
	})

	first, err := rig.engine.Execute(context.Background(), ExecuteRequest{AgentID: "assistant", Message: "first question"})
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	second, err := rig.engine.Execute(context.Background(), ExecuteRequest{
		AgentID: "assistant",
		Message: "follow-up",
		RunID:   first.ID,
	})
	if err != nil {
		t.Fatalf("continuation Execute: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("continuation created a new run: %s vs %s", second.ID, first.ID)
	}
	if len(second.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(second.Turns))
	}
	if second.Turns[1].Number != 2 {
		t.Errorf("continued turn number = %d, want 2", second.Turns[1].Number)
	}
	if second.Status != models.RunCompleted {
		t.Errorf("status = %q, want completed", second.Status)
	}

	// Prior conversation replays in original order before the new message.
	req := rig.provider.request(1)
	roles := make([]models.Role, 0, len(req.Messages))
	for _, m := range req.Messages {
		roles = append(roles, m.Role)
	}
	want := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser}
	if len(roles) != len(want) {
		t.Fatalf("history roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("history roles = %v, want %v", roles, want)
		}
	}
	if req.Messages[0].Content != "first question" || req.Messages[1].Content != "first answer" {
		t.Errorf("replayed history = %+v", req.Messages[:2])
	}

	// Usage keeps accumulating across the continuation.
	if second.TotalUsage.TotalTokens != 39 {
		t.Errorf("total tokens = %d, want 39", second.TotalUsage.TotalTokens)
	}
}

func TestExecute_ContinuationOfMissingRun(t *testing.T) {
	rig := newTestRig(t, nil)
	var nfErr *NotFoundError
	_, err := rig.engine.Execute(context.Background(), ExecuteRequest{
		AgentID: "assistant", Message: "hi", RunID: "nope",
	})
	if !errors.As(err, &nfErr) {
		t.Errorf("err = %v, want *NotFoundError", err)
	}
}

func TestExecute_ContinuationOfErroredRunFails(t *testing.T) {
	rig := newTestRig(t, nil) // empty script errors the first run

	run, _ := rig.engine.Execute(context.Background(), ExecuteRequest{AgentID: "assistant", Message: "hi"})
	if run.Status != models.RunError {
		t.Fatalf("setup run status = %q", run.Status)
	}
	_, err := rig.engine.Execute(context.Background(), ExecuteRequest{
		AgentID: "assistant", Message: "again", RunID: run.ID,
	})
	if err == nil {
		t.Fatal("continuation of errored run succeeded")
	}
}

func TestExecute_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rig := newTestRig(t, []*providers.Response{textResponse("never", 1, 1)})

	run, err := rig.engine.Execute(ctx, ExecuteRequest{AgentID: "assistant", Message: "hi"})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if run.Status != models.RunError {
		t.Errorf("status = %q, want error", run.Status)
	}
}

func TestExecute_ModelOverrideFreezesModelUsed(t *testing.T) {
	rig := newTestRig(t, []*providers.Response{textResponse("hi", 1, 1)})

	run, err := rig.engine.Execute(context.Background(), ExecuteRequest{
		AgentID:       "assistant",
		Message:       "hi",
		ModelOverride: "scripted:bigger-model",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.ModelUsed != "scripted:bigger-model" {
		t.Errorf("ModelUsed = %q", run.ModelUsed)
	}
	if rig.provider.request(0).Model != "bigger-model" {
		t.Errorf("request model = %q", rig.provider.request(0).Model)
	}
}

func TestExecuteStream_MatchesNonStreaming(t *testing.T) {
	script := func() []*providers.Response {
		return []*providers.Response{
			toolResponse([]models.ToolCall{
				{ID: "call-1", Name: "calculator", Input: json.RawMessage(`{"expression":"2+2"}`)},
			}, 20, 8),
			textResponse("2+2 is 4.", 30, 6),
		}
	}

	plain := newTestRig(t, script())
	plainRun, err := plain.engine.Execute(context.Background(), ExecuteRequest{AgentID: "assistant", Message: "2+2?"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	streamed := newTestRig(t, script())
	sessionID, runID, err := streamed.engine.ExecuteStream(context.Background(), ExecuteRequest{AgentID: "assistant", Message: "2+2?"})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	if sessionID == "" || runID == "" {
		t.Fatal("missing session or run id")
	}

	// Replaying the session reassembles the same content the
	// non-streaming path returned.
	sessionCh := streamedSession(t, streamed.mux, sessionID)
	var content strings.Builder
	var sawDone bool
	for chunk := range sessionCh {
		switch chunk.Type {
		case models.ChunkContent:
			content.WriteString(chunk.Content)
		case models.ChunkDone:
			sawDone = true
		case models.ChunkError:
			t.Fatalf("stream errored: %s", chunk.Error)
		}
	}
	if !sawDone {
		t.Fatal("no done chunk")
	}

	streamedRun := waitForTerminal(t, streamed.store, runID)
	wantContent := plainRun.Turns[len(plainRun.Turns)-1].AssistantMessage.Content
	if content.String() != wantContent {
		t.Errorf("streamed content = %q, want %q", content.String(), wantContent)
	}
	if streamedRun.Status != models.RunCompleted {
		t.Errorf("status = %q", streamedRun.Status)
	}
	if streamedRun.TotalUsage != plainRun.TotalUsage {
		t.Errorf("usage = %+v, want %+v", streamedRun.TotalUsage, plainRun.TotalUsage)
	}
}

func TestExecuteStream_RequestErrorsAreSynchronous(t *testing.T) {
	rig := newTestRig(t, nil)
	var nfErr *NotFoundError
	_, _, err := rig.engine.ExecuteStream(context.Background(), ExecuteRequest{AgentID: "ghost", Message: "hi"})
	if !errors.As(err, &nfErr) {
		t.Errorf("err = %v, want *NotFoundError", err)
	}
}

func TestExecuteStream_ErrorReachesSession(t *testing.T) {
	rig := newTestRig(t, nil) // script exhausted on first model call

	sessionID, runID, err := rig.engine.ExecuteStream(context.Background(), ExecuteRequest{AgentID: "assistant", Message: "hi"})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}

	var last *models.StreamChunk
	for chunk := range streamedSession(t, rig.mux, sessionID) {
		last = chunk
	}
	if last == nil || last.Type != models.ChunkError {
		t.Fatalf("last chunk = %+v, want error", last)
	}

	run := waitForTerminal(t, rig.store, runID)
	if run.Status != models.RunError {
		t.Errorf("status = %q, want error", run.Status)
	}
}

// streamedSession returns the read side of an existing session. The mux
// hands the channel out at Create time, so tests reach through the
// engine's session bookkeeping instead.
func streamedSession(t *testing.T, m *stream.Mux, sessionID string) <-chan *models.StreamChunk {
	t.Helper()
	ch := m.Subscribe(sessionID)
	if ch == nil {
		t.Fatalf("session %s not found", sessionID)
	}
	return ch
}

func waitForTerminal(t *testing.T, store trace.Store, runID string) *models.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.GetRun(context.Background(), runID)
		if err == nil && run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal status")
	return nil
}
