// Package engine drives multi-turn agent runs: it resolves the agent and
// model, loops model calls and tool dispatch until the model stops asking
// for tools, and records every turn in the trace store as it happens.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agentrun/internal/engine/providers"
	"github.com/haasonsaas/agentrun/internal/engine/tools"
	"github.com/haasonsaas/agentrun/internal/observability"
	"github.com/haasonsaas/agentrun/internal/stream"
	"github.com/haasonsaas/agentrun/internal/trace"
	"github.com/haasonsaas/agentrun/pkg/models"
)

const (
	// DefaultMaxTurns bounds the model-call loop.
	DefaultMaxTurns = 10

	// DefaultModelCallTimeout bounds each individual model call. It is
	// independent of the turn limit.
	DefaultModelCallTimeout = 120 * time.Second
)

// Options tunes engine behavior. Zero values fall back to defaults.
type Options struct {
	Logger           *slog.Logger
	Metrics          *observability.Metrics
	MaxTurns         int
	ModelCallTimeout time.Duration
	ToolTimeout      time.Duration
	ParallelTools    bool

	// RunTimeout bounds a detached streaming run end to end. Zero means
	// no bound beyond the per-call timeouts.
	RunTimeout time.Duration
}

// ExecuteRequest describes one run request.
type ExecuteRequest struct {
	AgentID       string
	Message       string
	ModelOverride string

	// MaxTurns overrides the engine default for this run.
	MaxTurns int

	// RunID continues a prior completed run: its messages are replayed
	// in order and turn numbering picks up after the existing turns.
	RunID string
}

// Engine orchestrates runs. All collaborators are injected; the engine
// holds no global state and is safe for concurrent use.
type Engine struct {
	agents     AgentStore
	registry   *tools.Registry
	factory    *providers.Factory
	store      trace.Store
	mux        *stream.Mux
	dispatcher *tools.Dispatcher
	opts       Options

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an engine over its collaborators.
func New(agents AgentStore, registry *tools.Registry, factory *providers.Factory, store trace.Store, mux *stream.Mux, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.ModelCallTimeout <= 0 {
		opts.ModelCallTimeout = DefaultModelCallTimeout
	}
	return &Engine{
		agents:   agents,
		registry: registry,
		factory:  factory,
		store:    store,
		mux:      mux,
		dispatcher: tools.NewDispatcher(registry, tools.DispatcherConfig{
			Timeout:  opts.ToolTimeout,
			Parallel: opts.ParallelTools,
		}),
		opts:    opts,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Execute runs the agent loop to completion and returns the finished run.
// The returned run is terminal even when err is non-nil; err reports why
// the run ended in error status.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*models.Run, error) {
	prep, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.runLoop(ctx, prep, "")
}

// ExecuteStream starts the run detached and returns immediately with a
// stream session ID. The run keeps its own lifetime: caller cancellation
// after return does not cut off trace finalization.
func (e *Engine) ExecuteStream(ctx context.Context, req ExecuteRequest) (sessionID, runID string, err error) {
	prep, err := e.prepare(ctx, req)
	if err != nil {
		return "", "", err
	}

	sessionID, _ = e.mux.Create()
	var runCtx context.Context
	var cancel context.CancelFunc
	if e.opts.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), e.opts.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	e.mu.Lock()
	e.cancels[sessionID] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, sessionID)
			e.mu.Unlock()
		}()
		if _, err := e.runLoop(runCtx, prep, sessionID); err != nil {
			e.opts.Logger.Error("streamed run failed",
				"run_id", prep.run.ID, "agent_id", prep.agent.ID, "error", err)
		}
	}()
	return sessionID, prep.run.ID, nil
}

// CancelSession cancels the run behind a stream session, for transports
// configured to abort generation when the client disconnects.
func (e *Engine) CancelSession(sessionID string) {
	e.mu.Lock()
	cancel := e.cancels[sessionID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// GetRun fetches a run's trace.
func (e *Engine) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if errors.Is(err, trace.ErrNotFound) {
		return nil, &NotFoundError{Kind: "run", ID: runID}
	}
	return run, err
}

// Agents lists the configured agent catalog.
func (e *Engine) Agents(ctx context.Context) ([]*models.Agent, error) {
	return e.agents.ListAgents(ctx)
}

// prepared carries everything resolved before the loop starts.
type prepared struct {
	agent     *models.Agent
	provider  providers.Provider
	modelName string
	run       *models.Run
	history   []models.Message
	startTurn int
	maxTurns  int
}

// prepare validates the request, resolves the agent and provider, creates
// or reopens the run, and seeds the message history. All request-level
// failures happen here, synchronously, before any model call.
func (e *Engine) prepare(ctx context.Context, req ExecuteRequest) (*prepared, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, NewValidationError("agent_id", "must not be empty")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, NewValidationError("message", "must not be empty")
	}

	agent, err := e.agents.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	modelID := agent.Model
	if req.ModelOverride != "" {
		modelID = req.ModelOverride
	}
	provider, modelName, err := e.factory.Resolve(modelID)
	if err != nil {
		return nil, err
	}

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = e.opts.MaxTurns
	}

	prep := &prepared{
		agent:     agent,
		provider:  provider,
		modelName: modelName,
		maxTurns:  maxTurns,
	}

	userMsg := models.Message{Role: models.RoleUser, Content: req.Message}
	if req.RunID != "" {
		run, err := e.store.GetRun(ctx, req.RunID)
		if errors.Is(err, trace.ErrNotFound) {
			return nil, &NotFoundError{Kind: "run", ID: req.RunID}
		}
		if err != nil {
			return nil, err
		}
		if run.Status == models.RunRunning {
			return nil, fmt.Errorf("%w: %s", ErrRunActive, req.RunID)
		}
		if err := e.store.ReopenRun(ctx, req.RunID); err != nil {
			return nil, fmt.Errorf("continue run %s: %w", req.RunID, err)
		}
		// Prior conversation replays in original order ahead of the
		// new user message.
		prep.run = run
		prep.history = append(run.Messages(), userMsg)
		prep.startTurn = run.NextTurnNumber()
		return prep, nil
	}

	run := &models.Run{
		AgentID:   agent.ID,
		ModelUsed: modelID,
		Status:    models.RunRunning,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	prep.run = run
	prep.history = []models.Message{userMsg}
	prep.startTurn = 1
	return prep, nil
}

// runLoop executes the model/tool loop. sessionID is empty for
// non-streaming runs; otherwise chunks fan out through the mux and the
// session is completed or errored when the loop exits.
func (e *Engine) runLoop(ctx context.Context, prep *prepared, sessionID string) (run *models.Run, err error) {
	agent, run := prep.agent, prep.run
	log := e.opts.Logger.With("run_id", run.ID, "agent_id", agent.ID, "model", run.ModelUsed)
	if e.opts.Metrics != nil {
		e.opts.Metrics.RunStarted(agent.ID)
	}
	log.Info("run started", "turn_start", prep.startTurn, "max_turns", prep.maxTurns)

	// Finalization runs on every exit path. The terminal status write
	// uses a fresh context so cancellation cannot leave the run dangling
	// in running state.
	defer func() {
		finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		status := models.RunCompleted
		errMsg := ""
		if err != nil {
			status = models.RunError
			errMsg = err.Error()
		}
		if uerr := e.store.UpdateRunStatus(finalizeCtx, run.ID, status, errMsg); uerr != nil {
			log.Error("failed to finalize run status", "error", uerr)
		}
		if final, gerr := e.store.GetRun(finalizeCtx, run.ID); gerr == nil {
			*run = *final
		}
		if e.opts.Metrics != nil {
			e.opts.Metrics.RunFinished(agent.ID, string(status))
		}
		if sessionID != "" {
			if err != nil {
				e.mux.Error(sessionID, err.Error())
			} else {
				usage := run.TotalUsage
				e.mux.Complete(sessionID, &usage)
			}
		}
		log.Info("run finished", "status", status, "turns", len(run.Turns),
			"total_tokens", run.TotalUsage.TotalTokens, "tool_calls", run.TotalToolCalls)
	}()

	allowed := e.registry.ListByNames(agent.AllowedTools)
	toolDefs := make([]providers.ToolDef, 0, len(allowed))
	for _, t := range allowed {
		toolDefs = append(toolDefs, providers.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}

	history := prep.history
	userMsg := &history[len(history)-1]

	for turnNumber := prep.startTurn; turnNumber <= prep.maxTurns; turnNumber++ {
		if cerr := ctx.Err(); cerr != nil {
			return run, &LoopError{Phase: "cancelled", Turn: turnNumber, Cause: cerr}
		}

		request := &providers.Request{
			Model:       prep.modelName,
			System:      agent.SystemPrompt,
			Messages:    history,
			Tools:       toolDefs,
			Temperature: agent.Temperature,
			MaxTokens:   agent.MaxTokens,
			TopP:        agent.TopP,
		}

		response, merr := e.callModel(ctx, prep, request, sessionID)
		if merr != nil {
			return run, &LoopError{Phase: "model call", Turn: turnNumber, Cause: merr}
		}

		assistant := models.Message{
			Role:      models.RoleAssistant,
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		}
		history = append(history, assistant)

		turn := models.Turn{
			Number:           turnNumber,
			AssistantMessage: assistant,
			Usage:            response.Usage,
			CreatedAt:        time.Now().UTC(),
		}
		if turnNumber == prep.startTurn {
			turn.UserMessage = userMsg
		}
		if e.opts.Metrics != nil {
			e.opts.Metrics.TurnCounter.WithLabelValues(agent.ID).Inc()
		}

		// Authorization precedes execution. A disallowed request aborts
		// the run after the turn is recorded, with no execution logged
		// for any call in the batch.
		for _, tc := range response.ToolCalls {
			if !agent.AllowsTool(tc.Name) {
				if aerr := e.store.AppendTurn(ctx, run.ID, turn); aerr != nil {
					log.Error("failed to record turn", "turn", turnNumber, "error", aerr)
				}
				return run, &UnauthorizedToolError{AgentID: agent.ID, ToolName: tc.Name}
			}
		}

		if len(response.ToolCalls) > 0 {
			results := e.dispatcher.Dispatch(ctx, response.ToolCalls)
			for i, tc := range response.ToolCalls {
				result := results[i]
				turn.ToolExecutions = append(turn.ToolExecutions, models.ToolExecution{
					ID:        tc.ID,
					ToolName:  tc.Name,
					Input:     tc.Input,
					Result:    result,
					CreatedAt: time.Now().UTC(),
				})
				history = append(history, models.Message{
					Role:       models.RoleTool,
					Content:    result.Content,
					ToolCallID: tc.ID,
				})
				if e.opts.Metrics != nil {
					e.opts.Metrics.ObserveToolExecution(tc.Name, result.IsError, result.ExecutionTime)
				}
				log.Debug("tool executed", "turn", turnNumber, "tool", tc.Name, "is_error", result.IsError)
			}
		}

		if aerr := e.store.AppendTurn(ctx, run.ID, turn); aerr != nil {
			return run, &LoopError{Phase: "trace append", Turn: turnNumber, Cause: aerr}
		}

		// No tool work means the model is done.
		if len(response.ToolCalls) == 0 {
			return run, nil
		}
	}

	return run, fmt.Errorf("%w after %d turns", ErrMaxTurns, prep.maxTurns)
}

// callModel performs one bounded model call. For streaming sessions the
// provider's chunks are forwarded to the mux as they arrive and assembled
// into the same response shape the non-streaming path returns.
func (e *Engine) callModel(ctx context.Context, prep *prepared, request *providers.Request, sessionID string) (*providers.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.ModelCallTimeout)
	defer cancel()

	providerName := prep.provider.Name()
	start := time.Now()
	var response *providers.Response
	var err error
	if sessionID == "" {
		response, err = prep.provider.Generate(callCtx, request)
	} else {
		response, err = e.generateStreaming(callCtx, prep, request, sessionID)
	}

	if e.opts.Metrics != nil {
		e.opts.Metrics.ObserveModelCall(providerName, prep.modelName, time.Since(start))
		status := "success"
		if err != nil {
			status = "error"
		}
		e.opts.Metrics.ModelCallCounter.WithLabelValues(providerName, prep.modelName, status).Inc()
		if err == nil {
			e.opts.Metrics.ObserveTokens(providerName, prep.modelName,
				response.Usage.InputTokens, response.Usage.OutputTokens)
		}
	}
	return response, err
}

func (e *Engine) generateStreaming(ctx context.Context, prep *prepared, request *providers.Request, sessionID string) (*providers.Response, error) {
	ch, err := prep.provider.GenerateStream(ctx, request)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	response := &providers.Response{FinishReason: providers.FinishStop}
	for chunk := range ch {
		switch chunk.Type {
		case models.ChunkContent:
			content.WriteString(chunk.Content)
			e.mux.Send(sessionID, chunk)
		case models.ChunkToolCall:
			response.ToolCalls = append(response.ToolCalls, *chunk.ToolCall)
			e.mux.Send(sessionID, chunk)
		case models.ChunkDone:
			if chunk.Usage != nil {
				response.Usage = *chunk.Usage
			}
		case models.ChunkError:
			return nil, errors.New(chunk.Error)
		}
	}
	response.Content = content.String()
	if len(response.ToolCalls) > 0 {
		response.FinishReason = providers.FinishToolCalls
	}
	return response, nil
}
