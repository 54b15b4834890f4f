package tools

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// DispatcherConfig tunes tool dispatch.
type DispatcherConfig struct {
	// Timeout bounds each individual tool execution. Zero disables the
	// per-tool bound; the request context still applies.
	Timeout time.Duration

	// Parallel runs a batch's tool calls concurrently. Sequential is the
	// default because it keeps traces deterministic and replayable.
	Parallel bool

	// MaxConcurrency caps in-flight tools when Parallel is set.
	MaxConcurrency int
}

// Dispatcher executes a model turn's batch of tool calls against a
// registry. Results always come back in request order, one per call,
// whatever the execution order was.
type Dispatcher struct {
	registry *Registry
	cfg      DispatcherConfig
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	return &Dispatcher{registry: registry, cfg: cfg}
}

// Dispatch runs every call in the batch. It never fails on tool-level
// errors; a cancelled context stops the batch and marks the remaining
// calls cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	if len(calls) == 0 {
		return nil
	}
	if d.cfg.Parallel && len(calls) > 1 {
		return d.dispatchParallel(ctx, calls)
	}

	results := make([]models.ToolResult, len(calls))
	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(calls); j++ {
				results[j] = cancelledResult(calls[j], err)
			}
			break
		}
		results[i] = d.run(ctx, call)
	}
	return results
}

func (d *Dispatcher) dispatchParallel(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	sem := make(chan struct{}, d.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = cancelledResult(call, ctx.Err())
				return
			}
			results[i] = d.run(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) run(ctx context.Context, call models.ToolCall) models.ToolResult {
	execCtx := ctx
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	res, err := d.registry.Execute(execCtx, call.Name, input)
	if err != nil || res == nil {
		msg := "tool execution failed"
		if err != nil {
			msg = err.Error()
		}
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    msg,
			Error:      msg,
			IsError:    true,
		}
	}
	out := *res
	out.ToolCallID = call.ID
	return out
}

func cancelledResult(call models.ToolCall, err error) models.ToolResult {
	msg := "tool call cancelled"
	if err != nil {
		msg = "tool call cancelled: " + err.Error()
	}
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    msg,
		Error:      msg,
		IsError:    true,
	}
}
