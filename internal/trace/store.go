// Package trace persists the append-only execution record of agent runs.
// A run accretes turns and tool executions while in flight and freezes at
// its terminal status; stores never rewrite history.
package trace

import (
	"context"
	"errors"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// ErrNotFound is returned when the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// ErrTerminal is returned when a write targets a run that already reached
// a terminal status.
var ErrTerminal = errors.New("run already terminal")

// ErrTurnOrder is returned when an appended turn does not carry the next
// sequential turn number.
var ErrTurnOrder = errors.New("turn number out of order")

// RunFilter narrows QueryRuns. Zero values match everything.
type RunFilter struct {
	AgentID string
	Status  models.RunStatus
	Limit   int
	Offset  int
}

// ToolStat aggregates executions of one tool across all runs.
type ToolStat struct {
	ToolName      string  `json:"tool_name"`
	Calls         int     `json:"calls"`
	Errors        int     `json:"errors"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Store is the persistence boundary for execution traces.
//
// AppendTurn and LogToolExecution also maintain the run's aggregate usage
// and tool-call counters, so the run's totals always equal the sum over
// its turns.
type Store interface {
	// CreateRun persists a new run in running status.
	CreateRun(ctx context.Context, run *models.Run) error

	// AppendTurn adds a turn to a running run. The turn's number must be
	// exactly the run's next sequential number.
	AppendTurn(ctx context.Context, runID string, turn models.Turn) error

	// LogToolExecution records a tool execution under an existing turn.
	LogToolExecution(ctx context.Context, runID string, turnNumber int, exec models.ToolExecution) error

	// UpdateRunStatus moves a run to a terminal status. A run that is
	// already terminal stays as it is.
	UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, errMsg string) error

	// ReopenRun moves a completed run back to running so a continuation
	// can append further turns. Errored runs cannot be reopened; their
	// history may have been cut mid-turn.
	ReopenRun(ctx context.Context, runID string) error

	// GetRun fetches a run with its full turn history.
	GetRun(ctx context.Context, runID string) (*models.Run, error)

	// QueryRuns lists runs matching the filter, newest first, without
	// their turn bodies.
	QueryRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error)

	// GetToolStats aggregates tool execution counts and latency across
	// recorded runs. An empty agentID aggregates over every agent.
	GetToolStats(ctx context.Context, agentID string) ([]ToolStat, error)

	// DeleteRun removes a run and everything recorded under it.
	DeleteRun(ctx context.Context, runID string) error

	// Close releases the store's resources.
	Close() error
}
