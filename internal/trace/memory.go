package trace

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// Reads return deep copies so callers cannot mutate recorded history.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*models.Run
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*models.Run)}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunRunning
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *MemoryStore) AppendTurn(ctx context.Context, runID string, turn models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if run.Status.Terminal() {
		return ErrTerminal
	}
	if turn.Number != run.NextTurnNumber() {
		return fmt.Errorf("%w: got %d, want %d", ErrTurnOrder, turn.Number, run.NextTurnNumber())
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	run.Turns = append(run.Turns, copyTurn(turn))
	run.TotalUsage.Add(turn.Usage)
	run.TotalToolCalls += len(turn.ToolExecutions)
	return nil
}

func (s *MemoryStore) LogToolExecution(ctx context.Context, runID string, turnNumber int, exec models.ToolExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	for i := range run.Turns {
		if run.Turns[i].Number == turnNumber {
			if exec.CreatedAt.IsZero() {
				exec.CreatedAt = time.Now().UTC()
			}
			run.Turns[i].ToolExecutions = append(run.Turns[i].ToolExecutions, copyExec(exec))
			run.TotalToolCalls++
			return nil
		}
	}
	return fmt.Errorf("run %s has no turn %d", runID, turnNumber)
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if run.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	run.Error = errMsg
	return nil
}

func (s *MemoryStore) ReopenRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if run.Status != models.RunCompleted {
		return fmt.Errorf("cannot reopen run in status %q", run.Status)
	}
	run.Status = models.RunRunning
	run.CompletedAt = nil
	run.Error = ""
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(run), nil
}

func (s *MemoryStore) QueryRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	s.mu.RLock()
	var matched []*models.Run
	for _, run := range s.runs {
		if filter.AgentID != "" && run.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		header := copyRun(run)
		header.Turns = nil
		matched = append(matched, header)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) GetToolStats(ctx context.Context, agentID string) ([]ToolStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type acc struct {
		calls  int
		errors int
		total  time.Duration
	}
	byTool := map[string]*acc{}
	for _, run := range s.runs {
		if agentID != "" && run.AgentID != agentID {
			continue
		}
		for _, turn := range run.Turns {
			for _, exec := range turn.ToolExecutions {
				a := byTool[exec.ToolName]
				if a == nil {
					a = &acc{}
					byTool[exec.ToolName] = a
				}
				a.calls++
				if exec.Result.IsError {
					a.errors++
				}
				a.total += exec.Result.ExecutionTime
			}
		}
	}

	stats := make([]ToolStat, 0, len(byTool))
	for name, a := range byTool {
		stat := ToolStat{ToolName: name, Calls: a.calls, Errors: a.errors}
		if a.calls > 0 {
			stat.AvgDurationMS = float64(a.total.Milliseconds()) / float64(a.calls)
		}
		stats = append(stats, stat)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ToolName < stats[j].ToolName })
	return stats, nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return ErrNotFound
	}
	delete(s.runs, runID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copyRun(run *models.Run) *models.Run {
	out := *run
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		out.CompletedAt = &t
	}
	out.Turns = make([]models.Turn, len(run.Turns))
	for i, turn := range run.Turns {
		out.Turns[i] = copyTurn(turn)
	}
	return &out
}

func copyTurn(turn models.Turn) models.Turn {
	out := turn
	if turn.UserMessage != nil {
		m := copyMessage(*turn.UserMessage)
		out.UserMessage = &m
	}
	out.AssistantMessage = copyMessage(turn.AssistantMessage)
	out.ToolExecutions = make([]models.ToolExecution, len(turn.ToolExecutions))
	for i, exec := range turn.ToolExecutions {
		out.ToolExecutions[i] = copyExec(exec)
	}
	return out
}

func copyExec(exec models.ToolExecution) models.ToolExecution {
	out := exec
	out.Input = append([]byte(nil), exec.Input...)
	out.Result.Data = append([]byte(nil), exec.Result.Data...)
	return out
}

func copyMessage(msg models.Message) models.Message {
	out := msg
	if msg.Metadata != nil {
		out.Metadata = make(map[string]string, len(msg.Metadata))
		for k, v := range msg.Metadata {
			out.Metadata[k] = v
		}
	}
	out.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		out.ToolCalls[i] = tc
		out.ToolCalls[i].Input = append([]byte(nil), tc.Input...)
	}
	if len(msg.ToolCalls) == 0 {
		out.ToolCalls = nil
	}
	return out
}
