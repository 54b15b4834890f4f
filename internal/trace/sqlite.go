package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/agentrun/pkg/models"
)

// SQLiteStore persists traces in SQLite. Turn and execution appends run
// in a transaction together with the run's aggregate counters, so readers
// never observe totals that disagree with the turn history.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if needed creates) the database at path. An
// empty path uses an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Serialized access; the driver is not safe for concurrent writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			model_used TEXT NOT NULL,
			status TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			tool_calls INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			number INTEGER NOT NULL,
			user_message TEXT,
			assistant_message TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, number)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_executions (
			id TEXT NOT NULL,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			turn_number INTEGER NOT NULL,
			tool_name TEXT NOT NULL,
			input TEXT,
			result TEXT NOT NULL,
			is_error INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_execs_tool ON tool_executions(tool_name)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunRunning
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, agent_id, model_used, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.AgentID, run.ModelUsed, string(run.Status), run.Error, encodeTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, runID string, turn models.Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		var maxTurn sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT r.status, (SELECT MAX(number) FROM turns WHERE run_id = r.id)
			FROM runs r WHERE r.id = ?`, runID).Scan(&status, &maxTurn)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		if models.RunStatus(status).Terminal() {
			return ErrTerminal
		}
		next := int(maxTurn.Int64) + 1
		if turn.Number != next {
			return fmt.Errorf("%w: got %d, want %d", ErrTurnOrder, turn.Number, next)
		}

		var userJSON any
		if turn.UserMessage != nil {
			data, err := json.Marshal(turn.UserMessage)
			if err != nil {
				return fmt.Errorf("marshal user message: %w", err)
			}
			userJSON = string(data)
		}
		assistantJSON, err := json.Marshal(turn.AssistantMessage)
		if err != nil {
			return fmt.Errorf("marshal assistant message: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO turns (run_id, number, user_message, assistant_message, input_tokens, output_tokens, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, turn.Number, userJSON, string(assistantJSON),
			turn.Usage.InputTokens, turn.Usage.OutputTokens, encodeTime(turn.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}

		for _, exec := range turn.ToolExecutions {
			if err := insertExecution(ctx, tx, runID, turn.Number, exec); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET
				input_tokens = input_tokens + ?,
				output_tokens = output_tokens + ?,
				tool_calls = tool_calls + ?
			WHERE id = ?`,
			turn.Usage.InputTokens, turn.Usage.OutputTokens, len(turn.ToolExecutions), runID)
		if err != nil {
			return fmt.Errorf("update run totals: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) LogToolExecution(ctx context.Context, runID string, turnNumber int, exec models.ToolExecution) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM turns WHERE run_id = ? AND number = ?`, runID, turnNumber).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s has no turn %d", runID, turnNumber)
		}
		if err != nil {
			return fmt.Errorf("load turn: %w", err)
		}
		if err := insertExecution(ctx, tx, runID, turnNumber, exec); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET tool_calls = tool_calls + 1 WHERE id = ?`, runID); err != nil {
			return fmt.Errorf("update run totals: %w", err)
		}
		return nil
	})
}

func insertExecution(ctx context.Context, tx *sql.Tx, runID string, turnNumber int, exec models.ToolExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	resultJSON, err := json.Marshal(exec.Result)
	if err != nil {
		return fmt.Errorf("marshal tool result: %w", err)
	}
	var input any
	if len(exec.Input) > 0 {
		input = string(exec.Input)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tool_executions (id, run_id, turn_number, tool_name, input, result, is_error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, runID, turnNumber, exec.ToolName, input, string(resultJSON),
		boolToInt(exec.Result.IsError), exec.Result.ExecutionTime.Milliseconds(), encodeTime(exec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert tool execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		if models.RunStatus(current).Terminal() {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
			string(status), errMsg, encodeTime(time.Now().UTC()), runID)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ReopenRun(ctx context.Context, runID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		if models.RunStatus(current) != models.RunCompleted {
			return fmt.Errorf("cannot reopen run in status %q", current)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, error = '', completed_at = NULL WHERE id = ?`,
			string(models.RunRunning), runID)
		if err != nil {
			return fmt.Errorf("reopen run: %w", err)
		}
		return nil
	})
}

// GetRun reads the header, turns, and tool executions inside a single
// transaction so a concurrent AppendTurn cannot commit between the reads
// and hand a poller a snapshot whose totals disagree with its turns.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var run *models.Run
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, agent_id, model_used, status, input_tokens, output_tokens, tool_calls, error, created_at, completed_at
			FROM runs WHERE id = ?`, runID)
		var err error
		run, err = scanRunRow(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := scanTurns(ctx, tx, run); err != nil {
			return err
		}
		return scanExecutions(ctx, tx, run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func scanTurns(ctx context.Context, tx *sql.Tx, run *models.Run) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT number, user_message, assistant_message, input_tokens, output_tokens, created_at
		FROM turns WHERE run_id = ? ORDER BY number`, run.ID)
	if err != nil {
		return fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var turn models.Turn
		var userJSON sql.NullString
		var assistantJSON, createdAt string
		if err := rows.Scan(&turn.Number, &userJSON, &assistantJSON,
			&turn.Usage.InputTokens, &turn.Usage.OutputTokens, &createdAt); err != nil {
			return fmt.Errorf("scan turn: %w", err)
		}
		turn.Usage.TotalTokens = turn.Usage.InputTokens + turn.Usage.OutputTokens
		if userJSON.Valid {
			var msg models.Message
			if err := json.Unmarshal([]byte(userJSON.String), &msg); err != nil {
				return fmt.Errorf("decode user message: %w", err)
			}
			turn.UserMessage = &msg
		}
		if err := json.Unmarshal([]byte(assistantJSON), &turn.AssistantMessage); err != nil {
			return fmt.Errorf("decode assistant message: %w", err)
		}
		turn.CreatedAt = decodeTime(createdAt)
		run.Turns = append(run.Turns, turn)
	}
	return rows.Err()
}

func scanExecutions(ctx context.Context, tx *sql.Tx, run *models.Run) error {
	byNumber := make(map[int]*models.Turn, len(run.Turns))
	for i := range run.Turns {
		byNumber[run.Turns[i].Number] = &run.Turns[i]
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, turn_number, tool_name, input, result, created_at
		FROM tool_executions WHERE run_id = ? ORDER BY turn_number, created_at, id`, run.ID)
	if err != nil {
		return fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var exec models.ToolExecution
		var turnNumber int
		var input sql.NullString
		var resultJSON, createdAt string
		if err := rows.Scan(&exec.ID, &turnNumber, &exec.ToolName, &input, &resultJSON, &createdAt); err != nil {
			return fmt.Errorf("scan execution: %w", err)
		}
		if input.Valid {
			exec.Input = json.RawMessage(input.String)
		}
		if err := json.Unmarshal([]byte(resultJSON), &exec.Result); err != nil {
			return fmt.Errorf("decode tool result: %w", err)
		}
		exec.CreatedAt = decodeTime(createdAt)
		if turn, ok := byNumber[turnNumber]; ok {
			turn.ToolExecutions = append(turn.ToolExecutions, exec)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) QueryRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	query := `
		SELECT id, agent_id, model_used, status, input_tokens, output_tokens, tool_calls, error, created_at, completed_at
		FROM runs WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) GetToolStats(ctx context.Context, agentID string) ([]ToolStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT te.tool_name, COUNT(*), SUM(te.is_error), AVG(te.duration_ms)
		FROM tool_executions te
		JOIN runs r ON r.id = te.run_id
		WHERE ?1 = '' OR r.agent_id = ?1
		GROUP BY te.tool_name ORDER BY te.tool_name`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query tool stats: %w", err)
	}
	defer rows.Close()

	var stats []ToolStat
	for rows.Next() {
		var stat ToolStat
		var errCount sql.NullInt64
		var avg sql.NullFloat64
		if err := rows.Scan(&stat.ToolName, &stat.Calls, &errCount, &avg); err != nil {
			return nil, fmt.Errorf("scan tool stat: %w", err)
		}
		stat.Errors = int(errCount.Int64)
		stat.AvgDurationMS = avg.Float64
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunRow(row rowScanner) (*models.Run, error) {
	var run models.Run
	var status, createdAt string
	var completedAt sql.NullString
	err := row.Scan(&run.ID, &run.AgentID, &run.ModelUsed, &status,
		&run.TotalUsage.InputTokens, &run.TotalUsage.OutputTokens,
		&run.TotalToolCalls, &run.Error, &createdAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Status = models.RunStatus(status)
	run.TotalUsage.TotalTokens = run.TotalUsage.InputTokens + run.TotalUsage.OutputTokens
	run.CreatedAt = decodeTime(createdAt)
	if completedAt.Valid {
		t := decodeTime(completedAt.String)
		run.CompletedAt = &t
	}
	return &run, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
