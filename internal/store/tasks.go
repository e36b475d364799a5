package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateTask inserts a Task row up front, before any work has run, so every
// task in a run is observable from the moment scheduling decides the run's
// shape. idx is the task's 0-based position within the run.
func (s *Store) CreateTask(ctx context.Context, runID int64, idx int, label *string) (*Task, error) {
	now := NowMicros()
	uid := uuid.Must(uuid.NewV7()).String()

	res, err := s.exec(ctx, `
		INSERT INTO tasks (uid, run_id, idx, ctime, mtime, usage, label)
		VALUES (?, ?, ?, ?, ?, '{}', ?)
	`, uid, runID, idx, now, now, label)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create task: last insert id: %w", err)
	}
	return s.GetTask(ctx, id)
}

// GetTask loads a Task by its internal id.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, uid, run_id, idx, ctime, mtime,
		       start, data_start, data_end, ai_start, ai_gen_start, ai_gen_end, ai_end, output_start, output_end, end,
		       model_ov, usage, tk_prompt_total, tk_prompt_cached, tk_prompt_cache_creation,
		       tk_completion_total, tk_completion_reasoning, cost, label, end_state, end_skip_reason, end_err_id
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

// ListTasks returns every task of a run, ordered by idx.
func (s *Store) ListTasks(ctx context.Context, runID int64) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uid, run_id, idx, ctime, mtime,
		       start, data_start, data_end, ai_start, ai_gen_start, ai_gen_end, ai_end, output_start, output_end, end,
		       model_ov, usage, tk_prompt_total, tk_prompt_cached, tk_prompt_cache_creation,
		       tk_completion_total, tk_completion_reasoning, cost, label, end_state, end_skip_reason, end_err_id
		FROM tasks WHERE run_id = ? ORDER BY idx ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row *sql.Row) (*Task, error) { return scanTaskGeneric(row) }

func scanTaskRows(rows *sql.Rows) (*Task, error) { return scanTaskGeneric(rows) }

func scanTaskGeneric(sc scanner) (*Task, error) {
	t := &Task{}
	var endState sql.NullString
	if err := sc.Scan(
		&t.ID, &t.UID, &t.RunID, &t.Idx, &t.Ctime, &t.Mtime,
		&t.Start, &t.DataStart, &t.DataEnd, &t.AiStart, &t.AiGenStart, &t.AiGenEnd, &t.AiEnd, &t.OutputStart, &t.OutputEnd, &t.End,
		&t.ModelOv, &t.Usage, &t.TkPromptTotal, &t.TkPromptCached, &t.TkPromptCacheCreation,
		&t.TkCompletionTotal, &t.TkCompletionReasoning, &t.Cost, &t.Label, &endState, &t.EndSkipReason, &t.EndErrID,
	); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if endState.Valid {
		es := EndState(endState.String)
		t.EndState = &es
	}
	return t, nil
}

func (s *Store) touchTask(ctx context.Context, id int64, column string) error {
	now := NowMicros()
	query := fmt.Sprintf(`UPDATE tasks SET mtime = ?, %s = ? WHERE id = ? AND (%s IS NULL OR %s <= ?)`, column, column, column)
	res, err := s.exec(ctx, query, now, now, id, now)
	if err != nil {
		return fmt.Errorf("touch task %s: %w", column, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("touch task %s: step already set to a later timestamp or task missing", column)
	}
	return nil
}

func (s *Store) RecTaskStart(ctx context.Context, id int64) error      { return s.touchTask(ctx, id, "start") }
func (s *Store) RecTaskDataStart(ctx context.Context, id int64) error  { return s.touchTask(ctx, id, "data_start") }
func (s *Store) RecTaskDataEnd(ctx context.Context, id int64) error    { return s.touchTask(ctx, id, "data_end") }
func (s *Store) RecTaskAiStart(ctx context.Context, id int64) error    { return s.touchTask(ctx, id, "ai_start") }
func (s *Store) RecTaskAiGenStart(ctx context.Context, id int64) error { return s.touchTask(ctx, id, "ai_gen_start") }
func (s *Store) RecTaskAiGenEnd(ctx context.Context, id int64) error   { return s.touchTask(ctx, id, "ai_gen_end") }
func (s *Store) RecTaskAiEnd(ctx context.Context, id int64) error      { return s.touchTask(ctx, id, "ai_end") }
func (s *Store) RecTaskOutputStart(ctx context.Context, id int64) error { return s.touchTask(ctx, id, "output_start") }
func (s *Store) RecTaskOutputEnd(ctx context.Context, id int64) error   { return s.touchTask(ctx, id, "output_end") }

// SetModelOv records a per-task model override decided by the Data stage.
// It never mutates the run's own default model.
func (s *Store) SetModelOv(ctx context.Context, id int64, model string) error {
	_, err := s.exec(ctx, `UPDATE tasks SET mtime = ?, model_ov = ? WHERE id = ?`, NowMicros(), model, id)
	if err != nil {
		return fmt.Errorf("set task model_ov: %w", err)
	}
	return nil
}

// SetTaskLabel overwrites a task's label, the write path for
// `aip.task.set_label` called from a Data or Output stage body.
func (s *Store) SetTaskLabel(ctx context.Context, id int64, label string) error {
	_, err := s.exec(ctx, `UPDATE tasks SET mtime = ?, label = ? WHERE id = ?`, NowMicros(), label, id)
	if err != nil {
		return fmt.Errorf("set task label: %w", err)
	}
	return nil
}

// UpdateTaskUsage records token usage for a task and derives its cost via
// estimate, leaving the final 4-decimal rounding for when totals are read.
func (s *Store) UpdateTaskUsage(ctx context.Context, id int64, usageJSON string, promptTotal, promptCached, promptCacheCreation, completionTotal, completionReasoning int, cost *float64) error {
	var roundedCost sql.NullFloat64
	if cost != nil {
		roundedCost = sql.NullFloat64{Float64: roundCost(*cost), Valid: true}
	}
	_, err := s.exec(ctx, `
		UPDATE tasks SET mtime = ?, usage = ?, tk_prompt_total = ?, tk_prompt_cached = ?, tk_prompt_cache_creation = ?,
		                 tk_completion_total = ?, tk_completion_reasoning = ?, cost = ?
		WHERE id = ?
	`, NowMicros(), usageJSON, promptTotal, promptCached, promptCacheCreation, completionTotal, completionReasoning, roundedCost, id)
	if err != nil {
		return fmt.Errorf("update task usage: %w", err)
	}
	return nil
}

// SetTaskEnd sets a task's terminal state. Like SetRunEnd, this may happen
// at most once per task.
func (s *Store) SetTaskEnd(ctx context.Context, id int64, state EndState, skipReason *string, errID *int64) error {
	now := NowMicros()
	res, err := s.exec(ctx, `
		UPDATE tasks SET mtime = ?, end = ?, end_state = ?, end_skip_reason = ?, end_err_id = ?
		WHERE id = ? AND end_state IS NULL
	`, now, now, string(state), skipReason, errID, id)
	if err != nil {
		return fmt.Errorf("set task end: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("set task end: task %d already has an end_state", id)
	}
	return nil
}
