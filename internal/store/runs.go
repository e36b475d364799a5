package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateRun inserts a new Run row and returns it with its id/uid populated.
// parentID is nil for a top-level run; sub-agent runs set it to the
// initiating run's id (C9).
func (s *Store) CreateRun(ctx context.Context, parentID *int64, agentName, agentPath, model string, concurrency int, hasTaskStages, hasPromptParts bool, literals string) (*Run, error) {
	now := NowMicros()
	uid := uuid.Must(uuid.NewV7()).String()
	if literals == "" {
		literals = "{}"
	}

	res, err := s.exec(ctx, `
		INSERT INTO runs (uid, parent_id, ctime, mtime, agent_name, agent_path, model, concurrency, total_cost, has_task_stages, has_prompt_parts, literals)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, uid, parentID, now, now, agentName, agentPath, model, concurrency, hasTaskStages, hasPromptParts, literals)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create run: last insert id: %w", err)
	}
	return s.GetRun(ctx, id)
}

// GetRunByUID loads a Run by its external uid, used by the Sub-Agent
// Gateway (C9) to turn a parent run's uid back into the internal id a new
// child Run row's parent_id column wants.
func (s *Store) GetRunByUID(ctx context.Context, uid string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, uid, parent_id, ctime, mtime, start, ba_start, ba_end, tasks_start, tasks_end, aa_start, aa_end, end,
		       agent_name, agent_path, model, concurrency, total_cost, end_state, end_skip_reason, end_err_id,
		       has_task_stages, has_prompt_parts, literals
		FROM runs WHERE uid = ?
	`, uid)
	return scanRun(row)
}

// GetRun loads a Run by its internal id.
func (s *Store) GetRun(ctx context.Context, id int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, uid, parent_id, ctime, mtime, start, ba_start, ba_end, tasks_start, tasks_end, aa_start, aa_end, end,
		       agent_name, agent_path, model, concurrency, total_cost, end_state, end_skip_reason, end_err_id,
		       has_task_stages, has_prompt_parts, literals
		FROM runs WHERE id = ?
	`, id)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*Run, error) {
	r := &Run{}
	var endState sql.NullString
	if err := row.Scan(
		&r.ID, &r.UID, &r.ParentID, &r.Ctime, &r.Mtime,
		&r.Start, &r.BaStart, &r.BaEnd, &r.TasksStart, &r.TasksEnd, &r.AaStart, &r.AaEnd, &r.End,
		&r.AgentName, &r.AgentPath, &r.Model, &r.Concurrency, &r.TotalCost, &endState, &r.EndSkipReason, &r.EndErrID,
		&r.HasTaskStages, &r.HasPromptParts, &r.Literals,
	); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if endState.Valid {
		es := EndState(endState.String)
		r.EndState = &es
	}
	return r, nil
}

// ListRunsByParent returns every sub-agent run created under parentID, in
// creation order.
func (s *Store) ListRunsByParent(ctx context.Context, parentID int64) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uid, parent_id, ctime, mtime, start, ba_start, ba_end, tasks_start, tasks_end, aa_start, aa_end, end,
		       agent_name, agent_path, model, concurrency, total_cost, end_state, end_skip_reason, end_err_id,
		       has_task_stages, has_prompt_parts, literals
		FROM runs WHERE parent_id = ? ORDER BY id ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list runs by parent: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r := &Run{}
		var endState sql.NullString
		if err := rows.Scan(
			&r.ID, &r.UID, &r.ParentID, &r.Ctime, &r.Mtime,
			&r.Start, &r.BaStart, &r.BaEnd, &r.TasksStart, &r.TasksEnd, &r.AaStart, &r.AaEnd, &r.End,
			&r.AgentName, &r.AgentPath, &r.Model, &r.Concurrency, &r.TotalCost, &endState, &r.EndSkipReason, &r.EndErrID,
			&r.HasTaskStages, &r.HasPromptParts, &r.Literals,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if endState.Valid {
			es := EndState(endState.String)
			r.EndState = &es
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// touchRun bumps mtime and sets the named step column, in one statement, so
// the non-decreasing-timestamp invariant is enforced by never letting a
// caller set a step column to a value earlier than what's already stored.
func (s *Store) touchRun(ctx context.Context, id int64, column string) error {
	now := NowMicros()
	query := fmt.Sprintf(`UPDATE runs SET mtime = ?, %s = ? WHERE id = ? AND (%s IS NULL OR %s <= ?)`, column, column, column)
	res, err := s.exec(ctx, query, now, now, id, now)
	if err != nil {
		return fmt.Errorf("touch run %s: %w", column, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("touch run %s: step already set to a later timestamp or run missing", column)
	}
	return nil
}

func (s *Store) RecRunStart(ctx context.Context, id int64) error      { return s.touchRun(ctx, id, "start") }
func (s *Store) RecRunBaStart(ctx context.Context, id int64) error    { return s.touchRun(ctx, id, "ba_start") }
func (s *Store) RecRunBaEnd(ctx context.Context, id int64) error      { return s.touchRun(ctx, id, "ba_end") }
func (s *Store) RecRunTasksStart(ctx context.Context, id int64) error { return s.touchRun(ctx, id, "tasks_start") }
func (s *Store) RecRunTasksEnd(ctx context.Context, id int64) error   { return s.touchRun(ctx, id, "tasks_end") }
func (s *Store) RecRunAaStart(ctx context.Context, id int64) error    { return s.touchRun(ctx, id, "aa_start") }
func (s *Store) RecRunAaEnd(ctx context.Context, id int64) error      { return s.touchRun(ctx, id, "aa_end") }

// SetRunEnd sets the run's terminal state. It is an error to call this more
// than once for the same run: end_state is set at most once.
func (s *Store) SetRunEnd(ctx context.Context, id int64, state EndState, skipReason *string, errID *int64) error {
	now := NowMicros()
	res, err := s.exec(ctx, `
		UPDATE runs SET mtime = ?, end = ?, end_state = ?, end_skip_reason = ?, end_err_id = ?
		WHERE id = ? AND end_state IS NULL
	`, now, now, string(state), skipReason, errID, id)
	if err != nil {
		return fmt.Errorf("set run end: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("set run end: run %d already has an end_state", id)
	}
	return nil
}

// RecomputeRunCost sets total_cost to the sum of the run's task costs. It is
// always a full recomputation, never an increment, so concurrent task
// completions can never race each other into an inconsistent total.
func (s *Store) RecomputeRunCost(ctx context.Context, runID int64) error {
	var total sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(cost) FROM tasks WHERE run_id = ?`, runID).Scan(&total); err != nil {
		return fmt.Errorf("sum task costs: %w", err)
	}
	sum := 0.0
	if total.Valid {
		sum = roundCost(total.Float64)
	}
	if _, err := s.exec(ctx, `UPDATE runs SET mtime = ?, total_cost = ? WHERE id = ?`, NowMicros(), sum, runID); err != nil {
		return fmt.Errorf("update run total_cost: %w", err)
	}
	return nil
}

// roundCost rounds to 4 decimal places. Rounding only ever happens at the
// point a cost is surfaced or summed, never on each intermediate addend.
func roundCost(v float64) float64 {
	const scale = 10000.0
	return float64(int64(v*scale+0.5)) / scale
}
