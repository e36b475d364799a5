package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AppendLog writes one append-only Log row scoped to a run and, optionally,
// a task.
func (s *Store) AppendLog(ctx context.Context, runID int64, taskID *int64, kind LogKind, stage, step *string, message string) (*Log, error) {
	now := NowMicros()
	uid := uuid.Must(uuid.NewV7()).String()

	res, err := s.exec(ctx, `
		INSERT INTO logs (uid, run_id, task_id, ctime, kind, stage, step, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uid, runID, taskID, now, string(kind), stage, step, message)
	if err != nil {
		return nil, fmt.Errorf("append log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("append log: last insert id: %w", err)
	}
	return &Log{ID: id, UID: uid, RunID: runID, TaskID: taskID, Ctime: now, Kind: kind, Stage: stage, Step: step, Message: message}, nil
}

// ListLogs returns every log row for a run, in insertion order.
func (s *Store) ListLogs(ctx context.Context, runID int64) ([]*Log, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uid, run_id, task_id, ctime, kind, stage, step, message
		FROM logs WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []*Log
	for rows.Next() {
		l := &Log{}
		var kind string
		if err := rows.Scan(&l.ID, &l.UID, &l.RunID, &l.TaskID, &l.Ctime, &kind, &l.Stage, &l.Step, &l.Message); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		l.Kind = LogKind(kind)
		out = append(out, l)
	}
	return out, rows.Err()
}
