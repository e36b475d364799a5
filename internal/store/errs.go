package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateErr records a failure. Either runID or taskID (or both) identify
// where the failure occurred; stage names the pipeline stage in progress at
// the time, when known.
func (s *Store) CreateErr(ctx context.Context, stage *string, runID, taskID *int64, typ *string, content string) (*Err, error) {
	now := NowMicros()
	uid := uuid.Must(uuid.NewV7()).String()

	res, err := s.exec(ctx, `
		INSERT INTO errs (uid, stage, run_id, task_id, typ, ctime, content)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uid, stage, runID, taskID, typ, now, content)
	if err != nil {
		return nil, fmt.Errorf("create err: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create err: last insert id: %w", err)
	}
	return &Err{ID: id, UID: uid, Stage: stage, RunID: runID, TaskID: taskID, Typ: typ, Ctime: now, Content: content}, nil
}

// GetErr loads an Err row by id.
func (s *Store) GetErr(ctx context.Context, id int64) (*Err, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, uid, stage, run_id, task_id, typ, ctime, content FROM errs WHERE id = ?
	`, id)
	e := &Err{}
	if err := row.Scan(&e.ID, &e.UID, &e.Stage, &e.RunID, &e.TaskID, &e.Typ, &e.Ctime, &e.Content); err != nil {
		return nil, fmt.Errorf("get err: %w", err)
	}
	return e, nil
}
