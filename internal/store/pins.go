package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AddPin records a script-created marker against a run or a task.
func (s *Store) AddPin(ctx context.Context, runID int64, taskID *int64, name *string, priority float64, content string) (*Pin, error) {
	now := NowMicros()
	uid := uuid.Must(uuid.NewV7()).String()

	res, err := s.exec(ctx, `
		INSERT INTO pins (uid, run_id, task_id, ctime, name, priority, content)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uid, runID, taskID, now, name, priority, content)
	if err != nil {
		return nil, fmt.Errorf("add pin: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("add pin: last insert id: %w", err)
	}
	return &Pin{ID: id, UID: uid, RunID: runID, TaskID: taskID, Ctime: now, Name: name, Priority: priority, Content: content}, nil
}

// ListPins returns every pin for a run, ordered by priority descending then
// insertion order.
func (s *Store) ListPins(ctx context.Context, runID int64) ([]*Pin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uid, run_id, task_id, ctime, name, priority, content
		FROM pins WHERE run_id = ? ORDER BY priority DESC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list pins: %w", err)
	}
	defer rows.Close()

	var out []*Pin
	for rows.Next() {
		p := &Pin{}
		if err := rows.Scan(&p.ID, &p.UID, &p.RunID, &p.TaskID, &p.Ctime, &p.Name, &p.Priority, &p.Content); err != nil {
			return nil, fmt.Errorf("scan pin: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
