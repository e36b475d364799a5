package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AddContent stores one TypedContent row for a task's input or output.
// Empty or null content is never stored: callers that resolve to nothing
// should skip calling AddContent entirely rather than writing an empty row.
func (s *Store) AddContent(ctx context.Context, taskID int64, kind string, typ ContentType, content string) (*TypedContent, error) {
	if content == "" {
		return nil, nil
	}
	now := NowMicros()
	uid := uuid.Must(uuid.NewV7()).String()

	res, err := s.exec(ctx, `
		INSERT INTO contents (uid, task_id, kind, typ, ctime, content)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uid, taskID, kind, string(typ), now, content)
	if err != nil {
		return nil, fmt.Errorf("add content: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("add content: last insert id: %w", err)
	}
	return &TypedContent{ID: id, UID: uid, TaskID: taskID, Kind: kind, Typ: typ, Ctime: now, Content: content}, nil
}

// GetContent returns the single content row of the given kind ("input" or
// "output") for a task, if any.
func (s *Store) GetContent(ctx context.Context, taskID int64, kind string) (*TypedContent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, uid, task_id, kind, typ, ctime, content
		FROM contents WHERE task_id = ? AND kind = ? ORDER BY id DESC LIMIT 1
	`, taskID, kind)

	c := &TypedContent{}
	var typ string
	if err := row.Scan(&c.ID, &c.UID, &c.TaskID, &c.Kind, &typ, &c.Ctime, &c.Content); err != nil {
		return nil, err
	}
	c.Typ = ContentType(typ)
	return c, nil
}
