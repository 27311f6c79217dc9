package persistence

import (
	"context"
	"fmt"
)

// RecordTaskEvent appends one transition row and mirrors it on the bus when
// one is attached.
func (s *Store) RecordTaskEvent(ctx context.Context, ev TaskEvent) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_events (task_id, session_id, event_type, state_from, state_to, run_id, trace_id, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, ev.TaskID, ev.SessionID, ev.EventType, ev.StateFrom, ev.StateTo, ev.RunID, ev.TraceID, ev.Payload)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish("task_event."+ev.EventType, map[string]string{
			"task_id":    ev.TaskID,
			"session_id": ev.SessionID,
			"event_type": ev.EventType,
		})
	}
	return nil
}

// ListTaskEvents returns events for a task from a given event id, ascending.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, fromEventID int64, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, session_id, event_type, state_from, state_to, run_id, trace_id, payload, created_at
		FROM task_events
		WHERE task_id = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, fromEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.SessionID, &ev.EventType,
			&ev.StateFrom, &ev.StateTo, &ev.RunID, &ev.TraceID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}
