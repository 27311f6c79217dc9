package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned when a task id matches no row.
var ErrTaskNotFound = errors.New("task not found")

// ErrAgentNotFound is returned when an agent id matches no row.
var ErrAgentNotFound = errors.New("agent not found")

func (s *Store) CreateTask(ctx context.Context, t Task) (Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskStatusInbox
	}
	if !ValidStatus(t.Status) {
		return Task{}, fmt.Errorf("invalid task status %q", t.Status)
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, title, status, assigned_agent_id, department_id, project_id, session_id)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.Title, t.Status, t.AssignedAgentID, t.DepartmentID, t.ProjectID, t.SessionID)
		return err
	})
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return s.GetTask(ctx, t.ID)
}

func (s *Store) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, assigned_agent_id, department_id, project_id, session_id, created_at, updated_at
		FROM tasks WHERE id = ?;
	`, taskID).Scan(&t.ID, &t.Title, &t.Status, &t.AssignedAgentID, &t.DepartmentID,
		&t.ProjectID, &t.SessionID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus moves a task to the given status. Terminal tasks are
// frozen; everything else may transition freely because the control plane is
// the only mutator and enforces operation-level guards itself.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) error {
	if !ValidStatus(status) {
		return fmt.Errorf("invalid task status %q", status)
	}
	current, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() && status != current.Status {
		return fmt.Errorf("task %s is terminal (%s)", taskID, current.Status)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, status, taskID)
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		return nil
	})
}

// SetTaskSession records the execution session id on the task row so the
// session survives a daemon restart of a paused task.
func (s *Store) SetTaskSession(ctx context.Context, taskID, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET session_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, sessionID, taskID)
		if err != nil {
			return fmt.Errorf("set task session: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
}

func (s *Store) ListTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, assigned_agent_id, department_id, project_id, session_id, created_at, updated_at
		FROM tasks WHERE status = ? ORDER BY updated_at DESC LIMIT ?;
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Status, &t.AssignedAgentID, &t.DepartmentID,
			&t.ProjectID, &t.SessionID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// TaskCounts returns the number of tasks in live vs terminal states, used by
// the health endpoint.
func (s *Store) TaskCounts(ctx context.Context) (live, terminal int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status NOT IN ('done') THEN 1 END),
			COUNT(CASE WHEN status IN ('done') THEN 1 END)
		FROM tasks;
	`).Scan(&live, &terminal)
	if err != nil {
		return 0, 0, fmt.Errorf("count tasks: %w", err)
	}
	return live, terminal, nil
}
