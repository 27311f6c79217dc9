package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

func (s *Store) CreateAgent(ctx context.Context, a Agent) (Agent, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AgentStatusIdle
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, status, current_task_id, cli_provider, model, reasoning_level)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, a.ID, a.Name, a.Status, a.CurrentTaskID, a.CLIProvider, a.Model, a.ReasoningLevel)
		return err
	})
	if err != nil {
		return Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	return s.GetAgent(ctx, a.ID)
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, current_task_id, cli_provider, model, reasoning_level, created_at, updated_at
		FROM agents WHERE id = ?;
	`, agentID).Scan(&a.ID, &a.Name, &a.Status, &a.CurrentTaskID, &a.CLIProvider,
		&a.Model, &a.ReasoningLevel, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrAgentNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("query agent: %w", err)
	}
	return a, nil
}

// SetAgentWork updates agent status and current task together, keeping the
// agent row in lockstep with the task transition.
func (s *Store) SetAgentWork(ctx context.Context, agentID, status, currentTaskID string) error {
	switch status {
	case AgentStatusIdle, AgentStatusWorking, AgentStatusBreak, AgentStatusOffline:
	default:
		return fmt.Errorf("invalid agent status %q", status)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, current_task_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, status, currentTaskID, agentID)
		if err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrAgentNotFound
		}
		return nil
	})
}

func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, current_task_id, cli_provider, model, reasoning_level, created_at, updated_at
		FROM agents ORDER BY name;
	`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Status, &a.CurrentTaskID, &a.CLIProvider,
			&a.Model, &a.ReasoningLevel, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}
