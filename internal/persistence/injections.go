package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxInjectionsPerRun bounds how many pending injections a single run loads.
const MaxInjectionsPerRun = 10

func (s *Store) CreateInjection(ctx context.Context, inj InterruptInjection) (InterruptInjection, error) {
	if inj.ID == "" {
		inj.ID = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO interrupt_injections (id, task_id, session_id, prompt_text, prompt_hash, actor_token_hash)
			VALUES (?, ?, ?, ?, ?, ?);
		`, inj.ID, inj.TaskID, inj.SessionID, inj.PromptText, inj.PromptHash, inj.ActorTokenHash)
		return err
	})
	if err != nil {
		return InterruptInjection{}, fmt.Errorf("insert injection: %w", err)
	}
	return inj, nil
}

// PendingInjections returns unconsumed injections for a task in FIFO order,
// capped at MaxInjectionsPerRun.
func (s *Store) PendingInjections(ctx context.Context, taskID string) ([]InterruptInjection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, session_id, prompt_text, prompt_hash, actor_token_hash, created_at, consumed_at
		FROM interrupt_injections
		WHERE task_id = ? AND consumed_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, taskID, MaxInjectionsPerRun)
	if err != nil {
		return nil, fmt.Errorf("query injections: %w", err)
	}
	defer rows.Close()

	var out []InterruptInjection
	for rows.Next() {
		var inj InterruptInjection
		if err := rows.Scan(&inj.ID, &inj.TaskID, &inj.SessionID, &inj.PromptText,
			&inj.PromptHash, &inj.ActorTokenHash, &inj.CreatedAt, &inj.ConsumedAt); err != nil {
			return nil, fmt.Errorf("scan injection: %w", err)
		}
		out = append(out, inj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("injection rows: %w", err)
	}
	return out, nil
}

// PendingInjectionCount returns how many unconsumed injections a task has.
func (s *Store) PendingInjectionCount(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM interrupt_injections WHERE task_id = ? AND consumed_at IS NULL;
	`, taskID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count injections: %w", err)
	}
	return count, nil
}

// ConsumeInjections marks the given injection ids consumed. Rows are kept for
// audit; consumption happens when the run prompt is assembled, before spawn
// is confirmed.
func (s *Store) ConsumeInjections(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE interrupt_injections SET consumed_at = CURRENT_TIMESTAMP
			WHERE id IN (%s) AND consumed_at IS NULL;
		`, placeholders), args...)
		if err != nil {
			return fmt.Errorf("consume injections: %w", err)
		}
		return nil
	})
}
