package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrProjectNotFound is returned when a project id matches no row.
var ErrProjectNotFound = errors.New("project not found")

func (s *Store) CreateProject(ctx context.Context, p Project) (Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Path == "" {
		return Project{}, fmt.Errorf("project path required")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, name, path, base_branch) VALUES (?, ?, ?, ?);
		`, p.ID, p.Name, p.Path, p.BaseBranch)
		return err
	})
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return s.GetProject(ctx, p.ID)
}

func (s *Store) GetProject(ctx context.Context, projectID string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, base_branch, created_at FROM projects WHERE id = ?;
	`, projectID).Scan(&p.ID, &p.Name, &p.Path, &p.BaseBranch, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrProjectNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("query project: %w", err)
	}
	return p, nil
}
