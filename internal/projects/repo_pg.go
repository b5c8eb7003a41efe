package projects

import (
	"context"
	"database/sql"
	"errors"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

// Create inserts a new project.
func (r *PGRepo) Create(ctx context.Context, project Project) error {
	const query = `
INSERT INTO projects (id, user_id, title, level, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)`
	_, err := r.DB.ExecContext(ctx, query,
		project.ID,
		project.UserID,
		project.Title,
		project.Level,
		project.Status,
		project.CreatedAt,
	)
	return err
}

// GetByID returns a project by ID.
func (r *PGRepo) GetByID(ctx context.Context, projectID string) (Project, error) {
	const query = `
SELECT id, user_id, title, level, status, created_at, updated_at
FROM projects
WHERE id = $1
LIMIT 1`
	var p Project
	err := r.DB.QueryRowContext(ctx, query, projectID).Scan(
		&p.ID,
		&p.UserID,
		&p.Title,
		&p.Level,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, err
	}
	return p, nil
}

// ListByUser lists projects for a user ordered newest-first.
func (r *PGRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Project, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	const query = `
SELECT id, user_id, title, level, status, created_at, updated_at
FROM projects
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`

	rows, err := r.DB.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.Title, &p.Level, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateStatus updates the status of a project owned by userID.
func (r *PGRepo) UpdateStatus(ctx context.Context, userID, projectID, status string) error {
	const query = `
UPDATE projects
SET status = $1, updated_at = now()
WHERE id = $2 AND user_id = $3`
	res, err := r.DB.ExecContext(ctx, query, status, projectID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Repo = (*PGRepo)(nil)
