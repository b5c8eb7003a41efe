package chunks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

// Create inserts a new chunk.
func (r *PGRepo) Create(ctx context.Context, chunk Chunk) error {
	const query = `
INSERT INTO chunks (id, project_id, position, content, content_len, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.DB.ExecContext(ctx, query,
		chunk.ID,
		chunk.ProjectID,
		chunk.Position,
		chunk.Content,
		chunk.ContentLen,
		chunk.CreatedAt,
	)
	return err
}

// GetByID returns a chunk by ID.
func (r *PGRepo) GetByID(ctx context.Context, chunkID string) (Chunk, error) {
	const query = `
SELECT id, project_id, position, content, content_len, created_at
FROM chunks
WHERE id = $1
LIMIT 1`
	var ch Chunk
	err := r.DB.QueryRowContext(ctx, query, chunkID).Scan(
		&ch.ID,
		&ch.ProjectID,
		&ch.Position,
		&ch.Content,
		&ch.ContentLen,
		&ch.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chunk{}, ErrNotFound
		}
		return Chunk{}, err
	}
	return ch, nil
}

// GetByIDs returns the chunks matching the given ids, in storage order.
func (r *PGRepo) GetByIDs(ctx context.Context, chunkIDs []string) ([]Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := fmt.Sprintf(`
SELECT id, project_id, position, content, content_len, created_at
FROM chunks
WHERE id IN (%s)`, strings.Join(placeholders, ", "))

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChunks(rows)
}

// ListByProject returns all chunks for a project ordered by position.
func (r *PGRepo) ListByProject(ctx context.Context, projectID string) ([]Chunk, error) {
	const query = `
SELECT id, project_id, position, content, content_len, created_at
FROM chunks
WHERE project_id = $1
ORDER BY position ASC`

	rows, err := r.DB.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChunks(rows)
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var out []Chunk
	for rows.Next() {
		var ch Chunk
		if err := rows.Scan(&ch.ID, &ch.ProjectID, &ch.Position, &ch.Content, &ch.ContentLen, &ch.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

var _ Repo = (*PGRepo)(nil)
