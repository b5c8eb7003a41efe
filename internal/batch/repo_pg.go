package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const jobColumns = `
id, user_id, project_id, analysis_kind, chunk_ids, total_chunks, processed_chunks,
status, batch_id, input_file_id, output_file_id, metadata, error_message,
created_at, expires_at, started_at, completed_at, updated_at`

// CreateJob inserts a new job row.
func (r *PGRepo) CreateJob(ctx context.Context, job Job) error {
	return insertJob(ctx, r.DB, job)
}

// CreateJobGuarded re-runs the duplicate-kind, in-flight-kind and quota checks
// and the insert inside one transaction. A transaction-scoped advisory lock on
// the user id serializes concurrent creates; guests have no users row, so a
// FOR UPDATE row lock has nothing to grab.
func (r *PGRepo) CreateJobGuarded(ctx context.Context, job Job, since time.Time, dailyLimit int) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, job.UserID); err != nil {
		return fmt.Errorf("acquire user lock: %w", err)
	}

	var openJobID string
	err = tx.QueryRowContext(ctx, `
SELECT id
FROM batch_jobs
WHERE project_id = $1 AND analysis_kind = $2 AND status NOT IN ($3, $4, $5)
ORDER BY created_at DESC
LIMIT 1`, job.ProjectID, job.AnalysisKind, StatusCompleted, StatusFailed, StatusExpired).Scan(&openJobID)
	if err == nil {
		return &KindBusyError{AnalysisKind: job.AnalysisKind, JobID: openJobID}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var existingResultID string
	err = tx.QueryRowContext(ctx, `
SELECT id
FROM analysis_results
WHERE project_id = $1 AND analysis_kind = $2
ORDER BY created_at DESC
LIMIT 1`, job.ProjectID, job.AnalysisKind).Scan(&existingResultID)
	if err == nil {
		return &DuplicateKindError{AnalysisKind: job.AnalysisKind, ExistingResultID: existingResultID}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if dailyLimit > 0 {
		var used int
		err = tx.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM batch_jobs
WHERE user_id = $1 AND created_at >= $2`, job.UserID, since).Scan(&used)
		if err != nil {
			return err
		}
		if used >= dailyLimit {
			return &QuotaExceededError{Limit: dailyLimit, Used: used, Requested: 1}
		}
	}

	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}
	return tx.Commit()
}

type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertJob(ctx context.Context, db execContext, job Job) error {
	chunkIDs, err := json.Marshal(job.ChunkIDs)
	if err != nil {
		return fmt.Errorf("marshal chunk ids: %w", err)
	}
	metadata, err := marshalMetadata(job.Metadata)
	if err != nil {
		return err
	}
	const query = `
INSERT INTO batch_jobs (
	id, user_id, project_id, analysis_kind, chunk_ids, total_chunks, processed_chunks,
	status, metadata, error_message, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = db.ExecContext(ctx, query,
		job.ID,
		job.UserID,
		job.ProjectID,
		job.AnalysisKind,
		chunkIDs,
		job.TotalChunks,
		job.ProcessedChunks,
		job.Status,
		metadata,
		nullIfEmpty(job.ErrorMessage),
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

// GetJob returns a job by id.
func (r *PGRepo) GetJob(ctx context.Context, jobID string) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE id = $1 LIMIT 1`
	row := r.DB.QueryRowContext(ctx, query, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	return job, nil
}

// ListJobsByUser returns the user's jobs newest-first.
func (r *PGRepo) ListJobsByUser(ctx context.Context, userID string, limit, offset int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.DB.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// MarkSubmitted records external ids and moves pending -> submitted.
func (r *PGRepo) MarkSubmitted(ctx context.Context, jobID, batchID, inputFileID string, startedAt, expiresAt time.Time) error {
	const query = `
UPDATE batch_jobs
SET status = $2, batch_id = $3, input_file_id = $4, started_at = $5, expires_at = $6, updated_at = now()
WHERE id = $1 AND status = $7 AND batch_id IS NULL`
	res, err := r.DB.ExecContext(ctx, query, jobID, StatusSubmitted, batchID, inputFileID, startedAt, expiresAt, StatusPending)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// TransitionStatus compare-and-sets the status.
func (r *PGRepo) TransitionStatus(ctx context.Context, jobID, from, to string) error {
	const query = `
UPDATE batch_jobs
SET status = $3, updated_at = now()
WHERE id = $1 AND status = $2`
	res, err := r.DB.ExecContext(ctx, query, jobID, from, to)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkFailed sets failed with a message unless the job is already terminal.
func (r *PGRepo) MarkFailed(ctx context.Context, jobID, errorMessage string) error {
	const query = `
UPDATE batch_jobs
SET status = $2, error_message = $3, completed_at = now(), updated_at = now()
WHERE id = $1 AND status NOT IN ($4, $5, $6)`
	_, err := r.DB.ExecContext(ctx, query, jobID, StatusFailed, errorMessage,
		StatusCompleted, StatusFailed, StatusExpired)
	return err
}

// MarkCompleted moves an in-flight job to completed.
func (r *PGRepo) MarkCompleted(ctx context.Context, jobID string, completedAt time.Time) error {
	const query = `
UPDATE batch_jobs
SET status = $2, completed_at = $3, updated_at = now()
WHERE id = $1 AND status IN ($4, $5, $6)`
	res, err := r.DB.ExecContext(ctx, query, jobID, StatusCompleted, completedAt,
		StatusSubmitted, StatusQueued, StatusRunning)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkExpired moves an in-flight job to expired.
func (r *PGRepo) MarkExpired(ctx context.Context, jobID string) error {
	const query = `
UPDATE batch_jobs
SET status = $2, completed_at = now(), updated_at = now()
WHERE id = $1 AND status IN ($3, $4, $5)`
	res, err := r.DB.ExecContext(ctx, query, jobID, StatusExpired,
		StatusSubmitted, StatusQueued, StatusRunning)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetOutputFileID records the external output file handle.
func (r *PGRepo) SetOutputFileID(ctx context.Context, jobID, outputFileID string) error {
	const query = `
UPDATE batch_jobs
SET output_file_id = $2, updated_at = now()
WHERE id = $1`
	_, err := r.DB.ExecContext(ctx, query, jobID, outputFileID)
	return err
}

// IncrementProcessed bumps processed_chunks atomically at the row.
func (r *PGRepo) IncrementProcessed(ctx context.Context, jobID string) error {
	const query = `
UPDATE batch_jobs
SET processed_chunks = processed_chunks + 1, updated_at = now()
WHERE id = $1 AND processed_chunks < total_chunks`
	_, err := r.DB.ExecContext(ctx, query, jobID)
	return err
}

// MergeMetadata overlays patch keys onto the metadata document.
func (r *PGRepo) MergeMetadata(ctx context.Context, jobID string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}
	const query = `
UPDATE batch_jobs
SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb, updated_at = now()
WHERE id = $1`
	_, err = r.DB.ExecContext(ctx, query, jobID, raw)
	return err
}

// InsertResult appends one analysis result row.
func (r *PGRepo) InsertResult(ctx context.Context, result Result) error {
	const query = `
INSERT INTO analysis_results (
	id, batch_job_id, project_id, chunk_id, chunk_position, analysis_kind,
	chunk_text, output_text, model, prompt_tokens, completion_tokens,
	external_batch_id, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.DB.ExecContext(ctx, query,
		result.ID,
		result.BatchJobID,
		result.ProjectID,
		result.ChunkID,
		result.ChunkPosition,
		result.AnalysisKind,
		result.ChunkText,
		result.OutputText,
		nullIfEmpty(result.Model),
		result.PromptTokens,
		result.CompletionTokens,
		nullIfEmpty(result.ExternalBatchID),
		result.CreatedAt,
	)
	return err
}

// ListResultsByJob returns results ordered by the snapshotted chunk position.
func (r *PGRepo) ListResultsByJob(ctx context.Context, jobID string) ([]Result, error) {
	const query = `
SELECT id, batch_job_id, project_id, chunk_id, chunk_position, analysis_kind,
	chunk_text, output_text, COALESCE(model, ''), prompt_tokens, completion_tokens,
	COALESCE(external_batch_id, ''), created_at
FROM analysis_results
WHERE batch_job_id = $1
ORDER BY chunk_position ASC, created_at ASC`
	rows, err := r.DB.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var res Result
		if err := rows.Scan(
			&res.ID,
			&res.BatchJobID,
			&res.ProjectID,
			&res.ChunkID,
			&res.ChunkPosition,
			&res.AnalysisKind,
			&res.ChunkText,
			&res.OutputText,
			&res.Model,
			&res.PromptTokens,
			&res.CompletionTokens,
			&res.ExternalBatchID,
			&res.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// CompletedKinds maps each kind with results for the project to one result id.
func (r *PGRepo) CompletedKinds(ctx context.Context, projectID string) (map[string]string, error) {
	const query = `
SELECT DISTINCT ON (analysis_kind) analysis_kind, id
FROM analysis_results
WHERE project_id = $1
ORDER BY analysis_kind, created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, err
		}
		out[kind] = id
	}
	return out, rows.Err()
}

// CountCreatedSince counts the user's jobs created at or after since.
func (r *PGRepo) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const query = `
SELECT COUNT(*)
FROM batch_jobs
WHERE user_id = $1 AND created_at >= $2`
	var count int
	err := r.DB.QueryRowContext(ctx, query, userID, since).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		job          Job
		chunkIDs     []byte
		metadata     []byte
		batchID      sql.NullString
		inputFileID  sql.NullString
		outputFileID sql.NullString
		errorMessage sql.NullString
		expiresAt    sql.NullTime
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.ProjectID,
		&job.AnalysisKind,
		&chunkIDs,
		&job.TotalChunks,
		&job.ProcessedChunks,
		&job.Status,
		&batchID,
		&inputFileID,
		&outputFileID,
		&metadata,
		&errorMessage,
		&job.CreatedAt,
		&expiresAt,
		&startedAt,
		&completedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return Job{}, err
	}

	if len(chunkIDs) > 0 {
		if err := json.Unmarshal(chunkIDs, &job.ChunkIDs); err != nil {
			return Job{}, fmt.Errorf("unmarshal chunk ids: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return Job{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	job.BatchID = batchID.String
	job.InputFileID = inputFileID.String
	job.OutputFileID = outputFileID.String
	job.ErrorMessage = errorMessage.String
	if expiresAt.Valid {
		t := expiresAt.Time
		job.ExpiresAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return raw, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStaleStatus
	}
	return nil
}

var _ Repo = (*PGRepo)(nil)
