package batch

import (
	"context"
	"time"
)

// Repo defines persistence for batch jobs and analysis results. Status
// transitions are compare-and-set and the processed counter is incremented at
// the store, so concurrent reconcilers never lose updates.
type Repo interface {
	CreateJob(ctx context.Context, job Job) error
	// CreateJobGuarded inserts the job with the duplicate-kind, in-flight-kind
	// and quota checks re-run under a per-user lock, so two concurrent creates
	// cannot both slip past the checks. Rejections surface as
	// DuplicateKindError, KindBusyError or QuotaExceededError. A dailyLimit of
	// zero or less disables the quota check.
	CreateJobGuarded(ctx context.Context, job Job, since time.Time, dailyLimit int) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobsByUser(ctx context.Context, userID string, limit, offset int) ([]Job, error)

	// MarkSubmitted records the external identifiers exactly once, moving the
	// job from pending to submitted. Fails with ErrStaleStatus if the job is
	// no longer pending.
	MarkSubmitted(ctx context.Context, jobID, batchID, inputFileID string, startedAt, expiresAt time.Time) error
	// TransitionStatus moves the job from one specific status to another.
	// Returns ErrStaleStatus if the job is not in the expected status.
	TransitionStatus(ctx context.Context, jobID, from, to string) error
	// MarkFailed sets a terminal failed status with the stored error message.
	// A job that already reached a terminal status is left untouched.
	MarkFailed(ctx context.Context, jobID, errorMessage string) error
	// MarkCompleted moves an in-flight job to completed. Returns
	// ErrStaleStatus if the job was not in flight.
	MarkCompleted(ctx context.Context, jobID string, completedAt time.Time) error
	// MarkExpired moves an in-flight job to expired.
	MarkExpired(ctx context.Context, jobID string) error

	SetOutputFileID(ctx context.Context, jobID, outputFileID string) error
	// IncrementProcessed bumps processed_chunks by one, atomically at the row.
	IncrementProcessed(ctx context.Context, jobID string) error
	// MergeMetadata overlays patch keys onto the job's metadata document.
	MergeMetadata(ctx context.Context, jobID string, patch map[string]any) error

	InsertResult(ctx context.Context, result Result) error
	// ListResultsByJob returns results ordered by chunk position.
	ListResultsByJob(ctx context.Context, jobID string) ([]Result, error)

	// CompletedKinds maps each analysis kind with at least one result row for
	// the project to one existing result id.
	CompletedKinds(ctx context.Context, projectID string) (map[string]string, error)
	// CountCreatedSince counts jobs the user created at or after the given time.
	CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error)
}
