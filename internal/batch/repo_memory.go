package batch

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo implements Repo in memory, mirroring the pg repo's transition
// semantics. Safe for concurrent use.
type MemoryRepo struct {
	mu      sync.Mutex
	jobs    map[string]Job
	results map[string][]Result // keyed by job id
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		jobs:    make(map[string]Job),
		results: make(map[string][]Result),
	}
}

// CreateJob stores the job.
func (r *MemoryRepo) CreateJob(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job.ChunkIDs = append([]string{}, job.ChunkIDs...)
	if job.Metadata != nil {
		job.Metadata = copyMetadata(job.Metadata)
	}
	r.jobs[job.ID] = job
	return nil
}

// CreateJobGuarded re-runs the duplicate-kind, in-flight-kind and quota checks
// and the insert under the repo lock, mirroring the pg repo's transaction.
func (r *MemoryRepo) CreateJobGuarded(ctx context.Context, job Job, since time.Time, dailyLimit int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.jobs {
		if existing.ProjectID == job.ProjectID &&
			existing.AnalysisKind == job.AnalysisKind &&
			!TerminalStatus(existing.Status) {
			return &KindBusyError{AnalysisKind: job.AnalysisKind, JobID: existing.ID}
		}
	}
	for _, results := range r.results {
		for _, res := range results {
			if res.ProjectID == job.ProjectID && res.AnalysisKind == job.AnalysisKind {
				return &DuplicateKindError{AnalysisKind: job.AnalysisKind, ExistingResultID: res.ID}
			}
		}
	}
	if dailyLimit > 0 {
		used := 0
		for _, existing := range r.jobs {
			if existing.UserID == job.UserID && !existing.CreatedAt.Before(since) {
				used++
			}
		}
		if used >= dailyLimit {
			return &QuotaExceededError{Limit: dailyLimit, Used: used, Requested: 1}
		}
	}

	job.ChunkIDs = append([]string{}, job.ChunkIDs...)
	if job.Metadata != nil {
		job.Metadata = copyMetadata(job.Metadata)
	}
	r.jobs[job.ID] = job
	return nil
}

// GetJob returns a job by id.
func (r *MemoryRepo) GetJob(ctx context.Context, jobID string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

// ListJobsByUser returns the user's jobs newest-first.
func (r *MemoryRepo) ListJobsByUser(ctx context.Context, userID string, limit, offset int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	r.mu.Lock()
	var out []Job
	for _, job := range r.jobs {
		if job.UserID == userID {
			out = append(out, cloneJob(job))
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSubmitted records external ids and moves pending -> submitted.
func (r *MemoryRepo) MarkSubmitted(ctx context.Context, jobID, batchID, inputFileID string, startedAt, expiresAt time.Time) error {
	return r.update(ctx, jobID, func(job *Job) error {
		if job.Status != StatusPending || job.BatchID != "" {
			return ErrStaleStatus
		}
		job.Status = StatusSubmitted
		job.BatchID = batchID
		job.InputFileID = inputFileID
		st := startedAt
		ex := expiresAt
		job.StartedAt = &st
		job.ExpiresAt = &ex
		return nil
	})
}

// TransitionStatus compare-and-sets the status.
func (r *MemoryRepo) TransitionStatus(ctx context.Context, jobID, from, to string) error {
	return r.update(ctx, jobID, func(job *Job) error {
		if job.Status != from {
			return ErrStaleStatus
		}
		job.Status = to
		return nil
	})
}

// MarkFailed sets failed with a message unless already terminal.
func (r *MemoryRepo) MarkFailed(ctx context.Context, jobID, errorMessage string) error {
	return r.update(ctx, jobID, func(job *Job) error {
		if TerminalStatus(job.Status) {
			return nil
		}
		job.Status = StatusFailed
		job.ErrorMessage = errorMessage
		now := time.Now().UTC()
		job.CompletedAt = &now
		return nil
	})
}

// MarkCompleted moves an in-flight job to completed.
func (r *MemoryRepo) MarkCompleted(ctx context.Context, jobID string, completedAt time.Time) error {
	return r.update(ctx, jobID, func(job *Job) error {
		if !inFlight(job.Status) {
			return ErrStaleStatus
		}
		job.Status = StatusCompleted
		t := completedAt
		job.CompletedAt = &t
		return nil
	})
}

// MarkExpired moves an in-flight job to expired.
func (r *MemoryRepo) MarkExpired(ctx context.Context, jobID string) error {
	return r.update(ctx, jobID, func(job *Job) error {
		if !inFlight(job.Status) {
			return ErrStaleStatus
		}
		job.Status = StatusExpired
		now := time.Now().UTC()
		job.CompletedAt = &now
		return nil
	})
}

// SetOutputFileID records the external output file handle.
func (r *MemoryRepo) SetOutputFileID(ctx context.Context, jobID, outputFileID string) error {
	return r.update(ctx, jobID, func(job *Job) error {
		job.OutputFileID = outputFileID
		return nil
	})
}

// IncrementProcessed bumps processed_chunks, capped at total_chunks.
func (r *MemoryRepo) IncrementProcessed(ctx context.Context, jobID string) error {
	return r.update(ctx, jobID, func(job *Job) error {
		if job.ProcessedChunks < job.TotalChunks {
			job.ProcessedChunks++
		}
		return nil
	})
}

// MergeMetadata overlays patch keys onto the metadata document.
func (r *MemoryRepo) MergeMetadata(ctx context.Context, jobID string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	return r.update(ctx, jobID, func(job *Job) error {
		if job.Metadata == nil {
			job.Metadata = make(map[string]any, len(patch))
		} else {
			job.Metadata = copyMetadata(job.Metadata)
		}
		for k, v := range patch {
			job.Metadata[k] = v
		}
		return nil
	})
}

// InsertResult appends one analysis result row.
func (r *MemoryRepo) InsertResult(ctx context.Context, result Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result.BatchJobID] = append(r.results[result.BatchJobID], result)
	return nil
}

// ListResultsByJob returns results ordered by the snapshotted chunk position.
func (r *MemoryRepo) ListResultsByJob(ctx context.Context, jobID string) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	out := append([]Result{}, r.results[jobID]...)
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ChunkPosition < out[j].ChunkPosition })
	return out, nil
}

// CompletedKinds maps each kind with results for the project to one result id.
func (r *MemoryRepo) CompletedKinds(ctx context.Context, projectID string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string)
	for _, results := range r.results {
		for _, res := range results {
			if res.ProjectID == projectID {
				out[res.AnalysisKind] = res.ID
			}
		}
	}
	return out, nil
}

// CountCreatedSince counts the user's jobs created at or after since.
func (r *MemoryRepo) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, job := range r.jobs {
		if job.UserID == userID && !job.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepo) update(ctx context.Context, jobID string, mutate func(*Job) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if err := mutate(&job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()
	r.jobs[jobID] = job
	return nil
}

func inFlight(status string) bool {
	switch status {
	case StatusSubmitted, StatusQueued, StatusRunning:
		return true
	}
	return false
}

func cloneJob(job Job) Job {
	job.ChunkIDs = append([]string{}, job.ChunkIDs...)
	if job.Metadata != nil {
		job.Metadata = copyMetadata(job.Metadata)
	}
	return job
}

func copyMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ Repo = (*MemoryRepo)(nil)
