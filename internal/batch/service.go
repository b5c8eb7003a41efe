package batch

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chunklab-backend/internal/chunks"
	"chunklab-backend/internal/llm"
	"chunklab-backend/internal/projects"
	"chunklab-backend/internal/shared/metrics"
	"chunklab-backend/internal/shared/storage/object"
	"chunklab-backend/internal/shared/telemetry"
	"chunklab-backend/internal/usage"
)

// Limits bound a single job's size and the external completion window.
type Limits struct {
	MaxChunksPerJob  int
	MaxAvgChunkChars int
	MaxTotalChars    int
	SnapshotCapChars int
	CompletionWindow time.Duration
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MaxChunksPerJob:  50,
		MaxAvgChunkChars: 6000,
		MaxTotalChars:    120000,
		SnapshotCapChars: 4000,
		CompletionWindow: 24 * time.Hour,
	}
}

// Service validates and creates batch jobs, then submits them to the
// external endpoint off the request path.
type Service struct {
	Repo     Repo
	Projects projects.Repo
	Chunks   chunks.Repo
	Usage    *usage.Service
	Client   llm.BatchClient
	Store    object.ObjectStore
	Model    string
	Limits   Limits
}

// CreateParams carries one job-creation request.
type CreateParams struct {
	UserID       string
	ProjectID    string
	AnalysisKind string
	ChunkIDs     []string
	Metadata     map[string]any
}

// CreateJob validates the request, inserts a pending job, and kicks off
// asynchronous submission. The returned job only promises that validation
// passed and a row exists; the submission outcome is observable by re-reading
// the job. Validations run in a fixed order and the first failure wins.
func (s *Service) CreateJob(ctx context.Context, p CreateParams) (Job, error) {
	project, err := projects.Authorize(ctx, s.Projects, p.UserID, p.ProjectID)
	if err != nil {
		return Job{}, err
	}

	ordered, err := s.resolveChunks(ctx, p.ProjectID, p.ChunkIDs)
	if err != nil {
		return Job{}, err
	}

	if !ValidKindForLevel(p.AnalysisKind, project.Level) {
		return Job{}, validationErr("analysisKind", "kind %q is not applicable to level %q", p.AnalysisKind, project.Level)
	}

	done, err := s.Repo.CompletedKinds(ctx, p.ProjectID)
	if err != nil {
		return Job{}, err
	}
	if existing, ok := done[p.AnalysisKind]; ok {
		return Job{}, &DuplicateKindError{AnalysisKind: p.AnalysisKind, ExistingResultID: existing}
	}

	if err := s.checkSize(ordered); err != nil {
		return Job{}, err
	}

	var (
		quotaSince time.Time
		quotaLimit int
	)
	if s.Usage != nil {
		ok, u, err := s.Usage.CanCreate(ctx, p.UserID, 1)
		if err != nil {
			return Job{}, err
		}
		if !ok {
			return Job{}, &QuotaExceededError{Limit: u.Limit, Used: u.Used, Requested: 1}
		}
		quotaSince = u.ResetsAt.Add(-24 * time.Hour)
		quotaLimit = u.Limit
	}

	now := time.Now().UTC()
	job := Job{
		ID:           uuid.NewString(),
		UserID:       p.UserID,
		ProjectID:    p.ProjectID,
		AnalysisKind: p.AnalysisKind,
		ChunkIDs:     append([]string{}, p.ChunkIDs...),
		TotalChunks:  len(p.ChunkIDs),
		Status:       StatusPending,
		Metadata:     p.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	// The checks above give the caller a stable first-failure order; the
	// guarded insert repeats the duplicate-kind and quota checks under a
	// per-user lock so concurrent creates cannot both pass them.
	if err := s.Repo.CreateJobGuarded(ctx, job, quotaSince, quotaLimit); err != nil {
		return Job{}, err
	}
	metrics.IncJobCreated()
	telemetry.Info("batch.job_created", map[string]any{
		"request_id":    requestIDFromContext(ctx),
		"user_id":       p.UserID,
		"project_id":    p.ProjectID,
		"job_id":        job.ID,
		"analysis_kind": p.AnalysisKind,
		"total_chunks":  job.TotalChunks,
	})

	go s.submitAsync(backgroundWithRequestID(ctx), job.ID, project.Title)

	return job, nil
}

// Get returns a job owned by the user.
func (s *Service) Get(ctx context.Context, userID, jobID string) (Job, error) {
	job, err := s.Repo.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.UserID != userID {
		return Job{}, ErrNotFound
	}
	return job, nil
}

// List returns the user's jobs newest-first.
func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]Job, error) {
	return s.Repo.ListJobsByUser(ctx, userID, limit, offset)
}

// Results returns a job's analysis results in submission order.
func (s *Service) Results(ctx context.Context, userID, jobID string) ([]Result, error) {
	if _, err := s.Get(ctx, userID, jobID); err != nil {
		return nil, err
	}
	return s.Repo.ListResultsByJob(ctx, jobID)
}

// resolveChunks validates the id list and returns the chunks re-assembled in
// the caller's order.
func (s *Service) resolveChunks(ctx context.Context, projectID string, chunkIDs []string) ([]chunks.Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, validationErr("chunkIds", "at least one chunk id is required")
	}
	if len(chunkIDs) > s.Limits.MaxChunksPerJob {
		return nil, validationErr("chunkIds", "at most %d chunks per job, got %d", s.Limits.MaxChunksPerJob, len(chunkIDs))
	}
	seen := make(map[string]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		if _, dup := seen[id]; dup {
			return nil, validationErr("chunkIds", "duplicate chunk id %s", id)
		}
		seen[id] = struct{}{}
	}

	fetched, err := s.Chunks.GetByIDs(ctx, chunkIDs)
	if err != nil {
		return nil, err
	}
	ordered, byID := chunks.InRequestOrder(chunkIDs, fetched)
	for _, id := range chunkIDs {
		ch, ok := byID[id]
		if !ok {
			return nil, validationErr("chunkIds", "chunk %s not found", id)
		}
		if ch.ProjectID != projectID {
			return nil, validationErr("chunkIds", "chunk %s does not belong to the project", id)
		}
	}
	return ordered, nil
}

func (s *Service) checkSize(ordered []chunks.Chunk) error {
	total := 0
	for _, ch := range ordered {
		total += len(ch.Content)
	}
	if total > s.Limits.MaxTotalChars {
		return validationErr("chunkIds", "total chunk size %d exceeds limit %d", total, s.Limits.MaxTotalChars)
	}
	if avg := total / len(ordered); avg > s.Limits.MaxAvgChunkChars {
		return validationErr("chunkIds", "average chunk size %d exceeds limit %d", avg, s.Limits.MaxAvgChunkChars)
	}
	return nil
}

// submitAsync runs the fire-and-forget submission phase: encode, snapshot,
// upload, create the remote batch, record external ids. Any failure lands on
// the job row as a failed status with a stored message.
func (s *Service) submitAsync(ctx context.Context, jobID, projectTitle string) {
	defer func() {
		if r := recover(); r != nil {
			s.failJob(ctx, jobID, fmt.Errorf("panic: %v", r))
		}
	}()

	job, err := s.Repo.GetJob(ctx, jobID)
	if err != nil {
		s.failJob(ctx, jobID, fmt.Errorf("job lookup: %w", err))
		return
	}

	fetched, err := s.Chunks.GetByIDs(ctx, job.ChunkIDs)
	if err != nil {
		s.failJob(ctx, jobID, fmt.Errorf("chunk fetch: %w", err))
		return
	}
	ordered, _ := chunks.InRequestOrder(job.ChunkIDs, fetched)
	if len(ordered) != len(job.ChunkIDs) {
		s.failJob(ctx, jobID, fmt.Errorf("resolved %d of %d chunks", len(ordered), len(job.ChunkIDs)))
		return
	}

	payload, err := EncodeRequests(s.Model, ordered, func(chunkText string) string {
		return llm.BuildPrompt(job.AnalysisKind, projectTitle, chunkText)
	})
	if err != nil {
		s.failJob(ctx, jobID, fmt.Errorf("encode payload: %w", err))
		return
	}

	s.snapshotPayload(ctx, jobID, payload)

	fileID, err := s.Client.UploadFile(ctx, jobID+".jsonl", payload)
	if err != nil {
		s.failJob(ctx, jobID, fmt.Errorf("upload payload: %w", err))
		return
	}

	remote, err := s.Client.CreateBatch(ctx, fileID)
	if err != nil {
		s.failJob(ctx, jobID, fmt.Errorf("create remote batch: %w", err))
		return
	}

	now := time.Now().UTC()
	if err := s.Repo.MarkSubmitted(ctx, jobID, remote.ID, fileID, now, now.Add(s.Limits.CompletionWindow)); err != nil {
		s.failJob(ctx, jobID, fmt.Errorf("record submission: %w", err))
		return
	}
	if err := s.Repo.MergeMetadata(ctx, jobID, map[string]any{MetaExternalStatus: remote.Status}); err != nil {
		telemetry.Error("batch.metadata", map[string]any{"job_id": jobID, "error": err.Error()})
	}
	if next := statusFromExternal(remote.Status); next == StatusQueued || next == StatusRunning {
		// best effort mirror; a concurrent reconcile may already have moved it
		_ = s.Repo.TransitionStatus(ctx, jobID, StatusSubmitted, next)
	}

	metrics.IncJobSubmitted()
	telemetry.Info("batch.job_submitted", map[string]any{
		"request_id":    requestIDFromContext(ctx),
		"user_id":       job.UserID,
		"project_id":    job.ProjectID,
		"job_id":        jobID,
		"batch_id":      remote.ID,
		"input_file_id": fileID,
		"payload_bytes": len(payload),
	})
}

// snapshotPayload stores the encoded document for diagnostics. Failures are
// logged and do not block submission.
func (s *Service) snapshotPayload(ctx context.Context, jobID string, payload []byte) {
	if s.Store == nil {
		return
	}
	key := "batch-payloads/" + jobID + ".jsonl"
	if _, err := s.Store.Put(ctx, key, "application/jsonl", bytes.NewReader(payload)); err != nil {
		telemetry.Error("batch.payload_snapshot", map[string]any{"job_id": jobID, "key": key, "error": err.Error()})
		return
	}
	if err := s.Repo.MergeMetadata(ctx, jobID, map[string]any{
		MetaPayloadKey:   key,
		MetaPayloadBytes: len(payload),
	}); err != nil {
		telemetry.Error("batch.metadata", map[string]any{"job_id": jobID, "error": err.Error()})
	}
}

func (s *Service) failJob(ctx context.Context, jobID string, cause error) {
	telemetry.Error("batch.submission_failed", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"job_id":     jobID,
		"error":      cause.Error(),
	})
	if err := s.Repo.MarkFailed(ctx, jobID, "submission failed: "+cause.Error()); err != nil {
		telemetry.Error("batch.mark_failed", map[string]any{"job_id": jobID, "error": err.Error()})
		return
	}
	if err := s.Repo.MergeMetadata(ctx, jobID, map[string]any{MetaSubmissionErrCode: ErrorCodeSubmission}); err != nil {
		telemetry.Error("batch.metadata", map[string]any{"job_id": jobID, "error": err.Error()})
	}
	metrics.IncJobFailed()
}
