package batch

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"chunklab-backend/internal/projects"
	"chunklab-backend/internal/shared/telemetry"
	"chunklab-backend/internal/usage"
)

// Planner expands "run everything applicable" into one job per remaining
// analysis kind. Each created job has its own independent lifecycle; the only
// thing tying them together is a shared bulk id in metadata.
type Planner struct {
	Service  *Service
	Repo     Repo
	Projects projects.Repo
	Usage    *usage.Service

	// advisory ETA knobs, never used for correctness
	PerJobBaseline   time.Duration
	SafetyMultiplier float64
}

// JobRef identifies one job created by a bulk operation.
type JobRef struct {
	JobID        string `json:"jobId"`
	AnalysisKind string `json:"analysisKind"`
}

// KindError records one kind that failed at submission time.
type KindError struct {
	AnalysisKind string `json:"analysisKind"`
	Reason       string `json:"reason"`
}

// BulkOutcome is the aggregate result of one CreateAll call.
type BulkOutcome struct {
	BulkID             string      `json:"bulkId"`
	Created            []JobRef    `json:"created"`
	SkippedAlreadyDone []string    `json:"skippedAlreadyDone"`
	Errors             []KindError `json:"errors"`
	EstimatedSeconds   int         `json:"estimatedSeconds"`
}

// CreateAll creates one job per analysis kind still missing for the project.
// Quota is checked up front for the whole set; past that, one kind's failure
// never blocks the others.
func (p *Planner) CreateAll(ctx context.Context, userID, projectID string, chunkIDs []string) (BulkOutcome, error) {
	project, err := projects.Authorize(ctx, p.Projects, userID, projectID)
	if err != nil {
		return BulkOutcome{}, err
	}

	done, err := p.Repo.CompletedKinds(ctx, projectID)
	if err != nil {
		return BulkOutcome{}, err
	}

	outcome := BulkOutcome{
		BulkID:             uuid.NewString(),
		Created:            []JobRef{},
		SkippedAlreadyDone: []string{},
		Errors:             []KindError{},
	}

	var remaining []string
	for _, kind := range KindsForLevel(project.Level) {
		if _, ok := done[kind]; ok {
			outcome.SkippedAlreadyDone = append(outcome.SkippedAlreadyDone, kind)
			continue
		}
		remaining = append(remaining, kind)
	}
	if len(remaining) == 0 {
		return outcome, nil
	}

	if p.Usage != nil {
		ok, u, err := p.Usage.CanCreate(ctx, userID, len(remaining))
		if err != nil {
			return BulkOutcome{}, err
		}
		if !ok {
			return BulkOutcome{}, &QuotaExceededError{Limit: u.Limit, Used: u.Used, Requested: len(remaining)}
		}
	}

	for _, kind := range remaining {
		job, err := p.Service.CreateJob(ctx, CreateParams{
			UserID:       userID,
			ProjectID:    projectID,
			AnalysisKind: kind,
			ChunkIDs:     chunkIDs,
			Metadata:     map[string]any{MetaBulkID: outcome.BulkID},
		})
		if err != nil {
			outcome.Errors = append(outcome.Errors, KindError{AnalysisKind: kind, Reason: err.Error()})
			continue
		}
		outcome.Created = append(outcome.Created, JobRef{JobID: job.ID, AnalysisKind: kind})
	}

	outcome.EstimatedSeconds = p.estimateSeconds(len(outcome.Created))
	telemetry.Info("batch.bulk_created", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"user_id":    userID,
		"project_id": projectID,
		"bulk_id":    outcome.BulkID,
		"created":    len(outcome.Created),
		"skipped":    len(outcome.SkippedAlreadyDone),
		"errors":     len(outcome.Errors),
	})
	return outcome, nil
}

func (p *Planner) estimateSeconds(jobsCreated int) int {
	if jobsCreated == 0 {
		return 0
	}
	baseline := p.PerJobBaseline
	if baseline <= 0 {
		baseline = 15 * time.Minute
	}
	multiplier := p.SafetyMultiplier
	if multiplier <= 0 {
		multiplier = 1.5
	}
	return int(math.Ceil(float64(jobsCreated) * baseline.Seconds() * multiplier))
}
