package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"chunklab-backend/internal/chunks"
	"chunklab-backend/internal/llm"
	"chunklab-backend/internal/shared/metrics"
	"chunklab-backend/internal/shared/storage/object"
	"chunklab-backend/internal/shared/telemetry"
)

// Reconciler mirrors the external batch state onto the local job and, on the
// first completed observation, turns the result file into durable analysis
// result rows. Reconcile is idempotent: terminal jobs are left alone, and
// in-flight jobs only get a status refresh.
type Reconciler struct {
	Repo             Repo
	Chunks           chunks.Repo
	Client           llm.BatchClient
	Store            object.ObjectStore
	SnapshotCapChars int
}

// statusFromExternal maps provider batch statuses onto local job statuses.
func statusFromExternal(external string) string {
	switch external {
	case llm.BatchValidating:
		return StatusQueued
	case llm.BatchInProgress, llm.BatchFinalizing:
		return StatusRunning
	case llm.BatchCompleted:
		return StatusCompleted
	case llm.BatchFailed, llm.BatchCancelled:
		return StatusFailed
	case llm.BatchExpired:
		return StatusExpired
	}
	return ""
}

// Reconcile refreshes one job from the external endpoint. Errors returned are
// transient (network, store) and safe to retry by calling again; everything
// else lands on the job row.
func (r *Reconciler) Reconcile(ctx context.Context, jobID string) error {
	start := time.Now()
	defer func() {
		metrics.ObserveReconcileDurationMs(float64(time.Since(start).Milliseconds()))
	}()

	job, err := r.Repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if TerminalStatus(job.Status) {
		return nil
	}
	if job.Status == StatusPending || job.BatchID == "" {
		// submission phase still running (or failed before recording ids)
		return nil
	}

	remote, err := r.Client.GetBatch(ctx, job.BatchID)
	if err != nil {
		return fmt.Errorf("fetch batch %s: %w", job.BatchID, err)
	}
	if err := r.Repo.MergeMetadata(ctx, jobID, map[string]any{MetaExternalStatus: remote.Status}); err != nil {
		telemetry.Error("batch.metadata", map[string]any{"job_id": jobID, "error": err.Error()})
	}

	switch statusFromExternal(remote.Status) {
	case StatusCompleted:
		return r.finalize(ctx, job, remote)
	case StatusFailed:
		message := "external batch failed"
		if remote.Error != "" {
			message = "external batch failed: " + remote.Error
		}
		if err := r.Repo.MarkFailed(ctx, jobID, message); err != nil {
			return err
		}
		metrics.IncJobFailed()
		telemetry.Info("batch.job_failed", map[string]any{"job_id": jobID, "batch_id": job.BatchID})
		return nil
	case StatusExpired:
		return r.expire(ctx, job)
	default:
		if job.ExpiresAt != nil && time.Now().UTC().After(*job.ExpiresAt) {
			return r.expire(ctx, job)
		}
		if next := statusFromExternal(remote.Status); next != "" && next != job.Status {
			// best effort mirror; losing the race to another refresh is fine
			_ = r.Repo.TransitionStatus(ctx, jobID, job.Status, next)
		}
		return nil
	}
}

func (r *Reconciler) expire(ctx context.Context, job Job) error {
	if err := r.Repo.MarkExpired(ctx, job.ID); err != nil {
		if err == ErrStaleStatus {
			return nil
		}
		return err
	}
	metrics.IncJobExpired()
	telemetry.Info("batch.job_expired", map[string]any{"job_id": job.ID, "batch_id": job.BatchID})
	return nil
}

// resultLine is the consumption contract for one line of the external result
// file: a correlation id plus either a success payload or an error payload.
type resultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Model   string `json:"model"`
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// finalize downloads and processes the result file. Each line is parsed
// independently; a bad line becomes a recorded entry error, never a job
// failure. The job ends completed regardless of the per-entry error count.
func (r *Reconciler) finalize(ctx context.Context, job Job, remote llm.Batch) error {
	if remote.OutputFileID == "" {
		return fmt.Errorf("completed batch %s has no output file", job.BatchID)
	}
	if err := r.Repo.SetOutputFileID(ctx, job.ID, remote.OutputFileID); err != nil {
		return err
	}

	data, err := r.Client.DownloadFile(ctx, remote.OutputFileID)
	if err != nil {
		return fmt.Errorf("download result file %s: %w", remote.OutputFileID, err)
	}
	r.snapshotResults(ctx, job.ID, data)

	var (
		successful  int
		entryErrors []map[string]any
	)
	recordError := func(lineNo int, customID, reason string) {
		entryErrors = append(entryErrors, map[string]any{
			"line":     lineNo,
			"customId": customID,
			"reason":   reason,
		})
	}

	now := time.Now().UTC()
	for i, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		var entry resultLine
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			recordError(i+1, "", "malformed line: "+err.Error())
			continue
		}
		if entry.Error != nil {
			recordError(i+1, entry.CustomID, "provider error: "+entry.Error.Message)
			continue
		}
		if entry.Response == nil || entry.Response.StatusCode >= 400 {
			recordError(i+1, entry.CustomID, "unsuccessful response")
			continue
		}
		if len(entry.Response.Body.Choices) == 0 {
			recordError(i+1, entry.CustomID, "response has no choices")
			continue
		}

		chunk, err := r.Chunks.GetByID(ctx, entry.CustomID)
		if err != nil {
			recordError(i+1, entry.CustomID, "unresolvable correlation id")
			continue
		}
		if chunk.ProjectID != job.ProjectID {
			recordError(i+1, entry.CustomID, "chunk belongs to another project")
			continue
		}

		// Ordinal and text are snapshotted here; the line order of the result
		// file is never trusted for numbering.
		result := Result{
			ID:               uuid.NewString(),
			BatchJobID:       job.ID,
			ProjectID:        job.ProjectID,
			ChunkID:          chunk.ID,
			ChunkPosition:    chunk.Position,
			AnalysisKind:     job.AnalysisKind,
			ChunkText:        capText(chunk.Content, r.SnapshotCapChars),
			OutputText:       entry.Response.Body.Choices[0].Message.Content,
			Model:            entry.Response.Body.Model,
			PromptTokens:     entry.Response.Body.Usage.PromptTokens,
			CompletionTokens: entry.Response.Body.Usage.CompletionTokens,
			ExternalBatchID:  job.BatchID,
			CreatedAt:        now,
		}
		if err := r.Repo.InsertResult(ctx, result); err != nil {
			recordError(i+1, entry.CustomID, "persist result: "+err.Error())
			continue
		}
		if err := r.Repo.IncrementProcessed(ctx, job.ID); err != nil {
			telemetry.Error("batch.increment_processed", map[string]any{"job_id": job.ID, "error": err.Error()})
		}
		successful++
	}

	patch := map[string]any{MetaSuccessfulCount: successful}
	if len(entryErrors) > 0 {
		patch[MetaEntryErrors] = entryErrors
	}
	if err := r.Repo.MergeMetadata(ctx, job.ID, patch); err != nil {
		telemetry.Error("batch.metadata", map[string]any{"job_id": job.ID, "error": err.Error()})
	}

	if err := r.Repo.MarkCompleted(ctx, job.ID, now); err != nil && err != ErrStaleStatus {
		return err
	}
	metrics.AddResultEntries(successful)
	metrics.AddEntryErrors(len(entryErrors))
	metrics.IncJobCompleted()
	telemetry.Info("batch.job_completed", map[string]any{
		"job_id":       job.ID,
		"batch_id":     job.BatchID,
		"successful":   successful,
		"entry_errors": len(entryErrors),
		"total_chunks": job.TotalChunks,
	})
	return nil
}

// snapshotResults stores the raw result file for diagnostics, best effort.
func (r *Reconciler) snapshotResults(ctx context.Context, jobID string, data []byte) {
	if r.Store == nil {
		return
	}
	key := "batch-results/" + jobID + ".jsonl"
	if _, err := r.Store.Put(ctx, key, "application/jsonl", bytes.NewReader(data)); err != nil {
		telemetry.Error("batch.result_snapshot", map[string]any{"job_id": jobID, "key": key, "error": err.Error()})
		return
	}
	if err := r.Repo.MergeMetadata(ctx, jobID, map[string]any{MetaResultKey: key}); err != nil {
		telemetry.Error("batch.metadata", map[string]any{"job_id": jobID, "error": err.Error()})
	}
}

// capText truncates to at most limit bytes without splitting a rune; the
// result must stay valid UTF-8 or the row insert is rejected.
func capText(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
