package batch

import "time"

// Job statuses. pending is local-only; submitted/queued/running mirror the
// external batch lifecycle; completed/failed/expired are terminal.
const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
)

// TerminalStatus reports whether a job can no longer change state.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Metadata keys written by the pipeline.
const (
	MetaBulkID            = "bulkId"
	MetaPayloadKey        = "payloadKey"
	MetaResultKey         = "resultKey"
	MetaPayloadBytes      = "payloadBytes"
	MetaEntryErrors       = "entryErrors"
	MetaSuccessfulCount   = "successfulEntries"
	MetaExternalStatus    = "externalStatus"
	MetaSubmissionErrCode = "errorCode"
)

// Job tracks one submission of a chunk list + analysis kind to the external
// batch endpoint. ChunkIDs keeps the caller's order; it is a list, not a set.
type Job struct {
	ID              string         `json:"id"`
	UserID          string         `json:"userId"`
	ProjectID       string         `json:"projectId"`
	AnalysisKind    string         `json:"analysisKind"`
	ChunkIDs        []string       `json:"chunkIds"`
	TotalChunks     int            `json:"totalChunks"`
	ProcessedChunks int            `json:"processedChunks"`
	Status          string         `json:"status"`
	BatchID         string         `json:"batchId,omitempty"`
	InputFileID     string         `json:"inputFileId,omitempty"`
	OutputFileID    string         `json:"outputFileId,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	ExpiresAt       *time.Time     `json:"expiresAt,omitempty"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Result is one durable per-chunk analysis record. Rows are append-only and
// written only by reconciliation. ChunkPosition carries the chunk's ordinal as
// snapshotted at reconcile time, never the line order of the result file.
type Result struct {
	ID               string    `json:"id"`
	BatchJobID       string    `json:"batchJobId"`
	ProjectID        string    `json:"projectId"`
	ChunkID          string    `json:"chunkId"`
	ChunkPosition    int       `json:"chunkPosition"`
	AnalysisKind     string    `json:"analysisKind"`
	ChunkText        string    `json:"chunkText"`
	OutputText       string    `json:"outputText"`
	Model            string    `json:"model,omitempty"`
	PromptTokens     int       `json:"promptTokens,omitempty"`
	CompletionTokens int       `json:"completionTokens,omitempty"`
	ExternalBatchID  string    `json:"externalBatchId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}
