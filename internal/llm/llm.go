package llm

import (
	"context"
	"errors"
)

// External batch statuses as reported by the provider.
const (
	BatchValidating = "validating"
	BatchInProgress = "in_progress"
	BatchFinalizing = "finalizing"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
	BatchCancelled  = "cancelled"
	BatchExpired    = "expired"
)

// Batch mirrors the external batch resource.
type Batch struct {
	ID           string
	Status       string
	OutputFileID string
	ErrorFileID  string
	Error        string
}

// BatchClient is the capability the pipeline needs from the external bulk
// inference endpoint. All four calls are short, bounded network operations;
// none of them waits for the batch itself to finish.
type BatchClient interface {
	UploadFile(ctx context.Context, fileName string, contents []byte) (fileID string, err error)
	CreateBatch(ctx context.Context, inputFileID string) (Batch, error)
	GetBatch(ctx context.Context, batchID string) (Batch, error)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// ErrNotConfigured indicates no real provider client is wired.
var ErrNotConfigured = errors.New("llm batch client not configured")

// PlaceholderClient keeps dev mode bootable without provider credentials.
type PlaceholderClient struct{}

func (PlaceholderClient) UploadFile(ctx context.Context, fileName string, contents []byte) (string, error) {
	return "", ErrNotConfigured
}

func (PlaceholderClient) CreateBatch(ctx context.Context, inputFileID string) (Batch, error) {
	return Batch{}, ErrNotConfigured
}

func (PlaceholderClient) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	return Batch{}, ErrNotConfigured
}

func (PlaceholderClient) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	return nil, ErrNotConfigured
}

var _ BatchClient = PlaceholderClient{}
