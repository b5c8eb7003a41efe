package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chunklab-backend/internal/chunks"
	"chunklab-backend/internal/llm"
	"chunklab-backend/internal/projects"
	"chunklab-backend/internal/usage"
)

// fakeBatchClient scripts the external endpoint for tests.
type fakeBatchClient struct {
	mu sync.Mutex

	uploadErr   error
	createErr   error
	getErr      error
	downloadErr error

	remote       llm.Batch
	downloadData []byte

	uploadedName    string
	uploadedPayload []byte
	createdFileID   string
}

func (f *fakeBatchClient) UploadFile(ctx context.Context, fileName string, contents []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploadedName = fileName
	f.uploadedPayload = append([]byte(nil), contents...)
	return "file-in-1", nil
}

func (f *fakeBatchClient) CreateBatch(ctx context.Context, inputFileID string) (llm.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return llm.Batch{}, f.createErr
	}
	f.createdFileID = inputFileID
	remote := f.remote
	if remote.ID == "" {
		remote = llm.Batch{ID: "batch-ext-1", Status: llm.BatchValidating}
	}
	return remote, nil
}

func (f *fakeBatchClient) GetBatch(ctx context.Context, batchID string) (llm.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return llm.Batch{}, f.getErr
	}
	return f.remote, nil
}

func (f *fakeBatchClient) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return append([]byte(nil), f.downloadData...), nil
}

var _ llm.BatchClient = (*fakeBatchClient)(nil)

type testEnv struct {
	svc      *Service
	repo     *MemoryRepo
	projects *projects.MemoryRepo
	chunks   *chunks.MemoryRepo
	client   *fakeBatchClient
	project  projects.Project
}

const testUserID = "user-1"

func newTestEnv(t *testing.T, level string, dailyLimit int) *testEnv {
	t.Helper()

	projectRepo := projects.NewMemoryRepo()
	chunkRepo := chunks.NewMemoryRepo()
	batchRepo := NewMemoryRepo()
	client := &fakeBatchClient{}

	project := projects.Project{
		ID:        "proj-1",
		UserID:    testUserID,
		Title:     "Field Notes",
		Level:     level,
		Status:    projects.StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := projectRepo.Create(context.Background(), project); err != nil {
		t.Fatalf("create project: %v", err)
	}

	usageSvc := &usage.Service{Jobs: batchRepo, DefaultDailyLimit: dailyLimit}

	svc := &Service{
		Repo:     batchRepo,
		Projects: projectRepo,
		Chunks:   chunkRepo,
		Usage:    usageSvc,
		Client:   client,
		Model:    "gpt-4o-mini",
		Limits:   DefaultLimits(),
	}

	return &testEnv{
		svc:      svc,
		repo:     batchRepo,
		projects: projectRepo,
		chunks:   chunkRepo,
		client:   client,
		project:  project,
	}
}

// addChunks seeds n chunks and returns their ids in position order.
func (e *testEnv) addChunks(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ch := chunks.Chunk{
			ID:         "chunk-" + string(rune('a'+i)),
			ProjectID:  e.project.ID,
			Position:   i,
			Content:    "chunk body " + string(rune('a'+i)),
			ContentLen: 13,
			CreatedAt:  time.Now().UTC(),
		}
		if err := e.chunks.Create(context.Background(), ch); err != nil {
			t.Fatalf("create chunk: %v", err)
		}
		ids = append(ids, ch.ID)
	}
	return ids
}

func (e *testEnv) seedResult(t *testing.T, kind, resultID string) {
	t.Helper()
	err := e.repo.InsertResult(context.Background(), Result{
		ID:           resultID,
		BatchJobID:   "job-prior",
		ProjectID:    e.project.ID,
		ChunkID:      "chunk-prior",
		AnalysisKind: kind,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed result: %v", err)
	}
}

// waitForStatus polls until the job leaves the given status or times out.
func waitForStatusChange(t *testing.T, repo Repo, jobID, from string) Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := repo.GetJob(context.Background(), jobID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			t.Fatalf("get job: %v", err)
		}
		if err == nil && job.Status != from {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never left status %s", jobID, from)
	return Job{}
}
