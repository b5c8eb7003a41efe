package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"chunklab-backend/internal/chunks"
	"chunklab-backend/internal/projects"
	"chunklab-backend/internal/queue"
	"chunklab-backend/internal/shared/server/middleware"
	"chunklab-backend/internal/usage"
)

const guestUserID = "guest:test-guest"

type queueStub struct {
	mu       sync.Mutex
	messages []queue.Message
	delays   []time.Duration
}

func (q *queueStub) Send(ctx context.Context, msg queue.Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
	q.delays = append(q.delays, delay)
	return nil
}

type jobsRouterEnv struct {
	router   *gin.Engine
	repo     *MemoryRepo
	projects *projects.MemoryRepo
	chunks   *chunks.MemoryRepo
	client   *fakeBatchClient
	queue    *queueStub
}

func setupJobsRouter(t *testing.T, level string, dailyLimit int) *jobsRouterEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	projectRepo := projects.NewMemoryRepo()
	chunkRepo := chunks.NewMemoryRepo()
	batchRepo := NewMemoryRepo()
	client := &fakeBatchClient{}
	q := &queueStub{}

	if err := projectRepo.Create(context.Background(), projects.Project{
		ID:        "proj-1",
		UserID:    guestUserID,
		Title:     "Field Notes",
		Level:     level,
		Status:    projects.StatusActive,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
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
	planner := &Planner{Service: svc, Repo: batchRepo, Projects: projectRepo, Usage: usageSvc}
	reconciler := &Reconciler{Repo: batchRepo, Chunks: chunkRepo, Client: client, SnapshotCapChars: 4000}

	router := gin.New()
	router.Use(middleware.Auth())
	api := router.Group("/api/v1")
	NewHandler(svc, planner, reconciler, q).RegisterRoutes(api)

	return &jobsRouterEnv{
		router:   router,
		repo:     batchRepo,
		projects: projectRepo,
		chunks:   chunkRepo,
		client:   client,
		queue:    q,
	}
}

func (e *jobsRouterEnv) seedChunks(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ch := chunks.Chunk{
			ID:         "chunk-" + string(rune('a'+i)),
			ProjectID:  "proj-1",
			Position:   i,
			Content:    "chunk body",
			ContentLen: 10,
			CreatedAt:  time.Now().UTC(),
		}
		if err := e.chunks.Create(context.Background(), ch); err != nil {
			t.Fatalf("create chunk: %v", err)
		}
		ids = append(ids, ch.ID)
	}
	return ids
}

func addGuestHeader(req *http.Request) {
	req.Header.Set("X-Guest-Id", "test-guest")
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	addGuestHeader(req)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestCreateJobEndpointAccepted(t *testing.T) {
	env := setupJobsRouter(t, projects.LevelFoundation, 40)
	ids := env.seedChunks(t, 2)

	resp := doJSON(t, env.router, http.MethodPost, "/api/v1/projects/proj-1/jobs", map[string]any{
		"chunkIds":     ids,
		"analysisKind": "summary",
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", resp.Code, resp.Body.String())
	}

	var created struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.JobID == "" {
		t.Fatalf("expected jobId, got empty")
	}
	if created.Status != StatusPending {
		t.Fatalf("status: got %q want %q", created.Status, StatusPending)
	}

	job, err := env.repo.GetJob(context.Background(), created.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.UserID != guestUserID {
		t.Fatalf("job owner: got %q", job.UserID)
	}
}

func TestCreateJobEndpointDuplicateKindConflict(t *testing.T) {
	env := setupJobsRouter(t, projects.LevelFoundation, 40)
	ids := env.seedChunks(t, 1)
	if err := env.repo.InsertResult(context.Background(), Result{
		ID:           "result-existing",
		BatchJobID:   "job-prior",
		ProjectID:    "proj-1",
		ChunkID:      ids[0],
		AnalysisKind: "summary",
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed result: %v", err)
	}

	resp := doJSON(t, env.router, http.MethodPost, "/api/v1/projects/proj-1/jobs", map[string]any{
		"chunkIds":     ids,
		"analysisKind": "summary",
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", resp.Code, resp.Body.String())
	}

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				ExistingResultID string `json:"existingResultId"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Error.Code != "duplicate_kind" {
		t.Fatalf("code: got %q", body.Error.Code)
	}
	if body.Error.Details.ExistingResultID != "result-existing" {
		t.Fatalf("existing result id: got %q", body.Error.Details.ExistingResultID)
	}
}

func TestCreateJobEndpointKindInFlightConflict(t *testing.T) {
	env := setupJobsRouter(t, projects.LevelFoundation, 40)
	ids := env.seedChunks(t, 1)
	now := time.Now().UTC()
	if err := env.repo.CreateJob(context.Background(), Job{
		ID:           "job-open",
		UserID:       guestUserID,
		ProjectID:    "proj-1",
		AnalysisKind: "summary",
		ChunkIDs:     ids,
		TotalChunks:  1,
		Status:       StatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	resp := doJSON(t, env.router, http.MethodPost, "/api/v1/projects/proj-1/jobs", map[string]any{
		"chunkIds":     ids,
		"analysisKind": "summary",
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", resp.Code, resp.Body.String())
	}

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				JobID string `json:"jobId"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Error.Code != "kind_in_flight" {
		t.Fatalf("code: got %q", body.Error.Code)
	}
	if body.Error.Details.JobID != "job-open" {
		t.Fatalf("blocking job id: got %q", body.Error.Details.JobID)
	}
}

func TestCreateJobEndpointQuotaExceeded(t *testing.T) {
	env := setupJobsRouter(t, projects.LevelFoundation, 0)
	ids := env.seedChunks(t, 1)

	resp := doJSON(t, env.router, http.MethodPost, "/api/v1/projects/proj-1/jobs", map[string]any{
		"chunkIds":     ids,
		"analysisKind": "summary",
	})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestCreateJobEndpointForeignProjectHidden(t *testing.T) {
	env := setupJobsRouter(t, projects.LevelFoundation, 40)
	if err := env.projects.Create(context.Background(), projects.Project{
		ID:     "proj-other",
		UserID: "someone-else",
		Level:  projects.LevelFoundation,
		Status: projects.StatusActive,
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	resp := doJSON(t, env.router, http.MethodPost, "/api/v1/projects/proj-other/jobs", map[string]any{
		"chunkIds":     []string{"chunk-a"},
		"analysisKind": "summary",
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestBulkEndpointCreatesRemainingKinds(t *testing.T) {
	env := setupJobsRouter(t, projects.LevelFoundation, 40)
	ids := env.seedChunks(t, 2)

	resp := doJSON(t, env.router, http.MethodPost, "/api/v1/projects/proj-1/jobs/bulk", map[string]any{
		"chunkIds": ids,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var outcome BulkOutcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(outcome.Created) != 6 {
		t.Fatalf("created: got %d want 6", len(outcome.Created))
	}
	if outcome.BulkID == "" {
		t.Fatalf("bulk id missing")
	}
}

func TestReconcileEndpointEnqueues(t *testing.T) {
	env := setupJobsRouter(t, projects.LevelFoundation, 40)
	now := time.Now().UTC()
	if err := env.repo.CreateJob(context.Background(), Job{
		ID:           "job-1",
		UserID:       guestUserID,
		ProjectID:    "proj-1",
		AnalysisKind: "summary",
		ChunkIDs:     []string{"chunk-a"},
		TotalChunks:  1,
		Status:       StatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	resp := doJSON(t, env.router, http.MethodPost, "/api/v1/jobs/job-1/reconcile", nil)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", resp.Code, resp.Body.String())
	}

	env.queue.mu.Lock()
	defer env.queue.mu.Unlock()
	if len(env.queue.messages) != 1 {
		t.Fatalf("queued messages: got %d want 1", len(env.queue.messages))
	}
	if env.queue.messages[0].JobID != "job-1" {
		t.Fatalf("queued job id: got %q", env.queue.messages[0].JobID)
	}
}

func TestJobResultsEndpointOrdered(t *testing.T) {
	env := setupJobsRouter(t, projects.LevelFoundation, 40)
	now := time.Now().UTC()
	if err := env.repo.CreateJob(context.Background(), Job{
		ID:          "job-1",
		UserID:      guestUserID,
		ProjectID:   "proj-1",
		Status:      StatusCompleted,
		TotalChunks: 2,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	// inserted out of order; the endpoint must return position order
	for _, res := range []Result{
		{ID: "r2", BatchJobID: "job-1", ProjectID: "proj-1", ChunkID: "chunk-b", ChunkPosition: 1, AnalysisKind: "summary", OutputText: "second"},
		{ID: "r1", BatchJobID: "job-1", ProjectID: "proj-1", ChunkID: "chunk-a", ChunkPosition: 0, AnalysisKind: "summary", OutputText: "first"},
	} {
		if err := env.repo.InsertResult(context.Background(), res); err != nil {
			t.Fatalf("insert result: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1/results", nil)
	addGuestHeader(req)
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var body struct {
		Results []Result `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Results) != 2 {
		t.Fatalf("results: got %d want 2", len(body.Results))
	}
	if body.Results[0].OutputText != "first" || body.Results[1].OutputText != "second" {
		t.Fatalf("results out of order: %+v", body.Results)
	}
}

func TestJobsEndpointsRequireIdentity(t *testing.T) {
	env := setupJobsRouter(t, projects.LevelFoundation, 40)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.Code)
	}
}
