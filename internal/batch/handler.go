package batch

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chunklab-backend/internal/projects"
	"chunklab-backend/internal/queue"
	"chunklab-backend/internal/shared/server/middleware"
	"chunklab-backend/internal/shared/server/respond"
	"chunklab-backend/internal/shared/telemetry"
)

// Handler exposes the batch pipeline over HTTP.
type Handler struct {
	Service    *Service
	Planner    *Planner
	Reconciler *Reconciler
	Queue      queue.Client
}

// NewHandler constructs a Handler.
func NewHandler(service *Service, planner *Planner, reconciler *Reconciler, q queue.Client) *Handler {
	return &Handler{Service: service, Planner: planner, Reconciler: reconciler, Queue: q}
}

// RegisterRoutes attaches job routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/projects/:id/jobs", h.createJob)
	rg.POST("/projects/:id/jobs/bulk", h.createBulk)
	rg.GET("/jobs", h.listJobs)
	rg.GET("/jobs/:id", h.getJob)
	rg.GET("/jobs/:id/results", h.listResults)
	rg.POST("/jobs/:id/reconcile", h.reconcile)
}

type createJobRequest struct {
	ChunkIDs     []string `json:"chunkIds"`
	AnalysisKind string   `json:"analysisKind"`
}

type createBulkRequest struct {
	ChunkIDs []string `json:"chunkIds"`
}

func (h *Handler) createJob(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	projectID := c.Param("id")
	c.Set("projectId", projectID)

	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	job, err := h.Service.CreateJob(ctx, CreateParams{
		UserID:       userID,
		ProjectID:    projectID,
		AnalysisKind: req.AnalysisKind,
		ChunkIDs:     req.ChunkIDs,
	})
	if err != nil {
		respondJobError(c, err)
		return
	}
	c.Set("jobId", job.ID)
	respond.Accepted(c, gin.H{"jobId": job.ID, "status": job.Status})
}

func (h *Handler) createBulk(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	projectID := c.Param("id")
	c.Set("projectId", projectID)

	var req createBulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	outcome, err := h.Planner.CreateAll(ctx, userID, projectID, req.ChunkIDs)
	if err != nil {
		respondJobError(c, err)
		return
	}
	respond.OK(c, outcome)
}

func (h *Handler) listJobs(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	jobs, err := h.Service.List(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list jobs", nil)
		return
	}
	if jobs == nil {
		jobs = []Job{}
	}
	respond.OK(c, gin.H{"jobs": jobs})
}

func (h *Handler) getJob(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	jobID := c.Param("id")
	c.Set("jobId", jobID)

	job, err := h.Service.Get(c.Request.Context(), userID, jobID)
	if err != nil {
		respondJobError(c, err)
		return
	}
	respond.OK(c, job)
}

func (h *Handler) listResults(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	jobID := c.Param("id")
	c.Set("jobId", jobID)

	results, err := h.Service.Results(c.Request.Context(), userID, jobID)
	if err != nil {
		respondJobError(c, err)
		return
	}
	if results == nil {
		results = []Result{}
	}
	respond.OK(c, gin.H{"results": results})
}

// reconcile is the manual poke: it enqueues a reconcile poll when a queue is
// configured and otherwise runs one pass in the background. The response only
// acknowledges the request; the outcome shows up on the job.
func (h *Handler) reconcile(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	jobID := c.Param("id")
	c.Set("jobId", jobID)

	if _, err := h.Service.Get(c.Request.Context(), userID, jobID); err != nil {
		respondJobError(c, err)
		return
	}

	requestID := middleware.RequestIDFromContext(c)
	if h.Queue != nil {
		msg := queue.Message{
			JobID:      jobID,
			RequestID:  requestID,
			EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
			Version:    1,
		}
		if err := h.Queue.Send(c.Request.Context(), msg, 0); err != nil {
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to enqueue reconcile", nil)
			return
		}
	} else if h.Reconciler != nil {
		go func() {
			ctx := WithRequestID(context.Background(), requestID)
			if err := h.Reconciler.Reconcile(ctx, jobID); err != nil {
				telemetry.Error("batch.reconcile", map[string]any{"job_id": jobID, "error": err.Error()})
			}
		}()
	}
	respond.Accepted(c, gin.H{"jobId": jobID, "status": "reconcile_requested"})
}

func respondJobError(c *gin.Context, err error) {
	var (
		vErr *ValidationError
		dErr *DuplicateKindError
		bErr *KindBusyError
		qErr *QuotaExceededError
	)
	switch {
	case errors.As(err, &vErr):
		respond.Error(c, http.StatusBadRequest, "validation_error", vErr.Error(), nil)
	case errors.As(err, &dErr):
		respond.Error(c, http.StatusConflict, "duplicate_kind", dErr.Error(), map[string]any{
			"analysisKind":     dErr.AnalysisKind,
			"existingResultId": dErr.ExistingResultID,
		})
	case errors.As(err, &bErr):
		respond.Error(c, http.StatusConflict, "kind_in_flight", bErr.Error(), map[string]any{
			"analysisKind": bErr.AnalysisKind,
			"jobId":        bErr.JobID,
		})
	case errors.As(err, &qErr):
		respond.Error(c, http.StatusTooManyRequests, "quota_exceeded", qErr.Error(), map[string]any{
			"limit": qErr.Limit,
			"used":  qErr.Used,
		})
	case errors.Is(err, projects.ErrNotFound), errors.Is(err, projects.ErrForbidden):
		respond.Error(c, http.StatusNotFound, "not_found", "project not found", nil)
	case errors.Is(err, projects.ErrNotActive):
		respond.Error(c, http.StatusConflict, "project_not_active", "project is not active", nil)
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "job not found", nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", "request failed", nil)
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return val
}
