package projects

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chunklab-backend/internal/shared/server/middleware"
	"chunklab-backend/internal/shared/server/respond"
)

// Handler wires thin project CRUD routes. The full project browser lives in
// the UI layer; these endpoints exist so the pipeline has something to run
// against.
type Handler struct {
	Repo Repo
}

// NewHandler constructs a Handler.
func NewHandler(repo Repo) *Handler {
	return &Handler{Repo: repo}
}

// RegisterRoutes attaches project routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/projects", h.createProject)
	rg.GET("/projects", h.listProjects)
	rg.GET("/projects/:id", h.getProject)
}

type createProjectRequest struct {
	Title string `json:"title"`
	Level string `json:"level"`
}

func (h *Handler) createProject(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)

	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	if req.Title == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "title is required", nil)
		return
	}
	if !ValidLevel(req.Level) {
		respond.Error(c, http.StatusBadRequest, "validation_error", "level must be foundation, intermediate or advanced", nil)
		return
	}

	project := Project{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     req.Title,
		Level:     req.Level,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := h.Repo.Create(c.Request.Context(), project); err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to create project", nil)
		return
	}
	respond.JSON(c, http.StatusCreated, project)
}

func (h *Handler) getProject(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	projectID := c.Param("id")
	c.Set("projectId", projectID)

	project, err := h.Repo.GetByID(c.Request.Context(), projectID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "project not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch project", nil)
		}
		return
	}
	if project.UserID != userID {
		respond.Error(c, http.StatusNotFound, "not_found", "project not found", nil)
		return
	}
	respond.OK(c, project)
}

func (h *Handler) listProjects(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)

	limit := 20
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}

	out, err := h.Repo.ListByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list projects", nil)
		return
	}
	if out == nil {
		out = []Project{}
	}
	respond.OK(c, gin.H{"projects": out})
}
