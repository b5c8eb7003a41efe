package chunks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chunklab-backend/internal/projects"
	"chunklab-backend/internal/shared/server/middleware"
	"chunklab-backend/internal/shared/server/respond"
)

// Handler wires thin chunk CRUD routes.
type Handler struct {
	Repo     Repo
	Projects projects.Repo
}

// NewHandler constructs a Handler.
func NewHandler(repo Repo, projectRepo projects.Repo) *Handler {
	return &Handler{Repo: repo, Projects: projectRepo}
}

// RegisterRoutes attaches chunk routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/projects/:id/chunks", h.createChunk)
	rg.GET("/projects/:id/chunks", h.listChunks)
}

type createChunkRequest struct {
	Position int    `json:"position"`
	Content  string `json:"content"`
}

func (h *Handler) createChunk(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	projectID := c.Param("id")
	c.Set("projectId", projectID)

	var req createChunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	if req.Content == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "content is required", nil)
		return
	}

	if _, err := projects.Authorize(c.Request.Context(), h.Projects, userID, projectID); err != nil {
		respondProjectError(c, err)
		return
	}

	chunk := Chunk{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Position:   req.Position,
		Content:    req.Content,
		ContentLen: len(req.Content),
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.Repo.Create(c.Request.Context(), chunk); err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to create chunk", nil)
		return
	}
	respond.JSON(c, http.StatusCreated, chunk)
}

func (h *Handler) listChunks(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	projectID := c.Param("id")
	c.Set("projectId", projectID)

	if _, err := projects.Authorize(c.Request.Context(), h.Projects, userID, projectID); err != nil {
		respondProjectError(c, err)
		return
	}

	out, err := h.Repo.ListByProject(c.Request.Context(), projectID)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list chunks", nil)
		return
	}
	if out == nil {
		out = []Chunk{}
	}
	respond.OK(c, gin.H{"chunks": out})
}

func respondProjectError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, projects.ErrNotFound), errors.Is(err, projects.ErrForbidden):
		respond.Error(c, http.StatusNotFound, "not_found", "project not found", nil)
	case errors.Is(err, projects.ErrNotActive):
		respond.Error(c, http.StatusConflict, "project_not_active", "project is not active", nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to load project", nil)
	}
}
