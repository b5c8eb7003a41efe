package usage

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chunklab-backend/internal/shared/server/middleware"
	"chunklab-backend/internal/shared/server/respond"
)

// Handler exposes the current user's daily usage.
type Handler struct {
	Service *Service
}

// NewHandler constructs a Handler.
func NewHandler(service *Service) *Handler {
	return &Handler{Service: service}
}

// RegisterRoutes attaches usage routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/usage", h.getUsage)
}

func (h *Handler) getUsage(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	u, err := h.Service.Snapshot(c.Request.Context(), userID)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to load usage", nil)
		return
	}
	respond.OK(c, u)
}
