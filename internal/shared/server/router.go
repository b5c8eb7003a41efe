package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	googleauth "chunklab-backend/internal/auth"
	"chunklab-backend/internal/batch"
	"chunklab-backend/internal/chunks"
	"chunklab-backend/internal/projects"
	"chunklab-backend/internal/shared/config"
	"chunklab-backend/internal/shared/metrics"
	"chunklab-backend/internal/shared/server/middleware"
	"chunklab-backend/internal/shared/server/respond"
	"chunklab-backend/internal/usage"
	"chunklab-backend/internal/users"
)

// RouterDeps carries the handlers the router wires up.
type RouterDeps struct {
	Config         config.Config
	ProjectHandler *projects.Handler
	ChunkHandler   *chunks.Handler
	BatchHandler   *batch.Handler
	UsageHandler   *usage.Handler
	UserHandler    *users.Handler
	GoogleAuth     *googleauth.GoogleService
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.Auth(),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		respond.JSON(c, http.StatusOK, gin.H{"ok": true})
	})

	if deps.GoogleAuth != nil {
		deps.GoogleAuth.RegisterRoutes(api)
	}
	if deps.UserHandler != nil {
		deps.UserHandler.RegisterRoutes(api)
	}
	if deps.ProjectHandler != nil {
		deps.ProjectHandler.RegisterRoutes(api)
	}
	if deps.ChunkHandler != nil {
		deps.ChunkHandler.RegisterRoutes(api)
	}
	if deps.BatchHandler != nil {
		deps.BatchHandler.RegisterRoutes(api)
	}
	if deps.UsageHandler != nil {
		deps.UsageHandler.RegisterRoutes(api)
	}

	return r
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
