package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"chunklab-backend/internal/shared/server/respond"
	"chunklab-backend/internal/shared/telemetry"
)

// Recovery recovers from handler panics and returns the standard error shape.
// Handlers stash jobId/projectId on the context early, so a panic log still
// says which job the request was touching.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				fields := map[string]any{
					"request_id": RequestIDFromContext(c),
					"error":      rec,
					"stack":      string(debug.Stack()),
					"path":       c.Request.URL.Path,
					"method":     c.Request.Method,
				}
				if jobID := c.GetString("jobId"); jobID != "" {
					fields["job_id"] = jobID
				}
				if projectID := c.GetString("projectId"); projectID != "" {
					fields["project_id"] = projectID
				}
				telemetry.Error("panic", fields)
				respond.Error(c, http.StatusInternalServerError, "internal_error", "unexpected server error", nil)
				c.Abort()
			}
		}()
		c.Next()
	}
}
