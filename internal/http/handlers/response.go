// Package handlers implements the public API endpoints. Handlers are
// transport-thin: validate and normalize inputs, delegate to the
// orchestration layer, and shape uniform JSON responses. Every error body
// carries a stable machine-readable code plus the request's correlation ID.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/image-orchestrator/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"resource not found"`
}

// Pagination is the metadata block attached to list responses.
type Pagination struct {
	Page     int   `json:"page" example:"1"`
	PageSize int   `json:"page_size" example:"20"`
	Total    int64 `json:"total" example:"42"`
}

// fail aborts the request with a structured error body. Server-side
// failures (>= 500) additionally land in the request-scoped log.
func fail(c *gin.Context, status int, code, msg string) {
	reqID := c.Writer.Header().Get("X-Request-ID")
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{RequestID: reqID, Code: code, Message: msg})
}

// Fail is the exported variant of fail, for router-level fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
