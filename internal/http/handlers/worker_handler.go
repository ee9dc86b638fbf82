// Worker callback endpoints.
//
//   - POST /worker/start   — a worker picked a unit up
//   - POST /worker/results — a worker finished (or failed) a unit
//
// Both are idempotent from the worker's point of view: repeated or late
// reports answer 200 and change nothing, so workers can retry callbacks
// freely.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/image-orchestrator/internal/correlate"
)

// WorkerStartRequest is the payload for POST /worker/start.
type WorkerStartRequest struct {
	JobID string `json:"job_id" binding:"required" example:"0f8fad5b-d9cb-469f-a165-70867728950e"`
}

// WorkerHandler exposes the correlator over HTTP.
type WorkerHandler struct {
	Correlator *correlate.Correlator
}

// Start handles POST /worker/start.
func (h *WorkerHandler) Start(c *gin.Context) {
	var req WorkerStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	switch err := h.Correlator.OnWorkerStart(c.Request.Context(), req.JobID); {
	case err == nil:
		ok(c, http.StatusOK, gin.H{"job_id": req.JobID})
	case errors.Is(err, correlate.ErrUnknownJob):
		fail(c, http.StatusNotFound, ErrCodeUnknownJob, "no such job")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "start report failed")
	}
}

// Result handles POST /worker/results.
func (h *WorkerHandler) Result(c *gin.Context) {
	var req correlate.WorkerResult
	if err := c.ShouldBindJSON(&req); err != nil || req.JobID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	switch err := h.Correlator.OnWorkerResult(c.Request.Context(), req); {
	case err == nil:
		ok(c, http.StatusOK, gin.H{"job_id": req.JobID})
	case errors.Is(err, correlate.ErrUnknownJob):
		fail(c, http.StatusNotFound, ErrCodeUnknownJob, "no such job")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "result report failed")
	}
}
