// Job inspection endpoints.
//
//   - GET /jobs/{id}          — one job record
//   - GET /jobs?user_id=&page — a user's jobs, newest first, paginated
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/image-orchestrator/internal/domain"
	"github.com/image-orchestrator/internal/repo"
	"github.com/image-orchestrator/internal/utils"
)

// ListJobsResponse contains one page of jobs plus pagination metadata.
type ListJobsResponse struct {
	Jobs       []domain.Job `json:"jobs"`
	Pagination Pagination   `json:"pagination"`
}

// JobsHandler serves read access to the job store.
type JobsHandler struct {
	DB *gorm.DB
}

// Get handles GET /jobs/:id.
func (h *JobsHandler) Get(c *gin.Context) {
	job, err := repo.GetJob(c.Request.Context(), h.DB, c.Param("id"))
	switch {
	case err == nil:
		ok(c, http.StatusOK, job)
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "no such job")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "job lookup failed")
	}
}

// List handles GET /jobs.
func (h *JobsHandler) List(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id is required")
		return
	}
	page, pageSize := clampPagination(c)

	ctx := c.Request.Context()
	total, err := repo.CountJobs(ctx, h.DB, userID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "job listing failed")
		return
	}
	jobs, err := repo.ListJobsPage(ctx, h.DB, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "job listing failed")
		return
	}
	ok(c, http.StatusOK, ListJobsResponse{
		Jobs:       jobs,
		Pagination: Pagination{Page: page, PageSize: pageSize, Total: total},
	})
}

// clampPagination parses page/page_size query parameters with defaults and
// caps.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}
