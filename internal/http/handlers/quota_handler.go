// Quota inspection endpoint.
//
//   - GET /users/{id}/quota — current window usage for one user
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/image-orchestrator/internal/quota"
	"github.com/image-orchestrator/internal/repo"
)

// QuotaResponse reports a user's standing in the current daily window.
// Remaining is -1 for unlimited accounts.
type QuotaResponse struct {
	UserID      string `json:"user_id"`
	Tier        string `json:"tier" example:"free"`
	Limit       int    `json:"limit" example:"10"`
	Used        int    `json:"used" example:"3"`
	Remaining   int    `json:"remaining" example:"7"`
	Unlimited   bool   `json:"unlimited"`
	WindowStart string `json:"window_start" example:"2026-08-30T00:00:00Z"`
}

// QuotaHandler serves quota usage reads.
type QuotaHandler struct {
	Ledger *quota.Ledger
}

// Get handles GET /users/:id/quota.
func (h *QuotaHandler) Get(c *gin.Context) {
	u, err := h.Ledger.Usage(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "no such user")
		return
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "quota lookup failed")
		return
	}

	ok(c, http.StatusOK, QuotaResponse{
		UserID:      u.ID,
		Tier:        string(u.Tier),
		Limit:       u.QuotaLimit,
		Used:        u.QuotaUsed,
		Remaining:   u.Remaining(),
		Unlimited:   u.Unlimited(),
		WindowStart: u.WindowStart.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}
