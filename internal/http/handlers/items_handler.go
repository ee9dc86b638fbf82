// Item intake endpoint.
//
//   - POST /items — the chat-transport layer delivers one inbound image per
//     call. Singleton items dispatch synchronously and the response carries
//     the per-item outcome; album items are buffered by the aggregator and
//     answered 202 while the batch window runs.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/image-orchestrator/internal/config"
	"github.com/image-orchestrator/internal/dispatch"
	"github.com/image-orchestrator/internal/domain"
	"github.com/image-orchestrator/internal/groups"
	"github.com/image-orchestrator/internal/quota"
	"github.com/image-orchestrator/internal/repo"
)

// SubmitItemRequest is the JSON payload for one inbound item. Profile
// fields are optional and only consulted when the user is first seen.
type SubmitItemRequest struct {
	ItemID     string `json:"item_id" binding:"required" example:"chat42:msg1007:photo0"`
	UserID     string `json:"user_id" binding:"required" example:"784331"`
	GroupKey   string `json:"group_key,omitempty" example:"album-9912"`
	PayloadRef string `json:"payload_ref" binding:"required" example:"in/784331/msg1007.jpg"`
	Operation  string `json:"operation" binding:"required" example:"background_removal"`
	SizeBytes  int64  `json:"size_bytes,omitempty" example:"348112"`

	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Language  string `json:"language,omitempty" example:"en"`
}

// ItemOutcome mirrors one dispatcher verdict on the wire.
type ItemOutcome struct {
	ItemID  string `json:"item_id"`
	JobID   string `json:"job_id,omitempty"`
	Outcome string `json:"outcome" example:"dispatched"`
}

// SubmitItemResponse answers POST /items. Buffered is true when the item
// joined an open media group and outcomes will surface asynchronously.
type SubmitItemResponse struct {
	Buffered bool          `json:"buffered"`
	Outcomes []ItemOutcome `json:"outcomes,omitempty"`
}

// ItemsHandler wires intake to the aggregator and dispatcher.
type ItemsHandler struct {
	DB         *gorm.DB
	Aggregator *groups.Aggregator
	Dispatcher *dispatch.Dispatcher
	Quota      config.QuotaConfig
	MaxPayload int64
}

// Submit handles POST /items.
func (h *ItemsHandler) Submit(c *gin.Context) {
	var req SubmitItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	op, okOp := domain.ParseOperation(req.Operation)
	if !okOp {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown operation")
		return
	}
	if h.MaxPayload > 0 && req.SizeBytes > h.MaxPayload {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "payload exceeds size limit")
		return
	}

	// First sight of a user creates their ledger row on the free tier;
	// later submissions leave the stored profile alone.
	u := &domain.User{
		ID:         req.UserID,
		Username:   req.Username,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		Language:   domain.NormalizeLanguage(req.Language),
		Tier:       domain.TierFree,
		Status:     domain.UserActive,
		QuotaLimit: quota.LimitForTier(domain.TierFree, h.Quota.FreeDaily, h.Quota.PremiumDaily),
	}
	if _, err := repo.EnsureUser(c.Request.Context(), h.DB, u); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "user lookup failed")
		return
	}

	item := domain.InboundItem{
		ItemID:     req.ItemID,
		UserID:     req.UserID,
		GroupKey:   req.GroupKey,
		PayloadRef: req.PayloadRef,
		Operation:  op,
		SizeBytes:  req.SizeBytes,
	}

	batch := h.Aggregator.Ingest(item)
	if batch == nil {
		// Joined an open media group; the flush path dispatches later.
		ok(c, http.StatusAccepted, SubmitItemResponse{Buffered: true})
		return
	}

	results := h.Dispatcher.Submit(c.Request.Context(), *batch)
	ok(c, http.StatusOK, SubmitItemResponse{Outcomes: toOutcomes(results)})
}

func toOutcomes(results []dispatch.ItemResult) []ItemOutcome {
	out := make([]ItemOutcome, 0, len(results))
	for _, r := range results {
		out = append(out, ItemOutcome{
			ItemID:  r.ItemID,
			JobID:   r.JobID,
			Outcome: string(r.Outcome),
		})
	}
	return out
}
