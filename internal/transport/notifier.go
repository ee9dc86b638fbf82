// Package transport defines the outbound boundary to the chat-transport
// layer. The orchestrator never talks to chat users directly; it hands
// delivery events (results, failures, quota rejections) to a Notifier and
// the transport service owns formatting, translation, and the actual send.
package transport

import (
	"context"

	"github.com/image-orchestrator/internal/domain"
)

// ResultOutcome is what the transport needs to notify a user about one
// finished job. Exactly one of OutputRef / ErrorKind is meaningful,
// depending on Succeeded.
type ResultOutcome struct {
	JobID     string `json:"job_id"`
	Succeeded bool   `json:"succeeded"`
	OutputRef string `json:"output_ref,omitempty"`
	OutputURL string `json:"output_url,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Language  string `json:"language,omitempty"`
}

// Notifier is the Core → chat-transport contract. Every rejected or failed
// item yields exactly one call; the correlator's terminal-state guard is
// what enforces "never duplicate notifications for the same job".
type Notifier interface {
	// DeliverResult notifies the owning user that a job reached a terminal
	// state.
	DeliverResult(ctx context.Context, userID string, outcome ResultOutcome) error
	// DeliverQuotaRejection notifies the owning user that an item was
	// denied admission.
	DeliverQuotaRejection(ctx context.Context, userID, itemID string) error
}

// UserLookup resolves the stored user (for language preferences) when
// composing notifications. Satisfied by the quota ledger.
type UserLookup interface {
	Usage(ctx context.Context, userID string) (*domain.User, error)
}
