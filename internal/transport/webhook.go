// Webhook notifier: POSTs delivery events as JSON to the chat-transport
// service. A log-only notifier backs dev setups and tests where no
// transport is running.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// WebhookNotifier delivers notifications over HTTP. The transport service
// is expected to expose two endpoints under BaseURL:
//
//	POST {BaseURL}/notify/result
//	POST {BaseURL}/notify/quota-rejected
//
// Non-2xx responses are surfaced as errors; the caller decides whether a
// failed notification is retried (currently it is logged and dropped —
// notification delivery is best-effort by contract).
type WebhookNotifier struct {
	BaseURL string
	Client  *http.Client
}

// NewWebhook constructs a WebhookNotifier with a conservative timeout.
func NewWebhook(baseURL string) *WebhookNotifier {
	return &WebhookNotifier{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// DeliverResult implements Notifier.
func (w *WebhookNotifier) DeliverResult(ctx context.Context, userID string, outcome ResultOutcome) error {
	return w.post(ctx, "/notify/result", map[string]any{
		"user_id": userID,
		"outcome": outcome,
	})
}

// DeliverQuotaRejection implements Notifier.
func (w *WebhookNotifier) DeliverQuotaRejection(ctx context.Context, userID, itemID string) error {
	return w.post(ctx, "/notify/quota-rejected", map[string]any{
		"user_id": userID,
		"item_id": itemID,
	})
}

func (w *WebhookNotifier) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transport returned %d for %s", resp.StatusCode, path)
	}
	return nil
}

// LogNotifier writes notifications to the structured log instead of a
// transport service. Used when TRANSPORT_WEBHOOK_URL is unset.
type LogNotifier struct{}

// DeliverResult implements Notifier.
func (LogNotifier) DeliverResult(_ context.Context, userID string, outcome ResultOutcome) error {
	log.Info().
		Str("user_id", userID).
		Str("job_id", outcome.JobID).
		Bool("succeeded", outcome.Succeeded).
		Str("output_ref", outcome.OutputRef).
		Str("error_kind", outcome.ErrorKind).
		Msg("result notification (log-only transport)")
	return nil
}

// DeliverQuotaRejection implements Notifier.
func (LogNotifier) DeliverQuotaRejection(_ context.Context, userID, itemID string) error {
	log.Info().
		Str("user_id", userID).
		Str("item_id", itemID).
		Msg("quota rejection notification (log-only transport)")
	return nil
}
