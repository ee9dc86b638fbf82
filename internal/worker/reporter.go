package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPReporter posts lifecycle events to the orchestrator's callback API:
//
//	POST {BaseURL}/worker/start
//	POST {BaseURL}/worker/results
type HTTPReporter struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPReporter constructs a reporter against the orchestrator base URL
// (including the API prefix, e.g. "http://orchestrator:8080/api/v1").
func NewHTTPReporter(baseURL string) *HTTPReporter {
	return &HTTPReporter{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// ReportStart implements Reporter.
func (r *HTTPReporter) ReportStart(ctx context.Context, jobID string) error {
	return r.post(ctx, "/worker/start", map[string]any{"job_id": jobID})
}

// ReportResult implements Reporter.
func (r *HTTPReporter) ReportResult(ctx context.Context, jobID string, succeeded bool, outputRef, errorKind, detail string) error {
	return r.post(ctx, "/worker/results", map[string]any{
		"job_id":     jobID,
		"succeeded":  succeeded,
		"output_ref": outputRef,
		"error_kind": errorKind,
		"detail":     detail,
	})
}

func (r *HTTPReporter) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("report to %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("orchestrator returned %d for %s", resp.StatusCode, path)
	}
	return nil
}
