// HTTP-layer error codes. Codes are lowercase snake_case and stable across
// releases; clients branch on them rather than parsing messages.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeQuotaExceeded   = "quota_exceeded"
	ErrCodeUserBlocked     = "user_blocked"
	ErrCodePayloadTooLarge = "payload_too_large"
	ErrCodeDispatchFailed  = "dispatch_failed"
	ErrCodeUnknownJob      = "unknown_job"
)
