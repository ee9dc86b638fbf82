// Package domain defines the persistence models for users and processing
// jobs. This file holds the Job record, its status machine, and the closed
// set of processing operations workers can perform.
package domain

import "time"

// JobStatus is the lifecycle state of a processing job.
//
// Transitions are monotonic along
//
//	PENDING → RUNNING → {SUCCEEDED, FAILED}
//
// with a single re-entry edge FAILED → PENDING used by the retry policy
// (which also increments Attempts). Any other transition is rejected by
// the job repository.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// allowedTransitions is the closed transition set enforced on every status
// update. FAILED→PENDING is the retry edge.
var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	StatusPending: {StatusRunning: true},
	StatusRunning: {StatusSucceeded: true, StatusFailed: true},
	StatusFailed:  {StatusPending: true},
}

// CanTransition reports whether moving from to next is permitted.
func CanTransition(from, next JobStatus) bool {
	return allowedTransitions[from][next]
}

// Operation is the closed set of transformations a worker can apply to a
// submitted image. Keeping this a tagged enum (rather than a free-form
// string) preserves exhaustiveness at the worker boundary.
type Operation string

const (
	OpBackgroundRemoval Operation = "background_removal"
	OpConvert           Operation = "convert"
	OpSticker           Operation = "sticker"
)

// ParseOperation validates a wire value against the closed operation set.
func ParseOperation(s string) (Operation, bool) {
	switch Operation(s) {
	case OpBackgroundRemoval, OpConvert, OpSticker:
		return Operation(s), true
	}
	return "", false
}

// Error kinds recorded on failed jobs. These mirror the failure taxonomy:
// transient worker failures are retried up to a ceiling, permanent ones are
// surfaced immediately, and the recovery sweep stamps its own kind on jobs
// it had to orphan-fail after a restart.
const (
	ErrKindTransient       = "transient"
	ErrKindPermanent       = "permanent"
	ErrKindDispatchFailure = "dispatch-failed"
	ErrKindRecoveryTimeout = "recovery-timeout"
)

// Job tracks one submitted item from dispatch to terminal outcome.
//
// Fields:
//   - ID: UUID primary key (char(36)), generated at dispatch.
//   - UserID: owning chat user; indexed for per-user listing.
//   - ItemID: the transport's unique item reference. The unique index is
//     what makes dispatch idempotent: re-submitting a batch containing an
//     already-dispatched item collides here instead of creating a second job.
//   - GroupKey: album identifier, empty for singleton submissions.
//   - Operation: requested transformation from the closed enum.
//   - PayloadRef: object-storage reference of the input; never raw bytes.
//   - OutputRef: object-storage reference of the result, set on success.
//   - ErrorKind / ErrorDetail: failure taxonomy + human detail, set on failure.
//   - Attempts: number of processing attempts consumed so far.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM; UpdatedAt doubles
//     as the staleness signal for the recovery sweep.
//
// Jobs are never deleted once dispatched (rollback of a failed enqueue
// happens before the dispatch is considered accepted); they are retained
// as processing history.
type Job struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	UserID      string    `json:"user_id"      gorm:"type:varchar(64);not null;index:idx_user_jobs"`
	ItemID      string    `json:"item_id"      gorm:"type:varchar(128);not null;uniqueIndex:ux_jobs_item"`
	GroupKey    string    `json:"group_key,omitempty" gorm:"type:varchar(128);index"`
	Operation   Operation `json:"operation"    gorm:"type:varchar(32);not null"`
	Status      JobStatus `json:"status"       gorm:"type:varchar(16);not null;index"`
	PayloadRef  string    `json:"payload_ref"  gorm:"type:varchar(500);not null"`
	OutputRef   *string   `json:"output_ref,omitempty"  gorm:"type:varchar(500)"`
	ErrorKind   *string   `json:"error_kind,omitempty"  gorm:"type:varchar(32)"`
	ErrorDetail *string   `json:"error_detail,omitempty" gorm:"type:text"`
	Attempts    int       `json:"attempts"     gorm:"not null;default:0"`
	CreatedAt   time.Time `json:"created_at"   gorm:"index:idx_user_jobs,priority:2"`
	UpdatedAt   time.Time `json:"updated_at"   gorm:"index"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string { return "jobs" }
