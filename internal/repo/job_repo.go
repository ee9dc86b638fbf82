// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Job model.
//
// Status updates all funnel through transition, which issues a conditional
// UPDATE guarded by the expected current status. Concurrent writers on the
// same job therefore serialize at the database: a stale RUNNING update can
// never clobber a terminal SUCCEEDED/FAILED row written by a duplicate or
// late worker signal — the guard simply matches zero rows and the caller
// receives ErrInvalidTransition.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/image-orchestrator/internal/domain"
)

// ErrDuplicateItem indicates a job already exists for the given item
// reference. This is the dispatch-idempotency signal: the unique index on
// jobs.item_id rejects a second insert for the same logical item.
var ErrDuplicateItem = errors.New("item already dispatched")

// ErrInvalidTransition indicates a status update whose from→to edge is not
// in the allowed transition set, or whose subject is no longer in the
// expected state.
var ErrInvalidTransition = errors.New("invalid status transition")

// CreateJob inserts a new Job row. The caller provides the generated UUID
// and the PENDING status; CreatedAt is set to UTC. Returns ErrDuplicateItem
// when the item reference was already dispatched.
func CreateJob(ctx context.Context, db *gorm.DB, job *domain.Job) error {
	job.CreatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Create(job).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return ErrDuplicateItem
		}
		return err
	}
	return nil
}

// DeleteJob removes a job row. Only the dispatcher uses this, to roll back
// a job whose enqueue was not durably accepted; dispatched jobs are history
// and are never deleted.
func DeleteJob(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Unscoped().Delete(&domain.Job{}, "id = ?", id).Error
}

// GetJob fetches a job by id, or ErrNotFound.
func GetJob(ctx context.Context, db *gorm.DB, id string) (*domain.Job, error) {
	var j domain.Job
	if err := db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJobByItem fetches a job by its item reference, or ErrNotFound.
func GetJobByItem(ctx context.Context, db *gorm.DB, itemID string) (*domain.Job, error) {
	var j domain.Job
	if err := db.WithContext(ctx).First(&j, "item_id = ?", itemID).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// CountJobs returns the total number of jobs owned by userID.
func CountJobs(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListJobsPage returns a paginated slice of jobs for userID, ordered by
// creation time descending. Use CountJobs to obtain the total for
// pagination metadata.
func ListJobsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Job, error) {
	var out []domain.Job
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListStaleJobs returns non-terminal jobs whose last update is older than
// cutoff, in update order. The recovery sweep feeds on this.
func ListStaleJobs(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]domain.Job, error) {
	var out []domain.Job
	err := db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []domain.JobStatus{domain.StatusPending, domain.StatusRunning}, cutoff).
		Order("updated_at asc").
		Find(&out).Error
	return out, err
}

// MarkRunning transitions PENDING→RUNNING.
func MarkRunning(ctx context.Context, db *gorm.DB, id string) error {
	return transition(ctx, db, id, domain.StatusPending, domain.StatusRunning, nil)
}

// MarkSucceeded transitions RUNNING→SUCCEEDED and records the output
// reference.
func MarkSucceeded(ctx context.Context, db *gorm.DB, id, outputRef string) error {
	return transition(ctx, db, id, domain.StatusRunning, domain.StatusSucceeded, map[string]any{
		"output_ref": outputRef,
	})
}

// MarkFailed transitions RUNNING→FAILED and records the failure taxonomy
// kind plus a human-readable detail.
func MarkFailed(ctx context.Context, db *gorm.DB, id, kind, detail string) error {
	return transition(ctx, db, id, domain.StatusRunning, domain.StatusFailed, map[string]any{
		"error_kind":   kind,
		"error_detail": detail,
	})
}

// RetryJob transitions FAILED→PENDING, increments the attempt counter, and
// clears the recorded failure. The job identity is preserved; only the
// attempt count distinguishes the fresh dispatch.
func RetryJob(ctx context.Context, db *gorm.DB, id string) error {
	return transition(ctx, db, id, domain.StatusFailed, domain.StatusPending, map[string]any{
		"attempts":     gorm.Expr("attempts + 1"),
		"error_kind":   nil,
		"error_detail": nil,
	})
}

// transition performs a guarded status update: the row must currently be in
// `from` for the write to apply. A zero-row result is disambiguated into
// ErrNotFound (no such job) or ErrInvalidTransition (job exists but moved
// on), so duplicate worker signals surface as transition errors rather than
// silent clobbers.
func transition(ctx context.Context, db *gorm.DB, id string, from, to domain.JobStatus, extra map[string]any) error {
	if !domain.CanTransition(from, to) {
		return ErrInvalidTransition
	}

	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := GetJob(ctx, db, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}
