// Package dispatch turns admitted batches into queued jobs. For each item
// in a batch the dispatcher spends one quota unit, creates exactly one job
// record, and enqueues exactly one work unit — or reports a per-item
// outcome explaining why it did not. Batches partially succeed: one
// quota-rejected photo in an album never blocks its siblings.
package dispatch

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/image-orchestrator/internal/domain"
	"github.com/image-orchestrator/internal/metrics"
	"github.com/image-orchestrator/internal/queue"
	"github.com/image-orchestrator/internal/quota"
	"github.com/image-orchestrator/internal/repo"
	"github.com/image-orchestrator/internal/transport"
)

// Outcome classifies what happened to a single item during Submit.
type Outcome string

const (
	// OutcomeDispatched: job created and work unit durably enqueued.
	OutcomeDispatched Outcome = "dispatched"
	// OutcomeDuplicate: the item reference was already dispatched earlier;
	// no new job, no quota spent.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeQuotaRejected: the ledger denied admission; the user was
	// notified.
	OutcomeQuotaRejected Outcome = "quota_rejected"
	// OutcomeBlocked: the owning account is blocked; the user was notified.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeDispatchFailed: the enqueue was not durably accepted; the job
	// was rolled back and the quota unit returned.
	OutcomeDispatchFailed Outcome = "dispatch_failed"
	// OutcomeError: storage-layer failure before any state changed;
	// admission fails closed and the caller may retry the whole item.
	OutcomeError Outcome = "error"
)

// ItemResult is the per-item verdict Submit returns, in batch order.
type ItemResult struct {
	ItemID  string  `json:"item_id"`
	JobID   string  `json:"job_id,omitempty"`
	Outcome Outcome `json:"outcome"`
	Err     error   `json:"-"`
}

// Dispatcher coordinates ledger, job store, queue, and notifier.
type Dispatcher struct {
	DB       *gorm.DB
	Ledger   *quota.Ledger
	Queue    queue.Queue
	Notifier transport.Notifier
}

// New constructs a Dispatcher.
func New(db *gorm.DB, ledger *quota.Ledger, q queue.Queue, n transport.Notifier) *Dispatcher {
	return &Dispatcher{DB: db, Ledger: ledger, Queue: q, Notifier: n}
}

// Submit dispatches every item of the batch and returns one ItemResult per
// item, preserving batch order.
//
// Per item, in order:
//  1. Dedupe by item reference: an existing job short-circuits to
//     OutcomeDuplicate before any quota is touched. Re-submitting a batch
//     with overlapping items is therefore free and idempotent.
//  2. Quota admission (one unit per item — an album of five costs five).
//  3. Job creation (PENDING, attempt 1). A unique-index collision here
//     means a concurrent submit won the race after our admission; the
//     spent unit is refunded and the item reported as duplicate.
//  4. Enqueue of the work unit. When the broker refuses the write, the
//     job row is rolled back and the quota unit refunded, so no job is
//     ever left PENDING without queued work behind it.
func (d *Dispatcher) Submit(ctx context.Context, batch domain.Batch) []ItemResult {
	results := make([]ItemResult, 0, len(batch.Items))
	for _, item := range batch.Items {
		res := d.submitOne(ctx, item)
		metrics.Dispatches.WithLabelValues(string(res.Outcome)).Inc()
		results = append(results, res)
	}
	return results
}

func (d *Dispatcher) submitOne(ctx context.Context, item domain.InboundItem) ItemResult {
	// 1. Dedupe before admission.
	if existing, err := repo.GetJobByItem(ctx, d.DB, item.ItemID); err == nil {
		return ItemResult{ItemID: item.ItemID, JobID: existing.ID, Outcome: OutcomeDuplicate}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return ItemResult{ItemID: item.ItemID, Outcome: OutcomeError, Err: err}
	}

	// 2. Admission.
	switch err := d.Ledger.TryAdmit(ctx, item.UserID); {
	case err == nil:
	case errors.Is(err, quota.ErrQuotaExceeded):
		metrics.Admissions.WithLabelValues("rejected").Inc()
		d.notifyRejection(ctx, item)
		return ItemResult{ItemID: item.ItemID, Outcome: OutcomeQuotaRejected, Err: err}
	case errors.Is(err, quota.ErrUserBlocked):
		metrics.Admissions.WithLabelValues("blocked").Inc()
		d.notifyRejection(ctx, item)
		return ItemResult{ItemID: item.ItemID, Outcome: OutcomeBlocked, Err: err}
	default:
		metrics.Admissions.WithLabelValues("error").Inc()
		return ItemResult{ItemID: item.ItemID, Outcome: OutcomeError, Err: err}
	}
	metrics.Admissions.WithLabelValues("admitted").Inc()

	// 3. Job creation.
	job := &domain.Job{
		ID:         uuid.NewString(),
		UserID:     item.UserID,
		ItemID:     item.ItemID,
		GroupKey:   item.GroupKey,
		Operation:  item.Operation,
		Status:     domain.StatusPending,
		PayloadRef: item.PayloadRef,
		Attempts:   1,
	}
	if err := repo.CreateJob(ctx, d.DB, job); err != nil {
		if errors.Is(err, repo.ErrDuplicateItem) {
			// Lost an admit-then-create race; give the unit back.
			if rerr := d.Ledger.Refund(ctx, item.UserID); rerr != nil {
				log.Error().Err(rerr).Str("user_id", item.UserID).Msg("quota refund after duplicate race failed")
			}
			if existing, gerr := repo.GetJobByItem(ctx, d.DB, item.ItemID); gerr == nil {
				return ItemResult{ItemID: item.ItemID, JobID: existing.ID, Outcome: OutcomeDuplicate}
			}
			return ItemResult{ItemID: item.ItemID, Outcome: OutcomeDuplicate}
		}
		return ItemResult{ItemID: item.ItemID, Outcome: OutcomeError, Err: err}
	}

	// 4. Enqueue; roll back on refusal.
	unit := domain.WorkUnit{
		JobID:      job.ID,
		PayloadRef: job.PayloadRef,
		Operation:  job.Operation,
		Attempt:    job.Attempts,
	}
	if err := d.Queue.Enqueue(ctx, unit); err != nil {
		log.Error().Err(err).
			Str("job_id", job.ID).
			Str("item_id", item.ItemID).
			Msg("enqueue refused, rolling job back")
		if derr := repo.DeleteJob(ctx, d.DB, job.ID); derr != nil {
			log.Error().Err(derr).Str("job_id", job.ID).Msg("job rollback failed")
		}
		if rerr := d.Ledger.Refund(ctx, item.UserID); rerr != nil {
			log.Error().Err(rerr).Str("user_id", item.UserID).Msg("quota refund after dispatch failure failed")
		}
		return ItemResult{ItemID: item.ItemID, Outcome: OutcomeDispatchFailed, Err: err}
	}

	log.Info().
		Str("job_id", job.ID).
		Str("item_id", item.ItemID).
		Str("user_id", item.UserID).
		Str("operation", string(item.Operation)).
		Msg("job dispatched")
	return ItemResult{ItemID: item.ItemID, JobID: job.ID, Outcome: OutcomeDispatched}
}

// notifyRejection sends the single user-facing rejection notification for
// an item the ledger denied. Delivery failures are logged, not retried.
func (d *Dispatcher) notifyRejection(ctx context.Context, item domain.InboundItem) {
	if err := d.Notifier.DeliverQuotaRejection(ctx, item.UserID, item.ItemID); err != nil {
		log.Error().Err(err).
			Str("user_id", item.UserID).
			Str("item_id", item.ItemID).
			Msg("quota rejection notification failed")
	}
}
