// Package queue defines the worker-queue boundary: admitted items become
// WorkUnits that are enqueued exactly once by the dispatcher and consumed
// by the (external) worker pool. Delivery is at-least-once — workers and
// the result correlator must tolerate duplicates — and results are
// correlated solely by job id, never by queue ordering.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/image-orchestrator/internal/domain"
)

// ErrClosed is returned by queue operations after Close.
var ErrClosed = errors.New("queue closed")

// Queue is the producer side of the worker-queue boundary. Enqueue must
// return nil only once the unit has been durably accepted by the broker;
// the dispatcher rolls a job back when it does not.
type Queue interface {
	// Enqueue makes the unit available to workers immediately.
	Enqueue(ctx context.Context, unit domain.WorkUnit) error
	// EnqueueDelayed makes the unit available after delay. Used by the
	// retry policy for backoff re-dispatch.
	EnqueueDelayed(ctx context.Context, unit domain.WorkUnit, delay time.Duration) error
	// Close releases broker resources.
	Close() error
}

// Consumer is the worker side of the boundary. Dequeue blocks until a unit
// is available or ctx is done.
type Consumer interface {
	Dequeue(ctx context.Context) (domain.WorkUnit, error)
}
