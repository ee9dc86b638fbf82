// In-memory work queue. Backs unit tests and single-process deployments
// where running a broker is overkill; semantics mirror the redis queue
// (at-least-once, delayed units become ready after their delay).
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/image-orchestrator/internal/domain"
)

// MemoryQueue implements Queue and Consumer over a buffered channel.
type MemoryQueue struct {
	ch     chan domain.WorkUnit
	mu     sync.Mutex
	closed bool
	timers []*time.Timer
}

// NewMemory constructs an in-memory queue buffering up to size units.
func NewMemory(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{ch: make(chan domain.WorkUnit, size)}
}

// Enqueue makes the unit immediately available, or fails when the buffer
// is full (treated as a dispatch failure by callers, same as a broker
// refusing the write).
func (q *MemoryQueue) Enqueue(ctx context.Context, unit domain.WorkUnit) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	select {
	case q.ch <- unit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueDelayed schedules the unit to become ready after delay.
func (q *MemoryQueue) EnqueueDelayed(ctx context.Context, unit domain.WorkUnit, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, unit)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	t := time.AfterFunc(delay, func() {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.ch <- unit:
		default:
			// Buffer full at fire time; the unit is lost here, which the
			// recovery sweep repairs by re-enqueueing the stale PENDING job.
		}
	})
	q.timers = append(q.timers, t)
	q.mu.Unlock()
	return nil
}

// Dequeue blocks for the next ready unit or ctx cancellation.
func (q *MemoryQueue) Dequeue(ctx context.Context) (domain.WorkUnit, error) {
	select {
	case unit := <-q.ch:
		return unit, nil
	case <-ctx.Done():
		return domain.WorkUnit{}, ctx.Err()
	}
}

// Close stops pending delay timers and rejects further enqueues.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for _, t := range q.timers {
		t.Stop()
	}
	return nil
}

// Len reports the number of ready units. Intended for tests.
func (q *MemoryQueue) Len() int { return len(q.ch) }
