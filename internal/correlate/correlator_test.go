package correlate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/image-orchestrator/internal/config"
	"github.com/image-orchestrator/internal/domain"
	"github.com/image-orchestrator/internal/repo"
	"github.com/image-orchestrator/internal/transport"
)

type delayedUnit struct {
	unit  domain.WorkUnit
	delay time.Duration
}

// fakeQueue records delayed enqueues; the correlator never uses immediate
// enqueue.
type fakeQueue struct {
	mu      sync.Mutex
	delayed []delayedUnit
}

func (f *fakeQueue) Enqueue(_ context.Context, unit domain.WorkUnit) error {
	return f.EnqueueDelayed(context.Background(), unit, 0)
}

func (f *fakeQueue) EnqueueDelayed(_ context.Context, unit domain.WorkUnit, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delayed = append(f.delayed, delayedUnit{unit: unit, delay: delay})
	return nil
}

func (f *fakeQueue) Close() error { return nil }

type fakeNotifier struct {
	mu      sync.Mutex
	results []transport.ResultOutcome
}

func (f *fakeNotifier) DeliverResult(_ context.Context, _ string, o transport.ResultOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, o)
	return nil
}

func (f *fakeNotifier) DeliverQuotaRejection(context.Context, string, string) error { return nil }

type fakeResolver struct{}

func (fakeResolver) PresignGet(_ context.Context, ref string) (string, error) {
	return "https://cdn.example/" + ref, nil
}

func retryCfg() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		BackoffMax:  60 * time.Second,
		Multiplier:  2,
	}
}

func newCorrelatorDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("correlate_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&domain.Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestCorrelator(t *testing.T) (*Correlator, *fakeQueue, *fakeNotifier, *gorm.DB) {
	t.Helper()
	db := newCorrelatorDB(t)
	q := &fakeQueue{}
	n := &fakeNotifier{}
	return New(db, q, n, fakeResolver{}, retryCfg()), q, n, db
}

func seedJob(t *testing.T, db *gorm.DB, status domain.JobStatus, attempts int) *domain.Job {
	t.Helper()
	j := &domain.Job{
		ID:         uuid.NewString(),
		UserID:     "u1",
		ItemID:     uuid.NewString(),
		Operation:  domain.OpBackgroundRemoval,
		Status:     status,
		PayloadRef: "in/p.jpg",
		Attempts:   attempts,
	}
	if err := repo.CreateJob(context.Background(), db, j); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return j
}

func TestOnWorkerStart(t *testing.T) {
	c, _, _, db := newTestCorrelator(t)
	ctx := context.Background()
	j := seedJob(t, db, domain.StatusPending, 1)

	if err := c.OnWorkerStart(ctx, j.ID); err != nil {
		t.Fatalf("OnWorkerStart: %v", err)
	}
	got, _ := repo.GetJob(ctx, db, j.ID)
	if got.Status != domain.StatusRunning {
		t.Fatalf("status = %s", got.Status)
	}

	// Redelivered start reports are harmless.
	if err := c.OnWorkerStart(ctx, j.ID); err != nil {
		t.Fatalf("duplicate start: %v", err)
	}
	if err := c.OnWorkerStart(ctx, "no-such-job"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestOnWorkerResult_Success(t *testing.T) {
	c, q, n, db := newTestCorrelator(t)
	ctx := context.Background()
	j := seedJob(t, db, domain.StatusPending, 1)
	_ = c.OnWorkerStart(ctx, j.ID)

	err := c.OnWorkerResult(ctx, WorkerResult{JobID: j.ID, Succeeded: true, OutputRef: "out/x.png"})
	if err != nil {
		t.Fatalf("OnWorkerResult: %v", err)
	}

	got, _ := repo.GetJob(ctx, db, j.ID)
	if got.Status != domain.StatusSucceeded || got.OutputRef == nil || *got.OutputRef != "out/x.png" {
		t.Fatalf("job = %+v", got)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.results) != 1 {
		t.Fatalf("notifications = %d, want 1", len(n.results))
	}
	r := n.results[0]
	if !r.Succeeded || r.OutputRef != "out/x.png" || r.OutputURL != "https://cdn.example/out/x.png" {
		t.Fatalf("notification = %+v", r)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.delayed) != 0 {
		t.Fatal("success scheduled a retry")
	}
}

func TestOnWorkerResult_PromotesLostStart(t *testing.T) {
	c, _, _, db := newTestCorrelator(t)
	ctx := context.Background()
	j := seedJob(t, db, domain.StatusPending, 1)

	// Result with no prior start report still settles the job.
	err := c.OnWorkerResult(ctx, WorkerResult{JobID: j.ID, Succeeded: true, OutputRef: "out/x.png"})
	if err != nil {
		t.Fatalf("OnWorkerResult: %v", err)
	}
	got, _ := repo.GetJob(ctx, db, j.ID)
	if got.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestOnWorkerResult_DuplicateIsNoOp(t *testing.T) {
	c, _, n, db := newTestCorrelator(t)
	ctx := context.Background()
	j := seedJob(t, db, domain.StatusPending, 1)
	_ = c.OnWorkerStart(ctx, j.ID)

	res := WorkerResult{JobID: j.ID, Succeeded: true, OutputRef: "out/x.png"}
	if err := c.OnWorkerResult(ctx, res); err != nil {
		t.Fatalf("first result: %v", err)
	}
	// Redelivery, and even a contradictory late failure, change nothing.
	if err := c.OnWorkerResult(ctx, res); err != nil {
		t.Fatalf("duplicate result: %v", err)
	}
	late := WorkerResult{JobID: j.ID, Succeeded: false, ErrorKind: domain.ErrKindPermanent}
	if err := c.OnWorkerResult(ctx, late); err != nil {
		t.Fatalf("late failure: %v", err)
	}

	got, _ := repo.GetJob(ctx, db, j.ID)
	if got.Status != domain.StatusSucceeded {
		t.Fatalf("terminal state overwritten: %s", got.Status)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.results) != 1 {
		t.Fatalf("user notified %d times, want once", len(n.results))
	}
}

func TestOnWorkerResult_TransientSchedulesRetry(t *testing.T) {
	c, q, n, db := newTestCorrelator(t)
	ctx := context.Background()
	j := seedJob(t, db, domain.StatusPending, 1)
	_ = c.OnWorkerStart(ctx, j.ID)

	err := c.OnWorkerResult(ctx, WorkerResult{
		JobID: j.ID, Succeeded: false,
		ErrorKind: domain.ErrKindTransient, Detail: "upstream timeout",
	})
	if err != nil {
		t.Fatalf("OnWorkerResult: %v", err)
	}

	got, _ := repo.GetJob(ctx, db, j.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", got.Attempts)
	}

	q.mu.Lock()
	if len(q.delayed) != 1 {
		t.Fatalf("delayed enqueues = %d, want 1", len(q.delayed))
	}
	d := q.delayed[0]
	q.mu.Unlock()
	if d.unit.JobID != j.ID || d.unit.Attempt != 2 {
		t.Fatalf("retry unit = %+v", d.unit)
	}
	if d.delay != 2*time.Second {
		t.Fatalf("first retry delay = %v, want 2s", d.delay)
	}

	// No user-facing notification while retries remain.
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.results) != 0 {
		t.Fatalf("retry notified the user: %+v", n.results)
	}
}

func TestOnWorkerResult_BackoffGrows(t *testing.T) {
	c, q, _, db := newTestCorrelator(t)
	ctx := context.Background()
	j := seedJob(t, db, domain.StatusPending, 2) // one retry already behind it
	_ = c.OnWorkerStart(ctx, j.ID)

	err := c.OnWorkerResult(ctx, WorkerResult{JobID: j.ID, Succeeded: false, ErrorKind: domain.ErrKindTransient})
	if err != nil {
		t.Fatalf("OnWorkerResult: %v", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.delayed) != 1 || q.delayed[0].delay != 4*time.Second {
		t.Fatalf("second retry delay = %+v, want 4s", q.delayed)
	}
}

func TestOnWorkerResult_TransientExhaustedFails(t *testing.T) {
	c, q, n, db := newTestCorrelator(t)
	ctx := context.Background()
	j := seedJob(t, db, domain.StatusPending, 3) // at the attempt ceiling
	_ = c.OnWorkerStart(ctx, j.ID)

	err := c.OnWorkerResult(ctx, WorkerResult{
		JobID: j.ID, Succeeded: false,
		ErrorKind: domain.ErrKindTransient, Detail: "still flaky",
	})
	if err != nil {
		t.Fatalf("OnWorkerResult: %v", err)
	}

	got, _ := repo.GetJob(ctx, db, j.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorKind == nil || *got.ErrorKind != domain.ErrKindTransient {
		t.Fatalf("error kind = %+v", got.ErrorKind)
	}
	q.mu.Lock()
	if len(q.delayed) != 0 {
		t.Fatal("exhausted job still re-enqueued")
	}
	q.mu.Unlock()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.results) != 1 || n.results[0].Succeeded {
		t.Fatalf("failure notification = %+v", n.results)
	}
}

func TestOnWorkerResult_PermanentFailsImmediately(t *testing.T) {
	c, q, n, db := newTestCorrelator(t)
	ctx := context.Background()
	j := seedJob(t, db, domain.StatusPending, 1)
	_ = c.OnWorkerStart(ctx, j.ID)

	err := c.OnWorkerResult(ctx, WorkerResult{
		JobID: j.ID, Succeeded: false,
		ErrorKind: domain.ErrKindPermanent, Detail: "not an image",
	})
	if err != nil {
		t.Fatalf("OnWorkerResult: %v", err)
	}

	got, _ := repo.GetJob(ctx, db, j.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	q.mu.Lock()
	if len(q.delayed) != 0 {
		t.Fatal("permanent failure scheduled a retry")
	}
	q.mu.Unlock()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.results) != 1 || n.results[0].ErrorKind != domain.ErrKindPermanent {
		t.Fatalf("notification = %+v", n.results)
	}
}

func TestOnWorkerResult_UnclassifiedErrorIsPermanent(t *testing.T) {
	c, q, _, db := newTestCorrelator(t)
	ctx := context.Background()
	j := seedJob(t, db, domain.StatusPending, 1)
	_ = c.OnWorkerStart(ctx, j.ID)

	err := c.OnWorkerResult(ctx, WorkerResult{JobID: j.ID, Succeeded: false, ErrorKind: "weird"})
	if err != nil {
		t.Fatalf("OnWorkerResult: %v", err)
	}
	got, _ := repo.GetJob(ctx, db, j.ID)
	if got.Status != domain.StatusFailed || *got.ErrorKind != domain.ErrKindPermanent {
		t.Fatalf("job = %+v", got)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.delayed) != 0 {
		t.Fatal("unclassified failure retried")
	}
}

func TestOnWorkerResult_UnknownJob(t *testing.T) {
	c, _, _, _ := newTestCorrelator(t)
	err := c.OnWorkerResult(context.Background(), WorkerResult{JobID: "nope", Succeeded: true})
	if !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestBackoff_Caps(t *testing.T) {
	c := &Correlator{Retry: retryCfg()}
	cases := []struct {
		completed int
		want      time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second},
		{50, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := c.backoff(tc.completed); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.completed, got, tc.want)
		}
	}
}
