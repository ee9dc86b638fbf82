package recovery

import (
	"context"
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

type fakeQueue struct {
	mu    sync.Mutex
	units []domain.WorkUnit
}

func (f *fakeQueue) Enqueue(_ context.Context, unit domain.WorkUnit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units = append(f.units, unit)
	return nil
}

func (f *fakeQueue) EnqueueDelayed(ctx context.Context, unit domain.WorkUnit, _ time.Duration) error {
	return f.Enqueue(ctx, unit)
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

func newSweeperDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("recovery_test_%d.db", time.Now().UnixNano()))
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

func newTestSweeper(t *testing.T) (*Sweeper, *fakeQueue, *fakeNotifier, *gorm.DB) {
	t.Helper()
	db := newSweeperDB(t)
	q := &fakeQueue{}
	n := &fakeNotifier{}
	s := New(db, q, n, config.RecoveryConfig{Staleness: 10 * time.Minute, Interval: time.Minute})
	return s, q, n, db
}

func seedJobAt(t *testing.T, db *gorm.DB, status domain.JobStatus, updatedAt time.Time) *domain.Job {
	t.Helper()
	j := &domain.Job{
		ID:         uuid.NewString(),
		UserID:     "u1",
		ItemID:     uuid.NewString(),
		Operation:  domain.OpSticker,
		Status:     domain.StatusPending,
		PayloadRef: "in/p.jpg",
		Attempts:   1,
	}
	if err := repo.CreateJob(context.Background(), db, j); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if err := db.Model(&domain.Job{}).Where("id = ?", j.ID).
		Updates(map[string]any{"status": status, "updated_at": updatedAt}).Error; err != nil {
		t.Fatalf("age job: %v", err)
	}
	j.Status = status
	return j
}

func TestSweep_RequeuesStalePending(t *testing.T) {
	s, q, n, db := newTestSweeper(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	j := seedJobAt(t, db, domain.StatusPending, old)

	if acted := s.Sweep(ctx); acted != 1 {
		t.Fatalf("acted = %d, want 1", acted)
	}

	q.mu.Lock()
	if len(q.units) != 1 || q.units[0].JobID != j.ID {
		t.Fatalf("requeued units = %+v", q.units)
	}
	q.mu.Unlock()

	// Still PENDING, identity preserved, and no user notification.
	got, _ := repo.GetJob(ctx, db, j.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("status = %s", got.Status)
	}
	n.mu.Lock()
	if len(n.results) != 0 {
		t.Fatalf("requeue notified the user: %+v", n.results)
	}
	n.mu.Unlock()

	// The touch keeps the next sweep from double-requeueing.
	if acted := s.Sweep(ctx); acted != 0 {
		t.Fatalf("second sweep acted = %d, want 0", acted)
	}
}

func TestSweep_ExpiresStaleRunning(t *testing.T) {
	s, q, n, db := newTestSweeper(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	j := seedJobAt(t, db, domain.StatusRunning, old)

	if acted := s.Sweep(ctx); acted != 1 {
		t.Fatalf("acted = %d, want 1", acted)
	}

	got, _ := repo.GetJob(ctx, db, j.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorKind == nil || *got.ErrorKind != domain.ErrKindRecoveryTimeout {
		t.Fatalf("error kind = %+v", got.ErrorKind)
	}
	q.mu.Lock()
	if len(q.units) != 0 {
		t.Fatal("expired running job was requeued")
	}
	q.mu.Unlock()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.results) != 1 || n.results[0].ErrorKind != domain.ErrKindRecoveryTimeout {
		t.Fatalf("notifications = %+v", n.results)
	}
}

func TestSweep_LeavesFreshAndTerminalAlone(t *testing.T) {
	s, q, n, db := newTestSweeper(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-time.Hour)

	fresh := seedJobAt(t, db, domain.StatusPending, now)
	freshRunning := seedJobAt(t, db, domain.StatusRunning, now)
	done := seedJobAt(t, db, domain.StatusSucceeded, old)
	failed := seedJobAt(t, db, domain.StatusFailed, old)

	if acted := s.Sweep(ctx); acted != 0 {
		t.Fatalf("acted = %d, want 0", acted)
	}
	q.mu.Lock()
	if len(q.units) != 0 {
		t.Fatalf("units = %+v", q.units)
	}
	q.mu.Unlock()
	n.mu.Lock()
	if len(n.results) != 0 {
		t.Fatalf("notifications = %+v", n.results)
	}
	n.mu.Unlock()

	for _, j := range []*domain.Job{fresh, freshRunning, done, failed} {
		got, _ := repo.GetJob(ctx, db, j.ID)
		if got.Status != j.Status {
			t.Fatalf("job %s mutated: %s -> %s", j.ID, j.Status, got.Status)
		}
	}
}

func TestSweep_StaleClockInjection(t *testing.T) {
	s, q, _, db := newTestSweeper(t)
	ctx := context.Background()

	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	seedJobAt(t, db, domain.StatusPending, at.Add(-11*time.Minute))
	seedJobAt(t, db, domain.StatusPending, at.Add(-9*time.Minute))

	s.Now = func() time.Time { return at }
	if acted := s.Sweep(ctx); acted != 1 {
		t.Fatalf("acted = %d, want exactly the 11-minute-old job", acted)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.units) != 1 {
		t.Fatalf("units = %d", len(q.units))
	}
}
