package quota

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/image-orchestrator/internal/domain"
	"github.com/image-orchestrator/internal/repo"
)

func newLedgerDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("ledger_test_%d.db", time.Now().UnixNano()))
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
	if err := db.AutoMigrate(&domain.User{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newUser(t *testing.T, db *gorm.DB, id string, tier domain.Tier, status domain.UserStatus, limit int) {
	t.Helper()
	u := &domain.User{
		ID:          id,
		Tier:        tier,
		Status:      status,
		QuotaLimit:  limit,
		WindowStart: time.Now().UTC(),
	}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
}

func TestTryAdmit_ConsumesExactlyLimit(t *testing.T) {
	db := newLedgerDB(t)
	l := NewLedger(db)
	ctx := context.Background()
	newUser(t, db, "u1", domain.TierFree, domain.UserActive, 10)

	for i := 0; i < 10; i++ {
		if err := l.TryAdmit(ctx, "u1"); err != nil {
			t.Fatalf("admit %d: %v", i+1, err)
		}
	}
	if err := l.TryAdmit(ctx, "u1"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestTryAdmit_Blocked(t *testing.T) {
	db := newLedgerDB(t)
	l := NewLedger(db)
	newUser(t, db, "u1", domain.TierFree, domain.UserBlocked, 10)

	if err := l.TryAdmit(context.Background(), "u1"); !errors.Is(err, ErrUserBlocked) {
		t.Fatalf("expected ErrUserBlocked, got %v", err)
	}
	u, _ := repo.GetUser(context.Background(), db, "u1")
	if u.QuotaUsed != 0 {
		t.Fatalf("blocked admission consumed quota: used=%d", u.QuotaUsed)
	}
}

func TestTryAdmit_UnknownUserFailsClosed(t *testing.T) {
	db := newLedgerDB(t)
	l := NewLedger(db)

	err := l.TryAdmit(context.Background(), "ghost")
	if err == nil {
		t.Fatal("unknown user admitted")
	}
	if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrUserBlocked) {
		t.Fatalf("unknown user mapped to user-facing rejection: %v", err)
	}
}

func TestTryAdmit_AdminUnlimited(t *testing.T) {
	db := newLedgerDB(t)
	l := NewLedger(db)
	ctx := context.Background()
	newUser(t, db, "admin", domain.TierAdmin, domain.UserActive, domain.QuotaUnlimited)

	for i := 0; i < 100; i++ {
		if err := l.TryAdmit(ctx, "admin"); err != nil {
			t.Fatalf("admin admit %d: %v", i+1, err)
		}
	}
}

// Concurrent admissions for one user must never overshoot the limit.
func TestTryAdmit_ConcurrentNeverOvershoots(t *testing.T) {
	db := newLedgerDB(t)
	l := NewLedger(db)
	ctx := context.Background()
	const limit = 20
	newUser(t, db, "u1", domain.TierFree, domain.UserActive, limit)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.TryAdmit(ctx, "u1"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Fatalf("admitted = %d, want exactly %d", admitted, limit)
	}
	u, _ := repo.GetUser(ctx, db, "u1")
	if u.QuotaUsed != limit {
		t.Fatalf("stored usage = %d, want %d", u.QuotaUsed, limit)
	}
}

func TestTryAdmit_NextDayRollsOver(t *testing.T) {
	db := newLedgerDB(t)
	l := NewLedger(db)
	ctx := context.Background()
	newUser(t, db, "u1", domain.TierFree, domain.UserActive, 2)

	day1 := time.Date(2026, 8, 29, 15, 0, 0, 0, time.UTC)
	if err := db.Model(&domain.User{}).Where("id = ?", "u1").
		Update("window_start", day1).Error; err != nil {
		t.Fatalf("set window: %v", err)
	}
	l.Now = func() time.Time { return day1 }
	_ = l.TryAdmit(ctx, "u1")
	_ = l.TryAdmit(ctx, "u1")
	if err := l.TryAdmit(ctx, "u1"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected exhaustion on day 1, got %v", err)
	}

	l.Now = func() time.Time { return day1.Add(24 * time.Hour) }
	if err := l.TryAdmit(ctx, "u1"); err != nil {
		t.Fatalf("admit after rollover: %v", err)
	}
}

func TestUsage_AppliesRolloverForDisplay(t *testing.T) {
	db := newLedgerDB(t)
	l := NewLedger(db)
	ctx := context.Background()
	newUser(t, db, "u1", domain.TierFree, domain.UserActive, 5)

	day1 := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	if err := db.Model(&domain.User{}).Where("id = ?", "u1").
		Update("window_start", day1).Error; err != nil {
		t.Fatalf("set window: %v", err)
	}
	l.Now = func() time.Time { return day1 }
	_ = l.TryAdmit(ctx, "u1")
	_ = l.TryAdmit(ctx, "u1")

	u, err := l.Usage(ctx, "u1")
	if err != nil || u.QuotaUsed != 2 {
		t.Fatalf("same-day usage = %+v, %v", u, err)
	}

	// The next day the snapshot shows a clean window even though nothing
	// has been stored yet.
	l.Now = func() time.Time { return day1.Add(24 * time.Hour) }
	u, err = l.Usage(ctx, "u1")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.QuotaUsed != 0 {
		t.Fatalf("rollover not applied to snapshot: used=%d", u.QuotaUsed)
	}
}

func TestLimitForTier(t *testing.T) {
	if got := LimitForTier(domain.TierFree, 10, 1000); got != 10 {
		t.Fatalf("free = %d", got)
	}
	if got := LimitForTier(domain.TierPremium, 10, 1000); got != 1000 {
		t.Fatalf("premium = %d", got)
	}
	if got := LimitForTier(domain.TierAdmin, 10, 1000); got != domain.QuotaUnlimited {
		t.Fatalf("admin = %d", got)
	}
}
