// Package quota implements the admission ledger: every item a user submits
// must reserve one unit of the user's daily quota before any work happens.
//
// The ledger is deliberately fail-closed. Storage trouble on the admission
// path surfaces as a transient error that is distinct from ErrQuotaExceeded,
// so callers can tell "try again later" apart from "limit reached" and never
// admit optimistically.
package quota

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/image-orchestrator/internal/domain"
	"github.com/image-orchestrator/internal/repo"
)

// ErrQuotaExceeded is returned when the user's daily limit is already
// consumed. User-facing, never retried.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrUserBlocked is returned when the owning account is blocked; blocked
// users are rejected before any quota accounting happens.
var ErrUserBlocked = errors.New("user is blocked")

// ledgerStripes bounds the lock table. Striping trades a little false
// sharing for a fixed memory footprint; all admissions for one user always
// land on the same stripe, which is what the linearization argument needs.
const ledgerStripes = 64

// Ledger tracks per-user daily consumption against tier-based limits.
//
// The database UPDATE in repo.AdmitUnit is already conditional, but the
// lazy window rollover is a read-modify-write; the per-user stripe locks
// serialize the whole admit sequence for a given user so rollover and
// increment cannot interleave between two requests from the same user.
// Different users contend only on hash collisions, never on a global lock.
type Ledger struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	// Now returns the current wall-clock time; overridable in tests.
	Now func() time.Time

	stripes [ledgerStripes]sync.Mutex
}

// NewLedger constructs a Ledger over db.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{DB: db, Now: time.Now}
}

// TryAdmit checks and reserves one unit of userID's quota.
//
// Outcomes:
//   - nil: admitted; the usage counter was durably incremented.
//   - ErrQuotaExceeded: the window's limit is consumed; nothing changed.
//   - ErrUserBlocked: the account may not submit work; nothing changed.
//   - anything else: storage-layer failure; the admission must be treated
//     as "not admitted, retry later" (fail-closed).
//
// ADMIN-tier users carry the unlimited sentinel limit and always pass.
func (l *Ledger) TryAdmit(ctx context.Context, userID string) error {
	mu := &l.stripes[stripeFor(userID)]
	mu.Lock()
	defer mu.Unlock()

	u, err := repo.GetUser(ctx, l.DB, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("unknown user %q: %w", userID, err)
		}
		return err
	}
	if u.Status == domain.UserBlocked {
		return ErrUserBlocked
	}

	if err := repo.AdmitUnit(ctx, l.DB, userID, l.Now().UTC()); err != nil {
		if errors.Is(err, repo.ErrQuotaExhausted) {
			return ErrQuotaExceeded
		}
		return err
	}
	return nil
}

// Refund returns one admitted unit for userID. Only the dispatcher calls
// this, when a concurrent duplicate-item insert loses the race after its
// admission already went through.
func (l *Ledger) Refund(ctx context.Context, userID string) error {
	mu := &l.stripes[stripeFor(userID)]
	mu.Lock()
	defer mu.Unlock()
	return repo.RefundUnit(ctx, l.DB, userID)
}

// Usage returns the user's current quota snapshot, applying the lazy window
// rollover in-memory for display (the stored counter resets on the next
// admission).
func (l *Ledger) Usage(ctx context.Context, userID string) (*domain.User, error) {
	u, err := repo.GetUser(ctx, l.DB, userID)
	if err != nil {
		return nil, err
	}
	now := l.Now().UTC()
	if startOfDay(now).After(startOfDay(u.WindowStart)) {
		u.QuotaUsed = 0
		u.WindowStart = startOfDay(now)
	}
	return u, nil
}

// LimitForTier maps a tier to its configured daily limit.
func LimitForTier(tier domain.Tier, freeDaily, premiumDaily int) int {
	switch tier {
	case domain.TierAdmin:
		return domain.QuotaUnlimited
	case domain.TierPremium:
		return premiumDaily
	default:
		return freeDaily
	}
}

func stripeFor(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % ledgerStripes)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
