// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model
// and the quota ledger operations on it.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and the atomic counter operations the quota ledger builds on.
//
// Error semantics:
//   - When a user is not found, functions return ErrNotFound
//     (alias of gorm.ErrRecordNotFound).
//   - AdmitUnit returns ErrQuotaExhausted when the conditional increment
//     matches no row because the limit is already consumed.
//   - On DB errors (connectivity, constraint violations), the raw gorm error
//     is propagated so callers can distinguish "try later" from "quota gone".
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/image-orchestrator/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrQuotaExhausted is returned by AdmitUnit when the user's usage counter
// already equals the limit for the current window. It is deliberately
// distinct from storage errors: callers must fail closed on the latter.
var ErrQuotaExhausted = errors.New("quota exhausted")

// GetUser fetches a user by its external chat id, or ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// EnsureUser inserts the user row if it does not exist yet and returns the
// stored record. Profile fields on an existing row are left untouched here
// (the transport owns profile freshness); only unseen users are created.
func EnsureUser(ctx context.Context, db *gorm.DB, u *domain.User) (*domain.User, error) {
	if u.WindowStart.IsZero() {
		u.WindowStart = dayStart(time.Now().UTC())
	}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(u).Error
	if err != nil {
		return nil, err
	}
	return GetUser(ctx, db, u.ID)
}

// AdmitUnit performs one quota admission for userID at time now, atomically.
//
// Steps, inside a single transaction:
//  1. Load the user (ErrNotFound when missing).
//  2. Lazy window rollover: when now falls on a later UTC day than the
//     stored window start, reset the counter before checking.
//  3. Conditional increment: UPDATE ... SET quota_used = quota_used + 1
//     WHERE quota remains. A zero-row update means the limit is consumed
//     and ErrQuotaExhausted is returned; nothing is mutated in that case.
//
// Unlimited users (negative limit) always pass the conditional increment.
// The transaction plus the guarded UPDATE make concurrent admissions for
// the same user linearizable: two racing calls cannot both win the last
// remaining unit.
func AdmitUnit(ctx context.Context, db *gorm.DB, userID string, now time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u domain.User
		if err := tx.First(&u, "id = ?", userID).Error; err != nil {
			return err
		}

		if ws := dayStart(now.UTC()); ws.After(dayStart(u.WindowStart)) {
			res := tx.Model(&domain.User{}).
				Where("id = ?", userID).
				Updates(map[string]any{"quota_used": 0, "window_start": ws})
			if res.Error != nil {
				return res.Error
			}
		}

		res := tx.Model(&domain.User{}).
			Where("id = ? AND (quota_limit < 0 OR quota_used < quota_limit)", userID).
			Update("quota_used", gorm.Expr("quota_used + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrQuotaExhausted
		}
		return nil
	})
}

// RefundUnit returns one previously admitted unit, flooring at zero. Used
// when a racing duplicate-item insert loses after its quota was consumed.
func RefundUnit(ctx context.Context, db *gorm.DB, userID string) error {
	return db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ? AND quota_used > 0", userID).
		Update("quota_used", gorm.Expr("quota_used - 1")).Error
}

// dayStart truncates t to the start of its UTC day, the quota window
// boundary.
func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
