// Package domain defines the persistence models for users and processing
// jobs. These types are mapped with GORM and form the core data layer of
// the image orchestration service.
package domain

import (
	"time"

	"golang.org/x/text/language"
)

// Tier classifies a user account for quota purposes.
type Tier string

const (
	// TierFree is the default tier with a small daily quota.
	TierFree Tier = "free"
	// TierPremium is the paid tier with a large daily quota.
	TierPremium Tier = "premium"
	// TierAdmin is the operator tier; admission is never limited.
	TierAdmin Tier = "admin"
)

// UserStatus describes whether a user may submit work at all.
type UserStatus string

const (
	UserActive  UserStatus = "active"
	UserBlocked UserStatus = "blocked"
)

// QuotaUnlimited is the QuotaLimit sentinel for tiers that are never
// rate-limited (admin). Any negative limit means "no limit".
const QuotaUnlimited = -1

// User represents a chat user known to the orchestrator. The primary key is
// the stable external chat-user id supplied by the transport layer; the
// orchestrator never mints its own user identities.
//
// Quota fields form the ledger: QuotaUsed counts admissions inside the
// window that started at WindowStart (daily granularity, UTC). The counter
// is only mutated through repo.AdmitUnit / repo.RefundUnit so the
// check-and-increment stays atomic under concurrent submissions.
type User struct {
	ID          string     `json:"id"           gorm:"type:varchar(64);primaryKey"`
	Username    string     `json:"username"     gorm:"type:varchar(255);index"`
	FirstName   string     `json:"first_name"   gorm:"type:varchar(255)"`
	LastName    string     `json:"last_name"    gorm:"type:varchar(255)"`
	Language    string     `json:"language"     gorm:"type:varchar(16);not null;default:'en'"`
	Tier        Tier       `json:"tier"         gorm:"type:varchar(16);not null;default:'free';index"`
	Status      UserStatus `json:"status"       gorm:"type:varchar(16);not null;default:'active'"`
	QuotaLimit  int        `json:"quota_limit"  gorm:"not null;default:10"`
	QuotaUsed   int        `json:"quota_used"   gorm:"not null;default:0"`
	WindowStart time.Time  `json:"window_start" gorm:"not null"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Unlimited reports whether the user's quota limit is the unlimited sentinel.
func (u *User) Unlimited() bool { return u.QuotaLimit < 0 }

// Remaining returns the quota units left in the current window, or
// QuotaUnlimited for unbounded users.
func (u *User) Remaining() int {
	if u.Unlimited() {
		return QuotaUnlimited
	}
	if r := u.QuotaLimit - u.QuotaUsed; r > 0 {
		return r
	}
	return 0
}

// NormalizeLanguage parses a raw language code (as delivered by the chat
// transport) into a canonical BCP-47 tag string, falling back to "en" when
// the code cannot be parsed. The transport layer owns translation; the
// orchestrator only carries the normalized tag along with notifications.
func NormalizeLanguage(code string) string {
	tag, err := language.Parse(code)
	if err != nil || tag == language.Und {
		return "en"
	}
	return tag.String()
}
