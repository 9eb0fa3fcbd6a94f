// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture; it depends on nothing
// but the decimal type used for coin amounts.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CoinPlaces is the number of decimal places of the smallest billable unit.
const CoinPlaces = 2

// ─── AFK Session ────────────────────────────────────────────────────────────

// EndReason records why a session was closed.
type EndReason string

const (
	EndStopped    EndReason = "stopped"
	EndTerminated EndReason = "terminated"
)

// AfkSession is one user's AFK earning period.
// At most one session per user has IsActive set.
type AfkSession struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	StartedAt          time.Time       `json:"started_at"`
	LastHeartbeatAt    time.Time       `json:"last_heartbeat_at"`
	IsActive           bool            `json:"is_active"`
	SessionCoinsEarned decimal.Decimal `json:"session_coins_earned"`
	DailyCoinsEarned   decimal.Decimal `json:"daily_coins_earned"`
	LastResetDate      string          `json:"last_reset_date"` // YYYY-MM-DD in the reset zone
	EndedAt            *time.Time      `json:"ended_at,omitempty"`
	EndReason          EndReason       `json:"end_reason,omitempty"`
}

// HeartbeatResult is what a single accrual step reports back to the caller.
type HeartbeatResult struct {
	CoinsEarned      decimal.Decimal `json:"coins_earned"`
	DailyCoinsEarned decimal.Decimal `json:"daily_coins_earned"`
	LimitReached     bool            `json:"limit_reached"`
}

// ─── Settings ───────────────────────────────────────────────────────────────

// AfkSettings is the admin-owned configuration consumed by accrual.
type AfkSettings struct {
	Enabled        bool            `json:"enabled"`
	CoinsPerMinute decimal.Decimal `json:"coins_per_minute"`
	MaxCoinsPerDay decimal.Decimal `json:"max_coins_per_day"`
}

// Validate rejects negative rates and caps, and caps finer than the
// billable unit (credits only move in whole units, so such a cap is unreachable).
func (s AfkSettings) Validate() error {
	if s.CoinsPerMinute.IsNegative() {
		return ErrInvalidSettings
	}
	if s.MaxCoinsPerDay.IsNegative() || !s.MaxCoinsPerDay.Equal(s.MaxCoinsPerDay.Truncate(CoinPlaces)) {
		return ErrInvalidSettings
	}
	return nil
}

// ─── Utilities ──────────────────────────────────────────────────────────────

// DayKey returns the calendar day of t in loc as YYYY-MM-DD.
// A nil loc means UTC.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}

// Coins parses a coin amount exactly as written. Range and precision are
// checked by the consumer (CheckAmount, AfkSettings.Validate).
func Coins(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}
