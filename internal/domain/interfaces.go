package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Store is the persistent home of sessions, balances, the ledger and settings.
type Store interface {
	// WithinTx runs fn as one atomic write unit. A non-nil error from fn
	// rolls everything back.
	WithinTx(ctx context.Context, fn func(tx StoreTx) error) error

	// Read-only projections, outside any unit of work.
	ActiveSession(ctx context.Context, userID string) (*AfkSession, error)
	LatestSession(ctx context.Context, userID string) (*AfkSession, error) // most recently started, active or not
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, error)
	AllTransactions(ctx context.Context, userID string) ([]Transaction, error) // oldest first
	StaleSessions(ctx context.Context, heartbeatBefore time.Time) ([]AfkSession, error)
	CountActiveSessions(ctx context.Context) (int, error)

	// Settings (nil, nil when never saved).
	AfkSettings(ctx context.Context) (*AfkSettings, error)
	SaveAfkSettings(ctx context.Context, s AfkSettings) error

	Close() error
}

// StoreTx is the write surface available inside a unit of work.
// Reads through a StoreTx lock the rows they return until commit.
type StoreTx interface {
	ActiveSession(ctx context.Context, userID string) (*AfkSession, error)
	LatestSession(ctx context.Context, userID string) (*AfkSession, error)
	InsertSession(ctx context.Context, s *AfkSession) error // ErrAlreadyActive on duplicate active row
	UpdateSession(ctx context.Context, s *AfkSession) error

	// LockBalance returns the user's balance, creating a zero account if needed.
	LockBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error
	AppendTransaction(ctx context.Context, t *Transaction) error
}

// Locker serializes work per key (a user ID).
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Clock is the single source of "now".
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
