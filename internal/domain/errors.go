package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.
// The API layer maps each of them to an HTTP status.

var (
	// Session errors
	ErrFeatureDisabled  = errors.New("afk earning is disabled")
	ErrAlreadyActive    = errors.New("an afk session is already active")
	ErrNoActiveSession  = errors.New("no active afk session")
	ErrHeartbeatTooSoon = errors.New("heartbeat arrived too soon after the previous one")

	// Ledger errors
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLedgerMismatch      = errors.New("ledger does not match stored balance")

	// Settings errors
	ErrInvalidSettings = errors.New("afk settings must not be negative")

	// Access errors
	ErrUnauthorized = errors.New("authentication required")
	ErrForbidden    = errors.New("insufficient permissions")

	// Lock errors
	ErrLockTimeout = errors.New("timed out waiting for user lock")
)
