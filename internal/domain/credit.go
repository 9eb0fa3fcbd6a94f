package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ─── Ledger Types ───────────────────────────────────────────────────────────
// These live in domain because they represent core business rules.
// The balance and its transaction log are only ever written together.

// EntryType represents the accounting side of a ledger entry.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Well-known ledger descriptions.
const (
	DescAfkSession = "afk_session"
	DescAdjustment = "admin_adjustment"
)

// Transaction is a single immutable row in the coin ledger.
type Transaction struct {
	ID           int64             `json:"id"`
	UserID       string            `json:"user_id"`
	Type         EntryType         `json:"type"`
	Amount       decimal.Decimal   `json:"amount"`
	Description  string            `json:"description"`
	BalanceAfter decimal.Decimal   `json:"balance_after"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// CheckAmount accepts positive amounts expressed in whole billable units.
// Finer amounts are rejected, never rounded.
func CheckAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(CoinPlaces)) {
		return ErrInvalidAmount
	}
	return nil
}

// Signed returns the amount with the sign of its effect on the balance.
func (t Transaction) Signed() decimal.Decimal {
	if t.Type == EntryDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}
