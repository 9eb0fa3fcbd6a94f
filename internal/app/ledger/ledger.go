// Package ledger is the single choke point for coin balance changes.
//
// Every posting runs as one unit of work: lock the account row, read the
// balance, compute the new one, persist it and append a transaction whose
// BalanceAfter is exactly the persisted value. Nothing else in afkd writes
// balances or ledger rows.
package ledger

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/shopspring/decimal"

	"github.com/coinhost/afkd/internal/domain"
	"github.com/coinhost/afkd/internal/infra/observability"
)

// Page size bounds for History.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Service posts credits and debits and serves the ledger history.
type Service struct {
	store domain.Store
	clock domain.Clock
}

// New creates a ledger service. A nil clock means the system clock.
func New(store domain.Store, clock domain.Clock) *Service {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Service{store: store, clock: clock}
}

// Credit adds amount to the user's balance in its own unit of work.
func (s *Service) Credit(ctx context.Context, userID string, amount decimal.Decimal, description string, metadata map[string]string) (*domain.Transaction, error) {
	var entry *domain.Transaction
	err := s.store.WithinTx(ctx, func(tx domain.StoreTx) error {
		var err error
		entry, err = s.CreditTx(ctx, tx, userID, amount, description, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Debit removes amount from the user's balance in its own unit of work.
func (s *Service) Debit(ctx context.Context, userID string, amount decimal.Decimal, description string, metadata map[string]string) (*domain.Transaction, error) {
	var entry *domain.Transaction
	err := s.store.WithinTx(ctx, func(tx domain.StoreTx) error {
		var err error
		entry, err = s.DebitTx(ctx, tx, userID, amount, description, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// CreditTx posts a credit inside the caller's unit of work.
func (s *Service) CreditTx(ctx context.Context, tx domain.StoreTx, userID string, amount decimal.Decimal, description string, metadata map[string]string) (*domain.Transaction, error) {
	return s.post(ctx, tx, domain.EntryCredit, userID, amount, description, metadata)
}

// DebitTx posts a debit inside the caller's unit of work.
func (s *Service) DebitTx(ctx context.Context, tx domain.StoreTx, userID string, amount decimal.Decimal, description string, metadata map[string]string) (*domain.Transaction, error) {
	return s.post(ctx, tx, domain.EntryDebit, userID, amount, description, metadata)
}

func (s *Service) post(ctx context.Context, tx domain.StoreTx, typ domain.EntryType, userID string, amount decimal.Decimal, description string, metadata map[string]string) (*domain.Transaction, error) {
	if err := domain.CheckAmount(amount); err != nil {
		observability.LedgerOperations.WithLabelValues(string(typ), observability.OutcomeRejected).Inc()
		return nil, err
	}

	current, err := tx.LockBalance(ctx, userID)
	if err != nil {
		observability.LedgerOperations.WithLabelValues(string(typ), observability.OutcomeError).Inc()
		return nil, fmt.Errorf("lock balance for %s: %w", userID, err)
	}

	next := current.Add(amount)
	if typ == domain.EntryDebit {
		next = current.Sub(amount)
		if next.IsNegative() {
			observability.LedgerOperations.WithLabelValues(string(typ), observability.OutcomeRejected).Inc()
			return nil, domain.ErrInsufficientBalance
		}
	}

	if err := tx.SetBalance(ctx, userID, next); err != nil {
		observability.LedgerOperations.WithLabelValues(string(typ), observability.OutcomeError).Inc()
		return nil, fmt.Errorf("persist balance for %s: %w", userID, err)
	}

	entry := &domain.Transaction{
		UserID:       userID,
		Type:         typ,
		Amount:       amount,
		Description:  description,
		BalanceAfter: next,
		Metadata:     metadata,
		CreatedAt:    s.clock.Now(),
	}
	if err := tx.AppendTransaction(ctx, entry); err != nil {
		observability.LedgerOperations.WithLabelValues(string(typ), observability.OutcomeError).Inc()
		return nil, fmt.Errorf("append transaction for %s: %w", userID, err)
	}

	observability.LedgerOperations.WithLabelValues(string(typ), observability.OutcomeOK).Inc()
	observability.LedgerCoins.WithLabelValues(string(typ)).Add(amount.InexactFloat64())
	glog.V(1).Infof("[ledger] %s user=%s amount=%s balance=%s desc=%s", typ, userID, amount, next, description)
	return entry, nil
}

// Balance returns the user's current balance.
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.store.Balance(ctx, userID)
}

// History returns a page of the user's transactions, most recent first.
// Paging arguments are normalized by PageBounds.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]domain.Transaction, error) {
	limit, offset = PageBounds(limit, offset)
	return s.store.ListTransactions(ctx, userID, limit, offset)
}

// PageBounds normalizes paging arguments: limit <= 0 selects DefaultPageSize,
// limit is capped at MaxPageSize and a negative offset becomes zero.
func PageBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Report summarizes a ledger verification.
type Report struct {
	Entries       int             `json:"entries"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	StoredBalance decimal.Decimal `json:"stored_balance"`
}

// Verify replays the user's ledger and checks every BalanceAfter snapshot
// and the stored balance against the running sum. Results are only
// meaningful while no postings for the user are in flight.
func (s *Service) Verify(ctx context.Context, userID string) (Report, error) {
	entries, err := s.store.AllTransactions(ctx, userID)
	if err != nil {
		return Report{}, err
	}
	stored, err := s.store.Balance(ctx, userID)
	if err != nil {
		return Report{}, err
	}

	running := decimal.Zero
	for _, e := range entries {
		running = running.Add(e.Signed())
		if !running.Equal(e.BalanceAfter) {
			return Report{}, fmt.Errorf("transaction %d: balance_after %s, replay %s: %w",
				e.ID, e.BalanceAfter, running, domain.ErrLedgerMismatch)
		}
	}

	rep := Report{Entries: len(entries), LedgerBalance: running, StoredBalance: stored}
	if !running.Equal(stored) {
		return rep, fmt.Errorf("stored balance %s, replay %s: %w", stored, running, domain.ErrLedgerMismatch)
	}
	return rep, nil
}
