// Ledger schema and operations.
// Accounts hold the mutable balance; coin_transactions is the append-only
// log that explains it.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/coinhost/afkd/internal/domain"
)

// ─── Ledger Schema ──────────────────────────────────────────────────────────

// LedgerMigrations returns the account and ledger schema statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func LedgerMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id    TEXT PRIMARY KEY,
			balance    TEXT NOT NULL DEFAULT '0',
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS coin_transactions (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id       TEXT NOT NULL,
			type          TEXT NOT NULL CHECK(type IN ('CREDIT', 'DEBIT')),
			amount        TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			balance_after TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_coin_tx_user ON coin_transactions(user_id, id DESC)`,

		// The audit trail is append-only.
		`CREATE TRIGGER IF NOT EXISTS coin_transactions_no_update
			BEFORE UPDATE ON coin_transactions
			BEGIN SELECT RAISE(ABORT, 'coin_transactions is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS coin_transactions_no_delete
			BEFORE DELETE ON coin_transactions
			BEGIN SELECT RAISE(ABORT, 'coin_transactions is append-only'); END`,
	}
}

// ─── Account Operations ─────────────────────────────────────────────────────

// Balance returns the user's balance, zero for unknown users.
func (db *DB) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return balance(ctx, db.db, userID)
}

func balance(ctx context.Context, q querier, userID string) (decimal.Decimal, error) {
	var s string
	err := q.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?`, userID).Scan(&s)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "query balance")
	}
	return parseDecimal(s)
}

// ─── Transaction Operations ─────────────────────────────────────────────────

func appendTransaction(ctx context.Context, q querier, t *domain.Transaction) error {
	meta := t.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "encode metadata")
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO coin_transactions (user_id, type, amount, description, balance_after, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.UserID, string(t.Type), t.Amount.String(), t.Description, t.BalanceAfter.String(), string(metaJSON), formatTime(t.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "insert transaction")
	}
	t.ID, err = res.LastInsertId()
	return errors.Wrap(err, "transaction id")
}

// ListTransactions returns a page of the user's ledger, most recent first.
func (db *DB) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]domain.Transaction, error) {
	return queryTransactions(ctx, db.db, `
		SELECT id, user_id, type, amount, description, balance_after, metadata_json, created_at
		FROM coin_transactions WHERE user_id = ?
		ORDER BY id DESC LIMIT ? OFFSET ?
	`, userID, limit, offset)
}

// AllTransactions returns the user's full ledger, oldest first.
func (db *DB) AllTransactions(ctx context.Context, userID string) ([]domain.Transaction, error) {
	return queryTransactions(ctx, db.db, `
		SELECT id, user_id, type, amount, description, balance_after, metadata_json, created_at
		FROM coin_transactions WHERE user_id = ?
		ORDER BY id ASC
	`, userID)
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query transactions")
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			t                                 domain.Transaction
			typ, amount, after, meta, created string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &amount, &t.Description, &after, &meta, &created); err != nil {
			return nil, errors.Wrap(err, "scan transaction")
		}
		t.Type = domain.EntryType(typ)
		if t.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if t.BalanceAfter, err = parseDecimal(after); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return nil, errors.Wrap(err, "decode metadata")
		}
		if len(t.Metadata) == 0 {
			t.Metadata = nil
		}
		if t.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
