// Package sqlite is the embedded store for afkd: accounts, the coin ledger,
// AFK sessions and settings in a single SQLite file (modernc.org/sqlite, no CGO).
//
// Every write transaction is opened with BEGIN IMMEDIATE, so SQLite itself
// serializes writers; together with the per-user lock in the session manager
// this gives the read→compute→write atomicity the ledger relies on.
package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/coinhost/afkd/internal/domain"
)

// FileName is the database file created inside the data directory.
const FileName = "afkd.db"

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB wraps the SQLite connection and implements domain.Store.
type DB struct {
	db   *sql.DB
	path string
}

var _ domain.Store = (*DB)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (or creates) the database in dir and applies migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dir)
	}
	path := filepath.Join(dir, FileName)
	dsn := "file:" + path +
		"?_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_txlock=immediate"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection: writers queue here instead of spinning on SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB, path: path}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close closes the database.
func (db *DB) Close() error { return db.db.Close() }

func (db *DB) migrate() error {
	var stmts []string
	stmts = append(stmts, LedgerMigrations()...)
	stmts = append(stmts, AfkMigrations()...)
	stmts = append(stmts, SettingsMigrations()...)

	for _, s := range stmts {
		if _, err := db.db.Exec(s); err != nil {
			return errors.Wrapf(err, "migrate: %.60s", s)
		}
	}
	return nil
}

// ─── Unit of Work ───────────────────────────────────────────────────────────

// WithinTx runs fn inside one IMMEDIATE transaction.
func (db *DB) WithinTx(ctx context.Context, fn func(tx domain.StoreTx) error) error {
	sqlTx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(&tx{q: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return errors.Wrap(sqlTx.Commit(), "commit tx")
}

// tx is the domain.StoreTx view of an open transaction.
type tx struct {
	q querier
}

func (t *tx) ActiveSession(ctx context.Context, userID string) (*domain.AfkSession, error) {
	return activeSession(ctx, t.q, userID)
}

func (t *tx) LatestSession(ctx context.Context, userID string) (*domain.AfkSession, error) {
	return latestSession(ctx, t.q, userID)
}

func (t *tx) InsertSession(ctx context.Context, s *domain.AfkSession) error {
	return insertSession(ctx, t.q, s)
}

func (t *tx) UpdateSession(ctx context.Context, s *domain.AfkSession) error {
	return updateSession(ctx, t.q, s)
}

func (t *tx) LockBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if _, err := t.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO accounts (user_id, balance, updated_at) VALUES (?, '0', ?)
	`, userID, formatTime(time.Now())); err != nil {
		return decimal.Zero, errors.Wrap(err, "ensure account")
	}
	return balance(ctx, t.q, userID)
}

func (t *tx) SetBalance(ctx context.Context, userID string, bal decimal.Decimal) error {
	_, err := t.q.ExecContext(ctx, `
		UPDATE accounts SET balance = ?, updated_at = ? WHERE user_id = ?
	`, bal.String(), formatTime(time.Now()), userID)
	return errors.Wrap(err, "set balance")
}

func (t *tx) AppendTransaction(ctx context.Context, entry *domain.Transaction) error {
	return appendTransaction(ctx, t.q, entry)
}

// ─── Codec Helpers ──────────────────────────────────────────────────────────

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse time %q", s)
	}
	return t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse amount %q", s)
	}
	return d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
