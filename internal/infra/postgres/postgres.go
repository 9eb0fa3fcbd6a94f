// Package postgres is the horizontally scalable store for afkd, built on
// pgxpool. Per-user atomicity comes from SELECT ... FOR UPDATE on the
// account and session rows inside one transaction; the partial unique index
// on active sessions rejects a second concurrent start.
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/coinhost/afkd/internal/domain"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Migrations returns the schema statements, applied in order on Open.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id    TEXT PRIMARY KEY,
			balance    NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS coin_transactions (
			id            BIGSERIAL PRIMARY KEY,
			user_id       TEXT NOT NULL,
			type          TEXT NOT NULL CHECK (type IN ('CREDIT', 'DEBIT')),
			amount        NUMERIC(20,2) NOT NULL CHECK (amount > 0),
			description   TEXT NOT NULL DEFAULT '',
			balance_after NUMERIC(20,2) NOT NULL,
			metadata      JSONB NOT NULL DEFAULT '{}',
			created_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_coin_tx_user ON coin_transactions(user_id, id DESC)`,
		`CREATE OR REPLACE FUNCTION coin_transactions_append_only() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'coin_transactions is append-only';
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS coin_transactions_append_only ON coin_transactions`,
		`CREATE TRIGGER coin_transactions_append_only
			BEFORE UPDATE OR DELETE ON coin_transactions
			FOR EACH ROW EXECUTE FUNCTION coin_transactions_append_only()`,
		`CREATE TABLE IF NOT EXISTS afk_sessions (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			started_at        TIMESTAMPTZ NOT NULL,
			last_heartbeat_at TIMESTAMPTZ NOT NULL,
			is_active         BOOLEAN NOT NULL DEFAULT true,
			session_coins     NUMERIC(20,2) NOT NULL DEFAULT 0,
			daily_coins       NUMERIC(20,2) NOT NULL DEFAULT 0,
			last_reset_date   TEXT NOT NULL,
			ended_at          TIMESTAMPTZ,
			end_reason        TEXT NOT NULL DEFAULT '',
			CHECK (last_heartbeat_at >= started_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_afk_user_started ON afk_sessions(user_id, started_at DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_afk_one_active ON afk_sessions(user_id) WHERE is_active`,
		`CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
}

// Store implements domain.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*Store)(nil)

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open connects to dsn and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	for _, stmt := range Migrations() {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, errors.Wrapf(err, "migrate: %.60s", stmt)
		}
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// WithinTx runs fn in a READ COMMITTED transaction; row locks provide isolation.
func (s *Store) WithinTx(ctx context.Context, fn func(tx domain.StoreTx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(&tx{q: pgTx}); err != nil {
		pgTx.Rollback(ctx)
		return err
	}
	return errors.Wrap(pgTx.Commit(ctx), "commit tx")
}

// ─── Read Projections ───────────────────────────────────────────────────────

// ActiveSession returns the user's active session, or nil.
func (s *Store) ActiveSession(ctx context.Context, userID string) (*domain.AfkSession, error) {
	return scanOptionalSession(s.pool.QueryRow(ctx, selectSession+` WHERE user_id = $1 AND is_active`, userID))
}

// LatestSession returns the user's most recently started session, or nil.
func (s *Store) LatestSession(ctx context.Context, userID string) (*domain.AfkSession, error) {
	return scanOptionalSession(s.pool.QueryRow(ctx, selectSession+`
		WHERE user_id = $1 ORDER BY started_at DESC LIMIT 1`, userID))
}

// Balance returns the user's balance, zero for unknown users.
func (s *Store) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT balance::text FROM accounts WHERE user_id = $1`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "query balance")
	}
	return decimal.NewFromString(raw)
}

// ListTransactions returns a page of the user's ledger, most recent first.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]domain.Transaction, error) {
	return queryTransactions(ctx, s.pool, selectTransaction+`
		WHERE user_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
}

// AllTransactions returns the user's full ledger, oldest first.
func (s *Store) AllTransactions(ctx context.Context, userID string) ([]domain.Transaction, error) {
	return queryTransactions(ctx, s.pool, selectTransaction+` WHERE user_id = $1 ORDER BY id ASC`, userID)
}

// StaleSessions returns active sessions whose last heartbeat is before the cutoff.
func (s *Store) StaleSessions(ctx context.Context, before time.Time) ([]domain.AfkSession, error) {
	rows, err := s.pool.Query(ctx, selectSession+`
		WHERE is_active AND last_heartbeat_at < $1 ORDER BY last_heartbeat_at`, before)
	if err != nil {
		return nil, errors.Wrap(err, "query stale sessions")
	}
	defer rows.Close()

	var out []domain.AfkSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// CountActiveSessions returns the number of open sessions across all users.
func (s *Store) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM afk_sessions WHERE is_active`).Scan(&n)
	return n, errors.Wrap(err, "count active sessions")
}

// AfkSettings returns the saved AFK settings, or nil if never saved.
func (s *Store) AfkSettings(ctx context.Context) (*domain.AfkSettings, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT value::text FROM settings WHERE key = 'afk'`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query afk settings")
	}
	var out domain.AfkSettings
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, errors.Wrap(err, "decode afk settings")
	}
	return &out, nil
}

// SaveAfkSettings replaces the AFK settings.
func (s *Store) SaveAfkSettings(ctx context.Context, settings domain.AfkSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "encode afk settings")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ('afk', $1::jsonb, now())
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = now()
	`, string(raw))
	return errors.Wrap(err, "save afk settings")
}

// ─── Unit of Work ───────────────────────────────────────────────────────────

type tx struct {
	q queryer
}

func (t *tx) ActiveSession(ctx context.Context, userID string) (*domain.AfkSession, error) {
	return scanOptionalSession(t.q.QueryRow(ctx, selectSession+` WHERE user_id = $1 AND is_active FOR UPDATE`, userID))
}

func (t *tx) LatestSession(ctx context.Context, userID string) (*domain.AfkSession, error) {
	return scanOptionalSession(t.q.QueryRow(ctx, selectSession+`
		WHERE user_id = $1 ORDER BY started_at DESC LIMIT 1`, userID))
}

func (t *tx) InsertSession(ctx context.Context, s *domain.AfkSession) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO afk_sessions (id, user_id, started_at, last_heartbeat_at, is_active,
			session_coins, daily_coins, last_reset_date, ended_at, end_reason)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10)
	`, s.ID, s.UserID, s.StartedAt, s.LastHeartbeatAt, s.IsActive,
		s.SessionCoinsEarned.String(), s.DailyCoinsEarned.String(), s.LastResetDate, s.EndedAt, string(s.EndReason))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyActive
		}
		return errors.Wrap(err, "insert session")
	}
	return nil
}

func (t *tx) UpdateSession(ctx context.Context, s *domain.AfkSession) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE afk_sessions SET
			last_heartbeat_at = $2,
			is_active         = $3,
			session_coins     = $4::numeric,
			daily_coins       = $5::numeric,
			last_reset_date   = $6,
			ended_at          = $7,
			end_reason        = $8
		WHERE id = $1
	`, s.ID, s.LastHeartbeatAt, s.IsActive, s.SessionCoinsEarned.String(), s.DailyCoinsEarned.String(),
		s.LastResetDate, s.EndedAt, string(s.EndReason))
	if err != nil {
		return errors.Wrap(err, "update session")
	}
	if tag.RowsAffected() != 1 {
		return errors.Errorf("update session %s: %d rows affected", s.ID, tag.RowsAffected())
	}
	return nil
}

func (t *tx) LockBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if _, err := t.q.Exec(ctx, `
		INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return decimal.Zero, errors.Wrap(err, "ensure account")
	}
	var raw string
	if err := t.q.QueryRow(ctx, `
		SELECT balance::text FROM accounts WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&raw); err != nil {
		return decimal.Zero, errors.Wrap(err, "lock balance")
	}
	return decimal.NewFromString(raw)
}

func (t *tx) SetBalance(ctx context.Context, userID string, bal decimal.Decimal) error {
	_, err := t.q.Exec(ctx, `
		UPDATE accounts SET balance = $2::numeric, updated_at = now() WHERE user_id = $1
	`, userID, bal.String())
	return errors.Wrap(err, "set balance")
}

func (t *tx) AppendTransaction(ctx context.Context, entry *domain.Transaction) error {
	meta := entry.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "encode metadata")
	}
	err = t.q.QueryRow(ctx, `
		INSERT INTO coin_transactions (user_id, type, amount, description, balance_after, metadata, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5::numeric, $6::jsonb, $7)
		RETURNING id
	`, entry.UserID, string(entry.Type), entry.Amount.String(), entry.Description,
		entry.BalanceAfter.String(), string(raw), entry.CreatedAt).Scan(&entry.ID)
	return errors.Wrap(err, "insert transaction")
}

// ─── Scanning ───────────────────────────────────────────────────────────────

const selectSession = `SELECT id, user_id, started_at, last_heartbeat_at, is_active,
	session_coins::text, daily_coins::text, last_reset_date, ended_at, end_reason
	FROM afk_sessions`

const selectTransaction = `SELECT id, user_id, type, amount::text, description,
	balance_after::text, metadata::text, created_at
	FROM coin_transactions`

func scanOptionalSession(row pgx.Row) (*domain.AfkSession, error) {
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func scanSession(row pgx.Row) (*domain.AfkSession, error) {
	var (
		s             domain.AfkSession
		sessCoins     string
		daily, reason string
		ended         *time.Time
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.StartedAt, &s.LastHeartbeatAt, &s.IsActive,
		&sessCoins, &daily, &s.LastResetDate, &ended, &reason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan session")
	}
	var err error
	if s.SessionCoinsEarned, err = decimal.NewFromString(sessCoins); err != nil {
		return nil, err
	}
	if s.DailyCoinsEarned, err = decimal.NewFromString(daily); err != nil {
		return nil, err
	}
	s.StartedAt = s.StartedAt.UTC()
	s.LastHeartbeatAt = s.LastHeartbeatAt.UTC()
	if ended != nil {
		e := ended.UTC()
		s.EndedAt = &e
	}
	s.EndReason = domain.EndReason(reason)
	return &s, nil
}

func queryTransactions(ctx context.Context, q queryer, sql string, args ...any) ([]domain.Transaction, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query transactions")
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			t                  domain.Transaction
			typ, amount, after string
			meta               string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &amount, &t.Description, &after, &meta, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan transaction")
		}
		t.Type = domain.EntryType(typ)
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if t.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return nil, errors.Wrap(err, "decode metadata")
		}
		if len(t.Metadata) == 0 {
			t.Metadata = nil
		}
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
