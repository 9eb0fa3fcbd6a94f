// AFK session schema and operations.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/coinhost/afkd/internal/domain"
)

// ─── AFK Schema ─────────────────────────────────────────────────────────────

// AfkMigrations returns the AFK session schema statements.
func AfkMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS afk_sessions (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			started_at        TEXT NOT NULL,
			last_heartbeat_at TEXT NOT NULL,
			is_active         INTEGER NOT NULL DEFAULT 1,
			session_coins     TEXT NOT NULL DEFAULT '0',
			daily_coins       TEXT NOT NULL DEFAULT '0',
			last_reset_date   TEXT NOT NULL,
			ended_at          TEXT,
			end_reason        TEXT NOT NULL DEFAULT '',
			CHECK(last_heartbeat_at >= started_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_afk_user_started ON afk_sessions(user_id, started_at DESC)`,
		// At most one active session per user.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_afk_one_active ON afk_sessions(user_id) WHERE is_active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_afk_active_heartbeat ON afk_sessions(is_active, last_heartbeat_at)`,
	}
}

const sessionColumns = `id, user_id, started_at, last_heartbeat_at, is_active,
	session_coins, daily_coins, last_reset_date, ended_at, end_reason`

// ─── Session Operations ─────────────────────────────────────────────────────

// ActiveSession returns the user's active session, or nil.
func (db *DB) ActiveSession(ctx context.Context, userID string) (*domain.AfkSession, error) {
	return activeSession(ctx, db.db, userID)
}

// LatestSession returns the user's most recently started session, or nil.
func (db *DB) LatestSession(ctx context.Context, userID string) (*domain.AfkSession, error) {
	return latestSession(ctx, db.db, userID)
}

// StaleSessions returns active sessions whose last heartbeat is before the cutoff.
func (db *DB) StaleSessions(ctx context.Context, before time.Time) ([]domain.AfkSession, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM afk_sessions
		WHERE is_active = 1 AND last_heartbeat_at < ?
		ORDER BY last_heartbeat_at
	`, formatTime(before))
	if err != nil {
		return nil, errors.Wrap(err, "query stale sessions")
	}
	defer rows.Close()

	var out []domain.AfkSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// CountActiveSessions returns the number of open sessions across all users.
func (db *DB) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM afk_sessions WHERE is_active = 1`).Scan(&n)
	return n, errors.Wrap(err, "count active sessions")
}

func activeSession(ctx context.Context, q querier, userID string) (*domain.AfkSession, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM afk_sessions
		WHERE user_id = ? AND is_active = 1
	`, userID)
	return scanOptionalSession(row)
}

func latestSession(ctx context.Context, q querier, userID string) (*domain.AfkSession, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM afk_sessions
		WHERE user_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1
	`, userID)
	return scanOptionalSession(row)
}

func insertSession(ctx context.Context, q querier, s *domain.AfkSession) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO afk_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionArgs(s)...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrAlreadyActive
		}
		return errors.Wrap(err, "insert session")
	}
	return nil
}

func updateSession(ctx context.Context, q querier, s *domain.AfkSession) error {
	res, err := q.ExecContext(ctx, `
		UPDATE afk_sessions SET
			last_heartbeat_at = ?,
			is_active         = ?,
			session_coins     = ?,
			daily_coins       = ?,
			last_reset_date   = ?,
			ended_at          = ?,
			end_reason        = ?
		WHERE id = ?
	`, formatTime(s.LastHeartbeatAt), boolInt(s.IsActive), s.SessionCoinsEarned.String(),
		s.DailyCoinsEarned.String(), s.LastResetDate, nullableTime(s.EndedAt), string(s.EndReason), s.ID)
	if err != nil {
		return errors.Wrap(err, "update session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update session")
	}
	if n != 1 {
		return errors.Errorf("update session %s: %d rows affected", s.ID, n)
	}
	return nil
}

func sessionArgs(s *domain.AfkSession) []any {
	return []any{
		s.ID, s.UserID, formatTime(s.StartedAt), formatTime(s.LastHeartbeatAt), boolInt(s.IsActive),
		s.SessionCoinsEarned.String(), s.DailyCoinsEarned.String(), s.LastResetDate,
		nullableTime(s.EndedAt), string(s.EndReason),
	}
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOptionalSession(row *sql.Row) (*domain.AfkSession, error) {
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func scanSession(r rowScanner) (*domain.AfkSession, error) {
	var (
		s                                    domain.AfkSession
		started, heartbeat, sessCoins, daily string
		active                               int
		ended                                sql.NullString
		reason                               string
	)
	if err := r.Scan(&s.ID, &s.UserID, &started, &heartbeat, &active,
		&sessCoins, &daily, &s.LastResetDate, &ended, &reason); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan session")
	}

	var err error
	if s.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if s.LastHeartbeatAt, err = parseTime(heartbeat); err != nil {
		return nil, err
	}
	if s.SessionCoinsEarned, err = parseDecimal(sessCoins); err != nil {
		return nil, err
	}
	if s.DailyCoinsEarned, err = parseDecimal(daily); err != nil {
		return nil, err
	}
	if ended.Valid {
		t, err := parseTime(ended.String)
		if err != nil {
			return nil, err
		}
		s.EndedAt = &t
	}
	s.IsActive = active == 1
	s.EndReason = domain.EndReason(reason)
	return &s, nil
}
