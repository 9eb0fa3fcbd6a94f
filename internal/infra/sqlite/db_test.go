package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinhost/afkd/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newSession(id, user string, at time.Time) *domain.AfkSession {
	return &domain.AfkSession{
		ID:                 id,
		UserID:             user,
		StartedAt:          at,
		LastHeartbeatAt:    at,
		IsActive:           true,
		SessionCoinsEarned: decimal.Zero,
		DailyCoinsEarned:   decimal.Zero,
		LastResetDate:      domain.DayKey(at, time.UTC),
	}
}

// ─── Migrations ─────────────────────────────────────────────────────────────

func TestMigrations_TablesExist(t *testing.T) {
	db := newTestDB(t)

	for _, table := range []string{"accounts", "coin_transactions", "afk_sessions", "settings"} {
		var count int
		err := db.db.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&count)
		if err != nil {
			t.Fatalf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found in database", table)
		}
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen (migrations must be idempotent): %v", err)
	}
	db2.Close()
}

// ─── Ledger ─────────────────────────────────────────────────────────────────

func TestWithinTx_CommitAndRollback(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.WithinTx(ctx, func(tx domain.StoreTx) error {
		if _, err := tx.LockBalance(ctx, "alice"); err != nil {
			return err
		}
		return tx.SetBalance(ctx, "alice", decimal.NewFromInt(10))
	})
	if err != nil {
		t.Fatalf("WithinTx() error: %v", err)
	}

	boom := errors.New("boom")
	err = db.WithinTx(ctx, func(tx domain.StoreTx) error {
		if err := tx.SetBalance(ctx, "alice", decimal.NewFromInt(99)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinTx() error = %v, want boom", err)
	}

	bal, err := db.Balance(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Equal(decimal.NewFromInt(10)) {
		t.Errorf("balance = %s, want 10 (rollback must discard 99)", bal)
	}
}

func TestBalance_UnknownUserIsZero(t *testing.T) {
	db := newTestDB(t)
	bal, err := db.Balance(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if !bal.IsZero() {
		t.Errorf("balance = %s, want 0", bal)
	}
}

func TestTransactions_AppendAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	err := db.WithinTx(ctx, func(tx domain.StoreTx) error {
		for i := 1; i <= 3; i++ {
			entry := &domain.Transaction{
				UserID:       "alice",
				Type:         domain.EntryCredit,
				Amount:       decimal.NewFromInt(int64(i)),
				Description:  "test",
				BalanceAfter: decimal.NewFromInt(int64(i * 10)),
				Metadata:     map[string]string{"n": "x"},
				CreatedAt:    now.Add(time.Duration(i) * time.Second),
			}
			if err := tx.AppendTransaction(ctx, entry); err != nil {
				return err
			}
			if entry.ID == 0 {
				t.Error("AppendTransaction did not set ID")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	page, err := db.ListTransactions(ctx, "alice", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("page len = %d, want 2", len(page))
	}
	if !page[0].Amount.Equal(decimal.NewFromInt(3)) {
		t.Errorf("first entry amount = %s, want 3 (most recent first)", page[0].Amount)
	}
	if page[0].Metadata["n"] != "x" {
		t.Errorf("metadata = %v, want n=x", page[0].Metadata)
	}
	if !page[0].CreatedAt.Equal(now.Add(3 * time.Second)) {
		t.Errorf("created_at = %v", page[0].CreatedAt)
	}

	next, _ := db.ListTransactions(ctx, "alice", 2, 2)
	if len(next) != 1 || !next[0].Amount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("second page = %+v, want the oldest entry", next)
	}

	all, _ := db.AllTransactions(ctx, "alice")
	if len(all) != 3 || !all[0].Amount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("AllTransactions not oldest-first: %+v", all)
	}
}

func TestTransactions_AppendOnly(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.WithinTx(ctx, func(tx domain.StoreTx) error {
		return tx.AppendTransaction(ctx, &domain.Transaction{
			UserID: "alice", Type: domain.EntryCredit,
			Amount: decimal.NewFromInt(1), BalanceAfter: decimal.NewFromInt(1),
			CreatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := db.db.Exec(`UPDATE coin_transactions SET amount = '1000'`); err == nil {
		t.Error("UPDATE on coin_transactions should be rejected")
	}
	if _, err := db.db.Exec(`DELETE FROM coin_transactions`); err == nil {
		t.Error("DELETE on coin_transactions should be rejected")
	}
}

// ─── Sessions ───────────────────────────────────────────────────────────────

func TestSessions_InsertAndFetch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 123456789, time.UTC)

	s := newSession("s1", "alice", now)
	if err := db.WithinTx(ctx, func(tx domain.StoreTx) error { return tx.InsertSession(ctx, s) }); err != nil {
		t.Fatalf("InsertSession() error: %v", err)
	}

	got, err := db.ActiveSession(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("ActiveSession() = nil")
	}
	if got.ID != "s1" || !got.StartedAt.Equal(now) || !got.IsActive {
		t.Errorf("ActiveSession() = %+v", got)
	}
	if got.EndedAt != nil {
		t.Error("EndedAt should be nil for active session")
	}
}

func TestSessions_OneActivePerUser(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	db.WithinTx(ctx, func(tx domain.StoreTx) error { return tx.InsertSession(ctx, newSession("s1", "alice", now)) })
	err := db.WithinTx(ctx, func(tx domain.StoreTx) error { return tx.InsertSession(ctx, newSession("s2", "alice", now)) })
	if !errors.Is(err, domain.ErrAlreadyActive) {
		t.Fatalf("second active insert error = %v, want ErrAlreadyActive", err)
	}

	// Another user is unaffected.
	if err := db.WithinTx(ctx, func(tx domain.StoreTx) error { return tx.InsertSession(ctx, newSession("s3", "bob", now)) }); err != nil {
		t.Errorf("bob insert: %v", err)
	}
}

func TestSessions_CloseAndLatest(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	s := newSession("s1", "alice", t0)
	db.WithinTx(ctx, func(tx domain.StoreTx) error { return tx.InsertSession(ctx, s) })

	ended := t0.Add(time.Minute)
	s.IsActive = false
	s.LastHeartbeatAt = ended
	s.EndedAt = &ended
	s.EndReason = domain.EndStopped
	s.DailyCoinsEarned = decimal.RequireFromString("12.5")
	if err := db.WithinTx(ctx, func(tx domain.StoreTx) error { return tx.UpdateSession(ctx, s) }); err != nil {
		t.Fatalf("UpdateSession() error: %v", err)
	}

	active, _ := db.ActiveSession(ctx, "alice")
	if active != nil {
		t.Errorf("ActiveSession() after close = %+v, want nil", active)
	}

	// A fresh session may now be inserted, and Latest returns it.
	s2 := newSession("s2", "alice", t0.Add(2*time.Minute))
	if err := db.WithinTx(ctx, func(tx domain.StoreTx) error { return tx.InsertSession(ctx, s2) }); err != nil {
		t.Fatalf("insert after close: %v", err)
	}

	var latest *domain.AfkSession
	db.WithinTx(ctx, func(tx domain.StoreTx) error {
		var err error
		latest, err = tx.LatestSession(ctx, "alice")
		return err
	})
	if latest == nil || latest.ID != "s2" {
		t.Errorf("LatestSession() = %+v, want s2", latest)
	}

	// The read projection sees the same row outside a unit of work.
	if got, err := db.LatestSession(ctx, "alice"); err != nil || got == nil || got.ID != "s2" {
		t.Errorf("DB.LatestSession() = %+v, %v, want s2", got, err)
	}
	if got, err := db.LatestSession(ctx, "nobody"); err != nil || got != nil {
		t.Errorf("DB.LatestSession(nobody) = %+v, %v, want nil", got, err)
	}
}

func TestSessions_UpdateRejectsHeartbeatBeforeStart(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Now()

	s := newSession("s1", "alice", t0)
	db.WithinTx(ctx, func(tx domain.StoreTx) error { return tx.InsertSession(ctx, s) })

	s.LastHeartbeatAt = t0.Add(-time.Hour)
	if err := db.WithinTx(ctx, func(tx domain.StoreTx) error { return tx.UpdateSession(ctx, s) }); err == nil {
		t.Error("heartbeat before start should violate CHECK constraint")
	}
}

func TestStaleSessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	db.WithinTx(ctx, func(tx domain.StoreTx) error {
		tx.InsertSession(ctx, newSession("old", "alice", now.Add(-10*time.Minute)))
		return tx.InsertSession(ctx, newSession("fresh", "bob", now.Add(-time.Minute)))
	})

	stale, err := db.StaleSessions(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Errorf("StaleSessions() = %+v, want [old]", stale)
	}

	if n, err := db.CountActiveSessions(ctx); err != nil || n != 2 {
		t.Errorf("CountActiveSessions() = %d, %v, want 2", n, err)
	}
}

// ─── Settings ───────────────────────────────────────────────────────────────

func TestAfkSettings_SaveAndLoad(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	got, err := db.AfkSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("AfkSettings() before save = %+v, want nil", got)
	}

	want := domain.AfkSettings{Enabled: true, CoinsPerMinute: decimal.NewFromInt(10), MaxCoinsPerDay: decimal.NewFromInt(100)}
	if err := db.SaveAfkSettings(ctx, want); err != nil {
		t.Fatal(err)
	}
	want.Enabled = false
	if err := db.SaveAfkSettings(ctx, want); err != nil {
		t.Fatal(err)
	}

	got, err = db.AfkSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled || !got.CoinsPerMinute.Equal(decimal.NewFromInt(10)) || !got.MaxCoinsPerDay.Equal(decimal.NewFromInt(100)) {
		t.Errorf("AfkSettings() = %+v", got)
	}
}
