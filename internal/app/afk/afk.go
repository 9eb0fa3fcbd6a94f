// Package afk runs AFK earning sessions.
//
// Lifecycle: NoSession → Active → NoSession. Accrual is always computed
// from two server-observed instants (lastHeartbeatAt and now); the client
// only signals that it is still present.
//
// Every operation for a user runs under that user's lock and inside one
// store unit of work, so reading the session, computing accrual, posting
// the ledger credit and writing the session back are indivisible.
package afk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinhost/afkd/internal/app/accrual"
	"github.com/coinhost/afkd/internal/app/ledger"
	"github.com/coinhost/afkd/internal/domain"
	"github.com/coinhost/afkd/internal/infra/observability"
)

// SessionDescription is the ledger description of AFK credits.
const SessionDescription = domain.DescAfkSession

// Config controls session timing.
type Config struct {
	MaxHeartbeatGap      time.Duration  // Cap on credited time per heartbeat (default: 150s)
	MinHeartbeatInterval time.Duration  // Heartbeats closer than this are rejected (default: 30s)
	ResetLocation        *time.Location // Zone whose midnight resets the daily counter (default: UTC)
	LockTimeout          time.Duration  // Max wait for the per-user lock (default: 5s)
}

// DefaultConfig returns safe session defaults.
func DefaultConfig() Config {
	return Config{
		MaxHeartbeatGap:      150 * time.Second,
		MinHeartbeatInterval: 30 * time.Second,
		ResetLocation:        time.UTC,
		LockTimeout:          5 * time.Second,
	}
}

// SettingsSource yields the AFK settings snapshot for one call.
type SettingsSource interface {
	Get(ctx context.Context) (domain.AfkSettings, error)
}

// Earning is published after a committed AFK credit.
type Earning struct {
	UserID           string          `json:"user_id"`
	SessionID        string          `json:"session_id"`
	Coins            decimal.Decimal `json:"coins"`
	DailyCoinsEarned decimal.Decimal `json:"daily_coins_earned"`
	LimitReached     bool            `json:"limit_reached"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Status is a read-only view of a user's AFK state.
type Status struct {
	Session          *domain.AfkSession `json:"session"`
	Settings         domain.AfkSettings `json:"settings"`
	Balance          decimal.Decimal    `json:"balance"`
	DailyCoinsEarned decimal.Decimal    `json:"daily_coins_earned"`
}

// Manager owns the session state machine.
type Manager struct {
	cfg      Config
	store    domain.Store
	ledger   *ledger.Service
	settings SettingsSource
	locker   domain.Locker
	clock    domain.Clock
	onEarn   func(Earning)
}

// New creates a session manager.
func New(cfg Config, store domain.Store, led *ledger.Service, settings SettingsSource, locker domain.Locker, clock domain.Clock) *Manager {
	if cfg.ResetLocation == nil {
		cfg.ResetLocation = time.UTC
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig().LockTimeout
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		ledger:   led,
		settings: settings,
		locker:   locker,
		clock:    clock,
	}
}

// OnEarning registers fn to receive every committed AFK credit.
// Must be called before the manager serves requests.
func (m *Manager) OnEarning(fn func(Earning)) {
	m.onEarn = fn
}

// ─── Operations ─────────────────────────────────────────────────────────────

// Start opens a new session for userID.
func (m *Manager) Start(ctx context.Context, userID string) (*domain.AfkSession, error) {
	settings, err := m.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.Enabled {
		return nil, domain.ErrFeatureDisabled
	}

	unlock, err := m.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := m.clock.Now()
	today := domain.DayKey(now, m.cfg.ResetLocation)

	var sess *domain.AfkSession
	err = m.store.WithinTx(ctx, func(tx domain.StoreTx) error {
		active, err := tx.ActiveSession(ctx, userID)
		if err != nil {
			return err
		}
		if active != nil {
			return domain.ErrAlreadyActive
		}

		daily := decimal.Zero
		prev, err := tx.LatestSession(ctx, userID)
		if err != nil {
			return err
		}
		if prev != nil && prev.LastResetDate == today {
			daily = prev.DailyCoinsEarned
		}

		sess = &domain.AfkSession{
			ID:                 uuid.NewString(),
			UserID:             userID,
			StartedAt:          now,
			LastHeartbeatAt:    now,
			IsActive:           true,
			SessionCoinsEarned: decimal.Zero,
			DailyCoinsEarned:   daily,
			LastResetDate:      today,
		}
		return tx.InsertSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}

	observability.AfkSessionsStarted.Inc()
	observability.AfkActiveSessions.Inc()
	glog.Infof("[afk] session %s started for user=%s (daily=%s)", sess.ID, userID, sess.DailyCoinsEarned)
	return sess, nil
}

// Heartbeat credits the time since the previous heartbeat.
func (m *Manager) Heartbeat(ctx context.Context, userID string) (domain.HeartbeatResult, error) {
	settings, err := m.settings.Get(ctx)
	if err != nil {
		return domain.HeartbeatResult{}, err
	}

	unlock, err := m.lock(ctx, userID)
	if err != nil {
		return domain.HeartbeatResult{}, err
	}
	defer unlock()

	now := m.clock.Now()
	var (
		res    domain.HeartbeatResult
		sess   *domain.AfkSession
		window time.Duration
	)
	err = m.store.WithinTx(ctx, func(tx domain.StoreTx) error {
		var err error
		sess, err = tx.ActiveSession(ctx, userID)
		if err != nil {
			return err
		}
		if sess == nil {
			return domain.ErrNoActiveSession
		}
		if m.cfg.MinHeartbeatInterval > 0 && now.Sub(sess.LastHeartbeatAt) < m.cfg.MinHeartbeatInterval {
			return domain.ErrHeartbeatTooSoon
		}

		res, window, err = m.accrue(ctx, tx, sess, settings, now)
		if err != nil {
			return err
		}
		return tx.UpdateSession(ctx, sess)
	})
	if err != nil {
		observability.AfkHeartbeats.WithLabelValues(heartbeatFailure(err)).Inc()
		return domain.HeartbeatResult{}, err
	}

	observability.AfkHeartbeats.WithLabelValues(heartbeatOutcome(settings, res)).Inc()
	observability.AfkCreditedWindow.Observe(window.Seconds())
	m.publish(sess, res, now)
	glog.V(2).Infof("[afk] heartbeat user=%s session=%s window=%s credited=%s daily=%s",
		userID, sess.ID, window, res.CoinsEarned, res.DailyCoinsEarned)
	return res, nil
}

// Stop performs a final accrual and closes the session.
// It returns the coins earned over the whole session.
func (m *Manager) Stop(ctx context.Context, userID string) (decimal.Decimal, error) {
	sess, err := m.end(ctx, userID, domain.EndStopped)
	if err != nil {
		return decimal.Zero, err
	}
	glog.Infof("[afk] session %s stopped for user=%s (earned=%s)", sess.ID, userID, sess.SessionCoinsEarned)
	return sess.SessionCoinsEarned, nil
}

// ForceTerminate closes a session on behalf of the server, for example when
// the client disappeared without stopping.
func (m *Manager) ForceTerminate(ctx context.Context, userID, reason string) (decimal.Decimal, error) {
	sess, err := m.end(ctx, userID, domain.EndTerminated)
	if err != nil {
		return decimal.Zero, err
	}
	glog.Warningf("[afk] session %s terminated for user=%s: %s (earned=%s)", sess.ID, userID, reason, sess.SessionCoinsEarned)
	return sess.SessionCoinsEarned, nil
}

// Status reports the user's active session, settings and balance.
func (m *Manager) Status(ctx context.Context, userID string) (*Status, error) {
	settings, err := m.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := m.store.ActiveSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	balance, err := m.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}

	st := &Status{Session: sess, Settings: settings, Balance: balance, DailyCoinsEarned: decimal.Zero}

	// Between sessions the day's progress lives on the last closed one.
	latest := sess
	if latest == nil {
		if latest, err = m.store.LatestSession(ctx, userID); err != nil {
			return nil, err
		}
	}
	today := domain.DayKey(m.clock.Now(), m.cfg.ResetLocation)
	if latest != nil && latest.LastResetDate == today {
		st.DailyCoinsEarned = latest.DailyCoinsEarned
	}
	return st, nil
}

// SyncActiveGauge resets the active-sessions gauge to the store-wide count.
// Start and stop move the gauge in between; a sync corrects the drift from
// restarts and from sessions opened or closed by other instances.
func (m *Manager) SyncActiveGauge(ctx context.Context) (int, error) {
	n, err := m.store.CountActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	observability.AfkActiveSessions.Set(float64(n))
	return n, nil
}

// ─── Internals ──────────────────────────────────────────────────────────────

func (m *Manager) end(ctx context.Context, userID string, reason domain.EndReason) (*domain.AfkSession, error) {
	settings, err := m.settings.Get(ctx)
	if err != nil {
		return nil, err
	}

	unlock, err := m.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := m.clock.Now()
	var (
		sess *domain.AfkSession
		res  domain.HeartbeatResult
	)
	err = m.store.WithinTx(ctx, func(tx domain.StoreTx) error {
		var err error
		sess, err = tx.ActiveSession(ctx, userID)
		if err != nil {
			return err
		}
		if sess == nil {
			return domain.ErrNoActiveSession
		}

		res, _, err = m.accrue(ctx, tx, sess, settings, now)
		if err != nil {
			return err
		}
		ended := sess.LastHeartbeatAt
		sess.IsActive = false
		sess.EndedAt = &ended
		sess.EndReason = reason
		return tx.UpdateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}

	observability.AfkSessionsEnded.WithLabelValues(string(reason)).Inc()
	observability.AfkActiveSessions.Dec()
	m.publish(sess, res, now)
	return sess, nil
}

// accrue applies day rollover, computes the credit for the clamped window,
// posts it and advances the session in memory. The caller persists sess.
// A clock that stepped backwards is pinned to the last heartbeat, so the
// session timeline never runs in reverse.
func (m *Manager) accrue(ctx context.Context, tx domain.StoreTx, sess *domain.AfkSession, settings domain.AfkSettings, now time.Time) (domain.HeartbeatResult, time.Duration, error) {
	if now.Before(sess.LastHeartbeatAt) {
		now = sess.LastHeartbeatAt
	}
	if today := domain.DayKey(now, m.cfg.ResetLocation); sess.LastResetDate != today {
		sess.DailyCoinsEarned = decimal.Zero
		sess.LastResetDate = today
	}

	window := accrual.ClampGap(now.Sub(sess.LastHeartbeatAt), m.cfg.MaxHeartbeatGap)
	res := domain.HeartbeatResult{DailyCoinsEarned: sess.DailyCoinsEarned, CoinsEarned: decimal.Zero}

	if settings.Enabled {
		out := accrual.Compute(accrual.Seconds(window), settings.CoinsPerMinute, sess.DailyCoinsEarned, settings.MaxCoinsPerDay)
		if out.CoinsToCredit.IsPositive() {
			meta := map[string]string{"source": "afk", "session_id": sess.ID}
			if _, err := m.ledger.CreditTx(ctx, tx, sess.UserID, out.CoinsToCredit, SessionDescription, meta); err != nil {
				return res, window, fmt.Errorf("credit afk session %s: %w", sess.ID, err)
			}
			sess.SessionCoinsEarned = sess.SessionCoinsEarned.Add(out.CoinsToCredit)
			sess.DailyCoinsEarned = sess.DailyCoinsEarned.Add(out.CoinsToCredit)
		}
		res.CoinsEarned = out.CoinsToCredit
		res.DailyCoinsEarned = sess.DailyCoinsEarned
		res.LimitReached = out.LimitReached
	}

	sess.LastHeartbeatAt = now
	return res, window, nil
}

func (m *Manager) lock(ctx context.Context, userID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, m.cfg.LockTimeout)
	defer cancel()
	unlock, err := m.locker.Lock(lockCtx, userID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = domain.ErrLockTimeout
		}
		return nil, fmt.Errorf("lock user %s: %w", userID, err)
	}
	return unlock, nil
}

func (m *Manager) publish(sess *domain.AfkSession, res domain.HeartbeatResult, now time.Time) {
	if m.onEarn == nil || !res.CoinsEarned.IsPositive() {
		return
	}
	m.onEarn(Earning{
		UserID:           sess.UserID,
		SessionID:        sess.ID,
		Coins:            res.CoinsEarned,
		DailyCoinsEarned: res.DailyCoinsEarned,
		LimitReached:     res.LimitReached,
		Timestamp:        now,
	})
}

func heartbeatOutcome(settings domain.AfkSettings, res domain.HeartbeatResult) string {
	switch {
	case !settings.Enabled:
		return "disabled"
	case res.CoinsEarned.IsPositive():
		return "credited"
	case res.LimitReached:
		return "capped"
	default:
		return "idle"
	}
}

func heartbeatFailure(err error) string {
	switch {
	case errors.Is(err, domain.ErrHeartbeatTooSoon):
		return "too_soon"
	case errors.Is(err, domain.ErrNoActiveSession):
		return "no_session"
	default:
		return observability.OutcomeError
	}
}
