// Package reaper closes AFK sessions whose client went away.
//
// A session whose last heartbeat is older than IdleTimeout is terminated
// through the session manager, so the final accrual and ledger credit
// follow exactly the same path as a user-initiated stop.
//
// The reaper:
//  1. Lists active sessions with a stale heartbeat
//  2. Terminates them concurrently, bounded by MaxConcurrent
//  3. Treats sessions stopped in the meantime as already handled
//  4. Resyncs the active-sessions gauge when the terminator keeps one
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/shopspring/decimal"

	"github.com/coinhost/afkd/internal/domain"
)

// ReasonIdle is logged for sessions closed by the reaper.
const ReasonIdle = "heartbeat timeout exceeded"

// SessionSource lists sessions with a heartbeat older than a cutoff.
type SessionSource interface {
	StaleSessions(ctx context.Context, heartbeatBefore time.Time) ([]domain.AfkSession, error)
}

// Terminator closes a user's active session.
type Terminator interface {
	ForceTerminate(ctx context.Context, userID, reason string) (decimal.Decimal, error)
}

// gaugeSyncer is implemented by terminators that keep a session gauge.
type gaugeSyncer interface {
	SyncActiveGauge(ctx context.Context) (int, error)
}

// Config controls reaper behavior.
type Config struct {
	Interval      time.Duration // Time between sweeps (default: 1m)
	IdleTimeout   time.Duration // Heartbeat silence before termination (default: 5m)
	MaxConcurrent int           // Parallel terminations per sweep (default: 4)
}

// DefaultConfig returns safe reaper defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Minute,
		IdleTimeout:   5 * time.Minute,
		MaxConcurrent: 4,
	}
}

// Reaper periodically terminates idle sessions.
type Reaper struct {
	mu         sync.RWMutex
	config     Config
	sessions   SessionSource
	terminator Terminator
	clock      domain.Clock
	sweeps     int64
	terminated int64
	failed     int64
}

// New creates a reaper. A nil clock means the system clock.
func New(cfg Config, sessions SessionSource, terminator Terminator, clock domain.Clock) *Reaper {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Reaper{
		config:     cfg,
		sessions:   sessions,
		terminator: terminator,
		clock:      clock,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	glog.Infof("[reaper] started (interval=%s idle_timeout=%s)", r.config.Interval, r.config.IdleTimeout)
	for {
		select {
		case <-ctx.Done():
			glog.Info("[reaper] stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				glog.Errorf("[reaper] sweep failed: %v", err)
			}
		}
	}
}

// Sweep terminates every session idle for longer than IdleTimeout and
// returns how many were closed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.config.IdleTimeout)
	stale, err := r.sessions.StaleSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		closed int
		failed int
	)
	sem := make(chan struct{}, r.config.MaxConcurrent)
	for _, s := range stale {
		sem <- struct{}{}
		wg.Add(1)
		go func(s domain.AfkSession) {
			defer wg.Done()
			defer func() { <-sem }()

			_, err := r.terminator.ForceTerminate(ctx, s.UserID, ReasonIdle)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				closed++
			case errors.Is(err, domain.ErrNoActiveSession):
				// Stopped by the user since the listing.
			default:
				failed++
				glog.Errorf("[reaper] terminate session %s user=%s: %v", s.ID, s.UserID, err)
			}
		}(s)
	}
	wg.Wait()

	r.mu.Lock()
	r.sweeps++
	r.terminated += int64(closed)
	r.failed += int64(failed)
	r.mu.Unlock()

	if closed > 0 {
		glog.Infof("[reaper] terminated %d idle session(s)", closed)
	}
	if gs, ok := r.terminator.(gaugeSyncer); ok {
		if _, err := gs.SyncActiveGauge(ctx); err != nil {
			glog.Warningf("[reaper] sync active gauge: %v", err)
		}
	}
	return closed, nil
}

// Stats summarizes reaper activity.
type Stats struct {
	Sweeps     int64 `json:"sweeps"`
	Terminated int64 `json:"terminated"`
	Failed     int64 `json:"failed"`
}

// Stats returns current reaper statistics.
func (r *Reaper) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Sweeps: r.sweeps, Terminated: r.terminated, Failed: r.failed}
}
