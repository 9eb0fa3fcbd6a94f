// Package observability holds the Prometheus metrics for afkd.
//
// Metric families:
//   - afk sessions: started, ended by reason, currently active
//   - afk heartbeats: outcome and credited window length
//   - ledger: operations by type and outcome, coin volume
//   - api: requests rejected by the per-user rate limiter
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// AFK Session Metrics
// ═══════════════════════════════════════════════════════════════════════════

// AfkSessionsStarted counts successful session starts.
var AfkSessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "afkd",
	Subsystem: "afk",
	Name:      "sessions_started_total",
	Help:      "Total AFK sessions started.",
})

// AfkSessionsEnded counts closed sessions by end reason (stopped, terminated).
var AfkSessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "afkd",
	Subsystem: "afk",
	Name:      "sessions_ended_total",
	Help:      "Total AFK sessions ended, by reason.",
}, []string{"reason"})

// AfkActiveSessions tracks open sessions. It is set from the store at startup
// and after every reaper sweep, and moved by this instance's starts and stops
// in between.
var AfkActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "afkd",
	Subsystem: "afk",
	Name:      "active_sessions",
	Help:      "Open AFK sessions, resynced from the store on every reaper sweep.",
})

// AfkHeartbeats counts heartbeats by outcome (credited, capped, idle, too_soon, no_session, disabled).
var AfkHeartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "afkd",
	Subsystem: "afk",
	Name:      "heartbeats_total",
	Help:      "Total AFK heartbeats, by outcome.",
}, []string{"outcome"})

// AfkCreditedWindow tracks the clamped elapsed window credited per heartbeat.
var AfkCreditedWindow = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "afkd",
	Subsystem: "afk",
	Name:      "credited_window_seconds",
	Help:      "Elapsed seconds credited per heartbeat after clamping.",
	Buckets:   []float64{5, 15, 30, 45, 60, 90, 120, 150, 300},
})

// ═══════════════════════════════════════════════════════════════════════════
// Ledger Metrics
// ═══════════════════════════════════════════════════════════════════════════

// LedgerOperations counts ledger postings by entry type and outcome.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "afkd",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Total ledger operations, by type and outcome.",
}, []string{"type", "outcome"})

// LedgerCoins sums coin volume by entry type.
var LedgerCoins = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "afkd",
	Subsystem: "ledger",
	Name:      "coins_total",
	Help:      "Total coins moved through the ledger, by type.",
}, []string{"type"})

// ═══════════════════════════════════════════════════════════════════════════
// API Metrics
// ═══════════════════════════════════════════════════════════════════════════

// APIRateLimited counts requests rejected by the per-user rate limiter.
var APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "afkd",
	Subsystem: "api",
	Name:      "rate_limited_total",
	Help:      "Requests rejected by the per-user rate limiter, by route.",
}, []string{"route"})

// Outcome label values shared by callers.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)
