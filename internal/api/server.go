// Package api provides the HTTP server for afkd.
// It exposes the AFK session, coin ledger and admin endpoints behind
// bearer authentication, plus unauthenticated health and metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coinhost/afkd/internal/domain"
)

// Server is the afkd HTTP API server.
type Server struct {
	auth           *Authenticator
	limiter        *UserLimiter
	metricsEnabled bool
	afk            *AfkAPI
	coins          *CoinsAPI
	admin          *AdminAPI
	earningsHub    *EarningsHub
	healthStats    map[string]func() any
}

// NewServer creates a new API server authenticating with auth.
func NewServer(auth *Authenticator) *Server {
	return &Server{auth: auth}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetRateLimiter limits AFK requests per user.
func (s *Server) SetRateLimiter(l *UserLimiter) { s.limiter = l }

// SetAfk sets the session API.
func (s *Server) SetAfk(a *AfkAPI) { s.afk = a }

// SetCoins sets the ledger API.
func (s *Server) SetCoins(c *CoinsAPI) { s.coins = c }

// SetAdmin sets the operator API.
func (s *Server) SetAdmin(a *AdminAPI) { s.admin = a }

// SetEarningsHub sets the live earnings SSE hub.
func (s *Server) SetEarningsHub(h *EarningsHub) { s.earningsHub = h }

// AddHealthStat reports fn() under name in the /health stats object.
func (s *Server) AddHealthStat(name string, fn func() any) {
	if s.healthStats == nil {
		s.healthStats = make(map[string]func() any)
	}
	s.healthStats[name] = fn
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		// Live earnings stream stays open; no request timeout.
		if s.earningsHub != nil {
			r.Get("/earnings/live", s.earningsHub.HandleEarningsSSE)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			if s.afk != nil {
				r.Route("/afk", func(r chi.Router) {
					if s.limiter != nil {
						r.Use(s.limiter.Middleware("afk"))
					}
					r.Post("/start", s.afk.HandleStart)
					r.Post("/heartbeat", s.afk.HandleHeartbeat)
					r.Post("/stop", s.afk.HandleStop)
					r.Get("/status", s.afk.HandleStatus)
				})
			}

			if s.coins != nil {
				r.Route("/coins", func(r chi.Router) {
					r.Get("/balance", s.coins.HandleBalance)
					r.Get("/history", s.coins.HandleHistory)
				})
			}

			if s.admin != nil {
				r.Route("/admin", func(r chi.Router) {
					r.Use(RequireAdmin)
					r.Get("/settings/afk", s.admin.HandleGetSettings)
					r.Put("/settings/afk", s.admin.HandlePutSettings)
					r.Post("/coins/{userID}/credit", s.admin.HandleCredit)
					r.Post("/coins/{userID}/debit", s.admin.HandleDebit)
				})
			}
		})
	})

	return r
}

// handleHealth reports liveness plus in-process counters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]any, len(s.healthStats)+2)
	if s.earningsHub != nil {
		stats["earnings_clients"] = s.earningsHub.ClientCount()
	}
	if s.limiter != nil {
		stats["rate_limit_buckets"] = s.limiter.Len()
	}
	for name, fn := range s.healthStats {
		stats[name] = fn()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"stats":  stats,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    typ,
		},
	})
}

// errorMapping pairs a domain error with its HTTP status and error type.
var errorMapping = []struct {
	err    error
	status int
	typ    string
}{
	{domain.ErrFeatureDisabled, http.StatusForbidden, "feature_disabled"},
	{domain.ErrAlreadyActive, http.StatusConflict, "already_active"},
	{domain.ErrNoActiveSession, http.StatusConflict, "no_active_session"},
	{domain.ErrHeartbeatTooSoon, http.StatusTooManyRequests, "heartbeat_too_soon"},
	{domain.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{domain.ErrInvalidSettings, http.StatusBadRequest, "invalid_settings"},
	{domain.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
	{domain.ErrLockTimeout, http.StatusServiceUnavailable, "busy"},
}

// statusFor maps err to an HTTP status and error type.
func statusFor(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.typ
		}
	}
	return http.StatusInternalServerError, "internal"
}

// writeDomainError translates err into a JSON error response.
// Unmapped errors are logged and reported without detail.
func writeDomainError(w http.ResponseWriter, err error) {
	status, typ := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		glog.Errorf("[api] internal error: %v", err)
		msg = "internal error"
	} else if status == http.StatusUnauthorized {
		msg = domain.ErrUnauthorized.Error()
	}
	writeError(w, status, typ, msg)
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
