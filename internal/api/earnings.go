package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/shopspring/decimal"

	"github.com/coinhost/afkd/internal/app/afk"
)

// ─── Live Earnings Feed ─────────────────────────────────────────────────────
// Each committed AFK credit is pushed to the earning user's open streams.
// Delivered via SSE: {type: "coins_earned", amount: "2.50", session_id: "..."}

// EarningsHub fans AFK credits out to per-user SSE subscribers.
type EarningsHub struct {
	mu      sync.RWMutex
	clients map[string]map[chan []byte]struct{}
}

// NewEarningsHub creates a new earnings broadcast hub.
func NewEarningsHub() *EarningsHub {
	return &EarningsHub{
		clients: make(map[string]map[chan []byte]struct{}),
	}
}

// EarningsEvent is one credit as seen by the client.
type EarningsEvent struct {
	Type             string          `json:"type"` // "coins_earned"
	Amount           decimal.Decimal `json:"amount"`
	SessionID        string          `json:"session_id"`
	DailyCoinsEarned decimal.Decimal `json:"daily_coins_earned"`
	LimitReached     bool            `json:"limit_reached"`
	Timestamp        int64           `json:"timestamp"` // Unix epoch
}

// Publish converts a session manager earning and broadcasts it.
func (h *EarningsHub) Publish(e afk.Earning) {
	h.Broadcast(e.UserID, EarningsEvent{
		Type:             "coins_earned",
		Amount:           e.Coins,
		SessionID:        e.SessionID,
		DailyCoinsEarned: e.DailyCoinsEarned,
		LimitReached:     e.LimitReached,
		Timestamp:        e.Timestamp.Unix(),
	})
}

// Broadcast sends an event to every stream of userID.
func (h *EarningsHub) Broadcast(userID string, event EarningsEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients[userID] {
		select {
		case ch <- data:
		default:
			// Client too slow, drop message
		}
	}
}

// Subscribe registers a stream for userID. Returns the channel and an unsubscribe func.
func (h *EarningsHub) Subscribe(userID string) (chan []byte, func()) {
	ch := make(chan []byte, 32)
	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[chan []byte]struct{})
	}
	h.clients[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients[userID], ch)
			if len(h.clients[userID]) == 0 {
				delete(h.clients, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// ClientCount returns the number of connected streams.
func (h *EarningsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// HandleEarningsSSE serves the caller's live earnings via Server-Sent Events.
// GET /api/earnings/live
func (h *EarningsHub) HandleEarningsSSE(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := h.Subscribe(id.UserID)
	defer unsub()
	glog.V(1).Infof("[api] earnings stream opened for user=%s", id.UserID)

	keepAlive := time.NewTicker(25 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case data := <-ch:
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
