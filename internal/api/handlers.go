package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/coinhost/afkd/internal/app/afk"
	"github.com/coinhost/afkd/internal/app/ledger"
	"github.com/coinhost/afkd/internal/app/settings"
	"github.com/coinhost/afkd/internal/domain"
)

// ─── AFK API ────────────────────────────────────────────────────────────────
// REST endpoints driven by the client's AFK page.
//
// POST /api/afk/start     : open a session
// POST /api/afk/heartbeat : credit time since the last heartbeat
// POST /api/afk/stop      : final credit and close
// GET  /api/afk/status    : session, settings and balance

// AfkAPI serves the session endpoints.
type AfkAPI struct {
	Sessions *afk.Manager
}

// HandleStart opens a session for the caller.
// POST /api/afk/start
func (a *AfkAPI) HandleStart(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	sess, err := a.Sessions.Start(r.Context(), id.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session": sess,
	})
}

// HandleHeartbeat credits the caller's session.
// POST /api/afk/heartbeat
func (a *AfkAPI) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	res, err := a.Sessions.Heartbeat(r.Context(), id.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleStop closes the caller's session.
// POST /api/afk/stop
func (a *AfkAPI) HandleStop(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	total, err := a.Sessions.Stop(r.Context(), id.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"coins_earned": total,
	})
}

// HandleStatus reports the caller's AFK state.
// GET /api/afk/status
func (a *AfkAPI) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	st, err := a.Sessions.Status(r.Context(), id.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ─── Coins API ──────────────────────────────────────────────────────────────
//
// GET /api/coins/balance              : current balance
// GET /api/coins/history?limit=&offset= : ledger entries, most recent first

// CoinsAPI serves read-only ledger endpoints for the caller.
type CoinsAPI struct {
	Ledger *ledger.Service
}

// HandleBalance returns the caller's balance.
// GET /api/coins/balance
func (c *CoinsAPI) HandleBalance(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	bal, err := c.Ledger.Balance(r.Context(), id.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance": bal,
	})
}

// HandleHistory returns a page of the caller's transactions.
// GET /api/coins/history
func (c *CoinsAPI) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	limit, err := queryInt(r, "limit", ledger.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid offset")
		return
	}

	limit, offset = ledger.PageBounds(limit, offset)
	txs, err := c.Ledger.History(r.Context(), id.UserID, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"limit":        limit,
		"offset":       offset,
	})
}

// ─── Admin API ──────────────────────────────────────────────────────────────
//
// GET  /api/admin/settings/afk             : current AFK settings
// PUT  /api/admin/settings/afk             : partial update
// POST /api/admin/coins/{userID}/credit    : manual credit (redeem codes, rewards)
// POST /api/admin/coins/{userID}/debit     : manual debit (purchases, corrections)

// AdminAPI serves operator endpoints.
type AdminAPI struct {
	Settings *settings.Provider
	Ledger   *ledger.Service
}

// HandleGetSettings returns the AFK settings snapshot.
// GET /api/admin/settings/afk
func (a *AdminAPI) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := a.Settings.Get(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type settingsPatch struct {
	Enabled        *bool            `json:"enabled"`
	CoinsPerMinute *decimal.Decimal `json:"coins_per_minute"`
	MaxCoinsPerDay *decimal.Decimal `json:"max_coins_per_day"`
}

// HandlePutSettings applies a partial settings update.
// PUT /api/admin/settings/afk
func (a *AdminAPI) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	var patch settingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	s, err := a.Settings.Get(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if patch.Enabled != nil {
		s.Enabled = *patch.Enabled
	}
	if patch.CoinsPerMinute != nil {
		s.CoinsPerMinute = *patch.CoinsPerMinute
	}
	if patch.MaxCoinsPerDay != nil {
		s.MaxCoinsPerDay = *patch.MaxCoinsPerDay
	}

	if err := a.Settings.Update(r.Context(), s); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type adjustRequest struct {
	Amount      decimal.Decimal   `json:"amount"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// HandleCredit credits a user.
// POST /api/admin/coins/{userID}/credit
func (a *AdminAPI) HandleCredit(w http.ResponseWriter, r *http.Request) {
	a.adjust(w, r, domain.EntryCredit)
}

// HandleDebit debits a user.
// POST /api/admin/coins/{userID}/debit
func (a *AdminAPI) HandleDebit(w http.ResponseWriter, r *http.Request) {
	a.adjust(w, r, domain.EntryDebit)
}

func (a *AdminAPI) adjust(w http.ResponseWriter, r *http.Request, typ domain.EntryType) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing user id")
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Description == "" {
		req.Description = domain.DescAdjustment
	}
	if admin, ok := IdentityFrom(r.Context()); ok {
		if req.Metadata == nil {
			req.Metadata = make(map[string]string)
		}
		req.Metadata["admin"] = admin.UserID
	}

	post := a.Ledger.Credit
	if typ == domain.EntryDebit {
		post = a.Ledger.Debit
	}
	entry, err := post(r.Context(), userID, req.Amount, req.Description, req.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction": entry,
		"balance":     entry.BalanceAfter,
	})
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
