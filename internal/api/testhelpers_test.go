package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinhost/afkd/internal/app/afk"
	"github.com/coinhost/afkd/internal/app/ledger"
	"github.com/coinhost/afkd/internal/app/settings"
	"github.com/coinhost/afkd/internal/domain"
	"github.com/coinhost/afkd/internal/infra/keylock"
	"github.com/coinhost/afkd/internal/infra/sqlite"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	handler  http.Handler
	server   *Server
	auth     *Authenticator
	hub      *EarningsHub
	clock    *fakeClock
	sessions *afk.Manager
	ledger   *ledger.Service
	settings *settings.Provider
}

func newTestEnv(t *testing.T, opts ...func(*Server)) *testEnv {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	auth, err := NewAuthenticator([]byte(testSecret), "afkd-test", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	clock := &fakeClock{t: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	led := ledger.New(db, clock)
	prov := settings.NewProvider(db, domain.AfkSettings{
		Enabled:        true,
		CoinsPerMinute: decimal.NewFromInt(10),
		MaxCoinsPerDay: decimal.NewFromInt(100),
	})
	mgr := afk.New(afk.DefaultConfig(), db, led, prov, keylock.New(), clock)
	hub := NewEarningsHub()
	mgr.OnEarning(hub.Publish)

	srv := NewServer(auth)
	srv.EnableMetrics()
	srv.SetAfk(&AfkAPI{Sessions: mgr})
	srv.SetCoins(&CoinsAPI{Ledger: led})
	srv.SetAdmin(&AdminAPI{Settings: prov, Ledger: led})
	srv.SetEarningsHub(hub)
	for _, fn := range opts {
		fn(srv)
	}

	return &testEnv{
		handler:  srv.Handler(),
		server:   srv,
		auth:     auth,
		hub:      hub,
		clock:    clock,
		sessions: mgr,
		ledger:   led,
		settings: prov,
	}
}

func (e *testEnv) token(t *testing.T, userID string, admin bool) string {
	t.Helper()
	tok, _, err := e.auth.Issue(userID, admin)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	return tok
}

// do sends a request through the router and decodes the JSON body.
func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v (body %q)", method, path, err, w.Body.String())
		}
	}
	return w.Code, resp
}

// decField reads a decimal encoded as a JSON string.
func decField(t *testing.T, m map[string]interface{}, key string) decimal.Decimal {
	t.Helper()
	s, ok := m[key].(string)
	if !ok {
		t.Fatalf("field %q = %#v, want decimal string", key, m[key])
	}
	return decimal.RequireFromString(s)
}

func errorType(m map[string]interface{}) string {
	e, _ := m["error"].(map[string]interface{})
	typ, _ := e["type"].(string)
	return typ
}
