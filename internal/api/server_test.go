package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"autotrader-core/internal/conn"
	"autotrader-core/internal/learn"
	"autotrader-core/internal/monitor"
	"autotrader-core/pkg/broker"
	"autotrader-core/pkg/db"
)

type stubConn struct {
	connected bool
	accounts  []string
	def       string
	contracts []broker.ContractDetails
	lookupErr error
}

func (c *stubConn) IsConnected() bool      { return c.connected }
func (c *stubConn) Accounts() []string     { return c.accounts }
func (c *stubConn) DefaultAccount() string { return c.def }

func (c *stubConn) ContractLookup(ctx context.Context, contract broker.Contract) ([]broker.ContractDetails, error) {
	if c.lookupErr != nil {
		return nil, c.lookupErr
	}
	return c.contracts, nil
}

type stubSched struct{ running bool }

func (s *stubSched) Running() bool { return s.running }

type stubFeedback struct {
	stats learn.Stats
}

func (f *stubFeedback) TradeClosed(ctx context.Context, rec db.TradeRecord) error { return nil }
func (f *stubFeedback) Analyze(ctx context.Context) (int, error)                  { return 0, nil }
func (f *stubFeedback) Stats(ctx context.Context) (learn.Stats, error)            { return f.stats, nil }

const testSecret = "test-secret"

func newTestServer(t *testing.T, conn *stubConn, sched *stubSched) (*Server, *db.Database) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	s := NewServer(database, conn, sched, &stubFeedback{stats: learn.Stats{Wins: 2, Losses: 1, NetPnL: 120}},
		monitor.New(), testSecret, zerolog.Nop())
	return s, database
}

func doJSON(t *testing.T, s *Server, method, path, body string, hdr http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response %q is not JSON: %v", w.Body.String(), err)
		}
	}
	return w, decoded
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &stubConn{}, &stubSched{})
	w, body := doJSON(t, s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", w.Code, body)
	}
}

func TestStatusConnected(t *testing.T) {
	s, _ := newTestServer(t, &stubConn{
		connected: true,
		accounts:  []string{"DU111", "DU222"},
		def:       "DU111",
	}, &stubSched{})

	w, body := doJSON(t, s, http.MethodGet, "/api/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	if body["connected"] != true {
		t.Fatal("connected not reported")
	}
	if body["defaultAccount"] != "DU111" {
		t.Fatalf("defaultAccount = %v", body["defaultAccount"])
	}
	if accounts, ok := body["accounts"].([]any); !ok || len(accounts) != 2 {
		t.Fatalf("accounts = %v", body["accounts"])
	}
}

func TestStatusDisconnectedNullAccount(t *testing.T) {
	s, _ := newTestServer(t, &stubConn{}, &stubSched{})

	w, body := doJSON(t, s, http.MethodGet, "/api/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	if body["connected"] != false {
		t.Fatal("disconnected state not reported")
	}
	if body["defaultAccount"] != nil {
		t.Fatalf("defaultAccount = %v, want null", body["defaultAccount"])
	}
	// No accounts yields an empty array, never null.
	if _, ok := body["accounts"].([]any); !ok {
		t.Fatalf("accounts = %v, want []", body["accounts"])
	}
}

func TestSchedulerStatus(t *testing.T) {
	s, _ := newTestServer(t, &stubConn{}, &stubSched{running: true})
	_, body := doJSON(t, s, http.MethodGet, "/api/scheduler/status", "", nil)
	if body["running"] != true {
		t.Fatalf("running = %v", body["running"])
	}
}

func TestContractLookup(t *testing.T) {
	sc := &stubConn{
		connected: true,
		contracts: []broker.ContractDetails{
			{Contract: broker.StockContract("AAPL"), LongName: "APPLE INC", MinTick: 0.01},
		},
	}
	s, _ := newTestServer(t, sc, &stubSched{})

	w, body := doJSON(t, s, http.MethodGet, "/api/contracts/aapl", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lookup status = %d", w.Code)
	}
	if body["symbol"] != "AAPL" {
		t.Fatalf("symbol = %v, want AAPL (normalized)", body["symbol"])
	}
	if body["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", body["count"])
	}
}

func TestContractLookupGatewayDown(t *testing.T) {
	s, _ := newTestServer(t, &stubConn{lookupErr: conn.ErrNotConnected}, &stubSched{})

	w, body := doJSON(t, s, http.MethodGet, "/api/contracts/AAPL", "", nil)
	if w.Code != http.StatusServiceUnavailable || body["code"] != "GATEWAY_DISCONNECTED" {
		t.Fatalf("disconnected lookup = %d %v", w.Code, body)
	}
}

func TestTradesListsSeededRecords(t *testing.T) {
	s, database := newTestServer(t, &stubConn{}, &stubSched{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		err := database.CreateTradeRecord(ctx, db.TradeRecord{
			ID: id, Ticker: "T" + id, Mode: db.ModePaper, Signal: "BUY",
			Qty: 1, EntryPrice: 10, Status: db.StatusOpen, CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("seed trade: %v", err)
		}
	}

	_, body := doJSON(t, s, http.MethodGet, "/api/trades", "", nil)
	if body["count"] != float64(3) {
		t.Fatalf("count = %v, want 3", body["count"])
	}

	_, body = doJSON(t, s, http.MethodGet, "/api/trades?limit=2", "", nil)
	if body["count"] != float64(2) {
		t.Fatalf("limited count = %v, want 2", body["count"])
	}

	// Bogus limit falls back to the default.
	w, _ := doJSON(t, s, http.MethodGet, "/api/trades?limit=banana", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("bogus limit status = %d", w.Code)
	}
}

func TestSnapshots(t *testing.T) {
	s, database := newTestServer(t, &stubConn{}, &stubSched{})
	err := database.SaveSnapshot(context.Background(), db.Snapshot{
		Date: "2026-08-26", PortfolioValue: 100000, OpenTrades: 2,
	})
	if err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	_, body := doJSON(t, s, http.MethodGet, "/api/snapshots", "", nil)
	if body["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", body["count"])
	}
}

func TestPerformance(t *testing.T) {
	s, _ := newTestServer(t, &stubConn{}, &stubSched{})
	_, body := doJSON(t, s, http.MethodGet, "/api/performance", "", nil)
	if body["wins"] != float64(2) || body["net_pnl"] != float64(120) {
		t.Fatalf("performance = %v", body)
	}
}

func TestSchedulerConfigRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t, &stubConn{}, &stubSched{})

	w, body := doJSON(t, s, http.MethodPost, "/api/scheduler/config", `{"enabled":true}`, nil)
	if w.Code != http.StatusUnauthorized || body["code"] != "MISSING_TOKEN" {
		t.Fatalf("no-token response = %d %v", w.Code, body)
	}

	hdr := http.Header{"Authorization": []string{"Bearer not-a-token"}}
	w, body = doJSON(t, s, http.MethodPost, "/api/scheduler/config", `{"enabled":true}`, hdr)
	if w.Code != http.StatusUnauthorized || body["code"] != "INVALID_TOKEN" {
		t.Fatalf("bad-token response = %d %v", w.Code, body)
	}

	tok, err := generateToken("operator", testSecret, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	hdr = http.Header{"Authorization": []string{"Bearer " + tok}}
	w, _ = doJSON(t, s, http.MethodPost, "/api/scheduler/config", `{"enabled":true}`, hdr)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expired-token status = %d", w.Code)
	}
}

func TestSchedulerConfigPartialUpdate(t *testing.T) {
	s, database := newTestServer(t, &stubConn{}, &stubSched{})
	ctx := context.Background()
	err := database.SaveSchedulerConfig(ctx, db.SchedulerConfig{
		Enabled: false, AccountID: "DU111", PortfolioValue: 50000,
	})
	if err != nil {
		t.Fatalf("seed config: %v", err)
	}

	tok, err := generateToken("operator", testSecret, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	hdr := http.Header{"Authorization": []string{"Bearer " + tok}}

	w, _ := doJSON(t, s, http.MethodPost, "/api/scheduler/config", `{"enabled":true}`, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d", w.Code)
	}

	cfg, err := database.GetSchedulerConfig(ctx)
	if err != nil {
		t.Fatalf("GetSchedulerConfig: %v", err)
	}
	if !cfg.Enabled {
		t.Fatal("enabled toggle not persisted")
	}
	// Absent fields keep their stored values.
	if cfg.AccountID != "DU111" || cfg.PortfolioValue != 50000 {
		t.Fatalf("partial update clobbered config: %+v", cfg)
	}

	// Negative portfolio value is rejected before persisting.
	w, body := doJSON(t, s, http.MethodPost, "/api/scheduler/config", `{"portfolio_value":-1}`, hdr)
	if w.Code != http.StatusBadRequest || body["code"] != "INVALID_VALUE" {
		t.Fatalf("negative value response = %d %v", w.Code, body)
	}
	cfg, _ = database.GetSchedulerConfig(ctx)
	if cfg.PortfolioValue != 50000 {
		t.Fatalf("rejected update persisted: %v", cfg.PortfolioValue)
	}

	// Malformed payloads are rejected.
	w, body = doJSON(t, s, http.MethodPost, "/api/scheduler/config", `{"enabled":`, hdr)
	if w.Code != http.StatusBadRequest || body["code"] != "INVALID_PAYLOAD" {
		t.Fatalf("malformed payload response = %d %v", w.Code, body)
	}
}

func TestForeignSigningMethodRejected(t *testing.T) {
	s, _ := newTestServer(t, &stubConn{}, &stubSched{})

	// Correct secret, wrong algorithm: only HS256 tokens are accepted.
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign HS512 token: %v", err)
	}

	hdr := http.Header{"Authorization": []string{"Bearer " + tok}}
	w, _ := doJSON(t, s, http.MethodPost, "/api/scheduler/config", `{"enabled":true}`, hdr)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("HS512 token status = %d, want 401", w.Code)
	}
}

func TestWrongSigningSecretRejected(t *testing.T) {
	s, _ := newTestServer(t, &stubConn{}, &stubSched{})
	tok, err := generateToken("operator", "other-secret", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	hdr := http.Header{"Authorization": []string{"Bearer " + tok}}
	w, _ := doJSON(t, s, http.MethodPost, "/api/scheduler/config", `{"enabled":true}`, hdr)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("foreign-secret status = %d", w.Code)
	}
}
