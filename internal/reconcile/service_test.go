package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"autotrader-core/internal/events"
	"autotrader-core/internal/state"
	"autotrader-core/pkg/broker"
	"autotrader-core/pkg/db"
)

type fakeGateway struct {
	positions  []broker.PositionRow
	posErr     error
	openOrders []broker.OpenOrderRow
	ordErr     error
}

func (g *fakeGateway) Positions(ctx context.Context) ([]broker.PositionRow, error) {
	return g.positions, g.posErr
}

func (g *fakeGateway) OpenOrders(ctx context.Context) ([]broker.OpenOrderRow, error) {
	return g.openOrders, g.ordErr
}

type fakeFeedback struct {
	closed []db.TradeRecord
}

func (f *fakeFeedback) TradeClosed(ctx context.Context, rec db.TradeRecord) error {
	f.closed = append(f.closed, rec)
	return nil
}

func position(symbol string, qty, avgCost, marketPrice float64) broker.PositionRow {
	return broker.PositionRow{
		Account:       "DU111",
		Contract:      broker.StockContract(symbol),
		Qty:           qty,
		AvgCost:       avgCost,
		MarketPrice:   marketPrice,
		MarketValue:   qty * marketPrice,
		UnrealizedPnL: qty * (marketPrice - avgCost),
	}
}

func newTestService(t *testing.T, gw *fakeGateway) (*Service, *state.Manager, *db.Database, *fakeFeedback) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}

	stateMgr := state.NewManager(database)
	feedback := &fakeFeedback{}
	svc := NewService(gw, stateMgr, database, feedback, events.NewBus(), zerolog.Nop())
	return svc, stateMgr, database, feedback
}

func seedTrade(t *testing.T, database *db.Database, stateMgr *state.Manager, rec db.TradeRecord) {
	t.Helper()
	if err := database.CreateTradeRecord(context.Background(), rec); err != nil {
		t.Fatalf("seed trade: %v", err)
	}
	stateMgr.Track(rec)
}

func TestExternalFillCreatesOpenRecord(t *testing.T) {
	gw := &fakeGateway{positions: []broker.PositionRow{position("AAPL", 10, 180.5, 185)}}
	svc, stateMgr, database, _ := newTestService(t, gw)

	report, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(report.ExternalFills) != 1 || report.ExternalFills[0] != "AAPL" {
		t.Fatalf("ExternalFills = %v, want [AAPL]", report.ExternalFills)
	}

	rec, tracked := stateMgr.Trade("AAPL")
	if !tracked {
		t.Fatal("external fill not tracked")
	}
	if rec.Status != db.StatusOpen || rec.Mode != db.ModeLive || rec.Signal != "BUY" {
		t.Fatalf("tracked record = %+v", rec)
	}
	if rec.Qty != 10 || rec.EntryPrice != 180.5 {
		t.Fatalf("record sizing = qty %v entry %v", rec.Qty, rec.EntryPrice)
	}

	stored, err := database.OpenTradeRecords(context.Background())
	if err != nil {
		t.Fatalf("OpenTradeRecords() error = %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored %d open records, want 1", len(stored))
	}
}

func TestShortExternalFill(t *testing.T) {
	gw := &fakeGateway{positions: []broker.PositionRow{position("TSLA", -5, 250, 245)}}
	svc, stateMgr, _, _ := newTestService(t, gw)

	if _, err := svc.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	rec, tracked := stateMgr.Trade("TSLA")
	if !tracked {
		t.Fatal("short fill not tracked")
	}
	if rec.Signal != "SELL" || rec.Qty != 5 {
		t.Fatalf("short record = signal %q qty %v, want SELL 5", rec.Signal, rec.Qty)
	}
}

func TestVanishedPositionClosesAtStop(t *testing.T) {
	gw := &fakeGateway{positions: []broker.PositionRow{position("AAPL", 10, 100, 94)}}
	svc, stateMgr, database, feedback := newTestService(t, gw)

	seedTrade(t, database, stateMgr, db.TradeRecord{
		ID:          "trade-1",
		Ticker:      "AAPL",
		Mode:        db.ModeLive,
		Signal:      "BUY",
		Qty:         10,
		EntryPrice:  100,
		StopPrice:   95,
		TargetPrice: 110,
		Status:      db.StatusOpen,
	})

	// First pass: still held, price cached.
	if _, err := svc.Sync(context.Background()); err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}
	if _, tracked := stateMgr.Trade("AAPL"); !tracked {
		t.Fatal("held position untracked prematurely")
	}

	// Second pass: position gone; the close resolves against the cached price.
	gw.positions = nil
	report, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if len(report.ClosedTickers) != 1 || report.ClosedTickers[0] != "AAPL" {
		t.Fatalf("ClosedTickers = %v, want [AAPL]", report.ClosedTickers)
	}
	if _, tracked := stateMgr.Trade("AAPL"); tracked {
		t.Fatal("closed trade still tracked")
	}

	if len(feedback.closed) != 1 {
		t.Fatalf("feedback received %d trades, want 1", len(feedback.closed))
	}
	closed := feedback.closed[0]
	if closed.Status != db.StatusStopped || closed.CloseReason != "stop" {
		t.Fatalf("close outcome = %s/%s, want STOPPED/stop", closed.Status, closed.CloseReason)
	}
	if closed.PnL != -60 {
		t.Fatalf("realized pnl = %v, want -60", closed.PnL)
	}
}

func TestPendingEntryConfirmedOnFill(t *testing.T) {
	gw := &fakeGateway{positions: []broker.PositionRow{position("MSFT", 10, 410, 412)}}
	svc, stateMgr, database, _ := newTestService(t, gw)

	seedTrade(t, database, stateMgr, db.TradeRecord{
		ID:         "trade-2",
		Ticker:     "MSFT",
		Mode:       db.ModeLive,
		Signal:     "BUY",
		Qty:        10,
		EntryPrice: 410,
		Status:     db.StatusPending,
	})

	if _, err := svc.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	rec, tracked := stateMgr.Trade("MSFT")
	if !tracked || rec.Status != db.StatusOpen {
		t.Fatalf("pending trade after fill = %+v, want tracked OPEN", rec)
	}
	stored, err := database.OpenTradeRecords(context.Background())
	if err != nil {
		t.Fatalf("OpenTradeRecords() error = %v", err)
	}
	if len(stored) != 1 || stored[0].Status != db.StatusOpen {
		t.Fatalf("stored records = %+v, want one OPEN", stored)
	}
}

func TestSyncClearsPendingMarkers(t *testing.T) {
	gw := &fakeGateway{}
	svc, stateMgr, _, _ := newTestService(t, gw)

	stateMgr.MarkPending("XYZ")
	if !stateMgr.IsPending("XYZ") {
		t.Fatal("MarkPending did not stick")
	}

	if _, err := svc.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if stateMgr.IsPending("XYZ") {
		t.Fatal("pending marker survived a confirmed-fresh sync")
	}
}

func TestPositionFetchFailureAbortsSync(t *testing.T) {
	gw := &fakeGateway{posErr: errors.New("gateway down")}
	svc, stateMgr, database, _ := newTestService(t, gw)

	seedTrade(t, database, stateMgr, db.TradeRecord{
		ID: "trade-3", Ticker: "AAPL", Mode: db.ModeLive, Signal: "BUY",
		Qty: 1, EntryPrice: 100, Status: db.StatusOpen,
	})
	stateMgr.MarkPending("AAPL")

	if _, err := svc.Sync(context.Background()); err == nil {
		t.Fatal("Sync() returned nil error on position fetch failure")
	}
	// No snapshot means no conclusions: nothing closed, markers intact.
	if _, tracked := stateMgr.Trade("AAPL"); !tracked {
		t.Fatal("trade untracked on failed sync")
	}
	if !stateMgr.IsPending("AAPL") {
		t.Fatal("pending marker cleared on failed sync")
	}
}

func TestReportTotals(t *testing.T) {
	gw := &fakeGateway{positions: []broker.PositionRow{
		position("AAPL", 10, 180, 185),
		position("MSFT", 5, 400, 410),
	}}
	svc, _, _, _ := newTestService(t, gw)

	report, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if want := 10*185.0 + 5*410.0; report.TotalMarketValue != want {
		t.Fatalf("TotalMarketValue = %v, want %v", report.TotalMarketValue, want)
	}
	if want := 10*5.0 + 5*10.0; report.TotalUnrealized != want {
		t.Fatalf("TotalUnrealized = %v, want %v", report.TotalUnrealized, want)
	}
	if svc.LastPrice("AAPL") != 185 {
		t.Fatalf("LastPrice(AAPL) = %v, want 185", svc.LastPrice("AAPL"))
	}
}

func TestCloseOutcomeClassification(t *testing.T) {
	long := db.TradeRecord{Signal: "BUY", EntryPrice: 100, StopPrice: 95, TargetPrice: 110}
	short := db.TradeRecord{Signal: "SELL", EntryPrice: 100, StopPrice: 105, TargetPrice: 90}

	cases := []struct {
		name       string
		rec        db.TradeRecord
		closePrice float64
		wantStatus string
		wantReason string
	}{
		{"long stop", long, 94, db.StatusStopped, "stop"},
		{"long target", long, 111, db.StatusTargetHit, "target"},
		{"long manual", long, 102, db.StatusClosed, "manual"},
		{"short stop", short, 106, db.StatusStopped, "stop"},
		{"short target", short, 89, db.StatusTargetHit, "target"},
		{"short manual", short, 99, db.StatusClosed, "manual"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, reason := closeOutcome(tc.rec, tc.closePrice)
			if status != tc.wantStatus || reason != tc.wantReason {
				t.Fatalf("closeOutcome(%v) = %s/%s, want %s/%s",
					tc.closePrice, status, reason, tc.wantStatus, tc.wantReason)
			}
		})
	}
}

func TestRealizedPnLDirection(t *testing.T) {
	long := db.TradeRecord{Signal: "BUY", EntryPrice: 100, Qty: 10}
	if got := realizedPnL(long, 110); got != 100 {
		t.Fatalf("long pnl = %v, want 100", got)
	}
	short := db.TradeRecord{Signal: "SELL", EntryPrice: 100, Qty: 10}
	if got := realizedPnL(short, 90); got != 100 {
		t.Fatalf("short pnl = %v, want 100", got)
	}
}
