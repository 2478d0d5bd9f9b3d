// Package reconcile compares broker-reported positions and orders against
// internally tracked trade records, detecting external fills and closes.
package reconcile

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"autotrader-core/internal/events"
	"autotrader-core/internal/state"
	"autotrader-core/pkg/broker"
	"autotrader-core/pkg/cache"
	"autotrader-core/pkg/db"
)

// Cached prices older than this are pruned after each pass; a price that old
// predates any position the broker still reports.
const priceMaxAge = 48 * time.Hour

// Gateway is the snapshot surface reconciliation needs; *conn.Manager
// satisfies it.
type Gateway interface {
	Positions(ctx context.Context) ([]broker.PositionRow, error)
	OpenOrders(ctx context.Context) ([]broker.OpenOrderRow, error)
}

// Feedback receives closed trades for performance logging.
type Feedback interface {
	TradeClosed(ctx context.Context, rec db.TradeRecord) error
}

// Service reconciles one snapshot at a time.
type Service struct {
	gw       Gateway
	stateMgr *state.Manager
	database *db.Database
	feedback Feedback
	bus      *events.Bus
	log      zerolog.Logger

	mu     sync.Mutex // serializes Sync passes
	prices *cache.Prices
}

// Report summarizes one reconciliation pass. Positions carries the fresh
// broker snapshot so the orchestrator's risk gates work off the same data the
// reconciliation saw.
type Report struct {
	Timestamp        time.Time
	ExternalFills    []string
	ClosedTickers    []string
	Positions        []broker.PositionRow
	TotalMarketValue float64
	TotalUnrealized  float64
	OpenOrders       int
}

// NewService creates a reconciliation service.
func NewService(gw Gateway, stateMgr *state.Manager, database *db.Database, feedback Feedback, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		gw:       gw,
		stateMgr: stateMgr,
		database: database,
		feedback: feedback,
		bus:      bus,
		log:      log.With().Str("component", "reconcile").Logger(),
		prices:   cache.NewPrices(),
	}
}

// LastPrice returns the last broker-reported market price for a ticker, zero
// when the ticker was never seen in a snapshot.
func (s *Service) LastPrice(ticker string) float64 {
	return s.prices.Get(ticker)
}

// Sync performs one reconciliation pass against a fresh broker snapshot.
func (s *Service) Sync(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions, err := s.gw.Positions(ctx)
	if err != nil {
		return nil, err
	}

	// Open orders are informational here; a fetch failure must not abort the
	// position pass.
	openOrders, err := s.gw.OpenOrders(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("open order snapshot failed")
	}

	report := &Report{
		Timestamp:  time.Now(),
		Positions:  positions,
		OpenOrders: len(openOrders),
	}

	held := make(map[string]broker.PositionRow, len(positions))
	for _, row := range positions {
		if math.Abs(row.Qty) < 1e-9 {
			continue
		}
		ticker := strings.ToUpper(row.Contract.Symbol)
		held[ticker] = row
		if row.MarketPrice > 0 {
			s.prices.Set(ticker, row.MarketPrice)
		}
		report.TotalMarketValue += row.MarketValue
		report.TotalUnrealized += row.UnrealizedPnL
	}

	// Broker holds something we don't track: an external fill.
	for ticker, row := range held {
		if _, tracked := s.stateMgr.Trade(ticker); tracked {
			continue
		}
		rec := db.TradeRecord{
			ID:         uuid.NewString(),
			Ticker:     ticker,
			Mode:       db.ModeLive,
			Signal:     signalFromQty(row.Qty),
			Qty:        math.Abs(row.Qty),
			EntryPrice: row.AvgCost,
			Status:     db.StatusOpen,
			OpenedAt:   time.Now(),
		}
		if err := s.database.CreateTradeRecord(ctx, rec); err != nil {
			s.log.Error().Err(err).Str("ticker", ticker).Msg("store external fill failed")
			continue
		}
		s.stateMgr.Track(rec)
		s.bus.Publish(events.EventTradeOpened, rec)
		report.ExternalFills = append(report.ExternalFills, ticker)
		s.log.Info().Str("ticker", ticker).Float64("qty", rec.Qty).
			Float64("avg_cost", rec.EntryPrice).Msg("external fill detected")
	}

	// Tracked trades the broker no longer holds: fills became closes.
	for _, rec := range s.stateMgr.Trades() {
		row, stillHeld := held[rec.Ticker]

		// A pending entry now held by the broker means the parent filled.
		if rec.Status == db.StatusPending && stillHeld && math.Abs(row.Qty) >= rec.Qty-1e-9 {
			if err := s.database.MarkTradeStatus(ctx, rec.ID, db.StatusOpen); err != nil {
				s.log.Error().Err(err).Str("ticker", rec.Ticker).Msg("mark trade open failed")
				continue
			}
			s.stateMgr.MarkOpen(rec.Ticker)
			s.log.Info().Str("ticker", rec.Ticker).Msg("entry fill confirmed")
			continue
		}

		if rec.Status != db.StatusOpen || stillHeld {
			continue
		}

		closePrice := s.prices.Get(rec.Ticker)
		if closePrice == 0 {
			closePrice = rec.EntryPrice
		}
		status, reason := closeOutcome(rec, closePrice)
		pnl := realizedPnL(rec, closePrice)

		if err := s.database.CloseTradeRecord(ctx, rec.ID, closePrice, pnl, status, reason); err != nil {
			s.log.Error().Err(err).Str("ticker", rec.Ticker).Msg("close trade record failed")
			continue
		}
		s.stateMgr.Untrack(rec.Ticker)

		rec.Status = status
		rec.CloseReason = reason
		rec.ClosePrice = closePrice
		rec.PnL = pnl
		rec.ClosedAt = time.Now()

		if s.feedback != nil {
			if err := s.feedback.TradeClosed(ctx, rec); err != nil {
				s.log.Warn().Err(err).Str("ticker", rec.Ticker).Msg("feedback handoff failed")
			}
		}
		s.bus.Publish(events.EventTradeClosed, rec)
		report.ClosedTickers = append(report.ClosedTickers, rec.Ticker)
		s.log.Info().Str("ticker", rec.Ticker).Str("status", status).
			Float64("pnl", pnl).Msg("position close detected")
	}

	// Broker state is confirmed fresh; stale pending markers must not block
	// future dispatch.
	s.stateMgr.ClearPending()

	if removed := s.prices.Prune(priceMaxAge); removed > 0 {
		s.log.Debug().Int("removed", removed).Msg("stale cached prices pruned")
	}

	return report, nil
}

// closeOutcome classifies a detected close against the bracket prices.
func closeOutcome(rec db.TradeRecord, closePrice float64) (status, reason string) {
	long := strings.ToUpper(rec.Signal) == "BUY"
	switch {
	case rec.StopPrice > 0 && ((long && closePrice <= rec.StopPrice) || (!long && closePrice >= rec.StopPrice)):
		return db.StatusStopped, "stop"
	case rec.TargetPrice > 0 && ((long && closePrice >= rec.TargetPrice) || (!long && closePrice <= rec.TargetPrice)):
		return db.StatusTargetHit, "target"
	default:
		return db.StatusClosed, "manual"
	}
}

// realizedPnL computes P&L from entry to close for the record's direction.
func realizedPnL(rec db.TradeRecord, closePrice float64) float64 {
	if strings.ToUpper(rec.Signal) == "SELL" {
		return (rec.EntryPrice - closePrice) * rec.Qty
	}
	return (closePrice - rec.EntryPrice) * rec.Qty
}

func signalFromQty(qty float64) string {
	if qty < 0 {
		return "SELL"
	}
	return "BUY"
}
