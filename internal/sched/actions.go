package sched

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"autotrader-core/internal/engine"
	"autotrader-core/internal/reconcile"
	"autotrader-core/internal/risk"
	"autotrader-core/pkg/db"
)

// snapshotAsync persists the daily snapshot without blocking the cycle.
// Reporting-only: failure is logged and the marker stays consumed, so a
// failed snapshot is not retried until the next calendar date.
func (o *Orchestrator) snapshotAsync(now time.Time, report *reconcile.Report) {
	date := now.Format("2006-01-02")
	value := report.TotalMarketValue
	unrealized := report.TotalUnrealized

	openCount := 0
	for _, rec := range o.deps.State.Trades() {
		if rec.Status == db.StatusOpen {
			openCount++
		}
	}

	o.background.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		realized := 0.0
		if stats, err := o.deps.Feedback.Stats(ctx); err == nil {
			realized = stats.NetPnL
		}
		snap := db.Snapshot{
			Date:           date,
			PortfolioValue: value,
			RealizedPnL:    realized,
			UnrealizedPnL:  unrealized,
			OpenTrades:     openCount,
		}
		if err := o.deps.Store.SaveSnapshot(ctx, snap); err != nil {
			o.log.Warn().Err(err).Str("date", date).Msg("snapshot persist failed")
			return
		}
		o.log.Info().Str("date", date).Float64("value", value).Msg("daily snapshot saved")
	})
}

// refreshPortfolioValue persists the broker-derived portfolio value only when
// it moved materially from the stored one, so quiet markets do not churn the
// config row every cycle.
func (o *Orchestrator) refreshPortfolioValue(ctx context.Context, cfg db.SchedulerConfig, report *reconcile.Report) {
	value := report.TotalMarketValue
	o.deps.Metrics.SetPortfolio(value)
	if value <= 0 {
		return
	}

	threshold := math.Max(1, 0.001*cfg.PortfolioValue)
	if math.Abs(value-cfg.PortfolioValue) <= threshold {
		return
	}
	if err := o.deps.Store.UpdatePortfolioValue(ctx, value); err != nil {
		o.log.Warn().Err(err).Msg("portfolio value update failed")
		return
	}
	o.log.Info().Float64("old", cfg.PortfolioValue).Float64("new", value).
		Msg("portfolio value refreshed")
}

// assessDrawdown derives the risk multiplier every later gate uses this
// cycle. The baseline is the stored portfolio value read at the top of the
// cycle, before this cycle's refresh.
func (o *Orchestrator) assessDrawdown(cfg db.SchedulerConfig, report *reconcile.Report, policy risk.Policy) float64 {
	health := risk.ComputeHealth(report.TotalMarketValue, cfg.PortfolioValue)
	multiplier := policy.Multiplier(health)
	if multiplier < 1 {
		o.log.Warn().Float64("drawdown_pct", health.DrawdownPct).
			Float64("multiplier", multiplier).Msg("drawdown protection engaged")
	}
	return multiplier
}

// gainFraction is the side-aware unrealized move of a tracked trade at the
// given price, positive when the trade is in profit.
func gainFraction(rec db.TradeRecord, price float64) float64 {
	if rec.EntryPrice <= 0 {
		return 0
	}
	frac := (price - rec.EntryPrice) / rec.EntryPrice
	if rec.Signal == "SELL" {
		frac = -frac
	}
	return frac
}

// closeSide is the order side that flattens a position opened by signal.
func closeSide(signal string) string {
	if signal == "SELL" {
		return "BUY"
	}
	return "SELL"
}

// checkDipBuys adds to long positions that pulled back past the dip
// threshold while still above the stop. Suppressed entirely outside full
// risk appetite.
func (o *Orchestrator) checkDipBuys(ctx context.Context, report *reconcile.Report, policy risk.Policy, multiplier float64) {
	if multiplier < 1 {
		return
	}
	for _, rec := range o.deps.State.Trades() {
		if rec.Status != db.StatusOpen || rec.Signal != "BUY" || o.deps.State.IsPending(rec.Ticker) {
			continue
		}
		price := o.deps.Reconciler.LastPrice(rec.Ticker)
		if price <= 0 || price <= rec.StopPrice {
			continue
		}
		if gainFraction(rec, price) > -policy.DipBuyPct {
			continue
		}
		addQty := math.Floor(rec.Qty / 2)
		if addQty < 1 {
			continue
		}
		o.log.Info().Str("ticker", rec.Ticker).Float64("price", price).
			Float64("add_qty", addQty).Msg("dip-buy opportunity")
		if rec.Mode != db.ModeLive || !o.cfg.ExecutionEnabled {
			continue
		}
		if _, err := o.deps.Engine.PlaceMarketOrder(ctx, rec.Ticker, "BUY", addQty); err != nil {
			o.log.Warn().Err(err).Str("ticker", rec.Ticker).Msg("dip-buy order failed")
			continue
		}
		o.deps.State.MarkPending(rec.Ticker)
	}
}

// checkProfitTakes flattens positions whose unrealized gain crossed the
// profit-take threshold ahead of the resting target order.
func (o *Orchestrator) checkProfitTakes(ctx context.Context, report *reconcile.Report, policy risk.Policy) {
	for _, rec := range o.deps.State.Trades() {
		if rec.Status != db.StatusOpen || o.deps.State.IsPending(rec.Ticker) {
			continue
		}
		price := o.deps.Reconciler.LastPrice(rec.Ticker)
		if price <= 0 || gainFraction(rec, price) < policy.ProfitTakePct {
			continue
		}
		o.closeTrade(ctx, rec, price, db.StatusTargetHit, "profit_take")
	}
}

// checkLossCuts flattens positions whose unrealized loss crossed the
// loss-cut threshold. The bracket stop normally fires first; this is the
// backstop for gapped or slipped stops.
func (o *Orchestrator) checkLossCuts(ctx context.Context, report *reconcile.Report, policy risk.Policy) {
	for _, rec := range o.deps.State.Trades() {
		if rec.Status != db.StatusOpen || o.deps.State.IsPending(rec.Ticker) {
			continue
		}
		price := o.deps.Reconciler.LastPrice(rec.Ticker)
		if price <= 0 || gainFraction(rec, price) > -policy.LossCutPct {
			continue
		}
		o.closeTrade(ctx, rec, price, db.StatusStopped, "loss_cut")
	}
}

// closeTrade flattens one tracked trade. Live trades go through a market
// order and settle via the reconciler; paper trades close in the store
// immediately.
func (o *Orchestrator) closeTrade(ctx context.Context, rec db.TradeRecord, price float64, status, reason string) {
	if rec.Mode == db.ModeLive {
		if !o.cfg.ExecutionEnabled {
			o.log.Info().Str("ticker", rec.Ticker).Str("reason", reason).
				Msg("close suppressed, execution disabled")
			return
		}
		if _, err := o.deps.Engine.PlaceMarketOrder(ctx, rec.Ticker, closeSide(rec.Signal), rec.Qty); err != nil {
			o.log.Warn().Err(err).Str("ticker", rec.Ticker).Str("reason", reason).
				Msg("close order failed")
			return
		}
		o.deps.State.MarkPending(rec.Ticker)
		o.log.Info().Str("ticker", rec.Ticker).Str("reason", reason).
			Float64("price", price).Msg("close order placed")
		return
	}

	pnl := (price - rec.EntryPrice) * rec.Qty
	if rec.Signal == "SELL" {
		pnl = -pnl
	}
	if err := o.deps.Store.CloseTradeRecord(ctx, rec.ID, price, pnl, status, reason); err != nil {
		o.log.Warn().Err(err).Str("ticker", rec.Ticker).Msg("paper close failed")
		return
	}
	o.deps.State.Untrack(rec.Ticker)
	rec.Status = status
	rec.ClosePrice = price
	rec.PnL = pnl
	rec.CloseReason = reason
	if err := o.deps.Feedback.TradeClosed(ctx, rec); err != nil {
		o.log.Debug().Err(err).Str("ticker", rec.Ticker).Msg("feedback hand-off failed")
	}
	o.log.Info().Str("ticker", rec.Ticker).Str("reason", reason).
		Float64("pnl", pnl).Msg("paper trade closed")
}

// ingestSignals fetches external trade ideas and dispatches new ones to
// order placement. Tickers are marked processed before dispatch so a retried
// cycle cannot double-place the same idea; a failed placement therefore
// waits for the next process restart, not the next cycle.
func (o *Orchestrator) ingestSignals(ctx context.Context, cfg db.SchedulerConfig, report *reconcile.Report, policy risk.Policy, multiplier float64) {
	ideas, err := o.deps.Signals.FetchIdeas(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("signal fetch failed, ingestion skipped")
		return
	}
	if multiplier == 0 {
		o.log.Warn().Int("ideas", len(ideas)).Msg("hard drawdown, new entries suppressed")
		return
	}

	portfolioValue := report.TotalMarketValue
	if portfolioValue <= 0 {
		portfolioValue = cfg.PortfolioValue
	}
	openCount := len(o.deps.State.Trades())

	for _, idea := range ideas {
		o.deps.Metrics.IdeaSeen()
		if _, seen := o.processed[idea.Ticker]; seen {
			continue
		}
		if idea.Conviction < policy.MinConviction {
			continue
		}
		if _, tracked := o.deps.State.Trade(idea.Ticker); tracked || o.deps.State.IsPending(idea.Ticker) {
			continue
		}
		if openCount >= policy.MaxOpenTrades {
			o.log.Info().Int("open", openCount).Msg("max open trades reached, batch truncated")
			return
		}

		o.processed[idea.Ticker] = struct{}{}
		if err := o.dispatchIdea(ctx, idea.Ticker, idea.Signal, idea.Conviction,
			idea.Entry, idea.Stop, idea.Target, portfolioValue, policy, multiplier); err != nil {
			o.log.Warn().Err(err).Str("ticker", idea.Ticker).Msg("idea dispatch failed")
			continue
		}
		openCount++
	}
}

// dispatchIdea sizes and places one bracket for an accepted idea, tracking
// the resulting trade record.
func (o *Orchestrator) dispatchIdea(ctx context.Context, ticker, signal string, conviction, entry, stop, target, portfolioValue float64, policy risk.Policy, multiplier float64) error {
	if entry <= 0 {
		entry = o.deps.Reconciler.LastPrice(ticker)
	}
	if entry <= 0 {
		o.log.Debug().Str("ticker", ticker).Msg("no usable entry price, idea skipped")
		return nil
	}
	long := signal != "SELL"
	if stop <= 0 {
		if long {
			stop = entry * (1 - policy.StopLossPct)
		} else {
			stop = entry * (1 + policy.StopLossPct)
		}
	}
	if target <= 0 {
		if long {
			target = entry * (1 + policy.TakeProfitPct)
		} else {
			target = entry * (1 - policy.TakeProfitPct)
		}
	}
	qty := math.Floor(portfolioValue * policy.RiskPerTrade * multiplier / entry)
	if qty < 1 {
		o.log.Debug().Str("ticker", ticker).Float64("entry", entry).
			Msg("sized to zero, idea skipped")
		return nil
	}

	now := o.now()
	rec := db.TradeRecord{
		ID:          uuid.NewString(),
		Ticker:      ticker,
		Signal:      signal,
		Qty:         qty,
		EntryPrice:  entry,
		StopPrice:   stop,
		TargetPrice: target,
		CreatedAt:   now,
	}

	if !o.cfg.ExecutionEnabled {
		rec.Mode = db.ModePaper
		rec.Status = db.StatusOpen
		rec.OpenedAt = now
		if err := o.deps.Store.CreateTradeRecord(ctx, rec); err != nil {
			return err
		}
		o.deps.State.Track(rec)
		o.deps.Metrics.IdeaPlaced()
		o.log.Info().Str("ticker", ticker).Str("signal", signal).Float64("qty", qty).
			Float64("conviction", conviction).Msg("paper trade opened")
		return nil
	}

	set, err := o.deps.Engine.PlaceBracket(ctx, engine.BracketSpec{
		Ticker: ticker,
		Side:   signal,
		Qty:    qty,
		Entry:  entry,
		Stop:   stop,
		Target: target,
	})
	if err != nil {
		return err
	}

	rec.Mode = db.ModeLive
	rec.Status = db.StatusPending
	rec.ParentOrderID = set.ParentOrderID
	rec.TakeProfitOrderID = set.TakeProfitOrderID
	rec.StopLossOrderID = set.StopLossOrderID
	if err := o.deps.Store.CreateTradeRecord(ctx, rec); err != nil {
		return err
	}
	o.deps.State.Track(rec)
	o.deps.State.MarkPending(ticker)
	o.deps.Metrics.IdeaPlaced()
	o.log.Info().Str("ticker", ticker).Str("signal", signal).Float64("qty", qty).
		Int("parent_order", set.ParentOrderID).Msg("bracket dispatched")
	return nil
}
