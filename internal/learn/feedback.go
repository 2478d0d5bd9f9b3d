// Package learn is the performance-feedback boundary. The orchestrator only
// triggers analysis and reads aggregate stats back; how learnings influence
// future conviction is the signal source's concern.
package learn

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"autotrader-core/pkg/db"
)

// Stats are the aggregates the scheduler's risk gate reads back.
type Stats struct {
	TotalClosed int     `json:"total_closed"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	NetPnL      float64 `json:"net_pnl"`
	AvgPnL      float64 `json:"avg_pnl"`
}

// Feedback consumes closed trade records and produces learnings.
type Feedback interface {
	TradeClosed(ctx context.Context, rec db.TradeRecord) error
	Analyze(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

// SQLFeedback persists learnings in the trade-record store.
type SQLFeedback struct {
	database *db.Database
	log      zerolog.Logger
}

// NewSQLFeedback builds the store-backed feedback implementation.
func NewSQLFeedback(database *db.Database, log zerolog.Logger) *SQLFeedback {
	return &SQLFeedback{
		database: database,
		log:      log.With().Str("component", "learn").Logger(),
	}
}

// TradeClosed records a learning for one freshly closed trade and marks it
// reviewed. Trades that slip through (handoff failure) are picked up by the
// next Analyze pass.
func (f *SQLFeedback) TradeClosed(ctx context.Context, rec db.TradeRecord) error {
	if err := f.record(ctx, rec); err != nil {
		return err
	}
	if err := f.database.MarkTradeReviewed(ctx, rec.ID); err != nil {
		return fmt.Errorf("mark reviewed: %w", err)
	}
	return nil
}

// Analyze reviews every unreviewed closed trade, returning how many it
// processed.
func (f *SQLFeedback) Analyze(ctx context.Context) (int, error) {
	trades, err := f.database.UnreviewedClosedTrades(ctx)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, rec := range trades {
		if err := f.record(ctx, rec); err != nil {
			f.log.Warn().Err(err).Str("ticker", rec.Ticker).Msg("record learning failed")
			continue
		}
		if err := f.database.MarkTradeReviewed(ctx, rec.ID); err != nil {
			f.log.Warn().Err(err).Str("ticker", rec.Ticker).Msg("mark reviewed failed")
			continue
		}
		processed++
	}
	return processed, nil
}

// Stats aggregates outcomes over all reviewed closed trades.
func (f *SQLFeedback) Stats(ctx context.Context) (Stats, error) {
	row := f.database.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN outcome = 'win' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(pnl), 0)
		FROM learnings
	`)
	var s Stats
	if err := row.Scan(&s.TotalClosed, &s.Wins, &s.NetPnL); err != nil {
		return Stats{}, fmt.Errorf("scan stats: %w", err)
	}
	s.Losses = s.TotalClosed - s.Wins
	if s.TotalClosed > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TotalClosed)
		s.AvgPnL = s.NetPnL / float64(s.TotalClosed)
	}
	return s, nil
}

func (f *SQLFeedback) record(ctx context.Context, rec db.TradeRecord) error {
	outcome := "loss"
	if rec.PnL > 0 {
		outcome = "win"
	}
	l := db.Learning{
		ID:      uuid.NewString(),
		Ticker:  rec.Ticker,
		Signal:  rec.Signal,
		Outcome: outcome,
		PnL:     rec.PnL,
		Notes:   rec.CloseReason,
	}
	if err := f.database.CreateLearning(ctx, l); err != nil {
		return err
	}
	f.log.Info().Str("ticker", rec.Ticker).Str("outcome", outcome).
		Float64("pnl", rec.PnL).Msg("learning recorded")
	return nil
}
