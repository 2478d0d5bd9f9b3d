package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// ----------------------------------------
// Trade records
// ----------------------------------------

// CreateTradeRecord inserts a new tracked trade.
func (d *Database) CreateTradeRecord(ctx context.Context, t TradeRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trade_records
			(id, ticker, mode, signal, qty, entry_price, stop_price, target_price,
			 status, parent_order_id, take_profit_order_id, stop_loss_order_id, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Ticker, t.Mode, t.Signal, t.Qty, t.EntryPrice, t.StopPrice, t.TargetPrice,
		t.Status, t.ParentOrderID, t.TakeProfitOrderID, t.StopLossOrderID, nullTime(t.OpenedAt))
	if err != nil {
		return fmt.Errorf("insert trade record: %w", err)
	}
	return nil
}

// OpenTradeRecords returns all non-terminal trades.
func (d *Database) OpenTradeRecords(ctx context.Context) ([]TradeRecord, error) {
	return d.queryTrades(ctx, `
		SELECT `+tradeColumns+`
		FROM trade_records
		WHERE status IN (?, ?)
		ORDER BY created_at
	`, StatusPending, StatusOpen)
}

// ListTradeRecords returns the most recent trades, newest first.
func (d *Database) ListTradeRecords(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return d.queryTrades(ctx, `
		SELECT `+tradeColumns+`
		FROM trade_records
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
}

// UnreviewedClosedTrades returns terminal trades the feedback pass has not seen.
func (d *Database) UnreviewedClosedTrades(ctx context.Context) ([]TradeRecord, error) {
	return d.queryTrades(ctx, `
		SELECT `+tradeColumns+`
		FROM trade_records
		WHERE status IN (?, ?, ?) AND reviewed = 0
		ORDER BY closed_at
	`, StatusStopped, StatusTargetHit, StatusClosed)
}

// MarkTradeStatus moves a trade to a new non-terminal status.
func (d *Database) MarkTradeStatus(ctx context.Context, id, status string) error {
	res, err := d.DB.ExecContext(ctx,
		`UPDATE trade_records SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update trade status: %w", err)
	}
	return requireRow(res)
}

// CloseTradeRecord marks a trade terminal with its close price, P&L, and reason.
func (d *Database) CloseTradeRecord(ctx context.Context, id string, closePrice, pnl float64, status, reason string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trade_records
		SET status = ?, close_price = ?, pnl = ?, close_reason = ?, closed_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, closePrice, pnl, reason, id)
	if err != nil {
		return fmt.Errorf("close trade record: %w", err)
	}
	return requireRow(res)
}

// MarkTradeReviewed flags a closed trade as seen by the feedback pass.
func (d *Database) MarkTradeReviewed(ctx context.Context, id string) error {
	res, err := d.DB.ExecContext(ctx,
		`UPDATE trade_records SET reviewed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark trade reviewed: %w", err)
	}
	return requireRow(res)
}

const tradeColumns = `id, ticker, mode, signal, qty, entry_price, stop_price, target_price,
	close_price, status, COALESCE(close_reason, ''), pnl,
	parent_order_id, take_profit_order_id, stop_loss_order_id, reviewed,
	opened_at, closed_at, created_at`

func (d *Database) queryTrades(ctx context.Context, query string, args ...any) ([]TradeRecord, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trade records: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var opened, closed sql.NullTime
		if err := rows.Scan(&t.ID, &t.Ticker, &t.Mode, &t.Signal, &t.Qty,
			&t.EntryPrice, &t.StopPrice, &t.TargetPrice, &t.ClosePrice,
			&t.Status, &t.CloseReason, &t.PnL,
			&t.ParentOrderID, &t.TakeProfitOrderID, &t.StopLossOrderID, &t.Reviewed,
			&opened, &closed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade record: %w", err)
		}
		if opened.Valid {
			t.OpenedAt = opened.Time
		}
		if closed.Valid {
			t.ClosedAt = closed.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Snapshots
// ----------------------------------------

// SaveSnapshot records the daily snapshot; one row per calendar date.
func (d *Database) SaveSnapshot(ctx context.Context, s Snapshot) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO snapshots (date, portfolio_value, realized_pnl, unrealized_pnl, open_trades)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			portfolio_value = excluded.portfolio_value,
			realized_pnl = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			open_trades = excluded.open_trades
	`, s.Date, s.PortfolioValue, s.RealizedPnL, s.UnrealizedPnL, s.OpenTrades)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns recent snapshots, newest first.
func (d *Database) ListSnapshots(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 365 {
		limit = 30
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, date, portfolio_value, realized_pnl, unrealized_pnl, open_trades, created_at
		FROM snapshots
		ORDER BY date DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.ID, &s.Date, &s.PortfolioValue, &s.RealizedPnL,
			&s.UnrealizedPnL, &s.OpenTrades, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestSnapshot returns the most recent snapshot, or ErrNotFound.
func (d *Database) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, date, portfolio_value, realized_pnl, unrealized_pnl, open_trades, created_at
		FROM snapshots
		ORDER BY date DESC
		LIMIT 1
	`)
	var s Snapshot
	if err := row.Scan(&s.ID, &s.Date, &s.PortfolioValue, &s.RealizedPnL,
		&s.UnrealizedPnL, &s.OpenTrades, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan latest snapshot: %w", err)
	}
	return &s, nil
}

// ----------------------------------------
// Scheduler config
// ----------------------------------------

// GetSchedulerConfig reads the singleton policy row. Called every cycle so
// operator changes take effect without a restart.
func (d *Database) GetSchedulerConfig(ctx context.Context) (SchedulerConfig, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT enabled, COALESCE(account_id, ''), portfolio_value, updated_at
		FROM scheduler_config WHERE id = 1
	`)
	var c SchedulerConfig
	if err := row.Scan(&c.Enabled, &c.AccountID, &c.PortfolioValue, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SchedulerConfig{Enabled: true}, nil
		}
		return SchedulerConfig{}, fmt.Errorf("scan scheduler config: %w", err)
	}
	return c, nil
}

// SaveSchedulerConfig persists the policy row. Only explicit saves mutate it.
func (d *Database) SaveSchedulerConfig(ctx context.Context, c SchedulerConfig) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE scheduler_config
		SET enabled = ?, account_id = ?, portfolio_value = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`, c.Enabled, c.AccountID, c.PortfolioValue)
	if err != nil {
		return fmt.Errorf("save scheduler config: %w", err)
	}
	return nil
}

// UpdatePortfolioValue persists only the tracked portfolio value.
func (d *Database) UpdatePortfolioValue(ctx context.Context, value float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE scheduler_config
		SET portfolio_value = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`, value)
	if err != nil {
		return fmt.Errorf("update portfolio value: %w", err)
	}
	return nil
}

// ----------------------------------------
// Learnings
// ----------------------------------------

// CreateLearning stores one feedback observation.
func (d *Database) CreateLearning(ctx context.Context, l Learning) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO learnings (id, ticker, signal, outcome, pnl, notes)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.ID, l.Ticker, l.Signal, l.Outcome, l.PnL, l.Notes)
	if err != nil {
		return fmt.Errorf("insert learning: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t interface{ IsZero() bool }) any {
	if t.IsZero() {
		return nil
	}
	return t
}
