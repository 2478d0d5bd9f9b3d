// Package sched runs the market-hours-gated orchestration loop that turns
// external trade ideas into risk-bracketed order placements.
package sched

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"autotrader-core/internal/engine"
	"autotrader-core/internal/learn"
	"autotrader-core/internal/reconcile"
	"autotrader-core/internal/risk"
	"autotrader-core/internal/signals"
	"autotrader-core/internal/state"
	"autotrader-core/pkg/db"
)

// Store is the durable-store surface one cycle needs.
type Store interface {
	GetSchedulerConfig(ctx context.Context) (db.SchedulerConfig, error)
	UpdatePortfolioValue(ctx context.Context, value float64) error
	SaveSnapshot(ctx context.Context, s db.Snapshot) error
	CreateTradeRecord(ctx context.Context, t db.TradeRecord) error
	CloseTradeRecord(ctx context.Context, id string, closePrice, pnl float64, status, reason string) error
}

// Connection reports gateway session state.
type Connection interface {
	IsConnected() bool
}

// Executor places orders; *engine.Engine satisfies it.
type Executor interface {
	PlaceBracket(ctx context.Context, spec engine.BracketSpec) (engine.BracketOrderSet, error)
	PlaceMarketOrder(ctx context.Context, ticker, side string, qty float64) (int, error)
}

// Reconciler syncs broker state; *reconcile.Service satisfies it.
type Reconciler interface {
	Sync(ctx context.Context) (*reconcile.Report, error)
	LastPrice(ticker string) float64
}

// SignalSource supplies external trade ideas.
type SignalSource interface {
	FetchIdeas(ctx context.Context) ([]signals.Idea, error)
	TriggerDiscovery(ctx context.Context) error
}

// Metrics is the instrumentation surface the cycle touches.
type Metrics interface {
	CycleRun(result string, elapsed time.Duration)
	IdeaSeen()
	IdeaPlaced()
	SetPortfolio(value float64)
}

// Config are the orchestrator's tunables.
type Config struct {
	Timezone         string
	MarketOpen       string // "HH:MM"
	MarketClose      string
	PremarketAt      string
	Interval         time.Duration
	Throttle         time.Duration
	ExecutionEnabled bool
	PeerURL          string
	PeerTimeout      time.Duration
	PeerCooldown     time.Duration
}

// Deps are the collaborators one orchestrator instance drives.
type Deps struct {
	Store      Store
	Conn       Connection
	Engine     Executor
	Reconciler Reconciler
	State      *state.Manager
	Signals    SignalSource
	Feedback   learn.Feedback
	Metrics    Metrics
	Log        zerolog.Logger
}

// Orchestrator drives the recurring cycle. All mutable scheduler state
// (last-run timestamp, processed-ticker set, daily markers) lives on the
// instance, constructed once at process start; the cycle itself is the single
// writer.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	policy PolicyProvider
	log    zerolog.Logger

	loc          *time.Location
	openMinute   int
	closeMinute  int
	premarketMin int

	peer    *peerChecker
	markers *dailyMarkers

	// Cycle-local state, single-writer.
	lastRun   time.Time
	processed map[string]struct{}

	background conc.WaitGroup
	running    atomic.Bool
	now        func() time.Time
}

// PolicyProvider returns the current risk policy.
type PolicyProvider interface {
	Current() risk.Policy
}

// PolicyFunc adapts a function to PolicyProvider.
type PolicyFunc func() risk.Policy

func (f PolicyFunc) Current() risk.Policy { return f() }

// New builds an orchestrator. Market times must parse as "HH:MM".
func New(cfg Config, deps Deps, policy PolicyProvider) (*Orchestrator, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	openMin, err := parseClock(cfg.MarketOpen)
	if err != nil {
		return nil, fmt.Errorf("market open: %w", err)
	}
	closeMin, err := parseClock(cfg.MarketClose)
	if err != nil {
		return nil, fmt.Errorf("market close: %w", err)
	}
	premarketMin, err := parseClock(cfg.PremarketAt)
	if err != nil {
		return nil, fmt.Errorf("premarket time: %w", err)
	}

	log := deps.Log.With().Str("component", "sched").Logger()
	return &Orchestrator{
		cfg:          cfg,
		deps:         deps,
		policy:       policy,
		log:          log,
		loc:          loc,
		openMinute:   openMin,
		closeMinute:  closeMin,
		premarketMin: premarketMin,
		peer:         newPeerChecker(cfg.PeerURL, cfg.PeerTimeout, cfg.PeerCooldown, log),
		markers:      newDailyMarkers(),
		processed:    make(map[string]struct{}),
		now:          time.Now,
	}, nil
}

// Running reports whether the orchestrator loop is active. Polled by the
// alternate scheduler through /api/scheduler/status.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Start drives one cycle per tick until ctx is cancelled. One recurring timer
// per process; cycles never overlap because the loop is sequential.
func (o *Orchestrator) Start(ctx context.Context) {
	o.running.Store(true)
	go func() {
		defer o.running.Store(false)
		defer o.drainBackground()

		ticker := time.NewTicker(o.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.RunCycle(ctx)
			}
		}
	}()
	o.log.Info().Dur("interval", o.cfg.Interval).Msg("scheduler started")
}

func (o *Orchestrator) drainBackground() {
	if recovered := o.background.WaitAndRecover(); recovered != nil {
		o.log.Error().Interface("panic", recovered.Value).Msg("background task panicked")
	}
}

// RunCycle executes one pass of the gated state machine. Gates run in fixed
// order; a gate that declines skips the rest of the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	start := o.now()
	now := start.In(o.loc)

	// 1. Defer entirely to an active alternate scheduler.
	if o.peer.Active(ctx) {
		o.skip("peer_active")
		return
	}

	// 2. Fresh config each cycle so operator toggles apply without restart.
	cfg, err := o.deps.Store.GetSchedulerConfig(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("scheduler config read failed")
		o.skip("config_error")
		return
	}
	if !cfg.Enabled {
		o.skip("disabled")
		return
	}

	// 3. Daily pre-market signal discovery, awaited: the risk gates below
	// must not run against stale discovery output.
	if minuteOf(now) >= o.premarketMin && o.markers.shouldRun("discovery", now) {
		if err := o.deps.Signals.TriggerDiscovery(ctx); err != nil {
			o.log.Warn().Err(err).Msg("signal discovery refresh failed")
		} else {
			o.log.Info().Msg("signal discovery refreshed")
		}
	}

	// 4. Regular trading window only.
	if !o.inMarketHours(now) {
		o.maybeRehydrate(ctx, now)
		o.skip("market_closed")
		return
	}

	// 5. Gateway session must be up before anything touches broker state.
	// Checked before the throttle so a disconnected pass does not consume
	// the window.
	if !o.deps.Conn.IsConnected() {
		o.skip("disconnected")
		return
	}

	// 6. Throttle. Plain timestamp comparison with no mutual exclusion: two
	// near-simultaneous triggers can both pass before either updates
	// lastRun and double-run the cycle. Known limitation, kept as-is.
	if o.now().Sub(o.lastRun) < o.cfg.Throttle {
		o.skip("throttled")
		return
	}
	o.lastRun = o.now()

	// 7. Position sync, awaited before any risk decision reads positions.
	report, err := o.deps.Reconciler.Sync(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("position sync failed, cycle abandoned")
		o.skip("sync_error")
		return
	}

	// 8. Daily snapshot: reporting-only, dispatched without blocking the
	// cycle; its own error handling.
	if o.markers.shouldRun("snapshot", now) {
		o.snapshotAsync(now, report)
	}

	// 9. Portfolio value refresh, persisted only on material change.
	o.refreshPortfolioValue(ctx, cfg, report)

	// 10. Risk-gated actions in fixed order. The drawdown multiplier
	// computed first scales everything after it.
	policy := o.policy.Current()
	multiplier := o.assessDrawdown(cfg, report, policy)
	o.checkDipBuys(ctx, report, policy, multiplier)
	o.checkProfitTakes(ctx, report, policy)
	o.checkLossCuts(ctx, report, policy)

	// 11. Signal ingestion and dispatch.
	o.ingestSignals(ctx, cfg, report, policy, multiplier)

	// 12. Mid-cycle learning pass: best-effort, never blocks.
	o.background.Go(func() {
		if _, err := o.deps.Feedback.Analyze(context.WithoutCancel(ctx)); err != nil {
			o.log.Debug().Err(err).Msg("mid-cycle learning pass failed")
		}
	})

	// 13. End-of-day rehydration happens after close, so from inside market
	// hours there is nothing left to do.

	elapsed := o.now().Sub(start)
	o.deps.Metrics.CycleRun("run", elapsed)
	o.log.Info().Dur("elapsed", elapsed).
		Int("positions", len(report.Positions)).
		Strs("external_fills", report.ExternalFills).
		Strs("closed", report.ClosedTickers).
		Msg("cycle complete")
}

func (o *Orchestrator) skip(reason string) {
	o.deps.Metrics.CycleRun("skipped_"+reason, 0)
	o.log.Debug().Str("reason", reason).Msg("cycle skipped")
}

// maybeRehydrate runs the once-daily end-of-day pass: re-sync positions,
// recompute performance aggregates, review all unreviewed closed trades.
func (o *Orchestrator) maybeRehydrate(ctx context.Context, now time.Time) {
	if !isWeekday(now) || minuteOf(now) < o.closeMinute {
		return
	}
	if !o.markers.shouldRun("rehydrate", now) {
		return
	}

	o.log.Info().Msg("end-of-day rehydration starting")
	if _, err := o.deps.Reconciler.Sync(ctx); err != nil {
		o.log.Warn().Err(err).Msg("rehydration position sync failed")
	}
	n, err := o.deps.Feedback.Analyze(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("rehydration analysis failed")
		return
	}
	stats, err := o.deps.Feedback.Stats(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("rehydration stats read failed")
		return
	}
	o.log.Info().Int("reviewed", n).Float64("win_rate", stats.WinRate).
		Float64("net_pnl", stats.NetPnL).Msg("end-of-day rehydration complete")
}

func (o *Orchestrator) inMarketHours(now time.Time) bool {
	if !isWeekday(now) {
		return false
	}
	minute := minuteOf(now)
	return minute >= o.openMinute && minute < o.closeMinute
}

func isWeekday(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

func minuteOf(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
