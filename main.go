package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"autotrader-core/internal/api"
	"autotrader-core/internal/conn"
	"autotrader-core/internal/correlate"
	"autotrader-core/internal/engine"
	"autotrader-core/internal/events"
	"autotrader-core/internal/learn"
	"autotrader-core/internal/monitor"
	"autotrader-core/internal/reconcile"
	"autotrader-core/internal/sched"
	"autotrader-core/internal/signals"
	"autotrader-core/internal/state"
	"autotrader-core/pkg/broker"
	"autotrader-core/pkg/config"
	"autotrader-core/pkg/db"
	"autotrader-core/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.FilePath = cfg.LogFile
	logger := logging.New(logCfg)
	logger.Info().Str("port", cfg.Port).Msg("autotrader core starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database init failed")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.Fatal().Err(err).Msg("database migrations failed")
	}

	// In-memory state seeded from DB
	stateMgr := state.NewManager(database)
	if err := stateMgr.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("trade state load failed")
	}

	// Gateway session
	correlator := correlate.New()
	client := broker.NewClient(bus, nil, logger)
	connMgr := conn.NewManager(conn.Config{
		Host:          cfg.GatewayHost,
		Port:          cfg.GatewayPort,
		ClientID:      cfg.GatewayClientID,
		ReconnectBase: cfg.ReconnectBase,
		ReconnectCap:  cfg.ReconnectCap,
	}, client, bus, correlator, logger)

	eng := engine.New(connMgr, bus, correlator, logger)
	feedback := learn.NewSQLFeedback(database, logger)
	reconciler := reconcile.NewService(connMgr, stateMgr, database, feedback, bus, logger)
	signalSrc := signals.NewClient(cfg.SignalsURL, logger)

	metrics := monitor.New()
	metrics.Watch(ctx, bus)
	connMgr.OnConnectionChange(func(connected bool) {
		if !connected {
			metrics.Reconnects.Inc()
		}
	})

	policy := newPolicyReloader(cfg.RiskPolicyPath, logger)

	orch, err := sched.New(sched.Config{
		Timezone:         cfg.MarketTimezone,
		MarketOpen:       cfg.MarketOpen,
		MarketClose:      cfg.MarketClose,
		PremarketAt:      cfg.PremarketAt,
		Interval:         cfg.SchedulerInterval,
		Throttle:         cfg.ThrottleInterval,
		ExecutionEnabled: cfg.ExecutionEnabled,
		PeerURL:          cfg.PeerSchedulerURL,
		PeerTimeout:      cfg.PeerTimeout,
		PeerCooldown:     cfg.PeerCooldown,
	}, sched.Deps{
		Store:      database,
		Conn:       connMgr,
		Engine:     eng,
		Reconciler: reconciler,
		State:      stateMgr,
		Signals:    signalSrc,
		Feedback:   feedback,
		Metrics:    metrics,
		Log:        logger,
	}, policy)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler init failed")
	}

	connMgr.Start(ctx)
	if err := connMgr.Connect(ctx); err != nil {
		// Reconnect is already scheduled; the process serves its API meanwhile.
		logger.Warn().Err(err).Msg("initial gateway connect failed")
	}
	orch.Start(ctx)

	server := api.NewServer(database, connMgr, orch, feedback, metrics, cfg.JWTSecret, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()
	logger.Info().Str("addr", httpServer.Addr).Msg("api listening")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown failed")
	}
	connMgr.Disconnect()
	logger.Info().Msg("stopped")
}
