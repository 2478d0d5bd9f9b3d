package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"autotrader-core/internal/conn"
	"autotrader-core/internal/learn"
	"autotrader-core/internal/monitor"
	"autotrader-core/pkg/broker"
	"autotrader-core/pkg/db"
)

// Connection is the gateway surface the API exposes: session state for the
// status endpoint, contract resolution for the lookup endpoint.
type Connection interface {
	IsConnected() bool
	Accounts() []string
	DefaultAccount() string
	ContractLookup(ctx context.Context, contract broker.Contract) ([]broker.ContractDetails, error)
}

// Scheduler reports whether the orchestration loop is live. Polled by any
// alternate scheduler deciding whether to defer.
type Scheduler interface {
	Running() bool
}

// Server wires the process-local REST surface.
type Server struct {
	Router    *gin.Engine
	DB        *db.Database
	Conn      Connection
	Sched     Scheduler
	Feedback  learn.Feedback
	Metrics   *monitor.Metrics
	JWTSecret string
	Log       zerolog.Logger
}

func NewServer(database *db.Database, conn Connection, sched Scheduler, feedback learn.Feedback, metrics *monitor.Metrics, jwtSecret string, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, metrics))
	r.Use(RateLimitMiddleware(log))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		DB:        database,
		Conn:      conn,
		Sched:     sched,
		Feedback:  feedback,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		Log:       log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/scheduler/status", s.getSchedulerStatus)
		api.GET("/contracts/:symbol", s.lookupContract)
		api.GET("/trades", s.getTrades)
		api.GET("/snapshots", s.getSnapshots)
		api.GET("/performance", s.getPerformance)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/scheduler/config", s.updateSchedulerConfig)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	accounts := s.Conn.Accounts()
	if accounts == nil {
		accounts = []string{}
	}
	var defaultAccount any
	if acct := s.Conn.DefaultAccount(); acct != "" {
		defaultAccount = acct
	}
	c.JSON(http.StatusOK, gin.H{
		"connected":      s.Conn.IsConnected(),
		"accounts":       accounts,
		"defaultAccount": defaultAccount,
	})
}

func (s *Server) getSchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": s.Sched.Running()})
}

// lookupContract resolves a ticker against the gateway's contract database.
func (s *Server) lookupContract(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_SYMBOL",
			"error": "symbol is required",
		})
		return
	}

	details, err := s.Conn.ContractLookup(c.Request.Context(), broker.StockContract(symbol))
	if err != nil {
		if errors.Is(err, conn.ErrNotConnected) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":  "GATEWAY_DISCONNECTED",
				"error": "gateway session is down",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "contracts": details, "count": len(details)})
}

func (s *Server) getTrades(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	trades, err := s.DB.ListTradeRecords(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) getSnapshots(c *gin.Context) {
	limit := intQuery(c, "limit", 30)
	snapshots, err := s.DB.ListSnapshots(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots, "count": len(snapshots)})
}

func (s *Server) getPerformance(c *gin.Context) {
	stats, err := s.Feedback.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// updateSchedulerConfig applies a partial update to the singleton policy row.
// Absent fields keep their stored values.
func (s *Server) updateSchedulerConfig(c *gin.Context) {
	var req struct {
		Enabled        *bool    `json:"enabled"`
		AccountID      *string  `json:"account_id"`
		PortfolioValue *float64 `json:"portfolio_value"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	ctx := c.Request.Context()
	cfg, err := s.DB.GetSchedulerConfig(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.AccountID != nil {
		cfg.AccountID = *req.AccountID
	}
	if req.PortfolioValue != nil {
		if *req.PortfolioValue < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_VALUE",
				"error": "portfolio_value must be non-negative",
			})
			return
		}
		cfg.PortfolioValue = *req.PortfolioValue
	}

	if err := s.DB.SaveSchedulerConfig(ctx, cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	s.Log.Info().Bool("enabled", cfg.Enabled).Str("account", cfg.AccountID).
		Msg("scheduler config updated")
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Start runs the HTTP server on addr, blocking until it exits.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
