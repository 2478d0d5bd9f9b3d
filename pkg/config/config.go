package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the autotrader core.
type Config struct {
	Port string

	// Broker gateway
	GatewayHost     string
	GatewayPort     int
	GatewayClientID int

	// Reconnect policy
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// Market hours (exchange-local)
	MarketTimezone string
	MarketOpen     string // "HH:MM"
	MarketClose    string // "HH:MM"
	PremarketAt    string // daily signal-discovery refresh, at/after this local time

	// Scheduler
	SchedulerInterval time.Duration
	ThrottleInterval  time.Duration

	// Alternate scheduler (browser-side) coordination
	PeerSchedulerURL string
	PeerTimeout      time.Duration
	PeerCooldown     time.Duration

	// External signal source
	SignalsURL string

	// Execution toggle: when false, accepted ideas are tracked as paper
	// trades and never reach the gateway.
	ExecutionEnabled bool

	// Database
	DBPath string

	// Risk policy file (YAML)
	RiskPolicyPath string

	// Auth
	JWTSecret string

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8090"),
		GatewayHost:       getEnv("GATEWAY_HOST", "127.0.0.1"),
		GatewayPort:       getEnvInt("GATEWAY_PORT", 4002),
		GatewayClientID:   getEnvInt("GATEWAY_CLIENT_ID", 7),
		ReconnectBase:     time.Duration(getEnvInt("RECONNECT_BASE_MS", 2000)) * time.Millisecond,
		ReconnectCap:      time.Duration(getEnvInt("RECONNECT_CAP_MS", 60000)) * time.Millisecond,
		MarketTimezone:    getEnv("MARKET_TIMEZONE", "America/New_York"),
		MarketOpen:        getEnv("MARKET_OPEN", "09:30"),
		MarketClose:       getEnv("MARKET_CLOSE", "16:00"),
		PremarketAt:       getEnv("PREMARKET_TASK_AT", "08:30"),
		SchedulerInterval: time.Duration(getEnvInt("SCHEDULER_INTERVAL_SEC", 60)) * time.Second,
		ThrottleInterval:  time.Duration(getEnvInt("THROTTLE_INTERVAL_SEC", 240)) * time.Second,
		PeerSchedulerURL:  getEnv("PEER_SCHEDULER_URL", ""),
		PeerTimeout:       time.Duration(getEnvInt("PEER_TIMEOUT_MS", 2000)) * time.Millisecond,
		PeerCooldown:      time.Duration(getEnvInt("PEER_COOLDOWN_SEC", 300)) * time.Second,
		SignalsURL:        getEnv("SIGNALS_URL", ""),
		ExecutionEnabled:  getEnv("EXECUTION_ENABLED", "true") == "true",
		DBPath:            getEnv("DB_PATH", "./data/autotrader.db"),
		RiskPolicyPath:    getEnv("RISK_POLICY_PATH", "./risk.yaml"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFile:           getEnv("LOG_FILE", "./logs/autotrader.log"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
