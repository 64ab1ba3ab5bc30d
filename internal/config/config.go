package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the sqlite databases
	Port     int
	LogLevel string
	DevMode  bool

	// External swap-execution service (1-Click style API)
	SwapServiceURL string
	SwapServiceJWT string

	// Wallet signing service. Empty means a static dev signer.
	WalletServiceURL string
	WalletAddress    string

	// Drift monitor
	MonitorSchedule string // cron expression, seconds granularity

	// Price oracle
	PriceCacheTTL time.Duration

	// Trade executor
	TradeMaxRetries      int
	TradeRetryBaseDelay  time.Duration
	SettlementPoll       time.Duration
	SettlementTimeout    time.Duration
	ConstructionBufferPc float64 // fraction of balance reserved for fees

	// Notification dispatcher
	WebhookTimeout    time.Duration
	WebhookMaxRetries int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")

	cfg := &Config{
		DataDir:              dataDir,
		Port:                 getEnvAsInt("PORT", 8080),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		DevMode:              getEnvAsBool("DEV_MODE", false),
		SwapServiceURL:       getEnv("SWAP_SERVICE_URL", "https://1click.chaindefuser.com"),
		SwapServiceJWT:       getEnv("SWAP_SERVICE_JWT", ""),
		WalletServiceURL:     getEnv("WALLET_SERVICE_URL", ""),
		WalletAddress:        getEnv("WALLET_ADDRESS", "intents:dev-account"),
		MonitorSchedule:      getEnv("DRIFT_MONITOR_SCHEDULE", "0 */5 * * * *"), // every 5 minutes
		PriceCacheTTL:        getEnvAsDuration("PRICE_CACHE_TTL", time.Minute),
		TradeMaxRetries:      getEnvAsInt("TRADE_MAX_RETRIES", 2),
		TradeRetryBaseDelay:  getEnvAsDuration("TRADE_RETRY_BASE_DELAY", 5*time.Second),
		SettlementPoll:       getEnvAsDuration("SETTLEMENT_POLL_INTERVAL", 10*time.Second),
		SettlementTimeout:    getEnvAsDuration("SETTLEMENT_TIMEOUT", 10*time.Minute),
		ConstructionBufferPc: 0.01,
		WebhookTimeout:       getEnvAsDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookMaxRetries:    getEnvAsInt("WEBHOOK_MAX_RETRIES", 3),
	}

	return cfg, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
