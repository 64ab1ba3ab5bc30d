package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"DATA_DIR", "PORT", "LOG_LEVEL", "DRIFT_MONITOR_SCHEDULE",
		"PRICE_CACHE_TTL", "TRADE_MAX_RETRIES", "SETTLEMENT_TIMEOUT",
	} {
		os.Unsetenv(key)
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "0 */5 * * * *", cfg.MonitorSchedule)
	assert.Equal(t, time.Minute, cfg.PriceCacheTTL)
	assert.Equal(t, 2, cfg.TradeMaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.SettlementTimeout)
	assert.Equal(t, 3, cfg.WebhookMaxRetries)
	assert.InDelta(t, 0.01, cfg.ConstructionBufferPc, 1e-9)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PRICE_CACHE_TTL", "30s")
	t.Setenv("TRADE_MAX_RETRIES", "5")
	t.Setenv("DEV_MODE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.PriceCacheTTL)
	assert.Equal(t, 5, cfg.TradeMaxRetries)
	assert.True(t, cfg.DevMode)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("PRICE_CACHE_TTL", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, time.Minute, cfg.PriceCacheTTL)
}
