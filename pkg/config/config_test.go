package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VENUE", "")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "")
	t.Setenv("DISPATCH_IDLE_BACKOFF", "")
	t.Setenv("RECHECK_INTERVAL", "")
	t.Setenv("MAX_CONSECUTIVE_ERRORS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, VenuePaper, cfg.Venue)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.DispatchIdleBackoff)
	assert.Equal(t, 2*time.Second, cfg.RecheckInterval)
	assert.Equal(t, 0, cfg.MaxConsecutiveErrors)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("VENUE", "BINANCE")
	t.Setenv("BINANCE_API_KEY", "k")
	t.Setenv("BINANCE_API_SECRET", "s")
	t.Setenv("BINANCE_TESTNET", "true")
	t.Setenv("RECHECK_INTERVAL", "500ms")
	t.Setenv("RECHECK_MAX_BACKOFF", "100ms")
	t.Setenv("MAX_CONSECUTIVE_ERRORS", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, VenueBinance, cfg.Venue)
	assert.True(t, cfg.BinanceTestnet)
	assert.Equal(t, 500*time.Millisecond, cfg.RecheckInterval)
	// Max backoff is raised to at least the base interval.
	assert.Equal(t, 500*time.Millisecond, cfg.RecheckMaxBackoff)
	assert.Equal(t, 7, cfg.MaxConsecutiveErrors)
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("VENUE", "alpaca")
	t.Setenv("ALPACA_API_KEY", "")
	t.Setenv("ALPACA_API_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orderflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9090"
venue: paper
dispatch_idle_backoff: 250ms
paper_fill_after_polls: 4
`), 0o600))

	t.Setenv("VENUE", "")
	t.Setenv("PORT", "7000")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.DispatchIdleBackoff)
	assert.Equal(t, 4, cfg.PaperFillAfterPolls)
	assert.Equal(t, "info", cfg.LogLevel)
}
