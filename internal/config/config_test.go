package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("KIS_API_KEY", "app-key")
	t.Setenv("KIS_SECRET_KEY", "app-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "ws://ops.koreainvestment.com:21000", cfg.KIS.StreamURL)
	assert.Equal(t, "sqlite3", cfg.Storage.CatalogDriver)
	assert.Equal(t, 28, cfg.Stream.BaseWatchSize)
	assert.Equal(t, 50, cfg.Stream.MaxAdditional)
	assert.Equal(t, time.Second, cfg.Stream.SubscribeInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.AdditionalInterval)
	assert.Equal(t, 5*time.Second, cfg.Stream.ReconnectDelay)
	assert.Equal(t, 3, cfg.Stream.MaxReconnectAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Stream.QuoteTTL)
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("KIS_API_KEY", "app-key")
	t.Setenv("KIS_SECRET_KEY", "app-secret")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("BASE_WATCH_SIZE", "10")
	t.Setenv("RECONNECT_DELAY", "250ms")
	t.Setenv("DEBUG", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 10, cfg.Stream.BaseWatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Stream.ReconnectDelay)
	assert.True(t, cfg.App.Debug)
}

func TestLoadRequiresCredentials(t *testing.T) {
	t.Setenv("KIS_API_KEY", "")
	t.Setenv("KIS_SECRET_KEY", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejectsUnknownCatalogDriver(t *testing.T) {
	t.Setenv("KIS_API_KEY", "app-key")
	t.Setenv("KIS_SECRET_KEY", "app-secret")
	t.Setenv("CATALOG_DRIVER", "mysql")

	_, err := Load()
	assert.Error(t, err)
}

func TestEnvironmentHelpers(t *testing.T) {
	cfg := &Config{}

	cfg.App.Environment = "Production"
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())

	cfg.App.Environment = "development"
	assert.True(t, cfg.IsDevelopment())
}
