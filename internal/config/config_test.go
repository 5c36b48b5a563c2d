package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, ":8080", c.Addr())
	assert.Equal(t, "dev", c.AuthMode)
	assert.Equal(t, 5, c.ETAMinMinutes)
	assert.Equal(t, 15, c.ETAMaxMinutes)
	assert.Equal(t, 10, c.WebhookMaxAttempts)
	assert.True(t, c.SeedDefault)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AUTH_MODE", " HMAC ")
	t.Setenv("RATE_RPS", "2.5")
	t.Setenv("DB_MIGRATE", "true")
	t.Setenv("LOG_FORMAT", "Console")
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", c.Addr())
	assert.Equal(t, "hmac", c.AuthMode)
	assert.Equal(t, 2.5, c.RateRPS)
	assert.True(t, c.DBMigrate)
	assert.Equal(t, "console", c.LogFormat)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("ETA_MIN_MINUTES", "20")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("ETA_MIN_MINUTES", "5")
	t.Setenv("RATE_BURST", "lots")
	_, err = Load()
	assert.Error(t, err)
}
