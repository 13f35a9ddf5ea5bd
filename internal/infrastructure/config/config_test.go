package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plategate/vehicle-access-backend/internal/infrastructure/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 0.9, cfg.Verification.AutoApproveThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Verification.MatchWindow)
	assert.Equal(t, time.Minute, cfg.Redis.PolicyCacheTTL)
	assert.Equal(t, "pgate:events", cfg.Redis.EventStream)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PGATE_SERVER_PORT", "9000")
	t.Setenv("PGATE_LOG_LEVEL", "debug")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *config.Config {
		t.Helper()
		cfg, err := config.Load()
		require.NoError(t, err)
		return cfg
	}

	t.Run("threshold above one", func(t *testing.T) {
		cfg := base(t)
		cfg.Verification.AutoApproveThreshold = 1.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("non-positive match window", func(t *testing.T) {
		cfg := base(t)
		cfg.Verification.MatchWindow = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("production requires jwt secret", func(t *testing.T) {
		cfg := base(t)
		cfg.Environment = "production"
		cfg.Auth.JWTSecret = ""
		assert.Error(t, cfg.Validate())

		cfg.Auth.JWTSecret = "s3cret"
		assert.NoError(t, cfg.Validate())
	})
}
