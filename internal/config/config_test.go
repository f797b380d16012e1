package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "staging")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SCYLLA_NODES", "10.0.0.1:9042, 10.0.0.2:9042")
	t.Setenv("ONBOARDING_RATE_WINDOW", "30s")
	t.Setenv("KAFKA_ENABLED", "false")

	cfg := LoadConfig()

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "0.0.0.0:9090", cfg.GetServerAddress())
	assert.Equal(t, []string{"10.0.0.1:9042", "10.0.0.2:9042"}, cfg.Scylla.Nodes)
	assert.Equal(t, 30*time.Second, cfg.Onboarding.RateWindow)
	assert.False(t, cfg.Kafka.Enabled)
	assert.False(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadConfigIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-port")
	t.Setenv("SERVER_ENABLE_TLS", "maybe")

	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Server.EnableTLS)
}

func TestValidate(t *testing.T) {
	cfg := LoadConfig()
	cfg.Webhook.Secret = "whsec_dGVzdA=="
	cfg.Wallet.Driver = "dev"
	require.NoError(t, cfg.Validate())

	cfg.Wallet.Driver = "privy"
	cfg.Wallet.PrivyAppID = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRIVY_APP_ID")

	cfg.Wallet.Driver = "dev"
	cfg.Environment = EnvProduction
	cfg.Store.Driver = "memory"
	require.Error(t, cfg.Validate())
}
