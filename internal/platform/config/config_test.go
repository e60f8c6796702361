package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("APP_HTTP_PORT", "9090")
	t.Setenv("APP_POLL_CEILING", "15m")
	t.Setenv("APP_PRICES", "telegram=2.50, discord:voice=3")

	cfg, err := Load("verification_service")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 50061, cfg.GRPCPort)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 15*time.Minute, cfg.PollCeiling)
	assert.Equal(t, 10*time.Minute, cfg.TokenSafetyMargin)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, time.Minute, cfg.BreakerRecoveryTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ReserveTimeout)
	assert.Equal(t, 10*time.Second, cfg.UpstreamCancelTimeout)
	assert.Empty(t, cfg.PostgresDSN)

	prices, err := cfg.PriceList()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"telegram": "2.50", "discord:voice": "3"}, prices)
}

func TestLoad_RejectsCeilingBelowInterval(t *testing.T) {
	t.Setenv("APP_POLL_INTERVAL", "10s")
	t.Setenv("APP_POLL_CEILING", "5s")

	_, err := Load("verification_service")
	assert.Error(t, err)
}

func TestConfig_SeedAccountList(t *testing.T) {
	cfg := &Config{SeedAccounts: "alice=10.00:2, bob=5"}
	accts, err := cfg.SeedAccountList()
	require.NoError(t, err)
	require.Len(t, accts, 2)
	assert.Equal(t, SeedAccount{OwnerID: "alice", Balance: "10.00", FreeQuota: 2}, accts[0])
	assert.Equal(t, SeedAccount{OwnerID: "bob", Balance: "5"}, accts[1])

	_, err = (&Config{SeedAccounts: "carol"}).SeedAccountList()
	assert.Error(t, err)
	_, err = (&Config{SeedAccounts: "dave=1:x"}).SeedAccountList()
	assert.Error(t, err)
}

func TestConfig_PriceListRejectsMalformed(t *testing.T) {
	_, err := (&Config{Prices: "telegram"}).PriceList()
	assert.Error(t, err)
}
