package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/settld-labs/settld/pkg/rail"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, rail.ModeStub, cfg.ReserveMode)
	assert.False(t, cfg.RequireExternalReserve)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("X402_CIRCLE_RESERVE_MODE", "sandbox")
	t.Setenv("X402_REQUIRE_EXTERNAL_RESERVE", "true")
	t.Setenv("PROXY_OPS_TOKENS", "ops-a,ops-b")
	t.Setenv("DATABASE_URL", "postgres://settld@localhost/settld")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, rail.ModeSandbox, cfg.ReserveMode)
	assert.True(t, cfg.RequireExternalReserve)
	assert.Equal(t, "ops-a,ops-b", cfg.OpsTokens)
	assert.Equal(t, "postgres://settld@localhost/settld", cfg.DatabaseURL)
}
