package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, ":8443", cfg.Addr)
	assert.Equal(t, "development", cfg.ComplianceLevel)
	assert.Equal(t, 8*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 120, cfg.RateLimit)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("WARDEN_ADDR", ":9000")
	t.Setenv("WARDEN_COMPLIANCE_LEVEL", "production")
	t.Setenv("WARDEN_TOKEN_TTL", "30m")
	t.Setenv("WARDEN_RATE_LIMIT", "10")
	t.Setenv("WARDEN_AUDIT_MAX_BYTES", "1048576")

	cfg := Load()
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "production", cfg.ComplianceLevel)
	assert.Equal(t, 30*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 10, cfg.RateLimit)
	assert.Equal(t, int64(1048576), cfg.AuditMaxBytes)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("WARDEN_TOKEN_TTL", "not-a-duration")
	t.Setenv("WARDEN_RATE_LIMIT", "many")

	cfg := Load()
	assert.Equal(t, 8*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 120, cfg.RateLimit)
}
