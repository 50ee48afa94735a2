package compliance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelProduction, ParseLevel("production"))
	assert.Equal(t, LevelFedRAMP, ParseLevel("fedramp"))
	assert.Equal(t, LevelDevelopment, ParseLevel(""))
	assert.Equal(t, LevelDevelopment, ParseLevel("bogus"))
}

func TestProductionProfileIsStrict(t *testing.T) {
	m := NewMode(LevelProduction, nil)

	assert.True(t, m.Check(FlagEnforceHTTPS))
	assert.True(t, m.Check(FlagTenantIsolation))
	assert.True(t, m.Check(FlagAuditSigning))
	assert.False(t, m.Check(FlagCrossTenantAccess))
	assert.False(t, m.Check(FlagAllowOverrides))
	assert.Equal(t, 365, m.Config().AuditRetentionDays)
}

func TestOverrideDeniedInProduction(t *testing.T) {
	m := NewMode(LevelProduction, nil)
	err := m.Override(FlagEnforceHTTPS, false)
	require.Error(t, err)
	assert.True(t, m.Check(FlagEnforceHTTPS))
}

func TestOverrideAppliedAndClearedInDevelopment(t *testing.T) {
	var events []string
	m := NewMode(LevelDevelopment, nil).WithRecorder(func(action, flag string, value bool) {
		events = append(events, action+":"+flag)
	})

	require.False(t, m.Check(FlagEnforceHTTPS))
	require.NoError(t, m.Override(FlagEnforceHTTPS, true))
	assert.True(t, m.Check(FlagEnforceHTTPS))

	m.ClearOverride(FlagEnforceHTTPS)
	assert.False(t, m.Check(FlagEnforceHTTPS))

	assert.Equal(t, []string{
		"compliance.override.set:" + FlagEnforceHTTPS,
		"compliance.override.cleared:" + FlagEnforceHTTPS,
	}, events)
}

func TestValidateStartupPassesForHealthyProduction(t *testing.T) {
	m := NewMode(LevelProduction, nil)
	assert.NoError(t, m.ValidateStartup())
}

func TestValidateStartupFailsClosedWhenStrict(t *testing.T) {
	m := NewMode(LevelProduction, nil)
	// Simulate a broken profile directly; overrides are not permitted here.
	m.cfg.EnforceHTTPS = false
	err := m.ValidateStartup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), FlagEnforceHTTPS)
}

func TestValidateStartupWarnsWhenNotStrict(t *testing.T) {
	m := NewMode(LevelProduction, nil)
	m.cfg.EnforceHTTPS = false
	m.cfg.StrictStartup = false
	assert.NoError(t, m.ValidateStartup())
}

func TestValidateStartupSkipsDevelopment(t *testing.T) {
	m := NewMode(LevelDevelopment, nil)
	assert.NoError(t, m.ValidateStartup())
}

func TestLoadOverlay(t *testing.T) {
	dir := t.TempDir()
	overlay := "audit_retention_days: 14\nrate_limit_multiplier: 5.0\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_development.yaml"), []byte(overlay), 0o600))

	m := NewMode(LevelDevelopment, nil)
	require.NoError(t, m.LoadOverlay(dir))
	assert.Equal(t, 14, m.Config().AuditRetentionDays)
	assert.Equal(t, 5.0, m.Config().RateLimitMultiplier)
}

func TestLoadOverlayMissingFileIsNoop(t *testing.T) {
	m := NewMode(LevelStaging, nil)
	assert.NoError(t, m.LoadOverlay(t.TempDir()))
}

func TestLoadOverlayRefusedInProduction(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_production.yaml"), []byte("strict_startup: false\n"), 0o600))

	m := NewMode(LevelProduction, nil)
	assert.Error(t, m.LoadOverlay(dir))
}
