package compliance

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ProfileOverlay tunes a subset of flags on top of a fixed level. Overlays
// are a development/staging convenience only; production and fedramp run
// the fixed profile verbatim.
type ProfileOverlay struct {
	AuditRetentionDays   *int           `yaml:"audit_retention_days,omitempty"`
	RateLimitMultiplier  *float64       `yaml:"rate_limit_multiplier,omitempty"`
	EgressPerDomainRPM   *int           `yaml:"egress_per_domain_rpm,omitempty"`
	BreakGlassSessionTTL *time.Duration `yaml:"break_glass_session_ttl,omitempty"`
	SessionMaxAge        *time.Duration `yaml:"session_max_age,omitempty"`
	StrictStartup        *bool          `yaml:"strict_startup,omitempty"`
}

// LoadOverlay reads profile_<level>.yaml from dir and applies it to the
// mode. A missing file is not an error.
func (m *Mode) LoadOverlay(dir string) error {
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", m.Level()))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("compliance: read overlay: %w", err)
	}

	var overlay ProfileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("compliance: parse overlay %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Level == LevelProduction || m.cfg.Level == LevelFedRAMP {
		return fmt.Errorf("compliance: overlays not permitted at level %s", m.cfg.Level)
	}

	if overlay.AuditRetentionDays != nil {
		m.cfg.AuditRetentionDays = *overlay.AuditRetentionDays
	}
	if overlay.RateLimitMultiplier != nil {
		m.cfg.RateLimitMultiplier = *overlay.RateLimitMultiplier
	}
	if overlay.EgressPerDomainRPM != nil {
		m.cfg.EgressPerDomainRPM = *overlay.EgressPerDomainRPM
	}
	if overlay.BreakGlassSessionTTL != nil {
		m.cfg.BreakGlassSessionTTL = *overlay.BreakGlassSessionTTL
	}
	if overlay.SessionMaxAge != nil {
		m.cfg.SessionMaxAge = *overlay.SessionMaxAge
	}
	if overlay.StrictStartup != nil {
		m.cfg.StrictStartup = *overlay.StrictStartup
	}

	m.logger.Info("compliance overlay applied", "path", path, "level", m.cfg.Level)
	return nil
}
