// Package compliance selects and exposes the environment security profile.
//
// Every other component reads its behavior flags from here: HTTPS
// enforcement, audit strictness, rate-limit multipliers, break-glass
// permissions. The profile is fixed per level and read-only at runtime,
// except for short-lived audited overrides outside production.
package compliance

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Level names an environment security profile.
type Level string

const (
	LevelDevelopment Level = "development"
	LevelStaging     Level = "staging"
	LevelProduction  Level = "production"
	LevelFedRAMP     Level = "fedramp"
)

// Flag names. Boolean flags are read through Mode.Check; numeric values
// have dedicated getters on Config.
const (
	FlagEnforceHTTPS         = "enforce_https"
	FlagStrictCORS           = "strict_cors"
	FlagRequireMFA           = "require_mfa"
	FlagAuditAllRequests     = "audit_all_requests"
	FlagAuditSigning         = "audit_signing"
	FlagTenantIsolation      = "tenant_isolation"
	FlagCrossTenantAccess    = "cross_tenant_access"
	FlagStrictPIIRedaction   = "strict_pii_redaction"
	FlagMaskPIIInLogs        = "mask_pii_in_logs"
	FlagBreakGlassEnabled    = "break_glass_enabled"
	FlagBreakGlassMFA        = "break_glass_mfa"
	FlagRequireApprovedPlans = "require_approved_plans"
	FlagEgressAllowlistOnly  = "egress_allowlist_only"
	FlagArchiveOnRetention   = "archive_on_retention"
	FlagAllowOverrides       = "allow_overrides"
	FlagAllowSelfSignedTLS   = "allow_self_signed_tls"
	FlagVerboseErrors        = "verbose_errors"
	FlagSessionBinding       = "session_binding"
	FlagStrictStartup        = "strict_startup"
)

// Config is the full flag set for one level.
type Config struct {
	Level Level `json:"level" yaml:"level"`

	// Transport & API surface
	EnforceHTTPS       bool `json:"enforce_https" yaml:"enforce_https"`
	StrictCORS         bool `json:"strict_cors" yaml:"strict_cors"`
	AllowSelfSignedTLS bool `json:"allow_self_signed_tls" yaml:"allow_self_signed_tls"`
	VerboseErrors      bool `json:"verbose_errors" yaml:"verbose_errors"`

	// Identity & sessions
	RequireMFA     bool          `json:"require_mfa" yaml:"require_mfa"`
	SessionBinding bool          `json:"session_binding" yaml:"session_binding"`
	SessionMaxAge  time.Duration `json:"session_max_age" yaml:"session_max_age"`

	// Audit
	AuditAllRequests   bool `json:"audit_all_requests" yaml:"audit_all_requests"`
	AuditSigning       bool `json:"audit_signing" yaml:"audit_signing"`
	AuditRetentionDays int  `json:"audit_retention_days" yaml:"audit_retention_days"`
	ArchiveOnRetention bool `json:"archive_on_retention" yaml:"archive_on_retention"`

	// Tenancy
	TenantIsolation   bool `json:"tenant_isolation" yaml:"tenant_isolation"`
	CrossTenantAccess bool `json:"cross_tenant_access" yaml:"cross_tenant_access"`

	// Data handling
	StrictPIIRedaction bool `json:"strict_pii_redaction" yaml:"strict_pii_redaction"`
	MaskPIIInLogs      bool `json:"mask_pii_in_logs" yaml:"mask_pii_in_logs"`

	// Rate limiting
	RateLimitMultiplier float64       `json:"rate_limit_multiplier" yaml:"rate_limit_multiplier"`
	PreAuthWindow       time.Duration `json:"preauth_window" yaml:"preauth_window"`

	// Egress
	EgressAllowlistOnly bool `json:"egress_allowlist_only" yaml:"egress_allowlist_only"`
	EgressPerDomainRPM  int  `json:"egress_per_domain_rpm" yaml:"egress_per_domain_rpm"`

	// Governance
	RequireApprovedPlans bool `json:"require_approved_plans" yaml:"require_approved_plans"`

	// Break-glass
	BreakGlassEnabled    bool          `json:"break_glass_enabled" yaml:"break_glass_enabled"`
	BreakGlassMFA        bool          `json:"break_glass_mfa" yaml:"break_glass_mfa"`
	BreakGlassSessionTTL time.Duration `json:"break_glass_session_ttl" yaml:"break_glass_session_ttl"`

	// Operability
	AllowOverrides bool `json:"allow_overrides" yaml:"allow_overrides"`
	StrictStartup  bool `json:"strict_startup" yaml:"strict_startup"`
}

// profiles holds the four fixed configurations. Levels never share a
// mutable Config value; Profile returns a copy.
var profiles = map[Level]Config{
	LevelDevelopment: {
		Level:                LevelDevelopment,
		EnforceHTTPS:         false,
		StrictCORS:           false,
		AllowSelfSignedTLS:   true,
		VerboseErrors:        true,
		RequireMFA:           false,
		SessionBinding:       false,
		SessionMaxAge:        24 * time.Hour,
		AuditAllRequests:     false,
		AuditSigning:         true,
		AuditRetentionDays:   7,
		ArchiveOnRetention:   false,
		TenantIsolation:      false,
		CrossTenantAccess:    true,
		StrictPIIRedaction:   false,
		MaskPIIInLogs:        false,
		RateLimitMultiplier:  10.0,
		PreAuthWindow:        15 * time.Minute,
		EgressAllowlistOnly:  false,
		EgressPerDomainRPM:   600,
		RequireApprovedPlans: false,
		BreakGlassEnabled:    true,
		BreakGlassMFA:        false,
		BreakGlassSessionTTL: 60 * time.Minute,
		AllowOverrides:       true,
		StrictStartup:        false,
	},
	LevelStaging: {
		Level:                LevelStaging,
		EnforceHTTPS:         true,
		StrictCORS:           true,
		AllowSelfSignedTLS:   true,
		VerboseErrors:        true,
		RequireMFA:           false,
		SessionBinding:       true,
		SessionMaxAge:        12 * time.Hour,
		AuditAllRequests:     true,
		AuditSigning:         true,
		AuditRetentionDays:   30,
		ArchiveOnRetention:   false,
		TenantIsolation:      true,
		CrossTenantAccess:    false,
		StrictPIIRedaction:   true,
		MaskPIIInLogs:        true,
		RateLimitMultiplier:  2.0,
		PreAuthWindow:        15 * time.Minute,
		EgressAllowlistOnly:  true,
		EgressPerDomainRPM:   120,
		RequireApprovedPlans: true,
		BreakGlassEnabled:    true,
		BreakGlassMFA:        false,
		BreakGlassSessionTTL: 45 * time.Minute,
		AllowOverrides:       true,
		StrictStartup:        false,
	},
	LevelProduction: {
		Level:                LevelProduction,
		EnforceHTTPS:         true,
		StrictCORS:           true,
		AllowSelfSignedTLS:   false,
		VerboseErrors:        false,
		RequireMFA:           true,
		SessionBinding:       true,
		SessionMaxAge:        8 * time.Hour,
		AuditAllRequests:     true,
		AuditSigning:         true,
		AuditRetentionDays:   365,
		ArchiveOnRetention:   true,
		TenantIsolation:      true,
		CrossTenantAccess:    false,
		StrictPIIRedaction:   true,
		MaskPIIInLogs:        true,
		RateLimitMultiplier:  1.0,
		PreAuthWindow:        15 * time.Minute,
		EgressAllowlistOnly:  true,
		EgressPerDomainRPM:   60,
		RequireApprovedPlans: true,
		BreakGlassEnabled:    true,
		BreakGlassMFA:        true,
		BreakGlassSessionTTL: 30 * time.Minute,
		AllowOverrides:       false,
		StrictStartup:        true,
	},
	LevelFedRAMP: {
		Level:                LevelFedRAMP,
		EnforceHTTPS:         true,
		StrictCORS:           true,
		AllowSelfSignedTLS:   false,
		VerboseErrors:        false,
		RequireMFA:           true,
		SessionBinding:       true,
		SessionMaxAge:        4 * time.Hour,
		AuditAllRequests:     true,
		AuditSigning:         true,
		AuditRetentionDays:   2555, // 7 years
		ArchiveOnRetention:   true,
		TenantIsolation:      true,
		CrossTenantAccess:    false,
		StrictPIIRedaction:   true,
		MaskPIIInLogs:        true,
		RateLimitMultiplier:  0.5,
		PreAuthWindow:        15 * time.Minute,
		EgressAllowlistOnly:  true,
		EgressPerDomainRPM:   30,
		RequireApprovedPlans: true,
		BreakGlassEnabled:    false,
		BreakGlassMFA:        true,
		BreakGlassSessionTTL: 30 * time.Minute,
		AllowOverrides:       false,
		StrictStartup:        true,
	},
}

// ParseLevel maps an environment string to a Level. Unknown values fall
// back to development so a missing env var never silently runs with a
// misconfigured production profile.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelStaging, LevelProduction, LevelFedRAMP:
		return Level(s)
	default:
		return LevelDevelopment
	}
}

// Profile returns a copy of the fixed configuration for the level.
func Profile(level Level) Config {
	cfg, ok := profiles[level]
	if !ok {
		cfg = profiles[LevelDevelopment]
	}
	return cfg
}

// OverrideRecorder receives override lifecycle events so they land in the
// audit ledger. Wired by the composition root; nil drops them to the log.
type OverrideRecorder func(action, flag string, value bool)

// Mode is the runtime view of the active compliance configuration.
type Mode struct {
	mu        sync.RWMutex
	cfg       Config
	overrides map[string]bool
	recorder  OverrideRecorder
	logger    *slog.Logger
}

// NewMode builds a Mode for the given level.
func NewMode(level Level, logger *slog.Logger) *Mode {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mode{
		cfg:       Profile(level),
		overrides: make(map[string]bool),
		logger:    logger,
	}
}

// FromEnvironment selects the level from WARDEN_ENV.
func FromEnvironment(logger *slog.Logger) *Mode {
	return NewMode(ParseLevel(os.Getenv("WARDEN_ENV")), logger)
}

// WithRecorder attaches an override recorder.
func (m *Mode) WithRecorder(r OverrideRecorder) *Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
	return m
}

// Level returns the active level.
func (m *Mode) Level() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Level
}

// Config returns a copy of the active configuration. Overrides are not
// reflected here; they apply only through Check.
func (m *Mode) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Check reports whether a boolean flag is set, honoring any active
// override.
func (m *Mode) Check(flag string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.overrides[flag]; ok {
		return v
	}
	return m.flagValue(flag)
}

func (m *Mode) flagValue(flag string) bool {
	switch flag {
	case FlagEnforceHTTPS:
		return m.cfg.EnforceHTTPS
	case FlagStrictCORS:
		return m.cfg.StrictCORS
	case FlagRequireMFA:
		return m.cfg.RequireMFA
	case FlagAuditAllRequests:
		return m.cfg.AuditAllRequests
	case FlagAuditSigning:
		return m.cfg.AuditSigning
	case FlagTenantIsolation:
		return m.cfg.TenantIsolation
	case FlagCrossTenantAccess:
		return m.cfg.CrossTenantAccess
	case FlagStrictPIIRedaction:
		return m.cfg.StrictPIIRedaction
	case FlagMaskPIIInLogs:
		return m.cfg.MaskPIIInLogs
	case FlagBreakGlassEnabled:
		return m.cfg.BreakGlassEnabled
	case FlagBreakGlassMFA:
		return m.cfg.BreakGlassMFA
	case FlagRequireApprovedPlans:
		return m.cfg.RequireApprovedPlans
	case FlagEgressAllowlistOnly:
		return m.cfg.EgressAllowlistOnly
	case FlagArchiveOnRetention:
		return m.cfg.ArchiveOnRetention
	case FlagAllowOverrides:
		return m.cfg.AllowOverrides
	case FlagAllowSelfSignedTLS:
		return m.cfg.AllowSelfSignedTLS
	case FlagVerboseErrors:
		return m.cfg.VerboseErrors
	case FlagSessionBinding:
		return m.cfg.SessionBinding
	case FlagStrictStartup:
		return m.cfg.StrictStartup
	default:
		return false
	}
}

// Override forces a boolean flag outside production-grade levels. The
// override is recorded as an audit event and survives until explicitly
// cleared.
func (m *Mode) Override(flag string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.AllowOverrides {
		return fmt.Errorf("compliance: overrides not permitted at level %s", m.cfg.Level)
	}

	m.overrides[flag] = value
	m.logger.Warn("compliance override set", "flag", flag, "value", value, "level", m.cfg.Level)
	if m.recorder != nil {
		m.recorder("compliance.override.set", flag, value)
	}
	return nil
}

// ClearOverride removes an override.
func (m *Mode) ClearOverride(flag string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.overrides[flag]; !ok {
		return
	}
	delete(m.overrides, flag)
	m.logger.Info("compliance override cleared", "flag", flag)
	if m.recorder != nil {
		m.recorder("compliance.override.cleared", flag, false)
	}
}

// criticalFlags must all be enabled in production and fedramp.
var criticalFlags = []string{
	FlagEnforceHTTPS,
	FlagStrictCORS,
	FlagAuditAllRequests,
	FlagAuditSigning,
	FlagTenantIsolation,
	FlagStrictPIIRedaction,
}

// ValidateStartup scans the critical flag set for production-grade levels.
// With strict startup set the first disabled flag is a hard error;
// otherwise each is logged as a fatal-severity warning and startup
// continues.
func (m *Mode) ValidateStartup() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cfg.Level != LevelProduction && m.cfg.Level != LevelFedRAMP {
		return nil
	}

	var disabled []string
	for _, flag := range criticalFlags {
		if !m.flagValue(flag) {
			disabled = append(disabled, flag)
		}
	}
	if len(disabled) == 0 {
		return nil
	}

	if m.cfg.StrictStartup {
		return fmt.Errorf("compliance: critical flags disabled at level %s: %v", m.cfg.Level, disabled)
	}
	for _, flag := range disabled {
		m.logger.Error("CRITICAL compliance flag disabled", "flag", flag, "level", m.cfg.Level)
	}
	return nil
}
