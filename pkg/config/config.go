// Package config reads the service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Addr            string
	LogLevel        string
	ComplianceLevel string
	ProfileDir      string

	AuditDir      string
	AuditMaxBytes int64
	KeystorePath  string
	PackDir       string

	DatabaseURL string // postgres DSN; empty selects sqlite
	SQLitePath  string
	RedisAddr   string // empty selects the in-memory limiter store

	TokenIssuer string
	TokenTTL    time.Duration

	ExecutorURL     string // action executor endpoint; empty disables execution
	EgressAllowed   []string
	EgressBlocked   []string
	EgressPerMinute int

	RateLimit      int
	RateWindow     time.Duration
	TrustedProxies []string // peers allowed to set X-Forwarded-For

	ArchiveBucket   string // s3 bucket for rotated audit files; empty keeps them local
	ArchiveEndpoint string

	OTLPEndpoint string
}

// Load reads configuration from environment variables, with defaults
// suitable for local development.
func Load() *Config {
	return &Config{
		Addr:            getenv("WARDEN_ADDR", ":8443"),
		LogLevel:        getenv("WARDEN_LOG_LEVEL", "info"),
		ComplianceLevel: getenv("WARDEN_COMPLIANCE_LEVEL", "development"),
		ProfileDir:      os.Getenv("WARDEN_PROFILE_DIR"),

		AuditDir:      getenv("WARDEN_AUDIT_DIR", "./data/audit"),
		AuditMaxBytes: getInt64("WARDEN_AUDIT_MAX_BYTES", 0),
		KeystorePath:  getenv("WARDEN_KEYSTORE", "./data/keys.json"),
		PackDir:       getenv("WARDEN_PACK_DIR", "./packs"),

		DatabaseURL: os.Getenv("WARDEN_DATABASE_URL"),
		SQLitePath:  getenv("WARDEN_SQLITE_PATH", "./data/warden.db"),
		RedisAddr:   os.Getenv("WARDEN_REDIS_ADDR"),

		TokenIssuer: getenv("WARDEN_TOKEN_ISSUER", "warden"),
		TokenTTL:    getDuration("WARDEN_TOKEN_TTL", 8*time.Hour),

		ExecutorURL:     os.Getenv("WARDEN_EXECUTOR_URL"),
		EgressAllowed:   getList("WARDEN_EGRESS_ALLOW"),
		EgressBlocked:   getList("WARDEN_EGRESS_BLOCK"),
		EgressPerMinute: getIntEnv("WARDEN_EGRESS_PER_MINUTE", 600),

		RateLimit:      getIntEnv("WARDEN_RATE_LIMIT", 120),
		RateWindow:     getDuration("WARDEN_RATE_WINDOW", time.Minute),
		TrustedProxies: getList("WARDEN_TRUSTED_PROXIES"),

		ArchiveBucket:   os.Getenv("WARDEN_ARCHIVE_BUCKET"),
		ArchiveEndpoint: os.Getenv("WARDEN_ARCHIVE_ENDPOINT"),

		OTLPEndpoint: os.Getenv("WARDEN_OTLP_ENDPOINT"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
