package egress

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/compliance"
)

type memRecorder struct {
	mu      sync.Mutex
	entries []map[string]any
	fail    bool
}

func (m *memRecorder) Record(_ audit.Actor, action, _ string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("ledger unavailable")
	}
	p := map[string]any{"action": action}
	for k, v := range payload {
		p[k] = v
	}
	m.entries = append(m.entries, p)
	return nil
}

func (m *memRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func testController(t *testing.T, level compliance.Level, policy Policy) (*Controller, *memRecorder) {
	t.Helper()
	rec := &memRecorder{}
	mode := compliance.NewMode(level, slog.Default())
	return New(mode, policy, rec), rec
}

func defaultPolicy() Policy {
	return Policy{
		AllowedDomains: []string{"*.example.gov", "example.gov"},
		BlockedDomains: []string{"admin.example.gov"},
	}
}

func TestCheckAllowsListedDomain(t *testing.T) {
	c, rec := testController(t, compliance.LevelProduction, defaultPolicy())

	d := c.Check(context.Background(), "https://claims.example.gov/search", "navigate", audit.Actor{Subject: "run-1"})
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonAllowed, d.Reason)
	assert.Equal(t, 1, rec.count(), "allow decisions are audited too")
}

func TestCheckRejections(t *testing.T) {
	cases := []struct {
		name   string
		url    string
		reason string
	}{
		{"oversized", "https://example.gov/" + strings.Repeat("a", maxURLLength), ReasonOversizedURL},
		{"javascript scheme", "javascript:alert(1)", ReasonDangerousPattern},
		{"data scheme", "data:text/html,<h1>x</h1>", ReasonDangerousPattern},
		{"script injection", "https://example.gov/?q=<script>x</script>", ReasonDangerousPattern},
		{"event handler", "https://example.gov/?q=onerror=alert(1)", ReasonDangerousPattern},
		{"no scheme", "example.gov/path", ReasonMalformedURL},
		{"ftp scheme", "ftp://example.gov/file", ReasonMalformedURL},
		{"localhost", "https://localhost/admin", ReasonInternalHost},
		{"metadata endpoint", "http://169.254.169.254/latest/meta-data/", ReasonInternalHost},
		{"private address", "https://10.0.0.8/", ReasonInternalHost},
		{"blocklisted", "https://admin.example.gov/panel", ReasonBlocklisted},
		{"unlisted", "https://evil.example.com/", ReasonNotAllowlisted},
	}

	c, _ := testController(t, compliance.LevelProduction, defaultPolicy())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := c.Check(context.Background(), tc.url, "navigate", audit.Actor{Subject: "run-1"})
			assert.False(t, d.Allowed)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

func TestCheckPlainHTTPBlockedInProduction(t *testing.T) {
	c, _ := testController(t, compliance.LevelProduction, defaultPolicy())
	d := c.Check(context.Background(), "http://claims.example.gov/", "navigate", audit.Actor{Subject: "run-1"})
	assert.False(t, d.Allowed)

	dev, _ := testController(t, compliance.LevelDevelopment, defaultPolicy())
	d = dev.Check(context.Background(), "http://claims.example.gov/", "navigate", audit.Actor{Subject: "run-1"})
	assert.True(t, d.Allowed)
}

func TestDevelopmentModeUsesBlocklistOnly(t *testing.T) {
	c, _ := testController(t, compliance.LevelDevelopment, defaultPolicy())

	d := c.Check(context.Background(), "https://anything.example.com/", "navigate", audit.Actor{Subject: "run-1"})
	assert.True(t, d.Allowed, "unlisted domains pass when allowlist mode is off")

	d = c.Check(context.Background(), "https://admin.example.gov/", "navigate", audit.Actor{Subject: "run-1"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBlocklisted, d.Reason)
}

func TestSanitizeStripsCredentialParams(t *testing.T) {
	c, _ := testController(t, compliance.LevelProduction, defaultPolicy())

	d := c.Check(context.Background(), "https://claims.example.gov/search?id=C-1&token=abc&api_key=xyz", "navigate", audit.Actor{Subject: "run-1"})
	require.True(t, d.Allowed)
	assert.Contains(t, d.SanitizedURL, "id=C-1")
	assert.NotContains(t, d.SanitizedURL, "token")
	assert.NotContains(t, d.SanitizedURL, "api_key")
}

func TestPerDomainRateLimit(t *testing.T) {
	policy := defaultPolicy()
	policy.RequestsPerMinute = 3
	c, _ := testController(t, compliance.LevelProduction, policy)

	for i := 0; i < 3; i++ {
		d := c.Check(context.Background(), "https://claims.example.gov/", "navigate", audit.Actor{Subject: "run-1"})
		require.True(t, d.Allowed, "request %d should pass", i+1)
	}
	d := c.Check(context.Background(), "https://claims.example.gov/", "navigate", audit.Actor{Subject: "run-1"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDomainRateLimit, d.Reason)

	// Domains have independent budgets.
	d = c.Check(context.Background(), "https://status.example.gov/", "navigate", audit.Actor{Subject: "run-1"})
	assert.True(t, d.Allowed)
}

func TestAuditFailureDeniesNavigation(t *testing.T) {
	rec := &memRecorder{fail: true}
	mode := compliance.NewMode(compliance.LevelProduction, slog.Default())
	c := New(mode, defaultPolicy(), rec)

	d := c.Check(context.Background(), "https://claims.example.gov/", "navigate", audit.Actor{Subject: "run-1"})
	assert.False(t, d.Allowed, "an unrecorded navigation must not happen")
}
