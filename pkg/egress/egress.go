// Package egress is the outbound perimeter: every navigation a run wants
// to make is checked against URL hygiene rules, the fixed internal
// blocklist, the mode-selected allow/block policy, and a per-domain
// request cap. Every decision, allow or deny, is an audit event.
package egress

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/compliance"
	"github.com/wardenhq/warden/pkg/planner"
)

// Decision reasons.
const (
	ReasonMalformedURL     = "malformed_url"
	ReasonOversizedURL     = "oversized_url"
	ReasonDangerousPattern = "dangerous_pattern"
	ReasonInternalHost     = "internal_host"
	ReasonNotAllowlisted   = "not_allowlisted"
	ReasonBlocklisted      = "blocklisted"
	ReasonDomainRateLimit  = "domain_rate_limited"
	ReasonAllowed          = "allowed"
)

// maxURLLength bounds what we are willing to parse.
const maxURLLength = 2048

// Decision is the outcome of one egress check.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason"`
	SanitizedURL string `json:"sanitized_url,omitempty"`
}

// Policy holds the allow/block lists the controller enforces. In
// allowlist mode anything unlisted is denied; otherwise only blocklist
// matches are denied.
type Policy struct {
	AllowedDomains []string `json:"allowed_domains,omitempty"`
	BlockedDomains []string `json:"blocked_domains,omitempty"`
	// RequestsPerMinute caps navigations per domain. Zero disables the cap.
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
}

// Recorder is where decisions land. Matches the audit store.
type Recorder interface {
	Record(actor audit.Actor, action, resource string, payload map[string]any) error
}

// Controller checks outbound navigation requests.
type Controller struct {
	mode   *compliance.Mode
	policy Policy
	rec    Recorder
	log    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.log = l } }

// New creates an egress controller.
func New(mode *compliance.Mode, policy Policy, rec Recorder, opts ...Option) *Controller {
	c := &Controller{
		mode:     mode,
		policy:   policy,
		rec:      rec,
		log:      slog.Default(),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the active policy.
func (c *Controller) Policy() Policy { return c.policy }

// dangerousFragments in a URL mean injection, not navigation.
var dangerousFragments = []string{
	"javascript:", "data:", "vbscript:",
	"<script", "onerror=", "onload=", "onclick=",
}

// credentialParams are stripped from every allowed URL before it is
// handed back; secrets do not belong in navigation targets.
var credentialParams = map[string]bool{
	"token": true, "access_token": true, "api_key": true, "apikey": true,
	"key": true, "secret": true, "password": true, "passwd": true,
	"auth": true, "authorization": true, "session": true, "sid": true,
	"credential": true, "credentials": true,
}

// Check evaluates a navigation target. The returned decision is already
// audited; an audit write failure turns an allow into a deny because an
// unrecorded navigation must not happen.
func (c *Controller) Check(ctx context.Context, rawURL, action string, actor audit.Actor) Decision {
	d := c.evaluate(rawURL)

	payload := map[string]any{
		"url":     truncate(rawURL, 256),
		"action":  action,
		"allowed": d.Allowed,
		"reason":  d.Reason,
	}
	if err := c.rec.Record(actor, "egress.decision", "egress", payload); err != nil {
		c.log.Error("egress audit write failed", "error", err)
		return Decision{Allowed: false, Reason: "audit_unavailable"}
	}
	if !d.Allowed {
		c.log.Warn("egress denied", "reason", d.Reason, "url", truncate(rawURL, 256))
	}
	return d
}

// CheckNavigation adapts Check to the runner's interface.
func (c *Controller) CheckNavigation(ctx context.Context, rawURL string) (bool, string) {
	d := c.Check(ctx, rawURL, "navigate", audit.Actor{Subject: "runner", Role: "runner"})
	return d.Allowed, d.Reason
}

func (c *Controller) evaluate(rawURL string) Decision {
	if len(rawURL) > maxURLLength {
		return Decision{Reason: ReasonOversizedURL}
	}

	lowered := strings.ToLower(rawURL)
	for _, frag := range dangerousFragments {
		if strings.Contains(lowered, frag) {
			return Decision{Reason: ReasonDangerousPattern}
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Decision{Reason: ReasonMalformedURL}
	}
	if u.Scheme == "http" && c.mode.Check(compliance.FlagEnforceHTTPS) {
		return Decision{Reason: ReasonMalformedURL}
	}

	host := strings.ToLower(u.Hostname())
	if planner.AlwaysBlocked(host) {
		return Decision{Reason: ReasonInternalHost}
	}

	if matchAny(c.policy.BlockedDomains, host) {
		return Decision{Reason: ReasonBlocklisted}
	}
	if c.mode.Check(compliance.FlagEgressAllowlistOnly) && !matchAny(c.policy.AllowedDomains, host) {
		return Decision{Reason: ReasonNotAllowlisted}
	}

	if c.policy.RequestsPerMinute > 0 && !c.limiter(host).Allow() {
		return Decision{Reason: ReasonDomainRateLimit}
	}

	return Decision{Allowed: true, Reason: ReasonAllowed, SanitizedURL: sanitize(u)}
}

// limiter returns the per-domain limiter, creating it on first use.
func (c *Controller) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		perMin := c.policy.RequestsPerMinute
		l = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		c.limiters[host] = l
	}
	return l
}

// sanitize strips credential-bearing query parameters.
func sanitize(u *url.URL) string {
	q := u.Query()
	changed := false
	for name := range q {
		if credentialParams[strings.ToLower(name)] {
			q.Del(name)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func matchAny(patterns []string, host string) bool {
	for _, p := range patterns {
		if planner.MatchDomain(p, host) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
