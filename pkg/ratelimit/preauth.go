package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/compliance"
)

// PreAuthRequest carries the three independent dimensions checked before
// any identity is established.
type PreAuthRequest struct {
	IP           string
	Organization string
	Domain       string
	Identity     string
}

// PreAuthCaps are the per-dimension ceilings inside one window. Each
// dimension has its own budget; a request passes only when ALL three
// are under cap. The IP cap is the loosest (many users share an IP),
// the identity cap the tightest (one identity retrying is an attack
// signature, not load).
type PreAuthCaps struct {
	IP        int
	OrgDomain int
	Identity  int
}

// DefaultPreAuthCaps are tuned for login-shaped endpoints.
var DefaultPreAuthCaps = PreAuthCaps{IP: 30, OrgDomain: 10, Identity: 3}

// PreAuthLimiter is the multi-key variant for pre-authentication
// endpoints. Requiring all three keys simultaneously defeats botnet IP
// rotation (identity and org budgets still bind) without over-blocking
// shared IPs (distinct identities spend their own budgets).
type PreAuthLimiter struct {
	store  Store
	mode   *compliance.Mode
	rec    Recorder
	log    *slog.Logger
	caps   PreAuthCaps
	window time.Duration
	clock  func() time.Time
}

// PreAuthOption configures a PreAuthLimiter.
type PreAuthOption func(*PreAuthLimiter)

// WithPreAuthClock injects a time source for tests.
func WithPreAuthClock(clock func() time.Time) PreAuthOption {
	return func(l *PreAuthLimiter) { l.clock = clock }
}

// WithPreAuthLogger sets the violation logger.
func WithPreAuthLogger(lg *slog.Logger) PreAuthOption {
	return func(l *PreAuthLimiter) { l.log = lg }
}

// NewPreAuth creates a multi-key limiter. A zero window falls back to
// the compliance mode's pre-auth window.
func NewPreAuth(store Store, mode *compliance.Mode, rec Recorder, caps PreAuthCaps, window time.Duration, opts ...PreAuthOption) *PreAuthLimiter {
	if window <= 0 {
		window = mode.Config().PreAuthWindow
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	l := &PreAuthLimiter{
		store:  store,
		mode:   mode,
		rec:    rec,
		log:    slog.Default(),
		caps:   caps,
		window: window,
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow spends one unit of every dimension's budget and passes only if
// all three stay under cap. All dimensions are charged even when one
// rejects, so probing a full bucket still burns the others.
func (l *PreAuthLimiter) Allow(ctx context.Context, req PreAuthRequest) Decision {
	now := l.clock()

	checks := []struct {
		name string
		key  string
		cap  int
	}{
		{"ip", "preauth:ip:" + req.IP, l.caps.IP},
		{"org_domain", "preauth:org:" + HashKey(req.Organization, req.Domain), l.caps.OrgDomain},
		{"identity", "preauth:id:" + HashKey(req.Identity), l.caps.Identity},
	}

	out := Decision{Allowed: true}
	var exceeded string
	for _, c := range checks {
		count, oldest, err := l.store.Hit(ctx, c.key, l.window, now)
		if err != nil {
			l.log.Error("pre-auth limiter store failed", "dimension", c.name, "error", err)
			return Decision{Allowed: false, RetryAfter: l.window}
		}
		if count > c.cap && exceeded == "" {
			exceeded = c.name
			out = Decision{Allowed: false, Limit: c.cap, Count: count, RetryAfter: retryAfter(oldest, now, l.window)}
		}
	}

	if exceeded != "" {
		l.recordViolation(req, exceeded, out)
	}
	return out
}

func (l *PreAuthLimiter) recordViolation(req PreAuthRequest, dimension string, d Decision) {
	if l.rec == nil {
		return
	}
	err := l.rec.Record(
		audit.Actor{Subject: HashKey(req.Identity)},
		"ratelimit.preauth_exceeded", "ratelimit",
		map[string]any{"ip": req.IP, "dimension": dimension, "count": d.Count, "limit": d.Limit},
	)
	if err != nil {
		l.log.Error("pre-auth audit write failed", "error", err)
	}
}
