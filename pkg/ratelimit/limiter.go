package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/compliance"
)

// Key identifies one request source for the general limiter.
type Key struct {
	Tenant string
	User   string
	IP     string
	Path   string
}

// String renders the composite window key. The path is normalized so
// "/plans/" and "/plans" share a window.
func (k Key) String() string {
	path := strings.TrimRight(k.Path, "/")
	if path == "" {
		path = "/"
	}
	return strings.Join([]string{k.Tenant, k.User, k.IP, path}, "|")
}

// Decision is the limiter's answer.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Count      int           `json:"count"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Recorder receives audit events for violations.
type Recorder interface {
	Record(actor audit.Actor, action, resource string, payload map[string]any) error
}

// Limiter is the general sliding-window limiter. The configured ceiling
// is scaled by the compliance mode's multiplier, so development traffic
// gets headroom production does not.
type Limiter struct {
	store  Store
	mode   *compliance.Mode
	rec    Recorder
	log    *slog.Logger
	limit  int
	window time.Duration
	clock  func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option { return func(l *Limiter) { l.clock = clock } }

// WithLogger overrides the default logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Limiter) { l.log = lg } }

// New creates a limiter allowing limit requests per window per key
// before the compliance multiplier is applied.
func New(store Store, mode *compliance.Mode, rec Recorder, limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		mode:   mode,
		rec:    rec,
		log:    slog.Default(),
		limit:  limit,
		window: window,
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ceiling applies the mode multiplier, never dropping below one.
func (l *Limiter) ceiling() int {
	mult := l.mode.Config().RateLimitMultiplier
	if mult <= 0 {
		mult = 1
	}
	c := int(float64(l.limit) * mult)
	if c < 1 {
		c = 1
	}
	return c
}

// Allow records one request and decides. A store failure denies: a
// limiter that cannot count cannot protect anything.
func (l *Limiter) Allow(ctx context.Context, key Key) Decision {
	now := l.clock()
	limit := l.ceiling()

	count, oldest, err := l.store.Hit(ctx, key.String(), l.window, now)
	if err != nil {
		l.log.Error("rate limit store failed", "error", err)
		return Decision{Allowed: false, Limit: limit, RetryAfter: l.window}
	}

	if count > limit {
		d := Decision{Allowed: false, Limit: limit, Count: count, RetryAfter: retryAfter(oldest, now, l.window)}
		l.recordViolation(key, d)
		return d
	}
	return Decision{Allowed: true, Limit: limit, Count: count}
}

func (l *Limiter) recordViolation(key Key, d Decision) {
	if l.rec == nil {
		return
	}
	err := l.rec.Record(
		audit.Actor{Subject: key.User, Tenant: key.Tenant},
		"ratelimit.exceeded", "ratelimit",
		map[string]any{"ip": key.IP, "path": key.Path, "count": d.Count, "limit": d.Limit},
	)
	if err != nil {
		l.log.Error("rate limit audit write failed", "error", err)
	}
}

// retryAfter is how long until the oldest hit leaves the window.
func retryAfter(oldest, now time.Time, window time.Duration) time.Duration {
	if oldest.IsZero() {
		return window
	}
	d := oldest.Add(window).Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// HashKey hashes an identity component so raw values never become
// limiter keys or audit payloads.
func HashKey(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:16])
}
