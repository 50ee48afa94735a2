// Package breakglass manages emergency-access sessions: role-gated
// activation, hard time boxes, per-action recording, and a mandatory
// post-incident review queue. Break-glass is an audited exception, not
// a bypass.
package breakglass

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/compliance"
)

// Break-glass errors.
var (
	ErrDisabled        = errors.New("breakglass: disabled by compliance mode")
	ErrRoleNotAllowed  = errors.New("breakglass: role not permitted to activate")
	ErrMFARequired     = errors.New("breakglass: mfa token required")
	ErrSessionNotFound = errors.New("breakglass: session not found")
	ErrSessionExpired  = errors.New("breakglass: session expired")
	ErrAlreadyActive   = errors.New("breakglass: subject already has an active session")
	ErrAuditRequired   = errors.New("breakglass: audit write failed")
)

// Session TTL bounds. Requests outside the window are clamped, never
// honored.
const (
	MinSessionTTL = 30 * time.Minute
	MaxSessionTTL = 60 * time.Minute
)

// allowedRoles may activate break-glass. Fixed set; not configurable at
// runtime.
var allowedRoles = map[string]bool{
	"incident-commander": true,
	"security-officer":   true,
	"site-admin":         true,
}

// SessionStatus of a break-glass session.
type SessionStatus string

const (
	StatusActive        SessionStatus = "active"
	StatusExpired       SessionStatus = "expired"
	StatusDeactivated   SessionStatus = "deactivated"
	StatusReviewPending SessionStatus = "review_pending"
	StatusReviewed      SessionStatus = "reviewed"
)

// Session is one time-boxed emergency grant.
type Session struct {
	ID            string        `json:"id"`
	Subject       string        `json:"subject"`
	Role          string        `json:"role"`
	Tenant        string        `json:"tenant,omitempty"`
	Reason        string        `json:"reason"`
	Justification string        `json:"justification"`
	MFAVerified   bool          `json:"mfa_verified"`
	Status        SessionStatus `json:"status"`
	ActivatedAt   time.Time     `json:"activated_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	EndedAt       time.Time     `json:"ended_at,omitempty"`
	Actions       []Action      `json:"actions,omitempty"`

	Review *Review `json:"review,omitempty"`
}

// Action is one operation taken under a session.
type Action struct {
	At       time.Time `json:"at"`
	Action   string    `json:"action"`
	Resource string    `json:"resource,omitempty"`
}

// Review is the post-incident human verdict on a session.
type Review struct {
	Reviewer   string    `json:"reviewer"`
	Approved   bool      `json:"approved"`
	Notes      string    `json:"notes,omitempty"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

// MFAVerifier checks a one-time token for a subject.
type MFAVerifier interface {
	Verify(subject, token string) bool
}

// Recorder is where break-glass events land. Every activation path is
// fail-closed on it.
type Recorder interface {
	Record(actor audit.Actor, action, resource string, payload map[string]any) error
}

// Manager owns break-glass sessions.
type Manager struct {
	mode  *compliance.Mode
	rec   Recorder
	mfa   MFAVerifier
	log   *slog.Logger
	clock func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option { return func(m *Manager) { m.clock = clock } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// NewManager creates a break-glass manager. mfa may be nil only when the
// mode never requires MFA.
func NewManager(mode *compliance.Mode, rec Recorder, mfa MFAVerifier, opts ...Option) *Manager {
	m := &Manager{
		mode:     mode,
		rec:      rec,
		mfa:      mfa,
		log:      slog.Default(),
		clock:    func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ActivateRequest are the inputs to Activate.
type ActivateRequest struct {
	Subject       string
	Role          string
	Tenant        string
	Reason        string
	Justification string
	MFAToken      string
	TTL           time.Duration
}

// Activate opens a session. Denials are themselves audited as security
// events; a denial that cannot be audited is still a denial.
func (m *Manager) Activate(req ActivateRequest) (*Session, error) {
	if !m.mode.Check(compliance.FlagBreakGlassEnabled) {
		m.recordDenial(req, "disabled")
		return nil, ErrDisabled
	}
	if !allowedRoles[req.Role] {
		m.recordDenial(req, "role_not_allowed")
		return nil, fmt.Errorf("%w: %q", ErrRoleNotAllowed, req.Role)
	}

	mfaVerified := false
	if m.mode.Check(compliance.FlagBreakGlassMFA) {
		if req.MFAToken == "" || m.mfa == nil || !m.mfa.Verify(req.Subject, req.MFAToken) {
			m.recordDenial(req, "mfa_failed")
			return nil, ErrMFARequired
		}
		mfaVerified = true
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.mode.Config().BreakGlassSessionTTL
	}
	if ttl < MinSessionTTL {
		ttl = MinSessionTTL
	}
	if ttl > MaxSessionTTL {
		ttl = MaxSessionTTL
	}

	now := m.clock()
	s := &Session{
		ID:            uuid.New().String(),
		Subject:       req.Subject,
		Role:          req.Role,
		Tenant:        req.Tenant,
		Reason:        req.Reason,
		Justification: req.Justification,
		MFAVerified:   mfaVerified,
		Status:        StatusActive,
		ActivatedAt:   now,
		ExpiresAt:     now.Add(ttl),
	}

	m.mu.Lock()
	for _, existing := range m.sessions {
		if existing.Subject == req.Subject && existing.Status == StatusActive {
			m.mu.Unlock()
			return nil, ErrAlreadyActive
		}
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if err := m.record(s, "breakglass.activated", map[string]any{
		"reason": req.Reason, "justification": req.Justification, "mfa": mfaVerified, "expires_at": s.ExpiresAt,
	}); err != nil {
		// An unrecorded emergency grant must not exist.
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrAuditRequired, err)
	}

	m.log.Warn("break-glass session activated",
		"session_id", s.ID, "subject", s.Subject, "role", s.Role, "expires_at", s.ExpiresAt)
	return s, nil
}

// RecordAction attaches one action to an active session. Expired
// sessions reject further actions.
func (m *Manager) RecordAction(sessionID, action, resource string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	now := m.clock()
	if s.Status != StatusActive || now.After(s.ExpiresAt) {
		m.expireLocked(s, now)
		m.mu.Unlock()
		return ErrSessionExpired
	}
	s.Actions = append(s.Actions, Action{At: now, Action: action, Resource: resource})
	snap := *s
	m.mu.Unlock()

	return m.record(&snap, "breakglass.action", map[string]any{"action": action, "resource": resource})
}

// Deactivate ends a session early. The session moves to the review
// queue; deactivation never erases it.
func (m *Manager) Deactivate(sessionID, by string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.Status == StatusActive {
		s.Status = StatusReviewPending
		s.EndedAt = m.clock()
	}
	snap := *s
	m.mu.Unlock()

	return m.record(&snap, "breakglass.deactivated", map[string]any{"by": by})
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	snap := *s
	return &snap, nil
}

// PendingReviews lists sessions awaiting post-incident review.
func (m *Manager) PendingReviews() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Status == StatusReviewPending {
			snap := *s
			out = append(out, &snap)
		}
	}
	return out
}

// Review records the post-incident verdict.
func (m *Manager) Review(sessionID, reviewer string, approved bool, notes string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	s.Review = &Review{Reviewer: reviewer, Approved: approved, Notes: notes, ReviewedAt: m.clock()}
	s.Status = StatusReviewed
	snap := *s
	m.mu.Unlock()

	return m.record(&snap, "breakglass.reviewed", map[string]any{"reviewer": reviewer, "approved": approved})
}

// StartSweep expires overdue sessions in the background.
func (m *Manager) StartSweep(interval time.Duration) {
	m.sweepStop = make(chan struct{})
	m.sweepDone = make(chan struct{})
	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.sweepStop:
				return
			case <-ticker.C:
				m.SweepOnce()
			}
		}
	}()
}

// StopSweep stops the background sweep.
func (m *Manager) StopSweep() {
	if m.sweepStop == nil {
		return
	}
	close(m.sweepStop)
	<-m.sweepDone
	m.sweepStop = nil
}

// SweepOnce expires every overdue active session.
func (m *Manager) SweepOnce() {
	now := m.clock()
	m.mu.Lock()
	var expired []*Session
	for _, s := range m.sessions {
		if s.Status == StatusActive && now.After(s.ExpiresAt) {
			m.expireLocked(s, now)
			snap := *s
			expired = append(expired, &snap)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		if err := m.record(s, "breakglass.expired", nil); err != nil {
			m.log.Error("audit write failed recording expiry", "session_id", s.ID, "error", err)
		}
	}
}

// expireLocked moves an overdue session to the review queue. Caller
// holds m.mu.
func (m *Manager) expireLocked(s *Session, now time.Time) {
	if s.Status == StatusActive && now.After(s.ExpiresAt) {
		s.Status = StatusReviewPending
		s.EndedAt = s.ExpiresAt
	}
}

func (m *Manager) record(s *Session, action string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["session_id"] = s.ID
	return m.rec.Record(
		audit.Actor{Subject: s.Subject, Role: s.Role, Session: s.ID, Tenant: s.Tenant},
		action, "breakglass/"+s.ID, payload,
	)
}

func (m *Manager) recordDenial(req ActivateRequest, why string) {
	err := m.rec.Record(
		audit.Actor{Subject: req.Subject, Role: req.Role, Tenant: req.Tenant},
		"breakglass.denied", "breakglass",
		map[string]any{"why": why, "reason": req.Reason},
	)
	if err != nil {
		m.log.Error("audit write failed recording denial", "error", err)
	}
}
