// Package runner executes an approved action plan as a gated state
// machine. Every navigation consults egress control, every sensitive
// step pauses for a human decision, and every transition lands in the
// audit ledger before the run proceeds.
package runner

import (
	"context"
	"time"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/pack"
)

// State of a run.
type State string

const (
	StatePending       State = "PENDING"
	StateRunning       State = "RUNNING"
	StatePausedForGate State = "PAUSED_FOR_GATE"
	StateStopped       State = "STOPPED"
	StateComplete      State = "COMPLETE"
)

// Stop reasons. Governance denials are terminal states, not failures.
const (
	ReasonEgressBlocked   = "egress_blocked"
	ReasonGateRejected    = "gate_rejected"
	ReasonStopCondition   = "stop_condition"
	ReasonAborted         = "aborted"
	ReasonExecutionFailed = "execution_failed"
	ReasonAuditFailed     = "audit_failed"
)

// Stop condition identifiers.
const (
	StopCaptcha            = "captcha_detected"
	StopLoginPage          = "login_page"
	StopPaymentForm        = "payment_form"
	StopPIIFields          = "pii_fields"
	StopUnexpectedRedirect = "unexpected_redirect"
	StopBlockedDomain      = "blocked_domain_reentry"
)

// Observation is what the action executor saw after performing a step.
// The runner's stop-condition heuristics read these signals before the
// next step runs.
type Observation struct {
	Content        []byte
	FinalURL       string
	CaptchaPresent bool
	LoginForm      bool
	PaymentForm    bool
	PIIFields      bool
}

// Executor performs the actual step action (browser drive, extraction).
// It is an external capability; the runner only governs it.
type Executor interface {
	Execute(ctx context.Context, step pack.Step) (*Observation, error)
}

// EgressChecker is consulted before each navigation to a new domain.
type EgressChecker interface {
	CheckNavigation(ctx context.Context, rawURL string) (allowed bool, reason string)
}

// Recorder writes audit entries. An error fails the in-flight operation;
// the runner never proceeds un-audited.
type Recorder interface {
	Record(actor audit.Actor, action, resource string, payload map[string]any) error
}

// StepOutcome is one entry in the execution context's append-only log.
type StepOutcome struct {
	Index      int       `json:"index"`
	Action     string    `json:"action"`
	Target     string    `json:"target,omitempty"`
	Status     string    `json:"status"` // executed | skipped | denied
	Evidence   string    `json:"evidence_hash,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// GateDecision records one human gate verdict.
type GateDecision struct {
	GateID    string    `json:"gate_id"`
	StepIndex int       `json:"step_index"`
	Tier      pack.Tier `json:"tier"`
	Approved  bool      `json:"approved"`
	DecidedBy string    `json:"decided_by,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Context is the per-run mutable state, owned exclusively by its run.
type Context struct {
	RunID         string         `json:"run_id"`
	PlanID        string         `json:"plan_id"`
	CurrentStep   int            `json:"current_step"`
	TotalSteps    int            `json:"total_steps"`
	Status        State          `json:"status"`
	CurrentDomain string         `json:"current_domain,omitempty"`
	StopReason    string         `json:"stop_reason,omitempty"`
	StopCondition string         `json:"stop_condition,omitempty"`
	Log           []StepOutcome  `json:"log"`
	Gates         []GateDecision `json:"gates"`
}

// snapshot copies the context for streaming to observers.
func (c *Context) snapshot() Context {
	out := *c
	out.Log = append([]StepOutcome(nil), c.Log...)
	out.Gates = append([]GateDecision(nil), c.Gates...)
	return out
}

// Artifact is one captured piece of evidence.
type Artifact struct {
	StepIndex  int       `json:"step_index"`
	Kind       string    `json:"kind"`
	Hash       string    `json:"hash"`
	CapturedAt time.Time `json:"captured_at"`
	Content    []byte    `json:"-"`
}

// EvidencePackage is the hashed bundle produced when a run ends.
type EvidencePackage struct {
	RunID       string         `json:"run_id"`
	PackID      string         `json:"pack_id"`
	PackVersion string         `json:"pack_version"`
	FinalState  State          `json:"final_state"`
	StopReason  string         `json:"stop_reason,omitempty"`
	Artifacts   []Artifact     `json:"artifacts"`
	Gates       []GateDecision `json:"gates"`
	PackageHash string         `json:"package_hash"`
	AssembledAt time.Time      `json:"assembled_at"`
}
