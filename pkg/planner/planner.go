// Package planner turns an instruction pack plus caller parameters into a
// concrete, validated action plan. The plan is the approvable artifact:
// it is mutated exactly once, by the approval decision, and never during
// execution.
package planner

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/pack"
)

// Planner errors.
var (
	ErrPlanInvalid  = errors.New("planner: plan failed validation")
	ErrNotPending   = errors.New("planner: plan is not pending")
	ErrUnboundParam = errors.New("planner: unresolved parameter")
)

// ApprovalStatus of a plan.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ValidationOutcome is a boolean result plus the violations behind it.
type ValidationOutcome struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
}

// RiskFlag marks a property of the plan the approver should weigh.
type RiskFlag struct {
	Severity    pack.Severity `json:"severity"`
	Description string        `json:"description"`
	Mitigation  string        `json:"mitigation,omitempty"`
}

// GateRequirement binds a step to the gate rule that covers it.
type GateRequirement struct {
	StepIndex int       `json:"step_index"`
	Tier      pack.Tier `json:"tier"`
	Rationale string    `json:"rationale"`
	Condition string    `json:"condition,omitempty"`
}

// Plan is the validated, approvable instantiation of a pack.
type Plan struct {
	ID          string    `json:"id"`
	PackID      string    `json:"pack_id"`
	PackVersion string    `json:"pack_version"`
	CreatedAt   time.Time `json:"created_at"`

	Steps  []pack.Step       `json:"steps"`
	Params map[string]string `json:"params,omitempty"`

	DomainValidation ValidationOutcome `json:"domain_validation"`
	ActionValidation ValidationOutcome `json:"action_validation"`
	RiskFlags        []RiskFlag        `json:"risk_flags,omitempty"`
	GatesRequired    []GateRequirement `json:"gates_required,omitempty"`

	ApprovalStatus ApprovalStatus `json:"approval_status"`
	Approver       string         `json:"approver,omitempty"`
	DecidedAt      time.Time      `json:"decided_at,omitempty"`
}

// Valid reports whether the plan passed both validations.
func (p *Plan) Valid() bool {
	return p.DomainValidation.Valid && p.ActionValidation.Valid
}

// Approve transitions pending→approved. Invalid plans can never be
// approved.
func (p *Plan) Approve(approver string, now time.Time) error {
	if p.ApprovalStatus != ApprovalPending {
		return fmt.Errorf("%w: status %s", ErrNotPending, p.ApprovalStatus)
	}
	if !p.Valid() {
		return ErrPlanInvalid
	}
	p.ApprovalStatus = ApprovalApproved
	p.Approver = approver
	p.DecidedAt = now
	return nil
}

// Reject transitions pending→rejected.
func (p *Plan) Reject(approver string, now time.Time) error {
	if p.ApprovalStatus != ApprovalPending {
		return fmt.Errorf("%w: status %s", ErrNotPending, p.ApprovalStatus)
	}
	p.ApprovalStatus = ApprovalRejected
	p.Approver = approver
	p.DecidedAt = now
	return nil
}

// Planner generates plans from packs.
type Planner struct {
	gates *GateMatcher
}

// New creates a Planner.
func New() (*Planner, error) {
	gates, err := NewGateMatcher()
	if err != nil {
		return nil, err
	}
	return &Planner{gates: gates}, nil
}

var placeholderRe = regexp.MustCompile(`\{\{([a-zA-Z0-9_]+)\}\}`)

// GeneratePlan binds params into the pack's steps and runs every
// validation. The returned plan is pending; a plan carrying any domain or
// action violation is marked invalid and can never reach approved.
func (pl *Planner) GeneratePlan(p *pack.Pack, params map[string]string) (*Plan, error) {
	if result := pack.Validate(p); !result.Valid {
		return nil, fmt.Errorf("planner: pack %s invalid: %s", p.ID, strings.Join(result.Issues, "; "))
	}

	plan := &Plan{
		ID:             uuid.New().String(),
		PackID:         p.ID,
		PackVersion:    p.Version,
		CreatedAt:      time.Now().UTC(),
		Params:         params,
		ApprovalStatus: ApprovalPending,
	}

	// Bind parameters. Unresolved placeholders invalidate the plan
	// rather than leaking literal braces into navigation targets.
	steps := make([]pack.Step, len(p.Steps))
	var bindErrs []string
	for i, step := range p.Steps {
		bound, err := bindParams(step.Target, params)
		if err != nil {
			bindErrs = append(bindErrs, fmt.Sprintf("step %d: %v", i+1, err))
		}
		step.Target = bound
		steps[i] = step
	}
	plan.Steps = steps

	plan.DomainValidation = pl.validateDomains(p, steps)
	plan.DomainValidation.Violations = append(plan.DomainValidation.Violations, bindErrs...)
	if len(bindErrs) > 0 {
		plan.DomainValidation.Valid = false
	}
	plan.ActionValidation = validateActions(p, steps)
	plan.RiskFlags = computeRiskFlags(p, steps)

	gates, err := pl.computeGates(p, steps)
	if err != nil {
		return nil, err
	}
	plan.GatesRequired = gates

	return plan, nil
}

func bindParams(target string, params map[string]string) (string, error) {
	var missing []string
	bound := placeholderRe.ReplaceAllStringFunc(target, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return bound, fmt.Errorf("%w: %s", ErrUnboundParam, strings.Join(missing, ", "))
	}
	return bound, nil
}

// validateDomains checks every navigation target against the pack's
// domain policy and the fixed internal blocklist.
func (pl *Planner) validateDomains(p *pack.Pack, steps []pack.Step) ValidationOutcome {
	out := ValidationOutcome{Valid: true}
	for i, step := range steps {
		if step.Action != pack.ActionNavigate {
			continue
		}
		host := HostOf(step.Target)
		if host == "" {
			out.Violations = append(out.Violations, fmt.Sprintf("step %d: navigation target %q has no resolvable domain", i+1, step.Target))
			continue
		}
		switch {
		case AlwaysBlocked(host):
			out.Violations = append(out.Violations, fmt.Sprintf("step %d: domain %q is always blocked", i+1, host))
		case matchAny(p.BlockedDomains, host):
			out.Violations = append(out.Violations, fmt.Sprintf("step %d: domain %q matches blocked_domains", i+1, host))
		case !matchAny(p.AllowedDomains, host):
			out.Violations = append(out.Violations, fmt.Sprintf("step %d: domain %q matches no allowed_domains entry", i+1, host))
		}
	}
	out.Valid = len(out.Violations) == 0
	return out
}

func validateActions(p *pack.Pack, steps []pack.Step) ValidationOutcome {
	allowed := make(map[string]bool, len(p.AllowedActions))
	for _, a := range p.AllowedActions {
		allowed[a] = true
	}

	out := ValidationOutcome{Valid: true}
	for i, step := range steps {
		if !allowed[step.Action] {
			out.Violations = append(out.Violations, fmt.Sprintf("step %d: action %q not in allowed_actions", i+1, step.Action))
		}
	}
	out.Valid = len(out.Violations) == 0
	return out
}

func computeRiskFlags(p *pack.Pack, steps []pack.Step) []RiskFlag {
	sensitive := make(map[string]bool, len(p.SensitiveActions))
	for _, a := range p.SensitiveActions {
		sensitive[a] = true
	}

	var flags []RiskFlag
	count := 0
	for _, step := range steps {
		if sensitive[step.Action] {
			count++
		}
	}
	if count > 0 {
		flags = append(flags, RiskFlag{
			Severity:    pack.SeverityHigh,
			Description: fmt.Sprintf("%d step(s) perform sensitive actions", count),
			Mitigation:  "each is gated for human approval",
		})
	}
	if p.Constraints.MaxRetries > 3 {
		flags = append(flags, RiskFlag{
			Severity:    pack.SeverityMedium,
			Description: fmt.Sprintf("max_retries %d allows repeated attempts against the target", p.Constraints.MaxRetries),
		})
	}
	if p.Constraints.StepTimeoutSeconds > 120 {
		flags = append(flags, RiskFlag{
			Severity:    pack.SeverityLow,
			Description: fmt.Sprintf("step timeout %ds is generous", p.Constraints.StepTimeoutSeconds),
		})
	}
	return flags
}

// computeGates maps each gate-requiring step to its nearest matching
// gate rule. A step requires a gate when its tier is ADVISORY or
// MANDATORY, or when its action is in the pack's sensitive_actions set,
// whichever its declared tier.
func (pl *Planner) computeGates(p *pack.Pack, steps []pack.Step) ([]GateRequirement, error) {
	sensitive := make(map[string]bool, len(p.SensitiveActions))
	for _, a := range p.SensitiveActions {
		sensitive[a] = true
	}

	var gates []GateRequirement
	for i, step := range steps {
		tiered := step.Sensitivity == pack.TierAdvisory || step.Sensitivity == pack.TierMandatory
		if !tiered && !sensitive[step.Action] {
			continue
		}

		rule, err := pl.gates.Match(p.RequiredGates, step, i)
		if err != nil {
			return nil, err
		}

		req := GateRequirement{StepIndex: i, Tier: step.Sensitivity}
		if !tiered {
			// Sensitive-action membership overrides an under-declared tier.
			req.Tier = pack.TierMandatory
		}
		switch {
		case rule != nil:
			req.Tier = rule.Tier
			req.Rationale = rule.Rationale
			req.Condition = rule.Condition
		case tiered:
			req.Rationale = "step sensitivity requires approval"
		default:
			req.Rationale = "sensitive action requires approval"
		}
		gates = append(gates, req)
	}
	return gates, nil
}
