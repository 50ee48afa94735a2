package pack

import (
	"fmt"
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"
)

// The ten fixed certification checks. Level "validated" requires all ten;
// any single failure caps the pack at "draft".
const (
	CheckSchemaCompleteness = "schema_completeness"
	CheckIdentifierFormat   = "identifier_format"
	CheckSemanticVersion    = "semantic_version"
	CheckGateTiers          = "gate_tiers_complete"
	CheckForbiddenActions   = "forbidden_actions_min"
	CheckEscalationCoverage = "escalation_severity_coverage"
	CheckAnchorInventory    = "anchor_inventory"
	CheckEvidenceCapture    = "evidence_capture_lists"
	CheckConstraintBounds   = "constraint_bounds"
	CheckStopConditions     = "stop_condition_coverage"
)

var identifierRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,63}$`)

const (
	minForbiddenActions = 3
	minUIAnchors        = 5
	minProcedures       = 1
	minStopConditions   = 3
	maxStepTimeout      = 600
	maxRetries          = 10
)

// Certify runs the ten-check suite and assigns a level.
func Certify(p *Pack) *Certification {
	cert := &Certification{
		PackID:      p.ID,
		Version:     p.Version,
		CertifiedAt: time.Now().UTC(),
	}

	add := func(name string, passed bool, detail string) {
		if passed {
			detail = ""
		}
		cert.Checks = append(cert.Checks, CheckResult{Name: name, Passed: passed, Detail: detail})
	}

	v := Validate(p)
	detail := ""
	if !v.Valid {
		detail = fmt.Sprintf("%d validation issues", len(v.Issues))
	}
	add(CheckSchemaCompleteness, v.Valid, detail)

	add(CheckIdentifierFormat, identifierRe.MatchString(p.ID),
		fmt.Sprintf("id %q must match %s", p.ID, identifierRe.String()))

	_, verr := semver.StrictNewVersion(p.Version)
	add(CheckSemanticVersion, verr == nil, fmt.Sprintf("version %q is not strict semver", p.Version))

	tiers := map[Tier]bool{}
	for _, g := range p.RequiredGates {
		tiers[g.Tier] = true
	}
	add(CheckGateTiers, tiers[TierInformational] && tiers[TierAdvisory] && tiers[TierMandatory],
		"required_gates must cover all three tiers")

	add(CheckForbiddenActions, len(p.ForbiddenActions) >= minForbiddenActions,
		fmt.Sprintf("need at least %d forbidden actions, have %d", minForbiddenActions, len(p.ForbiddenActions)))

	severities := map[Severity]bool{}
	for _, e := range p.EscalationTriggers {
		severities[e.Severity] = true
	}
	add(CheckEscalationCoverage,
		severities[SeverityLow] && severities[SeverityMedium] && severities[SeverityHigh] && severities[SeverityCritical],
		"escalation_triggers must cover all four severities")

	add(CheckAnchorInventory, len(p.UIAnchors) >= minUIAnchors && len(p.Procedures) >= minProcedures,
		fmt.Sprintf("need at least %d ui_anchors and %d procedures", minUIAnchors, minProcedures))

	add(CheckEvidenceCapture, len(p.EvidenceRequirements.Capture) > 0,
		"evidence_requirements.capture must not be empty")

	c := p.Constraints
	add(CheckConstraintBounds,
		c.StepTimeoutSeconds > 0 && c.StepTimeoutSeconds <= maxStepTimeout && c.MaxRetries >= 0 && c.MaxRetries <= maxRetries,
		fmt.Sprintf("step_timeout_seconds must be 1..%d and max_retries 0..%d", maxStepTimeout, maxRetries))

	add(CheckStopConditions, len(p.StopConditions) >= minStopConditions,
		fmt.Sprintf("need at least %d stop conditions, have %d", minStopConditions, len(p.StopConditions)))

	cert.Level = CertValidated
	for _, check := range cert.Checks {
		if !check.Passed {
			cert.Level = CertDraft
			break
		}
	}
	return cert
}
