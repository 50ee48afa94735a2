// Package pack defines the instruction pack: the declarative policy
// bundle that bounds everything an agent run may do. Packs are immutable
// policy documents; a pack that fails validation is never plannable.
package pack

import "time"

// Tier is the three-level sensitivity classification driving gating.
type Tier string

const (
	TierInformational Tier = "INFORMATIONAL"
	TierAdvisory      Tier = "ADVISORY"
	TierMandatory     Tier = "MANDATORY"
)

// Severity levels for escalation triggers.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action verbs an agent step may perform.
const (
	ActionNavigate     = "navigate"
	ActionClick        = "click"
	ActionFill         = "fill"
	ActionExtractText  = "extract-text"
	ActionExtractTable = "extract-table"
	ActionScreenshot   = "screenshot"
	ActionDownload     = "download"
	ActionWait         = "wait"
)

// Pack is the declarative governance + task policy document.
type Pack struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	Workforce string `json:"workforce"`
	Category  string `json:"category,omitempty"`

	AllowedDomains []string `json:"allowed_domains"`
	BlockedDomains []string `json:"blocked_domains,omitempty"`

	AllowedActions   []string `json:"allowed_actions"`
	SensitiveActions []string `json:"sensitive_actions,omitempty"`
	ForbiddenActions []string `json:"forbidden_actions,omitempty"`

	RequiredGates      []GateRule          `json:"required_gates,omitempty"`
	EscalationTriggers []EscalationTrigger `json:"escalation_triggers,omitempty"`

	DataHandling         DataHandling         `json:"data_handling"`
	EvidenceRequirements EvidenceRequirements `json:"evidence_requirements"`
	StopConditions       []string             `json:"stop_conditions"`
	Constraints          Constraints          `json:"constraints"`

	// UIAnchors and Procedures are the operational inventory the pack
	// author certifies against the target sites.
	UIAnchors  []UIAnchor  `json:"ui_anchors,omitempty"`
	Procedures []Procedure `json:"procedures,omitempty"`

	Steps []Step `json:"steps"`
}

// GateRule maps a condition to a gate tier. Condition is a CEL expression
// over step facts (action, domain, sensitivity, step index).
type GateRule struct {
	Condition string `json:"condition"`
	Tier      Tier   `json:"tier"`
	Rationale string `json:"rationale"`
}

// EscalationTrigger describes a runtime situation that raises an alert.
type EscalationTrigger struct {
	Trigger  string   `json:"trigger"`
	Severity Severity `json:"severity"`
	Response string   `json:"response,omitempty"`
}

// DataHandling is the PII and export policy.
type DataHandling struct {
	RedactPII     bool     `json:"redact_pii"`
	MaskInLogs    bool     `json:"mask_in_logs"`
	ExportFormats []string `json:"export_formats"`
	RetentionDays int      `json:"retention_days,omitempty"`
}

// EvidenceRequirements selects what gets captured per flagged step.
type EvidenceRequirements struct {
	Screenshot bool     `json:"screenshot"`
	Hash       bool     `json:"hash"`
	Timestamp  bool     `json:"timestamp"`
	DOMCapture bool     `json:"dom_capture"`
	Capture    []string `json:"capture"`
}

// Constraints bounds step execution.
type Constraints struct {
	StepTimeoutSeconds int `json:"step_timeout_seconds"`
	MaxRetries         int `json:"max_retries"`
}

// UIAnchor names a stable selector on a target site.
type UIAnchor struct {
	Name     string `json:"name"`
	Selector string `json:"selector"`
	Page     string `json:"page,omitempty"`
}

// Procedure is a named, ordered reference flow.
type Procedure struct {
	Name  string   `json:"name"`
	Steps []string `json:"steps"`
}

// Step is one ordered action in the pack.
type Step struct {
	Action      string `json:"action"`
	Target      string `json:"target,omitempty"`
	Sensitivity Tier   `json:"sensitivity"`
	Evidence    bool   `json:"evidence"`
	WaitFor     string `json:"wait_for,omitempty"`
}

// CertLevel is the certification outcome.
type CertLevel int

const (
	CertDraft     CertLevel = 0
	CertValidated CertLevel = 1
)

func (l CertLevel) String() string {
	if l == CertValidated {
		return "validated"
	}
	return "draft"
}

// CheckResult is one certification check outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Certification is the full ten-check report.
type Certification struct {
	PackID      string        `json:"pack_id"`
	Version     string        `json:"version"`
	Level       CertLevel     `json:"level"`
	Checks      []CheckResult `json:"checks"`
	CertifiedAt time.Time     `json:"certified_at"`
}

// ValidationResult is the validator outcome.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
}
