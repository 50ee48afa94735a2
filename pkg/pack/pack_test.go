package pack

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// certifiablePack returns a pack that passes all ten checks.
func certifiablePack() *Pack {
	return &Pack{
		ID:        "sam-gov-entity-lookup",
		Version:   "1.2.0",
		Workforce: "contract-research",

		AllowedDomains: []string{"*.sam.gov", "sam.gov"},
		BlockedDomains: []string{"login.sam.gov"},

		AllowedActions:   []string{ActionNavigate, ActionClick, ActionExtractText, ActionExtractTable, ActionScreenshot},
		SensitiveActions: []string{ActionClick},
		ForbiddenActions: []string{ActionDownload, ActionFill, "submit-form"},

		RequiredGates: []GateRule{
			{Condition: `step.sensitivity == "INFORMATIONAL"`, Tier: TierInformational, Rationale: "visibility"},
			{Condition: `step.sensitivity == "ADVISORY"`, Tier: TierAdvisory, Rationale: "operator awareness"},
			{Condition: `step.sensitivity == "MANDATORY"`, Tier: TierMandatory, Rationale: "state-changing click"},
		},
		EscalationTriggers: []EscalationTrigger{
			{Trigger: "slow_response", Severity: SeverityLow},
			{Trigger: "layout_drift", Severity: SeverityMedium},
			{Trigger: "login_prompt", Severity: SeverityHigh},
			{Trigger: "payment_form", Severity: SeverityCritical},
		},

		DataHandling: DataHandling{
			RedactPII:     true,
			MaskInLogs:    true,
			ExportFormats: []string{"json", "csv"},
		},
		EvidenceRequirements: EvidenceRequirements{
			Screenshot: true,
			Hash:       true,
			Timestamp:  true,
			Capture:    []string{"screenshot", "content-hash", "timestamp"},
		},
		StopConditions: []string{"captcha_detected", "login_page", "payment_form", "pii_fields"},
		Constraints:    Constraints{StepTimeoutSeconds: 30, MaxRetries: 2},

		UIAnchors: []UIAnchor{
			{Name: "search-box", Selector: "#search"},
			{Name: "search-submit", Selector: "#search-btn"},
			{Name: "results-table", Selector: ".results"},
			{Name: "entity-name", Selector: ".entity h1"},
			{Name: "registration-status", Selector: ".status"},
		},
		Procedures: []Procedure{
			{Name: "entity-lookup", Steps: []string{"open search", "enter name", "read status"}},
		},

		Steps: []Step{
			{Action: ActionNavigate, Target: "https://sam.gov/search?q={{entity}}", Sensitivity: TierInformational},
			{Action: ActionExtractTable, Target: ".results", Sensitivity: TierInformational, Evidence: true},
			{Action: ActionClick, Target: ".results tr:first-child", Sensitivity: TierAdvisory, Evidence: true},
			{Action: ActionScreenshot, Sensitivity: TierInformational, Evidence: true},
		},
	}
}

func TestParseRejectsMissingRequiredFields(t *testing.T) {
	_, err := Parse([]byte(`{"id": "x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestParseRejectsBadTier(t *testing.T) {
	p := certifiablePack()
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	generic["steps"].([]any)[0].(map[string]any)["sensitivity"] = "EXTREME"
	raw, err = json.Marshal(generic)
	require.NoError(t, err)

	_, err = Parse(raw)
	assert.Error(t, err)
}

func TestParseRoundTrip(t *testing.T) {
	raw, err := json.Marshal(certifiablePack())
	require.NoError(t, err)

	p, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "sam-gov-entity-lookup", p.ID)
	assert.Len(t, p.Steps, 4)
}

func TestValidatePasses(t *testing.T) {
	result := Validate(certifiablePack())
	assert.True(t, result.Valid)
	assert.Empty(t, result.Issues)
}

func TestValidateNamesStepWithUnlistedAction(t *testing.T) {
	p := certifiablePack()
	p.Steps[2].Action = ActionDownload // not in allowed_actions

	result := Validate(p)
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Issues)
	assert.Contains(t, result.Issues[0], "step 3")
	assert.Contains(t, result.Issues[0], ActionDownload)
}

func TestValidateRejectsEmptyDomains(t *testing.T) {
	p := certifiablePack()
	p.AllowedDomains = nil
	result := Validate(p)
	assert.False(t, result.Valid)
}

func TestValidateForbiddenOverlapsAllowed(t *testing.T) {
	p := certifiablePack()
	p.ForbiddenActions = append(p.ForbiddenActions, ActionNavigate)
	result := Validate(p)
	assert.False(t, result.Valid)
}

func TestCertifyValidatedPack(t *testing.T) {
	cert := Certify(certifiablePack())
	assert.Equal(t, CertValidated, cert.Level)
	assert.Len(t, cert.Checks, 10)
	for _, check := range cert.Checks {
		assert.True(t, check.Passed, check.Name)
	}
}

func TestCertifySingleFailureCapsAtDraft(t *testing.T) {
	cases := map[string]func(*Pack){
		CheckIdentifierFormat:   func(p *Pack) { p.ID = "Bad_ID!" },
		CheckSemanticVersion:    func(p *Pack) { p.Version = "v1" },
		CheckGateTiers:          func(p *Pack) { p.RequiredGates = p.RequiredGates[:2] },
		CheckForbiddenActions:   func(p *Pack) { p.ForbiddenActions = p.ForbiddenActions[:2] },
		CheckEscalationCoverage: func(p *Pack) { p.EscalationTriggers = p.EscalationTriggers[:3] },
		CheckAnchorInventory:    func(p *Pack) { p.UIAnchors = p.UIAnchors[:4] },
		CheckEvidenceCapture:    func(p *Pack) { p.EvidenceRequirements.Capture = nil },
		CheckConstraintBounds:   func(p *Pack) { p.Constraints.StepTimeoutSeconds = 0 },
		CheckStopConditions:     func(p *Pack) { p.StopConditions = p.StopConditions[:2] },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := certifiablePack()
			mutate(p)
			cert := Certify(p)
			assert.Equal(t, CertDraft, cert.Level)

			failed := map[string]bool{}
			for _, check := range cert.Checks {
				if !check.Passed {
					failed[check.Name] = true
				}
			}
			assert.True(t, failed[name], "expected %s to fail", name)
		})
	}
}

func TestFSRegistry(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sam-gov-entity-lookup")
	require.NoError(t, os.MkdirAll(dir, 0o700))

	for _, version := range []string{"1.0.0", "1.2.0", "1.10.0"} {
		p := certifiablePack()
		p.Version = version
		raw, err := json.Marshal(p)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, version+".json"), raw, 0o600))
	}

	r := NewFSRegistry(root)

	versions, err := r.Versions("sam-gov-entity-lookup")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0", "1.2.0", "1.10.0"}, versions, "semver order, not lexicographic")

	latest, err := r.Get("sam-gov-entity-lookup")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", latest.Version)

	pinned, err := r.GetVersion("sam-gov-entity-lookup", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", pinned.Version)

	ids, err := r.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"sam-gov-entity-lookup"}, ids)

	_, err = r.Get("missing")
	assert.Error(t, err)
}
