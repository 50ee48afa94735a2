package planner

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/pack"
)

func testPack() *pack.Pack {
	return &pack.Pack{
		ID:               "va-claim-status",
		Version:          "1.0.0",
		Workforce:        "claims",
		AllowedDomains:   []string{"*.example.gov", "example.gov"},
		BlockedDomains:   []string{"admin.example.gov"},
		AllowedActions:   []string{pack.ActionNavigate, pack.ActionClick, pack.ActionExtractText},
		SensitiveActions: []string{pack.ActionClick},
		RequiredGates: []pack.GateRule{
			{Condition: `step.sensitivity == "MANDATORY"`, Tier: pack.TierMandatory, Rationale: "state change"},
			{Condition: `step.action == "click"`, Tier: pack.TierAdvisory, Rationale: "interaction"},
		},
		DataHandling:         pack.DataHandling{ExportFormats: []string{"json"}},
		EvidenceRequirements: pack.EvidenceRequirements{Hash: true, Capture: []string{"content-hash"}},
		StopConditions:       []string{"captcha_detected", "login_page", "payment_form"},
		Constraints:          pack.Constraints{StepTimeoutSeconds: 30, MaxRetries: 1},
		Steps: []pack.Step{
			{Action: pack.ActionNavigate, Target: "https://claims.example.gov/search?id={{claim_id}}", Sensitivity: pack.TierInformational},
			{Action: pack.ActionClick, Target: "#open-claim", Sensitivity: pack.TierAdvisory, Evidence: true},
			{Action: pack.ActionExtractText, Target: ".status", Sensitivity: pack.TierInformational, Evidence: true},
		},
	}
}

func newPlanner(t *testing.T) *Planner {
	t.Helper()
	pl, err := New()
	require.NoError(t, err)
	return pl
}

func TestGeneratePlanBindsParams(t *testing.T) {
	plan, err := newPlanner(t).GeneratePlan(testPack(), map[string]string{"claim_id": "C-123"})
	require.NoError(t, err)

	assert.Equal(t, "https://claims.example.gov/search?id=C-123", plan.Steps[0].Target)
	assert.True(t, plan.Valid())
	assert.Equal(t, ApprovalPending, plan.ApprovalStatus)
}

func TestGeneratePlanUnboundParamInvalidates(t *testing.T) {
	plan, err := newPlanner(t).GeneratePlan(testPack(), nil)
	require.NoError(t, err)

	assert.False(t, plan.DomainValidation.Valid)
	assert.False(t, plan.Valid())
	require.NotEmpty(t, plan.DomainValidation.Violations)
	found := false
	for _, v := range plan.DomainValidation.Violations {
		if strings.Contains(v, "claim_id") {
			found = true
		}
	}
	assert.True(t, found, "violation should name the unbound parameter")
}

func TestGeneratePlanBlockedDomain(t *testing.T) {
	p := testPack()
	p.Steps[0].Target = "https://admin.example.gov/panel"

	plan, err := newPlanner(t).GeneratePlan(p, nil)
	require.NoError(t, err)
	assert.False(t, plan.DomainValidation.Valid)
}

func TestGeneratePlanUnlistedDomain(t *testing.T) {
	p := testPack()
	p.Steps[0].Target = "https://evil.example.com/"

	plan, err := newPlanner(t).GeneratePlan(p, nil)
	require.NoError(t, err)
	assert.False(t, plan.DomainValidation.Valid)

	// And it can never be approved.
	err = plan.Approve("alice", time.Now())
	assert.ErrorIs(t, err, ErrPlanInvalid)
	assert.Equal(t, ApprovalPending, plan.ApprovalStatus)
}

func TestGeneratePlanAlwaysBlockedHosts(t *testing.T) {
	for _, target := range []string{
		"https://localhost/admin",
		"http://127.0.0.1:8080/",
		"http://169.254.169.254/latest/meta-data/",
		"https://service.internal/",
		"https://printer.local/",
		"https://hidden.onion/",
		"http://10.0.0.5/",
	} {
		p := testPack()
		p.AllowedDomains = append(p.AllowedDomains, "*.internal", "localhost") // pack policy cannot override
		p.Steps[0].Target = target

		plan, err := newPlanner(t).GeneratePlan(p, nil)
		require.NoError(t, err)
		assert.False(t, plan.DomainValidation.Valid, target)
	}
}

func TestGeneratePlanGates(t *testing.T) {
	plan, err := newPlanner(t).GeneratePlan(testPack(), map[string]string{"claim_id": "C-1"})
	require.NoError(t, err)

	require.Len(t, plan.GatesRequired, 1)
	gate := plan.GatesRequired[0]
	assert.Equal(t, 1, gate.StepIndex)
	assert.Equal(t, pack.TierAdvisory, gate.Tier)
	assert.Equal(t, "interaction", gate.Rationale)
}

func TestGeneratePlanSensitiveActionGatedRegardlessOfTier(t *testing.T) {
	p := testPack()
	p.RequiredGates = nil
	p.Steps[1].Sensitivity = pack.TierInformational

	plan, err := newPlanner(t).GeneratePlan(p, map[string]string{"claim_id": "C-1"})
	require.NoError(t, err)

	// click is in sensitive_actions; the under-declared tier does not
	// exempt it from gating.
	require.Len(t, plan.GatesRequired, 1)
	gate := plan.GatesRequired[0]
	assert.Equal(t, 1, gate.StepIndex)
	assert.Equal(t, pack.TierMandatory, gate.Tier)
	assert.Equal(t, "sensitive action requires approval", gate.Rationale)
}

func TestGeneratePlanRiskFlags(t *testing.T) {
	plan, err := newPlanner(t).GeneratePlan(testPack(), map[string]string{"claim_id": "C-1"})
	require.NoError(t, err)

	require.NotEmpty(t, plan.RiskFlags)
	assert.Equal(t, pack.SeverityHigh, plan.RiskFlags[0].Severity)
}

func TestApprovalLifecycle(t *testing.T) {
	plan, err := newPlanner(t).GeneratePlan(testPack(), map[string]string{"claim_id": "C-1"})
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, plan.Approve("alice", now))
	assert.Equal(t, ApprovalApproved, plan.ApprovalStatus)
	assert.Equal(t, "alice", plan.Approver)

	// Approval is mutate-once.
	assert.ErrorIs(t, plan.Approve("bob", now), ErrNotPending)
	assert.ErrorIs(t, plan.Reject("bob", now), ErrNotPending)
}

func TestRejectLifecycle(t *testing.T) {
	plan, err := newPlanner(t).GeneratePlan(testPack(), map[string]string{"claim_id": "C-1"})
	require.NoError(t, err)

	require.NoError(t, plan.Reject("carol", time.Now()))
	assert.Equal(t, ApprovalRejected, plan.ApprovalStatus)
}

func TestGeneratePlanRejectsInvalidPack(t *testing.T) {
	p := testPack()
	p.Steps = append(p.Steps, pack.Step{Action: "launch-missiles", Sensitivity: pack.TierMandatory})
	_, err := newPlanner(t).GeneratePlan(p, nil)
	assert.Error(t, err)
}

func TestMatchDomainWildcardBoundary(t *testing.T) {
	assert.True(t, MatchDomain("*.example.gov", "a.example.gov"))
	assert.True(t, MatchDomain("*.example.gov", "deep.a.example.gov"))
	// The apex is NOT covered by the wildcard; it must be listed exactly.
	assert.False(t, MatchDomain("*.example.gov", "example.gov"))
	assert.True(t, MatchDomain("example.gov", "example.gov"))
	assert.False(t, MatchDomain("*.example.gov", "badexample.gov"))
	assert.False(t, MatchDomain("*.example.gov", "example.gov.evil.com"))
}
