package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/pack"
	"github.com/wardenhq/warden/pkg/planner"
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
			{Condition: `step.action == "click"`, Tier: pack.TierAdvisory, Rationale: "interaction"},
		},
		DataHandling:         pack.DataHandling{ExportFormats: []string{"json"}},
		EvidenceRequirements: pack.EvidenceRequirements{Hash: true, Capture: []string{"content-hash"}},
		StopConditions:       []string{StopCaptcha, StopLoginPage, StopPaymentForm},
		Constraints:          pack.Constraints{StepTimeoutSeconds: 30, MaxRetries: 1},
		Steps: []pack.Step{
			{Action: pack.ActionNavigate, Target: "https://claims.example.gov/search", Sensitivity: pack.TierInformational},
			{Action: pack.ActionClick, Target: "#open-claim", Sensitivity: pack.TierAdvisory, Evidence: true},
			{Action: pack.ActionExtractText, Target: ".status", Sensitivity: pack.TierInformational, Evidence: true},
		},
	}
}

// fakeExecutor returns canned observations per step index.
type fakeExecutor struct {
	mu       sync.Mutex
	obs      map[int]*Observation
	errAt    int
	err      error
	executed []int
	next     int
}

func (f *fakeExecutor) Execute(_ context.Context, step pack.Step) (*Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.next
	f.next++
	f.executed = append(f.executed, i)
	if f.err != nil && i == f.errAt {
		return nil, f.err
	}
	if o, ok := f.obs[i]; ok {
		return o, nil
	}
	return &Observation{Content: []byte("page " + step.Action)}, nil
}

func (f *fakeExecutor) executedSteps() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.executed...)
}

type fakeEgress struct {
	blockDomain string
}

func (f *fakeEgress) CheckNavigation(_ context.Context, rawURL string) (bool, string) {
	if f.blockDomain != "" && planner.HostOf(rawURL) == f.blockDomain {
		return false, "blocked domain"
	}
	return true, ""
}

type memRecorder struct {
	mu      sync.Mutex
	actions []string
	fail    bool
}

func (m *memRecorder) Record(_ audit.Actor, action, _ string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("ledger unavailable")
	}
	m.actions = append(m.actions, action)
	return nil
}

func (m *memRecorder) has(action string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a == action {
			return true
		}
	}
	return false
}

func approvedPlan(t *testing.T, p *pack.Pack) *planner.Plan {
	t.Helper()
	pl, err := planner.New()
	require.NoError(t, err)
	plan, err := pl.GeneratePlan(p, nil)
	require.NoError(t, err)
	require.NoError(t, plan.Approve("reviewer@example.gov", time.Now().UTC()))
	return plan
}

func newTestRunner(t *testing.T, p *pack.Pack, exec Executor, egress EgressChecker, rec Recorder) (*Runner, *GateBroker) {
	t.Helper()
	broker := NewGateBroker()
	r, err := New(approvedPlan(t, p), p, exec, egress, rec, broker)
	require.NoError(t, err)
	return r, broker
}

// decideGates approves or rejects gates as they appear on the broker.
func decideGates(broker *GateBroker, approved bool, decidedBy string) (stop func()) {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, g := range broker.Pending() {
				broker.Decide(g.ID, decidedBy, approved)
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return func() { close(done) }
}

func TestRunCompletesAndCapturesEvidence(t *testing.T) {
	exec := &fakeExecutor{}
	rec := &memRecorder{}
	r, broker := newTestRunner(t, testPack(), exec, &fakeEgress{}, rec)
	defer decideGates(broker, true, "reviewer@example.gov")()

	pkg, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateComplete, pkg.FinalState)
	assert.Equal(t, []int{0, 1, 2}, exec.executedSteps())
	assert.Len(t, pkg.Artifacts, 2)
	assert.NotEmpty(t, pkg.PackageHash)
	require.Len(t, pkg.Gates, 1)
	assert.True(t, pkg.Gates[0].Approved)
	assert.True(t, rec.has("run.started"))
	assert.True(t, rec.has("gate.decided"))
	assert.True(t, rec.has("run.completed"))
}

func TestRunPausesBeforeSensitiveStep(t *testing.T) {
	p := testPack()
	// Sensitive first step: the run must pause before anything executes.
	p.Steps = []pack.Step{
		{Action: pack.ActionClick, Target: "#submit", Sensitivity: pack.TierAdvisory, Evidence: true},
	}

	exec := &fakeExecutor{}
	r, broker := newTestRunner(t, p, exec, &fakeEgress{}, &memRecorder{})

	done := make(chan *EvidencePackage, 1)
	go func() {
		pkg, _ := r.Run(context.Background())
		done <- pkg
	}()

	var gate *Gate
	require.Eventually(t, func() bool {
		pending := broker.Pending()
		if len(pending) == 0 {
			return false
		}
		gate = pending[0]
		return true
	}, time.Second, time.Millisecond)

	assert.Equal(t, StatePausedForGate, r.Context().Status)
	assert.Empty(t, exec.executedSteps(), "step must not run before the gate decision")

	require.NoError(t, broker.Decide(gate.ID, "reviewer", true))
	pkg := <-done
	assert.Equal(t, StateComplete, pkg.FinalState)
	assert.Equal(t, []int{0}, exec.executedSteps())
}

func TestSensitiveActionGatedDespiteInformationalTier(t *testing.T) {
	p := testPack()
	p.RequiredGates = nil
	// click stays in sensitive_actions even though the step declares the
	// lowest tier.
	p.Steps = []pack.Step{
		{Action: pack.ActionClick, Target: "#submit", Sensitivity: pack.TierInformational, Evidence: true},
	}

	exec := &fakeExecutor{}
	r, broker := newTestRunner(t, p, exec, &fakeEgress{}, &memRecorder{})

	done := make(chan *EvidencePackage, 1)
	go func() {
		pkg, _ := r.Run(context.Background())
		done <- pkg
	}()

	var gate *Gate
	require.Eventually(t, func() bool {
		pending := broker.Pending()
		if len(pending) == 0 {
			return false
		}
		gate = pending[0]
		return true
	}, time.Second, time.Millisecond)

	assert.Equal(t, StatePausedForGate, r.Context().Status)
	assert.Empty(t, exec.executedSteps(), "sensitive step must not run before the gate decision")

	require.NoError(t, broker.Decide(gate.ID, "reviewer", false))
	pkg := <-done
	assert.Equal(t, StateStopped, pkg.FinalState)
	assert.Equal(t, ReasonGateRejected, pkg.StopReason)
	assert.Empty(t, exec.executedSteps())
	assert.Empty(t, pkg.Artifacts)
}

func TestGateRejectionStopsWithoutEvidence(t *testing.T) {
	exec := &fakeExecutor{}
	rec := &memRecorder{}
	r, broker := newTestRunner(t, testPack(), exec, &fakeEgress{}, rec)
	defer decideGates(broker, false, "reviewer")()

	pkg, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateStopped, pkg.FinalState)
	assert.Equal(t, ReasonGateRejected, pkg.StopReason)
	assert.Equal(t, []int{0}, exec.executedSteps(), "only the ungated step runs")
	assert.Empty(t, pkg.Artifacts, "a denied step captures no evidence")

	ctx := r.Context()
	require.Len(t, ctx.Log, 2)
	assert.Equal(t, "denied", ctx.Log[1].Status)
	assert.Empty(t, ctx.Log[1].Evidence)
}

func TestEgressBlockStopsRun(t *testing.T) {
	exec := &fakeExecutor{}
	rec := &memRecorder{}
	r, _ := newTestRunner(t, testPack(), exec, &fakeEgress{blockDomain: "claims.example.gov"}, rec)

	pkg, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateStopped, pkg.FinalState)
	assert.Equal(t, ReasonEgressBlocked, pkg.StopReason)
	assert.Empty(t, exec.executedSteps())
	assert.True(t, rec.has("egress.consulted"))
}

func TestStopConditionFiresBeforeNextStep(t *testing.T) {
	exec := &fakeExecutor{obs: map[int]*Observation{
		0: {Content: []byte("login"), FinalURL: "https://claims.example.gov/login", LoginForm: true},
	}}
	r, _ := newTestRunner(t, testPack(), exec, &fakeEgress{}, &memRecorder{})

	pkg, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateStopped, pkg.FinalState)
	assert.Equal(t, ReasonStopCondition, pkg.StopReason)
	assert.Equal(t, StopLoginPage, r.Context().StopCondition)
	assert.Equal(t, []int{0}, exec.executedSteps(), "the step after the observation never runs")
}

func TestAbortWinsOverPendingGate(t *testing.T) {
	rec := &memRecorder{}
	r, broker := newTestRunner(t, testPack(), &fakeExecutor{}, &fakeEgress{}, rec)

	done := make(chan *EvidencePackage, 1)
	go func() {
		pkg, _ := r.Run(context.Background())
		done <- pkg
	}()

	require.Eventually(t, func() bool {
		return len(broker.Pending()) == 1
	}, time.Second, time.Millisecond)

	r.Abort("operator")
	pkg := <-done

	// An operator abort is not a reviewer rejection; the record and the
	// final status say which one happened.
	assert.Equal(t, StateStopped, pkg.FinalState)
	assert.Equal(t, ReasonAborted, pkg.StopReason)
	require.Len(t, pkg.Gates, 1)
	assert.False(t, pkg.Gates[0].Approved)
	assert.Equal(t, "operator", pkg.Gates[0].DecidedBy)
	assert.True(t, rec.has("gate.abandoned"))
	assert.True(t, rec.has("run.aborted"))
	assert.False(t, rec.has("gate.decided"))
}

func TestAuditFailureStopsRun(t *testing.T) {
	rec := &memRecorder{fail: true}
	r, _ := newTestRunner(t, testPack(), &fakeExecutor{}, &fakeEgress{}, rec)

	pkg, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, pkg.FinalState)
	assert.Equal(t, ReasonAuditFailed, pkg.StopReason)
}

func TestExecutionFailureStopsRun(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("element not found"), errAt: 0}
	rec := &memRecorder{}
	r, _ := newTestRunner(t, testPack(), exec, &fakeEgress{}, rec)

	pkg, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonExecutionFailed, pkg.StopReason)
	assert.True(t, rec.has("step.failed"))
}

func TestRunRefusesUnapprovedPlan(t *testing.T) {
	p := testPack()
	pl, err := planner.New()
	require.NoError(t, err)
	plan, err := pl.GeneratePlan(p, nil)
	require.NoError(t, err)

	_, err = New(plan, p, &fakeExecutor{}, &fakeEgress{}, &memRecorder{}, NewGateBroker())
	require.ErrorIs(t, err, ErrPlanNotApproved)
}

func TestWatchStreamsTransitions(t *testing.T) {
	r, broker := newTestRunner(t, testPack(), &fakeExecutor{}, &fakeEgress{}, &memRecorder{})
	defer decideGates(broker, true, "reviewer")()

	ch := r.Watch()
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	var last Context
	for snap := range ch {
		last = snap
	}
	assert.Equal(t, StateComplete, last.Status)
}

func TestManagerAbortRouting(t *testing.T) {
	m := NewManager()
	r, broker := newTestRunner(t, testPack(), &fakeExecutor{}, &fakeEgress{}, &memRecorder{})
	id := m.Register(r)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(broker.Pending()) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Abort(id, "operator"))
	<-done

	assert.Equal(t, StateStopped, r.Context().Status)
	assert.ErrorIs(t, m.Abort("missing", "x"), ErrRunNotFound)
}
