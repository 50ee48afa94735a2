package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/canonicalize"
	"github.com/wardenhq/warden/pkg/pack"
	"github.com/wardenhq/warden/pkg/planner"
)

// Runner errors.
var (
	ErrPlanNotApproved = errors.New("runner: plan is not approved")
	ErrRunFinished     = errors.New("runner: run already finished")
)

// Runner executes one approved plan. It is single-use: New, Run, read
// the evidence package.
type Runner struct {
	plan   *planner.Plan
	pack   *pack.Pack
	exec   Executor
	egress EgressChecker
	rec    Recorder
	broker *GateBroker
	log    *slog.Logger
	clock  func() time.Time

	mu    sync.Mutex
	rc    Context
	abort chan string // buffered; carries the aborting identity

	artifacts []Artifact
	watchers  []chan Context
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.log = l } }

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option { return func(r *Runner) { r.clock = clock } }

// New builds a runner for an approved plan. Rejected or pending plans
// are refused outright; approval happens before execution, never during.
func New(plan *planner.Plan, p *pack.Pack, exec Executor, egress EgressChecker, rec Recorder, broker *GateBroker, opts ...Option) (*Runner, error) {
	if plan.ApprovalStatus != planner.ApprovalApproved {
		return nil, fmt.Errorf("%w: status %s", ErrPlanNotApproved, plan.ApprovalStatus)
	}

	r := &Runner{
		plan:   plan,
		pack:   p,
		exec:   exec,
		egress: egress,
		rec:    rec,
		broker: broker,
		log:    slog.Default(),
		clock:  func() time.Time { return time.Now().UTC() },
		abort:  make(chan string, 1),
		rc: Context{
			RunID:      uuid.New().String(),
			PlanID:     plan.ID,
			TotalSteps: len(plan.Steps),
			Status:     StatePending,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Context returns a copy of the current run context.
func (r *Runner) Context() Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rc.snapshot()
}

// Watch returns a channel receiving a context snapshot after every
// transition. The channel is closed when the run ends.
func (r *Runner) Watch() <-chan Context {
	ch := make(chan Context, 16)
	r.mu.Lock()
	if r.rc.Status == StateStopped || r.rc.Status == StateComplete {
		ch <- r.rc.snapshot()
		close(ch)
	} else {
		r.watchers = append(r.watchers, ch)
	}
	r.mu.Unlock()
	return ch
}

// Abort requests termination. The run stops at the next transition
// boundary; an abort always beats a pending gate decision.
func (r *Runner) Abort(requestedBy string) {
	select {
	case r.abort <- requestedBy:
	default:
	}
}

// Run drives the plan to COMPLETE or STOPPED and returns the evidence
// package. An audit write failure stops the run: execution never
// outlives its record.
func (r *Runner) Run(ctx context.Context) (*EvidencePackage, error) {
	r.mu.Lock()
	if r.rc.Status != StatePending {
		r.mu.Unlock()
		return nil, ErrRunFinished
	}
	r.rc.Status = StateRunning
	snap := r.rc.snapshot()
	r.mu.Unlock()
	r.notify(snap)

	if err := r.record("run.started", map[string]any{
		"plan_id":      r.plan.ID,
		"pack_id":      r.plan.PackID,
		"pack_version": r.plan.PackVersion,
		"approver":     r.plan.Approver,
		"total_steps":  len(r.plan.Steps),
	}); err != nil {
		return r.finish(StateStopped, ReasonAuditFailed, ""), err
	}

	gates := gatesByStep(r.plan.GatesRequired)
	var lastObs *Observation

	for i, step := range r.plan.Steps {
		r.mu.Lock()
		r.rc.CurrentStep = i
		r.mu.Unlock()

		if by, aborted := r.aborted(); aborted {
			r.record("run.aborted", map[string]any{"step_index": i, "requested_by": by})
			return r.finish(StateStopped, ReasonAborted, ""), nil
		}

		// Stop conditions are evaluated against what the previous step
		// observed, before anything new happens on the page.
		if cond := evaluateStopConditions(r.pack, lastObs, r.currentDomain()); cond != "" {
			if err := r.record("run.stop_condition", map[string]any{"step_index": i, "condition": cond}); err != nil {
				return r.finish(StateStopped, ReasonAuditFailed, ""), err
			}
			return r.finish(StateStopped, ReasonStopCondition, cond), nil
		}

		// New-domain navigations consult egress control at execution
		// time; plan-time validation does not exempt the run.
		if step.Action == pack.ActionNavigate {
			host := planner.HostOf(step.Target)
			if host != "" && host != r.currentDomain() {
				allowed, reason := r.egress.CheckNavigation(ctx, step.Target)
				if err := r.record("egress.consulted", map[string]any{
					"step_index": i, "domain": host, "allowed": allowed, "reason": reason,
				}); err != nil {
					return r.finish(StateStopped, ReasonAuditFailed, ""), err
				}
				if !allowed {
					r.log.Warn("navigation blocked", "run_id", r.rc.RunID, "domain", host, "reason", reason)
					return r.finish(StateStopped, ReasonEgressBlocked, ""), nil
				}
				r.mu.Lock()
				r.rc.CurrentDomain = host
				r.mu.Unlock()
			}
		}

		// Sensitive steps pause the run before the step executes.
		if req, ok := gates[i]; ok {
			verdict, err := r.awaitGate(ctx, i, req)
			if err != nil {
				return r.finish(StateStopped, ReasonAuditFailed, ""), err
			}
			if verdict.aborted {
				r.record("run.aborted", map[string]any{"step_index": i, "requested_by": verdict.decidedBy})
				r.denyStep(i, step)
				return r.finish(StateStopped, ReasonAborted, ""), nil
			}
			if !verdict.approved {
				r.denyStep(i, step)
				return r.finish(StateStopped, ReasonGateRejected, ""), nil
			}
		}

		obs, stepErr := r.executeStep(ctx, i, step)
		if stepErr != nil {
			if errors.Is(stepErr, errAuditFailed) {
				return r.finish(StateStopped, ReasonAuditFailed, ""), stepErr
			}
			return r.finish(StateStopped, ReasonExecutionFailed, ""), nil
		}
		lastObs = obs
	}

	if err := r.record("run.completed", map[string]any{"steps_executed": len(r.plan.Steps)}); err != nil {
		return r.finish(StateStopped, ReasonAuditFailed, ""), err
	}
	return r.finish(StateComplete, "", ""), nil
}

var errAuditFailed = errors.New("runner: audit write failed")

// awaitGate opens a gate on the broker and blocks until a human decides,
// the run is aborted, or the context ends. An abort or cancellation is
// returned as such, not folded into a reviewer rejection.
func (r *Runner) awaitGate(ctx context.Context, stepIndex int, req planner.GateRequirement) (gateVerdict, error) {
	g := r.broker.open(r.rc.RunID, stepIndex, req.Tier, req.Rationale)
	defer r.broker.close(g.ID)

	r.setStatus(StatePausedForGate)
	if err := r.record("gate.raised", map[string]any{
		"gate_id": g.ID, "step_index": stepIndex, "tier": string(req.Tier), "rationale": req.Rationale,
	}); err != nil {
		return gateVerdict{}, fmt.Errorf("%w: %v", errAuditFailed, err)
	}

	var verdict gateVerdict
	select {
	case verdict = <-g.decision:
	case by := <-r.abort:
		verdict = gateVerdict{aborted: true, decidedBy: by}
	case <-ctx.Done():
		verdict = gateVerdict{aborted: true, decidedBy: "context"}
	}

	decision := GateDecision{
		GateID:    g.ID,
		StepIndex: stepIndex,
		Tier:      req.Tier,
		Approved:  verdict.approved,
		DecidedBy: verdict.decidedBy,
		DecidedAt: r.clock(),
	}
	r.mu.Lock()
	r.rc.Gates = append(r.rc.Gates, decision)
	r.mu.Unlock()

	event := "gate.decided"
	if verdict.aborted {
		event = "gate.abandoned"
	}
	if err := r.record(event, map[string]any{
		"gate_id": g.ID, "step_index": stepIndex, "approved": verdict.approved, "decided_by": verdict.decidedBy,
	}); err != nil {
		return gateVerdict{}, fmt.Errorf("%w: %v", errAuditFailed, err)
	}

	if verdict.approved {
		r.setStatus(StateRunning)
	}
	return verdict, nil
}

// executeStep runs the step and captures evidence when required. A
// denied or failed step captures nothing.
func (r *Runner) executeStep(ctx context.Context, i int, step pack.Step) (*Observation, error) {
	started := r.clock()

	stepCtx := ctx
	if r.pack.Constraints.StepTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(r.pack.Constraints.StepTimeoutSeconds)*time.Second)
		defer cancel()
	}

	obs, err := r.exec.Execute(stepCtx, step)
	finished := r.clock()

	outcome := StepOutcome{
		Index:      i,
		Action:     step.Action,
		Target:     step.Target,
		StartedAt:  started,
		FinishedAt: finished,
	}

	if err != nil {
		outcome.Status = "failed"
		r.appendOutcome(outcome)
		if recErr := r.record("step.failed", map[string]any{"step_index": i, "action": step.Action, "error": err.Error()}); recErr != nil {
			return nil, fmt.Errorf("%w: %v", errAuditFailed, recErr)
		}
		return nil, err
	}

	outcome.Status = "executed"
	if step.Evidence && obs != nil {
		hash := canonicalize.HashBytes(obs.Content)
		outcome.Evidence = hash
		r.mu.Lock()
		r.artifacts = append(r.artifacts, Artifact{
			StepIndex:  i,
			Kind:       "capture",
			Hash:       hash,
			CapturedAt: finished,
			Content:    obs.Content,
		})
		r.mu.Unlock()
	}
	r.appendOutcome(outcome)

	payload := map[string]any{"step_index": i, "action": step.Action}
	if outcome.Evidence != "" {
		payload["evidence_hash"] = outcome.Evidence
	}
	if err := r.record("step.executed", payload); err != nil {
		return nil, fmt.Errorf("%w: %v", errAuditFailed, err)
	}
	return obs, nil
}

// denyStep logs the step as denied without executing or capturing.
func (r *Runner) denyStep(i int, step pack.Step) {
	now := r.clock()
	r.appendOutcome(StepOutcome{
		Index:      i,
		Action:     step.Action,
		Target:     step.Target,
		Status:     "denied",
		StartedAt:  now,
		FinishedAt: now,
	})
}

// finish moves the run to its terminal state and assembles the evidence
// package. Terminal audit failure is logged but cannot stop the stop.
func (r *Runner) finish(state State, reason, condition string) *EvidencePackage {
	r.mu.Lock()
	r.rc.Status = state
	r.rc.StopReason = reason
	r.rc.StopCondition = condition
	snap := r.rc.snapshot()
	artifacts := append([]Artifact(nil), r.artifacts...)
	watchers := r.watchers
	r.watchers = nil
	r.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- snap:
		default:
		}
		close(ch)
	}

	if state == StateStopped && reason != ReasonAuditFailed {
		if err := r.record("run.stopped", map[string]any{"reason": reason, "condition": condition}); err != nil {
			r.log.Error("audit write failed recording stop", "run_id", snap.RunID, "error", err)
		}
	}

	pkg := &EvidencePackage{
		RunID:       snap.RunID,
		PackID:      r.plan.PackID,
		PackVersion: r.plan.PackVersion,
		FinalState:  state,
		StopReason:  reason,
		Artifacts:   artifacts,
		Gates:       snap.Gates,
		AssembledAt: r.clock(),
	}
	if hash, err := canonicalize.Hash(pkg); err == nil {
		pkg.PackageHash = hash
	}
	return pkg
}

func (r *Runner) record(action string, payload map[string]any) error {
	actor := audit.Actor{Subject: r.rc.RunID, Role: "runner"}
	return r.rec.Record(actor, action, "run/"+r.rc.RunID, payload)
}

func (r *Runner) aborted() (string, bool) {
	select {
	case by := <-r.abort:
		return by, true
	default:
		return "", false
	}
}

func (r *Runner) currentDomain() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rc.CurrentDomain
}

func (r *Runner) setStatus(s State) {
	r.mu.Lock()
	r.rc.Status = s
	snap := r.rc.snapshot()
	r.mu.Unlock()
	r.notify(snap)
}

func (r *Runner) appendOutcome(o StepOutcome) {
	r.mu.Lock()
	r.rc.Log = append(r.rc.Log, o)
	snap := r.rc.snapshot()
	r.mu.Unlock()
	r.notify(snap)
}

// notify pushes a snapshot to every watcher, dropping when a watcher is
// slow rather than stalling the run.
func (r *Runner) notify(snap Context) {
	r.mu.Lock()
	watchers := append([]chan Context(nil), r.watchers...)
	r.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func gatesByStep(reqs []planner.GateRequirement) map[int]planner.GateRequirement {
	out := make(map[int]planner.GateRequirement, len(reqs))
	for _, req := range reqs {
		out[req.StepIndex] = req
	}
	return out
}
