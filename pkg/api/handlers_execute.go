package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/wardenhq/warden/pkg/planner"
	"github.com/wardenhq/warden/pkg/runner"
	"github.com/wardenhq/warden/pkg/store"
	"github.com/wardenhq/warden/pkg/tenants"
)

// handleExecute starts an approved plan and streams execution context
// snapshots as NDJSON until the run reaches a terminal state. The
// connection going away does not stop the run; only an explicit abort
// does.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	plan, err := s.store.GetPlan(r.Context(), principal.Tenant, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "plan not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	if plan.ApprovalStatus != planner.ApprovalApproved {
		WriteUnprocessable(w, "plan is not approved")
		return
	}

	p, err := s.packs.GetVersion(plan.PackID, plan.PackVersion)
	if err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}

	run, err := runner.New(plan, p, s.executor, s.egress, s.recorder, s.broker,
		runner.WithLogger(s.log))
	if err != nil {
		if errors.Is(err, runner.ErrPlanNotApproved) {
			WriteUnprocessable(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}

	runID := s.runs.Register(run)
	if s.guard != nil {
		if err := s.guard.Register(principal.Tenant, runID); err != nil {
			WriteConflict(w, err.Error())
			return
		}
	}

	startedAt := time.Now().UTC()
	updates := run.Watch()

	// The run outlives the HTTP request.
	go func() {
		if _, runErr := run.Run(context.Background()); runErr != nil {
			s.log.Error("run failed", "run_id", runID, "error", runErr)
		}

		rec := &store.RunRecord{
			RunID:      runID,
			PlanID:     plan.ID,
			Tenant:     principal.Tenant,
			FinalState: run.Context().Status,
			StopReason: run.Context().StopReason,
			Context:    run.Context(),
			StartedAt:  startedAt,
			FinishedAt: time.Now().UTC(),
		}
		if err := s.store.SaveRun(context.Background(), rec); err != nil {
			s.log.Error("save run record", "run_id", runID, "error", err)
		}
		if s.obs != nil {
			s.obs.RecordRunFinished(context.Background(),
				string(rec.FinalState), rec.StopReason)
		}
	}()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for snap := range updates {
		if err := enc.Encode(snap); err != nil {
			// Client hung up; the run keeps going.
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("id")

	// Live runs are served from the manager, finished ones from the
	// store. Either way access is tenant-checked.
	if run, err := s.runs.Get(runID); err == nil {
		if !s.allowedRun(w, r, principal.Tenant, runID) {
			return
		}
		WriteJSON(w, http.StatusOK, run.Context())
		return
	}

	rec, err := s.store.GetRun(r.Context(), principal.Tenant, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "run not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("id")
	if !s.allowedRun(w, r, principal.Tenant, runID) {
		return
	}

	if err := s.runs.Abort(runID, principal.Subject); err != nil {
		if errors.Is(err, runner.ErrRunNotFound) {
			WriteNotFound(w, "run not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "abort_requested",
	})
}

// allowedRun enforces tenant ownership of a live run. A denial has
// already been written to the response (and the audit ledger by the
// guard) when this returns false.
func (s *Server) allowedRun(w http.ResponseWriter, r *http.Request, tenant, runID string) bool {
	if s.guard == nil {
		return true
	}
	ctx := tenants.NewContext(r.Context(), &tenants.Tenant{ID: tenant})
	if err := s.guard.CheckAccess(ctx, runID); err != nil {
		WriteForbidden(w, "run not accessible")
		return false
	}
	return true
}

func (s *Server) handleListGates(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"gates": s.broker.Pending()})
}

type gateDecisionRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

func (s *Server) handleGateDecision(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	var req gateDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	gateID := r.PathValue("id")
	if err := s.broker.Decide(gateID, principal.Subject, req.Approved); err != nil {
		if errors.Is(err, runner.ErrGateNotFound) {
			WriteNotFound(w, "gate not found or already decided")
			return
		}
		WriteInternal(w, err)
		return
	}
	if s.obs != nil {
		s.obs.RecordGateDecision(r.Context(), req.Approved)
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"gate_id":  gateID,
		"approved": req.Approved,
	})
}
