package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/wardenhq/warden/pkg/pack"
	"github.com/wardenhq/warden/pkg/planner"
	"github.com/wardenhq/warden/pkg/store"
)

const defaultListLimit = 50

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	ids, err := s.packs.List()
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"packs": ids})
}

func (s *Server) handleGetPack(w http.ResponseWriter, r *http.Request) {
	p, err := s.packs.Get(r.PathValue("id"))
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"pack":          p,
		"certification": pack.Certify(p),
	})
}

type createPlanRequest struct {
	PackID      string            `json:"pack_id"`
	PackVersion string            `json:"pack_version,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.PackID == "" {
		WriteBadRequest(w, "pack_id is required")
		return
	}

	var (
		p   *pack.Pack
		err error
	)
	if req.PackVersion != "" {
		p, err = s.packs.GetVersion(req.PackID, req.PackVersion)
	} else {
		p, err = s.packs.Get(req.PackID)
	}
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}

	plan, err := s.planner.GeneratePlan(p, req.Params)
	if err != nil {
		if errors.Is(err, planner.ErrUnboundParam) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteUnprocessable(w, err.Error())
		return
	}

	if err := s.store.SavePlan(r.Context(), principal.Tenant, plan); err != nil {
		WriteInternal(w, err)
		return
	}
	if err := s.recorder.Record(s.actor(principal), "plan.created", plan.ID, map[string]any{
		"pack_id":      plan.PackID,
		"pack_version": plan.PackVersion,
		"steps":        len(plan.Steps),
		"valid":        plan.Valid(),
	}); err != nil {
		WriteInternal(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	plans, err := s.store.ListPlans(r.Context(), principal.Tenant, defaultListLimit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
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
	WriteJSON(w, http.StatusOK, plan)
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	s.decidePlan(w, r, true)
}

func (s *Server) handleRejectPlan(w http.ResponseWriter, r *http.Request) {
	s.decidePlan(w, r, false)
}

// decidePlan applies an approve or reject verdict to a stored plan and
// persists the result. Invalid plans can only be rejected.
func (s *Server) decidePlan(w http.ResponseWriter, r *http.Request, approve bool) {
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

	now := time.Now().UTC()
	if approve {
		err = plan.Approve(principal.Subject, now)
	} else {
		err = plan.Reject(principal.Subject, now)
	}
	if err != nil {
		switch {
		case errors.Is(err, planner.ErrNotPending):
			WriteConflict(w, err.Error())
		case errors.Is(err, planner.ErrPlanInvalid):
			WriteUnprocessable(w, err.Error())
		default:
			WriteInternal(w, err)
		}
		return
	}

	if err := s.store.UpdatePlan(r.Context(), principal.Tenant, plan); err != nil {
		WriteInternal(w, err)
		return
	}

	action := "plan.approved"
	if !approve {
		action = "plan.rejected"
	}
	if err := s.recorder.Record(s.actor(principal), action, plan.ID, map[string]any{
		"approver": principal.Subject,
	}); err != nil {
		WriteInternal(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, plan)
}
