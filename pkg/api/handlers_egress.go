package api

import (
	"encoding/json"
	"net/http"
)

type egressCheckRequest struct {
	URL    string `json:"url"`
	Action string `json:"action,omitempty"`
}

func (s *Server) handleEgressCheck(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	var req egressCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.URL == "" {
		WriteBadRequest(w, "url is required")
		return
	}
	if req.Action == "" {
		req.Action = "navigate"
	}

	d := s.egress.Check(r.Context(), req.URL, req.Action, s.actor(principal))
	if s.obs != nil {
		s.obs.RecordEgressDecision(r.Context(), d.Allowed, d.Reason)
	}
	WriteJSON(w, http.StatusOK, d)
}

func (s *Server) handleEgressPolicy(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.egress.Policy())
}
