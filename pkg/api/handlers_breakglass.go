package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/wardenhq/warden/pkg/breakglass"
)

type breakGlassActivateRequest struct {
	Reason        string `json:"reason"`
	Justification string `json:"justification"`
	MFAToken      string `json:"mfa_token,omitempty"`
	TTLMinutes    int    `json:"ttl_minutes,omitempty"`
}

func (s *Server) handleBreakGlassActivate(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	var req breakGlassActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Reason == "" || req.Justification == "" {
		WriteBadRequest(w, "reason and justification are required")
		return
	}

	role := ""
	if len(principal.Roles) > 0 {
		role = principal.Roles[0]
	}
	sess, err := s.glass.Activate(breakglass.ActivateRequest{
		Subject:       principal.Subject,
		Role:          role,
		Tenant:        principal.Tenant,
		Reason:        req.Reason,
		Justification: req.Justification,
		MFAToken:      req.MFAToken,
		TTL:           time.Duration(req.TTLMinutes) * time.Minute,
	})
	if err != nil {
		switch {
		case errors.Is(err, breakglass.ErrDisabled),
			errors.Is(err, breakglass.ErrRoleNotAllowed),
			errors.Is(err, breakglass.ErrMFARequired):
			WriteForbidden(w, err.Error())
		case errors.Is(err, breakglass.ErrAlreadyActive):
			WriteConflict(w, err.Error())
		default:
			WriteInternal(w, err)
		}
		return
	}
	WriteJSON(w, http.StatusCreated, sess)
}

type breakGlassSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleBreakGlassDeactivate(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	var req breakGlassSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		WriteBadRequest(w, "session_id is required")
		return
	}

	if err := s.glass.Deactivate(req.SessionID, principal.Subject); err != nil {
		if errors.Is(err, breakglass.ErrSessionNotFound) {
			WriteNotFound(w, "session not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"session_id": req.SessionID,
		"status":     "review_pending",
	})
}

func (s *Server) handleBreakGlassPending(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"sessions": s.glass.PendingReviews()})
}

type breakGlassReviewRequest struct {
	SessionID string `json:"session_id"`
	Approved  bool   `json:"approved"`
	Notes     string `json:"notes,omitempty"`
}

func (s *Server) handleBreakGlassReview(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	var req breakGlassReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		WriteBadRequest(w, "session_id is required")
		return
	}

	if err := s.glass.Review(req.SessionID, principal.Subject, req.Approved, req.Notes); err != nil {
		if errors.Is(err, breakglass.ErrSessionNotFound) {
			WriteNotFound(w, "session not found")
			return
		}
		WriteConflict(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"session_id": req.SessionID,
		"approved":   req.Approved,
	})
}
