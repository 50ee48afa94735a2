package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/wardenhq/warden/pkg/compliance"
	"github.com/wardenhq/warden/pkg/ratelimit"
)

type sessionTokenRequest struct {
	Subject      string   `json:"subject"`
	Tenant       string   `json:"tenant"`
	Organization string   `json:"organization,omitempty"`
	Roles        []string `json:"roles,omitempty"`
}

// handleSessionToken issues development tokens. The endpoint is the one
// unauthenticated surface besides health checks, so it sits behind the
// multi-key pre-auth limiter: the caller's IP, org+domain pair, and
// claimed identity each burn their own budget on every attempt. In
// production and FedRAMP the endpoint is disabled outright; tokens come
// from the identity provider.
func (s *Server) handleSessionToken(w http.ResponseWriter, r *http.Request) {
	switch s.mode.Level() {
	case compliance.LevelProduction, compliance.LevelFedRAMP:
		WriteForbidden(w, "token issuance is disabled at this compliance level")
		return
	}

	var req sessionTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Subject == "" || req.Tenant == "" {
		WriteBadRequest(w, "subject and tenant are required")
		return
	}

	if s.preauth != nil {
		d := s.preauth.Allow(r.Context(), ratelimit.PreAuthRequest{
			IP:           s.clientIP(r),
			Organization: req.Organization,
			Domain:       identityDomain(req.Subject),
			Identity:     req.Subject,
		})
		if !d.Allowed {
			if s.obs != nil {
				s.obs.RecordLimitRejection(r.Context(), "preauth")
			}
			WriteTooManyRequests(w, int(d.RetryAfter.Seconds()))
			return
		}
	}

	if _, err := s.tenants.Resolve(req.Tenant); err != nil {
		WriteForbidden(w, "unknown tenant")
		return
	}

	token, err := s.issuer.Issue(req.Subject, req.Tenant, req.Roles)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

// identityDomain extracts the mail domain of an email-shaped subject so
// the org+domain pre-auth dimension binds attempts from one org together.
func identityDomain(subject string) string {
	if i := strings.LastIndex(subject, "@"); i >= 0 {
		return subject[i+1:]
	}
	return ""
}
