package api

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/auth"
	"github.com/wardenhq/warden/pkg/breakglass"
	"github.com/wardenhq/warden/pkg/compliance"
	"github.com/wardenhq/warden/pkg/egress"
	"github.com/wardenhq/warden/pkg/observability"
	"github.com/wardenhq/warden/pkg/pack"
	"github.com/wardenhq/warden/pkg/planner"
	"github.com/wardenhq/warden/pkg/ratelimit"
	"github.com/wardenhq/warden/pkg/runner"
	"github.com/wardenhq/warden/pkg/store"
	"github.com/wardenhq/warden/pkg/tenants"
)

// PackSource is where the planner reads packs from.
type PackSource interface {
	Get(id string) (*pack.Pack, error)
	GetVersion(id, version string) (*pack.Pack, error)
	List() ([]string, error)
}

// Server wires the governance services into HTTP handlers.
type Server struct {
	log  *slog.Logger
	mode *compliance.Mode

	packs    PackSource
	planner  *planner.Planner
	store    store.Store
	audit    *audit.Store
	recorder *audit.Recorder
	egress   *egress.Controller
	glass    *breakglass.Manager
	limiter  *ratelimit.Limiter
	preauth  *ratelimit.PreAuthLimiter
	issuer   *auth.Issuer
	tenants  *tenants.Registry
	guard    *tenants.Guard
	runs     *runner.Manager
	broker   *runner.GateBroker
	executor runner.Executor
	obs      *observability.Provider
	proxies  []*net.IPNet
}

// Deps are the server's collaborators. Every field is required except
// Obs and Logger.
type Deps struct {
	Mode     *compliance.Mode
	Packs    PackSource
	Planner  *planner.Planner
	Store    store.Store
	Audit    *audit.Store
	Egress   *egress.Controller
	Glass    *breakglass.Manager
	Limiter  *ratelimit.Limiter
	PreAuth  *ratelimit.PreAuthLimiter
	Issuer   *auth.Issuer
	Tenants  *tenants.Registry
	Guard    *tenants.Guard
	Runs     *runner.Manager
	Broker   *runner.GateBroker
	Executor runner.Executor
	Obs      *observability.Provider
	Logger   *slog.Logger

	// TrustedProxies lists the CIDRs (or bare addresses) allowed to set
	// X-Forwarded-For. Empty means the header is never honored.
	TrustedProxies []string
}

// NewServer builds the API server.
func NewServer(d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log,
		mode:     d.Mode,
		packs:    d.Packs,
		planner:  d.Planner,
		store:    d.Store,
		audit:    d.Audit,
		recorder: audit.NewRecorder(d.Audit),
		egress:   d.Egress,
		glass:    d.Glass,
		limiter:  d.Limiter,
		preauth:  d.PreAuth,
		issuer:   d.Issuer,
		tenants:  d.Tenants,
		guard:    d.Guard,
		runs:     d.Runs,
		broker:   d.Broker,
		executor: d.Executor,
		obs:      d.Obs,
		proxies:  parseProxies(log, d.TrustedProxies),
	}
}

// parseProxies accepts CIDRs and bare IPs; unparseable entries are
// skipped with a warning rather than silently widening trust.
func parseProxies(log *slog.Logger, entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, e := range entries {
		if _, n, err := net.ParseCIDR(e); err == nil {
			nets = append(nets, n)
			continue
		}
		if ip := net.ParseIP(e); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		log.Warn("ignoring unparseable trusted proxy entry", "entry", e)
	}
	return nets
}

// Handler assembles the full middleware stack around the routes.
// Order matters: request-id first, then auth, then rate limiting keyed
// by the authenticated principal.
func (s *Server) Handler(validator *auth.Validator) http.Handler {
	mux := s.routes()

	var h http.Handler = mux
	h = s.rateLimit(h)
	h = auth.Middleware(validator)(h)
	h = auth.RequestID(h)
	return h
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("POST /v1/session/token", s.handleSessionToken)

	mux.HandleFunc("GET /v1/packs", s.handleListPacks)
	mux.HandleFunc("GET /v1/packs/{id}", s.handleGetPack)

	mux.HandleFunc("POST /v1/plans", s.handleCreatePlan)
	mux.HandleFunc("GET /v1/plans", s.handleListPlans)
	mux.HandleFunc("GET /v1/plans/{id}", s.handleGetPlan)
	mux.HandleFunc("POST /v1/plans/{id}/approve", s.handleApprovePlan)
	mux.HandleFunc("POST /v1/plans/{id}/reject", s.handleRejectPlan)
	mux.HandleFunc("POST /v1/plans/{id}/execute", s.handleExecute)

	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{id}/abort", s.handleAbortRun)

	mux.HandleFunc("GET /v1/gates", s.handleListGates)
	mux.HandleFunc("POST /v1/gates/{id}/decision", s.handleGateDecision)

	mux.Handle("GET /v1/audit/entries", auth.RequireRole("auditor", http.HandlerFunc(s.handleAuditEntries)))
	mux.Handle("GET /v1/audit/verify", auth.RequireRole("auditor", http.HandlerFunc(s.handleAuditVerify)))
	mux.Handle("GET /v1/audit/export", auth.RequireRole("auditor", http.HandlerFunc(s.handleAuditExport)))
	mux.Handle("GET /v1/audit/state", auth.RequireRole("auditor", http.HandlerFunc(s.handleAuditState)))

	mux.HandleFunc("POST /v1/egress/check", s.handleEgressCheck)
	mux.HandleFunc("GET /v1/egress/policy", s.handleEgressPolicy)

	mux.HandleFunc("POST /v1/break-glass/activate", s.handleBreakGlassActivate)
	mux.HandleFunc("POST /v1/break-glass/deactivate", s.handleBreakGlassDeactivate)
	mux.Handle("GET /v1/break-glass/pending-reviews",
		auth.RequireRole("security-officer", http.HandlerFunc(s.handleBreakGlassPending)))
	mux.Handle("POST /v1/break-glass/review",
		auth.RequireRole("security-officer", http.HandlerFunc(s.handleBreakGlassReview)))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if _, err := s.audit.State(); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Not Ready", "audit store unavailable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":     "ready",
		"compliance": string(s.mode.Level()),
	})
}

// principal pulls the authenticated caller, or writes a 403.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, err := auth.FromContext(r.Context())
	if err != nil {
		WriteForbidden(w, "")
		return nil, false
	}
	return p, true
}

func (s *Server) actor(p *auth.Principal) audit.Actor {
	roles := ""
	if len(p.Roles) > 0 {
		roles = p.Roles[0]
	}
	return audit.Actor{Subject: p.Subject, Role: roles, Tenant: p.Tenant}
}
