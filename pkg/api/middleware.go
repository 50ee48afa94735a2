package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/wardenhq/warden/pkg/auth"
	"github.com/wardenhq/warden/pkg/ratelimit"
)

// rateLimit charges one sliding-window token per authenticated request.
// The key binds tenant, subject, client IP and normalized path, so one
// noisy tenant cannot starve the rest.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		p, err := auth.FromContext(r.Context())
		if err != nil {
			// Public paths carry no principal and no quota.
			next.ServeHTTP(w, r)
			return
		}

		key := ratelimit.Key{
			Tenant: p.Tenant,
			User:   p.Subject,
			IP:     s.clientIP(r),
			Path:   r.URL.Path,
		}
		d := s.limiter.Allow(r.Context(), key)
		if !d.Allowed {
			if s.obs != nil {
				s.obs.RecordLimitRejection(r.Context(), "api")
			}
			WriteTooManyRequests(w, int(d.RetryAfter.Seconds()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the address charged by the limiters.
// X-Forwarded-For is honored only when the direct peer is a configured
// trusted proxy, and then only its rightmost hop; any other client
// keying its own limit bucket off a forged header would defeat the
// per-IP budgets.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" || !s.trustedProxy(host) {
		return host
	}
	hops := strings.Split(fwd, ",")
	return strings.TrimSpace(hops[len(hops)-1])
}

func (s *Server) trustedProxy(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range s.proxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
