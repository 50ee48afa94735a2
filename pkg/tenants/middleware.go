package tenants

import (
	"errors"
	"net/http"
)

// TenantHeader carries the tenant id on inbound requests.
const TenantHeader = "X-Warden-Tenant"

// Middleware resolves the request's tenant and attaches it to the
// context. Requests without a resolvable tenant never reach the handler.
func Middleware(reg *Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(TenantHeader)
			t, err := reg.Resolve(id)
			if err != nil {
				status := http.StatusForbidden
				if errors.Is(err, ErrMalformedID) {
					status = http.StatusBadRequest
				}
				http.Error(w, "tenant resolution failed", status)
				return
			}
			if t.Suspended {
				http.Error(w, "tenant suspended", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), t)))
		})
	}
}
