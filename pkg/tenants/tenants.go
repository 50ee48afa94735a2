// Package tenants resolves and enforces tenant boundaries. Every
// request carries exactly one resolved tenant; resources are owned by
// exactly one tenant; crossing the line requires a compliance flag that
// production-grade levels never set.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// Tenant errors.
var (
	ErrMalformedID = errors.New("tenants: malformed tenant id")
	ErrUnknown     = errors.New("tenants: unknown tenant")
	ErrCrossTenant = errors.New("tenants: cross-tenant access denied")
	ErrNoTenant    = errors.New("tenants: no tenant in context")
)

// Tenant is one isolated customer of the service.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Workforce string    `json:"workforce,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Suspended bool      `json:"suspended,omitempty"`
}

// idRe: lowercase slug, 3-64 chars, no leading/trailing separator.
var idRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

// ValidID reports whether s is a well-formed tenant identifier.
func ValidID(s string) bool { return idRe.MatchString(s) }

// Registry holds the known tenants.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	clock   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tenants: make(map[string]*Tenant),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Create registers a tenant.
func (r *Registry) Create(id, name, workforce string) (*Tenant, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrMalformedID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tenants[id]; exists {
		return nil, fmt.Errorf("tenants: tenant %q already exists", id)
	}
	t := &Tenant{ID: id, Name: name, Workforce: workforce, CreatedAt: r.clock()}
	r.tenants[id] = t
	return t, nil
}

// Resolve validates and looks up a tenant id.
func (r *Registry) Resolve(id string) (*Tenant, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrMalformedID, id)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, id)
	}
	return t, nil
}

// List returns all tenants.
func (r *Registry) List() []*Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	return out
}

type ctxKey struct{}

// NewContext attaches a resolved tenant to the context.
func NewContext(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the tenant attached to the context.
func FromContext(ctx context.Context) (*Tenant, error) {
	t, ok := ctx.Value(ctxKey{}).(*Tenant)
	if !ok || t == nil {
		return nil, ErrNoTenant
	}
	return t, nil
}
