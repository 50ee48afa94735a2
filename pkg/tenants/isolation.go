package tenants

import (
	"context"
	"fmt"
	"sync"

	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/compliance"
)

// Recorder receives isolation violation events.
type Recorder interface {
	Record(actor audit.Actor, action, resource string, payload map[string]any) error
}

// Guard enforces resource ownership. Resources are registered to their
// owning tenant; CheckAccess denies any touch across the boundary unless
// the compliance mode explicitly allows it.
type Guard struct {
	mode *compliance.Mode
	rec  Recorder

	mu     sync.RWMutex
	owners map[string]string // resource id -> tenant id
}

// NewGuard creates an isolation guard.
func NewGuard(mode *compliance.Mode, rec Recorder) *Guard {
	return &Guard{mode: mode, rec: rec, owners: make(map[string]string)}
}

// Register records resource ownership. First owner wins; re-registering
// to a different tenant is an error, never a silent transfer.
func (g *Guard) Register(tenantID, resourceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if owner, ok := g.owners[resourceID]; ok && owner != tenantID {
		return fmt.Errorf("tenants: resource %q already owned by %q", resourceID, owner)
	}
	g.owners[resourceID] = tenantID
	return nil
}

// CheckAccess verifies the context tenant may touch the resource.
// Unregistered resources are denied: unknowable ownership is not a
// grant. Violations are audited before the denial returns.
func (g *Guard) CheckAccess(ctx context.Context, resourceID string) error {
	t, err := FromContext(ctx)
	if err != nil {
		return err
	}

	g.mu.RLock()
	owner, registered := g.owners[resourceID]
	g.mu.RUnlock()

	if registered && owner == t.ID {
		return nil
	}
	if g.mode.Check(compliance.FlagCrossTenantAccess) {
		return nil
	}

	if g.rec != nil {
		_ = g.rec.Record(
			audit.Actor{Tenant: t.ID},
			"tenants.isolation_violation", "resource/"+resourceID,
			map[string]any{"tenant": t.ID, "owner": owner, "registered": registered},
		)
	}
	if !registered {
		return fmt.Errorf("%w: resource %q has no registered owner", ErrCrossTenant, resourceID)
	}
	return fmt.Errorf("%w: resource %q belongs to another tenant", ErrCrossTenant, resourceID)
}

// Owner returns the owning tenant of a resource, if registered.
func (g *Guard) Owner(resourceID string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	owner, ok := g.owners[resourceID]
	return owner, ok
}
