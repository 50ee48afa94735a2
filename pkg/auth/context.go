package auth

import (
	"context"
	"errors"
)

type principalKey struct{}

// ErrNoPrincipal is returned when no principal is attached.
var ErrNoPrincipal = errors.New("auth: no principal in context")

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal attached by the middleware.
func FromContext(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	if !ok || p == nil {
		return nil, ErrNoPrincipal
	}
	return p, nil
}
