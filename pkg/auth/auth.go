// Package auth issues and validates the service's bearer tokens and
// attaches the resulting principal to request contexts. Tokens are
// HMAC-signed with the key manager's api-auth purpose key; the key
// version travels in the token header so rotation never invalidates
// outstanding sessions early.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wardenhq/warden/pkg/kms"
)

// Auth errors.
var (
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrMissingTenant  = errors.New("auth: token has no tenant binding")
	ErrMissingSubject = errors.New("auth: token has no subject")
)

// Claims carried by a warden token.
type Claims struct {
	jwt.RegisteredClaims
	Tenant string   `json:"tenant"`
	Roles  []string `json:"roles,omitempty"`
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Tenant  string
	Roles   []string
}

// HasRole reports whether the principal carries a role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Issuer mints tokens. Used by the service's session endpoints and by
// tests; external identity providers can replace it wholesale.
type Issuer struct {
	keys   kms.Provider
	issuer string
	ttl    time.Duration
	clock  func() time.Time
}

// NewIssuer creates a token issuer.
func NewIssuer(keys kms.Provider, issuer string, ttl time.Duration) *Issuer {
	return &Issuer{keys: keys, issuer: issuer, ttl: ttl, clock: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock for tests.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// Issue signs a token for subject bound to tenant.
func (i *Issuer) Issue(subject, tenant string, roles []string) (string, error) {
	now := i.clock()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Tenant: tenant,
		Roles:  roles,
	}

	version := i.keys.ActiveVersion()
	key, err := i.keys.Key(kms.PurposeAPIAuth, version)
	if err != nil {
		return "", fmt.Errorf("auth: signing key unavailable: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = strconv.Itoa(version)
	return token.SignedString(key)
}

// Validator checks tokens against the key manager.
type Validator struct {
	keys   kms.Provider
	issuer string
}

// NewValidator creates a token validator.
func NewValidator(keys kms.Provider, issuer string) *Validator {
	return &Validator{keys: keys, issuer: issuer}
}

// Validate parses a token and returns its principal. Tokens must carry
// both subject and tenant; an unbound token authenticates nothing.
func (v *Validator) Validate(tokenStr string) (*Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	if claims.Tenant == "" {
		return nil, ErrMissingTenant
	}
	return &Principal{Subject: claims.Subject, Tenant: claims.Tenant, Roles: claims.Roles}, nil
}

// keyFunc resolves the signing key from the token's kid header.
func (v *Validator) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("auth: token missing key version")
	}
	version, err := strconv.Atoi(kid)
	if err != nil || version < 1 {
		return nil, fmt.Errorf("auth: bad key version %q", kid)
	}
	return v.keys.Key(kms.PurposeAPIAuth, version)
}
