package tenant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt"
)

// ErrNoTenant is a configuration error: no tenant could be derived from the
// runtime context. Dependent operations must fail fast rather than fall back
// to an unscoped path.
var ErrNoTenant = errors.New("tenant: no tenant resolved")

const tenantClaim = "tenant"

// Resolver derives the active tenant namespace. Resolution order: static id,
// then host mapping, then the signed session token's tenant claim. Pure and
// synchronous; no side effects.
type Resolver struct {
	staticId   string
	hostMap    map[string]string
	signingKey []byte
}

type ResolverOption func(*Resolver)

// WithStaticTenant pins resolution to a single tenant, for single-tenant
// deployments.
func WithStaticTenant(id string) ResolverOption {
	return func(r *Resolver) { r.staticId = id }
}

// WithHostMap maps deployment hostnames to tenant ids.
func WithHostMap(m map[string]string) ResolverOption {
	return func(r *Resolver) { r.hostMap = m }
}

// WithSigningKey enables resolving the tenant from a signed session token's
// "tenant" claim.
func WithSigningKey(key []byte) ResolverOption {
	return func(r *Resolver) { r.signingKey = key }
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the tenant id for the given request context. host is the
// serving hostname (may be empty), token is the raw session JWT (may be
// empty).
func (r *Resolver) Resolve(host, token string) (string, error) {
	if r.staticId != "" {
		return r.staticId, nil
	}

	if host != "" && r.hostMap != nil {
		h := strings.ToLower(host)
		if i := strings.IndexByte(h, ':'); i >= 0 {
			h = h[:i]
		}
		if id, ok := r.hostMap[h]; ok {
			return id, nil
		}
	}

	if token != "" && len(r.signingKey) > 0 {
		id, err := r.tenantFromToken(token)
		if err != nil {
			return "", fmt.Errorf("tenant from token: %w", err)
		}
		if id != "" {
			return id, nil
		}
	}

	return "", ErrNoTenant
}

func (r *Resolver) tenantFromToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return r.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	id, _ := claims[tenantClaim].(string)
	return id, nil
}
