package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Identity is a verified caller. Subject is the stable user id used to key
// stored settings and secrets.
type Identity struct {
	Subject string
	Email   string
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	if !ok || strings.TrimSpace(v.Subject) == "" {
		return Identity{}, false
	}
	return v, true
}

// DevAuthenticator accepts a single static bearer token. Local use only.
type DevAuthenticator struct {
	token    string
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{
		token: strings.TrimSpace(cfg.DevToken),
		identity: Identity{
			Subject: strings.TrimSpace(cfg.DevSubject),
			Email:   strings.TrimSpace(cfg.DevEmail),
		},
	}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	if a.token == "" || subtle.ConstantTimeCompare([]byte(raw), []byte(a.token)) != 1 {
		return Identity{}, ErrInvalidToken
	}
	return a.identity, nil
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
