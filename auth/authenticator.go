package auth

import (
	"context"
	"crypto/subtle"

	"github.com/xraph/herald"
)

// Authenticator validates a credential and returns the principal it
// belongs to. Failures match herald.ErrUnauthenticated.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (*Principal, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (*Principal, error) {
	return f(ctx, token)
}

// ── API key authenticator ───────────────────────────

// APIKeyEntry maps a key to a principal.
type APIKeyEntry struct {
	Key       string
	Principal Principal
}

// APIKeyAuthenticator validates keys against a static list.
type APIKeyAuthenticator struct {
	entries []APIKeyEntry
}

// NewAPIKeyAuthenticator creates an API key authenticator.
func NewAPIKeyAuthenticator(entries ...APIKeyEntry) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{entries: append([]APIKeyEntry(nil), entries...)}
}

// Authenticate implements Authenticator. Keys are compared in constant
// time.
func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, herald.ErrUnauthenticated
	}
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare([]byte(e.Key), []byte(token)) == 1 {
			p := e.Principal
			p.Scopes = append([]string(nil), e.Principal.Scopes...)
			return &p, nil
		}
	}
	return nil, herald.ErrUnauthenticated
}

// ── No-op authenticator ─────────────────────────────

// NoopAuthenticator accepts every token as an operator named
// "anonymous". Use for development only.
type NoopAuthenticator struct{}

// Authenticate implements Authenticator.
func (NoopAuthenticator) Authenticate(_ context.Context, _ string) (*Principal, error) {
	return &Principal{Subject: "anonymous", Scopes: []string{ScopeAll}}, nil
}

// ── Composite authenticator ─────────────────────────

// CompositeAuthenticator tries multiple authenticators in order.
// The first successful authentication wins.
type CompositeAuthenticator struct {
	authenticators []Authenticator
}

// NewCompositeAuthenticator chains multiple authenticators.
func NewCompositeAuthenticator(auths ...Authenticator) *CompositeAuthenticator {
	return &CompositeAuthenticator{authenticators: auths}
}

// Authenticate implements Authenticator.
func (c *CompositeAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	for _, a := range c.authenticators {
		p, err := a.Authenticate(ctx, token)
		if err == nil && p.Authenticated() {
			return p, nil
		}
	}
	return nil, herald.ErrUnauthenticated
}
