package auth

import (
	"context"
	"slices"
)

// Scope constants.
const (
	ScopeJobRead   = "job:read"
	ScopeJobWrite  = "job:write"
	ScopeDLQRead   = "dlq:read"
	ScopeDLQWrite  = "dlq:write"
	ScopeStatsRead = "stats:read"
	ScopeSubscribe = "subscribe"
	ScopeOperator  = "operator"
	ScopeAll       = "*"
)

// Principal is an authenticated caller.
type Principal struct {
	// Subject is the authenticated user or service id.
	Subject string `json:"subject"`

	// Scopes lists the operations the principal may perform.
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope reports whether the principal holds scope. A wildcard "*"
// scope grants all permissions.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Scopes, ScopeAll) || slices.Contains(p.Scopes, scope)
}

// IsOperator reports whether the principal may see every topic.
func (p *Principal) IsOperator() bool { return p.HasScope(ScopeOperator) }

// Authenticated reports whether p names a subject.
func (p *Principal) Authenticated() bool { return p != nil && p.Subject != "" }

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
