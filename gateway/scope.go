package gateway

import "github.com/xraph/herald/auth"

// RequiredScope returns the scope a principal needs to call method.
// Topic-level access is decided separately by the broker's authorizer.
func RequiredScope(method string) string {
	switch method {
	case MethodAuth, MethodPing:
		return ""
	case MethodSubscribe, MethodUnsubscribe:
		return auth.ScopeSubscribe
	case MethodJobStatus:
		return auth.ScopeJobRead
	case MethodJobCancel:
		return auth.ScopeJobWrite
	default:
		return auth.ScopeOperator
	}
}
