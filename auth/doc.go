// Package auth authenticates callers and authorizes topic subscriptions.
//
// An [Authenticator] turns a bearer credential into a [Principal]. Three
// implementations are provided: [JWTAuthenticator] for HS256 tokens,
// [APIKeyAuthenticator] for static keys and [NoopAuthenticator] for
// development, plus [CompositeAuthenticator] to chain them.
//
// An [Authorizer] decides whether a principal may join a topic.
// [TopicAuthorizer] implements the rules for the four topic kinds:
//
//	user:{id}     the principal itself
//	job:{id}      the principal that submitted the job
//	entity:{id}   any principal that owns the entity (see EntityOwnership)
//	operators     principals holding the operator scope
//
// Operators may join every topic.
package auth
