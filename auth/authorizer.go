package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/xraph/herald"
)

// Authorizer decides whether a principal may subscribe to a topic.
type Authorizer interface {
	Authorize(ctx context.Context, p *Principal, topic string) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, p *Principal, topic string) (bool, error)

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, p *Principal, topic string) (bool, error) {
	return f(ctx, p, topic)
}

// EntityOwnership answers whether a subject owns a business entity.
type EntityOwnership interface {
	OwnsEntity(ctx context.Context, subject, entityID string) (bool, error)
}

// JobOwners returns the subject that submitted a job. Unknown jobs
// return herald.ErrJobNotFound.
type JobOwners interface {
	JobOwner(ctx context.Context, jobID string) (string, error)
}

// TopicAuthorizer implements the default topic rules. Entities is
// consulted for entity topics and Jobs for job topics; when either is
// nil only operators may join that kind of topic.
type TopicAuthorizer struct {
	Entities EntityOwnership
	Jobs     JobOwners
}

// Authorize implements Authorizer.
func (a *TopicAuthorizer) Authorize(ctx context.Context, p *Principal, topic string) (bool, error) {
	if !p.Authenticated() {
		return false, nil
	}
	if p.IsOperator() {
		return true, nil
	}

	kind, ref, _ := strings.Cut(topic, ":")
	switch {
	case topic == "operators":
		return false, nil
	case ref == "":
		return false, nil
	case kind == "user":
		return ref == p.Subject, nil
	case kind == "job":
		if a.Jobs == nil {
			return false, nil
		}
		owner, err := a.Jobs.JobOwner(ctx, ref)
		if errors.Is(err, herald.ErrJobNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return owner != "" && owner == p.Subject, nil
	case kind == "entity":
		if a.Entities == nil {
			return false, nil
		}
		return a.Entities.OwnsEntity(ctx, p.Subject, ref)
	default:
		return false, nil
	}
}

// AllowAll authorizes every authenticated principal. Use for
// development only.
var AllowAll Authorizer = AuthorizerFunc(func(_ context.Context, p *Principal, _ string) (bool, error) {
	return p.Authenticated(), nil
})
