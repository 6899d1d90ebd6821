package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/herald"
	"github.com/xraph/herald/auth"
)

const testSecret = "test-secret-that-is-long-enough-for-testing"

func TestJWTRoundTrip(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	a, err := auth.NewJWTAuthenticator(testSecret,
		auth.WithIssuer("herald"),
		auth.WithTimeFunc(func() time.Time { return fixed }),
	)
	require.NoError(t, err)

	token, err := a.Issue(auth.Principal{Subject: "user_1", Scopes: []string{auth.ScopeSubscribe}})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	p, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user_1", p.Subject)
	assert.True(t, p.HasScope(auth.ScopeSubscribe))
	assert.False(t, p.IsOperator())
}

func TestJWTRejects(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := auth.NewJWTAuthenticator(testSecret,
		auth.WithTokenLifetime(time.Hour),
		auth.WithTimeFunc(func() time.Time { return fixed }),
	)
	require.NoError(t, err)
	token, err := issuer.Issue(auth.Principal{Subject: "user_1"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		secret  string
		at      time.Time
		token   string
		wantErr error
	}{
		{name: "expired", secret: testSecret, at: fixed.Add(2 * time.Hour), token: token, wantErr: auth.ErrExpiredToken},
		{name: "not yet valid", secret: testSecret, at: fixed.Add(-time.Hour), token: token, wantErr: auth.ErrTokenNotYetValid},
		{name: "wrong secret", secret: "another-secret-that-is-long-enough-xx", at: fixed, token: token, wantErr: auth.ErrInvalidToken},
		{name: "malformed", secret: testSecret, at: fixed, token: "not.a.token", wantErr: auth.ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, err := auth.NewJWTAuthenticator(tt.secret,
				auth.WithTimeFunc(func() time.Time { return tt.at }),
			)
			require.NoError(t, err)

			_, err = v.Authenticate(context.Background(), tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, herald.ErrUnauthenticated)
		})
	}
}

func TestJWTShortSecret(t *testing.T) {
	t.Parallel()

	_, err := auth.NewJWTAuthenticator("short")
	assert.Error(t, err)
}

func TestAPIKeyAuthenticator(t *testing.T) {
	t.Parallel()

	a := auth.NewAPIKeyAuthenticator(auth.APIKeyEntry{
		Key:       "k-123",
		Principal: auth.Principal{Subject: "svc_billing", Scopes: []string{auth.ScopeJobWrite}},
	})

	p, err := a.Authenticate(context.Background(), "k-123")
	require.NoError(t, err)
	assert.Equal(t, "svc_billing", p.Subject)

	_, err = a.Authenticate(context.Background(), "nope")
	assert.ErrorIs(t, err, herald.ErrUnauthenticated)

	_, err = a.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, herald.ErrUnauthenticated)
}

func TestCompositeAuthenticator(t *testing.T) {
	t.Parallel()

	failing := auth.AuthenticatorFunc(func(context.Context, string) (*auth.Principal, error) {
		return nil, errors.New("no")
	})
	keys := auth.NewAPIKeyAuthenticator(auth.APIKeyEntry{Key: "k", Principal: auth.Principal{Subject: "svc"}})
	c := auth.NewCompositeAuthenticator(failing, keys)

	p, err := c.Authenticate(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "svc", p.Subject)

	_, err = c.Authenticate(context.Background(), "missing")
	assert.ErrorIs(t, err, herald.ErrUnauthenticated)
}

func TestNoopAuthenticator(t *testing.T) {
	t.Parallel()

	p, err := auth.NoopAuthenticator{}.Authenticate(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, p.IsOperator())
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	_, ok := auth.FromContext(context.Background())
	assert.False(t, ok)

	ctx := auth.WithPrincipal(context.Background(), &auth.Principal{Subject: "user_1"})
	p, ok := auth.FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "user_1", p.Subject)
}

type owners map[string]string

func (o owners) JobOwner(_ context.Context, jobID string) (string, error) {
	owner, ok := o[jobID]
	if !ok {
		return "", herald.ErrJobNotFound
	}
	return owner, nil
}

type entityOwners map[string]string

func (e entityOwners) OwnsEntity(_ context.Context, subject, entityID string) (bool, error) {
	return e[entityID] == subject, nil
}

func TestTopicAuthorizer(t *testing.T) {
	t.Parallel()

	a := &auth.TopicAuthorizer{
		Jobs:     owners{"job_1": "user_1"},
		Entities: entityOwners{"logo_1": "user_1"},
	}
	user := &auth.Principal{Subject: "user_1"}
	other := &auth.Principal{Subject: "user_2"}
	operator := &auth.Principal{Subject: "ops", Scopes: []string{auth.ScopeOperator}}

	tests := []struct {
		name  string
		p     *auth.Principal
		topic string
		want  bool
	}{
		{"own user topic", user, "user:user_1", true},
		{"foreign user topic", other, "user:user_1", false},
		{"own job", user, "job:job_1", true},
		{"foreign job", other, "job:job_1", false},
		{"unknown job", user, "job:job_404", false},
		{"own entity", user, "entity:logo_1", true},
		{"foreign entity", other, "entity:logo_1", false},
		{"operators denied", user, "operators", false},
		{"operators for operator", operator, "operators", true},
		{"operator on foreign job", operator, "job:job_1", true},
		{"unknown kind", user, "queue:x", false},
		{"empty ref", user, "user:", false},
		{"anonymous", &auth.Principal{}, "user:", false},
		{"nil principal", nil, "user:user_1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := a.Authorize(context.Background(), tt.p, tt.topic)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTopicAuthorizerWithoutLookups(t *testing.T) {
	t.Parallel()

	a := &auth.TopicAuthorizer{}
	ok, err := a.Authorize(context.Background(), &auth.Principal{Subject: "user_1"}, "job:job_1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Authorize(context.Background(), &auth.Principal{Subject: "user_1"}, "entity:e")
	require.NoError(t, err)
	assert.False(t, ok)
}
