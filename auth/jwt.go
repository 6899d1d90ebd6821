package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/xraph/herald"
)

// MinSecretLength is the shortest HMAC secret NewJWTAuthenticator
// accepts.
const MinSecretLength = 32

// Token validation errors. All of them match herald.ErrUnauthenticated.
var (
	ErrInvalidToken     = fmt.Errorf("%w: invalid token", herald.ErrUnauthenticated)
	ErrExpiredToken     = fmt.Errorf("%w: token expired", herald.ErrUnauthenticated)
	ErrTokenNotYetValid = fmt.Errorf("%w: token not yet valid", herald.ErrUnauthenticated)
)

type claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator issues and validates HS256 bearer tokens whose
// subject is the principal.
type JWTAuthenticator struct {
	key       []byte
	issuer    string
	lifetime  time.Duration
	clockSkew time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// JWTOption configures a JWTAuthenticator.
type JWTOption func(*JWTAuthenticator)

// WithIssuer sets the iss claim written and required.
func WithIssuer(iss string) JWTOption {
	return func(a *JWTAuthenticator) { a.issuer = iss }
}

// WithTokenLifetime sets the lifetime of issued tokens.
func WithTokenLifetime(d time.Duration) JWTOption {
	return func(a *JWTAuthenticator) { a.lifetime = d }
}

// WithClockSkew sets the leeway allowed on time claims.
func WithClockSkew(d time.Duration) JWTOption {
	return func(a *JWTAuthenticator) { a.clockSkew = d }
}

// WithTimeFunc replaces the clock.
func WithTimeFunc(now func() time.Time) JWTOption {
	return func(a *JWTAuthenticator) { a.now = now }
}

// WithJWTLogger sets the logger for validation failures.
func WithJWTLogger(l *slog.Logger) JWTOption {
	return func(a *JWTAuthenticator) { a.logger = l }
}

// NewJWTAuthenticator creates an HS256 authenticator. The secret must
// be at least MinSecretLength bytes.
func NewJWTAuthenticator(secret string, opts ...JWTOption) (*JWTAuthenticator, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("auth: jwt secret must be at least %d characters", MinSecretLength)
	}
	a := &JWTAuthenticator{
		key:       []byte(secret),
		lifetime:  time.Hour,
		clockSkew: 2 * time.Minute,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Issue signs a token for p.
func (a *JWTAuthenticator) Issue(p Principal) (string, error) {
	if p.Subject == "" {
		return "", fmt.Errorf("auth: principal has no subject")
	}
	now := a.now()
	c := claims{
		Scopes: p.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.lifetime)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	now := a.now()
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(a.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.key, nil
	}, opts...)
	if err != nil {
		a.logger.Debug("token rejected", slog.String("error", err.Error()))
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, ErrTokenNotYetValid
		default:
			return nil, ErrInvalidToken
		}
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Principal{Subject: c.Subject, Scopes: c.Scopes}, nil
}
