// Package api exposes the herald engine over HTTP: job submission,
// status and cancellation, dead-letter listing and replay, statistics,
// and the WebSocket gateway.
//
// Every route except the gateway requires a bearer token, resolved to a
// principal by an auth.Authenticator. The gateway authenticates through
// its own first frame.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/xraph/herald/auth"
	"github.com/xraph/herald/engine"
)

// API wires the HTTP handlers for a herald engine.
type API struct {
	eng      *engine.Engine
	authn    auth.Authenticator
	gateway  http.Handler
	logger   *slog.Logger
	validate *validator.Validate
}

// Option configures an API.
type Option func(*API)

// WithGateway mounts a WebSocket gateway at /v1/ws.
func WithGateway(h http.Handler) Option {
	return func(a *API) { a.gateway = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// New creates an API for eng. authn resolves bearer tokens.
func New(eng *engine.Engine, authn auth.Authenticator, opts ...Option) *API {
	a := &API{
		eng:      eng,
		authn:    authn,
		logger:   slog.Default(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the herald routes on r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		if a.gateway != nil {
			r.Handle("/ws", a.gateway)
		}

		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)

			r.With(requireScope(auth.ScopeJobWrite)).Post("/jobs/{category}", a.submitJob)
			r.With(requireScope(auth.ScopeJobRead)).Get("/jobs/{jobID}", a.getJob)
			r.With(requireScope(auth.ScopeJobWrite)).Post("/jobs/{jobID}/cancel", a.cancelJob)

			r.With(requireScope(auth.ScopeDLQRead)).Get("/deadletters", a.listDeadLetters)
			r.With(requireScope(auth.ScopeDLQRead)).Get("/deadletters/{entryID}", a.getDeadLetter)
			r.With(requireScope(auth.ScopeDLQWrite)).Post("/deadletters/{entryID}/replay", a.replayDeadLetter)

			r.With(requireScope(auth.ScopeStatsRead)).Get("/stats", a.stats)
		})
	})
}
