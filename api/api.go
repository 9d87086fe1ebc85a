// Package api exposes the tracker over HTTP using a chi router.
//
// Routes:
//
//	PUT    /v1/status/{entity_type}/{entity_id}                                   request a transition
//	GET    /v1/status/{entity_type}/{entity_id}                                   full record
//	GET    /v1/status/{entity_type}/{entity_id}/history                           ordered history
//	POST   /v1/status/{entity_type}/{entity_id}/dependencies                      add or replace an edge
//	DELETE /v1/status/{entity_type}/{entity_id}/dependencies/{dep_type}/{dep_id}  remove an edge
//	GET    /v1/status/ws[/{entity_type}/{entity_id}]                              live feed
//	PUT    /v1/entities/{entity_type}/{entity_id}                                 seed an entity
//	GET    /v1/entities/{entity_type}/{entity_id}                                 authoritative entity
//	DELETE /v1/entities/{entity_type}/{entity_id}                                 delete with cascade
//	GET    /v1/stats                                                              broker and feed counters
//	GET    /health                                                                store ping
//
// The caller identity is read from the X-Caller-ID and X-Caller-Roles
// headers, which the surrounding gateway is expected to set.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/escrow/engine"
	"github.com/xraph/escrow/feed"
)

// API wires the HTTP handlers together.
type API struct {
	eng     *engine.Engine
	feed    *feed.Server
	auth    Authorizer
	limiter *Limiter
	logger  *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithAuthorizer sets the mutation authorizer. Defaults to AllowAll.
func WithAuthorizer(auth Authorizer) Option {
	return func(a *API) { a.auth = auth }
}

// WithLimiter enables per-caller rate limiting of mutations.
func WithLimiter(l *Limiter) Option {
	return func(a *API) { a.limiter = l }
}

// WithLogger sets the logger for request errors.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithFeed sets the live feed server. By default one is created over the
// engine's broker.
func WithFeed(s *feed.Server) Option {
	return func(a *API) { a.feed = s }
}

// New creates an API over eng.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:    eng,
		auth:   AllowAll{},
		logger: eng.Tracker().Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.feed == nil {
		a.feed = feed.NewServer(eng.Broker(), feed.WithLogger(a.logger))
	}
	return a
}

// Feed returns the live feed server.
func (a *API) Feed() *feed.Server { return a.feed }

// Handler returns a router with every route registered.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all tracker routes on r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Use(requestID, a.callerIdentity)

	r.Get("/health", a.health)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", a.stats)

		r.Route("/status", func(r chi.Router) {
			a.feed.Mount(r)
			r.Route("/{entity_type}/{entity_id}", func(r chi.Router) {
				r.Get("/", a.getRecord)
				r.Get("/history", a.getHistory)
				r.With(a.rateLimit).Put("/", a.requestTransition)
				r.With(a.rateLimit).Post("/dependencies", a.addDependency)
				r.With(a.rateLimit).Delete("/dependencies/{dep_type}/{dep_id}", a.removeDependency)
			})
		})

		r.Route("/entities/{entity_type}/{entity_id}", func(r chi.Router) {
			r.Get("/", a.getEntity)
			r.With(a.rateLimit).Put("/", a.seedEntity)
			r.With(a.rateLimit).Delete("/", a.deleteEntity)
		})
	})
}
