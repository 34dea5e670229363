package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/humano-saude/funnel-api/internal/funnel"
	"github.com/humano-saude/funnel-api/internal/monitoring"
	"github.com/humano-saude/funnel-api/internal/store"
)

// Server holds the API dependencies.
type Server struct {
	store      store.Store
	extractor  Extractor
	aggregator *funnel.Aggregator
	pageSize   int
}

// Options configures a Server.
type Options struct {
	Store store.Store
	// Extractor may be nil; extraction endpoints then answer 503.
	Extractor      Extractor
	PageSize       int
	AllowedOrigins []string
}

// NewServer wires the API and returns its router.
func NewServer(opts Options) (*Server, http.Handler) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = store.DefaultPageSize
	}

	s := &Server{
		store:      opts.Store,
		extractor:  opts.Extractor,
		aggregator: funnel.NewAggregator(opts.Store),
		pageSize:   pageSize,
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", monitoring.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// public simulation endpoints, reached from broker share links
		r.Post("/brokers/{slug}/extract", s.handleExtract)
		r.Post("/brokers/{slug}/leads", s.handleCreateLead)
		r.Post("/leads/{id}/contacted", s.handleContacted)

		// broker dashboard endpoints
		r.Group(func(r chi.Router) {
			r.Use(s.auth)
			r.Get("/funnel", s.handleFunnel)
			r.Patch("/leads/{id}/status", s.handleUpdateStatus)
		})
	})

	return s, r
}
