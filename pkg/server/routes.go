package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.cfg.RateLimit.Enabled {
		r.Use(s.rateLimitMiddleware(s.cfg.RateLimit.RequestsPerMinute))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/{project}", func(r chi.Router) {
			if s.cfg.Auth.Enabled {
				r.Use(s.requireAuth)
			}

			r.Post("/launch", s.handleStartLaunch)
			r.Get("/launch/{uuid}", s.handleGetLaunch)
			r.Put("/launch/{uuid}/finish", s.handleFinishLaunch)

			r.Post("/item", s.handleStartItem)
			r.Post("/item/{parent}", s.handleStartItem)
			r.Get("/item", s.handleFindItem)
			r.Put("/item/{uuid}", s.handleFinishItem)

			r.Post("/log", s.handleLogBatch)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server
// config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	if len(s.cfg.CORSOrigins) > 0 {
		opts.AllowedOrigins = s.cfg.CORSOrigins
	} else {
		opts.AllowedOrigins = []string{"*"}
		opts.AllowCredentials = false
	}

	return cors.Handler(opts)
}
