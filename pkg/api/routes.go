package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/config", s.handleConfig)

		// Cycle operations.
		r.Route("/cycles", func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.RequestsPerMinute,
				))
			}

			r.Get("/", s.handleCycleHistory)
			r.Post("/", s.handleStartCycle)
			r.Get("/current", s.handleCurrentCycle)
			r.Post("/current/finalize", s.handleFinalizeCycle)
			r.Post("/current/tools", s.handleAddTool)
		})

		// Phase operations on the current cycle.
		r.Route("/phases/{id}", func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.RequestsPerMinute,
				))
			}

			r.Post("/start", s.handleStartPhase)
			r.Post("/complete", s.handleCompletePhase)
			r.Post("/pause", s.handlePausePhase)
			r.Post("/resume", s.handleResumePhase)
			r.Post("/reset", s.handleResetPhase)
			r.Post("/advance", s.handleAdvancePhase)
			r.Post("/cancel", s.handleCancelPhase)
		})

		// Timer read model.
		r.Get("/timers", s.handleTimers)
		r.Get("/timers/{id}", s.handleTimer)

		// Tool registry read model.
		r.Get("/tools", s.handleTools)
		r.Post("/tools/{id}/advance", s.handleAdvanceTool)

		// BI compliance gate.
		r.Route("/bi-tests", func(r chi.Router) {
			r.Get("/status", s.handleBIStatus)
			r.Post("/", s.handleRecordBITest)
		})

		// Derived statistics and alerts.
		r.Get("/stats", s.handleStats)
		r.Get("/alerts", s.handleAlerts)
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
