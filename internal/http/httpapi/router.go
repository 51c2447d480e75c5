package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"evolver/internal/http/handlers"
	"evolver/internal/middleware"
)

// Options tunes the outer middleware stack.
type Options struct {
	// AllowedOrigins enables CORS for browser frontends; empty disables it.
	AllowedOrigins []string
	// RunsPerMinute throttles run creation per client IP.
	RunsPerMinute int
}

// NewRouter assembles the polling/read surface around the evolution pipeline.
func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS(opts.AllowedOrigins),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/stats", app.StatsSummary)

	r.Route("/v1/runs", func(r chi.Router) {
		r.With(middleware.RateLimit(opts.RunsPerMinute, 2)).Post("/", app.CreateRun)
		r.Get("/{id}", app.GetRun)
		r.Get("/{id}/frames", app.ListFrames)
		r.Get("/{id}/frames/archive", app.GetFramesArchive)
		r.Get("/{id}/frames/{iteration}/image", app.GetFrameImage)
	})

	return r
}
