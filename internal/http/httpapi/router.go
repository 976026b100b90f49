package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"renderq/internal/http/handlers"
	"renderq/internal/middleware"
)

// Options tunes the middleware stack.
type Options struct {
	CORSAllowedOrigins []string
	RateLimitPerMin    int
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS(opts.CORSAllowedOrigins),
	)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", app.Health)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))

			r.Get("/status", app.Status)
			r.Post("/stop", app.StopAll)
			r.Put("/queue/order", app.SetOrder)
			r.Get("/events", app.ListEvents)
			r.Get("/history", app.ListHistory)
			r.Get("/images/*", app.GetImage)

			r.Route("/tasks", func(r chi.Router) {
				r.Post("/", app.CreateTasks)
				r.Get("/", app.ListTasks)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", app.GetTask)
					r.Delete("/", app.RemoveTask)
					r.Post("/stop", app.StopTask)
					r.Post("/variations", app.CreateVariation)
					r.Get("/images", app.ListImages)
					r.Get("/images.zip", app.ArchiveImages)
				})
			})
		})
	})

	return r
}
