// Package httpapi assembles the chi router and its middleware chain.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"fluxreve-server/internal/http/handlers"
	"fluxreve-server/internal/middleware"
)

// Options configures the router-level middleware.
type Options struct {
	Log                zerolog.Logger
	JWTSecret          string
	AllowedOrigins     []string
	RateLimitPerMinute int
	DefaultLocale      string
	CountryLookup      middleware.CountryLookup
}

// NewRouter mounts the full API surface.
func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.Recoverer,
		middleware.RequestID,
		middleware.Logger(opts.Log),
		middleware.CORS(opts.AllowedOrigins),
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
	)
	if opts.RateLimitPerMinute > 0 {
		r.Use(middleware.RateLimit(opts.RateLimitPerMinute, time.Minute))
	}

	auth := middleware.Auth(opts.JWTSecret)
	optional := middleware.OptionalAuth(opts.JWTSecret)

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1", func(r chi.Router) {
		// Owner surfaces.
		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Post("/tasks", app.CreateTask)
			r.Get("/tasks", app.ListTasks)
			r.Delete("/tasks/{taskID}", app.DeleteTask)
			r.Get("/tasks/{taskID}/download", app.DownloadTaskZip)
			r.Post("/quota/daily-check", app.QuotaDailyCheck)
			r.Get("/quota/total", app.QuotaTotal)
			r.Post("/loras", app.CreateLora)
			r.Put("/loras/{loraID}", app.UpdateLora)
			r.Delete("/loras/{loraID}", app.DeleteLora)
		})

		// Public surfaces; a token upgrades the view when present.
		r.Group(func(r chi.Router) {
			r.Use(optional)
			r.Get("/tasks/{taskID}", app.GetTask)
			r.Post("/tasks/{taskID}/view", app.RecordTaskView)
			r.Get("/share/{shareID}", app.ShareTask)
			r.Get("/explore", app.Explore)
			r.Get("/loras", app.ListLoras)
			r.Get("/loras/{loraID}", app.GetLora)
		})

		// Provider callbacks carry no user token.
		r.Post("/webhooks/{provider}/{taskID}", app.ProviderWebhook)

		r.Get("/assets/watermarked/{taskID}/{index}", app.WatermarkedAsset)
	})

	return r
}
