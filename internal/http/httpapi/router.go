package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"slidegen/internal/http/handlers"
	"slidegen/internal/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	var (
		corsOrigins   []string
		rateLimit     = 30
		defaultLocale = "en"
	)
	if app.Config != nil {
		corsOrigins = app.Config.CORSOrigins
		if app.Config.RateLimitPerMin > 0 {
			rateLimit = app.Config.RateLimitPerMin
		}
		if app.Config.DefaultLocale != "" {
			defaultLocale = app.Config.DefaultLocale
		}
	}

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS(corsOrigins),
		middleware.I18N(defaultLocale, app.CountryLookup),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)
	r.Get("/static/*", app.StaticAsset)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(app.JWTSecret))

		r.Route("/v1/lessons/{lesson_id}", func(r chi.Router) {
			r.With(middleware.RateLimit(rateLimit, time.Minute)).Post("/slides/generate", app.GenerateSlides)
			r.Get("/slides", app.LessonSlides)
			r.Get("/slides/export", app.ExportLessonSlides)
		})

		r.Route("/v1/slide-jobs/{job_id}", func(r chi.Router) {
			r.Get("/", app.SlideJobStatus)
			r.Delete("/", app.CancelSlideJob)
			r.Get("/ws", app.SlideJobEvents)
		})

		r.Route("/v1/admin/slide-cache", func(r chi.Router) {
			r.Use(middleware.RequirePlan(middleware.PlanAdmin))
			r.Delete("/", app.ClearSlideCache)
			r.Get("/stats", app.SlideCacheStats)
			r.Delete("/lessons/{lesson_id}", app.InvalidateLessonCache)
		})
	})

	return r
}
