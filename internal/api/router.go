package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tutorhub/notification-engine/internal/api/handler"
	apimw "github.com/tutorhub/notification-engine/internal/api/middleware"
	"github.com/tutorhub/notification-engine/internal/engine"
	"github.com/tutorhub/notification-engine/internal/render"
	"github.com/tutorhub/notification-engine/internal/repository"
	"github.com/tutorhub/notification-engine/internal/scheduler"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	eng *engine.Engine,
	sched *scheduler.Scheduler,
	repo repository.NotificationRepository,
	renderer *render.Renderer,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RealIP)             // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1<<20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)      // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	nh := handler.NewNotificationHandler(eng, repo, logger)
	bh := handler.NewBatchHandler(eng, logger)
	sh := handler.NewScheduleHandler(eng, sched, repo, logger)
	th := handler.NewTemplateHandler(renderer)
	hh := handler.NewHealthHandler()

	// --- routes ---
	r.Get("/health", hh.Health)

	// Raw Prometheus scrape endpoint (for Prometheus server / Grafana)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Notifications — note: /batch must be registered before /{id}
		// so chi does not treat the literal string "batch" as an ID.
		r.Post("/notifications/batch", bh.SendBatch)
		r.Post("/notifications", nh.Send)
		r.Get("/notifications/{id}", nh.GetByID)
		r.Post("/notifications/{id}/retry", nh.Retry)

		// Per-user views
		r.Get("/users/{userID}/notifications", nh.List)
		r.Get("/users/{userID}/notifications/stats", nh.Stats)

		// Scheduling — /recurring and /stats before /{taskID} for the
		// same literal-vs-parameter reason as /batch above.
		r.Post("/schedule/recurring", sh.ScheduleRecurring)
		r.Get("/schedule/stats", sh.Stats)
		r.Post("/schedule", sh.Schedule)
		r.Get("/schedule", sh.List)
		r.Delete("/schedule/{taskID}", sh.Cancel)

		// Templates
		r.Post("/templates/preview", th.Preview)
	})

	return r
}
