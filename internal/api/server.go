package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"EventPost/internal/analytics"
	"EventPost/internal/health"
	"EventPost/internal/tracking"
)

// Deps are the collaborators the HTTP surface calls into.
type Deps struct {
	Queue     Queue
	Analytics *analytics.Service
	Reporter  Reporter
	Checks    health.Checks
	Logger    *zap.Logger
}

type Options struct {
	CORSOrigins   []string
	WebhookSecret string
	// MaxBulkRows caps the rows accepted from one bulk upload.
	MaxBulkRows int
	// Tracking verifies open and click links. The tracking routes are only
	// mounted when it is set.
	Tracking *tracking.Links
}

type Server struct {
	router *chi.Mux
	http   *http.Server
	logger *zap.Logger
}

func NewServer(deps Deps, opts Options) *Server {
	logger := deps.Logger.Named("api")
	s := &Server{logger: logger}
	s.router = buildRouter(NewHandler(deps, opts), deps, opts, logger)
	return s
}

func buildRouter(h *Handler, deps Deps, opts Options, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(logger))

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health/live", health.LivenessHandler())
	r.Get("/health/ready", health.ReadinessHandler(deps.Checks, health.DefaultTimeout, logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/emails", h.QueueEmail)
		r.Post("/emails/bulk", h.QueueBulk)
		r.Get("/emails/jobs/{id}", h.GetJob)

		r.Get("/analytics", h.GetAnalytics)
		r.Get("/analytics/messages/{id}", h.GetMessage)

		r.Get("/queue/stats", h.QueueStats)
		r.Get("/queue/breakdown", h.QueueBreakdown)
	})

	r.Post("/webhooks/email-events", h.EmailEvents)

	if opts.Tracking != nil {
		r.Get(tracking.ClickPath+"{jobId}", h.TrackClick)
		r.Get(tracking.OpenPath+"{jobId}", h.TrackOpen)
	}

	return r
}

func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("api server started", zap.String("addr", addr))
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
