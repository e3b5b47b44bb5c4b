package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskflow-api/internal/middleware"
)

type RouterConfig struct {
	Tasks          *TaskHandler
	Health         *HealthHandler
	Auth           func(http.Handler) http.Handler
	Logger         *zap.Logger
	RequestTimeout time.Duration
}

// NewRouter assembles the public HTTP surface. Everything under /api needs
// an authenticated caller; /health and /ready do not.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(cfg.Logger))
	r.Use(chimw.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(chimw.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	r.Route("/api", func(r chi.Router) {
		r.Use(cfg.Auth)
		r.Mount("/tasks", cfg.Tasks.Routes())
	})
	return r
}
