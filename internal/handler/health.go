package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskflow-api/pkg/respond"
)

// Pinger is anything /ready should check: the database pool, the queue.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	deps    map[string]Pinger
	timeout time.Duration
	logger  *zap.Logger
}

func NewHealthHandler(deps map[string]Pinger, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{deps: deps, timeout: 2 * time.Second, logger: logger}
}

// Health reports process liveness only.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready pings every dependency and answers 503 if any of them fails.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string, len(h.deps))
	code := http.StatusOK
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = "down"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "up"
	}

	status := "ok"
	if code != http.StatusOK {
		status = "unavailable"
	}
	respond.JSON(w, r, code, map[string]any{"status": status, "checks": checks})
}
