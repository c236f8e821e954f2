// Package health отдаёт состояние зависимостей сервиса.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"github.com/magabrotheeeer/entitlement-engine/internal/http/response"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
)

// Check проверяет одну зависимость.
type Check func(ctx context.Context) error

// Handler опрашивает зависимости параллельно.
type Handler struct {
	log     *slog.Logger
	checks  map[string]Check
	timeout time.Duration
}

// New создает Handler. Пустой набор проверок означает только liveness.
func New(log *slog.Logger, timeout time.Duration, checks map[string]Check) *Handler {
	return &Handler{
		log:     log,
		checks:  checks,
		timeout: timeout,
	}
}

// Live godoc
// @Summary Liveness
// @Tags Health
// @Success 200 {object} response.Response
// @Router /health/live [get]
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, response.OKWithData(map[string]string{"status": "ok"}))
}

// Ready godoc
// @Summary Readiness
// @Description Проверяет базу данных и кеш.
// @Tags Health
// @Success 200 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /health [get]
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		report = make(map[string]string, len(h.checks))
		g      errgroup.Group
	)
	for name, check := range h.checks {
		g.Go(func() error {
			status := "ok"
			err := check(ctx)
			if err != nil {
				status = "unavailable"
				h.log.Warn("dependency check failed", slog.String("dependency", name), sl.Err(err))
			}
			mu.Lock()
			report[name] = status
			mu.Unlock()
			return err
		})
	}

	if err := g.Wait(); err != nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, response.Response{Status: response.StatusError, Error: "dependency unavailable", Data: report})
		return
	}
	render.JSON(w, r, response.OKWithData(report))
}
