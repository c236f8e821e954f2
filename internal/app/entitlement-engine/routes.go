// Package entitlementengine собирает HTTP API движка: маршруты и зависимости.
package entitlementengine

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/magabrotheeeer/entitlement-engine/internal/http/handlers/entitlement"
	"github.com/magabrotheeeer/entitlement-engine/internal/http/handlers/gdpr"
	"github.com/magabrotheeeer/entitlement-engine/internal/http/handlers/health"
	"github.com/magabrotheeeer/entitlement-engine/internal/http/handlers/subscription"
	"github.com/magabrotheeeer/entitlement-engine/internal/http/handlers/webhook"
	"github.com/magabrotheeeer/entitlement-engine/internal/http/middlewarectx"
	"github.com/magabrotheeeer/entitlement-engine/internal/metrics"
)

// Handlers — обработчики, которые подключаются к роутеру.
type Handlers struct {
	Entitlement  *entitlement.Handler
	Subscription *subscription.Handler
	GDPR         *gdpr.Handler
	Webhook      *webhook.Handler
	Health       *health.Handler
}

// Middlewares — middleware аутентифицированной группы.
type Middlewares struct {
	Tokens      middlewarectx.TokenParser
	Users       middlewarectx.UserStore
	RateLimiter *middlewarectx.RateLimiter
}

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, h Handlers, mw Middlewares) {
	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
		metrics.Middleware,
	)

	r.Get("/health/live", h.Health.Live)
	r.Get("/health", h.Health.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		// Вебхук провайдера подписан и не требует JWT
		r.Method(http.MethodPost, "/webhooks/stripe", h.Webhook)

		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.JWTMiddleware(mw.Tokens, logger))
			r.Use(middlewarectx.EnsureUserMiddleware(logger, mw.Users))
			r.Use(mw.RateLimiter.Middleware(logger))

			r.Get("/entitlements", h.Entitlement.Snapshot)
			r.Get("/entitlements/{resource}", h.Entitlement.Remaining)
			r.Post("/usage", h.Entitlement.RecordUsage)
			r.Post("/jobs", h.Entitlement.AdmitJob)

			r.Route("/subscription", func(r chi.Router) {
				r.Get("/", h.Subscription.Current)
				r.Post("/upgrade", h.Subscription.Upgrade)
				r.Post("/cancel", h.Subscription.Cancel)
				r.Post("/reactivate", h.Subscription.Reactivate)
				r.Post("/portal", h.Subscription.Portal)
			})

			r.Route("/gdpr", func(r chi.Router) {
				r.Get("/consents", h.GDPR.Consents)
				r.Get("/consents/history", h.GDPR.ConsentHistory)
				r.Put("/consents/{type}", h.GDPR.UpdateConsent)
				r.Post("/exports", h.GDPR.RequestExport)
				r.Get("/exports/{id}", h.GDPR.ExportStatus)
				r.Get("/exports/{id}/download", h.GDPR.Download)
				r.Post("/deletion", h.GDPR.RequestDeletion)
				r.Get("/deletion", h.GDPR.DeletionStatus)
				r.Delete("/deletion", h.GDPR.RescindDeletion)
			})
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
