package entitlementengine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"golang.org/x/sync/errgroup"

	"github.com/magabrotheeeer/entitlement-engine/internal/app/core"
	"github.com/magabrotheeeer/entitlement-engine/internal/config"
	"github.com/magabrotheeeer/entitlement-engine/internal/http/handlers/entitlement"
	"github.com/magabrotheeeer/entitlement-engine/internal/http/handlers/gdpr"
	"github.com/magabrotheeeer/entitlement-engine/internal/http/handlers/health"
	"github.com/magabrotheeeer/entitlement-engine/internal/http/handlers/subscription"
	"github.com/magabrotheeeer/entitlement-engine/internal/http/handlers/webhook"
	"github.com/magabrotheeeer/entitlement-engine/internal/http/middlewarectx"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/jwt"
	"github.com/magabrotheeeer/entitlement-engine/internal/migrations"
)

// App — HTTP API движка.
type App struct {
	server *http.Server
	logger *slog.Logger
	core   *core.Core
}

// New создает приложение: применяет миграции и собирает маршруты.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	c, err := core.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err = migrations.Run(c.Storage.DB, cfg.MigrationsPath); err != nil {
		c.Close()
		return nil, err
	}

	limiter, err := middlewarectx.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	if err != nil {
		c.Close()
		return nil, err
	}

	router := chi.NewRouter()
	RegisterRoutes(router, logger, Handlers{
		Entitlement:  entitlement.New(logger, c.Ledger),
		Subscription: subscription.New(logger, c.Subscriptions),
		GDPR:         gdpr.New(logger, c.GDPR),
		Webhook:      webhook.New(logger, c.Webhooks),
		Health: health.New(logger, 2*time.Second, map[string]health.Check{
			"postgres": c.Storage.DB.PingContext,
			"redis":    c.Cache.Ping,
			"s3":       c.Objects.HealthCheck,
		}),
	}, Middlewares{
		Tokens:      jwt.NewJWTMaker(cfg.JWTSecretKey, cfg.TokenTTL),
		Users:       c.Storage,
		RateLimiter: limiter,
	})

	srv := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		server: srv,
		logger: logger,
		core:   c,
	}, nil
}

// Run обслуживает запросы до отмены ctx, затем корректно останавливает сервер.
func (a *App) Run(ctx context.Context) error {
	defer a.core.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		return a.server.Shutdown(timeoutCtx)
	})
	return g.Wait()
}
