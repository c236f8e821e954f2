// Package scheduler собирает приложение фоновых проходов: истечение периодов
// подписок, повтор вебхуков, ретранслятор outbox и обработку GDPR-запросов.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/entitlement-engine/internal/app/core"
	"github.com/magabrotheeeer/entitlement-engine/internal/config"
	"github.com/magabrotheeeer/entitlement-engine/internal/services/outbox"
	schedulerservice "github.com/magabrotheeeer/entitlement-engine/internal/services/scheduler"
)

// sweepTimeout ограничивает один проход планировщика.
const sweepTimeout = 5 * time.Minute

// App представляет приложение планировщика.
type App struct {
	schedulerService *schedulerservice.SchedulerService
	jobs             []schedulerservice.Job
	core             *core.Core
	logger           *slog.Logger
}

// New создает новый экземпляр приложения планировщика.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	c, err := core.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var hook outbox.CancelHook
	if cfg.DeleteOnCancel {
		hook = c.GDPR
	}
	relay := outbox.New(c.Storage, c.Publisher, hook, c.Clock, cfg.BatchSize, logger)

	return &App{
		schedulerService: schedulerservice.NewSchedulerService(sweepTimeout, logger),
		jobs:             Jobs(cfg.Scheduler, c, relay),
		core:             c,
		logger:           logger,
	}, nil
}

// Jobs перечисляет фоновые проходы с расписаниями из конфигурации.
func Jobs(cfg config.Scheduler, c *core.Core, relay *outbox.Service) []schedulerservice.Job {
	return []schedulerservice.Job{
		{Name: "subscription.expire_periods", Schedule: cfg.SubscriptionSweep, Run: c.Subscriptions.ExpirePeriods},
		{Name: "subscription.expire_retry_windows", Schedule: cfg.SubscriptionSweep, Run: c.Subscriptions.ExpireRetryWindows},
		{Name: "webhook.retry_pending", Schedule: cfg.WebhookReplay, Run: c.Webhooks.RetryPending},
		{Name: "outbox.relay", Schedule: cfg.OutboxRelay, Run: relay.Relay},
		{Name: "gdpr.process_exports", Schedule: cfg.ExportSweep, Run: c.GDPR.ProcessExports},
		{Name: "gdpr.expire_exports", Schedule: cfg.ExportSweep, Run: c.GDPR.ExpireExports},
		{Name: "gdpr.execute_deletions", Schedule: cfg.DeletionSweep, Run: c.GDPR.ExecuteDueDeletions},
	}
}

// Run запускает планировщик и блокируется до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	defer a.core.Close()

	if err := a.schedulerService.Register(ctx, a.jobs...); err != nil {
		return err
	}
	a.schedulerService.Start(ctx)

	a.logger.Info("shutting down scheduler service")
	return nil
}
