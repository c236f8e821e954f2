// Package core собирает общие зависимости приложений движка: хранилище, кеш,
// брокер, объектное хранилище, клиент провайдера и доменные сервисы.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/entitlement-engine/internal/cache"
	"github.com/magabrotheeeer/entitlement-engine/internal/config"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/clock"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/retry"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-engine/internal/paymentprovider"
	"github.com/magabrotheeeer/entitlement-engine/internal/rabbitmq"
	"github.com/magabrotheeeer/entitlement-engine/internal/services/gdpr"
	"github.com/magabrotheeeer/entitlement-engine/internal/services/ledger"
	"github.com/magabrotheeeer/entitlement-engine/internal/services/subscription"
	"github.com/magabrotheeeer/entitlement-engine/internal/services/webhook"
	"github.com/magabrotheeeer/entitlement-engine/internal/storage/objectstore"
	"github.com/magabrotheeeer/entitlement-engine/internal/storage/repository"
)

// Core — общие зависимости HTTP API и планировщика.
type Core struct {
	Storage   *repository.Storage
	Cache     *cache.Cache
	Objects   *objectstore.Store
	Conn      *amqp.Connection
	Channel   *amqp.Channel
	Publisher *rabbitmq.Publisher
	Clock     clock.Clock

	Ledger        *ledger.Service
	Subscriptions *subscription.Service
	Webhooks      *webhook.Service
	GDPR          *gdpr.Service

	logger *slog.Logger
}

func waitForDB(db *repository.Storage) error {
	for range 10 {
		err := repository.CheckDatabaseReady(db)
		if err == nil {
			return nil
		}
		time.Sleep(3 * time.Second)
	}
	return fmt.Errorf("database not ready after retries")
}

// New подключается к внешним системам и создаёт сервисы. При ошибке уже
// открытые соединения закрываются.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Core, err error) {
	c := &Core{Clock: clock.Real{}, logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if c.Storage, err = repository.New(cfg.StorageConnectionString); err != nil {
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	if err = waitForDB(c.Storage); err != nil {
		return nil, err
	}
	if c.Cache, err = cache.InitServer(ctx, cfg.RedisConnection); err != nil {
		return nil, fmt.Errorf("cache not initialized: %w", err)
	}
	if c.Objects, err = objectstore.New(ctx, cfg.S3); err != nil {
		return nil, fmt.Errorf("object store not initialized: %w", err)
	}
	if c.Conn, err = rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay); err != nil {
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}
	if c.Channel, err = rabbitmq.SetupChannel(c.Conn, rabbitmq.Topology()); err != nil {
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}
	c.Publisher = rabbitmq.NewPublisher(c.Channel)

	limits, err := ledger.LimitsFromConfig(cfg.Policy)
	if err != nil {
		return nil, err
	}
	c.Ledger = ledger.New(c.Storage, c.Cache, c.Publisher, c.Publisher, c.Clock, limits, cfg.EntitlementsTTL, logger)

	retryPolicy := retry.NewPolicy(cfg.Retry)
	provider := paymentprovider.NewClient(cfg.Stripe, retryPolicy, logger)
	c.Subscriptions = subscription.New(c.Storage, provider, c.Ledger, c.Clock, subscription.Policy{
		PastDueMaxAttempts: cfg.PastDueMaxAttempts,
		PastDueWindow:      cfg.PastDueWindow,
	}, cfg.BatchSize, cfg.PortalReturnURL, logger)

	verifier := paymentprovider.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance)
	c.Webhooks, err = webhook.New(c.Storage, verifier, c.Subscriptions, c.Publisher, retryPolicy,
		c.Clock, cfg.DedupCacheSize, cfg.BatchSize, logger)
	if err != nil {
		return nil, err
	}

	c.GDPR = gdpr.New(c.Storage, c.Objects, c.Publisher, c.Subscriptions, c.Ledger, c.Clock,
		gdpr.PolicyFromConfig(cfg), logger)

	return c, nil
}

// Close закрывает соединения. Можно вызывать на частично собранном Core.
func (c *Core) Close() {
	if c.Channel != nil {
		if err := c.Channel.Close(); err != nil {
			c.logger.Error("failed to close channel", sl.Err(err))
		}
	}
	if c.Conn != nil {
		if err := c.Conn.Close(); err != nil {
			c.logger.Error("failed to close connection", sl.Err(err))
		}
	}
	if c.Cache != nil {
		if err := c.Cache.Close(); err != nil {
			c.logger.Error("failed to close cache", sl.Err(err))
		}
	}
	if c.Storage != nil {
		if err := c.Storage.DB.Close(); err != nil {
			c.logger.Error("failed to close storage", sl.Err(err))
		}
	}
}
