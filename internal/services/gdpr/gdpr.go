// Package gdpr обслуживает запросы субъектов данных: согласия на обработку,
// выгрузку данных и удаление с льготным периодом. Каждое действие пишется
// в журнал аудита в той же транзакции, что и изменение.
package gdpr

import (
	"context"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/entitlement-engine/internal/config"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/clock"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
	"github.com/magabrotheeeer/entitlement-engine/internal/services/subscription"
)

// Repository определяет методы хранилища, нужные GDPR-сервису.
type Repository interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	SubscriptionHistory(ctx context.Context, userID string) ([]models.Subscription, error)
	UsageRecords(ctx context.Context, userID string) ([]models.UsageRecord, error)
	AuditEntries(ctx context.Context, userID string) ([]models.AuditEntry, error)

	Consents(ctx context.Context, userID string) ([]models.Consent, error)
	UpsertConsent(ctx context.Context, change models.ConsentChange, audit models.AuditEntry) (models.ConsentChange, error)
	ConsentHistory(ctx context.Context, userID string) ([]models.ConsentChange, error)

	CreateExportRequest(ctx context.Context, r models.DataExportRequest, audit models.AuditEntry) error
	ExportRequest(ctx context.Context, userID, id string) (*models.DataExportRequest, error)
	ClaimExports(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.DataExportRequest, error)
	CompleteExport(ctx context.Context, r models.DataExportRequest, audit models.AuditEntry) error
	FailExport(ctx context.Context, r models.DataExportRequest, lastError string, retryable bool) error
	MarkExportDelivered(ctx context.Context, id string, at time.Time, audit models.AuditEntry) error
	ExpiredExports(ctx context.Context, now time.Time, limit int) ([]models.DataExportRequest, error)
	ExpireExport(ctx context.Context, id string) error
	ExportArtifactKeys(ctx context.Context, userID string) ([]string, error)

	CreateDeletionRequest(ctx context.Context, r models.DataDeletionRequest, audit models.AuditEntry) error
	LatestDeletionRequest(ctx context.Context, userID string) (*models.DataDeletionRequest, error)
	RescindDeletion(ctx context.Context, userID string, at time.Time, audit models.AuditEntry) (*models.DataDeletionRequest, error)
	ClaimDueDeletions(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.DataDeletionRequest, error)
	ExecuteErasureStep(ctx context.Context, requestID string, step models.ErasureStep, subject models.ErasureSubject, at time.Time) error
	CompleteDeletion(ctx context.Context, requestID string, at time.Time, audit models.AuditEntry) error
}

// ObjectStore хранит документы выгрузок.
type ObjectStore interface {
	ExportKey(userID, requestID, format string) string
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Notifier доставляет письма пользователю.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Subscriptions отменяет платную подписку перед стиранием данных.
type Subscriptions interface {
	Cancel(ctx context.Context, principal models.Principal, atPeriodEnd bool) (subscription.Outcome, error)
}

// Invalidator сбрасывает кешированный снимок прав.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string)
}

// Policy — сроки и ключи GDPR-процессов.
type Policy struct {
	GracePeriod       time.Duration
	ExportExpiry      time.Duration
	ExportMaxAttempts int
	ExecutingLease    time.Duration
	BatchSize         int
	ErasureKey        []byte
	PolicyVersion     string
}

// PolicyFromConfig собирает политику из конфигурации.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		GracePeriod:       cfg.DeletionGracePeriod,
		ExportExpiry:      cfg.ExportExpiry,
		ExportMaxAttempts: cfg.ExportMaxAttempts,
		ExecutingLease:    cfg.ExecutingLease,
		BatchSize:         cfg.BatchSize,
		ErasureKey:        []byte(cfg.ErasureKey),
		PolicyVersion:     cfg.PrivacyPolicyVersion,
	}
}

// Service — менеджер жизненного цикла GDPR-запросов.
type Service struct {
	repo     Repository
	store    ObjectStore
	notifier Notifier
	subs     Subscriptions
	cache    Invalidator
	clock    clock.Clock
	policy   Policy
	log      *slog.Logger
}

// New создаёт GDPR-сервис.
func New(repo Repository, store ObjectStore, notifier Notifier, subs Subscriptions, cache Invalidator,
	clk clock.Clock, policy Policy, log *slog.Logger) *Service {
	if policy.BatchSize <= 0 {
		policy.BatchSize = 100
	}
	if policy.ExportMaxAttempts <= 0 {
		policy.ExportMaxAttempts = 3
	}
	return &Service{
		repo:     repo,
		store:    store,
		notifier: notifier,
		subs:     subs,
		cache:    cache,
		clock:    clk,
		policy:   policy,
		log:      log,
	}
}

func (s *Service) notify(ctx context.Context, n models.Notification) {
	if n.Email == "" {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("failed to publish notification",
			slog.String("type", n.Type), slog.String("user_id", n.UserID), slog.String("error", err.Error()))
	}
}

// emailOf возвращает адрес для писем. У обезличенного пользователя адреса нет.
func (s *Service) emailOf(ctx context.Context, userID string) string {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil || user.AnonymizedAt != nil {
		return ""
	}
	return user.Email
}
