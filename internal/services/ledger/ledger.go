// Package ledger ведёт учёт потребления ресурсов и отвечает, укладывается ли
// действие пользователя в лимиты его тарифа прямо сейчас.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/magabrotheeeer/entitlement-engine/internal/config"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/clock"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/month"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-engine/internal/metrics"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

// Repository — хранилище записей потребления.
type Repository interface {
	ActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
	AppendWithinLimit(ctx context.Context, rec models.UsageRecord, cycle models.Cycle,
		check func(used int64) error) (models.UsageRecord, int64, error)
	UsageSum(ctx context.Context, userID string, kind models.ResourceKind, cycle models.Cycle) (int64, error)
	ReverseUsage(ctx context.Context, original models.UsageRecord, cycle models.Cycle, at time.Time) (models.UsageRecord, error)
}

// Cache хранит снимки прав. Решения о допуске кеш не читают.
type Cache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// Processor принимает задание на обработку видео.
type Processor interface {
	Submit(ctx context.Context, userID string, job models.JobDescriptor, usageID int64) (models.JobHandle, error)
}

// Notifier доставляет уведомления пользователю.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Limits — лимиты бесплатного тарифа в тысячных единицы.
type Limits struct {
	Free             map[models.ResourceKind]int64
	MaxVideoDuration time.Duration
	MaxResolution    int
	WarningRatio     float64
}

// LimitsFromConfig переводит тарифную политику в лимиты.
func LimitsFromConfig(cfg config.Policy) (Limits, error) {
	const op = "ledger.LimitsFromConfig"

	minutes, err := models.FromUnits(cfg.FreeProcessingMinutes)
	if err != nil {
		return Limits{}, fmt.Errorf("%s: %w", op, err)
	}
	calls, err := models.FromUnits(cfg.FreeAPICalls)
	if err != nil {
		return Limits{}, fmt.Errorf("%s: %w", op, err)
	}
	return Limits{
		Free: map[models.ResourceKind]int64{
			models.ResourceProcessingMinutes: minutes,
			models.ResourceAPICalls:          calls,
		},
		MaxVideoDuration: cfg.FreeMaxVideoDuration,
		MaxResolution:    cfg.FreeMaxResolution,
		WarningRatio:     cfg.UsageWarningRatio,
	}, nil
}

// Service — учёт потребления и проверка лимитов.
type Service struct {
	repo      Repository
	cache     Cache
	processor Processor
	notifier  Notifier
	clock     clock.Clock
	limits    Limits
	ttl       time.Duration
	group     singleflight.Group
	log       *slog.Logger
}

// New создаёт сервис учёта.
func New(repo Repository, cache Cache, processor Processor, notifier Notifier,
	clk clock.Clock, limits Limits, ttl time.Duration, log *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		cache:     cache,
		processor: processor,
		notifier:  notifier,
		clock:     clk,
		limits:    limits,
		ttl:       ttl,
		log:       log,
	}
}

// plan — тариф и расчётный период пользователя на момент now.
type plan struct {
	tier  models.Tier
	cycle models.Cycle
}

func (s *Service) planFor(ctx context.Context, userID string, now time.Time) (plan, error) {
	sub, err := s.repo.ActiveSubscription(ctx, userID)
	if err != nil {
		return plan{}, err
	}
	if sub.Entitled(now) {
		if month.Covers(sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now) {
			return plan{tier: models.TierPremium, cycle: models.Cycle{Start: sub.CurrentPeriodStart, End: sub.CurrentPeriodEnd}}, nil
		}
		// продление ещё не подтверждено провайдером
		start, end := month.Window(now)
		return plan{tier: models.TierPremium, cycle: models.Cycle{Start: start, End: end}}, nil
	}
	start, end := month.Window(now)
	return plan{tier: models.TierFree, cycle: models.Cycle{Start: start, End: end}}, nil
}

func (s *Service) limitFor(tier models.Tier, kind models.ResourceKind) models.Quantity {
	if tier == models.TierPremium {
		return models.UnlimitedQuantity()
	}
	return models.Limited(s.limits.Free[kind])
}

// RecordUsage атомарно проверяет лимит и добавляет запись потребления.
// amount задаётся в тысячных единицы.
func (s *Service) RecordUsage(ctx context.Context, userID string, kind models.ResourceKind,
	amount int64, occurredAt time.Time) (models.UsageRecord, error) {
	const op = "ledger.RecordUsage"
	log := s.log.With(sl.Op(op), sl.UserID(userID), slog.String("resource", string(kind)))

	if amount <= 0 {
		return models.UsageRecord{}, fmt.Errorf("%s: %w", op, apperr.Validation("amount must be positive"))
	}
	if _, err := models.ParseResourceKind(string(kind)); err != nil {
		return models.UsageRecord{}, fmt.Errorf("%s: %w", op, apperr.Validation("%s", err.Error()))
	}

	now := s.clock.Now()
	if occurredAt.IsZero() {
		occurredAt = now
	}
	p, err := s.planFor(ctx, userID, now)
	if err != nil {
		return models.UsageRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	if !month.Contains(p.cycle.Start, p.cycle.End, occurredAt) {
		return models.UsageRecord{}, fmt.Errorf("%s: %w", op,
			apperr.Validation("occurred_at %s is outside the current cycle", occurredAt.Format(time.RFC3339)))
	}

	limit := s.limitFor(p.tier, kind)
	check := func(used int64) error {
		if !limit.Minus(used).Allows(amount) {
			return &apperr.QuotaError{Resource: string(kind), Limit: limit.Milli, Used: used, Requested: amount}
		}
		return nil
	}

	rec, used, err := s.repo.AppendWithinLimit(ctx, models.UsageRecord{
		UserID:       userID,
		ResourceKind: kind,
		Amount:       amount,
		OccurredAt:   occurredAt,
		RecordedAt:   now,
	}, p.cycle, check)
	if err != nil {
		if errors.Is(err, apperr.ErrQuotaExceeded) {
			metrics.QuotaRejections.WithLabelValues(string(kind)).Inc()
			log.Info("usage rejected by quota", slog.Int64("amount", amount))
		}
		return models.UsageRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	metrics.UsageRecorded.WithLabelValues(string(kind), string(p.tier)).Add(float64(amount) / float64(models.MilliPerUnit))

	s.invalidate(ctx, userID)
	if !limit.Unlimited {
		s.notifyThresholds(ctx, userID, kind, limit.Milli, used-amount, used)
	}
	return rec, nil
}

// RemainingQuota возвращает остаток ресурса в текущем периоде.
func (s *Service) RemainingQuota(ctx context.Context, userID string, kind models.ResourceKind) (models.Quantity, error) {
	const op = "ledger.RemainingQuota"

	if _, err := models.ParseResourceKind(string(kind)); err != nil {
		return models.Quantity{}, fmt.Errorf("%s: %w", op, apperr.Validation("%s", err.Error()))
	}
	p, err := s.planFor(ctx, userID, s.clock.Now())
	if err != nil {
		return models.Quantity{}, fmt.Errorf("%s: %w", op, err)
	}
	used, err := s.repo.UsageSum(ctx, userID, kind, p.cycle)
	if err != nil {
		return models.Quantity{}, fmt.Errorf("%s: %w", op, err)
	}
	return s.limitFor(p.tier, kind).Minus(used), nil
}

// Snapshot возвращает права пользователя по всем ресурсам. Тёплый снимок
// отдаётся из кеша, параллельные промахи собираются в один запрос к базе.
func (s *Service) Snapshot(ctx context.Context, userID string) (models.Entitlements, error) {
	const op = "ledger.Snapshot"
	key := models.EntitlementsCacheKey(userID)

	var cached models.Entitlements
	found, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		s.log.Warn("failed to read entitlements cache", sl.Op(op), sl.Err(err))
	}
	if found {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return cached, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	v, err, _ := s.group.Do(key, func() (any, error) {
		snap, err := s.buildSnapshot(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, key, snap, s.ttl); err != nil {
			s.log.Warn("failed to cache entitlements", sl.Op(op), sl.Err(err))
		}
		return snap, nil
	})
	if err != nil {
		return models.Entitlements{}, fmt.Errorf("%s: %w", op, err)
	}
	return v.(models.Entitlements), nil
}

func (s *Service) buildSnapshot(ctx context.Context, userID string) (models.Entitlements, error) {
	p, err := s.planFor(ctx, userID, s.clock.Now())
	if err != nil {
		return models.Entitlements{}, err
	}
	snap := models.Entitlements{UserID: userID, Tier: p.tier, Cycle: p.cycle}
	for _, kind := range models.AllResourceKinds() {
		used, err := s.repo.UsageSum(ctx, userID, kind, p.cycle)
		if err != nil {
			return models.Entitlements{}, err
		}
		limit := s.limitFor(p.tier, kind)
		snap.Resources = append(snap.Resources, models.Entitlement{
			Resource:  kind,
			Limit:     limit,
			Used:      used,
			Remaining: limit.Minus(used),
		})
	}
	return snap, nil
}

// AdmitJob проверяет ограничения тарифа на одно видео, списывает минуты
// обработки и передаёт задание обработчику. Если обработчик отказал,
// списание сторнируется.
func (s *Service) AdmitJob(ctx context.Context, principal models.Principal, job models.JobDescriptor) (models.JobHandle, error) {
	const op = "ledger.AdmitJob"
	log := s.log.With(sl.Op(op), sl.UserID(principal.UserID), slog.String("request_id", principal.RequestID))

	if job.Duration <= 0 {
		return models.JobHandle{}, fmt.Errorf("%s: %w", op, apperr.Validation("duration must be positive"))
	}
	if job.Resolution <= 0 {
		return models.JobHandle{}, fmt.Errorf("%s: %w", op, apperr.Validation("resolution must be positive"))
	}

	now := s.clock.Now()
	p, err := s.planFor(ctx, principal.UserID, now)
	if err != nil {
		return models.JobHandle{}, fmt.Errorf("%s: %w", op, err)
	}
	if p.tier == models.TierFree {
		if job.Duration > s.limits.MaxVideoDuration {
			return models.JobHandle{}, fmt.Errorf("%s: %w: video longer than %s", op, apperr.ErrTierRestricted, s.limits.MaxVideoDuration)
		}
		if job.Resolution > s.limits.MaxResolution {
			return models.JobHandle{}, fmt.Errorf("%s: %w: resolution above %dp", op, apperr.ErrTierRestricted, s.limits.MaxResolution)
		}
	}

	minutes, err := models.FromUnits(job.Duration.Minutes())
	if err != nil {
		return models.JobHandle{}, fmt.Errorf("%s: %w", op, apperr.Validation("%s", err.Error()))
	}
	if minutes == 0 {
		minutes = 1
	}
	rec, err := s.RecordUsage(ctx, principal.UserID, models.ResourceProcessingMinutes, minutes, now)
	if err != nil {
		return models.JobHandle{}, fmt.Errorf("%s: %w", op, err)
	}

	handle, err := s.processor.Submit(ctx, principal.UserID, job, rec.ID)
	if err != nil {
		log.Error("processor rejected job, reversing usage", slog.Int64("usage_id", rec.ID), sl.Err(err))
		rctx := context.WithoutCancel(ctx)
		if _, rerr := s.repo.ReverseUsage(rctx, rec, p.cycle, s.clock.Now()); rerr != nil {
			log.Error("failed to reverse usage", slog.Int64("usage_id", rec.ID), sl.Err(rerr))
		}
		s.invalidate(rctx, principal.UserID)
		return models.JobHandle{}, fmt.Errorf("%s: %w", op, apperr.Retryable(err))
	}
	handle.UsageID = rec.ID

	log.Info("job admitted", slog.String("job_id", handle.ID), slog.Int64("minutes_milli", minutes))
	return handle, nil
}

// Invalidate сбрасывает кешированный снимок прав пользователя.
func (s *Service) Invalidate(ctx context.Context, userID string) {
	s.invalidate(ctx, userID)
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if err := s.cache.Invalidate(ctx, models.EntitlementsCacheKey(userID)); err != nil {
		s.log.Warn("failed to invalidate entitlements cache", sl.UserID(userID), sl.Err(err))
	}
}

// notifyThresholds отправляет предупреждение при пересечении порога и
// уведомление о достижении лимита. Каждое пересечение сообщается один раз.
func (s *Service) notifyThresholds(ctx context.Context, userID string, kind models.ResourceKind, limit, before, after int64) {
	if limit <= 0 {
		return
	}
	warnAt := int64(math.Ceil(float64(limit) * s.limits.WarningRatio))

	var kindOf string
	switch {
	case before < limit && after >= limit:
		kindOf = models.NotificationUsageExceeded
	case before < warnAt && after >= warnAt:
		kindOf = models.NotificationUsageWarning
	default:
		return
	}

	var email string
	if user, err := s.repo.GetUser(ctx, userID); err == nil {
		email = user.Email
	}
	n := models.Notification{
		Type:   kindOf,
		UserID: userID,
		Email:  email,
		Data: map[string]string{
			"resource": string(kind),
			"used":     models.FormatMilli(after),
			"limit":    models.FormatMilli(limit),
		},
		OccurredAt: s.clock.Now(),
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("failed to publish usage notification", sl.UserID(userID), slog.String("type", kindOf), sl.Err(err))
	}
}
