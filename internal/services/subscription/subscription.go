// Package subscription ведёт жизненный цикл подписки пользователя: применяет
// события провайдера, действия пользователя и таймеры планировщика к автомату
// состояний и атомарно фиксирует результат вместе с тарифом и событием outbox.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/clock"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-engine/internal/metrics"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
	"github.com/magabrotheeeer/entitlement-engine/internal/paymentprovider"
)

// maxConflictRetries ограничивает повторы при конфликте версий агрегата.
const maxConflictRetries = 5

// Repository определяет методы хранилища, нужные сервису подписок.
type Repository interface {
	EnsureUser(ctx context.Context, userID, email string) error
	GetUser(ctx context.Context, userID string) (*models.User, error)
	UserByCustomerID(ctx context.Context, customerID string) (*models.User, error)
	SetCustomerID(ctx context.Context, userID, customerID string) error
	ActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	SubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)
	CancelingDue(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	PastDueExpired(ctx context.Context, windowStart time.Time, maxAttempts, limit int) ([]models.Subscription, error)
	ApplyTransition(ctx context.Context, rec models.TransitionRecord) error
}

// Provider — исходящий клиент биллинг-провайдера.
type Provider interface {
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateSubscription(ctx context.Context, userID, customerID, paymentMethodID string) (paymentprovider.Result, error)
	CancelSubscription(ctx context.Context, externalID string) (paymentprovider.Result, error)
	SetCancelAtPeriodEnd(ctx context.Context, externalID string, cancel bool) (paymentprovider.Result, error)
	BillingPortalURL(ctx context.Context, customerID, returnURL string) (string, error)
}

// Invalidator сбрасывает кешированный снимок прав после перехода.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string)
}

// Outcome — зафиксированный переход.
type Outcome struct {
	From         models.SubscriptionStatus `json:"from"`
	To           models.SubscriptionStatus `json:"to"`
	Subscription models.Subscription       `json:"subscription"`
}

// UpgradeResult — итог запроса на переход на премиум.
type UpgradeResult struct {
	ExternalID   string                    `json:"external_subscription_id"`
	Status       string                    `json:"provider_status"`
	Subscription *models.Subscription      `json:"subscription,omitempty"`
	State        models.SubscriptionStatus `json:"status"`
}

// Service — сервис жизненного цикла подписок.
type Service struct {
	repo      Repository
	provider  Provider
	cache     Invalidator
	clock     clock.Clock
	policy    Policy
	batchSize int
	returnURL string
	log       *slog.Logger
}

// New создаёт сервис подписок.
func New(repo Repository, provider Provider, cache Invalidator, clk clock.Clock,
	policy Policy, batchSize int, returnURL string, log *slog.Logger) *Service {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Service{
		repo:      repo,
		provider:  provider,
		cache:     cache,
		clock:     clk,
		policy:    policy,
		batchSize: batchSize,
		returnURL: returnURL,
		log:       log,
	}
}

// Apply применяет событие к подписке пользователя.
func (s *Service) Apply(ctx context.Context, userID string, ev models.SubscriptionEvent) (Outcome, error) {
	return s.apply(ctx, userID, func(*models.Subscription) (models.SubscriptionEvent, error) {
		return ev, nil
	})
}

// apply загружает агрегат, строит событие по его текущему состоянию, решает
// переход и фиксирует его. При конфликте версий всё повторяется с чтения.
func (s *Service) apply(ctx context.Context, userID string,
	build func(current *models.Subscription) (models.SubscriptionEvent, error)) (Outcome, error) {
	const op = "subscription.Apply"
	log := s.log.With(sl.Op(op), sl.UserID(userID))

	for attempt := 1; ; attempt++ {
		current, err := s.repo.ActiveSubscription(ctx, userID)
		if err != nil {
			return Outcome{}, fmt.Errorf("%s: %w", op, err)
		}
		ev, err := build(current)
		if err != nil {
			return Outcome{}, fmt.Errorf("%s: %w", op, err)
		}
		ev.UserID = userID

		now := s.clock.Now()
		d, err := Decide(current, ev, now, s.policy)
		if err != nil {
			log.Info("event ignored", slog.String("event", ev.Kind.String()), slog.String("reason", err.Error()))
			return Outcome{From: current.State(), To: current.State()}, fmt.Errorf("%s: %w", op, err)
		}

		rec, err := transitionRecord(current, d, ev)
		if err != nil {
			return Outcome{}, fmt.Errorf("%s: %w", op, err)
		}
		err = s.repo.ApplyTransition(ctx, rec)
		switch {
		case err == nil:
		case errors.Is(err, apperr.ErrConflict) && attempt < maxConflictRetries:
			log.Warn("version conflict, retrying", slog.Int("attempt", attempt))
			continue
		case errors.Is(err, apperr.ErrConflict):
			return Outcome{}, fmt.Errorf("%s: %w", op, apperr.Retryable(err))
		default:
			return Outcome{}, fmt.Errorf("%s: %w", op, err)
		}

		metrics.SubscriptionTransitions.WithLabelValues(string(d.From), string(d.To), ev.Kind.String()).Inc()
		s.cache.Invalidate(ctx, userID)
		log.Info("subscription transition applied",
			slog.String("from", string(d.From)),
			slog.String("to", string(d.To)),
			slog.String("event", ev.Kind.String()),
			slog.String("subscription_id", d.Next.ID),
		)
		return Outcome{From: d.From, To: d.To, Subscription: d.Next}, nil
	}
}

func transitionRecord(current *models.Subscription, d Decision, ev models.SubscriptionEvent) (models.TransitionRecord, error) {
	payload, err := json.Marshal(map[string]any{
		"subscription_id":          d.Next.ID,
		"user_id":                  d.Next.UserID,
		"from":                     d.From,
		"to":                       d.To,
		"event":                    ev.Kind.String(),
		"source":                   ev.Source,
		"current_period_end":       d.Next.CurrentPeriodEnd,
		"external_subscription_id": d.Next.ExternalSubscriptionID,
	})
	if err != nil {
		return models.TransitionRecord{}, err
	}
	rec := models.TransitionRecord{
		Subscription: d.Next,
		Insert:       d.Insert,
		Tier:         models.TierFor(d.To),
		Event: models.OutboxEvent{
			AggregateID: d.Next.ID,
			UserID:      d.Next.UserID,
			EventType:   "subscription." + string(d.To),
			Payload:     payload,
			CreatedAt:   d.Next.UpdatedAt,
		},
		BillingEventID: ev.BillingEventID,
	}
	if current != nil {
		rec.ExpectedVersion = current.Version
	}
	return rec, nil
}

// ApplyProviderEvent сопоставляет разобранное событие провайдера с
// пользователем и событием автомата и применяет его.
func (s *Service) ApplyProviderEvent(ctx context.Context, kind models.BillingEventKind) (Outcome, error) {
	const op = "subscription.ApplyProviderEvent"

	if _, ok := kind.(models.UnhandledEvent); ok {
		return Outcome{}, fmt.Errorf("%s: %w", op, apperr.Ignored("unhandled event type %s", kind.EventType()))
	}
	userID, err := s.resolveUser(ctx, kind)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	out, err := s.apply(ctx, userID, func(current *models.Subscription) (models.SubscriptionEvent, error) {
		return eventFor(kind, current)
	})
	if err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// resolveUser находит пользователя по метаданным, внешнему id подписки или
// id клиента у провайдера.
func (s *Service) resolveUser(ctx context.Context, kind models.BillingEventKind) (string, error) {
	var metaUser, subID, customerID string
	switch e := kind.(type) {
	case models.SubscriptionCreated:
		metaUser, subID, customerID = e.Subscription.UserID, e.Subscription.ID, e.Subscription.CustomerID
	case models.SubscriptionUpdated:
		metaUser, subID, customerID = e.Subscription.UserID, e.Subscription.ID, e.Subscription.CustomerID
	case models.SubscriptionDeleted:
		metaUser, subID, customerID = e.Subscription.UserID, e.Subscription.ID, e.Subscription.CustomerID
	case models.InvoicePaymentSucceeded:
		subID, customerID = e.Invoice.SubscriptionID, e.Invoice.CustomerID
	case models.InvoicePaymentFailed:
		subID, customerID = e.Invoice.SubscriptionID, e.Invoice.CustomerID
	case models.UnhandledEvent:
		return "", apperr.Ignored("unhandled event type %s", e.Type)
	default:
		panic(fmt.Sprintf("subscription: unexpected billing event %T", kind))
	}

	if metaUser != "" {
		return metaUser, nil
	}
	if subID != "" {
		sub, err := s.repo.SubscriptionByExternalID(ctx, subID)
		if err != nil {
			return "", err
		}
		if sub != nil {
			return sub.UserID, nil
		}
	}
	if customerID != "" {
		user, err := s.repo.UserByCustomerID(ctx, customerID)
		if err == nil {
			return user.ID, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return "", err
		}
	}
	return "", apperr.Ignored("no local user for %s", kind.EventID())
}

// eventFor переводит событие провайдера в событие автомата. Первое успешное
// списание и снимок активной подписки активируют её, если локальной ещё нет.
func eventFor(kind models.BillingEventKind, current *models.Subscription) (models.SubscriptionEvent, error) {
	ev := models.SubscriptionEvent{
		Source:         models.SourceProvider,
		OccurredAt:     kind.Created(),
		BillingEventID: kind.EventID(),
	}
	none := current.State() == models.StatusNone

	fromSubscription := func(ps models.ProviderSubscription) {
		ev.ExternalSubscriptionID = ps.ID
		ev.ExternalCustomerID = ps.CustomerID
		ev.PeriodStart = ps.PeriodStart
		ev.PeriodEnd = ps.PeriodEnd
		ev.CancelAtPeriodEnd = ps.CancelAtPeriodEnd
	}

	switch e := kind.(type) {
	case models.SubscriptionCreated:
		fromSubscription(e.Subscription)
		if !providerActive(e.Subscription.Status) {
			return ev, apperr.Ignored("subscription created in status %s", e.Subscription.Status)
		}
		ev.Kind = models.EventActivated
	case models.SubscriptionUpdated:
		fromSubscription(e.Subscription)
		switch {
		case e.Subscription.Status == "canceled":
			ev.Kind = models.EventProviderDeleted
		case none && providerActive(e.Subscription.Status):
			ev.Kind = models.EventActivated
		case providerDelinquent(e.Subscription.Status) && current.State() != models.StatusPastDue:
			// снимок с неоплатой равносилен отказу списания
			ev.Kind = models.EventPaymentFailed
		default:
			ev.Kind = models.EventProviderUpdated
		}
	case models.SubscriptionDeleted:
		fromSubscription(e.Subscription)
		ev.Kind = models.EventProviderDeleted
	case models.InvoicePaymentSucceeded:
		ev.ExternalSubscriptionID = e.Invoice.SubscriptionID
		ev.ExternalCustomerID = e.Invoice.CustomerID
		ev.PeriodStart = e.Invoice.PeriodStart
		ev.PeriodEnd = e.Invoice.PeriodEnd
		ev.Kind = models.EventPaymentSucceeded
		if none {
			ev.Kind = models.EventActivated
		}
	case models.InvoicePaymentFailed:
		ev.ExternalSubscriptionID = e.Invoice.SubscriptionID
		ev.ExternalCustomerID = e.Invoice.CustomerID
		ev.Kind = models.EventPaymentFailed
	case models.UnhandledEvent:
		return ev, apperr.Ignored("unhandled event type %s", e.Type)
	default:
		panic(fmt.Sprintf("subscription: unexpected billing event %T", kind))
	}
	if ev.Kind == models.EventActivated && ev.ExternalSubscriptionID == "" {
		return ev, apperr.Ignored("payment without subscription")
	}
	return ev, nil
}

func providerActive(status string) bool {
	return status == "active" || status == "trialing"
}

func providerDelinquent(status string) bool {
	return status == "past_due" || status == "unpaid"
}

// Upgrade оформляет премиум-подписку у провайдера. Подписка активируется
// сразу, если провайдер ответил active, иначе по вебхуку.
func (s *Service) Upgrade(ctx context.Context, principal models.Principal, paymentMethodID string) (UpgradeResult, error) {
	const op = "subscription.Upgrade"
	log := s.log.With(sl.Op(op), sl.UserID(principal.UserID), slog.String("request_id", principal.RequestID))

	if paymentMethodID == "" {
		return UpgradeResult{}, fmt.Errorf("%s: %w", op, apperr.Validation("payment method is required"))
	}
	if err := s.repo.EnsureUser(ctx, principal.UserID, principal.Email); err != nil {
		return UpgradeResult{}, fmt.Errorf("%s: %w", op, err)
	}
	current, err := s.repo.ActiveSubscription(ctx, principal.UserID)
	if err != nil {
		return UpgradeResult{}, fmt.Errorf("%s: %w", op, err)
	}
	if current != nil {
		return UpgradeResult{}, fmt.Errorf("%s: %w: subscription is %s", op, apperr.ErrConflict, current.Status)
	}

	user, err := s.repo.GetUser(ctx, principal.UserID)
	if err != nil {
		return UpgradeResult{}, fmt.Errorf("%s: %w", op, err)
	}
	customerID := user.StripeCustomerID
	if customerID == "" {
		customerID, err = s.provider.CreateCustomer(ctx, user.ID, user.Email)
		if err != nil {
			return UpgradeResult{}, fmt.Errorf("%s: %w", op, err)
		}
		if err := s.repo.SetCustomerID(ctx, user.ID, customerID); err != nil {
			return UpgradeResult{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	res, err := s.provider.CreateSubscription(ctx, user.ID, customerID, paymentMethodID)
	if err != nil {
		return UpgradeResult{}, fmt.Errorf("%s: %w", op, err)
	}
	log.Info("provider subscription created", slog.String("external_id", res.ExternalID), slog.String("status", res.Status))

	result := UpgradeResult{ExternalID: res.ExternalID, Status: res.Status, State: models.StatusNone}
	if !providerActive(res.Status) {
		return result, nil
	}
	out, err := s.Apply(ctx, user.ID, models.SubscriptionEvent{
		Kind:                   models.EventActivated,
		Source:                 models.SourceUser,
		OccurredAt:             s.clock.Now(),
		ExternalSubscriptionID: res.ExternalID,
		ExternalCustomerID:     customerID,
		PeriodStart:            res.PeriodStart,
		PeriodEnd:              res.PeriodEnd,
	})
	switch {
	case err == nil:
		result.Subscription = &out.Subscription
		result.State = out.To
	case apperr.IsBenign(err):
		// вебхук успел активировать подписку раньше
		result.State = out.To
	default:
		return result, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// Cancel отменяет подписку: в конце оплаченного периода или немедленно.
func (s *Service) Cancel(ctx context.Context, principal models.Principal, atPeriodEnd bool) (Outcome, error) {
	const op = "subscription.Cancel"

	current, err := s.requireCurrent(ctx, principal.UserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	kind := models.EventCancelRequested
	if atPeriodEnd {
		if current.Status != models.StatusActive {
			return Outcome{}, fmt.Errorf("%s: %w", op, apperr.Ignored("cannot cancel at period end in %s", current.Status))
		}
		_, err = s.provider.SetCancelAtPeriodEnd(ctx, current.ExternalSubscriptionID, true)
	} else {
		kind = models.EventProviderDeleted
		_, err = s.provider.CancelSubscription(ctx, current.ExternalSubscriptionID)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	out, err := s.Apply(ctx, principal.UserID, models.SubscriptionEvent{
		Kind:       kind,
		Source:     models.SourceUser,
		OccurredAt: s.clock.Now(),
	})
	if err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// Reactivate снимает отмену в конце периода.
func (s *Service) Reactivate(ctx context.Context, principal models.Principal) (Outcome, error) {
	const op = "subscription.Reactivate"

	current, err := s.requireCurrent(ctx, principal.UserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	if current.Status != models.StatusCanceling {
		return Outcome{}, fmt.Errorf("%s: %w", op, apperr.Ignored("nothing to reactivate in %s", current.Status))
	}
	if _, err := s.provider.SetCancelAtPeriodEnd(ctx, current.ExternalSubscriptionID, false); err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	out, err := s.Apply(ctx, principal.UserID, models.SubscriptionEvent{
		Kind:       models.EventReactivated,
		Source:     models.SourceUser,
		OccurredAt: s.clock.Now(),
	})
	if err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// Current возвращает незавершённую подписку пользователя или nil.
func (s *Service) Current(ctx context.Context, userID string) (*models.Subscription, error) {
	const op = "subscription.Current"
	sub, err := s.repo.ActiveSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// BillingPortal возвращает ссылку на портал управления оплатой.
func (s *Service) BillingPortal(ctx context.Context, principal models.Principal, returnURL string) (string, error) {
	const op = "subscription.BillingPortal"

	user, err := s.repo.GetUser(ctx, principal.UserID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if user.StripeCustomerID == "" {
		return "", fmt.Errorf("%s: %w: no billing account", op, apperr.ErrNotFound)
	}
	if returnURL == "" {
		returnURL = s.returnURL
	}
	url, err := s.provider.BillingPortalURL(ctx, user.StripeCustomerID, returnURL)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return url, nil
}

func (s *Service) requireCurrent(ctx context.Context, userID string) (*models.Subscription, error) {
	current, err := s.repo.ActiveSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: no active subscription", apperr.ErrNotFound)
	}
	return current, nil
}

// ExpirePeriods завершает отменяемые подписки, чей период закончился.
func (s *Service) ExpirePeriods(ctx context.Context) (int, error) {
	const op = "subscription.ExpirePeriods"

	now := s.clock.Now()
	due, err := s.repo.CancelingDue(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return s.sweep(ctx, op, due, models.EventPeriodEnded), nil
}

// ExpireRetryWindows завершает просроченные подписки, у которых исчерпаны
// попытки оплаты или истекло окно повторов.
func (s *Service) ExpireRetryWindows(ctx context.Context) (int, error) {
	const op = "subscription.ExpireRetryWindows"

	now := s.clock.Now()
	due, err := s.repo.PastDueExpired(ctx, now.Add(-s.policy.PastDueWindow), s.policy.PastDueMaxAttempts, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return s.sweep(ctx, op, due, models.EventRetryWindowExpired), nil
}

func (s *Service) sweep(ctx context.Context, op string, due []models.Subscription, kind models.SubscriptionEventKind) int {
	var applied int
	for _, sub := range due {
		if ctx.Err() != nil {
			break
		}
		_, err := s.Apply(ctx, sub.UserID, models.SubscriptionEvent{
			Kind:                   kind,
			Source:                 models.SourceScheduler,
			OccurredAt:             s.clock.Now(),
			ExternalSubscriptionID: sub.ExternalSubscriptionID,
		})
		switch {
		case err == nil:
			applied++
		case apperr.IsBenign(err):
		default:
			s.log.Error("sweep transition failed", sl.Op(op), sl.UserID(sub.UserID),
				slog.String("subscription_id", sub.ID), sl.Err(err))
		}
	}
	return applied
}
