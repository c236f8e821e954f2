// Package webhook принимает уведомления биллинг-провайдера: проверяет подпись,
// отсекает повторные доставки и передаёт события автомату подписок.
// Необработанные из-за временных сбоев события переигрываются планировщиком.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/clock"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/digest"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/retry"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-engine/internal/metrics"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
	"github.com/magabrotheeeer/entitlement-engine/internal/paymentprovider"
	"github.com/magabrotheeeer/entitlement-engine/internal/services/subscription"
)

// Repository — журнал принятых событий провайдера.
type Repository interface {
	RecordBillingEvent(ctx context.Context, ev models.BillingEvent) (*models.BillingEvent, bool, error)
	MarkBillingEventProcessed(ctx context.Context, externalID string, at time.Time) (bool, error)
	MarkBillingEventFailed(ctx context.Context, externalID, lastError string, nextAttemptAt time.Time) (int, error)
	PendingBillingEvents(ctx context.Context, now time.Time, limit int) ([]models.BillingEvent, error)
	MarkBillingEventAlerted(ctx context.Context, externalID string, at time.Time) error
}

// Verifier проверяет подпись тела вебхука.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) error
}

// Subscriptions применяет событие провайдера к подписке.
type Subscriptions interface {
	ApplyProviderEvent(ctx context.Context, kind models.BillingEventKind) (subscription.Outcome, error)
}

// Alerter сообщает оператору о событиях, которые не удалось обработать.
type Alerter interface {
	Alert(ctx context.Context, a models.Alert) error
}

// Service — конвейер приёма вебхуков.
type Service struct {
	repo      Repository
	verifier  Verifier
	subs      Subscriptions
	alerter   Alerter
	policy    *retry.Policy
	clock     clock.Clock
	seen      *lru.Cache[string, struct{}]
	batchSize int
	log       *slog.Logger
}

// New создаёт конвейер. dedupSize — размер LRU недавно обработанных id.
func New(repo Repository, verifier Verifier, subs Subscriptions, alerter Alerter, policy *retry.Policy,
	clk clock.Clock, dedupSize, batchSize int, log *slog.Logger) (*Service, error) {
	const op = "webhook.New"

	if dedupSize <= 0 {
		dedupSize = 4096
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	seen, err := lru.New[string, struct{}](dedupSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Service{
		repo:      repo,
		verifier:  verifier,
		subs:      subs,
		alerter:   alerter,
		policy:    policy,
		clock:     clk,
		seen:      seen,
		batchSize: batchSize,
		log:       log,
	}, nil
}

// Ingest принимает тело вебхука. Ответ провайдеру зависит от ошибки:
// подпись и формат дают 400, временный сбой 503, остальное подтверждается.
func (s *Service) Ingest(ctx context.Context, payload []byte, signatureHeader string) (models.IngestResult, error) {
	const op = "webhook.Ingest"

	if err := s.verifier.Verify(payload, signatureHeader); err != nil {
		metrics.WebhookEvents.WithLabelValues("invalid_signature").Inc()
		return "", fmt.Errorf("%s: %w", op, err)
	}
	kind, err := paymentprovider.ParseEvent(payload)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("malformed").Inc()
		return "", fmt.Errorf("%s: %w", op, err)
	}
	log := s.log.With(sl.Op(op), slog.String("event_id", kind.EventID()), slog.String("type", kind.EventType()))

	if s.seen.Contains(kind.EventID()) {
		metrics.WebhookEvents.WithLabelValues(string(models.IngestDuplicate)).Inc()
		log.Debug("duplicate delivery")
		return models.IngestDuplicate, nil
	}

	now := s.clock.Now()
	stored, inserted, err := s.repo.RecordBillingEvent(ctx, models.BillingEvent{
		ExternalEventID: kind.EventID(),
		Type:            kind.EventType(),
		PayloadDigest:   digest.Sum(payload),
		Payload:         json.RawMessage(payload),
		ReceivedAt:      now,
	})
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("%s: %w", op, apperr.Retryable(err))
	}
	if !inserted && stored.ProcessedAt != nil {
		s.seen.Add(kind.EventID(), struct{}{})
		metrics.WebhookEvents.WithLabelValues(string(models.IngestDuplicate)).Inc()
		log.Info("event already processed")
		return models.IngestDuplicate, nil
	}
	if !inserted && stored.PayloadDigest != digest.Sum(payload) {
		log.Warn("redelivered event payload differs from stored copy")
	}

	result, err := s.process(ctx, kind)
	if err != nil {
		attempts := s.fail(ctx, kind.EventID(), stored.Attempts, err)
		metrics.WebhookEvents.WithLabelValues("failed").Inc()
		log.Error("failed to apply event", slog.Int("attempts", attempts), sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, apperr.Retryable(err))
	}
	metrics.WebhookEvents.WithLabelValues(string(result)).Inc()
	log.Info("event ingested", slog.String("result", string(result)))
	return result, nil
}

// process применяет событие и отмечает его обработанным.
func (s *Service) process(ctx context.Context, kind models.BillingEventKind) (models.IngestResult, error) {
	_, err := s.subs.ApplyProviderEvent(ctx, kind)
	switch {
	case err == nil:
		s.seen.Add(kind.EventID(), struct{}{})
		return models.IngestAccepted, nil
	case errors.Is(err, apperr.ErrDuplicate):
		s.seen.Add(kind.EventID(), struct{}{})
		return models.IngestDuplicate, nil
	case errors.Is(err, apperr.ErrIgnored):
		s.log.Info("event ignored", slog.String("event_id", kind.EventID()), slog.String("reason", err.Error()))
		marked, merr := s.repo.MarkBillingEventProcessed(ctx, kind.EventID(), s.clock.Now())
		if merr != nil {
			return "", merr
		}
		s.seen.Add(kind.EventID(), struct{}{})
		if !marked {
			return models.IngestDuplicate, nil
		}
		return models.IngestIgnored, nil
	default:
		return "", err
	}
}

// fail записывает неудачную попытку и назначает следующую по политике повторов.
func (s *Service) fail(ctx context.Context, eventID string, prevAttempts int, cause error) int {
	next := s.clock.Now().Add(s.policy.NextDelay(prevAttempts + 1))
	attempts, err := s.repo.MarkBillingEventFailed(ctx, eventID, cause.Error(), next)
	if err != nil {
		s.log.Error("failed to record webhook failure", slog.String("event_id", eventID), sl.Err(err))
		return prevAttempts + 1
	}
	return attempts
}

// RetryPending переигрывает сохранённые необработанные события, время
// повтора которых наступило. Событие, исчерпавшее попытки, снимается с
// повторов и передаётся оператору. Возвращает число обработанных событий.
func (s *Service) RetryPending(ctx context.Context) (int, error) {
	const op = "webhook.RetryPending"
	log := s.log.With(sl.Op(op))

	pending, err := s.repo.PendingBillingEvents(ctx, s.clock.Now(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var done int
	for _, ev := range pending {
		if ctx.Err() != nil {
			break
		}
		kind, err := paymentprovider.ParseEvent(ev.Payload)
		if err != nil {
			s.escalate(ctx, ev, ev.Attempts, err)
			continue
		}
		result, err := s.process(ctx, kind)
		if err != nil {
			attempts := s.fail(ctx, ev.ExternalEventID, ev.Attempts, err)
			log.Warn("replay failed", slog.String("event_id", ev.ExternalEventID), slog.Int("attempts", attempts), sl.Err(err))
			if s.policy.Exhausted(attempts) {
				s.escalate(ctx, ev, attempts, err)
			}
			continue
		}
		done++
		metrics.WebhookEvents.WithLabelValues(string(result)).Inc()
		log.Info("event replayed", slog.String("event_id", ev.ExternalEventID), slog.String("result", string(result)))
	}
	return done, nil
}

func (s *Service) escalate(ctx context.Context, ev models.BillingEvent, attempts int, cause error) {
	now := s.clock.Now()
	metrics.WebhookRetriesExhausted.Inc()
	s.log.Error("webhook retries exhausted",
		slog.String("event_id", ev.ExternalEventID),
		slog.String("type", ev.Type),
		slog.Int("attempts", attempts),
		sl.Err(cause),
	)
	if err := s.repo.MarkBillingEventAlerted(ctx, ev.ExternalEventID, now); err != nil {
		s.log.Error("failed to flag alerted event", slog.String("event_id", ev.ExternalEventID), sl.Err(err))
	}
	err := s.alerter.Alert(ctx, models.Alert{
		Source:  "webhook",
		Subject: "billing event " + ev.ExternalEventID + " could not be applied",
		Details: map[string]string{
			"type":       ev.Type,
			"attempts":   fmt.Sprint(attempts),
			"last_error": cause.Error(),
		},
		OccurredAt: now,
	})
	if err != nil {
		s.log.Error("failed to publish alert", slog.String("event_id", ev.ExternalEventID), sl.Err(err))
	}
}
