// Package outbox переносит доменные события из таблицы outbox в брокер.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/clock"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-engine/internal/metrics"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

// EventSubscriptionCanceled — тип события окончательной отмены подписки.
const EventSubscriptionCanceled = "subscription." + string(models.StatusCanceled)

// Repository захватывает неопубликованные события.
type Repository interface {
	RelayOutbox(ctx context.Context, limit int, now time.Time, publish func(models.OutboxEvent) error) (int, error)
}

// Publisher публикует событие в брокер.
type Publisher interface {
	PublishEvent(ev models.OutboxEvent) error
}

// CancelHook реагирует на окончательную отмену подписки.
type CancelHook interface {
	HandleSubscriptionCanceled(ctx context.Context, userID string) error
}

// Service — ретранслятор outbox.
type Service struct {
	repo      Repository
	publisher Publisher
	hook      CancelHook
	clock     clock.Clock
	batchSize int
	log       *slog.Logger
}

// New создаёт ретранслятор. hook может быть nil, тогда отмена подписки
// не открывает удаление данных.
func New(repo Repository, publisher Publisher, hook CancelHook, clk clock.Clock, batchSize int, log *slog.Logger) *Service {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Service{repo: repo, publisher: publisher, hook: hook, clock: clk, batchSize: batchSize, log: log}
}

// Relay публикует очередную пачку событий и возвращает число опубликованных.
// Событие, которое не удалось опубликовать, останавливает пачку и будет
// повторено при следующем проходе.
func (s *Service) Relay(ctx context.Context) (int, error) {
	const op = "outbox.Relay"

	n, err := s.repo.RelayOutbox(ctx, s.batchSize, s.clock.Now(), func(ev models.OutboxEvent) error {
		if s.hook != nil && ev.EventType == EventSubscriptionCanceled && ev.UserID != "" {
			if err := s.hook.HandleSubscriptionCanceled(ctx, ev.UserID); err != nil {
				return err
			}
		}
		return s.publisher.PublishEvent(ev)
	})
	metrics.OutboxPublished.Add(float64(n))
	if err != nil {
		s.log.Warn("outbox relay stopped", sl.Op(op), slog.Int("published", n), sl.Err(err))
		return n, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}
