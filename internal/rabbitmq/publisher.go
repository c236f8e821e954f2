package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

// PublishMessage публикует сообщение в RabbitMQ.
func PublishMessage(ch *amqp.Channel, exchange string, routingkey string, message any) error {
	const op = "rabbitmq.PublishMessage"
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = ch.Publish(
		exchange,
		routingkey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, apperr.Retryable(err))
	}
	return nil
}

// VideoJob — сообщение очереди jobs.video.
type VideoJob struct {
	ID          string               `json:"id"`
	UserID      string               `json:"user_id"`
	UsageID     int64                `json:"usage_id"`
	Job         models.JobDescriptor `json:"job"`
	SubmittedAt time.Time            `json:"submitted_at"`
}

// Publisher публикует уведомления, алерты, задания и доменные события
// через один канал.
type Publisher struct {
	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher создаёт издателя поверх канала с объявленной топологией.
func NewPublisher(ch *amqp.Channel) *Publisher {
	return &Publisher{ch: ch}
}

func (p *Publisher) publish(exchange, routingKey string, message any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PublishMessage(p.ch, exchange, routingKey, message)
}

// Notify публикует письмо пользователю с ключом по типу уведомления.
func (p *Publisher) Notify(_ context.Context, n models.Notification) error {
	return p.publish(ExchangeNotifications, n.Type, n)
}

// Alert публикует сообщение оператору.
func (p *Publisher) Alert(_ context.Context, a models.Alert) error {
	return p.publish(ExchangeAlerts, RoutingAlert, a)
}

// Submit ставит задание в очередь обработки видео и возвращает его идентификатор.
func (p *Publisher) Submit(_ context.Context, userID string, job models.JobDescriptor, usageID int64) (models.JobHandle, error) {
	msg := VideoJob{
		ID:          uuid.NewString(),
		UserID:      userID,
		UsageID:     usageID,
		Job:         job,
		SubmittedAt: time.Now().UTC(),
	}
	if err := p.publish("", QueueVideoJobs, msg); err != nil {
		return models.JobHandle{}, err
	}
	return models.JobHandle{ID: msg.ID, UsageID: usageID}, nil
}

// PublishEvent публикует событие outbox с ключом по его типу.
func (p *Publisher) PublishEvent(ev models.OutboxEvent) error {
	return p.publish(ExchangeEvents, ev.EventType, ev)
}
