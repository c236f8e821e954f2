package models

import (
	"encoding/json"
	"time"
)

// OutboxEvent — доменное событие, записанное в одной транзакции с переходом
// и опубликованное в брокер позже.
type OutboxEvent struct {
	ID          int64           `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	UserID      string          `json:"user_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Типы уведомлений, отправляемых пользователю по email.
const (
	NotificationExportReady       = "export.ready"
	NotificationDeletionGrace     = "deletion.grace"
	NotificationDeletionCompleted = "deletion.completed"
	NotificationUsageWarning      = "usage.warning"
	NotificationUsageExceeded     = "usage.exceeded"
)

// Notification — сообщение для сервиса рассылки.
type Notification struct {
	Type       string            `json:"type"`
	UserID     string            `json:"user_id"`
	Email      string            `json:"email"`
	Data       map[string]string `json:"data,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Alert — условие, требующее внимания оператора.
type Alert struct {
	Source     string            `json:"source"`
	Subject    string            `json:"subject"`
	Details    map[string]string `json:"details,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
