package models

import (
	"encoding/json"
	"time"
)

// BillingEvent — принятое уведомление провайдера. ExternalEventID уникален,
// ProcessedAt выставляется только вместе с фиксацией перехода.
type BillingEvent struct {
	ExternalEventID string          `json:"external_event_id"`
	Type            string          `json:"type"`
	PayloadDigest   string          `json:"payload_digest"`
	Payload         json.RawMessage `json:"-"`
	ReceivedAt      time.Time       `json:"received_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	Attempts        int             `json:"attempts"`
	LastError       string          `json:"last_error,omitempty"`
	NextAttemptAt   *time.Time      `json:"next_attempt_at,omitempty"`
	AlertedAt       *time.Time      `json:"alerted_at,omitempty"`
}

// BillingEventKind — замкнутый вариант разобранного события провайдера.
// Реализации объявлены только в этом пакете.
type BillingEventKind interface {
	EventID() string
	EventType() string
	Created() time.Time
	billingEvent()
}

// EventMeta — общие поля конверта события.
type EventMeta struct {
	ID        string
	Type      string
	CreatedAt time.Time
}

func (m EventMeta) EventID() string    { return m.ID }
func (m EventMeta) EventType() string  { return m.Type }
func (m EventMeta) Created() time.Time { return m.CreatedAt }
func (EventMeta) billingEvent()        {}

// ProviderSubscription — снимок подписки на стороне провайдера.
type ProviderSubscription struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	PeriodStart       time.Time
	PeriodEnd         time.Time
	UserID            string
}

// ProviderInvoice — снимок счёта на стороне провайдера.
type ProviderInvoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	AttemptCount   int
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// SubscriptionCreated — подписка создана у провайдера.
type SubscriptionCreated struct {
	EventMeta
	Subscription ProviderSubscription
}

// SubscriptionUpdated — подписка изменена у провайдера.
type SubscriptionUpdated struct {
	EventMeta
	Subscription ProviderSubscription
}

// SubscriptionDeleted — подписка окончательно удалена у провайдера.
type SubscriptionDeleted struct {
	EventMeta
	Subscription ProviderSubscription
}

// InvoicePaymentSucceeded — успешное списание по счёту.
type InvoicePaymentSucceeded struct {
	EventMeta
	Invoice ProviderInvoice
}

// InvoicePaymentFailed — неуспешное списание по счёту.
type InvoicePaymentFailed struct {
	EventMeta
	Invoice ProviderInvoice
}

// UnhandledEvent — событие типа, который движок не обрабатывает.
type UnhandledEvent struct {
	EventMeta
}

// IngestResult — итог приёма вебхука.
type IngestResult string

const (
	IngestAccepted  IngestResult = "accepted"
	IngestDuplicate IngestResult = "duplicate"
	IngestIgnored   IngestResult = "ignored"
)
