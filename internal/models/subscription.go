package models

import "time"

// SubscriptionStatus — состояние подписки. StatusNone означает отсутствие
// незавершённой подписки и в хранилище не встречается.
type SubscriptionStatus string

const (
	StatusNone      SubscriptionStatus = "none"
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCanceling SubscriptionStatus = "canceling"
	StatusCanceled  SubscriptionStatus = "canceled"
)

// AllSubscriptionStatuses перечисляет все состояния автомата.
func AllSubscriptionStatuses() []SubscriptionStatus {
	return []SubscriptionStatus{StatusNone, StatusActive, StatusPastDue, StatusCanceling, StatusCanceled}
}

// Terminal сообщает, что из состояния нет переходов.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCanceled
}

// Subscription — агрегат подписки пользователя. Строки не удаляются,
// завершённая подписка остаётся в статусе canceled.
type Subscription struct {
	ID                     string             `json:"id"`
	UserID                 string             `json:"user_id"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     time.Time          `json:"current_period_start"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	ExternalSubscriptionID string             `json:"external_subscription_id"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	PastDueSince           *time.Time         `json:"past_due_since,omitempty"`
	FailedPaymentAttempts  int                `json:"failed_payment_attempts"`
	LastEventAt            *time.Time         `json:"last_event_at,omitempty"`
	Version                int64              `json:"version"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
	CanceledAt             *time.Time         `json:"canceled_at,omitempty"`
}

// State возвращает статус, трактуя nil как отсутствие подписки.
func (s *Subscription) State() SubscriptionStatus {
	if s == nil {
		return StatusNone
	}
	return s.Status
}

// Entitled сообщает, даёт ли подписка премиальные права в момент now.
// Отменяемая подписка действует до конца оплаченного периода.
func (s *Subscription) Entitled(now time.Time) bool {
	switch s.State() {
	case StatusActive, StatusPastDue:
		return true
	case StatusCanceling:
		return now.Before(s.CurrentPeriodEnd)
	default:
		return false
	}
}

// TierFor возвращает тариф, соответствующий статусу подписки.
func TierFor(status SubscriptionStatus) Tier {
	switch status {
	case StatusActive, StatusPastDue, StatusCanceling:
		return TierPremium
	default:
		return TierFree
	}
}

// SubscriptionEventKind — замкнутое множество событий автомата подписки.
type SubscriptionEventKind int

const (
	EventActivated SubscriptionEventKind = iota + 1
	EventPaymentFailed
	EventPaymentSucceeded
	EventCancelRequested
	EventReactivated
	EventPeriodEnded
	EventRetryWindowExpired
	EventProviderDeleted
	EventProviderUpdated
)

// AllSubscriptionEventKinds перечисляет все виды событий.
func AllSubscriptionEventKinds() []SubscriptionEventKind {
	return []SubscriptionEventKind{
		EventActivated, EventPaymentFailed, EventPaymentSucceeded, EventCancelRequested,
		EventReactivated, EventPeriodEnded, EventRetryWindowExpired, EventProviderDeleted,
		EventProviderUpdated,
	}
}

func (k SubscriptionEventKind) String() string {
	switch k {
	case EventActivated:
		return "activated"
	case EventPaymentFailed:
		return "payment_failed"
	case EventPaymentSucceeded:
		return "payment_succeeded"
	case EventCancelRequested:
		return "cancel_requested"
	case EventReactivated:
		return "reactivated"
	case EventPeriodEnded:
		return "period_ended"
	case EventRetryWindowExpired:
		return "retry_window_expired"
	case EventProviderDeleted:
		return "provider_deleted"
	case EventProviderUpdated:
		return "provider_updated"
	default:
		return "unknown"
	}
}

// EventSource — источник события подписки.
type EventSource string

const (
	SourceProvider  EventSource = "provider"
	SourceUser      EventSource = "user"
	SourceScheduler EventSource = "scheduler"
)

// SubscriptionEvent — запрос на переход автомата подписки.
type SubscriptionEvent struct {
	Kind                   SubscriptionEventKind
	Source                 EventSource
	OccurredAt             time.Time
	UserID                 string
	ExternalSubscriptionID string
	ExternalCustomerID     string
	PeriodStart            time.Time
	PeriodEnd              time.Time
	CancelAtPeriodEnd      bool
	// BillingEventID — внешний id вебхука; отмечается обработанным в той же транзакции.
	BillingEventID string
}

// TransitionRecord — всё, что должно быть записано атомарно при одном переходе.
type TransitionRecord struct {
	Subscription    Subscription
	ExpectedVersion int64
	Insert          bool
	Tier            Tier
	Event           OutboxEvent
	BillingEventID  string
}
