package subscription

import (
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

// Policy — параметры автомата, которые приходят из конфигурации.
type Policy struct {
	PastDueMaxAttempts int
	PastDueWindow      time.Duration
}

// Decision — результат перехода: новое состояние агрегата.
type Decision struct {
	From   models.SubscriptionStatus
	To     models.SubscriptionStatus
	Next   models.Subscription
	Insert bool
}

// Decide вычисляет переход автомата подписки. Функция чистая: она не ходит
// в хранилище и не читает часы. Любая пара (состояние, событие) вне таблицы
// переходов возвращает apperr.ErrIgnored без изменений.
func Decide(current *models.Subscription, ev models.SubscriptionEvent, now time.Time, p Policy) (Decision, error) {
	from := current.State()

	if from.Terminal() {
		return Decision{}, apperr.Ignored("subscription is %s", from)
	}
	if current != nil {
		if ev.ExternalSubscriptionID != "" && current.ExternalSubscriptionID != "" &&
			ev.ExternalSubscriptionID != current.ExternalSubscriptionID {
			return Decision{}, apperr.Ignored("event for subscription %s, current is %s",
				ev.ExternalSubscriptionID, current.ExternalSubscriptionID)
		}
		if ev.Source == models.SourceProvider && current.LastEventAt != nil && ev.OccurredAt.Before(*current.LastEventAt) {
			return Decision{}, apperr.Ignored("stale %s event from %s, last applied %s",
				ev.Kind, ev.OccurredAt.Format(time.RFC3339), current.LastEventAt.Format(time.RFC3339))
		}
	}

	if from == models.StatusNone {
		if ev.Kind != models.EventActivated {
			return Decision{}, apperr.Ignored("%s without subscription", ev.Kind)
		}
		return activate(ev, now), nil
	}

	next := *current
	next.UpdatedAt = now
	next.Version = current.Version + 1
	if ev.Source == models.SourceProvider {
		at := ev.OccurredAt
		next.LastEventAt = &at
	}

	to, err := transition(current, &next, ev, now, p)
	if err != nil {
		return Decision{}, err
	}
	next.Status = to
	if to == models.StatusCanceled {
		at := now
		next.CanceledAt = &at
		next.CancelAtPeriodEnd = false
	}
	return Decision{From: from, To: to, Next: next}, nil
}

func activate(ev models.SubscriptionEvent, now time.Time) Decision {
	start, end := ev.PeriodStart, ev.PeriodEnd
	if start.IsZero() {
		start = now
	}
	if !end.After(start) {
		end = start.AddDate(0, 1, 0)
	}
	sub := models.Subscription{
		ID:                     uuid.NewString(),
		UserID:                 ev.UserID,
		Status:                 models.StatusActive,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
		ExternalSubscriptionID: ev.ExternalSubscriptionID,
		Version:                1,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if ev.Source == models.SourceProvider {
		at := ev.OccurredAt
		sub.LastEventAt = &at
	}
	return Decision{From: models.StatusNone, To: models.StatusActive, Next: sub, Insert: true}
}

// transition применяет таблицу переходов к копии next и возвращает новое состояние.
func transition(cur, next *models.Subscription, ev models.SubscriptionEvent, now time.Time, p Policy) (models.SubscriptionStatus, error) {
	from := cur.Status
	ignored := func() (models.SubscriptionStatus, error) {
		return "", apperr.Ignored("%s is not allowed in %s", ev.Kind, from)
	}

	if ev.Kind == models.EventProviderDeleted {
		return models.StatusCanceled, nil
	}

	switch from {
	case models.StatusActive:
		switch ev.Kind {
		case models.EventPaymentFailed:
			markPastDue(next, now)
			return models.StatusPastDue, nil
		case models.EventPaymentSucceeded:
			if !rollPeriod(next, ev) {
				return "", apperr.Ignored("period already paid through %s", cur.CurrentPeriodEnd.Format(time.RFC3339))
			}
			return models.StatusActive, nil
		case models.EventProviderUpdated:
			return syncProvider(next, ev), nil
		case models.EventCancelRequested:
			next.CancelAtPeriodEnd = true
			return models.StatusCanceling, nil
		}
	case models.StatusPastDue:
		switch ev.Kind {
		case models.EventPaymentSucceeded:
			rollPeriod(next, ev)
			next.PastDueSince = nil
			next.FailedPaymentAttempts = 0
			return models.StatusActive, nil
		case models.EventPaymentFailed:
			next.FailedPaymentAttempts++
			return models.StatusPastDue, nil
		case models.EventRetryWindowExpired:
			if !retryWindowExpired(cur, now, p) {
				return "", apperr.Ignored("retry window still open: %d of %d attempts", cur.FailedPaymentAttempts, p.PastDueMaxAttempts)
			}
			return models.StatusCanceled, nil
		}
	case models.StatusCanceling:
		switch ev.Kind {
		case models.EventReactivated:
			next.CancelAtPeriodEnd = false
			return models.StatusActive, nil
		case models.EventProviderUpdated:
			return syncProvider(next, ev), nil
		case models.EventPeriodEnded:
			if now.Before(cur.CurrentPeriodEnd) {
				return "", apperr.Ignored("period ends at %s", cur.CurrentPeriodEnd.Format(time.RFC3339))
			}
			return models.StatusCanceled, nil
		case models.EventPaymentFailed:
			markPastDue(next, now)
			return models.StatusPastDue, nil
		}
	}
	return ignored()
}

func markPastDue(next *models.Subscription, now time.Time) {
	at := now
	next.PastDueSince = &at
	next.FailedPaymentAttempts = 1
}

// rollPeriod сдвигает период вперёд, если событие несёт более поздний период.
func rollPeriod(next *models.Subscription, ev models.SubscriptionEvent) bool {
	if ev.PeriodEnd.IsZero() || !ev.PeriodEnd.After(next.CurrentPeriodEnd) {
		return false
	}
	next.CurrentPeriodStart = ev.PeriodStart
	next.CurrentPeriodEnd = ev.PeriodEnd
	return true
}

// syncProvider переносит флаг отмены и период из снимка провайдера.
func syncProvider(next *models.Subscription, ev models.SubscriptionEvent) models.SubscriptionStatus {
	rollPeriod(next, ev)
	next.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
	if ev.CancelAtPeriodEnd {
		return models.StatusCanceling
	}
	return models.StatusActive
}

func retryWindowExpired(cur *models.Subscription, now time.Time, p Policy) bool {
	if cur.FailedPaymentAttempts >= p.PastDueMaxAttempts {
		return true
	}
	return cur.PastDueSince != nil && now.Sub(*cur.PastDueSince) >= p.PastDueWindow
}
