package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

const subscriptionColumns = `id, user_id, status, current_period_start, current_period_end,
	external_subscription_id, cancel_at_period_end, past_due_since, failed_payment_attempts,
	last_event_at, version, created_at, updated_at, canceled_at`

func scanSubscription(row interface{ Scan(dest ...any) error }) (*models.Subscription, error) {
	var (
		sub                                models.Subscription
		pastDueSince, lastEvent, canceledAt sql.NullTime
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.ExternalSubscriptionID, &sub.CancelAtPeriodEnd, &pastDueSince, &sub.FailedPaymentAttempts,
		&lastEvent, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt, &canceledAt)
	if err != nil {
		return nil, err
	}
	sub.PastDueSince = timePtr(pastDueSince)
	sub.LastEventAt = timePtr(lastEvent)
	sub.CanceledAt = timePtr(canceledAt)
	return &sub, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// ActiveSubscription возвращает незавершённую подписку пользователя или nil.
func (s *Storage) ActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	const op = "storage.ActiveSubscription"

	row := s.DB.QueryRowContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE user_id = $1 AND status <> 'canceled'`, userID)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return sub, nil
}

// SubscriptionByExternalID возвращает последнюю подписку с данным внешним ID или nil.
func (s *Storage) SubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	const op = "storage.SubscriptionByExternalID"

	row := s.DB.QueryRowContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE external_subscription_id = $1
		ORDER BY created_at DESC LIMIT 1`, externalID)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return sub, nil
}

// SubscriptionHistory возвращает все подписки пользователя, включая завершённые.
func (s *Storage) SubscriptionHistory(ctx context.Context, userID string) ([]models.Subscription, error) {
	const op = "storage.SubscriptionHistory"

	rows, err := s.DB.QueryContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	defer rows.Close()

	var result []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, classify(err))
		}
		result = append(result, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return result, nil
}

// CancelingDue возвращает отменяемые подписки, чей период закончился к моменту now.
func (s *Storage) CancelingDue(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	const op = "storage.CancelingDue"

	return s.listSubscriptions(ctx, op, `SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'canceling' AND current_period_end <= $1
		ORDER BY current_period_end
		LIMIT $2`, now, limit)
}

// PastDueExpired возвращает просроченные подписки, исчерпавшие окно повторов
// по времени (past_due_since <= windowStart) или по числу попыток.
func (s *Storage) PastDueExpired(ctx context.Context, windowStart time.Time, maxAttempts, limit int) ([]models.Subscription, error) {
	const op = "storage.PastDueExpired"

	return s.listSubscriptions(ctx, op, `SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'past_due' AND (past_due_since <= $1 OR failed_payment_attempts >= $2)
		ORDER BY past_due_since
		LIMIT $3`, windowStart, maxAttempts, limit)
}

func (s *Storage) listSubscriptions(ctx context.Context, op, query string, args ...any) ([]models.Subscription, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	defer rows.Close()

	var result []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, classify(err))
		}
		result = append(result, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return result, nil
}

// ApplyTransition атомарно записывает новое состояние подписки, тариф пользователя,
// исходящее событие и отметку обработки вебхука. Несовпадение версии даёт
// apperr.ErrConflict, повторная обработка того же вебхука даёт apperr.ErrDuplicate.
func (s *Storage) ApplyTransition(ctx context.Context, rec models.TransitionRecord) error {
	const op = "storage.ApplyTransition"

	sub := rec.Subscription
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if rec.BillingEventID != "" {
			res, err := tx.ExecContext(ctx,
				`UPDATE billing_events SET processed_at = $2, last_error = ''
				 WHERE external_event_id = $1 AND processed_at IS NULL`,
				rec.BillingEventID, sub.UpdatedAt)
			if err != nil {
				return classify(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return apperr.ErrDuplicate
			}
		}

		if rec.Insert {
			_, err := tx.ExecContext(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				sub.ID, sub.UserID, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
				sub.ExternalSubscriptionID, sub.CancelAtPeriodEnd, nullTime(sub.PastDueSince),
				sub.FailedPaymentAttempts, nullTime(sub.LastEventAt), sub.Version, sub.CreatedAt,
				sub.UpdatedAt, nullTime(sub.CanceledAt))
			if err != nil {
				return classify(err)
			}
		} else {
			res, err := tx.ExecContext(ctx, `UPDATE subscriptions SET
					status = $3, current_period_start = $4, current_period_end = $5,
					external_subscription_id = $6, cancel_at_period_end = $7, past_due_since = $8,
					failed_payment_attempts = $9, last_event_at = $10, version = $11,
					updated_at = $12, canceled_at = $13
				WHERE id = $1 AND version = $2`,
				sub.ID, rec.ExpectedVersion, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
				sub.ExternalSubscriptionID, sub.CancelAtPeriodEnd, nullTime(sub.PastDueSince),
				sub.FailedPaymentAttempts, nullTime(sub.LastEventAt), sub.Version,
				sub.UpdatedAt, nullTime(sub.CanceledAt))
			if err != nil {
				return classify(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return apperr.ErrConflict
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET tier = $2, updated_at = $3 WHERE id = $1`,
			sub.UserID, rec.Tier, sub.UpdatedAt); err != nil {
			return classify(err)
		}

		return insertOutbox(ctx, tx, rec.Event)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func insertOutbox(ctx context.Context, tx *sql.Tx, ev models.OutboxEvent) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (aggregate_id, user_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.AggregateID, nullString(ev.UserID), ev.EventType, []byte(payload), ev.CreatedAt)
	return classify(err)
}
