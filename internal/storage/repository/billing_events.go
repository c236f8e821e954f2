package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

const billingEventColumns = `external_event_id, type, payload_digest, payload, received_at,
	processed_at, attempts, last_error, next_attempt_at, alerted_at`

func scanBillingEvent(row interface{ Scan(dest ...any) error }) (*models.BillingEvent, error) {
	var (
		ev                             models.BillingEvent
		payload                        []byte
		processed, nextAttempt, alerted sql.NullTime
	)
	if err := row.Scan(&ev.ExternalEventID, &ev.Type, &ev.PayloadDigest, &payload, &ev.ReceivedAt,
		&processed, &ev.Attempts, &ev.LastError, &nextAttempt, &alerted); err != nil {
		return nil, err
	}
	ev.Payload = payload
	ev.ProcessedAt = timePtr(processed)
	ev.NextAttemptAt = timePtr(nextAttempt)
	ev.AlertedAt = timePtr(alerted)
	return &ev, nil
}

// RecordBillingEvent сохраняет событие, если его ещё нет, и возвращает
// хранимую версию. inserted=false означает повторную доставку.
func (s *Storage) RecordBillingEvent(ctx context.Context, ev models.BillingEvent) (*models.BillingEvent, bool, error) {
	const op = "storage.RecordBillingEvent"

	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO billing_events (external_event_id, type, payload_digest, payload, received_at, next_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (external_event_id) DO NOTHING`,
		ev.ExternalEventID, ev.Type, ev.PayloadDigest, []byte(ev.Payload), ev.ReceivedAt, nullTime(ev.NextAttemptAt))
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, classify(err))
	}
	n, _ := res.RowsAffected()

	stored, err := s.BillingEvent(ctx, ev.ExternalEventID)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return stored, n == 1, nil
}

// BillingEvent возвращает сохранённое событие.
func (s *Storage) BillingEvent(ctx context.Context, externalID string) (*models.BillingEvent, error) {
	const op = "storage.BillingEvent"

	ev, err := scanBillingEvent(s.DB.QueryRowContext(ctx,
		`SELECT `+billingEventColumns+` FROM billing_events WHERE external_event_id = $1`, externalID))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return ev, nil
}

// MarkBillingEventProcessed отмечает событие обработанным без перехода подписки.
// Возвращает false, если событие уже было обработано.
func (s *Storage) MarkBillingEventProcessed(ctx context.Context, externalID string, at time.Time) (bool, error) {
	const op = "storage.MarkBillingEventProcessed"

	res, err := s.DB.ExecContext(ctx,
		`UPDATE billing_events SET processed_at = $2, last_error = ''
		 WHERE external_event_id = $1 AND processed_at IS NULL`, externalID, at)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, classify(err))
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkBillingEventFailed увеличивает счётчик попыток и назначает следующую.
func (s *Storage) MarkBillingEventFailed(ctx context.Context, externalID, lastError string, nextAttemptAt time.Time) (int, error) {
	const op = "storage.MarkBillingEventFailed"

	var attempts int
	err := s.DB.QueryRowContext(ctx,
		`UPDATE billing_events
		 SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		 WHERE external_event_id = $1 AND processed_at IS NULL
		 RETURNING attempts`, externalID, lastError, nextAttemptAt).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, classify(err))
	}
	return attempts, nil
}

// PendingBillingEvents возвращает необработанные события, время повтора которых наступило.
func (s *Storage) PendingBillingEvents(ctx context.Context, now time.Time, limit int) ([]models.BillingEvent, error) {
	const op = "storage.PendingBillingEvents"

	rows, err := s.DB.QueryContext(ctx, `SELECT `+billingEventColumns+`
		FROM billing_events
		WHERE processed_at IS NULL AND alerted_at IS NULL
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY received_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	defer rows.Close()

	var result []models.BillingEvent
	for rows.Next() {
		ev, err := scanBillingEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, classify(err))
		}
		result = append(result, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return result, nil
}

// MarkBillingEventAlerted снимает событие с автоматических повторов.
func (s *Storage) MarkBillingEventAlerted(ctx context.Context, externalID string, at time.Time) error {
	const op = "storage.MarkBillingEventAlerted"

	if _, err := s.DB.ExecContext(ctx,
		`UPDATE billing_events SET alerted_at = $2 WHERE external_event_id = $1 AND alerted_at IS NULL`,
		externalID, at); err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	return nil
}
