package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

// RelayOutbox захватывает до limit неопубликованных событий и передаёт их в publish
// по порядку. Успешно опубликованные отмечаются в той же транзакции; первая
// ошибка publish останавливает пачку, остальные события останутся для следующего прохода.
func (s *Storage) RelayOutbox(ctx context.Context, limit int, now time.Time,
	publish func(models.OutboxEvent) error) (int, error) {
	const op = "storage.RelayOutbox"

	published := 0
	var publishErr error
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, aggregate_id, COALESCE(user_id::text, ''), event_type, payload, created_at
			 FROM outbox
			 WHERE published_at IS NULL
			 ORDER BY id
			 LIMIT $1
			 FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return classify(err)
		}
		var batch []models.OutboxEvent
		for rows.Next() {
			var (
				ev      models.OutboxEvent
				payload []byte
			)
			if err := rows.Scan(&ev.ID, &ev.AggregateID, &ev.UserID, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
				rows.Close()
				return classify(err)
			}
			ev.Payload = payload
			batch = append(batch, ev)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return classify(err)
		}
		rows.Close()

		for _, ev := range batch {
			if publishErr = publish(ev); publishErr != nil {
				break
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox SET published_at = $2 WHERE id = $1`, ev.ID, now); err != nil {
				return classify(err)
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if publishErr != nil {
		return published, fmt.Errorf("%s: %w", op, publishErr)
	}
	return published, nil
}
