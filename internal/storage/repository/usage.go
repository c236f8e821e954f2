package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

const usageColumns = `id, COALESCE(user_id::text, ''), resource_kind, amount, occurred_at, recorded_at, reverses_id`

func scanUsage(row interface{ Scan(dest ...any) error }) (*models.UsageRecord, error) {
	var (
		rec      models.UsageRecord
		reverses sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.ResourceKind, &rec.Amount,
		&rec.OccurredAt, &rec.RecordedAt, &reverses); err != nil {
		return nil, err
	}
	if reverses.Valid {
		rec.ReversesID = &reverses.Int64
	}
	return &rec, nil
}

// lockCycle создаёт строку блокировки периода и захватывает её до конца транзакции.
func lockCycle(ctx context.Context, tx *sql.Tx, userID string, kind models.ResourceKind, cycle models.Cycle) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_cycles (user_id, resource_kind, cycle_start, cycle_end)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, resource_kind, cycle_start) DO NOTHING`,
		userID, kind, cycle.Start, cycle.End); err != nil {
		return classify(err)
	}
	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT version FROM usage_cycles
		 WHERE user_id = $1 AND resource_kind = $2 AND cycle_start = $3
		 FOR UPDATE`,
		userID, kind, cycle.Start).Scan(&version)
	return classify(err)
}

func bumpCycle(ctx context.Context, tx *sql.Tx, userID string, kind models.ResourceKind, cycle models.Cycle) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE usage_cycles SET version = version + 1
		 WHERE user_id = $1 AND resource_kind = $2 AND cycle_start = $3`,
		userID, kind, cycle.Start)
	return classify(err)
}

func sumCycle(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, userID string, kind models.ResourceKind, cycle models.Cycle) (int64, error) {
	var used int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM usage_records
		 WHERE user_id = $1 AND resource_kind = $2 AND occurred_at >= $3 AND occurred_at < $4`,
		userID, kind, cycle.Start, cycle.End).Scan(&used)
	return used, classify(err)
}

// AppendWithinLimit под блокировкой периода считает потребление, вызывает check
// и при его успехе добавляет запись. Возвращает сохранённую запись и
// потребление за период с её учётом.
func (s *Storage) AppendWithinLimit(ctx context.Context, rec models.UsageRecord, cycle models.Cycle,
	check func(used int64) error) (models.UsageRecord, int64, error) {
	const op = "storage.AppendWithinLimit"

	var used int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockCycle(ctx, tx, rec.UserID, rec.ResourceKind, cycle); err != nil {
			return err
		}
		var err error
		used, err = sumCycle(ctx, tx, rec.UserID, rec.ResourceKind, cycle)
		if err != nil {
			return err
		}
		if err := check(used); err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO usage_records (user_id, resource_kind, amount, occurred_at, recorded_at)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			rec.UserID, rec.ResourceKind, rec.Amount, rec.OccurredAt, rec.RecordedAt).Scan(&rec.ID)
		if err != nil {
			return classify(err)
		}
		used += rec.Amount
		return bumpCycle(ctx, tx, rec.UserID, rec.ResourceKind, cycle)
	})
	if err != nil {
		return models.UsageRecord{}, 0, fmt.Errorf("%s: %w", op, err)
	}
	return rec, used, nil
}

// UsageSum возвращает потребление ресурса за период.
func (s *Storage) UsageSum(ctx context.Context, userID string, kind models.ResourceKind, cycle models.Cycle) (int64, error) {
	const op = "storage.UsageSum"

	used, err := sumCycle(ctx, s.DB, userID, kind, cycle)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return used, nil
}

// ReverseUsage добавляет сторнирующую запись. Повторный вызов для той же
// записи возвращает уже существующее сторно.
func (s *Storage) ReverseUsage(ctx context.Context, original models.UsageRecord, cycle models.Cycle, at time.Time) (models.UsageRecord, error) {
	const op = "storage.ReverseUsage"

	var reversal *models.UsageRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockCycle(ctx, tx, original.UserID, original.ResourceKind, cycle); err != nil {
			return err
		}
		existing, err := scanUsage(tx.QueryRowContext(ctx,
			`SELECT `+usageColumns+` FROM usage_records WHERE reverses_id = $1`, original.ID))
		if err == nil {
			reversal = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return classify(err)
		}
		reversal, err = scanUsage(tx.QueryRowContext(ctx,
			`INSERT INTO usage_records (user_id, resource_kind, amount, occurred_at, recorded_at, reverses_id)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING `+usageColumns,
			original.UserID, original.ResourceKind, -original.Amount, original.OccurredAt, at, original.ID))
		if err != nil {
			return classify(err)
		}
		return bumpCycle(ctx, tx, original.UserID, original.ResourceKind, cycle)
	})
	if err != nil {
		return models.UsageRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	return *reversal, nil
}

// UsageRecords возвращает все записи потребления пользователя.
func (s *Storage) UsageRecords(ctx context.Context, userID string) ([]models.UsageRecord, error) {
	const op = "storage.UsageRecords"

	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+usageColumns+` FROM usage_records WHERE user_id = $1 ORDER BY occurred_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	defer rows.Close()

	var result []models.UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, classify(err))
		}
		result = append(result, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return result, nil
}
