package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

const deletionColumns = `id, user_id, status, reason, requested_at, grace_period_ends_at,
	executed_at, completed_at, canceled_at, erasure_progress, version`

func scanDeletion(row interface{ Scan(dest ...any) error }) (*models.DataDeletionRequest, error) {
	var (
		r                              models.DataDeletionRequest
		executed, completed, canceled sql.NullTime
		progress                       []byte
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Status, &r.Reason, &r.RequestedAt, &r.GracePeriodEndsAt,
		&executed, &completed, &canceled, &progress, &r.Version); err != nil {
		return nil, err
	}
	r.ExecutedAt = timePtr(executed)
	r.CompletedAt = timePtr(completed)
	r.CanceledAt = timePtr(canceled)
	r.Progress = map[models.ErasureStep]time.Time{}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &r.Progress); err != nil {
			return nil, fmt.Errorf("decode erasure progress: %w", err)
		}
	}
	return &r, nil
}

// CreateDeletionRequest сохраняет запрос на удаление вместе с записью аудита.
func (s *Storage) CreateDeletionRequest(ctx context.Context, r models.DataDeletionRequest, audit models.AuditEntry) error {
	const op = "storage.CreateDeletionRequest"

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO data_deletion_requests
			   (id, user_id, status, reason, requested_at, grace_period_ends_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.ID, r.UserID, r.Status, r.Reason, r.RequestedAt, r.GracePeriodEndsAt, r.Version); err != nil {
			return classify(err)
		}
		return insertAudit(ctx, tx, audit)
	})
	if errors.Is(err, apperr.ErrConflict) {
		return fmt.Errorf("%s: %w", op, apperr.ErrAlreadyInProgress)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// LatestDeletionRequest возвращает последний запрос пользователя на удаление.
func (s *Storage) LatestDeletionRequest(ctx context.Context, userID string) (*models.DataDeletionRequest, error) {
	const op = "storage.LatestDeletionRequest"

	r, err := scanDeletion(s.DB.QueryRowContext(ctx, `SELECT `+deletionColumns+`
		FROM data_deletion_requests WHERE user_id = $1
		ORDER BY requested_at DESC LIMIT 1`, userID))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return r, nil
}

// RescindDeletion отменяет запрос, пока он в льготном периоде.
// Иначе возвращает apperr.ErrNotInGracePeriod.
func (s *Storage) RescindDeletion(ctx context.Context, userID string, at time.Time, audit models.AuditEntry) (*models.DataDeletionRequest, error) {
	const op = "storage.RescindDeletion"

	var r *models.DataDeletionRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		r, err = scanDeletion(tx.QueryRowContext(ctx, `UPDATE data_deletion_requests
			SET status = 'canceled', canceled_at = $2, version = version + 1
			WHERE user_id = $1 AND status IN ('requested', 'grace_period')
			RETURNING `+deletionColumns, userID, at))
		if err == sql.ErrNoRows {
			return apperr.ErrNotInGracePeriod
		}
		if err != nil {
			return classify(err)
		}
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return r, nil
}

// ClaimDueDeletions переводит в executing запросы с истёкшим льготным периодом
// и возвращает их вместе с зависшими в executing дольше staleBefore.
func (s *Storage) ClaimDueDeletions(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.DataDeletionRequest, error) {
	const op = "storage.ClaimDueDeletions"

	rows, err := s.DB.QueryContext(ctx, `UPDATE data_deletion_requests
		SET status = 'executing', executed_at = $1, version = version + 1
		WHERE id IN (
			SELECT id FROM data_deletion_requests
			WHERE (status = 'grace_period' AND grace_period_ends_at <= $1)
			   OR (status = 'executing' AND executed_at < $2)
			ORDER BY grace_period_ends_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deletionColumns, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	defer rows.Close()

	var result []models.DataDeletionRequest
	for rows.Next() {
		r, err := scanDeletion(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, classify(err))
		}
		result = append(result, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return result, nil
}

type statement struct {
	query string
	args  []any
}

// erasureStatements возвращает SQL шага стирания. Каждый шаг безопасно выполнять повторно.
func erasureStatements(step models.ErasureStep, subject models.ErasureSubject, at time.Time) ([]statement, bool) {
	id := subject.UserID
	switch step {
	case models.StepBilling:
		return []statement{
			{`UPDATE users SET stripe_customer_id = NULL WHERE id = $1`, []any{id}},
		}, true
	case models.StepUsage:
		return []statement{
			{`DELETE FROM usage_cycles WHERE user_id = $1`, []any{id}},
			{`UPDATE usage_records SET user_id = NULL WHERE user_id = $1`, []any{id}},
		}, true
	case models.StepConsents:
		return []statement{
			{`DELETE FROM consents WHERE user_id = $1`, []any{id}},
			{`UPDATE consent_history SET user_id = NULL, ip_address = $2, user_agent = NULL
			  WHERE user_id = $1`, []any{id, subject.Pseudonym}},
		}, true
	case models.StepSubscriptions:
		return []statement{
			{`UPDATE subscriptions SET external_subscription_id = $2 WHERE user_id = $1`, []any{id, subject.Pseudonym}},
		}, true
	case models.StepExports:
		return []statement{
			{`DELETE FROM data_export_requests WHERE user_id = $1`, []any{id}},
		}, true
	case models.StepProfile:
		return []statement{
			{`UPDATE users SET email = $2, tier = 'free', stripe_customer_id = NULL,
			         anonymized_at = COALESCE(anonymized_at, $3), updated_at = $3
			  WHERE id = $1`, []any{id, subject.AnonymizedEmail, at}},
		}, true
	}
	return nil, false
}

// ExecuteErasureStep выполняет шаг стирания и отмечает его в erasure_progress
// в одной транзакции. Уже выполненный шаг пропускается.
func (s *Storage) ExecuteErasureStep(ctx context.Context, requestID string, step models.ErasureStep,
	subject models.ErasureSubject, at time.Time) error {
	const op = "storage.ExecuteErasureStep"

	stmts, ok := erasureStatements(step, subject, at)
	if !ok {
		return fmt.Errorf("%s: %w", op, apperr.Validation("unknown erasure step %q", step))
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			status string
			done   bool
		)
		err := tx.QueryRowContext(ctx,
			`SELECT status, jsonb_exists(erasure_progress, $2)
			 FROM data_deletion_requests WHERE id = $1 FOR UPDATE`,
			requestID, string(step)).Scan(&status, &done)
		if err != nil {
			return classify(err)
		}
		if models.DeletionStatus(status) != models.DeletionExecuting {
			return fmt.Errorf("%w: deletion request is %s", apperr.ErrConflict, status)
		}
		if done {
			return nil
		}

		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
				return classify(err)
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE data_deletion_requests
			 SET erasure_progress = erasure_progress || jsonb_build_object($2::text, $3::timestamptz)
			 WHERE id = $1`, requestID, string(step), at)
		return classify(err)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// CompleteDeletion закрывает запрос после выполнения всех шагов.
func (s *Storage) CompleteDeletion(ctx context.Context, requestID string, at time.Time, audit models.AuditEntry) error {
	const op = "storage.CompleteDeletion"

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE data_deletion_requests
			 SET status = 'completed', completed_at = $2, version = version + 1
			 WHERE id = $1 AND status = 'executing'`, requestID, at)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
