package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

const exportColumns = `id, user_id, status, array_to_string(categories, ','), format, requested_at,
	started_at, completed_at, delivered_at, COALESCE(artifact_key, ''), expires_at, attempts,
	last_error, retryable, version`

func scanExport(row interface{ Scan(dest ...any) error }) (*models.DataExportRequest, error) {
	var (
		r                                       models.DataExportRequest
		categories                              string
		started, completed, delivered, expires sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Status, &categories, &r.Format, &r.RequestedAt,
		&started, &completed, &delivered, &r.ArtifactKey, &expires, &r.Attempts,
		&r.LastError, &r.Retryable, &r.Version); err != nil {
		return nil, err
	}
	for _, c := range strings.Split(categories, ",") {
		if c != "" {
			r.Categories = append(r.Categories, models.ExportCategory(c))
		}
	}
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	r.DeliveredAt = timePtr(delivered)
	r.ExpiresAt = timePtr(expires)
	return &r, nil
}

func joinCategories(cs []models.ExportCategory) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func (s *Storage) listExports(ctx context.Context, op string, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, query string, args ...any) ([]models.DataExportRequest, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	defer rows.Close()

	var result []models.DataExportRequest
	for rows.Next() {
		r, err := scanExport(rows)
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

// CreateExportRequest сохраняет новый запрос на выгрузку вместе с записью аудита.
// Незавершённый запрос того же пользователя даёт apperr.ErrAlreadyInProgress.
func (s *Storage) CreateExportRequest(ctx context.Context, r models.DataExportRequest, audit models.AuditEntry) error {
	const op = "storage.CreateExportRequest"

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO data_export_requests (id, user_id, status, categories, format, requested_at, version)
			 VALUES ($1, $2, $3, string_to_array($4, ','), $5, $6, $7)`,
			r.ID, r.UserID, r.Status, joinCategories(r.Categories), r.Format, r.RequestedAt, r.Version); err != nil {
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

// ExportRequest возвращает запрос пользователя по ID.
func (s *Storage) ExportRequest(ctx context.Context, userID, id string) (*models.DataExportRequest, error) {
	const op = "storage.ExportRequest"

	r, err := scanExport(s.DB.QueryRowContext(ctx,
		`SELECT `+exportColumns+` FROM data_export_requests WHERE id = $1 AND user_id = $2`, id, userID))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return r, nil
}

// ClaimExports переводит в processing запросы, ожидающие обработки, повторяемые
// после сбоя и зависшие в processing дольше staleBefore.
func (s *Storage) ClaimExports(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.DataExportRequest, error) {
	const op = "storage.ClaimExports"

	return s.listExports(ctx, op, s.DB, `UPDATE data_export_requests
		SET status = 'processing', started_at = $1, attempts = attempts + 1, version = version + 1
		WHERE id IN (
			SELECT id FROM data_export_requests
			WHERE status = 'requested'
			   OR (status = 'failed' AND retryable)
			   OR (status = 'processing' AND started_at < $2)
			ORDER BY requested_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+exportColumns, now, staleBefore, limit)
}

// CompleteExport отмечает выгрузку готовой. Версия должна совпадать с захваченной.
func (s *Storage) CompleteExport(ctx context.Context, r models.DataExportRequest, audit models.AuditEntry) error {
	const op = "storage.CompleteExport"

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE data_export_requests
			 SET status = 'ready', artifact_key = $3, completed_at = $4, expires_at = $5,
			     last_error = '', version = version + 1
			 WHERE id = $1 AND version = $2 AND status = 'processing'`,
			r.ID, r.Version, r.ArtifactKey, nullTime(r.CompletedAt), nullTime(r.ExpiresAt))
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.ErrConflict
		}
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// FailExport отмечает неудачную попытку; retryable=false закрывает запрос окончательно.
func (s *Storage) FailExport(ctx context.Context, r models.DataExportRequest, lastError string, retryable bool) error {
	const op = "storage.FailExport"

	res, err := s.DB.ExecContext(ctx,
		`UPDATE data_export_requests
		 SET status = 'failed', last_error = $3, retryable = $4, version = version + 1
		 WHERE id = $1 AND version = $2 AND status = 'processing'`,
		r.ID, r.Version, lastError, retryable)
	if err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", op, apperr.ErrConflict)
	}
	return nil
}

// MarkExportDelivered фиксирует первое скачивание выгрузки.
func (s *Storage) MarkExportDelivered(ctx context.Context, id string, at time.Time, audit models.AuditEntry) error {
	const op = "storage.MarkExportDelivered"

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE data_export_requests
			 SET status = 'delivered', delivered_at = $2, version = version + 1
			 WHERE id = $1 AND status = 'ready'`, id, at)
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

// ExpiredExports возвращает готовые выгрузки с истёкшей ссылкой.
func (s *Storage) ExpiredExports(ctx context.Context, now time.Time, limit int) ([]models.DataExportRequest, error) {
	const op = "storage.ExpiredExports"

	return s.listExports(ctx, op, s.DB, `SELECT `+exportColumns+`
		FROM data_export_requests
		WHERE status IN ('ready', 'delivered') AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
}

// ExpireExport отмечает выгрузку истёкшей и забывает ключ артефакта.
func (s *Storage) ExpireExport(ctx context.Context, id string) error {
	const op = "storage.ExpireExport"

	if _, err := s.DB.ExecContext(ctx,
		`UPDATE data_export_requests
		 SET status = 'expired', artifact_key = NULL, version = version + 1
		 WHERE id = $1 AND status IN ('ready', 'delivered')`, id); err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	return nil
}

// ExportArtifactKeys возвращает ключи всех сохранённых артефактов пользователя.
func (s *Storage) ExportArtifactKeys(ctx context.Context, userID string) ([]string, error) {
	const op = "storage.ExportArtifactKeys"

	rows, err := s.DB.QueryContext(ctx,
		`SELECT artifact_key FROM data_export_requests
		 WHERE user_id = $1 AND artifact_key IS NOT NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("%s: %w", op, classify(err))
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return keys, nil
}
