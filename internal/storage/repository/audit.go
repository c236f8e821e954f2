package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAudit(ctx context.Context, q execer, e models.AuditEntry) error {
	details := []byte(e.Details)
	if len(details) == 0 {
		details = []byte(`{}`)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (user_id, action, resource, details, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		nullString(e.UserID), e.Action, e.Resource, details, e.CreatedAt)
	return classify(err)
}

// AppendAudit добавляет запись в журнал аудита.
func (s *Storage) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	const op = "storage.AppendAudit"

	if err := insertAudit(ctx, s.DB, e); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// AuditEntries возвращает журнал аудита пользователя.
func (s *Storage) AuditEntries(ctx context.Context, userID string) ([]models.AuditEntry, error) {
	const op = "storage.AuditEntries"

	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, action, resource, details, created_at
		 FROM audit_log WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	defer rows.Close()

	var result []models.AuditEntry
	for rows.Next() {
		var (
			e       models.AuditEntry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Resource, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, classify(err))
		}
		e.UserID = userID
		e.Details = details
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return result, nil
}
