package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

// Consents возвращает текущие согласия пользователя.
func (s *Storage) Consents(ctx context.Context, userID string) ([]models.Consent, error) {
	const op = "storage.Consents"

	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id, consent_type, granted, policy_version, updated_at
		 FROM consents WHERE user_id = $1 ORDER BY consent_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	defer rows.Close()

	var result []models.Consent
	for rows.Next() {
		var c models.Consent
		if err := rows.Scan(&c.UserID, &c.Type, &c.Granted, &c.PolicyVersion, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, classify(err))
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return result, nil
}

// UpsertConsent меняет согласие и в той же транзакции дописывает историю и аудит.
// Previous в возвращаемой записи берётся из заблокированной текущей строки.
func (s *Storage) UpsertConsent(ctx context.Context, change models.ConsentChange, audit models.AuditEntry) (models.ConsentChange, error) {
	const op = "storage.UpsertConsent"

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var previous bool
		err := tx.QueryRowContext(ctx,
			`SELECT granted FROM consents WHERE user_id = $1 AND consent_type = $2 FOR UPDATE`,
			change.UserID, change.Type).Scan(&previous)
		switch {
		case err == sql.ErrNoRows:
			change.Previous = nil
		case err != nil:
			return classify(err)
		default:
			change.Previous = &previous
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO consents (user_id, consent_type, granted, policy_version, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id, consent_type)
			 DO UPDATE SET granted = EXCLUDED.granted, policy_version = EXCLUDED.policy_version,
			               updated_at = EXCLUDED.updated_at`,
			change.UserID, change.Type, change.Granted, change.PolicyVersion, change.ChangedAt); err != nil {
			return classify(err)
		}

		var prev sql.NullBool
		if change.Previous != nil {
			prev = sql.NullBool{Bool: *change.Previous, Valid: true}
		}
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO consent_history
			   (user_id, consent_type, previous, granted, ip_address, user_agent, policy_version, changed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id`,
			change.UserID, change.Type, prev, change.Granted, nullString(change.IPAddress),
			nullString(change.UserAgent), change.PolicyVersion, change.ChangedAt).Scan(&change.ID); err != nil {
			return classify(err)
		}

		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return models.ConsentChange{}, fmt.Errorf("%s: %w", op, err)
	}
	return change, nil
}

// ConsentHistory возвращает историю изменений согласий пользователя.
func (s *Storage) ConsentHistory(ctx context.Context, userID string) ([]models.ConsentChange, error) {
	const op = "storage.ConsentHistory"

	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, consent_type, previous, granted, COALESCE(ip_address, ''), COALESCE(user_agent, ''),
		        policy_version, changed_at
		 FROM consent_history WHERE user_id = $1 ORDER BY changed_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	defer rows.Close()

	var result []models.ConsentChange
	for rows.Next() {
		var (
			c    models.ConsentChange
			prev sql.NullBool
		)
		if err := rows.Scan(&c.ID, &c.Type, &prev, &c.Granted, &c.IPAddress, &c.UserAgent,
			&c.PolicyVersion, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, classify(err))
		}
		if prev.Valid {
			c.Previous = &prev.Bool
		}
		c.UserID = userID
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return result, nil
}
