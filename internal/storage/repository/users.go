package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

const userColumns = `id, email, tier, stripe_customer_id, created_at, updated_at, anonymized_at`

func scanUser(row interface{ Scan(dest ...any) error }) (*models.User, error) {
	var (
		u          models.User
		customerID sql.NullString
		anonymized sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Tier, &customerID, &u.CreatedAt, &u.UpdatedAt, &anonymized); err != nil {
		return nil, err
	}
	u.StripeCustomerID = customerID.String
	if anonymized.Valid {
		u.AnonymizedAt = &anonymized.Time
	}
	return &u, nil
}

// EnsureUser создаёт пользователя при первом обращении, не меняя существующего.
func (s *Storage) EnsureUser(ctx context.Context, userID, email string) error {
	const op = "storage.EnsureUser"

	query := `INSERT INTO users (id, email) VALUES ($1, $2)
			  ON CONFLICT (id) DO NOTHING`
	if _, err := s.DB.ExecContext(ctx, query, userID, email); err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	return nil
}

// GetUser возвращает пользователя по ID.
func (s *Storage) GetUser(ctx context.Context, userID string) (*models.User, error) {
	const op = "storage.GetUser"

	row := s.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return u, nil
}

// UserByCustomerID ищет пользователя по идентификатору клиента у провайдера.
func (s *Storage) UserByCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	const op = "storage.UserByCustomerID"

	row := s.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE stripe_customer_id = $1`, customerID)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	return u, nil
}

// SetCustomerID привязывает клиента провайдера к пользователю.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) error {
	const op = "storage.SetCustomerID"

	res, err := s.DB.ExecContext(ctx,
		`UPDATE users SET stripe_customer_id = $2, updated_at = $3 WHERE id = $1`,
		userID, customerID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", op, classify(sql.ErrNoRows))
	}
	return nil
}
