package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magabrotheeeer/entitlement-engine/internal/migrations"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

// TestDataFactory содержит методы для создания тестовых данных
type TestDataFactory struct {
	storage *Storage
}

// NewTestDataFactory создает новую фабрику тестовых данных
func NewTestDataFactory(storage *Storage) *TestDataFactory {
	return &TestDataFactory{storage: storage}
}

// CreateUser создает тестового пользователя и возвращает его ID
func (f *TestDataFactory) CreateUser(t *testing.T, email string) string {
	id := uuid.New().String()
	require.NoError(t, f.storage.EnsureUser(context.Background(), id, email))
	return id
}

// CreateSubscription создает подписку в заданном статусе
func (f *TestDataFactory) CreateSubscription(t *testing.T, userID string, status models.SubscriptionStatus,
	periodStart, periodEnd time.Time) models.Subscription {
	now := time.Now().UTC()
	sub := models.Subscription{
		ID:                     uuid.New().String(),
		UserID:                 userID,
		Status:                 status,
		CurrentPeriodStart:     periodStart,
		CurrentPeriodEnd:       periodEnd,
		ExternalSubscriptionID: "sub_" + uuid.New().String()[:8],
		Version:                1,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	err := f.storage.ApplyTransition(context.Background(), models.TransitionRecord{
		Subscription: sub,
		Insert:       true,
		Tier:         models.TierFor(status),
		Event: models.OutboxEvent{
			AggregateID: sub.ID,
			UserID:      userID,
			EventType:   "subscription." + string(status),
			CreatedAt:   now,
		},
	})
	require.NoError(t, err)
	return sub
}

// CreateUsage добавляет запись потребления без проверки лимита
func (f *TestDataFactory) CreateUsage(t *testing.T, userID string, kind models.ResourceKind, milli int64, at time.Time) {
	_, err := f.storage.DB.Exec(`INSERT INTO usage_records (user_id, resource_kind, amount, occurred_at)
		VALUES ($1, $2, $3, $4)`, userID, kind, milli, at)
	require.NoError(t, err)
}

// CountUsage возвращает число записей потребления пользователя
func (f *TestDataFactory) CountUsage(t *testing.T, userID string) int {
	var n int
	err := f.storage.DB.QueryRow(`SELECT COUNT(*) FROM usage_records WHERE user_id = $1`, userID).Scan(&n)
	require.NoError(t, err)
	return n
}

// setupTestDatabase создает тестовую БД с контейнером PostgreSQL и применяет миграции
func setupTestDatabase(t *testing.T) (*Storage, func()) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err, "failed to start container")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Пробуем подключиться несколько раз с ретраями
	var storage *Storage
	for range 10 {
		storage, err = New(connStr)
		if err == nil {
			break
		}
		time.Sleep(1 * time.Second)
	}
	require.NoError(t, err, "Failed to create storage after retries")

	root, err := filepath.Abs("../../..")
	require.NoError(t, err)
	require.NoError(t, migrations.Run(storage.DB, filepath.Join(root, "migrations")))

	cleanup := func() {
		if storage != nil && storage.DB != nil {
			_ = storage.DB.Close()
		}
		_ = pgContainer.Terminate(ctx)
	}

	return storage, cleanup
}
