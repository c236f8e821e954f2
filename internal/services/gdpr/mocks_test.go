package gdpr

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/entitlement-engine/internal/models"
	"github.com/magabrotheeeer/entitlement-engine/internal/services/subscription"
)

type RepoMock struct{ mock.Mock }

func (m *RepoMock) GetUser(ctx context.Context, userID string) (*models.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *RepoMock) SubscriptionHistory(ctx context.Context, userID string) ([]models.Subscription, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]models.Subscription), args.Error(1)
}

func (m *RepoMock) UsageRecords(ctx context.Context, userID string) ([]models.UsageRecord, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]models.UsageRecord), args.Error(1)
}

func (m *RepoMock) AuditEntries(ctx context.Context, userID string) ([]models.AuditEntry, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]models.AuditEntry), args.Error(1)
}

func (m *RepoMock) Consents(ctx context.Context, userID string) ([]models.Consent, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]models.Consent), args.Error(1)
}

func (m *RepoMock) UpsertConsent(ctx context.Context, change models.ConsentChange, audit models.AuditEntry) (models.ConsentChange, error) {
	args := m.Called(ctx, change, audit)
	return args.Get(0).(models.ConsentChange), args.Error(1)
}

func (m *RepoMock) ConsentHistory(ctx context.Context, userID string) ([]models.ConsentChange, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]models.ConsentChange), args.Error(1)
}

func (m *RepoMock) CreateExportRequest(ctx context.Context, r models.DataExportRequest, audit models.AuditEntry) error {
	return m.Called(ctx, r, audit).Error(0)
}

func (m *RepoMock) ExportRequest(ctx context.Context, userID, id string) (*models.DataExportRequest, error) {
	args := m.Called(ctx, userID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DataExportRequest), args.Error(1)
}

func (m *RepoMock) ClaimExports(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.DataExportRequest, error) {
	args := m.Called(ctx, now, staleBefore, limit)
	return args.Get(0).([]models.DataExportRequest), args.Error(1)
}

func (m *RepoMock) CompleteExport(ctx context.Context, r models.DataExportRequest, audit models.AuditEntry) error {
	return m.Called(ctx, r, audit).Error(0)
}

func (m *RepoMock) FailExport(ctx context.Context, r models.DataExportRequest, lastError string, retryable bool) error {
	return m.Called(ctx, r, lastError, retryable).Error(0)
}

func (m *RepoMock) MarkExportDelivered(ctx context.Context, id string, at time.Time, audit models.AuditEntry) error {
	return m.Called(ctx, id, at, audit).Error(0)
}

func (m *RepoMock) ExpiredExports(ctx context.Context, now time.Time, limit int) ([]models.DataExportRequest, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]models.DataExportRequest), args.Error(1)
}

func (m *RepoMock) ExpireExport(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *RepoMock) ExportArtifactKeys(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]string), args.Error(1)
}

func (m *RepoMock) CreateDeletionRequest(ctx context.Context, r models.DataDeletionRequest, audit models.AuditEntry) error {
	return m.Called(ctx, r, audit).Error(0)
}

func (m *RepoMock) LatestDeletionRequest(ctx context.Context, userID string) (*models.DataDeletionRequest, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DataDeletionRequest), args.Error(1)
}

func (m *RepoMock) RescindDeletion(ctx context.Context, userID string, at time.Time, audit models.AuditEntry) (*models.DataDeletionRequest, error) {
	args := m.Called(ctx, userID, at, audit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DataDeletionRequest), args.Error(1)
}

func (m *RepoMock) ClaimDueDeletions(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.DataDeletionRequest, error) {
	args := m.Called(ctx, now, staleBefore, limit)
	return args.Get(0).([]models.DataDeletionRequest), args.Error(1)
}

func (m *RepoMock) ExecuteErasureStep(ctx context.Context, requestID string, step models.ErasureStep,
	subject models.ErasureSubject, at time.Time) error {
	return m.Called(ctx, requestID, step, subject, at).Error(0)
}

func (m *RepoMock) CompleteDeletion(ctx context.Context, requestID string, at time.Time, audit models.AuditEntry) error {
	return m.Called(ctx, requestID, at, audit).Error(0)
}

type StoreMock struct{ mock.Mock }

func (m *StoreMock) ExportKey(userID, requestID, format string) string {
	return "exports/" + userID + "/" + requestID + "." + format
}

func (m *StoreMock) Put(ctx context.Context, key string, body []byte, contentType string) error {
	return m.Called(ctx, key, body, contentType).Error(0)
}

func (m *StoreMock) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *StoreMock) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	args := m.Called(ctx, key, ttl)
	return args.String(0), args.Error(1)
}

type NotifierMock struct{ mock.Mock }

func (m *NotifierMock) Notify(ctx context.Context, n models.Notification) error {
	return m.Called(ctx, n).Error(0)
}

type SubscriptionsMock struct{ mock.Mock }

func (m *SubscriptionsMock) Cancel(ctx context.Context, principal models.Principal, atPeriodEnd bool) (subscription.Outcome, error) {
	args := m.Called(ctx, principal, atPeriodEnd)
	return args.Get(0).(subscription.Outcome), args.Error(1)
}

type InvalidatorMock struct{ mock.Mock }

func (m *InvalidatorMock) Invalidate(ctx context.Context, userID string) {
	m.Called(ctx, userID)
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}
