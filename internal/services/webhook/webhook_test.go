package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/clock"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/digest"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/retry"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
	"github.com/magabrotheeeer/entitlement-engine/internal/paymentprovider"
	"github.com/magabrotheeeer/entitlement-engine/internal/services/subscription"
)

const testSecret = "whsec_test"

const paidPayload = `{
  "id": "evt_paid_1",
  "type": "invoice.paid",
  "created": 1775001600,
  "data": {"object": {
    "id": "in_1",
    "customer": "cus_1",
    "subscription": "sub_1",
    "lines": {"data": [{"period": {"start": 1775001600, "end": 1777593600}}]}
  }}
}`

const unknownPayload = `{"id": "evt_refund_1", "type": "charge.refunded", "created": 1775001600, "data": {"object": {"id": "ch_1"}}}`

type RepoMock struct{ mock.Mock }

func (m *RepoMock) RecordBillingEvent(ctx context.Context, ev models.BillingEvent) (*models.BillingEvent, bool, error) {
	args := m.Called(ctx, ev)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.BillingEvent), args.Bool(1), args.Error(2)
}

func (m *RepoMock) MarkBillingEventProcessed(ctx context.Context, externalID string, at time.Time) (bool, error) {
	args := m.Called(ctx, externalID, at)
	return args.Bool(0), args.Error(1)
}

func (m *RepoMock) MarkBillingEventFailed(ctx context.Context, externalID, lastError string, nextAttemptAt time.Time) (int, error) {
	args := m.Called(ctx, externalID, lastError, nextAttemptAt)
	return args.Int(0), args.Error(1)
}

func (m *RepoMock) PendingBillingEvents(ctx context.Context, now time.Time, limit int) ([]models.BillingEvent, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.BillingEvent), args.Error(1)
}

func (m *RepoMock) MarkBillingEventAlerted(ctx context.Context, externalID string, at time.Time) error {
	return m.Called(ctx, externalID, at).Error(0)
}

type SubscriptionsMock struct{ mock.Mock }

func (m *SubscriptionsMock) ApplyProviderEvent(ctx context.Context, kind models.BillingEventKind) (subscription.Outcome, error) {
	args := m.Called(ctx, kind)
	return args.Get(0).(subscription.Outcome), args.Error(1)
}

type AlerterMock struct{ mock.Mock }

func (m *AlerterMock) Alert(ctx context.Context, a models.Alert) error {
	return m.Called(ctx, a).Error(0)
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type fixture struct {
	repo    *RepoMock
	subs    *SubscriptionsMock
	alerter *AlerterMock
	clock   *clock.Manual
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    &RepoMock{},
		subs:    &SubscriptionsMock{},
		alerter: &AlerterMock{},
		clock:   clock.NewManual(time.Now()),
	}
	policy := retry.NewPolicy(retry.Config{MaxAttempts: 3, InitialDelay: time.Minute, MaxDelay: time.Hour, BackoffMultiplier: 2})
	svc, err := New(f.repo, paymentprovider.NewVerifier(testSecret, 5*time.Minute), f.subs, f.alerter,
		policy, f.clock, 16, 10, newNoopLogger())
	require.NoError(t, err)
	f.svc = svc
	return f
}

func sign(payload string) string {
	return stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
	}).Header
}

func isPaid(kind models.BillingEventKind) bool {
	e, ok := kind.(models.InvoicePaymentSucceeded)
	return ok && e.EventID() == "evt_paid_1" && e.Invoice.SubscriptionID == "sub_1"
}

func TestService_Ingest(t *testing.T) {
	processedAt := time.Now()

	tests := []struct {
		name       string
		payload    string
		header     func(payload string) string
		setupMocks func(f *fixture)
		want       models.IngestResult
		wantErr    error
	}{
		{
			name:    "invalid signature",
			payload: paidPayload,
			header:  func(string) string { return "t=1,v1=deadbeef" },
			wantErr: apperr.ErrSignatureInvalid,
		},
		{
			name:    "malformed body",
			payload: `{"type": "invoice.paid"}`,
			header:  sign,
			wantErr: apperr.ErrMalformed,
		},
		{
			name:    "accepted",
			payload: paidPayload,
			header:  sign,
			setupMocks: func(f *fixture) {
				f.repo.On("RecordBillingEvent", mock.Anything, mock.MatchedBy(func(ev models.BillingEvent) bool {
					return ev.ExternalEventID == "evt_paid_1" && ev.Type == "invoice.paid" &&
						ev.PayloadDigest == digest.Sum([]byte(paidPayload))
				})).Return(&models.BillingEvent{ExternalEventID: "evt_paid_1", PayloadDigest: digest.Sum([]byte(paidPayload))}, true, nil)
				f.subs.On("ApplyProviderEvent", mock.Anything, mock.MatchedBy(isPaid)).
					Return(subscription.Outcome{From: models.StatusNone, To: models.StatusActive}, nil)
			},
			want: models.IngestAccepted,
		},
		{
			name:    "stored as processed",
			payload: paidPayload,
			header:  sign,
			setupMocks: func(f *fixture) {
				f.repo.On("RecordBillingEvent", mock.Anything, mock.Anything).
					Return(&models.BillingEvent{ExternalEventID: "evt_paid_1", ProcessedAt: &processedAt}, false, nil)
			},
			want: models.IngestDuplicate,
		},
		{
			name:    "concurrent delivery committed first",
			payload: paidPayload,
			header:  sign,
			setupMocks: func(f *fixture) {
				f.repo.On("RecordBillingEvent", mock.Anything, mock.Anything).
					Return(&models.BillingEvent{ExternalEventID: "evt_paid_1"}, false, nil)
				f.subs.On("ApplyProviderEvent", mock.Anything, mock.Anything).
					Return(subscription.Outcome{}, apperr.ErrDuplicate)
			},
			want: models.IngestDuplicate,
		},
		{
			name:    "unknown type is acknowledged",
			payload: unknownPayload,
			header:  sign,
			setupMocks: func(f *fixture) {
				f.repo.On("RecordBillingEvent", mock.Anything, mock.Anything).
					Return(&models.BillingEvent{ExternalEventID: "evt_refund_1"}, true, nil)
				f.subs.On("ApplyProviderEvent", mock.Anything, mock.AnythingOfType("models.UnhandledEvent")).
					Return(subscription.Outcome{}, apperr.Ignored("unhandled event type charge.refunded"))
				f.repo.On("MarkBillingEventProcessed", mock.Anything, "evt_refund_1", mock.Anything).Return(true, nil)
			},
			want: models.IngestIgnored,
		},
		{
			name:    "storage outage while applying",
			payload: paidPayload,
			header:  sign,
			setupMocks: func(f *fixture) {
				f.repo.On("RecordBillingEvent", mock.Anything, mock.Anything).
					Return(&models.BillingEvent{ExternalEventID: "evt_paid_1", Attempts: 1}, false, nil)
				f.subs.On("ApplyProviderEvent", mock.Anything, mock.Anything).
					Return(subscription.Outcome{}, apperr.Retryable(errors.New("connection reset")))
				f.repo.On("MarkBillingEventFailed", mock.Anything, "evt_paid_1", mock.AnythingOfType("string"),
					f.clock.Now().Add(2*time.Minute)).Return(2, nil)
			},
			wantErr: apperr.ErrRetryable,
		},
		{
			name:    "journal unavailable",
			payload: paidPayload,
			header:  sign,
			setupMocks: func(f *fixture) {
				f.repo.On("RecordBillingEvent", mock.Anything, mock.Anything).
					Return(nil, false, errors.New("too many connections"))
			},
			wantErr: apperr.ErrRetryable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setupMocks != nil {
				tt.setupMocks(f)
			}

			got, err := f.svc.Ingest(context.Background(), []byte(tt.payload), tt.header(tt.payload))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			f.repo.AssertExpectations(t)
			f.subs.AssertExpectations(t)
		})
	}
}

func TestService_Ingest_SecondDeliveryHitsCache(t *testing.T) {
	f := newFixture(t)
	f.repo.On("RecordBillingEvent", mock.Anything, mock.Anything).
		Return(&models.BillingEvent{ExternalEventID: "evt_paid_1"}, true, nil).Once()
	f.subs.On("ApplyProviderEvent", mock.Anything, mock.Anything).
		Return(subscription.Outcome{To: models.StatusActive}, nil).Once()

	first, err := f.svc.Ingest(context.Background(), []byte(paidPayload), sign(paidPayload))
	require.NoError(t, err)
	assert.Equal(t, models.IngestAccepted, first)

	second, err := f.svc.Ingest(context.Background(), []byte(paidPayload), sign(paidPayload))
	require.NoError(t, err)
	assert.Equal(t, models.IngestDuplicate, second)

	f.repo.AssertNumberOfCalls(t, "RecordBillingEvent", 1)
	f.subs.AssertNumberOfCalls(t, "ApplyProviderEvent", 1)
}

func TestService_RetryPending(t *testing.T) {
	stored := func(id string, attempts int, payload string) models.BillingEvent {
		return models.BillingEvent{ExternalEventID: id, Type: "invoice.paid", Payload: []byte(payload), Attempts: attempts}
	}

	t.Run("replay succeeds", func(t *testing.T) {
		f := newFixture(t)
		f.repo.On("PendingBillingEvents", mock.Anything, f.clock.Now(), 10).
			Return([]models.BillingEvent{stored("evt_paid_1", 1, paidPayload)}, nil)
		f.subs.On("ApplyProviderEvent", mock.Anything, mock.MatchedBy(isPaid)).
			Return(subscription.Outcome{To: models.StatusActive}, nil)

		n, err := f.svc.RetryPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("exhausted retries raise an alert", func(t *testing.T) {
		f := newFixture(t)
		f.repo.On("PendingBillingEvents", mock.Anything, f.clock.Now(), 10).
			Return([]models.BillingEvent{stored("evt_paid_1", 2, paidPayload)}, nil)
		f.subs.On("ApplyProviderEvent", mock.Anything, mock.Anything).
			Return(subscription.Outcome{}, apperr.Retryable(errors.New("deadlock detected")))
		f.repo.On("MarkBillingEventFailed", mock.Anything, "evt_paid_1", mock.Anything, mock.Anything).Return(3, nil)
		f.repo.On("MarkBillingEventAlerted", mock.Anything, "evt_paid_1", f.clock.Now()).Return(nil)
		f.alerter.On("Alert", mock.Anything, mock.MatchedBy(func(a models.Alert) bool {
			return a.Source == "webhook" && a.Details["attempts"] == "3"
		})).Return(nil)

		n, err := f.svc.RetryPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		f.repo.AssertExpectations(t)
		f.alerter.AssertExpectations(t)
	})

	t.Run("failure below the limit is rescheduled", func(t *testing.T) {
		f := newFixture(t)
		f.repo.On("PendingBillingEvents", mock.Anything, f.clock.Now(), 10).
			Return([]models.BillingEvent{stored("evt_paid_1", 0, paidPayload)}, nil)
		f.subs.On("ApplyProviderEvent", mock.Anything, mock.Anything).
			Return(subscription.Outcome{}, apperr.Retryable(errors.New("timeout")))
		f.repo.On("MarkBillingEventFailed", mock.Anything, "evt_paid_1", mock.Anything, f.clock.Now().Add(time.Minute)).Return(1, nil)

		_, err := f.svc.RetryPending(context.Background())
		require.NoError(t, err)
		f.alerter.AssertNotCalled(t, "Alert", mock.Anything, mock.Anything)
	})

	t.Run("unparseable stored payload", func(t *testing.T) {
		f := newFixture(t)
		f.repo.On("PendingBillingEvents", mock.Anything, f.clock.Now(), 10).
			Return([]models.BillingEvent{stored("evt_bad", 0, `not json`)}, nil)
		f.repo.On("MarkBillingEventAlerted", mock.Anything, "evt_bad", f.clock.Now()).Return(nil)
		f.alerter.On("Alert", mock.Anything, mock.Anything).Return(errors.New("broker down"))

		_, err := f.svc.RetryPending(context.Background())
		require.NoError(t, err)
		f.subs.AssertNotCalled(t, "ApplyProviderEvent", mock.Anything, mock.Anything)
	})
}
