package subscription

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

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/clock"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
	"github.com/magabrotheeeer/entitlement-engine/internal/paymentprovider"
)

type RepoMock struct{ mock.Mock }

func (m *RepoMock) EnsureUser(ctx context.Context, userID, email string) error {
	return m.Called(ctx, userID, email).Error(0)
}

func (m *RepoMock) GetUser(ctx context.Context, userID string) (*models.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *RepoMock) UserByCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *RepoMock) SetCustomerID(ctx context.Context, userID, customerID string) error {
	return m.Called(ctx, userID, customerID).Error(0)
}

func (m *RepoMock) ActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subscription), args.Error(1)
}

func (m *RepoMock) SubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	args := m.Called(ctx, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subscription), args.Error(1)
}

func (m *RepoMock) CancelingDue(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Subscription), args.Error(1)
}

func (m *RepoMock) PastDueExpired(ctx context.Context, windowStart time.Time, maxAttempts, limit int) ([]models.Subscription, error) {
	args := m.Called(ctx, windowStart, maxAttempts, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Subscription), args.Error(1)
}

func (m *RepoMock) ApplyTransition(ctx context.Context, rec models.TransitionRecord) error {
	return m.Called(ctx, rec).Error(0)
}

type ProviderMock struct{ mock.Mock }

func (m *ProviderMock) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	args := m.Called(ctx, userID, email)
	return args.String(0), args.Error(1)
}

func (m *ProviderMock) CreateSubscription(ctx context.Context, userID, customerID, paymentMethodID string) (paymentprovider.Result, error) {
	args := m.Called(ctx, userID, customerID, paymentMethodID)
	return args.Get(0).(paymentprovider.Result), args.Error(1)
}

func (m *ProviderMock) CancelSubscription(ctx context.Context, externalID string) (paymentprovider.Result, error) {
	args := m.Called(ctx, externalID)
	return args.Get(0).(paymentprovider.Result), args.Error(1)
}

func (m *ProviderMock) SetCancelAtPeriodEnd(ctx context.Context, externalID string, cancel bool) (paymentprovider.Result, error) {
	args := m.Called(ctx, externalID, cancel)
	return args.Get(0).(paymentprovider.Result), args.Error(1)
}

func (m *ProviderMock) BillingPortalURL(ctx context.Context, customerID, returnURL string) (string, error) {
	args := m.Called(ctx, customerID, returnURL)
	return args.String(0), args.Error(1)
}

type InvalidatorMock struct{ mock.Mock }

func (m *InvalidatorMock) Invalidate(ctx context.Context, userID string) {
	m.Called(ctx, userID)
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type fixture struct {
	repo     *RepoMock
	provider *ProviderMock
	cache    *InvalidatorMock
	clock    *clock.Manual
	svc      *Service
}

func newFixture(now time.Time) *fixture {
	f := &fixture{repo: &RepoMock{}, provider: &ProviderMock{}, cache: &InvalidatorMock{}, clock: clock.NewManual(now)}
	f.svc = New(f.repo, f.provider, f.cache, f.clock, testPolicy, 10, "https://app.example.com/account", newNoopLogger())
	return f
}

func TestService_Apply(t *testing.T) {
	now := t1.Add(time.Hour)

	tests := []struct {
		name       string
		event      models.SubscriptionEvent
		setupMocks func(f *fixture)
		wantTo     models.SubscriptionStatus
		wantErr    error
	}{
		{
			name:  "activation inserts and sets premium",
			event: eventOf(models.EventActivated),
			setupMocks: func(f *fixture) {
				f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(nil, nil).Once()
				f.repo.On("ApplyTransition", mock.Anything, mock.MatchedBy(func(r models.TransitionRecord) bool {
					return r.Insert && r.Tier == models.TierPremium &&
						r.Event.EventType == "subscription.active" && r.Event.AggregateID == r.Subscription.ID
				})).Return(nil).Once()
				f.cache.On("Invalidate", mock.Anything, "u1").Once()
			},
			wantTo: models.StatusActive,
		},
		{
			name:  "version conflict is retried from a fresh read",
			event: models.SubscriptionEvent{Kind: models.EventCancelRequested, Source: models.SourceUser, OccurredAt: now},
			setupMocks: func(f *fixture) {
				stale := subscriptionIn(models.StatusActive)
				fresh := subscriptionIn(models.StatusActive)
				fresh.Version = 5
				f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(stale, nil).Once()
				f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(fresh, nil).Once()
				f.repo.On("ApplyTransition", mock.Anything, mock.MatchedBy(func(r models.TransitionRecord) bool {
					return r.ExpectedVersion == 4
				})).Return(apperr.ErrConflict).Once()
				f.repo.On("ApplyTransition", mock.Anything, mock.MatchedBy(func(r models.TransitionRecord) bool {
					return r.ExpectedVersion == 5 && r.Subscription.Version == 6 && r.Tier == models.TierPremium
				})).Return(nil).Once()
				f.cache.On("Invalidate", mock.Anything, "u1").Once()
			},
			wantTo: models.StatusCanceling,
		},
		{
			name:  "persistent conflict becomes retryable",
			event: models.SubscriptionEvent{Kind: models.EventCancelRequested, Source: models.SourceUser, OccurredAt: now},
			setupMocks: func(f *fixture) {
				f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(subscriptionIn(models.StatusActive), nil).Times(maxConflictRetries)
				f.repo.On("ApplyTransition", mock.Anything, mock.Anything).Return(apperr.ErrConflict).Times(maxConflictRetries)
			},
			wantErr: apperr.ErrRetryable,
		},
		{
			name:  "ignored transition writes nothing",
			event: models.SubscriptionEvent{Kind: models.EventReactivated, Source: models.SourceUser, OccurredAt: now},
			setupMocks: func(f *fixture) {
				f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(subscriptionIn(models.StatusActive), nil)
			},
			wantErr: apperr.ErrIgnored,
		},
		{
			name:  "already processed webhook",
			event: eventOf(models.EventProviderDeleted),
			setupMocks: func(f *fixture) {
				f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(subscriptionIn(models.StatusActive), nil)
				f.repo.On("ApplyTransition", mock.Anything, mock.MatchedBy(func(r models.TransitionRecord) bool {
					return r.Tier == models.TierFree
				})).Return(apperr.ErrDuplicate)
			},
			wantErr: apperr.ErrDuplicate,
		},
		{
			name:  "storage failure",
			event: eventOf(models.EventPaymentFailed),
			setupMocks: func(f *fixture) {
				f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(nil, apperr.Retryable(errors.New("conn refused")))
			},
			wantErr: apperr.ErrRetryable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(now)
			tt.setupMocks(f)

			out, err := f.svc.Apply(context.Background(), "u1", tt.event)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				f.cache.AssertNotCalled(t, "Invalidate", mock.Anything, mock.Anything)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantTo, out.To)
			}
			f.repo.AssertExpectations(t)
			f.cache.AssertExpectations(t)
		})
	}
}

func TestService_ApplyProviderEvent(t *testing.T) {
	created := time.Date(2026, 4, 1, 0, 0, 5, 0, time.UTC)
	meta := func(typ string) models.EventMeta {
		return models.EventMeta{ID: "evt_1", Type: typ, CreatedAt: created}
	}

	tests := []struct {
		name       string
		kind       models.BillingEventKind
		setupMocks func(f *fixture)
		wantTo     models.SubscriptionStatus
		wantErr    error
	}{
		{
			name: "first invoice paid activates",
			kind: models.InvoicePaymentSucceeded{
				EventMeta: meta(paymentprovider.EventInvoicePaid),
				Invoice:   models.ProviderInvoice{ID: "in_1", CustomerID: "cus_1", SubscriptionID: "sub_1", PeriodStart: t1, PeriodEnd: t2},
			},
			setupMocks: func(f *fixture) {
				f.repo.On("SubscriptionByExternalID", mock.Anything, "sub_1").Return(nil, nil)
				f.repo.On("UserByCustomerID", mock.Anything, "cus_1").Return(&models.User{ID: "u1"}, nil)
				f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(nil, nil)
				f.repo.On("ApplyTransition", mock.Anything, mock.MatchedBy(func(r models.TransitionRecord) bool {
					return r.Insert && r.BillingEventID == "evt_1" && r.Subscription.ExternalSubscriptionID == "sub_1" &&
						r.Subscription.CurrentPeriodEnd.Equal(t2) && r.Subscription.LastEventAt.Equal(created)
				})).Return(nil)
				f.cache.On("Invalidate", mock.Anything, "u1")
			},
			wantTo: models.StatusActive,
		},
		{
			name: "payment failure on active subscription",
			kind: models.InvoicePaymentFailed{
				EventMeta: meta(paymentprovider.EventInvoiceFailed),
				Invoice:   models.ProviderInvoice{ID: "in_2", CustomerID: "cus_1", SubscriptionID: "sub_1"},
			},
			setupMocks: func(f *fixture) {
				f.repo.On("SubscriptionByExternalID", mock.Anything, "sub_1").Return(subscriptionIn(models.StatusActive), nil)
				f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(subscriptionIn(models.StatusActive), nil)
				f.repo.On("ApplyTransition", mock.Anything, mock.MatchedBy(func(r models.TransitionRecord) bool {
					return r.Subscription.Status == models.StatusPastDue && r.Tier == models.TierPremium
				})).Return(nil)
				f.cache.On("Invalidate", mock.Anything, "u1")
			},
			wantTo: models.StatusPastDue,
		},
		{
			name: "subscription metadata names the user",
			kind: models.SubscriptionUpdated{
				EventMeta: meta(paymentprovider.EventSubscriptionUpdated),
				Subscription: models.ProviderSubscription{
					ID: "sub_1", CustomerID: "cus_1", Status: "active", CancelAtPeriodEnd: true,
					PeriodStart: t0, PeriodEnd: t1, UserID: "u1",
				},
			},
			setupMocks: func(f *fixture) {
				f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(subscriptionIn(models.StatusActive), nil)
				f.repo.On("ApplyTransition", mock.Anything, mock.MatchedBy(func(r models.TransitionRecord) bool {
					return r.Subscription.CancelAtPeriodEnd && r.Subscription.Status == models.StatusCanceling
				})).Return(nil)
				f.cache.On("Invalidate", mock.Anything, "u1")
			},
			wantTo: models.StatusCanceling,
		},
		{
			name: "incomplete subscription waits for payment",
			kind: models.SubscriptionCreated{
				EventMeta:    meta(paymentprovider.EventSubscriptionCreated),
				Subscription: models.ProviderSubscription{ID: "sub_1", Status: "incomplete", UserID: "u1"},
			},
			setupMocks: func(f *fixture) {
				f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(nil, nil)
			},
			wantErr: apperr.ErrIgnored,
		},
		{
			name: "unknown customer",
			kind: models.InvoicePaymentFailed{
				EventMeta: meta(paymentprovider.EventInvoiceFailed),
				Invoice:   models.ProviderInvoice{ID: "in_3", CustomerID: "cus_x"},
			},
			setupMocks: func(f *fixture) {
				f.repo.On("UserByCustomerID", mock.Anything, "cus_x").Return(nil, apperr.ErrNotFound)
			},
			wantErr: apperr.ErrIgnored,
		},
		{
			name:       "unhandled type",
			kind:       models.UnhandledEvent{EventMeta: meta("charge.refunded")},
			setupMocks: func(f *fixture) {},
			wantErr:    apperr.ErrIgnored,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(created)
			tt.setupMocks(f)

			out, err := f.svc.ApplyProviderEvent(context.Background(), tt.kind)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantTo, out.To)
			}
			f.repo.AssertExpectations(t)
		})
	}
}

type foreignEvent struct{ models.EventMeta }

func TestEventFor_PanicsOnUnknownVariant(t *testing.T) {
	assert.Panics(t, func() {
		_, _ = eventFor(foreignEvent{}, nil)
	})
}

func TestService_Upgrade(t *testing.T) {
	principal := models.Principal{UserID: "u1", Email: "u1@example.com", RequestID: "req-1"}

	tests := []struct {
		name       string
		setupMocks func(f *fixture)
		wantState  models.SubscriptionStatus
		wantErr    error
	}{
		{
			name: "new customer with synchronous activation",
			setupMocks: func(f *fixture) {
				f.repo.On("EnsureUser", mock.Anything, "u1", "u1@example.com").Return(nil)
				f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(nil, nil)
				f.repo.On("GetUser", mock.Anything, "u1").Return(&models.User{ID: "u1", Email: "u1@example.com"}, nil)
				f.provider.On("CreateCustomer", mock.Anything, "u1", "u1@example.com").Return("cus_1", nil)
				f.repo.On("SetCustomerID", mock.Anything, "u1", "cus_1").Return(nil)
				f.provider.On("CreateSubscription", mock.Anything, "u1", "cus_1", "pm_1").
					Return(paymentprovider.Result{ExternalID: "sub_1", Status: "active", PeriodStart: t1, PeriodEnd: t2}, nil)
				f.repo.On("ApplyTransition", mock.Anything, mock.MatchedBy(func(r models.TransitionRecord) bool {
					return r.Insert && r.Subscription.ExternalSubscriptionID == "sub_1" && r.BillingEventID == ""
				})).Return(nil)
				f.cache.On("Invalidate", mock.Anything, "u1")
			},
			wantState: models.StatusActive,
		},
		{
			name: "incomplete payment waits for webhook",
			setupMocks: func(f *fixture) {
				f.repo.On("EnsureUser", mock.Anything, "u1", "u1@example.com").Return(nil)
				f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(nil, nil)
				f.repo.On("GetUser", mock.Anything, "u1").Return(&models.User{ID: "u1", StripeCustomerID: "cus_1"}, nil)
				f.provider.On("CreateSubscription", mock.Anything, "u1", "cus_1", "pm_1").
					Return(paymentprovider.Result{ExternalID: "sub_1", Status: "incomplete"}, nil)
			},
			wantState: models.StatusNone,
		},
		{
			name: "already subscribed",
			setupMocks: func(f *fixture) {
				f.repo.On("EnsureUser", mock.Anything, "u1", "u1@example.com").Return(nil)
				f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(subscriptionIn(models.StatusActive), nil)
			},
			wantErr: apperr.ErrConflict,
		},
		{
			name: "card declined",
			setupMocks: func(f *fixture) {
				f.repo.On("EnsureUser", mock.Anything, "u1", "u1@example.com").Return(nil)
				f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(nil, nil)
				f.repo.On("GetUser", mock.Anything, "u1").Return(&models.User{ID: "u1", StripeCustomerID: "cus_1"}, nil)
				f.provider.On("CreateSubscription", mock.Anything, "u1", "cus_1", "pm_1").
					Return(paymentprovider.Result{}, apperr.ErrPaymentRejected)
			},
			wantErr: apperr.ErrPaymentRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t1)
			tt.setupMocks(f)

			res, err := f.svc.Upgrade(context.Background(), principal, "pm_1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantState, res.State)
				assert.Equal(t, "sub_1", res.ExternalID)
			}
			f.repo.AssertExpectations(t)
			f.provider.AssertExpectations(t)
		})
	}

	f := newFixture(t1)
	_, err := f.svc.Upgrade(context.Background(), principal, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestService_CancelAndReactivate(t *testing.T) {
	principal := models.Principal{UserID: "u1"}

	t.Run("cancel at period end", func(t *testing.T) {
		f := newFixture(t0.Add(time.Hour))
		f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(subscriptionIn(models.StatusActive), nil)
		f.provider.On("SetCancelAtPeriodEnd", mock.Anything, "sub_1", true).Return(paymentprovider.Result{}, nil)
		f.repo.On("ApplyTransition", mock.Anything, mock.Anything).Return(nil)
		f.cache.On("Invalidate", mock.Anything, "u1")

		out, err := f.svc.Cancel(context.Background(), principal, true)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCanceling, out.To)
	})

	t.Run("immediate cancel drops to free", func(t *testing.T) {
		f := newFixture(t0.Add(time.Hour))
		f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(subscriptionIn(models.StatusPastDue), nil)
		f.provider.On("CancelSubscription", mock.Anything, "sub_1").Return(paymentprovider.Result{Status: "canceled"}, nil)
		f.repo.On("ApplyTransition", mock.Anything, mock.MatchedBy(func(r models.TransitionRecord) bool {
			return r.Tier == models.TierFree && r.Event.EventType == "subscription.canceled"
		})).Return(nil)
		f.cache.On("Invalidate", mock.Anything, "u1")

		out, err := f.svc.Cancel(context.Background(), principal, false)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCanceled, out.To)
	})

	t.Run("provider failure leaves state untouched", func(t *testing.T) {
		f := newFixture(t0.Add(time.Hour))
		f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(subscriptionIn(models.StatusActive), nil)
		f.provider.On("SetCancelAtPeriodEnd", mock.Anything, "sub_1", true).
			Return(paymentprovider.Result{}, apperr.Retryable(context.DeadlineExceeded))

		_, err := f.svc.Cancel(context.Background(), principal, true)
		assert.ErrorIs(t, err, apperr.ErrRetryable)
		f.repo.AssertNotCalled(t, "ApplyTransition", mock.Anything, mock.Anything)
	})

	t.Run("no subscription", func(t *testing.T) {
		f := newFixture(t0)
		f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(nil, nil)

		_, err := f.svc.Cancel(context.Background(), principal, true)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("reactivate", func(t *testing.T) {
		f := newFixture(t0.Add(time.Hour))
		f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(subscriptionIn(models.StatusCanceling), nil)
		f.provider.On("SetCancelAtPeriodEnd", mock.Anything, "sub_1", false).Return(paymentprovider.Result{}, nil)
		f.repo.On("ApplyTransition", mock.Anything, mock.MatchedBy(func(r models.TransitionRecord) bool {
			return !r.Subscription.CancelAtPeriodEnd && r.Subscription.Status == models.StatusActive
		})).Return(nil)
		f.cache.On("Invalidate", mock.Anything, "u1")

		out, err := f.svc.Reactivate(context.Background(), principal)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, out.To)
	})

	t.Run("reactivate active subscription", func(t *testing.T) {
		f := newFixture(t0)
		f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(subscriptionIn(models.StatusActive), nil)

		_, err := f.svc.Reactivate(context.Background(), principal)
		assert.ErrorIs(t, err, apperr.ErrIgnored)
		f.provider.AssertNotCalled(t, "SetCancelAtPeriodEnd", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestService_BillingPortal(t *testing.T) {
	f := newFixture(t0)
	f.repo.On("GetUser", mock.Anything, "u1").Return(&models.User{ID: "u1", StripeCustomerID: "cus_1"}, nil)
	f.repo.On("GetUser", mock.Anything, "u2").Return(&models.User{ID: "u2"}, nil)
	f.provider.On("BillingPortalURL", mock.Anything, "cus_1", "https://app.example.com/account").
		Return("https://billing.stripe.com/p/session/test", nil)

	url, err := f.svc.BillingPortal(context.Background(), models.Principal{UserID: "u1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "https://billing.stripe.com/p/session/test", url)

	_, err = f.svc.BillingPortal(context.Background(), models.Principal{UserID: "u2"}, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestService_Sweeps(t *testing.T) {
	now := t1.Add(time.Minute)

	t.Run("expire periods", func(t *testing.T) {
		f := newFixture(now)
		due := []models.Subscription{*subscriptionIn(models.StatusCanceling)}
		f.repo.On("CancelingDue", mock.Anything, now, 10).Return(due, nil)
		f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(subscriptionIn(models.StatusCanceling), nil)
		f.repo.On("ApplyTransition", mock.Anything, mock.MatchedBy(func(r models.TransitionRecord) bool {
			return r.Subscription.Status == models.StatusCanceled && r.Tier == models.TierFree
		})).Return(nil)
		f.cache.On("Invalidate", mock.Anything, "u1")

		n, err := f.svc.ExpirePeriods(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("expire retry windows skips reactivated rows", func(t *testing.T) {
		f := newFixture(now)
		due := []models.Subscription{*subscriptionIn(models.StatusPastDue)}
		f.repo.On("PastDueExpired", mock.Anything, now.Add(-testPolicy.PastDueWindow), 3, 10).Return(due, nil)
		// между выборкой и переходом пришла успешная оплата
		f.repo.On("ActiveSubscription", mock.Anything, "u1").Return(subscriptionIn(models.StatusActive), nil)

		n, err := f.svc.ExpireRetryWindows(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		f.repo.AssertNotCalled(t, "ApplyTransition", mock.Anything, mock.Anything)
	})

	t.Run("listing failure", func(t *testing.T) {
		f := newFixture(now)
		f.repo.On("CancelingDue", mock.Anything, now, 10).Return(nil, apperr.Retryable(errors.New("timeout")))

		_, err := f.svc.ExpirePeriods(context.Background())
		assert.ErrorIs(t, err, apperr.ErrRetryable)
	})
}
