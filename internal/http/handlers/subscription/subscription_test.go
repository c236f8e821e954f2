package subscription

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/entitlement-engine/internal/http/middlewarectx"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
	subsvc "github.com/magabrotheeeer/entitlement-engine/internal/services/subscription"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) Current(ctx context.Context, userID string) (*models.Subscription, error) {
	args := m.Called(ctx, userID)
	sub, _ := args.Get(0).(*models.Subscription)
	return sub, args.Error(1)
}

func (m *MockService) Upgrade(ctx context.Context, principal models.Principal, paymentMethodID string) (subsvc.UpgradeResult, error) {
	args := m.Called(ctx, principal, paymentMethodID)
	return args.Get(0).(subsvc.UpgradeResult), args.Error(1)
}

func (m *MockService) Cancel(ctx context.Context, principal models.Principal, atPeriodEnd bool) (subsvc.Outcome, error) {
	args := m.Called(ctx, principal, atPeriodEnd)
	return args.Get(0).(subsvc.Outcome), args.Error(1)
}

func (m *MockService) Reactivate(ctx context.Context, principal models.Principal) (subsvc.Outcome, error) {
	args := m.Called(ctx, principal)
	return args.Get(0).(subsvc.Outcome), args.Error(1)
}

func (m *MockService) BillingPortal(ctx context.Context, principal models.Principal, returnURL string) (string, error) {
	args := m.Called(ctx, principal, returnURL)
	return args.String(0), args.Error(1)
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testPrincipal = models.Principal{UserID: "user-1", Email: "user@example.com", Tier: models.TierFree}

func newRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	return req.WithContext(middlewarectx.WithPrincipal(req.Context(), testPrincipal))
}

func TestHandler_Current(t *testing.T) {
	tests := []struct {
		name         string
		setupMocks   func(*MockService)
		expectedBody []string
	}{
		{
			name: "no subscription",
			setupMocks: func(s *MockService) {
				s.On("Current", mock.Anything, "user-1").Return(nil, nil)
			},
			expectedBody: []string{`"status":"none"`, `"tier":"free"`},
		},
		{
			name: "canceling keeps premium",
			setupMocks: func(s *MockService) {
				s.On("Current", mock.Anything, "user-1").
					Return(&models.Subscription{ID: "sub-1", UserID: "user-1", Status: models.StatusCanceling}, nil)
			},
			expectedBody: []string{`"status":"canceling"`, `"tier":"premium"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			tt.setupMocks(svc)
			h := New(newNoopLogger(), svc)

			rr := httptest.NewRecorder()
			h.Current(rr, newRequest(http.MethodGet, "/subscription", ""))

			assert.Equal(t, http.StatusOK, rr.Code)
			for _, want := range tt.expectedBody {
				assert.Contains(t, rr.Body.String(), want)
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestHandler_Upgrade(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		setupMocks     func(*MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "activated immediately",
			body: `{"payment_method_id":"pm_1"}`,
			setupMocks: func(s *MockService) {
				s.On("Upgrade", mock.Anything, testPrincipal, "pm_1").
					Return(subsvc.UpgradeResult{ExternalID: "sub_ext", Status: "active", State: models.StatusActive}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"status":"active"`,
		},
		{
			name: "already subscribed",
			body: `{"payment_method_id":"pm_1"}`,
			setupMocks: func(s *MockService) {
				s.On("Upgrade", mock.Anything, testPrincipal, "pm_1").
					Return(subsvc.UpgradeResult{}, fmt.Errorf("subscription.Upgrade: %w: subscription is active", apperr.ErrConflict))
			},
			expectedStatus: http.StatusConflict,
		},
		{
			name: "card declined",
			body: `{"payment_method_id":"pm_declined"}`,
			setupMocks: func(s *MockService) {
				s.On("Upgrade", mock.Anything, testPrincipal, "pm_declined").
					Return(subsvc.UpgradeResult{}, fmt.Errorf("subscription.Upgrade: %w", apperr.ErrPaymentRejected))
			},
			expectedStatus: http.StatusPaymentRequired,
			expectedBody:   "payment rejected",
		},
		{
			name:           "missing payment method",
			body:           `{}`,
			setupMocks:     func(*MockService) {},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   "required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			tt.setupMocks(svc)
			h := New(newNoopLogger(), svc)

			rr := httptest.NewRecorder()
			h.Upgrade(rr, newRequest(http.MethodPost, "/subscription/upgrade", tt.body))

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedBody != "" {
				assert.Contains(t, rr.Body.String(), tt.expectedBody)
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestHandler_Cancel(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		setupMocks     func(*MockService)
		expectedStatus int
	}{
		{
			name: "empty body cancels at period end",
			body: "",
			setupMocks: func(s *MockService) {
				s.On("Cancel", mock.Anything, testPrincipal, true).
					Return(subsvc.Outcome{From: models.StatusActive, To: models.StatusCanceling}, nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "immediate",
			body: `{"at_period_end":false}`,
			setupMocks: func(s *MockService) {
				s.On("Cancel", mock.Anything, testPrincipal, false).
					Return(subsvc.Outcome{From: models.StatusPastDue, To: models.StatusCanceled}, nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "nothing to cancel",
			body: `{"at_period_end":true}`,
			setupMocks: func(s *MockService) {
				s.On("Cancel", mock.Anything, testPrincipal, true).
					Return(subsvc.Outcome{}, fmt.Errorf("subscription.Cancel: %w: no active subscription", apperr.ErrNotFound))
			},
			expectedStatus: http.StatusNotFound,
		},
		{
			name: "period end cancel from past due",
			body: `{"at_period_end":true}`,
			setupMocks: func(s *MockService) {
				s.On("Cancel", mock.Anything, testPrincipal, true).
					Return(subsvc.Outcome{}, fmt.Errorf("subscription.Cancel: %w", apperr.Ignored("cannot cancel at period end in past_due")))
			},
			expectedStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			tt.setupMocks(svc)
			h := New(newNoopLogger(), svc)

			rr := httptest.NewRecorder()
			h.Cancel(rr, newRequest(http.MethodPost, "/subscription/cancel", tt.body))

			assert.Equal(t, tt.expectedStatus, rr.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestHandler_Reactivate(t *testing.T) {
	svc := new(MockService)
	svc.On("Reactivate", mock.Anything, testPrincipal).
		Return(subsvc.Outcome{From: models.StatusCanceling, To: models.StatusActive}, nil)
	h := New(newNoopLogger(), svc)

	rr := httptest.NewRecorder()
	h.Reactivate(rr, newRequest(http.MethodPost, "/subscription/reactivate", ""))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"to":"active"`)
	svc.AssertExpectations(t)
}

func TestHandler_Portal(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		setupMocks     func(*MockService)
		expectedStatus int
	}{
		{
			name: "default return url",
			body: "",
			setupMocks: func(s *MockService) {
				s.On("BillingPortal", mock.Anything, testPrincipal, "").
					Return("https://billing.example.com/session", nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid return url",
			body:           `{"return_url":"not a url"}`,
			setupMocks:     func(*MockService) {},
			expectedStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			tt.setupMocks(svc)
			h := New(newNoopLogger(), svc)

			rr := httptest.NewRecorder()
			h.Portal(rr, newRequest(http.MethodPost, "/subscription/portal", tt.body))

			assert.Equal(t, tt.expectedStatus, rr.Code)
			svc.AssertExpectations(t)
		})
	}
}
