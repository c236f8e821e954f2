package paymentprovider

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/magabrotheeeer/entitlement-engine/internal/config"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/retry"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const subscriptionJSON = `{
	"id": "sub_123",
	"object": "subscription",
	"customer": "cus_1",
	"status": "active",
	"cancel_at_period_end": false,
	"metadata": {"user_id": "u1"},
	"items": {"object": "list", "data": [
		{"id": "si_1", "object": "subscription_item", "current_period_start": 1772323200, "current_period_end": 1775001600}
	]}
}`

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, ev models.BillingEventKind)
		wantErr error
	}{
		{
			name:    "subscription updated with item period",
			payload: `{"id":"evt_1","type":"customer.subscription.updated","created":1772323300,"data":{"object":` + subscriptionJSON + `}}`,
			check: func(t *testing.T, ev models.BillingEventKind) {
				upd, ok := ev.(models.SubscriptionUpdated)
				require.True(t, ok)
				assert.Equal(t, "evt_1", upd.EventID())
				assert.Equal(t, time.Unix(1772323300, 0).UTC(), upd.Created())
				assert.Equal(t, "sub_123", upd.Subscription.ID)
				assert.Equal(t, "cus_1", upd.Subscription.CustomerID)
				assert.Equal(t, "u1", upd.Subscription.UserID)
				assert.Equal(t, time.Unix(1775001600, 0).UTC(), upd.Subscription.PeriodEnd)
			},
		},
		{
			name: "invoice with subscription under parent",
			payload: `{"id":"evt_2","type":"invoice.payment_failed","created":1772323300,"data":{"object":{
				"id":"in_1","customer":{"id":"cus_1"},"attempt_count":2,
				"parent":{"subscription_details":{"subscription":"sub_123"}},
				"lines":{"data":[{"period":{"start":1772323200,"end":1775001600}}]}}}}`,
			check: func(t *testing.T, ev models.BillingEventKind) {
				failed, ok := ev.(models.InvoicePaymentFailed)
				require.True(t, ok)
				assert.Equal(t, "sub_123", failed.Invoice.SubscriptionID)
				assert.Equal(t, "cus_1", failed.Invoice.CustomerID)
				assert.Equal(t, 2, failed.Invoice.AttemptCount)
				assert.Equal(t, time.Unix(1772323200, 0).UTC(), failed.Invoice.PeriodStart)
			},
		},
		{
			name:    "invoice.paid counts as success",
			payload: `{"id":"evt_3","type":"invoice.paid","created":1,"data":{"object":{"id":"in_2","subscription":"sub_9"}}}`,
			check: func(t *testing.T, ev models.BillingEventKind) {
				ok, isOK := ev.(models.InvoicePaymentSucceeded)
				require.True(t, isOK)
				assert.Equal(t, "sub_9", ok.Invoice.SubscriptionID)
			},
		},
		{
			name:    "unknown type is unhandled",
			payload: `{"id":"evt_4","type":"charge.refunded","created":1,"data":{"object":{}}}`,
			check: func(t *testing.T, ev models.BillingEventKind) {
				_, ok := ev.(models.UnhandledEvent)
				assert.True(t, ok)
			},
		},
		{
			name:    "not json",
			payload: `{"id":`,
			wantErr: apperr.ErrMalformed,
		},
		{
			name:    "subscription without id",
			payload: `{"id":"evt_5","type":"customer.subscription.created","created":1,"data":{"object":{"status":"active"}}}`,
			wantErr: apperr.ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.payload))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, ev)
		})
	}
}

func TestVerifier(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	v := NewVerifier("whsec_test", 5*time.Minute)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})
	assert.NoError(t, v.Verify(payload, signed.Header))

	wrongSecret := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_other",
		Timestamp: time.Now(),
	})
	assert.ErrorIs(t, v.Verify(payload, wrongSecret.Header), apperr.ErrSignatureInvalid)

	stale := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now().Add(-10 * time.Minute),
	})
	assert.ErrorIs(t, v.Verify(payload, stale.Header), apperr.ErrSignatureInvalid)

	assert.ErrorIs(t, v.Verify([]byte(`{"tampered":true}`), signed.Header), apperr.ErrSignatureInvalid)
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	policy := retry.NewPolicy(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
	return newClient(config.Stripe{SecretKey: "sk_test", PriceID: "price_premium"}, backend, policy, newNoopLogger())
}

func TestClient_CreateSubscription(t *testing.T) {
	var (
		calls int32
		keys  []string
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "/v1/subscriptions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
			return
		}
		_, _ = w.Write([]byte(subscriptionJSON))
	}))

	res, err := c.CreateSubscription(context.Background(), "u1", "cus_1", "pm_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_123", res.ExternalID)
	assert.Equal(t, "active", res.Status)
	assert.Equal(t, "cus_1", res.CustomerID)
	assert.Equal(t, time.Unix(1775001600, 0).UTC(), res.PeriodEnd)

	require.Len(t, keys, 2)
	assert.True(t, strings.HasPrefix(keys[0], "subscription:u1:price_premium:"))
	assert.Equal(t, keys[0], keys[1], "retries must reuse the idempotency key")
}

func TestClient_CreateSubscription_EachUpgradeGetsOwnKey(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(subscriptionJSON))
	}))

	_, err := c.CreateSubscription(context.Background(), "u1", "cus_1", "pm_old")
	require.NoError(t, err)
	_, err = c.CancelSubscription(context.Background(), "sub_123")
	require.NoError(t, err)
	_, err = c.CreateSubscription(context.Background(), "u1", "cus_1", "pm_new")
	require.NoError(t, err)

	require.Len(t, keys, 3)
	assert.NotEqual(t, keys[0], keys[2], "a new upgrade must not replay the previous one")
}

func TestClient_CardDeclinedIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"declined"}}`))
	}))

	_, err := c.CreateSubscription(context.Background(), "u1", "cus_1", "pm_1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPaymentRejected)
	assert.False(t, apperr.IsRetryable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_OutageBecomesRetryable(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"down"}}`))
	}))

	_, err := c.CancelSubscription(context.Background(), "sub_123")
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_BillingPortalURL(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/billing_portal/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "cus_1", r.PostForm.Get("customer"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"bps_1","object":"billing_portal.session","url":"https://billing.example/session"}`))
	}))

	url, err := c.BillingPortalURL(context.Background(), "cus_1", "https://app.example/account")
	require.NoError(t, err)
	assert.Equal(t, "https://billing.example/session", url)
}
