package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware_CountsStatus(t *testing.T) {
	before := testutil.ToFloat64(HTTPRequests.WithLabelValues(http.MethodPost, "402"))

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/usage", nil))

	after := testutil.ToFloat64(HTTPRequests.WithLabelValues(http.MethodPost, "402"))
	assert.Equal(t, before+1, after)
}

func TestWebhookRetriesExhausted(t *testing.T) {
	before := testutil.ToFloat64(WebhookRetriesExhausted)
	WebhookRetriesExhausted.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(WebhookRetriesExhausted))
}
