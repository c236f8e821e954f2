// Package metrics объявляет метрики Prometheus движка. Метрики регистрируются
// в реестре по умолчанию и отдаются через /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests — число обработанных HTTP-запросов.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlement_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "status"})

	// HTTPDuration — длительность HTTP-запросов.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "entitlement_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// UsageRecorded — принятое потребление в единицах ресурса.
	UsageRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlement_usage_recorded_units_total",
		Help: "Admitted usage in resource units",
	}, []string{"resource", "tier"})

	// QuotaRejections — отказы по лимиту.
	QuotaRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlement_quota_rejections_total",
		Help: "Usage requests rejected by quota",
	}, []string{"resource"})

	// CacheLookups — обращения к кешу снимков прав.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlement_cache_lookups_total",
		Help: "Entitlement snapshot cache lookups",
	}, []string{"result"})

	// SubscriptionTransitions — применённые переходы подписок.
	SubscriptionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_transitions_total",
		Help: "Applied subscription state transitions",
	}, []string{"from", "to", "event"})

	// WebhookEvents — результаты приёма вебхуков.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Webhook ingestion results",
	}, []string{"result"})

	// WebhookRetriesExhausted — события, для которых исчерпаны повторы.
	WebhookRetriesExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_retries_exhausted_total",
		Help: "Webhook events that exhausted automatic retries",
	})

	// GDPRRequests — переходы GDPR-запросов.
	GDPRRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gdpr_requests_total",
		Help: "GDPR request lifecycle events",
	}, []string{"kind", "status"})

	// SweepDuration — длительность фоновых проходов планировщика.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_sweep_duration_seconds",
		Help:    "Scheduler sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"sweep"})

	// OutboxPublished — опубликованные в брокер исходящие события.
	OutboxPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Outbox events published to the broker",
	})
)

// Middleware считает HTTP-запросы и их длительность.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		HTTPDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
