package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Validation outcomes reported by the token service.
const (
	outcomeValid           = "valid"
	outcomeNotFound        = "not_found"
	outcomeKindMismatch    = "kind_mismatch"
	outcomeInactive        = "inactive"
	outcomeBadSignature    = "bad_signature"
	outcomeExpired         = "expired"
	outcomeSubjectMismatch = "subject_mismatch"
	outcomeStoreError      = "store_error"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP layer
// and the credential lifecycle. A nil *MetricsService is a valid no-op.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	tokensIssued          *prometheus.CounterVec
	tokensRevoked         prometheus.Counter
	tokenValidations      *prometheus.CounterVec
	refreshConflicts      prometheus.Counter
	confirmationsCreated  *prometheus.CounterVec
	confirmationsConsumed *prometheus.CounterVec
	notificationFailures  *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	tokensIssued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_tokens_issued_total",
		Help: "Bearer tokens issued, by kind",
	}, []string{"kind"})

	tokensRevoked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_tokens_revoked_total",
		Help: "Bearer token rows revoked",
	})

	tokenValidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_token_validations_total",
		Help: "Bearer token validity checks, by kind and outcome",
	}, []string{"kind", "outcome"})

	refreshConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_token_refresh_conflicts_total",
		Help: "Refresh attempts rejected because an access token was still active",
	})

	confirmationsCreated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "confirmation_tokens_created_total",
		Help: "Confirmation tokens created, by purpose",
	}, []string{"purpose"})

	confirmationsConsumed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "confirmation_tokens_consumed_total",
		Help: "Confirmation tokens consumed, by purpose",
	}, []string{"purpose"})

	notificationFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_failures_total",
		Help: "Notifications that could not be queued, by purpose",
	}, []string{"purpose"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, tokensIssued, tokensRevoked, tokenValidations,
		refreshConflicts, confirmationsCreated, confirmationsConsumed, notificationFailures, goroutines)

	return &MetricsService{
		registry:              registry,
		handler:               promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:       requestDuration,
		requestTotal:          requestTotal,
		tokensIssued:          tokensIssued,
		tokensRevoked:         tokensRevoked,
		tokenValidations:      tokenValidations,
		refreshConflicts:      refreshConflicts,
		confirmationsCreated:  confirmationsCreated,
		confirmationsConsumed: confirmationsConsumed,
		notificationFailures:  notificationFailures,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

func (m *MetricsService) recordTokenIssued(kind string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(kind).Inc()
}

func (m *MetricsService) recordTokensRevoked(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensRevoked.Add(float64(n))
}

func (m *MetricsService) recordTokenValidation(kind, outcome string) {
	if m == nil {
		return
	}
	m.tokenValidations.WithLabelValues(kind, outcome).Inc()
}

func (m *MetricsService) recordRefreshConflict() {
	if m == nil {
		return
	}
	m.refreshConflicts.Inc()
}

func (m *MetricsService) recordConfirmationCreated(purpose string) {
	if m == nil {
		return
	}
	m.confirmationsCreated.WithLabelValues(purpose).Inc()
}

func (m *MetricsService) recordConfirmationConsumed(purpose string) {
	if m == nil {
		return
	}
	m.confirmationsConsumed.WithLabelValues(purpose).Inc()
}

func (m *MetricsService) recordNotificationFailure(purpose string) {
	if m == nil {
		return
	}
	m.notificationFailures.WithLabelValues(purpose).Inc()
}
