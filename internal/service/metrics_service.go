package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP
// surface and the attendance/scheduling domain.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	sessionsStarted prometheus.Counter
	sessionsClosed  prometheus.Counter
	tokenRotations  prometheus.Counter
	scansAccepted   prometheus.Counter
	scansRejected   *prometheus.CounterVec
	instancesBuilt  prometheus.Counter
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

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	sessionsStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attendance_sessions_started_total",
		Help: "Total attendance sessions opened",
	})

	sessionsClosed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attendance_sessions_closed_total",
		Help: "Total attendance sessions closed",
	})

	tokenRotations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attendance_token_rotations_total",
		Help: "Total session token rotations",
	})

	scansAccepted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attendance_scans_accepted_total",
		Help: "Total accepted attendance scans",
	})

	scansRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_scans_rejected_total",
		Help: "Total rejected attendance scans by reason",
	}, []string{"reason"})

	instancesBuilt := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schedule_instances_materialized_total",
		Help: "Total schedule instances materialized from templates",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheHits, cacheMisses,
		sessionsStarted, sessionsClosed, tokenRotations, scansAccepted, scansRejected,
		instancesBuilt, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		sessionsStarted: sessionsStarted,
		sessionsClosed:  sessionsClosed,
		tokenRotations:  tokenRotations,
		scansAccepted:   scansAccepted,
		scansRejected:   scansRejected,
		instancesBuilt:  instancesBuilt,
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

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records a cache hit or miss.
func (m *MetricsService) RecordCacheOperation(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// SessionStarted counts a newly opened attendance session.
func (m *MetricsService) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

// SessionClosed counts a closed attendance session.
func (m *MetricsService) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
}

// TokenRotated counts one token rotation.
func (m *MetricsService) TokenRotated() {
	if m == nil {
		return
	}
	m.tokenRotations.Inc()
}

// ScanAccepted counts an accepted attendance scan.
func (m *MetricsService) ScanAccepted() {
	if m == nil {
		return
	}
	m.scansAccepted.Inc()
}

// ScanRejected counts a rejected scan by rejection reason code.
func (m *MetricsService) ScanRejected(reason string) {
	if m == nil {
		return
	}
	m.scansRejected.WithLabelValues(reason).Inc()
}

// InstanceMaterialized counts one materialized schedule instance.
func (m *MetricsService) InstanceMaterialized() {
	if m == nil {
		return
	}
	m.instancesBuilt.Inc()
}
