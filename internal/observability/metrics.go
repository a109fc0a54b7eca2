package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "dnc_propagation"

// Metrics stores Prometheus collectors used by the API, engine and worker.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	providerAttempts     *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	attemptsInflight     *prometheus.GaugeVec
	decisionsTotal       *prometheus.CounterVec
	staleAttemptsReaped  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		providerAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "provider_attempts_total",
				Help:      "Terminal propagation attempts by provider and status.",
			},
			[]string{"service", "status"},
		),
		providerCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Provider call duration in seconds by provider and operation.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"service", "operation"},
		),
		attemptsInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "provider_attempts_inflight",
				Help:      "Provider calls currently executing in this process.",
			},
			[]string{"service"},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "decisions_total",
				Help:      "Request decisions by outcome.",
			},
			[]string{"decision"},
		),
		staleAttemptsReaped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stale_attempts_reaped_total",
				Help:      "In-flight attempts failed by the reaper after exceeding the stale threshold.",
			},
			[]string{"service"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.providerAttempts,
		m.providerCallDuration,
		m.attemptsInflight,
		m.decisionsTotal,
		m.staleAttemptsReaped,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncAttemptFinished(service string, status string) {
	if m == nil {
		return
	}
	m.providerAttempts.WithLabelValues(normalizeLabel(service), normalizeLabel(status)).Inc()
}

func (m *Metrics) ObserveProviderCall(service string, operation string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := max(duration.Seconds(), 0)
	m.providerCallDuration.WithLabelValues(normalizeLabel(service), normalizeLabel(operation)).Observe(seconds)
}

func (m *Metrics) IncInFlight(service string) {
	if m == nil {
		return
	}
	m.attemptsInflight.WithLabelValues(normalizeLabel(service)).Inc()
}

func (m *Metrics) DecInFlight(service string) {
	if m == nil {
		return
	}
	m.attemptsInflight.WithLabelValues(normalizeLabel(service)).Dec()
}

func (m *Metrics) IncDecision(decision string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(normalizeLabel(decision)).Inc()
}

func (m *Metrics) IncStaleReaped(service string) {
	if m == nil {
		return
	}
	m.staleAttemptsReaped.WithLabelValues(normalizeLabel(service)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
