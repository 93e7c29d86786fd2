// Package telemetry wires Prometheus metrics and OpenTelemetry spans into the
// HTTP stack and exposes the practice-level counters recorded by the payroll
// and note-compliance services.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "mhehr"

var tracer = otel.Tracer("mhehr.internal.platform.telemetry")

// Provider owns the Prometheus collectors. All Observe methods are safe on a
// nil *Provider so services can run without metrics in tests.
type Provider struct {
	gatherer prometheus.Gatherer

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	paymentCalculations *prometheus.CounterVec
	paymentAmount       *prometheus.HistogramVec
	sessionsLocked      *prometheus.CounterVec
	remindersSent       *prometheus.CounterVec
	reportCache         *prometheus.CounterVec
}

// NewProvider registers collectors on reg. A nil reg uses a fresh registry.
func NewProvider(reg *prometheus.Registry) *Provider {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p := &Provider{
		gatherer: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		paymentCalculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payroll",
			Name:      "calculations_total",
			Help:      "Provider payment calculations by compensation type and outcome",
		}, []string{"compensation_type", "outcome"}),
		paymentAmount: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "payroll",
			Name:      "calculation_amount_dollars",
			Help:      "Gross amount of provider payment calculations",
			Buckets:   []float64{0, 250, 500, 1000, 2000, 3000, 5000, 8000},
		}, []string{"compensation_type"}),
		sessionsLocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notes",
			Name:      "sessions_locked_total",
			Help:      "Sessions locked because the note deadline passed",
		}, []string{"tenant"}),
		remindersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notes",
			Name:      "notifications_total",
			Help:      "Note deadline notifications by kind and delivery status",
		}, []string{"kind", "status"}),
		reportCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reports",
			Name:      "cache_lookups_total",
			Help:      "Compliance report cache lookups by result",
		}, []string{"result"}),
	}
	reg.MustRegister(
		p.httpRequests, p.httpLatency,
		p.paymentCalculations, p.paymentAmount,
		p.sessionsLocked, p.remindersSent, p.reportCache,
	)
	return p
}

func (p *Provider) ObservePaymentCalculation(compensationType string, amount float64, err error) {
	if p == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.paymentCalculations.WithLabelValues(compensationType, outcome).Inc()
	if err == nil {
		p.paymentAmount.WithLabelValues(compensationType).Observe(amount)
	}
}

func (p *Provider) ObserveSessionsLocked(tenant string, n int) {
	if p == nil || n <= 0 {
		return
	}
	p.sessionsLocked.WithLabelValues(tenant).Add(float64(n))
}

func (p *Provider) ObserveNotification(kind string, err error) {
	if p == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "failed"
	}
	p.remindersSent.WithLabelValues(kind, status).Inc()
}

// ObserveCacheLookup records a report cache hit or miss.
func (p *Provider) ObserveCacheLookup(hit bool) {
	if p == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	p.reportCache.WithLabelValues(result).Inc()
}

// MetricsMiddleware counts requests and records latency keyed by the matched
// route template rather than the raw path.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil && status < http.StatusBadRequest {
				status = http.StatusInternalServerError
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			p.httpLatency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// TracingMiddleware starts a server span per request on the global tracer
// provider.
func TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx, span := tracer.Start(req.Context(), req.Method+" "+c.Path(),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", c.Path()),
				),
			)
			defer span.End()

			c.SetRequest(req.WithContext(ctx))
			err := next(c)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.SetAttributes(attribute.Int("http.status_code", c.Response().Status))
			return err
		}
	}
}

// Handler serves the Prometheus exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{}))
}
