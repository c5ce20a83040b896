// Package metrics exposes prometheus collectors for HTTP traffic, booking
// outcomes, appointment status transitions and the database pool.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medweb/medweb/internal/platform/db"
)

const namespace = "medweb"

// Collector owns a private registry so tests can build as many as they like.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	bookingsTotal       *prometheus.CounterVec
	transitionsTotal    *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		bookingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bookings_total",
				Help:      "Booking attempts by outcome",
			},
			[]string{"outcome"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "appointment_transitions_total",
				Help:      "Applied appointment status transitions",
			},
			[]string{"from", "to"},
		),
	}

	c.registry.MustRegister(
		c.httpRequestsTotal,
		c.httpRequestDuration,
		c.bookingsTotal,
		c.transitionsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RecordBooking counts a booking attempt. Outcome is "booked" or the error
// class that stopped it.
func (c *Collector) RecordBooking(outcome string) {
	c.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordTransition(from, to string) {
	c.transitionsTotal.WithLabelValues(from, to).Inc()
}

// RegisterPoolStats exports pgxpool connection counts as gauges sampled at
// scrape time.
func (c *Collector) RegisterPoolStats(stats func() *db.PoolStats) {
	gauge := func(name, help string, pick func(*db.PoolStats) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(pick(stats()))
		})
	}
	c.registry.MustRegister(
		gauge("connections_total", "Open connections in the pool", func(s *db.PoolStats) int32 { return s.TotalConns }),
		gauge("connections_idle", "Idle connections in the pool", func(s *db.PoolStats) int32 { return s.IdleConns }),
		gauge("connections_acquired", "Connections currently in use", func(s *db.PoolStats) int32 { return s.AcquiredConns }),
	)
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware records request counts and latency labelled by the matched
// route template, never the raw path, to keep cardinality bounded.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			err := next(ctx)

			status := ctx.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := ctx.Path()
			if route == "" {
				route = "unmatched"
			}
			method := ctx.Request().Method

			c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			c.httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
