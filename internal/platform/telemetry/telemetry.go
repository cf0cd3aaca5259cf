// Package telemetry collects HTTP and calculation metrics and serves them
// in the Prometheus text exposition format.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/coverage/internal/platform/cache"
)

// durationBuckets are in seconds.
var durationBuckets = []float64{
	0.001, 0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// CacheStatsSource is the calculation cache as seen by the exporter.
type CacheStatsSource interface {
	Stats() cache.Stats
}

// PoolStats is a point-in-time view of the database pool.
type PoolStats struct {
	Total    int32
	Acquired int32
	Idle     int32
}

// Provider holds every metric the service exports.
type Provider struct {
	httpDuration   *histogramStore // method|route|status
	activeRequests int64

	calcDuration *histogramStore // kind
	calcTotal    *counterStore   // kind|outcome

	mu    sync.RWMutex
	cache CacheStatsSource
	pool  func() PoolStats
}

func NewProvider() *Provider {
	return &Provider{
		httpDuration: newHistogramStore(durationBuckets),
		calcDuration: newHistogramStore(durationBuckets),
		calcTotal:    newCounterStore(),
	}
}

// WithCache exports the cache counters at scrape time.
func (p *Provider) WithCache(src CacheStatsSource) *Provider {
	p.mu.Lock()
	p.cache = src
	p.mu.Unlock()
	return p
}

// WithPool exports database pool gauges at scrape time.
func (p *Provider) WithPool(stats func() PoolStats) *Provider {
	p.mu.Lock()
	p.pool = stats
	p.mu.Unlock()
	return p
}

// ---------------------------------------------------------------------------
// Calculations
// ---------------------------------------------------------------------------

// Calculation outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// ObserveCalculation counts one calculation and records its latency.
func (p *Provider) ObserveCalculation(kind string, elapsed time.Duration, err error) {
	outcome := OutcomeOK
	switch {
	case err == nil:
	case isTimeout(err):
		outcome = OutcomeTimeout
	default:
		outcome = OutcomeError
	}
	p.calcTotal.add(LabelsKey(kind, outcome), 1)
	p.calcDuration.get(kind).Observe(elapsed.Seconds())
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// CalculationCount returns the number of calculations of kind with outcome.
func (p *Provider) CalculationCount(kind, outcome string) int64 {
	return p.calcTotal.get(LabelsKey(kind, outcome))
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// MetricsMiddleware records request latency by method, route and status.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.activeRequests, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(&p.activeRequests, -1)
			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			key := LabelsKey(c.Request().Method, route, strconv.Itoa(status))
			p.httpDuration.get(key).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// HTTPRequestCount returns the number of requests seen for the label set.
func (p *Provider) HTTPRequestCount(method, route string, status int) int64 {
	h := p.httpDuration.lookup(LabelsKey(method, route, strconv.Itoa(status)))
	if h == nil {
		return 0
	}
	return h.Count()
}

// ---------------------------------------------------------------------------
// Exposition
// ---------------------------------------------------------------------------

// PrometheusHandler serves every metric at /metrics.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, p.Render())
	}
}

// Render writes the metrics in the Prometheus text format.
func (p *Provider) Render() string {
	var b strings.Builder

	writeHeader(&b, "http_server_request_duration_seconds", "Duration of HTTP requests in seconds.", "histogram")
	for _, key := range p.httpDuration.keys() {
		parts := strings.SplitN(key, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(&b, "http_server_request_duration_seconds", labels, p.httpDuration.lookup(key))
	}
	b.WriteByte('\n')

	writeHeader(&b, "http_server_active_requests", "Number of in-flight HTTP requests.", "gauge")
	fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&p.activeRequests))

	writeHeader(&b, "coverage_calculations_total", "Coverage calculations by kind and outcome.", "counter")
	keys, vals := p.calcTotal.snapshot()
	for _, key := range keys {
		parts := strings.SplitN(key, "|", 2)
		fmt.Fprintf(&b, "coverage_calculations_total{kind=%q,outcome=%q} %d\n", parts[0], parts[1], vals[key])
	}
	b.WriteByte('\n')

	writeHeader(&b, "coverage_calculation_duration_seconds", "Coverage calculation latency in seconds.", "histogram")
	for _, kind := range p.calcDuration.keys() {
		writeHistogram(&b, "coverage_calculation_duration_seconds", fmt.Sprintf("kind=%q", kind), p.calcDuration.lookup(kind))
	}
	b.WriteByte('\n')

	p.mu.RLock()
	src, pool := p.cache, p.pool
	p.mu.RUnlock()

	if src != nil {
		st := src.Stats()
		for _, m := range []struct {
			name, help, typ string
			value           int64
		}{
			{"coverage_cache_entries", "Entries held by the calculation cache.", "gauge", int64(st.Entries)},
			{"coverage_cache_generation", "Invalidation generation of the calculation cache.", "gauge", int64(st.Generation)},
			{"coverage_cache_hits_total", "Calculation cache hits.", "counter", st.Hits},
			{"coverage_cache_misses_total", "Calculation cache misses.", "counter", st.Misses},
			{"coverage_cache_stale_recomputes_total", "Computations discarded by a concurrent invalidation.", "counter", st.StaleRecomputes},
			{"coverage_cache_invalidations_total", "Invalidations applied to the calculation cache.", "counter", st.Invalidations},
		} {
			writeHeader(&b, m.name, m.help, m.typ)
			fmt.Fprintf(&b, "%s %d\n\n", m.name, m.value)
		}
	}

	if pool != nil {
		st := pool()
		for _, m := range []struct {
			name, help string
			value      int32
		}{
			{"db_pool_total_connections", "Connections held by the database pool.", st.Total},
			{"db_pool_acquired_connections", "Connections currently in use.", st.Acquired},
			{"db_pool_idle_connections", "Idle pool connections.", st.Idle},
		} {
			writeHeader(&b, m.name, m.help, "gauge")
			fmt.Fprintf(&b, "%s %d\n\n", m.name, m.value)
		}
	}

	return b.String()
}

func writeHeader(b *strings.Builder, name, help, typ string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	if h == nil {
		return
	}
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
