package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stocktester/internal/strategy/backtest"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec
	apiErrorsTotal       *prometheus.CounterVec

	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	runsInFlight    prometheus.Gauge
	candidatesTotal prometheus.Counter
	candidateTime   prometheus.Histogram
	candidateTrades prometheus.Histogram
	periodsTotal    *prometheus.CounterVec
	periodDuration  prometheus.Histogram
	cacheRequests   *prometheus.CounterVec
	lastRunMetric   *prometheus.GaugeVec
	lastPValue      *prometheus.GaugeVec
}

// NewMetrics creates metrics on a private registry
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
			[]string{"method", "endpoint"},
		),
		apiErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_errors_total",
				Help:      "Total number of API errors",
			},
			[]string{"endpoint", "error_type"},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of walk-forward and optimization runs",
			},
			[]string{"kind", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"kind"},
		),
		runsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_flight",
				Help:      "Number of runs currently executing",
			},
		),
		candidatesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "optimizer_candidates_evaluated_total",
				Help:      "Total number of weight candidates simulated",
			},
		),
		candidateTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "optimizer_candidate_duration_seconds",
				Help:      "Time to simulate one weight candidate",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		candidateTrades: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "optimizer_candidate_trades",
				Help:      "Trades produced by one weight candidate",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		periodsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "walkforward_periods_total",
				Help:      "Total number of walk-forward periods processed",
			},
			[]string{"outcome"},
		),
		periodDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "walkforward_period_duration_seconds",
				Help:      "Time to optimize and test one walk-forward period",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		cacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "price_cache_requests_total",
				Help:      "Price cache lookups by result",
			},
			[]string{"result"},
		),
		lastRunMetric: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_oos_metric",
				Help:      "Pooled out-of-sample metrics of the latest completed run",
			},
			[]string{"kind", "metric"},
		),
		lastPValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_p_value",
				Help:      "Significance test p-values of the latest completed run",
			},
			[]string{"test"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestsInFlight,
		m.apiErrorsTotal,
		m.runsTotal,
		m.runDuration,
		m.runsInFlight,
		m.candidatesTotal,
		m.candidateTime,
		m.candidateTrades,
		m.periodsTotal,
		m.periodDuration,
		m.cacheRequests,
		m.lastRunMetric,
		m.lastPValue,
	)

	return m
}

// Registry exposes the registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates a Prometheus metrics middleware
func (m *Metrics) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		// Track in-flight requests
		m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
		defer m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()

		// Process request
		c.Next()

		// Record metrics
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)

		// Track errors
		if c.Writer.Status() >= 400 {
			errorType := "client_error"
			if c.Writer.Status() >= 500 {
				errorType = "server_error"
			}
			m.apiErrorsTotal.WithLabelValues(path, errorType).Inc()
		}
	}
}

// Handler returns the Prometheus metrics handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCandidate records one simulated weight candidate
func (m *Metrics) ObserveCandidate(duration time.Duration, trades int) {
	m.candidatesTotal.Inc()
	m.candidateTime.Observe(duration.Seconds())
	m.candidateTrades.Observe(float64(trades))
}

// ObservePeriod records one finished walk-forward period
func (m *Metrics) ObservePeriod(duration time.Duration, noSignal bool) {
	outcome := "signal"
	if noSignal {
		outcome = "no_signal"
	}
	m.periodsTotal.WithLabelValues(outcome).Inc()
	m.periodDuration.Observe(duration.Seconds())
}

// RecordCacheResult records a price cache hit or miss
func (m *Metrics) RecordCacheResult(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

// RunStarted marks a run as executing
func (m *Metrics) RunStarted() {
	m.runsInFlight.Inc()
}

// RunFinished records the outcome of a run
func (m *Metrics) RunFinished(kind, status string, duration time.Duration) {
	m.runsInFlight.Dec()
	m.runsTotal.WithLabelValues(kind, status).Inc()
	m.runDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordRunMetrics publishes the pooled out-of-sample metrics of a run.
// Undefined metrics are removed rather than reported as zero.
func (m *Metrics) RecordRunMetrics(kind string, pooled *backtest.Metrics) {
	if pooled == nil {
		return
	}
	values := map[string]backtest.Metric{
		"win_rate":     pooled.WinRate,
		"mean_return":  pooled.MeanReturn,
		"sharpe":       pooled.Sharpe,
		"sortino":      pooled.Sortino,
		"max_drawdown": pooled.MaxDrawdown,
		"calmar":       pooled.Calmar,
	}
	for name, v := range values {
		if v.Defined {
			m.lastRunMetric.WithLabelValues(kind, name).Set(v.Value)
		} else {
			m.lastRunMetric.DeleteLabelValues(kind, name)
		}
	}
	m.lastRunMetric.WithLabelValues(kind, "total_trades").Set(float64(pooled.TotalTrades))
}

// RecordPValue publishes the p-value of a significance test
func (m *Metrics) RecordPValue(test string, p backtest.Metric) {
	if !p.Defined {
		m.lastPValue.DeleteLabelValues(test)
		return
	}
	m.lastPValue.WithLabelValues(test).Set(p.Value)
}
