// Package metrics owns the prometheus registry served on the ops listener.
// Labels are kept to bounded sets: method, route pattern, status, and the
// small enums the gate and policy watcher report.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maplecatch/maplecatch-web/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	gateDecisions  *prometheus.CounterVec
	gateSuspicious prometheus.Counter
	gateFailOpen   *prometheus.CounterVec

	sweepsTotal   *prometheus.CounterVec
	sweepEvicted  prometheus.Counter
	breakerState  *prometheus.GaugeVec
	quotaRecordFn prometheus.Collector

	policyPolls  prometheus.Counter
	policySwaps  prometheus.Counter
	policyErrors *prometheus.CounterVec
	policyInfo   *prometheus.GaugeVec
}

// New returns metrics on a fresh registry with the Go and process collectors.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx responses by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is running (1) or not (0)",
		}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Gate decisions by outcome",
		}, []string{"outcome"}),
		gateSuspicious: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gate_suspicious_requests_total",
			Help: "Requests classified as suspicious",
		}),
		gateFailOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_fail_open_total",
			Help: "Requests served without a gate decision, by reason",
		}, []string{"reason"}),
		sweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_sweeps_total",
			Help: "Idle sweeps by result",
		}, []string{"result"}),
		sweepEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quota_sweep_evicted_total",
			Help: "Quota records evicted by the idle sweep",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quota_store_circuit_state",
			Help: "Quota store circuit breaker state (label carries state, value is always 1)",
		}, []string{"state"}),
		policyPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_watcher_polls_total",
			Help: "Suspicion policy poll cycles",
		}),
		policySwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_watcher_swaps_total",
			Help: "Suspicion policies swapped in",
		}),
		policyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_watcher_errors_total",
			Help: "Policy watcher errors by type",
		}, []string{"type"}),
		policyInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policy_info",
			Help: "Active suspicion policy (labels carry identity, value is always 1)",
		}, []string{"version", "sha256"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.gateDecisions,
		m.gateSuspicious,
		m.gateFailOpen,
		m.sweepsTotal,
		m.sweepEvicted,
		m.breakerState,
		m.policyPolls,
		m.policySwaps,
		m.policyErrors,
		m.policyInfo,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) IncHTTPPanic() { m.httpPanicTotal.Inc() }

// SetBuildInfo is called once at startup.
func (m *ServerMetrics) SetBuildInfo(app, component string, vi version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":        app,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_date": vi.BuildDate,
		"vcs_dirty":  vi.Dirty(),
		"go_version": vi.GoVersion,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) { m.profilingActive.Set(boolGauge(active)) }

func (m *ServerMetrics) IncGateDecision(outcome string) {
	m.gateDecisions.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) IncGateSuspicious() { m.gateSuspicious.Inc() }

func (m *ServerMetrics) IncGateFailOpen(reason string) {
	m.gateFailOpen.WithLabelValues(reason).Inc()
}

// TrackQuotaRecords exposes quota_records, read from fn at scrape time.
// Calling it again replaces the previous source.
func (m *ServerMetrics) TrackQuotaRecords(fn func() int) {
	if m.quotaRecordFn != nil {
		m.reg.Unregister(m.quotaRecordFn)
	}
	m.quotaRecordFn = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "quota_records",
		Help: "Client records held by the in-memory quota store",
	}, func() float64 { return float64(fn()) })
	m.reg.MustRegister(m.quotaRecordFn)
}

// ObserveSweep matches quota.Sweeper's OnSweep hook.
func (m *ServerMetrics) ObserveSweep(evicted int, err error) {
	if err != nil {
		m.sweepsTotal.WithLabelValues("error").Inc()
		return
	}
	m.sweepsTotal.WithLabelValues("ok").Inc()
	m.sweepEvicted.Add(float64(evicted))
}

func (m *ServerMetrics) SetBreakerState(state string) {
	m.breakerState.Reset()
	m.breakerState.WithLabelValues(state).Set(1)
}

func (m *ServerMetrics) IncPolicyPolls() { m.policyPolls.Inc() }

func (m *ServerMetrics) IncPolicySwaps() { m.policySwaps.Inc() }

func (m *ServerMetrics) IncPolicyError(errType string) {
	m.policyErrors.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) SetPolicyInfo(version, sha256 string) {
	m.policyInfo.Reset()
	m.policyInfo.WithLabelValues(version, sha256).Set(1)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
