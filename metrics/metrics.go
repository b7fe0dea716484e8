// Package metrics exposes the bridge's Prometheus collectors.
//
// Every recorder method is safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "unreal_bridge"

// Metrics holds the bridge collectors and the registry they are registered on.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth        prometheus.Gauge
	QueueRunning      prometheus.Gauge
	QueueDispatched   *prometheus.CounterVec
	QueueFailed       *prometheus.CounterVec
	QueueWait         prometheus.Histogram
	ConnectionState   prometheus.Gauge
	ConnectAttempts   *prometheus.CounterVec
	Reconnects        prometheus.Counter
	RequestDuration   *prometheus.HistogramVec
	CacheLookups      *prometheus.CounterVec
	ScriptTier        *prometheus.CounterVec
	CommandsBlocked   *prometheus.CounterVec
	ViewModesResolved *prometheus.CounterVec
}

// New creates the collectors on a fresh registry that also carries Go runtime and process metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Commands waiting in the dispatch queue",
		}),
		QueueRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "running",
			Help: "Commands currently executing",
		}),
		QueueDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "dispatched_total",
			Help: "Commands dispatched, by priority",
		}, []string{"priority"}),
		QueueFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "failed_total",
			Help: "Commands that finished with an error, by priority",
		}, []string{"priority"}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "queue", Name: "wait_seconds",
			Help:    "Time between enqueue and dispatch",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connection", Name: "state",
			Help: "Connection state (0=disconnected, 1=connecting, 2=connected, 3=error)",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "attempts_total",
			Help: "Socket dial attempts, by outcome",
		}, []string{"outcome"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "reconnects_total",
			Help: "Automatic reconnects scheduled after an unexpected close",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "remote", Name: "request_duration_seconds",
			Help:    "Remote Control HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "outcome"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
			Help: "Cache lookups, by cache and result",
		}, []string{"cache", "result"}),
		ScriptTier: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "script", Name: "tier_total",
			Help: "Script execution attempts, by tier and outcome",
		}, []string{"tier", "outcome"}),
		CommandsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "safety", Name: "blocked_total",
			Help: "Commands or scripts refused before execution, by reason",
		}, []string{"reason"}),
		ViewModesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "safety", Name: "viewmode_total",
			Help: "View mode requests, by classification",
		}, []string{"class"}),
	}

	m.registry.MustRegister(
		m.QueueDepth, m.QueueRunning, m.QueueDispatched, m.QueueFailed, m.QueueWait,
		m.ConnectionState, m.ConnectAttempts, m.Reconnects, m.RequestDuration,
		m.CacheLookups, m.ScriptTier, m.CommandsBlocked, m.ViewModesResolved,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetQueue(depth, running int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
	m.QueueRunning.Set(float64(running))
}

func (m *Metrics) ObserveDispatch(priority int, wait time.Duration) {
	if m == nil {
		return
	}
	m.QueueDispatched.WithLabelValues(strconv.Itoa(priority)).Inc()
	m.QueueWait.Observe(wait.Seconds())
}

func (m *Metrics) ObserveFailure(priority int) {
	if m == nil {
		return
	}
	m.QueueFailed.WithLabelValues(strconv.Itoa(priority)).Inc()
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

func (m *Metrics) ObserveConnectAttempt(ok bool) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(outcome(ok)).Inc()
}

func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) ObserveRequest(route string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, outcome(ok)).Observe(elapsed.Seconds())
}

// ObserveCache matches the cache package's Observer signature.
func (m *Metrics) ObserveCache(cacheName string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(cacheName, result).Inc()
}

func (m *Metrics) ObserveScriptTier(tier int, ok bool) {
	if m == nil {
		return
	}
	m.ScriptTier.WithLabelValues(strconv.Itoa(tier), outcome(ok)).Inc()
}

func (m *Metrics) ObserveBlocked(reason string) {
	if m == nil {
		return
	}
	m.CommandsBlocked.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveViewMode(class string) {
	if m == nil {
		return
	}
	m.ViewModesResolved.WithLabelValues(class).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
