package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pairgate"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	attempts        *prom.CounterVec
	attemptDuration *prom.HistogramVec
	codeLatency     prom.Histogram
	transitions     *prom.CounterVec
	reconnects      prom.Counter
	active          prom.Gauge
	storeOps        *prom.CounterVec
	storeDuration   *prom.HistogramVec
}

// NewPrometheusRecorder constructs the metrics and registers them on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		attempts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_attempts_total",
			Help:      "Pairing attempts by final result",
		}, []string{"result"}),
		attemptDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "pairing_attempt_duration_seconds",
			Help:      "Duration of pairing attempts from request to final state",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		codeLatency: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "pairing_code_latency_seconds",
			Help:      "Time from request until the caller was answered",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 13, 21, 30},
		}),
		transitions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_transitions_total",
			Help:      "State machine transitions",
		}, []string{"from", "to"}),
		reconnects: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_reconnects_total",
			Help:      "Reconnects after transient disconnects",
		}),
		active: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "pairing_active_attempts",
			Help:      "Attempts currently running",
		}),
		storeOps: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Session store operations by result",
		}, []string{"op", "result"}),
		storeDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Session store operation latency",
			Buckets:   prom.DefBuckets,
		}, []string{"op"}),
	}
	reg.MustRegister(
		pr.attempts, pr.attemptDuration, pr.codeLatency, pr.transitions,
		pr.reconnects, pr.active, pr.storeOps, pr.storeDuration,
	)
	return pr
}

// RegisterRuntime adds the Go runtime and process collectors to reg.
func RegisterRuntime(reg *prom.Registry) {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// HTTPHandler serves the metrics in reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *PrometheusRecorder) IncAttempt(result string) {
	if p == nil {
		return
	}
	p.attempts.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) ObserveAttemptDuration(result string, d time.Duration) {
	if p == nil {
		return
	}
	p.attemptDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveCodeLatency(d time.Duration) {
	if p == nil {
		return
	}
	p.codeLatency.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncTransition(from, to string) {
	if p == nil {
		return
	}
	p.transitions.WithLabelValues(from, to).Inc()
}

func (p *PrometheusRecorder) IncReconnect() {
	if p == nil {
		return
	}
	p.reconnects.Inc()
}

func (p *PrometheusRecorder) SetActiveAttempts(n int) {
	if p == nil {
		return
	}
	p.active.Set(float64(n))
}

// ObserveStoreOp also satisfies sessionstore.Observer.
func (p *PrometheusRecorder) ObserveStoreOp(op, result string, d time.Duration) {
	if p == nil {
		return
	}
	p.storeOps.WithLabelValues(op, result).Inc()
	p.storeDuration.WithLabelValues(op).Observe(d.Seconds())
}
