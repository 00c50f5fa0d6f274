package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stagegate"

// Registry owns the service collectors. A nil *Registry is valid and records
// nothing, so components can be built without metrics in tests.
type Registry struct {
	reg *prometheus.Registry

	monitorTicks      *prometheus.CounterVec
	launches          *prometheus.CounterVec
	workflowRuns      *prometheus.CounterVec
	callbacks         *prometheus.CounterVec
	triggerFires      *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	endpointLatency   prometheus.Histogram
	endpointInvokeErr prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		monitorTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_ticks_total",
			Help:      "Job completion monitor ticks by outcome.",
		}, []string{"monitor", "outcome"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Stage job launches by outcome.",
		}, []string{"kind", "outcome"}),
		workflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Finished workflow executions by terminal status.",
		}, []string{"workflow", "status"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_callbacks_total",
			Help:      "Provisioning callbacks sent by request type and status.",
		}, []string{"request_type", "status"}),
		triggerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_fires_total",
			Help:      "Recurring trigger invocations.",
		}, []string{"trigger"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runner_breaker_state",
			Help:      "Job runner circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"breaker"}),
		endpointLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "endpoint_invoke_seconds",
			Help:      "Latency of model endpoint invocations.",
			Buckets:   prometheus.DefBuckets,
		}),
		endpointInvokeErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_invoke_errors_total",
			Help:      "Failed model endpoint invocations.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.monitorTicks,
		r.launches,
		r.workflowRuns,
		r.callbacks,
		r.triggerFires,
		r.breakerState,
		r.endpointLatency,
		r.endpointInvokeErr,
	)
	return r
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) MonitorTick(monitor, outcome string) {
	if r == nil {
		return
	}
	r.monitorTicks.WithLabelValues(monitor, outcome).Inc()
}

func (r *Registry) Launch(kind, outcome string) {
	if r == nil {
		return
	}
	r.launches.WithLabelValues(kind, outcome).Inc()
}

func (r *Registry) WorkflowFinished(workflow, status string) {
	if r == nil {
		return
	}
	r.workflowRuns.WithLabelValues(workflow, status).Inc()
}

func (r *Registry) Callback(requestType, status string) {
	if r == nil {
		return
	}
	r.callbacks.WithLabelValues(requestType, status).Inc()
}

func (r *Registry) TriggerFired(name string) {
	if r == nil {
		return
	}
	r.triggerFires.WithLabelValues(name).Inc()
}

func (r *Registry) BreakerState(name string, state float64) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(name).Set(state)
}

func (r *Registry) EndpointInvoke(seconds float64, err error) {
	if r == nil {
		return
	}
	r.endpointLatency.Observe(seconds)
	if err != nil {
		r.endpointInvokeErr.Inc()
	}
}
