package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine metrics under the "flowrun" namespace:
//
//	inflight_nodes              gauge     nodes currently executing
//	node_latency_ms             histogram node_type, status
//	executions_total            counter   status
//	provider_retries_total      counter   node_type
//	llm_tokens_total            counter   model, direction (input|output)
//	merge_branch_errors_total   counter   error_strategy
//	stuck_executions_failed_total counter
//
// Expose it with promhttp:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	inflightNodes prometheus.Gauge
	nodeLatency   *prometheus.HistogramVec
	executions    *prometheus.CounterVec
	retries       *prometheus.CounterVec
	tokens        *prometheus.CounterVec
	branchErrors  *prometheus.CounterVec
	stuckFailed   prometheus.Counter

	mu       sync.RWMutex
	enabled  bool
	inflight int
}

// NewPrometheusMetrics registers the collectors with registry, or with the
// default registerer when registry is nil.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowrun",
			Name:      "inflight_nodes",
			Help:      "Number of nodes currently executing",
		}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowrun",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"node_type", "status"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrun",
			Name:      "executions_total",
			Help:      "Finished executions by terminal status",
		}, []string{"status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrun",
			Name:      "provider_retries_total",
			Help:      "Retried provider calls",
		}, []string{"node_type"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrun",
			Name:      "llm_tokens_total",
			Help:      "LLM tokens consumed",
		}, []string{"model", "direction"}),
		branchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrun",
			Name:      "merge_branch_errors_total",
			Help:      "Predecessor failures absorbed by MERGE nodes",
		}, []string{"error_strategy"}),
		stuckFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowrun",
			Name:      "stuck_executions_failed_total",
			Help:      "Executions failed by the stuck-execution sweep",
		}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordNode observes one node result.
func (pm *PrometheusMetrics) RecordNode(nodeType NodeType, status NodeStatus, latency time.Duration) {
	if !pm.on() {
		return
	}
	pm.nodeLatency.WithLabelValues(string(nodeType), string(status)).Observe(float64(latency.Milliseconds()))
}

// NodeStarted and NodeFinished track the in-flight gauge.
func (pm *PrometheusMetrics) NodeStarted() { pm.addInflight(1) }

func (pm *PrometheusMetrics) NodeFinished() { pm.addInflight(-1) }

func (pm *PrometheusMetrics) addInflight(delta int) {
	if !pm.on() {
		return
	}
	pm.mu.Lock()
	pm.inflight += delta
	if pm.inflight < 0 {
		pm.inflight = 0
	}
	pm.inflightNodes.Set(float64(pm.inflight))
	pm.mu.Unlock()
}

func (pm *PrometheusMetrics) ExecutionFinished(status string) {
	if !pm.on() {
		return
	}
	pm.executions.WithLabelValues(status).Inc()
}

func (pm *PrometheusMetrics) IncrementRetries(nodeType NodeType) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(string(nodeType)).Inc()
}

func (pm *PrometheusMetrics) AddTokens(model string, input, output int) {
	if !pm.on() || (input == 0 && output == 0) {
		return
	}
	if model == "" {
		model = "unknown"
	}
	pm.tokens.WithLabelValues(model, "input").Add(float64(input))
	pm.tokens.WithLabelValues(model, "output").Add(float64(output))
}

func (pm *PrometheusMetrics) AddBranchErrors(errorStrategy string, n int) {
	if !pm.on() || n == 0 {
		return
	}
	pm.branchErrors.WithLabelValues(errorStrategy).Add(float64(n))
}

func (pm *PrometheusMetrics) AddStuckFailed(n int) {
	if !pm.on() || n == 0 {
		return
	}
	pm.stuckFailed.Add(float64(n))
}

// Disable stops recording until Enable is called.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
