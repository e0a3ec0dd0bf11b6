package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status code
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "planforge_http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "code"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "planforge_http_request_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "code"},
	)

	// Runs counts runs reaching a terminal status
	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "planforge_runs_total", Help: "Optimization runs by terminal status."},
		[]string{"status"},
	)
	// RunsInflight tracks currently executing runs
	RunsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "planforge_runs_inflight", Help: "Runs currently executing."},
	)
	// RunSeconds records wall time per run
	RunSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "planforge_run_seconds", Help: "Wall time per optimization run.", Buckets: prometheus.ExponentialBuckets(0.01, 2, 12)},
	)
	// GenerationSeconds records wall time per optimizer generation
	GenerationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "planforge_generation_seconds", Help: "Wall time per optimizer generation.", Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14)},
	)
	// Simulations counts schedule evaluations across all runs
	Simulations = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "planforge_simulations_total", Help: "Schedule simulations evaluated."},
	)

	// WebhookDeliveries counts webhook delivery outcomes
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "planforge_webhook_deliveries_total", Help: "Webhook delivery attempts by result."},
		[]string{"result"},
	)
	// WebhookSeconds tracks webhook post latency
	WebhookSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "planforge_webhook_delivery_seconds", Help: "Webhook delivery latency in seconds.", Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5}},
		[]string{"result"},
	)
)

// RegisterDefault registers collectors to the dedicated registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(Runs)
		Registry.MustRegister(RunsInflight)
		Registry.MustRegister(RunSeconds)
		Registry.MustRegister(GenerationSeconds)
		Registry.MustRegister(Simulations)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookSeconds)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
