// =============================================================================
// PROMETHEUS METRICS - REGISTRY AND HELPERS
// =============================================================================
//
// One registry holds every metric the broker exposes, grouped by subsystem:
//
//   ┌──────────────────────────────────────────────────────────────┐
//   │                        Registry                              │
//   │  ┌─────────┐ ┌─────────┐ ┌─────────────┐ ┌──────────────┐   │
//   │  │ Broker  │ │ Storage │ │ Replication │ │ Coordination │   │
//   │  └─────────┘ └─────────┘ └─────────────┘ └──────────────┘   │
//   └──────────────────────────────┬───────────────────────────────┘
//                                  │ GET /metrics (ops listener)
//                                  ▼
//            forgeprint_broker_messages_produced_total{topic="..."} 12345
//
// All names follow {namespace}_{subsystem}_{name}_{unit}. Labels stay at
// bounded cardinality: topic, group, outcome. Never per-message values.
//
// A private registry (not the client library's global one) keeps tests
// isolated and lets the ops handler serve exactly what the broker owns.
//
// =============================================================================

package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the registry.
type Config struct {
	// Enabled turns collection off entirely; every metric operation
	// becomes a no-op and the handler reports that metrics are disabled.
	Enabled bool

	// Namespace prefixes every metric name.
	Namespace string

	// IncludeRuntimeCollectors adds the Go runtime and process
	// collectors (goroutines, GC, memory, file descriptors).
	IncludeRuntimeCollectors bool

	// HistogramBuckets for latency observations, in seconds. Dense
	// around single-digit milliseconds where produce and fetch live.
	HistogramBuckets []float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		Namespace:                "forgeprint",
		IncludeRuntimeCollectors: true,
		HistogramBuckets: []float64{
			0.0005, 0.001, 0.002, 0.005, 0.01, 0.025,
			0.05, 0.1, 0.25, 0.5, 1, 2, 5,
		},
	}
}

// Registry owns the Prometheus registry and the subsystem metric groups.
type Registry struct {
	config Config
	prom   *prometheus.Registry
	logger *slog.Logger

	Broker       *BrokerMetrics
	Storage      *StorageMetrics
	Replication  *ReplicationMetrics
	Coordination *CoordinationMetrics
}

// NewRegistry creates a registry with every subsystem registered.
func NewRegistry(config Config, logger *slog.Logger) *Registry {
	r := &Registry{
		config: config,
		prom:   prometheus.NewRegistry(),
		logger: logger.With("component", "metrics"),
	}

	if !config.Enabled {
		r.logger.Info("metrics collection disabled")
		return r
	}

	if config.IncludeRuntimeCollectors {
		r.prom.MustRegister(collectors.NewGoCollector())
		r.prom.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	r.Broker = newBrokerMetrics(r)
	r.Storage = newStorageMetrics(r)
	r.Replication = newReplicationMetrics(r)
	r.Coordination = newCoordinationMetrics(r)

	r.logger.Info("metrics registry initialized", "namespace", config.Namespace)
	return r
}

// Enabled reports whether collection is on.
func (r *Registry) Enabled() bool {
	return r.config.Enabled
}

// Handler serves the /metrics endpoint in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if !r.config.Enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("# metrics disabled\n"))
		})
	}
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          &promLogger{logger: r.logger},
		Registry:          r.prom,
	})
}

// promLogger adapts slog to the promhttp error logging interface.
type promLogger struct {
	logger *slog.Logger
}

func (l *promLogger) Println(v ...interface{}) {
	l.logger.Error("prometheus handler error", "error", v)
}

// =============================================================================
// REGISTRATION HELPERS
// =============================================================================

func (r *Registry) newCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	opts.Namespace = r.config.Namespace
	c := prometheus.NewCounterVec(opts, labels)
	r.prom.MustRegister(c)
	return c
}

func (r *Registry) newCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = r.config.Namespace
	c := prometheus.NewCounter(opts)
	r.prom.MustRegister(c)
	return c
}

func (r *Registry) newGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = r.config.Namespace
	g := prometheus.NewGauge(opts)
	r.prom.MustRegister(g)
	return g
}

func (r *Registry) newGaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	opts.Namespace = r.config.Namespace
	g := prometheus.NewGaugeVec(opts, labels)
	r.prom.MustRegister(g)
	return g
}

func (r *Registry) newHistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = r.config.HistogramBuckets
	}
	h := prometheus.NewHistogramVec(opts, labels)
	r.prom.MustRegister(h)
	return h
}
