package ipca

import "github.com/prometheus/client_golang/prometheus"

// metricsSet is the ambient Prometheus surface (SPEC_FULL.md item 2),
// grounded on cmd/pulse-sensor-proxy/metrics.go's dedicated-Registry,
// CounterVec/GaugeVec/HistogramVec pattern. A dedicated Registry is used
// rather than prometheus.DefaultRegisterer so a host application embedding
// this package never collides with its own metric names.
type metricsSet struct {
	registry *prometheus.Registry

	registrySize            prometheus.Gauge
	discoveryEvents         prometheus.Counter
	operations              *prometheus.CounterVec
	evictions               prometheus.Counter
	maintenanceTickDuration prometheus.Histogram
	activeSecurityWorkers   prometheus.Gauge
}

func newMetricsSet() *metricsSet {
	reg := prometheus.NewRegistry()

	m := &metricsSet{
		registry: reg,
		registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ipca",
			Name:      "registry_devices",
			Help:      "Number of devices currently tracked by the registry.",
		}),
		discoveryEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipca",
			Name:      "discovery_events_total",
			Help:      "Total number of DeviceDiscovered events delivered.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipca",
			Name:      "operations_total",
			Help:      "Total number of dispatched operations by kind and terminal status.",
		}, []string{"kind", "status"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipca",
			Name:      "evictions_total",
			Help:      "Total number of devices evicted by the maintenance loop.",
		}),
		maintenanceTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ipca",
			Name:      "maintenance_tick_seconds",
			Help:      "Duration of a single maintenance loop tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeSecurityWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ipca",
			Name:      "security_workers_active",
			Help:      "Number of in-flight RequestAccess security workers.",
		}),
	}

	reg.MustRegister(
		m.registrySize,
		m.discoveryEvents,
		m.operations,
		m.evictions,
		m.maintenanceTickDuration,
		m.activeSecurityWorkers,
	)
	return m
}

// Registry exposes the dedicated Prometheus registry so a host application
// can mount it under its own /metrics handler.
func (m *metricsSet) Registry() *prometheus.Registry {
	return m.registry
}
