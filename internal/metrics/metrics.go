// Package metrics exposes the prometheus gauges and counters sampled on
// the reactor's 10-second maintenance tick.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors the maintenance tick updates. A caller
// registers them once against a prometheus.Registerer and then calls the
// Set*/Inc* methods from within the reactor loop.
type Metrics struct {
	Connections       prometheus.Gauge
	Brokers           prometheus.Gauge
	Services          prometheus.Gauge
	TrieNodes         prometheus.Gauge
	StoreEntries      prometheus.Gauge
	MaintenanceTicks  prometheus.Counter
	TenantDisconnects *prometheus.CounterVec
	BridgeReconnects  *prometheus.CounterVec
}

// New constructs the collector set with the given namespace, ready for
// registration.
func New(namespace string) *Metrics {
	return &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections", Help: "current active connections",
		}),
		Brokers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "brokers", Help: "known fabric brokers, including local",
		}),
		Services: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "services", Help: "registered services",
		}),
		TrieNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "trie_nodes", Help: "live subscription trie nodes",
		}),
		StoreEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "store_entries", Help: "live message store entries",
		}),
		MaintenanceTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "maintenance_ticks_total", Help: "maintenance passes run",
		}),
		TenantDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tenant_disconnects_total", Help: "disconnects forced by tenant limit breaches",
		}, []string{"tenant"}),
		BridgeReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bridge_reconnects_total", Help: "bridge reconnect attempts",
		}, []string{"bridge"}),
	}
}

// MustRegister registers every collector against reg, panicking on a
// duplicate registration (mirrors prometheus.MustRegister's own
// contract — this is a startup-time call, not a hot path).
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.Connections,
		m.Brokers,
		m.Services,
		m.TrieNodes,
		m.StoreEntries,
		m.MaintenanceTicks,
		m.TenantDisconnects,
		m.BridgeReconnects,
	)
}
