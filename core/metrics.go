package core

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the prometheus collectors the DEX Core exposes,
// mirroring the gauge/counter split the teacher uses in
// core/system_health_logging.go (HealthLogger), scoped to this
// component's own concerns instead of chain height/peer count.
type Metrics struct {
	Registry *prometheus.Registry

	OpenRequests      *prometheus.GaugeVec
	RequestsFinalised *prometheus.CounterVec
	PollerTicks       *prometheus.CounterVec
	SubscriberCount   *prometheus.GaugeVec
	NonceGap          prometheus.Counter
	AdapterPoolConns  *prometheus.GaugeVec
}

// NewMetrics builds and registers a fresh Metrics collector set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		OpenRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dexproxy_open_requests",
			Help: "Number of non-terminal requests currently tracked, by kind.",
		}, []string{"kind"}),
		RequestsFinalised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dexproxy_requests_finalised_total",
			Help: "Total requests moved to a terminal status, by status.",
		}, []string{"status"}),
		PollerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dexproxy_poller_ticks_total",
			Help: "Total scheduler ticks performed, by task name.",
		}, []string{"task"}),
		SubscriberCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dexproxy_subscribers",
			Help: "Live WS subscriber count, by channel.",
		}, []string{"channel"}),
		NonceGap: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dexproxy_nonce_gaps_total",
			Help: "Total nonce-gap warnings raised by the Nonce Manager sync loop.",
		}),
		AdapterPoolConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dexproxy_adapter_pool_idle_connections",
			Help: "Idle pooled connections held open to an adapter endpoint, by remote address.",
		}, []string{"endpoint"}),
	}
	reg.MustRegister(m.OpenRequests, m.RequestsFinalised, m.PollerTicks, m.SubscriberCount, m.NonceGap, m.AdapterPoolConns)
	return m
}
