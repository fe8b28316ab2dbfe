package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the WebSocket edge's Prometheus metrics.
type Metrics struct {
	Clients    prometheus.Gauge
	Broadcasts *prometheus.CounterVec // labels: kind (price, event)
	SendDrops  prometheus.Counter
	E2ELatency prometheus.Histogram // payload ts -> broadcast
}

// NewMetrics creates the gateway metrics and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_broadcasts_total",
			Help: "Messages broadcast to WebSocket clients (by channel kind)",
		}, []string{"kind"}),
		SendDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_send_drops_total",
			Help: "Messages dropped because a client send buffer was full",
		}),
		E2ELatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_e2e_latency_seconds",
			Help:    "Finalization to broadcast latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
	reg.MustRegister(m.Clients, m.Broadcasts, m.SendDrops, m.E2ELatency)
	return m
}
