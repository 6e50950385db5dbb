package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	clientsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flockctl",
			Subsystem: "manager",
			Name:      "clients_active",
			Help:      "Clients currently registered with the manager.",
		},
	)
	clientsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flockctl",
			Subsystem: "manager",
			Name:      "clients_created_total",
			Help:      "Client creation requests issued.",
		},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flockctl",
			Subsystem: "manager",
			Name:      "handshakes_total",
			Help:      "Handshake outcomes by result.",
		},
		[]string{"result"},
	)
	forcedKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flockctl",
			Subsystem: "manager",
			Name:      "forced_kills_total",
			Help:      "Forced client terminations by cause.",
		},
		[]string{"cause"},
	)
	leaseExpiries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flockctl",
			Subsystem: "lease",
			Name:      "expiries_total",
			Help:      "Lease expiries by table.",
		},
		[]string{"table"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			clientsActive, clientsCreated, handshakes, forcedKills, leaseExpiries,
		)
	})
}

func SetClientsActive(n int) {
	RegisterMetrics()
	clientsActive.Set(float64(n))
}

func RecordClientCreated() {
	RegisterMetrics()
	clientsCreated.Inc()
}

// RecordHandshake tracks handshake completion; result is "completed", "timeout"
// or "unknown" (stale command dropped).
func RecordHandshake(result string) {
	RegisterMetrics()
	handshakes.WithLabelValues(result).Inc()
}

func RecordForcedKill(cause string) {
	RegisterMetrics()
	forcedKills.WithLabelValues(cause).Inc()
}

func RecordLeaseExpiry(table string) {
	RegisterMetrics()
	leaseExpiries.WithLabelValues(table).Inc()
}
