// Package metrics exposes the broker's Prometheus collectors (spec.md
// SPEC_FULL.md §4.10). No teacher analogue exists for this package; it is
// grounded on the rest of the retrieval pack's consistent use of
// github.com/prometheus/client_golang (DMRHub, dittofs, gobfd).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors the tunnel core and REST surface report
// into. Construct once per process with New and pass it down to
// internal/relay, internal/tunnel, and internal/rest.
type Metrics struct {
	Registry *prometheus.Registry

	AuthAttempts     *prometheus.CounterVec
	ConnectRequests  *prometheus.CounterVec
	ActivePairings   prometheus.Gauge
	RelayBytesTotal  *prometheus.CounterVec
	ProvidersWaiting prometheus.Gauge
}

// New builds a private registry (not the global default one, so tests can
// construct as many Metrics as they like without collisions) and registers
// every collector into it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_auth_attempts_total",
			Help: "Auth handshake attempts by connection side and resulting status.",
		}, []string{"side", "status"}),
		ConnectRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_connect_requests_total",
			Help: "Probe ConnectRequests by resulting status.",
		}, []string{"status"}),
		ActivePairings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tunnel_active_pairings",
			Help: "Currently established probe/provider pairings.",
		}),
		RelayBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_relay_bytes_total",
			Help: "Bytes relayed through APDU pairings by direction.",
		}, []string{"direction"}),
		ProvidersWaiting: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tunnel_providers_waiting",
			Help: "Providers currently parked in the match engine awaiting a probe.",
		}),
	}
}

// RelayBytes implements relay.Counters.
func (m *Metrics) RelayBytes(direction string, n int) {
	m.RelayBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// PairingOpened implements relay.Counters.
func (m *Metrics) PairingOpened() {
	m.ActivePairings.Inc()
}

// PairingClosed implements relay.Counters.
func (m *Metrics) PairingClosed() {
	m.ActivePairings.Dec()
}

// ObserveAuth records an auth handshake outcome.
func (m *Metrics) ObserveAuth(side, status string) {
	m.AuthAttempts.WithLabelValues(side, status).Inc()
}

// ObserveConnect records a ConnectRequest outcome.
func (m *Metrics) ObserveConnect(status string) {
	m.ConnectRequests.WithLabelValues(status).Inc()
}
