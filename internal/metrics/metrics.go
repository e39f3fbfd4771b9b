// Package metrics exposes the Prometheus collectors for relays, relay info fetches and zaps.
// Every method is safe on a nil *Metrics so components can run unobserved.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "psilo"

type Metrics struct {
	RelayStatus      *prometheus.GaugeVec
	RelayMessages    *prometheus.CounterVec
	DroppedEvents    *prometheus.CounterVec
	RelayInfoFetches *prometheus.CounterVec
	ZapOutcomes      *prometheus.CounterVec
	SignerOperations *prometheus.CounterVec
	WalletRequests   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RelayStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:      "status",
				Namespace: namespace,
				Subsystem: "relay",
				Help:      "Connection state per relay (0 disconnected, 1 connecting, 2 connected, 3 error).",
			},
			[]string{"relay"},
		),
		RelayMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      "messages_total",
				Namespace: namespace,
				Subsystem: "relay",
				Help:      "Inbound relay messages by type.",
			},
			[]string{"relay", "type"},
		),
		DroppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      "dropped_events_total",
				Namespace: namespace,
				Subsystem: "relay",
				Help:      "Inbound events discarded before fan-out.",
			},
			[]string{"reason"},
		),
		RelayInfoFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      "fetches_total",
				Namespace: namespace,
				Subsystem: "relayinfo",
				Help:      "NIP-11 document fetches by result.",
			},
			[]string{"result"},
		),
		ZapOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      "outcomes_total",
				Namespace: namespace,
				Subsystem: "zap",
				Help:      "Zap pipeline terminal states by code.",
			},
			[]string{"code"},
		),
		SignerOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      "operations_total",
				Namespace: namespace,
				Subsystem: "signer",
				Help:      "Signer operations by variant and outcome.",
			},
			[]string{"signer", "outcome"},
		),
		WalletRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:      "requests_total",
				Namespace: namespace,
				Subsystem: "nwc",
				Help:      "Wallet connect requests by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.RelayStatus,
			m.RelayMessages,
			m.DroppedEvents,
			m.RelayInfoFetches,
			m.ZapOutcomes,
			m.SignerOperations,
			m.WalletRequests,
		)
	}
	return m
}

func (m *Metrics) SetRelayStatus(relay string, status int) {
	if m == nil {
		return
	}
	m.RelayStatus.WithLabelValues(relay).Set(float64(status))
}

func (m *Metrics) IncRelayMessage(relay, msgType string) {
	if m == nil {
		return
	}
	m.RelayMessages.WithLabelValues(relay, msgType).Inc()
}

func (m *Metrics) IncDroppedEvent(reason string) {
	if m == nil {
		return
	}
	m.DroppedEvents.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRelayInfoFetch(result string) {
	if m == nil {
		return
	}
	m.RelayInfoFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) IncZapOutcome(code string) {
	if m == nil {
		return
	}
	m.ZapOutcomes.WithLabelValues(code).Inc()
}

func (m *Metrics) IncSignerOperation(signer, outcome string) {
	if m == nil {
		return
	}
	m.SignerOperations.WithLabelValues(signer, outcome).Inc()
}

func (m *Metrics) IncWalletRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.WalletRequests.WithLabelValues(method, outcome).Inc()
}
