package gateway

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	connections      *prometheus.CounterVec // by transport
	active           *prometheus.GaugeVec   // by transport
	connectionErrors *prometheus.CounterVec // by transport and kind
	messages         *prometheus.CounterVec // by transport
	responses        *prometheus.CounterVec // by transport
}

// NewMetrics creates the gateway collectors and registers them with reg.
// Registering twice against the same registry reuses the existing
// collectors, so the plain and secure gateways can share one Metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devbridge",
			Subsystem: "gateway",
			Name:      "connections_total",
			Help:      "Total number of accepted WebSocket connections",
		}, []string{"transport"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devbridge",
			Subsystem: "gateway",
			Name:      "connections_active",
			Help:      "Number of currently open WebSocket connections",
		}, []string{"transport"}),
		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devbridge",
			Subsystem: "gateway",
			Name:      "connection_errors_total",
			Help:      "Total number of connections closed because of an error",
		}, []string{"transport", "kind"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devbridge",
			Subsystem: "gateway",
			Name:      "messages_received_total",
			Help:      "Total number of frames dispatched to the message handler",
		}, []string{"transport"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devbridge",
			Subsystem: "gateway",
			Name:      "responses_sent_total",
			Help:      "Total number of handler responses written back",
		}, []string{"transport"}),
	}

	var err error
	m.connections, err = register(reg, m.connections)
	if err != nil {
		return nil, err
	}
	m.active, err = register(reg, m.active)
	if err != nil {
		return nil, err
	}
	m.connectionErrors, err = register(reg, m.connectionErrors)
	if err != nil {
		return nil, err
	}
	m.messages, err = register(reg, m.messages)
	if err != nil {
		return nil, err
	}
	m.responses, err = register(reg, m.responses)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) connOpened(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
	m.active.WithLabelValues(transport).Inc()
}

func (m *Metrics) connClosed(transport string) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(transport).Dec()
}

func (m *Metrics) connFailed(transport string, kind ErrorKind) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(transport, kind.String()).Inc()
}

func (m *Metrics) messageReceived(transport string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(transport).Inc()
}

func (m *Metrics) responseSent(transport string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(transport).Inc()
}
