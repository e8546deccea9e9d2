// Package metrics exports coordinator activity to Prometheus.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relay"

// Relay groups the coordinator collectors. A nil *Relay is valid and records nothing.
type Relay struct {
	connections    prometheus.Gauge
	members        prometheus.Gauge
	messages       prometheus.Counter
	protocolErrors *prometheus.CounterVec
	droppedPeers   prometheus.Counter
}

// NewRelay registers the relay collectors with reg (the default registerer when nil).
func NewRelay(reg prometheus.Registerer) (*Relay, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Relay{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open transport connections held by the coordinator.",
		}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_members",
			Help:      "Connections currently joined to a channel.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Chat messages accepted for broadcast.",
		}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Requests answered with an error push.",
		}, []string{"reason"}),
		droppedPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_peers_total",
			Help:      "Connections closed because their send buffer was full.",
		}),
	}

	var err error
	if r.connections, err = register(reg, r.connections); err != nil {
		return nil, err
	}
	if r.members, err = register(reg, r.members); err != nil {
		return nil, err
	}
	if r.messages, err = register(reg, r.messages); err != nil {
		return nil, err
	}
	if r.protocolErrors, err = register(reg, r.protocolErrors); err != nil {
		return nil, err
	}
	if r.droppedPeers, err = register(reg, r.droppedPeers); err != nil {
		return nil, err
	}
	return r, nil
}

// register reuses an already registered collector of the same type.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register relay collector: %w", err)
	}
	return c, nil
}

func (r *Relay) ConnectionOpened() {
	if r != nil {
		r.connections.Inc()
	}
}

func (r *Relay) ConnectionClosed() {
	if r != nil {
		r.connections.Dec()
	}
}

func (r *Relay) MemberJoined() {
	if r != nil {
		r.members.Inc()
	}
}

func (r *Relay) MemberLeft() {
	if r != nil {
		r.members.Dec()
	}
}

func (r *Relay) MessageRelayed() {
	if r != nil {
		r.messages.Inc()
	}
}

func (r *Relay) ProtocolError(reason string) {
	if r != nil {
		r.protocolErrors.WithLabelValues(reason).Inc()
	}
}

func (r *Relay) PeerDropped() {
	if r != nil {
		r.droppedPeers.Inc()
	}
}
