package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quill_gateway_connections",
		Help: "Open websocket connections.",
	})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quill_gateway_messages_total",
		Help: "Messages read from clients, by type.",
	}, []string{"type"})

	rejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_gateway_rejected_messages_total",
		Help: "Client messages that could not be decoded or were refused.",
	})
)
