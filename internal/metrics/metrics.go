// Package metrics holds the prometheus collectors for the protocol stack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	packetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siolink_engine_packets_total",
			Help: "Engine.IO packets by direction and transport",
		},
		[]string{"direction", "transport"}, // in|out
	)

	upgradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siolink_engine_upgrades_total",
			Help: "Transport upgrade probes by outcome",
		},
		[]string{"transport", "outcome"}, // ok|failed
	)

	closesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siolink_engine_closes_total",
			Help: "Engine.IO session closes by reason",
		},
		[]string{"reason"},
	)

	reconnectAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "siolink_reconnect_attempts_total",
		Help: "Reconnection attempts made by managers",
	})

	ackTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "siolink_ack_timeouts_total",
		Help: "Acknowledgements that timed out",
	})

	retryDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "siolink_retry_drops_total",
		Help: "Queued packets dropped after exhausting retries",
	})

	serverSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "siolink_server_sessions",
		Help: "Open Engine.IO sessions on the server endpoint",
	})
)

func init() {
	prometheus.MustRegister(
		packetsTotal,
		upgradesTotal,
		closesTotal,
		reconnectAttemptsTotal,
		ackTimeoutsTotal,
		retryDropsTotal,
		serverSessions,
	)
}

func IncPacketIn(transport string)         { packetsTotal.WithLabelValues("in", transport).Inc() }
func IncPacketOut(transport string, n int) { packetsTotal.WithLabelValues("out", transport).Add(float64(n)) }
func IncUpgrade(transport, outcome string) { upgradesTotal.WithLabelValues(transport, outcome).Inc() }
func IncClose(reason string)               { closesTotal.WithLabelValues(reason).Inc() }
func IncReconnectAttempt()                 { reconnectAttemptsTotal.Inc() }
func IncAckTimeout()                       { ackTimeoutsTotal.Inc() }
func IncRetryDrop()                        { retryDropsTotal.Inc() }
func AddServerSessions(delta float64)      { serverSessions.Add(delta) }
