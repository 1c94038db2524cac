// Package metrics exposes the gateway's Prometheus collectors, served at
// /metrics on the ops listener:
//   - gateway_connections_active          – currently registered sessions (gauge)
//   - gateway_connections_total{result}   – accepts by outcome (accepted|rejected)
//   - gateway_messages_total{direction}   – frames in/out
//   - gateway_events_dropped_total{subscriber} – drop-oldest evictions per subscriber
//   - gateway_command_retries_total       – command retransmissions
//   - gateway_command_failures_total{reason} – settled command failures
//   - gateway_trail_adjustments_total     – acknowledged stop-loss moves
//   - gateway_incidents_total{severity}   – incidents opened
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Currently registered terminal sessions",
		},
	)

	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Connection attempts by outcome",
		},
		[]string{"result"}, // accepted|rejected
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_total",
			Help: "Frames processed by direction",
		},
		[]string{"direction"}, // in|out
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_dropped_total",
			Help: "Events evicted by the drop-oldest subscriber buffers",
		},
		[]string{"subscriber"},
	)

	CommandRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_command_retries_total",
			Help: "Command retransmissions",
		},
	)

	CommandFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_command_failures_total",
			Help: "Commands settled as failed, by reason",
		},
		[]string{"reason"},
	)

	TrailAdjustments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_trail_adjustments_total",
			Help: "Acknowledged stop-loss adjustments",
		},
	)

	IncidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_incidents_total",
			Help: "Incidents opened by severity",
		},
		[]string{"severity"},
	)
)

func init() {
	prometheus.MustRegister(
		ActiveConnections,
		ConnectionsTotal,
		MessagesTotal,
		EventsDropped,
		CommandRetries,
		CommandFailures,
		TrailAdjustments,
		IncidentsTotal,
	)
}
