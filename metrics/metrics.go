// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to the MyCP transport engine.
//
// When defining new operations or metrics, these are helpful values to
// track:
//   - things coming into or going out of the system: packets, bytes,
//     connections.
//   - the success or error status of any of the above.
//   - the distribution of processing latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsSent counts packets transmitted on the wire, by type.
	PacketsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycp_packets_sent_total",
			Help: "Packets transmitted, by MyCP packet type.",
		},
		[]string{"type"})

	// PacketsReceived counts packets accepted by the codec (post-checksum)
	// and matched to a registered connection, by type.
	PacketsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycp_packets_received_total",
			Help: "Packets successfully decoded, by MyCP packet type.",
		},
		[]string{"type"})

	// PacketsDropped counts packets discarded by the I/O worker, by reason:
	// "checksum", "malformed", "unknown_connection", "window_exhausted".
	PacketsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycp_packets_dropped_total",
			Help: "Packets silently dropped, by reason.",
		},
		[]string{"reason"})

	// RetransmissionsTotal counts every DATA packet re-sent after a
	// retransmit-timeout expiry.
	RetransmissionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mycp_retransmissions_total",
			Help: "DATA packets re-sent after their retransmit timeout expired.",
		})

	// RTOHistogram tracks the per-connection retransmit timeout value
	// (seconds) each time a retransmit timeout raises it; the halving on a
	// clean acknowledgement is not observed.
	RTOHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mycp_rto_seconds_histogram",
			Help:    "Retransmit timeout value distribution (seconds).",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		})

	// MaxInFlightGauge holds the AIMD in-flight cap of whichever connection
	// last changed it; it is not summed across connections.
	MaxInFlightGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mycp_max_in_flight",
			Help: "Current additive-increase/multiplicative-decrease in-flight packet cap.",
		})

	// PeerWindowBytes tracks the last advertised peer window observed on a
	// connection.
	PeerWindowBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mycp_peer_window_bytes_histogram",
			Help:    "Advertised peer window size distribution (bytes).",
			Buckets: prometheus.LinearBuckets(0, 4096, 20),
		})

	// ActiveConnections is the number of connections currently registered
	// with the I/O multiplexer.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mycp_active_connections",
			Help: "Number of connections currently registered with the I/O multiplexer.",
		})

	// PollLoopHistogram tracks the interval between I/O worker ticks.
	PollLoopHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mycp_poll_loop_interval_histogram",
			Help:    "I/O worker tick interval distribution (seconds).",
			Buckets: prometheus.LinearBuckets(0, 0.01, 20),
		})
)
