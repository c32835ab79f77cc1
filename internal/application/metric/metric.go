package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calls_started_total",
			Help: "Call sessions created, by negotiated role",
		},
		[]string{"role"},
	)

	callsConnected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calls_connected_total",
			Help: "Call sessions that reached a live media path",
		},
	)

	callsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calls_ended_total",
			Help: "Call sessions torn down, by outcome",
		},
		[]string{"outcome"},
	)

	negotiationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "call_negotiation_duration_seconds",
			Help:    "Time from session creation to a live media path",
			Buckets: prometheus.DefBuckets,
		},
	)

	signalsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_signals_published_total",
			Help: "Signals written to the transport, by type",
		},
		[]string{"type"},
	)

	signalsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "call_signals_deduplicated_total",
			Help: "Signals dropped because their ID was already applied",
		},
	)

	offerRetransmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "call_offer_retransmissions_total",
			Help: "Offer re-publishes by the retry scheduler",
		},
	)

	remoteRTPPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_remote_rtp_packets_total",
			Help: "Inbound RTP packets handed to playout, by track kind",
		},
		[]string{"kind"},
	)
)

func CallStarted(role string) {
	callsStarted.WithLabelValues(role).Inc()
}

func CallConnected(negotiation time.Duration) {
	callsConnected.Inc()
	negotiationDuration.Observe(negotiation.Seconds())
}

func CallEnded(outcome string) {
	callsEnded.WithLabelValues(outcome).Inc()
}

func SignalPublished(sigType string) {
	signalsPublished.WithLabelValues(sigType).Inc()
}

func SignalDeduplicated() {
	signalsDeduplicated.Inc()
}

func OfferRetransmitted() {
	offerRetransmissions.Inc()
}

func RemoteRTP(kind string) {
	remoteRTPPackets.WithLabelValues(kind).Inc()
}
