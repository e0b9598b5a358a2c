package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lis_sessions_total",
		Help: "Number of control sessions by outcome (complete or aborted).",
	}, []string{"outcome"})
	activeSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lis_active_sessions",
		Help: "Number of control sessions currently open.",
	})
	roundsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lis_rounds_total",
		Help: "Number of completed rounds by rating.",
	}, []string{"rating"})
	packetsReceivedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lis_packets_received_total",
		Help: "Data packets counted as received.",
	})
	packetsCorruptedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lis_packets_corrupted_total",
		Help: "Received data packets whose payload did not match the round marker.",
	})
	packetsDroppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lis_packets_dropped_total",
		Help: "Data packets discarded by artificial loss.",
	})
	lastLossGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lis_last_round_loss_percent",
		Help: "Loss percentage of the most recently completed round.",
	})
	roundDurationHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lis_round_receive_seconds",
		Help:    "Time between the first and last packet of a round.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(
		sessionsCounter,
		activeSessionsGauge,
		roundsCounter,
		packetsReceivedCounter,
		packetsCorruptedCounter,
		packetsDroppedCounter,
		lastLossGauge,
		roundDurationHistogram,
	)
}
