// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the prometheus metrics shared by the
// veilroute components.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veilroute/veilroute/internal/constants"
)

var (
	packetsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.RelaySubsystem,
			Name:      "packets_processed_total",
			Help:      "Number of packets processed, by action taken",
		},
		[]string{"action"},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.RelaySubsystem,
			Name:      "packets_dropped_total",
			Help:      "Number of packets dropped, by reason",
		},
		[]string{"reason"},
	)
	packetsReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.RelaySubsystem,
			Name:      "packets_replayed_total",
			Help:      "Number of replayed packets detected",
		},
	)
	outcomesRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.ReputationSubsystem,
			Name:      "outcomes_recorded_total",
			Help:      "Number of delivery outcomes applied to node scores",
		},
		[]string{"outcome"},
	)
	outcomesClipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.ReputationSubsystem,
			Name:      "outcomes_clipped_total",
			Help:      "Number of score updates clipped by the per-window rate limit",
		},
	)
	proofsGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.ProofSubsystem,
			Name:      "proofs_generated_total",
			Help:      "Number of routing proofs generated",
		},
	)
	proofVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.ProofSubsystem,
			Name:      "verifications_total",
			Help:      "Number of proof verifications, by result",
		},
		[]string{"result"},
	)
	sessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.SessionSubsystem,
			Name:      "sessions_started_total",
			Help:      "Number of sessions created",
		},
	)
	sessionsTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.SessionSubsystem,
			Name:      "sessions_terminal_total",
			Help:      "Number of sessions reaching a terminal state, by state",
		},
		[]string{"state"},
	)
	sessionRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.SessionSubsystem,
			Name:      "retries_total",
			Help:      "Number of delivery retries scheduled",
		},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.TransportSubsystem,
			Name:      "frames_sent_total",
			Help:      "Number of frames sent, by frame type",
		},
		[]string{"frame"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.TransportSubsystem,
			Name:      "frames_received_total",
			Help:      "Number of frames received, by frame type",
		},
		[]string{"frame"},
	)
)

func init() {
	prometheus.MustRegister(packetsProcessed)
	prometheus.MustRegister(packetsDropped)
	prometheus.MustRegister(packetsReplayed)
	prometheus.MustRegister(outcomesRecorded)
	prometheus.MustRegister(outcomesClipped)
	prometheus.MustRegister(proofsGenerated)
	prometheus.MustRegister(proofVerifications)
	prometheus.MustRegister(sessionsStarted)
	prometheus.MustRegister(sessionsTerminal)
	prometheus.MustRegister(sessionRetries)
	prometheus.MustRegister(framesSent)
	prometheus.MustRegister(framesReceived)
}

// Init exposes the registered metrics via HTTP on addr.
func Init(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, nil)
}

// PacketProcessed increments the counter for processed packets.
func PacketProcessed(action string) {
	packetsProcessed.With(prometheus.Labels{"action": action}).Inc()
}

// PacketDropped increments the counter for dropped packets.
func PacketDropped(reason string) {
	packetsDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

// PacketReplayed increments the counter for detected replays.
func PacketReplayed() {
	packetsReplayed.Inc()
}

// OutcomeRecorded increments the counter for applied outcomes.
func OutcomeRecorded(outcome string) {
	outcomesRecorded.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// OutcomeClipped increments the counter for rate-limited score updates.
func OutcomeClipped() {
	outcomesClipped.Inc()
}

// ProofGenerated increments the counter for generated proofs.
func ProofGenerated() {
	proofsGenerated.Inc()
}

// ProofVerified increments the counter for proof verifications.
func ProofVerified(result string) {
	proofVerifications.With(prometheus.Labels{"result": result}).Inc()
}

// SessionStarted increments the counter for created sessions.
func SessionStarted() {
	sessionsStarted.Inc()
}

// SessionTerminal increments the counter for terminalized sessions.
func SessionTerminal(state string) {
	sessionsTerminal.With(prometheus.Labels{"state": state}).Inc()
}

// SessionRetried increments the counter for scheduled retries.
func SessionRetried() {
	sessionRetries.Inc()
}

// FrameSent increments the counter for sent transport frames.
func FrameSent(frame string) {
	framesSent.With(prometheus.Labels{"frame": frame}).Inc()
}

// FrameReceived increments the counter for received transport frames.
func FrameReceived(frame string) {
	framesReceived.With(prometheus.Labels{"frame": frame}).Inc()
}
