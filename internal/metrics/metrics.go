// Package metrics exposes receiver-side Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChunksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backhaul",
		Subsystem: "receiver",
		Name:      "chunks_received_total",
		Help:      "Chunk deliveries by outcome (accepted, duplicate, checksum_mismatch, unknown_transfer).",
	}, []string{"status"})

	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "backhaul",
		Subsystem: "receiver",
		Name:      "bytes_received_total",
		Help:      "Accepted chunk payload bytes.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "backhaul",
		Subsystem: "receiver",
		Name:      "active_sessions",
		Help:      "Transfer sessions currently registered.",
	})

	TransfersFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backhaul",
		Subsystem: "receiver",
		Name:      "transfers_finalized_total",
		Help:      "Finalize attempts by outcome.",
	}, []string{"outcome"})

	AuthRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "backhaul",
		Subsystem: "receiver",
		Name:      "auth_rejections_total",
		Help:      "Requests rejected by the session authenticator.",
	})
)
