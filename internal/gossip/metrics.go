package gossip

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// messagesTotal counts sync messages.
	// Labels: type (announce, request, response, delta, unknown), result (sent, received, dropped, malformed)
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "elexd",
			Subsystem: "sync",
			Name:      "messages_total",
			Help:      "Total number of sync messages by type and result",
		},
		[]string{"type", "result"},
	)

	// syncsTotal counts announcement rounds.
	syncsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "elexd",
			Subsystem: "sync",
			Name:      "rounds_total",
			Help:      "Total number of sync rounds started by this agent",
		},
	)

	// mergedEntriesTotal counts Q-table entries changed by peer snapshots.
	mergedEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "elexd",
			Subsystem: "sync",
			Name:      "merged_entries_total",
			Help:      "Total number of local Q-table entries merged or adopted from peers",
		},
	)

	// payloadBytes tracks the encoded size of direct messages.
	payloadBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "elexd",
			Subsystem: "sync",
			Name:      "payload_bytes",
			Help:      "Encoded size of direct sync messages in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"type"},
	)
)
