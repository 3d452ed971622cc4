// Package metrics provides Prometheus instrumentation for the session
// server. It exposes gauges for connection and pairing counts, counters for
// relay throughput, and histograms for wait times and match quality.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oceanchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// WaitingUsers tracks the current number of users in the waiting queue.
	WaitingUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oceanchat_waiting_users",
		Help: "Current number of users in the waiting queue",
	})

	// IdleUsers tracks the current number of users sitting out of matchmaking.
	IdleUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oceanchat_idle_users",
		Help: "Current number of idle users",
	})

	// ActivePairs tracks the current number of active chat pairs.
	ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oceanchat_active_pairs",
		Help: "Current number of active chat pairs",
	})

	// MessagesRelayed counts chat messages forwarded between peers, labeled
	// by outcome: "forwarded" or "blocked".
	MessagesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oceanchat_messages_relayed_total",
		Help: "Total number of chat messages handled by pair relays",
	}, []string{"outcome"}) // outcome = "forwarded", "blocked"

	// PairsFormed counts pairs created by the matchmaker.
	PairsFormed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oceanchat_pairs_formed_total",
		Help: "Total number of pairs formed",
	})

	// Removals counts endpoint removals, labeled by cause: "disconnect"
	// or "evicted".
	Removals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oceanchat_removals_total",
		Help: "Total number of endpoint removals",
	}, []string{"cause"})

	// PairWaitDuration records the time the longest waiter of a pair spent
	// queued before being matched.
	PairWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "oceanchat_pair_wait_seconds",
		Help:    "Time spent in the waiting queue before being paired",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 60, 120},
	})

	// PairDistance records the Euclidean score distance of formed pairs.
	PairDistance = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "oceanchat_pair_distance",
		Help:    "Euclidean personality-score distance of formed pairs",
		Buckets: []float64{5, 10, 20, 40, 60, 80, 120, 160, 224},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		WaitingUsers,
		IdleUsers,
		ActivePairs,
		MessagesRelayed,
		PairsFormed,
		Removals,
		PairWaitDuration,
		PairDistance,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
