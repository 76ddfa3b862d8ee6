package intelligence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queriesTotal counts processed queries.
	// Labels: action, explored (true, false)
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "elexd",
			Subsystem: "intelligence",
			Name:      "queries_total",
			Help:      "Total number of processed queries by selected action",
		},
		[]string{"action", "explored"},
	)

	// queryDuration tracks ProcessQuery latency.
	queryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "elexd",
			Subsystem: "intelligence",
			Name:      "query_duration_seconds",
			Help:      "Time spent analyzing a query and selecting an action",
			Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
		},
	)

	// rewardValue tracks the distribution of computed rewards.
	rewardValue = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "elexd",
			Subsystem: "intelligence",
			Name:      "reward",
			Help:      "Distribution of rewards computed from feedback",
			Buckets:   prometheus.LinearBuckets(-2, 0.5, 9),
		},
	)

	// epsilonGauge reports the current exploration rate per agent.
	epsilonGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "elexd",
			Subsystem: "qlearning",
			Name:      "epsilon",
			Help:      "Current exploration rate",
		},
		[]string{"agent_id"},
	)

	// trajectoriesTotal counts sealed trajectories.
	// Labels: outcome (success, failure, timeout)
	trajectoriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "elexd",
			Subsystem: "trajectory",
			Name:      "sealed_total",
			Help:      "Total number of trajectories sealed into the replay buffer",
		},
		[]string{"outcome"},
	)

	// detectionsTotal counts anomaly detector runs.
	// Labels: result (anomaly, normal)
	detectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "elexd",
			Subsystem: "snn",
			Name:      "detections_total",
			Help:      "Total number of anomaly detection runs by verdict",
		},
		[]string{"result"},
	)
)
