package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CoordinationMetrics instruments consumer groups, offsets and
// transactions.
type CoordinationMetrics struct {
	// Rebalances counts completed rebalances. Labels: group, reason.
	Rebalances *prometheus.CounterVec

	// GroupMembers is the current member count. Labels: group.
	GroupMembers *prometheus.GaugeVec

	// MembersEvicted counts session and poll-interval evictions.
	// Labels: group, reason.
	MembersEvicted *prometheus.CounterVec

	// OffsetCommits counts committed offsets. Labels: group.
	OffsetCommits *prometheus.CounterVec

	// TransactionsCompleted counts finished transactions.
	// Labels: outcome (commit, abort, timeout_abort).
	TransactionsCompleted *prometheus.CounterVec

	// TransactionsOpen is the number of transactions currently in flight.
	TransactionsOpen prometheus.Gauge

	// ProducersFenced counts zombie producers stopped by an epoch bump.
	ProducersFenced prometheus.Counter
}

func newCoordinationMetrics(r *Registry) *CoordinationMetrics {
	return &CoordinationMetrics{
		Rebalances: r.newCounterVec(prometheus.CounterOpts{
			Subsystem: "coordination",
			Name:      "rebalances_total",
			Help:      "Completed group rebalances by trigger.",
		}, []string{"group", "reason"}),

		GroupMembers: r.newGaugeVec(prometheus.GaugeOpts{
			Subsystem: "coordination",
			Name:      "group_members",
			Help:      "Current member count per group.",
		}, []string{"group"}),

		MembersEvicted: r.newCounterVec(prometheus.CounterOpts{
			Subsystem: "coordination",
			Name:      "members_evicted_total",
			Help:      "Members removed for missed heartbeats or stalled polling.",
		}, []string{"group", "reason"}),

		OffsetCommits: r.newCounterVec(prometheus.CounterOpts{
			Subsystem: "coordination",
			Name:      "offset_commits_total",
			Help:      "Offset commits per group.",
		}, []string{"group"}),

		TransactionsCompleted: r.newCounterVec(prometheus.CounterOpts{
			Subsystem: "coordination",
			Name:      "transactions_completed_total",
			Help:      "Finished transactions by outcome.",
		}, []string{"outcome"}),

		TransactionsOpen: r.newGauge(prometheus.GaugeOpts{
			Subsystem: "coordination",
			Name:      "transactions_open",
			Help:      "Transactions currently in flight.",
		}),

		ProducersFenced: r.newCounter(prometheus.CounterOpts{
			Subsystem: "coordination",
			Name:      "producers_fenced_total",
			Help:      "Zombie producers stopped by an epoch bump.",
		}),
	}
}
