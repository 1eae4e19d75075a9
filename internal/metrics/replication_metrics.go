package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ReplicationMetrics instruments the ISR and the watermark.
//
// Under-replicated partitions is the single most watched signal in this
// subsystem: a partition whose ISR is below the replica set cannot take
// acks=all writes once it hits min.insync.
type ReplicationMetrics struct {
	// ISRSize is the current in-sync replica count. Labels: topic, partition.
	ISRSize *prometheus.GaugeVec

	// HighWatermark is the committed boundary. Labels: topic, partition.
	HighWatermark *prometheus.GaugeVec

	// ISRShrinks counts follower evictions for lag.
	ISRShrinks prometheus.Counter

	// ISRExpands counts followers re-admitted after catching up.
	ISRExpands prometheus.Counter

	// FencedRequests counts appends and fetches rejected for a stale
	// leader epoch.
	FencedRequests prometheus.Counter
}

func newReplicationMetrics(r *Registry) *ReplicationMetrics {
	return &ReplicationMetrics{
		ISRSize: r.newGaugeVec(prometheus.GaugeOpts{
			Subsystem: "replication",
			Name:      "isr_size",
			Help:      "Current in-sync replica count per partition.",
		}, []string{"topic", "partition"}),

		HighWatermark: r.newGaugeVec(prometheus.GaugeOpts{
			Subsystem: "replication",
			Name:      "high_watermark",
			Help:      "Committed offset boundary per partition.",
		}, []string{"topic", "partition"}),

		ISRShrinks: r.newCounter(prometheus.CounterOpts{
			Subsystem: "replication",
			Name:      "isr_shrinks_total",
			Help:      "Followers evicted from the ISR for lag.",
		}),

		ISRExpands: r.newCounter(prometheus.CounterOpts{
			Subsystem: "replication",
			Name:      "isr_expands_total",
			Help:      "Followers re-admitted to the ISR after catching up.",
		}),

		FencedRequests: r.newCounter(prometheus.CounterOpts{
			Subsystem: "replication",
			Name:      "fenced_requests_total",
			Help:      "Requests rejected for a stale leader epoch.",
		}),
	}
}
