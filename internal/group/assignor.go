// =============================================================================
// PARTITION ASSIGNORS - HOW PARTITIONS MAP TO GROUP MEMBERS
// =============================================================================
//
// Three strategies, selected per group at join time:
//
//   range       contiguous runs per topic       p0,p1 → A   p2,p3 → B
//   roundrobin  interleaved across all topics   p0 → A  p1 → B  p2 → A
//   sticky      balanced, but moves as few
//               partitions as possible relative
//               to the previous assignment
//
// All three are deterministic for a given member list: the group leader
// computes the assignment, and determinism keeps it reproducible when the
// same rebalance is retried.
//
// =============================================================================

package group

import (
	"sort"

	"github.com/smilinTux/forgeprint-sub003/internal/storage"
)

// Assignor computes partition assignments for a consumer group.
type Assignor interface {
	// Name is the protocol name members negotiate at join time.
	Name() string

	// Assign maps every partition of the subscribed topics to exactly one
	// member. current is the previous assignment (nil on first rebalance);
	// only sticky uses it.
	Assign(
		members []string,
		topicPartitions map[string]int,
		current map[string][]storage.TopicPartition,
	) map[string][]storage.TopicPartition
}

// assignorByName resolves a negotiated protocol name.
func assignorByName(name string) (Assignor, bool) {
	switch name {
	case "range":
		return RangeAssignor{}, true
	case "roundrobin":
		return RoundRobinAssignor{}, true
	case "sticky":
		return NewStickyAssignor(), true
	default:
		return nil, false
	}
}

func allPartitions(topicPartitions map[string]int) []storage.TopicPartition {
	topics := make([]string, 0, len(topicPartitions))
	for t := range topicPartitions {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	var out []storage.TopicPartition
	for _, t := range topics {
		for p := 0; p < topicPartitions[t]; p++ {
			out = append(out, storage.TopicPartition{Topic: t, Partition: p})
		}
	}
	return out
}

// =============================================================================
// RANGE
// =============================================================================

// RangeAssignor hands each member a contiguous run of partitions per topic.
// With 6 partitions and 3 members every member gets 2; with 7, the first
// member gets the extra.
type RangeAssignor struct{}

func (RangeAssignor) Name() string { return "range" }

func (RangeAssignor) Assign(
	members []string,
	topicPartitions map[string]int,
	_ map[string][]storage.TopicPartition,
) map[string][]storage.TopicPartition {
	sort.Strings(members)

	out := make(map[string][]storage.TopicPartition, len(members))
	for _, m := range members {
		out[m] = nil
	}
	if len(members) == 0 {
		return out
	}

	topics := make([]string, 0, len(topicPartitions))
	for t := range topicPartitions {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		count := topicPartitions[topic]
		per := count / len(members)
		extra := count % len(members)

		next := 0
		for i, m := range members {
			n := per
			if i < extra {
				n++
			}
			for j := 0; j < n; j++ {
				out[m] = append(out[m], storage.TopicPartition{Topic: topic, Partition: next})
				next++
			}
		}
	}
	return out
}

// =============================================================================
// ROUND ROBIN
// =============================================================================

// RoundRobinAssignor deals partitions across members one at a time, across
// all topics, which evens out skew when topics have few partitions each.
type RoundRobinAssignor struct{}

func (RoundRobinAssignor) Name() string { return "roundrobin" }

func (RoundRobinAssignor) Assign(
	members []string,
	topicPartitions map[string]int,
	_ map[string][]storage.TopicPartition,
) map[string][]storage.TopicPartition {
	sort.Strings(members)

	out := make(map[string][]storage.TopicPartition, len(members))
	for _, m := range members {
		out[m] = nil
	}
	if len(members) == 0 {
		return out
	}

	for i, tp := range allPartitions(topicPartitions) {
		m := members[i%len(members)]
		out[m] = append(out[m], tp)
	}
	return out
}

// =============================================================================
// STICKY
// =============================================================================

// StickyAssignor balances partition counts while keeping as many
// partitions as possible on the member that already had them. Less churn
// per rebalance means fewer interrupted in-flight batches.
type StickyAssignor struct{}

// NewStickyAssignor returns a sticky assignor.
func NewStickyAssignor() *StickyAssignor {
	return &StickyAssignor{}
}

func (s *StickyAssignor) Name() string { return "sticky" }

func (s *StickyAssignor) Assign(
	members []string,
	topicPartitions map[string]int,
	current map[string][]storage.TopicPartition,
) map[string][]storage.TopicPartition {
	sort.Strings(members)

	out := make(map[string][]storage.TopicPartition, len(members))
	for _, m := range members {
		out[m] = nil
	}
	if len(members) == 0 {
		return out
	}

	all := allPartitions(topicPartitions)
	exists := make(map[storage.TopicPartition]bool, len(all))
	for _, tp := range all {
		exists[tp] = true
	}

	// Fair share: everyone gets at least minShare; when it doesn't divide
	// evenly, some members get one more. Incumbents may keep only up to
	// the ceiling, so joiners always receive a fair share.
	minShare := len(all) / len(members)
	maxShare := minShare
	if len(all)%len(members) != 0 {
		maxShare++
	}

	// Phase 1: keep what members already own, up to the fair ceiling.
	assigned := make(map[storage.TopicPartition]bool, len(all))
	for _, m := range members {
		for _, tp := range current[m] {
			if !exists[tp] || assigned[tp] {
				continue // partition gone or claimed
			}
			if len(out[m]) >= maxShare {
				break
			}
			out[m] = append(out[m], tp)
			assigned[tp] = true
		}
	}

	// Phase 2: deal the rest to the least-loaded members.
	for _, tp := range all {
		if assigned[tp] {
			continue
		}
		target := ""
		for _, m := range members {
			if target == "" || len(out[m]) < len(out[target]) {
				target = m
			}
		}
		out[target] = append(out[target], tp)
		assigned[tp] = true
	}

	for _, m := range members {
		sortPartitions(out[m])
	}
	return out
}

func sortPartitions(tps []storage.TopicPartition) {
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})
}
