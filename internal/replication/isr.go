// =============================================================================
// ISR TRACKER - IN-SYNC REPLICA SET FOR ONE PARTITION (LEADER SIDE)
// =============================================================================
//
// A follower is in-sync while it has caught up to the leader's log end
// within the lag window. "Caught up" is measured per fetch: when a fetch
// request's offset equals the leader's LEO at that moment, the follower is
// fully caught up and its clock resets. A follower that stays behind for
// longer than the lag window is evicted.
//
// Eviction can only SHRINK the committed set, never lose committed records:
// the high watermark is min(LEO over ISR), so removing a laggard lets the
// watermark advance, and every record below the old watermark was already
// on the evicted follower too.
//
// =============================================================================

package replication

import (
	"log/slog"
	"sync"
	"time"
)

// ISRConfig controls in-sync tracking.
type ISRConfig struct {
	// LagTimeMax is how long a follower may stay behind the leader's LEO
	// before eviction.
	LagTimeMax time.Duration

	// MinInSync is the smallest ISR that still accepts acks=all writes.
	MinInSync int
}

// followerState is the leader's view of one follower.
type followerState struct {
	// leo is the follower's log end offset, learned from its fetches.
	leo int64

	// caughtUpAt is the last time the follower's fetch offset reached the
	// leader's LEO.
	caughtUpAt time.Time

	// lastFetchAt is when the follower last fetched at all.
	lastFetchAt time.Time
}

// ISRTracker maintains the in-sync set for a partition this broker leads.
type ISRTracker struct {
	leaderID NodeID
	replicas []NodeID
	config   ISRConfig
	logger   *slog.Logger

	mu        sync.RWMutex
	isr       map[NodeID]bool
	followers map[NodeID]*followerState
}

// NewISRTracker starts with every assigned replica in sync. New leaders
// inherit an optimistic view; laggards fall out within one lag window.
func NewISRTracker(leaderID NodeID, replicas []NodeID, config ISRConfig, logger *slog.Logger) *ISRTracker {
	isr := make(map[NodeID]bool, len(replicas))
	followers := make(map[NodeID]*followerState, len(replicas))
	now := time.Now()
	for _, r := range replicas {
		isr[r] = true
		if r != leaderID {
			followers[r] = &followerState{caughtUpAt: now, lastFetchAt: now}
		}
	}
	return &ISRTracker{
		leaderID:  leaderID,
		replicas:  replicas,
		config:    config,
		logger:    logger,
		isr:       isr,
		followers: followers,
	}
}

// RecordFetch updates a follower's progress from its fetch request.
// fetchOffset is the follower's LEO; leaderLEO is the leader's at the time
// of the fetch. A caught-up out-of-sync follower rejoins the ISR.
func (t *ISRTracker) RecordFetch(followerID NodeID, fetchOffset, leaderLEO int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.followers[followerID]
	if !ok {
		return // not in the assigned replica set
	}

	now := time.Now()
	f.leo = fetchOffset
	f.lastFetchAt = now

	if fetchOffset >= leaderLEO {
		f.caughtUpAt = now
		if !t.isr[followerID] {
			t.isr[followerID] = true
			t.logger.Info("follower rejoined isr",
				"follower", followerID, "leo", fetchOffset)
		}
	}
}

// Shrink evicts followers that have lagged past the window. Returns the
// evicted IDs. The leader itself is never evicted.
func (t *ISRTracker) Shrink(leaderLEO int64, now time.Time) []NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []NodeID
	for id, f := range t.followers {
		if !t.isr[id] {
			continue
		}
		if f.leo >= leaderLEO {
			continue // fully caught up, nothing to evict
		}
		if now.Sub(f.caughtUpAt) <= t.config.LagTimeMax {
			continue
		}
		delete(t.isr, id)
		evicted = append(evicted, id)
		t.logger.Warn("follower evicted from isr",
			"follower", id,
			"follower_leo", f.leo,
			"leader_leo", leaderLEO,
			"lag", now.Sub(f.caughtUpAt).String())
	}
	return evicted
}

// HighWatermark computes min(LEO over ISR members), with the leader's LEO
// included.
func (t *ISRTracker) HighWatermark(leaderLEO int64) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	hw := leaderLEO
	for id := range t.isr {
		if id == t.leaderID {
			continue
		}
		f, ok := t.followers[id]
		if !ok {
			continue
		}
		if f.leo < hw {
			hw = f.leo
		}
	}
	return hw
}

// Members returns the current ISR.
func (t *ISRTracker) Members() []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]NodeID, 0, len(t.isr))
	for id := range t.isr {
		out = append(out, id)
	}
	return out
}

// Size returns the ISR member count, leader included.
func (t *ISRTracker) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.isr)
}

// HasMinInSync reports whether acks=all writes may proceed.
func (t *ISRTracker) HasMinInSync() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.isr) >= t.config.MinInSync
}

// FollowerLEO returns the last reported LEO for a follower.
func (t *ISRTracker) FollowerLEO(id NodeID) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	f, ok := t.followers[id]
	if !ok {
		return 0, false
	}
	return f.leo, true
}
