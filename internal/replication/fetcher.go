// =============================================================================
// FOLLOWER FETCHER - PER-PARTITION PULL LOOP
// =============================================================================
//
// One goroutine per followed partition. Each round:
//
//   1. ask the leader for records from our LEO, carrying our epoch
//   2. append what comes back at the leader's offsets
//   3. advance our watermark to min(leader HW, our LEO)
//   4. sleep the fetch interval (with backoff after errors)
//
// The loop stops itself on fencing: a fenced epoch means a newer directive
// is on its way or already applied, and this loop belongs to the past.
//
// =============================================================================

package replication

import (
	"errors"
	"log/slog"
	"time"

	"github.com/smilinTux/forgeprint-sub003/internal/storage"
)

const (
	fetcherBackoffInitial = 100 * time.Millisecond
	fetcherBackoffMax     = 5 * time.Second
)

type fetcher struct {
	m       *Manager
	tp      storage.TopicPartition
	replica *Replica
	leader  NodeID
	epoch   int64
	logger  *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func newFetcher(m *Manager, tp storage.TopicPartition, r *Replica, leader NodeID, epoch int64) *fetcher {
	return &fetcher{
		m:       m,
		tp:      tp,
		replica: r,
		leader:  leader,
		epoch:   epoch,
		logger: m.logger.With(
			"partition", tp.String(),
			"leader", leader,
			"epoch", epoch),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (f *fetcher) start() {
	go f.loop()
}

func (f *fetcher) stop() {
	select {
	case <-f.stopCh:
		// already stopping
	default:
		close(f.stopCh)
	}
	<-f.doneCh
}

func (f *fetcher) loop() {
	defer close(f.doneCh)

	backoff := fetcherBackoffInitial
	for {
		interval := f.m.config.FetchInterval

		if err := f.fetchOnce(); err != nil {
			if errors.Is(err, ErrFencedLeaderEpoch) || errors.Is(err, ErrNotLeaderForPartition) {
				f.logger.Info("fetcher fenced, stopping", "error", err)
				return
			}
			f.logger.Warn("replica fetch failed", "error", err, "backoff", backoff.String())
			interval = backoff
			backoff *= 2
			if backoff > fetcherBackoffMax {
				backoff = fetcherBackoffMax
			}
		} else {
			backoff = fetcherBackoffInitial
		}

		select {
		case <-f.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

func (f *fetcher) fetchOnce() error {
	req := ReplicaFetchRequest{
		Topic:       f.tp.Topic,
		Partition:   f.tp.Partition,
		FollowerID:  f.m.nodeID,
		FetchOffset: f.replica.LogEndOffset(),
		LeaderEpoch: f.epoch,
		MaxRecords:  f.m.config.FetchMaxRecords,
	}

	resp, err := f.m.peers.FetchReplica(f.leader, req)
	if err != nil {
		return err
	}

	return f.apply(resp)
}

// apply writes the fetched batch and advances the local watermark. The
// follower's watermark never passes its own LEO, whatever the leader says:
// records we do not have yet cannot be served as committed.
func (f *fetcher) apply(resp *ReplicaFetchResponse) error {
	r := f.replica

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != RoleFollower || r.leaderEpoch != f.epoch {
		return ErrFencedLeaderEpoch // a newer directive repurposed this replica
	}

	for _, rec := range resp.Records {
		if rec.Offset < r.log.NextOffset() {
			continue // overlap from a retried fetch
		}
		if err := r.log.AppendAt(rec); err != nil {
			return err
		}
	}

	hwm := resp.HighWatermark
	if leo := r.log.NextOffset(); hwm > leo {
		hwm = leo
	}
	r.advanceWatermarkLocked(hwm)
	return nil
}
