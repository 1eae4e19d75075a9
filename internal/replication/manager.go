// =============================================================================
// REPLICATION MANAGER - LEADER/FOLLOWER LIFECYCLE FOR EVERY LOCAL PARTITION
// =============================================================================
//
// The manager is the write path's gatekeeper. Every produce lands here
// first, where durability semantics are enforced before and after the
// storage append:
//
//   acks=0   append (caller already returned)
//   acks=1   append, return
//   acks=all check ISR >= min.insync BEFORE append, append, then block
//            until HW passes the record (or time out)
//
// Role changes arrive as controller directives. Epochs only move forward:
// a directive or fetch carrying an older epoch is from a previous
// leadership and is refused, which is what fences zombie leaders.
//
// =============================================================================

package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smilinTux/forgeprint-sub003/internal/storage"
)

// Config controls the replication layer.
type Config struct {
	ISR ISRConfig

	// AckTimeout bounds how long an acks=all produce waits for the
	// watermark.
	AckTimeout time.Duration

	// FetchInterval is the follower pull cadence.
	FetchInterval time.Duration

	// FetchMaxRecords bounds one replica fetch batch.
	FetchMaxRecords int

	// ShrinkInterval is how often leaders re-evaluate the ISR.
	ShrinkInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ISR: ISRConfig{
			LagTimeMax: 10 * time.Second,
			MinInSync:  1,
		},
		AckTimeout:      30 * time.Second,
		FetchInterval:   500 * time.Millisecond,
		FetchMaxRecords: 1000,
		ShrinkInterval:  time.Second,
	}
}

// OfflineFunc is notified when a partition's storage fails and the replica
// takes itself out of service.
type OfflineFunc func(tp storage.TopicPartition, cause error)

// Manager owns the replication state of every partition on this broker.
type Manager struct {
	nodeID NodeID
	config Config
	logs   *storage.Manager
	peers  PeerClient
	logger *slog.Logger

	mu       sync.RWMutex
	replicas map[storage.TopicPartition]*Replica
	fetchers map[storage.TopicPartition]*fetcher

	offline OfflineFunc
}

// NewManager creates the replication manager. peers may be nil on a
// single-broker deployment; partitions then lead with a replica set of one.
func NewManager(nodeID NodeID, config Config, logs *storage.Manager, peers PeerClient, logger *slog.Logger) *Manager {
	m := &Manager{
		nodeID:   nodeID,
		config:   config,
		logs:     logs,
		peers:    peers,
		logger:   logger.With("component", "replication"),
		replicas: make(map[storage.TopicPartition]*Replica),
		fetchers: make(map[storage.TopicPartition]*fetcher),
		offline:  func(storage.TopicPartition, error) {},
	}
	logs.SetWatermarkFunc(m.HighWatermark)
	return m
}

// SetOfflineFunc wires the broker's partition-offline handling.
func (m *Manager) SetOfflineFunc(fn OfflineFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = fn
}

// NodeID returns this broker's ID.
func (m *Manager) NodeID() NodeID {
	return m.nodeID
}

// getReplica returns the replica for a partition, creating it lazily from
// the storage manager's log.
func (m *Manager) getReplica(tp storage.TopicPartition) (*Replica, error) {
	m.mu.RLock()
	r, ok := m.replicas[tp]
	m.mu.RUnlock()
	if ok {
		return r, nil
	}

	log, err := m.logs.GetLog(tp)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.replicas[tp]; ok {
		return r, nil
	}
	r = newReplica(tp, log)
	m.replicas[tp] = r
	return r, nil
}

// Replica returns the replica for a partition if it exists.
func (m *Manager) Replica(tp storage.TopicPartition) (*Replica, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.replicas[tp]
	return r, ok
}

// HighWatermark returns the partition's first uncommitted offset, or 0 for
// partitions without replication state yet.
func (m *Manager) HighWatermark(tp storage.TopicPartition) int64 {
	m.mu.RLock()
	r, ok := m.replicas[tp]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return r.HighWatermark()
}

// =============================================================================
// CONTROLLER DIRECTIVES
// =============================================================================

// Apply executes a controller directive. Stale epochs are ignored so
// delayed directives cannot roll a partition backwards.
func (m *Manager) Apply(d ControllerDirective) error {
	tp := storage.TopicPartition{Topic: d.Topic, Partition: d.Partition}

	switch d.Kind {
	case DirectiveBecomeLeader:
		return m.becomeLeader(tp, d.LeaderEpoch, d.Replicas)
	case DirectiveBecomeFollower:
		return m.becomeFollower(tp, d.LeaderEpoch, d.Leader)
	case DirectiveOffline:
		return m.markOffline(tp, errors.New("controller directive"))
	default:
		return fmt.Errorf("unknown directive kind %q", d.Kind)
	}
}

// becomeLeader promotes the local replica. The log is cut back to the high
// watermark first: records past it were never committed and a diverged
// tail from a previous epoch must not survive into this one.
func (m *Manager) becomeLeader(tp storage.TopicPartition, epoch int64, replicas []NodeID) error {
	r, err := m.getReplica(tp)
	if err != nil {
		return err
	}

	// Stop any fetch loop before taking the replica lock: the loop itself
	// needs that lock to apply records, so stopping under it would hang.
	r.mu.RLock()
	stale := epoch < r.leaderEpoch || (epoch == r.leaderEpoch && r.role == RoleLeader)
	r.mu.RUnlock()
	if stale {
		return nil
	}
	m.stopFetcher(tp)

	r.mu.Lock()
	defer r.mu.Unlock()

	if epoch < r.leaderEpoch || (epoch == r.leaderEpoch && r.role == RoleLeader) {
		return nil // lost a race with a newer directive
	}
	if r.role == RoleOffline {
		return fmt.Errorf("%w: %s", ErrPartitionOffline, tp)
	}

	if err := r.log.TruncateTo(r.hwm - 1); err != nil {
		return fmt.Errorf("truncate to watermark: %w", err)
	}

	r.role = RoleLeader
	r.leaderEpoch = epoch
	r.leaderID = m.nodeID
	r.isr = NewISRTracker(m.nodeID, replicas, m.config.ISR,
		m.logger.With("partition", tp.String()))

	m.logger.Info("became leader",
		"partition", tp.String(),
		"epoch", epoch,
		"replicas", len(replicas))
	return nil
}

// becomeFollower demotes the local replica and starts its fetch loop. Any
// acks=all producers still waiting are abandoned; their records' fate is
// the new leader's to decide.
func (m *Manager) becomeFollower(tp storage.TopicPartition, epoch int64, leader NodeID) error {
	r, err := m.getReplica(tp)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if epoch < r.leaderEpoch {
		r.mu.Unlock()
		return nil
	}
	if r.role == RoleOffline {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPartitionOffline, tp)
	}

	if err := r.log.TruncateTo(r.hwm - 1); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("truncate to watermark: %w", err)
	}

	r.role = RoleFollower
	r.leaderEpoch = epoch
	r.leaderID = leader
	r.isr = nil
	r.mu.Unlock()

	r.failPendingAcks()

	m.startFetcher(tp, r, leader, epoch)

	m.logger.Info("became follower",
		"partition", tp.String(),
		"epoch", epoch,
		"leader", leader)
	return nil
}

// markOffline takes the partition out of service after a storage failure.
func (m *Manager) markOffline(tp storage.TopicPartition, cause error) error {
	r, err := m.getReplica(tp)
	if err != nil {
		return err
	}

	r.mu.Lock()
	alreadyOffline := r.role == RoleOffline
	r.role = RoleOffline
	r.isr = nil
	r.mu.Unlock()

	if alreadyOffline {
		return nil
	}

	r.failPendingAcks()
	m.stopFetcher(tp)

	m.logger.Error("partition offline", "partition", tp.String(), "cause", cause)
	m.offline(tp, cause)
	return nil
}

// =============================================================================
// PRODUCE PATH
// =============================================================================

// Append writes a batch through the leader replica and honors the ack
// mode. Returns the offset of the first record in the batch.
func (m *Manager) Append(ctx context.Context, tp storage.TopicPartition, records []*storage.Record, acks AckMode) (int64, error) {
	if len(records) == 0 {
		return 0, errors.New("empty batch")
	}

	r, err := m.getReplica(tp)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()

	switch r.role {
	case RoleOffline:
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrPartitionOffline, tp)
	case RoleFollower:
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrNotLeaderForPartition, tp)
	}

	// The durability check happens before the append: an acks=all write
	// that cannot possibly commit must not enter the log at all.
	if acks == AckAll && !r.isr.HasMinInSync() {
		size := r.isr.Size()
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: isr has %d, need %d",
			ErrNotEnoughReplicas, size, m.config.ISR.MinInSync)
	}

	baseOffset := int64(-1)
	for _, rec := range records {
		offset, err := r.log.Append(rec)
		if err != nil {
			r.mu.Unlock()
			m.markOffline(tp, err)
			return 0, fmt.Errorf("%w: %s: %v", ErrPartitionOffline, tp, err)
		}
		if baseOffset < 0 {
			baseOffset = offset
		}
	}
	lastOffset := records[len(records)-1].Offset

	// A replica set of one commits on local append.
	r.advanceWatermarkLocked(r.isr.HighWatermark(r.log.NextOffset()))

	if acks != AckAll || lastOffset < r.hwm {
		r.mu.Unlock()
		return baseOffset, nil
	}

	ack := r.addPendingAck(lastOffset)
	r.mu.Unlock()

	timer := time.NewTimer(m.config.AckTimeout)
	defer timer.Stop()

	select {
	case <-ack.waitCh:
		return baseOffset, nil
	case <-ctx.Done():
		r.removePendingAck(ack)
		return baseOffset, ctx.Err()
	case <-timer.C:
		r.removePendingAck(ack)
		return baseOffset, fmt.Errorf("%w: offset %d at %s",
			ErrRequestTimedOut, lastOffset, tp)
	}
}

// =============================================================================
// CONSUMER FETCH PATH
// =============================================================================

// Read returns committed records for a consumer: only offsets below the
// high watermark are visible. Reading at the watermark returns an empty
// batch, the "caught up" signal.
func (m *Manager) Read(tp storage.TopicPartition, offset int64, maxRecords int) ([]*storage.Record, int64, error) {
	r, err := m.getReplica(tp)
	if err != nil {
		return nil, 0, err
	}

	r.mu.RLock()
	role := r.role
	hwm := r.hwm
	r.mu.RUnlock()

	if role == RoleOffline {
		return nil, 0, fmt.Errorf("%w: %s", ErrPartitionOffline, tp)
	}
	if role != RoleLeader {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotLeaderForPartition, tp)
	}

	if offset >= hwm {
		if offset > r.log.NextOffset() {
			return nil, hwm, fmt.Errorf("%w: offset %d, log end %d",
				storage.ErrOffsetOutOfRange, offset, r.log.NextOffset())
		}
		return nil, hwm, nil
	}

	records, err := r.log.ReadFrom(offset, maxRecords)
	if err != nil {
		return nil, hwm, err
	}

	// Cut the batch at the watermark.
	for i, rec := range records {
		if rec.Offset >= hwm {
			records = records[:i]
			break
		}
	}
	return records, hwm, nil
}

// =============================================================================
// REPLICA FETCH (LEADER SIDE)
// =============================================================================

// HandleReplicaFetch serves a follower's pull. The fetch offset doubles as
// the follower's progress report, so this is also where the ISR learns and
// the watermark advances.
func (m *Manager) HandleReplicaFetch(req ReplicaFetchRequest) (*ReplicaFetchResponse, error) {
	tp := storage.TopicPartition{Topic: req.Topic, Partition: req.Partition}
	r, err := m.getReplica(tp)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()

	if r.role != RoleLeader {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotLeaderForPartition, tp)
	}
	if req.LeaderEpoch < r.leaderEpoch {
		epoch := r.leaderEpoch
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: request epoch %d, current %d",
			ErrFencedLeaderEpoch, req.LeaderEpoch, epoch)
	}
	if req.LeaderEpoch > r.leaderEpoch {
		epoch := r.leaderEpoch
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: request epoch %d, local %d",
			ErrUnknownEpoch, req.LeaderEpoch, epoch)
	}

	leo := r.log.NextOffset()
	r.isr.RecordFetch(req.FollowerID, req.FetchOffset, leo)
	r.advanceWatermarkLocked(r.isr.HighWatermark(leo))

	hwm := r.hwm
	epoch := r.leaderEpoch
	r.mu.Unlock()

	// Followers replicate past the watermark: they need every appended
	// record, committed or not.
	var records []*storage.Record
	if req.FetchOffset < leo {
		records, err = r.log.ReadFrom(req.FetchOffset, req.MaxRecords)
		if err != nil {
			return nil, err
		}
	}

	return &ReplicaFetchResponse{
		Records:       records,
		HighWatermark: hwm,
		LogEndOffset:  leo,
		LeaderEpoch:   epoch,
	}, nil
}

// =============================================================================
// BACKGROUND LOOPS
// =============================================================================

// Run drives ISR shrinking until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.ShrinkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAllFetchers()
			return ctx.Err()
		case <-ticker.C:
			m.shrinkISRs(time.Now())
		}
	}
}

// shrinkISRs evicts laggards on every led partition and re-derives the
// watermark, which may advance when a straggler leaves the ISR.
func (m *Manager) shrinkISRs(now time.Time) {
	m.mu.RLock()
	replicas := make([]*Replica, 0, len(m.replicas))
	for _, r := range m.replicas {
		replicas = append(replicas, r)
	}
	m.mu.RUnlock()

	for _, r := range replicas {
		r.mu.Lock()
		if r.role != RoleLeader || r.isr == nil {
			r.mu.Unlock()
			continue
		}
		leo := r.log.NextOffset()
		evicted := r.isr.Shrink(leo, now)
		if len(evicted) > 0 {
			r.advanceWatermarkLocked(r.isr.HighWatermark(leo))
		}
		r.mu.Unlock()
	}
}

// ShrinkNow runs one ISR sweep immediately. Exposed for tests.
func (m *Manager) ShrinkNow(now time.Time) {
	m.shrinkISRs(now)
}

func (m *Manager) startFetcher(tp storage.TopicPartition, r *Replica, leader NodeID, epoch int64) {
	if m.peers == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.fetchers[tp]; ok {
		f.stop()
	}
	f := newFetcher(m, tp, r, leader, epoch)
	m.fetchers[tp] = f
	f.start()
}

func (m *Manager) stopFetcher(tp storage.TopicPartition) {
	m.mu.Lock()
	f, ok := m.fetchers[tp]
	if ok {
		delete(m.fetchers, tp)
	}
	m.mu.Unlock()
	if ok {
		f.stop()
	}
}

func (m *Manager) stopAllFetchers() {
	m.mu.Lock()
	fetchers := m.fetchers
	m.fetchers = make(map[storage.TopicPartition]*fetcher)
	m.mu.Unlock()

	for _, f := range fetchers {
		f.stop()
	}
}
