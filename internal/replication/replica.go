package replication

import (
	"sync"
	"time"

	"github.com/smilinTux/forgeprint-sub003/internal/storage"
)

// Replica is this broker's replication state for one partition. The record
// bytes live in the storage log; the replica layers role, epoch, and the
// high watermark on top.
type Replica struct {
	tp  storage.TopicPartition
	log storage.Backend

	mu sync.RWMutex

	role        Role
	leaderEpoch int64

	// leaderID is set while following.
	leaderID NodeID

	// hwm is the first uncommitted offset: records below it are on every
	// in-sync replica and are the only ones consumers may read.
	hwm int64

	// isr is non-nil only while leading.
	isr *ISRTracker

	// pendingAcks holds acks=all producers waiting for the watermark to
	// pass their record. Keyed by the record's offset.
	pendingMu   sync.Mutex
	pendingAcks map[int64][]*pendingAck
}

type pendingAck struct {
	offset    int64
	waitCh    chan struct{}
	createdAt time.Time
}

func newReplica(tp storage.TopicPartition, log storage.Backend) *Replica {
	return &Replica{
		tp:          tp,
		log:         log,
		role:        RoleFollower,
		hwm:         log.NextOffset(),
		pendingAcks: make(map[int64][]*pendingAck),
	}
}

// Role returns the replica's current role.
func (r *Replica) Role() Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.role
}

// LeaderEpoch returns the current epoch.
func (r *Replica) LeaderEpoch() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leaderEpoch
}

// HighWatermark returns the first uncommitted offset.
func (r *Replica) HighWatermark() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hwm
}

// LogEndOffset returns the next offset the log will assign.
func (r *Replica) LogEndOffset() int64 {
	return r.log.NextOffset()
}

// ISR returns the in-sync set, or nil when not leading.
func (r *Replica) ISR() *ISRTracker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isr
}

// advanceWatermarkLocked raises the watermark monotonically and releases
// every pending ack the new watermark covers. Caller holds r.mu.
func (r *Replica) advanceWatermarkLocked(newHW int64) {
	if newHW <= r.hwm {
		return
	}
	r.hwm = newHW

	r.pendingMu.Lock()
	for offset, waiters := range r.pendingAcks {
		if offset < newHW {
			for _, w := range waiters {
				close(w.waitCh)
			}
			delete(r.pendingAcks, offset)
		}
	}
	r.pendingMu.Unlock()
}

// failPendingAcks drops every waiter without closing channels as success;
// used when leadership is lost so waiters time out instead of reporting a
// commit that may never happen.
func (r *Replica) failPendingAcks() {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.pendingAcks = make(map[int64][]*pendingAck)
}

// addPendingAck registers a waiter for the watermark to pass offset.
func (r *Replica) addPendingAck(offset int64) *pendingAck {
	ack := &pendingAck{
		offset:    offset,
		waitCh:    make(chan struct{}),
		createdAt: time.Now(),
	}
	r.pendingMu.Lock()
	r.pendingAcks[offset] = append(r.pendingAcks[offset], ack)
	r.pendingMu.Unlock()
	return ack
}

// removePendingAck unregisters a waiter that gave up (timeout or cancel).
func (r *Replica) removePendingAck(ack *pendingAck) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	waiters := r.pendingAcks[ack.offset]
	for i, w := range waiters {
		if w == ack {
			r.pendingAcks[ack.offset] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.pendingAcks[ack.offset]) == 0 {
		delete(r.pendingAcks, ack.offset)
	}
}
