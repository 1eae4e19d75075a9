// =============================================================================
// ISOLATION INDEX - LAST STABLE OFFSET AND ABORT FILTERING
// =============================================================================
//
// read_committed consumers must not see records from open or aborted
// transactions. Two pieces make that work:
//
//   LSO (last stable offset)   the first offset still covered by an OPEN
//                              transaction. A read_committed fetch stops
//                              here, because records past it could still
//                              be aborted.
//
//   aborted ranges             [first, marker] offset spans of transactions
//                              that DID abort. Records inside a span from
//                              that producer are dropped from fetch
//                              responses.
//
//   offset:   0    1    2    3      4    5    6      7
//            d0   t1   t1  ABORT   t2   d1  COMMIT  (open txn t3...)
//                 └─ aborted ─┘     └─ committed ─┘  ▲
//                                                    LSO
//
//   read_committed sees: d0, t2, d1
//
// The index is in-memory and rebuilt from control records in the partition
// log after a restart, since the log itself is the durable record of every
// transaction's outcome.
//
// =============================================================================

package txn

import (
	"sync"

	"github.com/smilinTux/forgeprint-sub003/internal/storage"
)

// AbortedRange marks one aborted transaction's span in a partition.
type AbortedRange struct {
	ProducerID  int64
	FirstOffset int64
	LastOffset  int64 // offset of the abort marker
}

type partitionTxns struct {
	// open maps producer id to the first offset of its in-flight
	// transaction in this partition.
	open map[int64]int64

	aborted []AbortedRange
}

// IsolationIndex tracks transactional spans per partition.
type IsolationIndex struct {
	mu         sync.RWMutex
	partitions map[storage.TopicPartition]*partitionTxns
}

// NewIsolationIndex creates an empty index.
func NewIsolationIndex() *IsolationIndex {
	return &IsolationIndex{
		partitions: make(map[storage.TopicPartition]*partitionTxns),
	}
}

func (x *IsolationIndex) get(tp storage.TopicPartition) *partitionTxns {
	state, ok := x.partitions[tp]
	if !ok {
		state = &partitionTxns{open: make(map[int64]int64)}
		x.partitions[tp] = state
	}
	return state
}

// TrackAppend records a transactional append. Only the first offset per
// open transaction matters; later appends from the same transaction are
// covered by the same span.
func (x *IsolationIndex) TrackAppend(tp storage.TopicPartition, producerID, offset int64) {
	x.mu.Lock()
	defer x.mu.Unlock()

	state := x.get(tp)
	if _, open := state.open[producerID]; !open {
		state.open[producerID] = offset
	}
}

// Complete closes a producer's transaction in this partition. An abort
// remembers the span so fetches can filter it; a commit just releases the
// LSO hold.
func (x *IsolationIndex) Complete(tp storage.TopicPartition, producerID, markerOffset int64, marker storage.ControlMarker) {
	x.mu.Lock()
	defer x.mu.Unlock()

	state := x.get(tp)
	first, open := state.open[producerID]
	if !open {
		return
	}
	delete(state.open, producerID)

	if marker == storage.ControlAbort {
		state.aborted = append(state.aborted, AbortedRange{
			ProducerID:  producerID,
			FirstOffset: first,
			LastOffset:  markerOffset,
		})
	}
}

// LastStableOffset bounds a read_committed fetch: the earliest open
// transactional offset, or the high watermark when nothing is in flight.
func (x *IsolationIndex) LastStableOffset(tp storage.TopicPartition, highWatermark int64) int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()

	state, ok := x.partitions[tp]
	if !ok {
		return highWatermark
	}

	lso := highWatermark
	for _, first := range state.open {
		if first < lso {
			lso = first
		}
	}
	return lso
}

// FilterCommitted drops control records and records inside aborted spans.
// Used for read_committed fetch responses; read_uncommitted fetches only
// drop the control records.
func (x *IsolationIndex) FilterCommitted(tp storage.TopicPartition, records []*storage.Record) []*storage.Record {
	x.mu.RLock()
	state := x.partitions[tp]
	x.mu.RUnlock()

	out := make([]*storage.Record, 0, len(records))
	for _, rec := range records {
		if rec.IsControl() {
			continue
		}
		if rec.IsTransactional() && state != nil && aborted(state.aborted, rec) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func aborted(ranges []AbortedRange, rec *storage.Record) bool {
	for _, r := range ranges {
		if rec.ProducerID == r.ProducerID && rec.Offset >= r.FirstOffset && rec.Offset <= r.LastOffset {
			return true
		}
	}
	return false
}

// Rebuild reconstructs one partition's state by scanning its log. Control
// records close spans; transactional data records open them.
func (x *IsolationIndex) Rebuild(tp storage.TopicPartition, log *storage.Log) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	state := &partitionTxns{open: make(map[int64]int64)}
	x.partitions[tp] = state

	next := log.StartOffset()
	end := log.NextOffset()
	for next < end {
		records, err := log.ReadFrom(next, 1000)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			next = rec.Offset + 1

			if rec.IsControl() {
				marker, pid, _, err := storage.DecodeControlRecord(rec)
				if err != nil {
					continue
				}
				first, open := state.open[pid]
				if !open {
					continue
				}
				delete(state.open, pid)
				if marker == storage.ControlAbort {
					state.aborted = append(state.aborted, AbortedRange{
						ProducerID:  pid,
						FirstOffset: first,
						LastOffset:  rec.Offset,
					})
				}
				continue
			}

			if rec.IsTransactional() {
				if _, open := state.open[rec.ProducerID]; !open {
					state.open[rec.ProducerID] = rec.Offset
				}
			}
		}
	}
	return nil
}

// Prune drops aborted ranges that ended before the partition's start
// offset; retention already removed those records.
func (x *IsolationIndex) Prune(tp storage.TopicPartition, startOffset int64) {
	x.mu.Lock()
	defer x.mu.Unlock()

	state, ok := x.partitions[tp]
	if !ok {
		return
	}
	kept := state.aborted[:0]
	for _, r := range state.aborted {
		if r.LastOffset >= startOffset {
			kept = append(kept, r)
		}
	}
	state.aborted = kept
}
