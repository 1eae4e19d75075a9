// =============================================================================
// PRODUCER REGISTRY - IDENTITIES, EPOCHS, SEQUENCE DEDUPLICATION
// =============================================================================
//
// Every idempotent producer carries a broker-assigned identity:
//
//   producer id    WHO the logical producer is (stable across restarts when
//                  a transactional id is supplied)
//   epoch          WHICH incarnation of that producer is alive; bumped on
//                  every re-initialization so the previous instance is
//                  fenced out
//   sequence       per-partition counter the broker uses to deduplicate
//                  retried appends
//
// The dedup rule per (producer id, partition):
//
//   sequence == last+1          accept, advance
//   sequence within the window  duplicate; report the original offset
//   sequence  > last+1          gap; reject as out of order
//   lower epoch                 zombie; reject as fenced
//
// A retried append therefore never lands twice, which is what makes
// exactly-once delivery to a partition possible.
//
// =============================================================================

package txn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smilinTux/forgeprint-sub003/internal/storage"
)

// =============================================================================
// ERROR DEFINITIONS
// =============================================================================

var (
	// ErrProducerFenced means a newer epoch exists for this producer id.
	ErrProducerFenced = errors.New("producer fenced by newer instance")

	// ErrOutOfOrderSequence means the sequence number skipped ahead.
	ErrOutOfOrderSequence = errors.New("out of order sequence number")

	// ErrUnknownProducerID means the producer id was never initialized.
	ErrUnknownProducerID = errors.New("unknown producer id")

	// ErrInvalidProducerEpoch means the request carries an epoch newer than
	// anything the broker handed out.
	ErrInvalidProducerEpoch = errors.New("invalid producer epoch")
)

const (
	// DefaultDedupWindow is how many recent sequences are remembered per
	// (producer, partition) for duplicate detection.
	DefaultDedupWindow = 50

	maxEpoch int16 = 1<<15 - 1
)

// ProducerEpoch is a producer identity: id plus incarnation.
type ProducerEpoch struct {
	ID    int64
	Epoch int16
}

// IsValid reports whether this is an initialized identity.
func (p ProducerEpoch) IsValid() bool {
	return p.ID >= 0 && p.Epoch >= 0
}

func (p ProducerEpoch) String() string {
	return fmt.Sprintf("pid=%d epoch=%d", p.ID, p.Epoch)
}

// =============================================================================
// SEQUENCE STATE
// =============================================================================

type sequenceKey struct {
	producerID int64
	tp         storage.TopicPartition
}

// sequenceState remembers the recent sequence window for one producer on
// one partition. The window maps sequence number to the offset the record
// landed at, so a duplicate can report where the original went.
type sequenceState struct {
	lastSequence  int32
	firstSequence int32
	window        map[int32]int64
	updatedAt     time.Time
}

func newSequenceState() *sequenceState {
	return &sequenceState{
		lastSequence:  -1,
		firstSequence: -1,
		window:        make(map[int32]int64),
		updatedAt:     time.Now(),
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry tracks producer identities and per-partition sequence state.
// Identities for transactional producers are persisted by the Coordinator;
// sequence windows are in-memory and rebuilt by producers re-initializing
// after a broker restart.
type Registry struct {
	window int

	mu sync.Mutex

	nextID int64

	// epochs is the fencing source of truth: the newest epoch handed out
	// per producer id.
	epochs map[int64]int16

	sequences map[sequenceKey]*sequenceState
}

// NewRegistry creates a registry with the given dedup window size.
func NewRegistry(window int) *Registry {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Registry{
		window:    window,
		nextID:    1,
		epochs:    make(map[int64]int16),
		sequences: make(map[sequenceKey]*sequenceState),
	}
}

// Allocate hands out a fresh producer id at epoch 0.
func (r *Registry) Allocate() ProducerEpoch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocateLocked()
}

func (r *Registry) allocateLocked() ProducerEpoch {
	id := r.nextID
	r.nextID++
	r.epochs[id] = 0
	return ProducerEpoch{ID: id, Epoch: 0}
}

// Bump advances the epoch for an existing producer id, fencing the previous
// incarnation. Rolls to a fresh id on epoch overflow. The old sequence
// windows are dropped: a new incarnation starts at sequence 0.
func (r *Registry) Bump(id int64) ProducerEpoch {
	r.mu.Lock()
	defer r.mu.Unlock()

	epoch, ok := r.epochs[id]
	if !ok || epoch >= maxEpoch {
		return r.allocateLocked()
	}
	r.epochs[id] = epoch + 1
	r.dropSequencesLocked(id)
	return ProducerEpoch{ID: id, Epoch: epoch + 1}
}

// Restore registers an identity recovered from the transaction log, keeping
// nextID ahead of everything ever handed out.
func (r *Registry) Restore(p ProducerEpoch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.epochs[p.ID]; !ok || p.Epoch > cur {
		r.epochs[p.ID] = p.Epoch
	}
	if p.ID >= r.nextID {
		r.nextID = p.ID + 1
	}
}

func (r *Registry) dropSequencesLocked(id int64) {
	for key := range r.sequences {
		if key.producerID == id {
			delete(r.sequences, key)
		}
	}
}

// ValidateEpoch checks an identity against the fencing table.
func (r *Registry) ValidateEpoch(p ProducerEpoch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validateEpochLocked(p)
}

func (r *Registry) validateEpochLocked(p ProducerEpoch) error {
	current, ok := r.epochs[p.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProducerID, p.ID)
	}
	if p.Epoch < current {
		return fmt.Errorf("%w: %s, current epoch %d", ErrProducerFenced, p, current)
	}
	if p.Epoch > current {
		return fmt.Errorf("%w: %s, newest issued epoch %d", ErrInvalidProducerEpoch, p, current)
	}
	return nil
}

// =============================================================================
// SEQUENCE CHECK
// =============================================================================

// CheckSequence validates one append's sequence number BEFORE the append
// happens. A duplicate reports the offset the original landed at and must
// not be appended again.
func (r *Registry) CheckSequence(p ProducerEpoch, tp storage.TopicPartition, sequence int32) (originalOffset int64, duplicate bool, err error) {
	if !p.IsValid() {
		return 0, false, fmt.Errorf("%w: %s", ErrUnknownProducerID, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateEpochLocked(p); err != nil {
		return 0, false, err
	}

	key := sequenceKey{producerID: p.ID, tp: tp}
	state, ok := r.sequences[key]
	if !ok {
		if sequence != 0 {
			return 0, false, fmt.Errorf("%w: first sequence must be 0, got %d", ErrOutOfOrderSequence, sequence)
		}
		return 0, false, nil
	}

	if offset, seen := state.window[sequence]; seen {
		return offset, true, nil
	}

	expected := state.lastSequence + 1
	if sequence < expected {
		// Older than the window can remember. It was processed long ago;
		// treat as a duplicate without an offset to report.
		return -1, true, nil
	}
	if sequence > expected {
		return 0, false, fmt.Errorf("%w: expected %d, got %d", ErrOutOfOrderSequence, expected, sequence)
	}
	return 0, false, nil
}

// RecordSequence advances the window after a successful append.
func (r *Registry) RecordSequence(p ProducerEpoch, tp storage.TopicPartition, sequence int32, offset int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sequenceKey{producerID: p.ID, tp: tp}
	state, ok := r.sequences[key]
	if !ok {
		state = newSequenceState()
		state.firstSequence = sequence
		r.sequences[key] = state
	}

	state.lastSequence = sequence
	state.window[sequence] = offset
	state.updatedAt = time.Now()

	if len(state.window) > r.window {
		delete(state.window, state.firstSequence)
		state.firstSequence++
	}
}
