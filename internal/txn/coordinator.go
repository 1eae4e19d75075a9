// =============================================================================
// TRANSACTION COORDINATOR - TWO-PHASE COMMIT OVER PARTITION LOGS
// =============================================================================
//
// The coordinator owns transaction lifecycles:
//
//   InitProducerID  assign (pid, epoch); bumping the epoch fences every
//                   older incarnation of the same transactional id
//   AddPartitions   declare which partitions a transaction will touch
//   End             commit or abort: write the durable decision, then a
//                   control marker to every touched partition
//
//   Empty ──AddPartitions──► Ongoing ──End(commit)──► PrepareCommit ─┐
//             ▲                  │                                   │ markers
//             │                  └──End(abort)──► PrepareAbort ─┐    │ written
//             │                       ▲ timeout                 │    │
//             │                                                 ▼    ▼
//             └───────────── CompleteAbort ◄──┘     CompleteCommit ──┘
//
// The decision is durable BEFORE any marker is written: state transitions
// land on an internal compacted log first. If the broker dies between the
// prepare record and the markers, replay finds the prepare state and
// finishes writing markers, so partitions never disagree about a
// transaction's outcome.
//
// =============================================================================

package txn

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/smilinTux/forgeprint-sub003/internal/storage"
)

// =============================================================================
// ERROR DEFINITIONS
// =============================================================================

var (
	// ErrNoTransactionInProgress means End was called with nothing ongoing.
	ErrNoTransactionInProgress = errors.New("no transaction in progress")

	// ErrInvalidTransactionState means the operation does not apply in the
	// transaction's current state.
	ErrInvalidTransactionState = errors.New("invalid transaction state for operation")

	// ErrCoordinatorClosed means the coordinator has been shut down.
	ErrCoordinatorClosed = errors.New("transaction coordinator is closed")
)

// =============================================================================
// STATE MACHINE
// =============================================================================

// TxnState is one transaction's position in its lifecycle.
type TxnState int8

const (
	TxnEmpty TxnState = iota
	TxnOngoing
	TxnPrepareCommit
	TxnPrepareAbort
	TxnCompleteCommit
	TxnCompleteAbort
)

func (s TxnState) String() string {
	switch s {
	case TxnEmpty:
		return "Empty"
	case TxnOngoing:
		return "Ongoing"
	case TxnPrepareCommit:
		return "PrepareCommit"
	case TxnPrepareAbort:
		return "PrepareAbort"
	case TxnCompleteCommit:
		return "CompleteCommit"
	case TxnCompleteAbort:
		return "CompleteAbort"
	default:
		return "Unknown"
	}
}

// isTerminal reports whether a new transaction may begin from this state.
func (s TxnState) isTerminal() bool {
	return s == TxnEmpty || s == TxnCompleteCommit || s == TxnCompleteAbort
}

// =============================================================================
// TYPES
// =============================================================================

// MarkerWriter writes a transaction control marker into one partition and
// returns the offset the marker landed at. The broker implements this over
// the replicated append path so markers get the same durability as data.
type MarkerWriter interface {
	WriteMarker(ctx context.Context, tp storage.TopicPartition, marker storage.ControlMarker, producer ProducerEpoch) (int64, error)
}

// transaction is the coordinator's record of one transactional id.
type transaction struct {
	transactionalID string
	producer        ProducerEpoch
	state           TxnState
	timeout         time.Duration
	startedAt       time.Time
	updatedAt       time.Time
	partitions      map[storage.TopicPartition]struct{}
}

func (t *transaction) partitionList() []storage.TopicPartition {
	out := make([]storage.TopicPartition, 0, len(t.partitions))
	for tp := range t.partitions {
		out = append(out, tp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// Config controls the coordinator.
type Config struct {
	// Topic is the internal compacted topic holding transaction state.
	Topic string

	// DefaultTimeout applies when a producer asks for none.
	DefaultTimeout time.Duration

	// MaxTimeout caps what a producer may ask for.
	MaxTimeout time.Duration

	// CheckInterval is how often expired transactions are swept.
	CheckInterval time.Duration

	// DedupWindow is the per-partition sequence window size.
	DedupWindow int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Topic:          "__transaction_state",
		DefaultTimeout: time.Minute,
		MaxTimeout:     15 * time.Minute,
		CheckInterval:  time.Second,
		DedupWindow:    DefaultDedupWindow,
	}
}

// Coordinator assigns producer identities and drives transactions through
// two-phase completion.
type Coordinator struct {
	config   Config
	log      *storage.Log
	registry *Registry
	index    *IsolationIndex
	markers  MarkerWriter
	logger   *slog.Logger

	mu     sync.Mutex
	txns   map[string]*transaction
	closed bool
}

// NewCoordinator opens the transaction state topic and replays it.
func NewCoordinator(config Config, logs *storage.Manager, markers MarkerWriter, logger *slog.Logger) (*Coordinator, error) {
	if config.Topic == "" {
		config.Topic = "__transaction_state"
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = time.Minute
	}
	if config.MaxTimeout <= 0 {
		config.MaxTimeout = 15 * time.Minute
	}

	err := logs.EnsureTopic(config.Topic, storage.TopicConfig{
		Partitions:         1,
		Cleanup:            storage.CleanupCompact,
		MinDirtyRatio:      0.5,
		TombstoneRetention: 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create transaction topic: %w", err)
	}

	log, err := logs.GetLog(storage.TopicPartition{Topic: config.Topic, Partition: 0})
	if err != nil {
		return nil, fmt.Errorf("open transaction log: %w", err)
	}

	c := &Coordinator{
		config:   config,
		log:      log,
		registry: NewRegistry(config.DedupWindow),
		index:    NewIsolationIndex(),
		markers:  markers,
		logger:   logger.With("component", "txn-coordinator"),
		txns:     make(map[string]*transaction),
	}
	if err := c.replay(); err != nil {
		return nil, fmt.Errorf("replay transaction log: %w", err)
	}
	return c, nil
}

// Registry exposes producer identity and sequence checks to the produce
// path.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Isolation exposes LSO and abort filtering to the fetch path.
func (c *Coordinator) Isolation() *IsolationIndex {
	return c.index
}

// replay rebuilds transaction state and the fencing table. Transactions
// left in a non-terminal state by a crash are finished by the sweep: an
// Ongoing transaction times out, a Prepare one resumes its markers.
func (c *Coordinator) replay() error {
	next := c.log.StartOffset()
	end := c.log.NextOffset()

	for next < end {
		records, err := c.log.ReadFrom(next, 1000)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			next = rec.Offset + 1

			id := string(rec.Key)
			if rec.IsTombstone() {
				delete(c.txns, id)
				continue
			}
			txn, ok := decodeTxn(id, rec.Value)
			if !ok {
				c.logger.Warn("skipping malformed transaction record", "offset", rec.Offset)
				continue
			}
			c.txns[id] = txn
			c.registry.Restore(txn.producer)
		}
	}

	inflight := 0
	for _, txn := range c.txns {
		if !txn.state.isTerminal() {
			inflight++
		}
	}
	c.logger.Info("transaction state replayed", "transactions", len(c.txns), "in_flight", inflight)
	return nil
}

// =============================================================================
// INIT PRODUCER ID
// =============================================================================

// InitProducerID assigns or refreshes a producer identity.
//
// An empty transactional id gets a throwaway identity for plain idempotent
// produce. A known transactional id keeps its pid but gets a bumped epoch,
// which fences the previous instance; any transaction it left open is
// aborted first so the new instance starts clean.
func (c *Coordinator) InitProducerID(ctx context.Context, transactionalID string, timeout time.Duration) (ProducerEpoch, error) {
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	if timeout > c.config.MaxTimeout {
		timeout = c.config.MaxTimeout
	}

	if transactionalID == "" {
		return c.registry.Allocate(), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ProducerEpoch{}, ErrCoordinatorClosed
	}

	txn, known := c.txns[transactionalID]
	if known {
		// Finish whatever the previous incarnation left behind before
		// handing out the new epoch.
		if !txn.state.isTerminal() {
			if err := c.abortLocked(ctx, txn); err != nil {
				return ProducerEpoch{}, fmt.Errorf("abort stale transaction for %s: %w", transactionalID, err)
			}
		}
		txn.producer = c.registry.Bump(txn.producer.ID)
	} else {
		txn = &transaction{
			transactionalID: transactionalID,
			producer:        c.registry.Allocate(),
			partitions:      make(map[storage.TopicPartition]struct{}),
		}
		c.txns[transactionalID] = txn
	}

	txn.state = TxnEmpty
	txn.timeout = timeout
	txn.updatedAt = time.Now()
	txn.partitions = make(map[storage.TopicPartition]struct{})

	if err := c.persistLocked(txn); err != nil {
		return ProducerEpoch{}, err
	}

	c.logger.Info("producer initialized", "transactional_id", transactionalID, "producer", txn.producer.String())
	return txn.producer, nil
}

// =============================================================================
// ADD PARTITIONS
// =============================================================================

// AddPartitions declares partitions the transaction will write to. The
// first call after Init implicitly begins the transaction.
func (c *Coordinator) AddPartitions(ctx context.Context, transactionalID string, producer ProducerEpoch, tps []storage.TopicPartition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCoordinatorClosed
	}

	txn, err := c.lookupLocked(transactionalID, producer)
	if err != nil {
		return err
	}

	switch {
	case txn.state.isTerminal():
		txn.state = TxnOngoing
		txn.startedAt = time.Now()
		txn.partitions = make(map[storage.TopicPartition]struct{})
	case txn.state == TxnOngoing:
	default:
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransactionState, transactionalID, txn.state)
	}

	for _, tp := range tps {
		txn.partitions[tp] = struct{}{}
	}
	txn.updatedAt = time.Now()

	return c.persistLocked(txn)
}

// =============================================================================
// END TRANSACTION
// =============================================================================

// End commits or aborts the transaction: persist the decision, write a
// control marker to every touched partition, persist completion. Calling
// End again with the same direction resumes an interrupted completion.
func (c *Coordinator) End(ctx context.Context, transactionalID string, producer ProducerEpoch, commit bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCoordinatorClosed
	}

	txn, err := c.lookupLocked(transactionalID, producer)
	if err != nil {
		return err
	}

	prepare, complete, marker := TxnPrepareAbort, TxnCompleteAbort, storage.ControlAbort
	if commit {
		prepare, complete, marker = TxnPrepareCommit, TxnCompleteCommit, storage.ControlCommit
	}

	switch txn.state {
	case TxnOngoing:
	case prepare:
		// Retry of an interrupted completion.
	case TxnEmpty, TxnCompleteCommit, TxnCompleteAbort:
		return fmt.Errorf("%w: %s", ErrNoTransactionInProgress, transactionalID)
	default:
		return fmt.Errorf("%w: %s is %s, cannot %s",
			ErrInvalidTransactionState, transactionalID, txn.state, marker)
	}

	// Phase 1: the decision is durable before any marker exists.
	if txn.state != prepare {
		txn.state = prepare
		txn.updatedAt = time.Now()
		if err := c.persistLocked(txn); err != nil {
			return err
		}
	}

	// Phase 2: markers. A failure leaves the prepare state on disk; the
	// caller or the sweep retries until every partition has its marker.
	if err := c.writeMarkersLocked(ctx, txn, marker); err != nil {
		return err
	}

	// Phase 3: done.
	txn.state = complete
	txn.partitions = make(map[storage.TopicPartition]struct{})
	txn.updatedAt = time.Now()
	if err := c.persistLocked(txn); err != nil {
		return err
	}

	c.logger.Info("transaction ended",
		"transactional_id", transactionalID,
		"producer", txn.producer.String(),
		"outcome", marker.String())
	return nil
}

func (c *Coordinator) writeMarkersLocked(ctx context.Context, txn *transaction, marker storage.ControlMarker) error {
	for _, tp := range txn.partitionList() {
		offset, err := c.markers.WriteMarker(ctx, tp, marker, txn.producer)
		if err != nil {
			return fmt.Errorf("write %s marker to %s: %w", marker, tp, err)
		}
		c.index.Complete(tp, txn.producer.ID, offset, marker)
	}
	return nil
}

// abortLocked force-aborts an in-flight transaction (timeout or producer
// re-initialization).
func (c *Coordinator) abortLocked(ctx context.Context, txn *transaction) error {
	txn.state = TxnPrepareAbort
	txn.updatedAt = time.Now()
	if err := c.persistLocked(txn); err != nil {
		return err
	}
	if err := c.writeMarkersLocked(ctx, txn, storage.ControlAbort); err != nil {
		return err
	}
	txn.state = TxnCompleteAbort
	txn.partitions = make(map[storage.TopicPartition]struct{})
	return c.persistLocked(txn)
}

func (c *Coordinator) lookupLocked(transactionalID string, producer ProducerEpoch) (*transaction, error) {
	txn, ok := c.txns[transactionalID]
	if !ok {
		return nil, fmt.Errorf("%w: transactional id %s", ErrUnknownProducerID, transactionalID)
	}
	if txn.producer.ID != producer.ID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProducerID, producer)
	}
	if producer.Epoch < txn.producer.Epoch {
		return nil, fmt.Errorf("%w: %s, current epoch %d", ErrProducerFenced, producer, txn.producer.Epoch)
	}
	if producer.Epoch > txn.producer.Epoch {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProducerEpoch, producer)
	}
	return txn, nil
}

// =============================================================================
// TIMEOUT SWEEP
// =============================================================================

// Run aborts expired transactions until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.config.CheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sweep(ctx, time.Now())
		}
	}
}

// sweep aborts transactions past their timeout and resumes interrupted
// abort completions. The producer epoch is bumped afterwards so the stalled
// producer cannot keep writing into a transaction the broker gave up on.
func (c *Coordinator) sweep(ctx context.Context, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	for id, txn := range c.txns {
		expired := txn.state == TxnOngoing && now.Sub(txn.startedAt) > txn.timeout
		stuck := txn.state == TxnPrepareAbort

		if !expired && !stuck {
			continue
		}

		c.logger.Warn("aborting transaction",
			"transactional_id", id,
			"producer", txn.producer.String(),
			"state", txn.state.String(),
			"age", now.Sub(txn.startedAt).String())

		if err := c.abortLocked(ctx, txn); err != nil {
			c.logger.Error("timeout abort failed", "transactional_id", id, "error", err)
			continue
		}
		txn.producer = c.registry.Bump(txn.producer.ID)
		if err := c.persistLocked(txn); err != nil {
			c.logger.Error("persist after timeout abort failed", "transactional_id", id, "error", err)
		}
	}
}

// SweepNow runs one timeout pass. Exposed for tests.
func (c *Coordinator) SweepNow(now time.Time) {
	c.sweep(context.Background(), now)
}

// Close stops accepting operations.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// TxnSnapshot is a point-in-time view of one transaction for the ops
// surface.
type TxnSnapshot struct {
	TransactionalID string
	ProducerID      int64
	Epoch           int16
	State           string
	Partitions      []storage.TopicPartition
	StartedAt       time.Time
}

// Describe returns a snapshot, or false if the transactional id is
// unknown.
func (c *Coordinator) Describe(transactionalID string) (TxnSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	txn, ok := c.txns[transactionalID]
	if !ok {
		return TxnSnapshot{}, false
	}
	return TxnSnapshot{
		TransactionalID: transactionalID,
		ProducerID:      txn.producer.ID,
		Epoch:           txn.producer.Epoch,
		State:           txn.state.String(),
		Partitions:      txn.partitionList(),
		StartedAt:       txn.startedAt,
	}, true
}

// InFlight counts transactions in a non-terminal state.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, txn := range c.txns {
		if !txn.state.isTerminal() {
			n++
		}
	}
	return n
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func (c *Coordinator) persistLocked(txn *transaction) error {
	rec := storage.NewRecord([]byte(txn.transactionalID), encodeTxn(txn))
	if _, err := c.log.Append(rec); err != nil {
		return fmt.Errorf("append transaction state: %w", err)
	}
	if err := c.log.Sync(); err != nil {
		return fmt.Errorf("sync transaction log: %w", err)
	}
	return nil
}

// Transaction state record value:
//
//	[0:8] producer id │ [8:10] epoch │ [10] state │ [11:19] timeout ns │
//	[19:27] started at (unix ns) │ [27:29] partition count │ entries
//
// Each entry: [0:2] topic len │ topic │ [+0:+4] partition.
func encodeTxn(txn *transaction) []byte {
	size := 29
	tps := txn.partitionList()
	for _, tp := range tps {
		size += 2 + len(tp.Topic) + 4
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint64(buf[0:8], uint64(txn.producer.ID))
	binary.BigEndian.PutUint16(buf[8:10], uint16(txn.producer.Epoch))
	buf[10] = byte(txn.state)
	binary.BigEndian.PutUint64(buf[11:19], uint64(txn.timeout))
	binary.BigEndian.PutUint64(buf[19:27], uint64(txn.startedAt.UnixNano()))
	binary.BigEndian.PutUint16(buf[27:29], uint16(len(tps)))

	pos := 29
	for _, tp := range tps {
		binary.BigEndian.PutUint16(buf[pos:], uint16(len(tp.Topic)))
		pos += 2
		pos += copy(buf[pos:], tp.Topic)
		binary.BigEndian.PutUint32(buf[pos:], uint32(tp.Partition))
		pos += 4
	}
	return buf
}

func decodeTxn(transactionalID string, data []byte) (*transaction, bool) {
	if len(data) < 29 {
		return nil, false
	}
	txn := &transaction{
		transactionalID: transactionalID,
		producer: ProducerEpoch{
			ID:    int64(binary.BigEndian.Uint64(data[0:8])),
			Epoch: int16(binary.BigEndian.Uint16(data[8:10])),
		},
		state:      TxnState(data[10]),
		timeout:    time.Duration(binary.BigEndian.Uint64(data[11:19])),
		startedAt:  time.Unix(0, int64(binary.BigEndian.Uint64(data[19:27]))),
		partitions: make(map[storage.TopicPartition]struct{}),
	}

	count := int(binary.BigEndian.Uint16(data[27:29]))
	pos := 29
	for i := 0; i < count; i++ {
		if len(data) < pos+2 {
			return nil, false
		}
		topicLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
		pos += 2
		if len(data) < pos+topicLen+4 {
			return nil, false
		}
		topic := string(data[pos : pos+topicLen])
		pos += topicLen
		partition := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		txn.partitions[storage.TopicPartition{Topic: topic, Partition: partition}] = struct{}{}
	}
	return txn, pos == len(data)
}
