// =============================================================================
// BROKER - THE FRONT DOOR
// =============================================================================
//
// The broker wires the components into the operations a network layer
// calls:
//
//   produce path     Produce ──► producer registry (dedup/fencing)
//                             ──► replication manager (acks, HWM)
//                             ──► isolation index (transactional spans)
//
//   fetch path       Fetch ──► replication manager (bounded by HWM)
//                           ──► isolation index (LSO, abort filtering)
//
//   group path       JoinGroup / SyncGroup / Heartbeat ──► coordinator
//                    OffsetCommit / OffsetFetch ──► offset store
//
//   txn path         InitProducerID / AddPartitionsToTxn / EndTransaction
//                           ──► transaction coordinator
//
// The broker owns no protocol framing and accepts no connections; it is
// the logical core an external transport embeds. Controller directives
// (leadership changes) arrive through ApplyDirective the same way.
//
// =============================================================================

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smilinTux/forgeprint-sub003/internal/group"
	"github.com/smilinTux/forgeprint-sub003/internal/metrics"
	"github.com/smilinTux/forgeprint-sub003/internal/offsets"
	"github.com/smilinTux/forgeprint-sub003/internal/replication"
	"github.com/smilinTux/forgeprint-sub003/internal/storage"
	"github.com/smilinTux/forgeprint-sub003/internal/txn"
)

// IsolationLevel selects what a fetch may see.
type IsolationLevel int8

const (
	// ReadUncommitted exposes everything below the high watermark.
	ReadUncommitted IsolationLevel = iota

	// ReadCommitted exposes only records below the last stable offset and
	// outside aborted transactions.
	ReadCommitted
)

// Config controls the broker front door.
type Config struct {
	// FetchMaxRecords caps one fetch response.
	FetchMaxRecords int

	// DefaultIsolation applies when a fetch does not choose.
	DefaultIsolation IsolationLevel

	Group   group.Config
	Offsets offsets.Config
	Txn     txn.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FetchMaxRecords:  1000,
		DefaultIsolation: ReadUncommitted,
		Group:            group.DefaultConfig(),
		Offsets:          offsets.DefaultConfig(),
		Txn:              txn.DefaultConfig(),
	}
}

// Broker is the logical message core: partitioned replicated logs, group
// coordination, offset management and transactions behind one API.
type Broker struct {
	config   Config
	logs     *storage.Manager
	replicas *replication.Manager
	groups   *group.Coordinator
	offsets  *offsets.Store
	txns     *txn.Coordinator
	logger   *slog.Logger

	// metrics is optional; nil means no instrumentation.
	metrics *metrics.Registry
}

// SetMetrics attaches a metrics registry. Call before Run.
func (b *Broker) SetMetrics(r *metrics.Registry) {
	if r != nil && r.Enabled() {
		b.metrics = r
	}
}

func (b *Broker) countError(operation string, err error) {
	if b.metrics == nil {
		return
	}
	class := "client"
	switch {
	case IsRetriable(err):
		class = "retriable"
	case IsFencing(err):
		class = "fencing"
	case errors.Is(err, ErrPartitionOffline):
		class = "fatal"
	}
	b.metrics.Broker.RequestErrors.WithLabelValues(operation, class).Inc()
}

// markerWriter sends transaction markers through the replicated append
// path so a marker is committed with the same guarantees as data.
type markerWriter struct {
	replicas *replication.Manager
}

func (w *markerWriter) WriteMarker(ctx context.Context, tp storage.TopicPartition, marker storage.ControlMarker, producer txn.ProducerEpoch) (int64, error) {
	rec := storage.NewControlRecord(marker, producer.ID, producer.Epoch)
	return w.replicas.Append(ctx, tp, []*storage.Record{rec}, replication.AckAll)
}

// New wires the broker over an already-recovered storage manager and
// replication manager.
func New(config Config, logs *storage.Manager, replicas *replication.Manager, logger *slog.Logger) (*Broker, error) {
	if config.FetchMaxRecords <= 0 {
		config.FetchMaxRecords = 1000
	}

	groups := group.NewCoordinator(config.Group, logs, logger)

	offsetStore, err := offsets.NewStore(config.Offsets, logs, logger)
	if err != nil {
		return nil, fmt.Errorf("offset store: %w", err)
	}

	txns, err := txn.NewCoordinator(config.Txn, logs, &markerWriter{replicas: replicas}, logger)
	if err != nil {
		return nil, fmt.Errorf("transaction coordinator: %w", err)
	}

	return &Broker{
		config:   config,
		logs:     logs,
		replicas: replicas,
		groups:   groups,
		offsets:  offsetStore,
		txns:     txns,
		logger:   logger.With("component", "broker"),
	}, nil
}

// Run supervises every background loop until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.logs.Run(ctx) })
	g.Go(func() error { return b.replicas.Run(ctx) })
	g.Go(func() error { return b.groups.Run(ctx) })
	g.Go(func() error { return b.offsets.Run(ctx) })
	g.Go(func() error { return b.txns.Run(ctx) })
	if b.metrics != nil {
		g.Go(func() error { return b.sampleGauges(ctx) })
	}
	return g.Wait()
}

// sampleGauges refreshes the point-in-time gauges that have no natural
// increment site: watermarks, ISR sizes, group membership, open
// transactions.
func (b *Broker) sampleGauges(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, tp := range b.logs.Partitions() {
				part := strconv.Itoa(tp.Partition)
				b.metrics.Replication.HighWatermark.WithLabelValues(tp.Topic, part).
					Set(float64(b.replicas.HighWatermark(tp)))
				if r, ok := b.replicas.Replica(tp); ok {
					b.metrics.Replication.ISRSize.WithLabelValues(tp.Topic, part).
						Set(float64(r.ISR().Size()))
				}
			}
			for _, id := range b.groups.Groups() {
				if snap, ok := b.groups.DescribeGroup(id); ok {
					b.metrics.Coordination.GroupMembers.WithLabelValues(id).
						Set(float64(len(snap.Members)))
				}
			}
			b.metrics.Coordination.TransactionsOpen.Set(float64(b.txns.InFlight()))
		}
	}
}

// Close shuts the components down. Background loops stop via the Run ctx.
func (b *Broker) Close() error {
	b.txns.Close()
	b.offsets.Close()
	return b.logs.Close()
}

// ApplyDirective forwards a controller decision (leadership change,
// partition offline) to the replication layer.
func (b *Broker) ApplyDirective(d replication.ControllerDirective) error {
	return b.replicas.Apply(d)
}

// CreateTopic registers a topic and its partition logs.
func (b *Broker) CreateTopic(topic string, config storage.TopicConfig) error {
	return b.logs.CreateTopic(topic, config)
}

// =============================================================================
// PRODUCE
// =============================================================================

// Message is one record a producer submits.
type Message struct {
	Key     []byte
	Value   []byte
	Headers []storage.Header
}

// ProduceRequest is one batch aimed at one partition.
type ProduceRequest struct {
	Topic     string
	Partition int
	Messages  []Message
	Acks      replication.AckMode

	// Producer carries the idempotent identity; leave ID at -1 for plain
	// produce. BaseSequence is the sequence of the first message.
	Producer     txn.ProducerEpoch
	BaseSequence int32

	// Transactional marks the batch as part of the producer's open
	// transaction.
	Transactional bool
}

// ProduceResponse reports where the batch landed.
type ProduceResponse struct {
	// BaseOffset is the offset of the first message.
	BaseOffset int64

	// Duplicate is set when the whole batch was a retry the broker had
	// already applied; BaseOffset then points at the original append (or
	// -1 if it has left the dedup window).
	Duplicate bool
}

// Produce appends a batch through the partition leader, honoring the ack
// mode and the idempotent-producer rules.
func (b *Broker) Produce(ctx context.Context, req ProduceRequest) (ProduceResponse, error) {
	start := time.Now()
	resp, err := b.produce(ctx, req)
	if b.metrics != nil {
		if err != nil {
			b.countError("produce", err)
		} else if resp.Duplicate {
			b.metrics.Broker.DuplicatesSuppressed.Inc()
		} else {
			var bytes int
			for i := range req.Messages {
				bytes += len(req.Messages[i].Key) + len(req.Messages[i].Value)
			}
			b.metrics.Broker.MessagesProduced.WithLabelValues(req.Topic).Add(float64(len(req.Messages)))
			b.metrics.Broker.BytesProduced.WithLabelValues(req.Topic).Add(float64(bytes))
			b.metrics.Broker.ProduceLatency.WithLabelValues(req.Topic).Observe(time.Since(start).Seconds())
		}
	}
	return resp, err
}

func (b *Broker) produce(ctx context.Context, req ProduceRequest) (ProduceResponse, error) {
	tp := storage.TopicPartition{Topic: req.Topic, Partition: req.Partition}
	if err := b.checkPartition(tp); err != nil {
		return ProduceResponse{}, err
	}
	if len(req.Messages) == 0 {
		return ProduceResponse{}, fmt.Errorf("%w: empty batch", storage.ErrInvalidRecord)
	}

	idempotent := req.Producer.IsValid()
	registry := b.txns.Registry()

	if idempotent {
		// The whole batch stands or falls on its first sequence: a retry
		// resends the identical batch, so seeing its first sequence again
		// means the batch is already in the log.
		offset, duplicate, err := registry.CheckSequence(req.Producer, tp, req.BaseSequence)
		if err != nil {
			return ProduceResponse{}, err
		}
		if duplicate {
			b.logger.Debug("duplicate batch suppressed",
				"partition", tp.String(),
				"producer", req.Producer.String(),
				"base_sequence", req.BaseSequence)
			return ProduceResponse{BaseOffset: offset, Duplicate: true}, nil
		}
	}

	records := make([]*storage.Record, len(req.Messages))
	for i, msg := range req.Messages {
		rec := storage.NewRecord(msg.Key, msg.Value)
		rec.Headers = msg.Headers
		if idempotent {
			rec.ProducerID = req.Producer.ID
			rec.ProducerEpoch = req.Producer.Epoch
			rec.Sequence = req.BaseSequence + int32(i)
		}
		if req.Transactional {
			rec.Flags |= storage.FlagTransactional
		}
		records[i] = rec
	}

	baseOffset, err := b.replicas.Append(ctx, tp, records, req.Acks)
	if err != nil {
		return ProduceResponse{}, err
	}

	if idempotent {
		for i := range records {
			registry.RecordSequence(req.Producer, tp, req.BaseSequence+int32(i), records[i].Offset)
		}
	}
	if req.Transactional {
		b.txns.Isolation().TrackAppend(tp, req.Producer.ID, baseOffset)
	}

	return ProduceResponse{BaseOffset: baseOffset}, nil
}

// =============================================================================
// FETCH
// =============================================================================

// FetchRequest reads one partition from an offset.
type FetchRequest struct {
	Topic      string
	Partition  int
	Offset     int64
	MaxRecords int
	Isolation  IsolationLevel

	// GroupID/MemberID, when set, count this fetch as the member's poll
	// for the max poll interval check.
	GroupID  string
	MemberID string
}

// FetchResponse is one batch of committed records.
type FetchResponse struct {
	Records          []*storage.Record
	HighWatermark    int64
	LastStableOffset int64
}

// Fetch returns records below the high watermark; read_committed fetches
// stop at the last stable offset and skip aborted transactions. Control
// records never surface.
func (b *Broker) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	start := time.Now()
	resp, err := b.fetch(ctx, req)
	if b.metrics != nil {
		if err != nil {
			b.countError("fetch", err)
		} else {
			b.metrics.Broker.MessagesFetched.WithLabelValues(req.Topic).Add(float64(len(resp.Records)))
			b.metrics.Broker.FetchLatency.WithLabelValues(req.Topic).Observe(time.Since(start).Seconds())
		}
	}
	return resp, err
}

func (b *Broker) fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	tp := storage.TopicPartition{Topic: req.Topic, Partition: req.Partition}
	if err := b.checkPartition(tp); err != nil {
		return FetchResponse{}, err
	}

	maxRecords := req.MaxRecords
	if maxRecords <= 0 || maxRecords > b.config.FetchMaxRecords {
		maxRecords = b.config.FetchMaxRecords
	}

	if req.GroupID != "" && req.MemberID != "" {
		b.groups.MarkPoll(req.GroupID, req.MemberID)
	}

	records, hwm, err := b.replicas.Read(tp, req.Offset, maxRecords)
	if err != nil {
		return FetchResponse{HighWatermark: hwm}, err
	}

	isolation := b.txns.Isolation()
	lso := isolation.LastStableOffset(tp, hwm)

	resp := FetchResponse{HighWatermark: hwm, LastStableOffset: lso}

	if req.Isolation == ReadCommitted {
		// Cut at the LSO first, then drop aborted spans and markers.
		for i, rec := range records {
			if rec.Offset >= lso {
				records = records[:i]
				break
			}
		}
		resp.Records = isolation.FilterCommitted(tp, records)
		return resp, nil
	}

	kept := records[:0]
	for _, rec := range records {
		if !rec.IsControl() {
			kept = append(kept, rec)
		}
	}
	resp.Records = kept
	return resp, nil
}

// FetchByTimestamp resolves the first offset at or after a timestamp, for
// seek-by-time consumers.
func (b *Broker) FetchByTimestamp(tp storage.TopicPartition, timestamp int64) (int64, error) {
	if err := b.checkPartition(tp); err != nil {
		return 0, err
	}
	log, err := b.logs.GetLog(tp)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTopicOrPartition, tp)
	}
	return log.OffsetForTimestamp(timestamp)
}

// =============================================================================
// GROUPS
// =============================================================================

// JoinGroup enters the rebalance join barrier. Blocks until the join phase
// completes or ctx is cancelled.
func (b *Broker) JoinGroup(ctx context.Context, req group.JoinRequest) (*group.JoinResponse, error) {
	return b.groups.JoinGroup(ctx, req)
}

// SyncGroup completes a rebalance: the leader submits the assignment,
// followers collect theirs.
func (b *Broker) SyncGroup(ctx context.Context, req group.SyncRequest) (*group.SyncResponse, error) {
	return b.groups.SyncGroup(ctx, req)
}

// Heartbeat keeps a member alive and signals rebalances.
func (b *Broker) Heartbeat(groupID, memberID string, generation int32) error {
	return b.groups.Heartbeat(groupID, memberID, generation)
}

// LeaveGroup removes a member immediately.
func (b *Broker) LeaveGroup(groupID, memberID string) error {
	return b.groups.LeaveGroup(groupID, memberID)
}

// ComputeAssignment runs the group's negotiated assignor; called on behalf
// of the elected leader between join and sync.
func (b *Broker) ComputeAssignment(groupID string) (map[string][]storage.TopicPartition, error) {
	return b.groups.ComputeAssignment(groupID)
}

// =============================================================================
// OFFSETS
// =============================================================================

// OffsetCommit durably records a group's progress. Generation fencing
// applies when the caller identifies as a group member; a standalone
// consumer passes an empty member id and a negative generation.
func (b *Broker) OffsetCommit(ctx context.Context, groupID, memberID string, generation int32, tp storage.TopicPartition, offset int64, metadata string) error {
	if err := b.checkPartition(tp); err != nil {
		return err
	}
	if memberID != "" {
		if err := b.groups.ValidateMember(groupID, memberID, generation); err != nil {
			return err
		}
	}
	if err := b.offsets.Commit(groupID, tp, offset, metadata, generation); err != nil {
		b.countError("offset_commit", err)
		return err
	}
	if b.metrics != nil {
		b.metrics.Coordination.OffsetCommits.WithLabelValues(groupID).Inc()
	}
	return nil
}

// OffsetFetch returns a group's committed progress in one partition.
func (b *Broker) OffsetFetch(groupID string, tp storage.TopicPartition) (offsets.Committed, error) {
	return b.offsets.Fetch(groupID, tp)
}

// ResolveStartOffset picks where a consumer with the given reset policy
// starts reading.
func (b *Broker) ResolveStartOffset(groupID string, tp storage.TopicPartition, policy offsets.ResetPolicy) (int64, error) {
	if err := b.checkPartition(tp); err != nil {
		return 0, err
	}
	log, err := b.logs.GetLog(tp)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTopicOrPartition, tp)
	}
	return b.offsets.ResolveStart(groupID, tp, policy, log.StartOffset(), log.NextOffset())
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// InitProducerID assigns or refreshes an idempotent producer identity.
func (b *Broker) InitProducerID(ctx context.Context, transactionalID string, timeout time.Duration) (txn.ProducerEpoch, error) {
	return b.txns.InitProducerID(ctx, transactionalID, timeout)
}

// AddPartitionsToTxn declares partitions the transaction will touch.
func (b *Broker) AddPartitionsToTxn(ctx context.Context, transactionalID string, producer txn.ProducerEpoch, tps []storage.TopicPartition) error {
	for _, tp := range tps {
		if err := b.checkPartition(tp); err != nil {
			return err
		}
	}
	return b.txns.AddPartitions(ctx, transactionalID, producer, tps)
}

// EndTransaction commits or aborts: control markers land in every touched
// partition before the transaction is marked complete.
func (b *Broker) EndTransaction(ctx context.Context, transactionalID string, producer txn.ProducerEpoch, commit bool) error {
	return b.txns.End(ctx, transactionalID, producer, commit)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// DescribeGroup exposes group state for the ops surface.
func (b *Broker) DescribeGroup(groupID string) (group.GroupSnapshot, bool) {
	return b.groups.DescribeGroup(groupID)
}

// Groups lists the known consumer groups.
func (b *Broker) Groups() []string {
	return b.groups.Groups()
}

// DescribeTransaction exposes one transaction's state.
func (b *Broker) DescribeTransaction(transactionalID string) (txn.TxnSnapshot, bool) {
	return b.txns.Describe(transactionalID)
}

// HighWatermark returns a partition's committed boundary.
func (b *Broker) HighWatermark(tp storage.TopicPartition) int64 {
	return b.replicas.HighWatermark(tp)
}

// Topics lists the known topics.
func (b *Broker) Topics() []string {
	return b.logs.Topics()
}

func (b *Broker) checkPartition(tp storage.TopicPartition) error {
	if !b.logs.TopicExists(tp.Topic) || tp.Partition < 0 || tp.Partition >= b.logs.PartitionCount(tp.Topic) {
		return fmt.Errorf("%w: %s", ErrUnknownTopicOrPartition, tp)
	}
	return nil
}
