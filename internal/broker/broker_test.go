package broker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/smilinTux/forgeprint-sub003/internal/group"
	"github.com/smilinTux/forgeprint-sub003/internal/metrics"
	"github.com/smilinTux/forgeprint-sub003/internal/offsets"
	"github.com/smilinTux/forgeprint-sub003/internal/replication"
	"github.com/smilinTux/forgeprint-sub003/internal/storage"
	"github.com/smilinTux/forgeprint-sub003/internal/txn"
)

var (
	ordersP0 = storage.TopicPartition{Topic: "orders", Partition: 0}
	ordersP1 = storage.TopicPartition{Topic: "orders", Partition: 1}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestBroker stands up a single-node broker: this node leads every
// partition of "orders" and the ISR is just itself, so acks=all commits
// on the local append.
func newTestBroker(t *testing.T) *Broker {
	t.Helper()

	logs, err := storage.NewManager(storage.ManagerConfig{
		DataDir: t.TempDir(),
		Segment: storage.SegmentConfig{
			MaxSegmentBytes:    1024 * 1024,
			IndexIntervalBytes: 1,
			SyncInterval:       time.Hour,
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("storage manager: %v", err)
	}
	t.Cleanup(func() { logs.Close() })

	if err := logs.CreateTopic("orders", storage.TopicConfig{Partitions: 2}); err != nil {
		t.Fatalf("create topic: %v", err)
	}

	replConfig := replication.DefaultConfig()
	replConfig.ISR = replication.ISRConfig{LagTimeMax: time.Second, MinInSync: 1}
	replConfig.AckTimeout = 200 * time.Millisecond
	replicas := replication.NewManager("n1", replConfig, logs, nil, testLogger())

	config := DefaultConfig()
	config.Group = group.Config{
		SessionTimeoutMin:     time.Millisecond,
		SessionTimeoutMax:     time.Minute,
		SweepInterval:         time.Hour,
		InitialRebalanceDelay: 10 * time.Millisecond,
	}
	config.Offsets.ExpiryInterval = time.Hour
	config.Txn.CheckInterval = time.Hour

	b, err := New(config, logs, replicas, testLogger())
	if err != nil {
		t.Fatalf("broker: %v", err)
	}

	for p := 0; p < 2; p++ {
		err := b.ApplyDirective(replication.ControllerDirective{
			Kind:        replication.DirectiveBecomeLeader,
			Topic:       "orders",
			Partition:   p,
			LeaderEpoch: 1,
			Replicas:    []replication.NodeID{"n1"},
		})
		if err != nil {
			t.Fatalf("become leader for partition %d: %v", p, err)
		}
	}
	return b
}

func produce(t *testing.T, b *Broker, partition int, values ...string) int64 {
	t.Helper()
	msgs := make([]Message, len(values))
	for i, v := range values {
		msgs[i] = Message{Value: []byte(v)}
	}
	resp, err := b.Produce(context.Background(), ProduceRequest{
		Topic:     "orders",
		Partition: partition,
		Messages:  msgs,
		Acks:      replication.AckAll,
		Producer:  txn.ProducerEpoch{ID: -1},
	})
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}
	return resp.BaseOffset
}

func fetchValues(t *testing.T, b *Broker, partition int, offset int64, isolation IsolationLevel) []string {
	t.Helper()
	resp, err := b.Fetch(context.Background(), FetchRequest{
		Topic:     "orders",
		Partition: partition,
		Offset:    offset,
		Isolation: isolation,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	values := make([]string, len(resp.Records))
	for i, rec := range resp.Records {
		values[i] = string(rec.Value)
	}
	return values
}

func sameValues(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// PRODUCE / FETCH
// =============================================================================

func TestProduceFetchRoundTrip(t *testing.T) {
	b := newTestBroker(t)

	base := produce(t, b, 0, "a", "b", "c")
	if base != 0 {
		t.Fatalf("base offset = %d, want 0", base)
	}

	got := fetchValues(t, b, 0, 0, ReadUncommitted)
	if !sameValues(got, []string{"a", "b", "c"}) {
		t.Fatalf("fetched %v, want [a b c]", got)
	}
	if hwm := b.HighWatermark(ordersP0); hwm != 3 {
		t.Errorf("high watermark = %d, want 3", hwm)
	}

	// Partitions are independent logs.
	if got := fetchValues(t, b, 1, 0, ReadUncommitted); len(got) != 0 {
		t.Errorf("partition 1 has %v, want empty", got)
	}
}

func TestProduceUnknownTopicOrPartition(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.Produce(context.Background(), ProduceRequest{
		Topic: "ghosts", Partition: 0,
		Messages: []Message{{Value: []byte("v")}},
		Producer: txn.ProducerEpoch{ID: -1},
	})
	if !errors.Is(err, ErrUnknownTopicOrPartition) {
		t.Errorf("unknown topic: err = %v, want ErrUnknownTopicOrPartition", err)
	}

	_, err = b.Produce(context.Background(), ProduceRequest{
		Topic: "orders", Partition: 7,
		Messages: []Message{{Value: []byte("v")}},
		Producer: txn.ProducerEpoch{ID: -1},
	})
	if !errors.Is(err, ErrUnknownTopicOrPartition) {
		t.Errorf("bad partition: err = %v, want ErrUnknownTopicOrPartition", err)
	}

	_, err = b.Fetch(context.Background(), FetchRequest{Topic: "ghosts"})
	if !errors.Is(err, ErrUnknownTopicOrPartition) {
		t.Errorf("fetch unknown topic: err = %v, want ErrUnknownTopicOrPartition", err)
	}
}

func TestProduceEmptyBatchRejected(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.Produce(context.Background(), ProduceRequest{
		Topic: "orders", Partition: 0,
		Producer: txn.ProducerEpoch{ID: -1},
	})
	if err == nil {
		t.Fatal("empty batch accepted")
	}
}

func TestFetchHonorsMaxRecords(t *testing.T) {
	b := newTestBroker(t)
	produce(t, b, 0, "a", "b", "c", "d", "e")

	resp, err := b.Fetch(context.Background(), FetchRequest{
		Topic: "orders", Partition: 0, Offset: 0, MaxRecords: 2,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(resp.Records) != 2 {
		t.Errorf("got %d records, want 2", len(resp.Records))
	}
}

func TestFetchByTimestamp(t *testing.T) {
	b := newTestBroker(t)
	produce(t, b, 0, "old")
	mid := time.Now().UnixMilli()
	time.Sleep(5 * time.Millisecond)
	produce(t, b, 0, "new")

	offset, err := b.FetchByTimestamp(ordersP0, mid+1)
	if err != nil {
		t.Fatalf("FetchByTimestamp failed: %v", err)
	}
	if offset != 1 {
		t.Errorf("offset = %d, want 1", offset)
	}
}

// =============================================================================
// IDEMPOTENT PRODUCE
// =============================================================================

func TestIdempotentProduceDeduplicatesRetries(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	producer, err := b.InitProducerID(ctx, "", 0)
	if err != nil {
		t.Fatalf("InitProducerID failed: %v", err)
	}

	req := ProduceRequest{
		Topic: "orders", Partition: 0,
		Messages:     []Message{{Value: []byte("a")}, {Value: []byte("b")}},
		Acks:         replication.AckAll,
		Producer:     producer,
		BaseSequence: 0,
	}
	first, err := b.Produce(ctx, req)
	if err != nil {
		t.Fatalf("first Produce failed: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first batch reported as duplicate")
	}

	// The network retry resends the identical batch.
	retry, err := b.Produce(ctx, req)
	if err != nil {
		t.Fatalf("retry Produce failed: %v", err)
	}
	if !retry.Duplicate {
		t.Fatal("retry not flagged as duplicate")
	}
	if retry.BaseOffset != first.BaseOffset {
		t.Errorf("retry base offset = %d, want %d", retry.BaseOffset, first.BaseOffset)
	}

	// The log holds each message once.
	if got := fetchValues(t, b, 0, 0, ReadUncommitted); !sameValues(got, []string{"a", "b"}) {
		t.Fatalf("log holds %v, want [a b]", got)
	}

	// The next batch continues the sequence.
	req.Messages = []Message{{Value: []byte("c")}}
	req.BaseSequence = 2
	if _, err := b.Produce(ctx, req); err != nil {
		t.Fatalf("follow-up Produce failed: %v", err)
	}

	// A gap means a lost batch, not a retry.
	req.BaseSequence = 9
	if _, err := b.Produce(ctx, req); !errors.Is(err, ErrOutOfOrderSequence) {
		t.Errorf("gap err = %v, want ErrOutOfOrderSequence", err)
	}
}

func TestIdempotentProduceFencesStaleEpoch(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	old, err := b.InitProducerID(ctx, "billing", 0)
	if err != nil {
		t.Fatalf("InitProducerID failed: %v", err)
	}
	fresh, err := b.InitProducerID(ctx, "billing", 0)
	if err != nil {
		t.Fatalf("re-init failed: %v", err)
	}
	if fresh.ID != old.ID || fresh.Epoch != old.Epoch+1 {
		t.Fatalf("re-init = %s, want same pid with epoch %d", fresh, old.Epoch+1)
	}

	_, err = b.Produce(ctx, ProduceRequest{
		Topic: "orders", Partition: 0,
		Messages: []Message{{Value: []byte("stale")}},
		Producer: old,
	})
	if !errors.Is(err, ErrProducerFenced) {
		t.Errorf("stale epoch err = %v, want ErrProducerFenced", err)
	}
}

// =============================================================================
// TRANSACTIONS THROUGH THE FRONT DOOR
// =============================================================================

func txnProduce(t *testing.T, b *Broker, producer txn.ProducerEpoch, partition int, seq int32, value string) {
	t.Helper()
	_, err := b.Produce(context.Background(), ProduceRequest{
		Topic: "orders", Partition: partition,
		Messages:      []Message{{Value: []byte(value)}},
		Acks:          replication.AckAll,
		Producer:      producer,
		BaseSequence:  seq,
		Transactional: true,
	})
	if err != nil {
		t.Fatalf("transactional Produce failed: %v", err)
	}
}

func TestCommittedTransactionVisible(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	producer, err := b.InitProducerID(ctx, "billing", 0)
	if err != nil {
		t.Fatalf("InitProducerID failed: %v", err)
	}
	if err := b.AddPartitionsToTxn(ctx, "billing", producer, []storage.TopicPartition{ordersP0}); err != nil {
		t.Fatalf("AddPartitionsToTxn failed: %v", err)
	}

	txnProduce(t, b, producer, 0, 0, "charge")
	produce(t, b, 0, "plain")

	// Before the commit the open transaction pins the LSO, so
	// read_committed sees nothing while read_uncommitted sees both.
	if got := fetchValues(t, b, 0, 0, ReadCommitted); len(got) != 0 {
		t.Fatalf("read_committed before commit = %v, want empty", got)
	}
	if got := fetchValues(t, b, 0, 0, ReadUncommitted); !sameValues(got, []string{"charge", "plain"}) {
		t.Fatalf("read_uncommitted = %v, want [charge plain]", got)
	}

	if err := b.EndTransaction(ctx, "billing", producer, true); err != nil {
		t.Fatalf("EndTransaction failed: %v", err)
	}

	got := fetchValues(t, b, 0, 0, ReadCommitted)
	if !sameValues(got, []string{"charge", "plain"}) {
		t.Fatalf("read_committed after commit = %v, want [charge plain]", got)
	}

	// The commit marker lives in the log but never reaches consumers.
	resp, err := b.Fetch(context.Background(), FetchRequest{
		Topic: "orders", Partition: 0, Offset: 0, Isolation: ReadUncommitted,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	for _, rec := range resp.Records {
		if rec.IsControl() {
			t.Fatal("control record leaked to a consumer")
		}
	}
	if resp.HighWatermark != 3 {
		t.Errorf("high watermark = %d, want 3 (marker included)", resp.HighWatermark)
	}
}

func TestAbortedTransactionHidden(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	producer, err := b.InitProducerID(ctx, "billing", 0)
	if err != nil {
		t.Fatalf("InitProducerID failed: %v", err)
	}
	if err := b.AddPartitionsToTxn(ctx, "billing", producer, []storage.TopicPartition{ordersP0, ordersP1}); err != nil {
		t.Fatalf("AddPartitionsToTxn failed: %v", err)
	}

	txnProduce(t, b, producer, 0, 0, "doomed-a")
	txnProduce(t, b, producer, 1, 0, "doomed-b")
	produce(t, b, 0, "survivor")

	if err := b.EndTransaction(ctx, "billing", producer, false); err != nil {
		t.Fatalf("abort failed: %v", err)
	}

	if got := fetchValues(t, b, 0, 0, ReadCommitted); !sameValues(got, []string{"survivor"}) {
		t.Errorf("partition 0 read_committed = %v, want [survivor]", got)
	}
	if got := fetchValues(t, b, 1, 0, ReadCommitted); len(got) != 0 {
		t.Errorf("partition 1 read_committed = %v, want empty", got)
	}

	// read_uncommitted still exposes the aborted data.
	if got := fetchValues(t, b, 0, 0, ReadUncommitted); !sameValues(got, []string{"doomed-a", "survivor"}) {
		t.Errorf("partition 0 read_uncommitted = %v, want [doomed-a survivor]", got)
	}
}

func TestAddPartitionsToUnknownTopicRejected(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	producer, err := b.InitProducerID(ctx, "billing", 0)
	if err != nil {
		t.Fatalf("InitProducerID failed: %v", err)
	}
	err = b.AddPartitionsToTxn(ctx, "billing", producer,
		[]storage.TopicPartition{{Topic: "ghosts", Partition: 0}})
	if !errors.Is(err, ErrUnknownTopicOrPartition) {
		t.Errorf("err = %v, want ErrUnknownTopicOrPartition", err)
	}
}

// =============================================================================
// GROUPS AND OFFSETS THROUGH THE FRONT DOOR
// =============================================================================

// joinOne runs a single member through join and sync.
func joinOne(t *testing.T, b *Broker, clientID string) (memberID string, generation int32) {
	t.Helper()
	ctx := context.Background()

	join, err := b.JoinGroup(ctx, group.JoinRequest{
		GroupID:          "workers",
		ClientID:         clientID,
		SessionTimeout:   30 * time.Second,
		RebalanceTimeout: 2 * time.Second,
		Topics:           []string{"orders"},
		Protocols:        []string{"range"},
	})
	if err != nil {
		t.Fatalf("JoinGroup failed: %v", err)
	}

	req := group.SyncRequest{
		GroupID:    "workers",
		MemberID:   join.MemberID,
		Generation: join.Generation,
	}
	if join.MemberID == join.LeaderID {
		assignments, err := b.ComputeAssignment("workers")
		if err != nil {
			t.Fatalf("ComputeAssignment failed: %v", err)
		}
		req.Assignments = assignments
	}
	sync, err := b.SyncGroup(ctx, req)
	if err != nil {
		t.Fatalf("SyncGroup failed: %v", err)
	}
	if sync.Err != nil {
		t.Fatalf("sync delivered error: %v", sync.Err)
	}
	return join.MemberID, join.Generation
}

func TestGroupLifecycleThroughBroker(t *testing.T) {
	b := newTestBroker(t)
	memberID, generation := joinOne(t, b, "c1")

	if err := b.Heartbeat("workers", memberID, generation); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	snap, ok := b.DescribeGroup("workers")
	if !ok || snap.State != "Stable" {
		t.Fatalf("group state = %+v, want Stable", snap)
	}

	if err := b.LeaveGroup("workers", memberID); err != nil {
		t.Fatalf("LeaveGroup failed: %v", err)
	}
}

func TestOffsetCommitFetchResolve(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	produce(t, b, 0, "a", "b", "c")

	// A standalone consumer commits without group membership.
	if err := b.OffsetCommit(ctx, "batch-job", "", -1, ordersP0, 2, "run-7"); err != nil {
		t.Fatalf("OffsetCommit failed: %v", err)
	}

	committed, err := b.OffsetFetch("batch-job", ordersP0)
	if err != nil {
		t.Fatalf("OffsetFetch failed: %v", err)
	}
	if committed.Offset != 2 || committed.Metadata != "run-7" {
		t.Errorf("committed = %+v, want offset 2 metadata run-7", committed)
	}

	// The committed offset wins over the reset policy.
	start, err := b.ResolveStartOffset("batch-job", ordersP0, offsets.ResetEarliest)
	if err != nil {
		t.Fatalf("ResolveStartOffset failed: %v", err)
	}
	if start != 2 {
		t.Errorf("start = %d, want committed 2", start)
	}

	// An unknown group falls back to the policy.
	start, err = b.ResolveStartOffset("newcomer", ordersP0, offsets.ResetLatest)
	if err != nil {
		t.Fatalf("ResolveStartOffset failed: %v", err)
	}
	if start != 3 {
		t.Errorf("latest start = %d, want 3", start)
	}
}

func TestOffsetCommitGenerationFenced(t *testing.T) {
	b := newTestBroker(t)
	memberID, generation := joinOne(t, b, "c1")
	produce(t, b, 0, "a")

	ctx := context.Background()
	if err := b.OffsetCommit(ctx, "workers", memberID, generation, ordersP0, 1, ""); err != nil {
		t.Fatalf("member OffsetCommit failed: %v", err)
	}

	err := b.OffsetCommit(ctx, "workers", memberID, generation+5, ordersP0, 1, "")
	if !errors.Is(err, ErrIllegalGeneration) {
		t.Errorf("stale generation err = %v, want ErrIllegalGeneration", err)
	}

	err = b.OffsetCommit(ctx, "workers", "intruder", generation, ordersP0, 1, "")
	if !errors.Is(err, ErrUnknownMemberID) {
		t.Errorf("unknown member err = %v, want ErrUnknownMemberID", err)
	}
}

func TestFetchMarksPoll(t *testing.T) {
	b := newTestBroker(t)
	memberID, _ := joinOne(t, b, "c1")
	produce(t, b, 0, "a")

	_, err := b.Fetch(context.Background(), FetchRequest{
		Topic: "orders", Partition: 0,
		GroupID:  "workers",
		MemberID: memberID,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	// No assertion beyond success: MarkPoll on a live member must not
	// disturb the fetch path.
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestRunStopsOnCancel(t *testing.T) {
	b := newTestBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestMetricsCountProduceAndFetch(t *testing.T) {
	b := newTestBroker(t)
	reg := metrics.NewRegistry(metrics.Config{
		Enabled:   true,
		Namespace: "test",
	}, testLogger())
	b.SetMetrics(reg)

	produce(t, b, 0, "a", "b")
	fetchValues(t, b, 0, 0, ReadUncommitted)

	if got := testutil.ToFloat64(reg.Broker.MessagesProduced.WithLabelValues("orders")); got != 2 {
		t.Errorf("messages_produced = %v, want 2", got)
	}
	if got := testutil.ToFloat64(reg.Broker.MessagesFetched.WithLabelValues("orders")); got != 2 {
		t.Errorf("messages_fetched = %v, want 2", got)
	}

	_, err := b.Fetch(context.Background(), FetchRequest{Topic: "ghosts"})
	if err == nil {
		t.Fatal("fetch of unknown topic succeeded")
	}
	if got := testutil.ToFloat64(reg.Broker.RequestErrors.WithLabelValues("fetch", "client")); got != 1 {
		t.Errorf("request_errors = %v, want 1", got)
	}
}

func TestInternalTopicsRegisteredAtStartup(t *testing.T) {
	b := newTestBroker(t)

	var buf bytes.Buffer
	for _, topic := range b.Topics() {
		buf.WriteString(topic)
		buf.WriteByte(' ')
	}
	names := buf.String()
	for _, want := range []string{"orders", "__consumer_offsets", "__transaction_state"} {
		if !bytes.Contains([]byte(names), []byte(want)) {
			t.Errorf("topic %q missing from %s", want, names)
		}
	}
}
