package txn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/smilinTux/forgeprint-sub003/internal/storage"
)

var (
	ordersP0 = storage.TopicPartition{Topic: "orders", Partition: 0}
	ordersP1 = storage.TopicPartition{Topic: "orders", Partition: 1}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// logMarkerWriter appends real control records to the partition logs, the
// same thing the broker's replicated append path does.
type logMarkerWriter struct {
	mgr *storage.Manager
}

func (w *logMarkerWriter) WriteMarker(_ context.Context, tp storage.TopicPartition, marker storage.ControlMarker, producer ProducerEpoch) (int64, error) {
	log, err := w.mgr.GetLog(tp)
	if err != nil {
		return 0, err
	}
	return log.Append(storage.NewControlRecord(marker, producer.ID, producer.Epoch))
}

func newTestManager(t *testing.T, dir string) *storage.Manager {
	t.Helper()
	mgr, err := storage.NewManager(storage.ManagerConfig{
		DataDir: dir,
		Segment: storage.SegmentConfig{
			MaxSegmentBytes:    1024 * 1024,
			IndexIntervalBytes: 1,
			SyncInterval:       time.Hour,
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if !mgr.TopicExists("orders") {
		if err := mgr.CreateTopic("orders", storage.TopicConfig{Partitions: 2}); err != nil {
			t.Fatalf("CreateTopic failed: %v", err)
		}
	}
	return mgr
}

func newTestCoordinator(t *testing.T, mgr *storage.Manager) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(Config{
		DefaultTimeout: time.Minute,
		CheckInterval:  time.Hour,
	}, mgr, &logMarkerWriter{mgr: mgr}, testLogger())
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}
	return c
}

// appendTxnRecord writes one transactional data record and tracks it, the
// way the broker's produce path does.
func appendTxnRecord(t *testing.T, c *Coordinator, mgr *storage.Manager, tp storage.TopicPartition, producer ProducerEpoch, value string) int64 {
	t.Helper()
	log, err := mgr.GetLog(tp)
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	rec := storage.NewRecord(nil, []byte(value))
	rec.Flags |= storage.FlagTransactional
	rec.ProducerID = producer.ID
	rec.ProducerEpoch = producer.Epoch
	offset, err := log.Append(rec)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	c.Isolation().TrackAppend(tp, producer.ID, offset)
	return offset
}

func TestInitProducerID(t *testing.T) {
	mgr := newTestManager(t, t.TempDir())
	defer mgr.Close()
	c := newTestCoordinator(t, mgr)
	ctx := context.Background()

	// Ephemeral producers get distinct ids.
	a, _ := c.InitProducerID(ctx, "", 0)
	b, _ := c.InitProducerID(ctx, "", 0)
	if a.ID == b.ID {
		t.Errorf("ephemeral producers share id %d", a.ID)
	}
	if a.Epoch != 0 || b.Epoch != 0 {
		t.Errorf("fresh producers should start at epoch 0, got %d and %d", a.Epoch, b.Epoch)
	}

	// A transactional id keeps its pid across inits, epoch climbs.
	first, err := c.InitProducerID(ctx, "billing", 0)
	if err != nil {
		t.Fatalf("InitProducerID failed: %v", err)
	}
	second, err := c.InitProducerID(ctx, "billing", 0)
	if err != nil {
		t.Fatalf("second InitProducerID failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("pid changed across inits: %d → %d", first.ID, second.ID)
	}
	if second.Epoch != first.Epoch+1 {
		t.Errorf("epoch = %d, want %d", second.Epoch, first.Epoch+1)
	}
}

func TestSequenceDeduplication(t *testing.T) {
	r := NewRegistry(3)
	p := r.Allocate()

	// First sequence must be 0.
	if _, _, err := r.CheckSequence(p, ordersP0, 5); !errors.Is(err, ErrOutOfOrderSequence) {
		t.Errorf("first sequence 5 accepted: %v", err)
	}

	// In-order sequence stream.
	for seq := int32(0); seq < 5; seq++ {
		if _, dup, err := r.CheckSequence(p, ordersP0, seq); err != nil || dup {
			t.Fatalf("sequence %d: dup=%v err=%v", seq, dup, err)
		}
		r.RecordSequence(p, ordersP0, seq, int64(seq)+100)
	}

	// Retry of a recent sequence reports the original offset.
	offset, dup, err := r.CheckSequence(p, ordersP0, 4)
	if err != nil || !dup {
		t.Fatalf("retry: dup=%v err=%v", dup, err)
	}
	if offset != 104 {
		t.Errorf("duplicate offset = %d, want 104", offset)
	}

	// A sequence that fell out of the window is still a duplicate, just
	// without an offset to report.
	if offset, dup, _ := r.CheckSequence(p, ordersP0, 0); !dup || offset != -1 {
		t.Errorf("ancient retry: dup=%v offset=%d, want dup with offset -1", dup, offset)
	}

	// Gap is rejected.
	if _, _, err := r.CheckSequence(p, ordersP0, 9); !errors.Is(err, ErrOutOfOrderSequence) {
		t.Errorf("gap sequence accepted: %v", err)
	}

	// Partitions have independent sequence spaces.
	if _, dup, err := r.CheckSequence(p, ordersP1, 0); err != nil || dup {
		t.Errorf("other partition sequence 0: dup=%v err=%v", dup, err)
	}
}

func TestEpochFencing(t *testing.T) {
	r := NewRegistry(0)
	old := r.Allocate()
	r.RecordSequence(old, ordersP0, 0, 10)

	current := r.Bump(old.ID)

	if _, _, err := r.CheckSequence(old, ordersP0, 1); !errors.Is(err, ErrProducerFenced) {
		t.Errorf("stale epoch check = %v, want ErrProducerFenced", err)
	}
	// The new incarnation starts its sequences over.
	if _, dup, err := r.CheckSequence(current, ordersP0, 0); err != nil || dup {
		t.Errorf("new incarnation sequence 0: dup=%v err=%v", dup, err)
	}
	// An epoch the broker never issued is rejected.
	bogus := ProducerEpoch{ID: current.ID, Epoch: current.Epoch + 5}
	if _, _, err := r.CheckSequence(bogus, ordersP0, 0); !errors.Is(err, ErrInvalidProducerEpoch) {
		t.Errorf("future epoch check = %v, want ErrInvalidProducerEpoch", err)
	}
}

func TestCommitFlow(t *testing.T) {
	mgr := newTestManager(t, t.TempDir())
	defer mgr.Close()
	c := newTestCoordinator(t, mgr)
	ctx := context.Background()

	p, err := c.InitProducerID(ctx, "billing", 0)
	if err != nil {
		t.Fatalf("InitProducerID failed: %v", err)
	}
	if err := c.AddPartitions(ctx, "billing", p, []storage.TopicPartition{ordersP0, ordersP1}); err != nil {
		t.Fatalf("AddPartitions failed: %v", err)
	}

	first := appendTxnRecord(t, c, mgr, ordersP0, p, "charge-1")
	appendTxnRecord(t, c, mgr, ordersP1, p, "charge-2")

	// The open transaction holds the LSO at its first record.
	log0, _ := mgr.GetLog(ordersP0)
	if lso := c.Isolation().LastStableOffset(ordersP0, log0.NextOffset()); lso != first {
		t.Errorf("LSO = %d, want %d while transaction is open", lso, first)
	}

	if err := c.End(ctx, "billing", p, true); err != nil {
		t.Fatalf("End(commit) failed: %v", err)
	}

	snap, ok := c.Describe("billing")
	if !ok || snap.State != "CompleteCommit" {
		t.Errorf("state = %v, want CompleteCommit", snap.State)
	}

	// Each partition got a commit marker.
	for _, tp := range []storage.TopicPartition{ordersP0, ordersP1} {
		log, _ := mgr.GetLog(tp)
		last, err := log.Read(log.NextOffset() - 1)
		if err != nil {
			t.Fatalf("read marker on %s: %v", tp, err)
		}
		marker, pid, _, err := storage.DecodeControlRecord(last)
		if err != nil {
			t.Fatalf("decode marker on %s: %v", tp, err)
		}
		if marker != storage.ControlCommit || pid != p.ID {
			t.Errorf("%s marker = %s pid=%d, want commit pid=%d", tp, marker, pid, p.ID)
		}
	}

	// LSO is released.
	if lso := c.Isolation().LastStableOffset(ordersP0, log0.NextOffset()); lso != log0.NextOffset() {
		t.Errorf("LSO = %d after commit, want %d", lso, log0.NextOffset())
	}

	// Committed records survive read_committed filtering; the marker does
	// not surface.
	records, err := log0.ReadFrom(0, 100)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	visible := c.Isolation().FilterCommitted(ordersP0, records)
	if len(visible) != 1 || string(visible[0].Value) != "charge-1" {
		t.Errorf("visible records = %d, want the committed record only", len(visible))
	}
}

func TestAbortFiltering(t *testing.T) {
	mgr := newTestManager(t, t.TempDir())
	defer mgr.Close()
	c := newTestCoordinator(t, mgr)
	ctx := context.Background()

	log0, _ := mgr.GetLog(ordersP0)
	if _, err := log0.Append(storage.NewRecord(nil, []byte("plain"))); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	p, _ := c.InitProducerID(ctx, "billing", 0)
	if err := c.AddPartitions(ctx, "billing", p, []storage.TopicPartition{ordersP0}); err != nil {
		t.Fatalf("AddPartitions failed: %v", err)
	}
	appendTxnRecord(t, c, mgr, ordersP0, p, "doomed-1")
	appendTxnRecord(t, c, mgr, ordersP0, p, "doomed-2")

	if err := c.End(ctx, "billing", p, false); err != nil {
		t.Fatalf("End(abort) failed: %v", err)
	}

	records, err := log0.ReadFrom(0, 100)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	visible := c.Isolation().FilterCommitted(ordersP0, records)
	if len(visible) != 1 || string(visible[0].Value) != "plain" {
		t.Fatalf("read_committed sees %d records, want only the plain one", len(visible))
	}
}

func TestEndWithoutTransaction(t *testing.T) {
	mgr := newTestManager(t, t.TempDir())
	defer mgr.Close()
	c := newTestCoordinator(t, mgr)
	ctx := context.Background()

	p, _ := c.InitProducerID(ctx, "billing", 0)
	if err := c.End(ctx, "billing", p, true); !errors.Is(err, ErrNoTransactionInProgress) {
		t.Errorf("End with no transaction = %v, want ErrNoTransactionInProgress", err)
	}
}

func TestStaleProducerFenced(t *testing.T) {
	mgr := newTestManager(t, t.TempDir())
	defer mgr.Close()
	c := newTestCoordinator(t, mgr)
	ctx := context.Background()

	old, _ := c.InitProducerID(ctx, "billing", 0)
	fresh, _ := c.InitProducerID(ctx, "billing", 0)

	if err := c.AddPartitions(ctx, "billing", old, []storage.TopicPartition{ordersP0}); !errors.Is(err, ErrProducerFenced) {
		t.Errorf("stale AddPartitions = %v, want ErrProducerFenced", err)
	}
	if err := c.AddPartitions(ctx, "billing", fresh, []storage.TopicPartition{ordersP0}); err != nil {
		t.Errorf("current AddPartitions = %v, want nil", err)
	}
}

func TestReinitAbortsOpenTransaction(t *testing.T) {
	mgr := newTestManager(t, t.TempDir())
	defer mgr.Close()
	c := newTestCoordinator(t, mgr)
	ctx := context.Background()

	p, _ := c.InitProducerID(ctx, "billing", 0)
	if err := c.AddPartitions(ctx, "billing", p, []storage.TopicPartition{ordersP0}); err != nil {
		t.Fatalf("AddPartitions failed: %v", err)
	}
	appendTxnRecord(t, c, mgr, ordersP0, p, "orphaned")

	// A new incarnation arrives before the old one finished.
	if _, err := c.InitProducerID(ctx, "billing", 0); err != nil {
		t.Fatalf("re-init failed: %v", err)
	}

	// The orphaned write was aborted: an abort marker exists and the
	// record is filtered.
	log0, _ := mgr.GetLog(ordersP0)
	records, _ := log0.ReadFrom(0, 100)
	visible := c.Isolation().FilterCommitted(ordersP0, records)
	if len(visible) != 0 {
		t.Errorf("orphaned record visible after re-init, got %d records", len(visible))
	}
}

func TestTimeoutAbort(t *testing.T) {
	mgr := newTestManager(t, t.TempDir())
	defer mgr.Close()
	c := newTestCoordinator(t, mgr)
	ctx := context.Background()

	p, err := c.InitProducerID(ctx, "billing", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("InitProducerID failed: %v", err)
	}
	if err := c.AddPartitions(ctx, "billing", p, []storage.TopicPartition{ordersP0}); err != nil {
		t.Fatalf("AddPartitions failed: %v", err)
	}
	appendTxnRecord(t, c, mgr, ordersP0, p, "slow")

	c.SweepNow(time.Now().Add(time.Second))

	snap, _ := c.Describe("billing")
	if snap.State != "CompleteAbort" {
		t.Errorf("state after timeout = %s, want CompleteAbort", snap.State)
	}
	// The producer was fenced by the timeout.
	if err := c.AddPartitions(ctx, "billing", p, []storage.TopicPartition{ordersP0}); !errors.Is(err, ErrProducerFenced) {
		t.Errorf("AddPartitions after timeout = %v, want ErrProducerFenced", err)
	}
}

func TestReplayAfterRestart(t *testing.T) {
	dir := t.TempDir()

	mgr := newTestManager(t, dir)
	c := newTestCoordinator(t, mgr)
	ctx := context.Background()

	p, _ := c.InitProducerID(ctx, "billing", 0)
	if err := c.AddPartitions(ctx, "billing", p, []storage.TopicPartition{ordersP0, ordersP1}); err != nil {
		t.Fatalf("AddPartitions failed: %v", err)
	}
	c.Close()
	if err := mgr.Close(); err != nil {
		t.Fatalf("manager close failed: %v", err)
	}

	mgr2 := newTestManager(t, dir)
	defer mgr2.Close()
	c2 := newTestCoordinator(t, mgr2)

	snap, ok := c2.Describe("billing")
	if !ok {
		t.Fatal("transaction lost across restart")
	}
	if snap.State != "Ongoing" {
		t.Errorf("replayed state = %s, want Ongoing", snap.State)
	}
	if len(snap.Partitions) != 2 {
		t.Errorf("replayed partitions = %d, want 2", len(snap.Partitions))
	}

	// The identity survives: a re-init bumps the epoch on the same pid.
	fresh, err := c2.InitProducerID(ctx, "billing", 0)
	if err != nil {
		t.Fatalf("re-init after restart failed: %v", err)
	}
	if fresh.ID != p.ID {
		t.Errorf("pid after restart = %d, want %d", fresh.ID, p.ID)
	}
	if fresh.Epoch != p.Epoch+1 {
		t.Errorf("epoch after restart = %d, want %d", fresh.Epoch, p.Epoch+1)
	}
}

func TestIsolationRebuild(t *testing.T) {
	mgr := newTestManager(t, t.TempDir())
	defer mgr.Close()
	c := newTestCoordinator(t, mgr)
	ctx := context.Background()

	log0, _ := mgr.GetLog(ordersP0)
	log0.Append(storage.NewRecord(nil, []byte("plain")))

	// One committed, one aborted, one left open.
	committed, _ := c.InitProducerID(ctx, "committed-svc", 0)
	c.AddPartitions(ctx, "committed-svc", committed, []storage.TopicPartition{ordersP0})
	appendTxnRecord(t, c, mgr, ordersP0, committed, "kept")
	if err := c.End(ctx, "committed-svc", committed, true); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	abortedP, _ := c.InitProducerID(ctx, "aborted-svc", 0)
	c.AddPartitions(ctx, "aborted-svc", abortedP, []storage.TopicPartition{ordersP0})
	appendTxnRecord(t, c, mgr, ordersP0, abortedP, "dropped")
	if err := c.End(ctx, "aborted-svc", abortedP, false); err != nil {
		t.Fatalf("abort failed: %v", err)
	}

	open, _ := c.InitProducerID(ctx, "open-svc", 0)
	c.AddPartitions(ctx, "open-svc", open, []storage.TopicPartition{ordersP0})
	openOffset := appendTxnRecord(t, c, mgr, ordersP0, open, "pending")

	// A fresh index rebuilt purely from the log reaches the same answers.
	rebuilt := NewIsolationIndex()
	if err := rebuilt.Rebuild(ordersP0, log0); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	if lso := rebuilt.LastStableOffset(ordersP0, log0.NextOffset()); lso != openOffset {
		t.Errorf("rebuilt LSO = %d, want %d", lso, openOffset)
	}

	records, _ := log0.ReadFrom(0, 100)
	visible := rebuilt.FilterCommitted(ordersP0, records)
	values := make([]string, 0, len(visible))
	for _, rec := range visible {
		values = append(values, string(rec.Value))
	}
	want := map[string]bool{"plain": true, "kept": true, "pending": true}
	if len(values) != 3 {
		t.Fatalf("visible = %v, want plain/kept/pending", values)
	}
	for _, v := range values {
		if !want[v] {
			t.Errorf("unexpected visible record %q", v)
		}
	}
}
