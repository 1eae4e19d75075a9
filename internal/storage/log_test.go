package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func testLogConfig() SegmentConfig {
	return SegmentConfig{
		MaxSegmentBytes:    400, // small so tests roll quickly
		IndexIntervalBytes: 1,
		SyncInterval:       time.Hour,
	}
}

func appendN(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		r := NewRecord([]byte(fmt.Sprintf("key-%d", i%3)), []byte(fmt.Sprintf("value-%d", i)))
		if _, err := l.Append(r); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
}

func TestLogAppendRollsSegments(t *testing.T) {
	l, err := NewLog(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	defer l.Close()

	appendN(t, l, 50)

	if l.NextOffset() != 50 {
		t.Errorf("NextOffset = %d, want 50", l.NextOffset())
	}
	if l.SegmentCount() < 2 {
		t.Errorf("SegmentCount = %d, want rollover to have happened", l.SegmentCount())
	}
}

func TestLogReadAcrossSegments(t *testing.T) {
	l, err := NewLog(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	defer l.Close()

	appendN(t, l, 50)

	records, err := l.ReadFrom(0, 0)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(records) != 50 {
		t.Fatalf("read %d records, want 50", len(records))
	}
	for i, rec := range records {
		if rec.Offset != int64(i) {
			t.Fatalf("records[%d].Offset = %d, want %d", i, rec.Offset, i)
		}
	}

	// A bounded read spanning a segment boundary.
	mid, err := l.ReadFrom(5, 20)
	if err != nil {
		t.Fatalf("ReadFrom(5, 20) failed: %v", err)
	}
	if len(mid) != 20 || mid[0].Offset != 5 || mid[19].Offset != 24 {
		t.Fatalf("bounded read = %d records [%d..%d], want 20 [5..24]",
			len(mid), mid[0].Offset, mid[len(mid)-1].Offset)
	}
}

func TestLogReadBounds(t *testing.T) {
	l, err := NewLog(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	defer l.Close()

	appendN(t, l, 10)

	// At the tail: empty batch, no error.
	records, err := l.ReadFrom(10, 100)
	if err != nil {
		t.Fatalf("ReadFrom at tail failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("read at tail = %d records, want 0", len(records))
	}

	// Past the tail: out of range.
	if _, err := l.ReadFrom(11, 1); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("ReadFrom(11) = %v, want ErrOffsetOutOfRange", err)
	}
}

func TestLogRecovery(t *testing.T) {
	dir := t.TempDir()
	config := testLogConfig()

	l, err := NewLog(dir, config)
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	appendN(t, l, 30)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	recovered, err := NewLog(dir, config)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	defer recovered.Close()

	if recovered.NextOffset() != 30 {
		t.Errorf("NextOffset = %d, want 30", recovered.NextOffset())
	}

	offset, err := recovered.Append(NewRecord(nil, []byte("after-restart")))
	if err != nil {
		t.Fatalf("Append after recovery failed: %v", err)
	}
	if offset != 30 {
		t.Errorf("offset = %d, want 30", offset)
	}

	rec, err := recovered.Read(12)
	if err != nil {
		t.Fatalf("Read(12) failed: %v", err)
	}
	if string(rec.Value) != "value-12" {
		t.Errorf("Value = %q, want value-12", rec.Value)
	}
}

func TestLogTruncateTo(t *testing.T) {
	l, err := NewLog(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	defer l.Close()

	appendN(t, l, 50)

	if err := l.TruncateTo(22); err != nil {
		t.Fatalf("TruncateTo failed: %v", err)
	}

	if l.NextOffset() != 23 {
		t.Errorf("NextOffset = %d, want 23", l.NextOffset())
	}
	if _, err := l.ReadFrom(30, 1); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("read past truncation = %v, want ErrOffsetOutOfRange", err)
	}

	// The log accepts fresh appends at the cut point.
	offset, err := l.Append(NewRecord(nil, []byte("post-truncate")))
	if err != nil {
		t.Fatalf("Append after truncate failed: %v", err)
	}
	if offset != 23 {
		t.Errorf("offset = %d, want 23", offset)
	}
}

func TestLogTruncateToEverything(t *testing.T) {
	l, err := NewLog(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	defer l.Close()

	appendN(t, l, 10)

	if err := l.TruncateTo(-1); err != nil {
		t.Fatalf("TruncateTo(-1) failed: %v", err)
	}
	if l.NextOffset() != 0 {
		t.Errorf("NextOffset = %d, want 0", l.NextOffset())
	}
}

func TestLogDeleteSegmentsBefore(t *testing.T) {
	l, err := NewLog(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	defer l.Close()

	appendN(t, l, 50)
	before := l.SegmentCount()

	deleted, err := l.DeleteSegmentsBefore(25)
	if err != nil {
		t.Fatalf("DeleteSegmentsBefore failed: %v", err)
	}
	if deleted == 0 {
		t.Fatal("no segments deleted")
	}
	if l.SegmentCount() != before-deleted {
		t.Errorf("SegmentCount = %d, want %d", l.SegmentCount(), before-deleted)
	}
	if l.StartOffset() == 0 {
		t.Error("StartOffset still 0 after deletion")
	}
	if l.StartOffset() > 25 {
		t.Errorf("StartOffset = %d, deleted past the requested offset", l.StartOffset())
	}

	// Reading below the new start offset fails.
	if _, err := l.ReadFrom(0, 1); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("read below start = %v, want ErrOffsetOutOfRange", err)
	}
}

func TestLogRetentionProtectsWatermark(t *testing.T) {
	l, err := NewLog(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	defer l.Close()

	appendN(t, l, 50)

	// Every record is "old", but the watermark sits at offset 10: segments
	// holding records >= 10 must survive age retention.
	cfg := LogConfig{RetentionAge: time.Millisecond}
	future := time.Now().Add(time.Hour)

	_, err = l.ApplyRetention(cfg, 10, future)
	if err != nil {
		t.Fatalf("ApplyRetention failed: %v", err)
	}
	if l.StartOffset() > 10 {
		t.Errorf("StartOffset = %d, retention deleted records above the watermark", l.StartOffset())
	}

	// With the watermark at the tail, everything sealed may go.
	_, err = l.ApplyRetention(cfg, l.NextOffset(), future)
	if err != nil {
		t.Fatalf("ApplyRetention failed: %v", err)
	}
	if l.SegmentCount() != 1 {
		t.Errorf("SegmentCount = %d, want only the active segment", l.SegmentCount())
	}
}

func TestLogRetentionBySize(t *testing.T) {
	l, err := NewLog(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	defer l.Close()

	appendN(t, l, 50)

	cfg := LogConfig{RetentionBytes: 900}
	if _, err := l.ApplyRetention(cfg, 0, time.Now()); err != nil {
		t.Fatalf("ApplyRetention failed: %v", err)
	}
	if l.Size() > 900+int64(testLogConfig().MaxSegmentBytes) {
		t.Errorf("Size = %d after size retention", l.Size())
	}
	if l.SegmentCount() < 1 {
		t.Error("active segment deleted")
	}
}

func TestLogOffsetForTimestamp(t *testing.T) {
	l, err := NewLog(t.TempDir(), testLogConfig())
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	defer l.Close()

	base := time.Now().UnixMilli()
	for i := 0; i < 30; i++ {
		r := NewRecord(nil, []byte(fmt.Sprintf("v%d", i)))
		r.Timestamp = base + int64(i)*1000
		if _, err := l.Append(r); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	offset, err := l.OffsetForTimestamp(base + 14500)
	if err != nil {
		t.Fatalf("OffsetForTimestamp failed: %v", err)
	}
	if offset != 15 {
		t.Errorf("offset = %d, want 15", offset)
	}

	// Nothing that recent: the log end offset.
	offset, err = l.OffsetForTimestamp(base + 10_000_000)
	if err != nil {
		t.Fatalf("OffsetForTimestamp failed: %v", err)
	}
	if offset != 30 {
		t.Errorf("offset = %d, want log end 30", offset)
	}
}

func TestMemoryLogMatchesDiskSemantics(t *testing.T) {
	m := NewMemoryLog()
	defer m.Close()

	for i := 0; i < 10; i++ {
		offset, err := m.Append(NewRecord(nil, []byte(fmt.Sprintf("v%d", i))))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if offset != int64(i) {
			t.Fatalf("offset = %d, want %d", offset, i)
		}
	}

	records, err := m.ReadFrom(4, 3)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(records) != 3 || records[0].Offset != 4 {
		t.Fatalf("ReadFrom = %d records from %d, want 3 from 4", len(records), records[0].Offset)
	}

	// Tail read is empty, past-tail is out of range.
	if recs, err := m.ReadFrom(10, 1); err != nil || len(recs) != 0 {
		t.Errorf("tail read = (%v, %v), want empty", recs, err)
	}
	if _, err := m.ReadFrom(11, 1); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("past tail = %v, want ErrOffsetOutOfRange", err)
	}

	if err := m.TruncateTo(6); err != nil {
		t.Fatalf("TruncateTo failed: %v", err)
	}
	if m.NextOffset() != 7 {
		t.Errorf("NextOffset = %d, want 7", m.NextOffset())
	}

	gap := NewRecord(nil, []byte("g"))
	gap.Offset = 9
	if err := m.AppendAt(gap); err != nil {
		t.Fatalf("AppendAt failed: %v", err)
	}
	if m.NextOffset() != 10 {
		t.Errorf("NextOffset = %d, want 10", m.NextOffset())
	}
}
