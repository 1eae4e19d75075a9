// =============================================================================
// LOG - THE APPEND-ONLY RECORD LOG FOR ONE PARTITION
// =============================================================================
//
// A Log is an ordered list of segments plus one active (writable) segment:
//
//   ┌──────────┐ ┌──────────┐ ┌──────────┐ ┌────────────┐
//   │ sealed   │ │ sealed   │ │ sealed   │ │ ACTIVE     │◄── appends
//   │ 0..999   │ │1000..1999│ │2000..2999│ │ 3000..     │
//   └──────────┘ └──────────┘ └──────────┘ └────────────┘
//        ▲
//        └── startOffset moves right as retention deletes old segments
//
// Offsets are dense and monotonically increasing on the normal append path.
// Compacted segments may contain gaps; readers handle them by returning the
// next record at or after the requested offset.
//
// =============================================================================

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrLogClosed means an operation was attempted on a closed log.
	ErrLogClosed = errors.New("log is closed")

	// ErrOffsetOutOfRange means the requested offset is below the log start
	// offset or at/after the log end offset.
	ErrOffsetOutOfRange = errors.New("offset out of range")
)

// Log is the full record log for a single partition.
//
// The lock covers the segment list and the active segment pointer. Segment
// internals have their own locks, so reads of sealed segments proceed
// without holding the log lock for the disk I/O.
type Log struct {
	dir    string
	config SegmentConfig

	mu sync.RWMutex

	// segments is ordered by base offset; the last entry is active.
	segments []*Segment
	active   *Segment

	// startOffset is the oldest offset still retained.
	startOffset int64

	closed bool
}

// LogConfig bundles the per-partition log settings.
type LogConfig struct {
	Segment SegmentConfig

	// RetentionAge deletes segments whose newest record is older than this.
	// Zero disables age-based retention.
	RetentionAge time.Duration

	// RetentionBytes caps total log size. Zero disables size-based retention.
	RetentionBytes int64
}

// NewLog opens the log in dir, recovering any existing segments. A fresh
// directory starts with a single empty segment at offset 0.
func NewLog(dir string, config SegmentConfig) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	baseOffsets, err := listSegmentBaseOffsets(dir)
	if err != nil {
		return nil, err
	}

	l := &Log{dir: dir, config: config}

	if len(baseOffsets) == 0 {
		seg, err := NewSegment(dir, 0, config)
		if err != nil {
			return nil, err
		}
		l.segments = []*Segment{seg}
		l.active = seg
		return l, nil
	}

	for i, base := range baseOffsets {
		seg, err := LoadSegment(dir, base, config)
		if err != nil {
			return nil, fmt.Errorf("load segment %d: %w", base, err)
		}
		if i < len(baseOffsets)-1 {
			if err := seg.Seal(); err != nil {
				return nil, err
			}
		}
		l.segments = append(l.segments, seg)
	}

	l.active = l.segments[len(l.segments)-1]
	l.startOffset = l.segments[0].BaseOffset()
	return l, nil
}

// listSegmentBaseOffsets returns the base offsets of all .log files in dir,
// sorted ascending.
func listSegmentBaseOffsets(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read log directory: %w", err)
	}

	var bases []int64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		base, err := strconv.ParseInt(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			continue // not a segment file
		}
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Append writes the record to the active segment, assigning it the next
// offset, and returns that offset. Rolls to a new segment when the active
// one is full.
func (l *Log) Append(r *Record) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	if l.active.ShouldRoll() {
		if err := l.rollLocked(); err != nil {
			return 0, err
		}
	}

	offset, err := l.active.Append(r)
	if errors.Is(err, ErrSegmentFull) {
		if err := l.rollLocked(); err != nil {
			return 0, err
		}
		offset, err = l.active.Append(r)
	}
	if err != nil {
		return 0, err
	}
	return offset, nil
}

// AppendAt writes a record preserving its stamped offset. Followers use it
// to mirror the leader's log byte for byte at the offset level.
func (l *Log) AppendAt(r *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	if l.active.ShouldRoll() {
		if err := l.rollAtLocked(r.Offset); err != nil {
			return err
		}
	}

	err := l.active.AppendAt(r)
	if errors.Is(err, ErrSegmentFull) {
		if err := l.rollAtLocked(r.Offset); err != nil {
			return err
		}
		err = l.active.AppendAt(r)
	}
	return err
}

// rollLocked seals the active segment and opens a new one at the next
// offset. Caller holds the write lock.
func (l *Log) rollLocked() error {
	return l.rollAtLocked(l.active.NextOffset())
}

func (l *Log) rollAtLocked(baseOffset int64) error {
	if err := l.active.Seal(); err != nil {
		return fmt.Errorf("seal active segment: %w", err)
	}

	seg, err := NewSegment(l.dir, baseOffset, l.config)
	if err != nil {
		return fmt.Errorf("roll segment: %w", err)
	}

	l.segments = append(l.segments, seg)
	l.active = seg
	return nil
}

// Sync flushes all segments to disk.
func (l *Log) Sync() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrLogClosed
	}
	return l.active.Sync()
}

// =============================================================================
// READS
// =============================================================================

// ReadFrom returns up to maxRecords records starting at startOffset,
// possibly spanning segments. An offset below the log start or at/after the
// log end returns ErrOffsetOutOfRange. Reading exactly at the log end
// returns an empty batch (a consumer caught up to the tail).
func (l *Log) ReadFrom(startOffset int64, maxRecords int) ([]*Record, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrLogClosed
	}

	logStart := l.startOffset
	logEnd := l.active.NextOffset()
	segments := make([]*Segment, len(l.segments))
	copy(segments, l.segments)
	l.mu.RUnlock()

	if startOffset == logEnd {
		return nil, nil
	}
	if startOffset < logStart || startOffset > logEnd {
		return nil, fmt.Errorf("%w: offset %d, log range [%d, %d)", ErrOffsetOutOfRange, startOffset, logStart, logEnd)
	}

	// Find the first segment that can contain startOffset: the last one
	// with baseOffset <= startOffset.
	idx := sort.Search(len(segments), func(i int) bool {
		return segments[i].BaseOffset() > startOffset
	}) - 1
	if idx < 0 {
		idx = 0
	}

	var records []*Record
	for ; idx < len(segments); idx++ {
		remaining := 0
		if maxRecords > 0 {
			remaining = maxRecords - len(records)
			if remaining <= 0 {
				break
			}
		}

		batch, err := segments[idx].ReadFrom(startOffset, remaining)
		if err != nil {
			return nil, err
		}
		records = append(records, batch...)
		if len(batch) > 0 {
			startOffset = batch[len(batch)-1].Offset + 1
		}
	}

	return records, nil
}

// Read returns the record at or after the given offset (compacted regions
// have gaps). Returns ErrOffsetOutOfRange past the log end.
func (l *Log) Read(offset int64) (*Record, error) {
	records, err := l.ReadFrom(offset, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: offset %d", ErrOffsetOutOfRange, offset)
	}
	return records[0], nil
}

// OffsetForTimestamp returns the first offset whose record timestamp is at
// or after target. Returns the log end offset when nothing is that recent.
func (l *Log) OffsetForTimestamp(target int64) (int64, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return 0, ErrLogClosed
	}
	segments := make([]*Segment, len(l.segments))
	copy(segments, l.segments)
	logEnd := l.active.NextOffset()
	l.mu.RUnlock()

	for _, seg := range segments {
		if seg.MaxTimestamp() < target && seg != segments[len(segments)-1] {
			continue
		}
		offset, err := seg.OffsetForTimestamp(target)
		if err == nil {
			return offset, nil
		}
		if !errors.Is(err, ErrTimestampNotFound) {
			return 0, err
		}
	}
	return logEnd, nil
}

// =============================================================================
// TRUNCATION AND RETENTION
// =============================================================================

// TruncateTo removes every record with offset > limit. A new leader calls
// this to cut its log back to the high watermark before serving.
func (l *Log) TruncateTo(limit int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	// Drop whole segments that start past the limit.
	for len(l.segments) > 1 {
		last := l.segments[len(l.segments)-1]
		if last.BaseOffset() <= limit {
			break
		}
		if err := last.Delete(); err != nil {
			return fmt.Errorf("delete segment %d: %w", last.BaseOffset(), err)
		}
		l.segments = l.segments[:len(l.segments)-1]
	}

	last := l.segments[len(l.segments)-1]
	if last.BaseOffset() > limit {
		// Every record is gone; restart the log at the truncation point.
		if err := last.Delete(); err != nil {
			return fmt.Errorf("delete segment %d: %w", last.BaseOffset(), err)
		}
		seg, err := NewSegment(l.dir, limit+1, l.config)
		if err != nil {
			return err
		}
		l.segments = []*Segment{seg}
		l.active = seg
		if l.startOffset > limit+1 {
			l.startOffset = limit + 1
		}
		return nil
	}

	if err := last.Truncate(limit); err != nil {
		return err
	}

	// The surviving tail segment becomes writable again.
	if last.IsSealed() {
		reopened, err := l.reopenLocked(last)
		if err != nil {
			return err
		}
		l.segments[len(l.segments)-1] = reopened
		last = reopened
	}
	l.active = last
	return nil
}

// reopenLocked replaces a sealed segment with a writable reload of it.
func (l *Log) reopenLocked(seg *Segment) (*Segment, error) {
	base := seg.BaseOffset()
	if err := seg.Close(); err != nil {
		return nil, err
	}
	return LoadSegment(l.dir, base, l.config)
}

// DeleteSegmentsBefore deletes sealed segments whose records all fall below
// offset, advancing the log start offset. The active segment is never
// deleted. Returns the number of segments removed.
func (l *Log) DeleteSegmentsBefore(offset int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	deleted := 0
	for len(l.segments) > 1 {
		seg := l.segments[0]
		next := l.segments[1]
		if next.BaseOffset() > offset {
			break
		}
		if err := seg.Delete(); err != nil {
			return deleted, fmt.Errorf("delete segment %d: %w", seg.BaseOffset(), err)
		}
		l.segments = l.segments[1:]
		deleted++
	}

	if deleted > 0 {
		l.startOffset = l.segments[0].BaseOffset()
	}
	return deleted, nil
}

// ApplyRetention deletes expired or excess sealed segments. protectOffset
// is the high watermark: age-based retention never deletes a segment
// containing records at or above it, so undelivered committed data
// survives. Size-based retention may override that protection when the
// log exceeds the byte cap. Returns the number of segments deleted.
func (l *Log) ApplyRetention(cfg LogConfig, protectOffset int64, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	deleted := 0

	// Age: delete leading sealed segments whose newest record is past the
	// window, unless they still hold records at or above protectOffset.
	if cfg.RetentionAge > 0 {
		cutoff := now.Add(-cfg.RetentionAge).UnixMilli()
		for len(l.segments) > 1 {
			seg := l.segments[0]
			if seg.MaxTimestamp() >= cutoff {
				break
			}
			if seg.NextOffset() > protectOffset {
				break
			}
			if err := seg.Delete(); err != nil {
				return deleted, err
			}
			l.segments = l.segments[1:]
			deleted++
		}
	}

	// Size: if still over the cap, delete oldest-first regardless of the
	// watermark protection. The active segment always survives.
	if cfg.RetentionBytes > 0 {
		total := int64(0)
		for _, seg := range l.segments {
			total += seg.Size()
		}
		for total > cfg.RetentionBytes && len(l.segments) > 1 {
			seg := l.segments[0]
			total -= seg.Size()
			if err := seg.Delete(); err != nil {
				return deleted, err
			}
			l.segments = l.segments[1:]
			deleted++
		}
	}

	if deleted > 0 {
		l.startOffset = l.segments[0].BaseOffset()
	}
	return deleted, nil
}

// ReplaceSegments swaps a run of sealed segments for their compacted
// replacement, whose closed files sit in tmpDir under the same base offset.
// Under the log lock the old segment files are deleted, the replacement
// files renamed into place, and the segment reloaded. Used only by the
// compactor.
func (l *Log) ReplaceSegments(tmpDir string, baseOffset int64, replaced []*Segment) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	old := make(map[int64]bool, len(replaced))
	for _, seg := range replaced {
		old[seg.BaseOffset()] = true
	}
	for _, seg := range l.segments {
		if old[seg.BaseOffset()] {
			delete(old, seg.BaseOffset())
		}
	}
	if len(old) > 0 {
		return fmt.Errorf("replaced segments not found in log")
	}

	for _, seg := range replaced {
		if err := seg.Delete(); err != nil {
			return fmt.Errorf("delete compacted segment %d: %w", seg.BaseOffset(), err)
		}
	}

	for _, name := range []string{
		SegmentFileName(baseOffset),
		IndexFileName(baseOffset),
		TimeIndexFileName(baseOffset),
	} {
		if err := os.Rename(filepath.Join(tmpDir, name), filepath.Join(l.dir, name)); err != nil {
			return fmt.Errorf("move compacted %s: %w", name, err)
		}
	}

	replacement, err := LoadSegment(l.dir, baseOffset, l.config)
	if err != nil {
		return fmt.Errorf("reload compacted segment: %w", err)
	}
	if err := replacement.Seal(); err != nil {
		return err
	}

	removed := make(map[int64]bool, len(replaced))
	for _, seg := range replaced {
		removed[seg.BaseOffset()] = true
	}

	var rebuilt []*Segment
	inserted := false
	for _, seg := range l.segments {
		if removed[seg.BaseOffset()] {
			if !inserted {
				rebuilt = append(rebuilt, replacement)
				inserted = true
			}
			continue
		}
		rebuilt = append(rebuilt, seg)
	}

	l.segments = rebuilt
	l.startOffset = l.segments[0].BaseOffset()
	return nil
}

// =============================================================================
// METADATA
// =============================================================================

// StartOffset returns the oldest retained offset.
func (l *Log) StartOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.startOffset
}

// NextOffset returns the log end offset (one past the newest record).
func (l *Log) NextOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active.NextOffset()
}

// Size returns the total bytes across all segments.
func (l *Log) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, seg := range l.segments {
		total += seg.Size()
	}
	return total
}

// SegmentCount returns the number of segments, active included.
func (l *Log) SegmentCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.segments)
}

// SealedSegments returns the sealed segments oldest first. The compactor
// uses this to pick its work set; the active segment never appears.
func (l *Log) SealedSegments() []*Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Segment, 0, len(l.segments)-1)
	for _, seg := range l.segments[:len(l.segments)-1] {
		out = append(out, seg)
	}
	return out
}

// Dir returns the log's directory.
func (l *Log) Dir() string {
	return l.dir
}

// Close closes every segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	for _, seg := range l.segments {
		if err := seg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveAll closes the log and deletes its directory. Used when a partition
// is taken offline permanently or a topic is deleted.
func (l *Log) RemoveAll() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.RemoveAll(l.dir)
}

// A Backend is the minimal log surface the coordination layers depend on.
// The disk log is the production implementation; tests use the in-memory
// backend from memory.go.
type Backend interface {
	Append(r *Record) (int64, error)
	AppendAt(r *Record) error
	ReadFrom(startOffset int64, maxRecords int) ([]*Record, error)
	TruncateTo(limit int64) error
	StartOffset() int64
	NextOffset() int64
	Size() int64
	Close() error
}

var _ Backend = (*Log)(nil)
