// =============================================================================
// TIME INDEX - TIMESTAMP → OFFSET LOOKUP
// =============================================================================
//
// The time index answers "what offset was current at time T?". Retention by
// age and time-based consumer seeks both need it. Like the offset index it is
// sparse: one entry per index interval of log data, binary-searched in
// memory.
//
// ENTRY FORMAT (fixed width):
// ┌──────────────────────────────────────────┐
// │ Timestamp (8 bytes) │ Offset (8 bytes)   │
// └──────────────────────────────────────────┘
//
// Timestamps within a partition are expected to be non-decreasing because
// the broker assigns them at append time; entries that would go backwards
// are skipped rather than rejected.
//
// =============================================================================

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// TimeIndexEntrySize is the fixed width of one entry: timestamp(8) + offset(8).
const TimeIndexEntrySize = 16

// ErrTimestampNotFound means no indexed entry covers the requested time.
var ErrTimestampNotFound = errors.New("timestamp not found in time index")

// TimeIndexEntry maps a timestamp to the offset current at that time.
type TimeIndexEntry struct {
	Timestamp int64
	Offset    int64
}

// TimeIndex provides sparse timestamp-to-offset lookup for one segment.
type TimeIndex struct {
	path       string
	baseOffset int64
	file       *os.File
	entries    []TimeIndexEntry

	interval       int64
	bytesSinceLast int64

	mu     sync.RWMutex
	closed bool
}

// TimeIndexFileName returns the time index filename for a segment base offset.
func TimeIndexFileName(baseOffset int64) string {
	return fmt.Sprintf("%020d.timeindex", baseOffset)
}

// NewTimeIndex creates an empty time index file for a segment.
func NewTimeIndex(path string, baseOffset int64, intervalBytes int64) (*TimeIndex, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create time index file: %w", err)
	}
	if intervalBytes <= 0 {
		intervalBytes = DefaultIndexIntervalBytes
	}
	return &TimeIndex{
		path:       path,
		baseOffset: baseOffset,
		file:       file,
		interval:   intervalBytes,
	}, nil
}

// LoadTimeIndex opens an existing time index and reads all entries into
// memory. Malformed files return ErrIndexCorrupted so the caller rebuilds.
func LoadTimeIndex(path string, baseOffset int64, intervalBytes int64) (*TimeIndex, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open time index file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat time index file: %w", err)
	}
	if stat.Size()%TimeIndexEntrySize != 0 {
		file.Close()
		return nil, fmt.Errorf("%w: time index size %d is not a multiple of %d",
			ErrIndexCorrupted, stat.Size(), TimeIndexEntrySize)
	}

	if intervalBytes <= 0 {
		intervalBytes = DefaultIndexIntervalBytes
	}

	entryCount := int(stat.Size() / TimeIndexEntrySize)
	entries := make([]TimeIndexEntry, 0, entryCount)

	buf := make([]byte, TimeIndexEntrySize)
	for i := 0; i < entryCount; i++ {
		if _, err := io.ReadFull(file, buf); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: short read at time entry %d", ErrIndexCorrupted, i)
		}
		entries = append(entries, TimeIndexEntry{
			Timestamp: int64(binary.BigEndian.Uint64(buf[0:8])),
			Offset:    int64(binary.BigEndian.Uint64(buf[8:16])),
		})
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek time index end: %w", err)
	}

	return &TimeIndex{
		path:       path,
		baseOffset: baseOffset,
		file:       file,
		entries:    entries,
		interval:   intervalBytes,
	}, nil
}

// MaybeAppend adds an entry if enough log bytes have accumulated since the
// last one. Returns true if an entry was added.
func (ti *TimeIndex) MaybeAppend(timestamp, offset int64, recordSize int64) (bool, error) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	if ti.closed {
		return false, fmt.Errorf("time index %s is closed", ti.path)
	}

	ti.bytesSinceLast += recordSize
	if len(ti.entries) > 0 {
		if ti.bytesSinceLast < ti.interval {
			return false, nil
		}
		// Never index a timestamp that goes backwards.
		if timestamp <= ti.entries[len(ti.entries)-1].Timestamp {
			return false, nil
		}
	}

	buf := make([]byte, TimeIndexEntrySize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(timestamp))
	binary.BigEndian.PutUint64(buf[8:16], uint64(offset))
	if _, err := ti.file.Write(buf); err != nil {
		return false, fmt.Errorf("write time index entry: %w", err)
	}

	ti.entries = append(ti.entries, TimeIndexEntry{Timestamp: timestamp, Offset: offset})
	ti.bytesSinceLast = 0
	return true, nil
}

// Lookup returns the offset of the last entry with timestamp ≤ target.
func (ti *TimeIndex) Lookup(target int64) (int64, error) {
	ti.mu.RLock()
	defer ti.mu.RUnlock()

	if len(ti.entries) == 0 {
		return 0, ErrTimestampNotFound
	}

	i := sort.Search(len(ti.entries), func(i int) bool {
		return ti.entries[i].Timestamp > target
	})
	if i == 0 {
		return 0, ErrTimestampNotFound
	}
	return ti.entries[i-1].Offset, nil
}

// FirstTimestamp returns the earliest indexed timestamp.
func (ti *TimeIndex) FirstTimestamp() (int64, error) {
	ti.mu.RLock()
	defer ti.mu.RUnlock()

	if len(ti.entries) == 0 {
		return 0, ErrTimestampNotFound
	}
	return ti.entries[0].Timestamp, nil
}

// LastTimestamp returns the latest indexed timestamp.
func (ti *TimeIndex) LastTimestamp() (int64, error) {
	ti.mu.RLock()
	defer ti.mu.RUnlock()

	if len(ti.entries) == 0 {
		return 0, ErrTimestampNotFound
	}
	return ti.entries[len(ti.entries)-1].Timestamp, nil
}

// TruncateTo drops all entries with offset > limit.
func (ti *TimeIndex) TruncateTo(limit int64) error {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	if ti.closed {
		return fmt.Errorf("time index %s is closed", ti.path)
	}

	keep := sort.Search(len(ti.entries), func(i int) bool {
		return ti.entries[i].Offset > limit
	})
	if keep == len(ti.entries) {
		return nil
	}

	ti.entries = ti.entries[:keep]
	if err := ti.file.Truncate(int64(keep) * TimeIndexEntrySize); err != nil {
		return fmt.Errorf("truncate time index: %w", err)
	}
	if _, err := ti.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek time index end: %w", err)
	}
	return nil
}

// Sync flushes the time index file to disk.
func (ti *TimeIndex) Sync() error {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	if ti.closed {
		return nil
	}
	return ti.file.Sync()
}

// Close releases the time index file handle.
func (ti *TimeIndex) Close() error {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	if ti.closed {
		return nil
	}
	ti.closed = true
	return ti.file.Close()
}
