// =============================================================================
// SEGMENT - ONE CONTIGUOUS CHUNK OF A PARTITION LOG
// =============================================================================
//
// The log is split into segment files instead of one giant file:
//
//   1. RETENTION - expiring old data is "delete old segment files", not
//      "rewrite one huge file".
//   2. RECOVERY - a corrupt tail costs at most one segment of scanning.
//   3. BOUNDED FILES - segments roll at a configured size or age.
//
// Files are named by base offset, 20-digit zero-padded so lexicographic
// order equals numeric order:
//
//   00000000000000000000.log        records
//   00000000000000000000.index      sparse offset → position
//   00000000000000000000.timeindex  sparse timestamp → offset
//
// LIFECYCLE:
//
//   ┌─────────────┐  size/age limit ┌─────────────┐  retention  ┌─────────┐
//   │   ACTIVE    │ ──────────────► │   SEALED    │ ──────────► │ DELETED │
//   │ (writable)  │                 │ (read-only) │             │         │
//   └─────────────┘                 └─────────────┘             └─────────┘
//
// Exactly one segment per partition is active; sealed segments are immutable
// (except truncation during leader-change recovery).
//
// =============================================================================

package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxSegmentBytes is the default segment roll size.
	DefaultMaxSegmentBytes = 64 * 1024 * 1024

	// DefaultSyncInterval is how often appends fsync. 0 means every write.
	DefaultSyncInterval = time.Second
)

var (
	// ErrSegmentFull means the segment reached its size limit; the caller
	// rolls to a new segment. Never surfaced outside the log.
	ErrSegmentFull = errors.New("segment is full")

	// ErrSegmentClosed means an operation was attempted on a closed segment.
	ErrSegmentClosed = errors.New("segment is closed")

	// ErrSegmentSealed means a write was attempted on a sealed segment.
	ErrSegmentSealed = errors.New("segment is sealed")
)

// SegmentConfig controls segment sizing and durability.
type SegmentConfig struct {
	// MaxSegmentBytes is the roll threshold by size.
	MaxSegmentBytes int64

	// MaxSegmentAge is the roll threshold by age of the first record.
	// Zero disables age-based rolling.
	MaxSegmentAge time.Duration

	// IndexIntervalBytes is the sparse index granularity.
	IndexIntervalBytes int64

	// SyncInterval is how often appends fsync. 0 syncs every write.
	SyncInterval time.Duration
}

// DefaultSegmentConfig returns the defaults used outside tests.
func DefaultSegmentConfig() SegmentConfig {
	return SegmentConfig{
		MaxSegmentBytes:    DefaultMaxSegmentBytes,
		IndexIntervalBytes: DefaultIndexIntervalBytes,
		SyncInterval:       DefaultSyncInterval,
	}
}

// Segment is one contiguous byte range of a partition log.
//
// Writes are serialized by the owning log; reads open their own file handle
// and may run concurrently with the writer.
type Segment struct {
	baseOffset int64

	// nextOffset is the next offset to assign in this segment.
	nextOffset int64

	// position is the current byte length of the data file.
	position int64

	// maxTimestamp is the largest record timestamp in the segment.
	// Retention by age uses it: a segment expires only when every record
	// in it is older than the window.
	maxTimestamp int64

	// createdAt drives age-based rolling.
	createdAt time.Time

	file      *os.File
	writer    *bufio.Writer
	index     *OffsetIndex
	timeIndex *TimeIndex

	dir    string
	config SegmentConfig

	lastSync time.Time

	mu     sync.RWMutex
	closed bool
	sealed bool
}

// SegmentFileName returns the data filename for a base offset.
func SegmentFileName(baseOffset int64) string {
	return fmt.Sprintf("%020d.log", baseOffset)
}

// NewSegment creates a fresh segment starting at baseOffset.
func NewSegment(dir string, baseOffset int64, config SegmentConfig) (*Segment, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create segment directory: %w", err)
	}

	logPath := filepath.Join(dir, SegmentFileName(baseOffset))
	file, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create segment file: %w", err)
	}

	index, err := NewOffsetIndex(filepath.Join(dir, IndexFileName(baseOffset)), baseOffset, config.IndexIntervalBytes)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("create offset index: %w", err)
	}

	timeIndex, err := NewTimeIndex(filepath.Join(dir, TimeIndexFileName(baseOffset)), baseOffset, config.IndexIntervalBytes)
	if err != nil {
		file.Close()
		index.Close()
		return nil, fmt.Errorf("create time index: %w", err)
	}

	return &Segment{
		baseOffset: baseOffset,
		nextOffset: baseOffset,
		file:       file,
		writer:     bufio.NewWriter(file),
		index:      index,
		timeIndex:  timeIndex,
		dir:        dir,
		config:     config,
		createdAt:  time.Now(),
		lastSync:   time.Now(),
	}, nil
}

// LoadSegment opens an existing segment, validating the data file record by
// record. A truncated or corrupt tail is cut back to the last valid record
// boundary so the log stays offset-consistent (data past the tear is lost).
// Corrupt or missing indexes are rebuilt from the data file.
func LoadSegment(dir string, baseOffset int64, config SegmentConfig) (*Segment, error) {
	logPath := filepath.Join(dir, SegmentFileName(baseOffset))
	file, err := os.OpenFile(logPath, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open segment file: %w", err)
	}

	index, err := LoadOffsetIndex(filepath.Join(dir, IndexFileName(baseOffset)), baseOffset, config.IndexIntervalBytes)
	if err != nil {
		file.Close()
		return rebuildSegment(dir, baseOffset, config)
	}

	timeIndex, err := LoadTimeIndex(filepath.Join(dir, TimeIndexFileName(baseOffset)), baseOffset, config.IndexIntervalBytes)
	if err != nil {
		file.Close()
		index.Close()
		return rebuildSegment(dir, baseOffset, config)
	}

	nextOffset, position, maxTimestamp, err := scanToEnd(file, baseOffset)
	if err != nil {
		file.Close()
		index.Close()
		timeIndex.Close()
		return rebuildSegment(dir, baseOffset, config)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		index.Close()
		timeIndex.Close()
		return nil, fmt.Errorf("stat segment file: %w", err)
	}

	// Cut any torn write at the tail.
	if position < stat.Size() {
		if err := file.Truncate(position); err != nil {
			file.Close()
			index.Close()
			timeIndex.Close()
			return nil, fmt.Errorf("truncate segment tail: %w", err)
		}
	}

	// Indexes may reference offsets past the valid tail.
	if err := index.TruncateTo(nextOffset - 1); err != nil {
		file.Close()
		index.Close()
		timeIndex.Close()
		return nil, err
	}
	if err := timeIndex.TruncateTo(nextOffset - 1); err != nil {
		file.Close()
		index.Close()
		timeIndex.Close()
		return nil, err
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		index.Close()
		timeIndex.Close()
		return nil, fmt.Errorf("seek segment end: %w", err)
	}

	return &Segment{
		baseOffset:   baseOffset,
		nextOffset:   nextOffset,
		position:     position,
		maxTimestamp: maxTimestamp,
		file:         file,
		writer:       bufio.NewWriter(file),
		index:        index,
		timeIndex:    timeIndex,
		dir:          dir,
		config:       config,
		createdAt:    time.Now(),
		lastSync:     time.Now(),
	}, nil
}

// scanToEnd walks the data file header by header and returns the next
// offset, the byte position after the last valid record, and the largest
// timestamp seen. Stops at the first torn or invalid record.
func scanToEnd(file *os.File, baseOffset int64) (nextOffset, position, maxTimestamp int64, err error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, 0, 0, err
	}

	reader := bufio.NewReader(file)
	nextOffset = baseOffset

	header := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			break // EOF or partial header: valid end of data
		}
		if header[0] != MagicByte1 || header[1] != MagicByte2 {
			break
		}

		keyLen := int64(binary.BigEndian.Uint16(header[38:40]))
		valueLen := int64(binary.BigEndian.Uint32(header[40:44]))
		headersLen := int64(binary.BigEndian.Uint16(header[44:46]))
		bodySize := keyLen + valueLen + headersLen

		if _, err := io.CopyN(io.Discard, reader, bodySize); err != nil {
			break // torn body
		}

		offset := int64(binary.BigEndian.Uint64(header[8:16]))
		timestamp := int64(binary.BigEndian.Uint64(header[16:24]))
		if timestamp > maxTimestamp {
			maxTimestamp = timestamp
		}

		position += int64(HeaderSize) + bodySize
		nextOffset = offset + 1
	}

	return nextOffset, position, maxTimestamp, nil
}

// rebuildSegment reconstructs both indexes by scanning the data file.
func rebuildSegment(dir string, baseOffset int64, config SegmentConfig) (*Segment, error) {
	logPath := filepath.Join(dir, SegmentFileName(baseOffset))
	indexPath := filepath.Join(dir, IndexFileName(baseOffset))
	timeIndexPath := filepath.Join(dir, TimeIndexFileName(baseOffset))

	os.Remove(indexPath)
	os.Remove(timeIndexPath)

	file, err := os.OpenFile(logPath, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open segment for rebuild: %w", err)
	}

	index, err := NewOffsetIndex(indexPath, baseOffset, config.IndexIntervalBytes)
	if err != nil {
		file.Close()
		return nil, err
	}
	timeIndex, err := NewTimeIndex(timeIndexPath, baseOffset, config.IndexIntervalBytes)
	if err != nil {
		file.Close()
		index.Close()
		return nil, err
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		index.Close()
		timeIndex.Close()
		return nil, err
	}

	reader := bufio.NewReader(file)
	var position, maxTimestamp int64
	nextOffset := baseOffset
	first := true

	header := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			break
		}
		if header[0] != MagicByte1 || header[1] != MagicByte2 {
			break
		}

		offset := int64(binary.BigEndian.Uint64(header[8:16]))
		timestamp := int64(binary.BigEndian.Uint64(header[16:24]))
		keyLen := int64(binary.BigEndian.Uint16(header[38:40]))
		valueLen := int64(binary.BigEndian.Uint32(header[40:44]))
		headersLen := int64(binary.BigEndian.Uint16(header[44:46]))
		bodySize := keyLen + valueLen + headersLen
		recordSize := int64(HeaderSize) + bodySize

		if first {
			if err := index.ForceAppend(offset, position); err != nil {
				break
			}
			first = false
		} else if _, err := index.MaybeAppend(offset, position, recordSize); err != nil {
			break
		}
		if _, err := timeIndex.MaybeAppend(timestamp, offset, recordSize); err != nil {
			break
		}

		if _, err := io.CopyN(io.Discard, reader, bodySize); err != nil {
			break
		}

		if timestamp > maxTimestamp {
			maxTimestamp = timestamp
		}
		position += recordSize
		nextOffset = offset + 1
	}

	if err := file.Truncate(position); err != nil {
		file.Close()
		index.Close()
		timeIndex.Close()
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		index.Close()
		timeIndex.Close()
		return nil, err
	}

	return &Segment{
		baseOffset:   baseOffset,
		nextOffset:   nextOffset,
		position:     position,
		maxTimestamp: maxTimestamp,
		file:         file,
		writer:       bufio.NewWriter(file),
		index:        index,
		timeIndex:    timeIndex,
		dir:          dir,
		config:       config,
		createdAt:    time.Now(),
		lastSync:     time.Now(),
	}, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Append assigns the next offset to the record and writes it.
// Returns ErrSegmentFull when the write would exceed the size limit; the
// owning log rolls and retries.
func (s *Segment) Append(r *Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSegmentClosed
	}
	if s.sealed {
		return 0, ErrSegmentSealed
	}

	r.Offset = s.nextOffset

	data, err := r.Encode()
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}

	newPosition := s.position + int64(len(data))
	if s.position > 0 && newPosition > s.config.MaxSegmentBytes {
		return 0, ErrSegmentFull
	}

	if _, err := s.writer.Write(data); err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}

	// The first record of a segment is always indexed; the rest follow the
	// sparse interval.
	if s.nextOffset == s.baseOffset {
		if err := s.index.ForceAppend(r.Offset, s.position); err != nil {
			return 0, fmt.Errorf("index first record: %w", err)
		}
	} else if _, err := s.index.MaybeAppend(r.Offset, s.position, int64(len(data))); err != nil {
		return 0, fmt.Errorf("update offset index: %w", err)
	}
	if _, err := s.timeIndex.MaybeAppend(r.Timestamp, r.Offset, int64(len(data))); err != nil {
		return 0, fmt.Errorf("update time index: %w", err)
	}

	offset := s.nextOffset
	s.nextOffset++
	s.position = newPosition
	if r.Timestamp > s.maxTimestamp {
		s.maxTimestamp = r.Timestamp
	}

	if err := s.maybeSync(); err != nil {
		return 0, fmt.Errorf("sync segment: %w", err)
	}

	return offset, nil
}

// AppendAt writes a record keeping its stamped offset. Used by followers
// copying records from the leader and by compaction rewriting survivors
// (gaps are allowed there). The offset must not go backwards.
func (s *Segment) AppendAt(r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}
	if s.sealed {
		return ErrSegmentSealed
	}
	if r.Offset < s.nextOffset {
		return fmt.Errorf("%w: offset %d below next offset %d", ErrInvalidRecord, r.Offset, s.nextOffset)
	}

	data, err := r.Encode()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	newPosition := s.position + int64(len(data))
	if s.position > 0 && newPosition > s.config.MaxSegmentBytes {
		return ErrSegmentFull
	}

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	if s.position == 0 {
		if err := s.index.ForceAppend(r.Offset, 0); err != nil {
			return fmt.Errorf("index first record: %w", err)
		}
	} else if _, err := s.index.MaybeAppend(r.Offset, s.position, int64(len(data))); err != nil {
		return fmt.Errorf("update offset index: %w", err)
	}
	if _, err := s.timeIndex.MaybeAppend(r.Timestamp, r.Offset, int64(len(data))); err != nil {
		return fmt.Errorf("update time index: %w", err)
	}

	s.nextOffset = r.Offset + 1
	s.position = newPosition
	if r.Timestamp > s.maxTimestamp {
		s.maxTimestamp = r.Timestamp
	}

	if err := s.maybeSync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	return nil
}

// maybeSync flushes the buffer and fsyncs if the sync interval has elapsed.
func (s *Segment) maybeSync() error {
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if s.config.SyncInterval == 0 || time.Since(s.lastSync) >= s.config.SyncInterval {
		if err := s.file.Sync(); err != nil {
			return err
		}
		s.lastSync = time.Now()
	}
	return nil
}

// Sync forces all buffered data and index entries to disk.
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush writer: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync data file: %w", err)
	}
	if err := s.index.Sync(); err != nil {
		return fmt.Errorf("sync offset index: %w", err)
	}
	if err := s.timeIndex.Sync(); err != nil {
		return fmt.Errorf("sync time index: %w", err)
	}
	s.lastSync = time.Now()
	return nil
}

// =============================================================================
// READS
// =============================================================================

// ReadFrom reads up to maxRecords records starting at startOffset
// (0 = no limit). Reads open a separate handle so they never disturb the
// writer's position.
func (s *Segment) ReadFrom(startOffset int64, maxRecords int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrSegmentClosed
	}

	if startOffset >= s.nextOffset {
		return nil, nil
	}
	if startOffset < s.baseOffset {
		startOffset = s.baseOffset
	}

	entry, err := s.index.Lookup(startOffset)
	if err != nil && !errors.Is(err, ErrOffsetNotFound) {
		return nil, fmt.Errorf("index lookup: %w", err)
	}

	readFile, err := os.Open(filepath.Join(s.dir, SegmentFileName(s.baseOffset)))
	if err != nil {
		return nil, fmt.Errorf("open segment for read: %w", err)
	}
	defer readFile.Close()

	if entry.Position > 0 {
		if _, err := readFile.Seek(entry.Position, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek to %d: %w", entry.Position, err)
		}
	}

	var records []*Record
	reader := bufio.NewReader(readFile)
	for {
		rec, err := readOneRecord(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		// The sparse index lands us at or before the target; skip forward.
		if rec.Offset < startOffset {
			continue
		}
		if rec.Offset >= s.nextOffset {
			break
		}

		records = append(records, rec)
		if maxRecords > 0 && len(records) >= maxRecords {
			break
		}
	}

	return records, nil
}

// Read returns the single record at the given offset.
func (s *Segment) Read(offset int64) (*Record, error) {
	if offset < s.BaseOffset() || offset >= s.NextOffset() {
		return nil, ErrOffsetNotFound
	}

	records, err := s.ReadFrom(offset, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 || records[0].Offset != offset {
		return nil, ErrOffsetNotFound
	}
	return records[0], nil
}

// OffsetForTimestamp returns the first offset with a timestamp ≥ target,
// or ErrTimestampNotFound if the segment holds nothing that recent.
func (s *Segment) OffsetForTimestamp(target int64) (int64, error) {
	start, err := s.timeIndex.Lookup(target)
	if err != nil {
		start = s.BaseOffset()
	}

	records, err := s.ReadFrom(start, 0)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		if rec.Timestamp >= target {
			return rec.Offset, nil
		}
	}
	return 0, ErrTimestampNotFound
}

// readOneRecord reads and decodes a single record from the stream.
func readOneRecord(reader *bufio.Reader) (*Record, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(reader, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	if header[0] != MagicByte1 || header[1] != MagicByte2 {
		return nil, ErrInvalidMagic
	}

	keyLen := int(binary.BigEndian.Uint16(header[38:40]))
	valueLen := int(binary.BigEndian.Uint32(header[40:44]))
	headersLen := int(binary.BigEndian.Uint16(header[44:46]))

	full := make([]byte, HeaderSize+keyLen+valueLen+headersLen)
	copy(full, header)
	if _, err := io.ReadFull(reader, full[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("read record body: %w", err)
	}

	return Decode(full)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Seal marks the segment read-only after flushing everything to disk.
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := s.index.Sync(); err != nil {
		return fmt.Errorf("sync offset index: %w", err)
	}
	if err := s.timeIndex.Sync(); err != nil {
		return fmt.Errorf("sync time index: %w", err)
	}

	s.sealed = true
	return nil
}

// Truncate removes all records with offset > limit. Used when a new leader
// cuts its log back to the previous leader's high watermark. The segment
// must contain limit (or be emptied entirely by the caller deleting it).
func (s *Segment) Truncate(limit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}
	if limit >= s.nextOffset-1 {
		return nil
	}

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush before truncate: %w", err)
	}

	// Walk from the nearest index entry to find the byte position of the
	// first record past the limit.
	entry, err := s.index.Lookup(limit)
	if err != nil {
		entry = IndexEntry{Offset: s.baseOffset, Position: 0}
	}

	readFile, err := os.Open(filepath.Join(s.dir, SegmentFileName(s.baseOffset)))
	if err != nil {
		return fmt.Errorf("open segment for truncate scan: %w", err)
	}
	defer readFile.Close()

	if _, err := readFile.Seek(entry.Position, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}

	reader := bufio.NewReader(readFile)
	position := entry.Position
	newMax := int64(0)
	header := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			break
		}
		offset := int64(binary.BigEndian.Uint64(header[8:16]))
		timestamp := int64(binary.BigEndian.Uint64(header[16:24]))
		keyLen := int64(binary.BigEndian.Uint16(header[38:40]))
		valueLen := int64(binary.BigEndian.Uint32(header[40:44]))
		headersLen := int64(binary.BigEndian.Uint16(header[44:46]))
		bodySize := keyLen + valueLen + headersLen

		if offset > limit {
			break
		}
		if _, err := io.CopyN(io.Discard, reader, bodySize); err != nil {
			break
		}
		if timestamp > newMax {
			newMax = timestamp
		}
		position += int64(HeaderSize) + bodySize
	}

	if err := s.file.Truncate(position); err != nil {
		return fmt.Errorf("truncate data file: %w", err)
	}
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek end: %w", err)
	}
	if err := s.index.TruncateTo(limit); err != nil {
		return err
	}
	if err := s.timeIndex.TruncateTo(limit); err != nil {
		return err
	}

	s.position = position
	s.nextOffset = limit + 1
	s.maxTimestamp = newMax
	s.writer.Reset(s.file)
	return nil
}

// Close releases all file handles.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	var errs []error
	if err := s.writer.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close data file: %w", err))
	}
	if err := s.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close offset index: %w", err))
	}
	if err := s.timeIndex.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close time index: %w", err))
	}

	s.closed = true
	return errors.Join(errs...)
}

// Delete closes the segment and removes its files from disk.
func (s *Segment) Delete() error {
	if err := s.Close(); err != nil {
		return err
	}

	for _, name := range []string{
		SegmentFileName(s.baseOffset),
		IndexFileName(s.baseOffset),
		TimeIndexFileName(s.baseOffset),
	} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	return nil
}

// =============================================================================
// METADATA
// =============================================================================

// BaseOffset returns the first offset in this segment.
func (s *Segment) BaseOffset() int64 {
	return s.baseOffset
}

// NextOffset returns the next offset that will be assigned.
func (s *Segment) NextOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextOffset
}

// Size returns the byte length of the data file.
func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

// MaxTimestamp returns the largest record timestamp in the segment.
func (s *Segment) MaxTimestamp() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxTimestamp
}

// IsSealed reports whether the segment is read-only.
func (s *Segment) IsSealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// ShouldRoll reports whether the segment has hit its size or age limit.
func (s *Segment) ShouldRoll() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.position >= s.config.MaxSegmentBytes {
		return true
	}
	if s.config.MaxSegmentAge > 0 && s.position > 0 && time.Since(s.createdAt) >= s.config.MaxSegmentAge {
		return true
	}
	return false
}

// RecordCount returns the number of records (nextOffset - baseOffset).
func (s *Segment) RecordCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextOffset - s.baseOffset
}
