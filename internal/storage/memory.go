package storage

import (
	"fmt"
	"sync"
)

// MemoryLog is an in-memory Backend. It keeps the same offset semantics as
// the disk log (dense appends, gap-tolerant AppendAt, truncation) without
// touching the filesystem. Used by coordination-layer tests and available
// as a storage backend for ephemeral deployments.
type MemoryLog struct {
	mu          sync.RWMutex
	records     []*Record
	startOffset int64
	nextOffset  int64
	size        int64
	closed      bool
}

// NewMemoryLog returns an empty in-memory log starting at offset 0.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(r *Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrLogClosed
	}

	clone := *r
	clone.Offset = m.nextOffset
	r.Offset = clone.Offset
	m.records = append(m.records, &clone)
	m.nextOffset++
	m.size += int64(clone.Size())
	return clone.Offset, nil
}

func (m *MemoryLog) AppendAt(r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrLogClosed
	}
	if r.Offset < m.nextOffset {
		return fmt.Errorf("%w: offset %d below next offset %d", ErrInvalidRecord, r.Offset, m.nextOffset)
	}

	clone := *r
	m.records = append(m.records, &clone)
	m.nextOffset = clone.Offset + 1
	m.size += int64(clone.Size())
	return nil
}

func (m *MemoryLog) ReadFrom(startOffset int64, maxRecords int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrLogClosed
	}
	if startOffset == m.nextOffset {
		return nil, nil
	}
	if startOffset < m.startOffset || startOffset > m.nextOffset {
		return nil, fmt.Errorf("%w: offset %d, log range [%d, %d)", ErrOffsetOutOfRange, startOffset, m.startOffset, m.nextOffset)
	}

	var out []*Record
	for _, rec := range m.records {
		if rec.Offset < startOffset {
			continue
		}
		out = append(out, rec)
		if maxRecords > 0 && len(out) >= maxRecords {
			break
		}
	}
	return out, nil
}

func (m *MemoryLog) TruncateTo(limit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrLogClosed
	}

	var kept []*Record
	var size int64
	for _, rec := range m.records {
		if rec.Offset > limit {
			continue
		}
		kept = append(kept, rec)
		size += int64(rec.Size())
	}
	m.records = kept
	m.size = size
	m.nextOffset = limit + 1
	if m.nextOffset < m.startOffset {
		m.startOffset = m.nextOffset
	}
	if limit < 0 {
		m.nextOffset = 0
	}
	return nil
}

func (m *MemoryLog) StartOffset() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.startOffset
}

func (m *MemoryLog) NextOffset() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextOffset
}

func (m *MemoryLog) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Backend = (*MemoryLog)(nil)
