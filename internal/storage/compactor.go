// =============================================================================
// COMPACTOR - KEYED LOG COMPACTION
// =============================================================================
//
// For topics with cleanup=compact, retention keeps the LATEST record per key
// instead of deleting by age. The offsets topic depends on this: the newest
// commit per (group, topic, partition) key must survive forever, however old
// it is.
//
//   BEFORE:  k1=a  k2=x  k1=b  k3=m  k2=y  k1=c │ active
//   AFTER:              k3=m        k2=y  k1=c  │ active
//
// Offsets are preserved (compacted segments have gaps). Tombstones (null
// markers for deleted keys) survive one extra retention window so slow
// readers still observe the deletion, then disappear.
//
// Only sealed segments are compacted; the active segment is always left
// alone, which also means the newest record per key can never be removed
// out from under a writer.
//
// =============================================================================

package storage

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// CompactorConfig controls one partition's compaction.
type CompactorConfig struct {
	// MinDirtyRatio skips compaction unless at least this fraction of
	// sealed records is superseded. Zero compacts whenever possible.
	MinDirtyRatio float64

	// TombstoneRetention keeps delete markers visible after their key's
	// older values were compacted away.
	TombstoneRetention time.Duration

	Segment SegmentConfig
}

// Compactor rewrites a log's sealed segments keeping only the newest record
// per key.
type Compactor struct {
	log    *Log
	config CompactorConfig
	logger *slog.Logger
}

// NewCompactor returns a compactor for one partition log.
func NewCompactor(log *Log, config CompactorConfig, logger *slog.Logger) *Compactor {
	return &Compactor{
		log:    log,
		config: config,
		logger: logger.With("component", "compactor"),
	}
}

// CompactOnce runs a single compaction pass. It is a no-op when there are
// fewer than two sealed segments or the dirty ratio is below threshold.
func (c *Compactor) CompactOnce(now time.Time) error {
	sealed := c.log.SealedSegments()
	if len(sealed) < 2 {
		return nil
	}

	// First pass: newest offset per key across the sealed range.
	latest := make(map[string]int64)
	total := 0
	for _, seg := range sealed {
		records, err := seg.ReadFrom(seg.BaseOffset(), 0)
		if err != nil {
			return fmt.Errorf("scan segment %d: %w", seg.BaseOffset(), err)
		}
		for _, rec := range records {
			total++
			if len(rec.Key) == 0 {
				continue // keyless records always survive
			}
			latest[string(rec.Key)] = rec.Offset
		}
	}
	if total == 0 {
		return nil
	}

	// Count superseded records to decide whether the pass pays for itself.
	dirty := 0
	for _, seg := range sealed {
		records, err := seg.ReadFrom(seg.BaseOffset(), 0)
		if err != nil {
			return fmt.Errorf("scan segment %d: %w", seg.BaseOffset(), err)
		}
		for _, rec := range records {
			if len(rec.Key) > 0 && latest[string(rec.Key)] != rec.Offset {
				dirty++
			}
		}
	}
	if c.config.MinDirtyRatio > 0 && float64(dirty)/float64(total) < c.config.MinDirtyRatio {
		return nil
	}

	// Second pass: rewrite survivors into one replacement segment, built
	// in a scratch dir so a crash mid-pass leaves the live log untouched.
	tmpDir := c.log.Dir() + ".compact"
	replacement, err := NewSegment(tmpDir, sealed[0].BaseOffset(), c.config.Segment)
	if err != nil {
		return fmt.Errorf("create replacement segment: %w", err)
	}

	tombstoneCutoff := int64(0)
	if c.config.TombstoneRetention > 0 {
		tombstoneCutoff = now.Add(-c.config.TombstoneRetention).UnixMilli()
	}

	kept := 0
	for _, seg := range sealed {
		records, err := seg.ReadFrom(seg.BaseOffset(), 0)
		if err != nil {
			replacement.Delete()
			return fmt.Errorf("scan segment %d: %w", seg.BaseOffset(), err)
		}
		for _, rec := range records {
			if len(rec.Key) > 0 && latest[string(rec.Key)] != rec.Offset {
				continue // superseded by a newer write of the same key
			}
			if rec.IsTombstone() && tombstoneCutoff > 0 && rec.Timestamp < tombstoneCutoff {
				continue // tombstone held long enough, drop the key entirely
			}
			if err := replacement.AppendAt(rec); err != nil {
				replacement.Delete()
				return fmt.Errorf("write survivor %d: %w", rec.Offset, err)
			}
			kept++
		}
	}

	baseOffset := replacement.BaseOffset()
	if err := replacement.Close(); err != nil {
		replacement.Delete()
		return fmt.Errorf("close replacement: %w", err)
	}

	if err := c.log.ReplaceSegments(tmpDir, baseOffset, sealed); err != nil {
		return fmt.Errorf("swap compacted segment: %w", err)
	}
	os.Remove(tmpDir)

	c.logger.Info("compacted partition",
		"dir", c.log.Dir(),
		"segments_in", len(sealed),
		"records_in", total,
		"records_out", kept)
	return nil
}
