// =============================================================================
// OFFSET STORE - CONSUMER PROGRESS ON A COMPACTED LOG
// =============================================================================
//
// The store tracks where each consumer group has read up to in each
// partition. Commits are appended to an internal compacted topic and applied
// to an in-memory cache; fetches are served from the cache. On restart the
// store replays the internal log to rebuild the cache, so committed progress
// survives the process.
//
//   OffsetCommit ──► append {key: group/topic/partition, value: offset} ──┐
//                                                                         │
//        ┌──────────────── __consumer_offsets (compacted) ◄───────────────┘
//        │
//        └─ replay on startup ──► cache ◄── OffsetFetch
//
// Compaction keeps only the newest commit per (group, topic, partition) key,
// so the internal topic stays small no matter how often consumers commit.
// Deleting a group (or retention expiry) writes tombstones; compaction drops
// the keys once the tombstone retention window lapses.
//
// The committed offset is the NEXT offset to read, not the last processed
// one: committing 100 means "everything through 99 is done".
//
// =============================================================================

package offsets

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smilinTux/forgeprint-sub003/internal/storage"
)

// =============================================================================
// ERROR DEFINITIONS
// =============================================================================

var (
	// ErrNoOffsetForPartition means no committed offset exists and the
	// caller's reset policy forbids picking a starting point.
	ErrNoOffsetForPartition = errors.New("no committed offset for partition")

	// ErrInvalidOffset means the offset is negative.
	ErrInvalidOffset = errors.New("invalid offset")

	// ErrStoreClosed means the store has been shut down.
	ErrStoreClosed = errors.New("offset store is closed")
)

// =============================================================================
// RESET POLICY
// =============================================================================

// ResetPolicy decides where a consumer starts when it has no committed
// offset (or its committed offset fell out of retention).
type ResetPolicy string

const (
	// ResetEarliest starts from the first retained offset.
	ResetEarliest ResetPolicy = "earliest"

	// ResetLatest starts from the log end, skipping the backlog.
	ResetLatest ResetPolicy = "latest"

	// ResetNone refuses to guess: the fetch fails until someone commits.
	ResetNone ResetPolicy = "none"
)

// =============================================================================
// TYPES
// =============================================================================

// Committed is one group's progress in one partition.
type Committed struct {
	Offset      int64
	Metadata    string
	Generation  int32
	CommittedAt time.Time
}

type groupKey struct {
	group string
	tp    storage.TopicPartition
}

// Config controls the offset store.
type Config struct {
	// Topic is the internal compacted topic backing the store.
	Topic string

	// RetentionAge expires committed offsets for idle groups. Zero keeps
	// them forever.
	RetentionAge time.Duration

	// ExpiryInterval is how often the retention sweep runs.
	ExpiryInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Topic:          "__consumer_offsets",
		RetentionAge:   7 * 24 * time.Hour,
		ExpiryInterval: 10 * time.Minute,
	}
}

// Store persists consumer group offsets on a compacted internal log.
type Store struct {
	config Config
	log    *storage.Log
	logger *slog.Logger

	mu     sync.RWMutex
	cache  map[groupKey]Committed
	closed bool
}

// NewStore creates the internal topic if needed and replays it into the
// cache.
func NewStore(config Config, logs *storage.Manager, logger *slog.Logger) (*Store, error) {
	if config.Topic == "" {
		config.Topic = "__consumer_offsets"
	}

	// EnsureTopic rather than CreateTopic: recovery does not persist topic
	// configs, so the compact policy must be re-asserted on every start.
	err := logs.EnsureTopic(config.Topic, storage.TopicConfig{
		Partitions:         1,
		Cleanup:            storage.CleanupCompact,
		MinDirtyRatio:      0.5,
		TombstoneRetention: 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create offsets topic: %w", err)
	}

	log, err := logs.GetLog(storage.TopicPartition{Topic: config.Topic, Partition: 0})
	if err != nil {
		return nil, fmt.Errorf("open offsets log: %w", err)
	}

	s := &Store{
		config: config,
		log:    log,
		logger: logger.With("component", "offset-store"),
		cache:  make(map[groupKey]Committed),
	}
	if err := s.replay(); err != nil {
		return nil, fmt.Errorf("replay offsets log: %w", err)
	}
	return s, nil
}

// replay rebuilds the cache from the internal log. Later records win, which
// is the same rule compaction enforces on disk.
func (s *Store) replay() error {
	next := s.log.StartOffset()
	end := s.log.NextOffset()

	for next < end {
		records, err := s.log.ReadFrom(next, 1000)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			s.apply(rec)
			next = rec.Offset + 1
		}
	}

	s.logger.Info("offsets replayed", "entries", len(s.cache), "log_end", end)
	return nil
}

func (s *Store) apply(rec *storage.Record) {
	key, ok := decodeKey(rec.Key)
	if !ok {
		s.logger.Warn("skipping malformed offsets key", "offset", rec.Offset)
		return
	}
	if rec.IsTombstone() {
		delete(s.cache, key)
		return
	}
	committed, ok := decodeValue(rec.Value)
	if !ok {
		s.logger.Warn("skipping malformed offsets value", "offset", rec.Offset)
		return
	}
	s.cache[key] = committed
}

// =============================================================================
// COMMIT / FETCH
// =============================================================================

// Commit durably records a group's progress in one partition. The append is
// synced before the cache is updated, so a fetch never sees progress the
// disk does not have.
func (s *Store) Commit(group string, tp storage.TopicPartition, offset int64, metadata string, generation int32) error {
	if offset < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidOffset, offset)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	committed := Committed{
		Offset:      offset,
		Metadata:    metadata,
		Generation:  generation,
		CommittedAt: time.Now(),
	}
	key := groupKey{group: group, tp: tp}

	rec := storage.NewRecord(encodeKey(key), encodeValue(committed))
	if _, err := s.log.Append(rec); err != nil {
		return fmt.Errorf("append offset commit: %w", err)
	}
	if err := s.log.Sync(); err != nil {
		return fmt.Errorf("sync offsets log: %w", err)
	}

	s.cache[key] = committed
	return nil
}

// Fetch returns a group's committed progress in one partition, or
// ErrNoOffsetForPartition when the group never committed there.
func (s *Store) Fetch(group string, tp storage.TopicPartition) (Committed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	committed, ok := s.cache[groupKey{group: group, tp: tp}]
	if !ok {
		return Committed{}, fmt.Errorf("%w: group %s, %s", ErrNoOffsetForPartition, group, tp)
	}
	return committed, nil
}

// ResolveStart picks the offset a consumer should read from: the committed
// offset when one exists and is still retained, otherwise whatever the
// reset policy says. earliest and latest are the partition's current start
// offset and log end offset.
func (s *Store) ResolveStart(group string, tp storage.TopicPartition, policy ResetPolicy, earliest, latest int64) (int64, error) {
	committed, err := s.Fetch(group, tp)
	if err == nil && committed.Offset >= earliest {
		return committed.Offset, nil
	}

	// Either no commit, or the committed offset fell out of retention.
	switch policy {
	case ResetEarliest:
		return earliest, nil
	case ResetLatest:
		return latest, nil
	case ResetNone:
		return 0, fmt.Errorf("%w: group %s, %s (reset policy none)", ErrNoOffsetForPartition, group, tp)
	default:
		return 0, fmt.Errorf("unknown reset policy %q", policy)
	}
}

// =============================================================================
// GROUP MANAGEMENT
// =============================================================================

// GroupOffsets returns every committed offset for a group.
func (s *Store) GroupOffsets(group string) map[storage.TopicPartition]Committed {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[storage.TopicPartition]Committed)
	for key, committed := range s.cache {
		if key.group == group {
			out[key.tp] = committed
		}
	}
	return out
}

// Groups lists every group with at least one committed offset.
func (s *Store) Groups() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for key := range s.cache {
		seen[key.group] = true
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	return out
}

// DeleteGroup tombstones every offset the group committed. Compaction
// removes the keys from disk after the tombstone retention window.
func (s *Store) DeleteGroup(group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	for key := range s.cache {
		if key.group != group {
			continue
		}
		if err := s.tombstoneLocked(key); err != nil {
			return err
		}
	}
	return s.log.Sync()
}

func (s *Store) tombstoneLocked(key groupKey) error {
	rec := storage.NewRecord(encodeKey(key), nil)
	rec.Flags |= storage.FlagTombstone
	if _, err := s.log.Append(rec); err != nil {
		return fmt.Errorf("append offset tombstone: %w", err)
	}
	delete(s.cache, key)
	return nil
}

// =============================================================================
// RETENTION
// =============================================================================

// Run expires idle commits until ctx is cancelled.
func (s *Store) Run(ctx context.Context) error {
	if s.config.RetentionAge <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	interval := s.config.ExpiryInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.ExpireBefore(time.Now().Add(-s.config.RetentionAge))
		}
	}
}

// ExpireBefore tombstones commits older than the cutoff and reports how
// many were expired.
func (s *Store) ExpireBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	expired := 0
	for key, committed := range s.cache {
		if committed.CommittedAt.After(cutoff) {
			continue
		}
		if err := s.tombstoneLocked(key); err != nil {
			s.logger.Error("offset expiry failed", "group", key.group, "partition", key.tp.String(), "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("expired idle offsets", "count", expired, "cutoff", cutoff)
		if err := s.log.Sync(); err != nil {
			s.logger.Error("sync after expiry failed", "error", err)
		}
	}
	return expired
}

// Close stops accepting commits. The backing log is owned by the storage
// manager and closed there.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// =============================================================================
// CODEC
// =============================================================================
//
// Key:   [0:2] group len │ group │ [+0:+2] topic len │ topic │ [+0:+4] partition
// Value: [0:8] offset │ [8:16] committed at (unix ns) │ [16:20] generation │
//        [20:22] metadata len │ metadata
//
// Big-endian throughout, same as the record format itself.

func encodeKey(key groupKey) []byte {
	buf := make([]byte, 2+len(key.group)+2+len(key.tp.Topic)+4)
	pos := 0
	binary.BigEndian.PutUint16(buf[pos:], uint16(len(key.group)))
	pos += 2
	pos += copy(buf[pos:], key.group)
	binary.BigEndian.PutUint16(buf[pos:], uint16(len(key.tp.Topic)))
	pos += 2
	pos += copy(buf[pos:], key.tp.Topic)
	binary.BigEndian.PutUint32(buf[pos:], uint32(key.tp.Partition))
	return buf
}

func decodeKey(data []byte) (groupKey, bool) {
	if len(data) < 2 {
		return groupKey{}, false
	}
	groupLen := int(binary.BigEndian.Uint16(data[0:2]))
	pos := 2
	if len(data) < pos+groupLen+2 {
		return groupKey{}, false
	}
	group := string(data[pos : pos+groupLen])
	pos += groupLen
	topicLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if len(data) != pos+topicLen+4 {
		return groupKey{}, false
	}
	topic := string(data[pos : pos+topicLen])
	pos += topicLen
	partition := int(binary.BigEndian.Uint32(data[pos : pos+4]))

	return groupKey{
		group: group,
		tp:    storage.TopicPartition{Topic: topic, Partition: partition},
	}, true
}

func encodeValue(c Committed) []byte {
	buf := make([]byte, 22+len(c.Metadata))
	binary.BigEndian.PutUint64(buf[0:8], uint64(c.Offset))
	binary.BigEndian.PutUint64(buf[8:16], uint64(c.CommittedAt.UnixNano()))
	binary.BigEndian.PutUint32(buf[16:20], uint32(c.Generation))
	binary.BigEndian.PutUint16(buf[20:22], uint16(len(c.Metadata)))
	copy(buf[22:], c.Metadata)
	return buf
}

func decodeValue(data []byte) (Committed, bool) {
	if len(data) < 22 {
		return Committed{}, false
	}
	metaLen := int(binary.BigEndian.Uint16(data[20:22]))
	if len(data) != 22+metaLen {
		return Committed{}, false
	}
	return Committed{
		Offset:      int64(binary.BigEndian.Uint64(data[0:8])),
		CommittedAt: time.Unix(0, int64(binary.BigEndian.Uint64(data[8:16]))),
		Generation:  int32(binary.BigEndian.Uint32(data[16:20])),
		Metadata:    string(data[22:]),
	}, true
}
