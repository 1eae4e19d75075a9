// =============================================================================
// LOG MANAGER - OWNS EVERY PARTITION LOG ON THIS BROKER
// =============================================================================
//
// Directory layout mirrors the topic/partition hierarchy:
//
//   data/
//   ├── orders/
//   │   ├── 0/          00000000000000000000.log, .index, .timeindex
//   │   └── 1/
//   └── __offsets/
//       └── 0/
//
// The manager also runs the retention sweep: every interval it walks each
// partition, applying either the delete policy (drop expired or excess
// segments) or the compact policy (keyed compaction via the compactor).
//
// =============================================================================

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrUnknownPartition means the topic/partition does not exist here.
	ErrUnknownPartition = errors.New("unknown topic or partition")

	// ErrTopicExists means a create collided with an existing topic.
	ErrTopicExists = errors.New("topic already exists")
)

// CleanupPolicy selects what the retention sweep does to old data.
type CleanupPolicy string

const (
	// CleanupDelete drops whole expired segments.
	CleanupDelete CleanupPolicy = "delete"

	// CleanupCompact keeps only the newest record per key.
	CleanupCompact CleanupPolicy = "compact"
)

// TopicConfig is the per-topic storage policy.
type TopicConfig struct {
	Partitions int
	Cleanup    CleanupPolicy

	RetentionAge   time.Duration
	RetentionBytes int64

	// MinDirtyRatio gates compaction: skip unless at least this fraction
	// of sealed bytes is superseded. Zero means compact whenever there is
	// more than one sealed segment.
	MinDirtyRatio float64

	// TombstoneRetention keeps delete markers long enough for readers to
	// observe them before compaction removes the key entirely.
	TombstoneRetention time.Duration
}

// TopicPartition identifies one partition of one topic.
type TopicPartition struct {
	Topic     string
	Partition int
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// WatermarkFunc reports the high watermark for a partition. Retention uses
// it so committed-but-undelivered records are not deleted by the age policy.
type WatermarkFunc func(tp TopicPartition) int64

// ManagerConfig controls the log manager.
type ManagerConfig struct {
	DataDir           string
	Segment           SegmentConfig
	RetentionInterval time.Duration

	// DefaultTopic applies to topics created without an explicit config.
	DefaultTopic TopicConfig
}

// Manager owns all partition logs and runs retention.
type Manager struct {
	config ManagerConfig
	logger *slog.Logger

	mu     sync.RWMutex
	logs   map[TopicPartition]*Log
	topics map[string]TopicConfig

	watermark WatermarkFunc
}

// NewManager creates a manager and recovers every topic/partition directory
// found under the data dir.
func NewManager(config ManagerConfig, logger *slog.Logger) (*Manager, error) {
	if config.RetentionInterval == 0 {
		config.RetentionInterval = 5 * time.Minute
	}

	m := &Manager{
		config:    config,
		logger:    logger.With("component", "log-manager"),
		logs:      make(map[TopicPartition]*Log),
		topics:    make(map[string]TopicConfig),
		watermark: func(TopicPartition) int64 { return 0 },
	}

	if err := m.recover(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetWatermarkFunc wires the replication layer's high watermark into
// retention decisions. Call before Run.
func (m *Manager) SetWatermarkFunc(fn WatermarkFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermark = fn
}

// recover loads every partition log found on disk.
func (m *Manager) recover() error {
	if err := os.MkdirAll(m.config.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	topicDirs, err := os.ReadDir(m.config.DataDir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}

	for _, topicDir := range topicDirs {
		if !topicDir.IsDir() {
			continue
		}
		topic := topicDir.Name()

		partDirs, err := os.ReadDir(filepath.Join(m.config.DataDir, topic))
		if err != nil {
			return fmt.Errorf("read topic dir %s: %w", topic, err)
		}

		count := 0
		for _, partDir := range partDirs {
			if !partDir.IsDir() {
				continue
			}
			partition, err := strconv.Atoi(partDir.Name())
			if err != nil {
				continue
			}

			tp := TopicPartition{Topic: topic, Partition: partition}
			log, err := NewLog(filepath.Join(m.config.DataDir, topic, partDir.Name()), m.config.Segment)
			if err != nil {
				return fmt.Errorf("recover %s: %w", tp, err)
			}
			m.logs[tp] = log
			count++

			m.logger.Info("recovered partition log",
				"topic", topic,
				"partition", partition,
				"start_offset", log.StartOffset(),
				"end_offset", log.NextOffset())
		}

		if count > 0 {
			cfg := m.config.DefaultTopic
			cfg.Partitions = count
			m.topics[topic] = cfg
		}
	}

	return nil
}

// CreateTopic creates the topic's partition logs on disk.
func (m *Manager) CreateTopic(topic string, config TopicConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.topics[topic]; ok {
		return fmt.Errorf("%w: %s", ErrTopicExists, topic)
	}
	if config.Partitions <= 0 {
		return fmt.Errorf("topic %s: partition count must be positive", topic)
	}

	for p := 0; p < config.Partitions; p++ {
		dir := filepath.Join(m.config.DataDir, topic, strconv.Itoa(p))
		log, err := NewLog(dir, m.config.Segment)
		if err != nil {
			return fmt.Errorf("create %s-%d: %w", topic, p, err)
		}
		m.logs[TopicPartition{Topic: topic, Partition: p}] = log
	}

	m.topics[topic] = config
	m.logger.Info("created topic", "topic", topic, "partitions", config.Partitions, "cleanup", config.Cleanup)
	return nil
}

// EnsureTopic creates the topic, or re-registers its config if it already
// exists. Recovery only learns partition counts from disk, so internal
// topics call this on startup to restore their cleanup policy.
func (m *Manager) EnsureTopic(topic string, config TopicConfig) error {
	m.mu.Lock()
	existing, ok := m.topics[topic]
	if !ok {
		m.mu.Unlock()
		return m.CreateTopic(topic, config)
	}

	defer m.mu.Unlock()
	if existing.Partitions != config.Partitions {
		return fmt.Errorf("topic %s has %d partitions on disk, config wants %d",
			topic, existing.Partitions, config.Partitions)
	}
	m.topics[topic] = config
	return nil
}

// GetLog returns the log for a partition, or ErrUnknownPartition.
func (m *Manager) GetLog(tp TopicPartition) (*Log, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log, ok := m.logs[tp]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartition, tp)
	}
	return log, nil
}

// TopicExists reports whether the topic is known.
func (m *Manager) TopicExists(topic string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.topics[topic]
	return ok
}

// TopicConfig returns the topic's storage policy.
func (m *Manager) TopicConfig(topic string) (TopicConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.topics[topic]
	return cfg, ok
}

// PartitionCount returns the number of partitions for a topic, 0 if unknown.
func (m *Manager) PartitionCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topics[topic].Partitions
}

// Topics returns the names of all known topics.
func (m *Manager) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		out = append(out, topic)
	}
	return out
}

// Partitions returns every topic/partition this manager owns.
func (m *Manager) Partitions() []TopicPartition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TopicPartition, 0, len(m.logs))
	for tp := range m.logs {
		out = append(out, tp)
	}
	return out
}

// =============================================================================
// RETENTION SWEEP
// =============================================================================

// Run executes the retention sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep applies each topic's cleanup policy to every partition once.
func (m *Manager) sweep(now time.Time) {
	m.mu.RLock()
	work := make(map[TopicPartition]*Log, len(m.logs))
	configs := make(map[string]TopicConfig, len(m.topics))
	for tp, log := range m.logs {
		work[tp] = log
	}
	for topic, cfg := range m.topics {
		configs[topic] = cfg
	}
	watermark := m.watermark
	m.mu.RUnlock()

	for tp, log := range work {
		cfg := configs[tp.Topic]

		switch cfg.Cleanup {
		case CleanupCompact:
			compactor := NewCompactor(log, CompactorConfig{
				MinDirtyRatio:      cfg.MinDirtyRatio,
				TombstoneRetention: cfg.TombstoneRetention,
				Segment:            m.config.Segment,
			}, m.logger)
			if err := compactor.CompactOnce(now); err != nil {
				m.logger.Error("compaction failed", "partition", tp.String(), "error", err)
			}

		default:
			deleted, err := log.ApplyRetention(LogConfig{
				RetentionAge:   cfg.RetentionAge,
				RetentionBytes: cfg.RetentionBytes,
			}, watermark(tp), now)
			if err != nil {
				m.logger.Error("retention failed", "partition", tp.String(), "error", err)
			} else if deleted > 0 {
				m.logger.Info("retention deleted segments",
					"partition", tp.String(),
					"segments", deleted,
					"new_start_offset", log.StartOffset())
			}
		}
	}
}

// SweepNow runs one retention pass immediately. Exposed for tests and the
// ops surface.
func (m *Manager) SweepNow() {
	m.sweep(time.Now())
}

// Close closes every partition log.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for tp, log := range m.logs {
		if err := log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", tp, err))
		}
	}
	return errors.Join(errs...)
}
