// Package storage provides the storage engine for Synap.
//
// The engine is the C13 command surface: it composes the KV store (C1-C2),
// queue manager (C3), and stream manager (C4-C5) behind one façade, and
// drives the durability/replication write path shared by every mutation --
// WAL append (C7) and replication log append (C10) both happen before the
// in-memory mutation is externally acknowledged (spec.md §4.2, §4.8).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synap/synap/internal/core/domain"
	"github.com/synap/synap/internal/kv"
	"github.com/synap/synap/internal/pubsub"
	"github.com/synap/synap/internal/queue"
	"github.com/synap/synap/internal/replication"
	"github.com/synap/synap/internal/storage/snapshot"
	"github.com/synap/synap/internal/storage/wal"
	"github.com/synap/synap/internal/stream"
	"github.com/synap/synap/internal/telemetry/metric"
	"github.com/synap/synap/pkg/crypto/adaptive"
)

// Default configuration values.
const (
	DefaultSnapshotInterval   = time.Hour
	DefaultOperationThreshold = 100_000
	DefaultWALDir             = "wal"
	DefaultSnapshotDir        = "snapshots"

	// DefaultLeaseCheckInterval is the cadence of the queue lease-expiry
	// checker (spec.md §4.2 "a periodic checker scans the lease table").
	DefaultLeaseCheckInterval = 50 * time.Millisecond
)

// Config configures the storage engine.
type Config struct {
	// DataDir is the base directory for all storage files (spec.md §6.5).
	DataDir string

	KV       kv.Config
	WAL      wal.Config
	Snapshot snapshot.Config

	// SnapshotInterval is the wall-clock cadence for automatic snapshots
	// (spec.md §4.6 "time cadence").
	SnapshotInterval time.Duration

	// OperationThreshold triggers a snapshot after this many applied write
	// operations since the last one (spec.md §4.6 "operation-count threshold").
	OperationThreshold uint64

	// LeaseCheckInterval is the cadence of the queue lease-expiry checker
	// (spec.md §4.2). 0 uses DefaultLeaseCheckInterval.
	LeaseCheckInterval time.Duration

	// ReplicationLogCapacity bounds the in-memory circular replication log
	// (spec.md §3.10, default 1,048,576).
	ReplicationLogCapacity int

	// PubsubOutboxSize bounds each topic-router subscriber's outbound
	// channel (spec.md §4.4 back-pressure policy). 0 uses pubsub.NewRouter's
	// default.
	PubsubOutboxSize int

	// Cipher is the optional at-rest encryption cipher for WAL/snapshot
	// payloads (spec.md §9: "snapshot payload bytes are opaque").
	Cipher adaptive.Cipher

	// NodeID identifies this node.
	NodeID string

	// Logger is the structured logger.
	Logger *slog.Logger
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:                dataDir,
		KV:                     kv.DefaultConfig(),
		WAL:                    wal.DefaultConfig(dataDir + "/" + DefaultWALDir),
		Snapshot:               snapshot.DefaultConfig(dataDir + "/" + DefaultSnapshotDir),
		SnapshotInterval:       DefaultSnapshotInterval,
		OperationThreshold:     DefaultOperationThreshold,
		LeaseCheckInterval:     DefaultLeaseCheckInterval,
		ReplicationLogCapacity: replication.DefaultCapacity,
		Logger:                 slog.Default(),
	}
}

// Engine is the storage engine: KV + queue + stream state, the WAL, the
// snapshot manager, and the replication log, wired together per spec.md
// §4.8's "single point of truth about what a write is".
type Engine struct {
	cfg Config

	KV      *kv.Store
	Queues  *queue.Manager
	Streams *stream.Manager

	// Pubsub is the topic router (C6). Unlike KV/Queues/Streams it is not
	// routed through commit/logOp: spec.md §1 lists durable pub/sub as an
	// explicit non-goal, so subscriptions and in-flight messages do not
	// survive a restart and are never replayed from the WAL or streamed to
	// replicas.
	Pubsub *pubsub.Router

	// Metrics is this engine's Prometheus registry. It is per-Engine rather
	// than the package-global metric.Global() so that multiple Engines in
	// the same process (as in tests) never collide on metric names.
	Metrics *metric.Registry

	wal      *wal.Writer
	snapshot *snapshot.Manager
	replog   *replication.Log

	lastWALOffset    atomic.Uint64
	opsSinceSnapshot atomic.Uint64
	snapshotting     atomic.Bool
	readOnly         atomic.Bool
	snapMu           sync.Mutex

	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a new storage engine. This initializes all components but
// does NOT perform recovery -- call Recover after New to load existing data.
func New(cfg Config) (*Engine, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("storage: data_dir is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OperationThreshold == 0 {
		cfg.OperationThreshold = DefaultOperationThreshold
	}
	if cfg.LeaseCheckInterval == 0 {
		cfg.LeaseCheckInterval = DefaultLeaseCheckInterval
	}

	cfg.WAL.Cipher = cfg.Cipher
	cfg.WAL.NodeID = cfg.NodeID
	cfg.Snapshot.Cipher = cfg.Cipher
	cfg.Snapshot.NodeID = cfg.NodeID

	walWriter, err := wal.NewWriter(cfg.WAL)
	if err != nil {
		return nil, fmt.Errorf("storage: create wal writer: %w", err)
	}

	snapMgr, err := snapshot.NewManager(cfg.Snapshot)
	if err != nil {
		walWriter.Close()
		return nil, fmt.Errorf("storage: create snapshot manager: %w", err)
	}

	kvStore := kv.New(cfg.KV)
	streams := stream.NewManager(kvStore)

	e := &Engine{
		cfg:      cfg,
		KV:       kvStore,
		Queues:   queue.NewManager(),
		Streams:  streams,
		Pubsub:   pubsub.NewRouter(cfg.PubsubOutboxSize),
		Metrics:  metric.NewRegistry(),
		wal:      walWriter,
		snapshot: snapMgr,
		replog:   replication.NewLog(cfg.ReplicationLogCapacity),
		logger:   cfg.Logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	e.Metrics.MustRegisterCollector(metric.NewCollector(e.liveStats))

	go e.backgroundLoop()
	return e, nil
}

// liveStats feeds this engine's metric.Collector: gauges that only make
// sense read fresh at scrape time rather than maintained incrementally.
func (e *Engine) liveStats() metric.Stats {
	queueDepth := 0
	e.Queues.AllQueues(func(_ string, q *queue.Queue) bool {
		_, _, ready, leased, _ := q.Snapshot()
		queueDepth += len(ready) + len(leased)
		return true
	})

	streamRecords := 0
	e.Streams.AllTopics(func(name string, _ domain.TopicConfig, mgr *stream.Manager) bool {
		count, err := mgr.PartitionCount(name)
		if err != nil {
			return true
		}
		for pid := 0; pid < count; pid++ {
			_, _, records, err := mgr.PartitionSnapshot(name, uint32(pid))
			if err == nil {
				streamRecords += len(records)
			}
		}
		return true
	})

	return metric.Stats{
		KVKeys:        e.KV.DbSize(),
		QueueDepth:    queueDepth,
		StreamRecords: streamRecords,
		WALBytes:      int64(e.lastWALOffset.Load()),
		Goroutines:    runtime.NumGoroutine(),
	}
}

// ReplicationLog exposes the replication log for the master replicator (C11).
func (e *Engine) ReplicationLog() *replication.Log { return e.replog }

var (
	_ replication.SnapshotSource = (*Engine)(nil)
	_ replication.StateSink      = (*Engine)(nil)
)

// SetReadOnly flips read-only enforcement (spec.md §4.7 "a replica MUST
// reject all mutating operations ... with ReadOnly"); used by the replica
// follower and by the operator PromoteReplica operation.
func (e *Engine) SetReadOnly(ro bool) { e.readOnly.Store(ro) }

// IsReadOnly reports the current read-only state.
func (e *Engine) IsReadOnly() bool { return e.readOnly.Load() }

func (e *Engine) checkWritable() error {
	if e.readOnly.Load() {
		return domain.Errorf(domain.KindReadOnly, "engine is read-only")
	}
	return nil
}

// logOp durably records a committed operation -- WAL append then
// replication log append -- and counts it toward the next snapshot
// threshold (spec.md §4.6).
func (e *Engine) logOp(op domain.Operation) error {
	before := e.wal.CurrentOffset()
	if err := e.wal.Append(wal.NewEntry(op)); err != nil {
		return domain.Errorf(domain.KindPersistenceError, "wal append: %v", err)
	}
	after := e.wal.CurrentOffset()
	e.lastWALOffset.Store(after)
	e.Metrics.WALWriteBytesTotal.Add(float64(after - before))
	e.replog.Append(op, time.Now().UnixMilli())

	if e.opsSinceSnapshot.Add(1) >= e.cfg.OperationThreshold {
		e.opsSinceSnapshot.Store(0)
		go e.triggerSnapshotAsync()
	}
	return nil
}

// commit is the write path for operations whose full content is known
// before they run: append to the WAL and replication log first, then apply
// to in-memory state, so a durability failure never leaves an applied
// mutation unlogged (spec.md §4.2 "emits a WAL entry before the in-memory
// mutation is externally acknowledged").
func (e *Engine) commit(op domain.Operation, apply func() error) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	if err := e.logOp(op); err != nil {
		return err
	}
	return apply()
}

// commitApplied is the write path for operations whose content (assigned
// message id, partition, offset, or final counter value) is only known
// once they have run -- queue Publish, stream Publish, and Incr/Decr.
// applyFn performs the in-memory mutation and returns the fully-populated
// Operation to log afterward, so replay observes the exact values this
// node produced rather than recomputing them (spec.md §4.6 "replay is
// idempotent by construction").
func (e *Engine) commitApplied(applyFn func() (domain.Operation, error)) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	op, err := applyFn()
	if err != nil {
		return err
	}
	return e.logOp(op)
}

// kindOf extracts a domain.Kind label for KVErrorsTotal, falling back to
// KindInternal for errors that never went through domain.Errorf.
func kindOf(err error) domain.Kind {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return domain.KindInternal
}

// --- KV command surface (C1-C2, spec.md §4.1) ---

func (e *Engine) Set(key string, value []byte, ttl *time.Duration, mode domain.SetMode) (domain.SetOutcome, error) {
	if err := e.checkWritable(); err != nil {
		return "", err
	}
	op := domain.Operation{Type: domain.OpKVSet, Key: key, Value: value, SetMode: mode}
	if ttl != nil {
		op.HasExpiry = true
		op.ExpiresAtUnixMilli = time.Now().Add(*ttl).UnixMilli()
	}
	var outcome domain.SetOutcome
	err := e.commit(op, func() error {
		var applyErr error
		outcome, applyErr = e.KV.Set(key, value, ttl, mode)
		return applyErr
	})
	e.recordKVOp("set", err)
	return outcome, err
}

func (e *Engine) Get(key string) ([]byte, bool, error) {
	v, ok, err := e.KV.Get(key)
	e.recordKVOp("get", err)
	return v, ok, err
}

func (e *Engine) Exists(key string) (bool, error) { return e.KV.Exists(key) }

func (e *Engine) Delete(keys ...string) (int, error) {
	if err := e.checkWritable(); err != nil {
		return 0, err
	}
	var removed int
	err := e.commit(domain.Operation{Type: domain.OpKVDelete, Keys: keys}, func() error {
		var applyErr error
		removed, applyErr = e.KV.Delete(keys...)
		return applyErr
	})
	e.recordKVOp("delete", err)
	return removed, err
}

// recordKVOp updates KVOperationsTotal/KVErrorsTotal for a single KV command.
func (e *Engine) recordKVOp(op string, err error) {
	e.Metrics.KVOperationsTotal.WithLabelValues(op).Inc()
	if err != nil {
		e.Metrics.KVErrorsTotal.WithLabelValues(string(kindOf(err))).Inc()
	}
}

// Incr's logged op.Delta carries the resulting counter value, not the
// delta applied -- kv.Store.ApplyOperation sets the key to op.Delta
// directly on replay, so the post-apply result is what must be logged.
func (e *Engine) Incr(key string, delta int64) (int64, error) {
	var result int64
	err := e.commitApplied(func() (domain.Operation, error) {
		var applyErr error
		result, applyErr = e.KV.Incr(key, delta)
		if applyErr != nil {
			return domain.Operation{}, applyErr
		}
		return domain.Operation{Type: domain.OpKVIncr, Key: key, Delta: result}, nil
	})
	e.recordKVOp("incr", err)
	return result, err
}

func (e *Engine) Decr(key string, delta int64) (int64, error) {
	var result int64
	err := e.commitApplied(func() (domain.Operation, error) {
		var applyErr error
		result, applyErr = e.KV.Decr(key, delta)
		if applyErr != nil {
			return domain.Operation{}, applyErr
		}
		return domain.Operation{Type: domain.OpKVIncr, Key: key, Delta: result}, nil
	})
	e.recordKVOp("decr", err)
	return result, err
}

// Expire computes the absolute deadline once and applies it through
// ApplyExpireAt so the logged operation and the live in-memory state agree
// on the exact instant, rather than each taking an independent time.Now().
func (e *Engine) Expire(key string, ttl time.Duration) (bool, error) {
	if err := e.checkWritable(); err != nil {
		return false, err
	}
	expiresAt := time.Now().Add(ttl).UnixMilli()
	op := domain.Operation{Type: domain.OpKVExpire, Key: key, HasExpiry: true, ExpiresAtUnixMilli: expiresAt}
	var ok bool
	err := e.commit(op, func() error {
		ok = e.KV.ApplyExpireAt(key, expiresAt)
		return nil
	})
	e.recordKVOp("expire", err)
	return ok, err
}

func (e *Engine) Persist(key string) (bool, error) {
	if err := e.checkWritable(); err != nil {
		return false, err
	}
	var ok bool
	err := e.commit(domain.Operation{Type: domain.OpKVPersist, Key: key}, func() error {
		var applyErr error
		ok, applyErr = e.KV.Persist(key)
		return applyErr
	})
	e.recordKVOp("persist", err)
	return ok, err
}

func (e *Engine) Ttl(key string) (domain.TTLStatus, error) { return e.KV.Ttl(key) }

func (e *Engine) Scan(prefix, cursor string, countHint int) ([]string, string, error) {
	return e.KV.Scan(prefix, cursor, countHint)
}

func (e *Engine) MSet(items []kv.SetItem) []error {
	errs := make([]error, len(items))
	for i, it := range items {
		_, errs[i] = e.Set(it.Key, it.Value, it.TTL, domain.SetAlways)
	}
	return errs
}

func (e *Engine) MGet(keys []string) map[string][]byte { return e.KV.MGet(keys) }

func (e *Engine) FlushDb() error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	err := e.commit(domain.Operation{Type: domain.OpKVFlush}, func() error {
		e.KV.FlushDb()
		return nil
	})
	e.recordKVOp("flushdb", err)
	return err
}

func (e *Engine) DbSize() int { return e.KV.DbSize() }

// --- Queue command surface (C3, spec.md §4.2) ---

func (e *Engine) CreateQueue(name string, cfg domain.QueueConfig) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	return e.commit(domain.Operation{Type: domain.OpQueueCreate, Queue: name, QueueConfig: &cfg}, func() error {
		return e.Queues.Create(name, cfg)
	})
}

func (e *Engine) DeleteQueue(name string) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	return e.commit(domain.Operation{Type: domain.OpQueueDelete, Queue: name}, func() error {
		return e.Queues.Delete(name)
	})
}

// Publish assigns the message id inside the queue itself (queue.Manager
// mints it from a monotonic ULID source), so the id is only known once the
// enqueue has run; the logged operation carries that same id for replay.
func (e *Engine) Publish(queueName string, payload []byte, priority uint8, headers map[string]string) (*domain.Message, error) {
	var msg *domain.Message
	err := e.commitApplied(func() (domain.Operation, error) {
		m, applyErr := e.Queues.Publish(queueName, payload, priority, headers)
		if applyErr != nil {
			return domain.Operation{}, applyErr
		}
		msg = m
		return domain.Operation{
			Type: domain.OpQueuePublish, Queue: queueName, MessageID: m.ID,
			Payload: m.Payload, Priority: m.Priority, Headers: m.Headers,
		}, nil
	})
	if err == nil {
		e.Metrics.QueuePublishedTotal.WithLabelValues(queueName).Inc()
	}
	return msg, err
}

func (e *Engine) Consume(ctx context.Context, queueName, consumerID string, leaseMs int64) (*domain.Message, error) {
	return e.Queues.Consume(ctx, queueName, consumerID, leaseMs)
}

func (e *Engine) Ack(queueName, messageID string) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	err := e.commit(domain.Operation{Type: domain.OpQueueAck, Queue: queueName, MessageID: messageID}, func() error {
		return e.Queues.Ack(queueName, messageID)
	})
	if err == nil {
		e.Metrics.QueueAckedTotal.WithLabelValues(queueName).Inc()
	}
	return err
}

func (e *Engine) Nack(queueName, messageID string, requeue bool) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	err := e.commit(domain.Operation{Type: domain.OpQueueNack, Queue: queueName, MessageID: messageID, Requeue: requeue}, func() error {
		return e.Queues.Nack(queueName, messageID, requeue)
	})
	if err == nil {
		label := "false"
		if requeue {
			label = "true"
		}
		e.Metrics.QueueNackedTotal.WithLabelValues(queueName, label).Inc()
	}
	return err
}

func (e *Engine) PurgeQueue(name string) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	return e.commit(domain.Operation{Type: domain.OpQueuePurge, Queue: name}, func() error {
		return e.Queues.Purge(name)
	})
}

func (e *Engine) QueueStats(name string) (queue.Stats, error) { return e.Queues.Stats(name) }

// --- Stream command surface (C4-C5, spec.md §4.3) ---

func (e *Engine) CreateTopic(name string, cfg domain.TopicConfig) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	return e.commit(domain.Operation{Type: domain.OpTopicCreate, Topic: name, TopicConfig: &cfg}, func() error {
		return e.Streams.CreateTopic(name, cfg)
	})
}

func (e *Engine) DeleteTopic(name string) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	return e.commit(domain.Operation{Type: domain.OpTopicDelete, Topic: name}, func() error {
		return e.Streams.DeleteTopic(name)
	})
}

// PublishEvent: the partition and its assigned offset are only known once
// the append has run under the partition's own lock (spec.md §4.3), so the
// logged operation pins the exact (partition, offset) this node assigned
// rather than letting a replica or replay recompute it.
func (e *Engine) PublishEvent(topicName, partitionKey, eventType string, payload []byte, headers map[string]string) (uint32, uint64, error) {
	var partitionID uint32
	var offset uint64
	timestampMs := time.Now().UnixMilli()
	err := e.commitApplied(func() (domain.Operation, error) {
		pid, off, applyErr := e.Streams.Publish(topicName, partitionKey, eventType, payload, headers)
		if applyErr != nil {
			return domain.Operation{}, applyErr
		}
		partitionID, offset = pid, off
		return domain.Operation{
			Type: domain.OpStreamAppend, Topic: topicName, PartitionKey: partitionKey,
			Partition: pid, Offset: off, EventType: eventType, Payload: payload,
			Headers: headers, TimestampMs: timestampMs,
		}, nil
	})
	if err == nil {
		e.Metrics.StreamAppendedTotal.WithLabelValues(topicName).Inc()
	}
	return partitionID, offset, err
}

func (e *Engine) Fetch(topicName string, partitionID uint32, fromOffset uint64, maxCount int, maxBytes int64) ([]domain.EventRecord, error) {
	return e.Streams.Fetch(topicName, partitionID, fromOffset, maxCount, maxBytes)
}

func (e *Engine) JoinGroup(topicName, groupName, memberID string, strategy domain.RebalanceStrategy) error {
	return e.Streams.JoinGroup(topicName, groupName, memberID, strategy)
}

func (e *Engine) LeaveGroup(topicName, groupName, memberID string) error {
	return e.Streams.LeaveGroup(topicName, groupName, memberID)
}

func (e *Engine) Heartbeat(topicName, groupName, memberID string) error {
	return e.Streams.Heartbeat(topicName, groupName, memberID)
}

func (e *Engine) Commit(topicName, groupName string, partitionID uint32, offset uint64) error {
	// Committed offsets are persisted as ordinary KV entries (spec.md §4.3).
	// The stream manager writes the offset straight into its kv.Store, so the
	// matching KV Set is logged here to carry it through the WAL and the
	// replication log.
	return e.commitApplied(func() (domain.Operation, error) {
		if err := e.Streams.Commit(topicName, groupName, partitionID, offset); err != nil {
			return domain.Operation{}, err
		}
		return domain.Operation{
			Type:    domain.OpKVSet,
			Key:     fmt.Sprintf("__stream_commit__/%s/%s/%d", topicName, groupName, partitionID),
			Value:   []byte(fmt.Sprintf("%d", offset)),
			SetMode: domain.SetAlways,
		}, nil
	})
}

func (e *Engine) FetchForGroup(topicName, groupName, memberID string, partitionID uint32, maxCount int, maxBytes int64) ([]domain.EventRecord, error) {
	return e.Streams.FetchForGroup(topicName, groupName, memberID, partitionID, maxCount, maxBytes)
}

func (e *Engine) Subscribe(topicName string, partitionID uint32, buffer int) (<-chan domain.EventRecord, func(), error) {
	return e.Streams.Subscribe(topicName, partitionID, buffer)
}

// --- Recovery (C9, spec.md §4.6) ---

// Recover loads the newest clean snapshot (if any) and replays WAL entries
// committed after it. Recovery must complete before the engine accepts
// writes from the glue layer (spec.md §4.6 step 5) -- callers are expected
// to call Recover before exposing the engine to any client.
func (e *Engine) Recover(ctx context.Context) error {
	start := time.Now()
	e.logger.Info("storage recovery started")

	loaded, err := e.snapshot.Load()
	walOffset := uint64(0)
	if err != nil {
		if !errors.Is(err, snapshot.ErrNoSnapshots) {
			return fmt.Errorf("load snapshot: %w", err)
		}
		e.logger.Info("no snapshot found, starting with empty state")
	} else {
		e.logger.Info("snapshot loaded",
			"path", loaded.Info.Path, "records", loaded.Info.RecordCount,
			"wal_last_offset", loaded.Info.WALLastOffset)
		e.restoreFromSnapshot(loaded)
		walOffset = loaded.Info.WALLastOffset
		e.lastWALOffset.Store(walOffset)
	}

	applied, err := e.replayWAL(walOffset)
	if err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}
	if applied > 0 {
		e.logger.Info("wal replayed", "entries_applied", applied, "from_offset", walOffset)
	}
	e.Metrics.RecoveryReplayedTotal.Add(float64(applied))

	elapsed := time.Since(start)
	e.logger.Info("recovery completed", "elapsed", elapsed, "kv_size", e.KV.DbSize())
	return nil
}

func (e *Engine) restoreFromSnapshot(loaded *snapshot.Loaded) {
	for _, kvEntry := range loaded.KV {
		e.KV.ApplySet(kvEntry.Key, kvEntry.Value, kvEntry.HasExpiry, kvEntry.ExpiresAtUnixMilli)
	}
	for _, qEntry := range loaded.Queues {
		if err := e.Queues.Restore(qEntry.Name, qEntry.Config, qEntry.Ready, qEntry.Leased, qEntry.DLQ); err != nil {
			e.logger.Warn("restore queue from snapshot failed", "queue", qEntry.Name, "error", err)
		}
	}
	for _, pEntry := range loaded.Partitions {
		if err := e.Streams.CreateTopic(pEntry.Topic, pEntry.TopicConfig); err != nil && !domain.IsKind(err, domain.KindAlreadyExists) {
			e.logger.Warn("restore topic from snapshot failed", "topic", pEntry.Topic, "error", err)
			continue
		}
		if err := e.Streams.RestorePartition(pEntry.Topic, pEntry.Partition, pEntry.OldestOffset, pEntry.NewestOffset, pEntry.Records); err != nil {
			e.logger.Warn("restore partition from snapshot failed", "topic", pEntry.Topic, "partition", pEntry.Partition, "error", err)
		}
	}
}

// replayWAL replays every WAL entry committed after fromOffset, stopping at
// the first unreadable record (spec.md §4.6 step 3): truncation at the
// first bad record is expected, not an error.
func (e *Engine) replayWAL(fromOffset uint64) (int, error) {
	reader, err := wal.NewReader(e.cfg.WAL.Dir, e.cfg.WAL.Cipher)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	if fromOffset > 0 {
		if err := reader.Seek(fromOffset); err != nil {
			return 0, err
		}
	}

	applied := 0
	for {
		entry, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return applied, err
		}
		if err := e.ApplyOperation(entry.Op); err != nil {
			e.logger.Warn("apply wal entry failed", "type", entry.Op.Type, "error", err)
			continue
		}
		e.lastWALOffset.Store(entry.Offset)
		applied++
	}
	return applied, nil
}

// ApplyOperation applies a single Operation to in-memory state, used for WAL
// replay (C9) and by the replica follower (C12) applying a received
// LogBatch. It never writes a new WAL or replication-log entry -- the
// operation has already been committed elsewhere.
func (e *Engine) ApplyOperation(op domain.Operation) error {
	switch {
	case op.Type == domain.OpKVSet || op.Type == domain.OpKVDelete || op.Type == domain.OpKVExpire ||
		op.Type == domain.OpKVPersist || op.Type == domain.OpKVIncr || op.Type == domain.OpKVFlush:
		return e.KV.ApplyOperation(op)
	case op.Type == domain.OpQueueCreate || op.Type == domain.OpQueueDelete || op.Type == domain.OpQueuePublish ||
		op.Type == domain.OpQueueAck || op.Type == domain.OpQueueNack || op.Type == domain.OpQueuePurge:
		return e.Queues.ApplyOperation(op)
	case op.Type == domain.OpTopicCreate || op.Type == domain.OpTopicDelete || op.Type == domain.OpStreamAppend:
		return e.Streams.ApplyOperation(op)
	default:
		return domain.Errorf(domain.KindInternal, "storage: unknown operation type %q", op.Type)
	}
}

// LoadSnapshotFile replaces all in-memory state (KV, queues, stream
// partitions) with the contents of the snapshot at path, used by the
// replica follower (C12) after a full sync (spec.md §4.7 step 2: "apply the
// snapshot (replacing local state)"). It does not touch the WAL or
// replication log -- live mode resumes from the master's LogBatch stream
// immediately afterward.
func (e *Engine) LoadSnapshotFile(path string) error {
	loaded, err := e.snapshot.LoadFile(path)
	if err != nil {
		return domain.Errorf(domain.KindReplicationError, "load snapshot file: %v", err)
	}

	e.KV.FlushDb()
	e.Queues.Reset()
	e.Streams.Reset()
	e.restoreFromSnapshot(loaded)
	e.lastWALOffset.Store(loaded.Info.WALLastOffset)
	return nil
}

// LatestSnapshot and CreateSnapshot implement replication.SnapshotSource so
// the master replicator (C11) can stream a full sync without depending on
// the snapshot package directly.
func (e *Engine) LatestSnapshot() (path string, walLastOffset, replicationOffset uint64, ok bool) {
	latest, err := e.snapshot.LatestInfo()
	if err != nil {
		return "", 0, 0, false
	}
	return latest.Path, latest.WALLastOffset, latest.ReplicationOffset, true
}

// Snapshots lists every retained snapshot, newest first (admin.* command
// surface, e.g. synapctl's "admin snapshot list").
func (e *Engine) Snapshots() ([]*snapshot.Info, error) {
	infos, err := e.snapshot.List()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(infos)-1; i < j; i, j = i+1, j-1 {
		infos[i], infos[j] = infos[j], infos[i]
	}
	return infos, nil
}

func (e *Engine) CreateSnapshot(ctx context.Context) (path string, walLastOffset, replicationOffset uint64, err error) {
	info, err := e.triggerSnapshotLocked()
	if err != nil {
		return "", 0, 0, err
	}
	return info.Path, info.WALLastOffset, info.ReplicationOffset, nil
}

// --- Snapshot source (C8, spec.md §4.6) ---

var _ snapshot.Source = (*Engine)(nil)

func (e *Engine) EachKV(fn func(snapshot.KVEntry) bool) {
	e.KV.All(func(key string, v domain.StoredValue) bool {
		return fn(snapshot.KVEntry{Key: key, Value: v.Bytes, HasExpiry: v.HasExpiry, ExpiresAtUnixMilli: v.ExpiresAtUnixMilli})
	})
}

func (e *Engine) EachQueue(fn func(snapshot.QueueEntry) bool) {
	e.Queues.AllQueues(func(name string, q *queue.Queue) bool {
		_, cfg, ready, leased, dlq := q.Snapshot()
		return fn(snapshot.QueueEntry{Name: name, Config: cfg, Ready: ready, Leased: leased, DLQ: dlq})
	})
}

func (e *Engine) EachPartition(fn func(snapshot.PartitionEntry) bool) {
	e.Streams.AllTopics(func(name string, cfg domain.TopicConfig, mgr *stream.Manager) bool {
		count, err := mgr.PartitionCount(name)
		if err != nil {
			return true
		}
		for pid := 0; pid < count; pid++ {
			oldest, newest, records, err := mgr.PartitionSnapshot(name, uint32(pid))
			if err != nil {
				continue
			}
			if !fn(snapshot.PartitionEntry{
				Topic: name, TopicConfig: cfg, Partition: uint32(pid),
				OldestOffset: oldest, NewestOffset: newest, Records: records,
			}) {
				return false
			}
		}
		return true
	})
}

// TriggerSnapshot creates a snapshot manually (admin.* command surface).
func (e *Engine) TriggerSnapshot(ctx context.Context) (*snapshot.Info, error) {
	return e.triggerSnapshotLocked()
}

func (e *Engine) triggerSnapshotAsync() {
	if !e.snapshotting.CompareAndSwap(false, true) {
		return // a snapshot is already in flight
	}
	defer e.snapshotting.Store(false)
	if _, err := e.triggerSnapshotLocked(); err != nil {
		e.logger.Error("auto snapshot failed", "error", err)
	}
}

func (e *Engine) triggerSnapshotLocked() (*snapshot.Info, error) {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()

	start := time.Now()
	walOffset := e.lastWALOffset.Load()
	replOffset := e.replog.LastOffset()

	info, err := e.snapshot.Create(e, walOffset, replOffset)
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	e.Metrics.SnapshotWriteDuration.Observe(time.Since(start).Seconds())
	e.Metrics.SnapshotSizeBytes.Set(float64(info.Size))
	e.logger.Info("snapshot created", "id", info.ID, "records", info.RecordCount, "size_bytes", info.Size)

	if err := e.snapshot.Prune(); err != nil {
		e.logger.Warn("snapshot cleanup failed", "error", err)
	}

	compactor := wal.NewCompactor(e.cfg.WAL.Dir)
	if err := compactor.Compact(info.WALLastOffset); err != nil {
		e.logger.Warn("wal compaction failed", "error", err)
	}
	return info, nil
}

func (e *Engine) backgroundLoop() {
	defer close(e.doneCh)
	snapshotTicker := time.NewTicker(e.cfg.SnapshotInterval)
	defer snapshotTicker.Stop()
	leaseTicker := time.NewTicker(e.cfg.LeaseCheckInterval)
	defer leaseTicker.Stop()

	for {
		select {
		case <-snapshotTicker.C:
			e.triggerSnapshotAsync()
		case <-leaseTicker.C:
			e.expireQueueLeases()
		case <-e.stopCh:
			return
		}
	}
}

// expireQueueLeases implements the write side of spec.md §4.2's periodic
// lease checker: every message whose lease has passed its ack deadline is
// nacked with requeue through the same commit path as an explicit Nack, so
// the transition is WAL-logged and replicated. Replicas never drive this
// themselves -- they are read-only and instead replay the master's nacks
// off the replication stream, so a stale lease on a replica resolves itself
// once the master's own expiry reaches the WAL.
func (e *Engine) expireQueueLeases() {
	if e.IsReadOnly() {
		return
	}
	now := time.Now().UnixMilli()
	for _, exp := range e.Queues.ExpiredLeases(now) {
		e.Metrics.QueueLeaseExpiredTotal.WithLabelValues(exp.Queue).Inc()
		if err := e.Nack(exp.Queue, exp.MessageID, true); err != nil && !domain.IsKind(err, domain.KindNotFound) {
			e.logger.Warn("lease expiry nack failed", "queue", exp.Queue, "message_id", exp.MessageID, "error", err)
		}
	}
}

// Close gracefully shuts down the storage engine.
func (e *Engine) Close() error {
	e.logger.Info("shutting down storage engine")
	close(e.stopCh)
	<-e.doneCh

	e.Queues.Close()
	e.Streams.Close()
	e.KV.Close()

	if err := e.wal.Close(); err != nil {
		e.logger.Error("close wal failed", "error", err)
		return err
	}
	e.logger.Info("storage engine shutdown complete")
	return nil
}
