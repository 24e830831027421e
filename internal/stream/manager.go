package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/synap/synap/internal/core/domain"
	"github.com/synap/synap/internal/kv"
)

// offsetStore is the subset of kv.Store the stream manager needs to persist
// committed group offsets (spec §4.3: "stored in the KV store under a
// reserved key namespace so commits survive restart").
type offsetStore interface {
	Set(key string, value []byte, ttl *time.Duration, mode domain.SetMode) (domain.SetOutcome, error)
	Get(key string) ([]byte, bool, error)
}

// offsetKeyPrefix namespaces committed-offset keys away from user keys.
const offsetKeyPrefix = "__stream_commit__/"

func offsetKey(topic, group string, partition uint32) string {
	return fmt.Sprintf("%s%s/%s/%d", offsetKeyPrefix, topic, group, partition)
}

type topic struct {
	mu         sync.RWMutex
	name       string
	cfg        domain.TopicConfig
	partitions []*partition
	groups     map[string]*group
}

func newTopic(name string, cfg domain.TopicConfig) *topic {
	if cfg.Partitions == 0 {
		cfg.Partitions = 1
	}
	t := &topic{
		name:   name,
		cfg:    cfg,
		groups: make(map[string]*group),
	}
	t.partitions = make([]*partition, cfg.Partitions)
	for i := range t.partitions {
		t.partitions[i] = newPartition(uint32(i))
	}
	return t
}

func (t *topic) partitionFor(key string) uint32 {
	if key == "" {
		return 0
	}
	return murmur3.Sum32([]byte(key)) % uint32(len(t.partitions))
}

// Manager owns every topic (spec §4.3 Contract).
type Manager struct {
	mu     sync.RWMutex
	topics map[string]*topic
	kv     offsetStore

	roundRobin map[string]*uint32 // per-topic counter for keyless publish

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a Manager and starts its background retention and
// heartbeat-expiry loop. kvStore is where committed group offsets persist.
func NewManager(kvStore *kv.Store) *Manager {
	m := &Manager{
		topics:     make(map[string]*topic),
		kv:         kvStore,
		roundRobin: make(map[string]*uint32),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go m.backgroundLoop()
	return m
}

// Close stops the background loop.
func (m *Manager) Close() {
	close(m.stopCh)
	<-m.doneCh
}

// CreateTopic implements spec §4.3 topic creation.
func (m *Manager) CreateTopic(name string, cfg domain.TopicConfig) error {
	if name == "" {
		return domain.Errorf(domain.KindInvalidArgument, "empty topic name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.topics[name]; exists {
		return domain.Errorf(domain.KindAlreadyExists, "topic %q already exists", name)
	}
	m.topics[name] = newTopic(name, cfg)
	var zero uint32
	m.roundRobin[name] = &zero
	return nil
}

// DeleteTopic implements spec §4.3 topic deletion.
func (m *Manager) DeleteTopic(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.topics[name]; !exists {
		return domain.Errorf(domain.KindNotFound, "topic %q not found", name)
	}
	delete(m.topics, name)
	delete(m.roundRobin, name)
	return nil
}

func (m *Manager) getTopic(name string) (*topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[name]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "topic %q not found", name)
	}
	return t, nil
}

// Publish implements spec §4.3 Publish: chooses a partition by explicit key
// (hashed) or round-robin, then appends under that partition's own lock.
func (m *Manager) Publish(topicName, partitionKey, eventType string, payload []byte, headers map[string]string) (uint32, uint64, error) {
	t, err := m.getTopic(topicName)
	if err != nil {
		return 0, 0, err
	}

	var pid uint32
	if partitionKey != "" {
		pid = t.partitionFor(partitionKey)
	} else {
		m.mu.Lock()
		counter := m.roundRobin[topicName]
		pid = *counter % uint32(len(t.partitions))
		*counter++
		m.mu.Unlock()
	}

	rec := t.partitions[pid].append(eventType, payload, headers, time.Now())
	return pid, rec.Offset, nil
}

// Fetch implements spec §4.3 Fetch.
func (m *Manager) Fetch(topicName string, partitionID uint32, fromOffset uint64, maxCount int, maxBytes int64) ([]domain.EventRecord, error) {
	t, err := m.getTopic(topicName)
	if err != nil {
		return nil, err
	}
	if int(partitionID) >= len(t.partitions) {
		return nil, domain.Errorf(domain.KindInvalidArgument, "partition %d out of range for topic %q", partitionID, topicName)
	}
	return t.partitions[partitionID].fetch(fromOffset, maxCount, maxBytes), nil
}

// Subscribe implements spec §4.3's broadcast (push) subscription.
func (m *Manager) Subscribe(topicName string, partitionID uint32, buffer int) (<-chan domain.EventRecord, func(), error) {
	t, err := m.getTopic(topicName)
	if err != nil {
		return nil, nil, err
	}
	if int(partitionID) >= len(t.partitions) {
		return nil, nil, domain.Errorf(domain.KindInvalidArgument, "partition %d out of range for topic %q", partitionID, topicName)
	}
	ch, cancel := t.partitions[partitionID].Subscribe(buffer)
	return ch, cancel, nil
}

// JoinGroup implements spec §4.3 JoinGroup.
func (m *Manager) JoinGroup(topicName, groupName, memberID string, strategy domain.RebalanceStrategy) error {
	t, err := m.getTopic(topicName)
	if err != nil {
		return err
	}
	t.mu.Lock()
	g, ok := t.groups[groupName]
	if !ok {
		g = newGroup(topicName, groupName, string(strategy), 10_000)
		t.groups[groupName] = g
	}
	partitionCount := uint32(len(t.partitions))
	t.mu.Unlock()

	g.join(memberID, partitionCount, time.Now())
	return nil
}

// LeaveGroup implements spec §4.3 LeaveGroup.
func (m *Manager) LeaveGroup(topicName, groupName, memberID string) error {
	t, err := m.getTopic(topicName)
	if err != nil {
		return err
	}
	t.mu.RLock()
	g, ok := t.groups[groupName]
	partitionCount := uint32(len(t.partitions))
	t.mu.RUnlock()
	if !ok {
		return domain.Errorf(domain.KindNotFound, "group %q not found on topic %q", groupName, topicName)
	}
	g.leave(memberID, partitionCount)
	return nil
}

// Heartbeat refreshes a group member's liveness.
func (m *Manager) Heartbeat(topicName, groupName, memberID string) error {
	g, err := m.getGroup(topicName, groupName)
	if err != nil {
		return err
	}
	g.heartbeat(memberID, time.Now())
	return nil
}

// Assignment returns the partitions currently assigned to memberID.
func (m *Manager) Assignment(topicName, groupName, memberID string) ([]uint32, error) {
	g, err := m.getGroup(topicName, groupName)
	if err != nil {
		return nil, err
	}
	return g.assignmentFor(memberID), nil
}

func (m *Manager) getGroup(topicName, groupName string) (*group, error) {
	t, err := m.getTopic(topicName)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.groups[groupName]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "group %q not found on topic %q", groupName, topicName)
	}
	return g, nil
}

// Commit implements spec §4.3 Commit: an atomic, monotonic non-decreasing
// write into the KV store's reserved offset namespace.
func (m *Manager) Commit(topicName, groupName string, partitionID uint32, offset uint64) error {
	if _, err := m.getGroup(topicName, groupName); err != nil {
		return err
	}
	key := offsetKey(topicName, groupName, partitionID)
	current, ok, err := m.kv.Get(key)
	if err != nil {
		return err
	}
	if ok {
		var prev uint64
		fmt.Sscanf(string(current), "%d", &prev)
		if offset < prev {
			return domain.Errorf(domain.KindConflict, "commit offset %d is behind committed offset %d", offset, prev)
		}
	}
	_, err = m.kv.Set(key, []byte(fmt.Sprintf("%d", offset)), nil, domain.SetAlways)
	return err
}

// CommittedOffset returns the last committed offset for (topic, group,
// partition), or 0 if none has been committed.
func (m *Manager) CommittedOffset(topicName, groupName string, partitionID uint32) (uint64, error) {
	key := offsetKey(topicName, groupName, partitionID)
	val, ok, err := m.kv.Get(key)
	if err != nil || !ok {
		return 0, err
	}
	var offset uint64
	fmt.Sscanf(string(val), "%d", &offset)
	return offset, nil
}

// FetchForGroup implements spec §4.3 FetchForGroup: records strictly after
// the committed offset for that partition, gated to the member's current
// assignment.
func (m *Manager) FetchForGroup(topicName, groupName, memberID string, partitionID uint32, maxCount int, maxBytes int64) ([]domain.EventRecord, error) {
	assignment, err := m.Assignment(topicName, groupName, memberID)
	if err != nil {
		return nil, err
	}
	owns := false
	for _, p := range assignment {
		if p == partitionID {
			owns = true
			break
		}
	}
	if !owns {
		return nil, domain.Errorf(domain.KindInvalidArgument, "member %q is not assigned partition %d", memberID, partitionID)
	}

	committed, err := m.CommittedOffset(topicName, groupName, partitionID)
	if err != nil {
		return nil, err
	}
	return m.Fetch(topicName, partitionID, committed+1, maxCount, maxBytes)
}

// ApplyOperation replays a stream Operation during WAL replay or replica
// apply.
func (m *Manager) ApplyOperation(op domain.Operation) error {
	switch op.Type {
	case domain.OpTopicCreate:
		cfg := domain.TopicConfig{}
		if op.TopicConfig != nil {
			cfg = *op.TopicConfig
		}
		if err := m.CreateTopic(op.Topic, cfg); err != nil && !domain.IsKind(err, domain.KindAlreadyExists) {
			return err
		}
	case domain.OpTopicDelete:
		if err := m.DeleteTopic(op.Topic); err != nil && !domain.IsKind(err, domain.KindNotFound) {
			return err
		}
	case domain.OpStreamAppend:
		t, err := m.getTopic(op.Topic)
		if err != nil {
			return err
		}
		if int(op.Partition) >= len(t.partitions) {
			return domain.Errorf(domain.KindInvalidArgument, "partition %d out of range for topic %q", op.Partition, op.Topic)
		}
		t.partitions[op.Partition].applyAppend(domain.EventRecord{
			Offset:      op.Offset,
			EventType:   op.EventType,
			Payload:     op.Payload,
			TimestampMs: op.TimestampMs,
			Headers:     op.Headers,
		})
	default:
		return domain.Errorf(domain.KindInternal, "stream: unexpected op type %q", op.Type)
	}
	return nil
}

// Reset discards every topic, used when a replica follower applies a fresh
// full-sync snapshot that must fully replace local state (spec.md §4.7 step
// 2: "apply the snapshot (replacing local state)").
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = make(map[string]*topic)
	m.roundRobin = make(map[string]*uint32)
}

// AllTopics iterates every topic for snapshotting (C8).
func (m *Manager) AllTopics(fn func(name string, cfg domain.TopicConfig, t *Manager) bool) {
	m.mu.RLock()
	names := make([]string, 0, len(m.topics))
	for name := range m.topics {
		names = append(names, name)
	}
	m.mu.RUnlock()
	for _, name := range names {
		t, err := m.getTopic(name)
		if err != nil {
			continue
		}
		if !fn(name, t.cfg, m) {
			return
		}
	}
}

// PartitionSnapshot returns a consistent copy of a partition's live records
// and offsets, for snapshotting (C8).
func (m *Manager) PartitionSnapshot(topicName string, partitionID uint32) (oldest, newest uint64, records []domain.EventRecord, err error) {
	t, err := m.getTopic(topicName)
	if err != nil {
		return 0, 0, nil, err
	}
	if int(partitionID) >= len(t.partitions) {
		return 0, 0, nil, domain.Errorf(domain.KindInvalidArgument, "partition %d out of range", partitionID)
	}
	p := t.partitions[partitionID]
	p.mu.RLock()
	defer p.mu.RUnlock()
	records = append([]domain.EventRecord(nil), p.records...)
	return p.oldestOffset, p.newestOffset(), records, nil
}

// RestorePartition loads a snapshotted partition window back into a topic
// that has already been recreated via CreateTopic (spec §4.6 recovery step 1).
func (m *Manager) RestorePartition(topicName string, partitionID uint32, oldest, newest uint64, records []domain.EventRecord) error {
	t, err := m.getTopic(topicName)
	if err != nil {
		return err
	}
	if int(partitionID) >= len(t.partitions) {
		return domain.Errorf(domain.KindInvalidArgument, "partition %d out of range for topic %q", partitionID, topicName)
	}
	t.partitions[partitionID].restore(oldest, newest, records)
	return nil
}

// PartitionCount returns how many partitions a topic has.
func (m *Manager) PartitionCount(topicName string) (int, error) {
	t, err := m.getTopic(topicName)
	if err != nil {
		return 0, err
	}
	return len(t.partitions), nil
}

// backgroundLoop enforces retention and expires stale group members on a
// fixed cadence (spec §4.3).
func (m *Manager) backgroundLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	now := time.Now()
	m.mu.RLock()
	topics := make([]*topic, 0, len(m.topics))
	for _, t := range m.topics {
		topics = append(topics, t)
	}
	m.mu.RUnlock()

	for _, t := range topics {
		t.mu.RLock()
		cfg := t.cfg
		parts := append([]*partition(nil), t.partitions...)
		groups := make([]*group, 0, len(t.groups))
		for _, g := range t.groups {
			groups = append(groups, g)
		}
		t.mu.RUnlock()

		for _, p := range parts {
			p.enforceRetention(cfg.Retention, now)
		}
		for _, g := range groups {
			g.expireStale(uint32(len(parts)), now)
		}
	}
}
