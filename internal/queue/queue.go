// Package queue implements the durable work queue core (C3): priority
// FIFO ready set, lease table, retry policy and dead-letter queue.
//
// Each queue guards its ready/lease/DLQ structures with a single mutex;
// the priority ready set itself is built on the standard
// library's container/heap, since no priority-queue library appears
// anywhere in the retrieved corpus.
package queue

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/synap/synap/internal/core/domain"
)

// Manager owns every named queue (spec.md §4.2 Contract).
type Manager struct {
	mu     sync.RWMutex
	queues map[string]*Queue

	idEntropy *ulid.MonotonicEntropy
	idMu      sync.Mutex
}

// NewManager creates a Manager.
func NewManager() *Manager {
	return &Manager{
		queues:    make(map[string]*Queue),
		idEntropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Close is a no-op kept for call-site symmetry with the other managers.
// Manager owns no background goroutine: lease expiry is driven externally
// by storage.Engine (see ExpiredLeases) so every implicit nack goes through
// the engine's durable commit path instead of mutating queue state off the
// WAL.
func (m *Manager) Close() {}

func (m *Manager) newMessageID() string {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	return ulid.MustNew(ulid.Now(), m.idEntropy).String()
}

// Create implements spec.md §4.2 Create.
func (m *Manager) Create(name string, cfg domain.QueueConfig) error {
	if name == "" {
		return domain.Errorf(domain.KindInvalidArgument, "empty queue name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queues[name]; exists {
		return domain.Errorf(domain.KindAlreadyExists, "queue %q already exists", name)
	}
	m.queues[name] = newQueue(name, cfg)
	return nil
}

// Delete implements spec.md §4.2 Delete.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queues[name]; !exists {
		return domain.Errorf(domain.KindNotFound, "queue %q not found", name)
	}
	delete(m.queues, name)
	return nil
}

func (m *Manager) get(name string) (*Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "queue %q not found", name)
	}
	return q, nil
}

// Publish implements spec.md §4.2 Publish.
func (m *Manager) Publish(name string, payload []byte, priority uint8, headers map[string]string) (*domain.Message, error) {
	q, err := m.get(name)
	if err != nil {
		return nil, err
	}
	return q.publish(m.newMessageID(), payload, priority, headers)
}

// Consume implements spec.md §4.2 Consume.
func (m *Manager) Consume(ctx context.Context, name, consumerID string, leaseMs int64) (*domain.Message, error) {
	q, err := m.get(name)
	if err != nil {
		return nil, err
	}
	return q.consume(ctx, consumerID, leaseMs)
}

// Ack implements spec.md §4.2 Ack.
func (m *Manager) Ack(name, messageID string) error {
	q, err := m.get(name)
	if err != nil {
		return err
	}
	return q.ack(messageID)
}

// Nack implements spec.md §4.2 Nack.
func (m *Manager) Nack(name, messageID string, requeue bool) error {
	q, err := m.get(name)
	if err != nil {
		return err
	}
	return q.nack(messageID, requeue)
}

// Purge implements spec.md §4.2 Purge.
func (m *Manager) Purge(name string) error {
	q, err := m.get(name)
	if err != nil {
		return err
	}
	q.purge()
	return nil
}

// Stats implements spec.md §4.2 Stats.
func (m *Manager) Stats(name string) (Stats, error) {
	q, err := m.get(name)
	if err != nil {
		return Stats{}, err
	}
	return q.stats(), nil
}

// ApplyOperation replays/applies a queue Operation during WAL replay or
// replica apply. Create is idempotent (AlreadyExists is swallowed); replayed
// Acks on already-removed messages are no-ops per spec.md §4.6 step 4.
func (m *Manager) ApplyOperation(op domain.Operation) error {
	switch op.Type {
	case domain.OpQueueCreate:
		cfg := domain.QueueConfig{}
		if op.QueueConfig != nil {
			cfg = *op.QueueConfig
		}
		if err := m.Create(op.Queue, cfg); err != nil && !domain.IsKind(err, domain.KindAlreadyExists) {
			return err
		}
	case domain.OpQueueDelete:
		if err := m.Delete(op.Queue); err != nil && !domain.IsKind(err, domain.KindNotFound) {
			return err
		}
	case domain.OpQueuePublish:
		q, err := m.get(op.Queue)
		if err != nil {
			return err
		}
		q.applyPublish(op.MessageID, op.Payload, op.Priority, op.Headers)
	case domain.OpQueueAck:
		q, err := m.get(op.Queue)
		if err != nil {
			return err
		}
		q.ack(op.MessageID) // idempotent: NotFound is expected on replay
	case domain.OpQueueNack:
		q, err := m.get(op.Queue)
		if err != nil {
			return err
		}
		q.nack(op.MessageID, op.Requeue)
	case domain.OpQueuePurge:
		q, err := m.get(op.Queue)
		if err != nil {
			return err
		}
		q.purge()
	default:
		return domain.Errorf(domain.KindInternal, "queue: unexpected op type %q", op.Type)
	}
	return nil
}

// Restore recreates a queue from a snapshot record, replacing any existing
// queue of the same name (spec.md §4.6 recovery step 1).
func (m *Manager) Restore(name string, cfg domain.QueueConfig, ready, leased, dlq []*domain.Message) error {
	if name == "" {
		return domain.Errorf(domain.KindInvalidArgument, "empty queue name")
	}
	m.mu.Lock()
	q, exists := m.queues[name]
	if !exists {
		q = newQueue(name, cfg)
		m.queues[name] = q
	}
	m.mu.Unlock()

	q.restore(ready, leased, dlq)
	return nil
}

// Reset discards every queue, used when a replica follower applies a fresh
// full-sync snapshot that must fully replace local state (spec.md §4.7 step
// 2: "apply the snapshot (replacing local state)").
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = make(map[string]*Queue)
}

// AllQueues iterates every queue for snapshotting.
func (m *Manager) AllQueues(fn func(name string, q *Queue) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, q := range m.queues {
		if !fn(name, q) {
			return
		}
	}
}

// ExpiredLease identifies a leased message whose ack deadline has passed.
type ExpiredLease struct {
	Queue     string
	MessageID string
}

// ExpiredLeases implements the read side of spec.md §4.2's periodic lease
// checker: it reports every message across every queue whose
// delivered_at+lease_ms < now, without mutating any lease state. The caller
// (storage.Engine) turns each one into an implicit nack-with-requeue through
// its own commit path, so the transition is WAL-logged and replicated
// exactly like an explicit Nack instead of happening invisibly inside the
// queue package.
func (m *Manager) ExpiredLeases(now int64) []ExpiredLease {
	m.mu.RLock()
	queues := make(map[string]*Queue, len(m.queues))
	for name, q := range m.queues {
		queues[name] = q
	}
	m.mu.RUnlock()

	var out []ExpiredLease
	for name, q := range queues {
		for _, id := range q.expiredLeaseIDs(now) {
			out = append(out, ExpiredLease{Queue: name, MessageID: id})
		}
	}
	return out
}
