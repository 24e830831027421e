package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/synap/synap/internal/core/domain"
)

type leaseEntry struct {
	msg         *domain.Message
	deliveredAt int64
	leaseMs     int64
}

// Queue is a single named queue: ready set, lease table, DLQ, all owned
// exclusively under one mutex plus a broadcast channel for blocked
// consumers (spec.md §5 — a condition-variable-equivalent that stays
// cancel-safe under context.Context, which sync.Cond cannot express).
type Queue struct {
	name string
	cfg  domain.QueueConfig

	mu      sync.Mutex
	ready   readyHeap
	lease   map[string]*leaseEntry
	dlq     []*domain.Message
	nextSeq uint64

	waitCh chan struct{} // closed and replaced whenever the ready set grows
}

func newQueue(name string, cfg domain.QueueConfig) *Queue {
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 10_000
	}
	if cfg.AckDeadlineMs == 0 {
		cfg.AckDeadlineMs = 30_000
	}
	q := &Queue{
		name:   name,
		cfg:    cfg,
		lease:  make(map[string]*leaseEntry),
		waitCh: make(chan struct{}),
	}
	heap.Init(&q.ready)
	return q
}

func (q *Queue) depthLocked() int {
	return len(q.ready) + len(q.lease)
}

// notifyLocked wakes every blocked consumer. Caller must hold mu.
func (q *Queue) notifyLocked() {
	close(q.waitCh)
	q.waitCh = make(chan struct{})
}

func (q *Queue) publish(id string, payload []byte, priority uint8, headers map[string]string) (*domain.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if uint64(q.depthLocked()) >= q.cfg.MaxDepth {
		return nil, domain.Errorf(domain.KindQueueFull, "queue %q at max_depth %d", q.name, q.cfg.MaxDepth)
	}

	q.nextSeq++
	msg := &domain.Message{ID: id, Payload: payload, Priority: priority, Headers: headers, EnqueueSeq: q.nextSeq}
	heap.Push(&q.ready, &readyItem{msg: msg, seq: q.nextSeq})
	q.notifyLocked()
	return msg, nil
}

// applyPublish replays a publish with its originally-assigned id, used by
// WAL replay / replica apply where the id is already fixed.
func (q *Queue) applyPublish(id string, payload []byte, priority uint8, headers map[string]string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	msg := &domain.Message{ID: id, Payload: payload, Priority: priority, Headers: headers, EnqueueSeq: q.nextSeq}
	heap.Push(&q.ready, &readyItem{msg: msg, seq: q.nextSeq})
	q.notifyLocked()
}

// consume implements spec.md §4.2 Consume: atomically removes the ready-set
// head and inserts it into the lease table, exactly one consumer ever
// observing a given message. Cancellation never leaves the queue
// inconsistent: a cancelled waiter simply stops waiting, it never partially
// dequeues.
func (q *Queue) consume(ctx context.Context, consumerID string, leaseMs int64) (*domain.Message, error) {
	if leaseMs <= 0 {
		leaseMs = q.cfg.AckDeadlineMs
	}

	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			item := heap.Pop(&q.ready).(*readyItem)
			item.msg.DeliveredAt = time.Now().UnixMilli()
			item.msg.ConsumerID = consumerID
			q.lease[item.msg.ID] = &leaseEntry{msg: item.msg, deliveredAt: item.msg.DeliveredAt, leaseMs: leaseMs}
			q.mu.Unlock()
			return item.msg, nil
		}
		waitCh := q.waitCh
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, domain.ErrTimeout
			}
			return nil, domain.ErrCancelled
		case <-waitCh:
			// ready set changed; loop and re-check
		}
	}
}

// ack implements spec.md §4.2 Ack.
func (q *Queue) ack(messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.lease[messageID]; !ok {
		return domain.Errorf(domain.KindNotFound, "message %q not leased", messageID)
	}
	delete(q.lease, messageID)
	return nil
}

// nack implements spec.md §4.2 Nack, including the retry-to-DLQ transition.
func (q *Queue) nack(messageID string, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.lease[messageID]
	if !ok {
		return domain.Errorf(domain.KindNotFound, "message %q not leased", messageID)
	}
	delete(q.lease, messageID)

	if !requeue {
		q.dlq = append(q.dlq, entry.msg)
		return nil
	}

	entry.msg.RetriesSoFar++
	if entry.msg.RetriesSoFar > q.cfg.MaxRetries {
		q.dlq = append(q.dlq, entry.msg)
		return nil
	}

	q.nextSeq++
	entry.msg.EnqueueSeq = q.nextSeq
	heap.Push(&q.ready, &readyItem{msg: entry.msg, seq: q.nextSeq})
	q.notifyLocked()
	return nil
}

func (q *Queue) purge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = q.ready[:0]
	q.lease = make(map[string]*leaseEntry)
	q.dlq = nil
}

// Stats is the spec.md §4.2 Stats result.
type Stats struct {
	Name            string
	ReadyCount      int
	LeasedCount     int
	DeadLetterCount int
	Depth           int
}

func (q *Queue) stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Name:            q.name,
		ReadyCount:      len(q.ready),
		LeasedCount:     len(q.lease),
		DeadLetterCount: len(q.dlq),
		Depth:           q.depthLocked(),
	}
}

// expiredLeaseIDs returns the ids of every leased message whose ack
// deadline has passed as of now, without mutating lease state. The actual
// nack-with-requeue is driven by the caller (see Manager.ExpiredLeases) so
// it goes through storage.Engine's commit path and is WAL-logged like any
// other nack.
func (q *Queue) expiredLeaseIDs(now int64) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []string
	for id, e := range q.lease {
		lease := e.leaseMs
		if lease <= 0 {
			lease = q.cfg.AckDeadlineMs
		}
		if e.deliveredAt+lease < now {
			expired = append(expired, id)
		}
	}
	return expired
}

// DLQMessages returns a snapshot of the dead-letter list, ordered by time of
// DLQ transition (append order).
func (q *Queue) DLQMessages() []*domain.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.Message, len(q.dlq))
	copy(out, q.dlq)
	return out
}

// restore replaces the queue's ready/lease/DLQ state wholesale with
// previously snapshotted messages, re-leasing delivered messages at the
// moment of restore rather than trusting a stale DeliveredAt.
func (q *Queue) restore(ready, leased, dlq []*domain.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ready = q.ready[:0]
	for _, msg := range ready {
		q.nextSeq++
		heap.Push(&q.ready, &readyItem{msg: msg, seq: q.nextSeq})
	}

	q.lease = make(map[string]*leaseEntry, len(leased))
	now := time.Now().UnixMilli()
	for _, msg := range leased {
		q.lease[msg.ID] = &leaseEntry{msg: msg, deliveredAt: now}
	}

	q.dlq = append([]*domain.Message(nil), dlq...)
	q.notifyLocked()
}

// Snapshot returns every message currently in ready, leased, or DLQ state
// for snapshotting (C8); used instead of exposing internal structures.
func (q *Queue) Snapshot() (name string, cfg domain.QueueConfig, ready, leased, dlq []*domain.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ready = make([]*domain.Message, len(q.ready))
	for i, it := range q.ready {
		ready[i] = it.msg
	}
	for _, e := range q.lease {
		leased = append(leased, e.msg)
	}
	dlq = make([]*domain.Message, len(q.dlq))
	copy(dlq, q.dlq)
	return q.name, q.cfg, ready, leased, dlq
}
