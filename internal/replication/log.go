// Package replication implements the master→replica replication protocol
// (C10-C12): a bounded circular log of committed operations, a master that
// fans it out to connected replicas (full sync from a snapshot, partial
// sync from the log, then live streaming), and a replica that applies the
// received stream and enforces read-only semantics.
//
// Grounded on the teacher's single-writer-task idiom (internal/storage/wal):
// the log is append-only under one lock with a monotonic offset, the same
// shape as the WAL writer's segment offset, generalized to an in-memory ring
// buffer instead of a file.
package replication

import (
	"sync"

	"github.com/synap/synap/internal/core/domain"
)

// DefaultCapacity is the replication log's fixed entry capacity (spec.md
// §3.10: "default 1,048,576 entries").
const DefaultCapacity = 1 << 20

// Entry is one replication log record (spec.md §3.10).
type Entry struct {
	Offset      uint64          `json:"offset"`
	TimestampMs int64           `json:"timestamp_ms"`
	Op          domain.Operation `json:"op"`
}

// ErrNotResident is returned by GetFrom when the requested offset is older
// than the oldest entry still held in the ring buffer.
var ErrNotResident = domain.Errorf(domain.KindReplicationError, "requested offset is not resident")

// Log is the bounded circular replication log (C10). append assigns the
// next op_offset and overwrites the oldest slot once the ring is full;
// GetFrom serves a contiguous read starting at a still-resident offset.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	next     uint64 // offset that will be assigned to the next Append
	count    int    // number of live entries currently held

	notifyMu sync.Mutex
	notifyCh chan struct{}
}

// NewLog creates a Log with the given capacity (DefaultCapacity if zero).
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries:  make([]Entry, capacity),
		capacity: capacity,
		notifyCh: make(chan struct{}),
	}
}

// Append assigns the next monotonic op_offset to op and stores it, evicting
// the oldest entry if the ring is full. It never reuses an offset.
func (l *Log) Append(op domain.Operation, timestampMs int64) Entry {
	l.mu.Lock()
	e := Entry{Offset: l.next, TimestampMs: timestampMs, Op: op}
	l.entries[int(e.Offset%uint64(l.capacity))] = e
	l.next++
	if l.count < l.capacity {
		l.count++
	}
	l.mu.Unlock()

	l.notifyMu.Lock()
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	l.notifyMu.Unlock()

	return e
}

// oldestOffsetLocked returns the oldest offset still resident. Caller must
// hold l.mu.
func (l *Log) oldestOffsetLocked() uint64 {
	if l.count == 0 {
		return l.next
	}
	if uint64(l.count) > l.next {
		return 0
	}
	return l.next - uint64(l.count)
}

// OldestOffset returns the oldest offset still resident in the ring.
func (l *Log) OldestOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.oldestOffsetLocked()
}

// LastOffset returns the offset of the most recently appended entry, or 0 if
// the log is empty (mirroring next==0 as "nothing appended yet").
func (l *Log) LastOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next == 0 {
		return 0
	}
	return l.next - 1
}

// NextOffset returns the offset that will be assigned to the next Append.
func (l *Log) NextOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// GetFrom returns up to max contiguous entries starting at offset, or
// ErrNotResident if offset has already been evicted from the ring.
func (l *Log) GetFrom(offset uint64, max int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 || offset >= l.next {
		return nil, nil
	}
	oldest := l.oldestOffsetLocked()
	if offset < oldest {
		return nil, ErrNotResident
	}

	avail := int(l.next - offset)
	if max <= 0 || max > avail {
		max = avail
	}
	out := make([]Entry, max)
	for i := 0; i < max; i++ {
		out[i] = l.entries[int((offset+uint64(i))%uint64(l.capacity))]
	}
	return out, nil
}

// Wait returns a channel that closes the next time Append is called,
// letting a replica session block for new entries without polling (the same
// close-and-replace idiom as queue.Queue's waitCh).
func (l *Log) Wait() <-chan struct{} {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	return l.notifyCh
}
