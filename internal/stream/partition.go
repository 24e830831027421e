// Package stream implements the partitioned event log and consumer groups
// (C4-C5): per-topic partitions with monotonic offsets and contiguous-prefix
// retention, plus group membership, rebalance and committed-offset tracking.
//
// Grounded on the teacher's segment-file-per-log idiom
// (internal/storage/wal/writer.go) applied in memory per partition: each
// partition is its own lock domain, the same way the WAL is its own lock
// domain independent of the KV store.
package stream

import (
	"sort"
	"sync"
	"time"

	"github.com/synap/synap/internal/core/domain"
)

// partition is an ordered, monotonically-offset record sequence (spec §3.5).
// Records are stored in a slice indexed by offset-oldestOffset; retention
// only ever drops a contiguous prefix, so this indexing stays valid.
type partition struct {
	mu           sync.RWMutex
	id           uint32
	records      []domain.EventRecord
	oldestOffset uint64
	nextOffset   uint64
	bytes        int64

	broadcast chan domain.EventRecord // best-effort fan-out, see Subscribe
	subsMu    sync.Mutex
	subs      map[uint64]chan domain.EventRecord
	nextSubID uint64
}

func newPartition(id uint32) *partition {
	return &partition{
		id:   id,
		subs: make(map[uint64]chan domain.EventRecord),
	}
}

// append assigns the next monotonic offset and stores the record.
func (p *partition) append(eventType string, payload []byte, headers map[string]string, now time.Time) domain.EventRecord {
	p.mu.Lock()
	rec := domain.EventRecord{
		Offset:      p.nextOffset,
		EventType:   eventType,
		Payload:     payload,
		TimestampMs: now.UnixMilli(),
		Headers:     headers,
	}
	p.records = append(p.records, rec)
	p.nextOffset++
	p.bytes += int64(len(payload))
	p.mu.Unlock()

	p.publishBroadcast(rec)
	return rec
}

// applyAppend replays a record at its originally-assigned offset (WAL
// replay / replica apply). Offsets replay strictly in order so this is
// equivalent to append, but kept separate since future formats may diverge.
func (p *partition) applyAppend(rec domain.EventRecord) {
	p.mu.Lock()
	if rec.Offset != p.nextOffset {
		// Out-of-order replay should not happen; keep nextOffset monotonic
		// regardless so recovery never regresses it.
		if rec.Offset >= p.nextOffset {
			p.nextOffset = rec.Offset + 1
		}
	} else {
		p.nextOffset++
	}
	p.records = append(p.records, rec)
	p.bytes += int64(len(rec.Payload))
	p.mu.Unlock()
	p.publishBroadcast(rec)
}

// restore replaces the partition's live window wholesale from a snapshot,
// preserving oldestOffset even when retention had already dropped a prefix
// before the snapshot was taken.
func (p *partition) restore(oldest, newest uint64, records []domain.EventRecord) {
	p.mu.Lock()
	p.records = append([]domain.EventRecord(nil), records...)
	p.oldestOffset = oldest
	p.nextOffset = newest + 1
	p.bytes = 0
	for _, r := range p.records {
		p.bytes += int64(len(r.Payload))
	}
	p.mu.Unlock()
}

// indexOfLocked returns the slice index of offset, or -1 if it has been retained
// out or not yet appended. Caller must hold at least a read lock.
func (p *partition) indexOfLocked(offset uint64) int {
	if offset < p.oldestOffset || offset >= p.nextOffset {
		return -1
	}
	return int(offset - p.oldestOffset)
}

// fetch implements spec §4.3 Fetch: a contiguous range starting at
// fromOffset (clamped up to oldestOffset), bounded by maxCount and
// maxBytes.
func (p *partition) fetch(fromOffset uint64, maxCount int, maxBytes int64) []domain.EventRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if fromOffset < p.oldestOffset {
		fromOffset = p.oldestOffset
	}
	if fromOffset >= p.nextOffset {
		return nil
	}

	start := int(fromOffset - p.oldestOffset)
	var out []domain.EventRecord
	var bytes int64
	for i := start; i < len(p.records); i++ {
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
		rec := p.records[i]
		if maxBytes > 0 && bytes+int64(len(rec.Payload)) > maxBytes && len(out) > 0 {
			break
		}
		out = append(out, rec)
		bytes += int64(len(rec.Payload))
	}
	return out
}

func (p *partition) newestOffset() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.nextOffset == 0 {
		return 0
	}
	return p.nextOffset - 1
}

// enforceRetention drops the contiguous prefix that violates policy. Called
// periodically per topic (spec §4.3).
func (p *partition) enforceRetention(policy domain.RetentionPolicy, now time.Time) {
	if policy.Infinite() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	drop := 0
	for drop < len(p.records) {
		violates := false
		if policy.MaxRecords > 0 && int64(len(p.records)-drop) > policy.MaxRecords {
			violates = true
		}
		if policy.MaxBytes > 0 && p.bytes > policy.MaxBytes {
			violates = true
		}
		if policy.MaxAgeMs > 0 {
			age := now.UnixMilli() - p.records[drop].TimestampMs
			if age > policy.MaxAgeMs {
				violates = true
			}
		}
		if !violates {
			break
		}
		p.bytes -= int64(len(p.records[drop].Payload))
		drop++
	}
	if drop == 0 {
		return
	}
	p.oldestOffset += uint64(drop)
	p.records = p.records[drop:]
}

// Subscribe registers a push subscriber and returns its channel plus an
// unsubscribe func. Back-pressure policy is "slow subscriber dropped": the
// channel is closed and removed if the broadcaster cannot keep up (spec
// §4.3).
func (p *partition) Subscribe(buffer int) (<-chan domain.EventRecord, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.EventRecord, buffer)

	p.subsMu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subs[id] = ch
	p.subsMu.Unlock()

	return ch, func() {
		p.subsMu.Lock()
		if existing, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(existing)
		}
		p.subsMu.Unlock()
	}
}

func (p *partition) publishBroadcast(rec domain.EventRecord) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- rec:
		default:
			// slow subscriber: drop it rather than block the append path.
			delete(p.subs, id)
			close(ch)
		}
	}
}

// sortedByID returns an ascending copy of ids.
func sortedByID(ids []uint32) []uint32 {
	out := append([]uint32(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
