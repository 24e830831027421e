package kv

import (
	"encoding/base64"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/synap/synap/internal/core/domain"
)

// EvictionPolicy is the behavior applied when MaxMemoryBytes is exceeded
// (spec.md §6.3 kv_store.eviction_policy).
type EvictionPolicy string

const (
	EvictionLRU  EvictionPolicy = "lru"
	EvictionLFU  EvictionPolicy = "lfu"
	EvictionTTL  EvictionPolicy = "ttl"
	EvictionNone EvictionPolicy = "none"
)

// Config configures a Store.
type Config struct {
	UpgradeThreshold int
	MaxMemoryBytes   int64 // 0 = unlimited
	EvictionPolicy   EvictionPolicy
	TTLSweepInterval time.Duration
	TTLSweepSamples  int     // keys sampled per shard per tick
	TTLSweepShards   int     // shards sampled per tick
	TTLSweepRetrigger float64 // expired/sampled ratio that causes a repeat tick
	TTLSweepMaxRepeat int
}

// DefaultConfig returns sensible defaults matching spec.md §6.3.
func DefaultConfig() Config {
	return Config{
		UpgradeThreshold:  DefaultUpgradeThreshold,
		EvictionPolicy:    EvictionNone,
		TTLSweepInterval:  100 * time.Millisecond,
		TTLSweepSamples:   20,
		TTLSweepShards:    4,
		TTLSweepRetrigger: 0.25,
		TTLSweepMaxRepeat: 4,
	}
}

// Store is the 64-way sharded KV core (C1-C2).
type Store struct {
	cfg    Config
	shards [ShardCount]*shard

	memUsed atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Store and starts its background TTL sweeper.
func New(cfg Config) *Store {
	if cfg.UpgradeThreshold <= 0 {
		cfg.UpgradeThreshold = DefaultUpgradeThreshold
	}
	if cfg.TTLSweepInterval <= 0 {
		cfg.TTLSweepInterval = 100 * time.Millisecond
	}
	s := &Store{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = newShard(cfg.UpgradeThreshold)
	}
	go s.sweepLoop()
	return s
}

// Close stops the background sweeper.
func (s *Store) Close() {
	close(s.stopCh)
	<-s.doneCh
}

func shardIndex(key string) int {
	return int(murmur3.Sum32([]byte(key)) % ShardCount)
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[shardIndex(key)]
}

func validateKey(key string) error {
	if key == "" {
		return domain.Errorf(domain.KindInvalidArgument, "empty key")
	}
	return nil
}

// Set implements spec.md §4.1 Set.
func (s *Store) Set(key string, value []byte, ttl *time.Duration, mode domain.SetMode) (domain.SetOutcome, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if s.cfg.MaxMemoryBytes > 0 && s.memUsed.Load()+int64(len(value)+len(key)) > s.cfg.MaxMemoryBytes {
		if err := s.tryEvict(int64(len(value) + len(key))); err != nil {
			return "", err
		}
	}

	var sv domain.StoredValue
	if ttl != nil {
		sv = domain.NewExpiring(value, *ttl)
	} else {
		sv = domain.NewPersistent(value)
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, existed := sh.getLocked(key)
	isLive := existed && existing.IsLive(time.Now())

	switch mode {
	case domain.SetOnlyIfAbsent:
		if isLive {
			return domain.SetNotApplied, nil
		}
	case domain.SetOnlyIfPresent:
		if !isLive {
			return domain.SetNotApplied, nil
		}
	}

	if isLive {
		s.memUsed.Add(-int64(len(existing.Bytes) + len(key)))
	}
	sh.setLocked(key, sv)
	s.memUsed.Add(int64(len(value) + len(key)))

	if isLive {
		return domain.SetUpdated, nil
	}
	return domain.SetCreated, nil
}

// ApplySet is a replay/replication-safe variant of Set, used by WAL replay
// and the replica follower: it sets unconditionally with an explicit
// absolute expiry, without running eviction accounting (replay assumes the
// capacity decision was already made live).
func (s *Store) ApplySet(key string, value []byte, hasExpiry bool, expiresAtUnixMilli int64) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	var sv domain.StoredValue
	if hasExpiry {
		sv = domain.NewExpiringAt(value, expiresAtUnixMilli)
	} else {
		sv = domain.NewPersistent(value)
	}
	sh.setLocked(key, sv)
}

// Get implements spec.md §4.1 Get: read lock first, lazily promote to a
// write lock and remove the entry if it has expired.
func (s *Store) Get(key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	sh := s.shardFor(key)

	sh.mu.RLock()
	v, ok := sh.getLocked(key)
	sh.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if v.IsLive(time.Now()) {
		return v.Bytes, true, nil
	}

	sh.mu.Lock()
	v2, ok2 := sh.getLocked(key)
	if ok2 && !v2.IsLive(time.Now()) {
		sh.deleteLocked(key)
		s.memUsed.Add(-int64(len(v2.Bytes) + len(key)))
	}
	sh.mu.Unlock()
	return nil, false, nil
}

// Exists implements spec.md §4.1 Exists.
func (s *Store) Exists(key string) (bool, error) {
	_, ok, err := s.Get(key)
	return ok, err
}

// Delete implements spec.md §4.1 Delete: per-shard write lock, returns the
// number of keys actually removed.
func (s *Store) Delete(keys ...string) (int, error) {
	removed := 0
	// Group by shard and lock shards in ascending index order to avoid
	// deadlock on multi-key batches (spec.md §5).
	byShard := make(map[int][]string)
	for _, k := range keys {
		byShard[shardIndex(k)] = append(byShard[shardIndex(k)], k)
	}
	indices := make([]int, 0, len(byShard))
	for idx := range byShard {
		indices = append(indices, idx)
	}
	sortInts(indices)

	for _, idx := range indices {
		sh := s.shards[idx]
		sh.mu.Lock()
		for _, k := range byShard[idx] {
			v, ok := sh.getLocked(k)
			if !ok {
				continue
			}
			sh.deleteLocked(k)
			s.memUsed.Add(-int64(len(v.Bytes) + len(k)))
			removed++
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

// incrDecr implements Incr/Decr: read-modify-write under the shard's write
// lock. Missing keys start at 0; non-integer bytes fail with TypeMismatch.
func (s *Store) incrDecr(key string, delta int64) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var current int64
	existing, ok := sh.getLocked(key)
	if ok && existing.IsLive(time.Now()) {
		parsed, err := strconv.ParseInt(strings.TrimSpace(string(existing.Bytes)), 10, 64)
		if err != nil {
			return 0, domain.Errorf(domain.KindTypeMismatch, "value for %q is not an integer", key)
		}
		current = parsed
	}

	next := current + delta
	nv := domain.NewPersistent([]byte(strconv.FormatInt(next, 10)))
	if ok {
		s.memUsed.Add(-int64(len(existing.Bytes) + len(key)))
	}
	sh.setLocked(key, nv)
	s.memUsed.Add(int64(len(nv.Bytes) + len(key)))
	return next, nil
}

// Incr implements spec.md §4.1 Incr.
func (s *Store) Incr(key string, delta int64) (int64, error) { return s.incrDecr(key, delta) }

// Decr implements spec.md §4.1 Decr.
func (s *Store) Decr(key string, delta int64) (int64, error) { return s.incrDecr(key, -delta) }

// Expire implements spec.md §4.1 Expire.
func (s *Store) Expire(key string, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := sh.getLocked(key)
	if !ok || !v.IsLive(time.Now()) {
		return false, nil
	}
	v.HasExpiry = true
	v.ExpiresAtUnixMilli = time.Now().Add(ttl).UnixMilli()
	sh.setLocked(key, v)
	return true, nil
}

// ApplyExpireAt sets an absolute expiry on key, used by WAL replay so the
// replayed instant matches the originally-committed one exactly rather than
// being recomputed relative to replay time.
func (s *Store) ApplyExpireAt(key string, expiresAtUnixMilli int64) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := sh.getLocked(key)
	if !ok || !v.IsLive(time.Now()) {
		return false
	}
	v.HasExpiry = true
	v.ExpiresAtUnixMilli = expiresAtUnixMilli
	sh.setLocked(key, v)
	return true
}

// Persist implements spec.md §4.1 Persist.
func (s *Store) Persist(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := sh.getLocked(key)
	if !ok || !v.IsLive(time.Now()) || !v.HasExpiry {
		return false, nil
	}
	v.HasExpiry = false
	v.ExpiresAtUnixMilli = 0
	sh.setLocked(key, v)
	return true, nil
}

// Ttl implements spec.md §4.1 Ttl.
func (s *Store) Ttl(key string) (domain.TTLStatus, error) {
	if err := validateKey(key); err != nil {
		return domain.TTLStatus{}, err
	}
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	v, ok := sh.getLocked(key)
	if !ok || !v.IsLive(time.Now()) {
		return domain.TTLStatus{NoKey: true}, nil
	}
	if !v.HasExpiry {
		return domain.TTLStatus{NoExpiry: true}, nil
	}
	remaining, _ := v.TTLRemaining(time.Now())
	return domain.TTLStatus{Seconds: uint64(remaining.Seconds())}, nil
}

// Cursor is the opaque Scan cursor: (shard_index, position_within_shard),
// where "position" is the last key returned, since both shard shapes
// (sorted Large, sorted-on-demand Small) visit keys in a deterministic
// lexicographic order (spec.md §4.1).
type Cursor struct {
	ShardIndex int
	AfterKey   string
}

// String encodes the cursor opaquely.
func (c Cursor) String() string {
	return fmt.Sprintf("%d:%s", c.ShardIndex, base64.RawURLEncoding.EncodeToString([]byte(c.AfterKey)))
}

// ParseCursor decodes a cursor string produced by Cursor.String.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Cursor{}, domain.Errorf(domain.KindInvalidArgument, "malformed cursor %q", s)
	}
	idx, err := strconv.Atoi(parts[0])
	if err != nil || idx < 0 || idx >= ShardCount {
		return Cursor{}, domain.Errorf(domain.KindInvalidArgument, "malformed cursor %q", s)
	}
	after, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Cursor{}, domain.Errorf(domain.KindInvalidArgument, "malformed cursor %q", s)
	}
	return Cursor{ShardIndex: idx, AfterKey: string(after)}, nil
}

// Scan implements spec.md §4.1 Scan: iterates shards in ascending order,
// returns at least one key per page when any match, advisory count hint.
func (s *Store) Scan(prefix string, cursorStr string, countHint int) ([]string, string, error) {
	cur, err := ParseCursor(cursorStr)
	if err != nil {
		return nil, "", err
	}
	if countHint <= 0 {
		countHint = 100
	}

	now := time.Now()
	var keys []string
	shardIdx := cur.ShardIndex
	afterKey := cur.AfterKey

	for shardIdx < ShardCount {
		sh := s.shards[shardIdx]
		sh.mu.RLock()
		all := sh.sortedKeysLocked()
		for _, k := range all {
			if afterKey != "" && k <= afterKey {
				continue
			}
			if prefix != "" && !strings.HasPrefix(k, prefix) {
				continue
			}
			v, ok := sh.getLocked(k)
			if !ok || !v.IsLive(now) {
				continue
			}
			keys = append(keys, k)
			afterKey = k
			if len(keys) >= countHint {
				break
			}
		}
		sh.mu.RUnlock()

		if len(keys) >= countHint {
			break
		}
		shardIdx++
		afterKey = ""
	}

	if shardIdx >= ShardCount {
		return keys, "", nil
	}
	return keys, Cursor{ShardIndex: shardIdx, AfterKey: afterKey}.String(), nil
}

// SetItem is one element of an MSet batch.
type SetItem struct {
	Key   string
	Value []byte
	TTL   *time.Duration
}

// MSet implements spec.md §4.1 MSet: atomicity is per-key, not across the
// batch.
func (s *Store) MSet(items []SetItem) []error {
	errs := make([]error, len(items))
	for i, it := range items {
		_, err := s.Set(it.Key, it.Value, it.TTL, domain.SetAlways)
		errs[i] = err
	}
	return errs
}

// MGet implements spec.md §4.1 MGet.
func (s *Store) MGet(keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok, _ := s.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// FlushDb implements spec.md §4.1 FlushDb.
func (s *Store) FlushDb() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.small = make(map[string]domain.StoredValue)
		sh.large = nil
		sh.mu.Unlock()
	}
	s.memUsed.Store(0)
}

// DbSize implements spec.md §4.1 DbSize: sum of live counts.
func (s *Store) DbSize() int {
	total := 0
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.RLock()
		sh.forEachLocked(func(_ string, v domain.StoredValue) bool {
			if v.IsLive(now) {
				total++
			}
			return true
		})
		sh.mu.RUnlock()
	}
	return total
}

// All iterates every live key/value pair, for snapshotting (C8).
func (s *Store) All(fn func(key string, v domain.StoredValue) bool) {
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.RLock()
		cont := true
		sh.forEachLocked(func(k string, v domain.StoredValue) bool {
			if !v.IsLive(now) {
				return true
			}
			cont = fn(k, v)
			return cont
		})
		sh.mu.RUnlock()
		if !cont {
			return
		}
	}
}

// ApplyOperation applies a KV Operation during WAL replay or replica apply.
// Replay is idempotent by construction: Set/Delete/Expire/Persist/Incr all
// converge to the same state regardless of how many times they're replayed.
func (s *Store) ApplyOperation(op domain.Operation) error {
	switch op.Type {
	case domain.OpKVSet:
		s.ApplySet(op.Key, op.Value, op.HasExpiry, op.ExpiresAtUnixMilli)
	case domain.OpKVDelete:
		_, err := s.Delete(op.Keys...)
		return err
	case domain.OpKVExpire:
		s.ApplyExpireAt(op.Key, op.ExpiresAtUnixMilli)
	case domain.OpKVPersist:
		_, err := s.Persist(op.Key)
		return err
	case domain.OpKVIncr:
		sh := s.shardFor(op.Key)
		sh.mu.Lock()
		sh.setLocked(op.Key, domain.NewPersistent([]byte(strconv.FormatInt(op.Delta, 10))))
		sh.mu.Unlock()
	case domain.OpKVFlush:
		s.FlushDb()
	default:
		return domain.Errorf(domain.KindInternal, "kv: unexpected op type %q", op.Type)
	}
	return nil
}

func (s *Store) tryEvict(need int64) error {
	if s.cfg.EvictionPolicy == EvictionNone || s.cfg.EvictionPolicy == "" {
		return domain.NewError(domain.KindOutOfCapacity, "kv store at max_memory_mb capacity")
	}
	// Eviction under memory pressure is one pass over the shards in index
	// order, keys in ascending order within a shard, until need bytes are
	// freed: expired keys are deleted as they are met, and under any policy
	// other than ttl live keys are deleted as they are met too. Expired keys
	// in later shards are not preferred over live keys in earlier ones, and
	// lru and lfu share this order; no recency or frequency is tracked.
	freed := int64(0)
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.forEachLocked(func(k string, v domain.StoredValue) bool {
			if freed >= need {
				return false
			}
			if v.HasExpiry && !v.IsLive(now) {
				sh.deleteLocked(k)
				freed += int64(len(v.Bytes) + len(k))
			} else if s.cfg.EvictionPolicy != EvictionTTL {
				sh.deleteLocked(k)
				freed += int64(len(v.Bytes) + len(k))
			}
			return freed < need
		})
		sh.mu.Unlock()
		if freed >= need {
			break
		}
	}
	s.memUsed.Add(-freed)
	if freed < need {
		return domain.NewError(domain.KindOutOfCapacity, "kv store at max_memory_mb capacity")
	}
	return nil
}

// sweepLoop runs the adaptive TTL sweep (spec.md §4.1): each tick samples a
// bounded number of keys across a bounded number of shards; if the observed
// expired ratio is high, it repeats immediately (bounded), otherwise it
// waits for the next tick. This keeps CPU cost capped per tick and never
// blocks user operations since each sample only briefly holds one shard's
// lock.
func (s *Store) sweepLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.TTLSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			repeats := 0
			for {
				ratio := s.sweepOnce()
				repeats++
				if ratio < s.cfg.TTLSweepRetrigger || repeats >= s.cfg.TTLSweepMaxRepeat {
					break
				}
				select {
				case <-s.stopCh:
					return
				default:
				}
			}
		}
	}
}

// sweepOnce samples up to TTLSweepShards shards and TTLSweepSamples keys per
// shard, removing expired keys, and returns the observed expired ratio.
func (s *Store) sweepOnce() float64 {
	sampled, expired := 0, 0
	order := rand.Perm(ShardCount)
	n := s.cfg.TTLSweepShards
	if n > ShardCount {
		n = ShardCount
	}
	now := time.Now()

	for _, idx := range order[:n] {
		sh := s.shards[idx]
		sh.mu.Lock()
		keys := sh.sortedKeysLocked()
		limit := s.cfg.TTLSweepSamples
		if limit > len(keys) {
			limit = len(keys)
		}
		for i := 0; i < limit; i++ {
			k := keys[i]
			v, ok := sh.getLocked(k)
			if !ok {
				continue
			}
			sampled++
			if v.HasExpiry && !v.IsLive(now) {
				expired++
				sh.deleteLocked(k)
				s.memUsed.Add(-int64(len(v.Bytes) + len(k)))
			}
		}
		sh.mu.Unlock()
	}

	if sampled == 0 {
		return 0
	}
	return float64(expired) / float64(sampled)
}
