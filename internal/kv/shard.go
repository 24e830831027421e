// Package kv implements the sharded concurrent key/value store (C1-C2):
// a 64-way sharded map with adaptive per-shard Small-to-Large upgrade,
// TTL, atomic counters, and a cross-shard deterministic Scan.
//
// Follows pkg/cmap/sharded.go's shard-count/hash idiom, storing arbitrary
// byte values in the Small/Large shard shapes spec.md §3.2 requires.
package kv

import (
	"sort"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/synap/synap/internal/core/domain"
)

// ShardCount is fixed at 64 per spec.md §3.2 ("Each of 64 shards...").
const ShardCount = 64

// DefaultUpgradeThreshold is the default live-key count at which a shard
// migrates from Small to Large (spec.md §3.2).
const DefaultUpgradeThreshold = 10_000

// shard holds one of the two ShardStorage shapes described in spec.md §3.2.
// Exactly one of small/large is non-nil at any time; large is populated once
// the shard upgrades and never reverts.
type shard struct {
	mu    sync.RWMutex
	small map[string]domain.StoredValue
	large *iradix.Tree // nil until upgraded

	upgradeThreshold int
}

func newShard(upgradeThreshold int) *shard {
	if upgradeThreshold <= 0 {
		upgradeThreshold = DefaultUpgradeThreshold
	}
	return &shard{
		small:            make(map[string]domain.StoredValue),
		upgradeThreshold: upgradeThreshold,
	}
}

// isLarge reports whether this shard has upgraded. Caller must hold mu.
func (s *shard) isLarge() bool {
	return s.large != nil
}

// getLocked returns the value for key. Caller must hold mu (read or write).
func (s *shard) getLocked(key string) (domain.StoredValue, bool) {
	if s.isLarge() {
		v, ok := s.large.Get([]byte(key))
		if !ok {
			return domain.StoredValue{}, false
		}
		return v.(domain.StoredValue), true
	}
	v, ok := s.small[key]
	return v, ok
}

// setLocked inserts or replaces key. Caller must hold the write lock.
// Returns whether the key already existed.
func (s *shard) setLocked(key string, value domain.StoredValue) bool {
	if s.isLarge() {
		tree, _, existed := s.large.Insert([]byte(key), value)
		s.large = tree
		return existed
	}

	_, existed := s.small[key]
	s.small[key] = value

	if !existed && len(s.small) >= s.upgradeThreshold {
		s.upgradeLocked()
	}
	return existed
}

// deleteLocked removes key. Caller must hold the write lock.
func (s *shard) deleteLocked(key string) bool {
	if s.isLarge() {
		tree, _, existed := s.large.Delete([]byte(key))
		s.large = tree
		return existed
	}
	_, existed := s.small[key]
	delete(s.small, key)
	return existed
}

// lenLocked returns the live key count. Caller must hold mu.
func (s *shard) lenLocked() int {
	if s.isLarge() {
		return s.large.Len()
	}
	return len(s.small)
}

// upgradeLocked migrates Small to Large. Caller must hold the write lock.
func (s *shard) upgradeLocked() {
	tree := iradix.New()
	for k, v := range s.small {
		tree, _, _ = tree.Insert([]byte(k), v)
	}
	s.large = tree
	s.small = nil
}

// sortedKeysLocked returns all keys in ascending lexicographic order, the
// deterministic per-shard order Scan relies on. Caller must hold mu (at
// least a read lock).
func (s *shard) sortedKeysLocked() []string {
	if s.isLarge() {
		keys := make([]string, 0, s.large.Len())
		iter := s.large.Root().Iterator()
		for {
			k, _, ok := iter.Next()
			if !ok {
				break
			}
			keys = append(keys, string(k))
		}
		return keys
	}

	keys := make([]string, 0, len(s.small))
	for k := range s.small {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// forEachLocked visits every live entry in key order. Caller must hold mu.
func (s *shard) forEachLocked(fn func(key string, v domain.StoredValue) bool) {
	for _, k := range s.sortedKeysLocked() {
		v, ok := s.getLocked(k)
		if !ok {
			continue
		}
		if !fn(k, v) {
			return
		}
	}
}
