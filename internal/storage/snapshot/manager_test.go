package snapshot

import (
	"testing"

	"github.com/synap/synap/internal/core/domain"
	"github.com/synap/synap/pkg/crypto/adaptive"
)

// fakeSource is an in-memory Source for exercising Manager without a real
// storage engine.
type fakeSource struct {
	kv         []KVEntry
	queues     []QueueEntry
	partitions []PartitionEntry
}

func (f *fakeSource) EachKV(fn func(KVEntry) bool) {
	for _, e := range f.kv {
		if !fn(e) {
			return
		}
	}
}

func (f *fakeSource) EachQueue(fn func(QueueEntry) bool) {
	for _, e := range f.queues {
		if !fn(e) {
			return
		}
	}
}

func (f *fakeSource) EachPartition(fn func(PartitionEntry) bool) {
	for _, e := range f.partitions {
		if !fn(e) {
			return
		}
	}
}

func sampleSource() *fakeSource {
	return &fakeSource{
		kv: []KVEntry{
			{Key: "a", Value: []byte("1")},
			{Key: "b", Value: []byte("2"), HasExpiry: true, ExpiresAtUnixMilli: 123456},
		},
		queues: []QueueEntry{
			{
				Name:   "jobs",
				Config: domain.QueueConfig{MaxRetries: 5},
				Ready:  []*domain.Message{{ID: "m1", Payload: []byte("x")}},
			},
		},
		partitions: []PartitionEntry{
			{
				Topic:        "events",
				TopicConfig:  domain.TopicConfig{Partitions: 4},
				Partition:    0,
				OldestOffset: 10,
				NewestOffset: 12,
				Records:      []domain.EventRecord{{Offset: 10, Payload: []byte("p")}},
			},
		},
	}
}

func TestManager_CreateLoadPlain(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir, RetentionCount: 5, RetentionDays: 7, NodeID: "n1"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	src := sampleSource()
	info, err := m.Create(src, uint64(3)<<32|123, 123)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.RecordCount != 4 {
		t.Fatalf("RecordCount = %d, want 4", info.RecordCount)
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Info.WALLastOffset != info.WALLastOffset {
		t.Fatalf("WALLastOffset = %d, want %d", loaded.Info.WALLastOffset, info.WALLastOffset)
	}
	if len(loaded.KV) != 2 {
		t.Fatalf("len(KV) = %d, want 2", len(loaded.KV))
	}
	if len(loaded.Queues) != 1 || loaded.Queues[0].Name != "jobs" {
		t.Fatalf("Queues = %+v", loaded.Queues)
	}
	if len(loaded.Partitions) != 1 || loaded.Partitions[0].Topic != "events" {
		t.Fatalf("Partitions = %+v", loaded.Partitions)
	}
}

func TestManager_CreateLoadEncrypted(t *testing.T) {
	dir := t.TempDir()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(0xA0 + i)
	}
	c, err := adaptive.NewWithType(key, adaptive.CipherAESGCM)
	if err != nil {
		t.Fatalf("adaptive.NewWithType: %v", err)
	}

	m, err := NewManager(Config{Dir: dir, RetentionCount: 5, RetentionDays: 7, NodeID: "n1", Cipher: c})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	src := sampleSource()
	if _, err := m.Create(src, uint64(1)<<32, 1); err != nil {
		t.Fatalf("Create: %v", err)
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.KV) != 2 || loaded.KV[0].Key != "a" {
		t.Fatalf("decrypted mismatch: %+v", loaded.KV)
	}
}

func TestManager_LoadWithoutCipherFails(t *testing.T) {
	dir := t.TempDir()
	key := make([]byte, 32)
	c, err := adaptive.NewWithType(key, adaptive.CipherAESGCM)
	if err != nil {
		t.Fatalf("adaptive.NewWithType: %v", err)
	}

	m, err := NewManager(Config{Dir: dir, Cipher: c})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m.Create(sampleSource(), 0, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}

	plain, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := plain.Load(); err == nil {
		t.Fatal("Load without cipher should fail to unmarshal encrypted records")
	}
}

func TestManager_List(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := m.Create(sampleSource(), uint64(i), uint64(i)); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	infos, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("len(infos) = %d, want 3", len(infos))
	}
}

func TestManager_Prune(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir, RetentionCount: 2, RetentionDays: 0})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := m.Create(sampleSource(), uint64(i), uint64(i)); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	if err := m.Prune(); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	infos, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("len(infos) after prune = %d, want 2", len(infos))
	}
}

func TestManager_LoadEmptyDir(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m.Load(); err != ErrNoSnapshots {
		t.Fatalf("Load on empty dir: err = %v, want ErrNoSnapshots", err)
	}
}
