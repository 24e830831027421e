package replication

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/synap/synap/internal/core/domain"
)

// fakeSnapshotSource implements SnapshotSource over a single file on disk.
type fakeSnapshotSource struct {
	path              string
	walLastOffset     uint64
	replicationOffset uint64
}

func (f *fakeSnapshotSource) LatestSnapshot() (string, uint64, uint64, bool) {
	if f.path == "" {
		return "", 0, 0, false
	}
	return f.path, f.walLastOffset, f.replicationOffset, true
}

func (f *fakeSnapshotSource) CreateSnapshot(ctx context.Context) (string, uint64, uint64, error) {
	return f.path, f.walLastOffset, f.replicationOffset, nil
}

// fakeSink records everything a Replica applies, for assertions.
type fakeSink struct {
	mu            sync.Mutex
	loadedFiles   []string
	appliedOps    []domain.Operation
	loadedContent []byte
}

func (s *fakeSink) ApplyOperation(op domain.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appliedOps = append(s.appliedOps, op)
	return nil
}

func (s *fakeSink) LoadSnapshotFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadedFiles = append(s.loadedFiles, path)
	s.loadedContent = content
	return nil
}

func (s *fakeSink) snapshot() (files []string, ops []domain.Operation, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.loadedFiles...), append([]domain.Operation(nil), s.appliedOps...), append([]byte(nil), s.loadedContent...)
}

func waitForAddr(t *testing.T, m *Master) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := m.Addr(); addr != nil {
			return addr.String()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("master never bound a listen address")
	return ""
}

func TestMasterReplica_FullSyncThenLiveReplication(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snap.bin")
	snapshotContent := []byte("pretend-snapshot-bytes-for-full-sync")
	if err := os.WriteFile(snapshotPath, snapshotContent, 0600); err != nil {
		t.Fatalf("write fake snapshot: %v", err)
	}

	log := NewLog(1024)
	// Seed offsets 0..5 so the snapshot's base offset 5 is resident and the
	// live append below lands at offset 6, where streaming resumes.
	for i := 0; i <= 5; i++ {
		log.Append(domain.Operation{Type: domain.OpKVSet, Key: "seed"}, time.Now().UnixMilli())
	}
	source := &fakeSnapshotSource{path: snapshotPath, walLastOffset: 0, replicationOffset: 5}

	master := NewMaster(DefaultMasterConfig("127.0.0.1:0"), log, source, nil)
	go master.ListenAndServe()
	defer master.Close()

	addr := waitForAddr(t, master)

	sink := &fakeSink{}
	replica := NewReplica(DefaultReplicaConfig(addr, t.TempDir()), sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go replica.Run(ctx)
	defer replica.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && replica.LastAppliedOffset() == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	files, _, content := sink.snapshot()
	if len(files) != 1 {
		t.Fatalf("expected exactly one snapshot load, got %d", len(files))
	}
	if string(content) != string(snapshotContent) {
		t.Errorf("loaded snapshot content = %q, want %q", content, snapshotContent)
	}
	if replica.LastAppliedOffset() != source.replicationOffset {
		t.Errorf("LastAppliedOffset = %d, want %d (full sync base offset)", replica.LastAppliedOffset(), source.replicationOffset)
	}

	// Now append a live operation to the master's replication log and confirm
	// the replica receives and applies it without a second full sync.
	log.Append(domain.Operation{Type: domain.OpKVSet, Key: "live-key", Value: []byte("live-value")}, time.Now().UnixMilli())

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, ops, _ := sink.snapshot()
		if len(ops) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, ops, _ := sink.snapshot()
	if len(ops) != 1 {
		t.Fatalf("expected one live operation applied, got %d", len(ops))
	}
	if ops[0].Key != "live-key" {
		t.Errorf("applied op key = %q, want live-key", ops[0].Key)
	}

	if !replica.Connected() {
		t.Error("expected replica to report connected")
	}
}

func TestMasterReplica_PartialSyncSkipsFullSyncWhenOffsetResident(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snap.bin")
	if err := os.WriteFile(snapshotPath, []byte("snapshot"), 0600); err != nil {
		t.Fatalf("write fake snapshot: %v", err)
	}

	log := NewLog(1024)
	// Seed the log so offset 0 is resident and a replica reporting
	// LastAppliedOffset=0 can resume live without a full sync.
	log.Append(domain.Operation{Type: domain.OpKVSet, Key: "seed"}, time.Now().UnixMilli())

	source := &fakeSnapshotSource{path: snapshotPath}
	master := NewMaster(DefaultMasterConfig("127.0.0.1:0"), log, source, nil)
	go master.ListenAndServe()
	defer master.Close()
	addr := waitForAddr(t, master)

	sink := &fakeSink{}
	cfg := DefaultReplicaConfig(addr, t.TempDir())
	replica := NewReplica(cfg, sink, nil)
	replica.hasLastApplied.Store(true)
	replica.lastApplied.Store(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go replica.Run(ctx)
	defer replica.Close()

	log.Append(domain.Operation{Type: domain.OpKVSet, Key: "after-resume", Value: []byte("v")}, time.Now().UnixMilli())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		files, ops, _ := sink.snapshot()
		if len(files) == 0 && len(ops) >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	files, ops, _ := sink.snapshot()
	if len(files) != 0 {
		t.Errorf("expected no full sync when offset resident, got %d snapshot loads", len(files))
	}
	if len(ops) < 1 {
		t.Fatal("expected at least the after-resume op to be applied")
	}
}
