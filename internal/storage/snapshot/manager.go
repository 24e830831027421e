// Package snapshot implements streaming snapshot creation and recovery for
// Synap's KV store, queues, and stream partitions (spec.md §4.6, §3.9).
package snapshot

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/synap/synap/internal/core/domain"
	"github.com/synap/synap/pkg/crypto/adaptive"
)

// Magic and framing constants, bit-exact per spec.md §6.1.
var magicBytes = []byte("SYNAPSN0")

const (
	filePrefix    = "snap-"
	fileExtension = ".snap"
	headerVersion = 1

	DefaultRetentionCount = 5
	DefaultRetentionDays  = 7
)

// RecordKind tags an entity record (spec.md §6.1).
type RecordKind uint8

const (
	KindKV        RecordKind = 1
	KindQueue     RecordKind = 2
	KindPartition RecordKind = 3
)

var (
	ErrInvalidMagic     = errors.New("snapshot: invalid magic bytes")
	ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")
	ErrNoSnapshots      = errors.New("snapshot: no snapshots available")
)

// Config configures the snapshot manager.
type Config struct {
	Dir string

	RetentionCount int
	RetentionDays  int

	Cipher adaptive.Cipher
	NodeID string
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		RetentionCount: DefaultRetentionCount,
		RetentionDays:  DefaultRetentionDays,
	}
}

// Manager creates and loads snapshot files.
type Manager struct {
	cfg    Config
	cipher adaptive.Cipher
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapshot: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	if cfg.RetentionCount == 0 {
		cfg.RetentionCount = DefaultRetentionCount
	}
	return &Manager{cfg: cfg, cipher: cfg.Cipher}, nil
}

// Info describes a sealed snapshot file.
type Info struct {
	ID string `json:"id"`

	// WALLastOffset is the WAL composite offset as of which this snapshot
	// is consistent (spec.md §4.6 "last_included_wal_offset"). It is not
	// part of the bit-exact .snap file layout (spec.md §6.1); instead it is
	// tracked in a sidecar index file alongside the snapshot, per spec.md
	// §4.6's "indexed with its last_included_wal_offset".
	WALLastOffset uint64 `json:"wal_last_offset"`

	// ReplicationOffset is the replication log op_offset as of which this
	// snapshot is consistent, used as the base_offset for a replica's full
	// sync (spec.md §4.7).
	ReplicationOffset uint64 `json:"replication_offset"`

	RecordCount int64  `json:"record_count"`
	CreatedAt   int64  `json:"created_at"`
	Size        int64  `json:"size"`
	Path        string `json:"path"`
	Checksum    string `json:"checksum"`
	NodeID      string `json:"node_id,omitempty"`
}

// KVEntry is one live key captured at snapshot time.
type KVEntry struct {
	Key                string `json:"key"`
	Value              []byte `json:"value"`
	HasExpiry          bool   `json:"has_expiry,omitempty"`
	ExpiresAtUnixMilli int64  `json:"expires_at_unix_milli,omitempty"`
}

// QueueEntry is one queue's full state (ready/leased/DLQ) at snapshot time.
type QueueEntry struct {
	Name   string             `json:"name"`
	Config domain.QueueConfig `json:"config"`
	Ready  []*domain.Message  `json:"ready"`
	Leased []*domain.Message  `json:"leased"`
	DLQ    []*domain.Message  `json:"dlq"`
}

// PartitionEntry is one stream partition's live records at snapshot time.
type PartitionEntry struct {
	Topic         string               `json:"topic"`
	TopicConfig   domain.TopicConfig   `json:"topic_config"`
	Partition     uint32               `json:"partition"`
	OldestOffset  uint64               `json:"oldest_offset"`
	NewestOffset  uint64               `json:"newest_offset"`
	Records       []domain.EventRecord `json:"records"`
}

// Source is implemented by the storage engine to stream a consistent view
// of each subsystem without materializing the whole dataset in memory
// (spec.md §4.6): each callback walks one entity at a time under that
// entity's own short-lived lock.
type Source interface {
	EachKV(fn func(KVEntry) bool)
	EachQueue(fn func(QueueEntry) bool)
	EachPartition(fn func(PartitionEntry) bool)
}

// Loaded holds everything read back from a snapshot file.
type Loaded struct {
	Info       *Info
	KV         []KVEntry
	Queues     []QueueEntry
	Partitions []PartitionEntry
}

// Create streams a new snapshot from src and atomically publishes it.
// walLastOffset and replicationOffset are recorded in the snapshot's sidecar
// index so a later Load can resume WAL replay and replica full sync from the
// right position (spec.md §4.6 "indexed with its last_included_wal_offset").
func (m *Manager) Create(src Source, walLastOffset, replicationOffset uint64) (*Info, error) {
	now := time.Now()
	id := m.generateID(now)

	tempPath := filepath.Join(m.cfg.Dir, id+".tmp")
	file, err := os.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create temp file: %w", err)
	}
	defer os.Remove(tempPath)

	w := bufio.NewWriter(file)
	overall := crc32.NewIEEE()
	mw := io.MultiWriter(w, overall)

	if _, err := mw.Write(magicBytes); err != nil {
		file.Close()
		return nil, err
	}
	if err := writeUint32(mw, headerVersion); err != nil {
		file.Close()
		return nil, err
	}
	if err := writeUint64(mw, uint64(now.UnixMilli())); err != nil {
		file.Close()
		return nil, err
	}

	var recordCount int64
	var writeErr error
	writeRecord := func(kind RecordKind, v any) bool {
		payload, err := json.Marshal(v)
		if err != nil {
			writeErr = fmt.Errorf("snapshot: marshal record: %w", err)
			return false
		}
		if m.cipher != nil {
			payload, err = m.cipher.Encrypt(payload, nil)
			if err != nil {
				writeErr = fmt.Errorf("snapshot: encrypt record: %w", err)
				return false
			}
		}
		if err := writeRecordFrame(mw, kind, payload); err != nil {
			writeErr = err
			return false
		}
		recordCount++
		return true
	}

	src.EachKV(func(e KVEntry) bool { return writeRecord(KindKV, e) })
	if writeErr == nil {
		src.EachQueue(func(e QueueEntry) bool { return writeRecord(KindQueue, e) })
	}
	if writeErr == nil {
		src.EachPartition(func(e PartitionEntry) bool { return writeRecord(KindPartition, e) })
	}
	if writeErr != nil {
		file.Close()
		return nil, writeErr
	}

	if err := writeUint64(w, uint64(recordCount)); err != nil {
		file.Close()
		return nil, err
	}
	if err := writeUint32(w, overall.Sum32()); err != nil {
		file.Close()
		return nil, err
	}

	if err := w.Flush(); err != nil {
		file.Close()
		return nil, fmt.Errorf("snapshot: flush: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("snapshot: close: %w", err)
	}

	stat, err := os.Stat(tempPath)
	if err != nil {
		return nil, err
	}

	finalPath := filepath.Join(m.cfg.Dir, id+fileExtension)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return nil, fmt.Errorf("snapshot: rename: %w", err)
	}

	info := &Info{
		ID:                id,
		WALLastOffset:     walLastOffset,
		ReplicationOffset: replicationOffset,
		RecordCount:       recordCount,
		CreatedAt:         now.UnixMilli(),
		Size:              stat.Size(),
		Path:              finalPath,
		Checksum:          hex.EncodeToString(uint32ToBytes(overall.Sum32())),
		NodeID:            m.cfg.NodeID,
	}
	if err := m.writeIndex(info); err != nil {
		return nil, fmt.Errorf("snapshot: write index: %w", err)
	}
	return info, nil
}

func (m *Manager) indexPath(id string) string {
	return filepath.Join(m.cfg.Dir, id+".meta.json")
}

func (m *Manager) writeIndex(info *Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(m.indexPath(info.ID), data, 0600)
}

func (m *Manager) readIndex(id string) (*Info, error) {
	data, err := os.ReadFile(m.indexPath(id))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Load loads the newest snapshot that seals cleanly, falling back to older
// ones on CRC failure (spec.md §4.6 recovery step 1).
func (m *Manager) Load() (*Loaded, error) {
	snapshots, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, ErrNoSnapshots
	}

	for i := len(snapshots) - 1; i >= 0; i-- {
		loaded, err := m.loadFile(snapshots[i].Path)
		if err == nil {
			return loaded, nil
		}
		if errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrInvalidMagic) {
			continue
		}
		return nil, err
	}
	return nil, ErrNoSnapshots
}

// LoadFile loads a snapshot from an arbitrary path rather than this
// manager's own directory, used by the replica follower (C12) to apply a
// snapshot staged from a full-sync stream (spec.md §4.7 step 2).
func (m *Manager) LoadFile(path string) (*Loaded, error) {
	return m.loadFile(path)
}

// LatestInfo returns the newest snapshot's metadata, including its sidecar
// index (WALLastOffset/ReplicationOffset), without parsing the full entity
// stream -- used by the master replicator (C11) to decide whether a full
// sync can reuse an existing snapshot.
func (m *Manager) LatestInfo() (*Info, error) {
	infos, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, ErrNoSnapshots
	}
	latest := infos[len(infos)-1]
	if idx, err := m.readIndex(latest.ID); err == nil {
		latest.WALLastOffset = idx.WALLastOffset
		latest.ReplicationOffset = idx.ReplicationOffset
	}
	return latest, nil
}

func (m *Manager) loadFile(path string) (*Loaded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(f)

	magic := make([]byte, len(magicBytes))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, ErrInvalidMagic
	}
	if string(magic) != string(magicBytes) {
		return nil, ErrInvalidMagic
	}

	version, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	_ = version

	createdAt, err := readUint64(br)
	if err != nil {
		return nil, err
	}

	overall := crc32.NewIEEE()
	overall.Write(magic)
	writeUint32(overall, uint32(version))
	writeUint64(overall, createdAt)

	id := strings.TrimSuffix(filepath.Base(path), fileExtension)
	info := &Info{
		ID:        id,
		CreatedAt: int64(createdAt),
		Size:      stat.Size(),
		Path:      path,
		NodeID:    m.cfg.NodeID,
	}
	if idx, err := m.readIndex(id); err == nil {
		info.WALLastOffset = idx.WALLastOffset
		info.ReplicationOffset = idx.ReplicationOffset
	}
	loaded := &Loaded{Info: info}

	var recordCount int64
	footerPos := stat.Size() - 12 // u64 count + u32 crc
	var consumed int64 = int64(len(magicBytes)) + 4 + 8

	for consumed < footerPos {
		kind, payload, n, err := readRecordFrame(br, overall)
		if err != nil {
			return nil, err
		}
		consumed += n

		plain := payload
		if m.cipher != nil {
			plain, err = m.cipher.Decrypt(payload, nil)
			if err != nil {
				return nil, fmt.Errorf("snapshot: decrypt record: %w", err)
			}
		}

		switch RecordKind(kind) {
		case KindKV:
			var e KVEntry
			if err := json.Unmarshal(plain, &e); err != nil {
				return nil, fmt.Errorf("snapshot: unmarshal kv record: %w", err)
			}
			loaded.KV = append(loaded.KV, e)
		case KindQueue:
			var e QueueEntry
			if err := json.Unmarshal(plain, &e); err != nil {
				return nil, fmt.Errorf("snapshot: unmarshal queue record: %w", err)
			}
			loaded.Queues = append(loaded.Queues, e)
		case KindPartition:
			var e PartitionEntry
			if err := json.Unmarshal(plain, &e); err != nil {
				return nil, fmt.Errorf("snapshot: unmarshal partition record: %w", err)
			}
			loaded.Partitions = append(loaded.Partitions, e)
		default:
			return nil, fmt.Errorf("snapshot: unknown record kind %d", kind)
		}
		recordCount++
	}

	wantCount, err := readUint64(br)
	if err != nil {
		return nil, err
	}
	wantCRC, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	if wantCount != uint64(recordCount) {
		return nil, ErrChecksumMismatch
	}
	if overall.Sum32() != wantCRC {
		return nil, ErrChecksumMismatch
	}

	loaded.Info.RecordCount = recordCount
	loaded.Info.Checksum = hex.EncodeToString(uint32ToBytes(wantCRC))
	return loaded, nil
}

// List lists snapshot files (metadata only, oldest first).
func (m *Manager) List() ([]*Info, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileExtension) {
			paths = append(paths, filepath.Join(m.cfg.Dir, name))
		}
	}
	sort.Strings(paths)

	var infos []*Info
	for _, p := range paths {
		stat, err := os.Stat(p)
		if err != nil {
			continue
		}
		infos = append(infos, &Info{
			ID:   strings.TrimSuffix(filepath.Base(p), fileExtension),
			Path: p,
			Size: stat.Size(),
		})
	}
	return infos, nil
}

// Prune keeps the newest RetentionCount snapshots (and anything within
// RetentionDays), deleting the rest, always keeping at least the newest.
func (m *Manager) Prune() error {
	infos, err := m.List()
	if err != nil {
		return err
	}
	if len(infos) <= 1 {
		return nil
	}

	keep := make(map[string]struct{}, len(infos))
	if m.cfg.RetentionCount > 0 {
		start := len(infos) - m.cfg.RetentionCount
		if start < 0 {
			start = 0
		}
		for _, info := range infos[start:] {
			keep[info.Path] = struct{}{}
		}
	}
	if m.cfg.RetentionDays > 0 {
		cutoff := time.Now().Add(-time.Duration(m.cfg.RetentionDays) * 24 * time.Hour)
		for _, info := range infos {
			st, err := os.Stat(info.Path)
			if err != nil {
				continue
			}
			if st.ModTime().After(cutoff) {
				keep[info.Path] = struct{}{}
			}
		}
	}
	keep[infos[len(infos)-1].Path] = struct{}{}

	for _, info := range infos {
		if _, ok := keep[info.Path]; ok {
			continue
		}
		_ = os.Remove(info.Path)
		_ = os.Remove(m.indexPath(info.ID))
	}
	return nil
}

func (m *Manager) generateID(t time.Time) string {
	ts := t.Format("20060102150405")
	seq := 1
	entries, _ := os.ReadDir(m.cfg.Dir)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix+ts+"-") || !strings.HasSuffix(name, fileExtension) {
			continue
		}
		seq++
	}
	return fmt.Sprintf("%s%s-%04d", filePrefix, ts, seq)
}

// --- record framing: [kind:1][length:4][crc:4][payload] ---

func writeRecordFrame(w io.Writer, kind RecordKind, payload []byte) error {
	if _, err := w.Write([]byte{byte(kind)}); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(payload))); err != nil {
		return err
	}
	crc := crc32.ChecksumIEEE(payload)
	if err := writeUint32(w, crc); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readRecordFrame reads one record, feeding every consumed byte into
// running too (the overall snapshot CRC), and returns the number of bytes
// consumed for footer-position bookkeeping.
func readRecordFrame(r io.Reader, running io.Writer) (kind byte, payload []byte, n int64, err error) {
	header := make([]byte, 9)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, 0, fmt.Errorf("snapshot: read record header: %w", err)
	}
	kind = header[0]
	length := binary.BigEndian.Uint32(header[1:5])
	wantCRC := binary.BigEndian.Uint32(header[5:9])

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, 0, fmt.Errorf("snapshot: read record payload: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return 0, nil, 0, ErrChecksumMismatch
	}

	running.Write(header)
	running.Write(payload)
	return kind, payload, int64(len(header) + len(payload)), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func uint32ToBytes(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}
