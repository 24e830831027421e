package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synap/synap/pkg/crypto/adaptive"
)

// File naming (spec.md §6.5: <data_dir>/wal/wal-<seq>.log).
const (
	FilePrefix      = "wal-"
	FileExtension   = ".log"
	DefaultFilePerm = 0600
	DefaultDirPerm  = 0750
)

// Default configuration values (spec.md §4.5, §6.3).
const (
	DefaultBatchCount                = 10000
	DefaultBatchWindow               = 100 * time.Microsecond
	DefaultFsyncInterval             = 10 * time.Millisecond
	DefaultMaxFileSize         int64 = 64 << 20 // 64MB, rotation trigger (persistence.wal.max_size_mb)
)

// FsyncMode selects the durability/throughput tradeoff for batched writes
// (spec.md §4.5, §6.3 persistence.wal.fsync_mode).
type FsyncMode string

const (
	FsyncAlways   FsyncMode = "always"
	FsyncPeriodic FsyncMode = "periodic"
	FsyncNever    FsyncMode = "never"
)

// Config configures the WAL writer.
type Config struct {
	Dir string

	NodeID string

	FsyncMode     FsyncMode
	FsyncInterval time.Duration

	BatchCount  int
	BatchWindow time.Duration

	MaxFileSize int64

	Cipher adaptive.Cipher
}

// DefaultConfig returns the default WAL configuration.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		FsyncMode:     FsyncAlways,
		FsyncInterval: DefaultFsyncInterval,
		BatchCount:    DefaultBatchCount,
		BatchWindow:   DefaultBatchWindow,
		MaxFileSize:   DefaultMaxFileSize,
	}
}

func applyDefaults(cfg *Config) {
	if cfg.FsyncMode == "" {
		cfg.FsyncMode = FsyncAlways
	}
	if cfg.FsyncInterval == 0 {
		cfg.FsyncInterval = DefaultFsyncInterval
	}
	if cfg.BatchCount == 0 {
		cfg.BatchCount = DefaultBatchCount
	}
	if cfg.BatchWindow == 0 {
		cfg.BatchWindow = DefaultBatchWindow
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
}

// submission is one caller's append request plus the channel it blocks on
// until the batch containing it has been committed under the chosen
// FsyncMode (spec.md §4.5's acknowledgement contract).
type submission struct {
	entry *Entry
	frame []byte
	done  chan error
}

// Writer is the single WAL writer task (spec.md §5: "the WAL has a single
// writer task; all callers submit via an MPSC channel"). It owns the active
// segment file exclusively; Append is safe to call from any goroutine.
type Writer struct {
	cfg    Config
	cipher adaptive.Cipher

	reqCh  chan submission
	stopCh chan struct{}
	doneCh chan struct{}

	segmentID      uint64
	file           *os.File
	fileSize       int64
	segmentEntries int

	offset atomic.Uint64 // composite (segmentID<<32 | fileSize), updated after each commit

	closeOnce sync.Once
	closeErr  error
}

// NewWriter opens (or creates) the WAL directory and resumes appending to
// the latest open segment, starting a new one if the latest is absent.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("wal: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, DefaultDirPerm); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}
	applyDefaults(&cfg)

	w := &Writer{
		cfg:    cfg,
		cipher: cfg.Cipher,
		reqCh:  make(chan submission, cfg.BatchCount),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	latestID, latestPath, err := findLatestSegment(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if latestPath == "" {
		w.segmentID = 1
		if err := w.openNewSegment(); err != nil {
			return nil, err
		}
	} else {
		w.segmentID = latestID
		if err := w.openExistingSegment(latestPath); err != nil {
			return nil, err
		}
	}
	w.offset.Store((w.segmentID << 32) | uint64(uint32(w.fileSize)))

	go w.run()
	return w, nil
}

// CurrentOffset returns the composite offset (segmentID<<32 | byte offset
// within segment) of the most recently committed record.
func (w *Writer) CurrentOffset() uint64 {
	return w.offset.Load()
}

// Append submits an entry and blocks until the batch containing it has
// been committed under the writer's FsyncMode. A cancelled caller is not
// removed from an in-flight batch -- the batch either commits wholesale or
// the writer is closing -- matching spec.md §5's "a cancelled Append MUST
// NOT partially commit" requirement.
func (w *Writer) Append(e *Entry) error {
	frame, err := encodeEntryFrame(e, w.cipher)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	select {
	case w.reqCh <- submission{entry: e, frame: frame, done: done}:
	case <-w.stopCh:
		return fmt.Errorf("wal: writer is closed")
	}

	select {
	case err := <-done:
		return err
	case <-w.stopCh:
		// The writer may close while our submission is queued but not yet
		// picked up; run() drains reqCh before exiting so this is rare, but
		// guard against deadlock regardless.
		select {
		case err := <-done:
			return err
		default:
			return fmt.Errorf("wal: writer closed before commit")
		}
	}
}

// run is the sole goroutine that touches segment file state.
func (w *Writer) run() {
	defer close(w.doneCh)

	var periodic *time.Ticker
	if w.cfg.FsyncMode == FsyncPeriodic {
		periodic = time.NewTicker(w.cfg.FsyncInterval)
		defer periodic.Stop()
	}

	var batch []submission
	window := time.NewTimer(w.cfg.BatchWindow)
	defer window.Stop()
	drainWindow := func() {
		if !window.Stop() {
			select {
			case <-window.C:
			default:
			}
		}
	}

	for {
		select {
		case req := <-w.reqCh:
			batch = append(batch, req)
			if len(batch) >= w.cfg.BatchCount {
				w.commitBatch(batch)
				batch = nil
				drainWindow()
				window.Reset(w.cfg.BatchWindow)
			}

		case <-window.C:
			if len(batch) > 0 {
				w.commitBatch(batch)
				batch = nil
			}
			window.Reset(w.cfg.BatchWindow)

		case <-periodicChan(periodic):
			if w.file != nil {
				_ = w.file.Sync()
			}

		case <-w.stopCh:
			// Drain anything already queued before shutting down.
		drain:
			for {
				select {
				case req := <-w.reqCh:
					batch = append(batch, req)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				w.commitBatch(batch)
			}
			if w.file != nil {
				w.file.Close()
				w.file = nil
			}
			return
		}
	}
}

func periodicChan(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// commitBatch writes every frame in the batch, rotating the segment first
// if needed, then fsyncs per FsyncMode before acknowledging callers.
func (w *Writer) commitBatch(batch []submission) {
	var total int64
	for _, s := range batch {
		total += int64(len(s.frame))
	}

	if w.file != nil && w.fileSize+total > w.cfg.MaxFileSize && w.fileSize > 0 {
		if err := w.rotateLocked(); err != nil {
			ackAll(batch, fmt.Errorf("wal: rotate segment: %w", err))
			return
		}
	}
	if w.file == nil {
		if err := w.openNewSegment(); err != nil {
			ackAll(batch, fmt.Errorf("wal: open segment: %w", err))
			return
		}
	}

	for _, s := range batch {
		n, err := w.file.Write(s.frame)
		if err != nil {
			ackAll(batch, fmt.Errorf("wal: write record: %w", err))
			return
		}
		w.fileSize += int64(n)
		w.segmentEntries++
	}

	if w.cfg.FsyncMode == FsyncAlways {
		if err := w.file.Sync(); err != nil {
			ackAll(batch, fmt.Errorf("wal: fsync: %w", err))
			return
		}
	}

	w.offset.Store((w.segmentID << 32) | uint64(uint32(w.fileSize)))
	ackAll(batch, nil)
}

func ackAll(batch []submission, err error) {
	for _, s := range batch {
		s.done <- err
	}
}

func (w *Writer) rotateLocked() error {
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return err
		}
		if err := w.file.Close(); err != nil {
			return err
		}
		w.file = nil
	}
	w.segmentID++
	return w.openNewSegment()
}

func (w *Writer) openNewSegment() error {
	path := filepath.Join(w.cfg.Dir, formatSegmentFilename(w.segmentID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, DefaultFilePerm)
	if err != nil {
		return err
	}
	w.file = f
	w.fileSize = 0
	w.segmentEntries = 0
	return nil
}

func (w *Writer) openExistingSegment(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, DefaultFilePerm)
	if err != nil {
		return err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.fileSize = stat.Size()
	return nil
}

// Close flushes any pending submissions and closes the active segment.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.stopCh)
		<-w.doneCh
	})
	return w.closeErr
}

func formatSegmentFilename(segmentID uint64) string {
	return fmt.Sprintf("%s%08d%s", FilePrefix, segmentID, FileExtension)
}

func parseSegmentFilename(name string) (uint64, bool) {
	if !strings.HasPrefix(name, FilePrefix) || !strings.HasSuffix(name, FileExtension) {
		return 0, false
	}
	var id uint64
	_, err := fmt.Sscanf(name, FilePrefix+"%d"+FileExtension, &id)
	return id, err == nil
}

func findLatestSegment(dir string) (id uint64, path string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, "", fmt.Errorf("wal: read dir: %w", err)
	}

	type seg struct {
		id   uint64
		path string
	}
	var segs []seg
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		sid, ok := parseSegmentFilename(e.Name())
		if !ok {
			continue
		}
		segs = append(segs, seg{id: sid, path: filepath.Join(dir, e.Name())})
	}
	if len(segs) == 0 {
		return 0, "", nil
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })
	last := segs[len(segs)-1]
	return last.id, last.path, nil
}

// lengthPrefixSize is the byte size of a record's [length][crc32] header.
const lengthPrefixSize = 8
