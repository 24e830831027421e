package replication

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default tuning values (spec.md §6.3 replication.*).
const (
	DefaultHeartbeatInterval = time.Second
	DefaultSessionTimeout    = 30 * time.Second
	DefaultChunkSize         = 64 * 1024
)

// SnapshotSource is the subset of the storage engine's snapshot machinery a
// Master needs: the most recently sealed snapshot file to stream on a full
// sync, and the ability to force a fresh one when none exists yet (spec.md
// §4.7 step 3: "take/obtain the most recent snapshot (or create one)").
type SnapshotSource interface {
	LatestSnapshot() (path string, walLastOffset, replicationOffset uint64, ok bool)
	CreateSnapshot(ctx context.Context) (path string, walLastOffset, replicationOffset uint64, err error)
}

// MasterConfig configures a Master (spec.md §6.3 replication.*).
type MasterConfig struct {
	ListenAddress     string
	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
	ChunkSize         int

	// SnapshotBytesPerSec throttles full-sync chunk streaming so one or
	// more concurrent replica catch-ups can't saturate the master's link
	// to the detriment of its live command traffic. Not a spec.md §6.3
	// recognized option; 0 disables throttling (the default).
	SnapshotBytesPerSec int

	// TLSConfig, if set, accepts replica connections over TLS instead of
	// plaintext TCP (see internal/infra/tlsroots for building one from a
	// certificate pool). Not a spec.md §6.3 recognized option; nil
	// preserves the plaintext default.
	TLSConfig *tls.Config
}

// DefaultMasterConfig returns sensible defaults.
func DefaultMasterConfig(listenAddr string) MasterConfig {
	return MasterConfig{
		ListenAddress:     listenAddr,
		HeartbeatInterval: DefaultHeartbeatInterval,
		SessionTimeout:    DefaultSessionTimeout,
		ChunkSize:         DefaultChunkSize,
	}
}

// Master accepts replica connections and drives the C10 replication log's
// full/partial-sync and live fan-out (spec.md §4.7 "Master loop").
type Master struct {
	cfg       MasterConfig
	log       *Log
	snapshots SnapshotSource
	logger    *slog.Logger

	listener net.Listener

	snapshotLimiter *rate.Limiter

	mu       sync.Mutex
	sessions map[string]*masterSession

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMaster creates a Master bound to the given replication log and
// snapshot source. Call ListenAndServe to start accepting replicas.
func NewMaster(cfg MasterConfig, log *Log, snapshots SnapshotSource, logger *slog.Logger) *Master {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.SnapshotBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SnapshotBytesPerSec), cfg.ChunkSize)
	}
	return &Master{
		cfg:             cfg,
		log:             log,
		snapshots:       snapshots,
		logger:          logger,
		snapshotLimiter: limiter,
		sessions:        make(map[string]*masterSession),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// ListenAndServe opens the replica listen socket and accepts sessions until
// Close is called.
func (m *Master) ListenAndServe() error {
	var ln net.Listener
	var err error
	if m.cfg.TLSConfig != nil {
		ln, err = tls.Listen("tcp", m.cfg.ListenAddress, m.cfg.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", m.cfg.ListenAddress)
	}
	if err != nil {
		return fmt.Errorf("replication: listen %s: %w", m.cfg.ListenAddress, err)
	}
	m.listener = ln
	m.logger.Info("replication master listening", "address", ln.Addr().String())

	defer close(m.doneCh)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return nil
			default:
				return fmt.Errorf("replication: accept: %w", err)
			}
		}
		go m.handleConn(conn)
	}
}

// Addr returns the listener's bound address. Valid only after ListenAndServe
// has started listening; used by callers that bind to port 0 and by tests.
func (m *Master) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Close stops accepting new sessions and closes every active one.
func (m *Master) Close() error {
	close(m.stopCh)
	if m.listener != nil {
		m.listener.Close()
	}
	m.mu.Lock()
	for _, s := range m.sessions {
		s.conn.Close()
	}
	m.mu.Unlock()
	<-m.doneCh
	return nil
}

// Sessions returns the replica ids currently connected, for admin.* status
// reporting (spec.md §4.7 "Lag metric").
func (m *Master) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{
			ReplicaID:       s.replicaID,
			LastAckedOffset: s.lastAckedOffset.Load(),
			ConnectedSince:  s.connectedAt,
		})
	}
	return out
}

// SessionInfo summarizes one connected replica.
type SessionInfo struct {
	ReplicaID       string
	LastAckedOffset uint64
	ConnectedSince  time.Time
}

type masterSession struct {
	replicaID       string
	conn            net.Conn
	connectedAt     time.Time
	lastAckedOffset atomicUint64
	lastContact     atomicTime
}

func (m *Master) handleConn(conn net.Conn) {
	defer conn.Close()

	msgType, payload, err := readFrame(conn)
	if err != nil {
		m.logger.Warn("replication: failed to read hello", "error", err)
		return
	}
	if msgType != MsgHello {
		m.logger.Warn("replication: expected hello", "got", msgType)
		return
	}
	hello, err := decodeJSON[HelloMsg](payload)
	if err != nil {
		m.logger.Warn("replication: malformed hello", "error", err)
		return
	}

	sess := &masterSession{replicaID: hello.ReplicaID, conn: conn, connectedAt: time.Now()}
	sess.lastContact.Store(time.Now())
	m.mu.Lock()
	m.sessions[hello.ReplicaID] = sess
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.sessions, hello.ReplicaID)
		m.mu.Unlock()
	}()

	m.logger.Info("replica connected", "replica_id", hello.ReplicaID,
		"has_last_applied", hello.HasLastApplied, "last_applied_offset", hello.LastAppliedOffset)

	startOffset, needsFullSync := m.resyncDecision(hello)
	if needsFullSync {
		var err error
		startOffset, err = m.runFullSync(conn)
		if err != nil {
			m.logger.Warn("replication: full sync failed", "replica_id", hello.ReplicaID, "error", err)
			return
		}
	}
	sess.lastAckedOffset.Store(startOffset)

	if err := m.runLiveLoop(conn, sess, startOffset); err != nil {
		m.logger.Info("replica session ended", "replica_id", hello.ReplicaID, "error", err)
	}
}

// resyncDecision implements spec.md §4.7 step 1: full sync unless the
// replica's last applied offset is still resident in the log.
func (m *Master) resyncDecision(hello HelloMsg) (startOffset uint64, needsFullSync bool) {
	if !hello.HasLastApplied {
		return 0, true
	}
	if hello.LastAppliedOffset < m.log.OldestOffset() {
		return 0, true
	}
	return hello.LastAppliedOffset + 1, false
}

// runFullSync streams a snapshot to the replica and returns the replication
// offset live streaming must resume from (spec.md §4.7 step 3).
func (m *Master) runFullSync(conn net.Conn) (uint64, error) {
	path, walLastOffset, replOffset, ok := m.snapshots.LatestSnapshot()
	if !ok {
		var err error
		path, walLastOffset, replOffset, err = m.snapshots.CreateSnapshot(context.Background())
		if err != nil {
			return 0, fmt.Errorf("create snapshot for full sync: %w", err)
		}
	}
	_ = walLastOffset

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return 0, err
	}

	if err := writeFullSyncBegin(conn, FullSyncBeginMsg{
		SnapshotSizeBytes: uint64(stat.Size()), BaseOffset: replOffset,
	}); err != nil {
		return 0, err
	}

	crc := crc32.NewIEEE()
	buf := make([]byte, m.cfg.ChunkSize)
	r := io.TeeReader(bufio.NewReader(f), crc)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if m.snapshotLimiter != nil {
				if err := m.snapshotLimiter.WaitN(context.Background(), n); err != nil {
					return 0, fmt.Errorf("snapshot rate limiter: %w", err)
				}
			}
			if err := writeSnapshotChunk(conn, SnapshotChunkMsg{Bytes: append([]byte(nil), buf[:n]...)}); err != nil {
				return 0, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, readErr
		}
	}

	if err := writeFullSyncEnd(conn, FullSyncEndMsg{Crc32: crc.Sum32()}); err != nil {
		return 0, err
	}
	return replOffset + 1, nil
}

// runLiveLoop implements spec.md §4.7 steps 2/4/5: drains the replication
// log from startOffset, first catching up any backlog (partial sync), then
// blocking on Log.Wait for new entries, while a companion goroutine reads
// Ack/Heartbeat frames to track liveness.
func (m *Master) runLiveLoop(conn net.Conn, sess *masterSession, startOffset uint64) error {
	readErrCh := make(chan error, 1)
	go func() {
		readErrCh <- m.readReplicaFrames(conn, sess)
	}()

	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	next := startOffset
	for {
		entries, err := m.log.GetFrom(next, 256)
		if err != nil {
			return fmt.Errorf("replication log: %w", err)
		}
		if len(entries) > 0 {
			if err := writeLogBatch(conn, LogBatchMsg{Entries: entries}); err != nil {
				return err
			}
			next = entries[len(entries)-1].Offset + 1
			continue
		}

		select {
		case err := <-readErrCh:
			return err
		case <-m.stopCh:
			return nil
		case <-heartbeat.C:
			if time.Since(sess.lastContact.Load()) > m.cfg.SessionTimeout {
				return fmt.Errorf("replication: session timed out")
			}
			if err := writeHeartbeat(conn, HeartbeatMsg{TimestampMs: time.Now().UnixMilli()}); err != nil {
				return err
			}
		case <-m.log.Wait():
			// new entries appended; loop to drain them
		}
	}
}

func (m *Master) readReplicaFrames(conn net.Conn, sess *masterSession) error {
	for {
		msgType, payload, err := readFrame(conn)
		if err != nil {
			return err
		}
		sess.lastContact.Store(time.Now())
		switch msgType {
		case MsgAck:
			ack, err := decodeJSON[AckMsg](payload)
			if err == nil {
				sess.lastAckedOffset.Store(ack.UpToOffset)
			}
		case MsgHeartbeat:
			// liveness only; lastContact already updated above
		default:
			m.logger.Warn("replication: unexpected frame from replica", "type", msgType)
		}
	}
}
