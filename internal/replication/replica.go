package replication

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/synap/synap/internal/core/domain"
)

// Default tuning values (spec.md §6.3 replication.*).
const (
	DefaultReconnectDelay = 2 * time.Second
	DefaultDialTimeout    = 5 * time.Second
)

// StateSink is the subset of the storage engine a Replica needs to apply a
// received replication stream: individual operations in live mode, and a
// whole-state replace from a staged full-sync snapshot file (spec.md §4.7
// "apply the snapshot (replacing local state)").
type StateSink interface {
	ApplyOperation(op domain.Operation) error
	LoadSnapshotFile(path string) error
}

// ReplicaConfig configures a Replica (spec.md §6.3 replication.*).
type ReplicaConfig struct {
	MasterAddress string
	ReplicaID     string

	DialTimeout    time.Duration
	ReconnectDelay time.Duration

	// StagingDir holds the temporary file a full sync's snapshot bytes are
	// accumulated into before being handed to the sink (spec.md §4.7 step 2:
	// "accumulate chunks to a staging file").
	StagingDir string

	// TLSConfig, if set, dials the master over TLS instead of plaintext TCP
	// (see internal/infra/tlsroots for building one from a certificate pool).
	// Not a spec.md §6.3 recognized option; nil preserves the plaintext
	// default.
	TLSConfig *tls.Config
}

// DefaultReplicaConfig returns sensible defaults.
func DefaultReplicaConfig(masterAddr, stagingDir string) ReplicaConfig {
	return ReplicaConfig{
		MasterAddress:  masterAddr,
		ReplicaID:      ulid.Make().String(),
		DialTimeout:    DefaultDialTimeout,
		ReconnectDelay: DefaultReconnectDelay,
		StagingDir:     stagingDir,
	}
}

// Replica connects to a Master, applies its replication stream into sink,
// and auto-reconnects on error (C12, spec.md §4.7 "Replica loop").
type Replica struct {
	cfg    ReplicaConfig
	sink   StateSink
	logger *slog.Logger

	hasLastApplied atomic.Bool
	lastApplied    atomicUint64
	lastEntryMs    atomic.Int64 // timestamp (unix ms) of the last applied entry/heartbeat
	connected      atomic.Bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReplica creates a Replica bound to sink. Call Run to start the connect
// loop; Close stops it.
func NewReplica(cfg ReplicaConfig, sink StateSink, logger *slog.Logger) *Replica {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ReplicaID == "" {
		cfg.ReplicaID = ulid.Make().String()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Replica{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// LastAppliedOffset returns the replication offset most recently applied.
func (r *Replica) LastAppliedOffset() uint64 { return r.lastApplied.Load() }

// Connected reports whether the replica currently holds a live session.
func (r *Replica) Connected() bool { return r.connected.Load() }

// LagMs reports the heartbeat/entry-timestamp-derived lag (spec.md §9: "this
// spec requires heartbeat-derived lag ... surfaced as lag_ms only").
func (r *Replica) LagMs() int64 {
	last := r.lastEntryMs.Load()
	if last == 0 {
		return 0
	}
	lag := time.Now().UnixMilli() - last
	if lag < 0 {
		return 0
	}
	return lag
}

// Run connects and applies the replication stream until ctx is cancelled,
// reconnecting after cfg.ReconnectDelay on any socket or protocol error
// (spec.md §4.7 "On socket error or CRC mismatch, close, sleep
// reconnect_delay_ms, reconnect").
func (r *Replica) Run(ctx context.Context) error {
	defer close(r.doneCh)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		default:
		}

		if err := r.runOnce(ctx); err != nil {
			r.logger.Warn("replication: session ended", "error", err)
		}
		r.connected.Store(false)

		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		case <-time.After(r.cfg.ReconnectDelay):
		}
	}
}

// Close stops the connect loop.
func (r *Replica) Close() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Replica) runOnce(ctx context.Context) error {
	conn, err := r.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial master %s: %w", r.cfg.MasterAddress, err)
	}
	defer conn.Close()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-r.stopCh:
			conn.Close()
		}
	}()

	hello := HelloMsg{ReplicaID: r.cfg.ReplicaID, HasLastApplied: r.hasLastApplied.Load()}
	if hello.HasLastApplied {
		hello.LastAppliedOffset = r.lastApplied.Load()
	}
	if err := writeHello(conn, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	r.connected.Store(true)
	r.logger.Info("replication: connected to master", "address", r.cfg.MasterAddress, "replica_id", r.cfg.ReplicaID)

	for {
		msgType, payload, err := readFrame(conn)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		switch msgType {
		case MsgFullSyncBegin:
			begin, err := decodeJSON[FullSyncBeginMsg](payload)
			if err != nil {
				return fmt.Errorf("decode full sync begin: %w", err)
			}
			baseOffset, err := r.receiveFullSync(conn, begin)
			if err != nil {
				return fmt.Errorf("full sync: %w", err)
			}
			r.lastApplied.Store(baseOffset)
			r.hasLastApplied.Store(true)
			r.lastEntryMs.Store(time.Now().UnixMilli())
			r.logger.Info("replication: full sync applied", "base_offset", baseOffset)

		case MsgLogBatch:
			batch, err := decodeJSON[LogBatchMsg](payload)
			if err != nil {
				return fmt.Errorf("decode log batch: %w", err)
			}
			for _, entry := range batch.Entries {
				if err := r.sink.ApplyOperation(entry.Op); err != nil {
					r.logger.Warn("replication: apply op failed", "type", entry.Op.Type, "offset", entry.Offset, "error", err)
				}
				r.lastApplied.Store(entry.Offset)
				r.lastEntryMs.Store(entry.TimestampMs)
			}
			r.hasLastApplied.Store(true)
			if len(batch.Entries) > 0 {
				if err := writeAck(conn, AckMsg{UpToOffset: r.lastApplied.Load()}); err != nil {
					return fmt.Errorf("send ack: %w", err)
				}
			}

		case MsgHeartbeat:
			hb, err := decodeJSON[HeartbeatMsg](payload)
			if err == nil && r.lastEntryMs.Load() == 0 {
				r.lastEntryMs.Store(hb.TimestampMs)
			}
			if err := writeHeartbeat(conn, HeartbeatMsg{TimestampMs: time.Now().UnixMilli()}); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}

		default:
			r.logger.Warn("replication: unexpected frame from master", "type", msgType)
		}
	}
}

// dial opens the connection to the master, over TLS when cfg.TLSConfig is
// configured and plaintext TCP otherwise.
func (r *Replica) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
	if r.cfg.TLSConfig != nil {
		return tls.DialWithDialer(&dialer, "tcp", r.cfg.MasterAddress, r.cfg.TLSConfig)
	}
	return dialer.DialContext(ctx, "tcp", r.cfg.MasterAddress)
}

// receiveFullSync implements spec.md §4.7 step 2: accumulate SnapshotChunk
// frames to a staging file, verify the FullSyncEnd CRC, then hand the file
// to the sink to replace local state.
func (r *Replica) receiveFullSync(conn net.Conn, begin FullSyncBeginMsg) (uint64, error) {
	stagingDir := r.cfg.StagingDir
	if stagingDir == "" {
		stagingDir = os.TempDir()
	}
	if err := os.MkdirAll(stagingDir, 0750); err != nil {
		return 0, fmt.Errorf("create staging dir: %w", err)
	}

	var randSuffix [8]byte
	rand.Read(randSuffix[:])
	stagingPath := filepath.Join(stagingDir, fmt.Sprintf("fullsync-%x.tmp", randSuffix))
	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("create staging file: %w", err)
	}
	defer os.Remove(stagingPath)

	crc := crc32.NewIEEE()
	var writeErr error

	// Chunks arrive until the master sends FullSyncEnd; SnapshotSizeBytes is
	// informational only (it is not re-validated against bytes actually
	// received, mirroring the master's own io.TeeReader loop which streams
	// until EOF rather than a fixed count).
	for {
		msgType, payload, err := readFrame(conn)
		if err != nil {
			f.Close()
			return 0, fmt.Errorf("read frame during full sync: %w", err)
		}
		switch msgType {
		case MsgSnapshotChunk:
			chunk, err := decodeJSON[SnapshotChunkMsg](payload)
			if err != nil {
				f.Close()
				return 0, fmt.Errorf("decode snapshot chunk: %w", err)
			}
			if writeErr == nil {
				if _, writeErr = f.Write(chunk.Bytes); writeErr == nil {
					crc.Write(chunk.Bytes)
				}
			}
		case MsgFullSyncEnd:
			closeErr := f.Close()
			end, err := decodeJSON[FullSyncEndMsg](payload)
			if err != nil {
				return 0, fmt.Errorf("decode full sync end: %w", err)
			}
			if writeErr != nil {
				return 0, fmt.Errorf("stage snapshot: %w", writeErr)
			}
			if closeErr != nil {
				return 0, fmt.Errorf("close staging file: %w", closeErr)
			}
			if crc.Sum32() != end.Crc32 {
				return 0, domain.Errorf(domain.KindReplicationError, "full sync snapshot checksum mismatch")
			}
			if err := r.sink.LoadSnapshotFile(stagingPath); err != nil {
				return 0, fmt.Errorf("load snapshot: %w", err)
			}
			return begin.BaseOffset, nil
		default:
			f.Close()
			return 0, fmt.Errorf("unexpected frame %s during full sync", msgType)
		}
	}
}
