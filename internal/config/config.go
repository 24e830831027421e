// Package config defines Synap's recognized configuration schema
// (spec.md §6.3) and translates it into the concrete Config structs each
// component package expects, the way the teacher's server config wires
// koanf-loaded values into its own component configs.
package config

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/synap/synap/internal/core/domain"
	"github.com/synap/synap/internal/infra/tlsroots"
	"github.com/synap/synap/internal/kv"
	"github.com/synap/synap/internal/replication"
	"github.com/synap/synap/internal/storage"
	"github.com/synap/synap/internal/storage/snapshot"
	"github.com/synap/synap/internal/storage/wal"
)

// Role selects how the replication subsystem behaves (spec.md §6.3
// replication.role).
type Role string

const (
	RoleStandalone Role = "standalone"
	RoleMaster     Role = "master"
	RoleReplica    Role = "replica"
)

// ServerConfig is the bind address for the glue layer (spec.md §6.3
// server.host/server.port). Synap's core has no HTTP/WebSocket listener of
// its own (spec.md §1 non-goal), so this is consumed only by whatever
// external collaborator a deployment adds in front of the engine; it is
// still recognized here so config files can set it without error.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// KVStoreConfig is spec.md §6.3's kv_store.* namespace.
type KVStoreConfig struct {
	MaxMemoryMB           int64  `koanf:"max_memory_mb"`
	EvictionPolicy        string `koanf:"eviction_policy"`
	TTLCleanupIntervalMs  int64  `koanf:"ttl_cleanup_interval_ms"`
	ShardUpgradeThreshold int    `koanf:"shard_upgrade_threshold"`
}

// WALConfig is spec.md §6.3's persistence.wal.* namespace.
type WALConfig struct {
	FsyncMode       string `koanf:"fsync_mode"`
	FsyncIntervalMs int64  `koanf:"fsync_interval_ms"`
	BufferSizeKB    int    `koanf:"buffer_size_kb"`
	MaxSizeMB       int64  `koanf:"max_size_mb"`
}

// SnapshotConfig is spec.md §6.3's persistence.snapshot.* namespace.
type SnapshotConfig struct {
	IntervalSecs      int64 `koanf:"interval_secs"`
	OperationThreshold uint64 `koanf:"operation_threshold"`
	MaxSnapshots      int   `koanf:"max_snapshots"`
	Compression       bool  `koanf:"compression"`
}

// PersistenceConfig is spec.md §6.3's persistence.* namespace.
type PersistenceConfig struct {
	Enabled       bool           `koanf:"enabled"`
	DataDir       string         `koanf:"data_dir"`
	EncryptionKey string         `koanf:"encryption_key"`
	WAL           WALConfig      `koanf:"wal"`
	Snapshot      SnapshotConfig `koanf:"snapshot"`
}

// ReplicationConfig is spec.md §6.3's replication.* namespace.
type ReplicationConfig struct {
	Enabled             bool   `koanf:"enabled"`
	Role                Role   `koanf:"role"`
	MasterAddress       string `koanf:"master_address"`
	ReplicaListenAddress string `koanf:"replica_listen_address"`
	HeartbeatIntervalMs int64  `koanf:"heartbeat_interval_ms"`
	MaxLagMs            int64  `koanf:"max_lag_ms"`
	BufferSizeKB        int    `koanf:"buffer_size_kb"`
	AutoReconnect       bool   `koanf:"auto_reconnect"`
	ReconnectDelayMs    int64  `koanf:"reconnect_delay_ms"`
	ReplicaTimeoutSecs  int64  `koanf:"replica_timeout_secs"`

	// TLSCertFile/TLSKeyFile/TLSCAFile configure mutual TLS on the
	// replication socket via internal/infra/tlsroots. Not a spec.md §6.3
	// recognized option; leaving TLSCertFile empty keeps the plaintext
	// default both master and replica otherwise use.
	TLSCertFile string `koanf:"tls_cert_file"`
	TLSKeyFile  string `koanf:"tls_key_file"`
	TLSCAFile   string `koanf:"tls_ca_file"`
}

// QueueDefaultConfig is spec.md §6.3's queue.default.* namespace, applied
// when a queue is created without an explicit per-queue override.
type QueueDefaultConfig struct {
	MaxDepth        uint64 `koanf:"max_depth"`
	AckDeadlineSecs int64  `koanf:"ack_deadline_secs"`
	MaxRetries      uint32 `koanf:"max_retries"`
	DefaultPriority uint8  `koanf:"default_priority"`
}

// Config is the full recognized configuration tree (spec.md §6.3),
// unmarshaled from YAML/env by internal/infra/confloader.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	KVStore     KVStoreConfig     `koanf:"kv_store"`
	Persistence PersistenceConfig `koanf:"persistence"`
	Replication ReplicationConfig `koanf:"replication"`
	QueueDefault QueueDefaultConfig `koanf:"queue"`

	// NodeID identifies this node in WAL/snapshot headers and replica
	// sessions. Not part of spec.md §6.3's recognized options (it has no
	// config-file knob in the spec), but every node needs a stable
	// identity, so it is set from a CLI flag / generated at startup rather
	// than left as a magic default.
	NodeID string `koanf:"-"`
}

// Default returns Synap's default configuration, matching the defaults
// named throughout spec.md §4 and §6.3.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 7380},
		KVStore: KVStoreConfig{
			MaxMemoryMB:           0,
			EvictionPolicy:        string(kv.EvictionNone),
			TTLCleanupIntervalMs:  100,
			ShardUpgradeThreshold: kv.DefaultUpgradeThreshold,
		},
		Persistence: PersistenceConfig{
			Enabled: true,
			DataDir: "./data",
			WAL: WALConfig{
				FsyncMode:       string(wal.FsyncAlways),
				FsyncIntervalMs: wal.DefaultFsyncInterval.Milliseconds(),
				BufferSizeKB:    int(wal.DefaultMaxFileSize / 1024 / 64),
				MaxSizeMB:       wal.DefaultMaxFileSize / 1024 / 1024,
			},
			Snapshot: SnapshotConfig{
				IntervalSecs:       int64(storage.DefaultSnapshotInterval.Seconds()),
				OperationThreshold: storage.DefaultOperationThreshold,
				MaxSnapshots:       snapshot.DefaultRetentionCount,
				Compression:        false,
			},
		},
		Replication: ReplicationConfig{
			Enabled:             false,
			Role:                RoleStandalone,
			HeartbeatIntervalMs: replication.DefaultHeartbeatInterval.Milliseconds(),
			MaxLagMs:            10_000,
			BufferSizeKB:        replication.DefaultChunkSize / 1024,
			AutoReconnect:       true,
			ReconnectDelayMs:    replication.DefaultReconnectDelay.Milliseconds(),
			ReplicaTimeoutSecs:  int64(replication.DefaultSessionTimeout.Seconds()),
		},
		QueueDefault: QueueDefaultConfig{
			MaxDepth:        100_000,
			AckDeadlineSecs: 30,
			MaxRetries:      5,
			DefaultPriority: 0,
		},
	}
}

// Validate checks the configuration for errors the glue layer should refuse
// to start on (spec.md §6.6 exit code 1, "configuration error").
func (c Config) Validate() error {
	if c.Persistence.Enabled && c.Persistence.DataDir == "" {
		return fmt.Errorf("config: persistence.data_dir is required when persistence.enabled")
	}
	switch wal.FsyncMode(c.Persistence.WAL.FsyncMode) {
	case wal.FsyncAlways, wal.FsyncPeriodic, wal.FsyncNever, "":
	default:
		return fmt.Errorf("config: persistence.wal.fsync_mode %q is not one of always|periodic|never", c.Persistence.WAL.FsyncMode)
	}
	switch kv.EvictionPolicy(c.KVStore.EvictionPolicy) {
	case kv.EvictionLRU, kv.EvictionLFU, kv.EvictionTTL, kv.EvictionNone, "":
	default:
		return fmt.Errorf("config: kv_store.eviction_policy %q is not one of lru|lfu|ttl|none", c.KVStore.EvictionPolicy)
	}
	switch c.Replication.Role {
	case RoleStandalone, RoleMaster, RoleReplica, "":
	default:
		return fmt.Errorf("config: replication.role %q is not one of standalone|master|replica", c.Replication.Role)
	}
	if c.Replication.Enabled {
		if c.Replication.Role == RoleReplica && c.Replication.MasterAddress == "" {
			return fmt.Errorf("config: replication.master_address is required for replication.role=replica")
		}
		if c.Replication.Role == RoleMaster && c.Replication.ReplicaListenAddress == "" {
			return fmt.Errorf("config: replication.replica_listen_address is required for replication.role=master")
		}
	}
	if c.Replication.TLSCertFile != "" {
		if _, err := c.replicationTLSConfig(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// StorageConfig translates the recognized options into storage.Config,
// the form internal/storage.New expects.
func (c Config) StorageConfig() storage.Config {
	sc := storage.DefaultConfig(c.Persistence.DataDir)
	sc.NodeID = c.NodeID

	sc.KV.EvictionPolicy = kv.EvictionPolicy(c.KVStore.EvictionPolicy)
	if c.KVStore.MaxMemoryMB > 0 {
		sc.KV.MaxMemoryBytes = c.KVStore.MaxMemoryMB * 1024 * 1024
	}
	if c.KVStore.TTLCleanupIntervalMs > 0 {
		sc.KV.TTLSweepInterval = time.Duration(c.KVStore.TTLCleanupIntervalMs) * time.Millisecond
	}
	if c.KVStore.ShardUpgradeThreshold > 0 {
		sc.KV.UpgradeThreshold = c.KVStore.ShardUpgradeThreshold
	}

	if c.Persistence.WAL.FsyncMode != "" {
		sc.WAL.FsyncMode = wal.FsyncMode(c.Persistence.WAL.FsyncMode)
	}
	if c.Persistence.WAL.FsyncIntervalMs > 0 {
		sc.WAL.FsyncInterval = time.Duration(c.Persistence.WAL.FsyncIntervalMs) * time.Millisecond
	}
	if c.Persistence.WAL.MaxSizeMB > 0 {
		sc.WAL.MaxFileSize = c.Persistence.WAL.MaxSizeMB * 1024 * 1024
	}

	if c.Persistence.Snapshot.MaxSnapshots > 0 {
		sc.Snapshot.RetentionCount = c.Persistence.Snapshot.MaxSnapshots
	}
	if c.Persistence.Snapshot.IntervalSecs > 0 {
		sc.SnapshotInterval = time.Duration(c.Persistence.Snapshot.IntervalSecs) * time.Second
	}
	if c.Persistence.Snapshot.OperationThreshold > 0 {
		sc.OperationThreshold = c.Persistence.Snapshot.OperationThreshold
	}

	return sc
}

// QueueConfig returns the default per-queue configuration applied to
// queues created without an explicit override (spec.md §6.3 queue.default.*).
func (c Config) QueueConfig() domain.QueueConfig {
	return domain.QueueConfig{
		MaxDepth:        c.QueueDefault.MaxDepth,
		DefaultPriority: c.QueueDefault.DefaultPriority,
		AckDeadlineMs:   c.QueueDefault.AckDeadlineSecs * 1000,
		MaxRetries:      c.QueueDefault.MaxRetries,
	}
}

// MasterConfig translates replication.* into replication.MasterConfig,
// valid only when Role == RoleMaster.
func (c Config) MasterConfig() replication.MasterConfig {
	mc := replication.DefaultMasterConfig(c.Replication.ReplicaListenAddress)
	if c.Replication.HeartbeatIntervalMs > 0 {
		mc.HeartbeatInterval = time.Duration(c.Replication.HeartbeatIntervalMs) * time.Millisecond
	}
	if c.Replication.ReplicaTimeoutSecs > 0 {
		mc.SessionTimeout = time.Duration(c.Replication.ReplicaTimeoutSecs) * time.Second
	}
	if c.Replication.BufferSizeKB > 0 {
		mc.ChunkSize = c.Replication.BufferSizeKB * 1024
	}
	if tlsCfg, err := c.replicationTLSConfig(); err == nil {
		mc.TLSConfig = tlsCfg
	}
	return mc
}

// ReplicaConfig translates replication.* into replication.ReplicaConfig,
// valid only when Role == RoleReplica.
func (c Config) ReplicaConfig(stagingDir string) replication.ReplicaConfig {
	rc := replication.DefaultReplicaConfig(c.Replication.MasterAddress, stagingDir)
	rc.ReplicaID = c.NodeID
	if c.Replication.ReconnectDelayMs > 0 {
		rc.ReconnectDelay = time.Duration(c.Replication.ReconnectDelayMs) * time.Millisecond
	}
	if tlsCfg, err := c.replicationTLSConfig(); err == nil {
		rc.TLSConfig = tlsCfg
	}
	return rc
}

// replicationTLSConfig builds a mutual-TLS config for the replication socket
// from replication.tls_*_file (see internal/infra/tlsroots). Returns a nil
// config, nil error when TLSCertFile is unset -- the plaintext default.
func (c Config) replicationTLSConfig() (*tls.Config, error) {
	if c.Replication.TLSCertFile == "" {
		return nil, nil
	}
	var pool *tlsroots.Pool
	if c.Replication.TLSCAFile != "" {
		pool = tlsroots.NewEmptyPool()
		if err := pool.AddCertFile(c.Replication.TLSCAFile); err != nil {
			return nil, fmt.Errorf("replication tls: load ca file: %w", err)
		}
	} else {
		var err error
		pool, err = tlsroots.NewPool()
		if err != nil {
			return nil, fmt.Errorf("replication tls: build pool: %w", err)
		}
	}
	return pool.MutualTLSConfig(c.Replication.TLSCertFile, c.Replication.TLSKeyFile)
}
