package domain

// OpType tags the single Operation variant that is shared, unchanged, across
// three very different consumers: the WAL record payload, the replication
// log entry payload, and the C13 command surface. Spec §4.8 calls this out
// explicitly: "the same Operation type is the WAL payload and the
// replication payload -- it is the single point of truth about what a write
// is."
type OpType string

const (
	OpKVSet     OpType = "kv_set"
	OpKVDelete  OpType = "kv_delete"
	OpKVExpire  OpType = "kv_expire"
	OpKVPersist OpType = "kv_persist"
	OpKVIncr    OpType = "kv_incr"
	OpKVFlush   OpType = "kv_flush"

	OpQueueCreate  OpType = "queue_create"
	OpQueueDelete  OpType = "queue_delete"
	OpQueuePublish OpType = "queue_publish"
	OpQueueAck     OpType = "queue_ack"
	OpQueueNack    OpType = "queue_nack"
	OpQueuePurge   OpType = "queue_purge"

	OpTopicCreate  OpType = "topic_create"
	OpTopicDelete  OpType = "topic_delete"
	OpStreamAppend OpType = "stream_append"
)

// Operation is the tagged mutation record. Only the fields relevant to Type
// are populated; the rest are left zero. A flat struct (rather than an
// interface per variant) keeps JSON round-tripping trivial, which matters
// because this exact struct is what crosses the WAL, snapshot and
// replication wire boundaries.
type Operation struct {
	Type OpType `json:"type"`

	// KV (OpKVSet, OpKVDelete, OpKVExpire, OpKVPersist, OpKVIncr, OpKVFlush)
	Key                string   `json:"key,omitempty"`
	Keys               []string `json:"keys,omitempty"`
	Value              []byte   `json:"value,omitempty"`
	HasExpiry          bool     `json:"has_expiry,omitempty"`
	ExpiresAtUnixMilli int64    `json:"expires_at_unix_milli,omitempty"`
	SetMode            SetMode  `json:"set_mode,omitempty"`
	Delta              int64    `json:"delta,omitempty"`

	// Queue (OpQueue*)
	Queue        string            `json:"queue,omitempty"`
	QueueConfig  *QueueConfig      `json:"queue_config,omitempty"`
	MessageID    string            `json:"message_id,omitempty"`
	Payload      []byte            `json:"payload,omitempty"`
	Priority     uint8             `json:"priority,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	ConsumerID   string            `json:"consumer_id,omitempty"`
	Requeue      bool              `json:"requeue,omitempty"`
	RetriesSoFar uint32            `json:"retries_so_far,omitempty"`

	// Stream (OpTopicCreate, OpTopicDelete, OpStreamAppend)
	Topic        string       `json:"topic,omitempty"`
	TopicConfig  *TopicConfig `json:"topic_config,omitempty"`
	Partition    uint32       `json:"partition,omitempty"`
	PartitionKey string       `json:"partition_key,omitempty"`
	EventType    string       `json:"event_type,omitempty"`
	Offset       uint64       `json:"offset,omitempty"`
	TimestampMs  int64        `json:"timestamp_ms,omitempty"`
}

// QueueConfig holds per-queue settings (spec §3.4, §6.3 queue.default.*).
type QueueConfig struct {
	MaxDepth        uint64 `json:"max_depth"`
	DefaultPriority uint8  `json:"default_priority"`
	AckDeadlineMs   int64  `json:"ack_deadline_ms"`
	MaxRetries      uint32 `json:"max_retries"`
}

// Message is a queue message (spec §3.4).
type Message struct {
	ID           string
	Payload      []byte
	Priority     uint8
	Headers      map[string]string
	RetriesSoFar uint32

	EnqueueSeq  uint64
	DeliveredAt int64
	ConsumerID  string
}

// EventRecord is a single event-log record (spec §3.5).
type EventRecord struct {
	Offset      uint64
	EventType   string
	Payload     []byte
	TimestampMs int64
	Headers     map[string]string
}

// RetentionPolicy bounds how long a partition keeps records (spec §3.5):
// any zero field is an unbounded dimension; all configured dimensions are
// ANDed together, and enforcement only ever drops a contiguous prefix.
type RetentionPolicy struct {
	MaxAgeMs   int64 `json:"max_age_ms,omitempty"`
	MaxBytes   int64 `json:"max_bytes,omitempty"`
	MaxRecords int64 `json:"max_records,omitempty"`
}

// Infinite reports whether no retention bound is configured.
func (r RetentionPolicy) Infinite() bool {
	return r.MaxAgeMs == 0 && r.MaxBytes == 0 && r.MaxRecords == 0
}

// TopicConfig holds per-topic settings (spec §3.5, §4.3).
type TopicConfig struct {
	Partitions uint32          `json:"partitions"`
	Retention  RetentionPolicy `json:"retention"`
}

// RebalanceStrategy selects how partitions are assigned to group members
// (spec §4.3).
type RebalanceStrategy string

const (
	RebalanceRange      RebalanceStrategy = "range"
	RebalanceRoundRobin RebalanceStrategy = "round_robin"
	RebalanceSticky     RebalanceStrategy = "sticky"
)
