package replication

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MessageType tags a replication frame's payload (spec.md §4.7 wire table).
type MessageType uint8

const (
	MsgHello MessageType = iota + 1
	MsgFullSyncBegin
	MsgSnapshotChunk
	MsgFullSyncEnd
	MsgLogBatch
	MsgAck
	MsgHeartbeat
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "Hello"
	case MsgFullSyncBegin:
		return "FullSyncBegin"
	case MsgSnapshotChunk:
		return "SnapshotChunk"
	case MsgFullSyncEnd:
		return "FullSyncEnd"
	case MsgLogBatch:
		return "LogBatch"
	case MsgAck:
		return "Ack"
	case MsgHeartbeat:
		return "Heartbeat"
	default:
		return fmt.Sprintf("MessageType(%d)", t)
	}
}

// HelloMsg is sent replica->master on connect (spec.md §4.7).
type HelloMsg struct {
	ReplicaID         string `json:"replica_id"`
	HasLastApplied    bool   `json:"has_last_applied"`
	LastAppliedOffset uint64 `json:"last_applied_offset,omitempty"`
}

// FullSyncBeginMsg is sent master->replica to start a full sync.
type FullSyncBeginMsg struct {
	SnapshotSizeBytes uint64 `json:"snapshot_size_bytes"`
	BaseOffset        uint64 `json:"base_offset"`
}

// SnapshotChunkMsg carries one chunk of the snapshot file.
type SnapshotChunkMsg struct {
	Bytes []byte `json:"bytes"`
}

// FullSyncEndMsg seals a full sync with the snapshot's checksum.
type FullSyncEndMsg struct {
	Crc32 uint32 `json:"crc32"`
}

// LogBatchMsg carries a contiguous run of replication log entries.
type LogBatchMsg struct {
	Entries []Entry `json:"entries"`
}

// AckMsg is sent replica->master acknowledging applied offset.
type AckMsg struct {
	UpToOffset uint64 `json:"up_to_offset"`
}

// HeartbeatMsg flows in either direction on a fixed cadence.
type HeartbeatMsg struct {
	TimestampMs int64 `json:"timestamp_ms"`
}

// writeFrame writes one spec.md §4.7 frame: [u32 length BE][type:1][json
// payload]. length counts the type byte plus the payload.
func writeFrame(w io.Writer, msgType MessageType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("replication: marshal %s: %w", msgType, err)
	}

	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = byte(msgType)
	copy(buf[5:], payload)

	_, err = w.Write(buf)
	return err
}

// readFrame reads one frame and returns its type and raw JSON payload.
func readFrame(r io.Reader) (MessageType, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return 0, nil, fmt.Errorf("replication: empty frame")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return MessageType(body[0]), body[1:], nil
}

func writeHello(w io.Writer, m HelloMsg) error           { return writeFrame(w, MsgHello, m) }
func writeFullSyncBegin(w io.Writer, m FullSyncBeginMsg) error {
	return writeFrame(w, MsgFullSyncBegin, m)
}
func writeSnapshotChunk(w io.Writer, m SnapshotChunkMsg) error {
	return writeFrame(w, MsgSnapshotChunk, m)
}
func writeFullSyncEnd(w io.Writer, m FullSyncEndMsg) error { return writeFrame(w, MsgFullSyncEnd, m) }
func writeLogBatch(w io.Writer, m LogBatchMsg) error       { return writeFrame(w, MsgLogBatch, m) }
func writeAck(w io.Writer, m AckMsg) error                 { return writeFrame(w, MsgAck, m) }
func writeHeartbeat(w io.Writer, m HeartbeatMsg) error     { return writeFrame(w, MsgHeartbeat, m) }

func decodeJSON[T any](payload []byte) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}
