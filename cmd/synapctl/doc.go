// Package main provides the entry point for synapctl.
//
// synapctl is Synap's embedded administration tool, providing command-line
// access to:
//
//   - the sharded KV store (kv get/set/del/exists/incr/decr/expire/persist/
//     ttl/scan/flushdb/dbsize)
//   - the durable work queue (queue create/delete/publish/consume/ack/
//     nack/purge/stats)
//   - the partitioned event log and consumer groups (stream create-topic/
//     delete-topic/publish/fetch/join-group/leave-group/heartbeat/commit/
//     fetch-for-group)
//   - status and snapshot administration (admin status/snapshot create/
//     snapshot list)
//
// Usage:
//
//	synapctl --data-dir ./data kv get mykey
//	synapctl --data-dir ./data queue stats orders
//	synapctl --data-dir ./data admin snapshot create
//
// Unlike the teacher's tokmesh-cli, synapctl is not an HTTP client: it is
// an embedded tool that opens the storage engine directly against
// --data-dir for the lifetime of a single command (see
// internal/cli/command's package doc for why). It has no REPL mode -- each
// invocation is a single command against a closed engine handle.
package main
