// Package snapshot provides snapshot management for Synap.
//
// Snapshots are periodic full dumps of the in-memory KV store, queues, and
// stream partitions, enabling faster recovery by bounding WAL replay to
// whatever was appended after the snapshot's WAL offset.
//
// File layout (one file per snapshot, filePrefix+timestamp+seq+extension):
//
//	[magic:8 "SYNAPSN0"]
//	[version:4 BE]
//	[created_at_unix_ms:8 BE]
//	record*  = [kind:1][length:4 BE][crc32:4 BE of payload][payload]
//	[record_count:8 BE]
//	[overall_crc32:4 BE]  (IEEE CRC32 over magic, version, created_at and
//	                       the records; record_count is not covered)
//
// kind is 1 for a KV entry, 2 for a queue's full state, 3 for a stream
// partition's live records.
//
// Recovery:
//
//  1. Load the newest snapshot that verifies; fall back to older ones on
//     checksum failure.
//  2. Replay WAL entries committed after the snapshot's WAL offset.
package snapshot
