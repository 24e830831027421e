// Package wal provides the write-ahead log for Synap's KV, queue, and
// stream mutations (spec.md §4.5).
//
// Operations are grouped into batches (size or time bounded) by a single
// writer goroutine reading off a bounded channel, and durability is
// governed by FsyncMode: Always fsyncs once per batch before acking any
// caller in it, Periodic acks as soon as bytes reach the OS buffer and
// fsyncs on a separate cadence, Never never fsyncs explicitly.
//
// Record format (spec.md §6.1, bit-exact):
//
//	[length:4 LE][crc32:4 LE of payload][payload]
//
// payload is the JSON encoding of a domain.Operation, optionally wrapped by
// an adaptive.Cipher. Segment files (wal-NNNNNNNN.log) hold a sequential
// run of records with no file-level header or trailer; a bad record ends
// replay of the whole log (later segments are not read), matching spec.md §4.5's truncate-at-first-CRC-
// failure contract.
package wal
