// Package wal provides the write-ahead log for Synap (spec.md §4.5, §6.1).
//
// Every mutating KV/queue/stream operation is appended here -- as the same
// domain.Operation that also rides the replication log (spec.md §4.8) --
// before the caller is acknowledged. Most operations are logged before they
// are applied to in-memory state; those whose content is only known once
// they run (queue publish, stream publish, incr) are applied first and
// logged right after.
package wal

import (
	"errors"

	"github.com/synap/synap/internal/core/domain"
)

// Errors surfaced by record decoding. A reader treats any of these as the
// end of a readable log: the record, and everything after it, is discarded.
var (
	ErrCorruptedEntry   = errors.New("wal: corrupted record")
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
)

// Entry is one durable record: a logical Operation plus the composite
// offset the writer assigned it once committed.
type Entry struct {
	Op     domain.Operation
	Offset uint64
}

// NewEntry wraps an Operation for submission to the Writer.
func NewEntry(op domain.Operation) *Entry {
	return &Entry{Op: op}
}
