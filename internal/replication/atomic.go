package replication

import (
	"sync"
	"sync/atomic"
	"time"
)

// atomicUint64 is a small typed wrapper around atomic.Uint64, used for the
// per-session counters (last acked/applied offset) shared between a
// session's reader and writer goroutines (spec.md §5: "owned by exactly one
// reader task and one writer task, connected via a local channel").
type atomicUint64 struct {
	v atomic.Uint64
}

func (a *atomicUint64) Load() uint64  { return a.v.Load() }
func (a *atomicUint64) Store(x uint64) { a.v.Store(x) }

// atomicTime is a mutex-guarded time.Time, used for liveness timestamps
// (time.Time has no lock-free atomic equivalent in the standard library).
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) Load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

func (a *atomicTime) Store(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.t = t
}
