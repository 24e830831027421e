package benchmark

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"testing"

	"github.com/synap/synap/internal/core/domain"
	"github.com/synap/synap/internal/storage"
)

// KeyCounts defines full-scale key counts; the benchmarks in this package
// use SmallKeyCounts or their own counts instead.
var KeyCounts = []int{5000, 10000, 15000, 20000, 50000, 100000}

// SmallKeyCounts is used by benchmarks too expensive to run at full scale.
var SmallKeyCounts = []int{1000, 5000, 10000}

// newTestEngine builds a storage engine rooted at a fresh temp dir, with
// logging silenced so benchmark output isn't drowned out.
func newTestEngine(b *testing.B) *storage.Engine {
	b.Helper()
	cfg := storage.DefaultConfig(b.TempDir())
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := storage.New(cfg)
	if err != nil {
		b.Fatalf("storage.New failed: %v", err)
	}
	b.Cleanup(func() { engine.Close() })
	return engine
}

// prefillKV writes count keys into engine and returns them, for benchmarks
// that measure an operation over an already-populated store.
func prefillKV(b *testing.B, engine *storage.Engine, count int) []string {
	b.Helper()
	keys := make([]string, count)
	for i := 0; i < count; i++ {
		key := fmt.Sprintf("bench-key-%d", i)
		keys[i] = key
		if _, err := engine.Set(key, benchValue(i), nil, domain.SetAlways); err != nil {
			b.Fatalf("prefill Set failed: %v", err)
		}
	}
	return keys
}

// benchValue returns a small deterministic payload so benchmarks don't pay
// for random generation on the hot path.
func benchValue(i int) []byte {
	return []byte(fmt.Sprintf("value-%d-the-quick-brown-fox", i))
}

// reportMemory reports heap usage as a custom benchmark metric.
func reportMemory(b *testing.B, prefix string) {
	var m runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&m)
	b.ReportMetric(float64(m.Alloc)/(1024*1024), prefix+"_MB")
	b.ReportMetric(float64(m.NumGC), prefix+"_GC")
}

// runWithKeyCounts runs a benchmark function across each of counts.
func runWithKeyCounts(b *testing.B, counts []int, benchFn func(b *testing.B, count int)) {
	for _, count := range counts {
		b.Run(fmt.Sprintf("keys_%d", count), func(b *testing.B) {
			benchFn(b, count)
		})
	}
}
