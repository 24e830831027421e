package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewCollectorNilStatsFunc(t *testing.T) {
	c := NewCollector(nil)
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	if n := testutil.CollectAndCount(c); n != 5 {
		t.Fatalf("got %d metrics from a nil-statsFn Collector, want 5", n)
	}
}

func TestCollectorDescribeEmitsFiveDescs(t *testing.T) {
	c := NewCollector(func() Stats { return Stats{} })
	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)

	n := 0
	for range ch {
		n++
	}
	if n != 5 {
		t.Fatalf("Describe emitted %d descs, want 5", n)
	}
}

func TestCollectorReportsLiveStats(t *testing.T) {
	stats := Stats{KVKeys: 3, QueueDepth: 2, StreamRecords: 7, WALBytes: 4096, Goroutines: 5}
	c := NewCollector(func() Stats { return stats })

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	if got := gaugeValue(t, reg, "synap_kv_keys"); got != 3 {
		t.Errorf("synap_kv_keys = %v, want 3", got)
	}
	if got := gaugeValue(t, reg, "synap_queue_depth"); got != 2 {
		t.Errorf("synap_queue_depth = %v, want 2", got)
	}
	if got := gaugeValue(t, reg, "synap_stream_records"); got != 7 {
		t.Errorf("synap_stream_records = %v, want 7", got)
	}
	if got := gaugeValue(t, reg, "synap_wal_bytes"); got != 4096 {
		t.Errorf("synap_wal_bytes = %v, want 4096", got)
	}
	if got := gaugeValue(t, reg, "synap_goroutines"); got != 5 {
		t.Errorf("synap_goroutines = %v, want 5", got)
	}
}

func TestCollectorReflectsUpdatedStats(t *testing.T) {
	depth := 0
	c := NewCollector(func() Stats { return Stats{QueueDepth: depth} })
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	if got := gaugeValue(t, reg, "synap_queue_depth"); got != 0 {
		t.Fatalf("initial depth = %v, want 0", got)
	}
	depth = 9
	if got := gaugeValue(t, reg, "synap_queue_depth"); got != 9 {
		t.Fatalf("depth after update = %v, want 9 (collector must re-read statsFn on every scrape)", got)
	}
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		return mf.GetMetric()[0].GetGauge().GetValue()
	}
	t.Fatalf("metric %q not found in gathered families", name)
	return 0
}
