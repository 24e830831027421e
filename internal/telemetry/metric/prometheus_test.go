package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestNewRegistryFields(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}
	if r.registry == nil {
		t.Error("registry field is nil")
	}
	switch {
	case r.KVOperationsTotal == nil,
		r.QueuePublishedTotal == nil,
		r.QueueDeadLetteredTotal == nil,
		r.StreamAppendedTotal == nil,
		r.PubsubPublishedTotal == nil,
		r.WALWriteBytesTotal == nil,
		r.SnapshotWriteDuration == nil,
		r.ReplicationLagMs == nil:
		t.Error("expected all metric fields to be non-nil after NewRegistry")
	}
}

func TestGlobal(t *testing.T) {
	r1 := Global()
	r2 := Global()
	if r1 != r2 {
		t.Error("Global() should return the same instance")
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	r := NewRegistry()
	r.KVOperationsTotal.WithLabelValues("set").Inc()

	h := r.Handler()
	if h == nil {
		t.Fatal("Handler() returned nil")
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `synap_kv_operations_total{op="set"} 1`) {
		t.Errorf("expected synap_kv_operations_total{op=\"set\"} 1, got:\n%s", body)
	}
}

func TestKVMetrics(t *testing.T) {
	r := NewRegistry()

	r.KVOperationsTotal.WithLabelValues("set").Inc()
	r.KVOperationsTotal.WithLabelValues("set").Inc()
	r.KVOperationsTotal.WithLabelValues("get").Inc()
	r.KVExpiredTotal.Inc()
	r.KVErrorsTotal.WithLabelValues("not_found").Inc()

	body := scrape(t, r)

	assertContains(t, body, `synap_kv_operations_total{op="get"} 1`)
	assertContains(t, body, `synap_kv_operations_total{op="set"} 2`)
	assertContains(t, body, "synap_kv_expired_total 1")
	assertContains(t, body, `synap_kv_errors_total{kind="not_found"} 1`)
}

func TestQueueMetrics(t *testing.T) {
	r := NewRegistry()

	r.QueuePublishedTotal.WithLabelValues("orders").Inc()
	r.QueueAckedTotal.WithLabelValues("orders").Inc()
	r.QueueNackedTotal.WithLabelValues("orders", "true").Inc()
	r.QueueDeadLetteredTotal.WithLabelValues("orders").Inc()
	r.QueueLeaseExpiredTotal.WithLabelValues("orders").Inc()

	body := scrape(t, r)

	assertContains(t, body, `synap_queue_published_total{queue="orders"} 1`)
	assertContains(t, body, `synap_queue_acked_total{queue="orders"} 1`)
	assertContains(t, body, `synap_queue_nacked_total{queue="orders",requeued="true"} 1`)
	assertContains(t, body, `synap_queue_dead_lettered_total{queue="orders"} 1`)
	assertContains(t, body, `synap_queue_lease_expired_total{queue="orders"} 1`)
}

func TestStreamAndPubsubMetrics(t *testing.T) {
	r := NewRegistry()

	r.StreamAppendedTotal.WithLabelValues("clicks").Inc()
	r.StreamRetentionDrops.WithLabelValues("clicks").Inc()
	r.ConsumerRebalances.WithLabelValues("clicks", "analytics", "range").Inc()
	r.PubsubPublishedTotal.WithLabelValues("delivered").Inc()
	r.PubsubPublishedTotal.WithLabelValues("unmatched").Inc()
	r.PubsubOverflowsTotal.Inc()

	body := scrape(t, r)

	assertContains(t, body, `synap_stream_appended_total{topic="clicks"} 1`)
	assertContains(t, body, `synap_stream_retention_drops_total{topic="clicks"} 1`)
	assertContains(t, body, `synap_consumer_rebalances_total{group="analytics",strategy="range",topic="clicks"} 1`)
	assertContains(t, body, `synap_pubsub_published_total{outcome="delivered"} 1`)
	assertContains(t, body, `synap_pubsub_published_total{outcome="unmatched"} 1`)
	assertContains(t, body, "synap_pubsub_overflows_total 1")
}

func TestWALAndSnapshotMetrics(t *testing.T) {
	r := NewRegistry()

	r.WALWriteBytesTotal.Add(1024)
	r.WALWriteBytesTotal.Add(2048)
	r.WALFsyncDuration.Observe(0.002)
	r.WALBatchSize.Observe(16)
	r.WALCorruptionsTotal.Inc()
	r.SnapshotWriteDuration.Observe(1.5)
	r.SnapshotSizeBytes.Set(2048 * 1024)
	r.RecoveryReplayedTotal.Inc()

	body := scrape(t, r)

	assertContains(t, body, "synap_wal_write_bytes_total 3072")
	assertContains(t, body, "synap_wal_fsync_duration_seconds_count 1")
	assertContains(t, body, "synap_wal_batch_size_count 1")
	assertContains(t, body, "synap_wal_corruptions_total 1")
	assertContains(t, body, "synap_snapshot_write_duration_seconds_count 1")
	assertContains(t, body, "synap_snapshot_size_bytes 2.097152e+06")
	assertContains(t, body, "synap_recovery_replayed_total 1")
}

func TestReplicationMetrics(t *testing.T) {
	r := NewRegistry()

	r.ReplicationLagMs.WithLabelValues("replica-1").Set(42)
	r.ReplicationOpsSentTotal.WithLabelValues("replica-1").Inc()
	r.ReplicationFullSyncs.WithLabelValues("replica-1").Inc()
	r.ReplicationSessions.Set(2)

	body := scrape(t, r)

	assertContains(t, body, `synap_replication_lag_ms{replica_id="replica-1"} 42`)
	assertContains(t, body, `synap_replication_ops_sent_total{replica_id="replica-1"} 1`)
	assertContains(t, body, `synap_replication_full_syncs_total{replica_id="replica-1"} 1`)
	assertContains(t, body, "synap_replication_sessions 2")
}

func TestMustRegisterCollector(t *testing.T) {
	r := NewRegistry()
	r.MustRegisterCollector(NewCollector(func() Stats { return Stats{KVKeys: 5} }))

	assertContains(t, scrape(t, r), "synap_kv_keys 5")
}

func TestConcurrentMetricUpdates(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.KVOperationsTotal.WithLabelValues("set").Inc()
				r.QueuePublishedTotal.WithLabelValues("orders").Inc()
				r.WALWriteBytesTotal.Add(1)
			}
		}()
	}
	wg.Wait()

	body := scrape(t, r)
	assertContains(t, body, `synap_kv_operations_total{op="set"} 1000`)
	assertContains(t, body, `synap_queue_published_total{queue="orders"} 1000`)
	assertContains(t, body, "synap_wal_write_bytes_total 1000")
}

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func assertContains(t *testing.T, body, want string) {
	t.Helper()
	if !strings.Contains(body, want) {
		t.Errorf("body missing %q\nbody:\n%s", want, body)
	}
}
