package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/synap/synap/internal/core/domain"
)

func newTestManager() *Manager {
	return NewManager()
}

func TestPublishConsumeAck(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	if err := m.Create("q1", domain.QueueConfig{MaxDepth: 10, AckDeadlineMs: 1000}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Publish("q1", []byte("hello"), 0, nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := m.Consume(ctx, "q1", "c1", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Payload) != "hello" {
		t.Fatalf("payload = %q", msg.Payload)
	}

	if err := m.Ack("q1", msg.ID); err != nil {
		t.Fatal(err)
	}

	stats, err := m.Stats("q1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.ReadyCount != 0 || stats.LeasedCount != 0 {
		t.Fatalf("stats after ack = %+v, want all zero", stats)
	}
}

// TestRetryAndDeadLetter covers spec.md §8 scenario 2: a message nacked
// with requeue under the retry budget goes back to ready, and a message
// that exhausts max_retries lands in the dead-letter queue.
func TestRetryAndDeadLetter(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	if err := m.Create("q1", domain.QueueConfig{MaxDepth: 10, AckDeadlineMs: 1000, MaxRetries: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Publish("q1", []byte("retryme"), 0, nil); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	msg, err := m.Consume(ctx, "q1", "c1", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Nack("q1", msg.ID, true); err != nil {
		t.Fatal(err)
	}

	msg2, err := m.Consume(ctx, "q1", "c1", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if msg2.ID != msg.ID {
		t.Fatalf("expected same message requeued, got different id")
	}
	if msg2.RetriesSoFar != 1 {
		t.Fatalf("RetriesSoFar = %d, want 1", msg2.RetriesSoFar)
	}

	if err := m.Nack("q1", msg2.ID, true); err != nil {
		t.Fatal(err)
	}

	stats, err := m.Stats("q1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.DeadLetterCount != 1 {
		t.Fatalf("dead_letter_count = %d, want 1", stats.DeadLetterCount)
	}
	if stats.ReadyCount != 0 {
		t.Fatalf("ready_count = %d, want 0 (message should be in DLQ, not ready)", stats.ReadyCount)
	}
}

// TestPriorityOrdering covers spec.md §8 scenario 3: higher-priority
// messages are always delivered before lower-priority ones, and equal
// priorities are delivered in enqueue order.
func TestPriorityOrdering(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	if err := m.Create("q1", domain.QueueConfig{MaxDepth: 100}); err != nil {
		t.Fatal(err)
	}

	m.Publish("q1", []byte("low-1"), 1, nil)
	m.Publish("q1", []byte("low-2"), 1, nil)
	m.Publish("q1", []byte("high-1"), 5, nil)
	m.Publish("q1", []byte("low-3"), 1, nil)
	m.Publish("q1", []byte("high-2"), 5, nil)

	ctx := context.Background()
	want := []string{"high-1", "high-2", "low-1", "low-2", "low-3"}
	for _, w := range want {
		msg, err := m.Consume(ctx, "q1", "c1", 1000)
		if err != nil {
			t.Fatal(err)
		}
		if string(msg.Payload) != w {
			t.Fatalf("got %q, want %q", msg.Payload, w)
		}
	}
}

func TestConsumeBlocksThenWakesOnPublish(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	if err := m.Create("q1", domain.QueueConfig{MaxDepth: 10}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	var got *domain.Message
	go func() {
		msg, err := m.Consume(ctx, "q1", "c1", 1000)
		if err == nil {
			got = msg
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	m.Publish("q1", []byte("woken"), 0, nil)

	<-done
	if got == nil || string(got.Payload) != "woken" {
		t.Fatalf("blocked consume did not receive published message")
	}
}

func TestConsumeCancelledReturnsCleanly(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	if err := m.Create("q1", domain.QueueConfig{MaxDepth: 10}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Consume(ctx, "q1", "c1", 1000); !domain.IsKind(err, domain.KindCancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}

	// queue must still be fully usable afterward
	if _, err := m.Publish("q1", []byte("x"), 0, nil); err != nil {
		t.Fatal(err)
	}
	stats, _ := m.Stats("q1")
	if stats.ReadyCount != 1 {
		t.Fatalf("ready_count = %d, want 1 after cancelled waiter left cleanly", stats.ReadyCount)
	}
}

func TestQueueFullRejectsPublish(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	if err := m.Create("q1", domain.QueueConfig{MaxDepth: 2}); err != nil {
		t.Fatal(err)
	}
	m.Publish("q1", []byte("a"), 0, nil)
	m.Publish("q1", []byte("b"), 0, nil)

	if _, err := m.Publish("q1", []byte("c"), 0, nil); !domain.IsKind(err, domain.KindQueueFull) {
		t.Fatalf("expected QueueFull, got %v", err)
	}
}

// TestExactlyOnceDelivery covers the universal property: every acked
// message was delivered to exactly one consumer, even with many concurrent
// publishers and consumers racing.
func TestExactlyOnceDelivery(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	if err := m.Create("q1", domain.QueueConfig{MaxDepth: 10000}); err != nil {
		t.Fatal(err)
	}

	const total = 500
	for i := 0; i < total; i++ {
		m.Publish("q1", []byte{byte(i), byte(i >> 8)}, 0, nil)
	}

	var delivered int64
	var wg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for c := 0; c < 10; c++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				msg, err := m.Consume(ctx, "q1", "c", 1000)
				if err != nil {
					return
				}
				atomic.AddInt64(&delivered, 1)
				m.Ack("q1", msg.ID)
				if atomic.LoadInt64(&delivered) >= total {
					return
				}
			}
		}(c)
	}
	wg.Wait()

	if delivered != total {
		t.Fatalf("delivered %d messages, want exactly %d", delivered, total)
	}
}
