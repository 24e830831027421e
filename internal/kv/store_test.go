package kv

import (
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/synap/synap/internal/core/domain"
)

func newTestStore() *Store {
	cfg := DefaultConfig()
	cfg.TTLSweepInterval = time.Hour // don't race the sweeper in tests
	return New(cfg)
}

func TestSetGetTTLExpiry(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	ttl := 50 * time.Millisecond
	if _, err := s.Set("k", []byte("v"), &ttl, domain.SetAlways); err != nil {
		t.Fatal(err)
	}

	if v, ok, _ := s.Get("k"); !ok || string(v) != "v" {
		t.Fatalf("expected live value, got %q ok=%v", v, ok)
	}

	time.Sleep(80 * time.Millisecond)

	if _, ok, _ := s.Get("k"); ok {
		t.Fatal("expected key to have expired")
	}
	if got := s.DbSize(); got != 0 {
		t.Fatalf("DbSize() = %d, want 0 after expiry", got)
	}
}

func TestSetModes(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	outcome, _ := s.Set("k", []byte("v1"), nil, domain.SetOnlyIfPresent)
	if outcome != domain.SetNotApplied {
		t.Fatalf("OnlyIfPresent on missing key = %v, want NotApplied", outcome)
	}

	outcome, _ = s.Set("k", []byte("v1"), nil, domain.SetOnlyIfAbsent)
	if outcome != domain.SetCreated {
		t.Fatalf("OnlyIfAbsent on missing key = %v, want Created", outcome)
	}

	outcome, _ = s.Set("k", []byte("v2"), nil, domain.SetOnlyIfAbsent)
	if outcome != domain.SetNotApplied {
		t.Fatalf("OnlyIfAbsent on present key = %v, want NotApplied", outcome)
	}

	outcome, _ = s.Set("k", []byte("v2"), nil, domain.SetOnlyIfPresent)
	if outcome != domain.SetUpdated {
		t.Fatalf("OnlyIfPresent on present key = %v, want Updated", outcome)
	}
}

func TestIncrDecrLinearizable(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	const goroutines = 20
	const perGoroutine = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if _, err := s.Incr("counter", 1); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	v, _, _ := s.Get("counter")
	got, err := s.Incr("counter", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := int64(goroutines * perGoroutine)
	if got != want {
		t.Fatalf("counter = %d (raw %q), want %d", got, v, want)
	}
}

func TestIncrTypeMismatch(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	s.Set("k", []byte("not-a-number"), nil, domain.SetAlways)
	if _, err := s.Incr("k", 1); !domain.IsKind(err, domain.KindTypeMismatch) {
		t.Fatalf("expected TypeMismatch, got %v", err)
	}
}

func TestScanFullTraversalNoDupNoMiss(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	want := make(map[string]bool)
	for i := 0; i < 500; i++ {
		k := randomKey(i)
		want[k] = true
		s.Set(k, []byte("v"), nil, domain.SetAlways)
	}

	seen := make(map[string]bool)
	cursor := ""
	for {
		keys, next, err := s.Scan("", cursor, 17)
		if err != nil {
			t.Fatal(err)
		}
		for _, k := range keys {
			if seen[k] {
				t.Fatalf("duplicate key %q in scan", k)
			}
			seen[k] = true
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if len(seen) != len(want) {
		t.Fatalf("scanned %d keys, want %d", len(seen), len(want))
	}
	for k := range want {
		if !seen[k] {
			t.Fatalf("scan missed key %q", k)
		}
	}
}

func TestDeleteReturnsCount(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	s.Set("a", []byte("1"), nil, domain.SetAlways)
	s.Set("b", []byte("2"), nil, domain.SetAlways)

	n, err := s.Delete("a", "b", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("Delete() = %d, want 2", n)
	}
}

func TestShardUpgradeKeepsAllKeysReadable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpgradeThreshold = 2
	cfg.TTLSweepInterval = time.Hour
	s := New(cfg)
	defer s.Close()

	keys := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		k := randomKey(i)
		keys = append(keys, k)
		s.Set(k, []byte("v"), nil, domain.SetAlways)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, ok, _ := s.Get(k); !ok {
			t.Fatalf("key %q missing after shard upgrade", k)
		}
	}
}

func randomKey(i int) string {
	return "key-" + string(rune('a'+i%26)) + "-" + strconv.Itoa(i)
}
