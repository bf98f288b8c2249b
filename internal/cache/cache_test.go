package cache

import (
	"sync"
	"testing"
	"time"
)

func TestCache_SetAndFind(t *testing.T) {
	c := New("test", 0, 0, 0, 0, nil)

	entry, isNew := c.CreateEntry("key1")
	if !isNew {
		t.Fatalf("expected new entry")
	}
	if err := c.SetValue(entry, []byte("value1"), time.Minute, 0); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	val, ok := c.FindEntry("key1")
	if !ok {
		t.Fatalf("expected hit")
	}
	if string(val) != "value1" {
		t.Fatalf("expected 'value1', got %q", val)
	}
}

func TestCache_FindMissing(t *testing.T) {
	c := New("test", 0, 0, 0, 0, nil)
	if _, ok := c.FindEntry("nope"); ok {
		t.Fatalf("expected miss")
	}
	if c.Stats().Misses != 1 {
		t.Fatalf("expected 1 miss, got %d", c.Stats().Misses)
	}
}

func TestCache_Expiry(t *testing.T) {
	c := New("test", 0, 0, 0, 0, nil)
	entry, _ := c.CreateEntry("expiring")
	if err := c.SetValue(entry, []byte("v"), 10*time.Millisecond, 0); err != nil {
		t.Fatalf("SetValue: %v", err)
	}

	if _, ok := c.FindEntry("expiring"); !ok {
		t.Fatalf("expected hit immediately after set")
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := c.FindEntry("expiring"); ok {
		t.Fatalf("expected miss after expiry")
	}
	if c.Stats().Expired != 1 {
		t.Fatalf("expected 1 expired, got %d", c.Stats().Expired)
	}
}

// TestCache_LRUEviction mirrors spec.md §8's "LRU under pressure" scenario:
// maxSize=100, 20 keys of size 10 each; the first 10 keys should be
// evicted and the last 10 should remain.
func TestCache_LRUEviction(t *testing.T) {
	c := New("test", 100, 0, 0, 0, nil)

	for i := 0; i < 20; i++ {
		key := string(rune('a' + i))
		entry, _ := c.CreateEntry(key)
		if err := c.SetValue(entry, make([]byte, 10), 0, 0); err != nil {
			t.Fatalf("SetValue(%s): %v", key, err)
		}
	}

	stats := c.Stats()
	if stats.Pruned != 10 {
		t.Fatalf("expected 10 pruned, got %d", stats.Pruned)
	}
	if stats.CurrentSize > 100 {
		t.Fatalf("currentSize %d exceeds maxSize 100", stats.CurrentSize)
	}

	for i := 0; i < 10; i++ {
		key := string(rune('a' + i))
		if _, ok := c.FindEntry(key); ok {
			t.Fatalf("expected %s to be evicted", key)
		}
	}
	for i := 10; i < 20; i++ {
		key := string(rune('a' + i))
		if _, ok := c.FindEntry(key); !ok {
			t.Fatalf("expected %s to still be resident", key)
		}
	}
}

func TestCache_PerEntryTooLarge(t *testing.T) {
	c := New("test", 0, 5, 0, 0, nil)
	entry, _ := c.CreateEntry("big")
	err := c.SetValue(entry, make([]byte, 10), 0, 0)
	if err != ErrEntryTooLarge {
		t.Fatalf("expected ErrEntryTooLarge, got %v", err)
	}
	if _, ok := c.FindEntry("big"); ok {
		t.Fatalf("oversized entry should not be resident")
	}
}

// TestCache_SingleFlight mirrors spec.md §8 scenario 1: N goroutines call
// GetOrCompute concurrently on an empty cache; compute must run exactly
// once, and every goroutine must observe its result.
func TestCache_SingleFlight(t *testing.T) {
	c := New("test", 0, 0, 0, 5*time.Second, nil)

	var computeCalls int32
	var mu sync.Mutex

	compute := func() ([]byte, time.Duration, time.Duration, error) {
		mu.Lock()
		computeCalls++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return []byte("expensive-result"), time.Minute, time.Millisecond, nil
	}

	const n = 4
	results := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute("k", time.Now().Add(5*time.Second), compute)
		}(i)
	}
	wg.Wait()

	if computeCalls != 1 {
		t.Fatalf("expected compute to run exactly once, ran %d times", computeCalls)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: unexpected error %v", i, errs[i])
		}
		if string(results[i]) != "expensive-result" {
			t.Fatalf("goroutine %d: unexpected result %q", i, results[i])
		}
	}

	stats := c.Stats()
	if stats.Misses != 1 {
		t.Fatalf("expected nmiss=1, got %d", stats.Misses)
	}
	if stats.Hits != uint64(n-1) {
		t.Fatalf("expected nhit=%d, got %d", n-1, stats.Hits)
	}
}

func TestCache_WaitCreateEntryTimeout(t *testing.T) {
	c := New("test", 0, 0, 0, 0, nil)

	// Start a computation that never completes (holds the entry new).
	entry, isNew, release, err := c.WaitCreateEntry("stuck", time.Time{})
	if err != nil || !isNew {
		t.Fatalf("expected fresh entry, got isNew=%v err=%v", isNew, err)
	}
	release()
	_ = entry

	_, _, _, err = c.WaitCreateEntry("stuck", time.Now().Add(20*time.Millisecond))
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCache_FlushByPattern(t *testing.T) {
	c := New("test", 0, 0, 0, 0, nil)
	for _, key := range []string{"user:1", "user:2", "order:1"} {
		entry, _ := c.CreateEntry(key)
		_ = c.SetValue(entry, []byte("v"), 0, 0)
	}

	n := c.FlushByPattern("user:*")
	if n != 2 {
		t.Fatalf("expected 2 flushed, got %d", n)
	}
	if _, ok := c.FindEntry("order:1"); !ok {
		t.Fatalf("expected order:1 to survive the flush")
	}
}

func TestCache_FlushIdempotent(t *testing.T) {
	c := New("test", 0, 0, 0, 0, nil)
	entry, _ := c.CreateEntry("k")
	_ = c.SetValue(entry, []byte("v"), 0, 0)

	if !c.FlushEntry("k") {
		t.Fatalf("expected first flush to find the key")
	}
	if c.FlushEntry("k") {
		t.Fatalf("expected second flush to be a no-op")
	}
}

func TestRegistry_DuplicateNameRejected(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("c1", 0, 0, 0, 0, nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := r.Create("c1", 0, 0, 0, 0, nil); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}
