package scheduler

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/servcore/internal/cache"
	"github.com/oriys/servcore/internal/driver"
)

func testSock(method, url string) *driver.Sock {
	server, client := net.Pipe()
	go func() { _ = server.Close() }()
	return &driver.Sock{
		Conn:       client,
		DriverName: "test",
		PeerAddr:   "127.0.0.1:0",
		Request:    driver.ParsedRequest{Method: method, URL: url},
	}
}

type countingHandler struct {
	calls int32
}

func (h *countingHandler) ServeConn(ctx context.Context, conn *Conn) (int, error) {
	atomic.AddInt32(&h.calls, 1)
	return 200, nil
}

func newTestServer(t *testing.T, cfg Config) (*Server, *countingHandler) {
	t.Helper()
	drivers := driver.NewRegistry()
	caches := cache.NewRegistry()
	s := NewServer("test", cfg, drivers, caches)
	h := &countingHandler{}
	s.Handler = h
	return s, h
}

func TestComputeHighWatermark(t *testing.T) {
	cases := []struct {
		threshold, maxConn, maxThreads, want int
	}{
		{0, 100, 10, 0},
		{100, 100, 10, int(^uint(0) >> 1)},
		{50, 100, 10, 45},
	}
	for _, c := range cases {
		got := computeHighWatermark(c.threshold, c.maxConn, c.maxThreads)
		if got != c.want {
			t.Fatalf("computeHighWatermark(%d,%d,%d) = %d, want %d", c.threshold, c.maxConn, c.maxThreads, got, c.want)
		}
	}
}

func TestQueueConn_AdmitsAndDispatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 4
	cfg.MinThreads = 1
	cfg.MaxThreads = 2
	s, h := newTestServer(t, cfg)

	sock := testSock("GET", "/")
	if err := s.QueueConn(sock, nil); err != nil {
		t.Fatalf("QueueConn: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&h.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&h.calls) != 1 {
		t.Fatalf("expected handler to run once, ran %d times", h.calls)
	}
}

func TestQueueConn_RejectsWhenSaturated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	cfg.MinThreads = 1
	cfg.MaxThreads = 1
	s, _ := newTestServer(t, cfg)
	s.defaultPool.server.mu.Lock()
	// Manually occupy the single slot to simulate saturation without
	// racing the real worker loop.
	conn := s.defaultPool.free.popFront()
	s.defaultPool.active.pushBack(conn)
	s.defaultPool.server.mu.Unlock()

	if err := s.QueueConn(testSock("GET", "/"), nil); err != ErrPoolSaturated {
		t.Fatalf("expected ErrPoolSaturated, got %v", err)
	}
}

func TestQueueConn_RejectsWhenShuttingDown(t *testing.T) {
	cfg := DefaultConfig()
	s, _ := newTestServer(t, cfg)
	s.StopServer()

	if err := s.QueueConn(testSock("GET", "/"), nil); err != ErrShuttingDown {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestConnList_PartitionInvariant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 5
	s, _ := newTestServer(t, cfg)
	p := s.defaultPool

	total := p.free.num + p.wait.num + p.active.num
	if total != 5 {
		t.Fatalf("expected all 5 slots accounted for in free list initially, got %d", total)
	}

	s.mu.Lock()
	c := p.free.popFront()
	p.wait.pushBack(c)
	s.mu.Unlock()

	s.mu.Lock()
	total = p.free.num + p.wait.num + p.active.num
	s.mu.Unlock()
	if total != 5 {
		t.Fatalf("expected partition to still sum to 5, got %d", total)
	}
}

func TestWaitQueue_FIFOOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 10
	s, _ := newTestServer(t, cfg)
	p := s.defaultPool

	s.mu.Lock()
	var ids []uint64
	for i := 0; i < 3; i++ {
		c := p.admitLocked(testSock("GET", "/"), nil)
		ids = append(ids, c.ID)
	}
	s.mu.Unlock()

	s.mu.Lock()
	var dequeued []uint64
	for p.wait.num > 0 {
		dequeued = append(dequeued, p.wait.popFront().ID)
	}
	s.mu.Unlock()

	for i := range ids {
		if ids[i] != dequeued[i] {
			t.Fatalf("FIFO violated: admitted order %v, dequeued order %v", ids, dequeued)
		}
	}
}

func TestRouter_LongestPrefixMatch(t *testing.T) {
	s, _ := newTestServer(t, DefaultConfig())
	apiPool := s.AddPool("api", DefaultConfig(), "/api/")
	uploadPool := s.AddPool("upload", DefaultConfig(), "POST /api/upload")

	if got := s.router.Route("GET", "/api/users", s.defaultPool); got != apiPool {
		t.Fatalf("expected /api/users to route to the api pool")
	}
	if got := s.router.Route("POST", "/api/upload", s.defaultPool); got != uploadPool {
		t.Fatalf("expected POST /api/upload to route to the upload pool (longest prefix)")
	}
	if got := s.router.Route("GET", "/other", s.defaultPool); got != s.defaultPool {
		t.Fatalf("expected unmatched url to fall back to default pool")
	}
}

func TestWaitServer_DrainsWithNoActivity(t *testing.T) {
	s, _ := newTestServer(t, DefaultConfig())
	s.StopServer()
	if err := s.WaitServer(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("expected clean drain on an idle server, got %v", err)
	}
}

func TestSpreadFactor_ZeroSpreadIsIdentity(t *testing.T) {
	if sf := spreadFactor(0); sf != 1 {
		t.Fatalf("expected spreadFactor(0) == 1, got %v", sf)
	}
}

func TestSpreadFactor_BoundedRange(t *testing.T) {
	for i := 0; i < 50; i++ {
		sf := spreadFactor(20)
		if sf < 0.8 || sf > 1.2 {
			t.Fatalf("spreadFactor(20) out of expected [0.8,1.2] range: %v", sf)
		}
	}
}

func TestCondTimedWait_Timeout(t *testing.T) {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	mu.Lock()
	start := time.Now()
	timedOut := condTimedWait(cond, &mu, start.Add(20*time.Millisecond))
	mu.Unlock()
	if !timedOut {
		t.Fatalf("expected condTimedWait to report timeout")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("condTimedWait returned too early")
	}
}

func TestCondTimedWait_Signal(t *testing.T) {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	done := make(chan bool, 1)
	go func() {
		mu.Lock()
		timedOut := condTimedWait(cond, &mu, time.Now().Add(time.Second))
		mu.Unlock()
		done <- timedOut
	}()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	cond.Signal()
	mu.Unlock()

	select {
	case timedOut := <-done:
		if timedOut {
			t.Fatalf("expected wake by signal, not timeout")
		}
	case <-time.After(time.Second):
		t.Fatalf("condTimedWait never woke up")
	}
}
