package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oriys/servcore/internal/cache"
	"github.com/oriys/servcore/internal/connchan"
	"github.com/oriys/servcore/internal/driver"
	"github.com/oriys/servcore/internal/metrics"
	"github.com/oriys/servcore/internal/observability"
)

// ErrShuttingDown is returned by QueueConn once stopServer has run.
var ErrShuttingDown = errors.New("scheduler: server is shutting down")

// ErrPoolSaturated is returned by QueueConn when the selected pool's slot
// array is fully occupied; spec.md §4.2 treats this as a soft failure the
// driver answers with a 503.
var ErrPoolSaturated = errors.New("scheduler: pool saturated")

// WarmupHook performs one-shot per-worker-thread initialization ("an
// opaque warmup hook" delegated to the scripting collaborator per
// spec.md §4.2 step 1). May be nil.
type WarmupHook func(workerName string)

// Server is a virtual server: an insertion-ordered set of pools, a
// default pool, a URL routing table, and the single pools-mutex that
// protects every pool belonging to it (spec.md §3's Server, §5's
// concurrency model).
type Server struct {
	Name string

	mu           sync.Mutex
	pools        map[string]*ConnPool
	poolOrder    []string
	defaultPool  *ConnPool
	shuttingDown bool

	router *Router

	Caches *cache.Registry

	Channels *connchan.Registry

	Drivers *driver.Registry

	Warmup      WarmupHook
	Filters     FilterChain
	Authorizer  Authorizer
	Handler     Handler
	ConnIO      ConnIO
	AuthParser  func(header string) (user, pass string, ok bool)
}

// NewServer constructs a Server with an empty pool set and a default
// pool created from defaultCfg.
func NewServer(name string, defaultCfg Config, drivers *driver.Registry, caches *cache.Registry) *Server {
	s := &Server{
		Name:     name,
		pools:    make(map[string]*ConnPool),
		router:   NewRouter(),
		Drivers:  drivers,
		Caches:   caches,
		Channels: connchan.NewRegistry(),
	}
	s.defaultPool = s.addPoolLocked("default", defaultCfg)
	return s
}

// condForPool returns a *sync.Cond bound to the server's shared
// pools-mutex; every ConnPool gets its own Cond value over that one
// Locker so Signal/Broadcast only wakes that pool's workers.
func (s *Server) condForPool() *sync.Cond {
	return sync.NewCond(&s.mu)
}

// AddPool registers a new named pool and an optional URL routing rule.
// routePrefix may be empty to skip routing registration (the pool is
// still reachable by name through other means, e.g. introspection).
func (s *Server) AddPool(name string, cfg Config, routePrefixes ...string) *ConnPool {
	s.mu.Lock()
	p := s.addPoolLocked(name, cfg)
	s.mu.Unlock()
	for _, prefix := range routePrefixes {
		s.router.Register(prefix, p)
	}
	return p
}

func (s *Server) addPoolLocked(name string, cfg Config) *ConnPool {
	p := newConnPool(s, name, cfg)
	s.pools[name] = p
	s.poolOrder = append(s.poolOrder, name)
	return p
}

// Pool looks up a pool by name.
func (s *Server) Pool(name string) (*ConnPool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[name]
	return p, ok
}

// QueueConn is the scheduler's admission entry point (spec.md §4.2's
// queueConn): route the request to a pool, admit it onto that pool's
// wait queue, decide whether a new worker is needed, and wake a waiter.
func (s *Server) QueueConn(sock *driver.Sock, drv driver.Driver) error {
	_, span := observability.StartSpan(context.Background(), "scheduler.QueueConn",
		observability.AttrServerName.String(s.Name))
	defer span.End()

	pool := s.router.Route(sock.Request.Method, sock.Request.URL, s.defaultPool)

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		observability.SetSpanError(span, ErrShuttingDown)
		return ErrShuttingDown
	}
	conn := pool.admitLocked(sock, drv)
	if conn == nil {
		s.mu.Unlock()
		metrics.ObserveSchedulerRejected(s.Name, pool.name, "saturated")
		observability.SetSpanError(span, ErrPoolSaturated)
		return ErrPoolSaturated
	}
	shouldCreate := pool.needMoreThreadsLocked()
	current, idle, waiting, creating := pool.current, pool.idle, pool.wait.num, pool.creating
	s.mu.Unlock()

	metrics.ObserveSchedulerPool(s.Name, pool.name, current, idle, waiting, creating)

	if shouldCreate {
		go pool.runWorker()
	}

	// Signal unconditionally after unlocking, regardless of the observed
	// idle count: spec.md §9's open question about NsQueueConn notes the
	// source only signals when idle>0 sampled before a possible thread
	// creation, which can race with that very creation. We resolve it by
	// always signaling once here — a spurious wakeup on an empty wait
	// queue is harmless, but a missed wakeup is a stall.
	s.mu.Lock()
	pool.cond.Signal()
	s.mu.Unlock()

	observability.SetSpanOK(span)
	return nil
}

// EnsureRunningThreads is the scheduler's standalone admission-predicate
// entry point, independently callable outside of a QueueConn admission
// event (e.g. by a driver immediately after accept, or by an operator
// command) — grounded on the original's NsEnsureRunningConnectionThreads,
// documented as "typically called from the driver" rather than only at
// startup. pool selects the target pool by name; an empty string targets
// the server's default pool. Reports whether a worker was actually
// spawned; false covers both "no pool by that name" and "pool already at
// its minimum/maximum".
func (s *Server) EnsureRunningThreads(pool string) bool {
	s.mu.Lock()
	p := s.defaultPool
	if pool != "" {
		var ok bool
		p, ok = s.pools[pool]
		if !ok {
			s.mu.Unlock()
			return false
		}
	}
	if p == nil {
		s.mu.Unlock()
		return false
	}
	shouldCreate := p.needMoreThreadsLocked()
	s.mu.Unlock()

	if shouldCreate {
		go p.runWorker()
	}
	return shouldCreate
}

// stopServer marks the server shutting down and wakes every pool so idle
// and active workers observe it on their next wake-up.
func (s *Server) stopServer() {
	s.mu.Lock()
	s.shuttingDown = true
	for _, name := range s.poolOrder {
		s.pools[name].cond.Broadcast()
	}
	s.mu.Unlock()
}

// StopServer is the exported form of stopServer.
func (s *Server) StopServer() { s.stopServer() }

// WaitServer waits, with an absolute deadline, for every pool's wait
// queue to drain and current==0. On success it also joins the tail of
// each pool's worker reaping chain. Returns nil on clean drain, or
// context.DeadlineExceeded on timeout.
func (s *Server) WaitServer(deadline time.Time) error {
	for {
		s.mu.Lock()
		drained := true
		for _, name := range s.poolOrder {
			p := s.pools[name]
			if p.wait.num > 0 || p.current > 0 {
				drained = false
				break
			}
		}
		s.mu.Unlock()
		if drained {
			break
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return context.DeadlineExceeded
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, name := range s.poolOrder {
		s.pools[name].drainJoinChain()
	}
	return nil
}

// drainJoinChain takes the id the last exiting worker left on the pool's
// chain-reaping slot, if one is there, leaving the slot empty. It does
// not block.
func (p *ConnPool) drainJoinChain() {
	select {
	case id := <-p.joinThread:
		_ = id
	default:
	}
}
