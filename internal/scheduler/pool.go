package scheduler

import (
	"time"

	"github.com/oriys/servcore/internal/driver"
)

// newConnPool allocates a pool's slot array and free list. Must be called
// with server.mu held (pools are created while holding the server lock so
// the pools map and the pool's own state come up consistent).
func newConnPool(server *Server, name string, cfg Config) *ConnPool {
	cfg.Clamp()
	p := &ConnPool{
		name:          name,
		server:        server,
		cfg:           cfg,
		slots:         make([]Conn, cfg.MaxConnections),
		min:           cfg.MinThreads,
		max:           cfg.MaxThreads,
		highWatermark: computeHighWatermark(cfg.ConcurrentCreateThreshold, cfg.MaxConnections, cfg.MaxThreads),
		joinThread:    make(chan uint64, 1),
	}
	p.cond = server.condForPool()
	for i := range p.slots {
		p.slots[i].Pool = p
		p.slots[i].Server = server
		p.free.pushFront(&p.slots[i])
	}
	return p
}

// admitLocked implements spec.md §4.2's queueConn admission under the
// server's pools-mutex (already held by the caller): pop a free slot,
// stamp it, attach the socket, transfer the pre-parse flags, and append
// it to the wait queue. Returns the admitted Conn, or nil if the pool has
// no free slot.
func (p *ConnPool) admitLocked(sock *driver.Sock, drv driver.Driver) *Conn {
	c := p.free.popFront()
	if c == nil {
		return nil
	}
	p.nextConnID++
	c.ID = p.nextConnID
	c.StartTime = time.Now()
	c.Sock = sock
	c.Driver = drv
	c.Method = sock.Request.Method
	c.URL = sock.Request.URL
	c.Version = sock.Request.Version
	c.Headers = sock.Request.Headers
	c.EntityTooLarge = sock.EntityTooLarge
	c.URITooLong = sock.URITooLong
	c.LineTooLong = sock.LineTooLong
	c.Status = 200
	c.ResponseLength = -1
	c.BytesSent = 0
	c.KeepAlive = KeepAliveAuto
	c.Closed = false
	c.SkipBody = sock.Request.Method == "HEAD"
	c.OutputHeaders = make(map[string][]string)

	p.wait.pushBack(c)
	return c
}

// needMoreThreadsLocked is spec.md §4.2's "need-more-threads predicate",
// evaluated under the server lock. When granted, current/creating are
// pre-incremented here so the predicate stays consistent across
// concurrently racing admissions (the caller still spawns exactly one
// worker per grant).
func (p *ConnPool) needMoreThreadsLocked() bool {
	parallelOK := p.creating == 0 || p.wait.num > p.highWatermark
	if parallelOK && p.idle < p.min && p.current < p.max {
		p.current++
		p.creating++
		return true
	}
	return false
}
