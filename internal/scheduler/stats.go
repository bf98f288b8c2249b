package scheduler

// PoolStats is a point-in-time introspection snapshot of one pool,
// the Go shape of the source's ns_info/server-status pool reporting
// (original_source/nsd/info.c) adapted into spec.md §6's getConn-style
// introspection surface.
type PoolStats struct {
	Name          string
	Min, Max      int
	Current, Idle int
	Creating      int
	Free          int
	Waiting       int
	Active        int
	HighWatermark int
}

// Stats returns a snapshot of the pool's current counters.
func (p *ConnPool) Stats() PoolStats {
	p.server.mu.Lock()
	defer p.server.mu.Unlock()
	return PoolStats{
		Name:          p.name,
		Min:           p.min,
		Max:           p.max,
		Current:       p.current,
		Idle:          p.idle,
		Creating:      p.creating,
		Free:          p.free.num,
		Waiting:       p.wait.num,
		Active:        p.active.num,
		HighWatermark: p.highWatermark,
	}
}

// ServerStats snapshots every pool belonging to a server.
func (s *Server) ServerStats() []PoolStats {
	s.mu.Lock()
	names := append([]string(nil), s.poolOrder...)
	s.mu.Unlock()

	out := make([]PoolStats, 0, len(names))
	for _, name := range names {
		p, ok := s.Pool(name)
		if !ok {
			continue
		}
		out = append(out, p.Stats())
	}
	return out
}

// ShuttingDown reports whether stopServer has been called.
func (s *Server) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}
