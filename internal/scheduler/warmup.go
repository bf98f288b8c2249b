package scheduler

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// prewarmConcurrency bounds how many Warmup hooks run simultaneously
// during Prewarm, so a server with many pools and large minThreads values
// doesn't stampede the hook (e.g. a cold-cache population routine) all at
// once.
const prewarmConcurrency = 8

// Prewarm brings each pool up to its configured minThreads before the
// server starts accepting connections. The one-shot Warmup hook for each
// new worker is fanned out across a bounded errgroup.Group the way the
// teacher's EnsureReady batch-creates VM slots
// (oriys-nova/internal/pool/pool.go), rather than waiting for QueueConn's
// normal one-worker-per-admission growth to reach min lazily; once a
// worker's hook returns, its service loop is handed off to its own
// long-lived goroutine, exactly as QueueConn's "go pool.runWorker()" does,
// since that loop runs for the worker's whole lifetime and must not block
// Prewarm's errgroup.Wait.
func (s *Server) Prewarm(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prewarmConcurrency)

	s.mu.Lock()
	pools := make([]*ConnPool, 0, len(s.poolOrder))
	for _, name := range s.poolOrder {
		pools = append(pools, s.pools[name])
	}
	s.mu.Unlock()

	for _, p := range pools {
		s.mu.Lock()
		need := p.min - p.current
		if need > 0 {
			p.current += need
			p.creating += need
		}
		s.mu.Unlock()

		for i := 0; i < need; i++ {
			p := p
			s.mu.Lock()
			p.nextThreadID++
			workerID := p.nextThreadID
			s.mu.Unlock()
			workerName := workerLogName(s.Name, p.name, workerID)

			g.Go(func() error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				if s.Warmup != nil {
					s.Warmup(workerName)
				}
				go p.runWorkerLoop(workerID, workerName)
				return nil
			})
		}
	}
	return g.Wait()
}
