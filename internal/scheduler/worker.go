package scheduler

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/oriys/servcore/internal/logging"
	"github.com/oriys/servcore/internal/metrics"
)

// condTimedWait blocks on cond until signaled/broadcast or until deadline
// elapses (the zero Time means wait forever), returning true if it woke
// because of the deadline rather than a signal. Caller must hold the
// cond's Locker. Grounded on the same cond+AfterFunc idiom used by
// internal/cache's timedWaitLocked.
func condTimedWait(cond *sync.Cond, mu sync.Locker, deadline time.Time) (timedOut bool) {
	if deadline.IsZero() {
		cond.Wait()
		return false
	}
	if !time.Now().Before(deadline) {
		return true
	}
	timer := time.AfterFunc(time.Until(deadline), func() {
		mu.Lock()
		cond.Broadcast()
		mu.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
	return !time.Now().Before(deadline)
}

// spreadFactor draws the per-worker desynchronization multiplier once at
// worker startup: 1 + (2*spread*U - spread)/100, U ~ Uniform[0,1).
func spreadFactor(spread int) float64 {
	if spread <= 0 {
		return 1
	}
	u := rand.Float64()
	return 1 + (2*float64(spread)*u-float64(spread))/100
}

// runWorker is one pool worker's entire lifetime (spec.md §4.2's "Worker
// main loop"). It is started in its own goroutine by QueueConn whenever
// needMoreThreadsLocked grants a new worker.
func (p *ConnPool) runWorker() {
	s := p.server
	s.mu.Lock()
	p.nextThreadID++
	workerID := p.nextThreadID
	s.mu.Unlock()

	workerName := workerLogName(s.Name, p.name, workerID)
	if s.Warmup != nil {
		s.Warmup(workerName)
	}

	p.runWorkerLoop(workerID, workerName)
}

// runWorkerLoop is runWorker's body after the one-shot Warmup hook has
// already run. Split out so Prewarm can fan the hook invocations for a
// whole batch of workers out across an errgroup while still handing each
// worker off to its own long-lived goroutine for the loop itself.
func (p *ConnPool) runWorkerLoop(workerID uint64, workerName string) {
	s := p.server
	s.mu.Lock()
	p.creating--
	p.idle++
	s.mu.Unlock()

	sf := spreadFactor(p.cfg.Spread)
	cpt := int(float64(p.cfg.ConnsPerThread) * sf)
	maxOvertime := int(float64(p.cfg.ConnsPerThread) * (1 + float64(p.cfg.Spread)/100))
	counter := cpt

	var exitReason string

runLoop:
	for {
		s.mu.Lock()
		var timedOut bool
		for p.wait.num == 0 && !s.shuttingDown {
			var deadline time.Time
			if p.current > p.min {
				deadline = time.Now().Add(time.Duration(float64(p.cfg.IdleTimeout) * sf))
			}
			timedOut = condTimedWait(p.cond, &s.mu, deadline)
			if timedOut && p.wait.num == 0 {
				break
			}
		}

		if s.shuttingDown {
			exitReason = "shutdown pending"
			p.idle--
			s.mu.Unlock()
			break runLoop
		}
		if p.wait.num == 0 && timedOut {
			exitReason = "idle thread terminates"
			p.idle--
			s.mu.Unlock()
			break runLoop
		}

		conn := p.wait.popFront()
		p.active.pushBack(conn)
		p.idle--
		s.mu.Unlock()

		p.dispatch(conn, workerName)

		s.mu.Lock()
		p.active.remove(conn)
		freeWasEmpty := p.free.num == 0
		p.free.pushFront(conn)
		p.idle++
		s.mu.Unlock()

		if freeWasEmpty {
			// "ready again" callback point: the pool transitioned from a
			// saturated free list to having a slot again. No callback
			// registry is modeled beyond the metrics/logging signal below,
			// since spec.md leaves the callback mechanism itself external.
			metrics.ObserveSchedulerPoolReadyAgain(s.Name, p.name)
		}

		if p.cfg.ConnsPerThread > 0 {
			s.mu.Lock()
			stressed := p.idle <= p.min && p.wait.num > 0
			s.mu.Unlock()
			if !stressed {
				counter--
				if counter <= -maxOvertime {
					s.mu.Lock()
					p.idle--
					s.mu.Unlock()
					exitReason = "connsPerThread overtime exhausted"
					break runLoop
				}
				if counter <= 0 {
					s.mu.Lock()
					p.idle--
					s.mu.Unlock()
					exitReason = "connsPerThread recycle"
					break runLoop
				}
			}
		}
	}

	s.mu.Lock()
	p.current--
	p.cond.Broadcast()
	s.mu.Unlock()

	p.joinWorker(workerID, workerName, exitReason)
}

// joinWorker implements the chain-reaping scheme from spec.md §4.2 step 6:
// an exiting worker places its id on the pool's joinThread slot so the
// *next* exiting worker drains (joins) the previous one, instead of
// accumulating detached goroutines with no one ever observing their exit.
func (p *ConnPool) joinWorker(id uint64, name, reason string) {
	select {
	case prev := <-p.joinThread:
		logging.Op().Debug("worker reaped predecessor", "pool", p.name, "worker", name, "joined", prev)
	default:
	}
	select {
	case p.joinThread <- id:
	default:
	}
	logging.Op().Info("worker exiting", "pool", p.name, "worker", name, "reason", reason)
}

func workerLogName(server, pool string, id uint64) string {
	return server + ":" + pool + ":" + strconv.FormatUint(id, 10)
}

// dispatch publishes conn as the worker's current connection (for
// getConn introspection) and runs it to completion.
func (p *ConnPool) dispatch(conn *Conn, workerName string) {
	ctx := context.WithValue(context.Background(), currentConnKey{}, conn)
	ConnRun(ctx, conn)
}

type currentConnKey struct{}

// GetConn returns the Conn published on ctx by the worker currently
// servicing it, the Go shape of spec.md §6's thread-local getConn().
func GetConn(ctx context.Context) (*Conn, bool) {
	c, ok := ctx.Value(currentConnKey{}).(*Conn)
	return c, ok
}
