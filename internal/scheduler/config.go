package scheduler

import "time"

// Config holds one pool's tuneable parameters (spec.md §4.2's "Pool
// configuration"). Range clamping mirrors the source's typed config
// getters (spec.md §6's "Configuration: typed getters with range
// clamping"), grounded on oriys-nova/internal/pool's PoolConfig
// defaults/validation.
type Config struct {
	// MaxConnections sizes the preallocated slot array: the hard cap on
	// queued + active requests for this pool.
	MaxConnections int
	MaxThreads     int
	MinThreads     int

	IdleTimeout time.Duration

	// ConnsPerThread is the target request count a worker serves before
	// recycling; 0 disables recycling entirely.
	ConnsPerThread int

	// Spread is a 0..100 percentage of random variance applied to both
	// the idle timeout and the connsPerThread/overtime counters, so that
	// identical pools don't synchronize their worker exits.
	Spread int

	// ConcurrentCreateThreshold is 0..100; see computeHighWatermark.
	ConcurrentCreateThreshold int
}

// DefaultConfig returns reasonable defaults, clamped and ready to use.
func DefaultConfig() Config {
	c := Config{
		MaxConnections:            100,
		MaxThreads:                10,
		MinThreads:                1,
		IdleTimeout:               2 * time.Minute,
		ConnsPerThread:            0,
		Spread:                    20,
		ConcurrentCreateThreshold: 50,
	}
	c.Clamp()
	return c
}

// Clamp normalizes out-of-range values in place, the same way the
// source's config layer clamps rather than rejects malformed tuning
// parameters.
func (c *Config) Clamp() {
	if c.MaxThreads < 1 {
		c.MaxThreads = 1
	}
	if c.MinThreads < 1 {
		c.MinThreads = 1
	}
	if c.MinThreads > c.MaxThreads {
		c.MinThreads = c.MaxThreads
	}
	if c.MaxConnections < c.MaxThreads {
		c.MaxConnections = c.MaxThreads
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.ConnsPerThread < 0 {
		c.ConnsPerThread = 0
	}
	if c.Spread < 0 {
		c.Spread = 0
	}
	if c.Spread > 100 {
		c.Spread = 100
	}
	if c.ConcurrentCreateThreshold < 0 {
		c.ConcurrentCreateThreshold = 0
	}
	if c.ConcurrentCreateThreshold > 100 {
		c.ConcurrentCreateThreshold = 100
	}
}

// computeHighWatermark derives the parallel-create high-watermark at
// pool-creation time, per spec.md §4.2:
//
//   - threshold == 0   -> 0 (always allow parallel create)
//   - threshold == 100 -> effectively infinite (serial create only; combined
//     with the "creating == 0" admission clause this means exactly one
//     worker may be in the creating state at a time — spec.md §9's open
//     question, resolved here by using math.MaxInt rather than a sentinel)
//   - otherwise        -> (maxConnections - maxThreads) * threshold / 100
func computeHighWatermark(threshold, maxConnections, maxThreads int) int {
	switch {
	case threshold <= 0:
		return 0
	case threshold >= 100:
		return int(^uint(0) >> 1) // math.MaxInt, avoiding the import for one constant
	default:
		return (maxConnections - maxThreads) * threshold / 100
	}
}
