// Package metrics collects and exposes the request-servicing core's
// observability data: an admin-facing JSON snapshot (this file) and a
// Prometheus registry (prometheus.go, domain.go) for scraping by
// external monitoring systems.
//
// Keeping both mirrors the teacher's split between a lightweight JSON
// /metrics endpoint and a Prometheus sidecar-scrapeable registry — the
// shape survives even though the events being measured (scheduler pools,
// cache hit rates, connection channels) are new.
package metrics

import (
	"encoding/json"
	"net/http"
	"time"
)

var processStart = time.Now()

// StartTime returns when the metrics subsystem (and, by convention, the
// process) started, used by the Prometheus uptime gauge.
func StartTime() time.Time {
	return processStart
}

// PoolSnapshot is one scheduler pool's point-in-time counters, assembled
// by the caller from scheduler.Server.ServerStats() — this package
// cannot import internal/scheduler without an import cycle (scheduler
// already imports metrics to publish its gauges).
type PoolSnapshot struct {
	Server   string `json:"server"`
	Pool     string `json:"pool"`
	Current  int    `json:"current"`
	Idle     int    `json:"idle"`
	Waiting  int    `json:"waiting"`
	Active   int    `json:"active"`
	Free     int    `json:"free"`
	Creating int    `json:"creating"`
}

// CacheSnapshot is one named cache's point-in-time counters, assembled
// from cache.Registry.Stats().
type CacheSnapshot struct {
	Name        string `json:"name"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Expired     uint64 `json:"expired"`
	Pruned      uint64 `json:"pruned"`
	Flushed     uint64 `json:"flushed"`
	CurrentSize int64  `json:"current_size_bytes"`
	SavedCost   int64  `json:"saved_cost"`
}

// Snapshot is the full admin JSON payload.
type Snapshot struct {
	UptimeSeconds float64        `json:"uptime_seconds"`
	Pools         []PoolSnapshot `json:"pools"`
	Caches        []CacheSnapshot `json:"caches"`
	OpenChannels  int            `json:"open_channels"`
}

// BuildSnapshot assembles a Snapshot from data the caller already holds.
// Also pushes the same numbers into the Prometheus domain gauges so both
// surfaces stay consistent.
func BuildSnapshot(pools []PoolSnapshot, caches []CacheSnapshot, openChannels int) Snapshot {
	for _, p := range pools {
		ObserveSchedulerPool(p.Server, p.Pool, p.Current, p.Idle, p.Waiting, p.Creating)
	}
	for _, c := range caches {
		ObserveCacheStats(c.Name, c.Hits, c.Misses, c.Expired, c.Pruned, c.Flushed, c.CurrentSize)
	}
	return Snapshot{
		UptimeSeconds: time.Since(processStart).Seconds(),
		Pools:         pools,
		Caches:        caches,
		OpenChannels:  openChannels,
	}
}

// JSONHandler renders a Snapshot as an HTTP handler, for a
// "build-fresh-each-request" admin endpoint: pass a func that reassembles
// the snapshot from live registries at request time.
func JSONHandler(build func() Snapshot) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(build())
	})
}
