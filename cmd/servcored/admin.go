package main

import (
	"net/http"

	"github.com/oriys/servcore/internal/metrics"
	"github.com/oriys/servcore/internal/scheduler"
)

// registerAdminRoutes wires the admin listener's introspection surface:
// Prometheus scraping, a JSON snapshot (pools/caches/channels), and a
// plain-text channel listing consumed by `servcored channel list`.
func registerAdminRoutes(mux *http.ServeMux, s *scheduler.Server) {
	mux.Handle("/metrics", metrics.PrometheusHandler())
	mux.Handle("/status.json", metrics.JSONHandler(func() metrics.Snapshot {
		return buildSnapshot(s)
	}))
	mux.HandleFunc("/channels", func(w http.ResponseWriter, r *http.Request) {
		for _, name := range s.Channels.List() {
			w.Write([]byte(name + "\n"))
		}
	})
}

func buildSnapshot(s *scheduler.Server) metrics.Snapshot {
	stats := s.ServerStats()
	pools := make([]metrics.PoolSnapshot, 0, len(stats))
	for _, p := range stats {
		pools = append(pools, metrics.PoolSnapshot{
			Server:   s.Name,
			Pool:     p.Name,
			Current:  p.Current,
			Idle:     p.Idle,
			Waiting:  p.Waiting,
			Active:   p.Active,
			Free:     p.Free,
			Creating: p.Creating,
		})
	}

	cacheStats := s.Caches.Stats()
	caches := make([]metrics.CacheSnapshot, 0, len(cacheStats))
	for _, c := range cacheStats {
		caches = append(caches, metrics.CacheSnapshot{
			Name:        c.Name,
			Hits:        c.Hits,
			Misses:      c.Misses,
			Expired:     c.Expired,
			Pruned:      c.Pruned,
			Flushed:     c.Flushed,
			CurrentSize: c.CurrentSize,
			SavedCost:   int64(c.SavedCost),
		})
	}

	return metrics.BuildSnapshot(pools, caches, len(s.Channels.List()))
}
