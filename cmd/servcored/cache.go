package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/oriys/servcore/internal/metrics"
)

func newCacheCmd() *cobra.Command {
	var adminAddr string
	root := &cobra.Command{Use: "cache", Short: "inspect a running server's caches"}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "print hit/miss/eviction counters for every named cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := fetchSnapshot(adminAddr)
			if err != nil {
				return err
			}
			for _, c := range snap.Caches {
				fmt.Printf("%-20s hits=%-8d misses=%-8d expired=%-8d pruned=%-8d flushed=%-8d size=%d\n",
					c.Name, c.Hits, c.Misses, c.Expired, c.Pruned, c.Flushed, c.CurrentSize)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&adminAddr, "admin", "localhost:8081", "admin listener host:port")
	root.AddCommand(stats)
	return root
}

func fetchSnapshot(adminAddr string) (metrics.Snapshot, error) {
	resp, err := http.Get("http://" + adminAddr + "/status.json")
	if err != nil {
		return metrics.Snapshot{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return metrics.Snapshot{}, err
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return metrics.Snapshot{}, err
	}
	return snap, nil
}
