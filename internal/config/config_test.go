package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servcored.yaml")
	data := []byte(`
serverName: test-server
listen: ":9090"
pools:
  default:
    maxConnections: 50
    maxThreads: 5
    minThreads: 1
    default: true
  uploads:
    maxConnections: 10
    maxThreads: 2
    routePrefixes: ["POST /upload"]
cache:
  caches:
    - name: pages
      maxSizeBytes: 1048576
      maxEntries: 1000
      defaultTTLSeconds: 60
logging:
  level: debug
  format: json
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.ServerName != "test-server" {
		t.Errorf("ServerName = %q, want test-server", cfg.ServerName)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("Listen = %q, want :9090", cfg.Listen)
	}
	if len(cfg.Pools) != 2 {
		t.Fatalf("len(Pools) = %d, want 2", len(cfg.Pools))
	}
	if cfg.DefaultPoolName() != "default" {
		t.Errorf("DefaultPoolName() = %q, want default", cfg.DefaultPoolName())
	}
	if len(cfg.Cache.Caches) != 1 || cfg.Cache.Caches[0].Name != "pages" {
		t.Errorf("Cache.Caches = %+v, want one entry named pages", cfg.Cache.Caches)
	}
}

func TestPoolConfig_SchedulerClamps(t *testing.T) {
	p := PoolConfig{MaxConnections: -5, MaxThreads: 0, MinThreads: 99, Spread: 500}
	sc := p.Scheduler()
	if sc.MaxConnections < 1 {
		t.Errorf("MaxConnections = %d, want >= 1", sc.MaxConnections)
	}
	if sc.MaxThreads < 1 {
		t.Errorf("MaxThreads = %d, want >= 1", sc.MaxThreads)
	}
	if sc.MinThreads > sc.MaxThreads {
		t.Errorf("MinThreads %d > MaxThreads %d", sc.MinThreads, sc.MaxThreads)
	}
	if sc.Spread != 100 {
		t.Errorf("Spread = %d, want clamped to 100", sc.Spread)
	}
}

func TestLoadFromEnv(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("SERVCORE_SERVER_NAME", "env-server")
	t.Setenv("SERVCORE_LOG_LEVEL", "warn")
	cfg.LoadFromEnv()
	if cfg.ServerName != "env-server" {
		t.Errorf("ServerName = %q, want env-server", cfg.ServerName)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}
