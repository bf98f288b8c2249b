// Package config loads the server's process-wide configuration tree: pool
// sizing, named caches, connection-channel tuning, and observability
// settings. It follows the teacher's layering
// (oriys-nova/internal/config/config.go): a YAML file is unmarshaled into
// a typed struct tree, then environment variables are layered on top so an
// operator can override individual fields without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/servcore/internal/cache"
	"github.com/oriys/servcore/internal/observability"
	"github.com/oriys/servcore/internal/scheduler"
)

// PoolConfig is one named pool's on-disk configuration: scheduler.Config's
// fields plus the routing prefixes that should dispatch to it and whether
// it is the server's default pool.
type PoolConfig struct {
	MaxConnections            int      `yaml:"maxConnections"`
	MaxThreads                int      `yaml:"maxThreads"`
	MinThreads                int      `yaml:"minThreads"`
	IdleTimeoutSeconds        int      `yaml:"idleTimeoutSeconds"`
	ConnsPerThread            int      `yaml:"connsPerThread"`
	Spread                    int      `yaml:"spread"`
	ConcurrentCreateThreshold int      `yaml:"concurrentCreateThreshold"`
	RoutePrefixes             []string `yaml:"routePrefixes"`
	Default                   bool     `yaml:"default"`
}

// Scheduler clamps this pool's fields into range, the same contract
// spec.md §6 asks of "Configuration: typed getters with range clamping",
// and returns the scheduler.Config the pool is actually built from.
func (p PoolConfig) Scheduler() scheduler.Config {
	clamp := func(v, lo, hi int) int {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	idle := p.IdleTimeoutSeconds
	if idle <= 0 {
		idle = 30
	}
	maxThreads := clamp(p.MaxThreads, 1, 10_000)
	return scheduler.Config{
		MaxConnections:            clamp(p.MaxConnections, 1, 100_000),
		MaxThreads:                maxThreads,
		MinThreads:                clamp(p.MinThreads, 0, maxThreads),
		IdleTimeout:               time.Duration(idle) * time.Second,
		ConnsPerThread:            p.ConnsPerThread,
		Spread:                    clamp(p.Spread, 0, 100),
		ConcurrentCreateThreshold: clamp(p.ConcurrentCreateThreshold, 0, 100),
	}
}

// NamedCacheConfig is one cache.Registry entry.
type NamedCacheConfig struct {
	Name                     string `yaml:"name"`
	MaxSizeBytes             int64  `yaml:"maxSizeBytes"`
	MaxEntries               int64  `yaml:"maxEntries"`
	DefaultTTLSeconds        int    `yaml:"defaultTTLSeconds"`
	DefaultWaitTimeoutMillis int    `yaml:"defaultWaitTimeoutMillis"`
}

// CacheConfig is the process's cache.Registry configuration: the list of
// caches to create at startup.
type CacheConfig struct {
	Caches []NamedCacheConfig `yaml:"caches"`
}

// BuildRegistry creates a cache.Registry and registers every configured
// cache against it. freeProc is applied to every cache built this way;
// pass nil if none of them evict pointer-valued entries.
func (c CacheConfig) BuildRegistry(freeProc cache.FreeFunc) (*cache.Registry, error) {
	reg := cache.NewRegistry()
	for _, nc := range c.Caches {
		ttl := time.Duration(nc.DefaultTTLSeconds) * time.Second
		wait := time.Duration(nc.DefaultWaitTimeoutMillis) * time.Millisecond
		if _, err := reg.Create(nc.Name, nc.MaxSizeBytes, nc.MaxEntries, ttl, wait, freeProc); err != nil {
			return nil, fmt.Errorf("config: cache %q: %w", nc.Name, err)
		}
	}
	return reg, nil
}

// ConnChanConfig tunes the connection-channel registry's event loop.
type ConnChanConfig struct {
	PollIntervalMillis int `yaml:"pollIntervalMillis"`
	RecvBufferBytes    int `yaml:"recvBufferBytes"`
}

// ObservabilityConfig mirrors observability.Config on the wire.
type ObservabilityConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"serviceName"`
	SampleRate  float64 `yaml:"sampleRate"`
}

// Observability returns the observability.Config this section describes.
func (o ObservabilityConfig) Observability() observability.Config {
	name := o.ServiceName
	if name == "" {
		name = "servcored"
	}
	return observability.Config{
		Enabled:     o.Enabled,
		Exporter:    o.Exporter,
		Endpoint:    o.Endpoint,
		ServiceName: name,
		SampleRate:  o.SampleRate,
	}
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level          string `yaml:"level"`
	Format         string `yaml:"format"` // "json" or "text"
	Console        bool   `yaml:"console"`
	RequestLogPath string `yaml:"requestLogPath"`
}

// ServerConfig is the root of the process's configuration tree.
type ServerConfig struct {
	ServerName    string                `yaml:"serverName"`
	Listen        string                `yaml:"listen"`
	AdminListen   string                `yaml:"adminListen"`
	Pools         map[string]PoolConfig `yaml:"pools"`
	Cache         CacheConfig           `yaml:"cache"`
	ConnChan      ConnChanConfig        `yaml:"connChan"`
	Observability ObservabilityConfig   `yaml:"observability"`
	Logging       LoggingConfig         `yaml:"logging"`
}

// DefaultConfig returns a minimal, usable configuration: one default pool,
// no named caches, observability disabled, console logging at info level.
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		ServerName:  "servcored",
		Listen:      ":8080",
		AdminListen: ":8081",
		Pools: map[string]PoolConfig{
			"default": {
				MaxConnections: 100,
				MaxThreads:     10,
				MinThreads:     1,
				Default:        true,
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Console: true},
	}
}

// LoadFromFile reads and unmarshals a YAML configuration file.
func LoadFromFile(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.LoadFromEnv()
	return cfg, nil
}

// LoadFromEnv layers SERVCORE_* environment variables on top of the
// already-parsed struct, following the teacher's NOVA_* override pattern.
func (c *ServerConfig) LoadFromEnv() {
	if v := os.Getenv("SERVCORE_SERVER_NAME"); v != "" {
		c.ServerName = v
	}
	if v := os.Getenv("SERVCORE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("SERVCORE_ADMIN_LISTEN"); v != "" {
		c.AdminListen = v
	}
	if v := os.Getenv("SERVCORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SERVCORE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("SERVCORE_LOG_CONSOLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Console = b
		}
	}
	if v := os.Getenv("SERVCORE_OTEL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Observability.Enabled = b
		}
	}
	if v := os.Getenv("SERVCORE_OTEL_ENDPOINT"); v != "" {
		c.Observability.Endpoint = v
	}
}

// DefaultPoolName returns the name of the pool marked Default, or
// "default" if none is marked.
func (c *ServerConfig) DefaultPoolName() string {
	for name, p := range c.Pools {
		if p.Default {
			return name
		}
	}
	return "default"
}
