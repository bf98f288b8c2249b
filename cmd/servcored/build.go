package main

import (
	"github.com/oriys/servcore/internal/config"
	"github.com/oriys/servcore/internal/driver"
	"github.com/oriys/servcore/internal/scheduler"
)

// loadConfig reads the configuration file named by the --config flag, or
// falls back to a minimal default so `servcored serve` works with zero
// setup.
func loadConfig() (*config.ServerConfig, error) {
	if configPath == "" {
		cfg := config.DefaultConfig()
		cfg.LoadFromEnv()
		return cfg, nil
	}
	return config.LoadFromFile(configPath)
}

// buildServer assembles a scheduler.Server, its driver registry, and its
// cache registry from a parsed ServerConfig. The caller still owns
// wiring s.Handler/s.Filters/s.Authorizer/s.ConnIO before accepting
// connections.
func buildServer(cfg *config.ServerConfig) (*scheduler.Server, error) {
	drivers := driver.NewRegistry()
	drivers.Register(driver.NewTCPDriver("nssock"))

	caches, err := cfg.Cache.BuildRegistry(nil)
	if err != nil {
		return nil, err
	}

	defaultName := cfg.DefaultPoolName()
	defaultPoolCfg, ok := cfg.Pools[defaultName]
	if !ok {
		defaultPoolCfg = config.PoolConfig{MaxConnections: 100, MaxThreads: 10, MinThreads: 1}
	}

	s := scheduler.NewServer(cfg.ServerName, defaultPoolCfg.Scheduler(), drivers, caches)
	for name, pc := range cfg.Pools {
		if name == defaultName {
			continue
		}
		s.AddPool(name, pc.Scheduler(), pc.RoutePrefixes...)
	}
	return s, nil
}
