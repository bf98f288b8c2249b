package main

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/servcore/internal/driver"
	"github.com/oriys/servcore/internal/logging"
	"github.com/oriys/servcore/internal/metrics"
	"github.com/oriys/servcore/internal/observability"
	"github.com/oriys/servcore/internal/scheduler"
)

var servePidFile string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "accept connections and dispatch them through the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&servePidFile, "pidfile", "/var/run/servcored.pid", "where to write this process's pid, for `servcored reload`")
	return cmd
}

func runServe(ctx context.Context) error {
	if servePidFile != "" {
		if err := os.WriteFile(servePidFile, []byte(itoa(os.Getpid())), 0644); err == nil {
			defer os.Remove(servePidFile)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)
	if cfg.Logging.RequestLogPath != "" {
		if err := logging.Default().SetOutput(cfg.Logging.RequestLogPath); err != nil {
			logging.Op().Warn("could not open request log", "path", cfg.Logging.RequestLogPath, "err", err)
		}
	}
	logging.Default().SetConsole(cfg.Logging.Console)

	obsCfg := cfg.Observability.Observability()
	if err := observability.Init(ctx, obsCfg); err != nil {
		return err
	}
	defer observability.Shutdown(ctx)

	metrics.InitPrometheus(cfg.ServerName, nil)
	metrics.RegisterDomainMetrics(cfg.ServerName)

	s, err := buildServer(cfg)
	if err != nil {
		return err
	}

	pages, _ := s.Caches.Get("pages")
	base := &cachingHandler{pages: pages}
	s.Handler = &channelDetachHandler{next: base, channels: s.Channels}
	s.Filters = passthroughFilters{}
	s.ConnIO = defaultIO{}

	if err := s.Prewarm(ctx); err != nil {
		logging.Op().Warn("prewarm incomplete", "err", err)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	logging.Op().Info("listening", "addr", cfg.Listen, "server", cfg.ServerName)

	adminMux := http.NewServeMux()
	registerAdminRoutes(adminMux, s)
	adminSrv := &http.Server{Addr: cfg.AdminListen, Handler: adminMux}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("admin listener stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	done := make(chan struct{})
	go acceptLoop(ln, s)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if fresh, err := loadConfig(); err == nil {
					logging.Op().Info("config reloaded", "listen", fresh.Listen, "pools", len(fresh.Pools))
				} else {
					logging.Op().Warn("config reload failed", "err", err)
				}
				continue
			}
			logging.Op().Info("shutdown signal received", "signal", sig.String())
			ln.Close()
			s.StopServer()
			deadline := time.Now().Add(10 * time.Second)
			_ = s.WaitServer(deadline)
			_ = adminSrv.Shutdown(context.Background())
			close(done)
		case <-done:
			return nil
		}
	}
}

func acceptLoop(ln net.Listener, s *scheduler.Server) {
	drv, _ := s.Drivers.Get("nssock")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			sock, err := parseRequest(conn, drv)
			if err != nil {
				conn.Close()
				return
			}
			if err := s.QueueConn(sock, drv); err != nil {
				logging.Op().Warn("queue conn rejected", "err", err)
				conn.Close()
			}
		}()
	}
}

// parseRequest reads one HTTP request line and headers off conn using the
// standard library's parser — no corpus dependency covers request-line
// parsing, and spec.md §1 treats that parser as an external collaborator
// out of this module's scope.
func parseRequest(conn net.Conn, drv driver.Driver) (*driver.Sock, error) {
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	headers := make(map[string][]string, len(req.Header))
	for k, v := range req.Header {
		headers[k] = v
	}

	return &driver.Sock{
		Conn:       conn,
		DriverName: drv.Name(),
		PeerAddr:   conn.RemoteAddr().String(),
		Request: driver.ParsedRequest{
			Method:        req.Method,
			URL:           req.URL.String(),
			Version:       req.Proto,
			Headers:       headers,
			ContentLength: req.ContentLength,
		},
	}, nil
}
