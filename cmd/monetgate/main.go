package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/monetgate/monetgate/internal/api"
	"github.com/monetgate/monetgate/internal/config"
	"github.com/monetgate/monetgate/internal/health"
	"github.com/monetgate/monetgate/internal/metrics"
	"github.com/monetgate/monetgate/internal/pool"
	"github.com/monetgate/monetgate/internal/registry"
)

const shutdownTimeout = 60 * time.Second

func main() {
	configPath := flag.String("config", "configs/monetgate.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("MonetGate starting...")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "servers", len(cfg.Servers))

	// Initialize components
	m := metrics.New()
	r := registry.New(cfg)
	pm := pool.NewManager(cfg.Defaults)
	hc := health.NewChecker(r, m, cfg.HealthCheck)
	hc.SetPoolManager(pm)

	// Wire up pool exhaustion metric
	pm.SetOnPoolExhausted(func(serverID string) {
		m.PoolExhausted(serverID)
	})

	// Start periodic pool stats reporting to Prometheus
	pm.StartStatsLoop(5*time.Second, func(s pool.Stats) {
		m.UpdatePoolStats(s.ServerID, s.Database, s.Active, s.Idle, s.Total, s.Waiting)
	})

	// Start health checker
	hc.Start()

	// Start REST API
	apiServer := api.NewServer(r, pm, hc, m, cfg.Listen)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		slog.Error("failed to start API server", "err", err)
		os.Exit(1)
	}

	// Set up config hot-reload
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration...")
		r.Reload(newCfg)
		pm.UpdateDefaults(newCfg.Defaults)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("MonetGate ready", "api_port", cfg.Listen.APIPort)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down...", "signal", sig)

	// Graceful shutdown with timeout
	done := make(chan struct{})
	go func() {
		if configWatcher != nil {
			configWatcher.Stop()
		}
		apiServer.Stop()
		hc.Stop()
		pm.Close()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("MonetGate stopped")
	case <-time.After(shutdownTimeout):
		slog.Error("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
		os.Exit(1)
	}
}
