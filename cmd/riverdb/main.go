// Command riverdb runs the RiverDB proxy: a transparent, multi-tenant
// PostgreSQL wire-protocol proxy with connection pooling, replica routing,
// and a REST control plane. Grounded on cmd/dbbouncer/main.go's wiring
// order, rebuilt around pgpool.Cluster/internal/frontend instead of the
// router/pool pair.
package main

import (
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverdb/riverdb/internal/api"
	"github.com/riverdb/riverdb/internal/config"
	"github.com/riverdb/riverdb/internal/frontend"
	"github.com/riverdb/riverdb/internal/health"
	"github.com/riverdb/riverdb/internal/metrics"
	"github.com/riverdb/riverdb/internal/pgpool"
)

func main() {
	configPath := flag.String("config", "configs/riverdb.yaml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "path", *configPath, "databases", len(cfg.Postgres.Servers))

	m := metrics.New()
	cluster := pgpool.NewCluster(cfg.Postgres, logger)
	cluster.SetMetrics(m)

	hc := health.NewChecker(cluster, m, health.Config{
		Interval:          10 * time.Second,
		FailureThreshold:  3,
		ConnectionTimeout: 5 * time.Second,
	})
	hc.Start()

	tlsConfig, err := loadTLSConfig(cfg.Listen)
	if err != nil {
		logger.Error("failed to load TLS config", "error", err)
		os.Exit(1)
	}

	proxyServer := frontend.NewServer(cluster, m, tlsConfig, logger)
	if err := proxyServer.Listen(cfg.Listen); err != nil {
		logger.Error("failed to start postgres proxy", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(cluster, hc, m, cfg.Listen, *configPath)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		logger.Error("failed to start API server", "error", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		logger.Info("reloading configuration")
		cluster.Reload(newCfg.Postgres)
	})
	if err != nil {
		logger.Warn("config hot-reload not available", "error", err)
	}

	logger.Info("riverdb ready", "postgres_port", cfg.Listen.PostgresPort, "api_port", cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	proxyServer.Stop()
	hc.Stop()
	cluster.Close()

	logger.Info("riverdb stopped")
}

// loadTLSConfig builds a server TLS config from the listen config's cert/key
// pair, or returns nil (plaintext only, every client SSLRequest refused) when
// neither is configured.
func loadTLSConfig(lc config.ListenConfig) (*tls.Config, error) {
	if !lc.TLSEnabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
