// Command safekeeperd runs a WAL-acceptor safekeeper: it accepts
// connections from WAL proposers and streams durable WAL to
// replicas/pageservers, mirroring cmd/novusdb's role as the teacher
// repo's single binary entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Felmond13/safekeeper/config"
	"github.com/Felmond13/safekeeper/egress"
	"github.com/Felmond13/safekeeper/ingest"
	"github.com/Felmond13/safekeeper/metrics"
	"github.com/Felmond13/safekeeper/safekeeper"
	"github.com/Felmond13/safekeeper/storage"
	"github.com/Felmond13/safekeeper/tenant"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("safekeeperd exited with an error")
	}
}

func newRootCommand() *cobra.Command {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	root := &cobra.Command{
		Use:   "safekeeperd",
		Short: "Durable WAL acceptor for the write-ahead log replication protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "address to accept proposer and replica connections on")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory holding per-tenant control files and WAL segments")
	flags.StringVar(&cfg.PageserverAddr, "pageserver-addr", cfg.PageserverAddr, "pageserver address notified via callmemaybe (empty disables it)")
	flags.BoolVar(&cfg.NoSync, "no-sync", cfg.NoSync, "skip fsync on WAL writes (unsafe, for testing only)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zerolog level: trace, debug, info, warn, error")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve /metrics on")

	return root
}

func run(ctx context.Context, cfg *config.Config) error {
	initLogger(cfg.LogLevel)
	logger := log.With().Str("component", "safekeeperd").Logger()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	registry := tenant.NewRegistry(cfg.DataDir)
	caches := egress.NewCacheRegistry()
	collector := metrics.NewCollector(registry)
	prometheus.MustRegister(collector)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	logger.Info().Str("addr", cfg.ListenAddr).Str("data_dir", cfg.DataDir).Msg("safekeeperd starting")

	srv := &safekeeper.Server{
		Handlers: safekeeper.Handlers{
			Registry: registry,
			Caches:   caches,
			Scanner:  storage.DefaultWalScanner{},
			Notifier: ingest.PageserverNotifier{Addr: cfg.PageserverAddr, ListenAddr: cfg.ListenAddr},
			Ingest:   ingest.Config{NoSync: cfg.NoSync},
			Egress:   egress.Config{AlignToSegment: true},
			Counters: collector,
		},
		Log: logger,
	}

	serveErr := srv.Serve(ctx, ln)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	if serveErr != nil && !errors.Is(serveErr, net.ErrClosed) {
		return serveErr
	}
	logger.Info().Msg("safekeeperd stopped")
	return nil
}

func initLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	if os.Getenv("ENV") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
