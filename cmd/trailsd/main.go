// Command trailsd is the TRAILS server: it accepts duplex channels from
// short-lived application processes, tracks each through the lifecycle
// state machine, and persists the full message history (spec §1, §4).
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/trailsd/trails/internal/server/bus"
	"github.com/trailsd/trails/internal/server/config"
	"github.com/trailsd/trails/internal/server/conn"
	"github.com/trailsd/trails/internal/server/db"
	"github.com/trailsd/trails/internal/server/lifecycle"
	"github.com/trailsd/trails/internal/server/metrics"
	"github.com/trailsd/trails/internal/server/registry"
	"github.com/trailsd/trails/internal/server/sweep"
	"github.com/trailsd/trails/internal/wire"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "trailsd",
		Short: "trailsd — the TRAILS lifecycle and telemetry server",
		Long: `trailsd tracks short-lived application processes through a strict
lifecycle state machine over a persistent duplex channel, and durably
records every message they send.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("trailsd %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context) error {
	cfg := config.FromEnv()

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting trailsd",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("server_instance", cfg.ServerInstance),
		zap.String("db_driver", cfg.DBDriver),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Server identity ---
	pub, priv, err := generateServerKeypair()
	if err != nil {
		return fmt.Errorf("failed to generate server keypair: %w", err)
	}
	serverPubKey := wire.EncodePublicKey(pub)
	_ = priv // reserved for signing registered/ack frames once §9 Q2 lands

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DatabaseURL,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Domain plumbing ---
	store := lifecycle.New(gormDB)
	reg := registry.New()
	eventBus := bus.New(bus.DefaultCapacity)

	promReg := prometheus.NewRegistry()
	metricsCollectors := metrics.New(promReg)
	reg.SetGauge(metricsCollectors.ConnectedClients)
	eventBus.SetDroppedCounter(metricsCollectors.BusEventsDropped)

	// --- 4. Startup reconnection window ---
	reconnectWindow := &sweep.ReconnectionWindow{
		Store:          store,
		Bus:            eventBus,
		Metrics:        metricsCollectors,
		Logger:         logger,
		ServerInstance: cfg.ServerInstance,
		Window:         time.Duration(cfg.ReconnectWindow) * time.Second,
	}
	go reconnectWindow.Run(ctx)

	// --- 5. Start-deadline checker ---
	deadlineChecker := &sweep.StartDeadlineChecker{
		Store:   store,
		Bus:     eventBus,
		Metrics: metricsCollectors,
		Logger:  logger,
	}
	go deadlineChecker.Run(ctx)

	// --- 6. Per-connection handler ---
	handler := &conn.Handler{
		Store:                store,
		Registry:             reg,
		Bus:                  eventBus,
		Logger:               logger,
		ServerInstance:       cfg.ServerInstance,
		ServerPubKey:         serverPubKey,
		DefaultStartDeadline: cfg.DefaultStartDeadline,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", handler.WSHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second, // long-lived duplex channels outlive a typical idle timeout
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down trailsd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("trailsd stopped")
	return nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

// generateServerKeypair mints a fresh Ed25519 keypair at startup. The
// server's public key is advertised to every client in its Registered ack;
// signing frames with the private key is future work (spec §9 open
// question 2 leaves authentication as a deferred extension point).
func generateServerKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
