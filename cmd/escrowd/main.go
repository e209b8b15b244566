// Command escrowd launches the escrow settlement daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/tidemark/escrowd/config"
	"github.com/tidemark/escrowd/core/dispatcher"
	dbmigrations "github.com/tidemark/escrowd/db/migrations"
	"github.com/tidemark/escrowd/internal/domain/escrowstore"
	"github.com/tidemark/escrowd/internal/domain/eventlog"
	"github.com/tidemark/escrowd/internal/escrow"
	"github.com/tidemark/escrowd/internal/infra/adapters/fake"
	"github.com/tidemark/escrowd/internal/infra/eventsink"
	"github.com/tidemark/escrowd/internal/infra/persistence/migrations"
	"github.com/tidemark/escrowd/internal/infra/persistence/postgres"
	httpserver "github.com/tidemark/escrowd/internal/infra/server/http"
	wsserver "github.com/tidemark/escrowd/internal/infra/server/ws"
	"github.com/tidemark/escrowd/internal/observability"
	"github.com/tidemark/escrowd/internal/registry"
	"github.com/tidemark/escrowd/internal/sweeper"
	"github.com/tidemark/escrowd/internal/telemetry"
)

const (
	defaultConfigPath        = "config/escrowd.yaml"
	eventFeedPath            = "/ws/events"
	dbPoolName               = "escrowd"
	shutdownTimeout          = 30 * time.Second
	apiShutdownTimeout       = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	cfg, err := loadSettings(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	initLogger(cfg.Logging)
	logger := observability.Log()
	logger.Info("configuration initialised",
		observability.Field{Key: "environment", Value: string(cfg.Environment)},
		observability.Field{Key: "listen_addr", Value: cfg.Server.ListenAddr},
	)

	telemetryProvider, err := initTelemetry(ctx, cfg)
	if err != nil {
		logger.Error("initialise telemetry", observability.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
	metrics, err := telemetry.NewEscrowMetrics(telemetryProvider.Meter("escrowd.engine"))
	if err != nil {
		logger.Error("initialise metrics", observability.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}

	fanout := dispatcher.NewFanout(0)
	feed := wsserver.NewFeed()
	fanout.Subscribe(dispatcher.Subscriber{ID: "wsfeed", Deliver: feed.Deliver})
	fanout.Subscribe(eventsink.MetricsSink(metrics))

	var (
		pool       *pgxpool.Pool
		eventStore eventlog.Store
		snapStore  escrowstore.Store
	)
	if cfg.Database.URL != "" {
		pool, err = initDatabase(ctx, cfg.Database)
		if err != nil {
			logger.Error("initialise database", observability.Field{Key: "error", Value: err.Error()})
			os.Exit(1)
		}
		store := postgres.New(pool)
		eventStore = store.EventLog()
		if cfg.Database.SnapshotEnabled {
			snapStore = store.Escrows()
		}
		fanout.Subscribe(eventsink.StoreSink(eventStore))
		postgres.ObservePoolMetrics(pool, dbPoolName)
	} else {
		logger.Info("no database configured, running memory-only")
	}

	// The transfer backend resolves outcomes back through the registry; the
	// registry itself is constructed right after, so the sink binds late.
	var reg *registry.Registry
	ledger := fake.NewLedger(func(outCtx context.Context, out escrow.TransferOutcome) {
		if reg == nil {
			return
		}
		if _, err := reg.ResolveOutcome(outCtx, out); err != nil {
			observability.Log().Error("resolving transfer outcome",
				observability.Field{Key: "leg_id", Value: out.LegID.String()},
				observability.Field{Key: "error", Value: err.Error()},
			)
		}
	})

	reg = registry.New(ledger, fanout, cfg.Escrow.Salt,
		registry.WithSnapshotStore(snapStore),
		registry.WithMaxDeadline(cfg.Escrow.MaxDeadline),
		registry.WithMetrics(metrics),
	)
	if snapStore != nil {
		restored, err := reg.Restore(ctx)
		if err != nil {
			logger.Error("restoring escrows", observability.Field{Key: "error", Value: err.Error()})
			os.Exit(1)
		}
		logger.Info("escrows restored from snapshots", observability.Field{Key: "count", Value: restored})
	}

	var lifecycle conc.WaitGroup

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	sw := sweeper.New(reg, sweeper.Config{
		Interval:        cfg.Sweeper.Interval,
		InitialBackoff:  cfg.Sweeper.InitialBackoff,
		MaxBackoff:      cfg.Sweeper.MaxBackoff,
		SweepsPerSecond: cfg.Sweeper.SweepsPerSecond,
	}, metrics)
	lifecycle.Go(func() {
		if err := sw.Run(sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", observability.Field{Key: "error", Value: err.Error()})
		}
	})

	apiServer := buildAPIServer(cfg.Server, reg, eventStore, feed)
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server", observability.Field{Key: "error", Value: err.Error()})
		}
	})
	logger.Info("escrowd started", observability.Field{Key: "addr", Value: cfg.Server.ListenAddr})

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	performGracefulShutdown(shutdownCtx, gracefulShutdownConfig{
		server:      apiServer,
		sweepCancel: sweepCancel,
		lifecycle:   &lifecycle,
		ledger:      ledger,
		pool:        pool,
		telemetry:   telemetryProvider,
	})
	logger.Info("shutdown completed")
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	if *cfgPath != "" {
		return *cfgPath
	}
	return filepath.Clean(defaultConfigPath)
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadSettings(path string) (config.Settings, error) {
	cfg, err := config.LoadFileIfPresent(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return config.ApplyEnv(cfg), nil
}

func initLogger(cfg config.LoggingSettings) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	observability.SetLogger(observability.NewZerologLogger(os.Stdout, level))
}

func initTelemetry(ctx context.Context, cfg config.Settings) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = cfg.Telemetry.Enabled
	telemetryCfg.Environment = string(cfg.Environment)
	if cfg.Telemetry.Endpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.Endpoint
	}
	if cfg.Telemetry.Interval > 0 {
		telemetryCfg.MetricInterval = cfg.Telemetry.Interval
	}
	return telemetry.NewProvider(ctx, telemetryCfg)
}

func initDatabase(ctx context.Context, cfg config.DatabaseSettings) (*pgxpool.Pool, error) {
	if cfg.MigrateOnStart {
		dir, cleanup, err := materializeMigrations()
		if err != nil {
			return nil, fmt.Errorf("materialise migrations: %w", err)
		}
		defer cleanup()
		migrateLogger := log.New(os.Stdout, "escrowd-migrate ", log.LstdFlags)
		if err := migrations.Apply(ctx, cfg.URL, dir, migrateLogger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// materializeMigrations extracts the embedded SQL migrations to a temporary
// directory so the file-based migrate source can read them.
func materializeMigrations() (string, func(), error) {
	dir, err := os.MkdirTemp("", "escrowd-migrations-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	entries, err := fs.ReadDir(dbmigrations.Files, ".")
	if err != nil {
		cleanup()
		return "", nil, err
	}
	for _, entry := range entries {
		data, err := fs.ReadFile(dbmigrations.Files, entry.Name())
		if err != nil {
			cleanup()
			return "", nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, entry.Name()), data, 0o600); err != nil {
			cleanup()
			return "", nil, err
		}
	}
	return dir, cleanup, nil
}

func buildAPIServer(cfg config.ServerSettings, reg *registry.Registry, events eventlog.Store, feed *wsserver.Feed) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(eventFeedPath, feed)
	mux.Handle("/", httpserver.NewHandler(reg, events,
		httpserver.WithResolveToken(cfg.ResolveToken),
	))

	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

type gracefulShutdownConfig struct {
	server      *http.Server
	sweepCancel context.CancelFunc
	lifecycle   *conc.WaitGroup
	ledger      *fake.Ledger
	pool        *pgxpool.Pool
	telemetry   *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, cfg gracefulShutdownConfig) {
	logger := observability.Log()
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			logger.Error("shutdown step failed",
				observability.Field{Key: "step", Value: name},
				observability.Field{Key: "error", Value: err.Error()},
			)
			return
		}
		logger.Info("shutdown step completed", observability.Field{Key: "step", Value: name})
	}

	if cfg.server != nil {
		shutdownStep("api server", apiShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.sweepCancel != nil {
		cfg.sweepCancel()
	}

	if cfg.ledger != nil {
		shutdownStep("settling in-flight transfers", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.ledger.Wait)
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.pool != nil {
		cfg.pool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func waitFor(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for completion: %w", ctx.Err())
	}
}
