// Command custosd launches the Custos synchronization daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/custos/db/migrations"
	"github.com/coachpo/custos/internal/adapter/providers"
	"github.com/coachpo/custos/internal/config"
	"github.com/coachpo/custos/internal/infra/persistence/migrations"
	"github.com/coachpo/custos/internal/infra/persistence/postgres"
	"github.com/coachpo/custos/internal/observability"
	"github.com/coachpo/custos/internal/syncer"
	"github.com/coachpo/custos/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	daemonLoggerPrefix       = "custosd "
	primaryPoolName          = "primary"
	shutdownTimeout          = 30 * time.Second
	schedulerShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	migrationStartupTimeout  = 60 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newDaemonLogger()

	appCfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	observability.SetLogger(observability.NewLogrusLogger(appCfg.Logging.Level))
	logger.Printf("configuration initialised: env=%s, providers=%d",
		appCfg.Environment, len(appCfg.Providers))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	if appCfg.Database.Migrate {
		migrateCtx, migrateCancel := context.WithTimeout(ctx, migrationStartupTimeout)
		err := migrations.Apply(migrateCtx, appCfg.Database.DSN, dbmigrations.Files, logger)
		migrateCancel()
		if err != nil {
			logger.Fatalf("apply migrations: %v", err)
		}
	}

	pool, err := newDatabasePool(ctx, appCfg.Database)
	if err != nil {
		logger.Fatalf("initialise database pool: %v", err)
	}
	postgres.ObservePoolMetrics(pool, primaryPoolName)
	store := postgres.New(pool)

	specs, err := config.BuildProviderSpecs(appCfg.Providers)
	if err != nil {
		logger.Fatalf("build provider specs: %v", err)
	}
	providerConfigs := make(map[string]map[string]any, len(specs))
	for _, spec := range specs {
		providerConfigs[spec.Adapter] = spec.Config
	}

	registry := providers.DefaultRegistry()
	service := syncer.New(registry, store, providerConfigs, syncer.Settings{
		MinInterval:   appCfg.Sync.MinInterval,
		OverlapWindow: appCfg.Sync.OverlapWindow,
		FetchTimeout:  appCfg.Sync.FetchTimeout,
	})

	scheduler, err := syncer.NewScheduler(service, appCfg.Sync.SchedulerInterval, appCfg.Sync.SchedulerWorkers)
	if err != nil {
		logger.Fatalf("initialise scheduler: %v", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { scheduler.Run(ctx) })
	logger.Printf("scheduler started: interval=%s, workers=%d",
		appCfg.Sync.SchedulerInterval, appCfg.Sync.SchedulerWorkers)

	logger.Print("custosd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		scheduler: scheduler,
		service:   service,
		pool:      pool,
		telemetry: telemetryProvider,
		lifecycle: &lifecycle,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newDaemonLogger() *log.Logger {
	return log.New(os.Stdout, daemonLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		observability.SetMetrics(telemetry.NewOtelMetrics(telemetryCfg.ServiceName))
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func newDatabasePool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

type gracefulShutdownConfig struct {
	scheduler *syncer.Scheduler
	service   *syncer.Service
	pool      *pgxpool.Pool
	telemetry *telemetry.Provider
	lifecycle *conc.WaitGroup
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	schedulerCtx, schedulerCancel := context.WithTimeout(ctx, schedulerShutdownTimeout)
	if err := cfg.scheduler.Shutdown(schedulerCtx); err != nil {
		logger.Printf("scheduler shutdown: %v", err)
	}
	schedulerCancel()

	cfg.lifecycle.Wait()

	cfg.service.Close()
	cfg.pool.Close()

	if cfg.telemetry != nil {
		telemetryCtx, telemetryCancel := context.WithTimeout(ctx, telemetryShutdownTimeout)
		if err := cfg.telemetry.Shutdown(telemetryCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
		telemetryCancel()
	}
}
