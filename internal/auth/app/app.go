package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelid/kestrel/internal/auth/queue"
	"github.com/kestrelid/kestrel/internal/auth/resilience"
	"github.com/kestrelid/kestrel/internal/auth/service"
	"github.com/kestrelid/kestrel/internal/auth/store/drivers/sqlite"
	"github.com/kestrelid/kestrel/internal/auth/store/resilient"
	regionsync "github.com/kestrelid/kestrel/internal/auth/sync"
	"github.com/kestrelid/kestrel/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application wires the replication worker: the primary client store and its
// registry, the Redis replication queue, one resilient store per secondary
// region, and the sync consumer fanning mutations out to them.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Databases, primary first. All are closed on shutdown.
	primaryDB   *sqlite.DB
	regionalDBs map[string]*sqlite.DB

	redisClient *redis.Client
	syncQueue   *queue.RedisQueue

	clientRegistry      *service.ClientRegistry
	housekeepingService *service.HousekeepingService
	syncConsumer        *regionsync.Consumer
}

// New creates an Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "kestrel-replicator",
			Version: BuildVersion,
			Env:     cfg.Env,
			Region:  cfg.Region,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
		regionalDBs: make(map[string]*sqlite.DB),
	}

	if err := app.initDatabases(); err != nil {
		return nil, err
	}

	if err := app.initQueue(); err != nil {
		app.closeDatabases()
		return nil, err
	}

	if err := app.initServices(); err != nil {
		_ = app.redisClient.Close()
		app.closeDatabases()
		return nil, err
	}

	return app, nil
}

// Run starts the background workers and blocks until a shutdown signal
// arrives or the sync consumer fails.
func (app *Application) Run() error {
	app.housekeepingService.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.logger.Info("replication worker starting",
		"version", BuildVersion, "regions", len(app.regionalDBs))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.syncConsumer.Run(gctx)
	})

	err := g.Wait()

	if shutdownErr := app.Shutdown(); shutdownErr != nil {
		return fmt.Errorf("graceful shutdown failed: %w", shutdownErr)
	}
	return err
}

// Shutdown stops the workers and closes every connection.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down replication worker...")

	app.housekeepingService.Stop()

	if err := app.redisClient.Close(); err != nil {
		app.logger.Error("error closing redis client", "error", err)
	}

	if err := app.closeDatabases(); err != nil {
		return err
	}

	app.logger.Info("replication worker stopped")
	return nil
}

// initDatabases opens the primary database and one database per configured
// secondary region, applying migrations to each.
func (app *Application) initDatabases() error {
	db, err := app.openDatabase(app.cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("primary database: %w", err)
	}
	app.primaryDB = db

	regions, err := app.cfg.ParseRegions()
	if err != nil {
		app.closeDatabases()
		return fmt.Errorf("region mapping: %w", err)
	}
	for code, file := range regions {
		rdb, err := app.openDatabase(file)
		if err != nil {
			app.closeDatabases()
			return fmt.Errorf("region %s database: %w", code, err)
		}
		app.regionalDBs[code] = rdb
	}

	app.logger.Info("database migrations applied successfully",
		"primary", app.cfg.DatabaseFile, "regions", len(regions))
	return nil
}

func (app *Application) openDatabase(file string) (*sqlite.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", file)
	db, err := sqlite.Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (app *Application) closeDatabases() error {
	var firstErr error
	for code, db := range app.regionalDBs {
		if err := db.Close(); err != nil {
			app.logger.Error("error closing regional database", "region", code, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if app.primaryDB != nil {
		if err := app.primaryDB.Close(); err != nil {
			app.logger.Error("error closing primary database", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// initQueue connects to Redis and prepares the replication stream.
func (app *Application) initQueue() error {
	opt, err := redis.ParseURL(app.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis url: %w", err)
	}
	app.redisClient = redis.NewClient(opt)

	if err := app.redisClient.Ping(context.Background()).Err(); err != nil {
		_ = app.redisClient.Close()
		return fmt.Errorf("redis ping: %w", err)
	}

	app.syncQueue, err = queue.NewRedisQueue(app.redisClient, queue.RedisConfig{
		Stream:    app.cfg.SyncStream,
		Group:     app.cfg.SyncGroup,
		Consumer:  app.cfg.SyncConsumer,
		BatchSize: app.cfg.SyncBatchSize,
		MinIdle:   app.cfg.SyncMinIdle,
	}, app.logger)
	if err != nil {
		_ = app.redisClient.Close()
		return err
	}
	return nil
}

// initServices builds the resilient stores, the registry over the primary,
// and the sync consumer over the secondaries.
func (app *Application) initServices() error {
	primaryStore, err := app.newClientStore("primary", app.primaryDB)
	if err != nil {
		return err
	}

	app.clientRegistry = &service.ClientRegistry{
		Store:    primaryStore,
		Producer: app.syncQueue,
	}

	regions := make([]regionsync.Region, 0, len(app.regionalDBs))
	for code, db := range app.regionalDBs {
		target, err := app.newClientStore(code, db)
		if err != nil {
			return err
		}
		regions = append(regions, regionsync.Region{Code: code, Target: target})
	}

	app.syncConsumer = regionsync.NewConsumer(app.syncQueue, regions, regionsync.ConsumerConfig{
		PollsPerSecond: app.cfg.SyncPollRate,
	}, app.logger)

	app.housekeepingService = service.NewHousekeepingService(
		app.primaryDB,
		app.logger,
		app.cfg.HousekeepingInterval,
		app.cfg.UsageRetention,
	)
	app.housekeepingService.Backlog = app.syncQueue
	return nil
}

func (app *Application) newClientStore(name string, db *sqlite.DB) (*resilient.ClientStore, error) {
	cs, err := resilient.NewClientStore(name, db, resilient.Config{
		Breaker: resilience.BreakerConfig{
			FailureThreshold: app.cfg.BreakerFailureThreshold,
			ResetTimeout:     app.cfg.BreakerResetTimeout,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts: app.cfg.RetryMaxAttempts,
			BaseDelay:   app.cfg.RetryBaseDelay,
		},
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("client store %s: %w", name, err)
	}
	return cs, nil
}

// Registry exposes the primary-region client registry for callers embedding
// the worker, such as admin tooling.
func (app *Application) Registry() *service.ClientRegistry {
	return app.clientRegistry
}
