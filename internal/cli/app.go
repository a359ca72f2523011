package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"srdwatch/internal/platform/config"
	"srdwatch/internal/platform/database"
	"srdwatch/internal/platform/logger"
	platformmetrics "srdwatch/internal/platform/metrics"
	"srdwatch/internal/platform/redis"
	"srdwatch/internal/srd/fetcher"
	"srdwatch/internal/srd/locker"
	"srdwatch/internal/srd/metrics"
	"srdwatch/internal/srd/reconciler"
	"srdwatch/internal/srd/service"
	"srdwatch/internal/srd/store"
)

// app holds the wired dependencies a command runs against.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	db       *sql.DB
	store    *store.SQLStore
	redis    *goredis.Client
	service  *service.Service
}

// loadConfig reads configuration and applies the global flags to it.
func loadConfig(opts *RootOptions) (config.Config, error) {
	var files []string
	if opts.EnvFile != "" {
		files = append(files, opts.EnvFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// openApp connects the store and builds the service. Logs go to logOut so
// stdout stays clean for command output.
func openApp(ctx context.Context, cfg config.Config, logOut io.Writer) (*app, error) {
	log, err := logger.New(logOut, cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log}
	a.registry = platformmetrics.NewRegistry()
	a.metrics = metrics.NewWithRegistry(a.registry)

	dialect, err := store.DialectForDriver(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	a.db, err = database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.store = store.NewSQL(a.db, dialect)

	history, err := reconciler.ParseHistoryMode(cfg.SRD.HistoryMode)
	if err != nil {
		a.Close()
		return nil, err
	}

	lock, err := a.locker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	f := fetcher.New(cfg.SRD.Endpoint,
		fetcher.WithTimeout(cfg.SRD.FetchTimeout),
		fetcher.WithLogger(log),
		fetcher.WithMetrics(a.metrics),
	)
	r := reconciler.New(a.store,
		reconciler.WithLogger(log),
		reconciler.WithMetrics(a.metrics),
		reconciler.WithHistoryMode(history),
	)
	a.service = service.New(f, r, a.store,
		service.WithLogger(log),
		service.WithMetrics(a.metrics),
		service.WithLocker(lock),
		service.WithRetry(service.RetryPolicy{
			MaxAttempts:     cfg.SRD.FetchAttempts,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
		}),
	)
	return a, nil
}

// locker shares locks through Redis when configured; otherwise locks are
// per process.
func (a *app) locker(ctx context.Context) (locker.Locker, error) {
	client, err := redis.Open(ctx, a.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	if client == nil {
		a.logger.Debug("redis not configured, using in-process locks")
		return locker.NewSharded(), nil
	}
	a.redis = client
	return locker.NewRedis(client,
		locker.WithTTL(a.cfg.Redis.LockTTL),
		locker.WithLogger(a.logger),
	), nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("closing redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("closing database", "error", err)
		}
	}
}
