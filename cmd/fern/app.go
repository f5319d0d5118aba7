package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/dlq"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/landing"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/output"
	"github.com/Ramsey-B/fern/pkg/recovery"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/storage"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// app holds everything a command needs, built from the process config and
// the configuration snapshot.
type app struct {
	cfg      *config.Config
	logger   ectologger.Logger
	snap     *config.Compiled
	store    storage.ObjectStore
	landing  *landing.Store
	output   *output.Store
	dlq      *dlq.Store
	orch     *orchestrator.Orchestrator
	recovery *recovery.Service
	redis    *redis.Client
	db       database.DB
	producer *kafka.Producer
	closers  []func(context.Context) error
}

func newLogger(cfg *config.Config) (ectologger.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.InitialFields = map[string]any{"app": cfg.AppName}

	zapLogger, err := zcfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), zapLogger.Sync, nil
}

// newApp wires the stores and services. Postgres and Redis connections are
// opened only when the store backend or the batch lock needs them.
func newApp(ctx context.Context, cfg *config.Config, logger ectologger.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	snap, err := config.LoadSnapshot(cfg.SnapshotPath)
	if err != nil {
		return nil, err
	}
	if a.snap, err = snap.Compile(logger); err != nil {
		return nil, err
	}

	shutdown, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.AppName,
		Endpoint:    cfg.OTELEndpoint,
		Protocol:    cfg.OTELProtocol,
		Insecure:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	base, err := a.objectStore(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.store = storage.NewRetrying(base, storage.RetryConfig{
		MaxTries:        cfg.StoreRetryMaxTries,
		InitialInterval: cfg.StoreRetryInitialInterval,
		MaxInterval:     cfg.StoreRetryMaxInterval,
		MaxElapsed:      cfg.StoreRetryMaxElapsed,
	}, logger)

	a.landing = landing.NewStore(a.store, logger, landing.WithConcurrency(cfg.IOConcurrency))
	a.output = output.NewStore(a.store, logger, output.WithConcurrency(cfg.IOConcurrency))
	a.dlq = dlq.NewStore(a.store, logger, dlq.WithConcurrency(cfg.IOConcurrency))

	opts := []orchestrator.Option{
		orchestrator.WithWorkers(cfg.Workers),
		orchestrator.WithMaxWorkers(cfg.MaxWorkers),
		orchestrator.WithPartitions(cfg.Partitions),
		orchestrator.WithMaxRecords(cfg.MaxBatchRecords),
	}
	var recoveryOpts []recovery.Option

	if cfg.RedisHost != "" {
		client, err := a.redisClient()
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		opts = append(opts, orchestrator.WithLocker(redis.NewLocker(client, cfg.AppName+":lock"), cfg.RedisLockTTL))
	}

	if cfg.KafkaEventsEnabled {
		a.producer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
		a.closers = append(a.closers, func(context.Context) error { return a.producer.Close() })
		opts = append(opts, orchestrator.WithPublisher(a.producer))
		recoveryOpts = append(recoveryOpts, recovery.WithPublisher(a.producer))
	}

	a.orch = orchestrator.New(a.landing, a.output, a.dlq, logger, opts...)
	a.recovery = recovery.NewService(a.dlq, a.snap.Registry, a.snap.Cleaner, a.orch.Replayer(a.snap), a.snap.Recovery, logger, recoveryOpts...)

	logger.WithContext(ctx).WithFields(map[string]any{
		"store":          cfg.StoreBackend,
		"config_version": a.snap.Version,
		"entity_types":   a.snap.Registry.EntityTypes(),
	}).Info("fern initialized")
	return a, nil
}

func (a *app) objectStore(ctx context.Context) (storage.ObjectStore, error) {
	switch strings.ToLower(a.cfg.StoreBackend) {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "", "file":
		return storage.NewFileStore(a.cfg.StoreFileRoot)
	case "redis":
		client, err := a.redisClient()
		if err != nil {
			return nil, err
		}
		return redis.NewObjectStore(client, a.cfg.AppName), nil
	case "postgres":
		db, err := a.database(ctx)
		if err != nil {
			return nil, err
		}
		return storage.NewPostgresStore(db), nil
	}
	return nil, fmt.Errorf("unknown STORE_BACKEND %q (use memory, file, redis or postgres)", a.cfg.StoreBackend)
}

func (a *app) redisClient() (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := redis.NewClient(redis.Config{
		Host:     a.cfg.RedisHost,
		Port:     a.cfg.RedisPort,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return client, nil
}

func (a *app) database(ctx context.Context) (database.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := openDatabase(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	return db, nil
}

func openDatabase(ctx context.Context, cfg *config.Config, logger ectologger.Logger) (database.DB, error) {
	return database.Open(ctx, database.Config{
		URL:             cfg.DatabaseURL(),
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	}, logger)
}

// Close releases connections in reverse order of opening
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.WithContext(ctx).WithError(err).Warn("failed to close resource")
		}
	}
	a.closers = nil
}
