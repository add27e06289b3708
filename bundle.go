package researchflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hannabros/researchflow/internal/config"
	"github.com/hannabros/researchflow/internal/engine"
	"github.com/hannabros/researchflow/internal/gateway"
	"github.com/hannabros/researchflow/internal/metrics"
	"github.com/hannabros/researchflow/internal/streaming"
	"github.com/hannabros/researchflow/pkg/api"
)

// Config is the process configuration, loaded with LoadConfig.
type Config = config.Config

var (
	// NewConfigViper returns a viper instance with defaults and
	// RESEARCHFLOW_* environment overrides.
	NewConfigViper = config.NewViper
	// LoadConfig reads an optional YAML file into the viper instance and
	// validates the result.
	LoadConfig = config.Load
	// DefaultConfig is the in-memory configuration.
	DefaultConfig = config.Default
)

// Bundle wires an Engine to the backend, observers and gateway selected by
// a Config.
//
// Typical usage:
//
//	cfg, _ := researchflow.LoadConfig(researchflow.NewConfigViper(), "researchflow.yaml")
//	bundle, err := researchflow.Open(ctx, cfg, logger)
//	defer bundle.Close()
//	runner, err := bundle.Runner(chat, search)
//	_ = runner.StartWorkers(ctx, cfg.Worker.Concurrency)
type Bundle struct {
	Engine  Engine
	Gateway *gateway.Gateway

	// Hub streams progress of instances driven by this process.
	Hub *streaming.Hub

	// Metrics is nil unless metrics are enabled.
	Metrics *metrics.Observer

	// Stream is nil unless stream.redis_stream is set.
	Stream *streaming.RedisPublisher

	Config *Config

	observer api.Observer
	logger   *zap.Logger
	closers  []func() error
}

// Open connects to the configured backend and builds the engine.
func Open(ctx context.Context, cfg *Config, logger *zap.Logger) (*Bundle, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bundle{
		Config: cfg,
		Hub:    streaming.NewHubWithRetention(cfg.Stream.Capacity, cfg.Stream.Retention),
		logger: logger,
	}
	observers := []api.Observer{api.NewLoggingObserver(logger.Named("observer")), b.Hub}
	if cfg.Metrics.Enabled {
		b.Metrics = metrics.New()
		observers = append(observers, b.Metrics)
	}

	opts := func(extra ...api.Observer) []engine.Option {
		b.observer = api.NewCompositeObserver(append(observers, extra...)...)
		return []engine.Option{
			engine.WithLogger(logger),
			engine.WithObserver(b.observer),
			engine.WithResearchOptions(cfg.Workflow.ResearchOptions()),
		}
	}

	var err error
	switch cfg.Store.Backend {
	case config.BackendMemory:
		b.Engine, err = engine.NewInMemoryEngine(opts()...)

	case config.BackendSQLite:
		var db *sql.DB
		if db, err = sql.Open("sqlite", cfg.Store.DSN); err != nil {
			break
		}
		// One connection serializes writers and keeps :memory: databases
		// shared between the store and the queue.
		db.SetMaxOpenConns(1)
		b.closers = append(b.closers, db.Close)
		b.Engine, err = engine.NewSQLiteEngine(db, opts()...)

	case config.BackendPostgres:
		var db *sql.DB
		if db, err = sql.Open("pgx", cfg.Store.DSN); err != nil {
			break
		}
		b.closers = append(b.closers, db.Close)
		if err = db.PingContext(ctx); err != nil {
			break
		}
		b.Engine, err = engine.NewPostgresEngine(db, opts()...)

	case config.BackendRedis:
		var client *redis.Client
		if client, err = newRedisClient(cfg.Store.DSN); err != nil {
			break
		}
		b.closers = append(b.closers, client.Close)
		if err = client.Ping(ctx).Err(); err != nil {
			break
		}
		var extra []api.Observer
		if cfg.Stream.RedisStream != "" {
			b.Stream = streaming.NewRedisPublisher(client, cfg.Stream.RedisStream, int64(cfg.Stream.Capacity)*64, logger)
			extra = append(extra, b.Stream)
		}
		b.Engine, err = engine.NewRedisEngine(client, cfg.Store.Prefix, opts(extra...)...)

	case config.BackendMongo:
		var client *mongo.Client
		if client, err = mongo.Connect(ctx, options.Client().ApplyURI(cfg.Store.DSN)); err != nil {
			break
		}
		b.closers = append(b.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		})
		if err = client.Ping(ctx, nil); err != nil {
			break
		}
		b.Engine, err = engine.NewMongoEngine(ctx, client, cfg.Store.Database, opts()...)

	default:
		err = fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open %s backend: %w", cfg.Store.Backend, err), b.Close())
	}

	b.Gateway = gateway.New(b.Engine, logger)
	logger.Info("engine ready",
		zap.String("backend", cfg.Store.Backend),
		zap.String("topic_policy", cfg.Workflow.TopicPolicy),
		zap.Bool("metrics", b.Metrics != nil),
	)
	return b, nil
}

func newRedisClient(dsn string) (*redis.Client, error) {
	if strings.Contains(dsn, "://") {
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: dsn}), nil
}

// Observer returns the observer attached to the engine, for workers that
// report activity runs.
func (b *Bundle) Observer() api.Observer { return b.observer }

// ServeMetrics serves /metrics on the configured address until ctx is done.
// It returns nil at once if metrics are disabled.
func (b *Bundle) ServeMetrics(ctx context.Context) error {
	if b.Metrics == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", b.Metrics.Handler())
	srv := &http.Server{Addr: b.Config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	b.logger.Info("serving metrics", zap.String("addr", b.Config.Metrics.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// Close releases the backend connections, newest first.
func (b *Bundle) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
