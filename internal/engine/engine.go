package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/hannabros/researchflow/internal/orchestrator"
	"github.com/hannabros/researchflow/internal/persistence"
	"github.com/hannabros/researchflow/internal/taskqueue"
	"github.com/hannabros/researchflow/pkg/api"
)

// Engine is the orchestration engine as seen by clients, workers and
// operator tooling.
type Engine interface {
	api.Engine
	api.Executor

	// RegisterWorkflow adds a program under name. The research and
	// research-topic workflows are registered by NewEngine.
	RegisterWorkflow(name string, prog orchestrator.Program) error

	// Verify replays the stored history of an instance and reports the
	// first decision that differs from what was recorded.
	Verify(ctx context.Context, id string) error

	// Queue returns the queue activity, timer and advance tasks are
	// dispatched to.
	Queue() taskqueue.Queue
}

// Config describes how to construct an engine.
type Config struct {
	Store    persistence.Store
	Queue    taskqueue.Queue
	Observer api.Observer
	Logger   *zap.Logger

	// Research configures the research workflow registered by default.
	Research orchestrator.ResearchOptions
}

// Option adjusts a Config built by one of the backend constructors.
type Option func(*Config)

func WithObserver(obs api.Observer) Option {
	return func(c *Config) { c.Observer = obs }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

func WithResearchOptions(opts orchestrator.ResearchOptions) Option {
	return func(c *Config) { c.Research = opts }
}

// WithQueue replaces the backend's default queue.
func WithQueue(q taskqueue.Queue) Option {
	return func(c *Config) { c.Queue = q }
}

// NewEngine creates an engine from cfg and registers the research and
// research-topic workflows.
func NewEngine(cfg Config) (Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("engine: queue is required")
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Research = withResearchDefaults(cfg.Research)

	e := &engineImpl{
		store:     cfg.Store,
		queue:     cfg.Queue,
		observer:  cfg.Observer,
		logger:    cfg.Logger.Named("engine"),
		workflows: newWorkflowRegistry(),
		locks:     newKeyedMutex(),
	}
	if err := e.RegisterWorkflow(api.WorkflowResearch, orchestrator.NewResearchWorkflow(cfg.Research)); err != nil {
		return nil, err
	}
	if err := e.RegisterWorkflow(api.WorkflowResearchTopic, orchestrator.NewTopicWorkflow()); err != nil {
		return nil, err
	}
	return e, nil
}

func withResearchDefaults(o orchestrator.ResearchOptions) orchestrator.ResearchOptions {
	def := orchestrator.DefaultResearchOptions()
	if o.Policy == "" {
		o.Policy = def.Policy
	}
	if o.BatchSize < 1 {
		o.BatchSize = def.BatchSize
	}
	if o.TimeoutAction == "" {
		o.TimeoutAction = def.TimeoutAction
	}
	if o.Marks == (orchestrator.ProgressMarks{}) {
		o.Marks = def.Marks
	}
	return o
}

func build(cfg Config, opts []Option) (Engine, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewEngine(cfg)
}

// NewInMemoryEngine creates an engine whose history and queue live in
// process memory.
func NewInMemoryEngine(opts ...Option) (Engine, error) {
	return build(Config{
		Store: persistence.NewInMemoryStore(),
		Queue: taskqueue.NewInMemoryQueue(),
	}, opts)
}

// NewSQLiteEngine keeps history, projections and tasks in one SQLite
// database opened with the "sqlite" driver.
func NewSQLiteEngine(db *sql.DB, opts ...Option) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return build(Config{Store: store, Queue: q}, opts)
}

// NewPostgresEngine keeps history, projections and tasks in PostgreSQL,
// through a database opened with the pgx stdlib driver.
func NewPostgresEngine(db *sql.DB, opts ...Option) (Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return build(Config{Store: store, Queue: q}, opts)
}

// NewRedisEngine keeps everything in Redis under prefix.
func NewRedisEngine(client redis.UniversalClient, prefix string, opts ...Option) (Engine, error) {
	return build(Config{
		Store: persistence.NewRedisStore(client, prefix),
		Queue: taskqueue.NewRedisQueue(client, prefix),
	}, opts)
}

// NewMongoEngine keeps everything in the MongoDB database dbName.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string, opts ...Option) (Engine, error) {
	store, err := persistence.NewMongoStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	return build(Config{
		Store: store,
		Queue: taskqueue.NewMongoQueue(client, dbName, ""),
	}, opts)
}
