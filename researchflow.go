package researchflow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/hannabros/researchflow/internal/activities"
	"github.com/hannabros/researchflow/internal/engine"
	"github.com/hannabros/researchflow/internal/orchestrator"
	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = engine.Engine
	EngineOption         = engine.Option
	Instance             = api.Instance
	InstanceListOptions  = api.InstanceListOptions
	HistoryEvent         = api.HistoryEvent
	ExternalEvent        = api.ExternalEvent
	Status               = api.Status
	Submission           = api.Submission
	ReportLength         = api.ReportLength
	ResearchResult       = api.ResearchResult
	Topic                = api.Topic
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	ResearchOptions      = orchestrator.ResearchOptions
	ProgressMarks        = orchestrator.ProgressMarks
	TopicPolicy          = orchestrator.TopicPolicy
	ChatClient           = activities.ChatClient
	ChatRequest          = activities.ChatRequest
	ChatFunc             = activities.ChatFunc
	SearchClient         = activities.SearchClient
	SearchFunc           = activities.SearchFunc
)

// Re-export common helpers.

var (
	NewLoggingObserver     = api.NewLoggingObserver
	NewCompositeObserver   = api.NewCompositeObserver
	DefaultResearchOptions = orchestrator.DefaultResearchOptions
	DefaultProgressMarks   = orchestrator.DefaultProgressMarks
	TargetLength           = api.TargetLength
	WithObserver           = engine.WithObserver
	WithLogger             = engine.WithLogger
	WithResearchOptions    = engine.WithResearchOptions
)

// Re-export error sentinels for errors.Is.

var (
	ErrNoWaiter          = api.ErrNoWaiter
	ErrInstanceNotFound  = api.ErrInstanceNotFound
	ErrProtocolViolation = api.ErrProtocolViolation
	ErrEngineFault       = api.ErrEngineFault
	ErrSuspensionTimeout = api.ErrSuspensionTimeout
	ErrActivityFailure   = api.ErrActivityFailure
)

// Re-export status values for convenience.

const (
	StatusRunning    = api.StatusRunning
	StatusSuspended  = api.StatusSuspended
	StatusCompleted  = api.StatusCompleted
	StatusFailed     = api.StatusFailed
	StatusTerminated = api.StatusTerminated

	ReportShort  = api.ReportShort
	ReportMedium = api.ReportMedium
	ReportLong   = api.ReportLong

	PolicySequential = orchestrator.PolicySequential
	PolicyBatched    = orchestrator.PolicyBatched
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine whose history and task queue live in
// process memory.
func NewInMemoryEngine(opts ...EngineOption) (Engine, error) {
	return engine.NewInMemoryEngine(opts...)
}

// NewSQLiteEngine returns an Engine that keeps history, projections and
// tasks in a SQLite database opened with the "sqlite" driver.
func NewSQLiteEngine(db *sql.DB, opts ...EngineOption) (Engine, error) {
	return engine.NewSQLiteEngine(db, opts...)
}

// NewPostgresEngine returns an Engine backed by PostgreSQL through the pgx
// stdlib driver.
func NewPostgresEngine(db *sql.DB, opts ...EngineOption) (Engine, error) {
	return engine.NewPostgresEngine(db, opts...)
}

// NewRedisEngine returns an Engine that keeps everything in Redis under
// prefix.
func NewRedisEngine(client redis.UniversalClient, prefix string, opts ...EngineOption) (Engine, error) {
	return engine.NewRedisEngine(client, prefix, opts...)
}

// NewMongoEngine returns an Engine that keeps everything in the MongoDB
// database dbName.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string, opts ...EngineOption) (Engine, error) {
	return engine.NewMongoEngine(ctx, client, dbName, opts...)
}

// Convenience helpers that just forward to the underlying Engine.

// Submit starts a research instance for sub.
func Submit(ctx context.Context, eng Engine, sub Submission) (*Instance, error) {
	return eng.Submit(ctx, sub)
}

// GetInstance fetches the projection of an instance.
func GetInstance(ctx context.Context, eng Engine, id string) (*Instance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*Instance, error) {
	return eng.ListInstances(ctx, opts)
}

// Recover re-dispatches outstanding work of every open instance.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := researchflow.Recover(ctx, engine)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}

// Result decodes the final payload of a completed research instance.
func Result(inst *Instance) (*ResearchResult, error) {
	if inst.Status != StatusCompleted {
		return nil, fmt.Errorf("researchflow: instance %s is %s", inst.ID, inst.Status)
	}
	var res ResearchResult
	if err := xjson.Unmarshal(inst.Result, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// WaitFor polls the instance until its status satisfies done, the instance
// ends, or ctx is done.
func WaitFor(ctx context.Context, eng Engine, id string, interval time.Duration, done func(*Instance) bool) (*Instance, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		inst, err := eng.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if done(inst) || inst.Status.Terminal() {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-ticker.C:
		}
	}
}
