// Package config loads researchflow settings from defaults, an optional YAML
// file and RESEARCHFLOW_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hannabros/researchflow/internal/orchestrator"
	"github.com/hannabros/researchflow/internal/providers"
	"github.com/hannabros/researchflow/pkg/worker"
)

// EnvPrefix prefixes every environment override, e.g.
// RESEARCHFLOW_STORE_BACKEND or RESEARCHFLOW_WORKFLOW_BATCH_SIZE.
const EnvPrefix = "RESEARCHFLOW"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Providers ProvidersConfig `mapstructure:"providers"`
}

// StoreConfig selects where history, projections and tasks live. The task
// queue always uses the same backend as the store.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`

	// DSN is the SQLite path, PostgreSQL connection string, Redis address
	// or MongoDB URI, depending on Backend.
	DSN string `mapstructure:"dsn"`

	// Database is the MongoDB database name.
	Database string `mapstructure:"database"`

	// Prefix namespaces Redis keys.
	Prefix string `mapstructure:"prefix"`
}

type WorkflowConfig struct {
	TopicPolicy           string                     `mapstructure:"topic_policy"`
	BatchSize             int                        `mapstructure:"batch_size"`
	ApprovalTimeout       time.Duration              `mapstructure:"approval_timeout"`
	ApprovalTimeoutAction string                     `mapstructure:"approval_timeout_action"`
	Progress              orchestrator.ProgressMarks `mapstructure:"progress"`
}

type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	Backoff        time.Duration `mapstructure:"backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	ReportAttempts int           `mapstructure:"report_attempts"`
	ReportBackoff  time.Duration `mapstructure:"report_backoff"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ProvidersConfig configures the chat model and search service used by
// workers.
type ProvidersConfig struct {
	Chat   providers.ChatConfig   `mapstructure:"chat"`
	Search providers.SearchConfig `mapstructure:"search"`
}

// StreamConfig controls live progress fan-out.
type StreamConfig struct {
	// Capacity is the number of progress events kept per instance for late
	// subscribers.
	Capacity int `mapstructure:"capacity"`

	// Retention is how long a finished instance's buffer stays available
	// for late watchers.
	Retention time.Duration `mapstructure:"retention"`

	// RedisStream, if set, also publishes progress to this Redis stream
	// through the store's Redis client.
	RedisStream string `mapstructure:"redis_stream"`
}

func setDefaults(v *viper.Viper) {
	marks := orchestrator.DefaultProgressMarks()

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.database", "researchflow")
	v.SetDefault("store.prefix", "researchflow:")

	v.SetDefault("workflow.topic_policy", string(orchestrator.PolicySequential))
	v.SetDefault("workflow.batch_size", 3)
	v.SetDefault("workflow.approval_timeout", time.Duration(0))
	v.SetDefault("workflow.approval_timeout_action", string(orchestrator.TimeoutFail))
	v.SetDefault("workflow.progress.extract", marks.Extract)
	v.SetDefault("workflow.progress.approval", marks.Approval)
	v.SetDefault("workflow.progress.planning", marks.Planning)
	v.SetDefault("workflow.progress.research_start", marks.ResearchStart)
	v.SetDefault("workflow.progress.research_end", marks.ResearchEnd)
	v.SetDefault("workflow.progress.report", marks.Report)
	v.SetDefault("workflow.progress.done", marks.Done)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_attempts", 1)
	v.SetDefault("worker.backoff", time.Second)
	v.SetDefault("worker.max_backoff", 30*time.Second)
	v.SetDefault("worker.report_attempts", 5)
	v.SetDefault("worker.report_backoff", 50*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("stream.capacity", 256)
	v.SetDefault("stream.retention", 10*time.Minute)
	v.SetDefault("stream.redis_stream", "")

	v.SetDefault("providers.chat.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.chat.api_key", "")
	v.SetDefault("providers.chat.model", "gpt-4o-mini")
	v.SetDefault("providers.chat.timeout", 120*time.Second)
	v.SetDefault("providers.search.url", "")
	v.SetDefault("providers.search.api_key", "")
	v.SetDefault("providers.search.timeout", 60*time.Second)
}

// NewViper returns a viper instance carrying the defaults and the
// environment binding. Callers may bind command-line flags into it before
// calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, if given, into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendRedis, BackendMongo:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	if c.Store.Backend != BackendMemory && c.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn: required for backend %q", c.Store.Backend))
	}

	switch orchestrator.TopicPolicy(c.Workflow.TopicPolicy) {
	case orchestrator.PolicySequential, orchestrator.PolicyBatched:
	default:
		errs = append(errs, fmt.Errorf("workflow.topic_policy: unknown policy %q", c.Workflow.TopicPolicy))
	}
	if c.Workflow.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("workflow.batch_size: must be at least 1, got %d", c.Workflow.BatchSize))
	}
	if c.Workflow.ApprovalTimeout < 0 {
		errs = append(errs, errors.New("workflow.approval_timeout: must not be negative"))
	}
	switch orchestrator.TimeoutAction(c.Workflow.ApprovalTimeoutAction) {
	case orchestrator.TimeoutFail, orchestrator.TimeoutTerminate:
	default:
		errs = append(errs, fmt.Errorf("workflow.approval_timeout_action: must be fail or terminate, got %q", c.Workflow.ApprovalTimeoutAction))
	}
	for name, f := range map[string]float64{
		"extract":        c.Workflow.Progress.Extract,
		"approval":       c.Workflow.Progress.Approval,
		"planning":       c.Workflow.Progress.Planning,
		"research_start": c.Workflow.Progress.ResearchStart,
		"research_end":   c.Workflow.Progress.ResearchEnd,
		"report":         c.Workflow.Progress.Report,
		"done":           c.Workflow.Progress.Done,
	} {
		if f < 0 || f > 1 {
			errs = append(errs, fmt.Errorf("workflow.progress.%s: %v is outside [0, 1]", name, f))
		}
	}

	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("worker.concurrency: must be at least 1, got %d", c.Worker.Concurrency))
	}
	if c.Stream.Capacity < 0 {
		errs = append(errs, errors.New("stream.capacity: must not be negative"))
	}
	if c.Stream.Retention < 0 {
		errs = append(errs, fmt.Errorf("stream.retention: must not be negative, got %s", c.Stream.Retention))
	}
	if c.Stream.RedisStream != "" && c.Store.Backend != BackendRedis {
		errs = append(errs, fmt.Errorf("stream.redis_stream: requires the redis backend, got %q", c.Store.Backend))
	}

	return errors.Join(errs...)
}

// ResearchOptions converts the workflow section for the engine.
func (w WorkflowConfig) ResearchOptions() orchestrator.ResearchOptions {
	return orchestrator.ResearchOptions{
		Policy:          orchestrator.TopicPolicy(w.TopicPolicy),
		BatchSize:       w.BatchSize,
		ApprovalTimeout: w.ApprovalTimeout,
		TimeoutAction:   orchestrator.TimeoutAction(w.ApprovalTimeoutAction),
		Marks:           w.Progress,
	}
}

// WorkerOptions converts the worker section. Logger and Observer are left for
// the caller.
func (w WorkerConfig) WorkerOptions() worker.Config {
	return worker.Config{
		MaxAttempts:    w.MaxAttempts,
		Backoff:        w.Backoff,
		MaxBackoff:     w.MaxBackoff,
		ReportAttempts: w.ReportAttempts,
		ReportBackoff:  w.ReportBackoff,
	}
}
