package api

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Observer receives callbacks from the engine and workers for logging,
// metrics and progress streaming.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay decisions.
type Observer interface {
	// OnInstanceStarted is called once after the Started event is recorded.
	OnInstanceStarted(ctx context.Context, inst *Instance)

	// OnProgress is called whenever the progress projection changes.
	OnProgress(ctx context.Context, inst *Instance)

	// OnInstanceCompleted is called when an instance reaches StatusCompleted.
	OnInstanceCompleted(ctx context.Context, inst *Instance)

	// OnInstanceTerminated is called when an instance reaches StatusTerminated.
	OnInstanceTerminated(ctx context.Context, inst *Instance)

	// OnInstanceFailed is called when an instance reaches StatusFailed.
	OnInstanceFailed(ctx context.Context, inst *Instance, err error)

	// OnActivityScheduled is called after an ActivityScheduled event is
	// recorded, before the task is handed to the queue.
	OnActivityScheduled(ctx context.Context, inst *Instance, activity string, seq int64)

	// OnActivityCompleted is called by workers after a handler returns, for
	// both successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, instanceID, activity string, err error, duration time.Duration)

	// OnEngineFault is called when replay diverges or history is corrupt.
	OnEngineFault(ctx context.Context, instanceID string, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStarted(ctx context.Context, inst *Instance)           {}
func (NoopObserver) OnProgress(ctx context.Context, inst *Instance)                  {}
func (NoopObserver) OnInstanceCompleted(ctx context.Context, inst *Instance)         {}
func (NoopObserver) OnInstanceTerminated(ctx context.Context, inst *Instance)        {}
func (NoopObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {}
func (NoopObserver) OnEngineFault(ctx context.Context, instanceID string, err error) {}
func (NoopObserver) OnActivityScheduled(ctx context.Context, inst *Instance, a string, seq int64) {
}
func (NoopObserver) OnActivityCompleted(ctx context.Context, id, a string, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStarted(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceStarted(ctx, inst)
	}
}

func (c *CompositeObserver) OnProgress(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnProgress(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceTerminated(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceTerminated(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {
	for _, o := range c.observers {
		o.OnInstanceFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnActivityScheduled(ctx context.Context, inst *Instance, activity string, seq int64) {
	for _, o := range c.observers {
		o.OnActivityScheduled(ctx, inst, activity, seq)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, instanceID, activity, err, d)
	}
}

func (c *CompositeObserver) OnEngineFault(ctx context.Context, instanceID string, err error) {
	for _, o := range c.observers {
		o.OnEngineFault(ctx, instanceID, err)
	}
}

// LoggingObserver writes structured logs using zap.
type LoggingObserver struct {
	Logger *zap.Logger
}

// NewLoggingObserver creates an Observer that logs instance and activity
// lifecycle events using the provided logger. If logger is nil, a no-op
// logger is used.
func NewLoggingObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStarted(ctx context.Context, inst *Instance) {
	o.Logger.Info("instance started",
		zap.String("workflow", inst.Workflow),
		zap.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnProgress(ctx context.Context, inst *Instance) {
	o.Logger.Debug("instance progress",
		zap.String("instance_id", inst.ID),
		zap.String("message", inst.Progress.Message),
		zap.Float64("progress", inst.Progress.Fraction),
	)
}

func (o *LoggingObserver) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	o.Logger.Info("instance completed",
		zap.String("workflow", inst.Workflow),
		zap.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceTerminated(ctx context.Context, inst *Instance) {
	o.Logger.Info("instance terminated",
		zap.String("workflow", inst.Workflow),
		zap.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {
	o.Logger.Error("instance failed",
		zap.String("workflow", inst.Workflow),
		zap.String("instance_id", inst.ID),
		zap.Error(err),
	)
}

func (o *LoggingObserver) OnActivityScheduled(ctx context.Context, inst *Instance, activity string, seq int64) {
	o.Logger.Debug("activity scheduled",
		zap.String("instance_id", inst.ID),
		zap.String("activity", activity),
		zap.Int64("seq", seq),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, err error, d time.Duration) {
	if err != nil {
		o.Logger.Warn("activity failed",
			zap.String("instance_id", instanceID),
			zap.String("activity", activity),
			zap.Duration("duration", d),
			zap.Error(err),
		)
		return
	}
	o.Logger.Debug("activity completed",
		zap.String("instance_id", instanceID),
		zap.String("activity", activity),
		zap.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnEngineFault(ctx context.Context, instanceID string, err error) {
	o.Logger.Error("engine fault",
		zap.String("instance_id", instanceID),
		zap.Error(err),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted    atomic.Int64
	instancesCompleted  atomic.Int64
	instancesTerminated atomic.Int64
	instancesFailed     atomic.Int64
	activitiesScheduled atomic.Int64
	activitiesCompleted atomic.Int64
	activitiesFailed    atomic.Int64
	engineFaults        atomic.Int64
	totalActivityTime   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted    int64
	InstancesCompleted  int64
	InstancesTerminated int64
	InstancesFailed     int64
	PendingInstances    int64

	ActivitiesScheduled int64
	ActivitiesCompleted int64
	ActivitiesFailed    int64
	AvgActivityDuration time.Duration

	EngineFaults int64
}

func (m *BasicMetrics) OnInstanceStarted(ctx context.Context, inst *Instance) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	m.instancesCompleted.Add(1)
}

func (m *BasicMetrics) OnInstanceTerminated(ctx context.Context, inst *Instance) {
	m.instancesTerminated.Add(1)
}

func (m *BasicMetrics) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {
	m.instancesFailed.Add(1)
}

func (m *BasicMetrics) OnActivityScheduled(ctx context.Context, inst *Instance, activity string, seq int64) {
	m.activitiesScheduled.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, instanceID, activity string, err error, d time.Duration) {
	if err != nil {
		m.activitiesFailed.Add(1)
		return
	}
	// Only successful activities count towards the average duration.
	m.activitiesCompleted.Add(1)
	m.totalActivityTime.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnEngineFault(ctx context.Context, instanceID string, err error) {
	m.engineFaults.Add(1)
}

// Snapshot returns a consistent-enough view of the current counters.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	completed := m.instancesCompleted.Load()
	terminated := m.instancesTerminated.Load()
	failed := m.instancesFailed.Load()
	done := m.activitiesCompleted.Load()

	var avg time.Duration
	if done > 0 {
		avg = time.Duration(m.totalActivityTime.Load() / done)
	}

	pending := started - completed - terminated - failed
	if pending < 0 {
		pending = 0
	}

	return BasicMetricsSnapshot{
		InstancesStarted:    started,
		InstancesCompleted:  completed,
		InstancesTerminated: terminated,
		InstancesFailed:     failed,
		PendingInstances:    pending,
		ActivitiesScheduled: m.activitiesScheduled.Load(),
		ActivitiesCompleted: done,
		ActivitiesFailed:    m.activitiesFailed.Load(),
		AvgActivityDuration: avg,
		EngineFaults:        m.engineFaults.Load(),
	}
}
