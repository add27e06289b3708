package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/hannabros/researchflow/internal/activities"
	"github.com/hannabros/researchflow/internal/taskqueue"
	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

// Config controls retries and reporting of a Worker.
type Config struct {
	// MaxAttempts bounds how often one activity task runs. Values below 2
	// disable retries, which is the default: a failed activity fails its
	// instance.
	MaxAttempts int

	// Backoff is the delay before the first retry. Later retries double it
	// up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// ReportAttempts bounds how often an outcome is offered to the engine
	// when the store reports transient errors. Defaults to 5.
	ReportAttempts int

	// ReportBackoff is the initial delay between report attempts.
	// Defaults to 50ms.
	ReportBackoff time.Duration

	// DequeueBackoff is the initial pause after a failed dequeue. It grows
	// on consecutive failures up to 5s. Defaults to 100ms.
	DequeueBackoff time.Duration

	Logger   *zap.Logger
	Observer api.Observer
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = 30 * c.Backoff
	}
	if c.ReportAttempts < 1 {
		c.ReportAttempts = 5
	}
	if c.ReportBackoff <= 0 {
		c.ReportBackoff = 50 * time.Millisecond
	}
	if c.DequeueBackoff <= 0 {
		c.DequeueBackoff = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	return c
}

// Worker pulls tasks from a Queue and executes them against an Executor:
// activity tasks through the registered handlers, timer tasks through
// FireTimer and advance tasks through RunInstance.
type Worker struct {
	exec     api.Executor
	queue    taskqueue.Queue
	registry *activities.Registry
	cfg      Config
	logger   *zap.Logger
}

// New creates a Worker with the default config.
func New(exec api.Executor, queue taskqueue.Queue, registry *activities.Registry) *Worker {
	return NewWithConfig(exec, queue, registry, Config{})
}

// NewWithConfig creates a Worker with cfg. Zero fields take their defaults.
func NewWithConfig(exec api.Executor, queue taskqueue.Queue, registry *activities.Registry, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		exec:     exec,
		queue:    queue,
		registry: registry,
		cfg:      cfg,
		logger:   cfg.Logger.Named("worker"),
	}
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error.
//   - processed == true: a task was processed; err reports whether its
//     outcome reached the engine.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskActivity:
		return true, w.runActivity(ctx, task)
	case taskqueue.TaskTimer:
		return true, w.report(ctx, task, func() error {
			return w.exec.FireTimer(ctx, task.InstanceID, task.ExpectedSeq, task.EventName)
		})
	case taskqueue.TaskAdvance:
		return true, w.report(ctx, task, func() error {
			return w.exec.RunInstance(ctx, task.InstanceID)
		})
	default:
		return true, fmt.Errorf("unknown task type: %s", task.Type)
	}
}

// Run processes tasks until ctx is done. Task errors are logged and do not
// stop the loop. A failing queue is polled with exponential backoff.
func (w *Worker) Run(ctx context.Context) error {
	pause := w.dequeueBackoff()
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil || processed {
			pause.Reset()
			if err != nil {
				w.logger.Warn("task failed", zap.Error(err))
			}
			continue
		}

		wait := pause.NextBackOff()
		w.logger.Warn("dequeue failed", zap.Error(err), zap.Duration("retry_in", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (w *Worker) dequeueBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.DequeueBackoff
	b.MaxInterval = max(5*time.Second, w.cfg.DequeueBackoff)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (w *Worker) runActivity(ctx context.Context, task *taskqueue.Task) error {
	start := time.Now()
	out, err := w.invoke(ctx, task)
	w.cfg.Observer.OnActivityCompleted(ctx, task.InstanceID, task.Activity, err, time.Since(start))

	if err == nil {
		return w.report(ctx, task, func() error {
			return w.exec.CompleteActivity(ctx, task.InstanceID, task.ScheduledSeq, out)
		})
	}

	if w.retryable(task, err) {
		return w.retry(ctx, task, err)
	}
	return w.report(ctx, task, func() error {
		return w.exec.FailActivity(ctx, task.InstanceID, task.ScheduledSeq, err)
	})
}

// invoke runs the handler for task. A panicking handler counts as a failed
// invocation.
func (w *Worker) invoke(ctx context.Context, task *taskqueue.Task) (out xjson.RawMessage, err error) {
	h, err := w.registry.Get(task.Activity)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity %s panicked: %v", task.Activity, r)
		}
	}()
	return h(ctx, task.Input)
}

func (w *Worker) retryable(task *taskqueue.Task, err error) bool {
	if task.Attempts+1 >= w.cfg.MaxAttempts {
		return false
	}
	switch {
	case errors.Is(err, activities.ErrUnknownActivity),
		errors.Is(err, activities.ErrInvalidPlan),
		errors.Is(err, api.ErrProtocolViolation):
		return false
	}
	return true
}

// retry puts the task back with its attempt count bumped and a delay
// taken from the exponential schedule.
func (w *Worker) retry(ctx context.Context, task *taskqueue.Task, cause error) error {
	next := *task
	next.Attempts++
	next.EnqueuedAt = time.Time{}
	next.NotBefore = time.Now().Add(w.retryDelay(next.Attempts))

	w.logger.Info("retrying activity",
		zap.String("instance_id", task.InstanceID),
		zap.String("activity", task.Activity),
		zap.Int("attempt", next.Attempts+1),
		zap.Time("not_before", next.NotBefore),
		zap.Error(cause),
	)
	return w.queue.Enqueue(ctx, next)
}

func (w *Worker) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.Backoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// report hands an outcome to the engine, retrying transient failures. Errors
// the engine will keep returning are not retried.
func (w *Worker) report(ctx context.Context, task *taskqueue.Task, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.ReportBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err == nil || permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		w.logger.Warn("reporting outcome failed, retrying",
			zap.String("task_id", task.ID),
			zap.String("instance_id", task.InstanceID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", d),
			zap.Error(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.ReportAttempts-1)), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	if err != nil {
		return fmt.Errorf("task %s: %w", task.ID, err)
	}
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, api.ErrEngineFault) ||
		errors.Is(err, api.ErrProtocolViolation) ||
		errors.Is(err, api.ErrInstanceNotFound) ||
		errors.Is(err, api.ErrUnknownWorkflow) ||
		errors.Is(err, context.Canceled)
}
