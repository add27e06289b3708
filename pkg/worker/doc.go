// Package worker provides the background worker that executes the tasks the
// engine dispatches.
//
// A worker dequeues tasks from a task queue and handles three kinds:
//
//   - activity tasks run the handler registered for the activity name and
//     report the outcome through Executor.CompleteActivity or FailActivity,
//     keyed by the sequence number of the scheduling event;
//   - timer tasks expire an approval wait through Executor.FireTimer;
//   - advance tasks re-evaluate an instance through Executor.RunInstance,
//     which is how sub-orchestrations get their first decision.
//
// Workers are decoupled from any storage backend: they depend only on the
// taskqueue.Queue and api.Executor interfaces, so the same worker runs
// against the in-memory, SQLite, PostgreSQL, Redis and MongoDB backends.
// Multiple workers can safely consume the same queue; the engine serializes
// decisions per instance and ignores duplicate outcomes.
//
// # Retries
//
// By default a failed activity fails its instance. Config.MaxAttempts opts
// into retries: the task is put back with a delay from an exponential
// schedule (cenkalti/backoff). Errors that will not change on a second try,
// such as an unknown activity or an invalid plan, are never retried.
//
// Reporting an outcome to the engine is retried separately, so a transient
// store error does not lose a finished activity.
//
// # Observability
//
// Every handler run is reported to the configured api.Observer through
// OnActivityCompleted, including its duration and error.
package worker
