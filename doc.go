// Package researchflow is a durable research workflow engine for Go.
//
// A research instance turns a user query into a report in five activity
// stages: the query is extracted into a task description, a person approves
// or cancels it, the task is planned into topics, every search step of every
// topic runs and each topic is summarized, and the summaries are written up
// as one report. Each instance is an event-sourced history; its current
// state is always recomputed by replaying that history.
//
// # Core Concepts
//
//  1. Engine
//  2. Worker
//  3. Activities
//  4. Gateway
//  5. LocalRunner and Bundle
//
// # Engine
//
// The Engine stores histories, replays them through the research program
// and applies the resulting decision: schedule activities, start topic
// sub-orchestrations, wait for an external event, or end the instance. It
// provides APIs to:
//   - submit research queries
//   - read the progress projection and full history of an instance
//   - deliver the approval event
//   - recover outstanding work after a restart
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Each backend includes a matching task queue implementation so workers can
// reliably fetch work.
//
// # Worker
//
// A Worker pulls tasks from the engine's queue: activity tasks run a
// registered handler, timer tasks expire an approval wait, and advance tasks
// start sub-orchestrations. Workers can be scaled horizontally; the engine
// serializes decisions per instance and ignores duplicate outcomes.
//
// # Activities
//
// The five research activities are plain functions over a chat model and a
// search service, injected as ChatClient and SearchClient. They never touch
// workflow state.
//
// # Topic policies
//
// PolicySequential researches one topic at a time, all steps of a topic in
// parallel. PolicyBatched starts one sub-orchestration per topic, a bounded
// number at a time.
//
// # LocalRunner and Bundle
//
// Bundle builds an engine, its observers and the approval gateway from a
// Config (viper: defaults, YAML file, RESEARCHFLOW_* environment). LocalRunner
// adds the activities and a worker pool on top of it:
//
//	runner, _ := researchflow.NewLocalRunner(chat, search)
//	_ = runner.StartWorkers(ctx, 4)
//	defer runner.Stop()
//
//	inst, _ := runner.Submit(ctx, researchflow.Submission{Query: q})
//	inst, _ = researchflow.WaitFor(ctx, runner.Engine, inst.ID, 0, func(i *researchflow.Instance) bool {
//		return i.Status == researchflow.StatusSuspended
//	})
//	_, _ = runner.Continue(ctx, inst.ID)
//
// The in-memory LocalRunner is not crash-durable; use a persistent backend
// and call Recover on startup when instances must survive restarts.
//
// The researchflow command in cmd/researchflow exposes the same operations
// for operators.
package researchflow
