package researchflow

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/hannabros/researchflow/internal/activities"
	"github.com/hannabros/researchflow/internal/gateway"
	"github.com/hannabros/researchflow/internal/streaming"
	"github.com/hannabros/researchflow/pkg/worker"
)

// LocalRunner bundles an Engine, the research activities and a pool of
// workers to run research instances inside one process.
//
// Typical usage:
//
//	runner, err := researchflow.NewLocalRunner(chat, search)
//	_ = runner.StartWorkers(ctx, 4)
//	defer runner.Stop()
//
//	inst, _ := runner.Submit(ctx, researchflow.Submission{Query: "..."})
//	// ... once the instance is SUSPENDED on the approval gate:
//	_, _ = runner.Continue(ctx, inst.ID)
type LocalRunner struct {
	// Engine drives the research instances.
	Engine Engine

	// Gateway validates approvals before they reach Engine.
	Gateway *gateway.Gateway

	// Hub streams progress of the instances this runner drives.
	Hub *streaming.Hub

	// Registry holds the activity handlers the workers run.
	Registry *activities.Registry

	workerCfg worker.Config
	logger    *zap.Logger
	bundle    *Bundle

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine and
// queue with the default configuration.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner(chat ChatClient, search SearchClient) (*LocalRunner, error) {
	b, err := Open(context.Background(), DefaultConfig(), nil)
	if err != nil {
		return nil, err
	}
	return b.Runner(chat, search)
}

// Runner registers the research activities on top of chat and search and
// returns a runner whose workers use the bundle's engine and worker config.
func (b *Bundle) Runner(chat ChatClient, search SearchClient) (*LocalRunner, error) {
	reg := activities.NewRegistry()
	if err := activities.NewResearch(chat, search, b.logger).Register(reg); err != nil {
		return nil, err
	}

	wc := b.Config.Worker.WorkerOptions()
	wc.Logger = b.logger
	wc.Observer = b.observer

	return &LocalRunner{
		Engine:    b.Engine,
		Gateway:   b.Gateway,
		Hub:       b.Hub,
		Registry:  reg,
		workerCfg: wc,
		logger:    b.logger.Named("runner"),
		bundle:    b,
	}, nil
}

// StartWorkers starts 'concurrency' worker goroutines that process tasks
// until Stop is called or ctx is done.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("researchflow: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		w := worker.NewWithConfig(r.Engine, r.Engine.Queue(), r.Registry, r.workerCfg)
		go func(id int) {
			defer r.wg.Done()
			err := w.Run(ctx)
			r.logger.Debug("worker stopped", zap.Int("worker", id), zap.Error(err))
		}(i)
	}
	r.logger.Info("workers started", zap.Int("concurrency", concurrency))

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Close stops the workers and releases the bundle's connections.
func (r *LocalRunner) Close() error {
	r.Stop()
	return r.bundle.Close()
}

// Submit starts a research instance.
func (r *LocalRunner) Submit(ctx context.Context, sub Submission) (*Instance, error) {
	return r.Engine.Submit(ctx, sub)
}

// Continue approves the extracted task of a waiting instance.
func (r *LocalRunner) Continue(ctx context.Context, id string) (*Instance, error) {
	return r.Gateway.Continue(ctx, id)
}

// Cancel terminates a waiting instance at the approval gate.
func (r *LocalRunner) Cancel(ctx context.Context, id string) (*Instance, error) {
	return r.Gateway.Cancel(ctx, id)
}

// Watch calls fn for every progress update of id until the instance ends or
// ctx is done.
func (r *LocalRunner) Watch(ctx context.Context, id string, fn func(streaming.Update) error) error {
	return r.Hub.Watch(ctx, id, fn)
}
