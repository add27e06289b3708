package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hannabros/researchflow/internal/persistence"
	"github.com/hannabros/researchflow/internal/taskqueue"
	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

var submission = api.Submission{Query: "Assess Company-A 2023 emissions", ReportLength: api.ReportMedium}

func topic(name string, steps ...string) api.Topic {
	return api.Topic{Name: name, SearchType: api.SearchLocal, Steps: steps}
}

// fakeActivities answers activity calls without any external service.
type fakeActivities struct {
	mu    sync.Mutex
	plan  api.Plan
	fail  map[string]error
	calls map[string]int
}

func newFakeActivities(topics ...api.Topic) *fakeActivities {
	return &fakeActivities{
		plan:  api.Plan{Topics: topics},
		fail:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeActivities) failWith(activity string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[activity] = err
}

func (f *fakeActivities) count(activity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[activity]
}

func (f *fakeActivities) run(name string, input xjson.RawMessage) (any, error) {
	f.mu.Lock()
	f.calls[name]++
	err := f.fail[name]
	plan := f.plan
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	switch name {
	case api.ActivityExtract:
		var query string
		if err := xjson.Unmarshal(input, &query); err != nil {
			return nil, err
		}
		return "task: " + query, nil
	case api.ActivityPlan:
		return plan, nil
	case api.ActivitySearch:
		var in api.SearchInput
		if err := xjson.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		raw, _ := xjson.Marshal("results for " + in.Query)
		return api.SearchResult{Query: in.Query, Result: raw}, nil
	case api.ActivitySummarize:
		var in api.SummarizeInput
		if err := xjson.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		return fmt.Sprintf("summary of %s (%d results)", in.Topic.Name, len(in.StepResults)), nil
	case api.ActivityReport:
		var in api.ReportInput
		if err := xjson.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		return fmt.Sprintf("report on %s with %d topics", in.Query, len(in.ResearchResults)), nil
	}
	return nil, fmt.Errorf("no fake for activity %q", name)
}

// recorder captures observer callbacks.
type recorder struct {
	api.NoopObserver

	mu        sync.Mutex
	progress  map[string][]float64
	completed []string
	failed    []string
	faults    []error
	scheduled []string
}

func newRecorder() *recorder {
	return &recorder{progress: make(map[string][]float64)}
}

func (r *recorder) OnProgress(ctx context.Context, inst *api.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	trace := r.progress[inst.ID]
	if len(trace) == 0 || trace[len(trace)-1] != inst.Progress.Fraction {
		r.progress[inst.ID] = append(trace, inst.Progress.Fraction)
	}
}

func (r *recorder) OnInstanceCompleted(ctx context.Context, inst *api.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, inst.ID)
}

func (r *recorder) OnInstanceFailed(ctx context.Context, inst *api.Instance, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, inst.ID)
}

func (r *recorder) OnEngineFault(ctx context.Context, instanceID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, err)
}

func (r *recorder) OnActivityScheduled(ctx context.Context, inst *api.Instance, activity string, seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, activity)
}

func (r *recorder) trace(id string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.progress[id]...)
}

// harness plays the worker's role: it pulls tasks off the engine's queue
// one at a time and runs them against fake activities.
type harness struct {
	t     *testing.T
	ctx   context.Context
	store persistence.Store
	eng   Engine
	acts  *fakeActivities
	obs   *recorder
}

func newHarness(t *testing.T, acts *fakeActivities, opts ...Option) *harness {
	t.Helper()
	return newHarnessOn(t, persistence.NewInMemoryStore(), acts, opts...)
}

// newHarnessOn builds an engine with a fresh in-memory queue over store.
func newHarnessOn(t *testing.T, store persistence.Store, acts *fakeActivities, opts ...Option) *harness {
	t.Helper()

	obs := newRecorder()
	cfg := Config{
		Store:    store,
		Queue:    taskqueue.NewInMemoryQueue(),
		Observer: obs,
		Logger:   zaptest.NewLogger(t),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	eng, err := NewEngine(cfg)
	require.NoError(t, err)

	return &harness{t: t, ctx: context.Background(), store: store, eng: eng, acts: acts, obs: obs}
}

// next dequeues one task, waiting at most wait for it to become due.
func (h *harness) next(wait time.Duration) (*taskqueue.Task, bool) {
	ctx, cancel := context.WithTimeout(h.ctx, wait)
	defer cancel()
	task, err := h.eng.Queue().Dequeue(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, false
	}
	require.NoError(h.t, err)
	return task, true
}

func (h *harness) execute(task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskActivity:
		out, err := h.acts.run(task.Activity, task.Input)
		if err != nil {
			return h.eng.FailActivity(h.ctx, task.InstanceID, task.ScheduledSeq, err)
		}
		raw, err := xjson.Marshal(out)
		if err != nil {
			return err
		}
		return h.eng.CompleteActivity(h.ctx, task.InstanceID, task.ScheduledSeq, raw)
	case taskqueue.TaskTimer:
		return h.eng.FireTimer(h.ctx, task.InstanceID, task.ExpectedSeq, task.EventName)
	case taskqueue.TaskAdvance:
		return h.eng.RunInstance(h.ctx, task.InstanceID)
	}
	return fmt.Errorf("unknown task type %q", task.Type)
}

// drainWithin runs tasks until none becomes due within wait.
func (h *harness) drainWithin(wait time.Duration) {
	h.t.Helper()
	for {
		task, ok := h.next(wait)
		if !ok {
			return
		}
		require.NoError(h.t, h.execute(task))
	}
}

func (h *harness) drain() {
	h.t.Helper()
	h.drainWithin(20 * time.Millisecond)
}

func (h *harness) submit() *api.Instance {
	h.t.Helper()
	inst, err := h.eng.Submit(h.ctx, submission)
	require.NoError(h.t, err)
	return inst
}

func (h *harness) approve(id, action string) *api.Instance {
	h.t.Helper()
	inst, err := h.eng.RaiseEvent(h.ctx, id, api.ExternalEvent{
		Name:    api.EventApproval,
		Payload: mustJSON(h.t, api.ApprovalPayload{Action: action}),
	})
	require.NoError(h.t, err)
	return inst
}

func (h *harness) instance(id string) *api.Instance {
	h.t.Helper()
	inst, err := h.eng.GetInstance(h.ctx, id)
	require.NoError(h.t, err)
	return inst
}

func (h *harness) history(id string) []api.HistoryEvent {
	h.t.Helper()
	history, err := h.eng.History(h.ctx, id)
	require.NoError(h.t, err)
	return history
}

func mustJSON(t *testing.T, v any) xjson.RawMessage {
	t.Helper()
	raw, err := xjson.Marshal(v)
	require.NoError(t, err)
	return raw
}

func eventTypes(history []api.HistoryEvent) []api.EventType {
	out := make([]api.EventType, len(history))
	for i, ev := range history {
		out[i] = ev.Type
	}
	return out
}
