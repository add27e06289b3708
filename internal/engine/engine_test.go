package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"

	"github.com/hannabros/researchflow/internal/orchestrator"
	"github.com/hannabros/researchflow/internal/persistence"
	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

func TestNewEngine_RequiresStoreAndQueue(t *testing.T) {
	_, err := NewEngine(Config{})
	require.Error(t, err)

	_, err = NewEngine(Config{Store: persistence.NewInMemoryStore()})
	require.Error(t, err)
}

func TestEngine_SubmitRejectsEmptyQuery(t *testing.T) {
	h := newHarness(t, newFakeActivities())

	_, err := h.eng.Submit(h.ctx, api.Submission{Query: "   "})
	assert.ErrorIs(t, err, api.ErrProtocolViolation)

	insts, err := h.eng.ListInstances(h.ctx, api.InstanceListOptions{})
	require.NoError(t, err)
	assert.Empty(t, insts)
}

func TestEngine_StartUnknownWorkflow(t *testing.T) {
	h := newHarness(t, newFakeActivities())

	_, err := h.eng.Start(h.ctx, "nope", nil)
	assert.ErrorIs(t, err, api.ErrUnknownWorkflow)
}

func TestEngine_GetUnknownInstance(t *testing.T) {
	h := newHarness(t, newFakeActivities())

	_, err := h.eng.GetInstance(h.ctx, "missing")
	assert.ErrorIs(t, err, api.ErrInstanceNotFound)

	_, err = h.eng.History(h.ctx, "missing")
	assert.ErrorIs(t, err, api.ErrInstanceNotFound)
}

func TestEngine_ResearchEndToEnd(t *testing.T) {
	h := newHarness(t, newFakeActivities(topic("emissions", "scope 1", "scope 2")))

	inst := h.submit()
	assert.Equal(t, api.StatusRunning, inst.Status)
	assert.Equal(t, orchestrator.StageExtraction, inst.Stage)

	h.drain()
	inst = h.instance(inst.ID)
	require.Equal(t, api.StatusSuspended, inst.Status)
	assert.Equal(t, api.EventApproval, inst.WaitingOn)
	assert.Equal(t, 0.1, inst.Progress.Fraction)

	var snapshot string
	require.NoError(t, xjson.Unmarshal(inst.Progress.Snapshot, &snapshot))
	assert.Equal(t, "task: Assess Company-A 2023 emissions", snapshot)

	inst = h.approve(inst.ID, api.ActionContinue)
	assert.Equal(t, api.StatusRunning, inst.Status)
	assert.Empty(t, inst.WaitingOn)

	h.drain()
	inst = h.instance(inst.ID)
	require.Equal(t, api.StatusCompleted, inst.Status)
	assert.Equal(t, orchestrator.StageDone, inst.Stage)
	assert.Equal(t, 1.0, inst.Progress.Fraction)

	var res api.ResearchResult
	require.NoError(t, xjson.Unmarshal(inst.Result, &res))
	assert.Equal(t, "report on Assess Company-A 2023 emissions with 1 topics", res.FinalReport)
	assert.Equal(t, 6000, res.ReportInput.TargetLength)
	require.Len(t, res.SearchResults, 1)
	require.Len(t, res.SearchResults[0], 2)
	assert.Equal(t, "scope 1", res.SearchResults[0][0].Query)
	assert.Equal(t, "scope 2", res.SearchResults[0][1].Query)

	assert.Equal(t, []float64{0.0, 0.1, 0.25, 0.5, 0.75, 1.0}, h.obs.trace(inst.ID))
	assert.Equal(t, []string{inst.ID}, h.obs.completed)

	history := h.history(inst.ID)
	assert.Equal(t, []api.EventType{
		api.EventStarted,
		api.EventActivityScheduled, api.EventActivityCompleted,
		api.EventReceived,
		api.EventActivityScheduled, api.EventActivityCompleted,
		api.EventActivityScheduled, api.EventActivityScheduled,
		api.EventActivityCompleted, api.EventActivityCompleted,
		api.EventActivityScheduled, api.EventActivityCompleted,
		api.EventActivityScheduled, api.EventActivityCompleted,
		api.EventCompleted,
	}, eventTypes(history))
	assert.Equal(t, inst.LastSeq, history[len(history)-1].Seq)

	require.NoError(t, h.eng.Verify(h.ctx, inst.ID))
}

func TestEngine_CancelAtApproval(t *testing.T) {
	acts := newFakeActivities(topic("emissions", "scope 1"))
	h := newHarness(t, acts)

	inst := h.submit()
	h.drain()

	inst = h.approve(inst.ID, api.ActionCancel)
	assert.Equal(t, api.StatusTerminated, inst.Status)
	assert.Equal(t, "terminated by user", inst.Progress.Message)
	assert.Equal(t, 0.0, inst.Progress.Fraction)

	var res api.TerminatedResult
	require.NoError(t, xjson.Unmarshal(inst.Result, &res))
	assert.Equal(t, orchestrator.StatusTerminatedByUser, res.Status)

	h.drain()
	assert.Zero(t, acts.count(api.ActivityPlan))
	assert.Equal(t, api.EventTerminated, h.history(inst.ID)[4].Type)
}

func TestEngine_EventWithoutWaiter(t *testing.T) {
	h := newHarness(t, newFakeActivities())
	inst := h.submit()

	// Extract has not completed yet, so nothing waits on the approval.
	_, err := h.eng.RaiseEvent(h.ctx, inst.ID, api.ExternalEvent{
		Name:    api.EventApproval,
		Payload: mustJSON(t, api.ApprovalPayload{Action: api.ActionContinue}),
	})
	assert.ErrorIs(t, err, api.ErrNoWaiter)
	assert.Len(t, h.history(inst.ID), 2)

	h.drain()
	_, err = h.eng.RaiseEvent(h.ctx, inst.ID, api.ExternalEvent{Name: "Other"})
	assert.ErrorIs(t, err, api.ErrNoWaiter)
	assert.Len(t, h.history(inst.ID), 3)

	_, err = h.eng.RaiseEvent(h.ctx, inst.ID, api.ExternalEvent{})
	assert.ErrorIs(t, err, api.ErrProtocolViolation)

	_, err = h.eng.RaiseEvent(h.ctx, "missing", api.ExternalEvent{Name: api.EventApproval})
	assert.ErrorIs(t, err, api.ErrInstanceNotFound)
}

func TestEngine_EventAfterCompletion(t *testing.T) {
	h := newHarness(t, newFakeActivities())
	inst := h.submit()
	h.drain()
	h.approve(inst.ID, api.ActionCancel)

	_, err := h.eng.RaiseEvent(h.ctx, inst.ID, api.ExternalEvent{Name: api.EventApproval})
	assert.ErrorIs(t, err, api.ErrNoWaiter)
}

func TestEngine_DuplicateCompletionIgnored(t *testing.T) {
	h := newHarness(t, newFakeActivities())
	inst := h.submit()

	task, ok := h.next(time.Second)
	require.True(t, ok)
	require.NoError(t, h.execute(task))
	require.Len(t, h.history(inst.ID), 3)

	// The same outcome reported again, as after a worker retry.
	require.NoError(t, h.eng.CompleteActivity(h.ctx, inst.ID, task.ScheduledSeq, mustJSON(t, "other")))
	require.NoError(t, h.eng.FailActivity(h.ctx, inst.ID, task.ScheduledSeq, errors.New("late")))
	history := h.history(inst.ID)
	require.Len(t, history, 3)
	assert.JSONEq(t, `"task: Assess Company-A 2023 emissions"`, string(history[2].Payload))
	assert.Equal(t, api.ActivityExtract, history[2].Name)
}

func TestEngine_OutcomeForUnknownCall(t *testing.T) {
	h := newHarness(t, newFakeActivities())
	inst := h.submit()

	err := h.eng.CompleteActivity(h.ctx, inst.ID, 42, nil)
	assert.ErrorIs(t, err, api.ErrProtocolViolation)

	// Seq 1 is the Started event, not a scheduled call.
	err = h.eng.CompleteActivity(h.ctx, inst.ID, 1, nil)
	assert.ErrorIs(t, err, api.ErrProtocolViolation)

	assert.Len(t, h.history(inst.ID), 2)
}

func TestEngine_ActivityFailureFailsInstance(t *testing.T) {
	acts := newFakeActivities(topic("emissions", "scope 1", "scope 2"))
	acts.failWith(api.ActivitySearch, errors.New("search backend down"))
	h := newHarness(t, acts)

	inst := h.submit()
	h.drain()
	h.approve(inst.ID, api.ActionContinue)
	h.drain()

	inst = h.instance(inst.ID)
	require.Equal(t, api.StatusFailed, inst.Status)
	assert.Contains(t, inst.Error, "activity failed")
	assert.Contains(t, inst.Error, "search backend down")
	assert.Equal(t, []string{inst.ID}, h.obs.failed)
	assert.Zero(t, acts.count(api.ActivitySummarize))

	history := h.history(inst.ID)
	last := history[len(history)-1]
	assert.Equal(t, api.EventFailed, last.Type)
	assert.Equal(t, inst.Error, last.Error)
}

func TestEngine_ApprovalTimeout(t *testing.T) {
	cases := map[string]struct {
		action orchestrator.TimeoutAction
		status api.Status
	}{
		"fail":      {action: orchestrator.TimeoutFail, status: api.StatusFailed},
		"terminate": {action: orchestrator.TimeoutTerminate, status: api.StatusTerminated},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, newFakeActivities(), WithResearchOptions(orchestrator.ResearchOptions{
				ApprovalTimeout: 50 * time.Millisecond,
				TimeoutAction:   tc.action,
			}))

			inst := h.submit()
			h.drainWithin(500 * time.Millisecond)

			inst = h.instance(inst.ID)
			assert.Equal(t, tc.status, inst.Status)

			history := h.history(inst.ID)
			assert.Equal(t, api.EventWaitTimedOut, history[3].Type)
			assert.Equal(t, api.EventApproval, history[3].Name)
			require.NoError(t, h.eng.Verify(h.ctx, inst.ID))
		})
	}
}

func TestEngine_StaleTimerIgnored(t *testing.T) {
	h := newHarness(t, newFakeActivities(), WithResearchOptions(orchestrator.ResearchOptions{
		ApprovalTimeout: 30 * time.Millisecond,
	}))

	inst := h.submit()
	h.drain()
	h.approve(inst.ID, api.ActionContinue)
	h.drainWithin(200 * time.Millisecond)

	inst = h.instance(inst.ID)
	assert.Equal(t, api.StatusCompleted, inst.Status)
	for _, ev := range h.history(inst.ID) {
		assert.NotEqual(t, api.EventWaitTimedOut, ev.Type)
	}
}

func TestEngine_BatchedTopics(t *testing.T) {
	acts := newFakeActivities(
		topic("alpha", "a1", "a2"),
		topic("beta", "b1"),
		topic("gamma", "g1", "g2", "g3"),
	)
	h := newHarness(t, acts, WithResearchOptions(orchestrator.ResearchOptions{
		Policy:    orchestrator.PolicyBatched,
		BatchSize: 2,
	}))

	inst := h.submit()
	h.drain()
	h.approve(inst.ID, api.ActionContinue)
	h.drain()

	inst = h.instance(inst.ID)
	require.Equal(t, api.StatusCompleted, inst.Status)

	var res api.ResearchResult
	require.NoError(t, xjson.Unmarshal(inst.Result, &res))
	require.Len(t, res.ReportInput.ResearchResults, 3)
	assert.Equal(t, "alpha", res.ReportInput.ResearchResults[0].Topic)
	assert.Equal(t, "beta", res.ReportInput.ResearchResults[1].Topic)
	assert.Equal(t, "gamma", res.ReportInput.ResearchResults[2].Topic)
	assert.Equal(t, "summary of gamma (3 results)", res.ReportInput.ResearchResults[2].Summary)
	assert.Len(t, res.SearchResults[2], 3)

	children, err := h.eng.ListInstances(h.ctx, api.InstanceListOptions{Workflow: api.WorkflowResearchTopic})
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, c := range children {
		assert.Equal(t, api.StatusCompleted, c.Status)
		assert.Equal(t, inst.ID, c.ParentID)
		require.NoError(t, h.eng.Verify(h.ctx, c.ID))
	}
	require.NoError(t, h.eng.Verify(h.ctx, inst.ID))

	// The second batch is scheduled only after the first joined.
	var scheduled []int64
	for _, ev := range h.history(inst.ID) {
		if ev.Type == api.EventSubOrchestrationScheduled {
			scheduled = append(scheduled, ev.Seq)
		}
	}
	require.Len(t, scheduled, 3)
	assert.Equal(t, scheduled[0]+1, scheduled[1])
	assert.Greater(t, scheduled[2], scheduled[1]+2)
}

func TestEngine_BatchedChildFailureFailsParent(t *testing.T) {
	acts := newFakeActivities(topic("alpha", "a1"))
	acts.failWith(api.ActivitySummarize, errors.New("model overloaded"))
	h := newHarness(t, acts, WithResearchOptions(orchestrator.ResearchOptions{Policy: orchestrator.PolicyBatched}))

	inst := h.submit()
	h.drain()
	h.approve(inst.ID, api.ActionContinue)
	h.drain()

	inst = h.instance(inst.ID)
	require.Equal(t, api.StatusFailed, inst.Status)
	assert.Contains(t, inst.Error, "model overloaded")

	children, err := h.eng.ListInstances(h.ctx, api.InstanceListOptions{Workflow: api.WorkflowResearchTopic})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, api.StatusFailed, children[0].Status)
}

func TestEngine_ConcurrentWorkers(t *testing.T) {
	acts := newFakeActivities(
		topic("alpha", "a1", "a2", "a3"),
		topic("beta", "b1", "b2"),
		topic("gamma", "g1", "g2", "g3", "g4"),
	)
	h := newHarness(t, acts, WithResearchOptions(orchestrator.ResearchOptions{
		Policy:    orchestrator.PolicyBatched,
		BatchSize: 3,
	}))

	ids := make([]string, 4)
	for i := range ids {
		ids[i] = h.submit().ID
	}

	run := func() {
		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					task, ok := h.next(50 * time.Millisecond)
					if !ok {
						return
					}
					assert.NoError(t, h.execute(task))
				}
			}()
		}
		wg.Wait()
	}

	run()
	for _, id := range ids {
		h.approve(id, api.ActionContinue)
	}
	run()

	for _, id := range ids {
		inst := h.instance(id)
		assert.Equal(t, api.StatusCompleted, inst.Status, id)
		assert.NoError(t, h.eng.Verify(h.ctx, id))
	}
}

func TestEngine_ReplayDivergenceIsEngineFault(t *testing.T) {
	h := newHarness(t, newFakeActivities())

	var evaluations int
	require.NoError(t, h.eng.RegisterWorkflow("drifting", func(c *orchestrator.Context) (any, error) {
		evaluations++
		var task string
		if err := c.CallActivity(api.ActivityExtract, evaluations).Get(&task); err != nil {
			return nil, err
		}
		return task, nil
	}))

	inst, err := h.eng.Start(h.ctx, "drifting", nil)
	require.NoError(t, err)

	task, ok := h.next(time.Second)
	require.True(t, ok)
	err = h.eng.CompleteActivity(h.ctx, inst.ID, task.ScheduledSeq, mustJSON(t, "done"))
	require.ErrorIs(t, err, api.ErrEngineFault)

	inst = h.instance(inst.ID)
	assert.Equal(t, api.StatusFailed, inst.Status)
	assert.Contains(t, inst.Error, "replay divergence")
	require.Len(t, h.obs.faults, 1)

	// Nothing is recorded for the fault itself.
	history := h.history(inst.ID)
	assert.Equal(t, api.EventActivityCompleted, history[len(history)-1].Type)
	assert.ErrorIs(t, h.eng.Verify(h.ctx, inst.ID), api.ErrEngineFault)
}

func TestEngine_RegisterDuplicateWorkflow(t *testing.T) {
	h := newHarness(t, newFakeActivities())

	err := h.eng.RegisterWorkflow(api.WorkflowResearch, orchestrator.NewTopicWorkflow())
	assert.Error(t, err)
}

func TestEngine_ListInstancesFilters(t *testing.T) {
	h := newHarness(t, newFakeActivities())

	a := h.submit()
	b := h.submit()
	h.drain()
	h.approve(b.ID, api.ActionCancel)

	suspended, err := h.eng.ListInstances(h.ctx, api.InstanceListOptions{Status: api.StatusSuspended})
	require.NoError(t, err)
	require.Len(t, suspended, 1)
	assert.Equal(t, a.ID, suspended[0].ID)

	all, err := h.eng.ListInstances(h.ctx, api.InstanceListOptions{Workflow: api.WorkflowResearch})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLiteEngine_EndToEnd(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	eng, err := NewSQLiteEngine(db, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	h := &harness{
		t:    t,
		ctx:  context.Background(),
		eng:  eng,
		acts: newFakeActivities(topic("emissions", "scope 1")),
		obs:  newRecorder(),
	}

	inst := h.submit()
	h.drainWithin(300 * time.Millisecond)
	require.Equal(t, api.StatusSuspended, h.instance(inst.ID).Status)

	h.approve(inst.ID, api.ActionContinue)
	h.drainWithin(300 * time.Millisecond)

	inst = h.instance(inst.ID)
	require.Equal(t, api.StatusCompleted, inst.Status)
	require.NoError(t, eng.Verify(h.ctx, inst.ID))
	assert.Zero(t, eng.Queue().Len())
}
