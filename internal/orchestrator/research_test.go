package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

var submission = api.Submission{Query: "Assess Company-A 2023 emissions", ReportLength: api.ReportMedium}

func sequential() Program {
	return NewResearchWorkflow(DefaultResearchOptions())
}

func finalResult(t *testing.T, d api.Decision) api.ResearchResult {
	t.Helper()
	require.Equal(t, api.DecisionComplete, d.Kind)
	var res api.ResearchResult
	require.NoError(t, xjson.Unmarshal(d.Result, &res))
	return res
}

func TestResearch_EndToEnd(t *testing.T) {
	s := newSim(t, sequential(), submission)
	decisions := s.run(fakeActivities{plan: onePlan("scope 1", "scope 2")}, api.ActionContinue)

	res := finalResult(t, decisions[len(decisions)-1])
	require.Len(t, res.SearchTasks, 1)
	require.Len(t, res.SearchResults, 1)
	require.Len(t, res.SearchResults[0], 2)
	assert.Equal(t, "scope 1", res.SearchResults[0][0].Query)
	assert.Equal(t, "scope 2", res.SearchResults[0][1].Query)
	assert.Equal(t, 6000, res.ReportInput.TargetLength)
	assert.Equal(t, "report on Assess Company-A 2023 emissions with 1 topics", res.FinalReport)
	require.Len(t, res.ReportInput.ResearchResults, 1)
	assert.Equal(t, "summary of emissions (2 results)", res.ReportInput.ResearchResults[0].Summary)

	var trace []float64
	for _, d := range decisions {
		if len(trace) == 0 || trace[len(trace)-1] != d.Progress.Fraction {
			trace = append(trace, d.Progress.Fraction)
		}
	}
	assert.Equal(t, []float64{0.0, 0.1, 0.25, 0.5, 0.75, 1.0}, trace)
}

func TestResearch_ApprovalSnapshotCarriesTaskDescription(t *testing.T) {
	s := newSim(t, sequential(), submission)
	d := s.advance()
	require.Equal(t, api.DecisionScheduleActivities, d.Kind)
	require.Equal(t, api.ActivityExtract, d.Calls[0].Name)
	s.complete(2, "task: assess emissions")

	d = s.advance()
	require.Equal(t, api.DecisionWaitForEvent, d.Kind)
	assert.Equal(t, api.EventApproval, d.EventName)
	assert.Equal(t, StageApproval, d.Stage)
	assert.Equal(t, 0.1, d.Progress.Fraction)

	var snapshot string
	require.NoError(t, xjson.Unmarshal(d.Progress.Snapshot, &snapshot))
	assert.Equal(t, "task: assess emissions", snapshot)
}

func TestResearch_SnapshotFollowsLastCompletedStage(t *testing.T) {
	s := newSim(t, sequential(), submission)
	decisions := s.run(fakeActivities{plan: planOf(2)}, api.ActionContinue)

	snapshots := make(map[string]xjson.RawMessage)
	for _, d := range decisions {
		snapshots[d.Progress.Message] = d.Progress.Snapshot
	}

	var task string
	require.NoError(t, xjson.Unmarshal(snapshots["'planning' in progress"], &task))
	assert.Equal(t, "task: Assess Company-A 2023 emissions", task)

	var plan api.Plan
	require.NoError(t, xjson.Unmarshal(snapshots["'research & summary (topic-0)' in progress"], &plan))
	assert.Equal(t, planOf(2), plan)

	var partial []api.TopicSummary
	require.NoError(t, xjson.Unmarshal(snapshots["'research & summary (topic-1)' in progress"], &partial))
	require.Len(t, partial, 1)
	assert.Equal(t, "summary of topic-0 (1 results)", partial[0].Summary)

	var all []api.TopicSummary
	require.NoError(t, xjson.Unmarshal(snapshots["'report generation' in progress"], &all))
	require.Len(t, all, 2)
	assert.Equal(t, "topic-1", all[1].Topic)

	var report string
	require.NoError(t, xjson.Unmarshal(snapshots["'report generation' completed"], &report))
	assert.Equal(t, "report on Assess Company-A 2023 emissions with 2 topics", report)
}

func TestResearch_BatchedSnapshotCarriesFinishedBatches(t *testing.T) {
	opts := DefaultResearchOptions()
	opts.Policy = PolicyBatched
	opts.BatchSize = 2
	s := newSim(t, NewResearchWorkflow(opts), submission)
	decisions := s.run(fakeActivities{plan: planOf(3)}, api.ActionContinue)

	snapshots := make(map[string]xjson.RawMessage)
	for _, d := range decisions {
		snapshots[d.Progress.Message] = d.Progress.Snapshot
	}

	var plan api.Plan
	require.NoError(t, xjson.Unmarshal(snapshots["'research & summary' in progress (0/3 topics)"], &plan))
	assert.Len(t, plan.Topics, 3)

	var done []api.TopicSummary
	require.NoError(t, xjson.Unmarshal(snapshots["'research & summary' in progress (2/3 topics)"], &done))
	require.Len(t, done, 2)
	assert.Equal(t, "topic-0", done[0].Topic)
	assert.Equal(t, "topic-1", done[1].Topic)
}

func TestTopicWorkflow_SnapshotCarriesSummary(t *testing.T) {
	s := newSim(t, NewTopicWorkflow(), planOf(1).Topics[0])
	decisions := s.run(fakeActivities{}, api.ActionContinue)

	last := decisions[len(decisions)-1]
	require.Equal(t, api.DecisionComplete, last.Kind)
	var summary api.TopicSummary
	require.NoError(t, xjson.Unmarshal(last.Progress.Snapshot, &summary))
	assert.Equal(t, "summary of topic-0 (1 results)", summary.Summary)
}

func TestResearch_ApprovalGate(t *testing.T) {
	cases := map[string]struct {
		payload  any
		proceeds bool
	}{
		"continue":         {payload: api.ApprovalPayload{Action: "continue"}, proceeds: true},
		"cancel":           {payload: api.ApprovalPayload{Action: "cancel"}},
		"unrecognized":     {payload: api.ApprovalPayload{Action: "approve"}},
		"wrong case":       {payload: api.ApprovalPayload{Action: "Continue"}},
		"padded":           {payload: api.ApprovalPayload{Action: " continue"}},
		"empty action":     {payload: api.ApprovalPayload{}},
		"malformed object": {payload: "continue"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := newSim(t, sequential(), submission)
			s.advance()
			s.complete(2, "task")
			require.Equal(t, api.DecisionWaitForEvent, s.advance().Kind)
			s.raise(api.EventApproval, tc.payload)

			d := s.advance()
			if tc.proceeds {
				require.Equal(t, api.DecisionScheduleActivities, d.Kind)
				require.Len(t, d.Calls, 1)
				assert.Equal(t, api.ActivityPlan, d.Calls[0].Name)
				return
			}

			require.Equal(t, api.DecisionTerminate, d.Kind)
			assert.Empty(t, d.Calls)
			assert.Equal(t, 0.0, d.Progress.Fraction)
			var res api.TerminatedResult
			require.NoError(t, xjson.Unmarshal(d.Result, &res))
			assert.Equal(t, StatusTerminatedByUser, res.Status)

			for _, ev := range s.history[3:] {
				assert.NotEqual(t, api.EventActivityScheduled, ev.Type, "activity scheduled after cancel")
			}
		})
	}
}

func TestResearch_JoinKeepsScheduleOrder(t *testing.T) {
	s := newSim(t, sequential(), submission)
	s.advance()
	s.complete(2, "task")
	s.advance()
	s.raise(api.EventApproval, api.ApprovalPayload{Action: api.ActionContinue})
	s.advance()
	s.complete(5, onePlan("a", "b", "c"))

	d := s.advance()
	require.Equal(t, api.DecisionScheduleActivities, d.Kind)
	require.Len(t, d.Calls, 3)

	// Complete c, then b, then a.
	for _, seq := range []int64{9, 8, 7} {
		ev := s.scheduledEvent(seq)
		var in api.SearchInput
		require.NoError(t, xjson.Unmarshal(ev.Payload, &in))
		s.complete(seq, api.SearchResult{Query: in.Query, Result: mustJSON(t, in.Query)})
	}

	d = s.advance()
	require.Equal(t, api.DecisionScheduleActivities, d.Kind)
	require.Equal(t, api.ActivitySummarize, d.Calls[0].Name)

	var in api.SummarizeInput
	require.NoError(t, xjson.Unmarshal(d.Calls[0].Input, &in))
	var queries []string
	for _, r := range in.StepResults {
		queries = append(queries, r.Query)
	}
	assert.Equal(t, []string{"a", "b", "c"}, queries)
}

func TestResearch_ReplayMidFanOutOnlyAwaitsRemainder(t *testing.T) {
	s := newSim(t, sequential(), submission)
	s.advance()
	s.complete(2, "task")
	s.advance()
	s.raise(api.EventApproval, api.ApprovalPayload{Action: api.ActionContinue})
	s.advance()
	s.complete(5, onePlan("a", "b", "c"))
	s.advance()
	s.complete(7, api.SearchResult{Query: "a"})
	s.complete(8, api.SearchResult{Query: "b"})

	// A fresh evaluation over the captured history must not schedule the
	// completed searches again.
	d, err := Advance(sequential(), s.history)
	require.NoError(t, err)
	assert.Equal(t, api.DecisionAwait, d.Kind)
	assert.Empty(t, d.Calls)

	out := s.outstanding()
	require.Len(t, out, 1)
	assert.Equal(t, int64(9), out[0].Seq)
}

func TestResearch_ActivityFailureFailsInstance(t *testing.T) {
	s := newSim(t, sequential(), submission)
	decisions := s.run(fakeActivities{plan: onePlan("a", "b"), failOn: api.ActivitySummarize}, api.ActionContinue)

	last := decisions[len(decisions)-1]
	require.Equal(t, api.DecisionFail, last.Kind)
	assert.True(t, errors.Is(last.Err, api.ErrActivityFailure))
	assert.Contains(t, last.Err.Error(), "summarize unavailable")

	for _, ev := range s.history {
		if ev.Type == api.EventActivityScheduled {
			assert.NotEqual(t, api.ActivityReport, ev.Name, "report scheduled after failure")
		}
	}
}

func TestResearch_EmptyPlanStillReports(t *testing.T) {
	s := newSim(t, sequential(), submission)
	decisions := s.run(fakeActivities{plan: api.Plan{}}, api.ActionContinue)

	res := finalResult(t, decisions[len(decisions)-1])
	assert.Empty(t, res.SearchTasks)
	assert.Empty(t, res.ReportInput.ResearchResults)
	assert.Equal(t, "report on Assess Company-A 2023 emissions with 0 topics", res.FinalReport)
}

func TestResearch_DefaultsReportLength(t *testing.T) {
	s := newSim(t, sequential(), api.Submission{Query: "q"})
	decisions := s.run(fakeActivities{plan: onePlan("a")}, api.ActionContinue)

	res := finalResult(t, decisions[len(decisions)-1])
	assert.Equal(t, api.ReportMedium, res.ReportInput.ReportLength)
	assert.Equal(t, 6000, res.ReportInput.TargetLength)
}

func TestResearch_BatchedCapsOutstandingTopics(t *testing.T) {
	opts := DefaultResearchOptions()
	opts.Policy = PolicyBatched
	opts.BatchSize = 3
	s := newSim(t, NewResearchWorkflow(opts), submission)
	acts := fakeActivities{plan: planOf(7)}

	maxOutstanding := 0
	var last api.Decision
	for i := 0; i < 200; i++ {
		last = s.advance()
		if last.Terminal() {
			break
		}
		if last.Kind == api.DecisionWaitForEvent {
			s.raise(last.EventName, api.ApprovalPayload{Action: api.ActionContinue})
			continue
		}

		pending := s.outstanding()
		children := 0
		for _, ev := range pending {
			if ev.Type == api.EventSubOrchestrationScheduled {
				children++
			}
		}
		maxOutstanding = max(maxOutstanding, children)

		ev := pending[len(pending)-1]
		result, err := acts.answer(t, ev)
		require.NoError(t, err)
		s.complete(ev.Seq, result)
	}

	assert.Equal(t, 3, maxOutstanding)
	res := finalResult(t, last)
	require.Len(t, res.ReportInput.ResearchResults, 7)
	for i, r := range res.ReportInput.ResearchResults {
		assert.Equal(t, planOf(7).Topics[i].Name, r.Topic)
	}
	require.Len(t, res.SearchTasks, 7)
}

func TestResearch_BatchedChildFailureFailsParent(t *testing.T) {
	opts := DefaultResearchOptions()
	opts.Policy = PolicyBatched
	s := newSim(t, NewResearchWorkflow(opts), submission)
	decisions := s.run(fakeActivities{plan: planOf(4), failOn: api.WorkflowResearchTopic}, api.ActionContinue)

	last := decisions[len(decisions)-1]
	require.Equal(t, api.DecisionFail, last.Kind)
	assert.True(t, errors.Is(last.Err, api.ErrActivityFailure))
}

func TestResearch_ApprovalTimeout(t *testing.T) {
	for _, action := range []TimeoutAction{TimeoutFail, TimeoutTerminate} {
		t.Run(string(action), func(t *testing.T) {
			opts := DefaultResearchOptions()
			opts.ApprovalTimeout = time.Hour
			opts.TimeoutAction = action
			s := newSim(t, NewResearchWorkflow(opts), submission)
			s.advance()
			s.complete(2, "task")

			d := s.advance()
			require.Equal(t, api.DecisionWaitForEvent, d.Kind)
			assert.Equal(t, time.Hour, d.Timeout)

			s.append(api.HistoryEvent{Type: api.EventWaitTimedOut, Name: api.EventApproval})
			d = s.advance()
			if action == TimeoutFail {
				require.Equal(t, api.DecisionFail, d.Kind)
				assert.True(t, errors.Is(d.Err, api.ErrSuspensionTimeout))
				return
			}
			require.Equal(t, api.DecisionTerminate, d.Kind)
			var res api.TerminatedResult
			require.NoError(t, xjson.Unmarshal(d.Result, &res))
			assert.Equal(t, StatusApprovalTimedOut, res.Status)
		})
	}
}

func TestTopicWorkflow(t *testing.T) {
	topic := api.Topic{Name: "scope 3", SearchType: api.SearchGlobal, Steps: []string{"x", "y"}}
	s := newSim(t, NewTopicWorkflow(), topic)
	decisions := s.run(fakeActivities{}, "")

	last := decisions[len(decisions)-1]
	require.Equal(t, api.DecisionComplete, last.Kind)
	var res api.TopicResult
	require.NoError(t, xjson.Unmarshal(last.Result, &res))
	assert.Equal(t, "scope 3", res.Topic)
	assert.Equal(t, api.SearchGlobal, res.SearchType)
	assert.Equal(t, "summary of scope 3 (2 results)", res.Summary)
	require.Len(t, res.StepResults, 2)
	assert.Equal(t, "x", res.StepResults[0].Query)
}
