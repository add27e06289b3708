package orchestrator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

// sim plays the engine's role in memory: it records the decisions of a
// program into a history and lets tests resolve calls in any order.
type sim struct {
	t       *testing.T
	prog    Program
	history []api.HistoryEvent
}

func newSim(t *testing.T, prog Program, input any) *sim {
	t.Helper()
	s := &sim{t: t, prog: prog}
	s.append(api.HistoryEvent{Type: api.EventStarted, Payload: mustJSON(t, input)})
	return s
}

func mustJSON(t *testing.T, v any) xjson.RawMessage {
	t.Helper()
	raw, err := xjson.Marshal(v)
	require.NoError(t, err)
	return raw
}

func (s *sim) append(ev api.HistoryEvent) int64 {
	ev.Seq = int64(len(s.history) + 1)
	ev.At = time.Unix(0, 0)
	s.history = append(s.history, ev)
	return ev.Seq
}

// advance evaluates the program and records scheduling decisions the way
// the engine does.
func (s *sim) advance() api.Decision {
	s.t.Helper()
	d, err := Advance(s.prog, s.history)
	require.NoError(s.t, err)

	for _, c := range d.Calls {
		s.append(api.HistoryEvent{Type: scheduledType(c.Kind), Name: c.Name, Payload: c.Input})
	}
	switch d.Kind {
	case api.DecisionComplete:
		s.append(api.HistoryEvent{Type: api.EventCompleted, Payload: d.Result})
	case api.DecisionTerminate:
		s.append(api.HistoryEvent{Type: api.EventTerminated, Payload: d.Result})
	case api.DecisionFail:
		s.append(api.HistoryEvent{Type: api.EventFailed, Error: d.Err.Error()})
	}
	return d
}

func (s *sim) scheduledEvent(seq int64) api.HistoryEvent {
	s.t.Helper()
	ev := s.history[seq-1]
	require.True(s.t, ev.Type.Scheduling(), "seq %d is %s", seq, ev.Type)
	return ev
}

func (s *sim) complete(seq int64, result any) {
	s.t.Helper()
	typ := api.EventActivityCompleted
	if s.scheduledEvent(seq).Type == api.EventSubOrchestrationScheduled {
		typ = api.EventSubOrchestrationCompleted
	}
	s.append(api.HistoryEvent{Type: typ, ScheduledSeq: seq, Payload: mustJSON(s.t, result)})
}

func (s *sim) fail(seq int64, msg string) {
	s.t.Helper()
	typ := api.EventActivityFailed
	if s.scheduledEvent(seq).Type == api.EventSubOrchestrationScheduled {
		typ = api.EventSubOrchestrationFailed
	}
	s.append(api.HistoryEvent{Type: typ, ScheduledSeq: seq, Error: msg})
}

func (s *sim) raise(name string, payload any) {
	s.t.Helper()
	s.append(api.HistoryEvent{Type: api.EventReceived, Name: name, Payload: mustJSON(s.t, payload)})
}

// outstanding returns the scheduling events that have no outcome yet, in
// schedule order.
func (s *sim) outstanding() []api.HistoryEvent {
	resolved := make(map[int64]bool)
	for _, ev := range s.history {
		if ev.Type.Outcome() {
			resolved[ev.ScheduledSeq] = true
		}
	}
	var out []api.HistoryEvent
	for _, ev := range s.history {
		if ev.Type.Scheduling() && !resolved[ev.Seq] {
			out = append(out, ev)
		}
	}
	return out
}

// fakeActivities answers every activity deterministically from its input.
type fakeActivities struct {
	plan api.Plan
	// failOn names an activity that fails instead of answering.
	failOn string
}

func (f fakeActivities) answer(t *testing.T, ev api.HistoryEvent) (any, error) {
	t.Helper()
	if ev.Name == f.failOn {
		return nil, fmt.Errorf("%s unavailable", ev.Name)
	}
	switch ev.Name {
	case api.ActivityExtract:
		var q string
		require.NoError(t, xjson.Unmarshal(ev.Payload, &q))
		return "task: " + q, nil
	case api.ActivityPlan:
		return f.plan, nil
	case api.ActivitySearch:
		var in api.SearchInput
		require.NoError(t, xjson.Unmarshal(ev.Payload, &in))
		return api.SearchResult{Query: in.Query, Result: mustJSON(t, "found "+in.Query)}, nil
	case api.ActivitySummarize:
		var in api.SummarizeInput
		require.NoError(t, xjson.Unmarshal(ev.Payload, &in))
		return fmt.Sprintf("summary of %s (%d results)", in.Topic.Name, len(in.StepResults)), nil
	case api.ActivityReport:
		var in api.ReportInput
		require.NoError(t, xjson.Unmarshal(ev.Payload, &in))
		return fmt.Sprintf("report on %s with %d topics", in.Query, len(in.ResearchResults)), nil
	case api.WorkflowResearchTopic:
		var topic api.Topic
		require.NoError(t, xjson.Unmarshal(ev.Payload, &topic))
		return api.TopicResult{
			TopicSummary: api.TopicSummary{Topic: topic.Name, SearchType: topic.SearchType, Summary: "summary of " + topic.Name},
		}, nil
	}
	t.Fatalf("unexpected call %q", ev.Name)
	return nil, nil
}

// run drives the program to a terminal decision, resolving outstanding calls
// in reverse schedule order and answering the approval wait with action.
func (s *sim) run(acts fakeActivities, action string) []api.Decision {
	s.t.Helper()
	var decisions []api.Decision
	for i := 0; i < 1000; i++ {
		d := s.advance()
		decisions = append(decisions, d)
		if d.Terminal() {
			return decisions
		}
		if d.Kind == api.DecisionWaitForEvent {
			s.raise(d.EventName, api.ApprovalPayload{Action: action})
			continue
		}
		pending := s.outstanding()
		require.NotEmpty(s.t, pending, "decision %s left nothing outstanding", d.Kind)
		// Resolve only the most recently scheduled call so completions land
		// in reverse order.
		last := pending[len(pending)-1]
		result, err := acts.answer(s.t, last)
		if err != nil {
			s.fail(last.Seq, err.Error())
		} else {
			s.complete(last.Seq, result)
		}
	}
	s.t.Fatal("program did not terminate")
	return nil
}

func onePlan(steps ...string) api.Plan {
	return api.Plan{Topics: []api.Topic{{Name: "emissions", SearchType: api.SearchLocal, Steps: steps}}}
}

func planOf(n int) api.Plan {
	var p api.Plan
	for i := 0; i < n; i++ {
		p.Topics = append(p.Topics, api.Topic{
			Name:       fmt.Sprintf("topic-%d", i),
			SearchType: api.SearchGlobal,
			Steps:      []string{fmt.Sprintf("step-%d", i)},
		})
	}
	return p
}
