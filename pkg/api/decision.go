package api

import (
	"time"

	"github.com/hannabros/researchflow/internal/xjson"
)

// DecisionKind is the next action chosen by the orchestrator.
type DecisionKind string

const (
	DecisionScheduleActivities        DecisionKind = "schedule-activities"
	DecisionScheduleSubOrchestrations DecisionKind = "schedule-suborchestrations"
	DecisionWaitForEvent              DecisionKind = "wait-for-event"
	DecisionAwait                     DecisionKind = "await"
	DecisionComplete                  DecisionKind = "complete"
	DecisionTerminate                 DecisionKind = "terminate"
	DecisionFail                      DecisionKind = "fail"
)

// CallKind distinguishes activity calls from sub-orchestration calls.
type CallKind string

const (
	CallActivity         CallKind = "activity"
	CallSubOrchestration CallKind = "suborchestration"
)

// Call is one unit of work requested by a decision. For activities Name is
// the activity name; for sub-orchestrations it is the child workflow name.
type Call struct {
	Kind  CallKind
	Name  string
	Input xjson.RawMessage
}

// Decision is the output of one evaluation of the orchestrator.
//
// Calls are listed in issue order and must be recorded in that order.
// Progress and Stage describe the projection at this decision point.
type Decision struct {
	Kind      DecisionKind
	Calls     []Call
	EventName string
	Result    xjson.RawMessage
	Err       error

	// Timeout bounds a WaitForEvent decision. Zero means wait forever.
	Timeout time.Duration

	Stage    string
	Progress Progress
}

// Terminal reports whether the decision closes the instance.
func (d Decision) Terminal() bool {
	switch d.Kind {
	case DecisionComplete, DecisionTerminate, DecisionFail:
		return true
	}
	return false
}
