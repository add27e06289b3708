package api

import (
	"time"

	"github.com/hannabros/researchflow/internal/xjson"
)

// EventType identifies a workflow history event.
type EventType string

const (
	EventStarted           EventType = "started"
	EventActivityScheduled EventType = "activity.scheduled"
	EventActivityCompleted EventType = "activity.completed"
	EventActivityFailed    EventType = "activity.failed"
	EventReceived          EventType = "event.received"
	EventCompleted         EventType = "completed"

	EventSubOrchestrationScheduled EventType = "suborchestration.scheduled"
	EventSubOrchestrationCompleted EventType = "suborchestration.completed"
	EventSubOrchestrationFailed    EventType = "suborchestration.failed"

	EventWaitTimedOut EventType = "wait.timedout"
	EventFailed       EventType = "failed"
	EventTerminated   EventType = "terminated"
)

// Scheduling reports whether events of this type are produced by a decision
// (as opposed to an external input such as a completion or a signal).
func (t EventType) Scheduling() bool {
	return t == EventActivityScheduled || t == EventSubOrchestrationScheduled
}

// Outcome reports whether events of this type resolve a scheduled call.
func (t EventType) Outcome() bool {
	switch t {
	case EventActivityCompleted, EventActivityFailed,
		EventSubOrchestrationCompleted, EventSubOrchestrationFailed:
		return true
	}
	return false
}

// Terminal reports whether events of this type close the history.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventFailed || t == EventTerminated
}

// HistoryEvent is one entry of an instance's append-only log.
//
// Seq is assigned by the store and starts at 1. ScheduledSeq points an
// outcome event back at the scheduling event it resolves. At is recorded for
// audit only; decisions never depend on it.
type HistoryEvent struct {
	InstanceID   string           `json:"instance_id"`
	Seq          int64            `json:"seq"`
	Type         EventType        `json:"type"`
	Name         string           `json:"name,omitempty"`
	ScheduledSeq int64            `json:"scheduled_seq,omitempty"`
	Payload      xjson.RawMessage `json:"payload,omitempty"`
	Error        string           `json:"error,omitempty"`
	At           time.Time        `json:"at"`
}

// EventApproval is the name of the human approval signal.
const EventApproval = "Approval"

// Approval actions. Only ActionContinue is affirmative.
const (
	ActionContinue = "continue"
	ActionCancel   = "cancel"
)

// ApprovalPayload is the body of the approval signal.
type ApprovalPayload struct {
	Action string `json:"action"`
}

// Affirmative reports whether the payload allows the workflow to proceed.
// Every value other than exactly "continue" counts as a cancellation.
func (p ApprovalPayload) Affirmative() bool {
	return p.Action == ActionContinue
}

// ExternalEvent is a named signal addressed to a waiting instance.
type ExternalEvent struct {
	Name    string
	Payload xjson.RawMessage
}
