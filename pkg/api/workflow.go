package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/hannabros/researchflow/internal/xjson"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusRunning    Status = "RUNNING"
	StatusSuspended  Status = "SUSPENDED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTerminated Status = "TERMINATED"
)

// Terminal reports whether no further decisions will be made for an
// instance in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// Workflow names known to the engine.
const (
	WorkflowResearch      = "research"
	WorkflowResearchTopic = "research-topic"
)

// Progress is the overwritable status projection exposed for polling.
// Fraction is informational only and never feeds back into decisions.
type Progress struct {
	Message  string           `json:"message"`
	Fraction float64          `json:"progress"`
	Snapshot xjson.RawMessage `json:"snapshot,omitempty"`
}

// Instance is the projection of one workflow execution. The history log is
// the source of truth; everything here can be rebuilt from it.
type Instance struct {
	ID       string
	Workflow string
	Status   Status

	// Stage is a coarse marker of where the pipeline currently is.
	Stage    string
	Progress Progress

	// WaitingOn names the external event the instance is suspended on.
	WaitingOn string

	// ParentID/ParentSeq link a sub-orchestration to the scheduling event in
	// its parent's history.
	ParentID  string
	ParentSeq int64

	// Input is the JSON payload of the Started event.
	Input xjson.RawMessage

	// Result is the JSON payload of the terminal event, if any.
	Result xjson.RawMessage

	// Error is the recorded failure reason for FAILED instances.
	Error string

	// LastSeq is the sequence number of the last history event applied.
	LastSeq int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// Workflow, if non-empty, limits results to instances of the given workflow.
	Workflow string

	// Status, if non-empty, limits results to instances with the given status.
	Status Status
}

// ReportLength is the requested size class of the final report.
type ReportLength string

const (
	ReportShort  ReportLength = "short"
	ReportMedium ReportLength = "medium"
	ReportLong   ReportLength = "long"
)

// TargetLength maps a report length to a target character count.
// Anything other than "long" or "medium" falls through to the short target.
func TargetLength(l ReportLength) int {
	switch l {
	case ReportLong:
		return 12000
	case ReportMedium:
		return 6000
	default:
		return 1500
	}
}

// Submission is the client request that starts a research instance.
type Submission struct {
	Query        string       `json:"query"`
	ReportLength ReportLength `json:"report_length"`
}

// SearchType selects the retrieval mode for a topic.
type SearchType string

const (
	SearchLocal  SearchType = "local"
	SearchGlobal SearchType = "global"
)

// Topic is one planned research area. It is produced once by Plan and never
// modified afterwards.
type Topic struct {
	Name       string     `json:"topic"`
	SearchType SearchType `json:"search_type"`
	Steps      []string   `json:"steps"`
}

// Normalize validates a submission and fills in defaults. An empty query is a
// protocol violation; an empty report length defaults to "medium".
func (s Submission) Normalize() (Submission, error) {
	if strings.TrimSpace(s.Query) == "" {
		return s, fmt.Errorf("%w: query is required", ErrProtocolViolation)
	}
	if s.ReportLength == "" {
		s.ReportLength = ReportMedium
	}
	return s, nil
}

// Valid reports whether t is a known search type.
func (t SearchType) Valid() bool {
	return t == SearchLocal || t == SearchGlobal
}
