package api

import "github.com/hannabros/researchflow/internal/xjson"

// Activity names. Handlers are registered under these names and the
// orchestrator schedules them by name.
const (
	ActivityExtract   = "extract"
	ActivityPlan      = "plan"
	ActivitySearch    = "search"
	ActivitySummarize = "summarize"
	ActivityReport    = "report"
)

// Plan limits enforced by the Plan activity.
const (
	MaxTopics        = 10
	MinStepsPerTopic = 1
	MaxStepsPerTopic = 5
)

// Plan is the output of the Plan activity.
type Plan struct {
	Topics []Topic `json:"topics"`
}

// SearchInput is the input of one Search activity.
type SearchInput struct {
	Query      string     `json:"query"`
	SearchType SearchType `json:"search_type"`
}

// SearchResult is the output of one Search activity. Result is opaque to the
// engine and passed through to Summarize unchanged.
type SearchResult struct {
	Query  string           `json:"query"`
	Result xjson.RawMessage `json:"result"`
}

// SummarizeInput is the input of the Summarize activity.
type SummarizeInput struct {
	Topic       Topic          `json:"topic"`
	StepResults []SearchResult `json:"step_results"`
}

// TopicSummary is one entry of the report input.
type TopicSummary struct {
	Topic      string     `json:"topic"`
	SearchType SearchType `json:"search_type"`
	Summary    string     `json:"summary"`
}

// TopicResult is the result of the research-topic sub-orchestration.
type TopicResult struct {
	TopicSummary
	StepResults []SearchResult `json:"step_results"`
}

// ReportInput is the input of the Report activity.
type ReportInput struct {
	Query           string         `json:"query"`
	ResearchResults []TopicSummary `json:"research_results"`
	ReportLength    ReportLength   `json:"report_length"`
	TargetLength    int            `json:"target_length"`
}

// ResearchResult is the final payload of a completed research instance.
type ResearchResult struct {
	FinalReport   string           `json:"final_report"`
	ReportInput   ReportInput      `json:"report_input"`
	SearchResults [][]SearchResult `json:"search_results"`
	SearchTasks   []Topic          `json:"search_tasks"`
}

// TerminatedResult is the payload recorded when an instance is terminated.
type TerminatedResult struct {
	Status string `json:"status"`
}
