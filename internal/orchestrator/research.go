package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

// Stage markers written to the projection.
const (
	StageExtraction = "extraction"
	StageApproval   = "approval"
	StagePlanning   = "planning"
	StageResearch   = "research"
	StageReport     = "report"
	StageDone       = "done"
)

// TopicPolicy selects how topics are researched.
type TopicPolicy string

const (
	// PolicySequential researches one topic at a time, running all steps of
	// a topic concurrently.
	PolicySequential TopicPolicy = "sequential"

	// PolicyBatched researches topics as research-topic sub-orchestrations in
	// static batches; a batch starts only after the previous one joined.
	PolicyBatched TopicPolicy = "batched"
)

// TimeoutAction is what happens when the approval wait times out.
type TimeoutAction string

const (
	TimeoutFail      TimeoutAction = "fail"
	TimeoutTerminate TimeoutAction = "terminate"
)

// Messages recorded on user-driven and timed-out terminations.
const (
	StatusTerminatedByUser = "terminated by user"
	StatusApprovalTimedOut = "approval timed out"
)

// ProgressMarks are the fractions reported at each stage.
type ProgressMarks struct {
	Extract       float64 `mapstructure:"extract"`
	Approval      float64 `mapstructure:"approval"`
	Planning      float64 `mapstructure:"planning"`
	ResearchStart float64 `mapstructure:"research_start"`
	ResearchEnd   float64 `mapstructure:"research_end"`
	Report        float64 `mapstructure:"report"`
	Done          float64 `mapstructure:"done"`
}

// DefaultProgressMarks returns 0.0, 0.1, 0.25, 0.5..0.75, 0.75, 1.0.
func DefaultProgressMarks() ProgressMarks {
	return ProgressMarks{
		Extract:       0.0,
		Approval:      0.1,
		Planning:      0.25,
		ResearchStart: 0.5,
		ResearchEnd:   0.75,
		Report:        0.75,
		Done:          1.0,
	}
}

// topic interpolates linearly between ResearchStart and ResearchEnd.
func (m ProgressMarks) topic(done, total int) float64 {
	if total == 0 {
		return m.ResearchStart
	}
	return m.ResearchStart + float64(done)/float64(total)*(m.ResearchEnd-m.ResearchStart)
}

// ResearchOptions configures the research workflow. Changing options for a
// workflow with instances in flight can make their histories diverge.
type ResearchOptions struct {
	Policy          TopicPolicy
	BatchSize       int
	ApprovalTimeout time.Duration
	TimeoutAction   TimeoutAction
	Marks           ProgressMarks
}

// DefaultResearchOptions returns the sequential policy, a batch size of 3,
// no approval timeout and the default progress marks.
func DefaultResearchOptions() ResearchOptions {
	return ResearchOptions{
		Policy:        PolicySequential,
		BatchSize:     3,
		TimeoutAction: TimeoutFail,
		Marks:         DefaultProgressMarks(),
	}
}

// NewResearchWorkflow returns the research pipeline: extract, approval,
// plan, per-topic search and summary, report.
func NewResearchWorkflow(opts ResearchOptions) Program {
	if opts.BatchSize < 1 {
		opts.BatchSize = 3
	}
	return func(c *Context) (any, error) {
		return research(c, opts)
	}
}

func research(c *Context, opts ResearchOptions) (any, error) {
	m := opts.Marks

	var sub api.Submission
	if err := c.Input(&sub); err != nil {
		return nil, err
	}
	if sub.ReportLength == "" {
		sub.ReportLength = api.ReportMedium
	}

	c.SetStage(StageExtraction)
	c.SetProgress("'task extraction' in progress", m.Extract, nil)
	var task string
	if err := c.CallActivity(api.ActivityExtract, sub.Query).Get(&task); err != nil {
		return nil, err
	}

	c.SetStage(StageApproval)
	c.SetProgress("'human approval' is needed", m.Approval, task)
	var raw xjson.RawMessage
	if err := c.WaitForEvent(api.EventApproval, opts.ApprovalTimeout).Get(&raw); err != nil {
		if errors.Is(err, api.ErrSuspensionTimeout) && opts.TimeoutAction == TimeoutTerminate {
			c.SetProgress("approval timed out", 0.0, nil)
			return nil, Terminate(api.TerminatedResult{Status: StatusApprovalTimedOut})
		}
		return nil, err
	}
	if !approved(raw) {
		c.SetProgress("terminated by user", 0.0, nil)
		return nil, Terminate(api.TerminatedResult{Status: StatusTerminatedByUser})
	}

	c.SetStage(StagePlanning)
	c.SetProgress("'planning' in progress", m.Planning, task)
	var plan api.Plan
	if err := c.CallActivity(api.ActivityPlan, task).Get(&plan); err != nil {
		return nil, err
	}
	topics := plan.Topics
	if topics == nil {
		topics = []api.Topic{}
	}
	plan.Topics = topics

	c.SetStage(StageResearch)
	var (
		results []api.TopicResult
		err     error
	)
	if opts.Policy == PolicyBatched {
		results, err = researchBatched(c, plan, opts.BatchSize, m)
	} else {
		results, err = researchSequential(c, plan, m)
	}
	if err != nil {
		return nil, err
	}

	summaries := make([]api.TopicSummary, len(results))
	searchResults := make([][]api.SearchResult, len(results))
	for i, r := range results {
		summaries[i] = r.TopicSummary
		searchResults[i] = r.StepResults
	}

	c.SetStage(StageReport)
	c.SetProgress("'report generation' in progress", m.Report, summaries)
	in := api.ReportInput{
		Query:           sub.Query,
		ResearchResults: summaries,
		ReportLength:    sub.ReportLength,
		TargetLength:    api.TargetLength(sub.ReportLength),
	}
	var report string
	if err := c.CallActivity(api.ActivityReport, in).Get(&report); err != nil {
		return nil, err
	}

	c.SetStage(StageDone)
	c.SetProgress("'report generation' completed", m.Done, report)
	return api.ResearchResult{
		FinalReport:   report,
		ReportInput:   in,
		SearchResults: searchResults,
		SearchTasks:   topics,
	}, nil
}

// approved decodes the approval payload. Anything that is not exactly
// {"action":"continue"} counts as a cancellation, including payloads that
// fail to decode.
func approved(raw xjson.RawMessage) bool {
	var p api.ApprovalPayload
	if err := xjson.Unmarshal(raw, &p); err != nil {
		return false
	}
	return p.Affirmative()
}

func researchSequential(c *Context, plan api.Plan, m ProgressMarks) ([]api.TopicResult, error) {
	topics := plan.Topics
	out := make([]api.TopicResult, 0, len(topics))
	for i, t := range topics {
		c.SetProgress(fmt.Sprintf("'research & summary (%s)' in progress", t.Name), m.topic(i, len(topics)),
			lastCompleted(plan, out))
		r, err := researchTopic(c, t)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func researchBatched(c *Context, plan api.Plan, size int, m ProgressMarks) ([]api.TopicResult, error) {
	topics := plan.Topics
	out := make([]api.TopicResult, 0, len(topics))
	for _, batch := range Batches(topics, size) {
		c.SetProgress(fmt.Sprintf("'research & summary' in progress (%d/%d topics)", len(out), len(topics)),
			m.topic(len(out), len(topics)), lastCompleted(plan, out))

		fs := make([]*Future, len(batch))
		for i, t := range batch {
			fs[i] = c.CallSubOrchestration(api.WorkflowResearchTopic, t)
		}
		results, err := DecodeAll[api.TopicResult](fs)
		if err != nil {
			return nil, err
		}
		out = append(out, results...)
	}
	return out, nil
}

// lastCompleted is the progress snapshot during research: the plan until the
// first topic is summarized, then the summaries so far.
func lastCompleted(plan api.Plan, done []api.TopicResult) any {
	if len(done) == 0 {
		return plan
	}
	summaries := make([]api.TopicSummary, len(done))
	for i, r := range done {
		summaries[i] = r.TopicSummary
	}
	return summaries
}

// researchTopic fans out one Search per step, joins them in step order and
// summarizes the joined results.
func researchTopic(c *Context, t api.Topic) (api.TopicResult, error) {
	fs := make([]*Future, len(t.Steps))
	for i, step := range t.Steps {
		fs[i] = c.CallActivity(api.ActivitySearch, api.SearchInput{Query: step, SearchType: t.SearchType})
	}
	results, err := DecodeAll[api.SearchResult](fs)
	if err != nil {
		return api.TopicResult{}, err
	}

	var summary string
	if err := c.CallActivity(api.ActivitySummarize, api.SummarizeInput{Topic: t, StepResults: results}).Get(&summary); err != nil {
		return api.TopicResult{}, err
	}

	return api.TopicResult{
		TopicSummary: api.TopicSummary{Topic: t.Name, SearchType: t.SearchType, Summary: summary},
		StepResults:  results,
	}, nil
}
