package activities

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

// ChatRequest is one completion request to the language model.
type ChatRequest struct {
	// Agent names the role, for logs and for clients that keep per-role
	// configuration.
	Agent        string
	Instructions string
	Prompt       string
	// JSON asks the model to answer with a JSON document only.
	JSON bool
}

// ChatClient is the language model capability used by the handlers.
type ChatClient interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// SearchClient is the document retrieval capability used by Search.
type SearchClient interface {
	Search(ctx context.Context, query string, searchType api.SearchType) (xjson.RawMessage, error)
}

// ChatFunc adapts a function to ChatClient.
type ChatFunc func(ctx context.Context, req ChatRequest) (string, error)

func (f ChatFunc) Complete(ctx context.Context, req ChatRequest) (string, error) {
	return f(ctx, req)
}

// SearchFunc adapts a function to SearchClient.
type SearchFunc func(ctx context.Context, query string, searchType api.SearchType) (xjson.RawMessage, error)

func (f SearchFunc) Search(ctx context.Context, query string, searchType api.SearchType) (xjson.RawMessage, error) {
	return f(ctx, query, searchType)
}

// ErrInvalidPlan is returned by the Plan activity when the model's answer
// does not describe a usable plan.
var ErrInvalidPlan = errors.New("invalid plan")

// Research implements the five research activities on top of injected
// chat and search capabilities.
type Research struct {
	Chat   ChatClient
	Search SearchClient
	Logger *zap.Logger
}

// NewResearch returns handlers bound to the given capabilities.
func NewResearch(chat ChatClient, search SearchClient, logger *zap.Logger) *Research {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Research{Chat: chat, Search: search, Logger: logger}
}

// Register adds the research activities to reg under their api names.
func (r *Research) Register(reg *Registry) error {
	for _, a := range []struct {
		name string
		h    Handler
	}{
		{api.ActivityExtract, Typed(r.Extract)},
		{api.ActivityPlan, Typed(r.Plan)},
		{api.ActivitySearch, Typed(r.SearchStep)},
		{api.ActivitySummarize, Typed(r.Summarize)},
		{api.ActivityReport, Typed(r.Report)},
	} {
		if err := reg.Register(a.name, a.h); err != nil {
			return err
		}
	}
	return nil
}

// Extract turns the raw user query into a task description.
func (r *Research) Extract(ctx context.Context, query string) (string, error) {
	return r.Chat.Complete(ctx, ChatRequest{
		Agent:        "TaskExtractor",
		Instructions: extractInstructions,
		Prompt:       render(extractPrompt, "query", query),
	})
}

// Plan decomposes a task description into research topics.
func (r *Research) Plan(ctx context.Context, task string) (api.Plan, error) {
	text, err := r.Chat.Complete(ctx, ChatRequest{
		Agent:        "Planner",
		Instructions: planInstructions,
		Prompt:       render(planPrompt, "task", task),
		JSON:         true,
	})
	if err != nil {
		return api.Plan{}, err
	}

	plan, err := ParsePlan(text)
	if err != nil {
		r.Logger.Warn("planner returned an unusable plan", zap.Error(err), zap.Int("bytes", len(text)))
		return api.Plan{}, err
	}
	r.Logger.Debug("plan ready", zap.Int("topics", len(plan.Topics)))
	return plan, nil
}

// SearchStep runs one retrieval step and pairs the result with its query.
func (r *Research) SearchStep(ctx context.Context, in api.SearchInput) (api.SearchResult, error) {
	res, err := r.Search.Search(ctx, in.Query, in.SearchType)
	if err != nil {
		return api.SearchResult{}, err
	}
	return api.SearchResult{Query: in.Query, Result: res}, nil
}

// Summarize condenses the joined search results of one topic.
func (r *Research) Summarize(ctx context.Context, in api.SummarizeInput) (string, error) {
	info, err := xjson.Marshal(in.StepResults)
	if err != nil {
		return "", err
	}
	return r.Chat.Complete(ctx, ChatRequest{
		Agent:        "Summarizer",
		Instructions: summarizeInstructions,
		Prompt:       render(summarizePrompt, "topic", in.Topic.Name, "research_info", string(info)),
	})
}

// Report writes the final report from the topic summaries.
func (r *Research) Report(ctx context.Context, in api.ReportInput) (string, error) {
	var findings strings.Builder
	for _, s := range in.ResearchResults {
		fmt.Fprintf(&findings, "# %s\n%s\n\n", s.Topic, s.Summary)
	}

	target := in.TargetLength
	if target == 0 {
		target = api.TargetLength(in.ReportLength)
	}
	return r.Chat.Complete(ctx, ChatRequest{
		Agent:        "ReportWriter",
		Instructions: render(reportInstructions, "report_length", fmt.Sprint(target)),
		Prompt:       render(reportPrompt, "research_findings", findings.String(), "query", in.Query),
	})
}

// ParsePlan decodes a planner answer. Both {"topics": [...]} and a bare
// topic array are accepted; code fences around the JSON are ignored.
func ParsePlan(text string) (api.Plan, error) {
	raw := bytes.TrimSpace([]byte(stripFence(text)))

	var plan api.Plan
	if len(raw) > 0 && raw[0] == '[' {
		if err := xjson.Unmarshal(raw, &plan.Topics); err != nil {
			return api.Plan{}, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
	} else if err := xjson.Unmarshal(raw, &plan); err != nil {
		return api.Plan{}, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	if plan.Topics == nil {
		plan.Topics = []api.Topic{}
	}
	if err := ValidatePlan(plan); err != nil {
		return api.Plan{}, err
	}
	return plan, nil
}

// ValidatePlan checks the plan limits: at most api.MaxTopics topics, each
// with a name, a known search type and 1 to 5 steps. An empty plan is valid.
func ValidatePlan(p api.Plan) error {
	if len(p.Topics) > api.MaxTopics {
		return fmt.Errorf("%w: %d topics, at most %d allowed", ErrInvalidPlan, len(p.Topics), api.MaxTopics)
	}
	for i, t := range p.Topics {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("%w: topic %d has no name", ErrInvalidPlan, i)
		}
		if !t.SearchType.Valid() {
			return fmt.Errorf("%w: topic %q has search type %q", ErrInvalidPlan, t.Name, t.SearchType)
		}
		if n := len(t.Steps); n < api.MinStepsPerTopic || n > api.MaxStepsPerTopic {
			return fmt.Errorf("%w: topic %q has %d steps, want %d-%d",
				ErrInvalidPlan, t.Name, n, api.MinStepsPerTopic, api.MaxStepsPerTopic)
		}
	}
	return nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
