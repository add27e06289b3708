package researchflow

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

const testPlan = `{"topics": [
  {"topic": "supply", "search_type": "local", "steps": ["supplier list", "supplier risk"]},
  {"topic": "demand", "search_type": "global", "steps": ["market size"]},
  {"topic": "pricing", "search_type": "global", "steps": ["price trend"]}
]}`

// scripted answers every agent with a fixed text and counts the calls.
type scripted struct {
	calls atomic.Int64
}

func (s *scripted) chat() ChatFunc {
	return func(_ context.Context, req ChatRequest) (string, error) {
		s.calls.Add(1)
		switch req.Agent {
		case "TaskExtractor":
			return "compare supply and demand", nil
		case "Planner":
			return testPlan, nil
		case "Summarizer":
			return "summary", nil
		case "ReportWriter":
			return "the report", nil
		}
		return "", fmt.Errorf("unexpected agent %q", req.Agent)
	}
}

func echoSearch() SearchFunc {
	return func(_ context.Context, query string, st api.SearchType) (xjson.RawMessage, error) {
		return xjson.Marshal(map[string]string{"q": strings.ToUpper(query), "t": string(st)})
	}
}

func waitStatus(t *testing.T, eng Engine, id string, want Status) *Instance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := WaitFor(ctx, eng, id, 5*time.Millisecond, func(i *Instance) bool { return i.Status == want })
	require.NoError(t, err)
	require.Equal(t, want, inst.Status, "instance %s: %s", id, inst.Error)
	return inst
}
