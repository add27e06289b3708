package orchestrator

import (
	"fmt"

	"github.com/hannabros/researchflow/pkg/api"
)

// NewTopicWorkflow returns the research-topic child workflow used by the
// batched policy. Its input is one api.Topic and its result an
// api.TopicResult.
func NewTopicWorkflow() Program {
	return func(c *Context) (any, error) {
		var t api.Topic
		if err := c.Input(&t); err != nil {
			return nil, err
		}

		c.SetStage(StageResearch)
		c.SetProgress(fmt.Sprintf("'research & summary (%s)' in progress", t.Name), 0.0, nil)
		r, err := researchTopic(c, t)
		if err != nil {
			return nil, err
		}

		c.SetStage(StageDone)
		c.SetProgress(fmt.Sprintf("'research & summary (%s)' completed", t.Name), 1.0, r.TopicSummary)
		return r, nil
	}
}
