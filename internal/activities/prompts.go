package activities

import "strings"

// render replaces {key} placeholders. Arguments are key/value pairs.
func render(tmpl string, kv ...string) string {
	pairs := make([]string, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, "{"+kv[i]+"}", kv[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

const extractInstructions = `You extract tasks from the user query.
The query contains instructions and a list of tasks.`

const extractPrompt = `Extract the entities and the tasks from the user query.

Entities are the organisations named in the query. Tasks are the items of
the requested table of contents. Output only the entities and the tasks.

<query>
{query}
</query>`

const planInstructions = `You are a planning agent that decomposes a task into structured research topics.
Respond only with valid JSON of the form {"topics": [{"topic": "...", "search_type": "local|global", "steps": ["..."]}]}.`

const planPrompt = `TASK: {task}

Break the task into at most 10 distinct, concrete topics. Give each topic
1 to 5 retrieval-friendly steps written as "Find (something) for (entity)",
one entity per step.

Use search_type "local" when the topic concerns a single entity and
"global" when it concerns all of them. Do not add summary or repetition
steps.`

const summarizeInstructions = `You summarize research findings into clear and concise summaries.
List the file names of the sources you used as references.`

const summarizePrompt = `Summarize the key data for the topic below using only the research results.
Do not add information that is not in the results and do not add framing
sentences.

Topic: {topic}

Researches:
{research_info}`

const reportInstructions = `You are a research analyst writing a formal report for investors and executives.
Use only the provided findings and no outside knowledge.
Aim for about {report_length} characters, dense and without repetition.
Put comparison tables in Markdown.`

const reportPrompt = `Based on the analysis, write a report that directly answers the request.

<research_findings>
{research_findings}
</research_findings>

<request>
{query}
</request>`
