package providers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hannabros/researchflow/internal/activities"
	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:1234/v1", normalizeBaseURL(""))
	assert.Equal(t, "http://10.0.0.2:8080/v1", normalizeBaseURL("10.0.0.2:8080"))
	assert.Equal(t, "https://api.example.com/v1", normalizeBaseURL("https://api.example.com/v1/"))
}

func TestOpenAIChat_Complete(t *testing.T) {
	var got chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, xjson.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"topics\":[]}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIChat(ChatConfig{BaseURL: srv.URL, APIKey: "secret", Model: "gpt-test"})
	out, err := c.Complete(context.Background(), activities.ChatRequest{
		Agent:        "Planner",
		Instructions: "plan the research",
		Prompt:       "task",
		JSON:         true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"topics":[]}`, out)

	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "task", got.Messages[1].Content)
	assert.Equal(t, "json_object", got.ResponseFormat["type"])
}

func TestOpenAIChat_Errors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		},
		"no choices": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		},
		"empty": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  "}}]}`))
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			_, err := NewOpenAIChat(ChatConfig{BaseURL: srv.URL}).Complete(context.Background(), activities.ChatRequest{Agent: "Summarizer", Prompt: "p"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "Summarizer")
		})
	}
}

func TestHTTPSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, xjson.Unmarshal(body, &req))
		if req.Query == "broken" {
			_, _ = w.Write([]byte(`<html>`))
			return
		}
		_, _ = w.Write([]byte(`{"hits":["` + req.Query + `"],"mode":"` + string(req.SearchType) + `"}`))
	}))
	defer srv.Close()

	s := NewHTTPSearch(SearchConfig{URL: srv.URL})
	out, err := s.Search(context.Background(), "energy mix", api.SearchGlobal)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hits":["energy mix"],"mode":"global"}`, string(out))

	_, err = s.Search(context.Background(), "broken", api.SearchLocal)
	assert.Error(t, err)

	_, err = NewHTTPSearch(SearchConfig{}).Search(context.Background(), "q", api.SearchLocal)
	assert.Error(t, err)
}
