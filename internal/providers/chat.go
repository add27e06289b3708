// Package providers holds HTTP clients for the chat model and the search
// service the research activities depend on.
package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hannabros/researchflow/internal/activities"
	"github.com/hannabros/researchflow/internal/xjson"
)

type ChatConfig struct {
	// BaseURL of an OpenAI-compatible API, e.g. https://api.openai.com/v1.
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// OpenAIChat implements activities.ChatClient against the chat completions
// endpoint of an OpenAI-compatible API.
type OpenAIChat struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

var _ activities.ChatClient = (*OpenAIChat)(nil)

func NewOpenAIChat(cfg ChatConfig) *OpenAIChat {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIChat{
		endpoint: normalizeBaseURL(cfg.BaseURL) + "/chat/completions",
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		http:     newHTTPClient(timeout),
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// normalizeBaseURL adds a scheme and a /v1 suffix when they are missing.
func normalizeBaseURL(baseURL string) string {
	s := strings.TrimSpace(baseURL)
	if s == "" {
		s = "http://localhost:1234/v1"
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	s = strings.TrimRight(s, "/")
	if strings.HasSuffix(s, "/v1") {
		return s
	}
	return s + "/v1"
}

// Complete sends the agent instructions as the system message and the
// prompt as the user message.
func (c *OpenAIChat) Complete(ctx context.Context, req activities.ChatRequest) (string, error) {
	body := chatCompletionRequest{Model: c.model}
	if req.Instructions != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.Instructions})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.JSON {
		body.ResponseFormat = map[string]any{"type": "json_object"}
	}

	payload, err := xjson.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var decoded chatCompletionResponse
	if err := postJSON(ctx, c.http, c.endpoint, c.apiKey, payload, &decoded); err != nil {
		return "", fmt.Errorf("%s: %w", req.Agent, err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("%s: response missing choices", req.Agent)
	}
	content := decoded.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%s: response empty", req.Agent)
	}
	return content, nil
}

// postJSON posts payload and decodes a 2xx answer into out, or into a raw
// message when out is a *xjson.RawMessage.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, payload []byte, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %s: %s", resp.Status, truncate(strings.TrimSpace(string(data)), 200))
	}
	if raw, ok := out.(*xjson.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := xjson.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
