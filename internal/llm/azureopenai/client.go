// Package azureopenai is the Azure OpenAI chat-completions rewrite backend.
package azureopenai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

const maxResponseBytes = 1 << 20

// Client implements triage.Rewriter for one deployment.
type Client struct {
	settings   triage.AzureOpenAISettings
	url        string
	httpClient *http.Client
}

// New validates the settings and builds the deployment URL. A nil httpClient
// gets an otelhttp-instrumented default; call deadlines come from the context.
func New(s triage.AzureOpenAISettings, httpClient *http.Client) (*Client, error) {
	var errs []error
	if s.APIKey == "" {
		errs = append(errs, errors.New("api key is not configured"))
	}
	if s.Deployment == "" {
		errs = append(errs, errors.New("deployment is not configured"))
	}
	u, err := url.Parse(strings.TrimRight(s.Endpoint, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid endpoint %q", s.Endpoint))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("azure openai: %w", err)
	}

	u = u.JoinPath("openai", "deployments", s.Deployment, "chat", "completions")
	q := u.Query()
	q.Set("api-version", s.APIVersion)
	u.RawQuery = q.Encode()

	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{settings: s, url: u.String(), httpClient: httpClient}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Rewrite posts a system and user message pair to the deployment.
func (c *Client) Rewrite(ctx context.Context, req *triage.RewriteRequest) (*triage.RewriteResponse, error) {
	body := chatRequest{
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		MaxTokens:   req.Params.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.settings.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure openai request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("azure openai status %d: %s", resp.StatusCode, truncate(string(data), 256))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("azure openai response has no choices")
	}
	choice := out.Choices[0]
	if choice.FinishReason == "length" {
		return nil, fmt.Errorf("azure openai response truncated at %d tokens", req.Params.MaxTokens)
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return nil, errors.New("azure openai response has no text content")
	}

	model := out.Model
	if model == "" {
		model = c.settings.Deployment
	}
	return &triage.RewriteResponse{
		Text:         choice.Message.Content,
		Model:        model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
