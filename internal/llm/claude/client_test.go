package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

func testSettings(baseURL string) triage.ClaudeSettings {
	return triage.ClaudeSettings{
		Enabled:     true,
		Model:       "claude-sonnet-4-20250514",
		APIKey:      "sk-test",
		BaseURL:     baseURL,
		Temperature: 0.3,
		MaxTokens:   512,
	}
}

func testRequest() *triage.RewriteRequest {
	return &triage.RewriteRequest{
		System: triage.RewriteSystemPrompt,
		Prompt: "Original report:\nFINDINGS:\nx\n\nIMPRESSION:\ny\n\nRewritten report:",
		Params: triage.ModelParams{Model: "claude-sonnet-4-20250514", Temperature: 0.3, MaxTokens: 512},
	}
}

func TestNew_RequiresKeyAndModel(t *testing.T) {
	t.Parallel()

	s := testSettings("")
	s.APIKey = ""
	_, err := New(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")

	s = testSettings("")
	s.Model = ""
	_, err = New(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model")
}

func TestRewrite_SendsMessageAndCollectsText(t *testing.T) {
	t.Parallel()

	var got struct {
		Model       string  `json:"model"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
		System      []struct {
			Text string `json:"text"`
		} `json:"system"`
		Messages []struct {
			Role    string `json:"role"`
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"messages"`
	}
	var apiKey, path string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("X-Api-Key")
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"id": "msg_1", "type": "message", "role": "assistant",
			"model": "claude-sonnet-4-20250514",
			"content": [
				{"type": "text", "text": "FINDINGS:\nRewritten."},
				{"type": "text", "text": "\n\nIMPRESSION:\nDone."}
			],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 120, "output_tokens": 40}
		}`)
	}))
	defer srv.Close()

	c, err := New(testSettings(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)

	resp, err := c.Rewrite(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "sk-test", apiKey)
	assert.Equal(t, "/v1/messages", path)
	assert.Equal(t, "claude-sonnet-4-20250514", got.Model)
	assert.Equal(t, 512, got.MaxTokens)
	assert.InDelta(t, 0.3, got.Temperature, 1e-9)
	require.Len(t, got.System, 1)
	assert.Equal(t, triage.RewriteSystemPrompt, got.System[0].Text)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	require.Len(t, got.Messages[0].Content, 1)
	assert.True(t, strings.HasPrefix(got.Messages[0].Content[0].Text, "Original report:"))

	assert.Equal(t, "FINDINGS:\nRewritten.\n\nIMPRESSION:\nDone.", resp.Text)
	assert.Equal(t, 120, resp.InputTokens)
	assert.Equal(t, 40, resp.OutputTokens)
	assert.Equal(t, "claude-sonnet-4-20250514", resp.Model)
}

func TestRewrite_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"api error", http.StatusUnauthorized, `{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`, "status 401"},
		{"truncated", http.StatusOK, `{"id":"m","type":"message","role":"assistant","model":"m","content":[{"type":"text","text":"FINDINGS:"}],"stop_reason":"max_tokens","usage":{"input_tokens":1,"output_tokens":512}}`, "truncated"},
		{"no text", http.StatusOK, `{"id":"m","type":"message","role":"assistant","model":"m","content":[],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":0}}`, "no text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c, err := New(testSettings(srv.URL), option.WithMaxRetries(0))
			require.NoError(t, err)
			_, err = c.Rewrite(context.Background(), testRequest())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
