// Package claude is the Anthropic rewrite backend.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

// Client implements triage.Rewriter against the Messages API.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New creates a client for the given settings. Extra options are appended
// after the ones derived from settings.
func New(s triage.ClaudeSettings, opts ...option.RequestOption) (*Client, error) {
	if s.APIKey == "" {
		return nil, errors.New("claude: api key is not configured")
	}
	if s.Model == "" {
		return nil, errors.New("claude: model is not configured")
	}
	base := []option.RequestOption{option.WithAPIKey(s.APIKey)}
	if s.BaseURL != "" {
		base = append(base, option.WithBaseURL(s.BaseURL))
	}
	return &Client{
		sdk:   anthropic.NewClient(append(base, opts...)...),
		model: s.Model,
	}, nil
}

// Rewrite sends the system prompt and the template report as a single user
// turn and returns the concatenated text blocks.
func (c *Client) Rewrite(ctx context.Context, req *triage.RewriteRequest) (*triage.RewriteResponse, error) {
	model := req.Params.Model
	if model == "" {
		model = c.model
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(req.Params.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(req.Params.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("claude api status %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("claude request: %w", err)
	}
	if msg.StopReason == anthropic.StopReasonMaxTokens {
		return nil, fmt.Errorf("claude response truncated at %d tokens", req.Params.MaxTokens)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return nil, errors.New("claude response has no text content")
	}

	return &triage.RewriteResponse{
		Text:         b.String(),
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}
