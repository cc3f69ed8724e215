// Package gemini is the Google Gemini rewrite backend.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

// Client implements triage.Rewriter. The underlying genai client is scoped to
// a single call because it binds to the caller's context.
type Client struct {
	settings triage.GeminiSettings
	opts     []option.ClientOption
}

// New validates the settings. Extra options are passed to genai.NewClient
// after the API key.
func New(s triage.GeminiSettings, opts ...option.ClientOption) (*Client, error) {
	if s.APIKey == "" {
		return nil, errors.New("gemini: api key is not configured")
	}
	if s.Model == "" {
		return nil, errors.New("gemini: model is not configured")
	}
	return &Client{settings: s, opts: opts}, nil
}

// Rewrite generates the rewritten report.
func (c *Client) Rewrite(ctx context.Context, req *triage.RewriteRequest) (*triage.RewriteResponse, error) {
	opts := append([]option.ClientOption{option.WithAPIKey(c.settings.APIKey)}, c.opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	defer func() { _ = client.Close() }()

	p := req.Params
	if p.Model == "" {
		p.Model = c.settings.Model
	}
	model := client.GenerativeModel(p.Model)
	configure(model, req.System, p)

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return toResponse(resp, p)
}

func configure(model *genai.GenerativeModel, system string, p triage.ModelParams) {
	model.SetTemperature(float32(p.Temperature))
	if p.TopP > 0 {
		model.SetTopP(float32(p.TopP))
	}
	if p.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(p.MaxTokens)) //nolint:gosec // bounded by settings validation
	}
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
}

func toResponse(resp *genai.GenerateContentResponse, p triage.ModelParams) (*triage.RewriteResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, errors.New("gemini response has no candidates")
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonMaxTokens {
		return nil, fmt.Errorf("gemini response truncated at %d tokens", p.MaxTokens)
	}

	var b strings.Builder
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("gemini response has no text content (finish reason %s)", cand.FinishReason)
	}

	out := &triage.RewriteResponse{Text: b.String(), Model: p.Model}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}
