package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Rewrite outcomes reported through EngineHooks.OnRewrite.
const (
	RewriteSuccess  = "success"
	RewriteDisabled = "disabled"
	RewriteError    = "error"
	RewriteTimeout  = "timeout"
	RewriteRejected = "rejected"
)

var errRewriteTimeout = errors.New("llm rewrite timed out")

// Composer builds reports. The template text is always computed; the LLM
// rewrite only ever replaces it after passing the section and term checks.
type Composer struct {
	factory RewriterFactory
	logger  log.Logger
	hooks   EngineHooks
	tracer  trace.Tracer
}

// Compose builds the report for enabled findings and post-processed boxes.
func (c *Composer) Compose(ctx context.Context, findings []FindingResult, boxes []DetectionBox, tr TriageResult, cfg *EngineConfig) Report {
	findingsText, impressionText := TemplateReport(findings, boxes, tr)
	rep := Report{
		FindingsText:   findingsText,
		ImpressionText: impressionText,
		Disclaimer:     Disclaimer,
	}
	if !cfg.LLM.Enabled {
		return rep
	}

	doc := templateDocument(findingsText, impressionText)
	req := &RewriteRequest{
		System:       RewriteSystemPrompt,
		Prompt:       buildRewritePrompt(doc),
		TemplateText: doc,
		Findings:     findings,
		Boxes:        boxes,
		Level:        tr.Level,
	}

	f, i, ok := c.rewrite(ctx, req, cfg)
	if ok {
		rep.FindingsText = f
		rep.ImpressionText = i
		rep.LLMRewritten = true
	}
	return rep
}

func (c *Composer) rewrite(ctx context.Context, req *RewriteRequest, cfg *EngineConfig) (findingsText, impressionText string, ok bool) {
	provider := cfg.LLM.Provider
	kind := "none"
	if provider != nil {
		kind = string(provider.Kind())
	}
	L := c.logger.With("provider", kind)

	ctx, span := c.tracer.Start(ctx, "report.rewrite",
		trace.WithAttributes(
			attribute.String("cxr.llm.provider", kind),
			attribute.String("cxr.triage.level", string(req.Level)),
		),
	)
	defer span.End()

	start := time.Now()
	outcome := RewriteSuccess
	defer func() {
		span.SetAttributes(attribute.String("cxr.llm.outcome", outcome))
		if c.hooks.OnRewrite != nil {
			c.hooks.OnRewrite(kind, outcome, time.Since(start).Seconds())
		}
	}()

	fail := func(o string, err error, msg string) (string, string, bool) {
		outcome = o
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		L.Warn(ctx, msg, "err", err, "outcome", o)
		return "", "", false
	}

	if provider == nil || !provider.IsEnabled() || c.factory == nil {
		return fail(RewriteDisabled, ErrProviderDisabled, "llm rewrite skipped, using template report")
	}
	rw, err := c.factory.Rewriter(provider)
	if err != nil {
		return fail(RewriteError, err, "llm rewriter unavailable, using template report")
	}
	req.Params = provider.Params()

	resp, err := callWithTimeout(ctx, rw, req, cfg.LLM.Timeout)
	if errors.Is(err, errRewriteTimeout) {
		return fail(RewriteTimeout, err, "llm rewrite timed out, using template report")
	}
	if err != nil {
		return fail(RewriteError, err, "llm rewrite failed, using template report")
	}
	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.Int("gen_ai.usage.input_tokens", resp.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.OutputTokens),
	)

	findingsText, impressionText, err = parseRewrite(resp.Text)
	if err != nil {
		return fail(RewriteRejected, err, "llm rewrite malformed, using template report")
	}
	if term, bad := newFinding(req.TemplateText, resp.Text); bad {
		return fail(RewriteRejected, fmt.Errorf("rewrite introduced finding %q", term), "llm rewrite unsafe, using template report")
	}

	L.Info(ctx, "llm rewrite accepted",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	return findingsText, impressionText, true
}

type rewriteResult struct {
	resp *RewriteResponse
	err  error
}

// callWithTimeout runs the rewrite in its own goroutine and waits for it or
// for the deadline, whichever comes first. A late result is discarded.
func callWithTimeout(ctx context.Context, rw Rewriter, req *RewriteRequest, timeout time.Duration) (*RewriteResponse, error) {
	if timeout <= 0 {
		timeout = DefaultLLMTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan rewriteResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- rewriteResult{err: fmt.Errorf("rewriter panic: %v", r)}
			}
		}()
		resp, err := rw.Rewrite(ctx, req)
		if err == nil && resp == nil {
			err = errors.New("rewriter returned no response")
		}
		ch <- rewriteResult{resp: resp, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errRewriteTimeout, res.err)
		}
		return res.resp, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s", errRewriteTimeout, timeout)
	}
}
